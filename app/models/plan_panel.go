package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// ErrDuplicatePrimaryBinding is returned when a plan would get a second primary panel.
var ErrDuplicatePrimaryBinding = errors.New("plan already has a primary panel")

// PlanPanel binds a plan to a panel. At most one binding per plan is primary.
type PlanPanel struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	PlanID    uint      `gorm:"not null;uniqueIndex:idx_plan_panel,priority:1" json:"plan_id"`
	PanelID   uint      `gorm:"not null;uniqueIndex:idx_plan_panel,priority:2" json:"panel_id"`
	IsPrimary bool      `gorm:"default:false" json:"is_primary"`
	Panel     *Panel    `gorm:"foreignKey:PanelID" json:"panel,omitempty"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// BeforeSave enforces the single primary binding per plan.
func (pp *PlanPanel) BeforeSave(tx *gorm.DB) error {
	if !pp.IsPrimary {
		return nil
	}
	var count int64
	if err := tx.Model(&PlanPanel{}).
		Where("plan_id = ? AND is_primary = ? AND id != ?", pp.PlanID, true, pp.ID).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return ErrDuplicatePrimaryBinding
	}
	return nil
}
