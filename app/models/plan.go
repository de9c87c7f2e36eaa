package models

import (
	"time"

	"gorm.io/gorm"
)

// Plan is a sellable VPN product. Its Family must match every bound panel.
type Plan struct {
	ID                  uint           `gorm:"primaryKey" json:"id"`
	Name                string         `gorm:"type:varchar(100);not null" json:"name" validate:"required"`
	NameFA              string         `gorm:"type:varchar(100)" json:"name_fa,omitempty"`
	Family              string         `gorm:"type:varchar(20);not null" json:"family" validate:"required,oneof=marzban marzneshin"`
	PricePerGB          int64          `gorm:"type:bigint;default:0" json:"price_per_gb"`
	FixedPrice          int64          `gorm:"type:bigint;default:0" json:"fixed_price"`
	DefaultQuotaGB      int            `gorm:"default:0" json:"default_quota_gb"`
	DefaultDurationDays int            `gorm:"default:30" json:"default_duration_days"`
	IsActive            bool           `gorm:"default:true" json:"is_active"`
	Bindings            []PlanPanel    `gorm:"foreignKey:PlanID" json:"bindings,omitempty"`
	CreatedAt           time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt           gorm.DeletedAt `gorm:"index" json:"-"`
}

// PriceFor returns the price of quotaGB on this plan.
func (p *Plan) PriceFor(quotaGB int) int64 {
	if p.FixedPrice > 0 {
		return p.FixedPrice
	}
	return p.PricePerGB * int64(quotaGB)
}
