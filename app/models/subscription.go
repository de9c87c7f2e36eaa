package models

import (
	"fmt"
	"time"
)

// Subscription statuses. Rows are never physically removed; "deleted" is a status.
const (
	SubscriptionStatusPending   = "pending"
	SubscriptionStatusPaid      = "paid"
	SubscriptionStatusActive    = "active"
	SubscriptionStatusExpired   = "expired"
	SubscriptionStatusCancelled = "cancelled"
	SubscriptionStatusDeleted   = "deleted"
)

// Subscription is a customer purchase that gets materialized as an account on a panel.
type Subscription struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	Email         string     `gorm:"type:varchar(255);index" json:"email" validate:"omitempty,email"`
	PlanID        uint       `gorm:"not null;index" json:"plan_id"`
	Plan          *Plan      `gorm:"foreignKey:PlanID" json:"plan,omitempty"`
	QuotaGB       int        `gorm:"not null" json:"quota_gb"`
	DurationDays  int        `gorm:"not null" json:"duration_days"`
	Price         int64      `gorm:"type:bigint;default:0" json:"price"`
	Status        string     `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	Provisioned   bool       `gorm:"default:false;index" json:"provisioned"`
	PanelID       *uint      `gorm:"index" json:"panel_id,omitempty"`
	PanelUsername string     `gorm:"type:varchar(64)" json:"panel_username,omitempty"`
	AccessURL     string     `gorm:"type:varchar(1024)" json:"access_url,omitempty"`
	ExpiresAt     *time.Time `gorm:"type:timestamp;default:null" json:"expires_at,omitempty"`
	QuotaBytes    int64      `gorm:"type:bigint;default:0" json:"quota_bytes"`
	Notes         string     `gorm:"type:text" json:"notes,omitempty"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// AccountUsername is the panel-side username for this subscription.
func (s *Subscription) AccountUsername() string {
	if s.PanelUsername != "" {
		return s.PanelUsername
	}
	return fmt.Sprintf("sub%d", s.ID)
}

// Provisionable reports whether a panel account may still be created.
// Expired, cancelled and deleted subscriptions never get a new one.
func (s *Subscription) Provisionable() bool {
	switch s.Status {
	case SubscriptionStatusExpired, SubscriptionStatusCancelled, SubscriptionStatusDeleted:
		return false
	}
	return true
}

// ExpectsAccount reports whether the subscription should have a live panel account.
func (s *Subscription) ExpectsAccount() bool {
	return s.Status == SubscriptionStatusActive || s.Status == SubscriptionStatusPaid
}
