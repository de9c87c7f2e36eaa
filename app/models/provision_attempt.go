package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// Attempt functions recorded in the log.
const (
	AttemptFunctionCreate = "createAccount"
	AttemptFunctionDelete = "deleteAccount"
	AttemptFunctionFetch  = "fetchAccount"
)

// ErrAttemptImmutable is returned when code tries to change a logged attempt.
var ErrAttemptImmutable = errors.New("provision attempts are append-only")

// ProvisionAttempt is one immutable row per panel call made on behalf of a subscription.
type ProvisionAttempt struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	SubscriptionID uint      `gorm:"not null;index:idx_attempt_sub_created,priority:1" json:"subscription_id"`
	Function       string    `gorm:"type:varchar(32);not null" json:"function"`
	RequestJSON    string    `gorm:"type:text" json:"request"`
	ResponseJSON   string    `gorm:"type:text" json:"response,omitempty"`
	ErrorText      string    `gorm:"type:text" json:"error,omitempty"`
	ErrorKind      string    `gorm:"type:varchar(40)" json:"error_kind,omitempty"`
	Success        bool      `gorm:"not null;default:false" json:"success"`
	PanelID        *uint     `json:"panel_id,omitempty"`
	PanelName      string    `gorm:"type:varchar(100)" json:"panel_name,omitempty"`
	PanelURL       string    `gorm:"type:varchar(255)" json:"panel_url,omitempty"`
	CorrelationID  string    `gorm:"type:varchar(36);index" json:"correlation_id,omitempty"`
	CreatedAt      time.Time `gorm:"autoCreateTime;index:idx_attempt_sub_created,priority:2" json:"created_at"`
}

// BeforeUpdate keeps the log append-only.
func (a *ProvisionAttempt) BeforeUpdate(tx *gorm.DB) error {
	return ErrAttemptImmutable
}

// BeforeDelete keeps the log append-only.
func (a *ProvisionAttempt) BeforeDelete(tx *gorm.DB) error {
	return ErrAttemptImmutable
}
