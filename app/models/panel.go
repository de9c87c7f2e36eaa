package models

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

// Panel families. Every family speaks its own admin API dialect.
const (
	PanelFamilyMarzban    = "marzban"
	PanelFamilyMarzneshin = "marzneshin"
)

// Panel health states. Health is advisory and never blocks a provisioning call.
const (
	PanelHealthOnline  = "online"
	PanelHealthOffline = "offline"
	PanelHealthUnknown = "unknown"
)

// Panel is a remote VPN management server reachable over its admin HTTP API.
// Protocols, InboundTags and ServiceIDs are comma separated. Empty InboundTags means all inbounds.
type Panel struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	Name            string     `gorm:"type:varchar(100);not null;uniqueIndex" json:"name" validate:"required,max=100"`
	BaseURL         string     `gorm:"type:varchar(255);not null" json:"base_url" validate:"required,url"`
	AdminUsername   string     `gorm:"type:varchar(100);not null" json:"admin_username" validate:"required"`
	AdminPassword   string     `gorm:"type:text;not null" json:"-" validate:"required"` // secretbox ciphertext
	Family          string     `gorm:"type:varchar(20);not null;index:idx_panel_family_active,composite:family" json:"family" validate:"required,oneof=marzban marzneshin"`
	IsActive        bool       `gorm:"default:true;index:idx_panel_family_active,composite:is_active" json:"is_active"`
	HealthStatus    string     `gorm:"type:varchar(20);default:'unknown'" json:"health_status"`
	LastCheckedAt   *time.Time `gorm:"type:timestamp;default:null" json:"last_checked_at"`
	LastHealthError string     `gorm:"type:text" json:"last_health_error,omitempty"`
	Protocols       string     `gorm:"type:varchar(255);default:'vless'" json:"protocols"`
	InboundTags     string     `gorm:"type:varchar(500)" json:"inbound_tags,omitempty"`
	ServiceIDs      string     `gorm:"type:varchar(255)" json:"service_ids,omitempty"`
	SuccessCount    int64      `gorm:"type:bigint;default:0" json:"success_count"`
	FailureCount    int64      `gorm:"type:bigint;default:0" json:"failure_count"`
	Description     string     `gorm:"type:text" json:"description,omitempty"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (p *Panel) Validate() error {
	v := validator.New()

	return v.Struct(p)
}

// BeforeSave normalizes the base URL and rejects unknown families.
func (p *Panel) BeforeSave(tx *gorm.DB) error {
	p.BaseURL = strings.TrimRight(strings.TrimSpace(p.BaseURL), "/")
	p.Family = strings.ToLower(strings.TrimSpace(p.Family))
	if !IsKnownPanelFamily(p.Family) {
		return errors.New("unknown panel family: " + p.Family)
	}
	if p.HealthStatus == "" {
		p.HealthStatus = PanelHealthUnknown
	}
	return nil
}

// IsKnownPanelFamily reports whether an adapter exists for family.
func IsKnownPanelFamily(family string) bool {
	return family == PanelFamilyMarzban || family == PanelFamilyMarzneshin
}

// IsOnline reports the last known health.
func (p *Panel) IsOnline() bool {
	return p.HealthStatus == PanelHealthOnline
}

// IsOffline reports whether the last health check failed.
func (p *Panel) IsOffline() bool {
	return p.HealthStatus == PanelHealthOffline
}

// HealthRank orders panels for fallback: online first, unknown next, offline last.
func (p *Panel) HealthRank() int {
	switch p.HealthStatus {
	case PanelHealthOnline:
		return 0
	case PanelHealthOffline:
		return 2
	default:
		return 1
	}
}

// ProtocolList returns the enabled protocols, defaulting to vless.
func (p *Panel) ProtocolList() []string {
	list := splitCSV(p.Protocols)
	if len(list) == 0 {
		return []string{"vless"}
	}
	return list
}

// InboundTagList returns the configured inbound tags.
func (p *Panel) InboundTagList() []string {
	return splitCSV(p.InboundTags)
}

// ServiceIDList returns the numeric service identifiers, skipping malformed entries.
func (p *Panel) ServiceIDList() []int {
	var ids []int
	for _, raw := range splitCSV(p.ServiceIDs) {
		if id, err := strconv.Atoi(raw); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}
