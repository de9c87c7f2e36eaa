package panel

import (
	"context"
	"time"

	"github.com/ManuelReschke/TunnelFox/app/models"
)

// Family names an admin API dialect.
type Family string

const (
	FamilyMarzban    Family = models.PanelFamilyMarzban
	FamilyMarzneshin Family = models.PanelFamilyMarzneshin
)

const (
	bytesPerGB    = int64(1) << 30
	secondsPerDay = int64(86400)

	DefaultHTTPTimeout = 10 * time.Second
)

// QuotaBytes converts a GB quota into the byte limit sent to panels.
func QuotaBytes(quotaGB int) int64 {
	if quotaGB <= 0 {
		return 0
	}
	return int64(quotaGB) * bytesPerGB
}

// ExpiryFrom returns now + days*86400 seconds, truncated to whole seconds.
func ExpiryFrom(now time.Time, days int) time.Time {
	return time.Unix(now.Unix()+int64(days)*secondsPerDay, 0).UTC()
}

// Config is everything an adapter needs to talk to one panel.
type Config struct {
	PanelID     uint
	Name        string
	BaseURL     string
	Username    string
	Password    string
	Family      Family
	Protocols   []string
	InboundTags []string
	ServiceIDs  []int
}

// CreateAccountRequest carries the normalized account parameters.
type CreateAccountRequest struct {
	Username     string `json:"username"`
	QuotaGB      int    `json:"quota_gb"`
	DurationDays int    `json:"duration_days"`
	Notes        string `json:"notes,omitempty"`
}

// Account is the normalized reflection of a panel-side user.
type Account struct {
	Username        string     `json:"username"`
	Status          string     `json:"status"`
	SubscriptionURL string     `json:"subscription_url"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	DataLimitBytes  int64      `json:"data_limit_bytes"`
	UsedBytes       int64      `json:"used_bytes"`
}

// DateRange bounds usage statistics. Zero values mean unbounded.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// SystemStats is the normalized panel-wide status report.
type SystemStats struct {
	Version       string  `json:"version,omitempty"`
	TotalUsers    int64   `json:"total_users"`
	ActiveUsers   int64   `json:"active_users"`
	MemTotal      int64   `json:"mem_total"`
	MemUsed       int64   `json:"mem_used"`
	CPUUsage      float64 `json:"cpu_usage"`
	IncomingBytes int64   `json:"incoming_bytes"`
	OutgoingBytes int64   `json:"outgoing_bytes"`
	RangeUsage    int64   `json:"range_usage_bytes"`
}

// Adapter hides one panel family's dialect behind the normalized operations.
type Adapter interface {
	Family() Family
	PanelID() uint
	CreateAccount(ctx context.Context, req CreateAccountRequest) (*Account, error)
	// DeleteAccount treats "not found" as success.
	DeleteAccount(ctx context.Context, username string) error
	FetchAccount(ctx context.Context, username string) (*Account, error)
	FetchSystemStats(ctx context.Context, r DateRange) (*SystemStats, error)
	CountAccounts(ctx context.Context) (int64, error)
	// Authenticate forces a fresh login, bypassing the token cache.
	Authenticate(ctx context.Context) error
}
