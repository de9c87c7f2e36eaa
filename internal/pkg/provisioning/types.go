package provisioning

import (
	"errors"
	"sync"
	"time"

	"github.com/ManuelReschke/TunnelFox/internal/pkg/panel"
)

var (
	// ErrAlreadyProvisioned rejects a create for a subscription that already has an account.
	ErrAlreadyProvisioned = errors.New("subscription is already provisioned")
	// ErrSubscriptionNotFound is returned for unknown subscription IDs.
	ErrSubscriptionNotFound = errors.New("subscription not found")
	// ErrNotProvisionable rejects a create for an expired, cancelled or deleted subscription.
	ErrNotProvisionable = errors.New("subscription can no longer be provisioned")
	// ErrNoAccount is returned when an operation needs a panel-side account that was never created.
	ErrNoAccount = errors.New("subscription has no panel account")
)

// Result is what callers and operators see for one provisioning operation.
type Result struct {
	Success    bool       `json:"success"`
	AccessURL  string     `json:"access_url,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	QuotaBytes int64      `json:"quota_bytes,omitempty"`
	PanelID    uint       `json:"panel_id,omitempty"`
	Username   string     `json:"username,omitempty"`
	Error      string     `json:"error,omitempty"`
	ErrorKind  panel.Kind `json:"error_kind,omitempty"`
	Reconciled bool       `json:"reconciled,omitempty"`
}

func failure(panelID uint, err error) *Result {
	return &Result{
		PanelID:   panelID,
		Error:     err.Error(),
		ErrorKind: panel.KindOf(err),
	}
}

// Recorder receives one outcome per panel call, e.g. the Redis counters.
type Recorder interface {
	Record(panelID uint, success bool)
}

// subscriptionLocks serializes operations on the same subscription within the process.
type subscriptionLocks struct {
	mu    sync.Mutex
	locks map[uint]*subscriptionLock
}

type subscriptionLock struct {
	sync.Mutex
	refs int
}

func (l *subscriptionLocks) lock(id uint) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[uint]*subscriptionLock)
	}
	entry := l.locks[id]
	if entry == nil {
		entry = &subscriptionLock{}
		l.locks[id] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.Lock()
	return func() {
		entry.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
