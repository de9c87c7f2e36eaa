package panelhealth

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ManuelReschke/TunnelFox/app/models"
	"github.com/ManuelReschke/TunnelFox/app/repository"
	"github.com/ManuelReschke/TunnelFox/internal/pkg/cache"
	"github.com/ManuelReschke/TunnelFox/internal/pkg/panel"
	"github.com/gofiber/fiber/v2/log"
)

// KeyPrefix prefixes the Redis key of a panel's last health snapshot.
const KeyPrefix = "panel_health:"

// DefaultInterval is used when PANEL_HEALTH_INTERVAL_SECONDS is not set.
const DefaultInterval = 5 * time.Minute

// monitor state
var (
	monitorMu     sync.Mutex
	monitorStopCh chan struct{}
)

// Snapshot is the cached result of one panel check.
type Snapshot struct {
	PanelID      uint               `json:"panel_id"`
	Name         string             `json:"name"`
	Family       string             `json:"family"`
	Status       string             `json:"status"`
	Error        string             `json:"error,omitempty"`
	ErrorKind    panel.Kind         `json:"error_kind,omitempty"`
	LatencyMS    int64              `json:"latency_ms"`
	Stats        *panel.SystemStats `json:"stats,omitempty"`
	AccountCount int64              `json:"account_count"`
	CheckedAt    time.Time          `json:"checked_at"`
}

// Key returns the Redis key for panelID.
func Key(panelID uint) string {
	return fmt.Sprintf("%s%d", KeyPrefix, panelID)
}

// SnapshotSink stores encoded snapshots, cache.Set by default.
type SnapshotSink func(key string, value interface{}, ttl time.Duration) error

// Checker logs into panels and records their health.
type Checker struct {
	panels   repository.PanelRepository
	registry *panel.Registry
	sink     SnapshotSink
	evict    func(key string) error
	timeout  time.Duration
	now      func() time.Time
}

// Option configures a Checker.
type Option func(*Checker)

// WithSink replaces the Redis snapshot cache.
func WithSink(sink SnapshotSink) Option {
	return func(c *Checker) {
		c.sink = sink
	}
}

// WithEvict replaces the Redis snapshot removal.
func WithEvict(evict func(key string) error) Option {
	return func(c *Checker) {
		c.evict = evict
	}
}

// WithTimeout bounds one full panel check.
func WithTimeout(d time.Duration) Option {
	return func(c *Checker) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewChecker creates a health checker.
func NewChecker(panels repository.PanelRepository, registry *panel.Registry, opts ...Option) *Checker {
	c := &Checker{
		panels:   panels,
		registry: registry,
		sink:     cache.Set,
		evict:    cache.Delete,
		timeout:  30 * time.Second,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CheckPanel forces a login and reads system stats. Families without a stats endpoint
// fall back to counting accounts. The outcome is written to the panel row and the cache.
func (c *Checker) CheckPanel(ctx context.Context, p *models.Panel) *Snapshot {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	started := c.now()
	snap := &Snapshot{
		PanelID: p.ID,
		Name:    p.Name,
		Family:  p.Family,
		Status:  models.PanelHealthOnline,
	}

	if err := c.probe(ctx, p, snap); err != nil {
		snap.Status = models.PanelHealthOffline
		snap.Error = err.Error()
		snap.ErrorKind = panel.KindOf(err)
	}
	snap.CheckedAt = c.now().UTC()
	snap.LatencyMS = snap.CheckedAt.Sub(started).Milliseconds()

	if err := c.panels.UpdateHealth(p.ID, snap.Status, snap.CheckedAt, snap.Error); err != nil {
		log.Errorf("[PanelHealth] Failed to store health of panel %s: %v", p.Name, err)
	}
	if p.HealthStatus != snap.Status {
		log.Infof("[PanelHealth] Panel %s is now %s", p.Name, snap.Status)
	}
	p.HealthStatus = snap.Status
	p.LastCheckedAt = &snap.CheckedAt
	p.LastHealthError = snap.Error

	if b, err := json.Marshal(snap); err == nil {
		if err := c.sink(Key(p.ID), string(b), 2*DefaultInterval); err != nil {
			log.Warnf("[PanelHealth] Cache set failed for panel %s: %v", p.Name, err)
		}
	}
	return snap
}

func (c *Checker) probe(ctx context.Context, p *models.Panel, snap *Snapshot) error {
	adapter, err := c.registry.Adapter(p)
	if err != nil {
		return err
	}
	if err := adapter.Authenticate(ctx); err != nil {
		return err
	}

	stats, err := adapter.FetchSystemStats(ctx, panel.DateRange{})
	switch {
	case err == nil:
		snap.Stats = stats
		snap.AccountCount = stats.TotalUsers
		return nil
	case panel.IsKind(err, panel.KindNotImplemented):
		count, cerr := adapter.CountAccounts(ctx)
		if cerr != nil {
			return cerr
		}
		snap.AccountCount = count
		return nil
	default:
		return err
	}
}

// CheckAll checks every active panel sequentially.
func (c *Checker) CheckAll(ctx context.Context) ([]Snapshot, error) {
	panels, err := c.panels.GetAll()
	if err != nil {
		return nil, err
	}
	var out []Snapshot
	for i := range panels {
		if !panels[i].IsActive {
			continue
		}
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		out = append(out, *c.CheckPanel(ctx, &panels[i]))
	}
	return out, nil
}

// Forget drops the cached snapshot of a panel whose settings changed.
func (c *Checker) Forget(panelID uint) {
	if err := c.evict(Key(panelID)); err != nil {
		log.Warnf("[PanelHealth] Failed to drop snapshot of panel %d: %v", panelID, err)
	}
}

// CachedSnapshot returns the last snapshot written for panelID.
func CachedSnapshot(reader repository.CacheRepository, panelID uint) (*Snapshot, error) {
	raw, err := reader.GetValue(Key(panelID))
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// StartMonitor runs CheckAll immediately and then every interval until StopMonitor.
func StartMonitor(c *Checker, interval time.Duration) {
	monitorMu.Lock()
	defer monitorMu.Unlock()
	if monitorStopCh != nil {
		return
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	stopCh := make(chan struct{})
	monitorStopCh = stopCh

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		log.Infof("[PanelHealth] Monitor started (interval: %s)", interval)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			<-stopCh
			cancel()
		}()

		runOnce(ctx, c)
		for {
			select {
			case <-stopCh:
				log.Info("[PanelHealth] Monitor stopped")
				return
			case <-ticker.C:
				runOnce(ctx, c)
			}
		}
	}()
}

// StopMonitor stops the background checks.
func StopMonitor() {
	monitorMu.Lock()
	defer monitorMu.Unlock()
	if monitorStopCh != nil {
		close(monitorStopCh)
		monitorStopCh = nil
	}
}

func runOnce(ctx context.Context, c *Checker) {
	snaps, err := c.CheckAll(ctx)
	if err != nil {
		log.Errorf("[PanelHealth] Health check run failed: %v", err)
		return
	}
	offline := 0
	for _, s := range snaps {
		if s.Status == models.PanelHealthOffline {
			offline++
		}
	}
	log.Debugf("[PanelHealth] Checked %d panels, %d offline", len(snaps), offline)
}
