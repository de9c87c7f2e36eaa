package statistics

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/TunnelFox/app/repository"
	"github.com/ManuelReschke/TunnelFox/internal/pkg/cache"
)

const (
	CacheKeyProvisioning = "statistics:provisioning"
	CacheExpiration      = 30 * time.Minute
)

// Data is the provisioning overview shown on the admin API.
type Data struct {
	SubscriptionsByStatus map[string]int64 `json:"subscriptions_by_status"`
	TodaySuccess          int64            `json:"today_success"`
	TodayFailure          int64            `json:"today_failure"`
	UpdatedAt             time.Time        `json:"updated_at"`
}

// Collector counts subscriptions and today's attempts and keeps the result in Redis.
type Collector struct {
	repos    *repository.Repositories
	get      func(key string) (string, error)
	set      func(key string, value interface{}, expiration time.Duration) error
	now      func() time.Time
	interval time.Duration

	mu         sync.Mutex
	lastUpdate time.Time
}

// NewCollector creates a collector backed by the shared Redis cache.
func NewCollector(repos *repository.Repositories) *Collector {
	return &Collector{
		repos:    repos,
		get:      cache.Get,
		set:      cache.Set,
		now:      time.Now,
		interval: 5 * time.Minute,
	}
}

// ShouldUpdateCache reports whether the cached data is older than the refresh interval.
func (c *Collector) ShouldUpdateCache() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now().Sub(c.lastUpdate) > c.interval
}

// ResetCacheUpdateTimer forces a refresh on the next read.
func (c *Collector) ResetCacheUpdateTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastUpdate = time.Time{}
}

// UpdateStatisticsCache recounts from the database and stores the result.
func (c *Collector) UpdateStatisticsCache() (*Data, error) {
	data, err := c.count()
	if err != nil {
		log.Errorf("[Statistics] Counting failed: %v", err)
		return nil, err
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	if err := c.set(CacheKeyProvisioning, raw, CacheExpiration); err != nil {
		log.Errorf("[Statistics] Error caching statistics: %v", err)
		return data, nil
	}

	c.mu.Lock()
	c.lastUpdate = c.now()
	c.mu.Unlock()

	log.Debugf("[Statistics] Updated: %v subscriptions, %d/%d attempts today",
		data.SubscriptionsByStatus, data.TodaySuccess, data.TodayFailure)
	return data, nil
}

// GetStatisticsData returns cached statistics, recounting when the cache is stale or missing.
func (c *Collector) GetStatisticsData() (*Data, error) {
	if !c.ShouldUpdateCache() {
		if val, err := c.get(CacheKeyProvisioning); err == nil {
			var data Data
			if err := json.Unmarshal([]byte(val), &data); err == nil {
				return &data, nil
			}
		}
	}
	return c.UpdateStatisticsCache()
}

func (c *Collector) count() (*Data, error) {
	byStatus, err := c.repos.Subscription.CountByStatus()
	if err != nil {
		return nil, err
	}

	now := c.now().UTC()
	todayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	success, failure, err := c.repos.Attempt.CountBetween(todayStart, todayStart.Add(24*time.Hour))
	if err != nil {
		return nil, err
	}

	return &Data{
		SubscriptionsByStatus: byStatus,
		TodaySuccess:          success,
		TodayFailure:          failure,
		UpdatedAt:             now,
	}, nil
}
