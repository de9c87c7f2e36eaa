// Package repositorytest provides in-memory repositories for tests.
package repositorytest

import (
	"errors"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/ManuelReschke/TunnelFox/app/models"
	"github.com/ManuelReschke/TunnelFox/app/repository"
	"gorm.io/gorm"
)

// memoryStore backs every repository of one NewRepositories call.
type memoryStore struct {
	mu            sync.Mutex
	panels        map[uint]models.Panel
	plans         map[uint]models.Plan
	bindings      []models.PlanPanel
	subscriptions map[uint]models.Subscription
	attempts      []models.ProvisionAttempt
	values        map[string]string
	lists         map[string]int64
	nextID        uint
	now           func() time.Time
}

func (s *memoryStore) id() uint {
	s.nextID++
	return s.nextID
}

// NewRepositories returns repositories that keep everything in process memory.
// Not-found lookups return gorm.ErrRecordNotFound like the SQL implementations.
func NewRepositories() *repository.Repositories {
	s := &memoryStore{
		panels:        make(map[uint]models.Panel),
		plans:         make(map[uint]models.Plan),
		subscriptions: make(map[uint]models.Subscription),
		values:        make(map[string]string),
		lists:         make(map[string]int64),
		now:           time.Now,
	}
	return &repository.Repositories{
		Panel:        &memoryPanelRepository{s},
		Plan:         &memoryPlanRepository{s},
		Subscription: &memorySubscriptionRepository{s},
		Attempt:      &memoryAttemptRepository{s},
		Cache:        &CacheRepository{s},
	}
}

type memoryPanelRepository struct{ s *memoryStore }

func (r *memoryPanelRepository) Create(panel *models.Panel) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if panel.ID == 0 {
		panel.ID = r.s.id()
	}
	now := r.s.now()
	panel.CreatedAt, panel.UpdatedAt = now, now
	r.s.panels[panel.ID] = *panel
	return nil
}

func (r *memoryPanelRepository) GetByID(id uint) (*models.Panel, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.panels[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &p, nil
}

func (r *memoryPanelRepository) GetAll() ([]models.Panel, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]models.Panel, 0, len(r.s.panels))
	for _, p := range r.s.panels {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *memoryPanelRepository) GetActiveByFamily(family string) ([]models.Panel, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.Panel
	for _, p := range r.s.panels {
		if p.IsActive && p.Family == family {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].HealthRank() != out[j].HealthRank() {
			return out[i].HealthRank() < out[j].HealthRank()
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *memoryPanelRepository) Update(panel *models.Panel) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	panel.UpdatedAt = r.s.now()
	r.s.panels[panel.ID] = *panel
	return nil
}

func (r *memoryPanelRepository) UpdateHealth(id uint, status string, checkedAt time.Time, healthErr string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.panels[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	p.HealthStatus = status
	p.LastCheckedAt = &checkedAt
	p.LastHealthError = healthErr
	r.s.panels[id] = p
	return nil
}

type memoryPlanRepository struct{ s *memoryStore }

func (r *memoryPlanRepository) Create(plan *models.Plan) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if plan.ID == 0 {
		plan.ID = r.s.id()
	}
	r.s.plans[plan.ID] = *plan
	return nil
}

func (r *memoryPlanRepository) GetByID(id uint) (*models.Plan, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.plans[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &p, nil
}

func (r *memoryPlanRepository) List() ([]models.Plan, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]models.Plan, 0, len(r.s.plans))
	for _, p := range r.s.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memoryPlanRepository) GetBindings(planID uint) ([]models.PlanPanel, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.PlanPanel
	for _, b := range r.s.bindings {
		if b.PlanID != planID {
			continue
		}
		if p, ok := r.s.panels[b.PanelID]; ok {
			panel := p
			b.Panel = &panel
		}
		out = append(out, b)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IsPrimary != out[j].IsPrimary {
			return out[i].IsPrimary
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *memoryPlanRepository) Bind(binding *models.PlanPanel) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	existing := -1
	for i, b := range r.s.bindings {
		if b.PlanID != binding.PlanID {
			continue
		}
		if b.PanelID == binding.PanelID {
			existing = i
			continue
		}
		if binding.IsPrimary && b.IsPrimary {
			return models.ErrDuplicatePrimaryBinding
		}
	}
	stored := *binding
	stored.Panel = nil
	if existing >= 0 {
		stored.ID = r.s.bindings[existing].ID
		stored.CreatedAt = r.s.bindings[existing].CreatedAt
		r.s.bindings[existing] = stored
		binding.ID = stored.ID
		return nil
	}
	stored.ID = r.s.id()
	stored.CreatedAt = r.s.now()
	binding.ID = stored.ID
	r.s.bindings = append(r.s.bindings, stored)
	return nil
}

func (r *memoryPlanRepository) Unbind(planID, panelID uint) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	kept := r.s.bindings[:0]
	for _, b := range r.s.bindings {
		if b.PlanID == planID && b.PanelID == panelID {
			continue
		}
		kept = append(kept, b)
	}
	r.s.bindings = kept
	return nil
}

type memorySubscriptionRepository struct{ s *memoryStore }

func (r *memorySubscriptionRepository) Create(sub *models.Subscription) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if sub.ID == 0 {
		sub.ID = r.s.id()
	}
	if sub.Status == "" {
		sub.Status = models.SubscriptionStatusPending
	}
	now := r.s.now()
	sub.CreatedAt, sub.UpdatedAt = now, now
	stored := *sub
	stored.Plan = nil
	r.s.subscriptions[sub.ID] = stored
	return nil
}

func (r *memorySubscriptionRepository) GetByID(id uint) (*models.Subscription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sub, ok := r.s.subscriptions[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &sub, nil
}

func (r *memorySubscriptionRepository) Update(sub *models.Subscription) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.subscriptions[sub.ID]; !ok {
		return gorm.ErrRecordNotFound
	}
	sub.UpdatedAt = r.s.now()
	stored := *sub
	stored.Plan = nil
	r.s.subscriptions[sub.ID] = stored
	return nil
}

func (r *memorySubscriptionRepository) ListByStatus(status string, offset, limit int) ([]models.Subscription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var all []models.Subscription
	for _, sub := range r.s.subscriptions {
		if sub.Status == status {
			all = append(all, sub)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (r *memorySubscriptionRepository) CountByStatus() (map[string]int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	counts := make(map[string]int64)
	for _, sub := range r.s.subscriptions {
		counts[sub.Status]++
	}
	return counts, nil
}

type memoryAttemptRepository struct{ s *memoryStore }

func (r *memoryAttemptRepository) Create(attempt *models.ProvisionAttempt) error {
	if attempt.ID != 0 {
		return models.ErrAttemptImmutable
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	attempt.ID = r.s.id()
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = r.s.now()
	}
	r.s.attempts = append(r.s.attempts, *attempt)
	return nil
}

func (r *memoryAttemptRepository) ListBySubscription(subscriptionID uint) ([]models.ProvisionAttempt, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.ProvisionAttempt
	for _, a := range r.s.attempts {
		if a.SubscriptionID == subscriptionID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *memoryAttemptRepository) Last(subscriptionID uint) (*models.ProvisionAttempt, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for i := len(r.s.attempts) - 1; i >= 0; i-- {
		if r.s.attempts[i].SubscriptionID == subscriptionID {
			a := r.s.attempts[i]
			return &a, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memoryAttemptRepository) HasSuccess(subscriptionID uint) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.attempts {
		if a.SubscriptionID == subscriptionID && a.Success && a.Function == models.AttemptFunctionCreate {
			return true, nil
		}
	}
	return false, nil
}

func (r *memoryAttemptRepository) ListBetween(from, to time.Time, afterID uint, limit int) ([]models.ProvisionAttempt, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.ProvisionAttempt
	for _, a := range r.s.attempts {
		if a.ID <= afterID || a.CreatedAt.Before(from) || !a.CreatedAt.Before(to) {
			continue
		}
		out = append(out, a)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memoryAttemptRepository) CountBetween(from, to time.Time) (int64, int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var success, failure int64
	for _, a := range r.s.attempts {
		if a.CreatedAt.Before(from) || !a.CreatedAt.Before(to) {
			continue
		}
		if a.Success {
			success++
		} else {
			failure++
		}
	}
	return success, failure, nil
}

// CacheRepository is the in-memory repository.CacheRepository. Tests seed it with Set and SetListLength.
type CacheRepository struct{ s *memoryStore }

// ErrCacheMiss mirrors redis.Nil for the in-memory cache.
var ErrCacheMiss = errors.New("cache: key not found")

func (r *CacheRepository) Set(key, value string) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.values[key] = value
}

func (r *CacheRepository) SetListLength(key string, n int64) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.lists[key] = n
}

func (r *CacheRepository) GetValue(key string) (string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	v, ok := r.s.values[key]
	if !ok {
		return "", ErrCacheMiss
	}
	return v, nil
}

func (r *CacheRepository) GetListLength(key string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.lists[key], nil
}

func (r *CacheRepository) FindKeysByPatterns(patterns []string) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var keys []string
	for key := range r.s.values {
		for _, pattern := range patterns {
			if matched, _ := path.Match(pattern, key); matched {
				keys = append(keys, key)
				break
			}
		}
	}
	sort.Strings(keys)
	return keys, nil
}
