package repository

import (
	"time"

	"github.com/ManuelReschke/TunnelFox/app/models"
	"gorm.io/gorm"
)

// PanelRepository defines the interface for panel registry operations
type PanelRepository interface {
	Create(panel *models.Panel) error
	GetByID(id uint) (*models.Panel, error)
	GetAll() ([]models.Panel, error)
	GetActiveByFamily(family string) ([]models.Panel, error)
	Update(panel *models.Panel) error
	UpdateHealth(id uint, status string, checkedAt time.Time, healthErr string) error
}

// PlanRepository defines the interface for plans and their panel bindings
type PlanRepository interface {
	Create(plan *models.Plan) error
	GetByID(id uint) (*models.Plan, error)
	List() ([]models.Plan, error)
	// GetBindings returns the plan's bindings with Panel preloaded, primary first.
	GetBindings(planID uint) ([]models.PlanPanel, error)
	Bind(binding *models.PlanPanel) error
	Unbind(planID, panelID uint) error
}

// SubscriptionRepository defines the interface for subscription persistence
type SubscriptionRepository interface {
	Create(sub *models.Subscription) error
	GetByID(id uint) (*models.Subscription, error)
	Update(sub *models.Subscription) error
	ListByStatus(status string, offset, limit int) ([]models.Subscription, error)
	CountByStatus() (map[string]int64, error)
}

// ProvisionAttemptRepository is the append-only attempt log
type ProvisionAttemptRepository interface {
	Create(attempt *models.ProvisionAttempt) error
	// ListBySubscription returns attempts ordered by created_at, id.
	ListBySubscription(subscriptionID uint) ([]models.ProvisionAttempt, error)
	// Last returns gorm.ErrRecordNotFound when nothing was attempted yet.
	Last(subscriptionID uint) (*models.ProvisionAttempt, error)
	HasSuccess(subscriptionID uint) (bool, error)
	ListBetween(from, to time.Time, afterID uint, limit int) ([]models.ProvisionAttempt, error)
	// CountBetween counts successful and failed attempts created in [from, to).
	CountBetween(from, to time.Time) (success, failure int64, err error)
}

// CacheRepository reads operational state kept in Redis
type CacheRepository interface {
	GetValue(key string) (string, error)
	GetListLength(key string) (int64, error)
	FindKeysByPatterns(patterns []string) ([]string, error)
}

// Repositories struct holds all repository instances
type Repositories struct {
	Panel        PanelRepository
	Plan         PlanRepository
	Subscription SubscriptionRepository
	Attempt      ProvisionAttemptRepository
	Cache        CacheRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Panel:        NewPanelRepository(db),
		Plan:         NewPlanRepository(db),
		Subscription: NewSubscriptionRepository(db),
		Attempt:      NewProvisionAttemptRepository(db),
		Cache:        NewCacheRepository(),
	}
}
