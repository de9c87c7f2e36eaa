package repository

import (
	"time"

	"github.com/ManuelReschke/TunnelFox/app/models"
	"gorm.io/gorm"
)

// provisionAttemptRepository implements the ProvisionAttemptRepository interface
type provisionAttemptRepository struct {
	db *gorm.DB
}

// NewProvisionAttemptRepository creates a new attempt log repository instance
func NewProvisionAttemptRepository(db *gorm.DB) ProvisionAttemptRepository {
	return &provisionAttemptRepository{db: db}
}

// Create appends an attempt to the log
func (r *provisionAttemptRepository) Create(attempt *models.ProvisionAttempt) error {
	return r.db.Create(attempt).Error
}

// ListBySubscription retrieves all attempts of a subscription in call order
func (r *provisionAttemptRepository) ListBySubscription(subscriptionID uint) ([]models.ProvisionAttempt, error) {
	var attempts []models.ProvisionAttempt
	err := r.db.Where("subscription_id = ?", subscriptionID).
		Order("created_at ASC, id ASC").
		Find(&attempts).Error
	return attempts, err
}

// Last retrieves the most recent attempt of a subscription
func (r *provisionAttemptRepository) Last(subscriptionID uint) (*models.ProvisionAttempt, error) {
	var attempt models.ProvisionAttempt
	err := r.db.Where("subscription_id = ?", subscriptionID).
		Order("created_at DESC, id DESC").
		First(&attempt).Error
	if err != nil {
		return nil, err
	}
	return &attempt, nil
}

// HasSuccess reports whether any attempt of the subscription succeeded
func (r *provisionAttemptRepository) HasSuccess(subscriptionID uint) (bool, error) {
	var count int64
	err := r.db.Model(&models.ProvisionAttempt{}).
		Where("subscription_id = ? AND success = ? AND function = ?", subscriptionID, true, models.AttemptFunctionCreate).
		Count(&count).Error
	return count > 0, err
}

// ListBetween pages through attempts created in [from, to) by ascending id
func (r *provisionAttemptRepository) ListBetween(from, to time.Time, afterID uint, limit int) ([]models.ProvisionAttempt, error) {
	var attempts []models.ProvisionAttempt
	err := r.db.Where("created_at >= ? AND created_at < ? AND id > ?", from, to, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&attempts).Error
	return attempts, err
}

// CountBetween counts successful and failed attempts created in [from, to)
func (r *provisionAttemptRepository) CountBetween(from, to time.Time) (int64, int64, error) {
	var rows []struct {
		Success bool
		Count   int64
	}
	err := r.db.Model(&models.ProvisionAttempt{}).
		Select("success, COUNT(*) AS count").
		Where("created_at >= ? AND created_at < ?", from, to).
		Group("success").
		Scan(&rows).Error
	if err != nil {
		return 0, 0, err
	}
	var success, failure int64
	for _, row := range rows {
		if row.Success {
			success = row.Count
		} else {
			failure = row.Count
		}
	}
	return success, failure, nil
}
