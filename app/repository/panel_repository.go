package repository

import (
	"time"

	"github.com/ManuelReschke/TunnelFox/app/models"
	"gorm.io/gorm"
)

// panelRepository implements the PanelRepository interface
type panelRepository struct {
	db *gorm.DB
}

// NewPanelRepository creates a new panel repository instance
func NewPanelRepository(db *gorm.DB) PanelRepository {
	return &panelRepository{db: db}
}

// Create creates a new panel in the database
func (r *panelRepository) Create(panel *models.Panel) error {
	return r.db.Create(panel).Error
}

// GetByID retrieves a panel by its ID
func (r *panelRepository) GetByID(id uint) (*models.Panel, error) {
	var panel models.Panel
	err := r.db.First(&panel, id).Error
	if err != nil {
		return nil, err
	}
	return &panel, nil
}

// GetAll retrieves all panels
func (r *panelRepository) GetAll() ([]models.Panel, error) {
	var panels []models.Panel
	err := r.db.Order("name ASC").Find(&panels).Error
	return panels, err
}

// GetActiveByFamily retrieves active panels of one family, healthiest first
func (r *panelRepository) GetActiveByFamily(family string) ([]models.Panel, error) {
	var panels []models.Panel
	err := r.db.Where("family = ? AND is_active = ?", family, true).
		Order("CASE health_status WHEN 'online' THEN 0 WHEN 'offline' THEN 2 ELSE 1 END, id ASC").
		Find(&panels).Error
	return panels, err
}

// Update updates an existing panel in the database
func (r *panelRepository) Update(panel *models.Panel) error {
	return r.db.Save(panel).Error
}

// UpdateHealth stores the outcome of a health check without touching updated_at
func (r *panelRepository) UpdateHealth(id uint, status string, checkedAt time.Time, healthErr string) error {
	return r.db.Model(&models.Panel{}).Where("id = ?", id).
		UpdateColumns(map[string]interface{}{
			"health_status":     status,
			"last_checked_at":   checkedAt,
			"last_health_error": healthErr,
		}).Error
}
