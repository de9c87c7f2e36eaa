package repository

import (
	"github.com/ManuelReschke/TunnelFox/app/models"
	"gorm.io/gorm"
)

// planRepository implements the PlanRepository interface
type planRepository struct {
	db *gorm.DB
}

// NewPlanRepository creates a new plan repository instance
func NewPlanRepository(db *gorm.DB) PlanRepository {
	return &planRepository{db: db}
}

// Create creates a new plan in the database
func (r *planRepository) Create(plan *models.Plan) error {
	return r.db.Create(plan).Error
}

// GetByID retrieves a plan by its ID
func (r *planRepository) GetByID(id uint) (*models.Plan, error) {
	var plan models.Plan
	err := r.db.First(&plan, id).Error
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

// List retrieves all plans
func (r *planRepository) List() ([]models.Plan, error) {
	var plans []models.Plan
	err := r.db.Order("id ASC").Find(&plans).Error
	return plans, err
}

// GetBindings retrieves the panels bound to a plan
func (r *planRepository) GetBindings(planID uint) ([]models.PlanPanel, error) {
	var bindings []models.PlanPanel
	err := r.db.Preload("Panel").
		Where("plan_id = ?", planID).
		Order("is_primary DESC, id ASC").
		Find(&bindings).Error
	return bindings, err
}

// Bind creates or updates a plan to panel binding
func (r *planRepository) Bind(binding *models.PlanPanel) error {
	var existing models.PlanPanel
	err := r.db.Where("plan_id = ? AND panel_id = ?", binding.PlanID, binding.PanelID).First(&existing).Error
	if err == nil {
		binding.ID = existing.ID
		return r.db.Save(binding).Error
	}
	if err != gorm.ErrRecordNotFound {
		return err
	}
	return r.db.Create(binding).Error
}

// Unbind removes a plan to panel binding
func (r *planRepository) Unbind(planID, panelID uint) error {
	return r.db.Where("plan_id = ? AND panel_id = ?", planID, panelID).Delete(&models.PlanPanel{}).Error
}
