package controllers

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/TunnelFox/app/models"
	"github.com/ManuelReschke/TunnelFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/TunnelFox/internal/pkg/panelhealth"
)

// AdminController serves panel registry, plan binding and job endpoints.
type AdminController struct {
	deps Dependencies
}

func NewAdminController(deps Dependencies) *AdminController {
	return &AdminController{deps: deps}
}

// PanelView is a registry row plus its last cached health snapshot.
type PanelView struct {
	models.Panel
	Snapshot *panelhealth.Snapshot `json:"snapshot,omitempty"`
}

// HandleListPanels lists all registered panels.
func (ac *AdminController) HandleListPanels(c *fiber.Ctx) error {
	panels, err := ac.deps.Repos.Panel.GetAll()
	if err != nil {
		return respondError(c, err, nil)
	}
	views := make([]PanelView, 0, len(panels))
	for _, p := range panels {
		view := PanelView{Panel: p}
		if snap, err := panelhealth.CachedSnapshot(ac.deps.Repos.Cache, p.ID); err == nil {
			view.Snapshot = snap
		}
		views = append(views, view)
	}
	return c.JSON(fiber.Map{"panels": views})
}

// CreatePanelRequest registers a panel. The password is sealed before storage.
type CreatePanelRequest struct {
	Name          string `json:"name" validate:"required,max=100"`
	BaseURL       string `json:"base_url" validate:"required,url"`
	AdminUsername string `json:"admin_username" validate:"required"`
	AdminPassword string `json:"admin_password" validate:"required"`
	Family        string `json:"family" validate:"required,oneof=marzban marzneshin"`
	Protocols     string `json:"protocols"`
	InboundTags   string `json:"inbound_tags"`
	ServiceIDs    string `json:"service_ids"`
	Description   string `json:"description"`
	Inactive      bool   `json:"inactive"`
}

// HandleCreatePanel adds a panel to the registry.
func (ac *AdminController) HandleCreatePanel(c *fiber.Ctx) error {
	var req CreatePanelRequest
	if err := bindJSON(c, &req); err != nil {
		return respondError(c, err, nil)
	}
	sealed, err := ac.deps.Box.Seal(req.AdminPassword)
	if err != nil {
		return respondError(c, err, nil)
	}
	p := &models.Panel{
		Name:          strings.TrimSpace(req.Name),
		BaseURL:       req.BaseURL,
		AdminUsername: req.AdminUsername,
		AdminPassword: sealed,
		Family:        req.Family,
		IsActive:      !req.Inactive,
		HealthStatus:  models.PanelHealthUnknown,
		Protocols:     req.Protocols,
		InboundTags:   req.InboundTags,
		ServiceIDs:    req.ServiceIDs,
		Description:   req.Description,
	}
	if err := ac.deps.Repos.Panel.Create(p); err != nil {
		return respondError(c, err, nil)
	}
	log.Infof("[API] Registered %s panel %d (%s)", p.Family, p.ID, p.Name)
	return c.Status(fiber.StatusCreated).JSON(p)
}

// UpdatePanelRequest changes mutable panel settings. Nil fields stay untouched.
type UpdatePanelRequest struct {
	BaseURL       *string `json:"base_url" validate:"omitempty,url"`
	AdminUsername *string `json:"admin_username"`
	AdminPassword *string `json:"admin_password"`
	IsActive      *bool   `json:"is_active"`
	Protocols     *string `json:"protocols"`
	Description   *string `json:"description"`
}

// HandleUpdatePanel edits a panel and drops its cached adapter, token and health snapshot.
func (ac *AdminController) HandleUpdatePanel(c *fiber.Ctx) error {
	id, err := idParam(c, "id")
	if err != nil {
		return respondError(c, err, nil)
	}
	var req UpdatePanelRequest
	if err := bindJSON(c, &req); err != nil {
		return respondError(c, err, nil)
	}
	p, err := ac.deps.Repos.Panel.GetByID(id)
	if err != nil {
		return respondError(c, err, nil)
	}
	if req.BaseURL != nil {
		p.BaseURL = *req.BaseURL
	}
	if req.AdminUsername != nil {
		p.AdminUsername = *req.AdminUsername
	}
	if req.AdminPassword != nil {
		sealed, err := ac.deps.Box.Seal(*req.AdminPassword)
		if err != nil {
			return respondError(c, err, nil)
		}
		p.AdminPassword = sealed
	}
	if req.IsActive != nil {
		p.IsActive = *req.IsActive
	}
	if req.Protocols != nil {
		p.Protocols = *req.Protocols
	}
	if req.Description != nil {
		p.Description = *req.Description
	}
	if err := ac.deps.Repos.Panel.Update(p); err != nil {
		return respondError(c, err, nil)
	}
	if ac.deps.Registry != nil {
		ac.deps.Registry.Forget(p.ID)
	}
	ac.deps.Checker.Forget(p.ID)
	return c.JSON(p)
}

// HandleTestPanel runs a health check now and returns the snapshot.
func (ac *AdminController) HandleTestPanel(c *fiber.Ctx) error {
	id, err := idParam(c, "id")
	if err != nil {
		return respondError(c, err, nil)
	}
	p, err := ac.deps.Repos.Panel.GetByID(id)
	if err != nil {
		return respondError(c, err, nil)
	}
	snap := ac.deps.Checker.CheckPanel(c.UserContext(), p)
	return c.JSON(fiber.Map{"ok": snap.Status == models.PanelHealthOnline, "snapshot": snap})
}

// HandlePanelHealth returns every cached health snapshot.
func (ac *AdminController) HandlePanelHealth(c *fiber.Ctx) error {
	keys, err := ac.deps.Repos.Cache.FindKeysByPatterns([]string{panelhealth.KeyPrefix + "*"})
	if err != nil {
		return respondError(c, err, nil)
	}
	sort.Strings(keys)
	snaps := make([]panelhealth.Snapshot, 0, len(keys))
	for _, key := range keys {
		id, perr := strconv.ParseUint(strings.TrimPrefix(key, panelhealth.KeyPrefix), 10, 64)
		if perr != nil {
			continue
		}
		if snap, err := panelhealth.CachedSnapshot(ac.deps.Repos.Cache, uint(id)); err == nil {
			snaps = append(snaps, *snap)
		}
	}
	return c.JSON(fiber.Map{"snapshots": snaps})
}

// BindPanelRequest attaches a panel to a plan.
type BindPanelRequest struct {
	PanelID   uint `json:"panel_id" validate:"required,gt=0"`
	IsPrimary bool `json:"is_primary"`
}

// HandleBindPanel binds a panel to a plan. Cross-family bindings are refused.
func (ac *AdminController) HandleBindPanel(c *fiber.Ctx) error {
	planID, err := idParam(c, "id")
	if err != nil {
		return respondError(c, err, nil)
	}
	var req BindPanelRequest
	if err := bindJSON(c, &req); err != nil {
		return respondError(c, err, nil)
	}
	plan, err := ac.deps.Repos.Plan.GetByID(planID)
	if err != nil {
		return respondError(c, err, nil)
	}
	p, err := ac.deps.Repos.Panel.GetByID(req.PanelID)
	if err != nil {
		return respondError(c, err, nil)
	}
	if p.Family != plan.Family {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error":   "family_mismatch",
			"message": "panel " + p.Name + " is " + p.Family + " but plan " + plan.Name + " is " + plan.Family,
		})
	}
	binding := &models.PlanPanel{PlanID: plan.ID, PanelID: p.ID, IsPrimary: req.IsPrimary}
	if err := ac.deps.Repos.Plan.Bind(binding); err != nil {
		return respondError(c, err, nil)
	}
	return c.Status(fiber.StatusCreated).JSON(binding)
}

// HandleUnbindPanel removes a binding.
func (ac *AdminController) HandleUnbindPanel(c *fiber.Ctx) error {
	planID, err := idParam(c, "id")
	if err != nil {
		return respondError(c, err, nil)
	}
	panelID, err := idParam(c, "panelId")
	if err != nil {
		return respondError(c, err, nil)
	}
	if err := ac.deps.Repos.Plan.Unbind(planID, panelID); err != nil {
		return respondError(c, err, nil)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// HandlePlanBindings lists the bindings of a plan, primary first.
func (ac *AdminController) HandlePlanBindings(c *fiber.Ctx) error {
	planID, err := idParam(c, "id")
	if err != nil {
		return respondError(c, err, nil)
	}
	if _, err := ac.deps.Repos.Plan.GetByID(planID); err != nil {
		return respondError(c, err, nil)
	}
	bindings, err := ac.deps.Repos.Plan.GetBindings(planID)
	if err != nil {
		return respondError(c, err, nil)
	}
	return c.JSON(fiber.Map{"plan_id": planID, "bindings": bindings})
}

// HandleGetJob returns a queued or failed job. Completed jobs are removed from Redis.
func (ac *AdminController) HandleGetJob(c *fiber.Ctx) error {
	job, err := ac.deps.Jobs.GetJob(c.UserContext(), c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "job not found or already completed"})
	}
	return c.JSON(job)
}

// HandleJobStats reports queue sizes and job counters.
func (ac *AdminController) HandleJobStats(c *fiber.Ctx) error {
	stats, err := ac.deps.Jobs.GetJobStats(c.UserContext())
	if err != nil {
		return respondError(c, err, nil)
	}
	pending, _ := ac.deps.Repos.Cache.GetListLength(jobqueue.JobQueueKey)
	processing, _ := ac.deps.Repos.Cache.GetListLength(jobqueue.JobProcessingKey)
	return c.JSON(fiber.Map{
		"pending":    pending,
		"processing": processing,
		"totals":     stats,
	})
}

// HandleStats returns subscription and attempt counters.
func (ac *AdminController) HandleStats(c *fiber.Ctx) error {
	data, err := ac.deps.Stats.GetStatisticsData()
	if err != nil {
		return respondError(c, err, nil)
	}
	return c.JSON(data)
}

// ArchiveRequest selects the attempt window to export.
type ArchiveRequest struct {
	From time.Time `json:"from" validate:"required"`
	To   time.Time `json:"to" validate:"required,gtfield=From"`
}

// HandleArchiveAttempts queues an attempt log export.
func (ac *AdminController) HandleArchiveAttempts(c *fiber.Ctx) error {
	var req ArchiveRequest
	if err := bindJSON(c, &req); err != nil {
		return respondError(c, err, nil)
	}
	job, err := ac.deps.Jobs.EnqueueArchiveAttemptsJob(req.From, req.To)
	if err != nil {
		return respondError(c, err, nil)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "queued", "job_id": job.ID})
}
