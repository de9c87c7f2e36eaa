package controllers

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/TunnelFox/app/models"
	"github.com/ManuelReschke/TunnelFox/app/repository"
	"github.com/ManuelReschke/TunnelFox/internal/pkg/diagnostics"
	"github.com/ManuelReschke/TunnelFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/TunnelFox/internal/pkg/panelhealth"
	"github.com/ManuelReschke/TunnelFox/internal/pkg/provisioning"
	"github.com/ManuelReschke/TunnelFox/internal/pkg/security"
	"github.com/ManuelReschke/TunnelFox/internal/pkg/statistics"
)

// JobQueue is the part of the Redis job queue the API needs.
type JobQueue interface {
	EnqueueProvisionJob(subscriptionID uint, source string) (*jobqueue.Job, error)
	EnqueueDeprovisionJob(subscriptionID uint) (*jobqueue.Job, error)
	EnqueueArchiveAttemptsJob(from, to time.Time) (*jobqueue.Job, error)
	GetJob(ctx context.Context, jobID string) (*jobqueue.Job, error)
	GetJobStats(ctx context.Context) (map[jobqueue.JobStatus]int64, error)
}

// PanelChecker runs on-demand health checks and drops stale snapshots.
type PanelChecker interface {
	CheckPanel(ctx context.Context, p *models.Panel) *panelhealth.Snapshot
	Forget(panelID uint)
}

// RegistryCache drops cached adapters after a panel changed.
type RegistryCache interface {
	Forget(panelID uint)
}

// Dependencies wires the controllers to the provisioning core.
type Dependencies struct {
	Repos    *repository.Repositories
	Service  *provisioning.Service
	Engine   *diagnostics.Engine
	Checker  PanelChecker
	Registry RegistryCache
	Box      *security.SecretBox
	Jobs     JobQueue
	Stats    *statistics.Collector
}

// ProvisioningController serves the subscription admin endpoints and the approval event.
type ProvisioningController struct {
	deps Dependencies
}

func NewProvisioningController(deps Dependencies) *ProvisioningController {
	return &ProvisioningController{deps: deps}
}

// SubscriptionApprovedRequest is the body of the upstream approval event.
type SubscriptionApprovedRequest struct {
	SubscriptionID uint `json:"subscriptionId" validate:"required,gt=0"`
}

// HandleSubscriptionApproved enqueues a provision job. Redelivered events for an
// already provisioned subscription are acknowledged without a job. Expired, cancelled
// and deleted subscriptions are refused.
func (pc *ProvisioningController) HandleSubscriptionApproved(c *fiber.Ctx) error {
	var req SubscriptionApprovedRequest
	if err := bindJSON(c, &req); err != nil {
		return respondError(c, err, nil)
	}

	sub, err := pc.deps.Repos.Subscription.GetByID(req.SubscriptionID)
	if err != nil {
		return respondError(c, err, nil)
	}
	if sub.Provisioned {
		return c.JSON(fiber.Map{"status": "already_provisioned", "subscription_id": sub.ID})
	}
	if !sub.Provisionable() {
		return respondError(c, fmt.Errorf("subscription %d is %s: %w", sub.ID, sub.Status, provisioning.ErrNotProvisionable), nil)
	}

	job, err := pc.deps.Jobs.EnqueueProvisionJob(sub.ID, "event")
	if err != nil {
		return respondError(c, err, nil)
	}
	log.Infof("[API] Subscription %d approved, provision job %s queued", sub.ID, job.ID)
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"status":          "queued",
		"job_id":          job.ID,
		"subscription_id": sub.ID,
	})
}

// HandleListSubscriptions pages through subscriptions of one status, e.g. ?status=paid
// to find approved subscriptions that never got an account.
func (pc *ProvisioningController) HandleListSubscriptions(c *fiber.Ctx) error {
	status := c.Query("status", models.SubscriptionStatusPaid)
	offset := c.QueryInt("offset", 0)
	limit := c.QueryInt("limit", 50)
	if offset < 0 || limit <= 0 || limit > 500 {
		return respondError(c, fiber.NewError(fiber.StatusBadRequest, "offset must be >= 0 and limit between 1 and 500"), nil)
	}
	subs, err := pc.deps.Repos.Subscription.ListByStatus(status, offset, limit)
	if err != nil {
		return respondError(c, err, nil)
	}
	if subs == nil {
		subs = []models.Subscription{}
	}
	return c.JSON(fiber.Map{"status": status, "offset": offset, "limit": limit, "subscriptions": subs})
}

// HandleGetSubscription returns the stored subscription including its cached account data.
func (pc *ProvisioningController) HandleGetSubscription(c *fiber.Ctx) error {
	id, err := idParam(c, "id")
	if err != nil {
		return respondError(c, err, nil)
	}
	sub, err := pc.deps.Repos.Subscription.GetByID(id)
	if err != nil {
		return respondError(c, err, nil)
	}
	return c.JSON(sub)
}

// HandleRetry runs the explicit retry synchronously.
func (pc *ProvisioningController) HandleRetry(c *fiber.Ctx) error {
	return pc.runResult(c, pc.deps.Service.RetryProvisioning)
}

// HandleRepair moves a stuck subscription onto a working panel of its family.
func (pc *ProvisioningController) HandleRepair(c *fiber.Ctx) error {
	return pc.runResult(c, pc.deps.Engine.Repair)
}

// HandleSync refreshes the cached account reflection from the panel.
func (pc *ProvisioningController) HandleSync(c *fiber.Ctx) error {
	return pc.runResult(c, pc.deps.Service.SyncAccount)
}

// HandleDeprovision deletes the panel account. ?async=true queues it instead.
func (pc *ProvisioningController) HandleDeprovision(c *fiber.Ctx) error {
	if c.QueryBool("async") {
		id, err := idParam(c, "id")
		if err != nil {
			return respondError(c, err, nil)
		}
		if _, err := pc.deps.Repos.Subscription.GetByID(id); err != nil {
			return respondError(c, err, nil)
		}
		job, err := pc.deps.Jobs.EnqueueDeprovisionJob(id)
		if err != nil {
			return respondError(c, err, nil)
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "queued", "job_id": job.ID})
	}
	return pc.runResult(c, pc.deps.Service.Deprovision)
}

// HandleDiagnose returns the read-only diagnostic report.
func (pc *ProvisioningController) HandleDiagnose(c *fiber.Ctx) error {
	id, err := idParam(c, "id")
	if err != nil {
		return respondError(c, err, nil)
	}
	report, err := pc.deps.Engine.Diagnose(c.UserContext(), id)
	if err != nil {
		return respondError(c, err, nil)
	}
	return c.JSON(fiber.Map{
		"healthy": report.Healthy(),
		"report":  report,
	})
}

// HandleAttempts lists the attempt log of a subscription in call order.
func (pc *ProvisioningController) HandleAttempts(c *fiber.Ctx) error {
	id, err := idParam(c, "id")
	if err != nil {
		return respondError(c, err, nil)
	}
	attempts, err := pc.deps.Service.ListAttempts(c.UserContext(), id)
	if err != nil {
		return respondError(c, err, nil)
	}
	return c.JSON(fiber.Map{"subscription_id": id, "attempts": attempts})
}

func (pc *ProvisioningController) runResult(c *fiber.Ctx, op func(context.Context, uint) (*provisioning.Result, error)) error {
	id, err := idParam(c, "id")
	if err != nil {
		return respondError(c, err, nil)
	}
	res, err := op(c.UserContext(), id)
	if err != nil {
		return respondError(c, err, res)
	}
	return c.JSON(res)
}
