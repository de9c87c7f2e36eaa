package apiv1

import (
	"github.com/gofiber/fiber/v2"

	// Delegate to the controllers to keep behavior consistent
	"github.com/ManuelReschke/TunnelFox/app/controllers"
)

// Pong is the ping response.
type Pong struct {
	Ping string `json:"ping"`
}

// ServerInterface lists the operations of openapi.yml.
type ServerInterface interface {
	GetPing(c *fiber.Ctx) error
	PostSubscriptionApproved(c *fiber.Ctx) error

	ListSubscriptions(c *fiber.Ctx) error
	GetSubscription(c *fiber.Ctx) error
	PostRetry(c *fiber.Ctx) error
	PostRepair(c *fiber.Ctx) error
	PostSync(c *fiber.Ctx) error
	PostDeprovision(c *fiber.Ctx) error
	GetDiagnose(c *fiber.Ctx) error
	GetAttempts(c *fiber.Ctx) error

	ListPanels(c *fiber.Ctx) error
	CreatePanel(c *fiber.Ctx) error
	GetPanelHealth(c *fiber.Ctx) error
	UpdatePanel(c *fiber.Ctx) error
	TestPanel(c *fiber.Ctx) error

	GetPlanBindings(c *fiber.Ctx) error
	BindPanel(c *fiber.Ctx) error
	UnbindPanel(c *fiber.Ctx) error

	GetJobStats(c *fiber.Ctx) error
	GetJob(c *fiber.Ctx) error
	ArchiveAttempts(c *fiber.Ctx) error
	GetStats(c *fiber.Ctx) error
}

// RegisterHandlers mounts every operation on router. All operations except
// GetPing run behind guard.
func RegisterHandlers(router fiber.Router, si ServerInterface, guard fiber.Handler) {
	router.Get("/ping", si.GetPing)

	secured := router.Group("", guard)
	secured.Post("/events/subscription-approved", si.PostSubscriptionApproved)

	subs := secured.Group("/admin/subscriptions")
	subs.Get("/", si.ListSubscriptions)
	subs.Get("/:id", si.GetSubscription)
	subs.Post("/:id/retry", si.PostRetry)
	subs.Post("/:id/repair", si.PostRepair)
	subs.Post("/:id/sync", si.PostSync)
	subs.Post("/:id/deprovision", si.PostDeprovision)
	subs.Get("/:id/diagnose", si.GetDiagnose)
	subs.Get("/:id/attempts", si.GetAttempts)

	panels := secured.Group("/admin/panels")
	panels.Get("/", si.ListPanels)
	panels.Post("/", si.CreatePanel)
	panels.Get("/health", si.GetPanelHealth)
	panels.Patch("/:id", si.UpdatePanel)
	panels.Post("/:id/test", si.TestPanel)

	plans := secured.Group("/admin/plans")
	plans.Get("/:id/panels", si.GetPlanBindings)
	plans.Post("/:id/panels", si.BindPanel)
	plans.Delete("/:id/panels/:panelId", si.UnbindPanel)

	jobs := secured.Group("/admin/jobs")
	jobs.Get("/stats", si.GetJobStats)
	jobs.Get("/:id", si.GetJob)

	secured.Post("/admin/attempts/archive", si.ArchiveAttempts)
	secured.Get("/admin/stats", si.GetStats)
}

// APIServer implements the ServerInterface
type APIServer struct{}

// NewAPIServer creates a new API server instance
func NewAPIServer() *APIServer {
	return &APIServer{}
}

// GetPing handles the ping endpoint
func (s *APIServer) GetPing(c *fiber.Ctx) error {
	response := Pong{
		Ping: "pong",
	}

	return c.Status(fiber.StatusOK).JSON(response)
}

// PostSubscriptionApproved receives the approval event of the billing system.
func (s *APIServer) PostSubscriptionApproved(c *fiber.Ctx) error {
	return controllers.HandleSubscriptionApproved(c)
}

func (s *APIServer) ListSubscriptions(c *fiber.Ctx) error {
	return controllers.HandleAdminListSubscriptions(c)
}

func (s *APIServer) GetSubscription(c *fiber.Ctx) error {
	return controllers.HandleAdminGetSubscription(c)
}

func (s *APIServer) PostRetry(c *fiber.Ctx) error {
	return controllers.HandleAdminRetry(c)
}

func (s *APIServer) PostRepair(c *fiber.Ctx) error {
	return controllers.HandleAdminRepair(c)
}

func (s *APIServer) PostSync(c *fiber.Ctx) error {
	return controllers.HandleAdminSync(c)
}

func (s *APIServer) PostDeprovision(c *fiber.Ctx) error {
	return controllers.HandleAdminDeprovision(c)
}

func (s *APIServer) GetDiagnose(c *fiber.Ctx) error {
	return controllers.HandleAdminDiagnose(c)
}

func (s *APIServer) GetAttempts(c *fiber.Ctx) error {
	return controllers.HandleAdminAttempts(c)
}

func (s *APIServer) ListPanels(c *fiber.Ctx) error {
	return controllers.HandleAdminPanels(c)
}

func (s *APIServer) CreatePanel(c *fiber.Ctx) error {
	return controllers.HandleAdminCreatePanel(c)
}

func (s *APIServer) GetPanelHealth(c *fiber.Ctx) error {
	return controllers.HandleAdminPanelHealth(c)
}

func (s *APIServer) UpdatePanel(c *fiber.Ctx) error {
	return controllers.HandleAdminUpdatePanel(c)
}

func (s *APIServer) TestPanel(c *fiber.Ctx) error {
	return controllers.HandleAdminTestPanel(c)
}

func (s *APIServer) GetPlanBindings(c *fiber.Ctx) error {
	return controllers.HandleAdminPlanBindings(c)
}

func (s *APIServer) BindPanel(c *fiber.Ctx) error {
	return controllers.HandleAdminBindPanel(c)
}

func (s *APIServer) UnbindPanel(c *fiber.Ctx) error {
	return controllers.HandleAdminUnbindPanel(c)
}

func (s *APIServer) GetJobStats(c *fiber.Ctx) error {
	return controllers.HandleAdminJobStats(c)
}

func (s *APIServer) GetJob(c *fiber.Ctx) error {
	return controllers.HandleAdminJob(c)
}

// ArchiveAttempts queues an S3 export of the attempt log.
func (s *APIServer) ArchiveAttempts(c *fiber.Ctx) error {
	return controllers.HandleAdminArchiveAttempts(c)
}

func (s *APIServer) GetStats(c *fiber.Ctx) error {
	return controllers.HandleAdminStats(c)
}
