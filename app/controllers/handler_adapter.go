package controllers

import (
	"github.com/gofiber/fiber/v2"
)

// Global controller instances, set once at startup
var (
	provisioningController *ProvisioningController
	adminController        *AdminController
)

// InitializeControllers wires the global controllers to their dependencies
func InitializeControllers(deps Dependencies) {
	provisioningController = NewProvisioningController(deps)
	adminController = NewAdminController(deps)
}

// GetProvisioningController returns the global provisioning controller instance
func GetProvisioningController() *ProvisioningController {
	return provisioningController
}

// GetAdminController returns the global admin controller instance
func GetAdminController() *AdminController {
	return adminController
}

// Adapter functions used by the router

func HandleSubscriptionApproved(c *fiber.Ctx) error {
	return GetProvisioningController().HandleSubscriptionApproved(c)
}

func HandleAdminListSubscriptions(c *fiber.Ctx) error {
	return GetProvisioningController().HandleListSubscriptions(c)
}

func HandleAdminGetSubscription(c *fiber.Ctx) error {
	return GetProvisioningController().HandleGetSubscription(c)
}

func HandleAdminRetry(c *fiber.Ctx) error {
	return GetProvisioningController().HandleRetry(c)
}

func HandleAdminRepair(c *fiber.Ctx) error {
	return GetProvisioningController().HandleRepair(c)
}

func HandleAdminSync(c *fiber.Ctx) error {
	return GetProvisioningController().HandleSync(c)
}

func HandleAdminDeprovision(c *fiber.Ctx) error {
	return GetProvisioningController().HandleDeprovision(c)
}

func HandleAdminDiagnose(c *fiber.Ctx) error {
	return GetProvisioningController().HandleDiagnose(c)
}

func HandleAdminAttempts(c *fiber.Ctx) error {
	return GetProvisioningController().HandleAttempts(c)
}

func HandleAdminPanels(c *fiber.Ctx) error {
	return GetAdminController().HandleListPanels(c)
}

func HandleAdminCreatePanel(c *fiber.Ctx) error {
	return GetAdminController().HandleCreatePanel(c)
}

func HandleAdminUpdatePanel(c *fiber.Ctx) error {
	return GetAdminController().HandleUpdatePanel(c)
}

func HandleAdminTestPanel(c *fiber.Ctx) error {
	return GetAdminController().HandleTestPanel(c)
}

func HandleAdminPanelHealth(c *fiber.Ctx) error {
	return GetAdminController().HandlePanelHealth(c)
}

func HandleAdminPlanBindings(c *fiber.Ctx) error {
	return GetAdminController().HandlePlanBindings(c)
}

func HandleAdminBindPanel(c *fiber.Ctx) error {
	return GetAdminController().HandleBindPanel(c)
}

func HandleAdminUnbindPanel(c *fiber.Ctx) error {
	return GetAdminController().HandleUnbindPanel(c)
}

func HandleAdminJob(c *fiber.Ctx) error {
	return GetAdminController().HandleGetJob(c)
}

func HandleAdminJobStats(c *fiber.Ctx) error {
	return GetAdminController().HandleJobStats(c)
}

func HandleAdminStats(c *fiber.Ctx) error {
	return GetAdminController().HandleStats(c)
}

func HandleAdminArchiveAttempts(c *fiber.Ctx) error {
	return GetAdminController().HandleArchiveAttempts(c)
}
