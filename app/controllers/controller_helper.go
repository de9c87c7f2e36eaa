package controllers

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/TunnelFox/app/models"
	"github.com/ManuelReschke/TunnelFox/internal/pkg/panel"
	"github.com/ManuelReschke/TunnelFox/internal/pkg/provisioning"
)

var validate = validator.New()

// idParam reads a positive numeric route parameter.
func idParam(c *fiber.Ctx, name string) (uint, error) {
	id, err := c.ParamsInt(name)
	if err != nil || id <= 0 {
		return 0, fiber.NewError(fiber.StatusBadRequest, name+" must be a positive integer")
	}
	return uint(id), nil
}

// bindJSON parses and validates a request body.
func bindJSON(c *fiber.Ctx, out interface{}) error {
	if err := c.BodyParser(out); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid JSON body")
	}
	if err := validate.Struct(out); err != nil {
		return fiber.NewError(fiber.StatusUnprocessableEntity, validationMessage(err))
	}
	return nil
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, strings.ToLower(fe.Field())+" failed "+fe.Tag())
	}
	return strings.Join(parts, ", ")
}

// errorStatus maps domain errors to an HTTP status and a stable error code.
func errorStatus(err error) (int, string) {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code, strings.ReplaceAll(strings.ToLower(fiberStatusText(fe.Code)), " ", "_")
	case errors.Is(err, provisioning.ErrSubscriptionNotFound), errors.Is(err, gorm.ErrRecordNotFound):
		return fiber.StatusNotFound, "not_found"
	case errors.Is(err, provisioning.ErrAlreadyProvisioned):
		return fiber.StatusConflict, "already_provisioned"
	case errors.Is(err, provisioning.ErrNoAccount):
		return fiber.StatusConflict, "no_account"
	case errors.Is(err, provisioning.ErrNotProvisionable):
		return fiber.StatusConflict, "not_provisionable"
	case errors.Is(err, models.ErrDuplicatePrimaryBinding):
		return fiber.StatusConflict, "duplicate_primary"
	}

	kind := panel.KindOf(err)
	switch kind {
	case panel.KindNoPanelBound, panel.KindFamilyMismatch, panel.KindInvalidConfig:
		return fiber.StatusUnprocessableEntity, string(kind)
	case panel.KindNotImplemented:
		return fiber.StatusNotImplemented, string(kind)
	case panel.KindNotFound:
		return fiber.StatusNotFound, string(kind)
	case panel.KindTransportTimeout:
		return fiber.StatusGatewayTimeout, string(kind)
	case panel.KindAuth, panel.KindTransport, panel.KindPanelRejected, panel.KindMalformedResponse:
		return fiber.StatusBadGateway, string(kind)
	}
	return fiber.StatusInternalServerError, "internal_server_error"
}

func fiberStatusText(code int) string {
	switch code {
	case fiber.StatusBadRequest:
		return "bad request"
	case fiber.StatusUnprocessableEntity:
		return "validation failed"
	case fiber.StatusNotFound:
		return "not found"
	}
	return "error"
}

// respondError writes {"error": code, "message": text}. A failed provisioning
// Result is attached so operators see which panel was tried.
func respondError(c *fiber.Ctx, err error, result *provisioning.Result) error {
	status, code := errorStatus(err)
	if status == fiber.StatusInternalServerError {
		log.Errorf("[API] %s %s: %v", c.Method(), c.Path(), err)
	}
	body := fiber.Map{"error": code, "message": err.Error()}
	if result != nil {
		body["result"] = result
	}
	return c.Status(status).JSON(body)
}
