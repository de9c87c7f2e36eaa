package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/TunnelFox/internal/pkg/env"
	"github.com/ManuelReschke/TunnelFox/internal/pkg/security"
)

// KeyAPICaller marks requests that passed the admin key check.
const KeyAPICaller = "API_CALLER"

// AdminKey holds the configured admin credential. Hash (bcrypt) wins over Plain.
type AdminKey struct {
	Hash  string
	Plain string
}

// AdminKeyFromEnv reads ADMIN_API_KEY_HASH and ADMIN_API_KEY.
func AdminKeyFromEnv() AdminKey {
	return AdminKey{
		Hash:  strings.TrimSpace(env.GetEnv("ADMIN_API_KEY_HASH", "")),
		Plain: strings.TrimSpace(env.GetEnv("ADMIN_API_KEY", "")),
	}
}

// Configured reports whether any admin credential is set.
func (k AdminKey) Configured() bool {
	return k.Hash != "" || k.Plain != ""
}

// Matches compares a presented key with the configured credential.
func (k AdminKey) Matches(presented string) bool {
	if presented == "" {
		return false
	}
	if k.Hash != "" {
		return security.CheckAdminKey(presented, k.Hash)
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(k.Plain)) == 1
}

// AdminAPIKeyMiddleware guards the admin and event endpoints. Without a configured
// key every request is refused.
func AdminAPIKeyMiddleware(key AdminKey) fiber.Handler {
	if !key.Configured() {
		log.Warn("[API] No ADMIN_API_KEY configured, admin endpoints are disabled")
	}
	return func(c *fiber.Ctx) error {
		if !key.Configured() {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "service_unavailable", "message": "Admin API key not configured"})
		}
		apiKey := extractAPIKeyFromHeader(c)
		if apiKey == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing API key"})
		}
		if !key.Matches(apiKey) {
			log.Warnf("[API] Rejected admin key from %s for %s", c.IP(), c.Path())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid API key"})
		}

		c.Locals(KeyAPICaller, "admin")
		return c.Next()
	}
}

func extractAPIKeyFromHeader(c *fiber.Ctx) string {
	apiKey := strings.TrimSpace(c.Get("X-API-Key"))
	if apiKey != "" {
		return apiKey
	}
	auth := strings.TrimSpace(c.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
