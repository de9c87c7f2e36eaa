package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/TunnelFox/internal/pkg/env"
	"github.com/ManuelReschke/TunnelFox/internal/pkg/security"
)

func newGuardedApp(key AdminKey) *fiber.App {
	app := fiber.New()
	app.Get("/admin", AdminAPIKeyMiddleware(key), func(c *fiber.Ctx) error {
		return c.SendString(c.Locals(KeyAPICaller).(string))
	})
	return app
}

func status(t *testing.T, app *fiber.App, header, value string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	if header != "" {
		req.Header.Set(header, value)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode
}

func TestAdminAPIKeyPlain(t *testing.T) {
	app := newGuardedApp(AdminKey{Plain: "s3cret"})

	assert.Equal(t, fiber.StatusOK, status(t, app, "X-API-Key", "s3cret"))
	assert.Equal(t, fiber.StatusOK, status(t, app, "Authorization", "Bearer s3cret"))
	assert.Equal(t, fiber.StatusUnauthorized, status(t, app, "X-API-Key", "wrong"))
	assert.Equal(t, fiber.StatusUnauthorized, status(t, app, "", ""))
	assert.Equal(t, fiber.StatusUnauthorized, status(t, app, "Authorization", "Basic s3cret"))
}

func TestAdminAPIKeyHash(t *testing.T) {
	hash, err := security.HashAdminKey("s3cret")
	require.NoError(t, err)
	// the hash wins over a stale plain key
	app := newGuardedApp(AdminKey{Hash: hash, Plain: "old"})

	assert.Equal(t, fiber.StatusOK, status(t, app, "X-API-Key", "s3cret"))
	assert.Equal(t, fiber.StatusUnauthorized, status(t, app, "X-API-Key", "old"))
}

func TestAdminAPIKeyUnconfigured(t *testing.T) {
	app := newGuardedApp(AdminKey{})

	assert.Equal(t, fiber.StatusServiceUnavailable, status(t, app, "X-API-Key", "anything"))
}

func TestAdminKeyFromEnv(t *testing.T) {
	env.Env = map[string]string{"ADMIN_API_KEY": " s3cret "}
	defer func() { env.Env = nil }()

	key := AdminKeyFromEnv()
	assert.True(t, key.Configured())
	assert.Equal(t, "s3cret", key.Plain)
	assert.Empty(t, key.Hash)
}
