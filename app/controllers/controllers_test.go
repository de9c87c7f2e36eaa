package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/TunnelFox/app/models"
	"github.com/ManuelReschke/TunnelFox/app/repository"
	"github.com/ManuelReschke/TunnelFox/app/repository/repositorytest"
	"github.com/ManuelReschke/TunnelFox/internal/pkg/diagnostics"
	"github.com/ManuelReschke/TunnelFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/TunnelFox/internal/pkg/panel"
	"github.com/ManuelReschke/TunnelFox/internal/pkg/panel/paneltest"
	"github.com/ManuelReschke/TunnelFox/internal/pkg/panelhealth"
	"github.com/ManuelReschke/TunnelFox/internal/pkg/provisioning"
	"github.com/ManuelReschke/TunnelFox/internal/pkg/security"
)

type fakeJobs struct {
	provisioned   []uint
	deprovisioned []uint
	archived      int
	err           error
}

func (f *fakeJobs) EnqueueProvisionJob(subscriptionID uint, source string) (*jobqueue.Job, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.provisioned = append(f.provisioned, subscriptionID)
	return &jobqueue.Job{ID: fmt.Sprintf("provision-%d", subscriptionID), Type: jobqueue.JobTypeProvision}, nil
}

func (f *fakeJobs) EnqueueDeprovisionJob(subscriptionID uint) (*jobqueue.Job, error) {
	f.deprovisioned = append(f.deprovisioned, subscriptionID)
	return &jobqueue.Job{ID: fmt.Sprintf("deprovision-%d", subscriptionID), Type: jobqueue.JobTypeDeprovision}, nil
}

func (f *fakeJobs) EnqueueArchiveAttemptsJob(from, to time.Time) (*jobqueue.Job, error) {
	f.archived++
	return &jobqueue.Job{ID: "archive-1", Type: jobqueue.JobTypeArchiveAttempts}, nil
}

func (f *fakeJobs) GetJob(ctx context.Context, jobID string) (*jobqueue.Job, error) {
	return nil, errors.New("job not found")
}

func (f *fakeJobs) GetJobStats(ctx context.Context) (map[jobqueue.JobStatus]int64, error) {
	return map[jobqueue.JobStatus]int64{jobqueue.JobStatusCompleted: 3}, nil
}

type fakeChecker struct {
	status    string
	forgotten []uint
}

func (f *fakeChecker) CheckPanel(ctx context.Context, p *models.Panel) *panelhealth.Snapshot {
	return &panelhealth.Snapshot{PanelID: p.ID, Name: p.Name, Family: p.Family, Status: f.status}
}

func (f *fakeChecker) Forget(panelID uint) {
	f.forgotten = append(f.forgotten, panelID)
}

type testEnv struct {
	app     *fiber.App
	repos   *repository.Repositories
	box     *security.SecretBox
	jobs    *fakeJobs
	checker *fakeChecker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	box, err := security.NewSecretBox("controller-secret")
	require.NoError(t, err)
	repos := repositorytest.NewRepositories()
	registry := panel.NewRegistry(panel.NewTokenCache(time.Hour), box, panel.WithTimeout(2*time.Second))
	svc := provisioning.NewService(repos, registry)
	jobs := &fakeJobs{}
	checker := &fakeChecker{status: models.PanelHealthOnline}

	InitializeControllers(Dependencies{
		Repos:    repos,
		Service:  svc,
		Engine:   diagnostics.NewEngine(repos, svc),
		Checker:  checker,
		Registry: registry,
		Box:      box,
		Jobs:     jobs,
	})

	app := fiber.New()
	app.Post("/events/subscription-approved", HandleSubscriptionApproved)
	app.Get("/subscriptions", HandleAdminListSubscriptions)
	app.Get("/subscriptions/:id", HandleAdminGetSubscription)
	app.Post("/subscriptions/:id/retry", HandleAdminRetry)
	app.Post("/subscriptions/:id/deprovision", HandleAdminDeprovision)
	app.Get("/subscriptions/:id/diagnose", HandleAdminDiagnose)
	app.Get("/subscriptions/:id/attempts", HandleAdminAttempts)
	app.Get("/panels", HandleAdminPanels)
	app.Post("/panels", HandleAdminCreatePanel)
	app.Patch("/panels/:id", HandleAdminUpdatePanel)
	app.Post("/panels/:id/test", HandleAdminTestPanel)
	app.Post("/plans/:id/panels", HandleAdminBindPanel)
	app.Delete("/plans/:id/panels/:panelId", HandleAdminUnbindPanel)
	app.Get("/plans/:id/panels", HandleAdminPlanBindings)
	app.Get("/jobs/stats", HandleAdminJobStats)
	app.Get("/jobs/:id", HandleAdminJob)
	app.Post("/attempts/archive", HandleAdminArchiveAttempts)

	return &testEnv{app: app, repos: repos, box: box, jobs: jobs, checker: checker}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]interface{}{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func (e *testEnv) panel(t *testing.T, name, url, family string) *models.Panel {
	t.Helper()
	sealed, err := e.box.Seal("secret")
	require.NoError(t, err)
	p := &models.Panel{
		Name:          name,
		BaseURL:       url,
		AdminUsername: "admin",
		AdminPassword: sealed,
		Family:        family,
		IsActive:      true,
		HealthStatus:  models.PanelHealthOnline,
	}
	require.NoError(t, e.repos.Panel.Create(p))
	return p
}

func (e *testEnv) subscription(t *testing.T, family string, bound ...*models.Panel) *models.Subscription {
	t.Helper()
	plan := &models.Plan{Name: "Germany 30d", Family: family, IsActive: true}
	require.NoError(t, e.repos.Plan.Create(plan))
	for i, p := range bound {
		require.NoError(t, e.repos.Plan.Bind(&models.PlanPanel{PlanID: plan.ID, PanelID: p.ID, IsPrimary: i == 0}))
	}
	sub := &models.Subscription{PlanID: plan.ID, QuotaGB: 10, DurationDays: 30, Status: models.SubscriptionStatusPaid}
	require.NoError(t, e.repos.Subscription.Create(sub))
	return sub
}

func TestSubscriptionApprovedQueuesJob(t *testing.T) {
	e := newTestEnv(t)
	sub := e.subscription(t, models.PanelFamilyMarzban)

	status, body := e.do(t, http.MethodPost, "/events/subscription-approved", map[string]interface{}{"subscriptionId": sub.ID})

	assert.Equal(t, fiber.StatusAccepted, status)
	assert.Equal(t, "queued", body["status"])
	assert.Equal(t, fmt.Sprintf("provision-%d", sub.ID), body["job_id"])
	assert.Equal(t, []uint{sub.ID}, e.jobs.provisioned)
}

func TestSubscriptionApprovedAlreadyProvisioned(t *testing.T) {
	e := newTestEnv(t)
	sub := e.subscription(t, models.PanelFamilyMarzban)
	sub.Provisioned = true
	require.NoError(t, e.repos.Subscription.Update(sub))

	status, body := e.do(t, http.MethodPost, "/events/subscription-approved", map[string]interface{}{"subscriptionId": sub.ID})

	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "already_provisioned", body["status"])
	assert.Empty(t, e.jobs.provisioned)
}

func TestSubscriptionApprovedRefusesDeletedSubscription(t *testing.T) {
	e := newTestEnv(t)
	sub := e.subscription(t, models.PanelFamilyMarzban)
	sub.Status = models.SubscriptionStatusDeleted
	require.NoError(t, e.repos.Subscription.Update(sub))

	status, body := e.do(t, http.MethodPost, "/events/subscription-approved", map[string]interface{}{"subscriptionId": sub.ID})

	assert.Equal(t, fiber.StatusConflict, status)
	assert.Equal(t, "not_provisionable", body["error"])
	assert.Empty(t, e.jobs.provisioned)
}

func TestSubscriptionApprovedRejectsBadInput(t *testing.T) {
	e := newTestEnv(t)

	status, body := e.do(t, http.MethodPost, "/events/subscription-approved", map[string]interface{}{"subscriptionId": 0})
	assert.Equal(t, fiber.StatusUnprocessableEntity, status)
	assert.Equal(t, "validation_failed", body["error"])

	status, body = e.do(t, http.MethodPost, "/events/subscription-approved", map[string]interface{}{"subscriptionId": 999})
	assert.Equal(t, fiber.StatusNotFound, status)
	assert.Equal(t, "not_found", body["error"])
}

func TestListSubscriptionsByStatus(t *testing.T) {
	e := newTestEnv(t)
	paid := e.subscription(t, models.PanelFamilyMarzban)
	active := e.subscription(t, models.PanelFamilyMarzban)
	active.Status = models.SubscriptionStatusActive
	require.NoError(t, e.repos.Subscription.Update(active))

	status, body := e.do(t, http.MethodGet, "/subscriptions", nil)
	require.Equal(t, fiber.StatusOK, status)
	subs, ok := body["subscriptions"].([]interface{})
	require.True(t, ok)
	require.Len(t, subs, 1)
	assert.Equal(t, float64(paid.ID), subs[0].(map[string]interface{})["id"])

	status, body = e.do(t, http.MethodGet, "/subscriptions?status=expired", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Empty(t, body["subscriptions"])

	status, _ = e.do(t, http.MethodGet, "/subscriptions?limit=0", nil)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestRetryProvisionsOnBoundPanel(t *testing.T) {
	stub := paneltest.NewMarzban(t)
	e := newTestEnv(t)
	p := e.panel(t, "de-1", stub.URL(), models.PanelFamilyMarzban)
	sub := e.subscription(t, models.PanelFamilyMarzban, p)

	status, body := e.do(t, http.MethodPost, fmt.Sprintf("/subscriptions/%d/retry", sub.ID), nil)

	require.Equal(t, fiber.StatusOK, status, body)
	assert.Equal(t, true, body["success"])
	assert.NotEmpty(t, body["access_url"])
	assert.Equal(t, float64(p.ID), body["panel_id"])

	status, body = e.do(t, http.MethodGet, fmt.Sprintf("/subscriptions/%d/attempts", sub.ID), nil)
	require.Equal(t, fiber.StatusOK, status)
	attempts, ok := body["attempts"].([]interface{})
	require.True(t, ok)
	assert.Len(t, attempts, 1)
}

func TestRetryWithoutBindingReturnsConfigurationFault(t *testing.T) {
	e := newTestEnv(t)
	sub := e.subscription(t, models.PanelFamilyMarzban)

	status, body := e.do(t, http.MethodPost, fmt.Sprintf("/subscriptions/%d/retry", sub.ID), nil)

	assert.Equal(t, fiber.StatusUnprocessableEntity, status)
	assert.Equal(t, string(panel.KindNoPanelBound), body["error"])
	result, ok := body["result"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, false, result["success"])
}

func TestDeprovisionAsyncQueuesJob(t *testing.T) {
	e := newTestEnv(t)
	sub := e.subscription(t, models.PanelFamilyMarzban)

	status, body := e.do(t, http.MethodPost, fmt.Sprintf("/subscriptions/%d/deprovision?async=true", sub.ID), nil)

	assert.Equal(t, fiber.StatusAccepted, status)
	assert.Equal(t, "queued", body["status"])
	assert.Equal(t, []uint{sub.ID}, e.jobs.deprovisioned)
}

func TestDiagnoseUnboundPlan(t *testing.T) {
	e := newTestEnv(t)
	sub := e.subscription(t, models.PanelFamilyMarzban)

	status, body := e.do(t, http.MethodGet, fmt.Sprintf("/subscriptions/%d/diagnose", sub.ID), nil)

	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, false, body["healthy"])
	assert.NotNil(t, body["report"])
}

func TestCreatePanelSealsPassword(t *testing.T) {
	e := newTestEnv(t)

	status, body := e.do(t, http.MethodPost, "/panels", map[string]interface{}{
		"name":           "nl-1",
		"base_url":       "https://nl-1.example.com",
		"admin_username": "root",
		"admin_password": "hunter2",
		"family":         models.PanelFamilyMarzneshin,
	})
	require.Equal(t, fiber.StatusCreated, status, body)

	panels, err := e.repos.Panel.GetAll()
	require.NoError(t, err)
	require.Len(t, panels, 1)
	assert.NotEqual(t, "hunter2", panels[0].AdminPassword)
	plain, err := e.box.Open(panels[0].AdminPassword)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plain)
	assert.True(t, panels[0].IsActive)
}

func TestCreatePanelRejectsUnknownFamily(t *testing.T) {
	e := newTestEnv(t)

	status, body := e.do(t, http.MethodPost, "/panels", map[string]interface{}{
		"name":           "x-1",
		"base_url":       "https://x-1.example.com",
		"admin_username": "root",
		"admin_password": "pw",
		"family":         "hiddify",
	})

	assert.Equal(t, fiber.StatusUnprocessableEntity, status)
	assert.Contains(t, body["message"], "family")
}

func TestUpdatePanelResealsPasswordAndDropsSnapshot(t *testing.T) {
	e := newTestEnv(t)
	p := e.panel(t, "de-1", "http://127.0.0.1:1", models.PanelFamilyMarzban)

	status, body := e.do(t, http.MethodPatch, fmt.Sprintf("/panels/%d", p.ID), map[string]interface{}{
		"admin_password": "rotated",
		"is_active":      false,
	})
	require.Equal(t, fiber.StatusOK, status, body)

	stored, err := e.repos.Panel.GetByID(p.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)
	plain, err := e.box.Open(stored.AdminPassword)
	require.NoError(t, err)
	assert.Equal(t, "rotated", plain)
	assert.Equal(t, []uint{p.ID}, e.checker.forgotten)
}

func TestTestPanelReportsSnapshot(t *testing.T) {
	e := newTestEnv(t)
	p := e.panel(t, "de-1", "http://127.0.0.1:1", models.PanelFamilyMarzban)

	status, body := e.do(t, http.MethodPost, fmt.Sprintf("/panels/%d/test", p.ID), nil)

	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["ok"])
}

func TestBindPanelRefusesCrossFamily(t *testing.T) {
	e := newTestEnv(t)
	p := e.panel(t, "ir-1", "http://127.0.0.1:1", models.PanelFamilyMarzneshin)
	plan := &models.Plan{Name: "Germany 30d", Family: models.PanelFamilyMarzban, IsActive: true}
	require.NoError(t, e.repos.Plan.Create(plan))

	status, body := e.do(t, http.MethodPost, fmt.Sprintf("/plans/%d/panels", plan.ID), map[string]interface{}{"panel_id": p.ID, "is_primary": true})

	assert.Equal(t, fiber.StatusUnprocessableEntity, status)
	assert.Equal(t, "family_mismatch", body["error"])
	bindings, err := e.repos.Plan.GetBindings(plan.ID)
	require.NoError(t, err)
	assert.Empty(t, bindings)
}

func TestBindAndUnbindPanel(t *testing.T) {
	e := newTestEnv(t)
	p := e.panel(t, "de-1", "http://127.0.0.1:1", models.PanelFamilyMarzban)
	other := e.panel(t, "de-2", "http://127.0.0.1:2", models.PanelFamilyMarzban)
	plan := &models.Plan{Name: "Germany 30d", Family: models.PanelFamilyMarzban, IsActive: true}
	require.NoError(t, e.repos.Plan.Create(plan))

	status, _ := e.do(t, http.MethodPost, fmt.Sprintf("/plans/%d/panels", plan.ID), map[string]interface{}{"panel_id": p.ID, "is_primary": true})
	require.Equal(t, fiber.StatusCreated, status)

	status, body := e.do(t, http.MethodPost, fmt.Sprintf("/plans/%d/panels", plan.ID), map[string]interface{}{"panel_id": other.ID, "is_primary": true})
	assert.Equal(t, fiber.StatusConflict, status)
	assert.Equal(t, "duplicate_primary", body["error"])

	status, _ = e.do(t, http.MethodDelete, fmt.Sprintf("/plans/%d/panels/%d", plan.ID, p.ID), nil)
	assert.Equal(t, fiber.StatusNoContent, status)

	status, body = e.do(t, http.MethodGet, fmt.Sprintf("/plans/%d/panels", plan.ID), nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Empty(t, body["bindings"])
}

func TestJobEndpoints(t *testing.T) {
	e := newTestEnv(t)

	status, _ := e.do(t, http.MethodGet, "/jobs/unknown", nil)
	assert.Equal(t, fiber.StatusNotFound, status)

	status, body := e.do(t, http.MethodGet, "/jobs/stats", nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Contains(t, body, "pending")
	assert.Contains(t, body, "totals")

	from := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	status, _ = e.do(t, http.MethodPost, "/attempts/archive", map[string]interface{}{"from": from, "to": from.Add(-time.Hour)})
	assert.Equal(t, fiber.StatusUnprocessableEntity, status)

	status, body = e.do(t, http.MethodPost, "/attempts/archive", map[string]interface{}{"from": from, "to": from.Add(24 * time.Hour)})
	assert.Equal(t, fiber.StatusAccepted, status)
	assert.Equal(t, "archive-1", body["job_id"])
	assert.Equal(t, 1, e.jobs.archived)
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"missing row", gorm.ErrRecordNotFound, fiber.StatusNotFound, "not_found"},
		{"already provisioned", provisioning.ErrAlreadyProvisioned, fiber.StatusConflict, "already_provisioned"},
		{"closed subscription", provisioning.ErrNotProvisionable, fiber.StatusConflict, "not_provisionable"},
		{"no account", fmt.Errorf("sync: %w", provisioning.ErrNoAccount), fiber.StatusConflict, "no_account"},
		{"family mismatch", panel.NewError(panel.KindFamilyMismatch, "resolve", "x"), fiber.StatusUnprocessableEntity, "family_mismatch"},
		{"not implemented", panel.NewError(panel.KindNotImplemented, "create", "x"), fiber.StatusNotImplemented, "not_implemented_for_family"},
		{"timeout", panel.NewError(panel.KindTransportTimeout, "create", "x"), fiber.StatusGatewayTimeout, "transport_timeout"},
		{"rejected", panel.NewError(panel.KindPanelRejected, "create", "x"), fiber.StatusBadGateway, "panel_rejected"},
		{"unexpected", errors.New("boom"), fiber.StatusInternalServerError, "internal_server_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code := errorStatus(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}
