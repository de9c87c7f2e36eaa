package provisioning

import (
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/ManuelReschke/TunnelFox/app/models"
	"github.com/ManuelReschke/TunnelFox/app/repository"
	"github.com/ManuelReschke/TunnelFox/app/repository/repositorytest"
	"github.com/ManuelReschke/TunnelFox/internal/pkg/panel"
	"github.com/ManuelReschke/TunnelFox/internal/pkg/security"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	repos *repository.Repositories
	box   *security.SecretBox
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	box, err := security.NewSecretBox("test-panel-secret")
	require.NoError(t, err)
	repos := repositorytest.NewRepositories()
	registry := panel.NewRegistry(panel.NewTokenCache(time.Hour), box, panel.WithTimeout(2*time.Second))
	return &fixture{
		repos: repos,
		box:   box,
		svc:   NewService(repos, registry),
	}
}

func (f *fixture) addPanel(t *testing.T, name, baseURL, family, health string, active bool) *models.Panel {
	t.Helper()
	sealed, err := f.box.Seal("secret")
	require.NoError(t, err)
	p := &models.Panel{
		Name:          name,
		BaseURL:       baseURL,
		AdminUsername: "admin",
		AdminPassword: sealed,
		Family:        family,
		IsActive:      active,
		HealthStatus:  health,
		Protocols:     "vless",
	}
	require.NoError(t, f.repos.Panel.Create(p))
	return p
}

func (f *fixture) addPlan(t *testing.T, family string) *models.Plan {
	t.Helper()
	plan := &models.Plan{
		Name:                fmt.Sprintf("%s plan", family),
		Family:              family,
		PricePerGB:          1000,
		DefaultQuotaGB:      10,
		DefaultDurationDays: 30,
		IsActive:            true,
	}
	require.NoError(t, f.repos.Plan.Create(plan))
	return plan
}

func (f *fixture) bind(t *testing.T, plan *models.Plan, p *models.Panel, primary bool) {
	t.Helper()
	require.NoError(t, f.repos.Plan.Bind(&models.PlanPanel{PlanID: plan.ID, PanelID: p.ID, IsPrimary: primary}))
}

func (f *fixture) addSubscription(t *testing.T, plan *models.Plan) *models.Subscription {
	t.Helper()
	sub := &models.Subscription{
		Email:        "buyer@example.com",
		PlanID:       plan.ID,
		QuotaGB:      10,
		DurationDays: 30,
		Status:       models.SubscriptionStatusPaid,
	}
	require.NoError(t, f.repos.Subscription.Create(sub))
	return sub
}

func (f *fixture) subscription(t *testing.T, id uint) *models.Subscription {
	t.Helper()
	sub, err := f.repos.Subscription.GetByID(id)
	require.NoError(t, err)
	return sub
}

func (f *fixture) attempts(t *testing.T, id uint) []models.ProvisionAttempt {
	t.Helper()
	attempts, err := f.repos.Attempt.ListBySubscription(id)
	require.NoError(t, err)
	return attempts
}

func itoa(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
