package jobqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/TunnelFox/app/models"
	"github.com/ManuelReschke/TunnelFox/app/repository/repositorytest"
	"github.com/ManuelReschke/TunnelFox/internal/pkg/panel"
	"github.com/ManuelReschke/TunnelFox/internal/pkg/panel/paneltest"
	"github.com/ManuelReschke/TunnelFox/internal/pkg/provisioning"
	"github.com/ManuelReschke/TunnelFox/internal/pkg/security"
)

func setupRedisQueue(t *testing.T) (*Queue, context.Context) {
	t.Helper()

	client := newIsolatedRedisClient(t, queueTestRedisDB)
	queue := NewQueue(2)
	queue.client = client
	resetQueueKeys(t, client)
	t.Cleanup(func() {
		resetQueueKeys(t, client)
	})
	return queue, context.Background()
}

func TestQueue_EnqueueProvisionJob(t *testing.T) {
	queue, ctx := setupRedisQueue(t)

	job, err := queue.EnqueueProvisionJob(12, "event")
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, JobTypeProvision, job.Type)
	assert.Equal(t, JobStatusPending, job.Status)

	size, err := queue.GetQueueSize(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, size)

	stored, err := queue.GetJob(ctx, job.ID)
	require.NoError(t, err)
	payload, err := ProvisionJobPayloadFromMap(stored.Payload)
	require.NoError(t, err)
	assert.Equal(t, uint(12), payload.SubscriptionID)

	stats, err := queue.GetJobStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats[JobStatusPending])
}

func TestQueue_WorkersProvisionSubscription(t *testing.T) {
	queue, ctx := setupRedisQueue(t)

	stub := paneltest.NewMarzban(t)
	box, err := security.NewSecretBox("queue-secret")
	require.NoError(t, err)
	repos := repositorytest.NewRepositories()
	sealed, err := box.Seal("secret")
	require.NoError(t, err)
	p := &models.Panel{Name: "de-1", BaseURL: stub.URL(), AdminUsername: "admin", AdminPassword: sealed, Family: models.PanelFamilyMarzban, IsActive: true}
	require.NoError(t, repos.Panel.Create(p))
	plan := &models.Plan{Name: "Germany", Family: models.PanelFamilyMarzban, IsActive: true}
	require.NoError(t, repos.Plan.Create(plan))
	require.NoError(t, repos.Plan.Bind(&models.PlanPanel{PlanID: plan.ID, PanelID: p.ID, IsPrimary: true}))
	sub := &models.Subscription{PlanID: plan.ID, QuotaGB: 20, DurationDays: 30, Status: models.SubscriptionStatusPaid}
	require.NoError(t, repos.Subscription.Create(sub))

	registry := panel.NewRegistry(panel.NewTokenCache(time.Hour), box, panel.WithTimeout(2*time.Second))
	svc := provisioning.NewService(repos, registry)
	queue.Register(JobTypeProvision, ProvisionHandler(svc))

	// the same approval delivered twice must still create one account
	_, err = queue.EnqueueProvisionJob(sub.ID, "event")
	require.NoError(t, err)
	_, err = queue.EnqueueProvisionJob(sub.ID, "event")
	require.NoError(t, err)

	queue.Start()
	t.Cleanup(queue.Stop)

	require.Eventually(t, func() bool {
		stats, err := queue.GetJobStats(ctx)
		return err == nil && stats[JobStatusCompleted] == 2
	}, 10*time.Second, 50*time.Millisecond)

	stored, err := repos.Subscription.GetByID(sub.ID)
	require.NoError(t, err)
	assert.True(t, stored.Provisioned)
	assert.Equal(t, int32(1), stub.Creates.Load())
}
