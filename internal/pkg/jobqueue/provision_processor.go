package jobqueue

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/TunnelFox/internal/pkg/panel"
	"github.com/ManuelReschke/TunnelFox/internal/pkg/provisioning"
)

// Provisioner is the part of provisioning.Service the workers need.
type Provisioner interface {
	RetryProvisioning(ctx context.Context, subscriptionID uint) (*provisioning.Result, error)
	Deprovision(ctx context.Context, subscriptionID uint) (*provisioning.Result, error)
}

// EnqueueProvisionJob queues the creation of the panel account for a subscription.
func (q *Queue) EnqueueProvisionJob(subscriptionID uint, source string) (*Job, error) {
	payload := ProvisionJobPayload{SubscriptionID: subscriptionID, Source: source}
	return q.EnqueueJob(JobTypeProvision, payload.ToMap())
}

// EnqueueDeprovisionJob queues the removal of the panel account of a subscription.
func (q *Queue) EnqueueDeprovisionJob(subscriptionID uint) (*Job, error) {
	payload := DeprovisionJobPayload{SubscriptionID: subscriptionID}
	return q.EnqueueJob(JobTypeDeprovision, payload.ToMap())
}

// ProvisionHandler runs provision jobs through the explicit retry path, so a
// redelivered job reconciles a create whose result was never stored.
func ProvisionHandler(p Provisioner) Handler {
	return func(ctx context.Context, job *Job) error {
		payload, err := ProvisionJobPayloadFromMap(job.Payload)
		if err != nil {
			return Permanent(fmt.Errorf("invalid provision payload: %w", err))
		}
		if payload.SubscriptionID == 0 {
			return Permanent(errors.New("provision payload without subscription_id"))
		}

		res, err := p.RetryProvisioning(ctx, payload.SubscriptionID)
		if errors.Is(err, provisioning.ErrAlreadyProvisioned) {
			log.Infof("[JobQueue] Subscription %d already provisioned, nothing to do", payload.SubscriptionID)
			return nil
		}
		if err != nil {
			return classify(err)
		}
		log.Infof("[JobQueue] Subscription %d provisioned on panel %d (reconciled=%t)", payload.SubscriptionID, res.PanelID, res.Reconciled)
		return nil
	}
}

// DeprovisionHandler removes panel accounts.
func DeprovisionHandler(p Provisioner) Handler {
	return func(ctx context.Context, job *Job) error {
		payload, err := DeprovisionJobPayloadFromMap(job.Payload)
		if err != nil {
			return Permanent(fmt.Errorf("invalid deprovision payload: %w", err))
		}
		if payload.SubscriptionID == 0 {
			return Permanent(errors.New("deprovision payload without subscription_id"))
		}
		if _, err := p.Deprovision(ctx, payload.SubscriptionID); err != nil {
			return classify(err)
		}
		return nil
	}
}

// classify decides whether a failed job is retried. Configuration faults and
// panel rejections below 500 are final; transport, timeout and auth failures
// as well as storage errors are retried.
func classify(err error) error {
	switch {
	case errors.Is(err, provisioning.ErrSubscriptionNotFound),
		errors.Is(err, provisioning.ErrNoAccount),
		errors.Is(err, provisioning.ErrNotProvisionable),
		panel.IsConfigurationFault(err):
		return Permanent(err)
	case panel.KindOf(err) != "" && !panel.IsRetryable(err):
		return Permanent(err)
	}
	return err
}
