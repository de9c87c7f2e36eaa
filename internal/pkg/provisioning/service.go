package provisioning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ManuelReschke/TunnelFox/app/models"
	"github.com/ManuelReschke/TunnelFox/app/repository"
	"github.com/ManuelReschke/TunnelFox/internal/pkg/panel"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Service creates, reconciles and removes panel accounts for subscriptions.
type Service struct {
	repos    *repository.Repositories
	registry *panel.Registry
	resolver *Resolver
	recorder Recorder
	now      func() time.Time
	locks    subscriptionLocks
}

// Option configures a Service.
type Option func(*Service)

// WithRecorder reports every panel call outcome to r.
func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		s.recorder = r
	}
}

// WithClock overrides the time source used for expiry fallbacks.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a provisioning service.
func NewService(repos *repository.Repositories, registry *panel.Registry, opts ...Option) *Service {
	s := &Service{
		repos:    repos,
		registry: registry,
		resolver: NewResolver(repos.Plan, repos.Panel),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Resolver exposes the plan resolver used by the service.
func (s *Service) Resolver() *Resolver {
	return s.resolver
}

// Provision creates the panel account of a subscription. Exactly one attempt is logged.
// On panel failure both a failed Result and the classified error are returned.
func (s *Service) Provision(ctx context.Context, subscriptionID uint) (*Result, error) {
	unlock := s.locks.lock(subscriptionID)
	defer unlock()

	sub, err := s.loadUnprovisioned(subscriptionID)
	if err != nil {
		return nil, err
	}
	return s.resolveAndCreate(ctx, sub)
}

// RetryProvisioning is the explicit retry. A prior successful create whose result was
// never stored is reconciled with a fetch instead of creating the account again.
func (s *Service) RetryProvisioning(ctx context.Context, subscriptionID uint) (*Result, error) {
	unlock := s.locks.lock(subscriptionID)
	defer unlock()

	sub, err := s.loadUnprovisioned(subscriptionID)
	if err != nil {
		return nil, err
	}
	if res, done, err := s.reconcileLogged(ctx, sub); done {
		return res, err
	}
	return s.resolveAndCreate(ctx, sub)
}

// Reconcile adopts the account a logged successful create left behind when the
// subscription was never marked provisioned. done is false when no such account is
// on record or its panel confirmed it gone, so a fresh create may follow.
func (s *Service) Reconcile(ctx context.Context, subscriptionID uint) (*Result, bool, error) {
	unlock := s.locks.lock(subscriptionID)
	defer unlock()

	sub, err := s.loadUnprovisioned(subscriptionID)
	if err != nil {
		return nil, true, err
	}
	return s.reconcileLogged(ctx, sub)
}

// ProvisionOn creates the account on a pre-resolved target. Used by repairs.
// An account still on record from an earlier create is reconciled instead.
func (s *Service) ProvisionOn(ctx context.Context, subscriptionID uint, target *Target) (*Result, error) {
	unlock := s.locks.lock(subscriptionID)
	defer unlock()

	sub, err := s.loadUnprovisioned(subscriptionID)
	if err != nil {
		return nil, err
	}
	if res, done, err := s.reconcileLogged(ctx, sub); done {
		return res, err
	}
	p := target.Panel()
	if p == nil {
		err := panel.NewError(panel.KindNoPanelBound, "resolve", "repair target has no panel")
		return s.fail(sub, nil, models.AttemptFunctionCreate, s.createRequest(sub), err)
	}
	return s.create(ctx, sub, p)
}

// Deprovision deletes the panel account and marks the subscription deleted.
func (s *Service) Deprovision(ctx context.Context, subscriptionID uint) (*Result, error) {
	unlock := s.locks.lock(subscriptionID)
	defer unlock()

	sub, err := s.loadSubscription(subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.PanelID == nil {
		if sub.Provisioned {
			return nil, ErrNoAccount
		}
		sub.Status = models.SubscriptionStatusDeleted
		if err := s.repos.Subscription.Update(sub); err != nil {
			return nil, fmt.Errorf("update subscription %d: %w", sub.ID, err)
		}
		return &Result{Success: true}, nil
	}

	p, adapter, err := s.adapterFor(*sub.PanelID)
	username := sub.AccountUsername()
	request := map[string]string{"username": username}
	if err != nil {
		return s.fail(sub, p, models.AttemptFunctionDelete, request, err)
	}

	correlationID := uuid.NewString()
	if err := adapter.DeleteAccount(ctx, username); err != nil {
		s.record(sub, p, models.AttemptFunctionDelete, request, nil, err, correlationID)
		log.Warnf("[Provisioning] Deleting %s on panel %d failed: %v", username, p.ID, err)
		return failure(p.ID, err), err
	}
	s.record(sub, p, models.AttemptFunctionDelete, request, map[string]string{"status": "deleted"}, nil, correlationID)

	sub.Provisioned = false
	sub.Status = models.SubscriptionStatusDeleted
	sub.AccessURL = ""
	if err := s.repos.Subscription.Update(sub); err != nil {
		return nil, fmt.Errorf("update subscription %d: %w", sub.ID, err)
	}
	log.Infof("[Provisioning] Deprovisioned subscription %d from panel %d", sub.ID, p.ID)
	return &Result{Success: true, PanelID: p.ID, Username: username}, nil
}

// SyncAccount refreshes the cached URL, expiry and quota from the panel.
func (s *Service) SyncAccount(ctx context.Context, subscriptionID uint) (*Result, error) {
	unlock := s.locks.lock(subscriptionID)
	defer unlock()

	sub, err := s.loadSubscription(subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.PanelID == nil {
		return nil, ErrNoAccount
	}

	p, adapter, err := s.adapterFor(*sub.PanelID)
	username := sub.AccountUsername()
	request := map[string]string{"username": username}
	if err != nil {
		return s.fail(sub, p, models.AttemptFunctionFetch, request, err)
	}

	correlationID := uuid.NewString()
	acct, err := adapter.FetchAccount(ctx, username)
	if err != nil {
		s.record(sub, p, models.AttemptFunctionFetch, request, nil, err, correlationID)
		if panel.IsKind(err, panel.KindNotFound) && sub.Provisioned {
			log.Warnf("[Provisioning] Account %s vanished from panel %d, clearing provisioned flag", username, p.ID)
			sub.Provisioned = false
			if uerr := s.repos.Subscription.Update(sub); uerr != nil {
				return nil, fmt.Errorf("update subscription %d: %w", sub.ID, uerr)
			}
		}
		return failure(p.ID, err), err
	}
	s.record(sub, p, models.AttemptFunctionFetch, request, acct, nil, correlationID)

	s.apply(sub, p, acct)
	if err := s.repos.Subscription.Update(sub); err != nil {
		return nil, fmt.Errorf("update subscription %d: %w", sub.ID, err)
	}
	return s.success(sub, p), nil
}

// ListAttempts returns the attempt log of a subscription in call order.
func (s *Service) ListAttempts(ctx context.Context, subscriptionID uint) ([]models.ProvisionAttempt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := s.loadSubscription(subscriptionID); err != nil {
		return nil, err
	}
	return s.repos.Attempt.ListBySubscription(subscriptionID)
}

func (s *Service) loadSubscription(id uint) (*models.Subscription, error) {
	sub, err := s.repos.Subscription.GetByID(id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load subscription %d: %w", id, err)
	}
	return sub, nil
}

func (s *Service) loadUnprovisioned(id uint) (*models.Subscription, error) {
	sub, err := s.loadSubscription(id)
	if err != nil {
		return nil, err
	}
	if sub.Provisioned {
		return nil, ErrAlreadyProvisioned
	}
	if !sub.Provisionable() {
		return nil, fmt.Errorf("subscription %d is %s: %w", sub.ID, sub.Status, ErrNotProvisionable)
	}
	return sub, nil
}

func (s *Service) resolveAndCreate(ctx context.Context, sub *models.Subscription) (*Result, error) {
	plan, err := s.repos.Plan.GetByID(sub.PlanID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		perr := panel.NewError(panel.KindNoPanelBound, "resolve", fmt.Sprintf("plan %d does not exist", sub.PlanID))
		return s.fail(sub, nil, models.AttemptFunctionCreate, s.createRequest(sub), perr)
	}
	if err != nil {
		return nil, fmt.Errorf("load plan %d: %w", sub.PlanID, err)
	}

	target, err := s.resolver.ResolveTarget(ctx, plan)
	if err != nil {
		if panel.KindOf(err) == "" {
			return nil, err
		}
		return s.fail(sub, nil, models.AttemptFunctionCreate, s.createRequest(sub), err)
	}
	return s.create(ctx, sub, target.Panel())
}

func (s *Service) createRequest(sub *models.Subscription) panel.CreateAccountRequest {
	return panel.CreateAccountRequest{
		Username:     sub.AccountUsername(),
		QuotaGB:      sub.QuotaGB,
		DurationDays: sub.DurationDays,
		Notes:        sub.Notes,
	}
}

func (s *Service) create(ctx context.Context, sub *models.Subscription, p *models.Panel) (*Result, error) {
	req := s.createRequest(sub)
	adapter, err := s.registry.Adapter(p)
	if err != nil {
		return s.fail(sub, p, models.AttemptFunctionCreate, req, err)
	}

	correlationID := uuid.NewString()
	acct, err := adapter.CreateAccount(ctx, req)
	if err != nil && panel.IsAlreadyExists(err) {
		if existing, ferr := adapter.FetchAccount(ctx, req.Username); ferr == nil {
			log.Infof("[Provisioning] Account %s already existed on panel %d, adopting it", req.Username, p.ID)
			acct, err = existing, nil
		}
	}
	if err != nil {
		s.record(sub, p, models.AttemptFunctionCreate, req, nil, err, correlationID)
		log.Warnf("[Provisioning] Subscription %d failed on panel %d (%s): %v", sub.ID, p.ID, panel.KindOf(err), err)
		return failure(p.ID, err), err
	}
	s.record(sub, p, models.AttemptFunctionCreate, req, acct, nil, correlationID)

	s.apply(sub, p, acct)
	sub.Provisioned = true
	sub.Status = models.SubscriptionStatusActive
	if err := s.repos.Subscription.Update(sub); err != nil {
		return nil, fmt.Errorf("store provisioned subscription %d: %w", sub.ID, err)
	}
	log.Infof("[Provisioning] Subscription %d provisioned on panel %d as %s", sub.ID, p.ID, sub.PanelUsername)
	return s.success(sub, p), nil
}

func (s *Service) reconcileLogged(ctx context.Context, sub *models.Subscription) (*Result, bool, error) {
	panelID, err := s.unstoredCreate(sub.ID)
	if err != nil {
		return nil, true, err
	}
	if panelID == 0 {
		return nil, false, nil
	}
	return s.reconcile(ctx, sub, panelID)
}

// unstoredCreate returns the panel of the latest successful create that no later
// successful delete or not-found fetch on the same panel superseded, or 0.
func (s *Service) unstoredCreate(subscriptionID uint) (uint, error) {
	attempts, err := s.repos.Attempt.ListBySubscription(subscriptionID)
	if err != nil {
		return 0, fmt.Errorf("load attempts: %w", err)
	}
	var panelID uint
	for _, a := range attempts {
		if a.PanelID == nil {
			continue
		}
		switch {
		case a.Success && a.Function == models.AttemptFunctionCreate:
			panelID = *a.PanelID
		case *a.PanelID != panelID:
		case a.Success && a.Function == models.AttemptFunctionDelete,
			!a.Success && a.Function == models.AttemptFunctionFetch && a.ErrorKind == string(panel.KindNotFound):
			panelID = 0
		}
	}
	return panelID, nil
}

// reconcile fetches the account a previous successful create made. done is false when
// the account is gone and a fresh create should follow.
func (s *Service) reconcile(ctx context.Context, sub *models.Subscription, panelID uint) (*Result, bool, error) {
	p, adapter, err := s.adapterFor(panelID)
	username := sub.AccountUsername()
	request := map[string]string{"username": username}
	if err != nil {
		res, ferr := s.fail(sub, p, models.AttemptFunctionFetch, request, err)
		return res, true, ferr
	}

	correlationID := uuid.NewString()
	acct, err := adapter.FetchAccount(ctx, username)
	if err != nil {
		s.record(sub, p, models.AttemptFunctionFetch, request, nil, err, correlationID)
		if panel.IsKind(err, panel.KindNotFound) {
			log.Warnf("[Provisioning] Account %s missing on panel %d, creating it again", username, panelID)
			return nil, false, nil
		}
		return failure(panelID, err), true, err
	}
	s.record(sub, p, models.AttemptFunctionFetch, request, acct, nil, correlationID)

	s.apply(sub, p, acct)
	sub.Provisioned = true
	sub.Status = models.SubscriptionStatusActive
	if err := s.repos.Subscription.Update(sub); err != nil {
		return nil, true, fmt.Errorf("store reconciled subscription %d: %w", sub.ID, err)
	}
	log.Infof("[Provisioning] Reconciled subscription %d with existing account on panel %d", sub.ID, panelID)
	res := s.success(sub, p)
	res.Reconciled = true
	return res, true, nil
}

func (s *Service) adapterFor(panelID uint) (*models.Panel, panel.Adapter, error) {
	p, err := s.repos.Panel.GetByID(panelID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, &panel.Error{
			Kind:    panel.KindInvalidConfig,
			Op:      "configure",
			PanelID: panelID,
			Message: fmt.Sprintf("panel %d no longer exists", panelID),
		}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load panel %d: %w", panelID, err)
	}
	adapter, err := s.registry.Adapter(p)
	return p, adapter, err
}

// apply copies the panel's view of the account onto the subscription.
func (s *Service) apply(sub *models.Subscription, p *models.Panel, acct *panel.Account) {
	panelID := p.ID
	sub.PanelID = &panelID
	sub.PanelUsername = sub.AccountUsername()
	if acct.Username != "" {
		sub.PanelUsername = acct.Username
	}
	sub.AccessURL = acct.SubscriptionURL

	switch {
	case acct.ExpiresAt != nil:
		expires := acct.ExpiresAt.UTC()
		sub.ExpiresAt = &expires
	case sub.DurationDays > 0 && sub.ExpiresAt == nil:
		expires := panel.ExpiryFrom(s.now(), sub.DurationDays)
		sub.ExpiresAt = &expires
	}

	sub.QuotaBytes = acct.DataLimitBytes
	if sub.QuotaBytes == 0 {
		sub.QuotaBytes = panel.QuotaBytes(sub.QuotaGB)
	}
}

func (s *Service) success(sub *models.Subscription, p *models.Panel) *Result {
	return &Result{
		Success:    true,
		AccessURL:  sub.AccessURL,
		ExpiresAt:  sub.ExpiresAt,
		QuotaBytes: sub.QuotaBytes,
		PanelID:    p.ID,
		Username:   sub.PanelUsername,
	}
}

// fail logs a failed attempt that never reached the panel and returns it.
func (s *Service) fail(sub *models.Subscription, p *models.Panel, function string, request interface{}, err error) (*Result, error) {
	s.record(sub, p, function, request, nil, err, uuid.NewString())
	var panelID uint
	if p != nil {
		panelID = p.ID
	}
	log.Warnf("[Provisioning] Subscription %d: %s rejected before any panel call (%s): %v", sub.ID, function, panel.KindOf(err), err)
	return failure(panelID, err), err
}

// record appends one attempt. A failing log write is reported but never masks the panel outcome.
func (s *Service) record(sub *models.Subscription, p *models.Panel, function string, request, response interface{}, callErr error, correlationID string) {
	attempt := &models.ProvisionAttempt{
		SubscriptionID: sub.ID,
		Function:       function,
		RequestJSON:    marshal(request),
		Success:        callErr == nil,
		CorrelationID:  correlationID,
	}
	if p != nil {
		panelID := p.ID
		attempt.PanelID = &panelID
		attempt.PanelName = p.Name
		attempt.PanelURL = p.BaseURL
	}
	if callErr != nil {
		attempt.ErrorText = callErr.Error()
		attempt.ErrorKind = string(panel.KindOf(callErr))
	} else if response != nil {
		attempt.ResponseJSON = marshal(response)
	}

	if err := s.repos.Attempt.Create(attempt); err != nil {
		log.Errorf("[Provisioning] Failed to log %s attempt for subscription %d: %v", function, sub.ID, err)
	}
	if s.recorder != nil && p != nil {
		s.recorder.Record(p.ID, callErr == nil)
	}
}

func marshal(v interface{}) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
