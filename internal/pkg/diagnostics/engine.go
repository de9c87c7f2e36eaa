package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ManuelReschke/TunnelFox/app/models"
	"github.com/ManuelReschke/TunnelFox/app/repository"
	"github.com/ManuelReschke/TunnelFox/internal/pkg/panel"
	"github.com/ManuelReschke/TunnelFox/internal/pkg/provisioning"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
)

// Issue codes reported by Diagnose.
const (
	IssuePlanMissing      = "plan_missing"
	IssueNoPanelBound     = "no_panel_bound"
	IssueNoActivePanel    = "no_active_panel"
	IssueFamilyMismatch   = "family_mismatch"
	IssueInvalidPlan      = "invalid_plan"
	IssuePanelOffline     = "panel_offline"
	IssueNeverProvisioned = "never_provisioned"
	IssueFlagNotStored    = "provisioned_flag_not_stored"
)

// Issue is one failed check.
type Issue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	PanelID uint   `json:"panel_id,omitempty"`
}

// PanelSummary is the operator view of a candidate panel.
type PanelSummary struct {
	ID            uint       `json:"id"`
	Name          string     `json:"name"`
	Family        string     `json:"family"`
	HealthStatus  string     `json:"health_status"`
	LastCheckedAt *time.Time `json:"last_checked_at,omitempty"`
}

// Report is the read-only result of Diagnose. Recommendations[i] belongs to Issues[i].
type Report struct {
	SubscriptionID  uint                     `json:"subscription_id"`
	Issues          []Issue                  `json:"issues"`
	Recommendations []string                 `json:"recommendations"`
	AvailablePanels []PanelSummary           `json:"available_panels"`
	TargetPanelID   uint                     `json:"target_panel_id,omitempty"`
	LastAttempt     *models.ProvisionAttempt `json:"last_attempt,omitempty"`
}

// Healthy reports whether the configuration checks found nothing.
func (r *Report) Healthy() bool {
	return len(r.Issues) == 0
}

func (r *Report) add(issue Issue, recommendation string) {
	r.Issues = append(r.Issues, issue)
	r.Recommendations = append(r.Recommendations, recommendation)
}

// Engine explains why a subscription is not provisioned and repairs it on request.
type Engine struct {
	repos *repository.Repositories
	svc   *provisioning.Service
}

// NewEngine creates a diagnostics engine on top of the provisioning service.
func NewEngine(repos *repository.Repositories, svc *provisioning.Service) *Engine {
	return &Engine{repos: repos, svc: svc}
}

// Diagnose runs the configuration checks for a subscription. It never calls a panel.
func (e *Engine) Diagnose(ctx context.Context, subscriptionID uint) (*Report, error) {
	sub, err := e.loadSubscription(subscriptionID)
	if err != nil {
		return nil, err
	}

	report := &Report{
		SubscriptionID:  sub.ID,
		Issues:          []Issue{},
		Recommendations: []string{},
		AvailablePanels: []PanelSummary{},
	}

	last, err := e.repos.Attempt.Last(sub.ID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("load last attempt: %w", err)
	}
	report.LastAttempt = last

	plan, err := e.repos.Plan.GetByID(sub.PlanID)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		report.add(Issue{
			Code:    IssuePlanMissing,
			Message: fmt.Sprintf("subscription references plan %d which does not exist", sub.PlanID),
		}, "Move the subscription to an existing plan.")
	case err != nil:
		return nil, fmt.Errorf("load plan %d: %w", sub.PlanID, err)
	default:
		if err := e.checkPlan(ctx, plan, report); err != nil {
			return nil, err
		}
	}

	if err := e.checkProvisioned(sub, last, report); err != nil {
		return nil, err
	}
	return report, nil
}

// checkPlan covers binding, resolution and health of the resolved panel.
func (e *Engine) checkPlan(ctx context.Context, plan *models.Plan, report *Report) error {
	if models.IsKnownPanelFamily(plan.Family) {
		available, err := e.repos.Panel.GetActiveByFamily(plan.Family)
		if err != nil {
			return fmt.Errorf("list %s panels: %w", plan.Family, err)
		}
		for _, p := range available {
			report.AvailablePanels = append(report.AvailablePanels, PanelSummary{
				ID:            p.ID,
				Name:          p.Name,
				Family:        p.Family,
				HealthStatus:  p.HealthStatus,
				LastCheckedAt: p.LastCheckedAt,
			})
		}
	}

	bindings, err := e.repos.Plan.GetBindings(plan.ID)
	if err != nil {
		return fmt.Errorf("load bindings of plan %d: %w", plan.ID, err)
	}
	if len(bindings) == 0 {
		report.add(Issue{
			Code:    IssueNoPanelBound,
			Message: fmt.Sprintf("plan %q is not bound to any panel", plan.Name),
		}, fmt.Sprintf("Bind plan %q to an active %s panel.", plan.Name, plan.Family))
		return nil
	}

	target, err := e.svc.Resolver().ResolveTarget(ctx, plan)
	if err != nil {
		var pe *panel.Error
		if !errors.As(err, &pe) {
			return err
		}
		switch pe.Kind {
		case panel.KindFamilyMismatch:
			report.add(Issue{Code: IssueFamilyMismatch, Message: pe.Message, PanelID: pe.PanelID},
				fmt.Sprintf("Bind plan %q only to %s panels or fix the family of panel %d.", plan.Name, plan.Family, pe.PanelID))
		case panel.KindNoPanelBound:
			report.add(Issue{Code: IssueNoActivePanel, Message: pe.Message},
				fmt.Sprintf("Activate one of the panels bound to plan %q or bind an active %s panel.", plan.Name, plan.Family))
		default:
			report.add(Issue{Code: IssueInvalidPlan, Message: pe.Message},
				fmt.Sprintf("Fix the panel family of plan %q.", plan.Name))
		}
		return nil
	}

	resolved := target.Panel()
	report.TargetPanelID = resolved.ID
	if resolved.IsOffline() {
		msg := fmt.Sprintf("panel %q is offline", resolved.Name)
		if resolved.LastHealthError != "" {
			msg += ": " + resolved.LastHealthError
		}
		recommendation := fmt.Sprintf("Bring panel %q back online or bind another %s panel to plan %q.", resolved.Name, plan.Family, plan.Name)
		if alt := alternative(report.AvailablePanels, resolved.ID); alt != nil {
			recommendation = fmt.Sprintf("Run force-repair to provision on panel %q (id %d) instead.", alt.Name, alt.ID)
		}
		report.add(Issue{Code: IssuePanelOffline, Message: msg, PanelID: resolved.ID}, recommendation)
	}
	return nil
}

// checkProvisioned flags subscriptions that should have an account but never got one.
func (e *Engine) checkProvisioned(sub *models.Subscription, last *models.ProvisionAttempt, report *Report) error {
	if sub.Provisioned || !sub.ExpectsAccount() {
		return nil
	}

	succeeded, err := e.repos.Attempt.HasSuccess(sub.ID)
	if err != nil {
		return fmt.Errorf("check attempts: %w", err)
	}
	if succeeded {
		report.add(Issue{
			Code:    IssueFlagNotStored,
			Message: fmt.Sprintf("subscription %d has a successful create on record but is not marked provisioned", sub.ID),
		}, "Run retry to reconcile with the existing panel account.")
		return nil
	}

	msg := fmt.Sprintf("subscription %d is %s but was never provisioned", sub.ID, sub.Status)
	recommendation := "Run retry once the issues above are fixed."
	if last != nil && !last.Success && last.ErrorText != "" {
		msg += fmt.Sprintf("; last error: %s", last.ErrorText)
		if last.PanelID != nil {
			report.add(Issue{Code: IssueNeverProvisioned, Message: msg, PanelID: *last.PanelID}, recommendation)
			return nil
		}
	}
	report.add(Issue{Code: IssueNeverProvisioned, Message: msg}, recommendation)
	return nil
}

// Repair provisions on a relaxed target, avoiding panels whose last attempt failed.
// An account left by an earlier unstored create is reconciled first; another panel is
// only tried once that account is confirmed gone.
func (e *Engine) Repair(ctx context.Context, subscriptionID uint) (*provisioning.Result, error) {
	sub, err := e.loadSubscription(subscriptionID)
	if err != nil {
		return nil, err
	}
	if res, done, err := e.svc.Reconcile(ctx, sub.ID); done {
		if err == nil {
			log.Infof("[Diagnostics] Repair of subscription %d reconciled the account on panel %d", sub.ID, res.PanelID)
		}
		return res, err
	}

	plan, err := e.repos.Plan.GetByID(sub.PlanID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		perr := panel.NewError(panel.KindNoPanelBound, "repair", fmt.Sprintf("plan %d does not exist", sub.PlanID))
		return failed(perr), perr
	}
	if err != nil {
		return nil, fmt.Errorf("load plan %d: %w", sub.PlanID, err)
	}

	exclude, err := e.failedPanels(sub.ID)
	if err != nil {
		return nil, err
	}

	resolver := e.svc.Resolver()
	target, err := resolver.ResolveRelaxed(ctx, plan, exclude...)
	if len(exclude) > 0 && (panel.IsKind(err, panel.KindNoPanelBound) || panel.IsKind(err, panel.KindFamilyMismatch)) {
		log.Warnf("[Diagnostics] No alternative for subscription %d, retrying on previously failed panels", sub.ID)
		target, err = resolver.ResolveRelaxed(ctx, plan)
	}
	if err != nil {
		if panel.KindOf(err) == "" {
			return nil, err
		}
		return failed(err), err
	}

	log.Infof("[Diagnostics] Repairing subscription %d on panel %d", sub.ID, target.Panel().ID)
	return e.svc.ProvisionOn(ctx, sub.ID, target)
}

// failedPanels returns panels whose most recent attempt for the subscription failed.
func (e *Engine) failedPanels(subscriptionID uint) ([]uint, error) {
	attempts, err := e.repos.Attempt.ListBySubscription(subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("load attempts: %w", err)
	}
	latest := make(map[uint]bool)
	var order []uint
	for _, a := range attempts {
		if a.PanelID == nil {
			continue
		}
		if _, seen := latest[*a.PanelID]; !seen {
			order = append(order, *a.PanelID)
		}
		latest[*a.PanelID] = a.Success
	}
	var out []uint
	for _, id := range order {
		if !latest[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

func (e *Engine) loadSubscription(id uint) (*models.Subscription, error) {
	sub, err := e.repos.Subscription.GetByID(id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, provisioning.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load subscription %d: %w", id, err)
	}
	return sub, nil
}

func alternative(panels []PanelSummary, excludeID uint) *PanelSummary {
	for i := range panels {
		p := &panels[i]
		if p.ID != excludeID && p.HealthStatus != models.PanelHealthOffline {
			return p
		}
	}
	return nil
}

func failed(err error) *provisioning.Result {
	return &provisioning.Result{Error: err.Error(), ErrorKind: panel.KindOf(err)}
}
