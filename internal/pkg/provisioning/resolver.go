package provisioning

import (
	"context"
	"fmt"
	"sort"

	"github.com/ManuelReschke/TunnelFox/app/models"
	"github.com/ManuelReschke/TunnelFox/app/repository"
	"github.com/ManuelReschke/TunnelFox/internal/pkg/panel"
)

// Target is the outcome of plan resolution.
// Primary is set when the plan's primary binding is usable; Fallbacks are health ordered.
type Target struct {
	Primary   *models.Panel
	Fallbacks []models.Panel
}

// Panel returns the panel provisioning should use, or nil for an empty target.
func (t *Target) Panel() *models.Panel {
	if t == nil {
		return nil
	}
	if t.Primary != nil {
		return t.Primary
	}
	if len(t.Fallbacks) > 0 {
		return &t.Fallbacks[0]
	}
	return nil
}

// Candidates returns the chosen panel followed by the remaining fallbacks.
func (t *Target) Candidates() []models.Panel {
	if t == nil {
		return nil
	}
	out := make([]models.Panel, 0, len(t.Fallbacks)+1)
	if t.Primary != nil {
		out = append(out, *t.Primary)
	}
	return append(out, t.Fallbacks...)
}

func (t *Target) without(exclude map[uint]bool) *Target {
	out := &Target{}
	if t.Primary != nil && !exclude[t.Primary.ID] {
		out.Primary = t.Primary
	}
	for _, p := range t.Fallbacks {
		if !exclude[p.ID] {
			out.Fallbacks = append(out.Fallbacks, p)
		}
	}
	return out
}

// Resolver maps a plan to the panel it provisions onto.
type Resolver struct {
	plans  repository.PlanRepository
	panels repository.PanelRepository
}

// NewResolver creates a resolver on top of the plan and panel repositories.
func NewResolver(plans repository.PlanRepository, panels repository.PanelRepository) *Resolver {
	return &Resolver{plans: plans, panels: panels}
}

// ResolveTarget applies the binding rules: the active primary of the plan's family wins,
// then active same-family bindings ordered online, unknown, offline. Offline panels are
// only returned when nothing else is left. A wrong-family panel is never returned.
func (r *Resolver) ResolveTarget(ctx context.Context, plan *models.Plan) (*Target, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, panel.NewError(panel.KindNoPanelBound, "resolve", "subscription has no plan")
	}
	if !models.IsKnownPanelFamily(plan.Family) {
		return nil, panel.NewError(panel.KindInvalidConfig, "resolve",
			fmt.Sprintf("plan %d declares unsupported panel family %q", plan.ID, plan.Family))
	}

	bindings, err := r.plans.GetBindings(plan.ID)
	if err != nil {
		return nil, fmt.Errorf("load bindings of plan %d: %w", plan.ID, err)
	}
	if len(bindings) == 0 {
		return nil, panel.NewError(panel.KindNoPanelBound, "resolve",
			fmt.Sprintf("plan %d is not bound to any panel", plan.ID))
	}

	target := &Target{}
	var mismatched *models.Panel
	var candidates []models.Panel
	for _, b := range bindings {
		p := b.Panel
		if p == nil || !p.IsActive {
			continue
		}
		if p.Family != plan.Family {
			if b.IsPrimary {
				return nil, familyMismatch(plan, p)
			}
			if mismatched == nil {
				mismatched = p
			}
			continue
		}
		if b.IsPrimary {
			primary := *p
			target.Primary = &primary
			continue
		}
		candidates = append(candidates, *p)
	}

	target.Fallbacks = healthOrdered(candidates)
	if target.Panel() != nil {
		return target, nil
	}
	if mismatched != nil {
		return nil, familyMismatch(plan, mismatched)
	}
	return nil, panel.NewError(panel.KindNoPanelBound, "resolve",
		fmt.Sprintf("plan %d has no active bound panel", plan.ID))
}

// ResolveRelaxed is ResolveTarget for repairs. When the bound panels are unusable or
// of the wrong family it widens to every active registry panel of the plan's family,
// minus exclude. A wrong-family panel is still never returned.
func (r *Resolver) ResolveRelaxed(ctx context.Context, plan *models.Plan, exclude ...uint) (*Target, error) {
	skip := make(map[uint]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}

	strict, err := r.ResolveTarget(ctx, plan)
	if err != nil && !panel.IsKind(err, panel.KindNoPanelBound) && !panel.IsKind(err, panel.KindFamilyMismatch) {
		return nil, err
	}
	if err == nil {
		strict = strict.without(skip)
		if p := strict.Panel(); p != nil && !p.IsOffline() {
			return strict, nil
		}
	}

	active, lerr := r.panels.GetActiveByFamily(plan.Family)
	if lerr != nil {
		return nil, fmt.Errorf("list %s panels: %w", plan.Family, lerr)
	}
	var wide []models.Panel
	for _, p := range active {
		if !skip[p.ID] {
			wide = append(wide, p)
		}
	}
	wide = healthOrdered(wide)
	if len(wide) > 0 {
		return &Target{Fallbacks: wide}, nil
	}
	if strict != nil && strict.Panel() != nil {
		return strict, nil
	}
	if panel.IsKind(err, panel.KindFamilyMismatch) {
		return nil, err
	}
	return nil, panel.NewError(panel.KindNoPanelBound, "resolve",
		fmt.Sprintf("no usable %s panel for plan %d", plan.Family, plan.ID))
}

// healthOrdered sorts by health and drops offline panels unless only offline ones remain.
func healthOrdered(panels []models.Panel) []models.Panel {
	sort.SliceStable(panels, func(i, j int) bool {
		return panels[i].HealthRank() < panels[j].HealthRank()
	})
	var usable []models.Panel
	for _, p := range panels {
		if !p.IsOffline() {
			usable = append(usable, p)
		}
	}
	if len(usable) == 0 {
		return panels
	}
	return usable
}

func familyMismatch(plan *models.Plan, p *models.Panel) error {
	return &panel.Error{
		Kind:    panel.KindFamilyMismatch,
		Op:      "resolve",
		PanelID: p.ID,
		Message: fmt.Sprintf("plan %d requires %s panels but panel %d (%s) is %s",
			plan.ID, plan.Family, p.ID, p.Name, p.Family),
	}
}
