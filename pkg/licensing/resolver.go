package licensing

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Snapshot is the read side the resolver works from. Lookups return nil with
// a nil error when the record does not exist.
type Snapshot interface {
	SubscriptionFor(ctx context.Context, userID, toolID string) (*Subscription, error)
	Team(ctx context.Context, teamID string) (*Team, error)
	Plan(ctx context.Context, code string) (*Plan, error)
}

// Resolver derives entitlements and access decisions from a Snapshot.
// It never writes.
type Resolver struct {
	snapshot Snapshot
}

func NewResolver(snapshot Snapshot) *Resolver {
	return &Resolver{snapshot: snapshot}
}

// Resolve computes the effective entitlement of userID for toolID, optionally
// within teamID. A user's own granting subscription wins over an inherited
// one; features are the union of both sources.
func (r *Resolver) Resolve(ctx context.Context, userID, toolID, teamID string, now time.Time) (Entitlement, error) {
	ent := Entitlement{
		UserID:   userID,
		ToolID:   toolID,
		TeamID:   teamID,
		Status:   StatusNone,
		Features: map[string]FeatureGrant{},
		Sources:  []EntitlementSource{},
	}

	var directPlan, inheritedPlan *Plan

	own, err := r.snapshot.SubscriptionFor(ctx, userID, toolID)
	if err != nil {
		return Entitlement{}, fmt.Errorf("resolve %s/%s: load subscription: %w", userID, toolID, err)
	}
	if own != nil {
		status := own.EffectiveStatus(now)
		if GrantsDirectEntitlement(status) {
			directPlan, err = r.plan(ctx, own.PlanCode)
			if err != nil {
				return Entitlement{}, err
			}
			ent.Sources = append(ent.Sources, EntitlementSource{
				Type:     SourceDirect,
				Status:   status,
				PlanCode: own.PlanCode,
			})
		}
	}

	if teamID != "" {
		source, plan, err := r.inherited(ctx, userID, toolID, teamID, now)
		if err != nil {
			return Entitlement{}, err
		}
		if source != nil {
			inheritedPlan = plan
			ent.Sources = append(ent.Sources, *source)
		}
	}

	switch {
	case directPlan != nil:
		ent.Status = ent.Sources[0].Status
		ent.PlanCode = directPlan.Code
		ent.Features = mergeFeatures(directPlan, inheritedPlan)
	case inheritedPlan != nil:
		ent.Status = ent.Sources[0].Status
		ent.PlanCode = inheritedPlan.Code
		ent.Features = mergeFeatures(inheritedPlan, nil)
	}

	return ent, nil
}

// inherited returns the source a team owner passes on to userID, or nil.
func (r *Resolver) inherited(ctx context.Context, userID, toolID, teamID string, now time.Time) (*EntitlementSource, *Plan, error) {
	team, err := r.snapshot.Team(ctx, teamID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve %s/%s: load team %s: %w", userID, toolID, teamID, err)
	}
	if team == nil || team.OwnerUserID == userID {
		return nil, nil, nil
	}
	if _, _, ok := team.Member(userID); !ok {
		return nil, nil, nil
	}

	ownerSub, err := r.snapshot.SubscriptionFor(ctx, team.OwnerUserID, toolID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve %s/%s: load owner subscription: %w", userID, toolID, err)
	}
	if ownerSub == nil {
		return nil, nil, nil
	}
	status := ownerSub.EffectiveStatus(now)
	if !GrantsInheritedEntitlement(status) {
		return nil, nil, nil
	}

	plan, err := r.plan(ctx, ownerSub.PlanCode)
	if err != nil {
		return nil, nil, err
	}
	return &EntitlementSource{
		Type:        SourceInherited,
		OwnerUserID: team.OwnerUserID,
		Status:      status,
		PlanCode:    ownerSub.PlanCode,
	}, plan, nil
}

func (r *Resolver) plan(ctx context.Context, code string) (*Plan, error) {
	plan, err := r.snapshot.Plan(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("load plan %s: %w", code, err)
	}
	if plan == nil {
		return nil, &BillingError{Kind: KindPlanNotFound, Op: "resolve_entitlement", PlanCode: code}
	}
	return plan, nil
}

// mergeFeatures unions the feature maps of the winning plan and the other
// source. A feature enabled by either is enabled; the limit comes from the
// winning plan when it defines the feature, otherwise from the plan that
// enabled it.
func mergeFeatures(winner, other *Plan) map[string]FeatureGrant {
	out := make(map[string]FeatureGrant)
	keys := make(map[string]struct{})
	for k := range winner.Features {
		keys[k] = struct{}{}
	}
	if other != nil {
		for k := range other.Features {
			keys[k] = struct{}{}
		}
	}

	for k := range keys {
		w, inWinner := winner.Features[k]
		var o PlanFeature
		inOther := false
		if other != nil {
			o, inOther = other.Features[k]
		}

		grant := FeatureGrant{Enabled: (inWinner && w.Enabled) || (inOther && o.Enabled)}
		switch {
		case inWinner && (w.Enabled || !inOther || !o.Enabled):
			grant.Limit = Limit{Value: cloneInt64(w.Limit)}
		default:
			grant.Limit = Limit{Value: cloneInt64(o.Limit)}
		}
		out[k] = grant
	}
	return out
}

// FeatureNames returns the enabled feature keys in sorted order.
func (e Entitlement) FeatureNames() []string {
	names := make([]string, 0, len(e.Features))
	for k, g := range e.Features {
		if g.Enabled {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
