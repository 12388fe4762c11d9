package licensing

import (
	"context"
	"fmt"
	"time"
)

// AccessOutcome is the closed set of access decisions.
type AccessOutcome string

const (
	AccessAllow              AccessOutcome = "ALLOW"
	AccessNoTeam             AccessOutcome = "NO_TEAM"
	AccessNoEntitlement      AccessOutcome = "NO_ENTITLEMENT"
	AccessExpired            AccessOutcome = "EXPIRED"
	AccessOwnerRenewRequired AccessOutcome = "OWNER_RENEW_REQUIRED"
	AccessInactive           AccessOutcome = "INACTIVE"
	AccessOverSeatLimit      AccessOutcome = "OVER_SEAT_LIMIT"
	AccessNotMember          AccessOutcome = "NOT_MEMBER"
)

// CallerAction is what the caller should do with a decision.
type CallerAction string

const (
	ActionRenderContent    CallerAction = "render_content"
	ActionRedirectBilling  CallerAction = "redirect_billing"
	ActionRedirectStore    CallerAction = "redirect_store"
	ActionShowPausedNotice CallerAction = "show_paused_notice"
)

// Action maps an outcome to a caller action. Every outcome has one.
func (o AccessOutcome) Action() CallerAction {
	switch o {
	case AccessAllow:
		return ActionRenderContent
	case AccessExpired, AccessOwnerRenewRequired:
		return ActionRedirectBilling
	case AccessInactive, AccessOverSeatLimit:
		return ActionShowPausedNotice
	default:
		// NO_TEAM, NO_ENTITLEMENT, NOT_MEMBER and anything unknown.
		return ActionRedirectStore
	}
}

// AllOutcomes lists every access outcome.
var AllOutcomes = []AccessOutcome{
	AccessAllow,
	AccessNoTeam,
	AccessNoEntitlement,
	AccessExpired,
	AccessOwnerRenewRequired,
	AccessInactive,
	AccessOverSeatLimit,
	AccessNotMember,
}

// AccessDecision is the outcome plus the entitlement it was derived from.
type AccessDecision struct {
	Outcome     AccessOutcome `json:"outcome"`
	Action      CallerAction  `json:"action"`
	Role        Role          `json:"role,omitempty"`
	Entitlement Entitlement   `json:"entitlement"`
}

// Decide returns the access outcome for (userID, toolID, teamID). It is
// read-only and repeated calls over the same snapshot agree.
func (r *Resolver) Decide(ctx context.Context, userID, toolID, teamID string, now time.Time) (AccessDecision, error) {
	ent, err := r.Resolve(ctx, userID, toolID, teamID, now)
	if err != nil {
		return AccessDecision{}, err
	}

	outcome, role, err := r.decide(ctx, ent, userID, toolID, teamID, now)
	if err != nil {
		return AccessDecision{}, err
	}
	return AccessDecision{
		Outcome:     outcome,
		Action:      outcome.Action(),
		Role:        role,
		Entitlement: ent,
	}, nil
}

func (r *Resolver) decide(ctx context.Context, ent Entitlement, userID, toolID, teamID string, now time.Time) (AccessOutcome, Role, error) {
	if teamID == "" {
		if _, ok := ent.Source(SourceDirect); ok {
			return AccessAllow, "", nil
		}
		own, err := r.snapshot.SubscriptionFor(ctx, userID, toolID)
		if err != nil {
			return "", "", fmt.Errorf("decide %s/%s: load subscription: %w", userID, toolID, err)
		}
		if own != nil && own.EffectiveStatus(now) == StatusExpired {
			return AccessExpired, "", nil
		}
		return AccessNoEntitlement, "", nil
	}

	team, err := r.snapshot.Team(ctx, teamID)
	if err != nil {
		return "", "", fmt.Errorf("decide %s/%s: load team %s: %w", userID, toolID, teamID, err)
	}
	if team == nil {
		return AccessNoTeam, "", nil
	}
	member, position, ok := team.Member(userID)
	if !ok {
		return AccessNotMember, "", nil
	}

	ownerSub, err := r.snapshot.SubscriptionFor(ctx, team.OwnerUserID, toolID)
	if err != nil {
		return "", "", fmt.Errorf("decide %s/%s: load owner subscription: %w", userID, toolID, err)
	}

	if member.Role == RoleOwner || userID == team.OwnerUserID {
		if ownerSub == nil {
			return AccessNoEntitlement, member.Role, nil
		}
		switch ownerSub.EffectiveStatus(now) {
		case StatusActive, StatusTrialing:
			return AccessAllow, member.Role, nil
		case StatusExpired, StatusPastDue:
			return AccessOwnerRenewRequired, member.Role, nil
		default:
			return AccessNoEntitlement, member.Role, nil
		}
	}

	if ownerSub == nil {
		return AccessNoEntitlement, member.Role, nil
	}
	if !GrantsInheritedEntitlement(ownerSub.EffectiveStatus(now)) {
		return AccessInactive, member.Role, nil
	}

	source, ok := ent.InheritedFrom(team.OwnerUserID)
	if !ok {
		return AccessNoEntitlement, member.Role, nil
	}
	plan, err := r.plan(ctx, source.PlanCode)
	if err != nil {
		return "", "", err
	}
	// position counts the members who joined before this one.
	if SeatLimit(*plan).AtCap(int64(position)) {
		return AccessOverSeatLimit, member.Role, nil
	}
	return AccessAllow, member.Role, nil
}

// SeatLimit returns the plan's seat cap as a Limit.
func SeatLimit(plan Plan) Limit {
	if plan.SeatLimit == nil {
		return Limit{}
	}
	v := int64(*plan.SeatLimit)
	return Limit{Value: &v}
}

// CheckSeatAvailable rejects adding a member to team when the owner's plan
// has no free seat.
func CheckSeatAvailable(team Team, plan Plan) error {
	limit := SeatLimit(plan)
	if limit.AtCap(int64(len(team.Members))) {
		return &BillingError{
			Kind:     KindSeatLimitReached,
			Op:       "add_team_member",
			PlanCode: plan.Code,
			Limit:    int(*limit.Value),
		}
	}
	return nil
}
