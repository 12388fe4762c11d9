package licensing

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rcourtman/suite-entitlements/pkg/money"
)

// SubscriptionStatus is the closed set of subscription lifecycle states.
type SubscriptionStatus string

const (
	StatusTrialing SubscriptionStatus = "trialing"
	StatusActive   SubscriptionStatus = "active"
	StatusPastDue  SubscriptionStatus = "past_due"
	StatusUnpaid   SubscriptionStatus = "unpaid"
	StatusBarred   SubscriptionStatus = "barred"
	StatusExpired  SubscriptionStatus = "expired"
	StatusCanceled SubscriptionStatus = "canceled"

	// StatusNone is never persisted. It stands for "no subscription" in the
	// transition table and in resolved entitlements.
	StatusNone SubscriptionStatus = "none"
)

// AllStatuses lists every persisted status.
var AllStatuses = []SubscriptionStatus{
	StatusTrialing,
	StatusActive,
	StatusPastDue,
	StatusUnpaid,
	StatusBarred,
	StatusExpired,
	StatusCanceled,
}

// ParseStatus normalizes and validates a persisted status string.
func ParseStatus(raw string) (SubscriptionStatus, error) {
	status := SubscriptionStatus(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range AllStatuses {
		if status == known {
			return status, nil
		}
	}
	return "", fmt.Errorf("unknown subscription status %q", raw)
}

// Subscription is one row per (owner user, tool).
type Subscription struct {
	ID               string             `json:"id"`
	OwnerUserID      string             `json:"owner_user_id"`
	ToolID           string             `json:"tool_id"`
	PlanCode         string             `json:"plan_code"`
	Status           SubscriptionStatus `json:"status"`
	TrialStartedAt   *time.Time         `json:"trial_started_at,omitempty"`
	TrialEnd         *time.Time         `json:"trial_end,omitempty"`
	CancelAt         *time.Time         `json:"cancel_at,omitempty"`
	CurrentPeriodEnd time.Time          `json:"current_period_end"`
	LastSwitchAt     *time.Time         `json:"last_switch_at,omitempty"`
	SwitchCountToday int                `json:"switch_count_today"`
	PastDueSince     *time.Time         `json:"past_due_since,omitempty"`
	PaymentRef       string             `json:"payment_ref,omitempty"`
	Version          int64              `json:"version"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// Clone returns a deep copy so transitions never alias the caller's snapshot.
func (s Subscription) Clone() Subscription {
	cp := s
	cp.TrialStartedAt = cloneTime(s.TrialStartedAt)
	cp.TrialEnd = cloneTime(s.TrialEnd)
	cp.CancelAt = cloneTime(s.CancelAt)
	cp.LastSwitchAt = cloneTime(s.LastSwitchAt)
	cp.PastDueSince = cloneTime(s.PastDueSince)
	return cp
}

// TrialLapsed reports whether a trialing subscription has run past its trial end.
func (s Subscription) TrialLapsed(now time.Time) bool {
	return s.Status == StatusTrialing && s.TrialEnd != nil && !now.Before(*s.TrialEnd)
}

// EffectiveStatus is the status callers should reason about at now. A lapsed
// trial reads as expired until the renewal collaborator records otherwise.
func (s Subscription) EffectiveStatus(now time.Time) SubscriptionStatus {
	if s.TrialLapsed(now) {
		return StatusExpired
	}
	return s.Status
}

// CancelScheduled reports whether an end-of-period cancellation is pending.
func (s Subscription) CancelScheduled() bool {
	return s.Status == StatusActive && s.CancelAt != nil
}

// PlanFeature is one entry of a plan's feature map. A nil Limit is unlimited.
type PlanFeature struct {
	Enabled bool   `json:"enabled"`
	Limit   *int64 `json:"limit,omitempty"`
}

// Plan is an immutable catalog entry.
type Plan struct {
	Code       string                 `json:"code"`
	ToolID     string                 `json:"tool_id"`
	Name       string                 `json:"name,omitempty"`
	PriceCents int64                  `json:"price_cents"`
	Interval   money.Interval         `json:"interval"`
	TrialDays  int                    `json:"trial_days"`
	SeatLimit  *int                   `json:"seat_limit,omitempty"`
	Features   map[string]PlanFeature `json:"features,omitempty"`
}

// CycleDays is the proration denominator for this plan.
func (p Plan) CycleDays() int {
	return money.DaysInInterval(p.Interval)
}

// TrialDuration is the wall-clock trial length granted by this plan.
func (p Plan) TrialDuration() time.Duration {
	if p.TrialDays <= 0 {
		return 0
	}
	return time.Duration(p.TrialDays) * 24 * time.Hour
}

// InvoiceStatus is the lifecycle state of an invoice.
type InvoiceStatus string

const (
	InvoiceDraft  InvoiceStatus = "draft"
	InvoiceOpen   InvoiceStatus = "open"
	InvoiceUnpaid InvoiceStatus = "unpaid"
	InvoicePaid   InvoiceStatus = "paid"
	InvoiceVoid   InvoiceStatus = "void"
)

// Invoice is one billing-cycle or one-off charge.
type Invoice struct {
	ID               string        `json:"id"`
	SubscriptionID   string        `json:"subscription_id"`
	Status           InvoiceStatus `json:"status"`
	TotalCents       int64         `json:"total_cents"`
	DueDate          time.Time     `json:"due_date"`
	LockedForPayment bool          `json:"locked_for_payment"`
}

// Settled reports whether the invoice can no longer block billing actions.
func (i Invoice) Settled() bool {
	return i.Status == InvoicePaid || i.Status == InvoiceVoid
}

// Outstanding reports whether the invoice still owes money.
func (i Invoice) Outstanding() bool {
	return (i.Status == InvoiceOpen || i.Status == InvoiceUnpaid) && i.TotalCents > 0
}

// Role is a team member's role.
type Role string

const (
	RoleOwner    Role = "OWNER"
	RoleAdmin    Role = "ADMIN"
	RoleManager  Role = "MANAGER"
	RoleSalesRep Role = "SALES_REP"
)

// ParseRole normalizes a role name.
func ParseRole(raw string) (Role, error) {
	role := Role(strings.ToUpper(strings.TrimSpace(raw)))
	switch role {
	case RoleOwner, RoleAdmin, RoleManager, RoleSalesRep:
		return role, nil
	default:
		return "", fmt.Errorf("unknown team role %q", raw)
	}
}

// TeamMember is a user's membership in a team. Members are kept in join order.
type TeamMember struct {
	UserID   string    `json:"user_id"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

// Team groups members under a single owner.
type Team struct {
	ID          string       `json:"id"`
	OwnerUserID string       `json:"owner_user_id"`
	Members     []TeamMember `json:"members"`
}

// Member returns the membership for userID and its join position.
func (t Team) Member(userID string) (TeamMember, int, bool) {
	for i, m := range t.Members {
		if m.UserID == userID {
			return m, i, true
		}
	}
	return TeamMember{}, -1, false
}

// Validate checks the single-owner invariant.
func (t Team) Validate() error {
	owners := 0
	for _, m := range t.Members {
		if m.Role != RoleOwner {
			continue
		}
		owners++
		if m.UserID != t.OwnerUserID {
			return teamRoleError(t.ID, fmt.Errorf("OWNER member %s does not match owner %s", m.UserID, t.OwnerUserID))
		}
	}
	if owners != 1 {
		return teamRoleError(t.ID, fmt.Errorf("expected exactly one OWNER, found %d", owners))
	}
	return nil
}

func teamRoleError(teamID string, err error) *BillingError {
	return &BillingError{Kind: KindInvalidRole, Op: "validate_team", Err: fmt.Errorf("team %s: %w", teamID, err)}
}

// SourceType tells where an entitlement came from.
type SourceType string

const (
	SourceDirect    SourceType = "direct"
	SourceInherited SourceType = "inherited"
)

// EntitlementSource is one provenance record of a resolved entitlement.
type EntitlementSource struct {
	Type        SourceType         `json:"type"`
	OwnerUserID string             `json:"owner_user_id,omitempty"`
	Status      SubscriptionStatus `json:"status"`
	PlanCode    string             `json:"plan_code"`
}

// Limit is a feature limit. A nil Value means unlimited and is rendered as
// the string "unlimited".
type Limit struct {
	Value *int64
}

// Unlimited reports whether no cap applies.
func (l Limit) Unlimited() bool { return l.Value == nil }

// AtCap reports whether count has reached the limit. Reaching exactly the
// limit counts as at cap so the next addition is refused.
func (l Limit) AtCap(count int64) bool {
	return l.Value != nil && count >= *l.Value
}

func (l Limit) MarshalJSON() ([]byte, error) {
	if l.Value == nil {
		return []byte(`"unlimited"`), nil
	}
	return json.Marshal(*l.Value)
}

func (l *Limit) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == `"unlimited"` || trimmed == "null" {
		l.Value = nil
		return nil
	}
	var v int64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("limit must be a number or \"unlimited\": %w", err)
	}
	l.Value = &v
	return nil
}

// FeatureGrant is the resolved state of one feature.
type FeatureGrant struct {
	Enabled bool  `json:"enabled"`
	Limit   Limit `json:"limit"`
}

// Entitlement is the derived, read-only view of what a user can do with a
// tool. It is produced only by Resolver and never persisted.
type Entitlement struct {
	UserID   string                  `json:"user_id"`
	ToolID   string                  `json:"tool_id"`
	TeamID   string                  `json:"team_id,omitempty"`
	Status   SubscriptionStatus      `json:"status"`
	PlanCode string                  `json:"plan_code,omitempty"`
	Features map[string]FeatureGrant `json:"features"`
	Sources  []EntitlementSource     `json:"sources"`
}

// HasFeature reports whether feature is enabled.
func (e Entitlement) HasFeature(feature string) bool {
	return e.Features[feature].Enabled
}

// Source returns the first source of the given type.
func (e Entitlement) Source(kind SourceType) (EntitlementSource, bool) {
	for _, s := range e.Sources {
		if s.Type == kind {
			return s, true
		}
	}
	return EntitlementSource{}, false
}

// InheritedFrom returns the inherited source granted by ownerUserID, if any.
// Inheritance is scoped per owner.
func (e Entitlement) InheritedFrom(ownerUserID string) (EntitlementSource, bool) {
	for _, s := range e.Sources {
		if s.Type == SourceInherited && s.OwnerUserID == ownerUserID {
			return s, true
		}
	}
	return EntitlementSource{}, false
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
