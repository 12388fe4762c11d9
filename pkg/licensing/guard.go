package licensing

import (
	"sort"
	"time"
)

const (
	DefaultSwitchCooldown = 60 * time.Second
	DefaultDailySwitchCap = 3
)

// GuardPolicy holds the tunable limits of the billing action guard.
type GuardPolicy struct {
	SwitchCooldown time.Duration
	DailySwitchCap int
}

// DefaultGuardPolicy is the policy used when none is configured.
var DefaultGuardPolicy = GuardPolicy{
	SwitchCooldown: DefaultSwitchCooldown,
	DailySwitchCap: DefaultDailySwitchCap,
}

// GuardRequest is the snapshot a guard check runs against. The same snapshot
// must be handed to the state machine together with the resulting token.
type GuardRequest struct {
	Action       Event
	Subscription Subscription
	Invoices     []Invoice

	// TargetPlanCode and TargetPlan apply to switch_plan and resubscribe.
	// A nil TargetPlan means the code did not resolve to a catalog entry.
	TargetPlanCode string
	TargetPlan     *Plan

	Now time.Time
}

// GuardToken proves a guard passed against one specific subscription version.
type GuardToken struct {
	SubscriptionID string
	Version        int64
	Action         Event
	TargetPlanCode string
	// NoOp is set when the request would not change anything, such as
	// switching to the plan already in effect.
	NoOp     bool
	IssuedAt time.Time
}

// Matches reports whether the token was issued for this snapshot and action.
func (t *GuardToken) Matches(sub Subscription, action Event) bool {
	return t != nil &&
		t.SubscriptionID == sub.ID &&
		t.Version == sub.Version &&
		t.Action == action
}

// Check runs the guard rules in order and stops at the first failure:
// invoice lock, unpaid invoice, cooldown, daily cap, plan validity.
func (p GuardPolicy) Check(req GuardRequest) (*GuardToken, error) {
	op := string(req.Action)
	sub := req.Subscription

	if !RequiresGuard(req.Action) {
		return nil, &BillingError{Kind: KindInvalidTransition, Op: op, SubscriptionID: sub.ID, From: sub.Status, Event: req.Action}
	}

	invoices := sortedInvoices(req.Invoices)

	for _, inv := range invoices {
		if inv.LockedForPayment && !inv.Settled() {
			err := newError(KindInvoiceLocked, op)
			err.SubscriptionID = sub.ID
			err.InvoiceID = inv.ID
			return nil, err
		}
	}

	// cancel_now stays available so a broken subscription can always be abandoned.
	if req.Action != EventCancelNow {
		for _, inv := range invoices {
			if inv.Outstanding() {
				err := newError(KindUnpaidInvoice, op)
				err.SubscriptionID = sub.ID
				err.InvoiceID = inv.ID
				return nil, err
			}
		}
	}

	if req.Action == EventSwitchPlan {
		if sub.LastSwitchAt != nil && p.SwitchCooldown > 0 {
			elapsed := req.Now.Sub(*sub.LastSwitchAt)
			if elapsed < p.SwitchCooldown {
				err := newError(KindCooldownActive, op)
				err.SubscriptionID = sub.ID
				err.RetryAfter = p.SwitchCooldown - elapsed
				return nil, err
			}
		}

		if p.DailySwitchCap > 0 && EffectiveSwitchCount(sub, req.Now) >= p.DailySwitchCap {
			err := newError(KindSwitchLimitReached, op)
			err.SubscriptionID = sub.ID
			err.Limit = p.DailySwitchCap
			return nil, err
		}
	}

	token := &GuardToken{
		SubscriptionID: sub.ID,
		Version:        sub.Version,
		Action:         req.Action,
		IssuedAt:       req.Now,
	}

	if req.Action == EventSwitchPlan || req.Action == EventResubscribe {
		plan := req.TargetPlan
		if plan == nil || plan.ToolID != sub.ToolID {
			err := newError(KindPlanNotFound, op)
			err.SubscriptionID = sub.ID
			err.PlanCode = req.TargetPlanCode
			return nil, err
		}
		token.TargetPlanCode = plan.Code
		if req.Action == EventSwitchPlan && plan.Code == sub.PlanCode {
			token.NoOp = true
		}
	}

	return token, nil
}

// EffectiveSwitchCount is the number of switches already made today (UTC).
// The stored counter resets when the last switch happened on another date.
func EffectiveSwitchCount(sub Subscription, now time.Time) int {
	if sub.LastSwitchAt == nil {
		return 0
	}
	if !sameUTCDate(*sub.LastSwitchAt, now) {
		return 0
	}
	return sub.SwitchCountToday
}

func sameUTCDate(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// sortedInvoices orders newest due date first so rejections name the
// current-cycle invoice when several qualify.
func sortedInvoices(invoices []Invoice) []Invoice {
	out := make([]Invoice, len(invoices))
	copy(out, invoices)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].DueDate.After(out[j].DueDate)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
