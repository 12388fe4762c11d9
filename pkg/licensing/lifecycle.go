package licensing

import (
	"fmt"
	"time"

	"github.com/rcourtman/suite-entitlements/pkg/money"
)

// Machine applies lifecycle events to subscriptions. It is pure: Apply works
// on a copy and either returns the complete successor or an error, never a
// partially updated subscription.
type Machine struct {
	Resubscribe ResubscribePolicy
}

// Command is one lifecycle event plus the inputs it needs.
type Command struct {
	Event Event
	Now   time.Time

	// Token is required for guarded events.
	Token *GuardToken

	// Plan is the target plan for start_trial, activate, switch_plan and
	// resubscribe. CurrentPlan is the plan in effect, needed for proration.
	Plan        *Plan
	CurrentPlan *Plan

	// NewID, OwnerUserID and ToolID seed a subscription created from none.
	NewID       string
	OwnerUserID string
	ToolID      string

	PaymentRef string
}

// Outcome is the result of a successful transition.
type Outcome struct {
	Subscription Subscription
	From         SubscriptionStatus
	To           SubscriptionStatus
	// Changed is false when the event was accepted as a no-op.
	Changed bool

	// ProrationCents is the signed proration amount: positive is a debit
	// owed now, negative a credit.
	ProrationCents int64
}

// CreditCents is the credit owed to the customer, zero when none.
func (o Outcome) CreditCents() int64 {
	if o.ProrationCents < 0 {
		return -o.ProrationCents
	}
	return 0
}

// DebitCents is the amount owed by the customer, zero when none.
func (o Outcome) DebitCents() int64 {
	if o.ProrationCents > 0 {
		return o.ProrationCents
	}
	return 0
}

// Permits validates (status of current, event) without touching anything.
// current is nil when the pair has no subscription.
func (m Machine) Permits(current *Subscription, event Event) error {
	from := StatusNone
	if current != nil {
		from = current.Status
	}
	if !CanTransition(from, event) {
		err := transitionError(string(event), from, event)
		if current != nil {
			err.SubscriptionID = current.ID
		}
		return err
	}
	return nil
}

// Apply validates and performs one transition.
func (m Machine) Apply(current *Subscription, cmd Command) (Outcome, error) {
	if err := m.Permits(current, cmd.Event); err != nil {
		return Outcome{}, err
	}

	from := StatusNone
	var next Subscription
	if current != nil {
		from = current.Status
		next = current.Clone()
	}

	if RequiresGuard(cmd.Event) {
		if !cmd.Token.Matches(*current, cmd.Event) {
			return Outcome{}, &BillingError{Kind: KindStaleSnapshot, Op: string(cmd.Event), SubscriptionID: current.ID}
		}
		if cmd.Token.NoOp {
			return Outcome{Subscription: next, From: from, To: from}, nil
		}
	}

	targets := TargetsFor(from, cmd.Event)
	to := targets[0]
	var proration int64
	var err error

	switch cmd.Event {
	case EventStartTrial:
		plan, perr := m.planFor(cmd, cmd.ToolID)
		if perr != nil {
			return Outcome{}, perr
		}
		if plan.TrialDays <= 0 {
			return Outcome{}, &BillingError{Kind: KindInvalidTransition, Op: string(cmd.Event), PlanCode: plan.Code, From: from, Event: cmd.Event}
		}
		start, end := TrialWindow(cmd.Now, *plan)
		next = Subscription{
			ID:               cmd.NewID,
			OwnerUserID:      cmd.OwnerUserID,
			ToolID:           cmd.ToolID,
			PlanCode:         plan.Code,
			TrialStartedAt:   &start,
			TrialEnd:         &end,
			CurrentPeriodEnd: end,
			CreatedAt:        cmd.Now,
		}

	case EventActivate:
		toolID := cmd.ToolID
		if current != nil {
			toolID = current.ToolID
		} else {
			next = Subscription{
				ID:          cmd.NewID,
				OwnerUserID: cmd.OwnerUserID,
				ToolID:      cmd.ToolID,
				CreatedAt:   cmd.Now,
			}
		}
		plan, perr := m.planFor(cmd, toolID)
		if perr != nil {
			return Outcome{}, perr
		}
		cycle := money.CycleLength(plan.Interval)
		if cycle <= 0 {
			return Outcome{}, fmt.Errorf("activate plan %s: %w", plan.Code, money.ErrInvalidCycle)
		}
		next.PlanCode = plan.Code
		next.TrialEnd = nil
		next.CancelAt = nil
		next.CurrentPeriodEnd = cmd.Now.Add(cycle)
		if cmd.PaymentRef != "" {
			next.PaymentRef = cmd.PaymentRef
		}

	case EventCancelNow:
		// Trials never bill, so they never refund.
		if from == StatusActive {
			proration, err = m.creditRemainder(cmd, *current)
			if err != nil {
				return Outcome{}, err
			}
		}
		next.CancelAt = nil

	case EventScheduleCancel:
		periodEnd := current.CurrentPeriodEnd
		next.CancelAt = &periodEnd

	case EventPeriodEnded:
		if current.CancelAt == nil || cmd.Now.Before(*current.CancelAt) {
			return Outcome{}, &BillingError{Kind: KindInvalidTransition, Op: string(cmd.Event), SubscriptionID: current.ID, From: from, Event: cmd.Event}
		}
		next.CancelAt = nil

	case EventSwitchPlan:
		plan, perr := m.planFor(cmd, current.ToolID)
		if perr != nil {
			return Outcome{}, perr
		}
		if plan.Code != cmd.Token.TargetPlanCode {
			return Outcome{}, &BillingError{Kind: KindStaleSnapshot, Op: string(cmd.Event), SubscriptionID: current.ID, PlanCode: plan.Code}
		}
		if from == StatusActive {
			if cmd.CurrentPlan == nil {
				return Outcome{}, &BillingError{Kind: KindPlanNotFound, Op: string(cmd.Event), SubscriptionID: current.ID, PlanCode: current.PlanCode}
			}
			if cmd.CurrentPlan.CycleDays() == plan.CycleDays() {
				days := money.DaysRemaining(cmd.Now, current.CurrentPeriodEnd)
				proration, err = money.Prorate(cmd.CurrentPlan.PriceCents, plan.PriceCents, days, plan.CycleDays())
				if err != nil {
					return Outcome{}, fmt.Errorf("prorate switch %s -> %s: %w", current.PlanCode, plan.Code, err)
				}
			} else {
				// Different billing intervals: credit the unused old period and
				// start a full cycle on the new plan.
				proration, err = m.reanchor(cmd, *current, *plan)
				if err != nil {
					return Outcome{}, err
				}
				next.CurrentPeriodEnd = cmd.Now.Add(money.CycleLength(plan.Interval))
			}
		}
		now := cmd.Now
		next.PlanCode = plan.Code
		next.LastSwitchAt = &now
		next.SwitchCountToday = EffectiveSwitchCount(*current, cmd.Now) + 1

	case EventResubscribe:
		plan, perr := m.planFor(cmd, current.ToolID)
		if perr != nil {
			return Outcome{}, perr
		}
		if plan.Code != cmd.Token.TargetPlanCode {
			return Outcome{}, &BillingError{Kind: KindStaleSnapshot, Op: string(cmd.Event), SubscriptionID: current.ID, PlanCode: plan.Code}
		}
		next.PlanCode = plan.Code
		next.CancelAt = nil
		next.PastDueSince = nil

		if ResubscribeGrantsTrial(m.Resubscribe, *current, *plan) {
			to = StatusTrialing
			start, end := TrialWindow(cmd.Now, *plan)
			next.TrialStartedAt = &start
			next.TrialEnd = &end
			next.CurrentPeriodEnd = end
			break
		}

		cycleDays := plan.CycleDays()
		if cycleDays <= 0 {
			return Outcome{}, fmt.Errorf("resubscribe plan %s: %w", plan.Code, money.ErrInvalidCycle)
		}
		// A paid period that is still running and fits in one cycle of the
		// new plan is resumed and charged for the remaining days. Otherwise a
		// fresh cycle starts now at the full price.
		days := money.DaysRemaining(cmd.Now, current.CurrentPeriodEnd)
		if current.TrialEnd == nil && days > 0 && days <= cycleDays {
			proration, err = money.Prorate(0, plan.PriceCents, days, cycleDays)
			if err != nil {
				return Outcome{}, fmt.Errorf("prorate resubscribe %s: %w", plan.Code, err)
			}
		} else {
			proration = plan.PriceCents
			next.CurrentPeriodEnd = cmd.Now.Add(money.CycleLength(plan.Interval))
		}
		next.TrialEnd = nil
		if cmd.PaymentRef != "" {
			next.PaymentRef = cmd.PaymentRef
		}

	case EventPaymentFailed:
		now := cmd.Now
		next.PastDueSince = &now

	case EventPaymentRecovered:
		next.PastDueSince = nil

	case EventGracePeriodExpired:
		next.CancelAt = nil
	}

	next.Status = to
	next.UpdatedAt = cmd.Now

	return Outcome{
		Subscription:   next,
		From:           from,
		To:             to,
		Changed:        true,
		ProrationCents: proration,
	}, nil
}

// planFor returns the command's target plan after checking it belongs to toolID.
func (m Machine) planFor(cmd Command, toolID string) (*Plan, error) {
	if cmd.Plan == nil || cmd.Plan.ToolID != toolID {
		err := newError(KindPlanNotFound, string(cmd.Event))
		if cmd.Plan != nil {
			err.PlanCode = cmd.Plan.Code
		}
		return nil, err
	}
	return cmd.Plan, nil
}

// reanchor prices a switch between plans with different cycle lengths: the
// unused days of the current plan are credited and a full cycle of the new
// plan is charged.
func (m Machine) reanchor(cmd Command, sub Subscription, plan Plan) (int64, error) {
	credit, err := m.creditRemainder(cmd, sub)
	if err != nil {
		return 0, err
	}
	if plan.CycleDays() <= 0 {
		return 0, fmt.Errorf("switch to %s: %w", plan.Code, money.ErrInvalidCycle)
	}
	return plan.PriceCents + credit, nil
}

// creditRemainder prorates the unused part of the current period on the
// current plan. Credits are negative.
func (m Machine) creditRemainder(cmd Command, sub Subscription) (int64, error) {
	op := string(cmd.Event)
	if cmd.CurrentPlan == nil {
		return 0, &BillingError{Kind: KindPlanNotFound, Op: op, SubscriptionID: sub.ID, PlanCode: sub.PlanCode}
	}
	days := money.DaysRemaining(cmd.Now, sub.CurrentPeriodEnd)
	amount, err := money.Prorate(cmd.CurrentPlan.PriceCents, 0, days, cmd.CurrentPlan.CycleDays())
	if err != nil {
		return 0, fmt.Errorf("%s: prorate %s: %w", op, sub.PlanCode, err)
	}
	return amount, nil
}
