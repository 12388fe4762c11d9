package licensing

import (
	"slices"
)

// Event is a lifecycle event applied to a subscription.
type Event string

const (
	EventStartTrial         Event = "start_trial"
	EventActivate           Event = "activate"
	EventCancelNow          Event = "cancel_now"
	EventScheduleCancel     Event = "schedule_cancel_at_period_end"
	EventPeriodEnded        Event = "period_ended"
	EventSwitchPlan         Event = "switch_plan"
	EventResubscribe        Event = "resubscribe"
	EventPaymentFailed      Event = "payment_failed"
	EventPaymentRecovered   Event = "payment_recovered"
	EventGracePeriodExpired Event = "grace_period_expired"
)

// Transition keys the table by current status and event.
type Transition struct {
	From  SubscriptionStatus
	Event Event
}

// validTransitions is the only place transitions are defined. The first
// target is the default; resubscribe may also land in trialing by policy.
var validTransitions = map[Transition][]SubscriptionStatus{
	{StatusNone, EventStartTrial}:            {StatusTrialing},
	{StatusNone, EventActivate}:              {StatusActive},                 // Direct purchase
	{StatusTrialing, EventActivate}:          {StatusActive},                 // Trial converted to paid
	{StatusTrialing, EventCancelNow}:         {StatusCanceled},               // Immediate, never at period end
	{StatusActive, EventCancelNow}:           {StatusCanceled},               // Prorated credit
	{StatusActive, EventScheduleCancel}:      {StatusActive},                 // cancelAt = currentPeriodEnd
	{StatusActive, EventPeriodEnded}:         {StatusCanceled},               // Renewal process crossed cancelAt
	{StatusTrialing, EventSwitchPlan}:        {StatusTrialing},               // No proration
	{StatusActive, EventSwitchPlan}:          {StatusActive},                 // Prorated delta
	{StatusCanceled, EventResubscribe}:       {StatusActive, StatusTrialing}, // Trial only by policy
	{StatusExpired, EventResubscribe}:        {StatusActive, StatusTrialing}, // Renewal out of expiry
	{StatusActive, EventPaymentFailed}:       {StatusPastDue},
	{StatusPastDue, EventPaymentRecovered}:   {StatusActive},
	{StatusPastDue, EventGracePeriodExpired}: {StatusExpired},
	{StatusUnpaid, EventGracePeriodExpired}:  {StatusExpired},
}

// guardedEvents must be preceded by a passing billing action guard.
var guardedEvents = map[Event]bool{
	EventSwitchPlan:     true,
	EventCancelNow:      true,
	EventScheduleCancel: true,
	EventResubscribe:    true,
}

// RequiresGuard reports whether event needs a guard token.
func RequiresGuard(event Event) bool {
	return guardedEvents[event]
}

// CanTransition reports whether event may be applied from status.
func CanTransition(from SubscriptionStatus, event Event) bool {
	_, ok := validTransitions[Transition{from, event}]
	return ok
}

// TargetsFor returns the allowed target statuses for (from, event), default first.
func TargetsFor(from SubscriptionStatus, event Event) []SubscriptionStatus {
	return slices.Clone(validTransitions[Transition{from, event}])
}

// ValidEventsFrom returns every event accepted from the given status.
func ValidEventsFrom(from SubscriptionStatus) []Event {
	events := make([]Event, 0)
	for t := range validTransitions {
		if t.From == from {
			events = append(events, t.Event)
		}
	}

	// Stabilize ordering for deterministic callers/tests.
	slices.Sort(events)
	return events
}

// transitionError classifies a rejected (from, event) pair. Anything other
// than renewal from expired is an invalid status rather than a bad transition.
func transitionError(op string, from SubscriptionStatus, event Event) *BillingError {
	kind := KindInvalidTransition
	if from == StatusExpired {
		kind = KindInvalidStatus
	}
	return &BillingError{Kind: kind, Op: op, From: from, Event: event}
}
