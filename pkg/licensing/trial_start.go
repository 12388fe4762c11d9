package licensing

import "time"

// ResubscribePolicy decides whether resubscribing may restart a trial.
type ResubscribePolicy string

const (
	// ResubscribeChargeProration always reactivates as a paid subscription.
	ResubscribeChargeProration ResubscribePolicy = "charge_proration"
	// ResubscribeRegrantTrial restarts a trial when the subscription never
	// used one and the plan offers trial days.
	ResubscribeRegrantTrial ResubscribePolicy = "regrant_trial"
)

type TrialDenialReason string

const (
	TrialAllowed              TrialDenialReason = ""
	TrialDeniedAlreadyUsed    TrialDenialReason = "already_used"
	TrialDeniedSubscription   TrialDenialReason = "subscription_exists"
	TrialDeniedPlanHasNoTrial TrialDenialReason = "plan_has_no_trial"
)

type TrialDecision struct {
	Allowed bool
	Reason  TrialDenialReason
}

// EvaluateTrialEligibility decides whether a fresh trial may start for a
// (user, tool) pair that currently has existing (nil when none).
func EvaluateTrialEligibility(existing *Subscription, plan Plan) TrialDecision {
	if plan.TrialDays <= 0 {
		return TrialDecision{Reason: TrialDeniedPlanHasNoTrial}
	}
	if existing == nil {
		return TrialDecision{Allowed: true}
	}
	if existing.TrialStartedAt != nil {
		return TrialDecision{Reason: TrialDeniedAlreadyUsed}
	}
	return TrialDecision{Reason: TrialDeniedSubscription}
}

// ResubscribeGrantsTrial reports whether resubscribing sub onto plan restarts
// a trial under policy.
func ResubscribeGrantsTrial(policy ResubscribePolicy, sub Subscription, plan Plan) bool {
	if policy != ResubscribeRegrantTrial {
		return false
	}
	return plan.TrialDays > 0 && sub.TrialStartedAt == nil
}

// TrialWindow returns the trial start and end for a plan starting at now.
func TrialWindow(now time.Time, plan Plan) (startedAt, endsAt time.Time) {
	return now, now.Add(plan.TrialDuration())
}
