package licensing

import "strings"

// MapStripeStatus translates a Stripe subscription status into a local status.
func MapStripeStatus(status string) SubscriptionStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active":
		return StatusActive
	case "trialing":
		return StatusTrialing
	case "past_due":
		return StatusPastDue
	case "unpaid":
		return StatusUnpaid
	case "canceled":
		return StatusCanceled
	case "paused":
		return StatusBarred
	case "incomplete", "incomplete_expired":
		return StatusExpired
	default:
		// Fail closed: unknown status should not grant paid features.
		return StatusExpired
	}
}

// DerivePlanCode picks the local plan code for a Stripe object, preferring
// explicit metadata over the price id.
func DerivePlanCode(metadata map[string]string, priceID string) string {
	if metadata != nil {
		if v := strings.TrimSpace(metadata["plan_code"]); v != "" {
			return v
		}
		if v := strings.TrimSpace(metadata["plan"]); v != "" {
			return v
		}
	}
	return strings.TrimSpace(priceID)
}
