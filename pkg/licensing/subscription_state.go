package licensing

// OperationClass categorizes what a user can do in a given state.
type OperationClass string

const (
	OpFull     OperationClass = "full"     // All operations allowed
	OpDegraded OperationClass = "degraded" // Existing data readable, paid features off
	OpLocked   OperationClass = "locked"   // All operations blocked, contact support
)

// StateBehavior describes what is allowed in a specific subscription status.
type StateBehavior struct {
	Status SubscriptionStatus

	Operations OperationClass

	// GrantsEntitlement reports whether the status counts as a direct source.
	GrantsEntitlement bool

	// ShowWarning indicates whether the UI should show a billing banner.
	ShowWarning bool

	Description string
}

// StateBehaviors maps each status to its behavior rules.
var StateBehaviors = map[SubscriptionStatus]StateBehavior{
	StatusTrialing: {
		Status:            StatusTrialing,
		Operations:        OpFull,
		GrantsEntitlement: true,
		Description:       "Full plan features until the trial ends.",
	},
	StatusActive: {
		Status:            StatusActive,
		Operations:        OpFull,
		GrantsEntitlement: true,
		Description:       "Paid and current.",
	},
	StatusPastDue: {
		Status:            StatusPastDue,
		Operations:        OpFull,
		GrantsEntitlement: true,
		ShowWarning:       true,
		Description:       "Payment failed; features kept during the grace period.",
	},
	StatusUnpaid: {
		Status:      StatusUnpaid,
		Operations:  OpDegraded,
		ShowWarning: true,
		Description: "Retries exhausted; features paused until the invoice is paid.",
	},
	StatusBarred: {
		Status:      StatusBarred,
		Operations:  OpLocked,
		ShowWarning: true,
		Description: "Administrative lock; contact support.",
	},
	StatusExpired: {
		Status:      StatusExpired,
		Operations:  OpDegraded,
		ShowWarning: true,
		Description: "Grace period over; resubscribe to restore features.",
	},
	StatusCanceled: {
		Status:      StatusCanceled,
		Operations:  OpDegraded,
		ShowWarning: true,
		Description: "Subscription canceled; history retained.",
	},
}

// GetBehavior returns the behavior rules for the given status.
// Unknown statuses fail closed with expired behavior.
func GetBehavior(status SubscriptionStatus) StateBehavior {
	if b, ok := StateBehaviors[status]; ok {
		return b
	}
	return StateBehaviors[StatusExpired]
}

// GrantsDirectEntitlement reports whether a subscription in status is a
// direct entitlement source.
func GrantsDirectEntitlement(status SubscriptionStatus) bool {
	return GetBehavior(status).GrantsEntitlement
}

// GrantsInheritedEntitlement reports whether an owner's subscription in
// status passes entitlement on to team members. Past-due owners do not.
func GrantsInheritedEntitlement(status SubscriptionStatus) bool {
	return status == StatusActive || status == StatusTrialing
}
