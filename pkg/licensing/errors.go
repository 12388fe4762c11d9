package licensing

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for business-rule rejections. Every *BillingError matches
// exactly one of these through errors.Is.
var (
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrInvalidStatus      = errors.New("invalid status")
	ErrInvoiceLocked      = errors.New("invoice locked for payment")
	ErrUnpaidInvoice      = errors.New("unpaid invoice")
	ErrCooldownActive     = errors.New("plan switch cooldown active")
	ErrSwitchLimitReached = errors.New("daily plan switch limit reached")
	ErrPlanNotFound       = errors.New("plan not found")
	ErrNotFound           = errors.New("not found")
	ErrStaleSnapshot      = errors.New("guard token does not match subscription snapshot")
	ErrSeatLimitReached   = errors.New("seat limit reached")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInvalidRole        = errors.New("invalid team role")
)

// ErrorKind categorizes a business rejection.
type ErrorKind string

const (
	KindInvalidTransition  ErrorKind = "invalid_transition"
	KindInvalidStatus      ErrorKind = "invalid_status"
	KindInvoiceLocked      ErrorKind = "invoice_locked"
	KindUnpaidInvoice      ErrorKind = "unpaid_invoice"
	KindCooldownActive     ErrorKind = "cooldown_active"
	KindSwitchLimitReached ErrorKind = "switch_limit_reached"
	KindPlanNotFound       ErrorKind = "plan_not_found"
	KindNotFound           ErrorKind = "not_found"
	KindStaleSnapshot      ErrorKind = "stale_snapshot"
	KindSeatLimitReached   ErrorKind = "seat_limit_reached"
	KindInvalidAmount      ErrorKind = "invalid_amount"
	KindInvalidRole        ErrorKind = "invalid_role"
)

var kindSentinels = map[ErrorKind]error{
	KindInvalidTransition:  ErrInvalidTransition,
	KindInvalidStatus:      ErrInvalidStatus,
	KindInvoiceLocked:      ErrInvoiceLocked,
	KindUnpaidInvoice:      ErrUnpaidInvoice,
	KindCooldownActive:     ErrCooldownActive,
	KindSwitchLimitReached: ErrSwitchLimitReached,
	KindPlanNotFound:       ErrPlanNotFound,
	KindNotFound:           ErrNotFound,
	KindStaleSnapshot:      ErrStaleSnapshot,
	KindSeatLimitReached:   ErrSeatLimitReached,
	KindInvalidAmount:      ErrInvalidAmount,
	KindInvalidRole:        ErrInvalidRole,
}

// BillingError is a definite business-rule rejection. It is never retryable
// by the core; infrastructure faults are plain wrapped errors instead.
type BillingError struct {
	Kind           ErrorKind
	Op             string // operation that was rejected, e.g. "switch_plan"
	SubscriptionID string
	InvoiceID      string
	PlanCode       string
	From           SubscriptionStatus
	Event          Event
	RetryAfter     time.Duration // remaining cooldown
	Limit          int
	Err            error
}

func (e *BillingError) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.sentinel().Error())
	switch {
	case e.InvoiceID != "":
		fmt.Fprintf(&b, " (invoice %s)", e.InvoiceID)
	case e.RetryAfter > 0:
		fmt.Fprintf(&b, " (retry in %ds)", e.RetryAfterSeconds())
	case e.Kind == KindInvalidTransition || e.Kind == KindInvalidStatus:
		fmt.Fprintf(&b, " (%s from %s)", e.Event, e.From)
	case e.PlanCode != "":
		fmt.Fprintf(&b, " (plan %s)", e.PlanCode)
	}
	if e.SubscriptionID != "" {
		fmt.Fprintf(&b, " [subscription %s]", e.SubscriptionID)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *BillingError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is against the package sentinels.
func (e *BillingError) Is(target error) bool {
	if target == nil {
		return false
	}
	if target == e.sentinel() {
		return true
	}
	return errors.Is(e.Err, target)
}

func (e *BillingError) sentinel() error {
	if s, ok := kindSentinels[e.Kind]; ok {
		return s
	}
	return ErrInvalidTransition
}

// RetryAfterSeconds rounds the remaining cooldown up to whole seconds.
func (e *BillingError) RetryAfterSeconds() int {
	if e.RetryAfter <= 0 {
		return 0
	}
	return int((e.RetryAfter + time.Second - 1) / time.Second)
}

// Message returns user-facing text that names the next action.
func (e *BillingError) Message() string {
	switch e.Kind {
	case KindInvoiceLocked:
		return "A payment for this subscription is in progress. Finish or cancel the checkout, then try again."
	case KindUnpaidInvoice:
		return "Pay the outstanding invoice before changing this subscription."
	case KindCooldownActive:
		return fmt.Sprintf("You changed plans moments ago. Try again in %d seconds.", e.RetryAfterSeconds())
	case KindSwitchLimitReached:
		return fmt.Sprintf("You have reached the limit of %d plan changes today. Try again tomorrow.", e.Limit)
	case KindPlanNotFound:
		return "The selected plan is not available for this tool. Choose another plan."
	case KindNotFound:
		return "The requested record does not exist."
	case KindInvalidStatus:
		return "This subscription has expired. Resubscribe to continue."
	case KindStaleSnapshot:
		return "The subscription changed while your request was processed. Reload and try again."
	case KindSeatLimitReached:
		return "The team has used every seat on its plan. Upgrade the plan to add members."
	case KindInvalidAmount:
		return "The amount could not be understood."
	case KindInvalidRole:
		return "A team has exactly one owner. Add the member with a different role."
	default:
		return fmt.Sprintf("This action is not available while the subscription is %s.", e.From)
	}
}

func newError(kind ErrorKind, op string) *BillingError {
	return &BillingError{Kind: kind, Op: op}
}

// NotFoundError reports a missing subscription, plan, team or invoice.
func NotFoundError(op, what, id string) *BillingError {
	return &BillingError{Kind: KindNotFound, Op: op, Err: fmt.Errorf("%s %q", what, id)}
}

// AsBillingError extracts a *BillingError from err.
func AsBillingError(err error) (*BillingError, bool) {
	var be *BillingError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// IsBusinessRejection reports whether err is an expected business rejection
// rather than an infrastructure fault.
func IsBusinessRejection(err error) bool {
	_, ok := AsBillingError(err)
	return ok
}
