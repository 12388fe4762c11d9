package stripe

import (
	"strings"
	"time"

	"github.com/rcourtman/suite-entitlements/pkg/licensing"
)

// CheckoutSession is a minimal representation of a Stripe checkout.session event.
type CheckoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

// UserID returns the local user the checkout was started for.
func (c CheckoutSession) UserID() string {
	if v := strings.TrimSpace(c.Metadata["user_id"]); v != "" {
		return v
	}
	return strings.TrimSpace(c.ClientReferenceID)
}

// Invoice is a minimal representation of a Stripe invoice event.
type Invoice struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	AmountDue    int64  `json:"amount_due"`
	DueDate      int64  `json:"due_date"`
	Created      int64  `json:"created"`
	Subscription string `json:"subscription"`
	Parent       struct {
		SubscriptionDetails struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// SubscriptionRef returns the Stripe subscription id the invoice bills.
// Newer API versions moved it under parent.subscription_details.
func (i Invoice) SubscriptionRef() string {
	if v := strings.TrimSpace(i.Subscription); v != "" {
		return v
	}
	return strings.TrimSpace(i.Parent.SubscriptionDetails.Subscription)
}

func (i Invoice) toLocal(subscriptionID string, status licensing.InvoiceStatus) licensing.Invoice {
	due := i.DueDate
	if due == 0 {
		due = i.Created
	}
	return licensing.Invoice{
		ID:             i.ID,
		SubscriptionID: subscriptionID,
		Status:         status,
		TotalCents:     i.AmountDue,
		DueDate:        time.Unix(due, 0).UTC(),
	}
}

// Subscription is a minimal representation of a Stripe subscription event.
type Subscription struct {
	ID                string            `json:"id"`
	Customer          string            `json:"customer"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	Metadata          map[string]string `json:"metadata"`
}
