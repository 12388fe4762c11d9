package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"

	"github.com/rcourtman/suite-entitlements/internal/billing"
	"github.com/rcourtman/suite-entitlements/internal/billing/billingmetrics"
	"github.com/rcourtman/suite-entitlements/internal/billing/registry"
	"github.com/rcourtman/suite-entitlements/pkg/licensing"
)

// Outcome labels how an event was handled.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeRejected  Outcome = "rejected"
	OutcomeFailed    Outcome = "failed"
)

// EventLog records which provider events were already applied.
type EventLog interface {
	MarkEventProcessed(ctx context.Context, ev registry.ProcessedEvent) (bool, error)
	ForgetEvent(ctx context.Context, id string) error
}

// Dispatcher feeds decoded Stripe events into the billing service hooks.
// Signature verification belongs to whatever transport received the event.
type Dispatcher struct {
	service *billing.Service
	events  EventLog
	now     func() time.Time
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(service *billing.Service, events EventLog) *Dispatcher {
	return &Dispatcher{
		service: service,
		events:  events,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// DecodeEvent parses a raw Stripe event body.
func DecodeEvent(payload []byte) (stripelib.Event, error) {
	var event stripelib.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return stripelib.Event{}, fmt.Errorf("decode stripe event: %w", err)
	}
	if strings.TrimSpace(event.ID) == "" || event.Type == "" {
		return stripelib.Event{}, errors.New("decode stripe event: missing id or type")
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return stripelib.Event{}, errors.New("decode stripe event: missing data.object")
	}
	return event, nil
}

// Dispatch applies event once. A failed event is forgotten again so the
// provider's redelivery is processed instead of skipped as a duplicate.
// Business rejections are logged and acknowledged; redelivery cannot fix them.
func (d *Dispatcher) Dispatch(ctx context.Context, event *stripelib.Event) (outcome Outcome, err error) {
	start := time.Now()
	eventType := string(event.Type)
	defer func() {
		billingmetrics.WebhookEventsTotal.WithLabelValues(eventType, string(outcome)).Inc()
		billingmetrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	fresh, err := d.events.MarkEventProcessed(ctx, registry.ProcessedEvent{ID: event.ID, Type: eventType, ProcessedAt: d.now()})
	if err != nil {
		return OutcomeFailed, err
	}
	if !fresh {
		log.Debug().Str("event_id", event.ID).Str("type", eventType).Msg("Stripe event already processed")
		return OutcomeDuplicate, nil
	}

	outcome, err = d.handle(ctx, event)
	if err == nil {
		return outcome, nil
	}
	if licensing.IsBusinessRejection(err) {
		log.Warn().Err(err).
			Str("event_id", event.ID).
			Str("type", eventType).
			Msg("Stripe event rejected by billing rules")
		return OutcomeRejected, nil
	}

	if ferr := d.events.ForgetEvent(ctx, event.ID); ferr != nil {
		log.Error().Err(ferr).Str("event_id", event.ID).Msg("Failed to forget Stripe event after error")
	}
	log.Error().Err(err).
		Str("event_id", event.ID).
		Str("type", eventType).
		Msg("Stripe event processing failed")
	return OutcomeFailed, err
}

func (d *Dispatcher) handle(ctx context.Context, event *stripelib.Event) (Outcome, error) {
	if event.Data == nil {
		return OutcomeFailed, fmt.Errorf("%s: missing data", event.Type)
	}
	raw := event.Data.Raw

	switch event.Type {
	case "checkout.session.completed":
		var session CheckoutSession
		if err := json.Unmarshal(raw, &session); err != nil {
			return OutcomeFailed, fmt.Errorf("decode checkout.session: %w", err)
		}
		return d.checkoutCompleted(ctx, session)

	case "checkout.session.expired":
		var session CheckoutSession
		if err := json.Unmarshal(raw, &session); err != nil {
			return OutcomeFailed, fmt.Errorf("decode checkout.session: %w", err)
		}
		if err := d.service.ReleaseCheckout(ctx, session.ID); err != nil {
			return OutcomeFailed, err
		}
		return OutcomeApplied, nil

	case "invoice.payment_failed":
		var inv Invoice
		if err := json.Unmarshal(raw, &inv); err != nil {
			return OutcomeFailed, fmt.Errorf("decode invoice: %w", err)
		}
		return d.invoiceFailed(ctx, inv)

	case "invoice.paid":
		var inv Invoice
		if err := json.Unmarshal(raw, &inv); err != nil {
			return OutcomeFailed, fmt.Errorf("decode invoice: %w", err)
		}
		return d.invoicePaid(ctx, inv)

	case "customer.subscription.updated":
		var sub Subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			return OutcomeFailed, fmt.Errorf("decode subscription: %w", err)
		}
		return d.subscriptionUpdated(ctx, sub)

	case "customer.subscription.deleted":
		var sub Subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			return OutcomeFailed, fmt.Errorf("decode subscription: %w", err)
		}
		return d.subscriptionDeleted(ctx, sub)

	default:
		log.Info().
			Str("type", string(event.Type)).
			Str("event_id", event.ID).
			Msg("Stripe event ignored (unhandled type)")
		return OutcomeIgnored, nil
	}
}

func (d *Dispatcher) checkoutCompleted(ctx context.Context, session CheckoutSession) (Outcome, error) {
	userID := session.UserID()
	toolID := strings.TrimSpace(session.Metadata["tool_id"])
	planCode := licensing.DerivePlanCode(session.Metadata, "")
	if userID == "" || toolID == "" || planCode == "" {
		return OutcomeFailed, fmt.Errorf("checkout.session %s: missing user, tool or plan metadata", session.ID)
	}

	// The checkout invoice holds the payment lock; settle it before the
	// guarded transition runs.
	if err := d.service.OnInvoicePaid(ctx, session.ID); err != nil && !errors.Is(err, licensing.ErrNotFound) {
		return OutcomeFailed, err
	}

	paymentRef := strings.TrimSpace(session.Subscription)
	action := licensing.Event(strings.TrimSpace(session.Metadata["action"]))
	if action != licensing.EventResubscribe && action != licensing.EventSwitchPlan {
		if _, err := d.service.Activate(ctx, userID, toolID, planCode, paymentRef); err != nil {
			return OutcomeFailed, err
		}
		return OutcomeApplied, nil
	}

	sub, err := d.service.Subscription(ctx, userID, toolID)
	if err != nil {
		return OutcomeFailed, err
	}
	if sub == nil {
		return OutcomeFailed, licensing.NotFoundError("checkout", "subscription", userID+"/"+toolID)
	}
	if action == licensing.EventResubscribe {
		_, err = d.service.Resubscribe(ctx, sub.ID, planCode, paymentRef)
	} else {
		_, err = d.service.SwitchPlan(ctx, sub.ID, planCode)
	}
	if err != nil {
		return OutcomeFailed, err
	}
	return OutcomeApplied, nil
}

func (d *Dispatcher) invoiceFailed(ctx context.Context, inv Invoice) (Outcome, error) {
	sub, err := d.lookup(ctx, inv.SubscriptionRef())
	if err != nil || sub == nil {
		return OutcomeIgnored, err
	}
	if err := d.service.RecordInvoice(ctx, inv.toLocal(sub.ID, licensing.InvoiceUnpaid), inv.ID); err != nil {
		return OutcomeFailed, err
	}
	if sub.Status != licensing.StatusActive {
		return OutcomeIgnored, nil
	}
	if _, err := d.service.OnPaymentFailed(ctx, sub.ID); err != nil {
		return OutcomeFailed, err
	}
	return OutcomeApplied, nil
}

func (d *Dispatcher) invoicePaid(ctx context.Context, inv Invoice) (Outcome, error) {
	sub, err := d.lookup(ctx, inv.SubscriptionRef())
	if err != nil || sub == nil {
		return OutcomeIgnored, err
	}
	if err := d.service.RecordInvoice(ctx, inv.toLocal(sub.ID, licensing.InvoiceOpen), inv.ID); err != nil {
		return OutcomeFailed, err
	}
	if err := d.service.OnInvoicePaid(ctx, inv.ID); err != nil {
		return OutcomeFailed, err
	}
	return OutcomeApplied, nil
}

func (d *Dispatcher) subscriptionUpdated(ctx context.Context, remote Subscription) (Outcome, error) {
	sub, err := d.lookup(ctx, remote.ID)
	if err != nil || sub == nil {
		return OutcomeIgnored, err
	}

	var event licensing.Event
	switch status := licensing.MapStripeStatus(remote.Status); {
	case status == licensing.StatusPastDue && sub.Status == licensing.StatusActive:
		event = licensing.EventPaymentFailed
	case status == licensing.StatusActive && sub.Status == licensing.StatusPastDue:
		event = licensing.EventPaymentRecovered
	case status == licensing.StatusActive && sub.Status == licensing.StatusActive && remote.CancelAtPeriodEnd && !sub.CancelScheduled():
		event = licensing.EventScheduleCancel
	default:
		return OutcomeIgnored, nil
	}

	switch event {
	case licensing.EventPaymentFailed:
		_, err = d.service.OnPaymentFailed(ctx, sub.ID)
	case licensing.EventPaymentRecovered:
		_, err = d.service.OnPaymentRecovered(ctx, sub.ID)
	case licensing.EventScheduleCancel:
		_, err = d.service.Cancel(ctx, sub.ID, billing.CancelAtPeriodEnd)
	}
	if err != nil {
		return OutcomeFailed, err
	}
	return OutcomeApplied, nil
}

func (d *Dispatcher) subscriptionDeleted(ctx context.Context, remote Subscription) (Outcome, error) {
	sub, err := d.lookup(ctx, remote.ID)
	if err != nil || sub == nil {
		return OutcomeIgnored, err
	}

	switch {
	case sub.Status == licensing.StatusPastDue || sub.Status == licensing.StatusUnpaid:
		_, err = d.service.OnGracePeriodExpired(ctx, sub.ID)
	case sub.CancelScheduled():
		_, err = d.service.OnPeriodEnded(ctx, sub.ID)
	default:
		return OutcomeIgnored, nil
	}
	if err != nil {
		return OutcomeFailed, err
	}
	return OutcomeApplied, nil
}

func (d *Dispatcher) lookup(ctx context.Context, ref string) (*licensing.Subscription, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, nil
	}
	sub, err := d.service.SubscriptionByPaymentRef(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("lookup subscription by payment ref: %w", err)
	}
	if sub == nil {
		log.Info().Str("payment_ref", ref).Msg("Stripe event for unknown subscription ignored")
	}
	return sub, nil
}
