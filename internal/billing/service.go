package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/suite-entitlements/internal/billing/billingmetrics"
	"github.com/rcourtman/suite-entitlements/internal/billing/registry"
	"github.com/rcourtman/suite-entitlements/internal/logging"
	"github.com/rcourtman/suite-entitlements/pkg/licensing"
)

// ErrTooManyConflicts is returned when a transition kept losing its
// compare-and-swap to concurrent writers.
var ErrTooManyConflicts = errors.New("subscription changed concurrently too many times")

// Store is the persistence the service needs.
type Store interface {
	licensing.Snapshot

	InsertSubscription(ctx context.Context, sub *licensing.Subscription, adj *registry.Adjustment) error
	CompareAndSwap(ctx context.Context, sub *licensing.Subscription, adj *registry.Adjustment) error
	GetSubscription(ctx context.Context, id string) (*licensing.Subscription, error)
	GetByPaymentRef(ctx context.Context, ref string) (*licensing.Subscription, error)
	ListByStatus(ctx context.Context, status licensing.SubscriptionStatus) ([]*licensing.Subscription, error)
	CountByStatus(ctx context.Context) (map[licensing.SubscriptionStatus]int, error)

	UpsertPlan(ctx context.Context, p licensing.Plan) error
	ListPlans(ctx context.Context, toolID string) ([]*licensing.Plan, error)
	ListAdjustments(ctx context.Context, subscriptionID string) ([]registry.Adjustment, error)

	UpsertInvoice(ctx context.Context, inv licensing.Invoice, paymentRef string) error
	InvoicesFor(ctx context.Context, subscriptionID string) ([]licensing.Invoice, error)
	InvoiceByPaymentRef(ctx context.Context, ref string) (*licensing.Invoice, error)

	CreateTeam(ctx context.Context, teamID, ownerUserID string, now time.Time) error
	AddMember(ctx context.Context, teamID string, m licensing.TeamMember) error
	RemoveMember(ctx context.Context, teamID, userID string) (bool, error)
	TeamsOwnedBy(ctx context.Context, userID string) ([]string, error)
}

// Options tunes the service. Zero values fall back to defaults.
type Options struct {
	Guard       licensing.GuardPolicy
	Resubscribe licensing.ResubscribePolicy
	CacheTTL    time.Duration
	MaxAttempts int
	Now         func() time.Time
}

// Service is the single entry point for entitlement reads and billing writes.
// Writes for one (user, tool) pair are serialized in-process and committed
// with a version compare-and-swap so concurrent processes cannot both pass a
// guard against the same snapshot.
type Service struct {
	store       Store
	resolver    *licensing.Resolver
	machine     licensing.Machine
	guard       licensing.GuardPolicy
	maxAttempts int
	now         func() time.Time

	locks *keyedMutex
	cache *readCache
}

// NewService wires a service over store.
func NewService(store Store, opts Options) *Service {
	if opts.Guard == (licensing.GuardPolicy{}) {
		opts.Guard = licensing.DefaultGuardPolicy
	}
	if opts.Resubscribe == "" {
		opts.Resubscribe = licensing.ResubscribeChargeProration
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) }
	}
	return &Service{
		store:       store,
		resolver:    licensing.NewResolver(store),
		machine:     licensing.Machine{Resubscribe: opts.Resubscribe},
		guard:       opts.Guard,
		maxAttempts: opts.MaxAttempts,
		now:         opts.Now,
		locks:       newKeyedMutex(),
		cache:       newReadCache(opts.CacheTTL),
	}
}

// --- reads ---

// ResolveEntitlement returns the effective entitlement of userID for toolID.
func (s *Service) ResolveEntitlement(ctx context.Context, userID, toolID, teamID string) (licensing.Entitlement, error) {
	key := cacheKey(cacheKindEntitlement, userID, toolID, teamID)
	v, err := s.cache.get(ctx, key, func(ctx context.Context) (any, error) {
		return s.resolver.Resolve(ctx, userID, toolID, teamID, s.now())
	})
	if err != nil {
		return licensing.Entitlement{}, err
	}
	return v.(licensing.Entitlement), nil
}

// DecideAccess returns the access outcome for (userID, toolID, teamID).
func (s *Service) DecideAccess(ctx context.Context, userID, toolID, teamID string) (licensing.AccessDecision, error) {
	key := cacheKey(cacheKindDecision, userID, toolID, teamID)
	v, err := s.cache.get(ctx, key, func(ctx context.Context) (any, error) {
		return s.resolver.Decide(ctx, userID, toolID, teamID, s.now())
	})
	if err != nil {
		return licensing.AccessDecision{}, err
	}
	decision := v.(licensing.AccessDecision)
	billingmetrics.AccessDecisionsTotal.WithLabelValues(string(decision.Outcome)).Inc()
	return decision, nil
}

// Subscription returns the stored subscription of (userID, toolID), or nil.
func (s *Service) Subscription(ctx context.Context, userID, toolID string) (*licensing.Subscription, error) {
	return s.store.SubscriptionFor(ctx, userID, toolID)
}

// SubscriptionByPaymentRef returns the subscription linked to a payment
// provider reference, or nil.
func (s *Service) SubscriptionByPaymentRef(ctx context.Context, ref string) (*licensing.Subscription, error) {
	return s.store.GetByPaymentRef(ctx, ref)
}

// Adjustments returns the proration ledger of subscriptionID, oldest first.
func (s *Service) Adjustments(ctx context.Context, subscriptionID string) ([]registry.Adjustment, error) {
	return s.store.ListAdjustments(ctx, subscriptionID)
}

// --- lifecycle writes ---

// TransitionResult describes a committed (or no-op) transition.
// ProrationCents is the signed delta; CreditCents and DebitCents split it
// into the amount owed to and by the customer.
type TransitionResult struct {
	Subscription   licensing.Subscription       `json:"subscription"`
	From           licensing.SubscriptionStatus `json:"from"`
	To             licensing.SubscriptionStatus `json:"to"`
	Changed        bool                         `json:"changed"`
	ProrationCents int64                        `json:"proration_delta_cents"`
	CreditCents    int64                        `json:"credit_cents"`
	DebitCents     int64                        `json:"debit_cents"`
	Attempts       int                          `json:"attempts"`
}

// transitionRequest targets either an existing subscription by id or the
// (user, tool) pair a new one is created for.
type transitionRequest struct {
	subscriptionID string
	userID         string
	toolID         string
	event          licensing.Event
	planCode       string
	paymentRef     string
}

// StartTrial creates a trialing subscription for a pair that has none.
func (s *Service) StartTrial(ctx context.Context, userID, toolID, planCode string) (TransitionResult, error) {
	existing, err := s.store.SubscriptionFor(ctx, userID, toolID)
	if err != nil {
		return TransitionResult{}, fmt.Errorf("start trial: load subscription: %w", err)
	}
	plan, err := s.store.Plan(ctx, planCode)
	if err != nil {
		return TransitionResult{}, fmt.Errorf("start trial: load plan: %w", err)
	}
	if plan != nil {
		if d := licensing.EvaluateTrialEligibility(existing, *plan); !d.Allowed {
			from := licensing.StatusNone
			if existing != nil {
				from = existing.Status
			}
			return TransitionResult{}, &licensing.BillingError{
				Kind:     licensing.KindInvalidTransition,
				Op:       string(licensing.EventStartTrial),
				PlanCode: planCode,
				From:     from,
				Event:    licensing.EventStartTrial,
				Err:      fmt.Errorf("trial not available: %s", d.Reason),
			}
		}
	}
	return s.transition(ctx, transitionRequest{userID: userID, toolID: toolID, event: licensing.EventStartTrial, planCode: planCode})
}

// Activate starts or converts a paid subscription.
func (s *Service) Activate(ctx context.Context, userID, toolID, planCode, paymentRef string) (TransitionResult, error) {
	return s.transition(ctx, transitionRequest{userID: userID, toolID: toolID, event: licensing.EventActivate, planCode: planCode, paymentRef: paymentRef})
}

// CancelMode selects immediate or end-of-period cancellation.
type CancelMode string

const (
	CancelNow         CancelMode = "now"
	CancelAtPeriodEnd CancelMode = "period_end"
)

// ParseCancelMode normalizes a cancel mode name.
func ParseCancelMode(raw string) (CancelMode, error) {
	switch CancelMode(strings.ToLower(strings.TrimSpace(raw))) {
	case CancelNow, "":
		return CancelNow, nil
	case CancelAtPeriodEnd, "period-end", "at_period_end":
		return CancelAtPeriodEnd, nil
	default:
		return "", fmt.Errorf("unknown cancel mode %q", raw)
	}
}

// Cancel cancels subscriptionID now or schedules cancellation at the period
// end. Trials always cancel immediately. The credit for an immediate cancel
// is in CreditCents.
func (s *Service) Cancel(ctx context.Context, subscriptionID string, mode CancelMode) (TransitionResult, error) {
	req, err := s.requestFor(ctx, subscriptionID, licensing.EventCancelNow)
	if err != nil {
		return TransitionResult{}, err
	}
	if mode == CancelAtPeriodEnd && req.current.Status != licensing.StatusTrialing {
		req.event = licensing.EventScheduleCancel
	}
	return s.transition(ctx, req.transitionRequest)
}

// SwitchPlan moves subscriptionID to another plan of the same tool. The
// signed proration is in ProrationCents.
func (s *Service) SwitchPlan(ctx context.Context, subscriptionID, planCode string) (TransitionResult, error) {
	req, err := s.requestFor(ctx, subscriptionID, licensing.EventSwitchPlan)
	if err != nil {
		return TransitionResult{}, err
	}
	req.planCode = planCode
	return s.transition(ctx, req.transitionRequest)
}

// Resubscribe reactivates a canceled or expired subscription. The amount
// owed now is in DebitCents.
func (s *Service) Resubscribe(ctx context.Context, subscriptionID, planCode, paymentRef string) (TransitionResult, error) {
	req, err := s.requestFor(ctx, subscriptionID, licensing.EventResubscribe)
	if err != nil {
		return TransitionResult{}, err
	}
	req.planCode = planCode
	req.paymentRef = paymentRef
	return s.transition(ctx, req.transitionRequest)
}

// OnPaymentFailed moves an active subscription into past_due.
func (s *Service) OnPaymentFailed(ctx context.Context, subscriptionID string) (TransitionResult, error) {
	return s.hook(ctx, subscriptionID, licensing.EventPaymentFailed)
}

// OnPaymentRecovered returns a past_due subscription to active.
func (s *Service) OnPaymentRecovered(ctx context.Context, subscriptionID string) (TransitionResult, error) {
	return s.hook(ctx, subscriptionID, licensing.EventPaymentRecovered)
}

// OnGracePeriodExpired expires a past_due or unpaid subscription.
func (s *Service) OnGracePeriodExpired(ctx context.Context, subscriptionID string) (TransitionResult, error) {
	return s.hook(ctx, subscriptionID, licensing.EventGracePeriodExpired)
}

// OnPeriodEnded applies a scheduled cancellation once its time has come.
func (s *Service) OnPeriodEnded(ctx context.Context, subscriptionID string) (TransitionResult, error) {
	return s.hook(ctx, subscriptionID, licensing.EventPeriodEnded)
}

func (s *Service) hook(ctx context.Context, subscriptionID string, event licensing.Event) (TransitionResult, error) {
	req, err := s.requestFor(ctx, subscriptionID, event)
	if err != nil {
		return TransitionResult{}, err
	}
	return s.transition(ctx, req.transitionRequest)
}

type loadedRequest struct {
	transitionRequest
	current *licensing.Subscription
}

// requestFor loads subscriptionID to learn its (user, tool) pair, which is
// the lock key shared with Activate and StartTrial. attempt reads it again
// under the lock.
func (s *Service) requestFor(ctx context.Context, subscriptionID string, event licensing.Event) (loadedRequest, error) {
	sub, err := s.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return loadedRequest{}, fmt.Errorf("%s: load subscription: %w", event, err)
	}
	if sub == nil {
		return loadedRequest{}, licensing.NotFoundError(string(event), "subscription", subscriptionID)
	}
	return loadedRequest{
		transitionRequest: transitionRequest{
			subscriptionID: sub.ID,
			userID:         sub.OwnerUserID,
			toolID:         sub.ToolID,
			event:          event,
		},
		current: sub,
	}, nil
}

func (s *Service) transition(ctx context.Context, req transitionRequest) (TransitionResult, error) {
	logger := logging.FromContext(ctx).With().
		Str("user_id", req.userID).
		Str("tool_id", req.toolID).
		Str("event", string(req.event)).
		Logger()

	unlock := s.locks.Lock(req.userID + "|" + req.toolID)
	defer unlock()

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		result, err := s.attempt(ctx, req)
		if err == nil {
			result.Attempts = attempt
			s.afterCommit(req, result)
			if result.Changed {
				logger.Info().
					Str("subscription_id", result.Subscription.ID).
					Str("from", string(result.From)).
					Str("to", string(result.To)).
					Str("plan_code", result.Subscription.PlanCode).
					Int64("proration_cents", result.ProrationCents).
					Msg("Subscription transition committed")
			}
			return result, nil
		}

		if errors.Is(err, registry.ErrVersionConflict) || errors.Is(err, registry.ErrDuplicate) {
			billingmetrics.VersionConflictsTotal.WithLabelValues(string(req.event)).Inc()
			logger.Debug().Err(err).Int("attempt", attempt).Msg("Subscription changed underneath transition, retrying")
			continue
		}

		if be, ok := licensing.AsBillingError(err); ok {
			billingmetrics.TransitionsTotal.WithLabelValues(string(req.event), "rejected").Inc()
			logger.Info().Str("kind", string(be.Kind)).Msg("Billing action rejected")
			return TransitionResult{}, err
		}

		billingmetrics.TransitionsTotal.WithLabelValues(string(req.event), "error").Inc()
		logger.Error().Err(err).Msg("Subscription transition failed")
		return TransitionResult{}, err
	}

	billingmetrics.TransitionsTotal.WithLabelValues(string(req.event), "conflict").Inc()
	return TransitionResult{}, fmt.Errorf("%s for %s/%s: %w", req.event, req.userID, req.toolID, ErrTooManyConflicts)
}

// attempt runs one read-guard-apply-commit cycle against a fresh snapshot.
func (s *Service) attempt(ctx context.Context, req transitionRequest) (TransitionResult, error) {
	now := s.now()

	current, err := s.load(ctx, req)
	if err != nil {
		return TransitionResult{}, err
	}
	if err := s.machine.Permits(current, req.event); err != nil {
		return TransitionResult{}, err
	}

	cmd := licensing.Command{
		Event:       req.event,
		Now:         now,
		OwnerUserID: req.userID,
		ToolID:      req.toolID,
		PaymentRef:  req.paymentRef,
	}
	if current == nil {
		cmd.NewID = registry.NewID("sub")
	} else {
		if cmd.CurrentPlan, err = s.store.Plan(ctx, current.PlanCode); err != nil {
			return TransitionResult{}, fmt.Errorf("load current plan: %w", err)
		}
	}
	planCode := req.planCode
	if planCode == "" && req.event == licensing.EventActivate && current != nil {
		planCode = current.PlanCode
	}
	if planCode != "" {
		if cmd.Plan, err = s.store.Plan(ctx, planCode); err != nil {
			return TransitionResult{}, fmt.Errorf("load plan: %w", err)
		}
	}

	if licensing.RequiresGuard(req.event) {
		invoices, err := s.store.InvoicesFor(ctx, current.ID)
		if err != nil {
			return TransitionResult{}, fmt.Errorf("load invoices: %w", err)
		}
		token, err := s.guard.Check(licensing.GuardRequest{
			Action:         req.event,
			Subscription:   *current,
			Invoices:       invoices,
			TargetPlanCode: req.planCode,
			TargetPlan:     cmd.Plan,
			Now:            now,
		})
		if err != nil {
			if be, ok := licensing.AsBillingError(err); ok {
				billingmetrics.GuardRejectionsTotal.WithLabelValues(string(req.event), string(be.Kind)).Inc()
			}
			return TransitionResult{}, err
		}
		cmd.Token = token
	}

	out, err := s.machine.Apply(current, cmd)
	if err != nil {
		return TransitionResult{}, err
	}
	result := TransitionResult{
		Subscription:   out.Subscription,
		From:           out.From,
		To:             out.To,
		Changed:        out.Changed,
		ProrationCents: out.ProrationCents,
		CreditCents:    out.CreditCents(),
		DebitCents:     out.DebitCents(),
	}
	if !out.Changed {
		return result, nil
	}

	adj := adjustmentFor(req.event, current, out, now)
	if current == nil {
		err = s.store.InsertSubscription(ctx, &result.Subscription, adj)
	} else {
		err = s.store.CompareAndSwap(ctx, &result.Subscription, adj)
	}
	if err != nil {
		return TransitionResult{}, err
	}
	return result, nil
}

func (s *Service) load(ctx context.Context, req transitionRequest) (*licensing.Subscription, error) {
	if req.subscriptionID == "" {
		current, err := s.store.SubscriptionFor(ctx, req.userID, req.toolID)
		if err != nil {
			return nil, fmt.Errorf("load subscription: %w", err)
		}
		return current, nil
	}
	current, err := s.store.GetSubscription(ctx, req.subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("load subscription: %w", err)
	}
	if current == nil {
		return nil, licensing.NotFoundError(string(req.event), "subscription", req.subscriptionID)
	}
	return current, nil
}

func (s *Service) afterCommit(req transitionRequest, result TransitionResult) {
	if !result.Changed {
		billingmetrics.TransitionsTotal.WithLabelValues(string(req.event), "noop").Inc()
		return
	}
	billingmetrics.TransitionsTotal.WithLabelValues(string(req.event), "committed").Inc()
	switch {
	case result.ProrationCents > 0:
		billingmetrics.ProrationCentsTotal.WithLabelValues("debit").Add(float64(result.ProrationCents))
	case result.ProrationCents < 0:
		billingmetrics.ProrationCentsTotal.WithLabelValues("credit").Add(float64(-result.ProrationCents))
	}
	s.cache.invalidateTool(req.toolID)
}

func adjustmentFor(event licensing.Event, current *licensing.Subscription, out licensing.Outcome, now time.Time) *registry.Adjustment {
	if out.ProrationCents == 0 {
		return nil
	}
	adj := &registry.Adjustment{
		SubscriptionID: out.Subscription.ID,
		AmountCents:    out.ProrationCents,
		Reason:         registry.AdjustmentReason(event),
		ToPlan:         out.Subscription.PlanCode,
		CreatedAt:      now,
	}
	if current != nil {
		adj.FromPlan = current.PlanCode
	}
	return adj
}

// --- catalog ---

// UpsertPlans writes catalog entries.
func (s *Service) UpsertPlans(ctx context.Context, plans []licensing.Plan) error {
	for _, p := range plans {
		if err := s.store.UpsertPlan(ctx, p); err != nil {
			return err
		}
	}
	s.cache.flush()
	return nil
}

// Plans lists the catalog for toolID, or every tool when toolID is empty.
func (s *Service) Plans(ctx context.Context, toolID string) ([]*licensing.Plan, error) {
	return s.store.ListPlans(ctx, toolID)
}

// --- teams ---

// CreateTeam creates a team owned by ownerUserID.
func (s *Service) CreateTeam(ctx context.Context, teamID, ownerUserID string) error {
	if err := s.store.CreateTeam(ctx, teamID, ownerUserID, s.now()); err != nil {
		return err
	}
	s.cache.invalidateTeam(teamID)
	return nil
}

// AddTeamMember adds userID to teamID when the owner's plan for toolID still
// has a free seat. An owner without a subscription does not cap seats.
func (s *Service) AddTeamMember(ctx context.Context, teamID, toolID, userID string, role licensing.Role) error {
	unlock := s.locks.Lock("team|" + teamID)
	defer unlock()

	team, err := s.store.Team(ctx, teamID)
	if err != nil {
		return fmt.Errorf("add team member: load team: %w", err)
	}
	if team == nil {
		return licensing.NotFoundError("add_team_member", "team", teamID)
	}

	member := licensing.TeamMember{UserID: userID, Role: role, JoinedAt: s.now()}
	candidate := *team
	candidate.Members = append(append([]licensing.TeamMember(nil), team.Members...), member)
	if err := candidate.Validate(); err != nil {
		return err
	}

	ownerSub, err := s.store.SubscriptionFor(ctx, team.OwnerUserID, toolID)
	if err != nil {
		return fmt.Errorf("add team member: load owner subscription: %w", err)
	}
	if ownerSub != nil {
		plan, err := s.store.Plan(ctx, ownerSub.PlanCode)
		if err != nil {
			return fmt.Errorf("add team member: load plan: %w", err)
		}
		if plan != nil {
			if err := licensing.CheckSeatAvailable(*team, *plan); err != nil {
				return err
			}
		}
	}

	if err := s.store.AddMember(ctx, teamID, member); err != nil {
		return err
	}
	s.cache.invalidateTeam(teamID)
	log.Info().Str("team_id", teamID).Str("user_id", userID).Str("role", string(role)).Msg("Team member added")
	return nil
}

// OwnedTeams returns the ids of the teams userID owns.
func (s *Service) OwnedTeams(ctx context.Context, userID string) ([]string, error) {
	return s.store.TeamsOwnedBy(ctx, userID)
}

// RemoveTeamMember removes a non-owner member.
func (s *Service) RemoveTeamMember(ctx context.Context, teamID, userID string) error {
	removed, err := s.store.RemoveMember(ctx, teamID, userID)
	if err != nil {
		return err
	}
	if !removed {
		return licensing.NotFoundError("remove_team_member", "team member", teamID+"/"+userID)
	}
	s.cache.invalidateTeam(teamID)
	return nil
}

// --- invoices and checkout ---

// RecordInvoice stores an invoice for a subscription.
func (s *Service) RecordInvoice(ctx context.Context, inv licensing.Invoice, paymentRef string) error {
	if inv.ID == "" {
		inv.ID = registry.NewID("inv")
	}
	return s.store.UpsertInvoice(ctx, inv, paymentRef)
}

// BeginCheckout opens an invoice for the target plan and locks it for
// payment until the checkout completes or is released.
func (s *Service) BeginCheckout(ctx context.Context, userID, toolID, planCode, checkoutRef string) (licensing.Invoice, error) {
	sub, err := s.store.SubscriptionFor(ctx, userID, toolID)
	if err != nil {
		return licensing.Invoice{}, fmt.Errorf("begin checkout: load subscription: %w", err)
	}
	if sub == nil {
		return licensing.Invoice{}, licensing.NotFoundError("begin_checkout", "subscription", userID+"/"+toolID)
	}
	plan, err := s.store.Plan(ctx, planCode)
	if err != nil {
		return licensing.Invoice{}, fmt.Errorf("begin checkout: load plan: %w", err)
	}
	if plan == nil || plan.ToolID != toolID {
		return licensing.Invoice{}, &licensing.BillingError{Kind: licensing.KindPlanNotFound, Op: "begin_checkout", PlanCode: planCode}
	}

	inv := licensing.Invoice{
		ID:               registry.NewID("inv"),
		SubscriptionID:   sub.ID,
		Status:           licensing.InvoiceOpen,
		TotalCents:       plan.PriceCents,
		DueDate:          s.now(),
		LockedForPayment: true,
	}
	if err := s.store.UpsertInvoice(ctx, inv, checkoutRef); err != nil {
		return licensing.Invoice{}, err
	}
	return inv, nil
}

// ReleaseCheckout voids the invoice of an abandoned checkout.
func (s *Service) ReleaseCheckout(ctx context.Context, checkoutRef string) error {
	inv, err := s.store.InvoiceByPaymentRef(ctx, checkoutRef)
	if err != nil {
		return fmt.Errorf("release checkout: %w", err)
	}
	if inv == nil || inv.Settled() {
		return nil
	}
	inv.Status = licensing.InvoiceVoid
	inv.LockedForPayment = false
	return s.store.UpsertInvoice(ctx, *inv, checkoutRef)
}

// OnInvoicePaid settles the invoice with paymentRef. A past_due subscription
// that now owes nothing is recovered.
func (s *Service) OnInvoicePaid(ctx context.Context, paymentRef string) error {
	inv, err := s.store.InvoiceByPaymentRef(ctx, paymentRef)
	if err != nil {
		return fmt.Errorf("invoice paid: %w", err)
	}
	if inv == nil {
		return licensing.NotFoundError("invoice_paid", "invoice", paymentRef)
	}
	if inv.Status != licensing.InvoicePaid || inv.LockedForPayment {
		inv.Status = licensing.InvoicePaid
		inv.LockedForPayment = false
		if err := s.store.UpsertInvoice(ctx, *inv, paymentRef); err != nil {
			return err
		}
	}

	sub, err := s.store.GetSubscription(ctx, inv.SubscriptionID)
	if err != nil {
		return fmt.Errorf("invoice paid: load subscription: %w", err)
	}
	if sub == nil || sub.Status != licensing.StatusPastDue {
		return nil
	}
	invoices, err := s.store.InvoicesFor(ctx, sub.ID)
	if err != nil {
		return fmt.Errorf("invoice paid: load invoices: %w", err)
	}
	for _, other := range invoices {
		if other.Outstanding() {
			return nil
		}
	}
	_, err = s.OnPaymentRecovered(ctx, sub.ID)
	return err
}

// SyncStatusGauge refreshes the subscriptions-by-status gauge.
func (s *Service) SyncStatusGauge(ctx context.Context) error {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return err
	}
	for _, status := range licensing.AllStatuses {
		billingmetrics.SubscriptionsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
	return nil
}
