package billing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/suite-entitlements/internal/billing/billingmetrics"
	"github.com/rcourtman/suite-entitlements/internal/billing/registry"
	"github.com/rcourtman/suite-entitlements/pkg/licensing"
)

var serviceEpoch = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func i64(v int64) *int64 { return &v }
func seats(v int) *int   { return &v }

func testPlans() []licensing.Plan {
	return []licensing.Plan{
		{
			Code: "crm-basic", ToolID: "crm", Name: "CRM Basic", PriceCents: 9900, Interval: "month", TrialDays: 14, SeatLimit: seats(3),
			Features: map[string]licensing.PlanFeature{
				"contacts":  {Enabled: true, Limit: i64(500)},
				"pipelines": {Enabled: true},
			},
		},
		{
			Code: "crm-pro", ToolID: "crm", Name: "CRM Pro", PriceCents: 19900, Interval: "month", TrialDays: 14, SeatLimit: seats(10),
			Features: map[string]licensing.PlanFeature{
				"contacts":   {Enabled: true, Limit: i64(5000)},
				"pipelines":  {Enabled: true},
				"automation": {Enabled: true},
			},
		},
		{Code: "crm-lite", ToolID: "crm", PriceCents: 4900, Interval: "month"},
		{Code: "mail-basic", ToolID: "mail", PriceCents: 2900, Interval: "month", TrialDays: 7},
	}
}

func newTestService(t *testing.T, opts Options) (*Service, *registry.Store, *testClock) {
	t.Helper()
	store, err := registry.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := &testClock{now: serviceEpoch}
	if opts.Now == nil {
		opts.Now = clock.Now
	}
	if opts.CacheTTL == 0 {
		opts.CacheTTL = time.Minute
	}
	svc := NewService(store, opts)
	require.NoError(t, svc.UpsertPlans(context.Background(), testPlans()))
	return svc, store, clock
}

func activate(t *testing.T, svc *Service, userID, planCode string) TransitionResult {
	t.Helper()
	res, err := svc.Activate(context.Background(), userID, "crm", planCode, "sub_stripe_"+userID)
	require.NoError(t, err)
	require.Equal(t, licensing.StatusActive, res.To)
	return res
}

// subID returns the id of userID's crm subscription.
func subID(t *testing.T, svc *Service, userID string) string {
	t.Helper()
	sub, err := svc.Subscription(context.Background(), userID, "crm")
	require.NoError(t, err)
	require.NotNil(t, sub, "no crm subscription for %s", userID)
	return sub.ID
}

func TestTrialToActiveFlow(t *testing.T) {
	svc, _, clock := newTestService(t, Options{})
	ctx := context.Background()

	res, err := svc.StartTrial(ctx, "alice", "crm", "crm-basic")
	require.NoError(t, err)
	assert.Equal(t, licensing.StatusNone, res.From)
	assert.Equal(t, licensing.StatusTrialing, res.To)
	assert.EqualValues(t, 1, res.Subscription.Version)
	require.NotNil(t, res.Subscription.TrialEnd)
	assert.True(t, res.Subscription.TrialEnd.Equal(serviceEpoch.Add(14*24*time.Hour)))

	ent, err := svc.ResolveEntitlement(ctx, "alice", "crm", "")
	require.NoError(t, err)
	assert.Equal(t, licensing.StatusTrialing, ent.Status)
	assert.True(t, ent.HasFeature("contacts"))

	_, err = svc.StartTrial(ctx, "alice", "crm", "crm-basic")
	require.ErrorIs(t, err, licensing.ErrInvalidTransition)

	clock.Advance(time.Hour)
	res, err = svc.Activate(ctx, "alice", "crm", "", "sub_stripe_alice")
	require.NoError(t, err)
	assert.Equal(t, licensing.StatusTrialing, res.From)
	assert.Equal(t, licensing.StatusActive, res.To)
	assert.Equal(t, "crm-basic", res.Subscription.PlanCode)
	assert.EqualValues(t, 2, res.Subscription.Version)

	bySub, err := svc.SubscriptionByPaymentRef(ctx, "sub_stripe_alice")
	require.NoError(t, err)
	require.NotNil(t, bySub)
	assert.Equal(t, res.Subscription.ID, bySub.ID)

	// The write invalidated the cached trialing entitlement.
	ent, err = svc.ResolveEntitlement(ctx, "alice", "crm", "")
	require.NoError(t, err)
	assert.Equal(t, licensing.StatusActive, ent.Status)
}

func TestPlansListsCatalogCheapestFirst(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	ctx := context.Background()

	plans, err := svc.Plans(ctx, "crm")
	require.NoError(t, err)
	codes := make([]string, 0, len(plans))
	for _, p := range plans {
		codes = append(codes, p.Code)
	}
	assert.Equal(t, []string{"crm-lite", "crm-basic", "crm-pro"}, codes)

	all, err := svc.Plans(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, len(testPlans()))
}

func TestStartTrialRejectsPlanWithoutTrial(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})

	_, err := svc.StartTrial(context.Background(), "alice", "crm", "crm-lite")
	require.ErrorIs(t, err, licensing.ErrInvalidTransition)
	assert.Contains(t, err.Error(), string(licensing.TrialDeniedPlanHasNoTrial))

	_, err = svc.StartTrial(context.Background(), "alice", "crm", "crm-missing")
	require.ErrorIs(t, err, licensing.ErrPlanNotFound)
}

func TestSwitchPlanProratesAndBooksAdjustment(t *testing.T) {
	svc, _, clock := newTestService(t, Options{})
	ctx := context.Background()
	activate(t, svc, "alice", "crm-basic")

	// 15 of 30 days remain.
	clock.Advance(15 * 24 * time.Hour)
	before := testutil.ToFloat64(billingmetrics.ProrationCentsTotal.WithLabelValues("debit"))

	res, err := svc.SwitchPlan(ctx, subID(t, svc, "alice"), "crm-pro")
	require.NoError(t, err)
	assert.Equal(t, "crm-pro", res.Subscription.PlanCode)
	assert.EqualValues(t, 5000, res.ProrationCents)
	assert.EqualValues(t, 5000, res.DebitCents)
	assert.Equal(t, 1, res.Subscription.SwitchCountToday)
	assert.Equal(t, before+5000, testutil.ToFloat64(billingmetrics.ProrationCentsTotal.WithLabelValues("debit")))

	adjustments, err := svc.Adjustments(ctx, res.Subscription.ID)
	require.NoError(t, err)
	require.Len(t, adjustments, 1)
	assert.EqualValues(t, 5000, adjustments[0].AmountCents)
	assert.Equal(t, registry.AdjustmentSwitch, adjustments[0].Reason)
	assert.Equal(t, "crm-basic", adjustments[0].FromPlan)
	assert.Equal(t, "crm-pro", adjustments[0].ToPlan)

	ent, err := svc.ResolveEntitlement(ctx, "alice", "crm", "")
	require.NoError(t, err)
	assert.True(t, ent.HasFeature("automation"))
}

func TestSwitchPlanToCurrentPlanIsNoOp(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	first := activate(t, svc, "alice", "crm-basic")

	res, err := svc.SwitchPlan(context.Background(), subID(t, svc, "alice"), "crm-basic")
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, first.Subscription.Version, res.Subscription.Version)
}

func TestSwitchPlanRejections(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	ctx := context.Background()

	_, err := svc.SwitchPlan(ctx, "sub_missing", "crm-pro")
	require.ErrorIs(t, err, licensing.ErrNotFound)

	activate(t, svc, "alice", "crm-basic")

	_, err = svc.SwitchPlan(ctx, subID(t, svc, "alice"), "mail-basic")
	require.ErrorIs(t, err, licensing.ErrPlanNotFound)

	_, err = svc.SwitchPlan(ctx, subID(t, svc, "alice"), "crm-missing")
	require.ErrorIs(t, err, licensing.ErrPlanNotFound)
}

func TestDoubleSwitchWithinCooldown(t *testing.T) {
	svc, _, clock := newTestService(t, Options{})
	ctx := context.Background()
	activate(t, svc, "alice", "crm-basic")

	_, err := svc.SwitchPlan(ctx, subID(t, svc, "alice"), "crm-pro")
	require.NoError(t, err)

	clock.Advance(10 * time.Second)
	_, err = svc.SwitchPlan(ctx, subID(t, svc, "alice"), "crm-basic")
	require.ErrorIs(t, err, licensing.ErrCooldownActive)

	be, ok := licensing.AsBillingError(err)
	require.True(t, ok)
	assert.Equal(t, 50*time.Second, be.RetryAfter)
}

func TestCooldownHoldsAcrossSubSecondTimestamps(t *testing.T) {
	svc, _, clock := newTestService(t, Options{})
	ctx := context.Background()

	clock.Advance(900 * time.Millisecond)
	id := activate(t, svc, "alice", "crm-basic").Subscription.ID
	_, err := svc.SwitchPlan(ctx, id, "crm-pro")
	require.NoError(t, err)

	clock.Advance(59600 * time.Millisecond)
	_, err = svc.SwitchPlan(ctx, id, "crm-basic")
	require.ErrorIs(t, err, licensing.ErrCooldownActive)
	be, ok := licensing.AsBillingError(err)
	require.True(t, ok)
	assert.Equal(t, 400*time.Millisecond, be.RetryAfter)

	clock.Advance(400 * time.Millisecond)
	_, err = svc.SwitchPlan(ctx, id, "crm-basic")
	require.NoError(t, err)
}

func TestConcurrentSwitchesOnlyOneWins(t *testing.T) {
	svc, store, clock := newTestService(t, Options{})
	ctx := context.Background()
	id := activate(t, svc, "alice", "crm-basic").Subscription.ID

	// A second service over the same store stands in for another process;
	// only the version check separates the two.
	other := NewService(store, Options{Now: clock.Now})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, s := range []*Service{svc, other} {
		wg.Add(1)
		go func(i int, s *Service) {
			defer wg.Done()
			_, errs[i] = s.SwitchPlan(ctx, id, "crm-pro")
		}(i, s)
	}
	wg.Wait()

	wins, cooldowns := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, licensing.ErrCooldownActive):
			cooldowns++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, cooldowns)

	sub, err := svc.Subscription(ctx, "alice", "crm")
	require.NoError(t, err)
	assert.Equal(t, 1, sub.SwitchCountToday)
}

func TestDailySwitchCap(t *testing.T) {
	svc, _, clock := newTestService(t, Options{})
	ctx := context.Background()
	activate(t, svc, "alice", "crm-basic")

	targets := []string{"crm-pro", "crm-basic", "crm-pro"}
	for _, plan := range targets {
		_, err := svc.SwitchPlan(ctx, subID(t, svc, "alice"), plan)
		require.NoError(t, err, "switch to %s", plan)
		clock.Advance(61 * time.Second)
	}

	_, err := svc.SwitchPlan(ctx, subID(t, svc, "alice"), "crm-basic")
	require.ErrorIs(t, err, licensing.ErrSwitchLimitReached)

	// The counter resets on the next UTC day.
	clock.Advance(24 * time.Hour)
	res, err := svc.SwitchPlan(ctx, subID(t, svc, "alice"), "crm-basic")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Subscription.SwitchCountToday)
}

func TestCancel(t *testing.T) {
	t.Run("trial cancels immediately without credit", func(t *testing.T) {
		svc, _, _ := newTestService(t, Options{})
		ctx := context.Background()
		_, err := svc.StartTrial(ctx, "alice", "crm", "crm-basic")
		require.NoError(t, err)

		res, err := svc.Cancel(ctx, subID(t, svc, "alice"), CancelAtPeriodEnd)
		require.NoError(t, err)
		assert.Equal(t, licensing.StatusCanceled, res.To)
		assert.Zero(t, res.ProrationCents)
	})

	t.Run("active cancel now credits the remainder", func(t *testing.T) {
		svc, _, clock := newTestService(t, Options{})
		ctx := context.Background()
		activate(t, svc, "alice", "crm-basic")
		clock.Advance(15 * 24 * time.Hour)

		res, err := svc.Cancel(ctx, subID(t, svc, "alice"), CancelNow)
		require.NoError(t, err)
		assert.Equal(t, licensing.StatusCanceled, res.To)
		assert.EqualValues(t, -4950, res.ProrationCents)
		assert.EqualValues(t, 4950, res.CreditCents)
		assert.Zero(t, res.DebitCents)

		adjustments, err := svc.Adjustments(ctx, res.Subscription.ID)
		require.NoError(t, err)
		require.Len(t, adjustments, 1)
		assert.Equal(t, registry.AdjustmentCancel, adjustments[0].Reason)
	})

	t.Run("period end cancellation waits for the renewal", func(t *testing.T) {
		svc, _, clock := newTestService(t, Options{})
		ctx := context.Background()
		activated := activate(t, svc, "alice", "crm-basic")

		res, err := svc.Cancel(ctx, subID(t, svc, "alice"), CancelAtPeriodEnd)
		require.NoError(t, err)
		assert.Equal(t, licensing.StatusActive, res.To)
		require.NotNil(t, res.Subscription.CancelAt)
		assert.True(t, res.Subscription.CancelAt.Equal(activated.Subscription.CurrentPeriodEnd))

		_, err = svc.OnPeriodEnded(ctx, subID(t, svc, "alice"))
		require.ErrorIs(t, err, licensing.ErrInvalidTransition)

		clock.Advance(30 * 24 * time.Hour)
		res, err = svc.OnPeriodEnded(ctx, subID(t, svc, "alice"))
		require.NoError(t, err)
		assert.Equal(t, licensing.StatusCanceled, res.To)
	})
}

func TestParseCancelMode(t *testing.T) {
	tests := []struct {
		raw  string
		want CancelMode
	}{
		{"", CancelNow},
		{"now", CancelNow},
		{"period_end", CancelAtPeriodEnd},
		{" Period-End ", CancelAtPeriodEnd},
	}
	for _, tt := range tests {
		got, err := ParseCancelMode(tt.raw)
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
	}
	_, err := ParseCancelMode("later")
	assert.Error(t, err)
}

func TestResubscribe(t *testing.T) {
	t.Run("mid-period resubscribe charges the remainder", func(t *testing.T) {
		svc, _, clock := newTestService(t, Options{})
		ctx := context.Background()
		activate(t, svc, "alice", "crm-basic")
		clock.Advance(15 * 24 * time.Hour)
		_, err := svc.Cancel(ctx, subID(t, svc, "alice"), CancelNow)
		require.NoError(t, err)

		res, err := svc.Resubscribe(ctx, subID(t, svc, "alice"), "crm-basic", "")
		require.NoError(t, err)
		assert.Equal(t, licensing.StatusActive, res.To)
		assert.EqualValues(t, 4950, res.DebitCents)
		assert.Zero(t, res.CreditCents)
	})

	t.Run("expired subscription starts a fresh cycle", func(t *testing.T) {
		svc, _, clock := newTestService(t, Options{})
		ctx := context.Background()
		activate(t, svc, "alice", "crm-basic")
		_, err := svc.OnPaymentFailed(ctx, subID(t, svc, "alice"))
		require.NoError(t, err)
		_, err = svc.OnGracePeriodExpired(ctx, subID(t, svc, "alice"))
		require.NoError(t, err)

		clock.Advance(40 * 24 * time.Hour)
		res, err := svc.Resubscribe(ctx, subID(t, svc, "alice"), "crm-pro", "sub_stripe_new")
		require.NoError(t, err)
		assert.Equal(t, licensing.StatusExpired, res.From)
		assert.Equal(t, licensing.StatusActive, res.To)
		assert.EqualValues(t, 19900, res.DebitCents)
		assert.True(t, res.Subscription.CurrentPeriodEnd.Equal(clock.Now().Add(30*24*time.Hour)))
		assert.Equal(t, "sub_stripe_new", res.Subscription.PaymentRef)
	})

	t.Run("regrant policy restores a trial never used", func(t *testing.T) {
		svc, _, _ := newTestService(t, Options{Resubscribe: licensing.ResubscribeRegrantTrial})
		ctx := context.Background()
		activate(t, svc, "alice", "crm-basic")
		_, err := svc.Cancel(ctx, subID(t, svc, "alice"), CancelNow)
		require.NoError(t, err)

		res, err := svc.Resubscribe(ctx, subID(t, svc, "alice"), "crm-pro", "")
		require.NoError(t, err)
		assert.Equal(t, licensing.StatusTrialing, res.To)
	})

	t.Run("active subscription cannot resubscribe", func(t *testing.T) {
		svc, _, _ := newTestService(t, Options{})
		activate(t, svc, "alice", "crm-basic")
		_, err := svc.Resubscribe(context.Background(), subID(t, svc, "alice"), "crm-basic", "")
		require.ErrorIs(t, err, licensing.ErrInvalidTransition)
	})
}

func TestInvoiceGuards(t *testing.T) {
	t.Run("unpaid invoice blocks switch but not cancel", func(t *testing.T) {
		svc, _, _ := newTestService(t, Options{})
		ctx := context.Background()
		res := activate(t, svc, "alice", "crm-basic")

		require.NoError(t, svc.RecordInvoice(ctx, licensing.Invoice{
			SubscriptionID: res.Subscription.ID,
			Status:         licensing.InvoiceUnpaid,
			TotalCents:     9900,
			DueDate:        serviceEpoch,
		}, "in_1"))

		_, err := svc.SwitchPlan(ctx, subID(t, svc, "alice"), "crm-pro")
		require.ErrorIs(t, err, licensing.ErrUnpaidInvoice)
		_, err = svc.Cancel(ctx, subID(t, svc, "alice"), CancelAtPeriodEnd)
		require.ErrorIs(t, err, licensing.ErrUnpaidInvoice)

		cancel, err := svc.Cancel(ctx, subID(t, svc, "alice"), CancelNow)
		require.NoError(t, err)
		assert.Equal(t, licensing.StatusCanceled, cancel.To)
	})

	t.Run("checkout locks billing actions until released", func(t *testing.T) {
		svc, _, _ := newTestService(t, Options{})
		ctx := context.Background()
		activate(t, svc, "alice", "crm-basic")

		inv, err := svc.BeginCheckout(ctx, "alice", "crm", "crm-pro", "cs_1")
		require.NoError(t, err)
		assert.True(t, inv.LockedForPayment)
		assert.EqualValues(t, 19900, inv.TotalCents)

		_, err = svc.SwitchPlan(ctx, subID(t, svc, "alice"), "crm-pro")
		require.ErrorIs(t, err, licensing.ErrInvoiceLocked)
		_, err = svc.Cancel(ctx, subID(t, svc, "alice"), CancelNow)
		require.ErrorIs(t, err, licensing.ErrInvoiceLocked)

		require.NoError(t, svc.ReleaseCheckout(ctx, "cs_1"))
		_, err = svc.SwitchPlan(ctx, subID(t, svc, "alice"), "crm-pro")
		require.NoError(t, err)
	})

	t.Run("paid checkout unlocks", func(t *testing.T) {
		svc, _, _ := newTestService(t, Options{})
		ctx := context.Background()
		activate(t, svc, "alice", "crm-basic")

		_, err := svc.BeginCheckout(ctx, "alice", "crm", "crm-pro", "cs_2")
		require.NoError(t, err)
		require.NoError(t, svc.OnInvoicePaid(ctx, "cs_2"))

		_, err = svc.SwitchPlan(ctx, subID(t, svc, "alice"), "crm-pro")
		require.NoError(t, err)
	})

	t.Run("checkout needs a subscription and a plan of the tool", func(t *testing.T) {
		svc, _, _ := newTestService(t, Options{})
		ctx := context.Background()

		_, err := svc.BeginCheckout(ctx, "alice", "crm", "crm-pro", "cs_3")
		require.ErrorIs(t, err, licensing.ErrNotFound)

		activate(t, svc, "alice", "crm-basic")
		_, err = svc.BeginCheckout(ctx, "alice", "crm", "mail-basic", "cs_3")
		require.ErrorIs(t, err, licensing.ErrPlanNotFound)
	})
}

func TestPaymentFailureAndRecovery(t *testing.T) {
	svc, _, clock := newTestService(t, Options{})
	ctx := context.Background()
	res := activate(t, svc, "alice", "crm-basic")

	failed, err := svc.OnPaymentFailed(ctx, subID(t, svc, "alice"))
	require.NoError(t, err)
	assert.Equal(t, licensing.StatusPastDue, failed.To)
	require.NotNil(t, failed.Subscription.PastDueSince)

	_, err = svc.OnPaymentFailed(ctx, subID(t, svc, "alice"))
	require.ErrorIs(t, err, licensing.ErrInvalidTransition)

	// Past-due owners keep their own access until the grace period ends.
	ent, err := svc.ResolveEntitlement(ctx, "alice", "crm", "")
	require.NoError(t, err)
	assert.Equal(t, licensing.StatusPastDue, ent.Status)
	assert.True(t, ent.HasFeature("contacts"))

	require.NoError(t, svc.RecordInvoice(ctx, licensing.Invoice{
		ID:             "inv_due",
		SubscriptionID: res.Subscription.ID,
		Status:         licensing.InvoiceUnpaid,
		TotalCents:     9900,
		DueDate:        clock.Now(),
	}, "in_due"))
	require.NoError(t, svc.OnInvoicePaid(ctx, "in_due"))

	sub, err := svc.Subscription(ctx, "alice", "crm")
	require.NoError(t, err)
	assert.Equal(t, licensing.StatusActive, sub.Status)
	assert.Nil(t, sub.PastDueSince)

	err = svc.OnInvoicePaid(ctx, "in_unknown")
	require.ErrorIs(t, err, licensing.ErrNotFound)
}

func TestTeamAccess(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	ctx := context.Background()
	activate(t, svc, "alice", "crm-basic")

	require.NoError(t, svc.CreateTeam(ctx, "team-1", "alice"))
	require.NoError(t, svc.AddTeamMember(ctx, "team-1", "crm", "bob", licensing.RoleSalesRep))
	require.NoError(t, svc.AddTeamMember(ctx, "team-1", "crm", "carol", licensing.RoleManager))

	err := svc.AddTeamMember(ctx, "team-1", "crm", "dave", licensing.RoleSalesRep)
	require.ErrorIs(t, err, licensing.ErrSeatLimitReached)

	err = svc.AddTeamMember(ctx, "team-1", "crm", "erin", licensing.RoleOwner)
	require.ErrorIs(t, err, licensing.ErrInvalidRole)
	assert.True(t, licensing.IsBusinessRejection(err))

	err = svc.AddTeamMember(ctx, "team-missing", "crm", "bob", licensing.RoleSalesRep)
	require.ErrorIs(t, err, licensing.ErrNotFound)

	owned, err := svc.OwnedTeams(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"team-1"}, owned)
	owned, err = svc.OwnedTeams(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, owned)

	decision, err := svc.DecideAccess(ctx, "bob", "crm", "team-1")
	require.NoError(t, err)
	assert.Equal(t, licensing.AccessAllow, decision.Outcome)
	assert.Equal(t, licensing.ActionRenderContent, decision.Action)
	src, ok := decision.Entitlement.InheritedFrom("alice")
	require.True(t, ok)
	assert.Equal(t, "crm-basic", src.PlanCode)

	// Owner payment failure pauses members at once despite the cache.
	_, err = svc.OnPaymentFailed(ctx, subID(t, svc, "alice"))
	require.NoError(t, err)

	decision, err = svc.DecideAccess(ctx, "bob", "crm", "team-1")
	require.NoError(t, err)
	assert.Equal(t, licensing.AccessInactive, decision.Outcome)
	assert.Equal(t, licensing.ActionShowPausedNotice, decision.Action)

	decision, err = svc.DecideAccess(ctx, "alice", "crm", "team-1")
	require.NoError(t, err)
	assert.Equal(t, licensing.AccessOwnerRenewRequired, decision.Outcome)

	// Membership writes invalidate by team.
	require.NoError(t, svc.RemoveTeamMember(ctx, "team-1", "bob"))
	decision, err = svc.DecideAccess(ctx, "bob", "crm", "team-1")
	require.NoError(t, err)
	assert.Equal(t, licensing.AccessNotMember, decision.Outcome)

	err = svc.RemoveTeamMember(ctx, "team-1", "bob")
	require.ErrorIs(t, err, licensing.ErrNotFound)

	decision, err = svc.DecideAccess(ctx, "bob", "crm", "team-missing")
	require.NoError(t, err)
	assert.Equal(t, licensing.AccessNoTeam, decision.Outcome)
}

func TestDecideAccessCountsOutcomes(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	ctx := context.Background()

	counter := billingmetrics.AccessDecisionsTotal.WithLabelValues(string(licensing.AccessNoEntitlement))
	before := testutil.ToFloat64(counter)

	for i := 0; i < 3; i++ {
		decision, err := svc.DecideAccess(ctx, "stranger", "crm", "")
		require.NoError(t, err)
		assert.Equal(t, licensing.AccessNoEntitlement, decision.Outcome)
		assert.Equal(t, licensing.ActionRedirectStore, decision.Action)
	}
	assert.Equal(t, before+3, testutil.ToFloat64(counter))
}

// pausingStore blocks the first SubscriptionFor read after arm until
// release is closed.
type pausingStore struct {
	Store
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (p *pausingStore) arm() {
	p.entered = make(chan struct{})
	p.release = make(chan struct{})
	p.armed.Store(true)
}

func (p *pausingStore) SubscriptionFor(ctx context.Context, userID, toolID string) (*licensing.Subscription, error) {
	sub, err := p.Store.SubscriptionFor(ctx, userID, toolID)
	if p.armed.CompareAndSwap(true, false) {
		close(p.entered)
		<-p.release
	}
	return sub, err
}

func TestDecisionReadDuringWriteIsNotCached(t *testing.T) {
	store, err := registry.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	paused := &pausingStore{Store: store}
	clock := &testClock{now: serviceEpoch}
	svc := NewService(paused, Options{Now: clock.Now, CacheTTL: time.Hour})
	ctx := context.Background()
	require.NoError(t, svc.UpsertPlans(ctx, testPlans()))
	id := activate(t, svc, "alice", "crm-basic").Subscription.ID

	paused.arm()
	done := make(chan licensing.AccessDecision, 1)
	go func() {
		decision, _ := svc.DecideAccess(ctx, "alice", "crm", "")
		done <- decision
	}()

	<-paused.entered
	_, err = svc.Cancel(ctx, id, CancelNow)
	require.NoError(t, err)
	close(paused.release)

	// The overlapping read saw the subscription before the cancel.
	assert.Equal(t, licensing.AccessAllow, (<-done).Outcome)

	decision, err := svc.DecideAccess(ctx, "alice", "crm", "")
	require.NoError(t, err)
	assert.Equal(t, licensing.AccessNoEntitlement, decision.Outcome)
}

type conflictingStore struct {
	Store
	swaps int
}

func (c *conflictingStore) CompareAndSwap(ctx context.Context, sub *licensing.Subscription, adj *registry.Adjustment) error {
	c.swaps++
	return registry.ErrVersionConflict
}

func TestTransitionGivesUpAfterRepeatedConflicts(t *testing.T) {
	svc, store, clock := newTestService(t, Options{})
	id := activate(t, svc, "alice", "crm-basic").Subscription.ID

	wrapped := &conflictingStore{Store: store}
	flaky := NewService(wrapped, Options{Now: clock.Now, MaxAttempts: 4})

	conflicts := billingmetrics.VersionConflictsTotal.WithLabelValues(string(licensing.EventPaymentFailed))
	before := testutil.ToFloat64(conflicts)

	_, err := flaky.OnPaymentFailed(context.Background(), id)
	require.ErrorIs(t, err, ErrTooManyConflicts)
	assert.Equal(t, 4, wrapped.swaps)
	assert.Equal(t, before+4, testutil.ToFloat64(conflicts))
	assert.False(t, licensing.IsBusinessRejection(err))
}

func TestSyncStatusGauge(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	ctx := context.Background()
	activate(t, svc, "alice", "crm-basic")
	activate(t, svc, "bob", "crm-pro")
	_, err := svc.StartTrial(ctx, "carol", "crm", "crm-basic")
	require.NoError(t, err)

	require.NoError(t, svc.SyncStatusGauge(ctx))
	assert.Equal(t, float64(2), testutil.ToFloat64(billingmetrics.SubscriptionsByStatus.WithLabelValues("active")))
	assert.Equal(t, float64(1), testutil.ToFloat64(billingmetrics.SubscriptionsByStatus.WithLabelValues("trialing")))
	assert.Equal(t, float64(0), testutil.ToFloat64(billingmetrics.SubscriptionsByStatus.WithLabelValues("canceled")))
}
