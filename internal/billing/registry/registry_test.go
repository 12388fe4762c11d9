package registry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rcourtman/suite-entitlements/pkg/licensing"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seatLimit(v int) *int { return &v }

func TestNewID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID("sub")
		if !strings.HasPrefix(id, "sub_") {
			t.Fatalf("expected prefix sub_, got %q", id)
		}
		if len(id) != len("sub_")+26 {
			t.Fatalf("unexpected length %d (%q)", len(id), id)
		}
		if seen[id] {
			t.Fatalf("duplicate id: %s", id)
		}
		seen[id] = true
	}
}

func TestPlans(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	limit := int64(500)

	plan := licensing.Plan{
		Code: "crm-basic", ToolID: "crm", Name: "CRM Basic", PriceCents: 9900, Interval: "month",
		TrialDays: 14, SeatLimit: seatLimit(3),
		Features: map[string]licensing.PlanFeature{"contacts": {Enabled: true, Limit: &limit}},
	}
	if err := s.UpsertPlan(ctx, plan); err != nil {
		t.Fatalf("UpsertPlan: %v", err)
	}

	got, err := s.Plan(ctx, "crm-basic")
	if err != nil || got == nil {
		t.Fatalf("Plan: %v %v", got, err)
	}
	if got.PriceCents != 9900 || *got.SeatLimit != 3 || *got.Features["contacts"].Limit != 500 {
		t.Errorf("unexpected plan %+v", got)
	}

	missing, err := s.Plan(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("expected nil for unknown plan, got %v %v", missing, err)
	}

	if err := s.UpsertPlan(ctx, licensing.Plan{Code: "bad", ToolID: "crm", Interval: "fortnight"}); err == nil {
		t.Error("expected error for unknown interval")
	}

	if err := s.UpsertPlan(ctx, licensing.Plan{Code: "crm-pro", ToolID: "crm", PriceCents: 19900, Interval: "month"}); err != nil {
		t.Fatal(err)
	}
	plans, err := s.ListPlans(ctx, "crm")
	if err != nil {
		t.Fatal(err)
	}
	if len(plans) != 2 || plans[0].Code != "crm-basic" {
		t.Errorf("ListPlans = %+v", plans)
	}
	if plans[1].SeatLimit != nil {
		t.Error("crm-pro should have unlimited seats")
	}
}

func seedSubscription(t *testing.T, s *Store) *licensing.Subscription {
	t.Helper()
	trialEnd := testNow.Add(14 * 24 * time.Hour)
	sub := &licensing.Subscription{
		ID:               "sub_1",
		OwnerUserID:      "alice",
		ToolID:           "crm",
		PlanCode:         "crm-basic",
		Status:           licensing.StatusTrialing,
		TrialStartedAt:   &testNow,
		TrialEnd:         &trialEnd,
		CurrentPeriodEnd: trialEnd,
		CreatedAt:        testNow,
		UpdatedAt:        testNow,
	}
	if err := s.InsertSubscription(context.Background(), sub, nil); err != nil {
		t.Fatalf("InsertSubscription: %v", err)
	}
	return sub
}

func TestSubscriptionCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sub := seedSubscription(t, s)

	if sub.Version != 1 {
		t.Errorf("Version = %d, want 1", sub.Version)
	}

	got, err := s.SubscriptionFor(ctx, "alice", "crm")
	if err != nil || got == nil {
		t.Fatalf("SubscriptionFor: %v %v", got, err)
	}
	if got.Status != licensing.StatusTrialing || got.TrialEnd == nil || !got.TrialEnd.Equal(*sub.TrialEnd) {
		t.Errorf("unexpected subscription %+v", got)
	}

	none, err := s.SubscriptionFor(ctx, "bob", "crm")
	if err != nil || none != nil {
		t.Errorf("expected nil, got %v %v", none, err)
	}

	dup := *sub
	dup.ID = "sub_2"
	if err := s.InsertSubscription(ctx, &dup, nil); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
}

func TestCompareAndSwap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sub := seedSubscription(t, s)

	next := sub.Clone()
	next.Status = licensing.StatusActive
	next.TrialEnd = nil
	next.UpdatedAt = testNow.Add(time.Hour)
	adj := &Adjustment{SubscriptionID: sub.ID, AmountCents: 500, Reason: AdjustmentSwitch, CreatedAt: testNow}
	if err := s.CompareAndSwap(ctx, &next, adj); err != nil {
		t.Fatalf("CompareAndSwap: %v", err)
	}
	if next.Version != 2 {
		t.Errorf("Version = %d, want 2", next.Version)
	}

	// A writer still holding version 1 loses.
	stale := sub.Clone()
	stale.Status = licensing.StatusCanceled
	if err := s.CompareAndSwap(ctx, &stale, nil); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict, got %v", err)
	}

	got, err := s.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != licensing.StatusActive || got.TrialEnd != nil || got.Version != 2 {
		t.Errorf("unexpected stored subscription %+v", got)
	}

	adjs, err := s.ListAdjustments(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(adjs) != 1 || adjs[0].AmountCents != 500 || !strings.HasPrefix(adjs[0].ID, "adj_") {
		t.Errorf("adjustments = %+v", adjs)
	}

	phantom := licensing.Subscription{ID: "sub_missing", Version: 1}
	if err := s.CompareAndSwap(ctx, &phantom, nil); !errors.Is(err, licensing.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCompareAndSwapConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sub := seedSubscription(t, s)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := sub.Clone()
			next.SwitchCountToday++
			err := s.CompareAndSwap(ctx, &next, nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrVersionConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 || conflicts != 7 {
		t.Errorf("wins=%d conflicts=%d, want 1/7", wins, conflicts)
	}
}

func TestListAndCountByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSubscription(t, s)

	for i, user := range []string{"bob", "carol"} {
		if err := s.InsertSubscription(ctx, &licensing.Subscription{
			ID: NewID("sub"), OwnerUserID: user, ToolID: "crm", PlanCode: "crm-basic",
			Status: licensing.StatusPastDue, CurrentPeriodEnd: testNow, PaymentRef: "sub_stripe_" + user,
			CreatedAt: testNow.Add(time.Duration(i) * time.Minute),
		}, nil); err != nil {
			t.Fatal(err)
		}
	}

	pastDue, err := s.ListByStatus(ctx, licensing.StatusPastDue)
	if err != nil {
		t.Fatal(err)
	}
	if len(pastDue) != 2 {
		t.Errorf("expected 2 past_due, got %d", len(pastDue))
	}

	counts, err := s.CountByStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[licensing.StatusPastDue] != 2 || counts[licensing.StatusTrialing] != 1 {
		t.Errorf("counts = %v", counts)
	}

	byRef, err := s.GetByPaymentRef(ctx, "sub_stripe_carol")
	if err != nil || byRef == nil || byRef.OwnerUserID != "carol" {
		t.Errorf("GetByPaymentRef = %v %v", byRef, err)
	}
	if none, err := s.GetByPaymentRef(ctx, ""); err != nil || none != nil {
		t.Errorf("empty ref should find nothing, got %v %v", none, err)
	}
}

func TestInvoices(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sub := seedSubscription(t, s)

	old := licensing.Invoice{ID: "inv_1", SubscriptionID: sub.ID, Status: licensing.InvoicePaid, TotalCents: 9900, DueDate: testNow.Add(-30 * 24 * time.Hour)}
	current := licensing.Invoice{ID: "inv_2", SubscriptionID: sub.ID, Status: licensing.InvoiceOpen, TotalCents: 9900, DueDate: testNow, LockedForPayment: true}
	if err := s.UpsertInvoice(ctx, old, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertInvoice(ctx, current, "cs_123"); err != nil {
		t.Fatal(err)
	}

	invoices, err := s.InvoicesFor(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(invoices) != 2 || invoices[0].ID != "inv_2" || !invoices[0].LockedForPayment {
		t.Errorf("InvoicesFor = %+v", invoices)
	}

	current.Status = licensing.InvoicePaid
	current.LockedForPayment = false
	if err := s.UpsertInvoice(ctx, current, "cs_123"); err != nil {
		t.Fatal(err)
	}
	got, err := s.InvoiceByPaymentRef(ctx, "cs_123")
	if err != nil || got == nil {
		t.Fatalf("InvoiceByPaymentRef: %v %v", got, err)
	}
	if got.Status != licensing.InvoicePaid || got.LockedForPayment {
		t.Errorf("invoice not updated: %+v", got)
	}
}

func TestTeams(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateTeam(ctx, "team_1", "owner", testNow); err != nil {
		t.Fatalf("CreateTeam: %v", err)
	}
	if err := s.CreateTeam(ctx, "team_1", "other", testNow); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}

	for i, user := range []string{"m1", "m2"} {
		if err := s.AddMember(ctx, "team_1", licensing.TeamMember{UserID: user, Role: licensing.RoleSalesRep, JoinedAt: testNow.Add(time.Duration(i+1) * time.Minute)}); err != nil {
			t.Fatalf("AddMember %s: %v", user, err)
		}
	}
	if err := s.AddMember(ctx, "team_1", licensing.TeamMember{UserID: "m1", Role: licensing.RoleAdmin, JoinedAt: testNow}); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
	if err := s.AddMember(ctx, "team_1", licensing.TeamMember{UserID: "x", Role: licensing.RoleOwner, JoinedAt: testNow}); err == nil {
		t.Error("second owner must be rejected")
	}

	team, err := s.Team(ctx, "team_1")
	if err != nil || team == nil {
		t.Fatalf("Team: %v %v", team, err)
	}
	if err := team.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
	if len(team.Members) != 3 || team.Members[0].UserID != "owner" || team.Members[2].UserID != "m2" {
		t.Errorf("members = %+v", team.Members)
	}

	removed, err := s.RemoveMember(ctx, "team_1", "m1")
	if err != nil || !removed {
		t.Errorf("RemoveMember m1 = %v %v", removed, err)
	}
	removed, err = s.RemoveMember(ctx, "team_1", "owner")
	if err != nil || removed {
		t.Errorf("owner must not be removable, got %v %v", removed, err)
	}

	owned, err := s.TeamsOwnedBy(ctx, "owner")
	if err != nil || len(owned) != 1 || owned[0] != "team_1" {
		t.Errorf("TeamsOwnedBy = %v %v", owned, err)
	}

	missing, err := s.Team(ctx, "team_x")
	if err != nil || missing != nil {
		t.Errorf("expected nil team, got %v %v", missing, err)
	}
}

func TestProcessedEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ev := ProcessedEvent{ID: "evt_1", Type: "invoice.paid", ProcessedAt: testNow}

	first, err := s.MarkEventProcessed(ctx, ev)
	if err != nil || !first {
		t.Fatalf("first mark = %v %v", first, err)
	}
	again, err := s.MarkEventProcessed(ctx, ev)
	if err != nil || again {
		t.Fatalf("second mark = %v %v", again, err)
	}
	if err := s.ForgetEvent(ctx, "evt_1"); err != nil {
		t.Fatal(err)
	}
	retry, err := s.MarkEventProcessed(ctx, ev)
	if err != nil || !retry {
		t.Fatalf("mark after forget = %v %v", retry, err)
	}
}
