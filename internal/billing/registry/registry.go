package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rcourtman/suite-entitlements/pkg/licensing"
	"github.com/rcourtman/suite-entitlements/pkg/money"
	_ "modernc.org/sqlite"
)

// Store persists plans, subscriptions, invoices and teams in SQLite. It
// implements licensing.Snapshot.
type Store struct {
	db *sql.DB
}

var _ licensing.Snapshot = (*Store)(nil)

// Open opens (or creates) the billing database in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}

	dbPath := filepath.Join(dir, "billing.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open billing db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Timestamps are stored as Unix milliseconds so cooldowns measured against
// them are exact at the service clock's resolution.
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS plans (
		code        TEXT PRIMARY KEY,
		tool_id     TEXT NOT NULL,
		name        TEXT NOT NULL DEFAULT '',
		price_cents INTEGER NOT NULL,
		interval    TEXT NOT NULL,
		trial_days  INTEGER NOT NULL DEFAULT 0,
		seat_limit  INTEGER,
		features    TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_plans_tool_id ON plans(tool_id);

	CREATE TABLE IF NOT EXISTS subscriptions (
		id                 TEXT PRIMARY KEY,
		owner_user_id      TEXT NOT NULL,
		tool_id            TEXT NOT NULL,
		plan_code          TEXT NOT NULL,
		status             TEXT NOT NULL,
		trial_started_at   INTEGER,
		trial_end          INTEGER,
		cancel_at          INTEGER,
		current_period_end INTEGER NOT NULL,
		last_switch_at     INTEGER,
		switch_count_today INTEGER NOT NULL DEFAULT 0,
		past_due_since     INTEGER,
		payment_ref        TEXT NOT NULL DEFAULT '',
		version            INTEGER NOT NULL DEFAULT 1,
		created_at         INTEGER NOT NULL,
		updated_at         INTEGER NOT NULL,
		UNIQUE (owner_user_id, tool_id)
	);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_status ON subscriptions(status);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_payment_ref ON subscriptions(payment_ref);

	CREATE TABLE IF NOT EXISTS invoices (
		id                 TEXT PRIMARY KEY,
		subscription_id    TEXT NOT NULL REFERENCES subscriptions(id),
		status             TEXT NOT NULL,
		total_cents        INTEGER NOT NULL,
		due_date           INTEGER NOT NULL,
		locked_for_payment INTEGER NOT NULL DEFAULT 0,
		payment_ref        TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_invoices_subscription_id ON invoices(subscription_id);
	CREATE INDEX IF NOT EXISTS idx_invoices_payment_ref ON invoices(payment_ref);

	CREATE TABLE IF NOT EXISTS adjustments (
		id              TEXT PRIMARY KEY,
		subscription_id TEXT NOT NULL REFERENCES subscriptions(id),
		amount_cents    INTEGER NOT NULL,
		reason          TEXT NOT NULL,
		from_plan       TEXT NOT NULL DEFAULT '',
		to_plan         TEXT NOT NULL DEFAULT '',
		created_at      INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_adjustments_subscription_id ON adjustments(subscription_id);

	CREATE TABLE IF NOT EXISTS teams (
		id            TEXT PRIMARY KEY,
		owner_user_id TEXT NOT NULL,
		created_at    INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS team_members (
		team_id   TEXT NOT NULL REFERENCES teams(id) ON DELETE CASCADE,
		user_id   TEXT NOT NULL,
		role      TEXT NOT NULL,
		joined_at INTEGER NOT NULL,
		seq       INTEGER PRIMARY KEY AUTOINCREMENT,
		UNIQUE (team_id, user_id)
	);
	CREATE INDEX IF NOT EXISTS idx_team_members_user_id ON team_members(user_id);

	CREATE TABLE IF NOT EXISTS processed_events (
		id           TEXT PRIMARY KEY,
		type         TEXT NOT NULL,
		processed_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init billing schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// --- plans ---

// UpsertPlan inserts or replaces a catalog entry.
func (s *Store) UpsertPlan(ctx context.Context, p licensing.Plan) error {
	if strings.TrimSpace(p.Code) == "" || strings.TrimSpace(p.ToolID) == "" {
		return fmt.Errorf("plan code and tool id are required")
	}
	if money.DaysInInterval(p.Interval) == 0 {
		return fmt.Errorf("plan %s: %w: %q", p.Code, money.ErrInvalidCycle, p.Interval)
	}
	if p.PriceCents < 0 {
		return fmt.Errorf("plan %s: negative price", p.Code)
	}
	features, err := json.Marshal(p.Features)
	if err != nil {
		return fmt.Errorf("encode plan features: %w", err)
	}
	var seatLimit any
	if p.SeatLimit != nil {
		seatLimit = *p.SeatLimit
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plans (code, tool_id, name, price_cents, interval, trial_days, seat_limit, features)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET
			tool_id = excluded.tool_id, name = excluded.name, price_cents = excluded.price_cents,
			interval = excluded.interval, trial_days = excluded.trial_days,
			seat_limit = excluded.seat_limit, features = excluded.features`,
		p.Code, p.ToolID, p.Name, p.PriceCents, string(p.Interval), p.TrialDays, seatLimit, string(features),
	)
	if err != nil {
		return fmt.Errorf("upsert plan: %w", err)
	}
	return nil
}

// Plan returns a plan by code, or nil when unknown.
func (s *Store) Plan(ctx context.Context, code string) (*licensing.Plan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT
		code, tool_id, name, price_cents, interval, trial_days, seat_limit, features
		FROM plans WHERE code = ?`, code)
	return scanPlan(row)
}

// ListPlans returns the plans of a tool, cheapest first. An empty toolID lists all.
func (s *Store) ListPlans(ctx context.Context, toolID string) ([]*licensing.Plan, error) {
	query := `SELECT code, tool_id, name, price_cents, interval, trial_days, seat_limit, features FROM plans`
	var args []any
	if toolID != "" {
		query += ` WHERE tool_id = ?`
		args = append(args, toolID)
	}
	query += ` ORDER BY tool_id, price_cents, code`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var plans []*licensing.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// --- subscriptions ---

const subscriptionColumns = `
	id, owner_user_id, tool_id, plan_code, status,
	trial_started_at, trial_end, cancel_at, current_period_end,
	last_switch_at, switch_count_today, past_due_since, payment_ref,
	version, created_at, updated_at`

// SubscriptionFor returns the subscription of (userID, toolID), or nil.
func (s *Store) SubscriptionFor(ctx context.Context, userID, toolID string) (*licensing.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `SELECT`+subscriptionColumns+`
		FROM subscriptions WHERE owner_user_id = ? AND tool_id = ?`, userID, toolID)
	return scanSubscription(row)
}

// GetSubscription returns a subscription by id, or nil.
func (s *Store) GetSubscription(ctx context.Context, id string) (*licensing.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `SELECT`+subscriptionColumns+`
		FROM subscriptions WHERE id = ?`, id)
	return scanSubscription(row)
}

// GetByPaymentRef returns the subscription linked to an external payment
// reference, or nil.
func (s *Store) GetByPaymentRef(ctx context.Context, ref string) (*licensing.Subscription, error) {
	if strings.TrimSpace(ref) == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `SELECT`+subscriptionColumns+`
		FROM subscriptions WHERE payment_ref = ?`, ref)
	return scanSubscription(row)
}

// ListByStatus returns subscriptions in status, oldest update first.
func (s *Store) ListByStatus(ctx context.Context, status licensing.SubscriptionStatus) ([]*licensing.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT`+subscriptionColumns+`
		FROM subscriptions WHERE status = ? ORDER BY updated_at, id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list subscriptions by status: %w", err)
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

// CountByStatus returns a map of status -> count.
func (s *Store) CountByStatus(ctx context.Context) (map[licensing.SubscriptionStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM subscriptions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count subscriptions by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[licensing.SubscriptionStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[licensing.SubscriptionStatus(status)] = count
	}
	return counts, rows.Err()
}

// InsertSubscription creates a subscription at version 1, together with an
// optional adjustment. It fails with ErrDuplicate when (owner, tool) is taken.
func (s *Store) InsertSubscription(ctx context.Context, sub *licensing.Subscription, adj *Adjustment) error {
	if sub == nil {
		return fmt.Errorf("subscription is nil")
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		sub.Version = 1
		if sub.CreatedAt.IsZero() {
			sub.CreatedAt = time.Now().UTC()
		}
		if sub.UpdatedAt.IsZero() {
			sub.UpdatedAt = sub.CreatedAt
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO subscriptions (`+subscriptionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sub.ID, sub.OwnerUserID, sub.ToolID, sub.PlanCode, string(sub.Status),
			nullableTimeMillis(sub.TrialStartedAt), nullableTimeMillis(sub.TrialEnd), nullableTimeMillis(sub.CancelAt), sub.CurrentPeriodEnd.UnixMilli(),
			nullableTimeMillis(sub.LastSwitchAt), sub.SwitchCountToday, nullableTimeMillis(sub.PastDueSince), sub.PaymentRef,
			sub.Version, sub.CreatedAt.UnixMilli(), sub.UpdatedAt.UnixMilli(),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("insert subscription %s/%s: %w", sub.OwnerUserID, sub.ToolID, ErrDuplicate)
			}
			return fmt.Errorf("insert subscription: %w", err)
		}
		return insertAdjustment(ctx, tx, adj)
	})
}

// CompareAndSwap writes sub if the stored version still equals sub.Version,
// bumping the version by one. The adjustment, if any, is booked in the same
// transaction. On success sub.Version holds the new version.
func (s *Store) CompareAndSwap(ctx context.Context, sub *licensing.Subscription, adj *Adjustment) error {
	if sub == nil {
		return fmt.Errorf("subscription is nil")
	}
	expected := sub.Version
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE subscriptions SET
				plan_code = ?, status = ?,
				trial_started_at = ?, trial_end = ?, cancel_at = ?, current_period_end = ?,
				last_switch_at = ?, switch_count_today = ?, past_due_since = ?, payment_ref = ?,
				version = version + 1, updated_at = ?
			WHERE id = ? AND version = ?`,
			sub.PlanCode, string(sub.Status),
			nullableTimeMillis(sub.TrialStartedAt), nullableTimeMillis(sub.TrialEnd), nullableTimeMillis(sub.CancelAt), sub.CurrentPeriodEnd.UnixMilli(),
			nullableTimeMillis(sub.LastSwitchAt), sub.SwitchCountToday, nullableTimeMillis(sub.PastDueSince), sub.PaymentRef,
			sub.UpdatedAt.UnixMilli(),
			sub.ID, expected,
		)
		if err != nil {
			return fmt.Errorf("update subscription: %w", err)
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			var exists int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscriptions WHERE id = ?`, sub.ID).Scan(&exists); err != nil {
				return fmt.Errorf("check subscription: %w", err)
			}
			if exists == 0 {
				return licensing.NotFoundError("update_subscription", "subscription", sub.ID)
			}
			return fmt.Errorf("subscription %s at version %d: %w", sub.ID, expected, ErrVersionConflict)
		}
		return insertAdjustment(ctx, tx, adj)
	})
	if err != nil {
		return err
	}
	sub.Version = expected + 1
	return nil
}

// ListAdjustments returns the adjustments of a subscription, oldest first.
func (s *Store) ListAdjustments(ctx context.Context, subscriptionID string) ([]Adjustment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, subscription_id, amount_cents, reason, from_plan, to_plan, created_at
		FROM adjustments WHERE subscription_id = ? ORDER BY created_at, id`, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("list adjustments: %w", err)
	}
	defer rows.Close()

	var out []Adjustment
	for rows.Next() {
		var a Adjustment
		var reason string
		var createdAt int64
		if err := rows.Scan(&a.ID, &a.SubscriptionID, &a.AmountCents, &reason, &a.FromPlan, &a.ToPlan, &createdAt); err != nil {
			return nil, fmt.Errorf("scan adjustment: %w", err)
		}
		a.Reason = AdjustmentReason(reason)
		a.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- invoices ---

// UpsertInvoice inserts or replaces an invoice. paymentRef links it to an
// external checkout or invoice id.
func (s *Store) UpsertInvoice(ctx context.Context, inv licensing.Invoice, paymentRef string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invoices (id, subscription_id, status, total_cents, due_date, locked_for_payment, payment_ref)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status, total_cents = excluded.total_cents, due_date = excluded.due_date,
			locked_for_payment = excluded.locked_for_payment, payment_ref = excluded.payment_ref`,
		inv.ID, inv.SubscriptionID, string(inv.Status), inv.TotalCents, inv.DueDate.UnixMilli(), boolToInt(inv.LockedForPayment), paymentRef,
	)
	if err != nil {
		return fmt.Errorf("upsert invoice: %w", err)
	}
	return nil
}

// InvoicesFor returns the invoices of a subscription, newest due date first.
func (s *Store) InvoicesFor(ctx context.Context, subscriptionID string) ([]licensing.Invoice, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, subscription_id, status, total_cents, due_date, locked_for_payment
		FROM invoices WHERE subscription_id = ? ORDER BY due_date DESC, id`, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	defer rows.Close()

	var out []licensing.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inv)
	}
	return out, rows.Err()
}

// InvoiceByPaymentRef returns the invoice linked to an external reference, or nil.
func (s *Store) InvoiceByPaymentRef(ctx context.Context, ref string) (*licensing.Invoice, error) {
	if strings.TrimSpace(ref) == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `SELECT id, subscription_id, status, total_cents, due_date, locked_for_payment
		FROM invoices WHERE payment_ref = ?`, ref)
	return scanInvoice(row)
}

// --- teams ---

// CreateTeam inserts a team together with its OWNER membership.
func (s *Store) CreateTeam(ctx context.Context, teamID, ownerUserID string, now time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO teams (id, owner_user_id, created_at) VALUES (?, ?, ?)`,
			teamID, ownerUserID, now.UnixMilli()); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("create team %s: %w", teamID, ErrDuplicate)
			}
			return fmt.Errorf("create team: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO team_members (team_id, user_id, role, joined_at) VALUES (?, ?, ?, ?)`,
			teamID, ownerUserID, string(licensing.RoleOwner), now.UnixMilli()); err != nil {
			return fmt.Errorf("add team owner: %w", err)
		}
		return nil
	})
}

// Team returns a team with its members in join order, or nil.
func (s *Store) Team(ctx context.Context, teamID string) (*licensing.Team, error) {
	var team licensing.Team
	err := s.db.QueryRowContext(ctx, `SELECT id, owner_user_id FROM teams WHERE id = ?`, teamID).
		Scan(&team.ID, &team.OwnerUserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get team: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT user_id, role, joined_at FROM team_members
		WHERE team_id = ? ORDER BY joined_at, seq`, teamID)
	if err != nil {
		return nil, fmt.Errorf("list team members: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m licensing.TeamMember
		var role string
		var joinedAt int64
		if err := rows.Scan(&m.UserID, &role, &joinedAt); err != nil {
			return nil, fmt.Errorf("scan team member: %w", err)
		}
		m.Role = licensing.Role(role)
		m.JoinedAt = time.UnixMilli(joinedAt).UTC()
		team.Members = append(team.Members, m)
	}
	return &team, rows.Err()
}

// AddMember appends a non-owner member to a team.
func (s *Store) AddMember(ctx context.Context, teamID string, m licensing.TeamMember) error {
	if m.Role == licensing.RoleOwner {
		return fmt.Errorf("team %s already has an owner", teamID)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO team_members (team_id, user_id, role, joined_at) VALUES (?, ?, ?, ?)`,
		teamID, m.UserID, string(m.Role), m.JoinedAt.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("add %s to team %s: %w", m.UserID, teamID, ErrDuplicate)
		}
		return fmt.Errorf("add team member: %w", err)
	}
	return nil
}

// RemoveMember deletes a non-owner membership. It reports whether a row was removed.
func (s *Store) RemoveMember(ctx context.Context, teamID, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM team_members WHERE team_id = ? AND user_id = ? AND role != ?`,
		teamID, userID, string(licensing.RoleOwner))
	if err != nil {
		return false, fmt.Errorf("remove team member: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// TeamsOwnedBy returns the ids of teams owned by userID.
func (s *Store) TeamsOwnedBy(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM teams WHERE owner_user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list owned teams: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan team id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- webhook idempotency ---

// MarkEventProcessed records an external event id. It returns false when the
// event was already recorded.
func (s *Store) MarkEventProcessed(ctx context.Context, ev ProcessedEvent) (bool, error) {
	res, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO processed_events (id, type, processed_at) VALUES (?, ?, ?)`,
		ev.ID, ev.Type, ev.ProcessedAt.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("mark event processed: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// ForgetEvent removes an event record so a failed delivery can be retried.
func (s *Store) ForgetEvent(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM processed_events WHERE id = ?`, id); err != nil {
		return fmt.Errorf("forget event: %w", err)
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func insertAdjustment(ctx context.Context, tx *sql.Tx, adj *Adjustment) error {
	if adj == nil || adj.AmountCents == 0 {
		return nil
	}
	if adj.ID == "" {
		adj.ID = NewID("adj")
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO adjustments (id, subscription_id, amount_cents, reason, from_plan, to_plan, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		adj.ID, adj.SubscriptionID, adj.AmountCents, string(adj.Reason), adj.FromPlan, adj.ToPlan, adj.CreatedAt.UnixMilli()); err != nil {
		return fmt.Errorf("insert adjustment: %w", err)
	}
	return nil
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanPlan(s scanner) (*licensing.Plan, error) {
	var p licensing.Plan
	var interval, features string
	var seatLimit sql.NullInt64

	err := s.Scan(&p.Code, &p.ToolID, &p.Name, &p.PriceCents, &interval, &p.TrialDays, &seatLimit, &features)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan plan: %w", err)
	}
	p.Interval = money.Interval(interval)
	if seatLimit.Valid {
		v := int(seatLimit.Int64)
		p.SeatLimit = &v
	}
	if err := json.Unmarshal([]byte(features), &p.Features); err != nil {
		return nil, fmt.Errorf("decode plan %s features: %w", p.Code, err)
	}
	return &p, nil
}

func scanSubscription(s scanner) (*licensing.Subscription, error) {
	var sub licensing.Subscription
	var status string
	var trialStartedAt, trialEnd, cancelAt, lastSwitchAt, pastDueSince sql.NullInt64
	var periodEnd, createdAt, updatedAt int64

	err := s.Scan(
		&sub.ID, &sub.OwnerUserID, &sub.ToolID, &sub.PlanCode, &status,
		&trialStartedAt, &trialEnd, &cancelAt, &periodEnd,
		&lastSwitchAt, &sub.SwitchCountToday, &pastDueSince, &sub.PaymentRef,
		&sub.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}

	sub.Status, err = licensing.ParseStatus(status)
	if err != nil {
		return nil, fmt.Errorf("subscription %s: %w", sub.ID, err)
	}
	sub.TrialStartedAt = timeFromNullable(trialStartedAt)
	sub.TrialEnd = timeFromNullable(trialEnd)
	sub.CancelAt = timeFromNullable(cancelAt)
	sub.LastSwitchAt = timeFromNullable(lastSwitchAt)
	sub.PastDueSince = timeFromNullable(pastDueSince)
	sub.CurrentPeriodEnd = time.UnixMilli(periodEnd).UTC()
	sub.CreatedAt = time.UnixMilli(createdAt).UTC()
	sub.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &sub, nil
}

func scanSubscriptions(rows *sql.Rows) ([]*licensing.Subscription, error) {
	var subs []*licensing.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func scanInvoice(s scanner) (*licensing.Invoice, error) {
	var inv licensing.Invoice
	var status string
	var dueDate int64
	var locked int

	if err := s.Scan(&inv.ID, &inv.SubscriptionID, &status, &inv.TotalCents, &dueDate, &locked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan invoice: %w", err)
	}
	inv.Status = licensing.InvoiceStatus(status)
	inv.DueDate = time.UnixMilli(dueDate).UTC()
	inv.LockedForPayment = locked != 0
	return &inv, nil
}

func timeFromNullable(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func nullableTimeMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
