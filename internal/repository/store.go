// Package repository persists subscription records, usage ledger rows and
// webhook event records.
//
// One implementation serves both backends: PostgreSQL through the pgx
// database/sql driver and SQLite through modernc.org/sqlite. The backends
// differ only in placeholder syntax, time encoding and row locking, which
// the dialect captures.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/DukeRupert/hookmeter/internal/domain"
	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("repository: not found")

// Store is the durable state of the entitlement engine. Every write that
// must be atomic under concurrency is a single conditional statement or a
// transaction guarded by a unique constraint.
type Store interface {
	// EnsureSubscription returns the user's record, creating the free one if absent.
	EnsureSubscription(ctx context.Context, userID uuid.UUID, now time.Time) (*domain.Subscription, error)
	GetSubscription(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error)
	GetSubscriptionByCustomerID(ctx context.Context, customerID string) (*domain.Subscription, error)
	GetSubscriptionByProviderID(ctx context.Context, subscriptionID string) (*domain.Subscription, error)
	// SetCustomerID stores the provider customer id if none is set yet and
	// returns the id now on record.
	SetCustomerID(ctx context.Context, userID uuid.UUID, customerID string, now time.Time) (string, error)
	// SaveSubscription overwrites the record if its version still matches,
	// then bumps the version. A lost race returns domain.ErrConditionFailed.
	SaveSubscription(ctx context.Context, sub *domain.Subscription) error

	// GetCurrentUsage returns the row whose period contains at.
	GetCurrentUsage(ctx context.Context, userID uuid.UUID, at time.Time) (*domain.UsageRow, error)
	// GetLatestUsage returns the row with the newest period start.
	GetLatestUsage(ctx context.Context, userID uuid.UUID) (*domain.UsageRow, error)
	// OpenUsagePeriod inserts row unless a period starting at or after
	// row.PeriodStart already exists, in which case that newest row is
	// returned with inserted=false. An older period overlapping the new
	// start is closed at the new start in the same transaction.
	OpenUsagePeriod(ctx context.Context, row *domain.UsageRow) (current *domain.UsageRow, inserted bool, err error)
	// IncrementUsage atomically adds to one counter if the counter stays
	// within its ceiling and the period has not ended at p.Now. Otherwise it
	// returns domain.ErrConditionFailed.
	IncrementUsage(ctx context.Context, p IncrementParams) (*domain.UsageRow, error)
	// ApplyPlanLimits re-snapshots plan's limits onto a row that is still
	// open at now, leaving its counters untouched. Otherwise it returns
	// domain.ErrConditionFailed.
	ApplyPlanLimits(ctx context.Context, rowID uuid.UUID, plan domain.Plan, now time.Time) (*domain.UsageRow, error)
	ListUsageHistory(ctx context.Context, userID uuid.UUID, limit int) ([]domain.UsageRow, error)

	// RecordWebhookEvent inserts the event unless its provider id is known,
	// and returns the stored record. created is false for redeliveries.
	RecordWebhookEvent(ctx context.Context, ev *domain.WebhookEvent) (stored *domain.WebhookEvent, created bool, err error)
	// ClaimWebhookEvent takes the processing lease of an unprocessed event.
	ClaimWebhookEvent(ctx context.Context, id uuid.UUID, now, leaseUntil time.Time) (bool, error)
	CompleteWebhookEvent(ctx context.Context, id uuid.UUID, outcome domain.WebhookOutcome, now time.Time) error
	FailWebhookEvent(ctx context.Context, id uuid.UUID, processingError string) error

	// Driver names the backend ("postgres" or "sqlite").
	Driver() string
	Ping(ctx context.Context) error
	Close() error
}

// IncrementParams describes a conditional counter increment.
type IncrementParams struct {
	RowID   uuid.UUID
	Counter domain.Counter
	Amount  int64
	Charge  int64 // added to overage_charge
	Now     time.Time
}

// =============================================================================
// Dialect
// =============================================================================

type dialect struct {
	name string
	// numbered converts ? placeholders to $1, $2, ...
	numbered bool
	// unixTimes stores timestamps as INTEGER seconds instead of timestamptz.
	unixTimes bool
	// lockUser is appended to the subscription lookup that serializes
	// ledger writers for one user.
	lockUser string
}

var (
	postgresDialect = dialect{name: "postgres", numbered: true, lockUser: " FOR UPDATE"}
	sqliteDialect   = dialect{name: "sqlite", unixTimes: true}
)

func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d dialect) ts(t time.Time) any {
	if d.unixTimes {
		return t.Unix()
	}
	return t.UTC()
}

func (d dialect) nullTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return d.ts(*t)
}

// dbTime scans either a timestamptz (time.Time) or unix seconds (int64).
type dbTime struct {
	Time  time.Time
	Valid bool
}

func (t *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
	case time.Time:
		t.Time, t.Valid = v.UTC(), true
	case int64:
		t.Time, t.Valid = time.Unix(v, 0).UTC(), true
	default:
		return fmt.Errorf("unsupported time value %T", src)
	}
	return nil
}

func (t dbTime) ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func intPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

// =============================================================================
// Implementation
// =============================================================================

type sqlStore struct {
	db *sql.DB
	d  dialect
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *sqlStore) queryRow(ctx context.Context, q queryer, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, s.d.rebind(query), args...)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *sqlStore) exec(ctx context.Context, q queryer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.d.rebind(query), args...)
}

func (s *sqlStore) Driver() string {
	return s.d.name
}

func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// -----------------------------------------------------------------------------
// Subscriptions
// -----------------------------------------------------------------------------

const subscriptionColumns = `user_id, plan_name, status, provider_customer_id, provider_subscription_id,
	ended_subscription_id, current_period_end, cancel_at_period_end, last_event_at, last_invoice_event_at,
	version, created_at, updated_at`

func scanSubscription(row scanner) (*domain.Subscription, error) {
	var (
		sub                  domain.Subscription
		plan, status         string
		customerID, subID    sql.NullString
		endedSubID           sql.NullString
		periodEnd, lastEvent dbTime
		lastInvoiceEvent     dbTime
		createdAt, updatedAt dbTime
	)
	err := row.Scan(&sub.UserID, &plan, &status, &customerID, &subID, &endedSubID,
		&periodEnd, &sub.CancelAtPeriodEnd, &lastEvent, &lastInvoiceEvent, &sub.Version, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	sub.PlanName = domain.PlanName(plan)
	sub.Status = domain.SubscriptionStatus(status)
	sub.ProviderCustomerID = customerID.String
	sub.ProviderSubscriptionID = subID.String
	sub.EndedSubscriptionID = endedSubID.String
	sub.CurrentPeriodEnd = periodEnd.ptr()
	sub.LastEventAt = lastEvent.ptr()
	sub.LastInvoiceEventAt = lastInvoiceEvent.ptr()
	sub.CreatedAt = createdAt.Time
	sub.UpdatedAt = updatedAt.Time
	return &sub, nil
}

func (s *sqlStore) EnsureSubscription(ctx context.Context, userID uuid.UUID, now time.Time) (*domain.Subscription, error) {
	fresh := domain.NewFreeSubscription(userID, now)
	_, err := s.exec(ctx, s.db, `
		INSERT INTO subscriptions (user_id, plan_name, status, cancel_at_period_end, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT (user_id) DO NOTHING`,
		userID, string(fresh.PlanName), string(fresh.Status), false, s.d.ts(now), s.d.ts(now))
	if err != nil {
		return nil, fmt.Errorf("ensure subscription: %w", err)
	}
	return s.GetSubscription(ctx, userID)
}

func (s *sqlStore) GetSubscription(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error) {
	return scanSubscription(s.queryRow(ctx, s.db,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = ?`, userID))
}

func (s *sqlStore) GetSubscriptionByCustomerID(ctx context.Context, customerID string) (*domain.Subscription, error) {
	return scanSubscription(s.queryRow(ctx, s.db,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE provider_customer_id = ?`, customerID))
}

func (s *sqlStore) GetSubscriptionByProviderID(ctx context.Context, subscriptionID string) (*domain.Subscription, error) {
	return scanSubscription(s.queryRow(ctx, s.db,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE provider_subscription_id = ?`, subscriptionID))
}

func (s *sqlStore) SetCustomerID(ctx context.Context, userID uuid.UUID, customerID string, now time.Time) (string, error) {
	_, err := s.exec(ctx, s.db, `
		UPDATE subscriptions
		SET provider_customer_id = ?, version = version + 1, updated_at = ?
		WHERE user_id = ? AND provider_customer_id IS NULL`,
		customerID, s.d.ts(now), userID)
	if err != nil {
		return "", fmt.Errorf("set customer id: %w", err)
	}
	sub, err := s.GetSubscription(ctx, userID)
	if err != nil {
		return "", err
	}
	return sub.ProviderCustomerID, nil
}

func (s *sqlStore) SaveSubscription(ctx context.Context, sub *domain.Subscription) error {
	res, err := s.exec(ctx, s.db, `
		UPDATE subscriptions
		SET plan_name = ?, status = ?, provider_customer_id = ?, provider_subscription_id = ?,
			ended_subscription_id = ?, current_period_end = ?, cancel_at_period_end = ?, last_event_at = ?,
			last_invoice_event_at = ?, version = version + 1, updated_at = ?
		WHERE user_id = ? AND version = ?`,
		string(sub.PlanName), string(sub.Status), nullString(sub.ProviderCustomerID), nullString(sub.ProviderSubscriptionID),
		nullString(sub.EndedSubscriptionID), s.d.nullTS(sub.CurrentPeriodEnd), sub.CancelAtPeriodEnd, s.d.nullTS(sub.LastEventAt),
		s.d.nullTS(sub.LastInvoiceEventAt), s.d.ts(sub.UpdatedAt), sub.UserID, sub.Version)
	if err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}
	if n == 0 {
		return domain.ErrConditionFailed
	}
	sub.Version++
	return nil
}

// -----------------------------------------------------------------------------
// Usage ledger
// -----------------------------------------------------------------------------

const usageColumns = `id, user_id, period_start, period_end, pro_used, draft_used, pro_overage_used,
	pro_limit, draft_limit, pro_overage_limit, overage_unit_price, overage_charge,
	plan_name, provider_subscription_id, version, created_at, updated_at`

func scanUsage(row scanner) (*domain.UsageRow, error) {
	var (
		r                    domain.UsageRow
		start, end           dbTime
		proLimit, draftLimit sql.NullInt64
		plan                 string
		subID                sql.NullString
		createdAt, updatedAt dbTime
	)
	err := row.Scan(&r.ID, &r.UserID, &start, &end, &r.ProUsed, &r.DraftUsed, &r.ProOverageUsed,
		&proLimit, &draftLimit, &r.ProOverageLimit, &r.OverageUnitPrice, &r.OverageCharge,
		&plan, &subID, &r.Version, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan usage row: %w", err)
	}
	r.PeriodStart = start.Time
	r.PeriodEnd = end.Time
	r.ProLimit = intPtr(proLimit)
	r.DraftLimit = intPtr(draftLimit)
	r.PlanName = domain.PlanName(plan)
	r.ProviderSubscriptionID = subID.String
	r.CreatedAt = createdAt.Time
	r.UpdatedAt = updatedAt.Time
	return &r, nil
}

func (s *sqlStore) GetCurrentUsage(ctx context.Context, userID uuid.UUID, at time.Time) (*domain.UsageRow, error) {
	return scanUsage(s.queryRow(ctx, s.db, `
		SELECT `+usageColumns+` FROM usage_periods
		WHERE user_id = ? AND period_start <= ? AND period_end > ?
		ORDER BY period_start DESC LIMIT 1`,
		userID, s.d.ts(at), s.d.ts(at)))
}

func (s *sqlStore) GetLatestUsage(ctx context.Context, userID uuid.UUID) (*domain.UsageRow, error) {
	return s.latestUsage(ctx, s.db, userID)
}

func (s *sqlStore) latestUsage(ctx context.Context, q queryer, userID uuid.UUID) (*domain.UsageRow, error) {
	return scanUsage(s.queryRow(ctx, q, `
		SELECT `+usageColumns+` FROM usage_periods
		WHERE user_id = ?
		ORDER BY period_start DESC LIMIT 1`, userID))
}

func (s *sqlStore) OpenUsagePeriod(ctx context.Context, row *domain.UsageRow) (*domain.UsageRow, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("open usage period: begin: %w", err)
	}
	defer tx.Rollback()

	// Serialize ledger writers for this user on the subscription row.
	var locked uuid.UUID
	err = s.queryRow(ctx, tx, `SELECT user_id FROM subscriptions WHERE user_id = ?`+s.d.lockUser, row.UserID).Scan(&locked)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("open usage period: lock: %w", err)
	}

	latest, err := s.latestUsage(ctx, tx, row.UserID)
	switch {
	case errors.Is(err, ErrNotFound):
		latest = nil
	case err != nil:
		return nil, false, err
	}

	if latest != nil && !row.PeriodStart.After(latest.PeriodStart) {
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("open usage period: commit: %w", err)
		}
		return latest, false, nil
	}

	if latest != nil && latest.PeriodEnd.After(row.PeriodStart) {
		if _, err := s.exec(ctx, tx, `
			UPDATE usage_periods SET period_end = ?, version = version + 1, updated_at = ?
			WHERE id = ?`,
			s.d.ts(row.PeriodStart), s.d.ts(row.CreatedAt), latest.ID); err != nil {
			return nil, false, fmt.Errorf("open usage period: close previous: %w", err)
		}
	}

	res, err := s.exec(ctx, tx, `
		INSERT INTO usage_periods (`+usageColumns+`)
		VALUES (?, ?, ?, ?, 0, 0, 0, ?, ?, ?, ?, 0, ?, ?, 0, ?, ?)
		ON CONFLICT (user_id, period_start) DO NOTHING`,
		row.ID, row.UserID, s.d.ts(row.PeriodStart), s.d.ts(row.PeriodEnd),
		nullInt(row.ProLimit), nullInt(row.DraftLimit), row.ProOverageLimit, row.OverageUnitPrice,
		string(row.PlanName), nullString(row.ProviderSubscriptionID), s.d.ts(row.CreatedAt), s.d.ts(row.CreatedAt))
	if err != nil {
		return nil, false, fmt.Errorf("open usage period: insert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("open usage period: %w", err)
	}

	current, err := scanUsage(s.queryRow(ctx, tx,
		`SELECT `+usageColumns+` FROM usage_periods WHERE user_id = ? AND period_start = ?`,
		row.UserID, s.d.ts(row.PeriodStart)))
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("open usage period: commit: %w", err)
	}
	return current, n == 1, nil
}

// counterColumns maps each counter to itself and its ceiling column. Column
// names never come from user input.
var counterColumns = map[domain.Counter][2]string{
	domain.CounterProUsed:        {"pro_used", "pro_limit"},
	domain.CounterDraftUsed:      {"draft_used", "draft_limit"},
	domain.CounterProOverageUsed: {"pro_overage_used", "pro_overage_limit"},
}

func (s *sqlStore) IncrementUsage(ctx context.Context, p IncrementParams) (*domain.UsageRow, error) {
	cols, ok := counterColumns[p.Counter]
	if !ok {
		return nil, fmt.Errorf("increment usage: unknown counter %q", p.Counter)
	}
	if p.Amount <= 0 {
		return nil, fmt.Errorf("increment usage: amount must be positive, got %d", p.Amount)
	}
	counter, ceiling := cols[0], cols[1]

	row, err := scanUsage(s.queryRow(ctx, s.db, `
		UPDATE usage_periods
		SET `+counter+` = `+counter+` + ?, overage_charge = overage_charge + ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND period_end > ?
			AND (`+ceiling+` IS NULL OR `+counter+` + ? <= `+ceiling+`)
		RETURNING `+usageColumns,
		p.Amount, p.Charge, s.d.ts(p.Now), p.RowID, s.d.ts(p.Now), p.Amount))
	if errors.Is(err, ErrNotFound) {
		return nil, domain.ErrConditionFailed
	}
	return row, err
}

func (s *sqlStore) ApplyPlanLimits(ctx context.Context, rowID uuid.UUID, plan domain.Plan, now time.Time) (*domain.UsageRow, error) {
	row, err := scanUsage(s.queryRow(ctx, s.db, `
		UPDATE usage_periods
		SET pro_limit = ?, draft_limit = ?, pro_overage_limit = ?, overage_unit_price = ?, plan_name = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND period_end > ?
		RETURNING `+usageColumns,
		nullInt(plan.ProGenerationsLimit), nullInt(plan.DraftGenerationsLimit), plan.MaxOverage(), plan.OverageUnitPrice,
		string(plan.Name), s.d.ts(now), rowID, s.d.ts(now)))
	if errors.Is(err, ErrNotFound) {
		return nil, domain.ErrConditionFailed
	}
	return row, err
}

func (s *sqlStore) ListUsageHistory(ctx context.Context, userID uuid.UUID, limit int) ([]domain.UsageRow, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(`
		SELECT `+usageColumns+` FROM usage_periods
		WHERE user_id = ?
		ORDER BY period_start DESC LIMIT ?`), userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list usage history: %w", err)
	}
	defer rows.Close()

	var out []domain.UsageRow
	for rows.Next() {
		r, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------------
// Webhook events
// -----------------------------------------------------------------------------

const webhookColumns = `id, provider_event_id, event_type, event_created_at, processed, outcome,
	processing_error, retry_count, locked_until, received_at, processed_at`

func scanWebhookEvent(row scanner) (*domain.WebhookEvent, error) {
	var (
		ev                     domain.WebhookEvent
		outcome, procErr       sql.NullString
		created, received      dbTime
		lockedUntil, processed dbTime
	)
	err := row.Scan(&ev.ID, &ev.ProviderEventID, &ev.EventType, &created, &ev.Processed, &outcome,
		&procErr, &ev.RetryCount, &lockedUntil, &received, &processed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan webhook event: %w", err)
	}
	ev.EventCreatedAt = created.Time
	ev.Outcome = domain.WebhookOutcome(outcome.String)
	ev.ProcessingError = procErr.String
	ev.LockedUntil = lockedUntil.ptr()
	ev.ReceivedAt = received.Time
	ev.ProcessedAt = processed.ptr()
	return &ev, nil
}

func (s *sqlStore) RecordWebhookEvent(ctx context.Context, ev *domain.WebhookEvent) (*domain.WebhookEvent, bool, error) {
	payload := pqtype.NullRawMessage{RawMessage: ev.Payload, Valid: len(ev.Payload) > 0}
	res, err := s.exec(ctx, s.db, `
		INSERT INTO webhook_events (id, provider_event_id, event_type, payload, event_created_at,
			processed, retry_count, received_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT (provider_event_id) DO NOTHING`,
		ev.ID, ev.ProviderEventID, ev.EventType, payload, s.d.ts(ev.EventCreatedAt), false, s.d.ts(ev.ReceivedAt))
	if err != nil {
		return nil, false, fmt.Errorf("record webhook event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("record webhook event: %w", err)
	}
	stored, err := scanWebhookEvent(s.queryRow(ctx, s.db,
		`SELECT `+webhookColumns+` FROM webhook_events WHERE provider_event_id = ?`, ev.ProviderEventID))
	if err != nil {
		return nil, false, err
	}
	return stored, n == 1, nil
}

func (s *sqlStore) ClaimWebhookEvent(ctx context.Context, id uuid.UUID, now, leaseUntil time.Time) (bool, error) {
	res, err := s.exec(ctx, s.db, `
		UPDATE webhook_events SET locked_until = ?
		WHERE id = ? AND processed = ? AND (locked_until IS NULL OR locked_until <= ?)`,
		s.d.ts(leaseUntil), id, false, s.d.ts(now))
	if err != nil {
		return false, fmt.Errorf("claim webhook event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim webhook event: %w", err)
	}
	return n == 1, nil
}

func (s *sqlStore) CompleteWebhookEvent(ctx context.Context, id uuid.UUID, outcome domain.WebhookOutcome, now time.Time) error {
	_, err := s.exec(ctx, s.db, `
		UPDATE webhook_events
		SET processed = ?, outcome = ?, processing_error = NULL, locked_until = NULL, processed_at = ?
		WHERE id = ?`,
		true, string(outcome), s.d.ts(now), id)
	if err != nil {
		return fmt.Errorf("complete webhook event: %w", err)
	}
	return nil
}

func (s *sqlStore) FailWebhookEvent(ctx context.Context, id uuid.UUID, processingError string) error {
	_, err := s.exec(ctx, s.db, `
		UPDATE webhook_events
		SET processed = ?, outcome = ?, processing_error = ?, retry_count = retry_count + 1, locked_until = NULL
		WHERE id = ?`,
		false, string(domain.WebhookOutcomeFailed), processingError, id)
	if err != nil {
		return fmt.Errorf("fail webhook event: %w", err)
	}
	return nil
}
