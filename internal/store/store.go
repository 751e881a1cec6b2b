// Package store persists subscription rows and their transition audit trail in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/unipanel/entitlements/internal/audit"
	"github.com/unipanel/entitlements/internal/clock"
	entErrors "github.com/unipanel/entitlements/internal/errors"
	"github.com/unipanel/entitlements/pkg/catalog"
)

// EntitlementStore is the persistence contract used by the lifecycle, gate and reconciler.
type EntitlementStore interface {
	Get(ctx context.Context, tenantID string) (*Subscription, error)
	Current(ctx context.Context, tenantID string, now time.Time) (*Subscription, error)
	GetByCorrelationID(ctx context.Context, correlationID string) (*Subscription, error)
	History(ctx context.Context, tenantID string) ([]*Subscription, error)
	CreatePending(ctx context.Context, req PendingRequest) (*Subscription, error)
	CreatePromotional(ctx context.Context, req PendingRequest) (*Subscription, error)
	ApplyPaymentResult(ctx context.Context, correlationID string, outcome PaymentStatus, amountConfirmed decimal.Decimal) (*Subscription, error)
	MarkAmountMismatch(ctx context.Context, correlationID string, amountConfirmed decimal.Decimal) (*Subscription, error)
	FlagLatePayment(ctx context.Context, correlationID string, amountConfirmed decimal.Decimal) (*Subscription, error)
	SweepExpired(ctx context.Context) (int, error)
	SweepStalePending(ctx context.Context, timeout time.Duration) (int, error)
	ConsumeAddonCredits(ctx context.Context, tenantID string, n int64) (int64, error)
	ListNeedingReview(ctx context.Context) ([]*Subscription, error)
	ResolveReview(ctx context.Context, correlationID, note string) (*Subscription, error)
	Transitions(ctx context.Context, correlationID string) ([]Transition, error)
	CountByStatus(ctx context.Context) (map[PaymentStatus]int, error)
}

// SQLiteStore implements EntitlementStore on a single SQLite database.
type SQLiteStore struct {
	db    *sql.DB
	clock clock.Clock
}

var _ EntitlementStore = (*SQLiteStore)(nil)

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) Option {
	return func(s *SQLiteStore) {
		if c != nil {
			s.clock = c
		}
	}
}

// Open opens (or creates) the entitlement database in dir.
func Open(dir string, opts ...Option) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "entitlements.db")
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
		return nil, fmt.Errorf("open entitlement db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := New(db, opts...)
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already-open database. The schema is assumed to exist.
func New(db *sql.DB, opts ...Option) *SQLiteStore {
	s := &SQLiteStore{db: db, clock: clock.System{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS subscriptions (
		id                   INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant_id            TEXT NOT NULL,
		correlation_id       TEXT NOT NULL UNIQUE,
		tier                 TEXT NOT NULL,
		duration_months      INTEGER NOT NULL,
		addon_key            TEXT NOT NULL DEFAULT '',
		addon_credits        INTEGER NOT NULL DEFAULT 0,
		included_credits     INTEGER NOT NULL DEFAULT 0,
		payment_status       TEXT NOT NULL CHECK (payment_status IN ('pending', 'success', 'failed')),
		amount               TEXT NOT NULL,
		amount_confirmed     TEXT,
		period_start         INTEGER,
		period_end           INTEGER,
		addon_credit_balance INTEGER NOT NULL DEFAULT 0,
		promotional          INTEGER NOT NULL DEFAULT 0,
		expired              INTEGER NOT NULL DEFAULT 0,
		needs_review         INTEGER NOT NULL DEFAULT 0,
		review_reason        TEXT NOT NULL DEFAULT '',
		review_note          TEXT NOT NULL DEFAULT '',
		created_at           INTEGER NOT NULL,
		updated_at           INTEGER NOT NULL,
		CHECK (period_end IS NULL OR period_end >= period_start)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_subscriptions_one_pending
		ON subscriptions(tenant_id) WHERE payment_status = 'pending';
	CREATE INDEX IF NOT EXISTS idx_subscriptions_tenant ON subscriptions(tenant_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_status ON subscriptions(payment_status);

	CREATE TABLE IF NOT EXISTS subscription_transitions (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant_id      TEXT NOT NULL,
		correlation_id TEXT NOT NULL,
		from_status    TEXT NOT NULL DEFAULT '',
		to_status      TEXT NOT NULL,
		actor          TEXT NOT NULL,
		reason         TEXT NOT NULL DEFAULT '',
		created_at     INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transitions_correlation ON subscription_transitions(correlation_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init entitlement schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) now() time.Time {
	return s.clock.Now().UTC()
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const subscriptionColumns = `id, tenant_id, correlation_id, tier, duration_months,
		addon_key, addon_credits, included_credits, payment_status, amount, amount_confirmed,
		period_start, period_end, addon_credit_balance, promotional, expired,
		needs_review, review_reason, review_note, created_at, updated_at`

// Get returns the most recent row of any status for tenantID, or nil.
func (s *SQLiteStore) Get(ctx context.Context, tenantID string) (*Subscription, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+`
		FROM subscriptions WHERE tenant_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, tenantID)
	return scanSubscription(row)
}

// Current returns the most recent successful row whose period covers now, or nil.
func (s *SQLiteStore) Current(ctx context.Context, tenantID string, now time.Time) (*Subscription, error) {
	return currentSubscription(ctx, s.db, tenantID, now)
}

func currentSubscription(ctx context.Context, q querier, tenantID string, now time.Time) (*Subscription, error) {
	row := q.QueryRowContext(ctx, `SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE tenant_id = ? AND payment_status = 'success' AND period_end >= ?
		ORDER BY period_start DESC, id DESC LIMIT 1`, tenantID, now.Unix())
	return scanSubscription(row)
}

// GetByCorrelationID returns the row for correlationID, or nil.
func (s *SQLiteStore) GetByCorrelationID(ctx context.Context, correlationID string) (*Subscription, error) {
	return byCorrelationID(ctx, s.db, correlationID)
}

func byCorrelationID(ctx context.Context, q querier, correlationID string) (*Subscription, error) {
	row := q.QueryRowContext(ctx, `SELECT `+subscriptionColumns+`
		FROM subscriptions WHERE correlation_id = ?`, correlationID)
	return scanSubscription(row)
}

// History returns every row for tenantID, newest first.
func (s *SQLiteStore) History(ctx context.Context, tenantID string) ([]*Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+subscriptionColumns+`
		FROM subscriptions WHERE tenant_id = ? ORDER BY created_at DESC, id DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list subscription history: %w", err)
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

func validatePending(op string, req PendingRequest) error {
	switch {
	case strings.TrimSpace(req.TenantID) == "":
		return entErrors.Invalid(op, "tenant id is required")
	case strings.TrimSpace(req.CorrelationID) == "":
		return entErrors.Invalid(op, "correlation id is required")
	case req.Amount.IsNegative():
		return entErrors.Invalid(op, "amount must not be negative")
	case req.AddonCredits < 0 || req.IncludedCredits < 0:
		return entErrors.Invalid(op, "credits must not be negative")
	}
	_, err := catalog.NewPackageKey(req.Tier, req.DurationMonths)
	return err
}

// CreatePending inserts a pending row. A tenant may hold at most one pending
// row; a second request, including a concurrent insert that loses on the
// partial unique index, fails with a conflict error.
func (s *SQLiteStore) CreatePending(ctx context.Context, req PendingRequest) (*Subscription, error) {
	const op = "create_pending"
	if err := validatePending(op, req); err != nil {
		return nil, err
	}
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin create pending: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := pendingForTenant(ctx, tx, req.TenantID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, entErrors.Conflict(op, req.TenantID)
	}

	sub := &Subscription{
		TenantID:        req.TenantID,
		CorrelationID:   req.CorrelationID,
		Tier:            req.Tier,
		DurationMonths:  req.DurationMonths,
		AddonKey:        req.AddonKey,
		AddonCredits:    req.AddonCredits,
		IncludedCredits: req.IncludedCredits,
		PaymentStatus:   StatusPending,
		Amount:          req.Amount.Round(2),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := insertSubscription(ctx, tx, sub); err != nil {
		return nil, mapInsertError(op, req, err)
	}
	if err := recordTransition(ctx, tx, sub, "", StatusPending, "upgrade requested", now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create pending: %w", err)
	}
	return sub, nil
}

// CreatePromotional inserts a row directly in success with a zero amount.
func (s *SQLiteStore) CreatePromotional(ctx context.Context, req PendingRequest) (*Subscription, error) {
	const op = "create_promotional"
	if err := validatePending(op, req); err != nil {
		return nil, err
	}
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin create promotional: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := pendingForTenant(ctx, tx, req.TenantID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, entErrors.Conflict(op, req.TenantID)
	}

	carried, err := carryBalance(ctx, tx, req.TenantID, now)
	if err != nil {
		return nil, err
	}
	key, err := catalog.NewPackageKey(req.Tier, req.DurationMonths)
	if err != nil {
		return nil, err
	}
	start, end := now, key.PeriodEnd(now)
	zero := decimal.Zero

	sub := &Subscription{
		TenantID:           req.TenantID,
		CorrelationID:      req.CorrelationID,
		Tier:               req.Tier,
		DurationMonths:     req.DurationMonths,
		AddonKey:           req.AddonKey,
		AddonCredits:       req.AddonCredits,
		IncludedCredits:    req.IncludedCredits,
		PaymentStatus:      StatusSuccess,
		Amount:             zero,
		AmountConfirmed:    &zero,
		PeriodStart:        &start,
		PeriodEnd:          &end,
		AddonCreditBalance: carried + req.IncludedCredits + req.AddonCredits,
		Promotional:        true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := insertSubscription(ctx, tx, sub); err != nil {
		return nil, mapInsertError(op, req, err)
	}
	if err := recordTransition(ctx, tx, sub, "", StatusSuccess, "promotion", now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create promotional: %w", err)
	}
	return sub, nil
}

// ApplyPaymentResult moves a pending row to outcome. Replaying the same
// outcome on a terminal row returns the row unchanged; a different outcome
// on a terminal row is a duplicate error.
func (s *SQLiteStore) ApplyPaymentResult(ctx context.Context, correlationID string, outcome PaymentStatus, amountConfirmed decimal.Decimal) (*Subscription, error) {
	const op = "apply_payment_result"
	if !outcome.Terminal() {
		return nil, entErrors.Invalid(op, "outcome must be success or failed, got %q", outcome)
	}
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin apply payment result: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sub, err := byCorrelationID(ctx, tx, correlationID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, entErrors.NotFound(op, correlationID)
	}
	if sub.PaymentStatus.Terminal() {
		if sub.PaymentStatus == outcome {
			return sub, nil
		}
		return nil, entErrors.Duplicate(op, correlationID,
			fmt.Errorf("row is already %s, cannot apply %s", sub.PaymentStatus, outcome))
	}

	confirmed := amountConfirmed.Round(2)
	sub.AmountConfirmed = &confirmed
	sub.UpdatedAt = now

	var res sql.Result
	if outcome == StatusSuccess {
		key, err := catalog.NewPackageKey(sub.Tier, sub.DurationMonths)
		if err != nil {
			return nil, err
		}
		carried, err := carryBalance(ctx, tx, sub.TenantID, now)
		if err != nil {
			return nil, err
		}
		start, end := now, key.PeriodEnd(now)
		sub.PeriodStart, sub.PeriodEnd = &start, &end
		sub.AddonCreditBalance = carried + sub.IncludedCredits + sub.AddonCredits

		res, err = tx.ExecContext(ctx, `
			UPDATE subscriptions SET
				payment_status = 'success', amount_confirmed = ?,
				period_start = ?, period_end = ?, addon_credit_balance = ?, updated_at = ?
			WHERE correlation_id = ? AND payment_status = 'pending'`,
			confirmed.String(), start.Unix(), end.Unix(), sub.AddonCreditBalance, now.Unix(),
			correlationID,
		)
		if err != nil {
			return nil, fmt.Errorf("apply payment success: %w", err)
		}
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE subscriptions SET payment_status = 'failed', amount_confirmed = ?, updated_at = ?
			WHERE correlation_id = ? AND payment_status = 'pending'`,
			confirmed.String(), now.Unix(), correlationID,
		)
		if err != nil {
			return nil, fmt.Errorf("apply payment failure: %w", err)
		}
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, entErrors.Duplicate(op, correlationID, errors.New("row left pending concurrently"))
	}
	sub.PaymentStatus = outcome

	if err := recordTransition(ctx, tx, sub, StatusPending, outcome, "payment callback", now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit apply payment result: %w", err)
	}
	return sub, nil
}

// MarkAmountMismatch fails a pending row and flags it for operator review.
// Terminal rows are returned unchanged.
func (s *SQLiteStore) MarkAmountMismatch(ctx context.Context, correlationID string, amountConfirmed decimal.Decimal) (*Subscription, error) {
	const op = "mark_amount_mismatch"
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin mark amount mismatch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sub, err := byCorrelationID(ctx, tx, correlationID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, entErrors.NotFound(op, correlationID)
	}
	if sub.PaymentStatus.Terminal() {
		return sub, nil
	}

	confirmed := amountConfirmed.Round(2)
	reason := fmt.Sprintf("amount mismatch: recorded %s, confirmed %s", sub.Amount.StringFixed(2), confirmed.StringFixed(2))
	res, err := tx.ExecContext(ctx, `
		UPDATE subscriptions SET
			payment_status = 'failed', amount_confirmed = ?, needs_review = 1, review_reason = ?, updated_at = ?
		WHERE correlation_id = ? AND payment_status = 'pending'`,
		confirmed.String(), reason, now.Unix(), correlationID,
	)
	if err != nil {
		return nil, fmt.Errorf("mark amount mismatch: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, entErrors.Duplicate(op, correlationID, errors.New("row left pending concurrently"))
	}
	sub.PaymentStatus = StatusFailed
	sub.AmountConfirmed = &confirmed
	sub.NeedsReview = true
	sub.ReviewReason = reason
	sub.UpdatedAt = now

	if err := recordTransition(ctx, tx, sub, StatusPending, StatusFailed, reason, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit mark amount mismatch: %w", err)
	}
	return sub, nil
}

// LatePaymentReason is recorded when the processor confirms a payment for a
// row that had already failed.
const LatePaymentReason = "late payment after timeout"

// FlagLatePayment queues a failed row for operator review after the
// processor reported it paid. The payment status stays failed; an operator
// decides between refunding and granting. Rows that were already reviewed,
// or are awaiting review, are returned unchanged.
func (s *SQLiteStore) FlagLatePayment(ctx context.Context, correlationID string, amountConfirmed decimal.Decimal) (*Subscription, error) {
	const op = "flag_late_payment"
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin flag late payment: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sub, err := byCorrelationID(ctx, tx, correlationID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, entErrors.NotFound(op, correlationID)
	}
	if sub.PaymentStatus != StatusFailed {
		return nil, entErrors.Invalid(op, "%s is %s, not failed", correlationID, sub.PaymentStatus)
	}
	if sub.NeedsReview || sub.ReviewReason != "" {
		return sub, nil
	}

	confirmed := amountConfirmed.Round(2)
	reason := fmt.Sprintf("%s: confirmed %s", LatePaymentReason, confirmed.StringFixed(2))
	res, err := tx.ExecContext(ctx, `
		UPDATE subscriptions SET needs_review = 1, review_reason = ?, amount_confirmed = ?, updated_at = ?
		WHERE id = ? AND payment_status = 'failed' AND needs_review = 0 AND review_reason = ''`,
		reason, confirmed.String(), now.Unix(), sub.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("flag late payment: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, entErrors.Duplicate(op, correlationID, errors.New("row changed concurrently"))
	}
	sub.AmountConfirmed = &confirmed
	sub.NeedsReview = true
	sub.ReviewReason = reason
	sub.UpdatedAt = now

	if err := recordTransition(ctx, tx, sub, StatusFailed, StatusFailed, reason, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit flag late payment: %w", err)
	}
	return sub, nil
}

// SweepExpired flags successful rows whose period has ended. Payment status is never changed.
func (s *SQLiteStore) SweepExpired(ctx context.Context) (int, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions SET expired = 1, updated_at = ?
		WHERE payment_status = 'success' AND expired = 0 AND period_end < ?`,
		now.Unix(), now.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("sweep expired subscriptions: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected > 0 {
		log.Debug().Int64("count", affected).Msg("Flagged expired subscriptions")
	}
	return int(affected), nil
}

// SweepStalePending fails pending rows created more than timeout ago.
func (s *SQLiteStore) SweepStalePending(ctx context.Context, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		return 0, entErrors.Invalid("sweep_stale_pending", "timeout must be positive")
	}
	now := s.now()
	cutoff := now.Add(-timeout)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin sweep stale pending: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT `+subscriptionColumns+`
		FROM subscriptions WHERE payment_status = 'pending' AND created_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("list stale pending: %w", err)
	}
	stale, err := scanSubscriptions(rows)
	rows.Close()
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, sub := range stale {
		res, err := tx.ExecContext(ctx, `
			UPDATE subscriptions SET payment_status = 'failed', updated_at = ?
			WHERE id = ? AND payment_status = 'pending'`, now.Unix(), sub.ID)
		if err != nil {
			return 0, fmt.Errorf("fail stale pending %s: %w", sub.CorrelationID, err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			continue
		}
		if err := recordTransition(ctx, tx, sub, StatusPending, StatusFailed, "pending timeout", now); err != nil {
			return 0, err
		}
		swept++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit sweep stale pending: %w", err)
	}
	return swept, nil
}

// ConsumeAddonCredits decrements the current row's add-on balance by n and
// returns the remaining balance.
func (s *SQLiteStore) ConsumeAddonCredits(ctx context.Context, tenantID string, n int64) (int64, error) {
	const op = "consume_addon_credits"
	if n <= 0 {
		return 0, entErrors.Invalid(op, "credits to consume must be positive")
	}
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin consume credits: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := currentSubscription(ctx, tx, tenantID, now)
	if err != nil {
		return 0, err
	}
	if current == nil || current.AddonCreditBalance < n {
		return 0, entErrors.New(entErrors.ErrorTypeInsufficientCredits, op, tenantID, nil)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE subscriptions SET addon_credit_balance = addon_credit_balance - ?, updated_at = ?
		WHERE id = ? AND addon_credit_balance >= ?`, n, now.Unix(), current.ID, n)
	if err != nil {
		return 0, fmt.Errorf("consume credits: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return 0, entErrors.New(entErrors.ErrorTypeInsufficientCredits, op, tenantID, nil)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit consume credits: %w", err)
	}
	return current.AddonCreditBalance - n, nil
}

// ListNeedingReview returns rows flagged for operator review, oldest first.
func (s *SQLiteStore) ListNeedingReview(ctx context.Context) ([]*Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+subscriptionColumns+`
		FROM subscriptions WHERE needs_review = 1 ORDER BY updated_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list review queue: %w", err)
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

// ResolveReview clears the review flag and records the operator note.
func (s *SQLiteStore) ResolveReview(ctx context.Context, correlationID, note string) (*Subscription, error) {
	const op = "resolve_review"
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin resolve review: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sub, err := byCorrelationID(ctx, tx, correlationID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, entErrors.NotFound(op, correlationID)
	}
	if !sub.NeedsReview {
		return nil, entErrors.Invalid(op, "%s is not awaiting review", correlationID)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE subscriptions SET needs_review = 0, review_note = ?, updated_at = ?
		WHERE id = ?`, note, now.Unix(), sub.ID); err != nil {
		return nil, fmt.Errorf("resolve review: %w", err)
	}
	if err := recordTransition(ctx, tx, sub, sub.PaymentStatus, sub.PaymentStatus, "review resolved: "+note, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit resolve review: %w", err)
	}
	sub.NeedsReview = false
	sub.ReviewNote = note
	sub.UpdatedAt = now
	return sub, nil
}

// Transitions returns the audit trail for correlationID, oldest first.
func (s *SQLiteStore) Transitions(ctx context.Context, correlationID string) ([]Transition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
		id, tenant_id, correlation_id, from_status, to_status, actor, reason, created_at
		FROM subscription_transitions WHERE correlation_id = ? ORDER BY id ASC`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var tr Transition
		var from, to string
		var at int64
		if err := rows.Scan(&tr.ID, &tr.TenantID, &tr.CorrelationID, &from, &to, &tr.Actor, &tr.Reason, &at); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		tr.From = PaymentStatus(from)
		tr.To = PaymentStatus(to)
		tr.At = time.Unix(at, 0).UTC()
		out = append(out, tr)
	}
	return out, rows.Err()
}

// CountByStatus returns a map of payment status -> row count.
func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[PaymentStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payment_status, COUNT(*) FROM subscriptions GROUP BY payment_status`)
	if err != nil {
		return nil, fmt.Errorf("count subscriptions by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[PaymentStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[PaymentStatus(status)] = count
	}
	return counts, rows.Err()
}

func pendingForTenant(ctx context.Context, q querier, tenantID string) (*Subscription, error) {
	row := q.QueryRowContext(ctx, `SELECT `+subscriptionColumns+`
		FROM subscriptions WHERE tenant_id = ? AND payment_status = 'pending' LIMIT 1`, tenantID)
	return scanSubscription(row)
}

// carryBalance moves the unspent add-on credits of every active grant of
// tenantID out of those rows and returns the total. The caller books the
// total on the new grant in the same transaction, so the pool lives on one
// row only.
func carryBalance(ctx context.Context, q querier, tenantID string, now time.Time) (int64, error) {
	var carried int64
	if err := q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(addon_credit_balance), 0) FROM subscriptions
		WHERE tenant_id = ? AND payment_status = 'success' AND period_end >= ? AND addon_credit_balance > 0`,
		tenantID, now.Unix(),
	).Scan(&carried); err != nil {
		return 0, fmt.Errorf("read carried credits: %w", err)
	}
	if carried == 0 {
		return 0, nil
	}
	if _, err := q.ExecContext(ctx, `
		UPDATE subscriptions SET addon_credit_balance = 0, updated_at = ?
		WHERE tenant_id = ? AND payment_status = 'success' AND period_end >= ? AND addon_credit_balance > 0`,
		now.Unix(), tenantID, now.Unix(),
	); err != nil {
		return 0, fmt.Errorf("carry credits: %w", err)
	}
	return carried, nil
}

func insertSubscription(ctx context.Context, q querier, sub *Subscription) error {
	res, err := q.ExecContext(ctx, `
		INSERT INTO subscriptions (
			tenant_id, correlation_id, tier, duration_months,
			addon_key, addon_credits, included_credits, payment_status, amount, amount_confirmed,
			period_start, period_end, addon_credit_balance, promotional, expired,
			needs_review, review_reason, review_note, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.TenantID, sub.CorrelationID, string(sub.Tier), sub.DurationMonths,
		sub.AddonKey, sub.AddonCredits, sub.IncludedCredits, string(sub.PaymentStatus),
		sub.Amount.String(), nullableDecimal(sub.AmountConfirmed),
		nullableTimeUnix(sub.PeriodStart), nullableTimeUnix(sub.PeriodEnd),
		sub.AddonCreditBalance, boolToInt(sub.Promotional), boolToInt(sub.Expired),
		boolToInt(sub.NeedsReview), sub.ReviewReason, sub.ReviewNote,
		sub.CreatedAt.Unix(), sub.UpdatedAt.Unix(),
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("read subscription id: %w", err)
	}
	sub.ID = id
	return nil
}

func recordTransition(ctx context.Context, q querier, sub *Subscription, from, to PaymentStatus, reason string, at time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO subscription_transitions (
			tenant_id, correlation_id, from_status, to_status, actor, reason, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sub.TenantID, sub.CorrelationID, string(from), string(to), audit.ActorFrom(ctx), reason, at.Unix(),
	)
	if err != nil {
		return fmt.Errorf("record transition: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func mapInsertError(op string, req PendingRequest, err error) error {
	if isUniqueViolation(err) {
		if strings.Contains(err.Error(), "correlation_id") {
			return entErrors.Duplicate(op, req.CorrelationID, err)
		}
		return entErrors.Conflict(op, req.TenantID)
	}
	return fmt.Errorf("insert subscription: %w", err)
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(s scanner) (*Subscription, error) {
	var sub Subscription
	var tier, status, amount string
	var confirmed sql.NullString
	var periodStart, periodEnd sql.NullInt64
	var promotional, expired, needsReview int
	var createdAt, updatedAt int64

	err := s.Scan(
		&sub.ID, &sub.TenantID, &sub.CorrelationID, &tier, &sub.DurationMonths,
		&sub.AddonKey, &sub.AddonCredits, &sub.IncludedCredits, &status, &amount, &confirmed,
		&periodStart, &periodEnd, &sub.AddonCreditBalance, &promotional, &expired,
		&needsReview, &sub.ReviewReason, &sub.ReviewNote, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}

	sub.Tier = catalog.Tier(tier)
	sub.PaymentStatus = PaymentStatus(status)
	if sub.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse amount of %s: %w", sub.CorrelationID, err)
	}
	if confirmed.Valid {
		d, err := decimal.NewFromString(confirmed.String)
		if err != nil {
			return nil, fmt.Errorf("parse confirmed amount of %s: %w", sub.CorrelationID, err)
		}
		sub.AmountConfirmed = &d
	}
	if periodStart.Valid {
		ts := time.Unix(periodStart.Int64, 0).UTC()
		sub.PeriodStart = &ts
	}
	if periodEnd.Valid {
		ts := time.Unix(periodEnd.Int64, 0).UTC()
		sub.PeriodEnd = &ts
	}
	sub.Promotional = promotional != 0
	sub.Expired = expired != 0
	sub.NeedsReview = needsReview != 0
	sub.CreatedAt = time.Unix(createdAt, 0).UTC()
	sub.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &sub, nil
}

func scanSubscriptions(rows *sql.Rows) ([]*Subscription, error) {
	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func nullableTimeUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func nullableDecimal(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
