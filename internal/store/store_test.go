package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unipanel/entitlements/internal/audit"
	"github.com/unipanel/entitlements/internal/clock"
	entErrors "github.com/unipanel/entitlements/internal/errors"
	"github.com/unipanel/entitlements/pkg/catalog"
)

var testStart = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*SQLiteStore, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(testStart)
	s, err := Open(t.TempDir(), WithClock(clk))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, clk
}

func pendingRequest(tenantID, correlationID string, tier catalog.Tier, months int) PendingRequest {
	return PendingRequest{
		TenantID:       tenantID,
		CorrelationID:  correlationID,
		Tier:           tier,
		DurationMonths: months,
		Amount:         decimal.NewFromInt(250),
	}
}

func TestCreatePendingAndApplySuccess(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	req := pendingRequest("c1", "SUB-1", catalog.TierBusiness, 6)
	req.AddonKey = catalog.AddonKeyFor(1000)
	req.AddonCredits = 1000
	req.IncludedCredits = 250
	req.Amount = decimal.RequireFromString("2950.00")

	pending, err := s.CreatePending(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, pending.PaymentStatus)
	assert.NotZero(t, pending.ID)
	assert.Nil(t, pending.PeriodEnd)

	current, err := s.Current(ctx, "c1", testStart)
	require.NoError(t, err)
	assert.Nil(t, current, "pending rows never grant a tier")

	sub, err := s.ApplyPaymentResult(ctx, "SUB-1", StatusSuccess, decimal.RequireFromString("2950"))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, sub.PaymentStatus)
	require.NotNil(t, sub.PeriodEnd)
	assert.True(t, sub.PeriodEnd.Equal(time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC)))
	assert.Equal(t, int64(1250), sub.AddonCreditBalance)

	stored, err := s.GetByCorrelationID(ctx, "SUB-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, stored.PaymentStatus)
	assert.True(t, stored.Amount.Equal(decimal.NewFromInt(2950)))
	require.NotNil(t, stored.AmountConfirmed)
	assert.True(t, stored.AmountConfirmed.Equal(decimal.NewFromInt(2950)))
	assert.Equal(t, int64(1250), stored.AddonCreditBalance)

	current, err = s.Current(ctx, "c1", testStart)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, "SUB-1", current.CorrelationID)
}

func TestCreatePendingConflict(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreatePending(ctx, pendingRequest("c1", "SUB-1", catalog.TierProfessional, 1))
	require.NoError(t, err)

	_, err = s.CreatePending(ctx, pendingRequest("c1", "SUB-2", catalog.TierBusiness, 12))
	assert.ErrorIs(t, err, entErrors.ErrConflict)

	_, err = s.CreatePending(ctx, pendingRequest("c2", "SUB-1", catalog.TierBusiness, 12))
	assert.ErrorIs(t, err, entErrors.ErrDuplicate, "correlation ids are globally unique")

	_, err = s.CreatePending(ctx, pendingRequest("c1", "SUB-3", catalog.TierStandard, 1))
	assert.ErrorIs(t, err, entErrors.ErrInvalidRequest)
}

func TestCreatePendingConcurrent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		created   int
		conflicts int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cid := "SUB-" + string(rune('A'+i))
			_, err := s.CreatePending(ctx, pendingRequest("c1", cid, catalog.TierProfessional, 1))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, entErrors.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, workers-1, conflicts)
}

func TestApplyPaymentResultIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreatePending(ctx, pendingRequest("c1", "SUB-1", catalog.TierProfessional, 1))
	require.NoError(t, err)

	first, err := s.ApplyPaymentResult(ctx, "SUB-1", StatusSuccess, decimal.NewFromInt(250))
	require.NoError(t, err)
	second, err := s.ApplyPaymentResult(ctx, "SUB-1", StatusSuccess, decimal.NewFromInt(250))
	require.NoError(t, err)
	assert.Equal(t, first.PeriodEnd.Unix(), second.PeriodEnd.Unix())
	assert.Equal(t, first.AddonCreditBalance, second.AddonCreditBalance)

	_, err = s.ApplyPaymentResult(ctx, "SUB-1", StatusFailed, decimal.Zero)
	assert.ErrorIs(t, err, entErrors.ErrDuplicate)

	_, err = s.ApplyPaymentResult(ctx, "SUB-404", StatusSuccess, decimal.Zero)
	assert.ErrorIs(t, err, entErrors.ErrNotFound)

	_, err = s.ApplyPaymentResult(ctx, "SUB-1", StatusPending, decimal.Zero)
	assert.ErrorIs(t, err, entErrors.ErrInvalidRequest)

	transitions, err := s.Transitions(ctx, "SUB-1")
	require.NoError(t, err)
	require.Len(t, transitions, 2, "replays must not write transitions")
	assert.Equal(t, PaymentStatus(""), transitions[0].From)
	assert.Equal(t, StatusPending, transitions[0].To)
	assert.Equal(t, StatusPending, transitions[1].From)
	assert.Equal(t, StatusSuccess, transitions[1].To)
}

func TestApplyFailedAllowsNewPending(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreatePending(ctx, pendingRequest("c1", "SUB-1", catalog.TierProfessional, 1))
	require.NoError(t, err)
	failed, err := s.ApplyPaymentResult(ctx, "SUB-1", StatusFailed, decimal.Zero)
	require.NoError(t, err)
	assert.Nil(t, failed.PeriodEnd)

	_, err = s.CreatePending(ctx, pendingRequest("c1", "SUB-2", catalog.TierProfessional, 1))
	require.NoError(t, err)

	latest, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "SUB-2", latest.CorrelationID)

	history, err := s.History(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "SUB-2", history[0].CorrelationID)
}

func TestExpiryIsLazyAndSweepKeepsStatus(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreatePending(ctx, pendingRequest("c1", "SUB-1", catalog.TierProfessional, 1))
	require.NoError(t, err)
	sub, err := s.ApplyPaymentResult(ctx, "SUB-1", StatusSuccess, decimal.NewFromInt(250))
	require.NoError(t, err)

	current, err := s.Current(ctx, "c1", *sub.PeriodEnd)
	require.NoError(t, err)
	require.NotNil(t, current, "row is current through its period end")

	clk.Set(sub.PeriodEnd.Add(time.Second))
	current, err = s.Current(ctx, "c1", clk.Now())
	require.NoError(t, err)
	assert.Nil(t, current)

	n, err := s.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	stored, err := s.GetByCorrelationID(ctx, "SUB-1")
	require.NoError(t, err)
	assert.True(t, stored.Expired)
	assert.Equal(t, StatusSuccess, stored.PaymentStatus)
}

func TestAddonCreditsCarryOverAndConsume(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	req := pendingRequest("c1", "SUB-1", catalog.TierBusiness, 1)
	req.AddonCredits = 1000
	_, err := s.CreatePending(ctx, req)
	require.NoError(t, err)
	_, err = s.ApplyPaymentResult(ctx, "SUB-1", StatusSuccess, decimal.NewFromInt(250))
	require.NoError(t, err)

	remaining, err := s.ConsumeAddonCredits(ctx, "c1", 200)
	require.NoError(t, err)
	assert.Equal(t, int64(800), remaining)

	_, err = s.ConsumeAddonCredits(ctx, "c1", 801)
	assert.ErrorIs(t, err, entErrors.ErrInsufficientCredits)
	_, err = s.ConsumeAddonCredits(ctx, "c2", 1)
	assert.ErrorIs(t, err, entErrors.ErrInsufficientCredits)

	clk.Advance(24 * time.Hour)
	renewal := pendingRequest("c1", "SUB-2", catalog.TierBusiness, 12)
	renewal.IncludedCredits = 500
	_, err = s.CreatePending(ctx, renewal)
	require.NoError(t, err)
	sub, err := s.ApplyPaymentResult(ctx, "SUB-2", StatusSuccess, decimal.NewFromInt(250))
	require.NoError(t, err)
	assert.Equal(t, int64(1300), sub.AddonCreditBalance)
}

func TestCarriedCreditsAreNotSpentTwice(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	yearly := pendingRequest("c1", "SUB-1", catalog.TierBusiness, 12)
	yearly.AddonCredits = 1000
	_, err := s.CreatePending(ctx, yearly)
	require.NoError(t, err)
	_, err = s.ApplyPaymentResult(ctx, "SUB-1", StatusSuccess, decimal.NewFromInt(250))
	require.NoError(t, err)

	clk.Advance(24 * time.Hour)
	_, err = s.CreatePending(ctx, pendingRequest("c1", "SUB-2", catalog.TierBusiness, 1))
	require.NoError(t, err)
	renewal, err := s.ApplyPaymentResult(ctx, "SUB-2", StatusSuccess, decimal.NewFromInt(250))
	require.NoError(t, err)
	assert.Equal(t, int64(1000), renewal.AddonCreditBalance)

	older, err := s.GetByCorrelationID(ctx, "SUB-1")
	require.NoError(t, err)
	assert.Zero(t, older.AddonCreditBalance, "carried credits leave the older grant")

	remaining, err := s.ConsumeAddonCredits(ctx, "c1", 1000)
	require.NoError(t, err)
	assert.Zero(t, remaining)

	// The one-month renewal lapses; the yearly grant is current again.
	clk.Advance(40 * 24 * time.Hour)
	current, err := s.Current(ctx, "c1", clk.Now())
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, "SUB-1", current.CorrelationID)
	assert.Zero(t, current.AddonCreditBalance)

	_, err = s.ConsumeAddonCredits(ctx, "c1", 1000)
	assert.ErrorIs(t, err, entErrors.ErrInsufficientCredits)
}

func TestPromotionalGrantCarriesCredits(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	paid := pendingRequest("c1", "SUB-1", catalog.TierBusiness, 12)
	paid.AddonCredits = 300
	_, err := s.CreatePending(ctx, paid)
	require.NoError(t, err)
	_, err = s.ApplyPaymentResult(ctx, "SUB-1", StatusSuccess, decimal.NewFromInt(250))
	require.NoError(t, err)

	clk.Advance(24 * time.Hour)
	promo := pendingRequest("c1", "PROMO-1", catalog.TierBusiness, 1)
	promo.IncludedCredits = 500
	sub, err := s.CreatePromotional(ctx, promo)
	require.NoError(t, err)
	assert.Equal(t, int64(800), sub.AddonCreditBalance)

	older, err := s.GetByCorrelationID(ctx, "SUB-1")
	require.NoError(t, err)
	assert.Zero(t, older.AddonCreditBalance)
}

func TestFlagLatePayment(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreatePending(ctx, pendingRequest("c1", "SUB-1", catalog.TierProfessional, 1))
	require.NoError(t, err)
	clk.Advance(25 * time.Hour)
	n, err := s.SweepStalePending(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = s.ApplyPaymentResult(ctx, "SUB-1", StatusSuccess, decimal.NewFromInt(250))
	assert.ErrorIs(t, err, entErrors.ErrDuplicate)

	sub, err := s.FlagLatePayment(ctx, "SUB-1", decimal.NewFromInt(250))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, sub.PaymentStatus)
	assert.True(t, sub.NeedsReview)
	assert.Equal(t, "late payment after timeout: confirmed 250.00", sub.ReviewReason)

	queue, err := s.ListNeedingReview(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, "SUB-1", queue[0].CorrelationID)

	again, err := s.FlagLatePayment(ctx, "SUB-1", decimal.NewFromInt(250))
	require.NoError(t, err)
	assert.Equal(t, sub.ReviewReason, again.ReviewReason)

	transitions, err := s.Transitions(ctx, "SUB-1")
	require.NoError(t, err)
	require.Len(t, transitions, 3)
	assert.Equal(t, StatusFailed, transitions[2].From)
	assert.Equal(t, StatusFailed, transitions[2].To)

	_, err = s.CreatePending(ctx, pendingRequest("c2", "SUB-2", catalog.TierProfessional, 1))
	require.NoError(t, err)
	_, err = s.FlagLatePayment(ctx, "SUB-2", decimal.Zero)
	assert.ErrorIs(t, err, entErrors.ErrInvalidRequest)
	_, err = s.FlagLatePayment(ctx, "SUB-404", decimal.Zero)
	assert.ErrorIs(t, err, entErrors.ErrNotFound)
}

func TestMarkAmountMismatchAndReview(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreatePending(ctx, pendingRequest("c1", "SUB-1", catalog.TierProfessional, 1))
	require.NoError(t, err)

	sub, err := s.MarkAmountMismatch(ctx, "SUB-1", decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, sub.PaymentStatus)
	assert.True(t, sub.NeedsReview)
	assert.Equal(t, "amount mismatch: recorded 250.00, confirmed 1.00", sub.ReviewReason)

	current, err := s.Current(ctx, "c1", testStart)
	require.NoError(t, err)
	assert.Nil(t, current)

	queue, err := s.ListNeedingReview(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, "SUB-1", queue[0].CorrelationID)

	resolved, err := s.ResolveReview(ctx, "SUB-1", "refunded by operator")
	require.NoError(t, err)
	assert.False(t, resolved.NeedsReview)

	_, err = s.ResolveReview(ctx, "SUB-1", "again")
	assert.ErrorIs(t, err, entErrors.ErrInvalidRequest)
	_, err = s.MarkAmountMismatch(ctx, "SUB-404", decimal.Zero)
	assert.ErrorIs(t, err, entErrors.ErrNotFound)

	queue, err = s.ListNeedingReview(ctx)
	require.NoError(t, err)
	assert.Empty(t, queue)
}

func TestSweepStalePending(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := audit.WithActor(context.Background(), audit.ActorSweeper)

	_, err := s.CreatePending(ctx, pendingRequest("c1", "SUB-1", catalog.TierProfessional, 1))
	require.NoError(t, err)
	clk.Advance(2 * time.Hour)
	_, err = s.CreatePending(ctx, pendingRequest("c2", "SUB-2", catalog.TierProfessional, 1))
	require.NoError(t, err)

	clk.Advance(23 * time.Hour)
	n, err := s.SweepStalePending(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	first, err := s.GetByCorrelationID(ctx, "SUB-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, first.PaymentStatus)
	second, err := s.GetByCorrelationID(ctx, "SUB-2")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, second.PaymentStatus)

	transitions, err := s.Transitions(ctx, "SUB-1")
	require.NoError(t, err)
	require.Len(t, transitions, 2)
	assert.Equal(t, audit.ActorSweeper, transitions[1].Actor)
	assert.Equal(t, "pending timeout", transitions[1].Reason)

	_, err = s.CreatePending(ctx, pendingRequest("c1", "SUB-3", catalog.TierProfessional, 1))
	require.NoError(t, err, "a swept tenant can request again")

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[StatusPending])
	assert.Equal(t, 1, counts[StatusFailed])
}

func TestCreatePromotional(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	req := pendingRequest("c1", "PROMO-1", catalog.TierBusiness, 12)
	req.IncludedCredits = 500
	sub, err := s.CreatePromotional(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, sub.PaymentStatus)
	assert.True(t, sub.Promotional)
	assert.True(t, sub.Amount.IsZero())
	assert.Equal(t, int64(500), sub.AddonCreditBalance)

	current, err := s.Current(ctx, "c1", testStart)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.True(t, current.Promotional)
	assert.Equal(t, catalog.TierBusiness, current.Tier)
}

var mockColumns = []string{
	"id", "tenant_id", "correlation_id", "tier", "duration_months",
	"addon_key", "addon_credits", "included_credits", "payment_status", "amount", "amount_confirmed",
	"period_start", "period_end", "addon_credit_balance", "promotional", "expired",
	"needs_review", "review_reason", "review_note", "created_at", "updated_at",
}

func newMockStore(t *testing.T) (*SQLiteStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, WithClock(clock.NewFake(testStart))), mock
}

func TestCreatePendingMapsLostInsertRace(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT.+FROM\s+subscriptions\s+WHERE\s+tenant_id = \?\s+AND\s+payment_status = 'pending'`).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows(mockColumns))
	mock.ExpectExec(`INSERT\s+INTO\s+subscriptions\b`).
		WillReturnError(errors.New("constraint failed: UNIQUE constraint failed: subscriptions.tenant_id (2067)"))
	mock.ExpectRollback()

	_, err := s.CreatePending(context.Background(), pendingRequest("c1", "SUB-1", catalog.TierProfessional, 1))
	assert.ErrorIs(t, err, entErrors.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyPaymentResultLostUpdateIsDuplicate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT.+FROM\s+subscriptions\s+WHERE\s+correlation_id = \?`).
		WithArgs("SUB-1").
		WillReturnRows(sqlmock.NewRows(mockColumns).AddRow(
			int64(7), "c1", "SUB-1", "professional", int64(1),
			"", int64(0), int64(0), "pending", "250", nil,
			nil, nil, int64(0), int64(0), int64(0),
			int64(0), "", "", testStart.Unix(), testStart.Unix(),
		))
	mock.ExpectExec(`UPDATE\s+subscriptions\s+SET\s+payment_status = 'failed'`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := s.ApplyPaymentResult(context.Background(), "SUB-1", StatusFailed, decimal.Zero)
	assert.ErrorIs(t, err, entErrors.ErrDuplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkAmountMismatchLostUpdateIsDuplicate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT.+FROM\s+subscriptions\s+WHERE\s+correlation_id = \?`).
		WithArgs("SUB-1").
		WillReturnRows(sqlmock.NewRows(mockColumns).AddRow(
			int64(7), "c1", "SUB-1", "professional", int64(1),
			"", int64(0), int64(0), "pending", "250", nil,
			nil, nil, int64(0), int64(0), int64(0),
			int64(0), "", "", testStart.Unix(), testStart.Unix(),
		))
	mock.ExpectExec(`(?s)UPDATE\s+subscriptions\s+SET\s+payment_status = 'failed'.+needs_review = 1`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := s.MarkAmountMismatch(context.Background(), "SUB-1", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, entErrors.ErrDuplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetWrapsStorageErrors(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`(?s)SELECT.+FROM\s+subscriptions`).
		WillReturnError(errors.New("disk I/O error"))

	_, err := s.Get(context.Background(), "c1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.Equal(t, entErrors.ErrorTypeInternal, entErrors.TypeOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}
