package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unipanel/entitlements/internal/clock"
	entErrors "github.com/unipanel/entitlements/internal/errors"
	"github.com/unipanel/entitlements/internal/gateway"
	"github.com/unipanel/entitlements/internal/store"
	"github.com/unipanel/entitlements/pkg/catalog"
)

var march = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

type recordingInvalidator struct {
	mu      sync.Mutex
	tenants []string
	purges  int
}

func (r *recordingInvalidator) Invalidate(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tenants = append(r.tenants, tenantID)
}

func (r *recordingInvalidator) Purge() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purges++
}

type fakeGateway struct {
	requests []gateway.FormRequest
	err      error
}

func (f *fakeGateway) Name() string { return "fake" }

func (f *fakeGateway) CreatePaymentForm(_ context.Context, req gateway.FormRequest) (*gateway.PaymentForm, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &gateway.PaymentForm{CorrelationID: req.CorrelationID, RedirectURL: "https://pay.test/" + req.CorrelationID}, nil
}

func (f *fakeGateway) ParseCallback([]byte, http.Header) (*gateway.Callback, error) {
	return nil, gateway.ErrIgnored
}

type fixture struct {
	svc   *Service
	store *store.SQLiteStore
	clock *clock.Fake
	inv   *recordingInvalidator
}

func newFixture(t *testing.T, gw gateway.Gateway) *fixture {
	t.Helper()
	clk := clock.NewFake(march)
	st, err := store.Open(t.TempDir(), store.WithClock(clk))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	inv := &recordingInvalidator{}
	svc, err := New(Config{
		Catalog:     catalog.Default(),
		Store:       st,
		Gateway:     gw,
		Clock:       clk,
		Invalidator: inv,
		CallbackURL: "https://api.test/api/v1/payments/webhook",
	})
	require.NoError(t, err)
	return &fixture{svc: svc, store: st, clock: clk, inv: inv}
}

func TestSnapshotDefaultsToStandard(t *testing.T) {
	f := newFixture(t, nil)

	snap, err := f.svc.CurrentSnapshot(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, catalog.TierStandard, snap.Tier)
	assert.True(t, snap.Active)
	assert.Nil(t, snap.RemainingDays)
	assert.Zero(t, snap.AddonCreditBalance)

	_, err = f.svc.CurrentSnapshot(context.Background(), " ")
	assert.ErrorIs(t, err, entErrors.ErrInvalidRequest)
}

func TestUpgradeRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.svc.RequestUpgrade(ctx, UpgradeRequest{TenantID: "c1", Tier: catalog.TierProfessional, DurationMonths: 12})
	require.NoError(t, err)
	assert.False(t, res.Promotional)
	assert.Nil(t, res.PaymentForm)
	assert.True(t, strings.HasPrefix(res.Subscription.CorrelationID, PaidPrefix))
	assert.Equal(t, store.StatusPending, res.Subscription.PaymentStatus)
	assert.True(t, res.Subscription.Amount.Equal(decimal.NewFromInt(2400)))

	snap, err := f.svc.CurrentSnapshot(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, catalog.TierStandard, snap.Tier, "pending never grants")

	_, err = f.store.ApplyPaymentResult(ctx, res.Subscription.CorrelationID, store.StatusSuccess, decimal.NewFromInt(2400))
	require.NoError(t, err)

	snap, err = f.svc.CurrentSnapshot(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, catalog.TierProfessional, snap.Tier)
	require.NotNil(t, snap.RemainingDays)
	assert.Equal(t, 365, *snap.RemainingDays)
	assert.Equal(t, res.Subscription.CorrelationID, snap.CorrelationID)
	assert.Contains(t, f.inv.tenants, "c1")
}

func TestRequestUpgradeRejections(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.RequestUpgrade(ctx, UpgradeRequest{TenantID: "c1", Tier: catalog.TierStandard, DurationMonths: 1})
	assert.ErrorIs(t, err, entErrors.ErrInvalidRequest)

	_, err = f.svc.RequestUpgrade(ctx, UpgradeRequest{TenantID: "c1", Tier: catalog.TierProfessional, DurationMonths: 1, AddonKey: catalog.AddonKeyFor(1000)})
	assert.ErrorIs(t, err, entErrors.ErrInvalidRequest)

	_, err = f.svc.RequestUpgrade(ctx, UpgradeRequest{TenantID: "c1", Tier: catalog.TierBusiness, DurationMonths: 3})
	assert.ErrorIs(t, err, entErrors.ErrConfig)

	_, err = f.svc.RequestUpgrade(ctx, UpgradeRequest{TenantID: "", Tier: catalog.TierBusiness, DurationMonths: 1})
	assert.ErrorIs(t, err, entErrors.ErrInvalidRequest)

	_, err = f.svc.RequestUpgrade(ctx, UpgradeRequest{TenantID: "c1", Tier: catalog.TierBusiness, DurationMonths: 1})
	require.NoError(t, err)
	_, err = f.svc.RequestUpgrade(ctx, UpgradeRequest{TenantID: "c1", Tier: catalog.TierProfessional, DurationMonths: 6})
	assert.ErrorIs(t, err, entErrors.ErrConflict)
}

func TestConcurrentUpgradeRequests(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok        int
		conflicts int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.RequestUpgrade(ctx, UpgradeRequest{TenantID: "c1", Tier: catalog.TierBusiness, DurationMonths: 1})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, entErrors.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, 5, conflicts)
}

func TestExpiredSubscriptionFallsBackToStandard(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.svc.RequestUpgrade(ctx, UpgradeRequest{TenantID: "c1", Tier: catalog.TierBusiness, DurationMonths: 1})
	require.NoError(t, err)
	sub, err := f.store.ApplyPaymentResult(ctx, res.Subscription.CorrelationID, store.StatusSuccess, decimal.NewFromInt(500))
	require.NoError(t, err)

	f.clock.Set(sub.PeriodEnd.Add(24 * time.Hour))
	snap, err := f.svc.CurrentSnapshot(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, catalog.TierStandard, snap.Tier)
	assert.True(t, snap.Active)
	assert.Nil(t, snap.RemainingDays)

	history, err := f.svc.History(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, history, 1, "expiry keeps history")
	assert.Equal(t, store.StatusSuccess, history[0].PaymentStatus)
}

func TestPromotionGrantsImmediately(t *testing.T) {
	gw := &fakeGateway{}
	f := newFixture(t, gw)
	f.clock.Set(time.Date(2025, 9, 10, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	res, err := f.svc.RequestUpgrade(ctx, UpgradeRequest{TenantID: "c1", Tier: catalog.TierBusiness, DurationMonths: 1})
	require.NoError(t, err)
	assert.Empty(t, gw.requests, "promotional grants skip the gateway")
	assert.Nil(t, res.PaymentForm)
	assert.True(t, res.Promotional)
	assert.True(t, strings.HasPrefix(res.Subscription.CorrelationID, PromoPrefix))
	assert.Equal(t, store.StatusSuccess, res.Subscription.PaymentStatus)
	assert.True(t, res.Subscription.Amount.IsZero())
	assert.Equal(t, "september", res.Quote.Promotion)

	snap, err := f.svc.CurrentSnapshot(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, catalog.TierBusiness, snap.Tier)
	assert.True(t, snap.Promotional)
	require.NotNil(t, snap.RemainingDays)
	assert.Equal(t, 30, *snap.RemainingDays)

	yearly, err := f.svc.RequestUpgrade(ctx, UpgradeRequest{TenantID: "c2", Tier: catalog.TierBusiness, DurationMonths: 12})
	require.NoError(t, err)
	assert.Equal(t, int64(500), yearly.Subscription.AddonCreditBalance, "included credits are still granted")
}

func TestPromotionStillChargesAddon(t *testing.T) {
	gw := &fakeGateway{}
	f := newFixture(t, gw)
	f.clock.Set(time.Date(2025, 9, 10, 12, 0, 0, 0, time.UTC))

	res, err := f.svc.RequestUpgrade(context.Background(), UpgradeRequest{
		TenantID: "c1", Tier: catalog.TierBusiness, DurationMonths: 1, AddonKey: catalog.AddonKeyFor(1000),
	})
	require.NoError(t, err)
	assert.False(t, res.Promotional)
	assert.Equal(t, store.StatusPending, res.Subscription.PaymentStatus)
	assert.True(t, res.Subscription.Amount.Equal(decimal.NewFromInt(250)))
	assert.Equal(t, int64(1000), res.Subscription.AddonCredits)
	require.Len(t, gw.requests, 1)
	assert.True(t, gw.requests[0].Amount.Equal(decimal.NewFromInt(250)))
}

func TestGatewayFormAttached(t *testing.T) {
	gw := &fakeGateway{}
	f := newFixture(t, gw)

	res, err := f.svc.RequestUpgrade(context.Background(), UpgradeRequest{TenantID: "c1", Tier: catalog.TierBusiness, DurationMonths: 6})
	require.NoError(t, err)
	require.NotNil(t, res.PaymentForm)
	assert.Equal(t, res.Subscription.CorrelationID, res.PaymentForm.CorrelationID)

	require.Len(t, gw.requests, 1)
	req := gw.requests[0]
	assert.Equal(t, "c1", req.TenantID)
	assert.Equal(t, catalog.Currency, req.Currency)
	assert.Equal(t, "https://api.test/api/v1/payments/webhook", req.CallbackURL)
	assert.True(t, req.Amount.Equal(decimal.NewFromInt(2700)))
	assert.Equal(t, "Business package, 6 months", req.Description)
}

func TestGatewayFailureReleasesPendingSlot(t *testing.T) {
	gw := &fakeGateway{err: errors.New("processor unavailable")}
	f := newFixture(t, gw)
	ctx := context.Background()

	_, err := f.svc.RequestUpgrade(ctx, UpgradeRequest{TenantID: "c1", Tier: catalog.TierBusiness, DurationMonths: 1})
	require.Error(t, err)

	gw.err = nil
	_, err = f.svc.RequestUpgrade(ctx, UpgradeRequest{TenantID: "c1", Tier: catalog.TierBusiness, DurationMonths: 1})
	require.NoError(t, err, "a failed form must not leave the tenant blocked")

	history, err := f.svc.History(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, store.StatusFailed, history[1].PaymentStatus)
}

func TestConsumeAddonCredits(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.svc.RequestUpgrade(ctx, UpgradeRequest{TenantID: "c1", Tier: catalog.TierBusiness, DurationMonths: 1, AddonKey: catalog.AddonKeyFor(1000)})
	require.NoError(t, err)
	_, err = f.store.ApplyPaymentResult(ctx, res.Subscription.CorrelationID, store.StatusSuccess, decimal.NewFromInt(750))
	require.NoError(t, err)

	remaining, err := f.svc.ConsumeAddonCredits(ctx, "c1", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(900), remaining)

	_, err = f.svc.ConsumeAddonCredits(ctx, "c1", 1000)
	assert.ErrorIs(t, err, entErrors.ErrInsufficientCredits)
}

func TestQuote(t *testing.T) {
	f := newFixture(t, nil)
	q, err := f.svc.Quote(catalog.TierBusiness, 12, catalog.AddonKeyFor(5000))
	require.NoError(t, err)
	assert.True(t, q.Total.Equal(decimal.NewFromInt(5900)))

	_, err = f.svc.Quote(catalog.TierStandard, 1, "")
	assert.ErrorIs(t, err, entErrors.ErrInvalidRequest)
}

func TestSweeper(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	paid, err := f.svc.RequestUpgrade(ctx, UpgradeRequest{TenantID: "c1", Tier: catalog.TierProfessional, DurationMonths: 1})
	require.NoError(t, err)
	_, err = f.store.ApplyPaymentResult(ctx, paid.Subscription.CorrelationID, store.StatusSuccess, decimal.NewFromInt(250))
	require.NoError(t, err)
	_, err = f.svc.RequestUpgrade(ctx, UpgradeRequest{TenantID: "c2", Tier: catalog.TierBusiness, DurationMonths: 1})
	require.NoError(t, err)

	sweeper := NewSweeper(f.store, 0, f.inv)
	res, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)
	assert.Zero(t, f.inv.purges)

	f.clock.Advance(40 * 24 * time.Hour)
	res, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Expired: 1, StalePending: 1}, res)
	assert.Equal(t, 1, f.inv.purges)

	_, err = f.svc.RequestUpgrade(ctx, UpgradeRequest{TenantID: "c2", Tier: catalog.TierBusiness, DurationMonths: 1})
	assert.NoError(t, err)
}

func TestSweeperSchedule(t *testing.T) {
	f := newFixture(t, nil)
	c := cron.New()
	id, err := NewSweeper(f.store, time.Hour, nil).Schedule(context.Background(), c, "")
	require.NoError(t, err)
	assert.NotZero(t, id)

	_, err = NewSweeper(f.store, time.Hour, nil).Schedule(context.Background(), c, "not a schedule")
	assert.Error(t, err)
}

func TestRemainingDays(t *testing.T) {
	now := march
	tests := []struct {
		end  time.Time
		want int
	}{
		{now, 0},
		{now.Add(-time.Hour), 0},
		{now.Add(time.Minute), 1},
		{now.Add(24 * time.Hour), 1},
		{now.Add(24*time.Hour + time.Second), 2},
		{now.AddDate(0, 0, 30), 30},
	}
	for _, tt := range tests {
		if got := RemainingDays(tt.end, now); got != tt.want {
			t.Errorf("RemainingDays(%s) = %d, want %d", tt.end.Sub(now), got, tt.want)
		}
	}
}
