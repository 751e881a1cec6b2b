package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unipanel/entitlements/internal/config"
	"github.com/unipanel/entitlements/internal/gateway"
	"github.com/unipanel/entitlements/internal/lifecycle"
	"github.com/unipanel/entitlements/internal/lock"
	"github.com/unipanel/entitlements/pkg/catalog"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DataDir:          t.TempDir(),
		BindAddress:      "127.0.0.1",
		Port:             0,
		BaseURL:          "https://billing.example.com",
		PendingTimeout:   24 * time.Hour,
		SweepSchedule:    "@hourly",
		SnapshotCacheTTL: time.Minute,
		Gateway:          config.GatewayToken,
		CallbackToken:    "cb_token",
		PaymentURL:       "https://pay.example.com/checkout",
	}
}

func callbackFor(res *lifecycle.UpgradeResult) gateway.Callback {
	return gateway.Callback{
		CorrelationID:   res.Subscription.CorrelationID,
		Outcome:         gateway.OutcomeSuccess,
		AmountConfirmed: res.Subscription.Amount,
		Currency:        "TRY",
	}
}

func TestBuildWiresGateInvalidation(t *testing.T) {
	a, err := Build(context.Background(), testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	ctx := context.Background()

	_, isLocal := a.Locker.(*lock.Local)
	assert.True(t, isLocal)
	assert.Equal(t, "token", a.Gateway.Name())

	d, err := a.Gate.Check(ctx, "c1", catalog.FeatureReports)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	res, err := a.Service.RequestUpgrade(ctx, lifecycle.UpgradeRequest{TenantID: "c1", Tier: catalog.TierProfessional, DurationMonths: 1})
	require.NoError(t, err)
	require.NotNil(t, res.PaymentForm)

	cb, err := a.Reconciler.HandleCallback(ctx, callbackFor(res))
	require.NoError(t, err)
	assert.Equal(t, "applied", cb.Outcome)

	// The cached denial must not survive the payment.
	d, err = a.Gate.Check(ctx, "c1", catalog.FeatureReports)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestBuildWithRedisLock(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.RedisURL = "redis://" + mr.Addr()

	a, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	_, isRedis := a.Locker.(*lock.Redis)
	assert.True(t, isRedis)

	res, err := a.Service.RequestUpgrade(context.Background(), lifecycle.UpgradeRequest{TenantID: "c1", Tier: catalog.TierBusiness, DurationMonths: 6})
	require.NoError(t, err)
	assert.Equal(t, "2700", res.Quote.Total.String())
}

func TestHandlerRejectsBadAllowlist(t *testing.T) {
	cfg := testConfig(t)
	cfg.CallbackAllowedIPs = []string{"not-an-ip"}
	a, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	_, err = a.Handler("test")
	assert.Error(t, err)
}

func TestHandlerServesProbes(t *testing.T) {
	a, err := Build(context.Background(), testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	h, err := a.Handler("test")
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServeStopsOnContextCancel(t *testing.T) {
	a, err := Build(context.Background(), testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, "test") }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
