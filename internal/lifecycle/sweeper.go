package lifecycle

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/unipanel/entitlements/internal/audit"
	"github.com/unipanel/entitlements/internal/metrics"
	"github.com/unipanel/entitlements/internal/store"
)

const (
	// DefaultPendingTimeout fails pending rows the processor never confirmed.
	DefaultPendingTimeout = 24 * time.Hour
	// DefaultSweepSchedule runs the sweep at the top of every hour.
	DefaultSweepSchedule = "@hourly"
)

// SweepResult reports what one sweep touched.
type SweepResult struct {
	Expired      int `json:"expired"`
	StalePending int `json:"stale_pending"`
}

// Sweeper flags expired subscriptions and fails stale pending rows.
type Sweeper struct {
	store          store.EntitlementStore
	pendingTimeout time.Duration
	invalidator    Invalidator
}

// NewSweeper creates a Sweeper. A non-positive timeout uses DefaultPendingTimeout.
func NewSweeper(st store.EntitlementStore, pendingTimeout time.Duration, inv Invalidator) *Sweeper {
	if pendingTimeout <= 0 {
		pendingTimeout = DefaultPendingTimeout
	}
	return &Sweeper{store: st, pendingTimeout: pendingTimeout, invalidator: inv}
}

// SweepOnce runs both sweeps and refreshes the status gauge.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	ctx = audit.WithActor(ctx, audit.ActorSweeper)

	var res SweepResult
	expired, err := s.store.SweepExpired(ctx)
	if err != nil {
		return res, err
	}
	res.Expired = expired
	metrics.SweptTotal.WithLabelValues("expired").Add(float64(expired))

	stale, err := s.store.SweepStalePending(ctx, s.pendingTimeout)
	if err != nil {
		return res, err
	}
	res.StalePending = stale
	metrics.SweptTotal.WithLabelValues("stale_pending").Add(float64(stale))

	if s.invalidator != nil && (expired > 0 || stale > 0) {
		s.invalidator.Purge()
	}

	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Sweeper: failed to count subscriptions")
	} else {
		for _, status := range []store.PaymentStatus{store.StatusPending, store.StatusSuccess, store.StatusFailed} {
			metrics.SubscriptionsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
		}
	}
	return res, nil
}

func (s *Sweeper) sweep(ctx context.Context) {
	res, err := s.SweepOnce(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Subscription sweep failed")
		return
	}
	if res.Expired > 0 || res.StalePending > 0 {
		log.Info().
			Int("expired", res.Expired).
			Int("stale_pending", res.StalePending).
			Msg("Subscription sweep completed")
	}
}

// Schedule registers the sweep on c using a cron spec such as "@hourly".
func (s *Sweeper) Schedule(ctx context.Context, c *cron.Cron, spec string) (cron.EntryID, error) {
	if spec == "" {
		spec = DefaultSweepSchedule
	}
	return c.AddFunc(spec, func() {
		if ctx.Err() != nil {
			return
		}
		s.sweep(ctx)
	})
}
