// Package reconciler applies verified payment callbacks to pending subscriptions.
package reconciler

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/unipanel/entitlements/internal/audit"
	entErrors "github.com/unipanel/entitlements/internal/errors"
	"github.com/unipanel/entitlements/internal/gateway"
	"github.com/unipanel/entitlements/internal/lifecycle"
	"github.com/unipanel/entitlements/internal/lock"
	"github.com/unipanel/entitlements/internal/metrics"
	"github.com/unipanel/entitlements/internal/store"
	"github.com/unipanel/entitlements/pkg/catalog"
)

// Callback outcome labels.
const (
	OutcomeApplied  = "applied"
	OutcomeReplay   = "replay"
	OutcomeMismatch = "amount_mismatch"
	OutcomeUnknown  = "unknown_correlation"
	OutcomeConflict = "conflict"
	OutcomeLate     = "late_payment"
	OutcomeError    = "error"
)

// Reconciler matches processor callbacks to subscription rows by correlation id.
type Reconciler struct {
	store       store.EntitlementStore
	locker      lock.Locker
	invalidator lifecycle.Invalidator
}

// New creates a Reconciler. A nil locker falls back to an in-process lock.
func New(st store.EntitlementStore, locker lock.Locker, inv lifecycle.Invalidator) *Reconciler {
	if locker == nil {
		locker = lock.NewLocal()
	}
	return &Reconciler{store: st, locker: locker, invalidator: inv}
}

// Result describes what a callback did.
type Result struct {
	Subscription *store.Subscription
	Outcome      string
}

// HandleCallback applies cb exactly once. Replays of an already applied
// outcome succeed without side effects. A successful payment whose amount
// or currency differs from the recorded one fails the row, flags it for
// review and returns an amount-mismatch error. A payment confirmed for a row
// that already failed is queued for review and returned as a duplicate.
func (r *Reconciler) HandleCallback(ctx context.Context, cb gateway.Callback) (res *Result, err error) {
	const op = "handle_callback"
	res = &Result{Outcome: OutcomeError}
	defer func() {
		metrics.CallbacksTotal.WithLabelValues(res.Outcome).Inc()
	}()

	cid := strings.TrimSpace(cb.CorrelationID)
	if cid == "" {
		return res, entErrors.Invalid(op, "correlation id is required")
	}
	outcome, err := statusFor(cb.Outcome)
	if err != nil {
		return res, err
	}
	ctx = audit.WithActor(ctx, audit.ActorGateway)

	unlock, err := r.locker.Lock(ctx, "cid:"+cid)
	if err != nil {
		res.Outcome = OutcomeConflict
		log.Warn().Err(err).Str("correlation_id", cid).Msg("Payment callback lock not acquired")
		return res, entErrors.Conflict(op, cid)
	}
	defer unlock()

	sub, err := r.store.GetByCorrelationID(ctx, cid)
	if err != nil {
		return res, err
	}
	if sub == nil {
		res.Outcome = OutcomeUnknown
		log.Warn().Str("correlation_id", cid).Str("event_id", cb.EventID).Msg("Payment callback for unknown correlation id")
		return res, entErrors.NotFound(op, cid)
	}
	res.Subscription = sub
	wasTerminal := sub.PaymentStatus.Terminal()

	// Rows with a review history replay through the checks below.
	if outcome == store.StatusSuccess && sub.PaymentStatus == store.StatusFailed && sub.ReviewReason == "" {
		flagged, err := r.store.FlagLatePayment(ctx, cid, cb.AmountConfirmed)
		if err != nil {
			return res, err
		}
		res.Subscription = flagged
		res.Outcome = OutcomeLate
		log.Warn().
			Str("tenant_id", flagged.TenantID).
			Str("correlation_id", cid).
			Str("confirmed", cb.AmountConfirmed.StringFixed(2)).
			Str("provider_ref", cb.ProviderRef).
			Msg("Payment confirmed for a failed subscription; flagged for review")
		return res, entErrors.Duplicate(op, cid, errors.New("payment confirmed after the subscription failed"))
	}

	if outcome == store.StatusSuccess && !amountMatches(sub, cb) {
		flagged, err := r.store.MarkAmountMismatch(ctx, cid, cb.AmountConfirmed)
		if err != nil {
			return res, err
		}
		res.Subscription = flagged
		res.Outcome = OutcomeMismatch
		if !wasTerminal {
			r.invalidate(flagged.TenantID)
		}
		log.Warn().
			Str("tenant_id", flagged.TenantID).
			Str("correlation_id", cid).
			Str("recorded", sub.Amount.StringFixed(2)).
			Str("confirmed", cb.AmountConfirmed.StringFixed(2)).
			Str("currency", cb.Currency).
			Msg("Payment amount mismatch; subscription flagged for review")
		return res, entErrors.AmountMismatch(op, cid, sub.Amount.StringFixed(2), cb.AmountConfirmed.StringFixed(2))
	}

	applied, err := r.store.ApplyPaymentResult(ctx, cid, outcome, cb.AmountConfirmed)
	if err != nil {
		if entErrors.TypeOf(err) == entErrors.ErrorTypeDuplicate {
			res.Outcome = OutcomeConflict
		}
		return res, err
	}
	res.Subscription = applied
	if wasTerminal {
		res.Outcome = OutcomeReplay
		log.Debug().Str("correlation_id", cid).Str("status", string(applied.PaymentStatus)).Msg("Payment callback replay ignored")
		return res, nil
	}

	res.Outcome = OutcomeApplied
	r.invalidate(applied.TenantID)
	log.Info().
		Str("tenant_id", applied.TenantID).
		Str("correlation_id", cid).
		Str("status", string(applied.PaymentStatus)).
		Str("provider_ref", cb.ProviderRef).
		Msg("Payment callback applied")
	return res, nil
}

// PendingReview lists rows an operator must look at.
func (r *Reconciler) PendingReview(ctx context.Context) ([]*store.Subscription, error) {
	return r.store.ListNeedingReview(ctx)
}

// ResolveReview clears the review flag of correlationID with an operator note.
func (r *Reconciler) ResolveReview(ctx context.Context, correlationID, note string) (*store.Subscription, error) {
	if strings.TrimSpace(note) == "" {
		return nil, entErrors.Invalid("resolve_review", "a note is required")
	}
	return r.store.ResolveReview(ctx, strings.TrimSpace(correlationID), strings.TrimSpace(note))
}

func (r *Reconciler) invalidate(tenantID string) {
	if r.invalidator != nil {
		r.invalidator.Invalidate(tenantID)
	}
}

func statusFor(o gateway.Outcome) (store.PaymentStatus, error) {
	switch o {
	case gateway.OutcomeSuccess:
		return store.StatusSuccess, nil
	case gateway.OutcomeFailed:
		return store.StatusFailed, nil
	default:
		return "", entErrors.Invalid("handle_callback", "unknown outcome %q", o)
	}
}

func amountMatches(sub *store.Subscription, cb gateway.Callback) bool {
	if c := strings.TrimSpace(cb.Currency); c != "" && !strings.EqualFold(c, catalog.Currency) {
		return false
	}
	return cb.AmountConfirmed.Round(2).Equal(sub.Amount.Round(2))
}
