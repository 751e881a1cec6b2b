// Package lifecycle mediates paid upgrades: it prices requests server-side,
// records pending purchases, applies promotions and derives entitlement snapshots.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/unipanel/entitlements/internal/clock"
	entErrors "github.com/unipanel/entitlements/internal/errors"
	"github.com/unipanel/entitlements/internal/gateway"
	"github.com/unipanel/entitlements/internal/lock"
	"github.com/unipanel/entitlements/internal/metrics"
	"github.com/unipanel/entitlements/internal/store"
	"github.com/unipanel/entitlements/pkg/catalog"
)

// Correlation id prefixes distinguish paid purchases from promotional grants.
const (
	PaidPrefix  = "SUB-"
	PromoPrefix = "PROMO-"
)

// Invalidator drops cached entitlement state after a transition.
type Invalidator interface {
	Invalidate(tenantID string)
	Purge()
}

// Config wires a Service.
type Config struct {
	Catalog     *catalog.Catalog
	Store       store.EntitlementStore
	Locker      lock.Locker
	Gateway     gateway.Gateway // optional; without it callers hand the correlation id to the processor
	Clock       clock.Clock
	Invalidator Invalidator

	CallbackURL string
	SuccessURL  string
	CancelURL   string
}

// Service implements the subscription lifecycle.
type Service struct {
	catalog     *catalog.Catalog
	store       store.EntitlementStore
	locker      lock.Locker
	gateway     gateway.Gateway
	clock       clock.Clock
	invalidator Invalidator

	callbackURL string
	successURL  string
	cancelURL   string
}

// New validates cfg and returns a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("lifecycle: catalog is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("lifecycle: store is required")
	}
	if cfg.Locker == nil {
		cfg.Locker = lock.NewLocal()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	return &Service{
		catalog:     cfg.Catalog,
		store:       cfg.Store,
		locker:      cfg.Locker,
		gateway:     cfg.Gateway,
		clock:       cfg.Clock,
		invalidator: cfg.Invalidator,
		callbackURL: cfg.CallbackURL,
		successURL:  cfg.SuccessURL,
		cancelURL:   cfg.CancelURL,
	}, nil
}

// Catalog returns the catalog the service prices against.
func (s *Service) Catalog() *catalog.Catalog { return s.catalog }

// Now is the service clock.
func (s *Service) Now() time.Time { return s.clock.Now() }

// UpgradeRequest is a tenant's package selection. It carries no amount; the
// total is always recomputed from the catalog.
type UpgradeRequest struct {
	TenantID       string       `json:"tenant_id"`
	Tier           catalog.Tier `json:"tier"`
	DurationMonths int          `json:"duration_months"`
	AddonKey       string       `json:"addon_key,omitempty"`
}

// UpgradeResult is the outcome of RequestUpgrade.
type UpgradeResult struct {
	Subscription *store.Subscription  `json:"subscription"`
	Quote        catalog.Quote        `json:"quote"`
	Promotional  bool                 `json:"promotional"`
	PaymentForm  *gateway.PaymentForm `json:"payment_form,omitempty"`
}

// Quote prices a selection at the current instant without side effects.
func (s *Service) Quote(tier catalog.Tier, months int, addonKey string) (catalog.Quote, error) {
	key, err := catalog.NewPackageKey(tier, months)
	if err != nil {
		return catalog.Quote{}, err
	}
	return s.catalog.Quote(key, addonKey, s.clock.Now())
}

// RequestUpgrade records a purchase attempt. A zero total under an active
// promotion is granted immediately; anything else becomes a pending row
// awaiting the processor's callback.
func (s *Service) RequestUpgrade(ctx context.Context, req UpgradeRequest) (result *UpgradeResult, err error) {
	const op = "request_upgrade"
	outcome := "error"
	defer func() {
		metrics.UpgradeRequestsTotal.WithLabelValues(string(req.Tier), outcome).Inc()
	}()

	req.TenantID = strings.TrimSpace(req.TenantID)
	if req.TenantID == "" {
		outcome = "invalid"
		return nil, entErrors.Invalid(op, "tenant id is required")
	}
	if req.Tier == catalog.TierStandard {
		outcome = "invalid"
		return nil, entErrors.Invalid(op, "standard tier is always active and cannot be purchased")
	}
	if req.AddonKey != "" && req.Tier != catalog.TierBusiness {
		outcome = "invalid"
		return nil, entErrors.Invalid(op, "add-on packages require the business tier")
	}
	key, err := catalog.NewPackageKey(req.Tier, req.DurationMonths)
	if err != nil {
		outcome = "invalid"
		return nil, err
	}

	unlock, err := s.locker.Lock(ctx, "tenant:"+req.TenantID)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			outcome = "conflict"
			return nil, entErrors.Conflict(op, req.TenantID)
		}
		return nil, fmt.Errorf("lock tenant %s: %w", req.TenantID, err)
	}
	defer unlock()

	now := s.clock.Now()
	quote, err := s.catalog.Quote(key, req.AddonKey, now)
	if err != nil {
		outcome = "invalid"
		return nil, err
	}

	pending := store.PendingRequest{
		TenantID:        req.TenantID,
		Tier:            req.Tier,
		DurationMonths:  req.DurationMonths,
		AddonKey:        req.AddonKey,
		IncludedCredits: quote.Package.IncludedCredits,
		Amount:          quote.Total,
	}
	if quote.Addon != nil {
		pending.AddonCredits = quote.Addon.Credits
	}

	if quote.Total.IsZero() {
		pending.CorrelationID = PromoPrefix + ulid.Make().String()
		sub, err := s.store.CreatePromotional(ctx, pending)
		if err != nil {
			outcome = outcomeFor(err)
			return nil, err
		}
		s.invalidate(req.TenantID)
		outcome = "promotional"
		log.Info().
			Str("tenant_id", req.TenantID).
			Str("correlation_id", sub.CorrelationID).
			Str("package", key.String()).
			Str("promotion", quote.Promotion).
			Msg("Promotional upgrade granted")
		return &UpgradeResult{Subscription: sub, Quote: quote, Promotional: true}, nil
	}

	pending.CorrelationID = PaidPrefix + ulid.Make().String()
	sub, err := s.store.CreatePending(ctx, pending)
	if err != nil {
		outcome = outcomeFor(err)
		return nil, err
	}
	s.invalidate(req.TenantID)

	result = &UpgradeResult{Subscription: sub, Quote: quote}
	if s.gateway != nil {
		form, err := s.gateway.CreatePaymentForm(ctx, gateway.FormRequest{
			TenantID:      req.TenantID,
			CorrelationID: sub.CorrelationID,
			Description:   describe(key, quote),
			Amount:        quote.Total,
			Currency:      catalog.Currency,
			CallbackURL:   s.callbackURL,
			SuccessURL:    s.successURL,
			CancelURL:     s.cancelURL,
		})
		if err != nil {
			// Release the tenant's pending slot so they can retry immediately.
			if _, ferr := s.store.ApplyPaymentResult(ctx, sub.CorrelationID, store.StatusFailed, decimal.Zero); ferr != nil {
				log.Error().Err(ferr).Str("correlation_id", sub.CorrelationID).Msg("Failed to release pending upgrade")
			}
			return nil, fmt.Errorf("create payment form for %s: %w", sub.CorrelationID, err)
		}
		result.PaymentForm = form
	}

	outcome = "pending"
	log.Info().
		Str("tenant_id", req.TenantID).
		Str("correlation_id", sub.CorrelationID).
		Str("package", key.String()).
		Str("amount", quote.Total.StringFixed(2)).
		Msg("Upgrade pending payment")
	return result, nil
}

// ConsumeAddonCredits spends n credits from the tenant's current balance.
func (s *Service) ConsumeAddonCredits(ctx context.Context, tenantID string, n int64) (int64, error) {
	remaining, err := s.store.ConsumeAddonCredits(ctx, tenantID, n)
	if err != nil {
		return 0, err
	}
	s.invalidate(tenantID)
	return remaining, nil
}

// History returns every purchase attempt of a tenant, newest first.
func (s *Service) History(ctx context.Context, tenantID string) ([]*store.Subscription, error) {
	return s.store.History(ctx, tenantID)
}

func (s *Service) invalidate(tenantID string) {
	if s.invalidator != nil {
		s.invalidator.Invalidate(tenantID)
	}
}

func describe(key catalog.PackageKey, quote catalog.Quote) string {
	desc := fmt.Sprintf("%s package, %d months", key.Tier().DisplayName(), key.Months())
	if quote.Addon != nil {
		desc += fmt.Sprintf(" + %d SMS credits", quote.Addon.Credits)
	}
	return desc
}

func outcomeFor(err error) string {
	switch entErrors.TypeOf(err) {
	case entErrors.ErrorTypeConflict:
		return "conflict"
	case entErrors.ErrorTypeInvalidRequest, entErrors.ErrorTypeConfig:
		return "invalid"
	default:
		return "error"
	}
}
