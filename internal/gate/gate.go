// Package gate answers "may this tenant use this feature (at this projected count)?".
// Denials are values, never errors; errors mean the entitlement could not be read.
package gate

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	entErrors "github.com/unipanel/entitlements/internal/errors"
	"github.com/unipanel/entitlements/internal/lifecycle"
	"github.com/unipanel/entitlements/internal/metrics"
	"github.com/unipanel/entitlements/pkg/catalog"
)

const (
	DefaultCacheSize = 4096
	DefaultCacheTTL  = 5 * time.Second
)

// Reason explains a decision.
type Reason string

const (
	ReasonAllowed         Reason = "allowed"
	ReasonLimitExceeded   Reason = "limit_exceeded"
	ReasonFeatureDisabled Reason = "feature_disabled"
	ReasonUnknownFeature  Reason = "unknown_feature"
)

// Decision is the outcome of a gate check.
type Decision struct {
	Allowed      bool                 `json:"allowed"`
	Feature      catalog.FeatureKey   `json:"feature"`
	Tier         catalog.Tier         `json:"tier"`
	RequiredTier catalog.Tier         `json:"required_tier,omitempty"`
	Limit        catalog.Limit        `json:"limit"`
	Projected    *int64               `json:"projected,omitempty"`
	Reason       Reason               `json:"reason"`
	Upgrade      *catalog.ReasonEntry `json:"upgrade,omitempty"`
}

// SnapshotSource reads a tenant's current entitlement.
type SnapshotSource interface {
	CurrentSnapshot(ctx context.Context, tenantID string) (lifecycle.Snapshot, error)
}

// Option configures a Gate.
type Option func(*options)

type options struct {
	cacheSize int
	cacheTTL  time.Duration
}

// WithCache sizes the snapshot cache. A non-positive ttl disables caching.
func WithCache(size int, ttl time.Duration) Option {
	return func(o *options) {
		o.cacheSize = size
		o.cacheTTL = ttl
	}
}

// Gate evaluates feature checks against cached entitlement snapshots.
type Gate struct {
	catalog *catalog.Catalog
	source  SnapshotSource
	cache   *expirable.LRU[string, lifecycle.Snapshot]
	group   singleflight.Group
}

// New creates a Gate.
func New(cat *catalog.Catalog, source SnapshotSource, opts ...Option) *Gate {
	o := options{cacheSize: DefaultCacheSize, cacheTTL: DefaultCacheTTL}
	for _, opt := range opts {
		opt(&o)
	}
	g := &Gate{catalog: cat, source: source}
	if o.cacheTTL > 0 {
		if o.cacheSize <= 0 {
			o.cacheSize = DefaultCacheSize
		}
		g.cache = expirable.NewLRU[string, lifecycle.Snapshot](o.cacheSize, nil, o.cacheTTL)
	}
	return g
}

// Check evaluates a capability, or a count feature without a projected value.
func (g *Gate) Check(ctx context.Context, tenantID string, feature catalog.FeatureKey) (Decision, error) {
	return g.check(ctx, tenantID, feature, nil)
}

// CheckCount evaluates whether the tenant may reach projected units of feature.
func (g *Gate) CheckCount(ctx context.Context, tenantID string, feature catalog.FeatureKey, projected int64) (Decision, error) {
	return g.check(ctx, tenantID, feature, &projected)
}

func (g *Gate) check(ctx context.Context, tenantID string, feature catalog.FeatureKey, projected *int64) (Decision, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return Decision{}, entErrors.Invalid("gate_check", "tenant id is required")
	}
	snap, err := g.snapshot(ctx, tenantID)
	if err != nil {
		return Decision{}, err
	}
	d := Evaluate(g.catalog, snap, feature, projected)

	result := "allowed"
	if !d.Allowed {
		result = "denied"
	}
	featureLabel := string(feature)
	if d.Reason == ReasonUnknownFeature {
		featureLabel = "unknown"
	}
	metrics.GateDecisionsTotal.WithLabelValues(featureLabel, result).Inc()
	return d, nil
}

func (g *Gate) snapshot(ctx context.Context, tenantID string) (lifecycle.Snapshot, error) {
	if g.cache == nil {
		return g.source.CurrentSnapshot(ctx, tenantID)
	}
	if snap, ok := g.cache.Get(tenantID); ok {
		metrics.SnapshotCacheTotal.WithLabelValues("hit").Inc()
		return snap, nil
	}
	metrics.SnapshotCacheTotal.WithLabelValues("miss").Inc()

	// Coalesced callers share this load, so one caller's cancellation must not fail the rest.
	loadCtx := context.WithoutCancel(ctx)
	v, err, _ := g.group.Do(tenantID, func() (any, error) {
		snap, err := g.source.CurrentSnapshot(loadCtx, tenantID)
		if err != nil {
			return nil, err
		}
		g.cache.Add(tenantID, snap)
		return snap, nil
	})
	if err != nil {
		return lifecycle.Snapshot{}, err
	}
	return v.(lifecycle.Snapshot), nil
}

// Invalidate drops the cached snapshot of tenantID.
func (g *Gate) Invalidate(tenantID string) {
	if g.cache != nil {
		g.cache.Remove(tenantID)
	}
}

// Purge drops every cached snapshot.
func (g *Gate) Purge() {
	if g.cache != nil {
		g.cache.Purge()
	}
}

// Evaluate applies the gate rules to a snapshot. It is pure.
func Evaluate(cat *catalog.Catalog, snap lifecycle.Snapshot, feature catalog.FeatureKey, projected *int64) Decision {
	d := Decision{Feature: feature, Tier: snap.Tier, Projected: projected}

	kind, known := catalog.KindOf(feature)
	if !known {
		d.Reason = ReasonUnknownFeature
		return d
	}
	limit, ok := cat.LimitFor(snap.Tier, feature)
	if !ok {
		d.Reason = ReasonUnknownFeature
		return d
	}
	if kind == catalog.KindQuota {
		limit = limit.WithCredits(snap.AddonCreditBalance)
	}
	d.Limit = limit

	switch {
	case kind == catalog.KindCapability:
		d.Allowed = limit.Enabled
	case projected != nil:
		d.Allowed = limit.Allows(*projected)
	default:
		d.Allowed = limit.Unlimited || limit.Max > 0
	}
	if d.Allowed {
		d.Reason = ReasonAllowed
		return d
	}

	if kind == catalog.KindCapability || projected == nil {
		d.Reason = ReasonFeatureDisabled
	} else {
		d.Reason = ReasonLimitExceeded
	}
	if tier, ok := cat.MinimumTierFor(feature, projected); ok && tier.Rank() > snap.Tier.Rank() {
		d.RequiredTier = tier
	}
	if entry, ok := cat.UpgradeReason(feature); ok {
		entry.ActionURL = catalog.UpgradeURLForFeature(feature, d.RequiredTier)
		d.Upgrade = &entry
	}
	return d
}
