package catalog

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	entErrors "github.com/unipanel/entitlements/internal/errors"
)

var hundred = decimal.NewFromInt(100)

// Catalog is a validated, read-only view of tiers, packages, add-ons and promotions.
type Catalog struct {
	tiers       map[Tier]TierDefinition
	packages    map[PackageKey]PackageDefinition
	addons      []AddonPackage
	addonsByKey map[string]AddonPackage
	promotions  []Promotion
	location    *time.Location
}

// Option customizes a Catalog.
type Option func(*Catalog)

// WithPromotions replaces the promotion windows.
func WithPromotions(promotions ...Promotion) Option {
	return func(c *Catalog) {
		c.promotions = append([]Promotion(nil), promotions...)
	}
}

// WithLocation sets the location promotion months are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(c *Catalog) {
		if loc != nil {
			c.location = loc
		}
	}
}

// New builds and validates a catalog.
func New(tiers []TierDefinition, packages []PackageDefinition, addons []AddonPackage, opts ...Option) (*Catalog, error) {
	c := &Catalog{
		tiers:       make(map[Tier]TierDefinition, len(tiers)),
		packages:    make(map[PackageKey]PackageDefinition, len(packages)),
		addonsByKey: make(map[string]AddonPackage, len(addons)),
		location:    PromotionLocation,
	}
	for _, def := range tiers {
		if _, dup := c.tiers[def.Tier]; dup {
			return nil, entErrors.Config("catalog", "tier %q defined twice", def.Tier)
		}
		limits := make(map[FeatureKey]Limit, len(def.Limits))
		for k, v := range def.Limits {
			limits[k] = v
		}
		c.tiers[def.Tier] = TierDefinition{Tier: def.Tier, Limits: limits}
	}
	for _, def := range packages {
		if def.Key.IsZero() {
			return nil, entErrors.Config("catalog", "package with empty key")
		}
		if _, dup := c.packages[def.Key]; dup {
			return nil, entErrors.Config("catalog", "package %s defined twice", def.Key)
		}
		c.packages[def.Key] = def
	}
	for _, addon := range addons {
		if _, dup := c.addonsByKey[addon.Key]; dup {
			return nil, entErrors.Config("catalog", "add-on %q defined twice", addon.Key)
		}
		c.addonsByKey[addon.Key] = addon
		c.addons = append(c.addons, addon)
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

var defaultCatalog = mustNew(DefaultTiers(), DefaultPackages(), DefaultAddons(), WithPromotions(DefaultPromotions()...))

func mustNew(tiers []TierDefinition, packages []PackageDefinition, addons []AddonPackage, opts ...Option) *Catalog {
	c, err := New(tiers, packages, addons, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Default returns the production catalog.
func Default() *Catalog {
	return defaultCatalog
}

// Validate checks the catalog for misconfiguration. Every failure is a config error.
func (c *Catalog) Validate() error {
	const op = "validate_catalog"

	for _, tier := range orderedTiers {
		def, ok := c.tiers[tier]
		if !ok {
			return entErrors.Config(op, "tier %q is not defined", tier)
		}
		for _, feature := range Features() {
			limit, ok := def.Limits[feature]
			if !ok {
				return entErrors.Config(op, "tier %q does not define feature %q", tier, feature)
			}
			kind := featureKinds[feature]
			if kind == KindCapability && (limit.Unlimited || limit.Max != 0) {
				return entErrors.Config(op, "capability %q on tier %q must be enabled or disabled, got %s", feature, tier, limit)
			}
			if kind != KindCapability && limit.Max < 0 {
				return entErrors.Config(op, "feature %q on tier %q has negative limit", feature, tier)
			}
			if tier == TierStandard && kind == KindCount && !limit.Unlimited {
				return entErrors.Config(op, "standard tier must be unlimited for %q", feature)
			}
		}
		for feature := range def.Limits {
			if _, known := featureKinds[feature]; !known {
				return entErrors.Config(op, "tier %q defines unknown feature %q", tier, feature)
			}
		}
	}

	// Higher tiers never grant less than lower ones, so minimum-tier scans are meaningful.
	for i := 1; i < len(orderedTiers); i++ {
		lower, higher := c.tiers[orderedTiers[i-1]], c.tiers[orderedTiers[i]]
		for _, feature := range Features() {
			lo, hi := lower.Limits[feature], higher.Limits[feature]
			if lo.Enabled && !hi.Enabled {
				return entErrors.Config(op, "feature %q enabled on %s but not on %s", feature, lower.Tier, higher.Tier)
			}
			if lo.Unlimited && !hi.Unlimited {
				return entErrors.Config(op, "feature %q unlimited on %s but limited on %s", feature, lower.Tier, higher.Tier)
			}
			if !hi.Unlimited && hi.Max < lo.Max {
				return entErrors.Config(op, "feature %q limit decreases from %s to %s", feature, lower.Tier, higher.Tier)
			}
		}
	}

	for _, tier := range orderedTiers {
		if !tier.Paid() {
			continue
		}
		prevDiscount := -1
		for _, months := range Durations {
			key := PackageKey{tier: tier, months: months}
			def, ok := c.packages[key]
			if !ok {
				return entErrors.Config(op, "package %s is not defined", key)
			}
			if !def.BasePrice.IsPositive() {
				return entErrors.Config(op, "package %s must have a positive base price", key)
			}
			if def.DiscountPercent < 0 || def.DiscountPercent >= 100 {
				return entErrors.Config(op, "package %s discount %d%% out of range", key, def.DiscountPercent)
			}
			if months > 1 && def.DiscountPercent <= prevDiscount {
				return entErrors.Config(op, "package %s discount must increase with duration", key)
			}
			if def.IncludedAddonCredits < 0 {
				return entErrors.Config(op, "package %s has negative included credits", key)
			}
			prevDiscount = def.DiscountPercent
		}
	}
	for key := range c.packages {
		if !key.tier.Paid() || !IsValidDuration(key.months) {
			return entErrors.Config(op, "package %s is not purchasable", key)
		}
	}

	for _, addon := range c.addons {
		if addon.Key == "" {
			return entErrors.Config(op, "add-on with empty key")
		}
		if addon.Credits <= 0 || !addon.Price.IsPositive() {
			return entErrors.Config(op, "add-on %q must have positive credits and price", addon.Key)
		}
		if addon.CommissionRate < 0 || addon.CommissionRate >= 100 {
			return entErrors.Config(op, "add-on %q commission %d%% out of range", addon.Key, addon.CommissionRate)
		}
	}

	for _, promo := range c.promotions {
		if promo.Month == 0 && (promo.Start.IsZero() || !promo.End.After(promo.Start)) {
			return entErrors.Config(op, "promotion %q needs a month or a non-empty window", promo.Name)
		}
		if promo.Month < 0 || promo.Month > time.December {
			return entErrors.Config(op, "promotion %q has invalid month %d", promo.Name, promo.Month)
		}
	}
	return nil
}

// Price is the computed price of a package.
type Price struct {
	Key             PackageKey      `json:"-"`
	Package         string          `json:"package"`
	Tier            Tier            `json:"tier"`
	Months          int             `json:"months"`
	ListPrice       decimal.Decimal `json:"list_price"`
	DiscountPercent int             `json:"discount_percent"`
	Price           decimal.Decimal `json:"price"`
	IncludedCredits int64           `json:"included_credits,omitempty"`
}

// Package returns the definition for key.
func (c *Catalog) Package(key PackageKey) (PackageDefinition, error) {
	def, ok := c.packages[key]
	if !ok {
		return PackageDefinition{}, entErrors.Config("price_for", "unknown package %s", key)
	}
	return def, nil
}

// PriceFor returns basePrice × months × (1 − discount/100), rounded to 2 places.
func (c *Catalog) PriceFor(key PackageKey) (Price, error) {
	def, err := c.Package(key)
	if err != nil {
		return Price{}, err
	}
	months := decimal.NewFromInt(int64(key.months))
	list := def.BasePrice.Mul(months).Round(2)
	net := list.Mul(hundred.Sub(decimal.NewFromInt(int64(def.DiscountPercent)))).Div(hundred).Round(2)
	return Price{
		Key:             key,
		Package:         key.String(),
		Tier:            key.tier,
		Months:          key.months,
		ListPrice:       list,
		DiscountPercent: def.DiscountPercent,
		Price:           net,
		IncludedCredits: def.IncludedAddonCredits,
	}, nil
}

// Prices returns every purchasable package price, ordered by tier then duration.
func (c *Catalog) Prices() []Price {
	out := make([]Price, 0, len(c.packages))
	for key := range c.packages {
		price, err := c.PriceFor(key)
		if err != nil {
			continue
		}
		out = append(out, price)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tier != out[j].Tier {
			return out[i].Tier.Rank() < out[j].Tier.Rank()
		}
		return out[i].Months < out[j].Months
	})
	return out
}

// FeatureLimitsFor returns a copy of the limits for tier. Unknown tiers have no limits.
func (c *Catalog) FeatureLimitsFor(tier Tier) map[FeatureKey]Limit {
	def, ok := c.tiers[tier]
	if !ok {
		return map[FeatureKey]Limit{}
	}
	out := make(map[FeatureKey]Limit, len(def.Limits))
	for k, v := range def.Limits {
		out[k] = v
	}
	return out
}

// LimitFor returns a single limit.
func (c *Catalog) LimitFor(tier Tier, feature FeatureKey) (Limit, bool) {
	def, ok := c.tiers[tier]
	if !ok {
		return Limit{}, false
	}
	limit, ok := def.Limits[feature]
	return limit, ok
}

// MinimumTierFor returns the lowest tier whose limit satisfies the request.
// With projected nil, count features need a non-zero limit and capabilities
// need to be enabled.
func (c *Catalog) MinimumTierFor(feature FeatureKey, projected *int64) (Tier, bool) {
	kind, ok := featureKinds[feature]
	if !ok {
		return "", false
	}
	for _, tier := range orderedTiers {
		limit, ok := c.LimitFor(tier, feature)
		if !ok {
			continue
		}
		switch {
		case kind == KindCapability:
			if limit.Enabled {
				return tier, true
			}
		case projected != nil:
			if limit.Allows(*projected) {
				return tier, true
			}
		default:
			if limit.Unlimited || limit.Max > 0 {
				return tier, true
			}
		}
	}
	return "", false
}

// AddonPackages returns the add-on credit packs.
func (c *Catalog) AddonPackages() []AddonPackage {
	return append([]AddonPackage(nil), c.addons...)
}

// Addon looks up an add-on by key.
func (c *Catalog) Addon(key string) (AddonPackage, error) {
	addon, ok := c.addonsByKey[key]
	if !ok {
		return AddonPackage{}, entErrors.Invalid("addon", "unknown add-on %q", key)
	}
	return addon, nil
}

// Promotions returns the configured promotion windows.
func (c *Catalog) Promotions() []Promotion {
	return append([]Promotion(nil), c.promotions...)
}

// ActivePromotion returns the first promotion covering at.
func (c *Catalog) ActivePromotion(at time.Time) (Promotion, bool) {
	for _, promo := range c.promotions {
		if promo.ActiveAt(at, c.location) {
			return promo, true
		}
	}
	return Promotion{}, false
}

// IsPromotionActive reports whether any promotion covers at.
func (c *Catalog) IsPromotionActive(at time.Time) bool {
	_, ok := c.ActivePromotion(at)
	return ok
}

// Quote is the authoritative, server-side total for an upgrade selection.
type Quote struct {
	Package      Price           `json:"package"`
	Addon        *AddonPackage   `json:"addon,omitempty"`
	Promotion    string          `json:"promotion,omitempty"`
	PackageTotal decimal.Decimal `json:"package_total"`
	AddonTotal   decimal.Decimal `json:"addon_total"`
	Total        decimal.Decimal `json:"total"`
	Credits      int64           `json:"credits"`
}

// Quote prices a package plus an optional add-on at the given instant. An
// active promotion zeroes the package price; add-on credits are always charged.
func (c *Catalog) Quote(key PackageKey, addonKey string, at time.Time) (Quote, error) {
	price, err := c.PriceFor(key)
	if err != nil {
		return Quote{}, err
	}
	q := Quote{
		Package:      price,
		PackageTotal: price.Price,
		AddonTotal:   decimal.Zero,
		Credits:      price.IncludedCredits,
	}
	if promo, ok := c.ActivePromotion(at); ok {
		q.Promotion = promo.Name
		q.PackageTotal = decimal.Zero
	}
	if addonKey != "" {
		if key.tier != TierBusiness {
			return Quote{}, entErrors.Invalid("quote", "add-on packages require the business tier")
		}
		addon, err := c.Addon(addonKey)
		if err != nil {
			return Quote{}, err
		}
		q.Addon = &addon
		q.AddonTotal = addon.Price
		q.Credits += addon.Credits
	}
	q.Total = q.PackageTotal.Add(q.AddonTotal).Round(2)
	return q, nil
}
