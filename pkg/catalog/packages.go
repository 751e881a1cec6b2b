package catalog

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	entErrors "github.com/unipanel/entitlements/internal/errors"
)

// Currency is the ISO code every catalog price is expressed in.
const Currency = "TRY"

// Durations are the purchasable subscription lengths in months.
var Durations = []int{1, 6, 12}

// IsValidDuration reports whether months is a purchasable duration.
func IsValidDuration(months int) bool {
	for _, d := range Durations {
		if d == months {
			return true
		}
	}
	return false
}

// PackageKey identifies a purchasable package. The zero value is invalid;
// keys are only built through NewPackageKey or ParsePackageKey.
type PackageKey struct {
	tier   Tier
	months int
}

// NewPackageKey validates a (tier, duration) pair. Standard is not purchasable
// and unknown durations are configuration errors.
func NewPackageKey(tier Tier, months int) (PackageKey, error) {
	if tier == TierStandard {
		return PackageKey{}, entErrors.Invalid("package_key", "standard tier is always active and cannot be purchased")
	}
	if !tier.Paid() {
		return PackageKey{}, entErrors.Invalid("package_key", "unknown tier %q", tier)
	}
	if !IsValidDuration(months) {
		return PackageKey{}, entErrors.Config("package_key", "no %s package for %d months", tier, months)
	}
	return PackageKey{tier: tier, months: months}, nil
}

// MustPackageKey is NewPackageKey for static configuration; it panics on error.
func MustPackageKey(tier Tier, months int) PackageKey {
	key, err := NewPackageKey(tier, months)
	if err != nil {
		panic(err)
	}
	return key
}

// ParsePackageKey parses the "<tier>_<months>" form used by billing forms.
func ParsePackageKey(s string) (PackageKey, error) {
	idx := strings.LastIndexByte(s, '_')
	if idx <= 0 || idx == len(s)-1 {
		return PackageKey{}, entErrors.Invalid("parse_package_key", "malformed package key %q", s)
	}
	tier, err := ParseTier(s[:idx])
	if err != nil {
		return PackageKey{}, err
	}
	months, err := strconv.Atoi(s[idx+1:])
	if err != nil {
		return PackageKey{}, entErrors.Invalid("parse_package_key", "malformed duration in %q", s)
	}
	return NewPackageKey(tier, months)
}

// Tier returns the package tier.
func (k PackageKey) Tier() Tier { return k.tier }

// Months returns the package duration.
func (k PackageKey) Months() int { return k.months }

// IsZero reports whether k was never constructed.
func (k PackageKey) IsZero() bool { return k.tier == "" }

func (k PackageKey) String() string {
	return fmt.Sprintf("%s_%d", k.tier, k.months)
}

// PeriodEnd returns start advanced by the package duration.
func (k PackageKey) PeriodEnd(start time.Time) time.Time {
	return start.AddDate(0, k.months, 0)
}

// PackageDefinition is the immutable price configuration for one package.
type PackageDefinition struct {
	Key                  PackageKey
	BasePrice            decimal.Decimal // monthly list price
	DiscountPercent      int
	IncludedAddonCredits int64
}

// TierDefinition holds the feature limits of a tier.
type TierDefinition struct {
	Tier   Tier
	Limits map[FeatureKey]Limit
}

// AddonPackage is a credit pack sold alongside a business subscription.
type AddonPackage struct {
	Key            string          `json:"key"`
	Credits        int64           `json:"credits"`
	Price          decimal.Decimal `json:"price"`
	CommissionRate int             `json:"commission_rate"`
	Badge          string          `json:"badge,omitempty"`
}

// UnitPrice returns the price per credit, rounded to 4 places.
func (a AddonPackage) UnitPrice() decimal.Decimal {
	if a.Credits <= 0 {
		return decimal.Zero
	}
	return a.Price.Div(decimal.NewFromInt(a.Credits)).Round(4)
}

// AddonKeyFor returns the canonical add-on key for a credit amount.
func AddonKeyFor(credits int64) string {
	return fmt.Sprintf("business_sms_addon_%d", credits)
}

func unlimitedCounts(limits map[FeatureKey]Limit) map[FeatureKey]Limit {
	for _, feature := range []FeatureKey{
		FeatureMaxMembers,
		FeatureMaxEventsPerMonth,
		FeatureMaxBoardMembers,
		FeatureMaxCampaigns,
		FeatureMaxProducts,
	} {
		limits[feature] = Unlimited()
	}
	return limits
}

// DefaultTiers returns the production tier limits.
func DefaultTiers() []TierDefinition {
	return []TierDefinition{
		{
			Tier: TierStandard,
			Limits: unlimitedCounts(map[FeatureKey]Limit{
				FeatureMaxSMSPerMonth:  Count(0),
				FeatureFinancialModule: Disabled(),
				FeatureReports:         Disabled(),
				FeatureEmailCenter:     Disabled(),
				FeatureSMSCenter:       Disabled(),
				FeatureAPIAccess:       Disabled(),
			}),
		},
		{
			Tier: TierProfessional,
			Limits: unlimitedCounts(map[FeatureKey]Limit{
				FeatureMaxSMSPerMonth:  Count(0),
				FeatureFinancialModule: Enabled(),
				FeatureReports:         Enabled(),
				FeatureEmailCenter:     Disabled(),
				FeatureSMSCenter:       Disabled(),
				FeatureAPIAccess:       Disabled(),
			}),
		},
		{
			Tier: TierBusiness,
			Limits: unlimitedCounts(map[FeatureKey]Limit{
				FeatureMaxSMSPerMonth:  Count(500),
				FeatureFinancialModule: Enabled(),
				FeatureReports:         Enabled(),
				FeatureEmailCenter:     Enabled(),
				FeatureSMSCenter:       Enabled(),
				FeatureAPIAccess:       Enabled(),
			}),
		},
	}
}

// durationDiscounts is shared by every paid tier.
var durationDiscounts = map[int]int{1: 0, 6: 10, 12: 20}

// DefaultPackages returns the production price table.
func DefaultPackages() []PackageDefinition {
	monthly := map[Tier]decimal.Decimal{
		TierProfessional: decimal.NewFromInt(250),
		TierBusiness:     decimal.NewFromInt(500),
	}
	businessBonus := map[int]int64{1: 0, 6: 250, 12: 500}

	var defs []PackageDefinition
	for _, tier := range []Tier{TierProfessional, TierBusiness} {
		for _, months := range Durations {
			def := PackageDefinition{
				Key:             MustPackageKey(tier, months),
				BasePrice:       monthly[tier],
				DiscountPercent: durationDiscounts[months],
			}
			if tier == TierBusiness {
				def.IncludedAddonCredits = businessBonus[months]
			}
			defs = append(defs, def)
		}
	}
	return defs
}

// DefaultAddons returns the SMS credit packs offered with business.
func DefaultAddons() []AddonPackage {
	return []AddonPackage{
		{Key: AddonKeyFor(1000), Credits: 1000, Price: decimal.NewFromInt(250), CommissionRate: 10},
		{Key: AddonKeyFor(5000), Credits: 5000, Price: decimal.NewFromInt(1100), CommissionRate: 7, Badge: "Popular"},
		{Key: AddonKeyFor(10000), Credits: 10000, Price: decimal.NewFromInt(2000), CommissionRate: 5, Badge: "Best value"},
	}
}
