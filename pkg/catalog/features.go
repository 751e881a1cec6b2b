// Package catalog defines the canonical tier, package, add-on and promotion
// metadata for community subscriptions.
//
// Everything here is pure configuration: prices and limits are data, and a
// Catalog is validated once at construction so lookups never fall back to a
// silent default.
package catalog

import (
	"fmt"
	"strconv"

	entErrors "github.com/unipanel/entitlements/internal/errors"
)

// Tier represents a subscription tier.
type Tier string

const (
	TierStandard     Tier = "standard"     // Free default, never purchased
	TierProfessional Tier = "professional" // Reports and financial module
	TierBusiness     Tier = "business"     // Messaging centers, API access, SMS quota
)

// orderedTiers is the upgrade order used for minimum-tier scans.
var orderedTiers = []Tier{TierStandard, TierProfessional, TierBusiness}

// Tiers returns all tiers in ascending order.
func Tiers() []Tier {
	out := make([]Tier, len(orderedTiers))
	copy(out, orderedTiers)
	return out
}

// ParseTier converts a string into a Tier. Unknown tiers are rejected.
func ParseTier(s string) (Tier, error) {
	for _, t := range orderedTiers {
		if string(t) == s {
			return t, nil
		}
	}
	return "", entErrors.Invalid("parse_tier", "unknown tier %q", s)
}

// Rank returns the position of the tier in the upgrade order (standard = 0).
// Unknown tiers rank below standard.
func (t Tier) Rank() int {
	for i, candidate := range orderedTiers {
		if candidate == t {
			return i
		}
	}
	return -1
}

// Paid reports whether the tier can be purchased.
func (t Tier) Paid() bool {
	return t == TierProfessional || t == TierBusiness
}

// DisplayName returns a human-readable name for the tier.
func (t Tier) DisplayName() string {
	switch t {
	case TierStandard:
		return "Standard"
	case TierProfessional:
		return "Professional"
	case TierBusiness:
		return "Business"
	default:
		return "Unknown"
	}
}

// FeatureKey identifies a gated feature.
type FeatureKey string

// Feature constants represent gated features. Count and quota features carry a
// numeric limit; capability features are on/off per tier.
const (
	// Count limits (unlimited on standard)
	FeatureMaxMembers        FeatureKey = "max_members"
	FeatureMaxEventsPerMonth FeatureKey = "max_events_per_month"
	FeatureMaxBoardMembers   FeatureKey = "max_board_members"
	FeatureMaxCampaigns      FeatureKey = "max_campaigns"
	FeatureMaxProducts       FeatureKey = "max_products"

	// Quotas
	FeatureMaxSMSPerMonth FeatureKey = "max_sms_per_month" // topped up by add-on credits

	// Capabilities
	FeatureFinancialModule FeatureKey = "financial_module"
	FeatureReports         FeatureKey = "reports"
	FeatureEmailCenter     FeatureKey = "email_center"
	FeatureSMSCenter       FeatureKey = "sms_center"
	FeatureAPIAccess       FeatureKey = "api_access"
)

// FeatureKind classifies how a feature's limit is evaluated.
type FeatureKind int

const (
	KindCount      FeatureKind = iota + 1 // numeric ceiling on a running count
	KindQuota                             // numeric ceiling that add-on credits extend
	KindCapability                        // boolean module access
)

func (k FeatureKind) String() string {
	switch k {
	case KindCount:
		return "count"
	case KindQuota:
		return "quota"
	case KindCapability:
		return "capability"
	default:
		return "unknown"
	}
}

var featureKinds = map[FeatureKey]FeatureKind{
	FeatureMaxMembers:        KindCount,
	FeatureMaxEventsPerMonth: KindCount,
	FeatureMaxBoardMembers:   KindCount,
	FeatureMaxCampaigns:      KindCount,
	FeatureMaxProducts:       KindCount,
	FeatureMaxSMSPerMonth:    KindQuota,
	FeatureFinancialModule:   KindCapability,
	FeatureReports:           KindCapability,
	FeatureEmailCenter:       KindCapability,
	FeatureSMSCenter:         KindCapability,
	FeatureAPIAccess:         KindCapability,
}

// Features returns every known feature key.
func Features() []FeatureKey {
	return []FeatureKey{
		FeatureMaxMembers,
		FeatureMaxEventsPerMonth,
		FeatureMaxBoardMembers,
		FeatureMaxCampaigns,
		FeatureMaxProducts,
		FeatureMaxSMSPerMonth,
		FeatureFinancialModule,
		FeatureReports,
		FeatureEmailCenter,
		FeatureSMSCenter,
		FeatureAPIAccess,
	}
}

// KindOf returns the kind of a feature and whether the feature is known.
func KindOf(feature FeatureKey) (FeatureKind, bool) {
	kind, ok := featureKinds[feature]
	return kind, ok
}

// FeatureDisplayName returns a human-readable name for a feature.
func FeatureDisplayName(feature FeatureKey) string {
	switch feature {
	case FeatureMaxMembers:
		return "Members"
	case FeatureMaxEventsPerMonth:
		return "Events per month"
	case FeatureMaxBoardMembers:
		return "Board members"
	case FeatureMaxCampaigns:
		return "Active campaigns"
	case FeatureMaxProducts:
		return "Market products"
	case FeatureMaxSMSPerMonth:
		return "SMS per month"
	case FeatureFinancialModule:
		return "Financial Management"
	case FeatureReports:
		return "Reports and Analytics"
	case FeatureEmailCenter:
		return "Mail Center"
	case FeatureSMSCenter:
		return "Message Center (SMS)"
	case FeatureAPIAccess:
		return "API Access"
	default:
		return string(feature)
	}
}

// Limit is the per-tier ceiling for a feature.
type Limit struct {
	Unlimited bool  `json:"unlimited,omitempty"`
	Max       int64 `json:"max,omitempty"`
	Enabled   bool  `json:"enabled,omitempty"`
}

// Unlimited returns a limit with no ceiling.
func Unlimited() Limit { return Limit{Unlimited: true, Enabled: true} }

// Count returns a numeric limit.
func Count(n int64) Limit { return Limit{Max: n, Enabled: n > 0} }

// Enabled returns an enabled capability.
func Enabled() Limit { return Limit{Enabled: true} }

// Disabled returns a disabled capability.
func Disabled() Limit { return Limit{} }

// Allows reports whether projected fits under the limit.
func (l Limit) Allows(projected int64) bool {
	if l.Unlimited {
		return true
	}
	return projected <= l.Max
}

// WithCredits returns the limit extended by extra units. Unlimited limits are unchanged.
func (l Limit) WithCredits(extra int64) Limit {
	if l.Unlimited || extra <= 0 {
		return l
	}
	return Count(l.Max + extra)
}

func (l Limit) String() string {
	switch {
	case l.Unlimited:
		return "unlimited"
	case l.Max > 0:
		return strconv.FormatInt(l.Max, 10)
	case l.Enabled:
		return "enabled"
	default:
		return "disabled"
	}
}

// GoString keeps test failure output readable.
func (l Limit) GoString() string {
	return fmt.Sprintf("catalog.Limit(%s)", l.String())
}
