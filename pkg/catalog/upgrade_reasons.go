package catalog

import (
	"net/url"
	"sort"
)

// DefaultUpgradePath is the in-app billing page upgrade prompts link to.
const DefaultUpgradePath = "/billing/upgrade"

// ReasonEntry is an actionable upgrade prompt tied to a gated feature.
type ReasonEntry struct {
	Feature   FeatureKey `json:"feature"`
	Reason    string     `json:"reason"`
	ActionURL string     `json:"action_url"`
	Priority  int        `json:"priority"` // lower = more important
}

// UpgradeURLForFeature returns the billing URL preselecting tier for feature.
func UpgradeURLForFeature(feature FeatureKey, tier Tier) string {
	q := url.Values{}
	q.Set("feature", string(feature))
	if tier != "" {
		q.Set("tier", string(tier))
	}
	return DefaultUpgradePath + "?" + q.Encode()
}

var upgradeReasons = map[FeatureKey]struct {
	reason   string
	priority int
}{
	FeatureFinancialModule: {"Upgrade to track dues, income and expenses in the financial module.", 1},
	FeatureReports:         {"Upgrade for membership and event reports and analytics.", 2},
	FeatureSMSCenter:       {"Upgrade to Business to send SMS campaigns from the message center.", 3},
	FeatureMaxSMSPerMonth:  {"Your SMS quota is used up. Upgrade to Business or buy an SMS credit pack.", 3},
	FeatureEmailCenter:     {"Upgrade to Business to send newsletters from the mail center.", 4},
	FeatureAPIAccess:       {"Upgrade to Business to integrate with the community API.", 5},
}

// UpgradeReason returns the prompt for a feature the tenant cannot use.
func (c *Catalog) UpgradeReason(feature FeatureKey) (ReasonEntry, bool) {
	entry, ok := upgradeReasons[feature]
	if !ok {
		return ReasonEntry{}, false
	}
	tier, _ := c.MinimumTierFor(feature, nil)
	return ReasonEntry{
		Feature:   feature,
		Reason:    entry.reason,
		ActionURL: UpgradeURLForFeature(feature, tier),
		Priority:  entry.priority,
	}, true
}

// GenerateUpgradeReasons returns prompts for every capability disabled on tier.
func (c *Catalog) GenerateUpgradeReasons(tier Tier) []ReasonEntry {
	limits := c.FeatureLimitsFor(tier)
	reasons := make([]ReasonEntry, 0, len(upgradeReasons))
	for feature := range upgradeReasons {
		if limit, ok := limits[feature]; ok && limit.Enabled {
			continue
		}
		if reason, ok := c.UpgradeReason(feature); ok {
			reasons = append(reasons, reason)
		}
	}

	sort.SliceStable(reasons, func(i, j int) bool {
		if reasons[i].Priority == reasons[j].Priority {
			return reasons[i].Feature < reasons[j].Feature
		}
		return reasons[i].Priority < reasons[j].Priority
	})
	return reasons
}
