package lifecycle

import (
	"context"
	"math"
	"strings"
	"time"

	entErrors "github.com/unipanel/entitlements/internal/errors"
	"github.com/unipanel/entitlements/internal/store"
	"github.com/unipanel/entitlements/pkg/catalog"
)

// Snapshot is the derived entitlement of a tenant at one instant.
type Snapshot struct {
	TenantID           string       `json:"tenant_id"`
	Tier               catalog.Tier `json:"tier"`
	Active             bool         `json:"active"`
	RemainingDays      *int         `json:"remaining_days"`
	AddonCreditBalance int64        `json:"addon_credit_balance"`
	PeriodEnd          *time.Time   `json:"period_end,omitempty"`
	CorrelationID      string       `json:"correlation_id,omitempty"`
	Promotional        bool         `json:"promotional,omitempty"`
	EvaluatedAt        time.Time    `json:"evaluated_at"`
}

// StandardSnapshot is the entitlement of a tenant with no current purchase.
func StandardSnapshot(tenantID string, now time.Time) Snapshot {
	return Snapshot{
		TenantID:    tenantID,
		Tier:        catalog.TierStandard,
		Active:      true,
		EvaluatedAt: now,
	}
}

// SnapshotFrom derives a snapshot from the current row. A nil row, or a row
// whose period has ended, falls back to standard.
func SnapshotFrom(tenantID string, sub *store.Subscription, now time.Time) Snapshot {
	if !sub.ActiveAt(now) {
		return StandardSnapshot(tenantID, now)
	}
	days := RemainingDays(*sub.PeriodEnd, now)
	end := *sub.PeriodEnd
	return Snapshot{
		TenantID:           tenantID,
		Tier:               sub.Tier,
		Active:             true,
		RemainingDays:      &days,
		AddonCreditBalance: sub.AddonCreditBalance,
		PeriodEnd:          &end,
		CorrelationID:      sub.CorrelationID,
		Promotional:        sub.Promotional,
		EvaluatedAt:        now,
	}
}

// RemainingDays returns ceil((end - now) / 24h), never negative.
func RemainingDays(end, now time.Time) int {
	d := end.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Hours() / 24))
}

// CurrentSnapshot returns the tenant's entitlement now.
func (s *Service) CurrentSnapshot(ctx context.Context, tenantID string) (Snapshot, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return Snapshot{}, entErrors.Invalid("current_snapshot", "tenant id is required")
	}
	now := s.clock.Now()
	sub, err := s.store.Current(ctx, tenantID, now)
	if err != nil {
		return Snapshot{}, err
	}
	return SnapshotFrom(tenantID, sub, now), nil
}
