package store

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/unipanel/entitlements/pkg/catalog"
)

// PaymentStatus is the payment state of a subscription row.
type PaymentStatus string

const (
	StatusPending PaymentStatus = "pending"
	StatusSuccess PaymentStatus = "success"
	StatusFailed  PaymentStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s PaymentStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Subscription is one append-only purchase attempt. Rows are never deleted;
// expiry and review flags are the only fields touched after a terminal status.
type Subscription struct {
	ID                 int64            `json:"id"`
	TenantID           string           `json:"tenant_id"`
	CorrelationID      string           `json:"correlation_id"`
	Tier               catalog.Tier     `json:"tier"`
	DurationMonths     int              `json:"duration_months"`
	AddonKey           string           `json:"addon_key,omitempty"`
	AddonCredits       int64            `json:"addon_credits,omitempty"`
	IncludedCredits    int64            `json:"included_credits,omitempty"`
	PaymentStatus      PaymentStatus    `json:"payment_status"`
	Amount             decimal.Decimal  `json:"amount"`
	AmountConfirmed    *decimal.Decimal `json:"amount_confirmed,omitempty"`
	PeriodStart        *time.Time       `json:"period_start,omitempty"`
	PeriodEnd          *time.Time       `json:"period_end,omitempty"`
	AddonCreditBalance int64            `json:"addon_credit_balance"`
	Promotional        bool             `json:"promotional"`
	Expired            bool             `json:"expired"`
	NeedsReview        bool             `json:"needs_review"`
	ReviewReason       string           `json:"review_reason,omitempty"`
	ReviewNote         string           `json:"review_note,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// ActiveAt reports whether the row grants its tier at now.
func (s *Subscription) ActiveAt(now time.Time) bool {
	if s == nil || s.PaymentStatus != StatusSuccess || s.PeriodEnd == nil {
		return false
	}
	return !now.After(*s.PeriodEnd)
}

// PendingRequest describes a new purchase attempt.
type PendingRequest struct {
	TenantID        string
	CorrelationID   string
	Tier            catalog.Tier
	DurationMonths  int
	AddonKey        string
	AddonCredits    int64
	IncludedCredits int64
	Amount          decimal.Decimal
}

// Transition is an audit record of a payment status change.
type Transition struct {
	ID            int64         `json:"id"`
	TenantID      string        `json:"tenant_id"`
	CorrelationID string        `json:"correlation_id"`
	From          PaymentStatus `json:"from,omitempty"`
	To            PaymentStatus `json:"to"`
	Actor         string        `json:"actor"`
	Reason        string        `json:"reason,omitempty"`
	At            time.Time     `json:"at"`
}
