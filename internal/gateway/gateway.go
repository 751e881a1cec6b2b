// Package gateway adapts external payment processors: it creates hosted
// payment forms and turns verified processor callbacks into Callback values.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidSignature means the callback could not be authenticated.
	ErrInvalidSignature = errors.New("invalid callback signature")
	// ErrMalformedCallback means the callback was authentic but unusable.
	ErrMalformedCallback = errors.New("malformed callback")
	// ErrIgnored means the callback is authentic but carries no payment outcome.
	ErrIgnored = errors.New("callback carries no payment outcome")
)

// Outcome is the payment result reported by the processor.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// Callback is a verified payment notification.
type Callback struct {
	CorrelationID   string
	Outcome         Outcome
	AmountConfirmed decimal.Decimal
	Currency        string
	ProviderRef     string // processor-side payment or session id
	EventID         string
}

// FormRequest describes the payment a tenant is about to make.
type FormRequest struct {
	TenantID      string
	CorrelationID string
	Description   string
	Amount        decimal.Decimal
	Currency      string
	CallbackURL   string
	SuccessURL    string
	CancelURL     string
}

// PaymentForm is where the tenant is sent to pay.
type PaymentForm struct {
	CorrelationID string     `json:"correlation_id"`
	RedirectURL   string     `json:"redirect_url"`
	ProviderRef   string     `json:"provider_ref,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

// Gateway is a payment processor adapter.
type Gateway interface {
	Name() string
	CreatePaymentForm(ctx context.Context, req FormRequest) (*PaymentForm, error)
	// ParseCallback authenticates and decodes a processor notification.
	ParseCallback(payload []byte, header http.Header) (*Callback, error)
}

var hundred = decimal.NewFromInt(100)

// ToMinorUnits converts an amount to kuruş (cents).
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).Round(0).IntPart()
}

// FromMinorUnits converts kuruş (cents) to an amount.
func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}
