package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v82"
	stripesession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"
)

// StripeConfig configures the Stripe Checkout adapter.
type StripeConfig struct {
	APIKey        string
	WebhookSecret string
}

// Stripe creates one-off Checkout sessions and verifies Stripe webhooks.
type Stripe struct {
	webhookSecret string
	createSession func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// NewStripe returns a Stripe adapter. The API key is installed globally on the stripe client.
func NewStripe(cfg StripeConfig) *Stripe {
	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		stripe.Key = key
	}
	return &Stripe{
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		createSession: stripesession.New,
	}
}

func (s *Stripe) Name() string { return "stripe" }

// CreatePaymentForm opens a payment-mode Checkout session for the quoted amount.
func (s *Stripe) CreatePaymentForm(_ context.Context, req FormRequest) (*PaymentForm, error) {
	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "try"
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.CorrelationID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(currency),
					UnitAmount: stripe.Int64(ToMinorUnits(req.Amount)),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(req.Description),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: map[string]string{
			"correlation_id": req.CorrelationID,
			"tenant_id":      req.TenantID,
		},
	}

	session, err := s.createSession(params)
	if err != nil {
		return nil, fmt.Errorf("create stripe checkout session: %w", err)
	}
	if session == nil || strings.TrimSpace(session.URL) == "" {
		return nil, fmt.Errorf("create stripe checkout session: empty session URL")
	}
	form := &PaymentForm{
		CorrelationID: req.CorrelationID,
		RedirectURL:   session.URL,
		ProviderRef:   session.ID,
	}
	if session.ExpiresAt > 0 {
		exp := time.Unix(session.ExpiresAt, 0).UTC()
		form.ExpiresAt = &exp
	}
	return form, nil
}

// checkoutSession is the subset of a Checkout session the reconciler needs.
type checkoutSession struct {
	ID                string            `json:"id"`
	ClientReferenceID string            `json:"client_reference_id"`
	PaymentStatus     string            `json:"payment_status"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	Metadata          map[string]string `json:"metadata"`
}

func (c checkoutSession) correlationID() string {
	if id := strings.TrimSpace(c.Metadata["correlation_id"]); id != "" {
		return id
	}
	return strings.TrimSpace(c.ClientReferenceID)
}

// ParseCallback verifies the Stripe-Signature header and maps Checkout events to outcomes.
func (s *Stripe) ParseCallback(payload []byte, header http.Header) (*Callback, error) {
	if s.webhookSecret == "" {
		return nil, fmt.Errorf("%w: webhook secret not configured", ErrInvalidSignature)
	}
	sigHeader := strings.TrimSpace(header.Get("Stripe-Signature"))
	if sigHeader == "" {
		return nil, fmt.Errorf("%w: missing Stripe signature", ErrInvalidSignature)
	}
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, s.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	var outcome Outcome
	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		outcome = OutcomeSuccess
	case "checkout.session.async_payment_failed", "checkout.session.expired":
		outcome = OutcomeFailed
	default:
		log.Debug().
			Str("type", string(event.Type)).
			Str("event_id", event.ID).
			Msg("Stripe webhook ignored (unhandled type)")
		return nil, ErrIgnored
	}

	var session checkoutSession
	if event.Data == nil {
		return nil, fmt.Errorf("%w: event %s has no data", ErrMalformedCallback, event.ID)
	}
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return nil, fmt.Errorf("%w: decode checkout.session: %v", ErrMalformedCallback, err)
	}
	// Delayed payment methods complete the session before funds arrive.
	if event.Type == "checkout.session.completed" && session.PaymentStatus == "unpaid" {
		return nil, ErrIgnored
	}
	cid := session.correlationID()
	if cid == "" {
		return nil, fmt.Errorf("%w: session %s has no correlation id", ErrMalformedCallback, session.ID)
	}

	return &Callback{
		CorrelationID:   cid,
		Outcome:         outcome,
		AmountConfirmed: FromMinorUnits(session.AmountTotal),
		Currency:        strings.ToUpper(session.Currency),
		ProviderRef:     session.ID,
		EventID:         event.ID,
	}, nil
}
