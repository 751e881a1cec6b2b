package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// TokenSignatureHeader carries "t=<unix>,v1=<hex hmac>" for token callbacks.
	TokenSignatureHeader = "X-Payment-Signature"
	tokenTolerance       = 5 * time.Minute
)

// TokenConfig configures the shared-secret gateway used by the hosted
// payment page of the legacy panel.
type TokenConfig struct {
	Secret     string // PAYMENT_CALLBACK_TOKEN
	PaymentURL string // hosted payment page
	Now        func() time.Time
}

// Token is a gateway whose callbacks are authenticated with an HMAC over
// the timestamp and body, keyed by a shared secret.
type Token struct {
	secret     []byte
	paymentURL string
	now        func() time.Time
}

// NewToken returns a Token gateway.
func NewToken(cfg TokenConfig) *Token {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Token{
		secret:     []byte(strings.TrimSpace(cfg.Secret)),
		paymentURL: strings.TrimSpace(cfg.PaymentURL),
		now:        now,
	}
}

func (t *Token) Name() string { return "token" }

// CreatePaymentForm returns a signed link to the hosted payment page.
func (t *Token) CreatePaymentForm(_ context.Context, req FormRequest) (*PaymentForm, error) {
	if t.paymentURL == "" {
		return nil, fmt.Errorf("token gateway: payment URL not configured")
	}
	ts := t.now().Unix()
	q := url.Values{
		"correlation_id": {req.CorrelationID},
		"amount":         {req.Amount.StringFixed(2)},
		"currency":       {req.Currency},
		"callback_url":   {req.CallbackURL},
		"return_url":     {req.SuccessURL},
		"ts":             {strconv.FormatInt(ts, 10)},
	}
	q.Set("sig", t.sign(ts, []byte(q.Encode())))

	sep := "?"
	if strings.Contains(t.paymentURL, "?") {
		sep = "&"
	}
	return &PaymentForm{
		CorrelationID: req.CorrelationID,
		RedirectURL:   t.paymentURL + sep + q.Encode(),
	}, nil
}

type tokenCallback struct {
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	PaymentID     string `json:"payment_id"`
}

// ParseCallback verifies the signature header and decodes the JSON body.
func (t *Token) ParseCallback(payload []byte, header http.Header) (*Callback, error) {
	if len(t.secret) == 0 {
		return nil, fmt.Errorf("%w: callback token not configured", ErrInvalidSignature)
	}
	ts, sig, err := parseSignatureHeader(header.Get(TokenSignatureHeader))
	if err != nil {
		return nil, err
	}
	if age := t.now().Sub(time.Unix(ts, 0)); age > tokenTolerance || age < -tokenTolerance {
		return nil, fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}
	expected := t.sign(ts, payload)
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return nil, fmt.Errorf("%w: signature mismatch", ErrInvalidSignature)
	}

	var body tokenCallback
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	if strings.TrimSpace(body.CorrelationID) == "" {
		return nil, fmt.Errorf("%w: missing correlation id", ErrMalformedCallback)
	}

	var outcome Outcome
	switch strings.ToLower(strings.TrimSpace(body.Status)) {
	case "success", "paid":
		outcome = OutcomeSuccess
	case "failed", "failure", "cancelled":
		outcome = OutcomeFailed
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrMalformedCallback, body.Status)
	}

	amount := decimal.Zero
	if strings.TrimSpace(body.Amount) != "" {
		amount, err = decimal.NewFromString(body.Amount)
		if err != nil {
			return nil, fmt.Errorf("%w: amount %q: %v", ErrMalformedCallback, body.Amount, err)
		}
	}

	return &Callback{
		CorrelationID:   strings.TrimSpace(body.CorrelationID),
		Outcome:         outcome,
		AmountConfirmed: amount,
		Currency:        strings.ToUpper(body.Currency),
		ProviderRef:     body.PaymentID,
	}, nil
}

// SignatureHeader builds the header value for payload at ts; the hosted page uses the same scheme.
func (t *Token) SignatureHeader(ts int64, payload []byte) string {
	return "t=" + strconv.FormatInt(ts, 10) + ",v1=" + t.sign(ts, payload)
}

func (t *Token) sign(ts int64, payload []byte) string {
	mac := hmac.New(sha256.New, t.secret)
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func parseSignatureHeader(value string) (int64, string, error) {
	var (
		ts  int64
		sig string
	)
	for _, part := range strings.Split(value, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, "", fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
			}
			ts = n
		case "v1":
			sig = v
		}
	}
	if ts == 0 || sig == "" {
		return 0, "", fmt.Errorf("%w: missing %s", ErrInvalidSignature, TokenSignatureHeader)
	}
	return ts, sig, nil
}
