package reconciler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/unipanel/entitlements/internal/audit"
	entErrors "github.com/unipanel/entitlements/internal/errors"
	"github.com/unipanel/entitlements/internal/gateway"
	"github.com/unipanel/entitlements/internal/metrics"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// WebhookHandler receives payment processor callbacks.
type WebhookHandler struct {
	gateway    gateway.Gateway
	reconciler *Reconciler
	allowed    []netip.Prefix
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome,omitempty"`
}

// WebhookOption configures a WebhookHandler.
type WebhookOption func(*WebhookHandler)

// WithAllowedSources restricts callbacks to the given source networks.
// An empty list accepts any source.
func WithAllowedSources(prefixes []netip.Prefix) WebhookOption {
	return func(h *WebhookHandler) {
		h.allowed = prefixes
	}
}

// ParseAllowlist parses a list of IPs and CIDRs.
func ParseAllowlist(entries []string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("parse allowlist entry %q: %w", entry, err)
			}
			out = append(out, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("parse allowlist entry %q: %w", entry, err)
		}
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// NewWebhookHandler creates the callback endpoint for gw.
func NewWebhookHandler(gw gateway.Gateway, rec *Reconciler, opts ...WebhookOption) *WebhookHandler {
	h := &WebhookHandler{gateway: gw, reconciler: rec}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP authenticates the callback and applies it. Authentic callbacks
// that cannot or need not be applied are acknowledged so the processor stops
// retrying; only storage failures ask for a retry.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	gatewayName := h.gateway.Name()
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(gatewayName, strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.WithLabelValues(gatewayName).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, webhookErrorResponse{Error: "method not allowed"})
		return
	}
	if !h.sourceAllowed(r) {
		status = http.StatusForbidden
		log.Warn().Str("remote_addr", r.RemoteAddr).Str("forwarded_for", audit.ClientIP(r)).Msg("Payment callback from disallowed source")
		writeJSON(w, status, webhookErrorResponse{Error: "source not allowed"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	cb, err := h.gateway.ParseCallback(payload, r.Header)
	switch {
	case errors.Is(err, gateway.ErrIgnored):
		log.Debug().Err(err).Str("gateway", gatewayName).Msg("Payment callback ignored")
		writeJSON(w, status, webhookReceivedResponse{Received: true, Outcome: "ignored"})
		return
	case errors.Is(err, gateway.ErrInvalidSignature):
		status = http.StatusBadRequest
		log.Warn().Err(err).Str("gateway", gatewayName).Str("remote_ip", audit.ClientIP(r)).Msg("Payment callback rejected")
		writeJSON(w, status, webhookErrorResponse{Error: "invalid signature"})
		return
	case err != nil:
		status = http.StatusBadRequest
		log.Warn().Err(err).Str("gateway", gatewayName).Msg("Malformed payment callback")
		writeJSON(w, status, webhookErrorResponse{Error: "malformed callback"})
		return
	}

	res, err := h.reconciler.HandleCallback(r.Context(), *cb)
	if err != nil {
		switch entErrors.TypeOf(err) {
		case entErrors.ErrorTypeNotFound, entErrors.ErrorTypeAmountMismatch, entErrors.ErrorTypeDuplicate, entErrors.ErrorTypeInvalidRequest:
			log.Warn().Err(err).
				Str("gateway", gatewayName).
				Str("correlation_id", cb.CorrelationID).
				Str("event_id", cb.EventID).
				Msg("Payment callback acknowledged without applying")
			writeJSON(w, status, webhookReceivedResponse{Received: true, Outcome: res.Outcome})
			return
		default:
			log.Error().Err(err).
				Str("gateway", gatewayName).
				Str("correlation_id", cb.CorrelationID).
				Msg("Payment callback processing failed")
			status = http.StatusInternalServerError
			writeJSON(w, status, webhookErrorResponse{Error: "processing failed"})
			return
		}
	}

	writeJSON(w, status, webhookReceivedResponse{Received: true, Outcome: res.Outcome})
}

func (h *WebhookHandler) sourceAllowed(r *http.Request) bool {
	if len(h.allowed) == 0 {
		return true
	}
	addr, ok := audit.PeerAddr(r)
	if !ok {
		return false
	}
	for _, prefix := range h.allowed {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("reconciler: encode webhook response")
	}
}
