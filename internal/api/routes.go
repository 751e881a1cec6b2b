// Package api exposes the entitlement engine over HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/unipanel/entitlements/internal/audit"
	"github.com/unipanel/entitlements/internal/gate"
	"github.com/unipanel/entitlements/internal/lifecycle"
	"github.com/unipanel/entitlements/internal/logging"
	"github.com/unipanel/entitlements/internal/reconciler"
	"github.com/unipanel/entitlements/internal/store"
)

// Pinger reports storage readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatusCounter reports subscription row counts by payment status.
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[store.PaymentStatus]int, error)
}

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Service    *lifecycle.Service
	Gate       *gate.Gate
	Reconciler *reconciler.Reconciler
	Webhook    http.Handler // payment processor callbacks
	Storage    Pinger
	Counter    StatusCounter
	APIKey     string // required on every /api/v1 route except the webhook; empty disables the check
	Version    string
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	keyAuth := func(next http.Handler) http.Handler {
		return APIKeyMiddleware(deps.APIKey, next)
	}

	mux.HandleFunc("/healthz", HandleHealthz)
	mux.HandleFunc("/readyz", HandleReadyz(deps.Storage))
	mux.Handle("/status", keyAuth(HandleStatus(deps.Counter, deps.Version)))
	mux.Handle("/metrics", keyAuth(promhttp.Handler()))

	// Signature-authenticated by the gateway adapter.
	webhookLimiter := NewRateLimiter(120, time.Minute)
	mux.Handle("/api/v1/payments/webhook", webhookLimiter.Middleware(deps.Webhook))

	mux.Handle("/api/v1/packages", keyAuth(HandleListPackages(deps.Service)))
	mux.Handle("/api/v1/packages/quote", keyAuth(HandleQuote(deps.Service)))
	mux.Handle("/api/v1/tenants/{tenantID}/entitlement", keyAuth(HandleEntitlement(deps.Service)))
	mux.Handle("/api/v1/tenants/{tenantID}/history", keyAuth(HandleHistory(deps.Service)))
	mux.Handle("/api/v1/tenants/{tenantID}/upgrade", keyAuth(HandleUpgrade(deps.Service)))
	mux.Handle("/api/v1/tenants/{tenantID}/features/{feature}", keyAuth(HandleFeatureCheck(deps.Gate)))
	mux.Handle("/api/v1/tenants/{tenantID}/credits/consume", keyAuth(HandleConsumeCredits(deps.Service)))

	mux.Handle("/api/v1/admin/reviews", keyAuth(HandleListReviews(deps.Reconciler)))
	mux.Handle("/api/v1/admin/reviews/{correlationID}/resolve", keyAuth(HandleResolveReview(deps.Reconciler)))
}

// NewHandler returns the fully wrapped HTTP handler.
func NewHandler(deps *Deps) http.Handler {
	mux := http.NewServeMux()
	RegisterRoutes(mux, deps)
	return logging.Middleware(audit.Middleware(mux))
}

// APIKeyMiddleware requires X-API-Key or a bearer token equal to key.
func APIKeyMiddleware(key string, next http.Handler) http.Handler {
	key = strings.TrimSpace(key)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		provided := strings.TrimSpace(r.Header.Get("X-API-Key"))
		if provided == "" {
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				provided = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			}
		}
		if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
