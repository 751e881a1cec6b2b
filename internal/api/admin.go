package api

import (
	"net/http"
	"strings"

	"github.com/unipanel/entitlements/internal/metrics"
	"github.com/unipanel/entitlements/internal/reconciler"
	"github.com/unipanel/entitlements/internal/store"
)

// HandleHealthz is the liveness probe.
func HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz returns a handler that checks database connectivity.
func HandleReadyz(storage Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		if storage == nil || storage.Ping(r.Context()) != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

type statusResponse struct {
	Version  string                      `json:"version"`
	Total    int                         `json:"total_subscriptions"`
	ByStatus map[store.PaymentStatus]int `json:"by_status"`
}

// HandleStatus reports aggregate subscription counts.
func HandleStatus(counter StatusCounter, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := counter.CountByStatus(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}

		total := 0
		for status, c := range counts {
			metrics.SubscriptionsByStatus.WithLabelValues(string(status)).Set(float64(c))
			total += c
		}
		writeJSON(w, http.StatusOK, statusResponse{Version: version, Total: total, ByStatus: counts})
	}
}

// HandleListReviews lists subscriptions flagged for operator review.
// Route: GET /api/v1/admin/reviews
func HandleListReviews(rec *reconciler.Reconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		queue, err := rec.PendingReview(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		if queue == nil {
			queue = []*store.Subscription{}
		}
		writeJSON(w, http.StatusOK, queue)
	}
}

type resolveRequest struct {
	Note string `json:"note"`
}

// HandleResolveReview clears a review flag with an operator note.
// Route: POST /api/v1/admin/reviews/{correlationID}/resolve
func HandleResolveReview(rec *reconciler.Reconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var req resolveRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		sub, err := rec.ResolveReview(r.Context(), strings.TrimSpace(r.PathValue("correlationID")), req.Note)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sub)
	}
}
