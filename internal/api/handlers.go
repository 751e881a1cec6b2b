package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/unipanel/entitlements/internal/gate"
	"github.com/unipanel/entitlements/internal/lifecycle"
	"github.com/unipanel/entitlements/internal/store"
	"github.com/unipanel/entitlements/pkg/catalog"
)

type packagesResponse struct {
	Currency  string                 `json:"currency"`
	Packages  []catalog.Price        `json:"packages"`
	Addons    []catalog.AddonPackage `json:"addons"`
	Promotion *promotionResponse     `json:"promotion,omitempty"`
}

type promotionResponse struct {
	Name    string `json:"name"`
	Message string `json:"message,omitempty"`
}

// HandleListPackages returns the price table, add-ons and any running promotion.
// Route: GET /api/v1/packages
func HandleListPackages(svc *lifecycle.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		cat := svc.Catalog()
		resp := packagesResponse{
			Currency: catalog.Currency,
			Packages: cat.Prices(),
			Addons:   cat.AddonPackages(),
		}
		if promo, ok := cat.ActivePromotion(svc.Now()); ok {
			resp.Promotion = &promotionResponse{Name: promo.Name, Message: promo.Message}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// HandleQuote prices a selection without recording anything.
// Route: GET /api/v1/packages/quote?tier=&months=&addon=
func HandleQuote(svc *lifecycle.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		q := r.URL.Query()
		months, err := strconv.Atoi(strings.TrimSpace(q.Get("months")))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "months must be an integer"})
			return
		}
		tier, err := catalog.ParseTier(q.Get("tier"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		quote, err := svc.Quote(tier, months, strings.TrimSpace(q.Get("addon")))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, quote)
	}
}

type entitlementResponse struct {
	lifecycle.Snapshot
	Limits         map[catalog.FeatureKey]catalog.Limit `json:"limits"`
	UpgradeReasons []catalog.ReasonEntry                `json:"upgrade_reasons"`
}

// HandleEntitlement returns the tenant's current entitlement snapshot.
// Route: GET /api/v1/tenants/{tenantID}/entitlement
func HandleEntitlement(svc *lifecycle.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		snap, err := svc.CurrentSnapshot(r.Context(), r.PathValue("tenantID"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		cat := svc.Catalog()
		limits := cat.FeatureLimitsFor(snap.Tier)
		if sms, ok := limits[catalog.FeatureMaxSMSPerMonth]; ok {
			limits[catalog.FeatureMaxSMSPerMonth] = sms.WithCredits(snap.AddonCreditBalance)
		}
		writeJSON(w, http.StatusOK, entitlementResponse{
			Snapshot:       snap,
			Limits:         limits,
			UpgradeReasons: cat.GenerateUpgradeReasons(snap.Tier),
		})
	}
}

// HandleHistory lists every purchase attempt of a tenant.
// Route: GET /api/v1/tenants/{tenantID}/history
func HandleHistory(svc *lifecycle.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		history, err := svc.History(r.Context(), strings.TrimSpace(r.PathValue("tenantID")))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if history == nil {
			history = []*store.Subscription{}
		}
		writeJSON(w, http.StatusOK, history)
	}
}

type upgradeRequest struct {
	Tier           catalog.Tier `json:"tier"`
	DurationMonths int          `json:"duration_months"`
	AddonKey       string       `json:"addon_key,omitempty"`
}

// HandleUpgrade records an upgrade request. Any client-supplied amount is
// rejected as an unknown field; prices come from the catalog.
// Route: POST /api/v1/tenants/{tenantID}/upgrade
func HandleUpgrade(svc *lifecycle.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var req upgradeRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		res, err := svc.RequestUpgrade(r.Context(), lifecycle.UpgradeRequest{
			TenantID:       r.PathValue("tenantID"),
			Tier:           req.Tier,
			DurationMonths: req.DurationMonths,
			AddonKey:       strings.TrimSpace(req.AddonKey),
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		status := http.StatusAccepted
		if res.Promotional {
			status = http.StatusCreated
		}
		writeJSON(w, status, res)
	}
}

// HandleFeatureCheck evaluates a feature gate. Denials are 200 responses
// with allowed=false.
// Route: GET /api/v1/tenants/{tenantID}/features/{feature}?count=N
func HandleFeatureCheck(g *gate.Gate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		tenantID := r.PathValue("tenantID")
		feature := catalog.FeatureKey(strings.TrimSpace(r.PathValue("feature")))

		var (
			decision gate.Decision
			err      error
		)
		if raw := strings.TrimSpace(r.URL.Query().Get("count")); raw != "" {
			count, parseErr := strconv.ParseInt(raw, 10, 64)
			if parseErr != nil || count < 0 {
				writeJSON(w, http.StatusBadRequest, errorResponse{Error: "count must be a non-negative integer"})
				return
			}
			decision, err = g.CheckCount(r.Context(), tenantID, feature, count)
		} else {
			decision, err = g.Check(r.Context(), tenantID, feature)
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, decision)
	}
}

type consumeRequest struct {
	Count int64 `json:"count"`
}

type consumeResponse struct {
	Remaining int64 `json:"remaining"`
}

// HandleConsumeCredits spends add-on SMS credits.
// Route: POST /api/v1/tenants/{tenantID}/credits/consume
func HandleConsumeCredits(svc *lifecycle.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var req consumeRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		remaining, err := svc.ConsumeAddonCredits(r.Context(), r.PathValue("tenantID"), req.Count)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, consumeResponse{Remaining: remaining})
	}
}
