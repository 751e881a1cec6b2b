package api

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	entErrors "github.com/unipanel/entitlements/internal/errors"
	"github.com/unipanel/entitlements/internal/logging"
)

const maxRequestBody = 64 * 1024

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("api: encode response")
	}
}

// writeError maps err to a status code. Messages of internal and
// configuration errors are logged and replaced with a generic one.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := entErrors.HTTPStatus(err)
	resp := errorResponse{Error: "internal error", Code: string(entErrors.TypeOf(err))}
	if entErrors.IsUserFacing(err) {
		resp.Error = err.Error()
	} else {
		logger := logging.FromContext(r.Context())
		logger.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	writeJSON(w, status, resp)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body", Code: string(entErrors.ErrorTypeInvalidRequest)})
		return false
	}
	return true
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
}
