package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/wealthdesk/ledger/internal/model"
)

// errorBody is the JSON shape of every error response. The optional fields
// carry what a caller needs to correct and resubmit.
type errorBody struct {
	Error       string `json:"error"`
	Code        string `json:"code"`
	OraclePrice string `json:"oracle_price,omitempty"`
	Shortfall   string `json:"shortfall,omitempty"`
	Available   string `json:"available,omitempty"`
	Requested   string `json:"requested,omitempty"`
	Profile     string `json:"profile,omitempty"`
	RiskLevel   int    `json:"risk_level,omitempty"`
}

var statusByCode = map[string]int{
	"invalid_input":         http.StatusBadRequest,
	"incomplete_submission": http.StatusBadRequest,
	"version_mismatch":      http.StatusBadRequest,
	"unauthorized":          http.StatusForbidden,
	"not_found":             http.StatusNotFound,
	"price_stale":           http.StatusConflict,
	"integrity_violation":   http.StatusConflict,
	"no_risk_profile":       http.StatusUnprocessableEntity,
	"suitability_mismatch":  http.StatusUnprocessableEntity,
	"no_account":            http.StatusUnprocessableEntity,
	"insufficient_funds":    http.StatusUnprocessableEntity,
	"insufficient_holdings": http.StatusUnprocessableEntity,
	"busy":                  http.StatusServiceUnavailable,
}

// retryAfterSeconds is advertised on busy responses.
const retryAfterSeconds = "1"

// writeError maps a ledger error to its HTTP status and body. Errors outside
// the ledger taxonomy are logged and hidden behind a generic 500.
func writeError(w http.ResponseWriter, err error) {
	code := model.Code(err)
	status, ok := statusByCode[code]
	if !ok {
		slog.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", Code: code})
		return
	}

	body := errorBody{Error: err.Error(), Code: code}

	var stale *model.PriceStaleError
	var funds *model.InsufficientFundsError
	var holdings *model.InsufficientHoldingsError
	var mismatch *model.SuitabilityMismatchError
	switch {
	case errors.As(err, &stale):
		body.OraclePrice = stale.OraclePrice.String()
	case errors.As(err, &funds):
		body.Shortfall = funds.Shortfall().String()
		body.Available = funds.Available.String()
	case errors.As(err, &holdings):
		body.Requested = holdings.Requested.String()
		body.Available = holdings.Available.String()
	case errors.As(err, &mismatch):
		body.Profile = string(mismatch.Profile)
		body.RiskLevel = mismatch.RiskLevel
	}

	if code == "busy" {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	writeJSON(w, status, body)
}

// writeProblem writes an error that did not come from the ledger, such as a
// missing token or an exhausted rate limit.
func writeProblem(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: message, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response", "error", err)
	}
}
