package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/splax/sheetledger/internal/backend"
	"github.com/splax/sheetledger/internal/repository"
	"github.com/splax/sheetledger/internal/service/auth"
	"github.com/splax/sheetledger/internal/service/provision"
	"github.com/splax/sheetledger/internal/service/submission"
)

// Error codes returned alongside typed failures.
const (
	codeInsufficientCredits = "insufficient_credits"
	codeBackendFailure      = "backend_failure"
	codeBackendTimeout      = "backend_timeout"
	codeLedgerInconsistency = "ledger_inconsistency"
	codeProvisioningPending = "provisioning_pending"
	codeProvisioningFailed  = "provisioning_failed"
	codeProvisioningTimeout = "provisioning_timeout"
	codeNotFound            = "not_found"
	codeInvalidInput        = "invalid_input"
	codeUnauthenticated     = "unauthenticated"
	codeForbidden           = "forbidden"
	codeRateLimited         = "rate_limited"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func writeCodedError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

// statusForError maps service errors to a status and code. Unknown errors are 500.
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized, codeUnauthenticated
	case errors.Is(err, submission.ErrInvalidInput):
		return http.StatusBadRequest, codeInvalidInput
	case errors.Is(err, submission.ErrInsufficientCredits):
		return http.StatusPaymentRequired, codeInsufficientCredits
	case errors.Is(err, submission.ErrLedgerInconsistency):
		return http.StatusInternalServerError, codeLedgerInconsistency
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, provision.ErrArtifactMissing):
		return http.StatusNotFound, codeNotFound
	case errors.Is(err, provision.ErrProvisioningPending):
		return http.StatusConflict, codeProvisioningPending
	case errors.Is(err, provision.ErrProvisioningFailed):
		return http.StatusConflict, codeProvisioningFailed
	case errors.Is(err, provision.ErrProvisioningTimeout):
		return http.StatusGatewayTimeout, codeProvisioningTimeout
	case errors.Is(err, backend.ErrBackendTimeout):
		return http.StatusGatewayTimeout, codeBackendTimeout
	case errors.Is(err, backend.ErrBackendFailure):
		return http.StatusBadGateway, codeBackendFailure
	default:
		return http.StatusInternalServerError, ""
	}
}

// writeServiceError renders err; internal failures are logged and hidden.
func (r *Router) writeServiceError(w http.ResponseWriter, req *http.Request, err error) {
	status, code := statusForError(err)
	if status >= http.StatusInternalServerError && code == "" {
		r.logger.Error("request failed", "path", req.URL.Path, "error", err)
		writeError(w, status, "internal error")
		return
	}
	writeCodedError(w, status, code, err.Error())
}
