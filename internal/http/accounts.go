package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/splax/sheetledger/internal/domain"
	"github.com/splax/sheetledger/internal/service/account"
)

type userResponse struct {
	ID                 string                         `json:"id"`
	Identity           string                         `json:"identity"`
	Email              string                         `json:"email"`
	Username           string                         `json:"username,omitempty"`
	CreditBalance      int64                          `json:"credit_balance"`
	ProvisioningStatus domain.ProvisioningStatus      `json:"provisioning_status"`
	ProvisioningError  string                         `json:"provisioning_error,omitempty"`
	Artifacts          map[domain.ArtifactKind]string `json:"artifacts,omitempty"`
	CreatedAt          time.Time                      `json:"created_at"`
}

func presentUser(u *domain.User) userResponse {
	return userResponse{
		ID:                 u.ID,
		Identity:           u.ExternalIdentity,
		Email:              u.Email,
		Username:           u.Username,
		CreditBalance:      u.CreditBalance,
		ProvisioningStatus: u.ProvisioningStatus,
		ProvisioningError:  u.ProvisioningError,
		Artifacts:          u.Artifacts,
		CreatedAt:          u.CreatedAt,
	}
}

func (r *Router) handleAccountWebhook(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	if err := r.accounts.ValidateSignature(body, req.Header.Get("X-Webhook-Signature")); err != nil {
		r.logger.Warn("account webhook rejected", "error", err)
		writeCodedError(w, http.StatusUnauthorized, codeUnauthenticated, "invalid webhook signature")
		return
	}
	var evt account.Event
	if err := json.Unmarshal(body, &evt); err != nil {
		writeCodedError(w, http.StatusBadRequest, codeInvalidInput, "invalid JSON body")
		return
	}
	user, err := r.accounts.HandleEvent(req.Context(), evt)
	switch {
	case errors.Is(err, account.ErrUnsupportedEvent):
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored"})
		return
	case errors.Is(err, account.ErrInvalidProfile):
		writeCodedError(w, http.StatusBadRequest, codeInvalidInput, err.Error())
		return
	case err != nil:
		r.writeServiceError(w, req, err)
		return
	}
	if user == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
		return
	}
	code := http.StatusOK
	if evt.Type == account.EventUserCreated {
		code = http.StatusCreated
	}
	writeJSON(w, code, presentUser(user))
}

func (r *Router) handleMe(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, ok := r.callerInfo(w, req)
	if !ok {
		return
	}
	user, err := r.accounts.Get(req.Context(), info.Identity)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, presentUser(user))
}
