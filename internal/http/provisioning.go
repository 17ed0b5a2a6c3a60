package httpx

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/splax/sheetledger/internal/domain"
	"github.com/splax/sheetledger/internal/service/events"
	"github.com/splax/sheetledger/internal/service/provision"
	"github.com/splax/sheetledger/internal/ws"
)

type provisioningStatusResponse struct {
	Status     domain.ProvisioningStatus `json:"status"`
	Kind       domain.ArtifactKind       `json:"kind,omitempty"`
	ArtifactID string                    `json:"artifactId,omitempty"`
	Error      string                    `json:"error,omitempty"`
}

func (r *Router) handleProvisioningStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, ok := r.callerInfo(w, req)
	if !ok {
		return
	}
	query := req.URL.Query()
	rawKind := strings.TrimSpace(query.Get("kind"))
	if rawKind == "" {
		writeCodedError(w, http.StatusBadRequest, codeInvalidInput, "kind query parameter required")
		return
	}
	kind, err := domain.ParseArtifactKind(rawKind)
	if err != nil {
		writeCodedError(w, http.StatusBadRequest, codeInvalidInput, err.Error())
		return
	}
	if identity := strings.TrimSpace(query.Get("identity")); identity != "" && identity != info.Identity {
		writeCodedError(w, http.StatusForbidden, codeForbidden, "identity does not match caller")
		return
	}

	wait := true
	if raw := query.Get("wait"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeCodedError(w, http.StatusBadRequest, codeInvalidInput, "wait must be a boolean")
			return
		}
		wait = parsed
	}

	if !wait {
		user, err := r.accounts.Get(req.Context(), info.Identity)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		resp := provisioningStatusResponse{Status: user.ProvisioningStatus, Error: user.ProvisioningError}
		if id, ok := user.Artifact(kind); ok && user.ProvisioningStatus == domain.ProvisioningCompleted {
			resp.Kind = kind
			resp.ArtifactID = id
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	user, err := r.poller.WaitForProvisioning(req.Context(), info.Identity, r.pollAttempts, r.pollInterval)
	if err != nil {
		if errors.Is(err, provision.ErrProvisioningFailed) {
			writeCodedError(w, http.StatusBadGateway, codeProvisioningFailed, err.Error())
			return
		}
		r.writeServiceError(w, req, err)
		return
	}
	id, err := provision.ArtifactFor(user, kind)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, provisioningStatusResponse{
		Status:     user.ProvisioningStatus,
		Kind:       kind,
		ArtifactID: id,
	})
}

func (r *Router) handleProvisioningWS(w http.ResponseWriter, req *http.Request) {
	info, ok := r.callerInfo(w, req)
	if !ok {
		return
	}
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	user, err := r.accounts.Get(req.Context(), info.Identity)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewDeferred(ws.NewClient(conn, r.logger))
	r.hub.Register(user.ID, client)
	if err := r.releaseSnapshot(req, info.Identity, client); err != nil {
		r.hub.Unregister(user.ID, client)
		client.Close()
		return
	}
	go func() {
		defer func() {
			r.hub.Unregister(user.ID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleProvisioningSSE(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, ok := r.callerInfo(w, req)
	if !ok {
		return
	}
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	user, err := r.accounts.Get(req.Context(), info.Identity)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, "provisioning", r.logger)
	held := ws.NewDeferred(client)
	r.hub.Register(user.ID, held)
	defer r.hub.Unregister(user.ID, held)
	if err := r.releaseSnapshot(req, info.Identity, held); err != nil {
		return
	}

	ticker := time.NewTicker(sseHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			client.Close()
			return
		case <-client.Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

// releaseSnapshot reads the user after the subscriber is registered and sends
// that state ahead of any broadcast queued in the meantime.
func (r *Router) releaseSnapshot(req *http.Request, identity string, held *ws.Deferred) error {
	user, err := r.accounts.Get(req.Context(), identity)
	if err != nil {
		r.logger.Warn("stream snapshot failed", "identity", identity, "error", err)
		return err
	}
	payload, err := events.MarshalEvent(snapshotEvent(user))
	if err != nil {
		return err
	}
	return held.Release(payload)
}

func snapshotEvent(user *domain.User) domain.ProvisioningEvent {
	return domain.ProvisioningEvent{
		UserID:     user.ID,
		Identity:   user.ExternalIdentity,
		Status:     user.ProvisioningStatus,
		Artifacts:  user.Artifacts,
		Error:      user.ProvisioningError,
		OccurredAt: user.ProvisioningUpdatedAt,
	}
}
