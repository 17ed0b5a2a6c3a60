package events

import (
	"context"
	"encoding/json"
	"time"

	"log/slog"

	"github.com/splax/sheetledger/internal/domain"
	"github.com/splax/sheetledger/internal/ws"
)

// Service streams provisioning events to the owning user's subscribers.
type Service struct {
	hub    *ws.Hub
	logger *slog.Logger
}

// New constructs an event service.
func New(hub *ws.Hub, logger *slog.Logger) Service {
	return Service{hub: hub, logger: logger}
}

// Publish broadcasts evt to subscribers of evt.UserID.
func (s Service) Publish(ctx context.Context, evt domain.ProvisioningEvent) {
	if s.hub == nil {
		return
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	data, err := MarshalEvent(evt)
	if err != nil {
		s.logger.Warn("failed to marshal provisioning event", "user_id", evt.UserID, "error", err)
		return
	}
	s.hub.Broadcast(ctx, evt.UserID, data)
}

// MarshalEvent formats an event for streaming payloads.
func MarshalEvent(evt domain.ProvisioningEvent) ([]byte, error) {
	payload := map[string]any{
		"user_id":     evt.UserID,
		"status":      evt.Status,
		"occurred_at": evt.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
	if len(evt.Artifacts) > 0 {
		payload["artifacts"] = evt.Artifacts
	}
	if evt.Error != "" {
		payload["error"] = evt.Error
	}
	return json.Marshal(payload)
}
