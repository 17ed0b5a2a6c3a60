package domain

import "time"

// ProvisioningEvent is published whenever a user's provisioning status changes.
type ProvisioningEvent struct {
	UserID     string                  `json:"user_id"`
	Identity   string                  `json:"identity"`
	Status     ProvisioningStatus      `json:"status"`
	Artifacts  map[ArtifactKind]string `json:"artifacts,omitempty"`
	Error      string                  `json:"error,omitempty"`
	OccurredAt time.Time               `json:"occurred_at"`
}
