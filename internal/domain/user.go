package domain

import (
	"maps"
	"time"
)

// ProvisioningStatus tracks the lifecycle of a user's spreadsheet artifacts.
type ProvisioningStatus string

// Provisioning states. Transitions only move forward:
// unprovisioned -> pending -> completed | error.
const (
	ProvisioningUnprovisioned ProvisioningStatus = "unprovisioned"
	ProvisioningPending       ProvisioningStatus = "pending"
	ProvisioningCompleted     ProvisioningStatus = "completed"
	ProvisioningError         ProvisioningStatus = "error"
)

// Valid reports whether s is a known status.
func (s ProvisioningStatus) Valid() bool {
	switch s {
	case ProvisioningUnprovisioned, ProvisioningPending, ProvisioningCompleted, ProvisioningError:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed.
func (s ProvisioningStatus) Terminal() bool {
	return s == ProvisioningCompleted || s == ProvisioningError
}

// CanTransition reports whether moving from s to next is permitted.
func (s ProvisioningStatus) CanTransition(next ProvisioningStatus) bool {
	switch next {
	case ProvisioningPending:
		return s == ProvisioningUnprovisioned
	case ProvisioningCompleted, ProvisioningError:
		return s == ProvisioningPending
	}
	return false
}

// RequiredPrevious returns the status a user must be in before moving to s.
func (s ProvisioningStatus) RequiredPrevious() (ProvisioningStatus, bool) {
	switch s {
	case ProvisioningPending:
		return ProvisioningUnprovisioned, true
	case ProvisioningCompleted, ProvisioningError:
		return ProvisioningPending, true
	}
	return "", false
}

// User is an account mirrored from the identity provider together with its
// credit balance and provisioned spreadsheets.
type User struct {
	ID                    string
	ExternalIdentity      string
	Email                 string
	Username              string
	CreditBalance         int64
	ProvisioningStatus    ProvisioningStatus
	Artifacts             map[ArtifactKind]string
	ProvisioningError     string
	OrphanedArtifacts     []string
	ProvisioningUpdatedAt time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Artifact returns the artifact id provisioned for kind.
func (u *User) Artifact(kind ArtifactKind) (string, bool) {
	if u == nil || u.Artifacts == nil {
		return "", false
	}
	id, ok := u.Artifacts[kind]
	return id, ok && id != ""
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	out := *u
	if u.Artifacts != nil {
		out.Artifacts = maps.Clone(u.Artifacts)
	}
	if u.OrphanedArtifacts != nil {
		out.OrphanedArtifacts = append([]string(nil), u.OrphanedArtifacts...)
	}
	return &out
}

// ProfileUpdate carries identity provider fields that may change after creation.
type ProfileUpdate struct {
	Email    string
	Username string
}

// ProvisioningUpdate is a single conditional status write.
type ProvisioningUpdate struct {
	Status    ProvisioningStatus
	Artifacts map[ArtifactKind]string
	Orphans   []string
	Error     string
	At        time.Time
}
