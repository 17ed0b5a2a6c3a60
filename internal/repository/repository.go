package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/splax/sheetledger/internal/domain"
)

// UserRepository persists users, their credit balance and provisioning state.
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByIdentity(ctx context.Context, identity string) (*domain.User, error)
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
	UpdateProfile(ctx context.Context, identity string, update domain.ProfileUpdate) (*domain.User, error)
	SetProvisioning(ctx context.Context, userID string, update domain.ProvisioningUpdate) (*domain.User, error)
	// TouchProvisioning moves provisioning_updated_at to at while the user is
	// still pending. It returns ErrStaleTransition once the user left pending.
	TouchProvisioning(ctx context.Context, userID string, at time.Time) error
	// RecordOrphans adds artifact ids to the user's orphan list whatever the
	// current status.
	RecordOrphans(ctx context.Context, userID string, ids []string) (*domain.User, error)
	AdjustBalance(ctx context.Context, userID string, delta int64) (*domain.User, error)
	DeleteUser(ctx context.Context, identity string) error
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]domain.User, error)
}

// SubmissionRepository stores document submission history.
type SubmissionRepository interface {
	CreateSubmission(ctx context.Context, submission *domain.Submission) error
	UpdateSubmission(ctx context.Context, update domain.SubmissionUpdate) error
	ListSubmissionsByUser(ctx context.Context, userID string, limit int) ([]domain.Submission, error)
}

// Store is implemented by every backend the API can run on.
type Store interface {
	UserRepository
	SubmissionRepository
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// ValidateProvisioningUpdate rejects updates no stored state could accept and
// returns the status the user must currently be in.
func ValidateProvisioningUpdate(update domain.ProvisioningUpdate) (domain.ProvisioningStatus, error) {
	previous, ok := update.Status.RequiredPrevious()
	if !ok {
		return "", fmt.Errorf("%w: target status %q", ErrInvalidTransition, update.Status)
	}
	switch update.Status {
	case domain.ProvisioningCompleted:
		if len(update.Artifacts) == 0 {
			return "", fmt.Errorf("%w: completed without artifacts", ErrInvalidTransition)
		}
		for kind, id := range update.Artifacts {
			if !kind.Valid() || id == "" {
				return "", fmt.Errorf("%w: artifact %q has empty id or unknown kind", ErrInvalidTransition, kind)
			}
		}
	default:
		if len(update.Artifacts) > 0 {
			return "", fmt.Errorf("%w: artifacts only allowed with completed", ErrInvalidTransition)
		}
	}
	return previous, nil
}
