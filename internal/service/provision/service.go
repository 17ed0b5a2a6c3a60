package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/splax/sheetledger/internal/domain"
	"github.com/splax/sheetledger/internal/repository"
)

// Enqueuer accepts provisioning jobs.
type Enqueuer interface {
	Enqueue(job Job) error
}

// Service schedules provisioning for newly created users.
type Service struct {
	users  repository.UserRepository
	queue  Enqueuer
	marker FailureMarker
	events Publisher
	logger *slog.Logger
	now    func() time.Time
}

// New constructs a scheduling service.
func New(users repository.UserRepository, queue Enqueuer, marker FailureMarker, events Publisher, logger *slog.Logger) Service {
	return Service{
		users:  users,
		queue:  queue,
		marker: marker,
		events: events,
		logger: logger.With("component", "provisioning"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Schedule claims the user for provisioning and hands the task to the queue.
// It never blocks on the provider. A user that was already claimed (by this or
// another process) is left alone, so at most one task runs per user.
func (s Service) Schedule(ctx context.Context, user *domain.User) (bool, error) {
	claimed, err := s.users.SetProvisioning(ctx, user.ID, domain.ProvisioningUpdate{
		Status: domain.ProvisioningPending,
		At:     s.now(),
	})
	if err != nil {
		if errors.Is(err, repository.ErrStaleTransition) {
			s.logger.Debug("provisioning already claimed", "user_id", user.ID)
			return false, nil
		}
		return false, fmt.Errorf("claim provisioning: %w", err)
	}
	if s.events != nil {
		s.events.Publish(ctx, domain.ProvisioningEvent{
			UserID:     claimed.ID,
			Identity:   claimed.ExternalIdentity,
			Status:     claimed.ProvisioningStatus,
			OccurredAt: claimed.ProvisioningUpdatedAt,
		})
	}

	if err := s.queue.Enqueue(Job{UserID: claimed.ID, Identity: claimed.ExternalIdentity}); err != nil {
		s.logger.Error("provisioning could not be queued", "user_id", claimed.ID, "error", err)
		if markErr := s.marker.MarkFailed(ctx, claimed.ID, "provisioning could not be scheduled: "+err.Error()); markErr != nil {
			s.logger.Error("failed to record scheduling failure", "user_id", claimed.ID, "error", markErr)
		}
		return false, fmt.Errorf("enqueue provisioning: %w", err)
	}
	s.logger.Info("provisioning scheduled", "user_id", claimed.ID)
	return true, nil
}
