package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/sheetledger/internal/domain"
	"github.com/splax/sheetledger/internal/metrics"
	"github.com/splax/sheetledger/internal/repository"
)

const (
	defaultCallTimeout = 30 * time.Second
	statusWriteTimeout = 10 * time.Second
)

// Provider duplicates and shares spreadsheets.
type Provider interface {
	Duplicate(ctx context.Context, templateID, title string) (string, error)
	Share(ctx context.Context, fileID, email string) error
}

// Publisher receives provisioning status changes.
type Publisher interface {
	Publish(ctx context.Context, evt domain.ProvisioningEvent)
}

// Job asks for one user's artifacts to be provisioned.
type Job struct {
	UserID   string
	Identity string
}

// Provisioner creates every artifact kind for a user and records the outcome
// with a single conditional status write.
type Provisioner struct {
	users       repository.UserRepository
	provider    Provider
	events      Publisher
	templates   map[domain.ArtifactKind]string
	callTimeout time.Duration
	logger      *slog.Logger

	outcomes *prometheus.CounterVec
	duration *prometheus.HistogramVec
	now      func() time.Time
}

// NewProvisioner constructs a Provisioner. templates maps each artifact kind to
// the spreadsheet it is copied from.
func NewProvisioner(users repository.UserRepository, provider Provider, events Publisher, templates map[domain.ArtifactKind]string, callTimeout time.Duration, logger *slog.Logger) *Provisioner {
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	return &Provisioner{
		users:       users,
		provider:    provider,
		events:      events,
		templates:   templates,
		callTimeout: callTimeout,
		logger:      logger.With("component", "provisioner"),
		outcomes: metrics.CounterVec(prometheus.CounterOpts{
			Subsystem: "provisioning",
			Name:      "total",
			Help:      "Provisioning task outcomes",
		}, []string{"outcome"}),
		duration: metrics.HistogramVec(prometheus.HistogramOpts{
			Subsystem: "provisioning",
			Name:      "duration_seconds",
			Help:      "Time spent provisioning a user's artifacts",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"outcome"}),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Provision runs the task for a user already claimed as pending. Artifacts are
// created in kind order, then shared; nothing is retried so an artifact is
// never created twice.
func (p *Provisioner) Provision(ctx context.Context, job Job) error {
	start := p.now()
	user, err := p.users.GetUserByID(ctx, job.UserID)
	if err != nil {
		return fmt.Errorf("load user %s: %w", job.UserID, err)
	}
	if user.ProvisioningStatus != domain.ProvisioningPending {
		p.logger.Info("provisioning skipped", "user_id", user.ID, "status", user.ProvisioningStatus)
		p.outcomes.WithLabelValues("skipped").Inc()
		return nil
	}

	created := make(map[domain.ArtifactKind]string, len(p.templates))
	orphans := make([]string, 0, len(p.templates))
	for _, kind := range domain.ArtifactKinds() {
		template := p.templates[kind]
		if template == "" {
			return p.fail(ctx, user, fmt.Sprintf("no template configured for %s", kind), orphans, start)
		}
		if err := p.heartbeat(ctx, user.ID); err != nil {
			return p.superseded(ctx, user, orphans, start, err)
		}
		id, err := p.duplicate(ctx, template, kind.Title(user.ID))
		if err != nil {
			return p.fail(ctx, user, fmt.Sprintf("duplicate %s: %v", kind, err), orphans, start)
		}
		created[kind] = id
		orphans = append(orphans, id)
		p.logger.Debug("artifact duplicated", "user_id", user.ID, "kind", kind, "artifact_id", id)
	}

	for _, kind := range domain.ArtifactKinds() {
		if err := p.heartbeat(ctx, user.ID); err != nil {
			return p.superseded(ctx, user, orphans, start, err)
		}
		if err := p.share(ctx, created[kind], user.Email); err != nil {
			return p.fail(ctx, user, fmt.Sprintf("share %s: %v", kind, err), orphans, start)
		}
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()
	updated, err := p.users.SetProvisioning(writeCtx, user.ID, domain.ProvisioningUpdate{
		Status:    domain.ProvisioningCompleted,
		Artifacts: created,
		At:        p.now(),
	})
	if errors.Is(err, repository.ErrStaleTransition) {
		return p.superseded(ctx, user, orphans, start, err)
	}
	if err != nil {
		p.logger.Error("failed to record provisioned artifacts", "user_id", user.ID, "orphaned", orphans, "error", err)
		p.observe("error", start)
		return fmt.Errorf("record completion: %w", err)
	}
	p.logger.Info("provisioning completed", "user_id", user.ID, "artifacts", len(created))
	p.observe("completed", start)
	p.publish(writeCtx, updated)
	return nil
}

// MarkFailed records an error outcome for a pending user outside the normal
// task path (queue rejection, recovered panic, abandoned task).
func (p *Provisioner) MarkFailed(ctx context.Context, userID, reason string) error {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()
	updated, err := p.users.SetProvisioning(writeCtx, userID, domain.ProvisioningUpdate{
		Status: domain.ProvisioningError,
		Error:  reason,
		At:     p.now(),
	})
	if err != nil {
		return err
	}
	p.logger.Warn("provisioning marked failed", "user_id", userID, "reason", reason)
	p.outcomes.WithLabelValues("error").Inc()
	p.publish(writeCtx, updated)
	return nil
}

// heartbeat refreshes the pending timestamp before an external call. Only a
// status change stops the task; other store errors are logged.
func (p *Provisioner) heartbeat(ctx context.Context, userID string) error {
	err := p.users.TouchProvisioning(ctx, userID, p.now())
	if err == nil || errors.Is(err, repository.ErrStaleTransition) {
		return err
	}
	p.logger.Warn("provisioning heartbeat failed", "user_id", userID, "error", err)
	return nil
}

// superseded stops a task whose user was moved out of pending by another
// writer. Artifacts created so far are kept on the user as orphans.
func (p *Provisioner) superseded(ctx context.Context, user *domain.User, orphans []string, start time.Time, cause error) error {
	p.logger.Warn("provisioning superseded", "user_id", user.ID, "orphaned", orphans, "error", cause)
	p.observe("superseded", start)
	if len(orphans) > 0 {
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
		defer cancel()
		if _, err := p.users.RecordOrphans(writeCtx, user.ID, orphans); err != nil {
			p.logger.Error("failed to record orphaned artifacts", "user_id", user.ID, "orphaned", orphans, "error", err)
			return fmt.Errorf("record orphans: %w", err)
		}
	}
	return fmt.Errorf("%w: %v", ErrProvisioningSuperseded, cause)
}

func (p *Provisioner) duplicate(ctx context.Context, template, title string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()
	return p.provider.Duplicate(callCtx, template, title)
}

func (p *Provisioner) share(ctx context.Context, id, email string) error {
	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()
	return p.provider.Share(callCtx, id, email)
}

func (p *Provisioner) fail(ctx context.Context, user *domain.User, reason string, orphans []string, start time.Time) error {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()
	updated, err := p.users.SetProvisioning(writeCtx, user.ID, domain.ProvisioningUpdate{
		Status:  domain.ProvisioningError,
		Error:   reason,
		Orphans: orphans,
		At:      p.now(),
	})
	if errors.Is(err, repository.ErrStaleTransition) {
		return p.superseded(ctx, user, orphans, start, fmt.Errorf("%s: %w", reason, err))
	}

	fields := []any{"user_id", user.ID, "reason", reason}
	if len(orphans) > 0 {
		fields = append(fields, "orphaned", orphans)
	}
	p.logger.Error("provisioning failed", fields...)
	p.observe("error", start)
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	p.publish(writeCtx, updated)
	return fmt.Errorf("%w: %s", ErrProvisioningFailed, reason)
}

func (p *Provisioner) observe(outcome string, start time.Time) {
	p.outcomes.WithLabelValues(outcome).Inc()
	p.duration.WithLabelValues(outcome).Observe(p.now().Sub(start).Seconds())
}

func (p *Provisioner) publish(ctx context.Context, user *domain.User) {
	if p.events == nil || user == nil {
		return
	}
	p.events.Publish(ctx, domain.ProvisioningEvent{
		UserID:     user.ID,
		Identity:   user.ExternalIdentity,
		Status:     user.ProvisioningStatus,
		Artifacts:  user.Artifacts,
		Error:      user.ProvisioningError,
		OccurredAt: user.ProvisioningUpdatedAt,
	})
}
