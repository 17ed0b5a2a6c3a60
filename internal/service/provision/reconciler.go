package provision

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/splax/sheetledger/internal/repository"
)

const (
	defaultReconcileInterval = time.Minute
	defaultStaleAfter        = 10 * time.Minute
	reconcileTimeout         = 15 * time.Second
	reconcileBatch           = 100
	abandonedReason          = "provisioning abandoned"
)

// FailureMarker records an error outcome for a pending user.
type FailureMarker interface {
	MarkFailed(ctx context.Context, userID, reason string) error
}

// Tracker reports the users this process holds a provisioning job for.
type Tracker interface {
	InFlightUsers() []string
}

// Reconciler moves users stuck in pending (their task died with its process)
// to error so pollers stop waiting on them.
type Reconciler struct {
	users      repository.UserRepository
	marker     FailureMarker
	tracker    Tracker
	logger     *slog.Logger
	interval   time.Duration
	staleAfter time.Duration

	now func() time.Time
}

// NewReconciler constructs a Reconciler. tracker may be nil. Every iteration
// refreshes the pending timestamp of locally tracked users, so staleAfter must
// exceed interval for reconcilers on other replicas to leave them alone.
func NewReconciler(users repository.UserRepository, marker FailureMarker, tracker Tracker, interval, staleAfter time.Duration, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = defaultReconcileInterval
	}
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	return &Reconciler{
		users:      users,
		marker:     marker,
		tracker:    tracker,
		logger:     logger.With("component", "provision_reconciler"),
		interval:   interval,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Run executes the reconciliation loop until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("provision reconciler started", "interval", r.interval, "stale_after", r.staleAfter)
	r.runIteration(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("provision reconciler stopped")
			return
		case <-ticker.C:
			r.runIteration(ctx)
		}
	}
}

func (r *Reconciler) runIteration(parent context.Context) int {
	timeout := reconcileTimeout
	if r.interval < timeout {
		timeout = r.interval
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	local := r.touchLocal(ctx)
	cutoff := r.now().Add(-r.staleAfter)
	stale, err := r.users.ListStalePending(ctx, cutoff, reconcileBatch)
	if err != nil {
		r.logger.Warn("failed to list stale provisioning", "error", err)
		return 0
	}
	marked := 0
	for _, user := range stale {
		if _, ok := local[user.ID]; ok {
			continue
		}
		if err := r.marker.MarkFailed(ctx, user.ID, abandonedReason); err != nil {
			if !errors.Is(err, repository.ErrStaleTransition) {
				r.logger.Warn("failed to mark abandoned provisioning", "user_id", user.ID, "error", err)
			}
			continue
		}
		marked++
	}
	if marked > 0 {
		r.logger.Info("abandoned provisioning marked failed", "count", marked)
	}
	return marked
}

// touchLocal heartbeats every user this process is still working on, queued
// jobs included.
func (r *Reconciler) touchLocal(ctx context.Context) map[string]struct{} {
	if r.tracker == nil {
		return nil
	}
	ids := r.tracker.InFlightUsers()
	local := make(map[string]struct{}, len(ids))
	at := r.now()
	for _, id := range ids {
		local[id] = struct{}{}
		if err := r.users.TouchProvisioning(ctx, id, at); err != nil && !errors.Is(err, repository.ErrStaleTransition) {
			r.logger.Warn("failed to refresh in-flight provisioning", "user_id", id, "error", err)
		}
	}
	return local
}
