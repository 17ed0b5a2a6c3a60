package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/splax/sheetledger/internal/domain"
	"github.com/splax/sheetledger/internal/repository"
)

var errStillPending = errors.New("provision: still pending")

// Poller waits for provisioning to reach a terminal state. It only reads.
type Poller struct {
	users repository.UserRepository
}

// NewPoller constructs a Poller.
func NewPoller(users repository.UserRepository) Poller {
	return Poller{users: users}
}

// WaitForProvisioning reads the user at most maxAttempts times, interval apart.
// Unprovisioned and pending both mean "keep waiting".
func (p Poller) WaitForProvisioning(ctx context.Context, identity string, maxAttempts int, interval time.Duration) (*domain.User, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	backoff := retry.WithMaxRetries(uint64(maxAttempts-1), retry.NewConstant(interval))

	var (
		user *domain.User
		last domain.ProvisioningStatus
	)
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		u, err := p.users.GetUserByIdentity(ctx, identity)
		if err != nil {
			return err
		}
		last = u.ProvisioningStatus
		if !last.Terminal() {
			return retry.RetryableError(errStillPending)
		}
		user = u
		if last == domain.ProvisioningError {
			return fmt.Errorf("%w: %s", ErrProvisioningFailed, u.ProvisioningError)
		}
		return nil
	})
	switch {
	case err == nil:
		return user, nil
	case errors.Is(err, errStillPending):
		return nil, fmt.Errorf("%w after %d attempts (last status %s)", ErrProvisioningTimeout, maxAttempts, last)
	case errors.Is(err, ErrProvisioningFailed):
		return user, err
	default:
		return nil, err
	}
}

// ArtifactFor returns the artifact id of kind for a completed user.
func ArtifactFor(user *domain.User, kind domain.ArtifactKind) (string, error) {
	switch user.ProvisioningStatus {
	case domain.ProvisioningCompleted:
	case domain.ProvisioningError:
		return "", fmt.Errorf("%w: %s", ErrProvisioningFailed, user.ProvisioningError)
	default:
		return "", ErrProvisioningPending
	}
	id, ok := user.Artifact(kind)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrArtifactMissing, kind)
	}
	return id, nil
}
