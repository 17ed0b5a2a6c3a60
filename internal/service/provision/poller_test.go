package provision

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/sheetledger/internal/domain"
	"github.com/splax/sheetledger/internal/repository"
)

// scriptedUsers returns a fixed sequence of statuses, repeating the last one.
type scriptedUsers struct {
	repository.UserRepository

	mu       sync.Mutex
	statuses []domain.ProvisioningStatus
	err      error
	reads    int
}

func (s *scriptedUsers) GetUserByIdentity(_ context.Context, identity string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.err != nil {
		return nil, s.err
	}
	idx := s.reads - 1
	if idx >= len(s.statuses) {
		idx = len(s.statuses) - 1
	}
	user := &domain.User{ID: "u1", ExternalIdentity: identity, ProvisioningStatus: s.statuses[idx]}
	switch user.ProvisioningStatus {
	case domain.ProvisioningCompleted:
		user.Artifacts = map[domain.ArtifactKind]string{
			domain.ArtifactFormA:  "sheet-a",
			domain.ArtifactFormBC: "sheet-bc",
		}
	case domain.ProvisioningError:
		user.ProvisioningError = "template missing"
	}
	return user, nil
}

func TestWaitForProvisioningCompletes(t *testing.T) {
	users := &scriptedUsers{statuses: []domain.ProvisioningStatus{
		domain.ProvisioningUnprovisioned,
		domain.ProvisioningPending,
		domain.ProvisioningCompleted,
	}}
	user, err := NewPoller(users).WaitForProvisioning(context.Background(), "ext", 5, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, domain.ProvisioningCompleted, user.ProvisioningStatus)
	assert.Equal(t, 3, users.reads)
}

func TestWaitForProvisioningTimesOut(t *testing.T) {
	users := &scriptedUsers{statuses: []domain.ProvisioningStatus{domain.ProvisioningPending}}
	_, err := NewPoller(users).WaitForProvisioning(context.Background(), "ext", 3, time.Millisecond)
	require.ErrorIs(t, err, ErrProvisioningTimeout)
	assert.Equal(t, 3, users.reads)
}

func TestWaitForProvisioningStopsOnError(t *testing.T) {
	users := &scriptedUsers{statuses: []domain.ProvisioningStatus{
		domain.ProvisioningPending,
		domain.ProvisioningError,
	}}
	user, err := NewPoller(users).WaitForProvisioning(context.Background(), "ext", 10, time.Millisecond)
	require.ErrorIs(t, err, ErrProvisioningFailed)
	assert.Contains(t, err.Error(), "template missing")
	require.NotNil(t, user)
	assert.Equal(t, 2, users.reads)
}

func TestWaitForProvisioningPropagatesStoreErrors(t *testing.T) {
	users := &scriptedUsers{err: repository.ErrNotFound}
	_, err := NewPoller(users).WaitForProvisioning(context.Background(), "ext", 10, time.Millisecond)
	require.ErrorIs(t, err, repository.ErrNotFound)
	assert.Equal(t, 1, users.reads)
}

func TestWaitForProvisioningHonoursCancellation(t *testing.T) {
	users := &scriptedUsers{statuses: []domain.ProvisioningStatus{domain.ProvisioningPending}}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := NewPoller(users).WaitForProvisioning(ctx, "ext", 1000, 5*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "unexpected error %v", err)
}

func TestArtifactFor(t *testing.T) {
	completed := &domain.User{
		ProvisioningStatus: domain.ProvisioningCompleted,
		Artifacts:          map[domain.ArtifactKind]string{domain.ArtifactFormA: "sheet-a"},
	}
	id, err := ArtifactFor(completed, domain.ArtifactFormA)
	require.NoError(t, err)
	assert.Equal(t, "sheet-a", id)

	_, err = ArtifactFor(completed, domain.ArtifactFormBC)
	assert.ErrorIs(t, err, ErrArtifactMissing)

	_, err = ArtifactFor(&domain.User{ProvisioningStatus: domain.ProvisioningPending}, domain.ArtifactFormA)
	assert.ErrorIs(t, err, ErrProvisioningPending)

	_, err = ArtifactFor(&domain.User{ProvisioningStatus: domain.ProvisioningError, ProvisioningError: "x"}, domain.ArtifactFormA)
	assert.ErrorIs(t, err, ErrProvisioningFailed)
}
