package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/splax/sheetledger/internal/domain"
	"github.com/splax/sheetledger/internal/repository"
)

var _ repository.Store = (*Store)(nil)

// Store keeps users and submissions in process memory.
type Store struct {
	mu sync.RWMutex

	users      map[string]*domain.User
	identities map[string]string

	submissions map[string]*domain.Submission

	now func() time.Time
}

func New() *Store {
	return &Store{
		users:       make(map[string]*domain.User),
		identities:  make(map[string]string),
		submissions: make(map[string]*domain.Submission),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Ping(context.Context) error  { return nil }
func (s *Store) Close(context.Context) error { return nil }

func (s *Store) CreateUser(_ context.Context, user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.identities[user.ExternalIdentity]; exists {
		return repository.ErrConflict
	}
	if _, exists := s.users[user.ID]; exists {
		return repository.ErrConflict
	}
	stored := user.Clone()
	if stored.ProvisioningStatus == "" {
		stored.ProvisioningStatus = domain.ProvisioningUnprovisioned
	}
	s.users[user.ID] = stored
	s.identities[user.ExternalIdentity] = user.ID
	return nil
}

func (s *Store) GetUserByIdentity(_ context.Context, identity string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.identities[identity]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return s.users[id].Clone(), nil
}

func (s *Store) GetUserByID(_ context.Context, id string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return u.Clone(), nil
}

func (s *Store) UpdateProfile(_ context.Context, identity string, update domain.ProfileUpdate) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.identities[identity]
	if !ok {
		return nil, repository.ErrNotFound
	}
	u := s.users[id]
	if update.Email != "" {
		u.Email = update.Email
	}
	if update.Username != "" {
		u.Username = update.Username
	}
	u.UpdatedAt = s.now()
	return u.Clone(), nil
}

func (s *Store) SetProvisioning(_ context.Context, userID string, update domain.ProvisioningUpdate) (*domain.User, error) {
	if _, err := repository.ValidateProvisioningUpdate(update); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if !u.ProvisioningStatus.CanTransition(update.Status) {
		return nil, fmt.Errorf("%w: user %s is %s", repository.ErrStaleTransition, userID, u.ProvisioningStatus)
	}
	at := update.At
	if at.IsZero() {
		at = s.now()
	}
	u.ProvisioningStatus = update.Status
	u.ProvisioningError = update.Error
	u.ProvisioningUpdatedAt = at
	u.UpdatedAt = at
	if update.Status == domain.ProvisioningCompleted {
		u.Artifacts = maps.Clone(update.Artifacts)
	}
	addOrphans(u, update.Orphans)
	return u.Clone(), nil
}

func (s *Store) TouchProvisioning(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return repository.ErrNotFound
	}
	if u.ProvisioningStatus != domain.ProvisioningPending {
		return fmt.Errorf("%w: user %s is %s", repository.ErrStaleTransition, userID, u.ProvisioningStatus)
	}
	if at.IsZero() {
		at = s.now()
	}
	u.ProvisioningUpdatedAt = at
	return nil
}

func (s *Store) RecordOrphans(_ context.Context, userID string, ids []string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	addOrphans(u, ids)
	u.UpdatedAt = s.now()
	return u.Clone(), nil
}

func (s *Store) AdjustBalance(_ context.Context, userID string, delta int64) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	u.CreditBalance += delta
	u.UpdatedAt = s.now()
	return u.Clone(), nil
}

func (s *Store) DeleteUser(_ context.Context, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.identities[identity]
	if !ok {
		return repository.ErrNotFound
	}
	delete(s.identities, identity)
	delete(s.users, id)
	for subID, sub := range s.submissions {
		if sub.UserID == id {
			delete(s.submissions, subID)
		}
	}
	return nil
}

func (s *Store) ListStalePending(_ context.Context, before time.Time, limit int) ([]domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.User, 0)
	for _, u := range s.users {
		if u.ProvisioningStatus != domain.ProvisioningPending || !u.ProvisioningUpdatedAt.Before(before) {
			continue
		}
		out = append(out, *u.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ProvisioningUpdatedAt.Before(out[j].ProvisioningUpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CreateSubmission(_ context.Context, submission *domain.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.submissions[submission.ID]; exists {
		return repository.ErrConflict
	}
	stored := *submission
	s.submissions[submission.ID] = &stored
	return nil
}

func (s *Store) UpdateSubmission(_ context.Context, update domain.SubmissionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.submissions[update.SubmissionID]
	if !ok {
		return repository.ErrNotFound
	}
	sub.Status = update.Status
	sub.FeeCharged = update.FeeCharged
	sub.Error = update.Error
	if update.ArchiveKey != "" {
		sub.ArchiveKey = update.ArchiveKey
	}
	sub.UpdatedAt = s.now()
	return nil
}

func (s *Store) ListSubmissionsByUser(_ context.Context, userID string, limit int) ([]domain.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Submission, 0)
	for _, sub := range s.submissions {
		if sub.UserID == userID {
			out = append(out, *sub)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func addOrphans(u *domain.User, ids []string) {
	for _, id := range ids {
		if id != "" && !slices.Contains(u.OrphanedArtifacts, id) {
			u.OrphanedArtifacts = append(u.OrphanedArtifacts, id)
		}
	}
}
