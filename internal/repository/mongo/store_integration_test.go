package mongo

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/sheetledger/internal/domain"
	"github.com/splax/sheetledger/internal/repository"
)

// openTestStore connects to MONGO_TEST_URI and returns a store on a throwaway
// database. Tests are skipped when the variable is unset.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	uri := os.Getenv("MONGO_TEST_URI")
	if uri == "" {
		t.Skip("MONGO_TEST_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := Connect(ctx, uri, fmt.Sprintf("sheetledger_test_%d", time.Now().UnixNano()))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(ctx))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = store.db.Drop(ctx)
		_ = store.Close(ctx)
	})
	return store
}

func seedMongoUser(t *testing.T, s *Store, balance int64) {
	t.Helper()
	require.NoError(t, s.CreateUser(context.Background(), &domain.User{
		ID:               "user-1",
		ExternalIdentity: "ext-1",
		Email:            "one@example.com",
		CreditBalance:    balance,
		CreatedAt:        time.Now().UTC(),
	}))
}

func TestMongoAdjustBalanceConcurrentDeltasAreNotLost(t *testing.T) {
	s := openTestStore(t)
	seedMongoUser(t, s, 100)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AdjustBalance(context.Background(), "user-1", -2)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	u, err := s.GetUserByID(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), u.CreditBalance)
}

func TestMongoProvisioningNeverMovesBackwards(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	seedMongoUser(t, s, 10)

	_, err := s.SetProvisioning(ctx, "user-1", domain.ProvisioningUpdate{Status: domain.ProvisioningCompleted, Artifacts: map[domain.ArtifactKind]string{domain.ArtifactFormA: "a"}})
	assert.ErrorIs(t, err, repository.ErrStaleTransition)

	_, err = s.SetProvisioning(ctx, "user-1", domain.ProvisioningUpdate{Status: domain.ProvisioningPending})
	require.NoError(t, err)
	require.NoError(t, s.TouchProvisioning(ctx, "user-1", time.Now().UTC()))

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for _, update := range []domain.ProvisioningUpdate{
		{Status: domain.ProvisioningCompleted, Artifacts: map[domain.ArtifactKind]string{domain.ArtifactFormA: "a", domain.ArtifactFormBC: "bc"}},
		{Status: domain.ProvisioningError, Error: "abandoned"},
	} {
		wg.Add(1)
		go func(u domain.ProvisioningUpdate) {
			defer wg.Done()
			_, err := s.SetProvisioning(ctx, "user-1", u)
			results <- err
		}(update)
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, repository.ErrStaleTransition)
	}
	assert.Equal(t, 1, succeeded, "exactly one terminal write wins")
	assert.ErrorIs(t, s.TouchProvisioning(ctx, "user-1", time.Now().UTC()), repository.ErrStaleTransition)

	u, err := s.RecordOrphans(ctx, "user-1", []string{"late-sheet"})
	require.NoError(t, err)
	assert.Contains(t, u.OrphanedArtifacts, "late-sheet")
}

func TestMongoDeleteUserRemovesSubmissions(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	seedMongoUser(t, s, 10)
	require.NoError(t, s.CreateSubmission(ctx, &domain.Submission{ID: "sub-1", UserID: "user-1", CreatedAt: time.Now().UTC()}))

	require.NoError(t, s.DeleteUser(ctx, "ext-1"))
	subs, err := s.ListSubmissionsByUser(ctx, "user-1", 10)
	require.NoError(t, err)
	assert.Empty(t, subs)
	assert.ErrorIs(t, s.DeleteUser(ctx, "ext-1"), repository.ErrNotFound)
}
