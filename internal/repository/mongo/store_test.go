package mongo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/splax/sheetledger/internal/domain"
)

func TestUserModelDefaultsToUnprovisioned(t *testing.T) {
	m := toUserModel(&domain.User{ID: "u1", ExternalIdentity: "ext"})
	assert.Equal(t, string(domain.ProvisioningUnprovisioned), m.ProvisioningStatus)
	assert.Nil(t, m.Artifacts, "empty artifacts must be omitted")
}

func TestUserModelKeepsArtifactKinds(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	in := &domain.User{
		ID:                 "u1",
		ExternalIdentity:   "ext",
		CreditBalance:      7,
		ProvisioningStatus: domain.ProvisioningCompleted,
		Artifacts:          map[domain.ArtifactKind]string{domain.ArtifactFormA: "sheet-a", domain.ArtifactFormBC: "sheet-bc"},
		CreatedAt:          now,
	}

	raw, err := bson.Marshal(toUserModel(in))
	require.NoError(t, err)
	var decoded userModel
	require.NoError(t, bson.Unmarshal(raw, &decoded))

	out := fromUserModel(&decoded)
	assert.Equal(t, in.Artifacts, out.Artifacts)
	assert.Equal(t, int64(7), out.CreditBalance)
	assert.Equal(t, domain.ProvisioningCompleted, out.ProvisioningStatus)
}

func TestMigrationIndexesEnforceUniqueIdentity(t *testing.T) {
	indexes := migrationIndexes()
	users := indexes[colUsers]
	require.NotEmpty(t, users)

	keys, ok := users[0].Keys.(bson.D)
	require.True(t, ok)
	assert.Equal(t, "external_identity", keys[0].Key)
	assert.NotNil(t, users[0].Options)
	assert.Contains(t, indexes, colSubmissions)
}

func TestProvisioningFilterRequiresPredecessor(t *testing.T) {
	filter := provisioningFilter("u1", domain.ProvisioningPending)
	assert.Equal(t, bson.M{"_id": "u1", "provisioning_status": "pending"}, filter)
}

func TestProvisioningUpdateDocuments(t *testing.T) {
	at := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	completed := provisioningUpdate(domain.ProvisioningUpdate{
		Status:    domain.ProvisioningCompleted,
		Artifacts: map[domain.ArtifactKind]string{domain.ArtifactFormA: "sheet-a"},
	}, at)
	set, ok := completed["$set"].(bson.M)
	require.True(t, ok)
	assert.Equal(t, "completed", set["provisioning_status"])
	assert.Equal(t, map[string]string{"formA": "sheet-a"}, set["artifacts"])
	assert.Equal(t, at, set["provisioning_updated_at"])
	assert.NotContains(t, completed, "$addToSet")

	failed := provisioningUpdate(domain.ProvisioningUpdate{
		Status:  domain.ProvisioningError,
		Error:   "share failed",
		Orphans: []string{"sheet-a"},
	}, at)
	set, ok = failed["$set"].(bson.M)
	require.True(t, ok)
	assert.Equal(t, "error", set["provisioning_status"])
	assert.Equal(t, "share failed", set["provisioning_error"])
	assert.NotContains(t, set, "artifacts", "only completion writes artifacts")
	assert.Equal(t, bson.M{"orphaned_artifacts": bson.M{"$each": []string{"sheet-a"}}}, failed["$addToSet"])
}

func TestBalanceUpdateIsSingleIncrement(t *testing.T) {
	at := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, bson.M{
		"$inc": bson.M{"credit_balance": int64(-3)},
		"$set": bson.M{"updated_at": at},
	}, balanceUpdate(-3, at))
}

func TestTouchAndOrphanUpdates(t *testing.T) {
	at := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, bson.M{"$set": bson.M{"provisioning_updated_at": at}}, touchUpdate(at))
	assert.Equal(t, bson.M{
		"$addToSet": bson.M{"orphaned_artifacts": bson.M{"$each": []string{"a", "b"}}},
		"$set":      bson.M{"updated_at": at},
	}, orphansUpdate([]string{"a", "b"}, at))
	assert.Equal(t, bson.M{"user_id": "u1"}, submissionsOf("u1"))
}
