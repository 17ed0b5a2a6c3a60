package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/splax/sheetledger/internal/domain"
	"github.com/splax/sheetledger/internal/repository"
)

// Collection name constants.
const (
	colUsers       = "users"
	colSubmissions = "submissions"
)

// compile-time interface check
var _ repository.Store = (*Store)(nil)

// Store implements the user ledger on MongoDB.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// Connect dials uri and returns a Store bound to database.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("sheetledger/mongo: connect: %w", err)
	}
	s := New(client, database)
	if err := s.Ping(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

// New wraps an existing client.
func New(client *mongo.Client, database string) *Store {
	return &Store{client: client, db: client.Database(database)}
}

// Migrate creates indexes for all collections.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if len(models) == 0 {
			continue
		}
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("sheetledger/mongo: migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("sheetledger/mongo: ping: %w", err)
	}
	return nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) users() *mongo.Collection       { return s.db.Collection(colUsers) }
func (s *Store) submissions() *mongo.Collection { return s.db.Collection(colSubmissions) }

// ==================== User Store ====================

func (s *Store) CreateUser(ctx context.Context, u *domain.User) error {
	if _, err := s.users().InsertOne(ctx, toUserModel(u)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return repository.ErrConflict
		}
		return fmt.Errorf("sheetledger/mongo: create user: %w", err)
	}
	return nil
}

func (s *Store) GetUserByIdentity(ctx context.Context, identity string) (*domain.User, error) {
	return s.findUser(ctx, bson.M{"external_identity": identity}, "get user by identity")
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	return s.findUser(ctx, bson.M{"_id": id}, "get user")
}

func (s *Store) findUser(ctx context.Context, filter bson.M, op string) (*domain.User, error) {
	var m userModel
	if err := s.users().FindOne(ctx, filter).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("sheetledger/mongo: %s: %w", op, err)
	}
	return fromUserModel(&m), nil
}

func (s *Store) UpdateProfile(ctx context.Context, identity string, update domain.ProfileUpdate) (*domain.User, error) {
	set := bson.M{"updated_at": now()}
	if update.Email != "" {
		set["email"] = update.Email
	}
	if update.Username != "" {
		set["username"] = update.Username
	}
	return s.findAndUpdate(ctx, bson.M{"external_identity": identity}, bson.M{"$set": set}, "update profile")
}

// SetProvisioning applies a status transition only when the stored status
// still matches the required predecessor.
func (s *Store) SetProvisioning(ctx context.Context, userID string, update domain.ProvisioningUpdate) (*domain.User, error) {
	previous, err := repository.ValidateProvisioningUpdate(update)
	if err != nil {
		return nil, err
	}
	at := update.At
	if at.IsZero() {
		at = now()
	}
	u, err := s.findAndUpdate(ctx, provisioningFilter(userID, previous), provisioningUpdate(update, at), "set provisioning")
	if errors.Is(err, repository.ErrNotFound) {
		return nil, s.staleTransition(ctx, userID)
	}
	return u, err
}

// TouchProvisioning refreshes the pending timestamp so reconcilers on other
// replicas see the task as alive.
func (s *Store) TouchProvisioning(ctx context.Context, userID string, at time.Time) error {
	if at.IsZero() {
		at = now()
	}
	res, err := s.users().UpdateOne(ctx, provisioningFilter(userID, domain.ProvisioningPending), touchUpdate(at))
	if err != nil {
		return fmt.Errorf("sheetledger/mongo: touch provisioning: %w", err)
	}
	if res.MatchedCount == 0 {
		return s.staleTransition(ctx, userID)
	}
	return nil
}

// RecordOrphans adds ids to orphaned_artifacts with $addToSet.
func (s *Store) RecordOrphans(ctx context.Context, userID string, ids []string) (*domain.User, error) {
	return s.findAndUpdate(ctx, bson.M{"_id": userID}, orphansUpdate(ids, now()), "record orphans")
}

// AdjustBalance applies delta with a single $inc.
func (s *Store) AdjustBalance(ctx context.Context, userID string, delta int64) (*domain.User, error) {
	return s.findAndUpdate(ctx, bson.M{"_id": userID}, balanceUpdate(delta, now()), "adjust balance")
}

func (s *Store) staleTransition(ctx context.Context, userID string) error {
	current, err := s.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: user %s is %s", repository.ErrStaleTransition, userID, current.ProvisioningStatus)
}

func (s *Store) findAndUpdate(ctx context.Context, filter, update bson.M, op string) (*domain.User, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var m userModel
	if err := s.users().FindOneAndUpdate(ctx, filter, update, opts).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("sheetledger/mongo: %s: %w", op, err)
	}
	return fromUserModel(&m), nil
}

func (s *Store) DeleteUser(ctx context.Context, identity string) error {
	var m userModel
	if err := s.users().FindOneAndDelete(ctx, bson.M{"external_identity": identity}).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return repository.ErrNotFound
		}
		return fmt.Errorf("sheetledger/mongo: delete user: %w", err)
	}
	if _, err := s.submissions().DeleteMany(ctx, submissionsOf(m.ID)); err != nil {
		return fmt.Errorf("sheetledger/mongo: delete user submissions: %w", err)
	}
	return nil
}

func (s *Store) ListStalePending(ctx context.Context, before time.Time, limit int) ([]domain.User, error) {
	filter := bson.M{
		"provisioning_status":     string(domain.ProvisioningPending),
		"provisioning_updated_at": bson.M{"$lt": before},
	}
	opts := options.Find().SetSort(bson.D{{Key: "provisioning_updated_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.users().Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("sheetledger/mongo: list stale pending: %w", err)
	}
	var models []userModel
	if err := cur.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("sheetledger/mongo: list stale pending: %w", err)
	}
	out := make([]domain.User, len(models))
	for i := range models {
		out[i] = *fromUserModel(&models[i])
	}
	return out, nil
}

// ==================== Submission Store ====================

func (s *Store) CreateSubmission(ctx context.Context, sub *domain.Submission) error {
	if _, err := s.submissions().InsertOne(ctx, toSubmissionModel(sub)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return repository.ErrConflict
		}
		return fmt.Errorf("sheetledger/mongo: create submission: %w", err)
	}
	return nil
}

func (s *Store) UpdateSubmission(ctx context.Context, update domain.SubmissionUpdate) error {
	set := bson.M{
		"status":      update.Status,
		"fee_charged": update.FeeCharged,
		"error":       update.Error,
		"updated_at":  now(),
	}
	if update.ArchiveKey != "" {
		set["archive_key"] = update.ArchiveKey
	}
	res, err := s.submissions().UpdateOne(ctx, bson.M{"_id": update.SubmissionID}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("sheetledger/mongo: update submission: %w", err)
	}
	if res.MatchedCount == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (s *Store) ListSubmissionsByUser(ctx context.Context, userID string, limit int) ([]domain.Submission, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.submissions().Find(ctx, submissionsOf(userID), opts)
	if err != nil {
		return nil, fmt.Errorf("sheetledger/mongo: list submissions: %w", err)
	}
	var models []submissionModel
	if err := cur.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("sheetledger/mongo: list submissions: %w", err)
	}
	out := make([]domain.Submission, len(models))
	for i := range models {
		out[i] = fromSubmissionModel(&models[i])
	}
	return out, nil
}

// ==================== Helpers ====================

func now() time.Time {
	return time.Now().UTC()
}

// provisioningFilter matches userID only while it is in status.
func provisioningFilter(userID string, status domain.ProvisioningStatus) bson.M {
	return bson.M{"_id": userID, "provisioning_status": string(status)}
}

func provisioningUpdate(update domain.ProvisioningUpdate, at time.Time) bson.M {
	set := bson.M{
		"provisioning_status":     string(update.Status),
		"provisioning_error":      update.Error,
		"provisioning_updated_at": at,
		"updated_at":              at,
	}
	if update.Status == domain.ProvisioningCompleted {
		set["artifacts"] = artifactsToModel(update.Artifacts)
	}
	out := bson.M{"$set": set}
	if len(update.Orphans) > 0 {
		out["$addToSet"] = bson.M{"orphaned_artifacts": bson.M{"$each": update.Orphans}}
	}
	return out
}

func touchUpdate(at time.Time) bson.M {
	return bson.M{"$set": bson.M{"provisioning_updated_at": at}}
}

func orphansUpdate(ids []string, at time.Time) bson.M {
	return bson.M{
		"$addToSet": bson.M{"orphaned_artifacts": bson.M{"$each": ids}},
		"$set":      bson.M{"updated_at": at},
	}
}

func balanceUpdate(delta int64, at time.Time) bson.M {
	return bson.M{
		"$inc": bson.M{"credit_balance": delta},
		"$set": bson.M{"updated_at": at},
	}
}

func submissionsOf(userID string) bson.M {
	return bson.M{"user_id": userID}
}

func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// migrationIndexes returns the index definitions for all collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colUsers: {
			{
				Keys:    bson.D{{Key: "external_identity", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "provisioning_status", Value: 1}, {Key: "provisioning_updated_at", Value: 1}}},
		},
		colSubmissions: {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
		},
	}
}
