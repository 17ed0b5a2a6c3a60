package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/sheetledger/internal/domain"
	"github.com/splax/sheetledger/internal/repository"
)

const uniqueViolation = "23505"

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.UserRepository       = (*Repository)(nil)
	_ repository.SubmissionRepository = (*Repository)(nil)
	_ repository.Store                = (*Repository)(nil)
)

const userColumns = `id, external_identity, email, username, credit_balance, provisioning_status,
	artifacts, provisioning_error, orphaned_artifacts, provisioning_updated_at, created_at, updated_at`

// Ping checks database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close releases the pool.
func (r *Repository) Close(context.Context) error {
	r.pool.Close()
	return nil
}

// CreateUser inserts a user.
func (r *Repository) CreateUser(ctx context.Context, user *domain.User) error {
	artifacts, err := encodeArtifacts(user.Artifacts)
	if err != nil {
		return err
	}
	status := user.ProvisioningStatus
	if status == "" {
		status = domain.ProvisioningUnprovisioned
	}
	orphans := user.OrphanedArtifacts
	if orphans == nil {
		orphans = []string{}
	}
	provisionedAt := user.ProvisioningUpdatedAt
	if provisionedAt.IsZero() {
		provisionedAt = user.CreatedAt
	}
	const query = `INSERT INTO users (` + userColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err = r.pool.Exec(ctx, query,
		user.ID,
		user.ExternalIdentity,
		user.Email,
		user.Username,
		user.CreditBalance,
		string(status),
		artifacts,
		user.ProvisioningError,
		orphans,
		provisionedAt,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return repository.ErrConflict
	}
	return err
}

// GetUserByIdentity fetches a user by external identity.
func (r *Repository) GetUserByIdentity(ctx context.Context, identity string) (*domain.User, error) {
	const query = `SELECT ` + userColumns + ` FROM users WHERE external_identity = $1`
	return scanUser(r.pool.QueryRow(ctx, query, identity))
}

// GetUserByID retrieves a user by identifier.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	const query = `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(r.pool.QueryRow(ctx, query, id))
}

// UpdateProfile overwrites non-empty profile fields.
func (r *Repository) UpdateProfile(ctx context.Context, identity string, update domain.ProfileUpdate) (*domain.User, error) {
	const query = `UPDATE users
		SET email = COALESCE(NULLIF($2, ''), email),
			username = COALESCE(NULLIF($3, ''), username),
			updated_at = NOW()
		WHERE external_identity = $1
		RETURNING ` + userColumns
	return scanUser(r.pool.QueryRow(ctx, query, identity, update.Email, update.Username))
}

// SetProvisioning performs the status transition as one conditional UPDATE.
func (r *Repository) SetProvisioning(ctx context.Context, userID string, update domain.ProvisioningUpdate) (*domain.User, error) {
	previous, err := repository.ValidateProvisioningUpdate(update)
	if err != nil {
		return nil, err
	}
	var artifacts []byte
	if update.Status == domain.ProvisioningCompleted {
		if artifacts, err = encodeArtifacts(update.Artifacts); err != nil {
			return nil, err
		}
	}
	at := update.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	query := `UPDATE users
		SET provisioning_status = $3,
			artifacts = COALESCE($4::jsonb, artifacts),
			provisioning_error = $5,
			orphaned_artifacts = ` + mergeOrphans(6) + `,
			provisioning_updated_at = $7,
			updated_at = $7
		WHERE id = $1 AND provisioning_status = $2
		RETURNING ` + userColumns
	orphans := update.Orphans
	if orphans == nil {
		orphans = []string{}
	}
	user, err := scanUser(r.pool.QueryRow(ctx, query, userID, string(previous), string(update.Status), artifacts, update.Error, orphans, at))
	if errors.Is(err, repository.ErrNotFound) {
		return nil, r.staleTransition(ctx, userID)
	}
	return user, err
}

// TouchProvisioning refreshes provisioning_updated_at while the user is pending.
func (r *Repository) TouchProvisioning(ctx context.Context, userID string, at time.Time) error {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	const query = `UPDATE users SET provisioning_updated_at = $2
		WHERE id = $1 AND provisioning_status = 'pending'`
	cmdTag, err := r.pool.Exec(ctx, query, userID, at)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return r.staleTransition(ctx, userID)
	}
	return nil
}

// RecordOrphans merges ids into orphaned_artifacts without checking status.
func (r *Repository) RecordOrphans(ctx context.Context, userID string, ids []string) (*domain.User, error) {
	if ids == nil {
		ids = []string{}
	}
	query := `UPDATE users
		SET orphaned_artifacts = ` + mergeOrphans(2) + `, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + userColumns
	return scanUser(r.pool.QueryRow(ctx, query, userID, ids))
}

func (r *Repository) staleTransition(ctx context.Context, userID string) error {
	current, err := r.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: user %s is %s", repository.ErrStaleTransition, userID, current.ProvisioningStatus)
}

// mergeOrphans unions the stored orphan list with the text[] parameter $n,
// keeping first-seen order.
func mergeOrphans(n int) string {
	return fmt.Sprintf(`ARRAY(SELECT id FROM unnest(orphaned_artifacts || $%d::text[]) WITH ORDINALITY AS o(id, pos)
			WHERE id <> '' GROUP BY id ORDER BY MIN(pos))`, n)
}

// AdjustBalance applies delta in a single UPDATE so concurrent calls never lose increments.
func (r *Repository) AdjustBalance(ctx context.Context, userID string, delta int64) (*domain.User, error) {
	const query = `UPDATE users
		SET credit_balance = credit_balance + $2, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + userColumns
	return scanUser(r.pool.QueryRow(ctx, query, userID, delta))
}

// DeleteUser removes a user; submissions cascade.
func (r *Repository) DeleteUser(ctx context.Context, identity string) error {
	const query = `DELETE FROM users WHERE external_identity = $1`
	cmdTag, err := r.pool.Exec(ctx, query, identity)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListStalePending returns users stuck in pending since before the cutoff.
func (r *Repository) ListStalePending(ctx context.Context, before time.Time, limit int) ([]domain.User, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `SELECT ` + userColumns + ` FROM users
		WHERE provisioning_status = 'pending' AND provisioning_updated_at < $1
		ORDER BY provisioning_updated_at ASC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// CreateSubmission inserts a submission record.
func (r *Repository) CreateSubmission(ctx context.Context, s *domain.Submission) error {
	const query = `INSERT INTO submissions (id, user_id, artifact_kind, document_kind, target_artifact_id, file_name,
			size_bytes, archive_key, status, fee_charged, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err := r.pool.Exec(ctx, query,
		s.ID,
		s.UserID,
		string(s.ArtifactKind),
		string(s.DocumentKind),
		s.TargetArtifactID,
		s.FileName,
		s.SizeBytes,
		s.ArchiveKey,
		s.Status,
		s.FeeCharged,
		s.Error,
		s.CreatedAt,
		s.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return repository.ErrConflict
	}
	return err
}

// UpdateSubmission records the outcome of a submission.
func (r *Repository) UpdateSubmission(ctx context.Context, update domain.SubmissionUpdate) error {
	const query = `UPDATE submissions
		SET status = $2,
			fee_charged = $3,
			error = $4,
			archive_key = COALESCE(NULLIF($5, ''), archive_key),
			updated_at = NOW()
		WHERE id = $1`
	cmdTag, err := r.pool.Exec(ctx, query, update.SubmissionID, update.Status, update.FeeCharged, update.Error, update.ArchiveKey)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListSubmissionsByUser fetches recent submissions for a user.
func (r *Repository) ListSubmissionsByUser(ctx context.Context, userID string, limit int) ([]domain.Submission, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT id, user_id, artifact_kind, document_kind, target_artifact_id, file_name, size_bytes,
			archive_key, status, fee_charged, error, created_at, updated_at
		FROM submissions WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	submissions := make([]domain.Submission, 0)
	for rows.Next() {
		var s domain.Submission
		var artifactKind, documentKind string
		if err := rows.Scan(&s.ID, &s.UserID, &artifactKind, &documentKind, &s.TargetArtifactID, &s.FileName, &s.SizeBytes,
			&s.ArchiveKey, &s.Status, &s.FeeCharged, &s.Error, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		s.ArtifactKind = domain.ArtifactKind(artifactKind)
		s.DocumentKind = domain.DocumentKind(documentKind)
		submissions = append(submissions, s)
	}
	return submissions, rows.Err()
}

func scanUser(row pgx.Row) (*domain.User, error) {
	var (
		u         domain.User
		status    string
		artifacts []byte
	)
	err := row.Scan(&u.ID, &u.ExternalIdentity, &u.Email, &u.Username, &u.CreditBalance, &status,
		&artifacts, &u.ProvisioningError, &u.OrphanedArtifacts, &u.ProvisioningUpdatedAt, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	u.ProvisioningStatus = domain.ProvisioningStatus(status)
	if u.Artifacts, err = decodeArtifacts(artifacts); err != nil {
		return nil, err
	}
	if len(u.OrphanedArtifacts) == 0 {
		u.OrphanedArtifacts = nil
	}
	return &u, nil
}

func encodeArtifacts(in map[domain.ArtifactKind]string) ([]byte, error) {
	if len(in) == 0 {
		return []byte("{}"), nil
	}
	out, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encode artifacts: %w", err)
	}
	return out, nil
}

func decodeArtifacts(raw []byte) (map[domain.ArtifactKind]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out map[domain.ArtifactKind]string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode artifacts: %w", err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
