package account

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/splax/sheetledger/internal/domain"
	"github.com/splax/sheetledger/internal/repository"
	"github.com/splax/sheetledger/pkg/config"
)

// Lifecycle event types sent by the identity provider.
const (
	EventUserCreated = "user.created"
	EventUserUpdated = "user.updated"
	EventUserDeleted = "user.deleted"

	// EventCreditsGranted tops up a balance, for example after a purchase.
	EventCreditsGranted = "credits.granted"
)

const maxGrant = 1_000_000

var (
	// ErrInvalidProfile is returned when a profile lacks required fields.
	ErrInvalidProfile = errors.New("account: invalid profile")
	// ErrUnsupportedEvent is returned for lifecycle events this service ignores.
	ErrUnsupportedEvent = errors.New("account: unsupported event")
	// ErrInvalidSignature is returned when a webhook signature does not verify.
	ErrInvalidSignature = errors.New("account: invalid webhook signature")
)

// Scheduler starts provisioning for a newly created user.
type Scheduler interface {
	Schedule(ctx context.Context, user *domain.User) (bool, error)
}

// Profile is the identity provider's view of a user.
type Profile struct {
	Identity string `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username"`
	// Credits is only read for credits.granted.
	Credits int64 `json:"credits,omitempty"`
}

// Event is one lifecycle notification.
type Event struct {
	Type string  `json:"type"`
	Data Profile `json:"data"`
}

// Service keeps the ledger's user records in step with the identity provider.
type Service struct {
	users          repository.UserRepository
	scheduler      Scheduler
	logger         *slog.Logger
	initialBalance int64
	webhookSecret  []byte
	now            func() time.Time
}

// New constructs an account service.
func New(users repository.UserRepository, scheduler Scheduler, logger *slog.Logger, cfg config.Config) Service {
	return Service{
		users:          users,
		scheduler:      scheduler,
		logger:         logger.With("component", "account"),
		initialBalance: cfg.InitialCreditBalance,
		webhookSecret:  []byte(cfg.AccountWebhookSecret),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Create records a new user and schedules provisioning. An identity that
// already exists is updated in place and returned.
func (s Service) Create(ctx context.Context, profile Profile) (*domain.User, error) {
	profile, err := normalize(profile)
	if err != nil {
		return nil, err
	}
	if profile.Email == "" {
		return nil, fmt.Errorf("%w: email is required", ErrInvalidProfile)
	}
	now := s.now()
	user := &domain.User{
		ID:                 uuid.NewString(),
		ExternalIdentity:   profile.Identity,
		Email:              profile.Email,
		Username:           profile.Username,
		CreditBalance:      s.initialBalance,
		ProvisioningStatus: domain.ProvisioningUnprovisioned,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if !errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("create user: %w", err)
		}
		s.logger.Info("user already exists, updating profile", "identity", profile.Identity)
		existing, err := s.users.UpdateProfile(ctx, profile.Identity, domain.ProfileUpdate{Email: profile.Email, Username: profile.Username})
		if err != nil {
			return nil, fmt.Errorf("update existing user: %w", err)
		}
		user = existing
	} else {
		s.logger.Info("user created", "user_id", user.ID, "identity", user.ExternalIdentity)
	}

	if user.ProvisioningStatus == domain.ProvisioningUnprovisioned && s.scheduler != nil {
		if _, err := s.scheduler.Schedule(ctx, user); err != nil {
			s.logger.Error("failed to schedule provisioning", "user_id", user.ID, "error", err)
		}
	}
	return s.users.GetUserByID(ctx, user.ID)
}

// Update applies profile changes to an existing user.
func (s Service) Update(ctx context.Context, profile Profile) (*domain.User, error) {
	profile, err := normalize(profile)
	if err != nil {
		return nil, err
	}
	return s.users.UpdateProfile(ctx, profile.Identity, domain.ProfileUpdate{Email: profile.Email, Username: profile.Username})
}

// Delete removes a user and their submission history.
func (s Service) Delete(ctx context.Context, identity string) error {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return fmt.Errorf("%w: identity is required", ErrInvalidProfile)
	}
	if err := s.users.DeleteUser(ctx, identity); err != nil {
		return err
	}
	s.logger.Info("user deleted", "identity", identity)
	return nil
}

// Grant adds amount credits to the user's balance in one atomic increment.
func (s Service) Grant(ctx context.Context, identity string, amount int64) (*domain.User, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, fmt.Errorf("%w: identity is required", ErrInvalidProfile)
	}
	if amount <= 0 || amount > maxGrant {
		return nil, fmt.Errorf("%w: credits must be between 1 and %d", ErrInvalidProfile, maxGrant)
	}
	user, err := s.users.GetUserByIdentity(ctx, identity)
	if err != nil {
		return nil, err
	}
	updated, err := s.users.AdjustBalance(ctx, user.ID, amount)
	if err != nil {
		return nil, fmt.Errorf("grant credits: %w", err)
	}
	s.logger.Info("credits granted", "user_id", user.ID, "amount", amount, "balance", updated.CreditBalance)
	return updated, nil
}

// Get returns the user for identity.
func (s Service) Get(ctx context.Context, identity string) (*domain.User, error) {
	return s.users.GetUserByIdentity(ctx, identity)
}

// HandleEvent dispatches a lifecycle event. The returned user is nil for deletions.
func (s Service) HandleEvent(ctx context.Context, evt Event) (*domain.User, error) {
	switch evt.Type {
	case EventUserCreated:
		return s.Create(ctx, evt.Data)
	case EventUserUpdated:
		return s.Update(ctx, evt.Data)
	case EventUserDeleted:
		return nil, s.Delete(ctx, evt.Data.Identity)
	case EventCreditsGranted:
		return s.Grant(ctx, evt.Data.Identity, evt.Data.Credits)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEvent, evt.Type)
	}
}

// ValidateSignature checks the hex HMAC-SHA256 of payload.
func (s Service) ValidateSignature(payload []byte, provided string) error {
	if len(s.webhookSecret) == 0 {
		return fmt.Errorf("%w: no webhook secret configured", ErrInvalidSignature)
	}
	provided = strings.TrimPrefix(strings.TrimSpace(provided), "sha256=")
	if provided == "" {
		return fmt.Errorf("%w: missing signature", ErrInvalidSignature)
	}
	if !hmac.Equal([]byte(provided), []byte(Sign(payload, s.webhookSecret))) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload, secret []byte) string {
	hasher := hmac.New(sha256.New, secret)
	hasher.Write(payload)
	return hex.EncodeToString(hasher.Sum(nil))
}

func normalize(p Profile) (Profile, error) {
	p.Identity = strings.TrimSpace(p.Identity)
	p.Email = strings.ToLower(strings.TrimSpace(p.Email))
	p.Username = strings.TrimSpace(p.Username)
	if p.Identity == "" {
		return p, fmt.Errorf("%w: identity is required", ErrInvalidProfile)
	}
	return p, nil
}
