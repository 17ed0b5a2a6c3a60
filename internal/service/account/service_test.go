package account

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/splax/sheetledger/internal/domain"
	"github.com/splax/sheetledger/internal/repository"
	"github.com/splax/sheetledger/internal/repository/memory"
	"github.com/splax/sheetledger/pkg/config"
)

type schedulerStub struct {
	scheduled []string
	err       error
}

func (s *schedulerStub) Schedule(_ context.Context, user *domain.User) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	s.scheduled = append(s.scheduled, user.ID)
	return true, nil
}

func newService(store repository.UserRepository, scheduler Scheduler) Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, scheduler, logger, config.Config{InitialCreditBalance: 10, AccountWebhookSecret: "topsecret"})
}

func TestCreateSchedulesProvisioning(t *testing.T) {
	store := memory.New()
	scheduler := &schedulerStub{}
	svc := newService(store, scheduler)

	user, err := svc.Create(context.Background(), Profile{Identity: "ext-1", Email: " Ada@Example.com "})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if user.CreditBalance != 10 {
		t.Fatalf("expected initial balance 10, got %d", user.CreditBalance)
	}
	if user.Email != "ada@example.com" {
		t.Fatalf("expected normalized email, got %q", user.Email)
	}
	if len(scheduler.scheduled) != 1 || scheduler.scheduled[0] != user.ID {
		t.Fatalf("expected provisioning scheduled for %s, got %v", user.ID, scheduler.scheduled)
	}
}

func TestCreateIsIdempotentUpsert(t *testing.T) {
	store := memory.New()
	scheduler := &schedulerStub{}
	svc := newService(store, scheduler)
	ctx := context.Background()

	first, err := svc.Create(ctx, Profile{Identity: "ext-1", Email: "a@example.com"})
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := store.SetProvisioning(ctx, first.ID, domain.ProvisioningUpdate{Status: domain.ProvisioningPending}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	second, err := svc.Create(ctx, Profile{Identity: "ext-1", Email: "b@example.com", Username: "bee"})
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected same user, got %s and %s", first.ID, second.ID)
	}
	if second.Email != "b@example.com" || second.Username != "bee" {
		t.Fatalf("profile not updated: %+v", second)
	}
	if len(scheduler.scheduled) != 1 {
		t.Fatalf("expected a single scheduling, got %v", scheduler.scheduled)
	}
}

func TestCreateSurvivesSchedulingFailure(t *testing.T) {
	svc := newService(memory.New(), &schedulerStub{err: errors.New("queue full")})
	if _, err := svc.Create(context.Background(), Profile{Identity: "ext-1", Email: "a@example.com"}); err != nil {
		t.Fatalf("create should not fail on scheduling errors: %v", err)
	}
}

func TestCreateValidatesProfile(t *testing.T) {
	svc := newService(memory.New(), nil)
	if _, err := svc.Create(context.Background(), Profile{Email: "a@example.com"}); !errors.Is(err, ErrInvalidProfile) {
		t.Fatalf("expected ErrInvalidProfile for missing identity, got %v", err)
	}
	if _, err := svc.Create(context.Background(), Profile{Identity: "ext-1"}); !errors.Is(err, ErrInvalidProfile) {
		t.Fatalf("expected ErrInvalidProfile for missing email, got %v", err)
	}
}

func TestHandleEventLifecycle(t *testing.T) {
	store := memory.New()
	svc := newService(store, nil)
	ctx := context.Background()

	if _, err := svc.HandleEvent(ctx, Event{Type: EventUserCreated, Data: Profile{Identity: "ext-1", Email: "a@example.com"}}); err != nil {
		t.Fatalf("created: %v", err)
	}
	updated, err := svc.HandleEvent(ctx, Event{Type: EventUserUpdated, Data: Profile{Identity: "ext-1", Username: "ada"}})
	if err != nil {
		t.Fatalf("updated: %v", err)
	}
	if updated.Username != "ada" || updated.Email != "a@example.com" {
		t.Fatalf("unexpected update result %+v", updated)
	}
	if _, err := svc.HandleEvent(ctx, Event{Type: EventUserDeleted, Data: Profile{Identity: "ext-1"}}); err != nil {
		t.Fatalf("deleted: %v", err)
	}
	if _, err := svc.Get(ctx, "ext-1"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if _, err := svc.HandleEvent(ctx, Event{Type: "session.created"}); !errors.Is(err, ErrUnsupportedEvent) {
		t.Fatalf("expected ErrUnsupportedEvent, got %v", err)
	}
}

func TestGrantCredits(t *testing.T) {
	store := memory.New()
	svc := newService(store, nil)
	ctx := context.Background()
	if _, err := svc.Create(ctx, Profile{Identity: "ext-1", Email: "a@example.com"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	user, err := svc.HandleEvent(ctx, Event{Type: EventCreditsGranted, Data: Profile{Identity: "ext-1", Credits: 25}})
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if user.CreditBalance != 35 {
		t.Fatalf("expected balance 35, got %d", user.CreditBalance)
	}

	for _, amount := range []int64{0, -5, maxGrant + 1} {
		if _, err := svc.Grant(ctx, "ext-1", amount); !errors.Is(err, ErrInvalidProfile) {
			t.Fatalf("amount %d: expected ErrInvalidProfile, got %v", amount, err)
		}
	}
	if _, err := svc.Grant(ctx, "ext-missing", 5); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if got, _ := svc.Get(ctx, "ext-1"); got.CreditBalance != 35 {
		t.Fatalf("rejected grants must not touch the balance, got %d", got.CreditBalance)
	}
}

func TestValidateSignature(t *testing.T) {
	svc := newService(memory.New(), nil)
	payload := []byte(`{"type":"user.created"}`)
	sig := Sign(payload, []byte("topsecret"))

	if err := svc.ValidateSignature(payload, sig); err != nil {
		t.Fatalf("expected signature to validate: %v", err)
	}
	if err := svc.ValidateSignature(payload, "sha256="+sig); err != nil {
		t.Fatalf("expected prefixed signature to validate: %v", err)
	}
	if err := svc.ValidateSignature(payload, ""); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected missing signature error, got %v", err)
	}
	if err := svc.ValidateSignature([]byte("tampered"), sig); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected invalid signature error, got %v", err)
	}
}
