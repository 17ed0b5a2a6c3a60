package migrate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

type indexStub struct {
	calls int
	err   error
}

func (s *indexStub) Migrate(context.Context) error {
	s.calls++
	return s.err
}

func TestNewSQLValidatesInput(t *testing.T) {
	if _, err := NewSQL("", t.TempDir(), nil); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
	if _, err := NewSQL("postgres://localhost/db", "", nil); err == nil {
		t.Fatalf("expected error for empty dir")
	}
	if _, err := NewSQL("postgres://localhost/db", "/does/not/exist", nil); err == nil {
		t.Fatalf("expected error for missing dir")
	}
	if _, err := NewSQL("postgres://localhost/db", t.TempDir(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestIndexRunnerEnsure(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	stub := &indexStub{}
	runner, err := NewIndexes(stub, log)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	if err := runner.Ensure(context.Background()); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if stub.calls != 1 {
		t.Fatalf("expected one index migration, got %d", stub.calls)
	}
	if err := runner.Down(context.Background(), 0); err == nil {
		t.Fatalf("expected rollback to be rejected")
	}

	stub.err = errors.New("boom")
	if err := runner.Ensure(context.Background()); !errors.Is(err, stub.err) {
		t.Fatalf("expected wrapped index error, got %v", err)
	}
}
