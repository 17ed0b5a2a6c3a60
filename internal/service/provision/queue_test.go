package provision

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestQueueRunsJobs(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	done := make(chan struct{}, 3)
	q := NewQueue(func(_ context.Context, job Job) error {
		mu.Lock()
		seen = append(seen, job.UserID)
		mu.Unlock()
		done <- struct{}{}
		return nil
	}, nil, 2, 8, discardLogger())

	q.Start(context.Background())
	for _, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(Job{UserID: id}); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for job %d", i)
		}
	}
	q.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 {
		t.Fatalf("expected 3 jobs, got %v", seen)
	}
}

func TestQueueRejectsWhenFull(t *testing.T) {
	q := NewQueue(func(context.Context, Job) error { return nil }, nil, 1, 1, discardLogger())

	if err := q.Enqueue(Job{UserID: "a"}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := q.Enqueue(Job{UserID: "b"}); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	q.Stop()
	if err := q.Enqueue(Job{UserID: "c"}); err != ErrQueueClosed {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
}

func TestQueueDeduplicatesUser(t *testing.T) {
	release := make(chan struct{})
	var runs atomic.Int32
	q := NewQueue(func(context.Context, Job) error {
		runs.Add(1)
		<-release
		return nil
	}, nil, 1, 4, discardLogger())

	if err := q.Enqueue(Job{UserID: "a"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(Job{UserID: "a"}); err != nil {
		t.Fatalf("duplicate enqueue: %v", err)
	}
	if !q.InFlight("a") {
		t.Fatalf("expected user a in flight")
	}
	if got := q.InFlightUsers(); len(got) != 1 || got[0] != "a" {
		t.Fatalf("expected [a] in flight, got %v", got)
	}
	q.Start(context.Background())
	close(release)
	q.Stop()

	if got := runs.Load(); got != 1 {
		t.Fatalf("expected a single run, got %d", got)
	}
	if q.InFlight("a") || len(q.InFlightUsers()) != 0 {
		t.Fatalf("expected in-flight entry cleared")
	}
}

func TestQueueRecoversPanics(t *testing.T) {
	failed := make(chan string, 1)
	q := NewQueue(func(context.Context, Job) error {
		panic("kaboom")
	}, func(_ context.Context, job Job, reason string) {
		failed <- job.UserID + ": " + reason
	}, 1, 1, discardLogger())

	q.Start(context.Background())
	if err := q.Enqueue(Job{UserID: "a"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case got := <-failed:
		if got != "a: provisioning panicked: kaboom" {
			t.Fatalf("unexpected failure reason %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("failure hook not invoked")
	}
	q.Stop()
}

func TestQueueWorkersExitOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := NewQueue(func(context.Context, Job) error { return nil }, nil, 3, 1, discardLogger())
	q.Start(ctx)
	cancel()
	q.Stop()
}
