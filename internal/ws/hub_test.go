package ws

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingSubscriber struct {
	mu       sync.Mutex
	payloads []string
	fail     bool
	closed   bool
}

func (r *recordingSubscriber) Send(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("gone")
	}
	r.payloads = append(r.payloads, string(p))
	return nil
}

func (r *recordingSubscriber) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

func (r *recordingSubscriber) snapshot() ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.payloads...), r.closed
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met")
}

func TestHubDeliversByTopic(t *testing.T) {
	hub := NewHub()
	defer hub.Stop()

	mine := &recordingSubscriber{}
	other := &recordingSubscriber{}
	hub.Register("user-1", mine)
	hub.Register("user-2", other)

	hub.Broadcast(context.Background(), "user-1", []byte("hello"))

	waitFor(t, func() bool {
		got, _ := mine.snapshot()
		return len(got) == 1
	})
	if got, _ := other.snapshot(); len(got) != 0 {
		t.Fatalf("other topic received %v", got)
	}
}

func TestHubDropsFailingSubscribers(t *testing.T) {
	hub := NewHub()
	defer hub.Stop()

	broken := &recordingSubscriber{fail: true}
	hub.Register("user-1", broken)
	if n := hub.Subscribers("user-1"); n != 1 {
		t.Fatalf("expected one subscriber, got %d", n)
	}

	hub.Broadcast(context.Background(), "user-1", []byte("x"))
	waitFor(t, func() bool { return hub.Subscribers("user-1") == 0 })
	if _, closed := broken.snapshot(); !closed {
		t.Fatalf("expected failing subscriber to be closed")
	}
}

func TestHubStopClosesSubscribers(t *testing.T) {
	hub := NewHub()
	sub := &recordingSubscriber{}
	hub.Register("user-1", sub)
	hub.Stop()

	waitFor(t, func() bool {
		_, closed := sub.snapshot()
		return closed
	})
	hub.Broadcast(context.Background(), "user-1", []byte("after stop"))
	if n := hub.Subscribers("user-1"); n != 0 {
		t.Fatalf("expected no subscribers after stop, got %d", n)
	}
}

func TestSSEClientFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	client := NewSSEClient(rec, rec, "provisioning", slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := client.Send([]byte(`{"status":"completed"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := client.Heartbeat(); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: provisioning\ndata: {\"status\":\"completed\"}\n\n") {
		t.Fatalf("unexpected frame %q", body)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte(": ping")) {
		t.Fatalf("missing heartbeat in %q", body)
	}

	client.Close()
	select {
	case <-client.Done():
	default:
		t.Fatalf("expected done channel closed")
	}
	if err := client.Send([]byte("late")); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after close, got %v", err)
	}
}

func TestDeferredHoldsBroadcastsUntilRelease(t *testing.T) {
	hub := NewHub()
	defer hub.Stop()

	sub := &recordingSubscriber{}
	held := NewDeferred(sub)
	hub.Register("user-1", held)
	hub.Broadcast(context.Background(), "user-1", []byte("completed"))

	waitFor(t, func() bool {
		held.mu.Lock()
		defer held.mu.Unlock()
		return len(held.pending) == 1
	})
	if got, _ := sub.snapshot(); len(got) != 0 {
		t.Fatalf("expected nothing delivered before release, got %v", got)
	}

	if err := held.Release([]byte("snapshot")); err != nil {
		t.Fatalf("release: %v", err)
	}
	hub.Broadcast(context.Background(), "user-1", []byte("later"))
	waitFor(t, func() bool {
		got, _ := sub.snapshot()
		return len(got) == 3
	})
	got, _ := sub.snapshot()
	if strings.Join(got, ",") != "snapshot,completed,later" {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestDeferredOverflowAndClose(t *testing.T) {
	sub := &recordingSubscriber{}
	held := NewDeferred(sub)
	for i := 0; i < maxDeferred; i++ {
		if err := held.Send([]byte("x")); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if err := held.Send([]byte("x")); !errors.Is(err, ErrDeferredOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}

	held.Close()
	if _, closed := sub.snapshot(); !closed {
		t.Fatalf("expected wrapped subscriber closed")
	}
	if err := held.Send([]byte("late")); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after close, got %v", err)
	}
}
