package ws

import (
	"errors"
	"io"
	"sync"
)

const maxDeferred = 32

// ErrDeferredOverflow is returned once a held subscriber queues too many
// payloads before Release.
var ErrDeferredOverflow = errors.New("ws: deferred subscriber overflow")

// Deferred wraps a subscriber and holds broadcasts until Release. Handlers
// register it first, read the current state, then release with that snapshot
// so no broadcast between the read and the registration is missed.
type Deferred struct {
	mu      sync.Mutex
	next    Subscriber
	pending [][]byte
	live    bool
	closed  bool
}

// NewDeferred returns a held subscriber in front of next.
func NewDeferred(next Subscriber) *Deferred {
	return &Deferred{next: next}
}

// Send forwards payload once released and queues it before that.
func (d *Deferred) Send(payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.closed:
		return io.EOF
	case d.live:
		return d.next.Send(payload)
	case len(d.pending) >= maxDeferred:
		return ErrDeferredOverflow
	}
	d.pending = append(d.pending, append([]byte(nil), payload...))
	return nil
}

// Release sends first, then everything queued, then switches to pass-through.
func (d *Deferred) Release(first ...[]byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	queued := d.pending
	d.pending = nil
	d.live = true
	for _, payload := range append(first, queued...) {
		if err := d.next.Send(payload); err != nil {
			return err
		}
	}
	return nil
}

// Close drops anything queued and closes the wrapped subscriber.
func (d *Deferred) Close() {
	d.mu.Lock()
	d.closed = true
	d.pending = nil
	d.mu.Unlock()
	d.next.Close()
}
