// Package queue defines the Queue collaborator (spec.md §2 data flow,
// §4.7, §4.9) that Mail Drop stores messages into and the Sending Zone
// dequeues deliveries from, plus an in-memory reference implementation
// suitable for tests and small deployments. A durable, crash-safe on-disk
// backend is out of scope (spec.md §1 Non-goals); this package only fixes
// the shape every such backend must satisfy.
package queue

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sendzone/sendzoned/internal/envelope"
)

// RouteFunc assigns a Sending Zone name to one recipient of env (spec.md
// §4.10, implemented by internal/router).
type RouteFunc func(env *envelope.Envelope, recipient string) string

// Backend is the storage/scheduling collaborator Mail Drop and the Sending
// Zone operate against. Every method must be safe for concurrent use.
type Backend interface {
	// Store persists body under id, readable later via Open.
	Store(ctx context.Context, id string, body io.Reader) error
	// Open returns the stored body for id.
	Open(ctx context.Context, id string) (io.ReadCloser, error)
	// SetMeta persists env's metadata under env.ID.
	SetMeta(ctx context.Context, env *envelope.Envelope) error
	// Push fans env out into one Delivery per recipient, routes each via
	// route, and makes every Delivery eligible for Shift immediately.
	Push(ctx context.Context, env *envelope.Envelope, route RouteFunc) ([]*envelope.Delivery, error)
	// Shift returns the next ready (non-deferred) Delivery queued for zone,
	// removing it from the ready set. ok is false if none is ready.
	Shift(ctx context.Context, zone string) (d *envelope.Delivery, env *envelope.Envelope, ok bool, err error)
	// DeferDelivery reschedules d for a later attempt at until, incrementing
	// d.Attempts.
	DeferDelivery(ctx context.Context, zone string, d *envelope.Delivery, until time.Time) error
	// ReleaseDelivery returns d to the ready set for zone without altering
	// its attempt count (used after a transient dequeue that didn't lead to
	// an attempt, e.g. a worker crash).
	ReleaseDelivery(ctx context.Context, zone string, d *envelope.Delivery) error
	// RemoveMessage deletes id's body, metadata, and any remaining
	// Deliveries, e.g. on bounce or Mail Drop failure teardown.
	RemoveMessage(ctx context.Context, id string) error
}

// Memory is an in-memory Backend. Deliveries are tracked per zone; deferred
// deliveries are scheduled via a deferralWheel that moves them back to the
// ready set once their NextAttempt arrives.
type Memory struct {
	mu sync.Mutex

	nextID int64

	bodies map[string][]byte
	meta   map[string]*envelope.Envelope

	ready    map[string][]*envelope.Delivery // zone -> FIFO ready deliveries
	deferred map[string]map[*envelope.Delivery]struct{}

	wheel *deferralWheel
}

// NewMemory returns a ready-to-use in-memory Backend.
func NewMemory() *Memory {
	m := &Memory{
		bodies:   make(map[string][]byte),
		meta:     make(map[string]*envelope.Envelope),
		ready:    make(map[string][]*envelope.Delivery),
		deferred: make(map[string]map[*envelope.Delivery]struct{}),
	}
	m.wheel = newDeferralWheel(m.onDeferElapsed)
	return m
}

// Close stops the backend's internal scheduler. Safe to call once.
func (m *Memory) Close() { m.wheel.Close() }

func (m *Memory) onDeferElapsed(slot deferredSlot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.deferred[slot.zone]
	if !ok {
		return
	}
	if _, pending := set[slot.d]; !pending {
		// Dropped by RemoveMessage while it waited.
		return
	}
	delete(set, slot.d)
	m.ready[slot.zone] = append(m.ready[slot.zone], slot.d)
}

// NextID assigns an opaque, monotonic envelope ID (spec.md §4.7 step 1).
func (m *Memory) NextID() string {
	n := atomic.AddInt64(&m.nextID, 1)
	return fmt.Sprintf("%d", n)
}

func (m *Memory) Store(ctx context.Context, id string, body io.Reader) error {
	b, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.bodies[id] = b
	m.mu.Unlock()
	return nil
}

// messageBody wraps a *bytes.Reader with a no-op Close, keeping the
// embedded ReadAt method in the returned value's method set: io.NopCloser
// only preserves io.WriterTo this way, not io.ReaderAt, which the Sending
// Zone needs to seek the stored body for retries without copying it.
type messageBody struct {
	*bytes.Reader
}

func (messageBody) Close() error { return nil }

func (m *Memory) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	m.mu.Lock()
	b, ok := m.bodies[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("queue: no such message %q", id)
	}
	return messageBody{bytes.NewReader(b)}, nil
}

func (m *Memory) SetMeta(ctx context.Context, env *envelope.Envelope) error {
	m.mu.Lock()
	m.meta[env.ID] = env
	m.mu.Unlock()
	return nil
}

func (m *Memory) Push(ctx context.Context, env *envelope.Envelope, route RouteFunc) ([]*envelope.Delivery, error) {
	deliveries := make([]*envelope.Delivery, 0, len(env.To))

	m.mu.Lock()
	defer m.mu.Unlock()
	for i, rcpt := range env.To {
		zone := route(env, rcpt)
		d := &envelope.Delivery{
			EnvelopeID: env.ID,
			Recipient:  rcpt,
			Domain:     domainOf(rcpt),
			Seq:        i + 1,
		}
		m.ready[zone] = append(m.ready[zone], d)
		deliveries = append(deliveries, d)
	}
	return deliveries, nil
}

func (m *Memory) Shift(ctx context.Context, zone string) (*envelope.Delivery, *envelope.Envelope, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.ready[zone]
	if len(q) == 0 {
		return nil, nil, false, nil
	}
	d := q[0]
	m.ready[zone] = q[1:]
	return d, m.meta[d.EnvelopeID], true, nil
}

func (m *Memory) DeferDelivery(ctx context.Context, zone string, d *envelope.Delivery, until time.Time) error {
	d.Attempts++
	d.NextAttempt = until

	m.mu.Lock()
	if m.deferred[zone] == nil {
		m.deferred[zone] = make(map[*envelope.Delivery]struct{})
	}
	m.deferred[zone][d] = struct{}{}
	m.mu.Unlock()

	m.wheel.Add(deferredSlot{At: until, zone: zone, d: d})
	return nil
}

func (m *Memory) ReleaseDelivery(ctx context.Context, zone string, d *envelope.Delivery) error {
	m.mu.Lock()
	m.ready[zone] = append(m.ready[zone], d)
	m.mu.Unlock()
	return nil
}

func (m *Memory) RemoveMessage(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bodies, id)
	delete(m.meta, id)
	for zone, q := range m.ready {
		filtered := q[:0]
		for _, d := range q {
			if d.EnvelopeID != id {
				filtered = append(filtered, d)
			}
		}
		m.ready[zone] = filtered
	}
	for zone, set := range m.deferred {
		for d := range set {
			if d.EnvelopeID == id {
				delete(m.deferred[zone], d)
			}
		}
	}
	return nil
}

func domainOf(addr string) string {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == '@' {
			return addr[i+1:]
		}
	}
	return ""
}
