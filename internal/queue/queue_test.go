package queue

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sendzone/sendzoned/internal/envelope"
)

func TestMemory_StoreOpenRoundTrip(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	if err := m.Store(ctx, "1", strings.NewReader("hello")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	rc, err := m.Open(ctx, "1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil || string(b) != "hello" {
		t.Fatalf("got %q, %v", b, err)
	}
}

func TestMemory_OpenSatisfiesReaderAt(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	if err := m.Store(ctx, "1", strings.NewReader("hello world")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	rc, err := m.Open(ctx, "1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()

	ra, ok := rc.(io.ReaderAt)
	if !ok {
		t.Fatalf("Open result does not implement io.ReaderAt: %T", rc)
	}
	buf := make([]byte, 5)
	if n, err := ra.ReadAt(buf, 6); err != nil || string(buf[:n]) != "world" {
		t.Fatalf("ReadAt(6) = %q, %v; want %q", buf[:n], err, "world")
	}
}

func TestMemory_PushRoutesAndShiftDequeues(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	env := &envelope.Envelope{ID: "1", From: "a@example.com", To: []string{"b@example.org", "c@example.net"}}
	route := func(env *envelope.Envelope, rcpt string) string {
		if strings.HasSuffix(rcpt, "example.org") {
			return "zone-org"
		}
		return "zone-default"
	}

	deliveries, err := m.Push(ctx, env, route)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(deliveries) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(deliveries))
	}

	d, gotEnv, ok, err := m.Shift(ctx, "zone-org")
	if err != nil || !ok {
		t.Fatalf("Shift zone-org: ok=%v err=%v", ok, err)
	}
	if d.Recipient != "b@example.org" || gotEnv.ID != "1" {
		t.Fatalf("unexpected delivery: %+v", d)
	}

	if _, _, ok, _ := m.Shift(ctx, "zone-org"); ok {
		t.Fatal("expected zone-org to be drained")
	}

	d2, _, ok, err := m.Shift(ctx, "zone-default")
	if err != nil || !ok || d2.Recipient != "c@example.net" {
		t.Fatalf("unexpected zone-default shift: %+v ok=%v err=%v", d2, ok, err)
	}
}

func TestMemory_DeferDeliveryReturnsToReadyAfterElapse(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	d := &envelope.Delivery{EnvelopeID: "1", Recipient: "x@example.com"}
	if err := m.DeferDelivery(ctx, "zone-a", d, time.Now().Add(30*time.Millisecond)); err != nil {
		t.Fatalf("DeferDelivery: %v", err)
	}
	if d.Attempts != 1 {
		t.Fatalf("expected Attempts incremented, got %d", d.Attempts)
	}

	if _, _, ok, _ := m.Shift(ctx, "zone-a"); ok {
		t.Fatal("delivery should not be ready immediately after defer")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, _, ok, _ := m.Shift(ctx, "zone-a"); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("deferred delivery never became ready")
}

func TestMemory_RemoveMessagePurgesReadyDeliveries(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	env := &envelope.Envelope{ID: "1", To: []string{"a@example.com"}}
	if _, err := m.Push(ctx, env, func(*envelope.Envelope, string) string { return "zone" }); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := m.RemoveMessage(ctx, "1"); err != nil {
		t.Fatalf("RemoveMessage: %v", err)
	}
	if _, _, ok, _ := m.Shift(ctx, "zone"); ok {
		t.Fatal("expected no deliveries after RemoveMessage")
	}
}
