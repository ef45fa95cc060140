package maildrop

import (
	"context"
	"strings"
	"testing"

	"github.com/sendzone/sendzoned/internal/envelope"
	"github.com/sendzone/sendzoned/internal/hooks"
	"github.com/sendzone/sendzoned/internal/pipeline/dkimhash"
	"github.com/sendzone/sendzoned/internal/queue"
	"github.com/sendzone/sendzoned/internal/router"
)

func newTestDrop(t *testing.T) (*Drop, *queue.Memory) {
	t.Helper()
	backend := queue.NewMemory()
	t.Cleanup(backend.Close)
	d := &Drop{
		Backend:  backend,
		Router:   router.Tables{Default: "default"},
		NextID:   backend.NextID,
		DKIMAlgo: "sha256",
	}
	return d, backend
}

const sampleMessage = "From: sender@example.com\r\n" +
	"To: rcpt@example.com\r\n" +
	"Subject: hello\r\n" +
	"\r\n" +
	"body text\r\n"

func TestDrop_AddStoresAndQueues(t *testing.T) {
	d, backend := newTestDrop(t)
	env := &envelope.Envelope{From: "sender@example.com", To: []string{"rcpt@example.com"}}

	if err := d.Add(context.Background(), env, strings.NewReader(sampleMessage)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.ID == "" {
		t.Fatal("expected Add to assign an envelope ID")
	}
	if env.DKIM.BodyHash == "" {
		t.Fatal("expected Add to compute a DKIM body hash")
	}
	if env.BodySize == 0 {
		t.Fatal("expected Add to record the stored body size")
	}

	body, err := backend.Open(context.Background(), env.ID)
	if err != nil {
		t.Fatalf("expected the message body to be retrievable: %v", err)
	}
	body.Close()

	_, _, ok, err := backend.Shift(context.Background(), "default")
	if err != nil {
		t.Fatalf("unexpected shift error: %v", err)
	}
	if !ok {
		t.Fatal("expected a delivery to be ready on the default zone")
	}
}

func TestDrop_AddCapturesHeaders(t *testing.T) {
	d, _ := newTestDrop(t)
	env := &envelope.Envelope{From: "sender@example.com", To: []string{"rcpt@example.com"}}

	if err := d.Add(context.Background(), env, strings.NewReader(sampleMessage)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Headers == nil {
		t.Fatal("expected Add to capture the parsed header snapshot")
	}
	if got := env.Headers.Get("Subject"); got != "hello" {
		t.Fatalf("expected Subject header to be captured, got %q", got)
	}
}

func TestDrop_AddRunsRouterPerRecipient(t *testing.T) {
	d, _ := newTestDrop(t)
	d.Router = router.Tables{
		RecipientDomain: map[string]string{"example.com": "zone-a", "example.net": "zone-b"},
	}
	env := &envelope.Envelope{
		From: "sender@example.com",
		To:   []string{"one@example.com", "two@example.net"},
	}

	if err := d.Add(context.Background(), env, strings.NewReader(sampleMessage)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDrop_AddRunsAnalyzerHooks(t *testing.T) {
	d, _ := newTestDrop(t)
	bus := hooks.NewBus()
	bus.AddAnalyzer(analyzerFunc(func(ctx context.Context, env *envelope.Envelope, src []byte) ([]byte, error) {
		return append(src, []byte("appended-by-analyzer")...), nil
	}))
	d.Bus = bus

	env := &envelope.Envelope{From: "sender@example.com", To: []string{"rcpt@example.com"}}
	if err := d.Add(context.Background(), env, strings.NewReader(sampleMessage)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDrop_AddTearsDownOnQueueFailure(t *testing.T) {
	d, backend := newTestDrop(t)
	bus := hooks.NewBus()
	bus.On(hooks.MessageQueue, func(ctx context.Context, env *envelope.Envelope) error {
		return errQueueRejected
	})
	d.Bus = bus

	env := &envelope.Envelope{From: "sender@example.com", To: []string{"rcpt@example.com"}}
	if err := d.Add(context.Background(), env, strings.NewReader(sampleMessage)); err == nil {
		t.Fatal("expected the queue-hook failure to propagate")
	}

	if _, err := backend.Open(context.Background(), env.ID); err == nil {
		t.Fatal("expected the stored body to be removed after teardown")
	}
}

func TestDrop_AddTearsDownOnAnalyzerFailure(t *testing.T) {
	d, backend := newTestDrop(t)
	bus := hooks.NewBus()
	bus.AddAnalyzer(analyzerFunc(func(ctx context.Context, env *envelope.Envelope, src []byte) ([]byte, error) {
		return nil, errQueueRejected
	}))
	d.Bus = bus

	env := &envelope.Envelope{From: "sender@example.com", To: []string{"rcpt@example.com"}}
	if err := d.Add(context.Background(), env, strings.NewReader(sampleMessage)); err == nil {
		t.Fatal("expected the analyzer failure to propagate")
	}
	if env.ID == "" {
		t.Fatal("expected Add to have assigned an envelope ID before failing")
	}
	if _, err := backend.Open(context.Background(), env.ID); err == nil {
		t.Fatal("expected no stored body to remain after a pre-store failure")
	}
}

func TestDrop_BodyHashExcludesHeaders(t *testing.T) {
	d, _ := newTestDrop(t)
	env := &envelope.Envelope{From: "sender@example.com", To: []string{"rcpt@example.com"}}
	msg := "Subject: t\r\n\r\nhello\r\n"

	if err := d.Add(context.Background(), env, strings.NewReader(msg)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	hasher, err := dkimhash.New("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	hasher.Write([]byte("hello\r\n"))
	want := hasher.Sum()

	if env.DKIM.BodyHash != want {
		t.Fatalf("BodyHash = %q, want %q (body-only hash, not headers+body)", env.DKIM.BodyHash, want)
	}
}

var errQueueRejected = &testError{"queue hook rejected the message"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

type analyzerFunc func(ctx context.Context, env *envelope.Envelope, src []byte) ([]byte, error)

func (f analyzerFunc) Analyze(ctx context.Context, env *envelope.Envelope, src []byte) ([]byte, error) {
	return f(ctx, env, src)
}
