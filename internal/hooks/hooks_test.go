package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/sendzone/sendzoned/internal/envelope"
)

func TestBus_RunOrderAndPriority(t *testing.T) {
	b := NewBus()
	var order []string

	b.OnPriority(SMTPRcptTo, 10, func(ctx context.Context, env *envelope.Envelope) error {
		order = append(order, "second")
		return nil
	})
	b.OnPriority(SMTPRcptTo, 0, func(ctx context.Context, env *envelope.Envelope) error {
		order = append(order, "first")
		return nil
	})

	if err := b.Run(context.Background(), SMTPRcptTo, &envelope.Envelope{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("unexpected order: %v", order)
	}
}

func TestBus_RunShortCircuitsOnError(t *testing.T) {
	b := NewBus()
	ran := 0

	b.On(SMTPMailFrom, func(ctx context.Context, env *envelope.Envelope) error {
		ran++
		return errors.New("boom")
	})
	b.On(SMTPMailFrom, func(ctx context.Context, env *envelope.Envelope) error {
		ran++
		return nil
	})

	err := b.Run(context.Background(), SMTPMailFrom, &envelope.Envelope{})
	if err == nil {
		t.Fatal("expected error")
	}
	if ran != 1 {
		t.Fatalf("expected only the first callback to run, ran=%d", ran)
	}
}

func TestBus_SplitterNilWhenNoHooksRegistered(t *testing.T) {
	b := NewBus()
	if s := b.Splitter(); s != nil {
		t.Fatalf("expected nil Splitter with no rewrite/stream hooks, got %+v", s)
	}
}

type fakeAnalyzer struct{ suffix []byte }

func (f fakeAnalyzer) Analyze(ctx context.Context, env *envelope.Envelope, src []byte) ([]byte, error) {
	return append(append([]byte{}, src...), f.suffix...), nil
}

func TestBus_RunAnalyzersChains(t *testing.T) {
	b := NewBus()
	b.AddAnalyzer(fakeAnalyzer{suffix: []byte("A")})
	b.AddAnalyzer(fakeAnalyzer{suffix: []byte("B")})

	out, err := b.RunAnalyzers(context.Background(), &envelope.Envelope{}, []byte("x"))
	if err != nil {
		t.Fatalf("RunAnalyzers: %v", err)
	}
	if string(out) != "xAB" {
		t.Fatalf("got %q, want %q", out, "xAB")
	}
}
