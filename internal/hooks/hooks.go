// Package hooks implements the Plugin Hook Bus (spec.md §4.6): ordered
// named-event callbacks plus the three stream-transform hook classes
// (analyzer, rewrite, stream) that Mail Drop wires into its pipeline. This
// supersedes the small shutdown/reload/log-rotate registry the teacher kept
// at this import path; that registry is not carried in this tree.
package hooks

import (
	"context"
	"sort"
	"sync"

	"github.com/sendzone/sendzoned/internal/envelope"
	"github.com/sendzone/sendzoned/internal/pipeline"
)

// Name identifies a named hook point (spec.md §4.6).
type Name string

const (
	SMTPConnect    Name = "smtp:connect"
	SMTPMailFrom   Name = "smtp:mail_from"
	SMTPRcptTo     Name = "smtp:rcpt_to"
	SMTPAuth       Name = "smtp:auth"
	SMTPData       Name = "smtp:data"
	MessageHeaders Name = "message:headers"
	MessageStore   Name = "message:store"
	MessageQueue   Name = "message:queue"
	LogEntry       Name = "log:entry"
)

// Callback is one ordered named-hook entry. ctx carries cancellation/timeout
// from the calling SMTP session; env is the in-flight envelope, mutable by
// the callback. A non-nil error short-circuits the remaining callbacks for
// this event.
type Callback func(ctx context.Context, env *envelope.Envelope) error

// AnalyzerHook mutates the raw byte stream before MIME splitting (spec.md
// §4.6: "stream transforms from source to raw... freely mutating
// passthroughs").
type AnalyzerHook interface {
	Analyze(ctx context.Context, env *envelope.Envelope, src []byte) ([]byte, error)
}

// registration pairs a Callback with the priority it was registered at, so
// Bus.Run can offer a stable, operator-controllable ordering without forcing
// registration order to be registration-call order.
type registration struct {
	priority int
	seq      int
	cb       Callback
}

// Bus is the process-wide hook registry. The zero value is ready to use.
type Bus struct {
	mu       sync.RWMutex
	named    map[Name][]registration
	seq      int
	analyzer []AnalyzerHook
	rewrite  []pipeline.RewriteHook
	stream   []pipeline.StreamHook
}

// NewBus returns an empty, ready-to-register Bus.
func NewBus() *Bus {
	return &Bus{named: make(map[Name][]registration)}
}

// On registers cb for name at the default priority (0). Hooks at equal
// priority run in registration order.
func (b *Bus) On(name Name, cb Callback) {
	b.OnPriority(name, 0, cb)
}

// OnPriority registers cb for name, run in ascending priority order.
func (b *Bus) OnPriority(name Name, priority int, cb Callback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	b.named[name] = append(b.named[name], registration{priority: priority, seq: b.seq, cb: cb})
	sort.SliceStable(b.named[name], func(i, j int) bool {
		return b.named[name][i].priority < b.named[name][j].priority
	})
}

// Run invokes every callback registered for name, in priority order,
// stopping at the first error (spec.md §4.6: "invoked sequentially; first
// error short-circuits").
func (b *Bus) Run(ctx context.Context, name Name, env *envelope.Envelope) error {
	b.mu.RLock()
	regs := make([]registration, len(b.named[name]))
	copy(regs, b.named[name])
	b.mu.RUnlock()

	for _, r := range regs {
		if err := r.cb(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

// AddAnalyzer registers a stream analyzer, run in registration order.
func (b *Bus) AddAnalyzer(h AnalyzerHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.analyzer = append(b.analyzer, h)
}

// RunAnalyzers feeds src through every registered analyzer in turn.
func (b *Bus) RunAnalyzers(ctx context.Context, env *envelope.Envelope, src []byte) ([]byte, error) {
	b.mu.RLock()
	hs := make([]AnalyzerHook, len(b.analyzer))
	copy(hs, b.analyzer)
	b.mu.RUnlock()

	out := src
	for _, h := range hs {
		var err error
		out, err = h.Analyze(ctx, env, out)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// AddRewrite registers a per-MIME-node rewrite hook with the bus so it is
// picked up by Splitter (spec.md §4.6).
func (b *Bus) AddRewrite(h pipeline.RewriteHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rewrite = append(b.rewrite, h)
}

// AddStream registers a per-node read-only observer.
func (b *Bus) AddStream(h pipeline.StreamHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stream = append(b.stream, h)
}

// Splitter returns a pipeline.Splitter configured with every rewrite/stream
// hook registered so far. Returns nil if none are registered, signaling
// callers (Mail Drop) to use the cheaper Parser pass-through instead.
func (b *Bus) Splitter() *pipeline.Splitter {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.rewrite) == 0 && len(b.stream) == 0 {
		return nil
	}
	s := &pipeline.Splitter{
		Rewrite: make([]pipeline.RewriteHook, len(b.rewrite)),
		Stream:  make([]pipeline.StreamHook, len(b.stream)),
	}
	copy(s.Rewrite, b.rewrite)
	copy(s.Stream, b.stream)
	return s
}
