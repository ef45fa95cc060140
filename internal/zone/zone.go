// Package zone implements the Sending Zone (spec.md §4.9): per-named-class
// outbound dispatch — source pool, throttler, worker pool, and the
// defer/release/bounce lifecycle of an individual delivery attempt.
//
// Per spec.md §9's design note, the "parent object that owns workers" and
// the "pure routing/throttling/pool logic" are split into two types:
// Runtime (immutable once built, safe to share across workers, swapped
// atomically on reload) and Supervisor (owns the worker goroutines and
// subscribes to reload).
package zone

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sendzone/sendzoned/internal/dnsutil"
	"github.com/sendzone/sendzoned/internal/domainconfig"
	"github.com/sendzone/sendzoned/internal/envelope"
	"github.com/sendzone/sendzoned/internal/queue"
	"github.com/sendzone/sendzoned/internal/slog"
	"github.com/sendzone/sendzoned/internal/xerrors"
	"github.com/sendzone/sendzoned/internal/zone/poolexpand"
)

// State is one point in the Sending Zone lifecycle (spec.md §4.9):
// configured -> workers-spawning -> active -> drained -> closed.
type State int32

const (
	StateConfigured State = iota
	StateWorkersSpawning
	StateActive
	StateDrained
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConfigured:
		return "configured"
	case StateWorkersSpawning:
		return "workers-spawning"
	case StateActive:
		return "active"
	case StateDrained:
		return "drained"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	RespawnBackoff      = 5 * time.Second
	StartupTimeout      = 120 * time.Second
	DefaultBlacklistTTL = 6 * time.Hour
)

// Config is a Sending Zone's mutable configuration (spec.md §3 "Sending
// Zone").
type Config struct {
	Name        string
	Processes   int
	Connections int

	Pool4 []poolexpand.Entry
	Pool6 []poolexpand.Entry

	ThrottleN      int
	ThrottlePeriod time.Duration

	PoolHash PoolHashMode

	Disabled bool

	IgnoreIPv6 bool // spec.md §9 open question: forces IPv4 regardless of MX
	PreferIPv6 bool // tries v6 first, falls back to v4

	BlacklistTTL time.Duration
}

// Runtime is the immutable, swappable routing/throttling/pool state derived
// from a Config (spec.md §9). A config reload builds a new Runtime and the
// Supervisor atomically swaps the pointer its workers read through.
type Runtime struct {
	Config Config

	pool4 []string // expanded selection array
	pool6 []string

	throttler *Throttler
	domains   *domainconfig.Store
}

// NewRuntime expands cfg's weighted pools via poolexpand and builds the
// throttler. A source-IP pool is never empty (spec.md §3 invariant): a
// sentinel address is inserted if the operator configured none.
func NewRuntime(cfg Config, domains *domainconfig.Store) *Runtime {
	pool4 := poolexpand.Expand(cfg.Pool4)
	if len(pool4) == 0 {
		pool4 = []string{"0.0.0.0"}
	}
	pool6 := poolexpand.Expand(cfg.Pool6)
	if len(pool6) == 0 {
		pool6 = []string{"::"}
	}

	maxThrottleKeys := 4096
	return &Runtime{
		Config:    cfg,
		pool4:     pool4,
		pool6:     pool6,
		throttler: NewThrottler(cfg.ThrottleN, cfg.ThrottlePeriod, maxThrottleKeys),
		domains:   domains,
	}
}

// useIPv6 resolves spec.md §9's open question about ignoreIPv6/preferIPv6.
// hasV6Route reports whether the remote destination has a usable IPv6 MX;
// callers that haven't resolved that yet may pass false.
func (r *Runtime) useIPv6(hasV6Route bool) bool {
	if r.Config.IgnoreIPv6 {
		return false
	}
	if r.Config.PreferIPv6 {
		return hasV6Route
	}
	return false
}

// Select runs spec.md §4.9's getAddress against this Runtime's expanded
// pools.
func (r *Runtime) Select(env *envelope.Envelope, d *envelope.Delivery, hasV6Route bool) (addr string, poolDisabled bool) {
	return GetAddress(r.pool4, r.pool6, r.useIPv6(hasV6Route), r.Config.PoolHash, r.domains, env, d)
}

// Throttle blocks until key is admitted or ctx is done, per spec.md §4.9's
// throttling rule.
func (r *Runtime) Throttle(ctx context.Context, key string) error {
	for {
		wait, ok := r.throttler.Admit(key, time.Now())
		if ok {
			return nil
		}
		t := time.NewTimer(wait)
		select {
		case <-t.C:
			continue
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

// Supervisor owns the worker pool for one Sending Zone: spawning, 5s-backoff
// respawn on unexpected exit, 120s startup-ack timeout, and Runtime swaps
// through Reload (spec.md §4.9 "Configuration reload").
type Supervisor struct {
	runtime atomic.Pointer[Runtime]

	Backend    queue.Backend
	Attempter  Attempter
	Log        slog.Logger
	MaxRetries int
	RetryBase  time.Duration

	// Resolver resolves a recipient domain's MX hosts and checks for a
	// usable IPv6 route (spec.md §4.9, §9 ignoreIPv6/preferIPv6). If nil,
	// attemptOne connects directly to d.Domain and assumes no IPv6 route,
	// matching this core's behavior before MX resolution was wired in.
	Resolver dnsutil.Resolver

	state  atomic.Int32
	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewSupervisor returns a Supervisor for the given initial runtime. Call
// Start to begin spawning workers (a no-op if runtime.Config.Disabled).
func NewSupervisor(rt *Runtime, backend queue.Backend, attempter Attempter, log slog.Logger) *Supervisor {
	s := &Supervisor{
		Backend:    backend,
		Attempter:  attempter,
		Log:        log,
		MaxRetries: 8,
		RetryBase:  time.Minute,
	}
	s.runtime.Store(rt)
	s.state.Store(int32(StateConfigured))
	return s
}

func (s *Supervisor) State() State { return State(s.state.Load()) }

// Reload swaps in a freshly built Runtime (spec.md §4.9 "Configuration
// reload": "send SIGHUP to all workers; they reinitialize in place"). Since
// Runtime is immutable, workers simply load the new pointer on their next
// iteration instead of being sent an explicit signal.
func (s *Supervisor) Reload(rt *Runtime) {
	s.runtime.Store(rt)
}

func (s *Supervisor) current() *Runtime { return s.runtime.Load() }

// Start spawns Config.Processes workers and transitions through
// workers-spawning to active.
func (s *Supervisor) Start(ctx context.Context) {
	rt := s.current()
	if rt.Config.Disabled {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.state.Store(int32(StateWorkersSpawning))

	g, gctx := errgroup.WithContext(ctx)
	s.group = g
	for i := 0; i < rt.Config.Processes; i++ {
		slot := i
		g.Go(func() error {
			s.runWorkerSupervised(gctx, slot)
			return nil
		})
	}

	s.state.Store(int32(StateActive))
}

// Drain stops accepting new work and waits for in-flight workers to exit.
func (s *Supervisor) Drain() {
	s.state.Store(int32(StateDrained))
	if s.cancel != nil {
		s.cancel()
	}
	if s.group != nil {
		s.group.Wait()
	}
	s.state.Store(int32(StateClosed))
}

// runWorkerSupervised runs one worker slot, respawning after RespawnBackoff
// if the worker loop returns unexpectedly (spec.md §4.9 "Worker pool").
func (s *Supervisor) runWorkerSupervised(ctx context.Context, slot int) {
	for {
		if ctx.Err() != nil {
			return
		}

		wctx, wcancel := context.WithCancel(ctx)
		ready := make(chan struct{}, 1)
		done := make(chan struct{})
		go func() {
			defer close(done)
			s.worker(wctx, slot, ready)
		}()

		select {
		case <-ready:
		case <-time.After(StartupTimeout):
			s.Log.Msg("WORKERSTARTUPTIMEOUT", "zone", s.current().Config.Name, "slot", slot)
			// Stop the worker that never signalled ready; it is respawned below.
			wcancel()
		case <-done:
		}

		select {
		case <-done:
		case <-ctx.Done():
			<-done
			wcancel()
			return
		}
		wcancel()

		if ctx.Err() != nil {
			return
		}

		s.Log.Msg("WORKERRESPAWN", "zone", s.current().Config.Name, "slot", slot, "backoff", RespawnBackoff.String())
		select {
		case <-time.After(RespawnBackoff):
		case <-ctx.Done():
			return
		}
	}
}

// worker is one dequeue/attempt/settle iteration loop for this zone. It
// signals readiness once, immediately, since this reference implementation
// has no separate async handshake with the remote end to wait for.
func (s *Supervisor) worker(ctx context.Context, slot int, ready chan<- struct{}) {
	select {
	case ready <- struct{}{}:
	default:
	}

	zoneName := s.current().Config.Name
	for ctx.Err() == nil {
		d, env, ok, err := s.Backend.Shift(ctx, zoneName)
		if err != nil {
			s.Log.Error("QUEUESHIFTERR", err, "zone", zoneName)
			time.Sleep(time.Second)
			continue
		}
		if !ok {
			select {
			case <-time.After(200 * time.Millisecond):
			case <-ctx.Done():
			}
			continue
		}

		s.attemptOne(ctx, d, env)
	}
}

// attemptOne runs a single delivery attempt and settles it via defer,
// bounce, or (implicit success) nothing further.
func (s *Supervisor) attemptOne(ctx context.Context, d *envelope.Delivery, env *envelope.Envelope) {
	rt := s.current()
	zoneName := rt.Config.Name

	if err := rt.Throttle(ctx, d.Domain); err != nil {
		s.Backend.ReleaseDelivery(ctx, zoneName, d)
		return
	}

	remoteHost, hasV6Route := s.resolveRoute(ctx, d.Domain)

	addr, poolDisabled := rt.Select(env, d, hasV6Route)
	d.PoolDisabled = poolDisabled

	body, err := s.Backend.Open(ctx, d.EnvelopeID)
	if err != nil {
		s.Log.Error("QUEUEOPENERR", err, "id", d.EnvelopeID)
		s.bounce(ctx, d, err)
		return
	}
	defer body.Close()

	ra, ok := body.(io.ReaderAt)
	if !ok {
		s.Log.Msg("ATTEMPTBACKENDERR", "id", d.EnvelopeID, "reason", "body is not io.ReaderAt")
		s.bounce(ctx, d, xerrors.Permanent(errNotSeekable))
		return
	}

	received := "Received: " + GenerateReceived(env, d, ReceivedParams{
		ProductName:   "sendzoned",
		ReceivingHost: rt.Config.Name,
		Recipient:     d.Recipient,
	}) + "\r\n"
	prefixed := &receivedPrefixedReader{prefix: []byte(received), body: ra}

	err = s.Attempter.Attempt(ctx, env, d, addr, remoteHost, prefixed, int64(len(received))+env.BodySize)
	if err == nil {
		s.Log.Msg("DELIVERED", "id", d.EnvelopeID, "seq", d.Seq, "zone", zoneName, "addr", addr)
		return
	}

	s.settle(ctx, zoneName, d, addr, err)
}

var errNotSeekable = errors.New("zone: queue body does not support ReadAt")

// settle applies spec.md §4.9's defer/release/bounce rule set to a failed
// attempt.
func (s *Supervisor) settle(ctx context.Context, zoneName string, d *envelope.Delivery, addr string, err error) {
	fields := xerrors.Fields(err)
	if fields["category"] == xerrors.BlacklistCategory {
		ip, _ := fields["address"].(string)
		domain, _ := fields["domain"].(string)
		if ip != "" && domain != "" {
			rt := s.current()
			ttl := rt.Config.BlacklistTTL
			if ttl <= 0 {
				ttl = DefaultBlacklistTTL
			}
			rt.domains.Blacklist(domain, ip, time.Now().Add(ttl))
			s.Log.Msg("ADDBLADDRESS", "domain", domain, "address", ip, "ttl", ttl.String())
		}
	}

	if !xerrors.IsTemporaryOrUnspec(err) {
		s.Log.Msg("NOQUEUE", "id", d.EnvelopeID, "seq", d.Seq, "zone", zoneName, "reason", err.Error())
		s.bounce(ctx, d, err)
		return
	}

	if d.Attempts >= s.MaxRetries {
		s.Log.Msg("NOQUEUE", "id", d.EnvelopeID, "seq", d.Seq, "zone", zoneName, "reason", "max retries exceeded")
		s.bounce(ctx, d, err)
		return
	}

	backoff := s.RetryBase * time.Duration(1<<uint(d.Attempts))
	until := time.Now().Add(backoff)
	if derr := s.Backend.DeferDelivery(ctx, zoneName, d, until); derr != nil {
		s.Log.Error("QUEUEDEFERERR", derr, "id", d.EnvelopeID)
	}
}

// bounce releases the delivery back to the queue for operator-defined
// bounce-report generation (spec.md §1 Non-goals: "Bounce report generation
// ... not in core scope").
func (s *Supervisor) bounce(ctx context.Context, d *envelope.Delivery, cause error) {
	if err := s.Backend.ReleaseDelivery(ctx, s.current().Config.Name, d); err != nil {
		s.Log.Error("BOUNCERELEASEERR", err, "id", d.EnvelopeID)
	}
}

// resolveRoute picks the delivery target for domain and reports whether it
// has a usable IPv6 route (spec.md §4.9, §9). Falls back to connecting
// directly to domain, with no IPv6 route, if no Resolver is configured or
// the MX lookup fails — a smart host/relay deployment with no public DNS.
func (s *Supervisor) resolveRoute(ctx context.Context, domain string) (remoteHost string, hasV6Route bool) {
	if s.Resolver == nil {
		return domain, false
	}

	mxs, err := s.Resolver.LookupMX(ctx, domain)
	if err != nil || len(mxs) == 0 {
		return domain, false
	}
	remoteHost = strings.TrimSuffix(mxs[0].Host, ".")

	ips, err := s.Resolver.LookupHost(ctx, remoteHost)
	if err != nil {
		return remoteHost, false
	}
	for _, ip := range ips {
		if ip.To4() == nil {
			hasV6Route = true
			break
		}
	}
	return remoteHost, hasV6Route
}

// receivedPrefixedReader serves the synthesized Received header followed by
// the stored message body as a single ReaderAt, so the Attempter's
// outbound DATA stream carries the header without a full in-memory copy.
type receivedPrefixedReader struct {
	prefix []byte
	body   io.ReaderAt
}

func (r *receivedPrefixedReader) ReadAt(p []byte, off int64) (int, error) {
	prefixLen := int64(len(r.prefix))
	n := 0
	if off < prefixLen {
		n = copy(p, r.prefix[off:])
		if n == len(p) {
			return n, nil
		}
	}
	bodyOff := off - prefixLen
	if bodyOff < 0 {
		bodyOff = 0
	}
	m, err := r.body.ReadAt(p[n:], bodyOff)
	return n + m, err
}
