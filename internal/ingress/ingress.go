// Package ingress implements the SMTP Ingress (spec.md §4.8): one
// configurable listener (submission or relay, distinguished by port/TLS
// mode), wrapping emersion/go-smtp's protocol state machine with the
// envelope collection, AUTH, and hand-off-to-Mail-Drop behavior spec.md
// describes. Grounded on the teacher's internal/endpoint/smtp, generalized
// away from its framework/config/module.Table plugin-loader layer.
package ingress

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/sendzone/sendzoned/internal/addrnorm"
	"github.com/sendzone/sendzoned/internal/dnsutil"
	"github.com/sendzone/sendzoned/internal/envelope"
	"github.com/sendzone/sendzoned/internal/hooks"
	"github.com/sendzone/sendzoned/internal/maildrop"
	"github.com/sendzone/sendzoned/internal/slog"
	"github.com/sendzone/sendzoned/internal/streamutil"
	"github.com/sendzone/sendzoned/internal/xerrors"
)

// rdnsTimeout bounds how long Mail waits for the reverse-DNS lookup kicked
// off at connect time before giving up and leaving OriginHost empty
// (spec.md §3 Envelope.originhost is best-effort, never blocks the
// transaction on a slow PTR).
const rdnsTimeout = 150 * time.Millisecond

// Authenticator verifies a username/password pair for AUTH PLAIN/LOGIN,
// returning the identity recorded as envelope.Envelope.User on success.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (identity string, err error)
}

// maxAuthFieldLen is the length cap on AUTH username/password spec.md §4.8
// names ("length caps on username/password (<=1024)").
const maxAuthFieldLen = 1024

// Config configures one SMTP Ingress listener.
type Config struct {
	Name      string // distinguishes submission/relay variants in logs/metrics
	Hostname  string // sent in EHLO greeting and Received headers
	Addr      string // listen address, e.g. "0.0.0.0:587"
	TLSConfig *tls.Config

	Submission bool // true requires AUTH before MAIL FROM, per spec.md §4.8

	MaxRecipients   int
	MaxMessageBytes int64

	Auth              Authenticator
	AllowInsecureAuth bool

	WriteTimeout time.Duration
	ReadTimeout  time.Duration

	// Resolver, if set, resolves each connection's reverse-DNS name for
	// Envelope.OriginHost and the Received-header synthesizer.
	Resolver dnsutil.Resolver
}

// Endpoint owns one listener's go-smtp server and wires its sessions to the
// hook bus and Mail Drop.
type Endpoint struct {
	cfg  Config
	srv  *smtp.Server
	drop *maildrop.Drop
	bus  *hooks.Bus
	log  slog.Logger

	closing  atomic.Bool
	listener net.Listener
}

// NewEndpoint builds an Endpoint ready to Serve. drop must be fully wired
// (Backend, Router, DKIMAlgo); bus may be nil if no hooks are registered.
func NewEndpoint(cfg Config, drop *maildrop.Drop, bus *hooks.Bus, log slog.Logger) *Endpoint {
	e := &Endpoint{cfg: cfg, drop: drop, bus: bus, log: log}

	e.srv = smtp.NewServer(e)
	e.srv.Domain = cfg.Hostname
	e.srv.MaxRecipients = cfg.MaxRecipients
	e.srv.MaxMessageBytes = cfg.MaxMessageBytes
	e.srv.TLSConfig = cfg.TLSConfig
	e.srv.AuthDisabled = cfg.Auth == nil
	e.srv.AllowInsecureAuth = cfg.AllowInsecureAuth || cfg.TLSConfig == nil
	e.srv.EnableSMTPUTF8 = true
	if cfg.WriteTimeout > 0 {
		e.srv.WriteTimeout = cfg.WriteTimeout
	}
	if cfg.ReadTimeout > 0 {
		e.srv.ReadTimeout = cfg.ReadTimeout
	}

	return e
}

// Serve accepts connections on cfg.Addr until Close is called.
func (e *Endpoint) Serve() error {
	l, err := net.Listen("tcp", e.cfg.Addr)
	if err != nil {
		return err
	}
	e.listener = l
	e.log.Msg("LISTENING", "name", e.cfg.Name, "addr", e.cfg.Addr)
	return e.srv.Serve(l)
}

// Close begins graceful shutdown: new commands are rejected with a 421
// response (spec.md §4.8 "closing flag rejects new commands with
// 421-class") while in-flight sessions finish, then the listener closes.
func (e *Endpoint) Close() error {
	e.closing.Store(true)
	return e.srv.Close()
}

func (e *Endpoint) closingErr() error {
	return &smtp.SMTPError{
		Code:         421,
		EnhancedCode: smtp.EnhancedCode{4, 3, 2},
		Message:      e.cfg.Name + " is shutting down",
	}
}

// NewSession implements smtp.Backend.
func (e *Endpoint) NewSession(c *smtp.Conn) (smtp.Session, error) {
	if e.closing.Load() {
		return nil, e.closingErr()
	}

	s := &Session{endp: e, ctx: context.Background()}

	remoteIP := ""
	if tcp, ok := c.Conn().RemoteAddr().(*net.TCPAddr); ok {
		remoteIP = tcp.IP.String()
	}
	s.remoteIP = remoteIP
	s.transHost = c.Hostname()

	transType := envelope.TransESMTP
	if state, ok := c.TLSConnectionState(); ok {
		transType = envelope.TransESMTPS
		s.tlsInfo = &envelope.TLSInfo{
			Version: tlsVersionName(state.Version),
			Cipher:  tls.CipherSuiteName(state.CipherSuite),
		}
	}
	s.transType = transType
	s.resolveOriginHost()

	if e.bus != nil {
		seed := &envelope.Envelope{Interface: e.cfg.Name, Origin: remoteIP, TransHost: s.transHost, TransType: transType}
		if err := e.bus.Run(s.ctx, hooks.SMTPConnect, seed); err != nil {
			return nil, e.wrapErr("CONNECT", err)
		}
	}

	startedTransactions.WithLabelValues(e.cfg.Name).Inc()
	return s, nil
}

// wrapErr maps an internal error onto an *smtp.SMTPError, preserving any
// SMTPResponse-class code/text verbatim per spec.md §4.8 ("on
// SMTPResponse-class error, return the response text to the client ...
// rather than a generic failure").
func (e *Endpoint) wrapErr(command string, err error) error {
	if err == nil {
		return nil
	}
	if se, ok := err.(*smtp.SMTPError); ok {
		return se
	}

	code := 554
	enh := smtp.EnhancedCodeNotSet
	msg := "Transaction failed"
	if xerrors.IsTemporaryOrUnspec(err) {
		code = 451
		enh = smtp.EnhancedCode{4, 0, 0}
	} else {
		enh = smtp.EnhancedCode{5, 0, 0}
	}

	if sc, ok := err.(xerrors.SMTPCode); ok {
		if c, ec, text := sc.SMTPResponse(); c != 0 {
			code = c
			if parsed, ok := parseEnhanced(ec); ok {
				enh = parsed
			}
			if text != "" {
				msg = text
			}
		}
	}

	failedCommands.WithLabelValues(e.cfg.Name, command, strconv.Itoa(code)).Inc()

	return &smtp.SMTPError{Code: code, EnhancedCode: enh, Message: msg}
}

// Session implements smtp.Session (and, via AuthMechanisms/Auth,
// smtp.AuthSession) for one SMTP connection.
type Session struct {
	endp *Endpoint
	ctx  context.Context

	remoteIP  string
	transHost string
	transType envelope.TransType
	tlsInfo   *envelope.TLSInfo
	authUser  string

	originHost     string
	originHostDone chan struct{}

	env *envelope.Envelope
}

// resolveOriginHost starts the connection's reverse-DNS lookup in the
// background; Mail waits on it for up to rdnsTimeout before moving on.
func (s *Session) resolveOriginHost() {
	if s.endp.cfg.Resolver == nil || s.remoteIP == "" {
		return
	}
	ip := net.ParseIP(s.remoteIP)
	if ip == nil {
		return
	}

	s.originHostDone = make(chan struct{})
	go func() {
		defer close(s.originHostDone)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if name, err := s.endp.cfg.Resolver.LookupAddr(ctx, ip); err == nil {
			s.originHost = name
		}
	}()
}

// awaitOriginHost returns the resolved reverse-DNS name if it finished
// within rdnsTimeout, else "" — a slow PTR never blocks MAIL FROM.
func (s *Session) awaitOriginHost() string {
	if s.originHostDone == nil {
		return ""
	}
	select {
	case <-s.originHostDone:
		return s.originHost
	case <-time.After(rdnsTimeout):
		return ""
	}
}

func (s *Session) AuthMechanisms() []string {
	if s.endp.cfg.Auth == nil {
		return nil
	}
	return []string{sasl.Plain, sasl.Login}
}

func (s *Session) Auth(mech string) (sasl.Server, error) {
	if s.endp.cfg.Auth == nil {
		return nil, smtp.ErrAuthUnsupported
	}

	switch mech {
	case sasl.Plain:
		return sasl.NewPlainServer(func(identity, username, password string) error {
			return s.authenticate(username, password)
		}), nil
	case sasl.Login:
		return newLoginServer(s.authenticate), nil
	default:
		return nil, smtp.ErrAuthUnsupported
	}
}

func (s *Session) authenticate(username, password string) error {
	if len(username) > maxAuthFieldLen || len(password) > maxAuthFieldLen {
		failedLogins.WithLabelValues(s.endp.cfg.Name).Inc()
		return &smtp.SMTPError{Code: 500, EnhancedCode: smtp.EnhancedCode{5, 5, 4}, Message: "Credentials too long"}
	}

	identity, err := s.endp.cfg.Auth.Authenticate(s.ctx, username, password)
	if err != nil {
		failedLogins.WithLabelValues(s.endp.cfg.Name).Inc()
		return &smtp.SMTPError{Code: 535, EnhancedCode: smtp.EnhancedCode{5, 7, 8}, Message: "Invalid credentials"}
	}

	if s.endp.bus != nil {
		probe := &envelope.Envelope{Interface: s.endp.cfg.Name, Origin: s.remoteIP, User: identity}
		if err := s.endp.bus.Run(s.ctx, hooks.SMTPAuth, probe); err != nil {
			return s.endp.wrapErr("AUTH", err)
		}
	}

	s.authUser = identity
	return nil
}

func (s *Session) Reset() {
	s.env = nil
}

func (s *Session) Logout() error {
	return nil
}

func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	if s.endp.closing.Load() {
		return s.endp.closingErr()
	}
	if s.endp.cfg.Submission && s.authUser == "" {
		return smtp.ErrAuthRequired
	}

	env := &envelope.Envelope{
		Interface:  s.endp.cfg.Name,
		From:       addrnorm.Normalize(from),
		Origin:     s.remoteIP,
		OriginHost: s.awaitOriginHost(),
		TransHost:  s.transHost,
		TransType:  s.transType,
		User:       s.authUser,
		TLS:        s.tlsInfo,
		Time:       time.Now(),
	}

	if s.endp.bus != nil {
		if err := s.endp.bus.Run(s.ctx, hooks.SMTPMailFrom, env); err != nil {
			return s.endp.wrapErr("MAIL", err)
		}
	}

	s.env = env
	return nil
}

func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) error {
	if s.endp.closing.Load() {
		return s.endp.closingErr()
	}
	if s.env == nil {
		return &smtp.SMTPError{Code: 503, EnhancedCode: smtp.EnhancedCode{5, 5, 1}, Message: "MAIL FROM first"}
	}
	if s.endp.cfg.MaxRecipients > 0 && len(s.env.To) >= s.endp.cfg.MaxRecipients {
		return &smtp.SMTPError{Code: 452, EnhancedCode: smtp.EnhancedCode{4, 5, 3}, Message: "Too many recipients"}
	}

	validated := addrnorm.ASCIISafe(to)
	if !addrnorm.Valid(validated) {
		return &smtp.SMTPError{Code: 501, EnhancedCode: smtp.EnhancedCode{5, 1, 3}, Message: "Malformed recipient address"}
	}

	clean, err := addrnorm.CleanDomain(to)
	if err != nil {
		return &smtp.SMTPError{Code: 501, EnhancedCode: smtp.EnhancedCode{5, 1, 3}, Message: "Unable to normalize recipient address"}
	}

	if s.endp.bus != nil {
		probe := *s.env
		probe.To = append(append([]string{}, s.env.To...), clean)
		if err := s.endp.bus.Run(s.ctx, hooks.SMTPRcptTo, &probe); err != nil {
			return s.endp.wrapErr("RCPT", err)
		}
	}

	s.env.To = append(s.env.To, clean)
	return nil
}

func (s *Session) Data(r io.Reader) error {
	if s.endp.closing.Load() {
		return s.endp.closingErr()
	}
	if s.env == nil || len(s.env.To) == 0 {
		return &smtp.SMTPError{Code: 503, EnhancedCode: smtp.EnhancedCode{5, 5, 1}, Message: "RCPT TO first"}
	}

	var buf bytes.Buffer
	limiter := streamutil.NewSizeLimiter(&buf, s.endp.cfg.MaxMessageBytes)
	counter := streamutil.NewByteCounter(limiter)
	if _, err := io.Copy(counter, r); err != nil {
		return s.endp.wrapErr("DATA", err)
	}
	counter.Flush()
	if err := limiter.Flush(); err != nil {
		return s.endp.wrapErr("DATA", err)
	}

	if s.endp.bus != nil {
		if err := s.endp.bus.Run(s.ctx, hooks.SMTPData, s.env); err != nil {
			return s.endp.wrapErr("DATA", err)
		}
	}

	if err := s.endp.drop.Add(s.ctx, s.env, &buf); err != nil {
		return s.endp.wrapErr("DATA", err)
	}

	acceptedMessages.WithLabelValues(s.endp.cfg.Name).Inc()
	s.env = nil
	return nil
}

func tlsVersionName(v uint16) string {
	switch v {
	case tls.VersionTLS10:
		return "TLS1.0"
	case tls.VersionTLS11:
		return "TLS1.1"
	case tls.VersionTLS12:
		return "TLS1.2"
	case tls.VersionTLS13:
		return "TLS1.3"
	default:
		return "unknown"
	}
}

func parseEnhanced(s string) (smtp.EnhancedCode, bool) {
	parts := strings.SplitN(s, ".", 3)
	if len(parts) != 3 {
		return smtp.EnhancedCode{}, false
	}
	var out smtp.EnhancedCode
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return smtp.EnhancedCode{}, false
		}
		out[i] = n
	}
	return out, true
}
