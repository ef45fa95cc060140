package ingress

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/sendzone/sendzoned/internal/xerrors"
)

type fakePTRResolver struct {
	name  string
	delay time.Duration
}

func (f fakePTRResolver) LookupMX(ctx context.Context, domain string) ([]*net.MX, error) {
	return nil, nil
}
func (f fakePTRResolver) LookupHost(ctx context.Context, host string) ([]net.IP, error) {
	return nil, nil
}
func (f fakePTRResolver) LookupAddr(ctx context.Context, ip net.IP) (string, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.name, nil
}

type fakeAuthenticator struct {
	identity string
	err      error
}

func (f fakeAuthenticator) Authenticate(ctx context.Context, username, password string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.identity, nil
}

func newTestSession(auth Authenticator) *Session {
	endp := &Endpoint{cfg: Config{Name: "test", MaxRecipients: 2, Auth: auth}}
	return &Session{endp: endp, ctx: context.Background()}
}

func TestSession_AuthenticateRejectsOverlongCredentials(t *testing.T) {
	s := newTestSession(fakeAuthenticator{identity: "alice"})
	long := make([]byte, maxAuthFieldLen+1)
	for i := range long {
		long[i] = 'a'
	}
	err := s.authenticate(string(long), "pw")
	if err == nil {
		t.Fatal("expected an error for an overlong username")
	}
	se, ok := err.(*smtp.SMTPError)
	if !ok || se.Code != 500 {
		t.Fatalf("expected a 500 SMTPError, got %v", err)
	}
}

func TestSession_AuthenticateSetsAuthUserOnSuccess(t *testing.T) {
	s := newTestSession(fakeAuthenticator{identity: "alice"})
	if err := s.authenticate("alice", "hunter2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.authUser != "alice" {
		t.Fatalf("expected authUser to be set, got %q", s.authUser)
	}
}

func TestSession_AuthenticateFailureYields535(t *testing.T) {
	s := newTestSession(fakeAuthenticator{err: errors.New("bad creds")})
	err := s.authenticate("alice", "wrong")
	se, ok := err.(*smtp.SMTPError)
	if !ok || se.Code != 535 {
		t.Fatalf("expected a 535 SMTPError, got %v", err)
	}
}

func TestSession_MailNormalizesSender(t *testing.T) {
	s := newTestSession(nil)
	if err := s.Mail("Alice@EXAMPLE.com", &smtp.MailOptions{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.env == nil || s.env.From != "Alice@example.com" {
		t.Fatalf("expected normalized sender, got %+v", s.env)
	}
}

func TestSession_RcptEnforcesMaxRecipients(t *testing.T) {
	s := newTestSession(nil)
	if err := s.Mail("sender@example.com", &smtp.MailOptions{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Rcpt("a@example.com", &smtp.RcptOptions{}); err != nil {
		t.Fatalf("unexpected error on first recipient: %v", err)
	}
	if err := s.Rcpt("b@example.com", &smtp.RcptOptions{}); err != nil {
		t.Fatalf("unexpected error on second recipient: %v", err)
	}
	err := s.Rcpt("c@example.com", &smtp.RcptOptions{})
	if err == nil {
		t.Fatal("expected the third recipient to be rejected")
	}
	se, ok := err.(*smtp.SMTPError)
	if !ok || se.Code != 452 {
		t.Fatalf("expected a 452 SMTPError, got %v", err)
	}
}

func TestSession_RcptRejectsMalformedAddress(t *testing.T) {
	s := newTestSession(nil)
	if err := s.Mail("sender@example.com", &smtp.MailOptions{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := s.Rcpt("not-an-address", &smtp.RcptOptions{})
	if err == nil {
		t.Fatal("expected malformed recipient to be rejected")
	}
}

func TestSession_RcptRequiresMailFirst(t *testing.T) {
	s := newTestSession(nil)
	err := s.Rcpt("a@example.com", &smtp.RcptOptions{})
	se, ok := err.(*smtp.SMTPError)
	if !ok || se.Code != 503 {
		t.Fatalf("expected a 503 SMTPError, got %v", err)
	}
}

func TestEndpoint_WrapErrPreservesSMTPResponse(t *testing.T) {
	e := &Endpoint{cfg: Config{Name: "test"}}
	cause := &xerrors.SMTPResponse{Code: 452, EnhancedCode: "4.5.3", Message: "rate limited"}
	err := e.wrapErr("RCPT", xerrors.WithFields(cause, nil))
	se, ok := err.(*smtp.SMTPError)
	if !ok {
		t.Fatalf("expected *smtp.SMTPError, got %T", err)
	}
	if se.Code != 452 || se.Message != "rate limited" {
		t.Fatalf("expected the wrapped SMTPResponse verbatim, got %+v", se)
	}
	if se.EnhancedCode != (smtp.EnhancedCode{4, 5, 3}) {
		t.Fatalf("expected parsed enhanced code, got %v", se.EnhancedCode)
	}
}

func TestEndpoint_WrapErrClassifiesPlainErrorsAsTemporary(t *testing.T) {
	e := &Endpoint{cfg: Config{Name: "test"}}
	err := e.wrapErr("DATA", errors.New("disk full"))
	se, ok := err.(*smtp.SMTPError)
	if !ok || se.Code != 451 {
		t.Fatalf("expected a 451 (temporary-by-default) SMTPError, got %v", err)
	}
}

func TestEndpoint_WrapErrClassifiesPermanentErrors(t *testing.T) {
	e := &Endpoint{cfg: Config{Name: "test"}}
	err := e.wrapErr("DATA", xerrors.Permanent(errors.New("no such mailbox")))
	se, ok := err.(*smtp.SMTPError)
	if !ok || se.Code != 554 {
		t.Fatalf("expected a 554 (permanent) SMTPError, got %v", err)
	}
}

func TestSession_AwaitOriginHostReturnsResolvedName(t *testing.T) {
	endp := &Endpoint{cfg: Config{Name: "test", Resolver: fakePTRResolver{name: "mail.example.net"}}}
	s := &Session{endp: endp, ctx: context.Background(), remoteIP: "198.51.100.9"}
	s.resolveOriginHost()

	if got := s.awaitOriginHost(); got != "mail.example.net" {
		t.Fatalf("got %q, want %q", got, "mail.example.net")
	}
}

func TestSession_AwaitOriginHostTimesOutWithoutBlocking(t *testing.T) {
	endp := &Endpoint{cfg: Config{Name: "test", Resolver: fakePTRResolver{name: "mail.example.net", delay: rdnsTimeout * 4}}}
	s := &Session{endp: endp, ctx: context.Background(), remoteIP: "198.51.100.9"}
	s.resolveOriginHost()

	if got := s.awaitOriginHost(); got != "" {
		t.Fatalf("expected empty result on timeout, got %q", got)
	}
}

func TestSession_AwaitOriginHostNoResolverConfigured(t *testing.T) {
	s := newTestSession(nil)
	s.remoteIP = "198.51.100.9"
	s.resolveOriginHost()

	if got := s.awaitOriginHost(); got != "" {
		t.Fatalf("expected empty result with no resolver, got %q", got)
	}
}

func TestParseEnhanced(t *testing.T) {
	if _, ok := parseEnhanced(""); ok {
		t.Fatal("expected empty string to fail to parse")
	}
	code, ok := parseEnhanced("5.1.2")
	if !ok || code != (smtp.EnhancedCode{5, 1, 2}) {
		t.Fatalf("unexpected parse result: %v %v", code, ok)
	}
}
