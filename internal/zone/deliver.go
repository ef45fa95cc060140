package zone

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/sendzone/sendzoned/internal/envelope"
	"github.com/sendzone/sendzoned/internal/xerrors"
)

// Attempter performs a single remote delivery attempt for one Delivery,
// dialing from the given local source address (spec.md §4.9 "attempt remote
// SMTP"). Swappable so tests can substitute a fake without opening sockets.
type Attempter interface {
	Attempt(ctx context.Context, env *envelope.Envelope, d *envelope.Delivery, sourceAddr, remoteHost string, body io.ReaderAt, bodySize int64) error
}

// SMTPAttempter is the default Attempter, a thin wrapper over go-smtp.Client
// grounded on the teacher's internal/smtpconn.C: dial from sourceAddr,
// EHLO/MAIL FROM/RCPT TO/DATA, map go-smtp's *smtp.SMTPError into
// xerrors.SMTPResponse so the Sending Zone's defer/release logic can
// classify it uniformly with hook-bus errors.
type SMTPAttempter struct {
	Hostname       string // sent in EHLO
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	TLSConfig      *tls.Config
}

func (a *SMTPAttempter) Attempt(ctx context.Context, env *envelope.Envelope, d *envelope.Delivery, sourceAddr, remoteHost string, body io.ReaderAt, bodySize int64) error {
	dialer := &net.Dialer{Timeout: a.connectTimeout()}
	if sourceAddr != "" {
		if ip := net.ParseIP(sourceAddr); ip != nil {
			dialer.LocalAddr = &net.TCPAddr{IP: ip}
		}
	}

	connCtx, cancel := context.WithTimeout(ctx, a.connectTimeout())
	defer cancel()
	conn, err := dialer.DialContext(connCtx, "tcp", net.JoinHostPort(remoteHost, "25"))
	if err != nil {
		// No SMTP code available yet; treated as a transient infrastructure
		// failure per spec.md §7.
		return err
	}

	cl, err := smtp.NewClient(conn, remoteHost)
	if err != nil {
		conn.Close()
		return err
	}
	defer cl.Close()

	hostname := a.Hostname
	if hostname == "" {
		hostname = "localhost.localdomain"
	}
	if err := cl.Hello(hostname); err != nil {
		return classify(err)
	}

	if ok, _ := cl.Extension("STARTTLS"); ok && a.TLSConfig != nil {
		if err := cl.StartTLS(a.TLSConfig); err != nil {
			return classify(err)
		}
	}

	if err := cl.Mail(env.From, nil); err != nil {
		return classify(err)
	}
	if err := cl.Rcpt(d.Recipient, nil); err != nil {
		return classify(err)
	}

	w, err := cl.Data()
	if err != nil {
		return classify(err)
	}
	sr := io.NewSectionReader(body, 0, bodySize)
	if _, err := io.Copy(w, sr); err != nil {
		w.Close()
		return classify(err)
	}
	if err := w.Close(); err != nil {
		return classify(err)
	}

	return classify(cl.Quit())
}

func (a *SMTPAttempter) connectTimeout() time.Duration {
	if a.ConnectTimeout > 0 {
		return a.ConnectTimeout
	}
	return 5 * time.Minute
}

// classify maps a go-smtp client error onto the xerrors error kinds the
// Sending Zone's defer/release logic expects (spec.md §7).
func classify(err error) error {
	if err == nil {
		return nil
	}
	if se, ok := err.(*smtp.SMTPError); ok {
		resp := &xerrors.SMTPResponse{Code: se.Code, Message: se.Message, Err: err}
		if len(se.EnhancedCode) == 3 {
			resp.EnhancedCode = formatEnhanced(se.EnhancedCode)
		}
		if se.Code/100 == 5 {
			return xerrors.Permanent(resp)
		}
		return resp
	}
	return err
}

func formatEnhanced(code smtp.EnhancedCode) string {
	return strconv.Itoa(code[0]) + "." + strconv.Itoa(code[1]) + "." + strconv.Itoa(code[2])
}
