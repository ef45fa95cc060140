// Package xerrors provides the error wrapping conventions used across the
// core: field-carrying errors, temporary/permanent classification, and the
// SMTP response code/text a protocol error should be surfaced to the client
// as (see spec.md §7, Error Handling Design).
package xerrors

import (
	"errors"
	"fmt"
)

// Fielder is implemented by errors that carry structured key/value data for
// logging (see internal/slog.Logger.Error).
type Fielder interface {
	Fields() map[string]interface{}
}

// Temporary is implemented by errors that know whether they are retryable.
type Temporary interface {
	Temporary() bool
}

// SMTPCode is implemented by errors that should be surfaced to an SMTP
// client verbatim instead of being translated to a generic failure.
type SMTPCode interface {
	SMTPResponse() (code int, enhanced string, text string)
}

// withFields is the field-carrying error wrapper, ported from the teacher's
// framework/exterrors.withFields.
type withFields struct {
	err    error
	fields map[string]interface{}
}

func (w *withFields) Error() string { return w.err.Error() }
func (w *withFields) Unwrap() error { return w.err }
func (w *withFields) Fields() map[string]interface{} {
	merged := make(map[string]interface{}, len(w.fields))
	for k, v := range w.fields {
		merged[k] = v
	}
	if inner, ok := w.err.(Fielder); ok {
		for k, v := range inner.Fields() {
			if _, taken := merged[k]; !taken {
				merged[k] = v
			}
		}
	}
	return merged
}
func (w *withFields) Temporary() bool {
	if t, ok := w.err.(Temporary); ok {
		return t.Temporary()
	}
	return true // temporary-by-default, per spec.md §7
}
func (w *withFields) SMTPResponse() (int, string, string) {
	if s, ok := w.err.(SMTPCode); ok {
		return s.SMTPResponse()
	}
	return 0, "", ""
}

// WithFields annotates err with additional structured fields, preserving any
// fields/temporariness/SMTP-code information already attached.
func WithFields(err error, fields map[string]interface{}) error {
	if err == nil {
		return nil
	}
	return &withFields{err: err, fields: fields}
}

// Fields extracts the structured fields attached to err, if any.
func Fields(err error) map[string]interface{} {
	var f Fielder
	if errors.As(err, &f) {
		return f.Fields()
	}
	return nil
}

// IsTemporaryOrUnspec reports whether err should be treated as a transient
// (retryable) failure. Errors that don't opt into the Temporary interface
// are assumed temporary, matching the teacher's exterrors.IsTemporaryOrUnspec
// and spec.md §7's "errors are assumed to be temporary by default".
func IsTemporaryOrUnspec(err error) bool {
	if err == nil {
		return false
	}
	var t Temporary
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return true
}

// permanentError marks an error as non-retryable.
type permanentError struct{ error }

func (permanentError) Temporary() bool { return false }
func (p permanentError) Unwrap() error { return p.error }

// Permanent wraps err so IsTemporaryOrUnspec reports false for it.
func Permanent(err error) error { return permanentError{err} }

// SMTPResponse is a protocol-level error that is passed verbatim to the SMTP
// client (spec.md §7 "Protocol errors").
type SMTPResponse struct {
	Code         int
	EnhancedCode string
	Message      string
	Err          error
}

func (e *SMTPResponse) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%d %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%d %s", e.Code, e.Message)
}

func (e *SMTPResponse) Unwrap() error { return e.Err }

func (e *SMTPResponse) Temporary() bool {
	return e.Code/100 == 4
}

func (e *SMTPResponse) SMTPResponse() (int, string, string) {
	return e.Code, e.EnhancedCode, e.Message
}

func (e *SMTPResponse) Fields() map[string]interface{} {
	return map[string]interface{}{
		"smtp_code": e.Code,
	}
}

// BlacklistCategory is the field value that flags a transient delivery
// error as a blacklist signal (spec.md §4.9/§7): the error carries the
// source IP that triggered it so the Sending Zone can suppress it for the
// target domain.
const BlacklistCategory = "blacklist"

// Blacklist builds a transient error tagged category=blacklist, address=ip
// so the Sending Zone's defer handling recognizes it (see
// internal/zone.Supervisor.settle).
func Blacklist(domain, address string, cause error) error {
	return WithFields(cause, map[string]interface{}{
		"category": BlacklistCategory,
		"domain":   domain,
		"address":  address,
	})
}
