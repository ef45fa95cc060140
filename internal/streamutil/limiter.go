// Package streamutil implements the Byte/Size Limiter (spec.md §4.2):
// pass-through streaming transforms that count bytes and, for SizeLimiter,
// fail at flush time rather than mid-stream so the SMTP protocol state can
// unwind cleanly (spec.md §4.2 rationale).
package streamutil

import (
	"io"
	"time"

	"github.com/sendzone/sendzoned/internal/xerrors"
)

// ByteCounter is a pass-through io.Writer that accumulates total bytes
// written and records the first-byte and finish timestamps.
type ByteCounter struct {
	dst io.Writer

	Total      int64
	FirstByte  time.Time
	FinishedAt time.Time
}

// NewByteCounter wraps dst, counting bytes written through it.
func NewByteCounter(dst io.Writer) *ByteCounter {
	return &ByteCounter{dst: dst}
}

func (c *ByteCounter) Write(p []byte) (int, error) {
	if c.Total == 0 && len(p) > 0 && c.FirstByte.IsZero() {
		c.FirstByte = time.Now()
	}
	n, err := c.dst.Write(p)
	c.Total += int64(n)
	return n, err
}

// Flush records the finish timestamp. Call once the upstream write side is
// done, whether or not an error occurred.
func (c *ByteCounter) Flush() {
	c.FinishedAt = time.Now()
}

// maxSizeEnhanced is the enhanced status code of the 552 (size exceeded)
// xerrors.SMTPResponse that SizeLimiter.Flush returns.
const maxSizeEnhanced = "5.3.4"

// SizeLimiter wraps a destination writer with a byte ceiling. Data keeps
// flowing through to dst even after the ceiling is crossed (spec.md §4.2:
// "the stream still drains... partial teardown of the upstream SMTP
// command would strand protocol state"); the overflow is only reported when
// Flush is called, as a single 552-class error.
type SizeLimiter struct {
	dst     io.Writer
	maxSize int64

	written  int64
	exceeded bool
}

// NewSizeLimiter wraps dst with a ceiling of maxSize bytes. maxSize <= 0
// disables the limit.
func NewSizeLimiter(dst io.Writer, maxSize int64) *SizeLimiter {
	return &SizeLimiter{dst: dst, maxSize: maxSize}
}

func (s *SizeLimiter) Write(p []byte) (int, error) {
	n, err := s.dst.Write(p)
	s.written += int64(n)
	if s.maxSize > 0 && s.written > s.maxSize {
		s.exceeded = true
	}
	return n, err
}

// Written reports the number of bytes that have flowed through so far.
func (s *SizeLimiter) Written() int64 { return s.written }

// Flush reports whether the configured ceiling was exceeded, as a 552-class
// SMTP protocol error. Returns nil if the stream stayed within bounds.
func (s *SizeLimiter) Flush() error {
	if !s.exceeded {
		return nil
	}
	return &xerrors.SMTPResponse{
		Code:         552,
		EnhancedCode: maxSizeEnhanced,
		Message:      "Message size exceeds fixed maximum message size",
	}
}
