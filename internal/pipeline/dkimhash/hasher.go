// Package dkimhash implements the DKIM Relaxed-Body Hasher (spec.md §4.4): a
// streaming transform that canonicalizes a message body per RFC 6376 §3.4.4
// (the "relaxed" body canonicalization) and hashes the canonical bytes as
// they arrive, without ever buffering the whole body. It ports the
// canonicalization knowledge baked into the teacher's internal/modify/dkim,
// which normally delegates whole-message signing to go-msgauth/dkim; here it
// is split out standalone so Mail Drop can attach a body hash to an envelope
// before a signer is chosen.
package dkimhash

import (
	"crypto"
	"encoding/base64"
	"hash"

	// Registers crypto.SHA256 and crypto.SHA1 so hashFor can instantiate them
	// without the caller needing a blank import.
	_ "crypto/sha1"
	_ "crypto/sha256"
)

// DefaultAlgo is used when Hasher is constructed with an empty algo string.
const DefaultAlgo = "sha256"

var hashFuncs = map[string]crypto.Hash{
	"sha256": crypto.SHA256,
	"sha1":   crypto.SHA1,
}

// Hasher canonicalizes a stream of body bytes per RFC 6376 relaxed body
// canonicalization and hashes the result incrementally. It is idempotent on
// zero-byte bodies: Sum called without any Write (or after only empty or
// whitespace-only lines) hashes zero bytes, the relaxed canonical form of an
// empty body; the trailing CRLF is only added to a non-empty body.
type Hasher struct {
	h    hash.Hash
	algo string

	buf          []byte // bytes since the last complete CRLF-terminated line
	pendingEmpty int64  // canonical empty lines seen but not yet flushed
	wroteAny     bool
	byteLength   int64 // canonical (post-canonicalization) bytes hashed so far
	closed       bool
}

// New returns a Hasher using algo ("sha256" or "sha1"; "" selects
// DefaultAlgo). It returns an error if algo is unrecognized.
func New(algo string) (*Hasher, error) {
	if algo == "" {
		algo = DefaultAlgo
	}
	hf, ok := hashFuncs[algo]
	if !ok {
		return nil, &UnsupportedAlgoError{Algo: algo}
	}
	return &Hasher{h: hf.New(), algo: algo}, nil
}

// UnsupportedAlgoError is returned by New for an algo not in hashFuncs.
type UnsupportedAlgoError struct{ Algo string }

func (e *UnsupportedAlgoError) Error() string {
	return "dkimhash: unsupported hash algorithm " + e.Algo
}

// Algo reports the configured hash algorithm name.
func (h *Hasher) Algo() string { return h.algo }

// ByteLength reports how many canonical (post-canonicalization) bytes have
// been hashed so far. It only reaches its final value after Sum is called,
// since trailing empty lines are held back until the stream is known to
// have ended.
func (h *Hasher) ByteLength() int64 { return h.byteLength }

// Write feeds p, assumed to be part of a CRLF-terminated message body, into
// the canonicalizer. It never returns a short write or an error; it exists
// to satisfy io.Writer so a Hasher can sit in a pipeline tee.
func (h *Hasher) Write(p []byte) (int, error) {
	n := len(p)
	h.buf = append(h.buf, p...)

	for {
		i := indexCRLF(h.buf)
		if i < 0 {
			break
		}
		h.consumeLine(h.buf[:i])
		h.buf = h.buf[i+2:]
	}
	return n, nil
}

// Sum finalizes canonicalization (flushing or discarding any trailing
// partial/empty lines per RFC 6376 §3.4.4) and returns the base64-encoded
// digest. Sum is idempotent: calling it more than once returns the same
// digest without re-hashing.
func (h *Hasher) Sum() string {
	if !h.closed {
		if len(h.buf) > 0 {
			h.consumeLine(h.buf)
			h.buf = nil
		}
		// A body with no non-empty canonical line hashes zero bytes.
		h.closed = true
	}
	return base64.StdEncoding.EncodeToString(h.h.Sum(nil))
}

var crlf = []byte("\r\n")

// consumeLine canonicalizes one line (without its trailing CRLF) and either
// hashes it immediately (flushing any pending empty lines first) or, if it
// canonicalizes to empty, defers it as a pending trailing-empty-line
// candidate that is discarded unless a later non-empty line arrives.
func (h *Hasher) consumeLine(line []byte) {
	canon := collapseWSP(line)
	if len(canon) == 0 {
		h.pendingEmpty++
		return
	}

	for ; h.pendingEmpty > 0; h.pendingEmpty-- {
		h.h.Write(crlf)
		h.byteLength += 2
	}
	h.h.Write(canon)
	h.h.Write(crlf)
	h.byteLength += int64(len(canon)) + 2
	h.wroteAny = true
}

// collapseWSP implements RFC 6376 §3.4.4's line-reduction rule: runs of
// SP/HTAB within the line collapse to a single SP, and any WSP run abutting
// the end of the line is dropped entirely rather than collapsed.
func collapseWSP(line []byte) []byte {
	out := make([]byte, 0, len(line))
	inWSP := false
	for _, b := range line {
		if b == ' ' || b == '\t' {
			inWSP = true
			continue
		}
		if inWSP {
			out = append(out, ' ')
			inWSP = false
		}
		out = append(out, b)
	}
	// Trailing WSP run (inWSP still true at end-of-line) contributes nothing.
	return out
}

// indexCRLF returns the index of the first "\r\n" in b, or -1.
func indexCRLF(b []byte) int {
	for i := 0; i+1 < len(b); i++ {
		if b[i] == '\r' && b[i+1] == '\n' {
			return i
		}
	}
	return -1
}
