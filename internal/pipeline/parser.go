// Package pipeline implements the Message Parser (spec.md §4.3): it splits
// a raw message stream into (headers, body), gives a caller-supplied
// callback exactly one chance to mutate the headers before they are
// re-serialized, and re-emits a single well-formed byte stream downstream.
package pipeline

import (
	"bufio"
	"io"

	"github.com/emersion/go-message/textproto"
)

// HeaderCallback is invoked once, synchronously, with the parsed root
// headers. It may mutate hdr in place (insert Received, rewrite
// Message-Id, ...) — spec.md §4.3 and §4.7 step 3 (message:headers hooks).
type HeaderCallback func(hdr *textproto.Header) error

// Parser streams a message: read headers, hand them to the callback, then
// copy header + body back out as a single well-formed byte stream, with
// exactly one insertion point (the serialized header) before the
// CRLF-CRLF separator — spec.md §4.3's ordering contract.
type Parser struct {
	HeaderCB HeaderCallback
}

// Parse reads src, invokes p.HeaderCB on the header snapshot, and writes the
// full wire-form message (possibly-mutated headers, then the unmodified
// body bytes) to dst. It returns the parsed header (post-mutation) so
// callers (Mail Drop) can inspect it for routing/metadata purposes, and the
// number of body bytes written.
func (p *Parser) Parse(src io.Reader, dst io.Writer) (textproto.Header, int64, error) {
	br := bufio.NewReader(src)

	hdr, err := textproto.ReadHeader(br)
	if err != nil {
		return textproto.Header{}, 0, err
	}

	if p.HeaderCB != nil {
		if err := p.HeaderCB(&hdr); err != nil {
			return hdr, 0, err
		}
	}

	if err := textproto.WriteHeader(dst, hdr); err != nil {
		return hdr, 0, err
	}

	n, err := io.Copy(dst, br)
	if err != nil {
		return hdr, n, err
	}

	return hdr, n, nil
}
