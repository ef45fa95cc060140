// Package addrnorm implements the Address Normalizer (spec.md §4.1):
// parsing, validation and canonicalization of RFC-5321 forward-path
// addresses, ported from the teacher's framework/address package.
package addrnorm

import (
	"errors"
	"strings"
)

// ErrNoAt is returned by Split (and propagates out of Normalize as the
// empty-string failure mode spec.md §4.1 describes) when addr has no
// local-part@domain structure.
var ErrNoAt = errors.New("addrnorm: missing at-sign")

// Split breaks a forward-path token into its local part (mailbox) and
// domain. The bare "postmaster" address is special-cased to have an empty
// domain, per RFC 5321.
func Split(addr string) (mailbox, domain string, err error) {
	if strings.EqualFold(addr, "postmaster") {
		return addr, "", nil
	}

	idx := strings.LastIndexByte(addr, '@')
	if idx == -1 {
		return "", "", ErrNoAt
	}
	mailbox = addr[:idx]
	domain = addr[idx+1:]
	if mailbox == "" {
		return "", "", errors.New("addrnorm: empty local-part")
	}
	if domain == "" {
		return "", "", errors.New("addrnorm: empty domain")
	}
	return mailbox, domain, nil
}

// specials are RFC 5322 "specials" (dot excluded: QuoteMbox leaves dots
// unquoted) that force local-part quoting on reassembly.
var specials = map[rune]struct{}{
	'(': {}, ')': {}, '<': {}, '>': {},
	'[': {}, ']': {}, ':': {}, ';': {},
	'@': {}, '\\': {}, ',': {},
	'"': {}, ' ': {},
}

// QuoteMbox re-escapes a local-part for reassembly into a forward-path, only
// wrapping it in quotes if it actually needs them.
func QuoteMbox(mbox string) string {
	var b strings.Builder
	b.Grow(len(mbox))
	quoted := false
	for _, ch := range mbox {
		if _, special := specials[ch]; special {
			if ch == '\\' || ch == '"' {
				b.WriteRune('\\')
			}
			b.WriteRune(ch)
			quoted = true
		} else {
			b.WriteRune(ch)
		}
	}
	if quoted {
		return `"` + b.String() + `"`
	}
	return mbox
}
