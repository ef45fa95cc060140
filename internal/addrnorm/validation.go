package addrnorm

import (
	"strings"
	"unicode"

	"golang.org/x/net/idna"
)

// Valid reports whether addr is an RFC-5321-valid forward-path.
func Valid(addr string) bool {
	if len(addr) > 320 { // RFC 3696: 320, not the commonly-cited 255.
		return false
	}
	mailbox, domain, err := Split(addr)
	if err != nil {
		return false
	}
	if domain == "" {
		return true // postmaster
	}
	return validMailboxName(mailbox) && validDomain(domain)
}

var validGraphic = map[rune]bool{
	'!': true, '#': true, '$': true, '%': true, '&': true, '\'': true,
	'*': true, '+': true, '-': true, '/': true, '=': true, '?': true,
	'^': true, '_': true, '`': true, '{': true, '|': true, '}': true,
	'~': true, '.': true,
}

func validMailboxName(mbox string) bool {
	for _, ch := range mbox {
		if validGraphic[ch] || unicode.IsLetter(ch) || unicode.IsDigit(ch) {
			continue
		}
		if ch > 0x7F {
			continue // RFC 6531 SMTPUTF8: any non-ASCII allowed
		}
		return false
	}
	return true
}

func validDomain(domain string) bool {
	if len(domain) == 0 || len(domain) > 255 {
		return false
	}
	if strings.HasPrefix(domain, ".") || strings.Contains(domain, "..") {
		return false
	}
	ascii, err := idna.ToASCII(domain)
	if err != nil {
		return false
	}
	for _, label := range strings.Split(ascii, ".") {
		if len(label) > 64 {
			return false
		}
	}
	return true
}

// ASCIISafe substitutes 'x' for every non-ASCII rune, for use as validator
// input only (spec.md §4.8 RCPT TO: "unicode escape hatch: non-ASCII chars
// substituted with 'x' for validator input only").
func ASCIISafe(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r > unicode.MaxASCII {
			b.WriteByte('x')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
