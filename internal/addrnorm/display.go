package addrnorm

import (
	"fmt"
	"strings"
)

// qEncodeLineBudget is the number of encoded characters per encoded-word
// line, per spec.md §4.1 ("52-char per-line budget"). This is narrower than
// the generic RFC 2047 75-octet limit quoted by most MIME libraries
// (including the standard library's mime.QEncoding), which is why display
// names are hand-encoded here rather than delegated to mime.WordEncoder.
const qEncodeLineBudget = 52

var asciiSafeName = func(r rune) bool {
	return (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == ' ' || r == '\''
}

// is7Bit reports whether every rune in s fits in 7-bit ASCII.
func is7Bit(s string) bool {
	for _, r := range s {
		if r > 0x7F {
			return false
		}
	}
	return true
}

// EncodeDisplayName renders a display-name for an outbound header per
// spec.md §4.1: if it contains only [A-Za-z0-9 '], it passes through
// unquoted; otherwise if it is 7-bit ASCII it gets quote-escaped; otherwise
// it is rendered as one or more RFC 2047 Q-encoded-words, each carrying at
// most qEncodeLineBudget encoded characters.
func EncodeDisplayName(name string) string {
	if name == "" {
		return ""
	}

	plain := true
	for _, r := range name {
		if !asciiSafeName(r) {
			plain = false
			break
		}
	}
	if plain {
		return name
	}

	if is7Bit(name) {
		return quoteDisplayName(name)
	}

	return qEncodeWords(name)
}

func quoteDisplayName(name string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range name {
		if r == '"' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('"')
	return b.String()
}

const qEncodeHex = "0123456789ABCDEF"

// qEncodeWords produces one or more "=?UTF-8?Q?...?=" encoded-words
// separated by CRLF+space folding, each within the configured line budget.
func qEncodeWords(name string) string {
	var words []string
	var cur strings.Builder

	flush := func() {
		if cur.Len() > 0 {
			words = append(words, fmt.Sprintf("=?UTF-8?Q?%s?=", cur.String()))
			cur.Reset()
		}
	}

	for _, r := range []byte(name) {
		enc := qEncodeByte(r)
		if cur.Len()+len(enc) > qEncodeLineBudget {
			flush()
		}
		cur.WriteString(enc)
	}
	flush()

	return strings.Join(words, "\r\n ")
}

func qEncodeByte(b byte) string {
	switch {
	case b == ' ':
		return "_"
	case (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9'):
		return string(b)
	default:
		return string([]byte{'=', qEncodeHex[b>>4], qEncodeHex[b&0xF]})
	}
}

// Addr is a structured address: an optional display name, a normalized
// mailbox, and membership in a named RFC 5322 group ("" if ungrouped).
type Addr struct {
	Name    string
	Address string
	Group   string
}

// FlattenGroups recursively flattens RFC 5322 group constructs (a group has
// a Name and no Address, with its members following) into a plain list of
// addresses tagged with their originating group, per spec.md §4.1.
func FlattenGroups(items []Addr) []Addr {
	out := make([]Addr, 0, len(items))
	var currentGroup string
	for _, it := range items {
		if it.Address == "" && it.Name != "" {
			currentGroup = it.Name
			continue
		}
		if it.Group == "" {
			it.Group = currentGroup
		}
		out = append(out, it)
	}
	return out
}
