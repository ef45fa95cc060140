package zone

import (
	"strconv"
	"strings"
	"time"

	"github.com/sendzone/sendzoned/internal/envelope"
)

// sanitizeForHeader strips bytes that would let header injection break out
// of the synthesized Received line, ported from the teacher's
// target.SanitizeForHeader.
func sanitizeForHeader(raw string) string {
	return strings.Replace(raw, "\n", "", -1)
}

// ReceivedParams carries the send-time facts GenerateReceived needs beyond
// what's already on the Envelope/Delivery (spec.md §4.9 "Received header").
type ReceivedParams struct {
	ProductName      string // e.g. "sendzoned"
	ReceivingHost    string
	EHLOKeyword      string // "ESMTP", "ESMTPS", ...
	Recipient        string
	AuthenticatedFor string // env.User, empty if unauthenticated
}

// GenerateReceived synthesizes the Received header value for one delivery
// attempt (spec.md §4.9). It is called once per attempt, before the first
// SMTP DATA byte reaches the remote (spec.md §5 ordering rule b).
func GenerateReceived(env *envelope.Envelope, d *envelope.Delivery, p ReceivedParams) string {
	var b strings.Builder
	b.Grow(256)

	b.WriteString("from ")
	if env.TransHost != "" {
		b.WriteString(sanitizeForHeader(env.TransHost))
	}
	b.WriteString(" (")
	if env.OriginHost != "" {
		b.WriteString(sanitizeForHeader(env.OriginHost))
		b.WriteByte(' ')
	}
	b.WriteByte('[')
	b.WriteString(env.Origin)
	b.WriteString("])")

	if p.ReceivingHost != "" {
		b.WriteString(" by ")
		b.WriteString(sanitizeForHeader(p.ReceivingHost))
	}

	if p.AuthenticatedFor != "" {
		b.WriteString(" (Authenticated sender: ")
		b.WriteString(sanitizeForHeader(p.AuthenticatedFor))
		b.WriteByte(')')
	}

	b.WriteString(" with ")
	if p.EHLOKeyword != "" {
		b.WriteString(p.EHLOKeyword)
	} else {
		b.WriteString(string(env.TransType))
	}

	if p.ProductName != "" {
		b.WriteString(" (")
		b.WriteString(p.ProductName)
		b.WriteByte(')')
	}

	b.WriteString(" id ")
	b.WriteString(env.ID)
	b.WriteByte('.')
	b.WriteString(strconv.Itoa(d.Seq))

	if p.Recipient != "" {
		b.WriteString(" for <")
		b.WriteString(sanitizeForHeader(p.Recipient))
		b.WriteByte('>')
	}

	if env.TLS != nil {
		b.WriteString(" (version=")
		b.WriteString(env.TLS.Version)
		b.WriteString(" cipher=")
		b.WriteString(env.TLS.Cipher)
		b.WriteByte(')')
	}

	b.WriteString("; ")
	b.WriteString(time.Now().UTC().Format("Mon, 2 Jan 2006 15:04:05 +0000"))

	return b.String()
}
