// Package envelope defines the Envelope and Delivery data model (spec.md
// §3): the immutable-after-store envelope metadata and the per-recipient
// Delivery records the Sending Zone operates on.
package envelope

import (
	"time"

	"github.com/emersion/go-message/textproto"
)

// TransType names the transport the message arrived over, per spec.md §3.
type TransType string

const (
	TransSMTP    TransType = "SMTP"
	TransESMTP   TransType = "ESMTP"
	TransESMTPS  TransType = "ESMTPS"
	TransESMTPSA TransType = "ESMTPSA"
)

// TLSInfo captures the ingress TLS parameters for Received-header synthesis
// and metadata persistence (spec.md §3, §6).
type TLSInfo struct {
	Version string
	Cipher  string
}

// DKIMConfig carries the per-envelope DKIM signature-preparation state
// (spec.md §3): the hash algorithm chosen for the body hash, an optional
// debug flag, and the computed digest once available.
type DKIMConfig struct {
	HashAlgo  string // "sha256" default, per spec.md §4.4
	Debug     bool
	BodyHash  string // base64, filled in once the hasher completes
}

// Envelope is immutable after message:store fires (spec.md §4.7 step 5).
// Mutating any field after that point is a caller bug; nothing here enforces
// it beyond convention, matching the teacher's module.MsgMetadata style.
type Envelope struct {
	ID          string
	Interface   string
	From        string
	To          []string
	Origin      string // origin IP
	OriginHost  string // reverse-DNS of Origin, if resolved
	TransHost   string // client HELO/EHLO argument
	TransType   TransType
	User        string // authenticated user, "" if unauthenticated
	TLS         *TLSInfo
	Time        time.Time
	SendingZone string
	Headers     *textproto.Header // snapshot taken at message:headers time
	DKIM        DKIMConfig
	BodySize    int64
}

// Delivery is one recipient's outbound attempt fanned out from an Envelope
// (spec.md §3). (ID, Seq) is unique and in-flight for at most one
// lock-owner at a time — that invariant is enforced by the queue backend,
// not by this struct.
type Delivery struct {
	EnvelopeID string
	Recipient  string
	Domain     string // ASCII-folded
	Seq        int    // monotonic per envelope, 1-based

	Attempts    int
	NextAttempt time.Time

	PoolHashOverride string // optional override for the hash key used by getAddress
	StickyFrom       string // optional sender address used for hashing continuity

	PoolDisabled bool // set when the blacklist filter was bypassed for this delivery (spec.md §4.9 step 2)
}
