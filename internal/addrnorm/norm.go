package addrnorm

import (
	"strings"

	"golang.org/x/net/idna"
)

// domainProfile is the IDNA profile used to ASCII-fold domains for lookups
// and storage, lower-cased per spec.md §4.1 ("domain → ASCII").
var domainProfile = idna.New(
	idna.MapForLookup(),
	idna.Transitional(false),
	idna.StrictDomainName(false),
)

// ToASCII renders domain in its A-label (punycode) form, lower-cased — the
// representation actually sent on the wire in EHLO/MX lookups, and the form
// spec.md §4.1 requires for the stored/routing-key address ("domain ->
// ASCII"). A U-label input like "тест.example.org" yields
// "xn--e1aybc.example.org"; an already-ASCII domain passes through folded.
func ToASCII(domain string) (string, error) {
	return domainProfile.ToASCII(strings.ToLower(domain))
}

// Normalize implements spec.md §4.1: split at the last '@', trim the
// local-part (case-preserving), ASCII-fold the domain, reassemble.
//
// Invalid input normalizes to the empty string, which callers treat as "no
// address" (spec.md §4.1 failure mode).
func Normalize(addr string) string {
	mailbox, domain, err := Split(addr)
	if err != nil {
		return ""
	}
	mailbox = strings.TrimSpace(mailbox)

	if domain == "" {
		// postmaster special case
		return mailbox
	}

	foldedDomain, err := ToASCII(domain)
	if err != nil {
		return ""
	}

	return mailbox + "@" + foldedDomain
}

// Equal reports whether two addresses normalize to the same value.
func Equal(a, b string) bool {
	na, nb := Normalize(a), Normalize(b)
	return na != "" && na == nb
}

// CleanDomain returns addr with just its domain part canonicalized,
// preserving local-part case exactly (used when the mailbox itself must
// stay case-sensitive per RFC 5321, only the domain needing ASCII-folding).
func CleanDomain(addr string) (string, error) {
	mailbox, domain, err := Split(addr)
	if err != nil {
		return "", err
	}
	if domain == "" {
		return mailbox, nil
	}
	folded, err := ToASCII(domain)
	if err != nil {
		return "", err
	}
	return mailbox + "@" + folded, nil
}
