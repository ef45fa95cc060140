// Package router implements the Zone Router (spec.md §4.10): maps an
// envelope (and, per-recipient, a single address within it) to a Sending
// Zone name by routing header, sender domain, recipient domain, origin IP,
// or default.
package router

import (
	"strings"

	"github.com/sendzone/sendzoned/internal/addrnorm"
	"github.com/sendzone/sendzoned/internal/envelope"
	"github.com/sendzone/sendzoned/internal/xerrors"
)

// Tables are the four priority-ordered routing maps (spec.md §3 "Routing
// tables"), first-match wins: headers > senderDomain > recipientDomain >
// originIP > default.
type Tables struct {
	// RoutingHeaders maps header name -> header value -> zone. Header lines
	// are matched last-to-first per spec.md §4.10 step 1, so the lowest
	// matching header in the message (the one prepended furthest upstream)
	// takes priority over matching headers above it.
	RoutingHeaders map[string]map[string]string
	SenderDomain   map[string]string
	RecipientDomain map[string]string
	Origin         map[string]string
	Default        string
}

// HeaderLine is one (name, value) pair taken from the envelope's header
// snapshot, ordered top-to-bottom as they appear on the wire.
type HeaderLine struct {
	Name  string
	Value string
}

// FindZoneFor resolves the Sending Zone for one recipient of env, evaluating
// the four tables in priority order. headers is env's header snapshot,
// top-to-bottom; recipient is the single address being routed (spec.md
// §4.10: "one envelope may produce deliveries in distinct zones").
//
// Returns an error carrying xerrors.Permanent if no zone resolves and no
// default is configured (spec.md §4.10: "bounced immediately with a
// permanent error").
func (t Tables) FindZoneFor(env *envelope.Envelope, headers []HeaderLine, recipient string) (string, error) {
	if zone, ok := t.matchHeaders(headers); ok {
		return zone, nil
	}

	if senderDomain := domainOf(env.From); senderDomain != "" {
		if zone, ok := t.SenderDomain[senderDomain]; ok {
			return zone, nil
		}
	}

	if recipDomain := domainOf(recipient); recipDomain != "" {
		if zone, ok := t.RecipientDomain[recipDomain]; ok {
			return zone, nil
		}
	}

	if zone, ok := t.Origin[env.Origin]; ok {
		return zone, nil
	}

	if t.Default != "" {
		return t.Default, nil
	}

	return "", xerrors.Permanent(&xerrors.SMTPResponse{
		Code:         550,
		EnhancedCode: "5.1.0",
		Message:      "No route to any sending zone for this recipient",
		Err:          errNoRoute,
	})
}

type noRouteError struct{}

func (noRouteError) Error() string { return "router: no sending zone matched and no default is configured" }

var errNoRoute error = noRouteError{}

// matchHeaders scans headers last-to-first, returning the zone for the
// first registered (name, value) match (spec.md §4.10 step 1).
func (t Tables) matchHeaders(headers []HeaderLine) (string, bool) {
	if len(t.RoutingHeaders) == 0 {
		return "", false
	}
	for i := len(headers) - 1; i >= 0; i-- {
		h := headers[i]
		values, ok := t.RoutingHeaders[strings.ToLower(h.Name)]
		if !ok {
			continue
		}
		if zone, ok := values[h.Value]; ok {
			return zone, true
		}
	}
	return "", false
}

func domainOf(addr string) string {
	_, domain, err := addrnorm.Split(addr)
	if err != nil {
		return ""
	}
	folded, err := addrnorm.ToASCII(domain)
	if err != nil {
		return strings.ToLower(domain)
	}
	return folded
}
