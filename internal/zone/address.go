package zone

import (
	"hash/crc32"
	"strconv"
	"time"

	"github.com/sendzone/sendzoned/internal/domainconfig"
	"github.com/sendzone/sendzoned/internal/envelope"
)

// PoolHashMode selects the key getAddress hashes on (spec.md §3 "Sending
// Zone", poolHash mode).
type PoolHashMode string

const (
	// PoolHashFrom keys on the envelope's sender address.
	PoolHashFrom PoolHashMode = "from"
	// PoolHashDefault keys on "id.seq", the per-delivery default.
	PoolHashDefault PoolHashMode = ""
)

// GetAddress implements spec.md §4.9's source selection: picks between the
// IPv4/IPv6 expanded pools, applies the domain's soft blacklist filter, and
// hashes a stable key into the surviving pool so retries of the same
// delivery land on the same source IP (required for greylisting
// continuity).
func GetAddress(
	pool4, pool6 []string,
	useIPv6 bool,
	hashMode PoolHashMode,
	domains *domainconfig.Store,
	env *envelope.Envelope,
	d *envelope.Delivery,
) (addr string, poolDisabled bool) {
	pool := pool4
	if useIPv6 && len(pool6) > 0 {
		pool = pool6
	}
	if len(pool) == 0 {
		return "", false
	}

	eligible := pool
	if domains != nil {
		filtered := domains.FilterEligible(d.Domain, pool, time.Now())
		if len(filtered) == 0 {
			// spec.md §4.9 step 2: filtering to empty silently bypasses the
			// filter rather than stalling delivery.
			poolDisabled = true
		} else {
			eligible = filtered
		}
	}

	key := hashKey(hashMode, env, d)
	idx := crc32.ChecksumIEEE([]byte(key)) % uint32(len(eligible))
	return eligible[idx], poolDisabled
}

// hashKey computes the CRC-32 input per spec.md §4.9 step 3.
func hashKey(mode PoolHashMode, env *envelope.Envelope, d *envelope.Delivery) string {
	if d.PoolHashOverride != "" {
		return d.PoolHashOverride
	}
	switch mode {
	case PoolHashFrom:
		if d.StickyFrom != "" {
			return d.StickyFrom
		}
		if env != nil && env.From != "" {
			return env.From
		}
		if env != nil && env.Origin != "" {
			return env.Origin
		}
	}
	return d.EnvelopeID + "." + strconv.Itoa(d.Seq)
}
