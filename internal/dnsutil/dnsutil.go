// Package dnsutil resolves the MX and A/AAAA records the Sending Zone uses
// to pick a delivery target and IPv6 route, and the reverse-DNS (PTR) name
// the SMTP Ingress records as Envelope.OriginHost (spec.md §3). Ported from
// the teacher's framework/dns.ExtResolver, trimmed to the MX/A/AAAA/PTR
// lookups this core actually consumes — the DNSSEC AD-flag bookkeeping and
// the TLSA/CNAME lookups that back DANE/MTA-STS have no caller here.
package dnsutil

import (
	"context"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/miekg/dns"
)

// Resolver is the lookup surface the Sending Zone and Mail Drop depend on,
// narrow enough to fake in tests.
type Resolver interface {
	LookupMX(ctx context.Context, domain string) ([]*net.MX, error)
	LookupAddr(ctx context.Context, ip net.IP) (string, error)
	// LookupHost returns every A/AAAA address for host, used to decide
	// whether a delivery target has a usable IPv6 route (spec.md §4.9's
	// ignoreIPv6/preferIPv6 handling).
	LookupHost(ctx context.Context, host string) ([]net.IP, error)
}

// RCodeError reports a non-success RCODE in a DNS response.
type RCodeError struct {
	Name string
	Code int
}

func (e RCodeError) Error() string {
	switch e.Code {
	case dns.RcodeFormatError:
		return "dnsutil: FORMERR looking up " + e.Name
	case dns.RcodeServerFailure:
		return "dnsutil: SERVFAIL looking up " + e.Name
	case dns.RcodeNameError:
		return "dnsutil: NXDOMAIN looking up " + e.Name
	case dns.RcodeNotImplemented:
		return "dnsutil: NOTIMP looking up " + e.Name
	case dns.RcodeRefused:
		return "dnsutil: REFUSED looking up " + e.Name
	}
	return "dnsutil: rcode " + strconv.Itoa(e.Code) + " looking up " + e.Name
}

// Temporary reports whether the failure is worth retrying: SERVFAIL is
// transient, everything else (NXDOMAIN, REFUSED, ...) is not.
func (e RCodeError) Temporary() bool {
	return e.Code == dns.RcodeServerFailure
}

// Client is a Resolver backed directly by miekg/dns, bypassing the
// standard library's resolver so callers can see the raw RCODE rather
// than net's coarser *net.DNSError classification.
type Client struct {
	cl  *dns.Client
	cfg *dns.ClientConfig
}

// NewClient builds a Client from the system's /etc/resolv.conf.
func NewClient() (*Client, error) {
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return nil, err
	}
	if len(cfg.Servers) == 0 {
		cfg.Servers = []string{"127.0.0.1"}
	}
	return &Client{
		cl:  &dns.Client{Dialer: &net.Dialer{Timeout: time.Duration(cfg.Timeout) * time.Second}},
		cfg: cfg,
	}, nil
}

func (c *Client) exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	var resp *dns.Msg
	var lastErr error
	for _, srv := range c.cfg.Servers {
		resp, _, lastErr = c.cl.ExchangeContext(ctx, msg, net.JoinHostPort(srv, c.cfg.Port))
		if lastErr != nil {
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = RCodeError{Name: msg.Question[0].Name, Code: resp.Rcode}
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}

// LookupMX returns domain's MX records, sorted by ascending preference
// (lowest-preference host tried first), per the Zone Router's delivery
// target selection.
func (c *Client) LookupMX(ctx context.Context, domain string) ([]*net.MX, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), dns.TypeMX)
	msg.SetEdns0(4096, false)

	resp, err := c.exchange(ctx, msg)
	if err != nil {
		return nil, err
	}

	mxs := make([]*net.MX, 0, len(resp.Answer))
	for _, rr := range resp.Answer {
		mxRR, ok := rr.(*dns.MX)
		if !ok {
			continue
		}
		mxs = append(mxs, &net.MX{Host: mxRR.Mx, Pref: mxRR.Preference})
	}
	sort.Slice(mxs, func(i, j int) bool { return mxs[i].Pref < mxs[j].Pref })
	return mxs, nil
}

// LookupAddr returns the first PTR name for ip, trailing dot stripped, or
// "" if there is none.
func (c *Client) LookupAddr(ctx context.Context, ip net.IP) (string, error) {
	revAddr, err := dns.ReverseAddr(ip.String())
	if err != nil {
		return "", err
	}

	msg := new(dns.Msg)
	msg.SetQuestion(revAddr, dns.TypePTR)
	msg.SetEdns0(4096, false)

	resp, err := c.exchange(ctx, msg)
	if err != nil {
		return "", err
	}

	for _, rr := range resp.Answer {
		ptrRR, ok := rr.(*dns.PTR)
		if !ok {
			continue
		}
		name := ptrRR.Ptr
		if len(name) > 0 && name[len(name)-1] == '.' {
			name = name[:len(name)-1]
		}
		return name, nil
	}
	return "", nil
}

// LookupHost returns every A/AAAA address for host.
func (c *Client) LookupHost(ctx context.Context, host string) ([]net.IP, error) {
	var ips []net.IP

	aMsg := new(dns.Msg)
	aMsg.SetQuestion(dns.Fqdn(host), dns.TypeA)
	aMsg.SetEdns0(4096, false)
	if resp, err := c.exchange(ctx, aMsg); err == nil {
		for _, rr := range resp.Answer {
			if a, ok := rr.(*dns.A); ok {
				ips = append(ips, a.A)
			}
		}
	}

	aaaaMsg := new(dns.Msg)
	aaaaMsg.SetQuestion(dns.Fqdn(host), dns.TypeAAAA)
	aaaaMsg.SetEdns0(4096, false)
	if resp, err := c.exchange(ctx, aaaaMsg); err == nil {
		for _, rr := range resp.Answer {
			if aaaa, ok := rr.(*dns.AAAA); ok {
				ips = append(ips, aaaa.AAAA)
			}
		}
	}

	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no A/AAAA records", Name: host, IsNotFound: true}
	}
	return ips, nil
}

// IsNotFound reports whether err represents an authoritative "no such
// record" response rather than a transient failure.
func IsNotFound(err error) bool {
	rc, ok := err.(RCodeError)
	return ok && rc.Code == dns.RcodeNameError
}
