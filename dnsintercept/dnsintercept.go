// Package dnsintercept answers DNS queries captured off the TUN
// device locally, so that every A/AAAA lookup a captured application
// makes resolves to a fakedns.Pool address instead of leaving the
// device — and so that the device's own attempt to discover the real
// server's ECH config (an HTTPS RR query) is suppressed, which is what
// forces the connection through this tunnel's own ECH path instead of
// the origin's.
//
// Built against github.com/miekg/dns (the DNS message library already
// used by the doh package) instead of hand-rolling wire encoding twice
// in one repo.
package dnsintercept

import (
	"context"
	"net"

	"github.com/ech-tunnel/echtun/common/log"
	"github.com/ech-tunnel/echtun/config"
	"github.com/ech-tunnel/echtun/doh"
	"github.com/ech-tunnel/echtun/fakedns"
	"github.com/miekg/dns"
)

// Interceptor answers DNS queries using a fakedns.Pool. Query types it
// has no synthetic answer for (anything but A/AAAA/HTTPS) are forwarded
// to Forward, when set, instead of being NXDOMAIN'd.
type Interceptor struct {
	Pool    *fakedns.Pool
	Forward *doh.Resolver
}

// NewInterceptor builds an Interceptor backed by pool, with no
// forwarding resolver configured; set Forward afterward to enable it.
func NewInterceptor(pool *fakedns.Pool) *Interceptor {
	return &Interceptor{Pool: pool}
}

// Handle parses one raw DNS message (as captured from a UDP/53 TUN
// packet) and returns the raw bytes of its answer. Queries this
// package can't synthesize an answer for are forwarded over DoH via
// Forward when one is configured.
func (i *Interceptor) Handle(query []byte) ([]byte, error) {
	req := new(dns.Msg)
	if err := req.Unpack(query); err != nil {
		return nil, err
	}

	if i.shouldForward(req) {
		resp, err := i.Forward.QueryRaw(context.Background(), query)
		if err == nil {
			return resp, nil
		}
		log.Warningf("dnsintercept: DoH forward for %q failed, answering NXDOMAIN: %v",
			req.Question[0].Name, err)
	}

	resp := i.Answer(req)
	return resp.Pack()
}

// shouldForward reports whether req is neither an A/AAAA lookup nor an
// HTTPS RR query this package answers itself, and a forwarding
// resolver is configured to handle it instead.
func (i *Interceptor) shouldForward(req *dns.Msg) bool {
	if i.Forward == nil || len(req.Question) == 0 {
		return false
	}
	switch req.Question[0].Qtype {
	case dns.TypeA, dns.TypeAAAA, dns.TypeHTTPS:
		return false
	default:
		return true
	}
}

// Answer builds the in-memory response for req, without touching the
// wire.
func (i *Interceptor) Answer(req *dns.Msg) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Authoritative = true

	if len(req.Question) == 0 {
		resp.Rcode = dns.RcodeFormatError
		return resp
	}
	q := req.Question[0]
	name := q.Name

	switch q.Qtype {
	case dns.TypeA:
		v4, _ := i.Pool.Allocate(name)
		resp.Answer = append(resp.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: config.FakeDNSTTLSeconds},
			A:   v4,
		})
	case dns.TypeAAAA:
		_, v6 := i.Pool.Allocate(name)
		resp.Answer = append(resp.Answer, &dns.AAAA{
			Hdr:  dns.RR_Header{Name: name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: config.FakeDNSTTLSeconds},
			AAAA: v6,
		})
	case dns.TypeHTTPS:
		// NOERROR with zero answers: starves the application's own ECH
		// discovery so it falls back to a plain connection attempt,
		// which the TUN TCP path then intercepts and tunnels.
		resp.Rcode = dns.RcodeSuccess
	default:
		resp.Rcode = dns.RcodeNameError
	}

	return resp
}

// ResolveDestination maps a TUN-observed destination IP back to the
// original domain, for use by the TCP/UDP state machines when opening
// an upstream stream. ok is false for non-fake (real) destination IPs.
func (i *Interceptor) ResolveDestination(ip net.IP) (domain string, ok bool) {
	if v4 := ip.To4(); v4 != nil && fakedns.IsFakeIPv4(v4) {
		return i.Pool.LookupIPv4(v4)
	}
	if fakedns.IsFakeIPv6(ip) {
		return i.Pool.LookupIPv6(ip)
	}
	return "", false
}
