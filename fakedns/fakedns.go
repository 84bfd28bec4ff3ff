// Package fakedns implements a synthetic address pool: a domain gets a
// stable IPv4 address out of 198.18.0.0/16 on first lookup, round-robin
// once the pool wraps, with an IPv6 form that embeds the same IPv4
// address under fc00::/96. A bounded reverse (IP -> domain) map evicts
// the oldest entry once the pool fills, keeping the forward map
// consistent on eviction.
//
// Built around hashicorp/golang-lru/v2 for the IP->domain map plus a
// plain Go map for the domain->IP forward map, both guarded by one
// mutex: lookups take the same lock as allocations, so reads are not
// lock-free.
package fakedns

import (
	"encoding/binary"
	"net"
	"strings"
	"sync"

	"github.com/ech-tunnel/echtun/config"
	lru "github.com/hashicorp/golang-lru/v2"
)

// fakeIPv4Start is 198.18.0.0, the first address of the pool.
var fakeIPv4Start = binary.BigEndian.Uint32(net.IPv4(198, 18, 0, 0).To4())

// ipv6Prefix is fc00::/96; the low 32 bits carry the embedded IPv4.
var ipv6Prefix = [16]byte{0xfc, 0x00}

// Pool allocates and resolves synthetic addresses for domains seen by
// the TUN DNS interceptor.
type Pool struct {
	mu         sync.Mutex
	domainToIP map[string]uint32
	ipToDomain *lru.Cache[uint32, string]
	cursor     uint32
}

// NewPool builds an empty Pool sized per config.FakeIPv4PoolSize. The
// allocation cursor recycles the same fixed set of keys forever, so
// the cache never fills past capacity; Allocate reconciles domainToIP
// by hand whenever a recycled IP's previous owner changes.
func NewPool() *Pool {
	cache, _ := lru.New[uint32, string](config.FakeIPv4PoolSize)
	return &Pool{
		domainToIP: make(map[string]uint32),
		ipToDomain: cache,
	}
}

func normalize(domain string) string {
	return strings.ToLower(strings.TrimSuffix(domain, "."))
}

// IsFakeIPv4 reports whether ip falls inside the synthetic pool.
func IsFakeIPv4(ip net.IP) bool {
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	n := binary.BigEndian.Uint32(v4)
	return n >= fakeIPv4Start && n < fakeIPv4Start+config.FakeIPv4PoolSize
}

// IsFakeIPv6 reports whether ip is an fc00::/96-embedded address.
func IsFakeIPv6(ip net.IP) bool {
	v6 := ip.To16()
	if v6 == nil || ip.To4() != nil {
		return false
	}
	for i := 0; i < 12; i++ {
		if v6[i] != ipv6Prefix[i] {
			return false
		}
	}
	return true
}

// mapV4ToV6 embeds v4 into the fc00::/96 prefix.
func mapV4ToV6(v4 net.IP) net.IP {
	var out [16]byte
	copy(out[:12], ipv6Prefix[:12])
	copy(out[12:], v4.To4())
	return net.IP(out[:])
}

// Allocate returns the stable (IPv4, IPv6) pair for domain, assigning
// one from the pool on first sight (round-robin once the pool wraps,
// evicting the least-recently-used mapping).
func (p *Pool) Allocate(domain string) (net.IP, net.IP) {
	domain = normalize(domain)

	p.mu.Lock()
	defer p.mu.Unlock()

	if n, ok := p.domainToIP[domain]; ok {
		v4 := ipv4FromUint32(n)
		return v4, mapV4ToV6(v4)
	}

	n := fakeIPv4Start + p.cursor
	p.cursor = (p.cursor + 1) % config.FakeIPv4PoolSize

	// The cursor recycles the same 65536 keys forever, so the cache
	// itself never fills past capacity and its own eviction callback
	// never fires; a previous owner of this exact IP (if any) must be
	// forgotten here instead.
	if oldDomain, ok := p.ipToDomain.Peek(n); ok && oldDomain != domain {
		delete(p.domainToIP, oldDomain)
	}
	p.ipToDomain.Add(n, domain)
	p.domainToIP[domain] = n

	v4 := ipv4FromUint32(n)
	return v4, mapV4ToV6(v4)
}

func ipv4FromUint32(n uint32) net.IP {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], n)
	return net.IP(b[:])
}

// LookupIPv4 resolves a synthetic IPv4 address back to its domain.
func (p *Pool) LookupIPv4(ip net.IP) (string, bool) {
	v4 := ip.To4()
	if v4 == nil || !IsFakeIPv4(v4) {
		return "", false
	}
	n := binary.BigEndian.Uint32(v4)

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ipToDomain.Peek(n)
}

// LookupIPv6 extracts the embedded IPv4 from ip and resolves it.
func (p *Pool) LookupIPv6(ip net.IP) (string, bool) {
	if !IsFakeIPv6(ip) {
		return "", false
	}
	v6 := ip.To16()
	v4 := net.IP(v6[12:16])
	return p.LookupIPv4(v4)
}

// LookupDomain returns domain's already-allocated addresses, if any,
// without allocating a new one.
func (p *Pool) LookupDomain(domain string) (net.IP, net.IP, bool) {
	domain = normalize(domain)
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.domainToIP[domain]
	if !ok {
		return nil, nil, false
	}
	v4 := ipv4FromUint32(n)
	return v4, mapV4ToV6(v4), true
}
