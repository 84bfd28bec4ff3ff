// Package netutil defines the Target address representation shared by
// ingress, mux stream headers, and the TUN packet path: an address
// kind, port, and transport, plus its ATYP wire encoding. Grounded on
// xray-core's common/net Destination/Address split but collapsed into
// one wire-oriented type since this project has a single ATYP-encoded
// header rather than xray's richer Destination.
package netutil

import (
	"fmt"
	"net"

	"github.com/ech-tunnel/echtun/common/errors"
)

// Kind distinguishes how Target's address should be interpreted.
type Kind uint8

const (
	KindIPv4   Kind = 0x01
	KindDomain Kind = 0x03
	KindIPv6   Kind = 0x04
)

// Transport is the upstream protocol a Target stream carries.
type Transport uint8

const (
	TransportTCP Transport = iota
	TransportUDP
)

// Target is one upstream destination: an address of a given Kind, a
// port, and which transport the caller wants relayed.
type Target struct {
	Kind      Kind
	IP        net.IP // set when Kind is KindIPv4 or KindIPv6
	Domain    string // set when Kind is KindDomain
	Port      uint16
	Transport Transport
}

// NewDomainTarget builds a domain-addressed Target. Domain names are
// never locally resolved before this point: they are forwarded
// verbatim so SNI/ECH continuity is preserved at the relay's origin
// hop.
func NewDomainTarget(domain string, port uint16, t Transport) Target {
	return Target{Kind: KindDomain, Domain: domain, Port: port, Transport: t}
}

// NewIPTarget builds an IP-addressed Target, choosing IPv4 or IPv6
// encoding from ip's form.
func NewIPTarget(ip net.IP, port uint16, t Transport) Target {
	if v4 := ip.To4(); v4 != nil {
		return Target{Kind: KindIPv4, IP: v4, Port: port, Transport: t}
	}
	return Target{Kind: KindIPv6, IP: ip.To16(), Port: port, Transport: t}
}

// String renders a human-readable "host:port" form for logging.
func (t Target) String() string {
	host := t.Domain
	if host == "" && t.IP != nil {
		host = t.IP.String()
	}
	return net.JoinHostPort(host, fmt.Sprintf("%d", t.Port))
}

// Host returns the dialable host component: the domain if set, else
// the IP's string form.
func (t Target) Host() string {
	if t.Domain != "" {
		return t.Domain
	}
	return t.IP.String()
}

// Encode writes the ATYP-encoded stream header:
//
//	1 byte ATYP (0x01 IPv4 / 0x03 domain / 0x04 IPv6)
//	0x01: 4 bytes address
//	0x03: 1 byte length, then that many bytes of domain
//	0x04: 16 bytes address
//	2 bytes port, big-endian
func (t Target) Encode() ([]byte, error) {
	var buf []byte
	switch t.Kind {
	case KindIPv4:
		if len(t.IP) != 4 {
			return nil, errors.New("IPv4 target has wrong address length").
				AtKind(errors.KindProtocolViolation)
		}
		buf = append([]byte{byte(KindIPv4)}, t.IP...)
	case KindIPv6:
		if len(t.IP) != 16 {
			return nil, errors.New("IPv6 target has wrong address length").
				AtKind(errors.KindProtocolViolation)
		}
		buf = append([]byte{byte(KindIPv6)}, t.IP...)
	case KindDomain:
		if len(t.Domain) == 0 || len(t.Domain) > 0xFF {
			return nil, errors.New("domain target has invalid length").
				AtKind(errors.KindProtocolViolation)
		}
		buf = append([]byte{byte(KindDomain), byte(len(t.Domain))}, []byte(t.Domain)...)
	default:
		return nil, errors.New("unknown target kind ", t.Kind).AtKind(errors.KindProtocolViolation)
	}
	buf = append(buf, byte(t.Port>>8), byte(t.Port))
	return buf, nil
}

// EncodeHeader returns the complete stream header for t: the
// ATYP-encoded address, prefixed for UDP targets with a
// "UDP:{host}:{port}\n" discriminator line so the relay can tell a
// UDP-carrying stream from a TCP one before it reads any ATYP bytes,
// instead of dialing TCP by default. TCP targets are encoded exactly
// as Encode alone would produce, so existing TCP streams are unchanged.
func (t Target) EncodeHeader() ([]byte, error) {
	atyp, err := t.Encode()
	if err != nil {
		return nil, err
	}
	if t.Transport != TransportUDP {
		return atyp, nil
	}
	line := []byte(fmt.Sprintf("UDP:%s\n", t.String()))
	return append(line, atyp...), nil
}

// Decode reads one ATYP-encoded header from buf, returning the decoded
// Target and the number of bytes consumed.
func Decode(buf []byte) (Target, int, error) {
	if len(buf) < 2 {
		return Target{}, 0, errors.New("target header too short").
			AtKind(errors.KindProtocolViolation)
	}
	switch Kind(buf[0]) {
	case KindIPv4:
		if len(buf) < 1+4+2 {
			return Target{}, 0, errors.New("truncated IPv4 target header").
				AtKind(errors.KindProtocolViolation)
		}
		ip := net.IP(append([]byte(nil), buf[1:5]...))
		port := uint16(buf[5])<<8 | uint16(buf[6])
		return Target{Kind: KindIPv4, IP: ip, Port: port}, 7, nil
	case KindIPv6:
		if len(buf) < 1+16+2 {
			return Target{}, 0, errors.New("truncated IPv6 target header").
				AtKind(errors.KindProtocolViolation)
		}
		ip := net.IP(append([]byte(nil), buf[1:17]...))
		port := uint16(buf[17])<<8 | uint16(buf[18])
		return Target{Kind: KindIPv6, IP: ip, Port: port}, 19, nil
	case KindDomain:
		if len(buf) < 2 {
			return Target{}, 0, errors.New("truncated domain target header").
				AtKind(errors.KindProtocolViolation)
		}
		dlen := int(buf[1])
		need := 2 + dlen + 2
		if len(buf) < need {
			return Target{}, 0, errors.New("truncated domain target header").
				AtKind(errors.KindProtocolViolation)
		}
		domain := string(buf[2 : 2+dlen])
		port := uint16(buf[2+dlen])<<8 | uint16(buf[3+dlen])
		return Target{Kind: KindDomain, Domain: domain, Port: port}, need, nil
	default:
		return Target{}, 0, errors.New("unknown ATYP ", buf[0]).AtKind(errors.KindProtocolViolation)
	}
}
