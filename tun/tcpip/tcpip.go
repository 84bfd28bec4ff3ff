// Package tcpip builds and parses the raw IPv4/TCP/UDP packets the TUN
// device exchanges with the kernel, including checksum computation:
// the standard pseudo-header layout, the usual ones-complement fold,
// and the zero-UDP-checksum -> 0xFFFF rewrite RFC 768 requires.
package tcpip

import (
	"encoding/binary"
	"net"

	"github.com/ech-tunnel/echtun/common/errors"
)

const (
	ProtoTCP = 6
	ProtoUDP = 17

	ipv4HeaderLen = 20
	tcpHeaderLen  = 20
	udpHeaderLen  = 8
)

// TCPFlags are the six classic TCP control bits.
type TCPFlags struct {
	FIN, SYN, RST, PSH, ACK, URG bool
}

func (f TCPFlags) byte() byte {
	var b byte
	if f.FIN {
		b |= 0x01
	}
	if f.SYN {
		b |= 0x02
	}
	if f.RST {
		b |= 0x04
	}
	if f.PSH {
		b |= 0x08
	}
	if f.ACK {
		b |= 0x10
	}
	if f.URG {
		b |= 0x20
	}
	return b
}

func flagsFromByte(b byte) TCPFlags {
	return TCPFlags{
		FIN: b&0x01 != 0,
		SYN: b&0x02 != 0,
		RST: b&0x04 != 0,
		PSH: b&0x08 != 0,
		ACK: b&0x10 != 0,
		URG: b&0x20 != 0,
	}
}

// checksum16 is the ones-complement sum-then-fold used by both the
// IPv4 header checksum and the TCP/UDP pseudo-header checksum.
func checksum16(data []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(data[i])<<8 | uint32(data[i+1])
	}
	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}

func pseudoHeaderChecksum(srcIP, dstIP net.IP, proto byte, segment []byte) uint16 {
	pseudo := make([]byte, 12+len(segment))
	copy(pseudo[0:4], srcIP.To4())
	copy(pseudo[4:8], dstIP.To4())
	pseudo[8] = 0
	pseudo[9] = proto
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(segment)))
	copy(pseudo[12:], segment)
	return checksum16(pseudo)
}

// BuildTCP constructs a complete IPv4+TCP packet.
func BuildTCP(srcIP, dstIP net.IP, srcPort, dstPort uint16, seq, ack uint32, flags TCPFlags, window uint16, payload []byte) []byte {
	totalLen := ipv4HeaderLen + tcpHeaderLen + len(payload)
	packet := make([]byte, totalLen)

	writeIPv4Header(packet, srcIP, dstIP, ProtoTCP, totalLen)

	tcp := packet[ipv4HeaderLen:]
	binary.BigEndian.PutUint16(tcp[0:2], srcPort)
	binary.BigEndian.PutUint16(tcp[2:4], dstPort)
	binary.BigEndian.PutUint32(tcp[4:8], seq)
	binary.BigEndian.PutUint32(tcp[8:12], ack)
	tcp[12] = 0x50 // data offset 5 words, no options
	tcp[13] = flags.byte()
	binary.BigEndian.PutUint16(tcp[14:16], window)
	// tcp[16:18] checksum placeholder, tcp[18:20] urgent pointer (0)
	copy(tcp[tcpHeaderLen:], payload)

	cksum := pseudoHeaderChecksum(srcIP, dstIP, ProtoTCP, tcp)
	binary.BigEndian.PutUint16(tcp[16:18], cksum)

	return packet
}

// BuildUDP constructs a complete IPv4+UDP packet. A computed checksum
// of exactly zero is rewritten to 0xFFFF, since zero on the wire means
// "no checksum computed."
func BuildUDP(srcIP, dstIP net.IP, srcPort, dstPort uint16, payload []byte) []byte {
	udpLen := udpHeaderLen + len(payload)
	totalLen := ipv4HeaderLen + udpLen
	packet := make([]byte, totalLen)

	writeIPv4Header(packet, srcIP, dstIP, ProtoUDP, totalLen)

	udp := packet[ipv4HeaderLen:]
	binary.BigEndian.PutUint16(udp[0:2], srcPort)
	binary.BigEndian.PutUint16(udp[2:4], dstPort)
	binary.BigEndian.PutUint16(udp[4:6], uint16(udpLen))
	copy(udp[udpHeaderLen:], payload)

	cksum := pseudoHeaderChecksum(srcIP, dstIP, ProtoUDP, udp)
	if cksum == 0 {
		cksum = 0xFFFF
	}
	binary.BigEndian.PutUint16(udp[6:8], cksum)

	return packet
}

func writeIPv4Header(packet []byte, srcIP, dstIP net.IP, proto byte, totalLen int) {
	packet[0] = 0x45 // version 4, IHL 5
	packet[1] = 0x00
	binary.BigEndian.PutUint16(packet[2:4], uint16(totalLen))
	// packet[4:6] identification = 0
	packet[6], packet[7] = 0x40, 0x00 // flags: don't fragment
	packet[8] = 64                    // TTL
	packet[9] = proto
	// packet[10:12] checksum placeholder
	copy(packet[12:16], srcIP.To4())
	copy(packet[16:20], dstIP.To4())

	cksum := checksum16(packet[0:ipv4HeaderLen])
	binary.BigEndian.PutUint16(packet[10:12], cksum)
}

// IPv4Packet is a parsed IPv4 datagram carrying TCP or UDP.
type IPv4Packet struct {
	SrcIP, DstIP net.IP
	Protocol     byte

	// TCP fields (valid when Protocol == ProtoTCP)
	SrcPort, DstPort uint16
	Seq, Ack         uint32
	Flags            TCPFlags
	Window           uint16

	Payload []byte
}

// ParseIPv4 parses a raw IPv4 packet containing TCP or UDP, validating
// the IPv4 header checksum. Other protocols return a
// KindProtocolViolation error.
func ParseIPv4(packet []byte) (*IPv4Packet, error) {
	if len(packet) < ipv4HeaderLen {
		return nil, errors.New("packet shorter than IPv4 header").AtKind(errors.KindProtocolViolation)
	}
	if packet[0]>>4 != 4 {
		return nil, errors.New("not an IPv4 packet").AtKind(errors.KindProtocolViolation)
	}
	ihl := int(packet[0]&0x0F) * 4
	if ihl < ipv4HeaderLen || len(packet) < ihl {
		return nil, errors.New("invalid IPv4 IHL").AtKind(errors.KindProtocolViolation)
	}
	totalLen := int(binary.BigEndian.Uint16(packet[2:4]))
	if totalLen > len(packet) {
		return nil, errors.New("IPv4 total length exceeds buffer").AtKind(errors.KindProtocolViolation)
	}
	if checksum16(packet[0:ihl]) != 0 {
		return nil, errors.New("invalid IPv4 header checksum").AtKind(errors.KindProtocolViolation)
	}

	proto := packet[9]
	srcIP := net.IP(append([]byte(nil), packet[12:16]...))
	dstIP := net.IP(append([]byte(nil), packet[16:20]...))
	segment := packet[ihl:totalLen]

	p := &IPv4Packet{SrcIP: srcIP, DstIP: dstIP, Protocol: proto}

	switch proto {
	case ProtoTCP:
		if len(segment) < tcpHeaderLen {
			return nil, errors.New("TCP segment shorter than header").AtKind(errors.KindProtocolViolation)
		}
		dataOffset := int(segment[12]>>4) * 4
		if dataOffset < tcpHeaderLen || dataOffset > len(segment) {
			return nil, errors.New("invalid TCP data offset").AtKind(errors.KindProtocolViolation)
		}
		p.SrcPort = binary.BigEndian.Uint16(segment[0:2])
		p.DstPort = binary.BigEndian.Uint16(segment[2:4])
		p.Seq = binary.BigEndian.Uint32(segment[4:8])
		p.Ack = binary.BigEndian.Uint32(segment[8:12])
		p.Flags = flagsFromByte(segment[13])
		p.Window = binary.BigEndian.Uint16(segment[14:16])
		p.Payload = segment[dataOffset:]
	case ProtoUDP:
		if len(segment) < udpHeaderLen {
			return nil, errors.New("UDP segment shorter than header").AtKind(errors.KindProtocolViolation)
		}
		p.SrcPort = binary.BigEndian.Uint16(segment[0:2])
		p.DstPort = binary.BigEndian.Uint16(segment[2:4])
		p.Payload = segment[udpHeaderLen:]
	default:
		return nil, errors.New("unsupported IP protocol ", proto).AtKind(errors.KindProtocolViolation)
	}

	return p, nil
}
