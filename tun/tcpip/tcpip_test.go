package tcpip

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildAndParseTCPRoundTrip(t *testing.T) {
	src := net.IPv4(10, 0, 0, 1)
	dst := net.IPv4(93, 184, 216, 34)

	packet := BuildTCP(src, dst, 12345, 80, 1000, 2000, TCPFlags{SYN: true, ACK: true}, 65535, []byte("payload"))

	parsed, err := ParseIPv4(packet)
	require.NoError(t, err)
	assert.Equal(t, byte(ProtoTCP), parsed.Protocol)
	assert.True(t, src.Equal(parsed.SrcIP))
	assert.True(t, dst.Equal(parsed.DstIP))
	assert.Equal(t, uint16(12345), parsed.SrcPort)
	assert.Equal(t, uint16(80), parsed.DstPort)
	assert.Equal(t, uint32(1000), parsed.Seq)
	assert.Equal(t, uint32(2000), parsed.Ack)
	assert.True(t, parsed.Flags.SYN)
	assert.True(t, parsed.Flags.ACK)
	assert.Equal(t, []byte("payload"), parsed.Payload)
}

func TestBuildAndParseUDPRoundTrip(t *testing.T) {
	src := net.IPv4(10, 0, 0, 1)
	dst := net.IPv4(8, 8, 8, 8)

	packet := BuildUDP(src, dst, 54321, 53, []byte("DNS query"))

	parsed, err := ParseIPv4(packet)
	require.NoError(t, err)
	assert.Equal(t, byte(ProtoUDP), parsed.Protocol)
	assert.Equal(t, uint16(54321), parsed.SrcPort)
	assert.Equal(t, uint16(53), parsed.DstPort)
	assert.Equal(t, []byte("DNS query"), parsed.Payload)
}

func TestIPv4HeaderChecksumValid(t *testing.T) {
	packet := BuildTCP(net.IPv4(1, 2, 3, 4), net.IPv4(5, 6, 7, 8), 1, 2, 0, 0, TCPFlags{SYN: true}, 0, nil)
	assert.Equal(t, uint16(0), checksum16(packet[0:20]),
		"ones-complement sum over a header with its own checksum filled in must fold to zero")
}

func TestUDPZeroChecksumRewrittenTo0xFFFF(t *testing.T) {
	// With these addresses, ports and a 2-byte payload, the pseudo-header
	// plus UDP header sum to 0x142b; the payload 0xebd4 brings the sum to
	// exactly 0xffff, so the checksum computes to 0 and must be rewritten.
	packet := BuildUDP(net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 2), 1, 2, []byte{0xeb, 0xd4})
	cksum := uint16(packet[ipv4HeaderLen+6])<<8 | uint16(packet[ipv4HeaderLen+7])
	assert.Equal(t, uint16(0xFFFF), cksum)
}

func TestParseIPv4RejectsNonIPv4(t *testing.T) {
	_, err := ParseIPv4([]byte{0x60, 0, 0, 0})
	assert.Error(t, err)
}
