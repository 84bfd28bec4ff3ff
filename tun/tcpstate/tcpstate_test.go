package tcpstate

import (
	"net"
	"testing"

	"github.com/ech-tunnel/echtun/tun/tcpip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectWrites(t *testing.T) (WriteFunc, func() []*tcpip.IPv4Packet) {
	t.Helper()
	var packets []*tcpip.IPv4Packet
	return func(packet []byte) error {
			p, err := tcpip.ParseIPv4(packet)
			require.NoError(t, err)
			packets = append(packets, p)
			return nil
		}, func() []*tcpip.IPv4Packet {
			return packets
		}
}

func TestFullHandshakeDataAndTeardown(t *testing.T) {
	write, writes := collectWrites(t)
	mgr := NewManager(write)

	localIP := net.IPv4(10, 0, 0, 2)
	remoteIP := net.IPv4(93, 184, 216, 34)

	syn := &tcpip.IPv4Packet{
		SrcIP: localIP, DstIP: remoteIP, SrcPort: 40000, DstPort: 443,
		Seq: 1000, Flags: tcpip.TCPFlags{SYN: true},
	}
	action, err := mgr.HandlePacket(syn)
	require.NoError(t, err)
	assert.Equal(t, ActionSynAckSent, action.Kind)
	require.Len(t, writes(), 1)
	assert.True(t, writes()[0].Flags.SYN)
	assert.True(t, writes()[0].Flags.ACK)

	ack := &tcpip.IPv4Packet{
		SrcIP: localIP, DstIP: remoteIP, SrcPort: 40000, DstPort: 443,
		Seq: 1001, Ack: writes()[0].Seq + 1, Flags: tcpip.TCPFlags{ACK: true},
	}
	action, err = mgr.HandlePacket(ack)
	require.NoError(t, err)
	assert.Equal(t, ActionEstablished, action.Kind)

	data := &tcpip.IPv4Packet{
		SrcIP: localIP, DstIP: remoteIP, SrcPort: 40000, DstPort: 443,
		Seq: 1001, Flags: tcpip.TCPFlags{ACK: true, PSH: true}, Payload: []byte("GET / HTTP/1.1"),
	}
	action, err = mgr.HandlePacket(data)
	require.NoError(t, err)
	require.Equal(t, ActionDataReceived, action.Kind)
	assert.Equal(t, []byte("GET / HTTP/1.1"), action.Payload)

	key := action.Key
	err = mgr.SendData(key, []byte("HTTP/1.1 200 OK"))
	require.NoError(t, err)

	fin := &tcpip.IPv4Packet{
		SrcIP: localIP, DstIP: remoteIP, SrcPort: 40000, DstPort: 443,
		Seq: 1015, Flags: tcpip.TCPFlags{FIN: true, ACK: true},
	}
	action, err = mgr.HandlePacket(fin)
	require.NoError(t, err)
	assert.Equal(t, ActionClosing, action.Kind)

	finalAck := &tcpip.IPv4Packet{
		SrcIP: localIP, DstIP: remoteIP, SrcPort: 40000, DstPort: 443,
		Seq: 1016, Flags: tcpip.TCPFlags{ACK: true},
	}
	action, err = mgr.HandlePacket(finalAck)
	require.NoError(t, err)

	lastAck := &tcpip.IPv4Packet{
		SrcIP: localIP, DstIP: remoteIP, SrcPort: 40000, DstPort: 443,
		Seq: 1016, Flags: tcpip.TCPFlags{ACK: true},
	}
	action, err = mgr.HandlePacket(lastAck)
	require.NoError(t, err)
	assert.Equal(t, ActionClosed, action.Kind)
}

func TestUnknownSessionGetsReset(t *testing.T) {
	write, writes := collectWrites(t)
	mgr := NewManager(write)

	pkt := &tcpip.IPv4Packet{
		SrcIP: net.IPv4(10, 0, 0, 2), DstIP: net.IPv4(1, 1, 1, 1),
		SrcPort: 1234, DstPort: 443, Seq: 500, Flags: tcpip.TCPFlags{ACK: true, PSH: true},
	}
	action, err := mgr.HandlePacket(pkt)
	require.NoError(t, err)
	assert.Equal(t, ActionNone, action.Kind)
	require.Len(t, writes(), 1)
	assert.True(t, writes()[0].Flags.RST)
}
