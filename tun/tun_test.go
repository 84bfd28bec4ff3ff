package tun

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ech-tunnel/echtun/mux"
	"github.com/ech-tunnel/echtun/tun/tcpip"
	"github.com/ech-tunnel/echtun/tun/tcpstate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOpener struct{ sess *mux.Session }

func (f *fakeOpener) GetStream(ctx context.Context) (*mux.Stream, error) {
	return f.sess.DialStream(ctx)
}

type fakeResolver struct {
	domain string
	ok     bool
}

func (r fakeResolver) ResolveDestination(ip net.IP) (string, bool) { return r.domain, r.ok }

// echoRelayPeer skips the first FrameData (the ATYP header) on each
// stream and echoes every later FrameData straight back.
func echoRelayPeer(t *testing.T, conn net.Conn) {
	t.Helper()
	seen := make(map[uint16]bool)
	go func() {
		for {
			f, err := mux.ReadFrame(conn)
			if err != nil {
				return
			}
			if f.Type != mux.FrameData {
				continue
			}
			if !seen[f.StreamID] {
				seen[f.StreamID] = true
				continue
			}
			echo := &mux.Frame{StreamID: f.StreamID, Type: mux.FrameData, Payload: f.Payload}
			if _, err := echo.WriteTo(conn); err != nil {
				return
			}
		}
	}()
}

func TestTCPUpstreamOpensStreamOnEstablishedAndRelaysBothWays(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	sess := mux.NewSession(clientConn, nil)
	echoRelayPeer(t, serverConn)

	var written [][]byte
	tcp := tcpstate.NewManager(func(packet []byte) error {
		written = append(written, packet)
		return nil
	})

	up := newTCPUpstream(&fakeOpener{sess: sess}, fakeResolver{domain: "example.com", ok: true}, tcp)

	localIP := net.IPv4(10, 0, 0, 2)
	remoteIP := net.IPv4(93, 184, 216, 34)

	syn := &tcpip.IPv4Packet{
		SrcIP: localIP, DstIP: remoteIP, SrcPort: 40000, DstPort: 443,
		Seq: 1000, Flags: tcpip.TCPFlags{SYN: true},
	}
	up.handlePacket(context.Background(), syn)
	require.Len(t, written, 1, "SYN should produce a SYN+ACK")

	ack := &tcpip.IPv4Packet{
		SrcIP: localIP, DstIP: remoteIP, SrcPort: 40000, DstPort: 443,
		Seq: 1001, Ack: tcpSeq(written[0]) + 1, Flags: tcpip.TCPFlags{ACK: true},
	}
	up.handlePacket(context.Background(), ack)

	key := newTestKey(localIP, 40000, remoteIP, 443)
	require.Eventually(t, func() bool {
		_, ok := up.streams[key]
		return ok
	}, 2*time.Second, 10*time.Millisecond, "stream should open once the connection is established")

	data := &tcpip.IPv4Packet{
		SrcIP: localIP, DstIP: remoteIP, SrcPort: 40000, DstPort: 443,
		Seq: 1001, Flags: tcpip.TCPFlags{ACK: true, PSH: true}, Payload: []byte("GET / HTTP/1.1"),
	}
	up.handlePacket(context.Background(), data)

	require.Eventually(t, func() bool {
		for _, pkt := range written {
			parsed, err := tcpip.ParseIPv4(pkt)
			if err == nil && string(parsed.Payload) == "GET / HTTP/1.1" && parsed.Flags.PSH {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "echoed upstream data should come back as a PSH segment")
}

func tcpSeq(packet []byte) uint32 {
	p, err := tcpip.ParseIPv4(packet)
	if err != nil {
		return 0
	}
	return p.Seq
}

func newTestKey(localIP net.IP, localPort uint16, remoteIP net.IP, remotePort uint16) tcpstate.Key {
	var k tcpstate.Key
	lv4 := localIP.To4()
	rv4 := remoteIP.To4()
	copy(k.LocalIP[:], lv4)
	copy(k.RemoteIP[:], rv4)
	k.LocalPort = localPort
	k.RemotePort = remotePort
	return k
}

func TestTCPUpstreamClosesStreamOnReset(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	sess := mux.NewSession(clientConn, nil)
	echoRelayPeer(t, serverConn)

	tcp := tcpstate.NewManager(func(packet []byte) error { return nil })
	up := newTCPUpstream(&fakeOpener{sess: sess}, fakeResolver{ok: false}, tcp)

	localIP := net.IPv4(10, 0, 0, 3)
	remoteIP := net.IPv4(1, 1, 1, 1)

	up.handlePacket(context.Background(), &tcpip.IPv4Packet{
		SrcIP: localIP, DstIP: remoteIP, SrcPort: 5000, DstPort: 80,
		Seq: 1, Flags: tcpip.TCPFlags{SYN: true},
	})
	up.handlePacket(context.Background(), &tcpip.IPv4Packet{
		SrcIP: localIP, DstIP: remoteIP, SrcPort: 5000, DstPort: 80,
		Seq: 2, Flags: tcpip.TCPFlags{ACK: true},
	})

	key := newTestKey(localIP, 5000, remoteIP, 80)
	require.Eventually(t, func() bool {
		_, ok := up.streams[key]
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	up.handlePacket(context.Background(), &tcpip.IPv4Packet{
		SrcIP: localIP, DstIP: remoteIP, SrcPort: 5000, DstPort: 80,
		Seq: 2, Flags: tcpip.TCPFlags{RST: true},
	})

	_, ok := up.streams[key]
	assert.False(t, ok, "RST should close and forget the upstream stream")
}
