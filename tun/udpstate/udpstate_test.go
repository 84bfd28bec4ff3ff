package udpstate

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ech-tunnel/echtun/mux"
	"github.com/ech-tunnel/echtun/tun/tcpip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoRelayPeer stands in for the far end of the mux stream: the first
// FrameData on every stream is the ATYP target header (skipped), and
// every subsequent one is a length-prefixed datagram this package
// wrote, which gets echoed straight back.
func echoRelayPeer(t *testing.T, conn net.Conn) {
	t.Helper()
	sawHeader := make(map[uint16]bool)
	go func() {
		for {
			f, err := mux.ReadFrame(conn)
			if err != nil {
				return
			}
			if f.Type != mux.FrameData {
				continue
			}
			if !sawHeader[f.StreamID] {
				sawHeader[f.StreamID] = true
				continue
			}
			echo := &mux.Frame{StreamID: f.StreamID, Type: mux.FrameData, Payload: f.Payload}
			if _, err := echo.WriteTo(conn); err != nil {
				return
			}
		}
	}()
}

type fakeOpener struct {
	conn net.Conn
	sess *mux.Session
}

func newFakeOpener(t *testing.T) (*fakeOpener, net.Conn) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	sess := mux.NewSession(clientConn, nil)
	return &fakeOpener{conn: clientConn, sess: sess}, serverConn
}

func (f *fakeOpener) GetStream(ctx context.Context) (*mux.Stream, error) {
	return f.sess.DialStream(ctx)
}

type fakeResolver struct {
	domain string
	ok     bool
}

func (r fakeResolver) ResolveDestination(ip net.IP) (string, bool) {
	return r.domain, r.ok
}

func TestHandlePacketOpensStreamAndRelaysResponse(t *testing.T) {
	opener, peerConn := newFakeOpener(t)
	echoRelayPeer(t, peerConn)

	var written [][]byte
	write := func(packet []byte) error {
		written = append(written, packet)
		return nil
	}

	mgr := NewManager(opener, fakeResolver{domain: "example.com", ok: true}, write)

	pkt := &tcpip.IPv4Packet{
		SrcIP: net.IPv4(10, 0, 0, 2), DstIP: net.IPv4(198, 18, 0, 1),
		SrcPort: 5000, DstPort: 53, Payload: []byte("question"),
	}
	require.NoError(t, mgr.HandlePacket(context.Background(), pkt))

	require.Eventually(t, func() bool {
		return len(written) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	parsed, err := tcpip.ParseIPv4(written[0])
	require.NoError(t, err)
	assert.Equal(t, byte(tcpip.ProtoUDP), parsed.Protocol)
	assert.Equal(t, []byte("question"), parsed.Payload)
	assert.True(t, net.IPv4(198, 18, 0, 1).Equal(parsed.SrcIP))
	assert.True(t, net.IPv4(10, 0, 0, 2).Equal(parsed.DstIP))
	assert.Equal(t, uint16(53), parsed.SrcPort)
	assert.Equal(t, uint16(5000), parsed.DstPort)
}

func TestHandlePacketReusesExistingSession(t *testing.T) {
	opener, peerConn := newFakeOpener(t)
	echoRelayPeer(t, peerConn)

	write := func(packet []byte) error { return nil }
	mgr := NewManager(opener, fakeResolver{ok: false}, write)

	pkt := &tcpip.IPv4Packet{
		SrcIP: net.IPv4(10, 0, 0, 2), DstIP: net.IPv4(1, 1, 1, 1),
		SrcPort: 6000, DstPort: 53, Payload: []byte("a"),
	}
	require.NoError(t, mgr.HandlePacket(context.Background(), pkt))

	mgr.mu.Lock()
	sessionCount := len(mgr.sessions)
	mgr.mu.Unlock()
	require.Equal(t, 1, sessionCount)

	require.NoError(t, mgr.HandlePacket(context.Background(), pkt))

	mgr.mu.Lock()
	sessionCount = len(mgr.sessions)
	mgr.mu.Unlock()
	assert.Equal(t, 1, sessionCount, "second packet for the same 4-tuple must reuse the existing stream")
}

func TestSweepRemovesIdleSessions(t *testing.T) {
	opener, peerConn := newFakeOpener(t)
	echoRelayPeer(t, peerConn)

	write := func(packet []byte) error { return nil }
	mgr := NewManager(opener, fakeResolver{ok: false}, write)

	key := newKey(net.IPv4(10, 0, 0, 2), 7000, net.IPv4(1, 1, 1, 1), 53)
	require.NoError(t, mgr.HandlePacket(context.Background(), &tcpip.IPv4Packet{
		SrcIP: key.LocalAddr(), DstIP: key.RemoteAddr(), SrcPort: key.LocalPort, DstPort: key.RemotePort,
		Payload: []byte("a"),
	}))

	mgr.mu.Lock()
	mgr.sessions[key].lastActivity = time.Now().Add(-time.Hour)
	mgr.mu.Unlock()

	mgr.Sweep()

	mgr.mu.Lock()
	_, ok := mgr.sessions[key]
	mgr.mu.Unlock()
	assert.False(t, ok)
}
