// Package udpstate is the UDP half of the TUN packet path: every
// TUN-observed UDP 4-tuple gets its own dedicated mux stream, carrying
// length-prefixed datagrams upstream and back, with a 60s idle timeout
// per session.
//
// The session table (per-key sessions, create-on-first-packet, idle
// sweep) follows the shape of a SOCKS5 UDP ASSOCIATE session manager,
// but forwards over this module's own mux.Stream instead of a second
// SOCKS5 hop — the session manager already gives every ingress a
// direct multiplexed stream, so proxying UDP through SOCKS5 again
// inside the TUN path would be redundant.
package udpstate

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/ech-tunnel/echtun/common/errors"
	"github.com/ech-tunnel/echtun/common/log"
	"github.com/ech-tunnel/echtun/common/netutil"
	"github.com/ech-tunnel/echtun/config"
	"github.com/ech-tunnel/echtun/mux"
	"github.com/ech-tunnel/echtun/tun/tcpip"
)

// Key identifies a UDP session by its 4-tuple.
type Key struct {
	LocalIP    [4]byte
	LocalPort  uint16
	RemoteIP   [4]byte
	RemotePort uint16
}

func newKey(localIP net.IP, localPort uint16, remoteIP net.IP, remotePort uint16) Key {
	var k Key
	copy(k.LocalIP[:], localIP.To4())
	copy(k.RemoteIP[:], remoteIP.To4())
	k.LocalPort = localPort
	k.RemotePort = remotePort
	return k
}

func (k Key) LocalAddr() net.IP  { return net.IP(k.LocalIP[:]) }
func (k Key) RemoteAddr() net.IP { return net.IP(k.RemoteIP[:]) }

// StreamOpener is the subset of sessionmgr.Manager this package needs.
type StreamOpener interface {
	GetStream(ctx context.Context) (*mux.Stream, error)
}

// DomainResolver maps a TUN-observed destination IP back to the
// original domain (satisfied by dnsintercept.Interceptor).
type DomainResolver interface {
	ResolveDestination(ip net.IP) (domain string, ok bool)
}

// WriteFunc writes one raw IPv4 packet back to the TUN device.
type WriteFunc func(packet []byte) error

type session struct {
	stream       *mux.Stream
	lastActivity time.Time
}

// Manager tracks live UDP sessions, opening a new mux stream for each
// previously-unseen 4-tuple.
type Manager struct {
	Opener   StreamOpener
	Resolver DomainResolver
	Write    WriteFunc

	mu       sync.Mutex
	sessions map[Key]*session
}

// NewManager builds an empty Manager.
func NewManager(opener StreamOpener, resolver DomainResolver, write WriteFunc) *Manager {
	return &Manager{Opener: opener, Resolver: resolver, Write: write, sessions: make(map[Key]*session)}
}

// HandlePacket forwards one UDP datagram seen on TUN, opening a new
// upstream stream on first sight of its 4-tuple.
func (m *Manager) HandlePacket(ctx context.Context, pkt *tcpip.IPv4Packet) error {
	key := newKey(pkt.SrcIP, pkt.SrcPort, pkt.DstIP, pkt.DstPort)

	m.mu.Lock()
	sess, ok := m.sessions[key]
	if ok && time.Since(sess.lastActivity) > config.DefaultUDPIdle {
		delete(m.sessions, key)
		ok = false
	}
	m.mu.Unlock()

	if ok {
		sess.lastActivity = time.Now()
		return writeFramed(sess.stream, pkt.Payload)
	}

	return m.createSession(ctx, key, pkt.Payload)
}

func (m *Manager) createSession(ctx context.Context, key Key, initial []byte) error {
	target := m.resolveTarget(key)

	stream, err := m.Opener.GetStream(ctx)
	if err != nil {
		return err
	}

	header, err := target.EncodeHeader()
	if err != nil {
		stream.Close()
		return err
	}
	if _, err := stream.Write(header); err != nil {
		stream.Close()
		return err
	}

	sess := &session{stream: stream, lastActivity: time.Now()}
	m.mu.Lock()
	m.sessions[key] = sess
	m.mu.Unlock()

	if err := writeFramed(stream, initial); err != nil {
		m.removeSession(key)
		return err
	}

	go m.pumpDownstream(key, sess)
	return nil
}

func (m *Manager) resolveTarget(key Key) netutil.Target {
	if domain, ok := m.Resolver.ResolveDestination(key.RemoteAddr()); ok {
		return netutil.NewDomainTarget(domain, key.RemotePort, netutil.TransportUDP)
	}
	return netutil.NewIPTarget(key.RemoteAddr(), key.RemotePort, netutil.TransportUDP)
}

// pumpDownstream reads length-prefixed datagrams off the upstream
// stream and writes each as a UDP packet back to the TUN device, until
// the stream errors out or the session is removed.
func (m *Manager) pumpDownstream(key Key, sess *session) {
	defer m.removeSession(key)
	for {
		payload, err := readFramed(sess.stream)
		if err != nil {
			if err != io.EOF {
				log.Warningf("udpstate: stream read failed for %v: %v", key, err)
			}
			return
		}
		packet := tcpip.BuildUDP(key.RemoteAddr(), key.LocalAddr(), key.RemotePort, key.LocalPort, payload)
		if err := m.Write(packet); err != nil {
			log.Warningf("udpstate: failed to write packet for %v: %v", key, err)
			return
		}
	}
}

func (m *Manager) removeSession(key Key) {
	m.mu.Lock()
	sess, ok := m.sessions[key]
	delete(m.sessions, key)
	m.mu.Unlock()
	if ok {
		sess.stream.Close()
	}
}

// Sweep closes sessions idle for longer than config.DefaultUDPIdle.
func (m *Manager) Sweep() {
	m.mu.Lock()
	var expired []Key
	for k, s := range m.sessions {
		if time.Since(s.lastActivity) > config.DefaultUDPIdle {
			expired = append(expired, k)
		}
	}
	m.mu.Unlock()

	for _, k := range expired {
		m.removeSession(k)
	}
}

func writeFramed(w io.Writer, payload []byte) error {
	if len(payload) > 0xFFFF {
		return errors.New("UDP datagram exceeds 65535 bytes").AtKind(errors.KindProtocolViolation)
	}
	frame := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(frame[0:2], uint16(len(payload)))
	copy(frame[2:], payload)
	_, err := w.Write(frame)
	return err
}

func readFramed(r io.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	payload := make([]byte, binary.BigEndian.Uint16(lenBuf[:]))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
