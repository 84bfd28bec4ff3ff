// Package tcpstate is a hand-rolled TCP state machine: every
// TUN-observed TCP connection is tracked through Listen ->
// SynReceived -> Established -> {FinWait1, FinWait2, CloseWait,
// LastAck} -> Closed by 4-tuple, with the SYN/ACK, ACK, and FIN/ACK
// replies built and written back to the TUN device directly — no
// netstack underneath.
//
// The transition table follows a conventional TCP session manager's
// handle_packet dispatch, translated to a synchronous, mutex-guarded
// map since this state machine is invoked directly from the TUN read
// loop rather than from its own actor task.
package tcpstate

import (
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/ech-tunnel/echtun/common/errors"
	"github.com/ech-tunnel/echtun/config"
	"github.com/ech-tunnel/echtun/tun/tcpip"
)

// State is one node of the TCP state machine.
type State int

const (
	StateListen State = iota
	StateSynReceived
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateLastAck
	StateClosed
)

// Key identifies a TCP session by its 4-tuple. IPs are fixed-size so
// Key remains comparable and usable as a map key.
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

// Session is one tracked TCP connection. "local" is the TUN-side peer
// (the captured application); "remote" is the real destination this
// connection is being tunneled to.
type Session struct {
	Key

	State State

	LocalSeq  uint32 // our next sequence number toward the local peer
	LocalAck  uint32 // next sequence number we expect from the local peer
	Window    uint16

	lastActivity time.Time
}

func (s *Session) touch() { s.lastActivity = time.Now() }

func (s *Session) idle(timeout time.Duration) bool {
	return time.Since(s.lastActivity) > timeout
}

// ActionKind classifies what HandlePacket's caller should do next.
type ActionKind int

const (
	ActionNone ActionKind = iota
	ActionSynAckSent
	ActionEstablished
	ActionDataReceived
	ActionClosing
	ActionClosed
	ActionReset
)

// Action is the result of processing one inbound packet.
type Action struct {
	Kind    ActionKind
	Key     Key
	Payload []byte
}

// WriteFunc writes one raw IPv4 packet back to the TUN device.
type WriteFunc func(packet []byte) error

// Manager tracks every live TCP session and drives their state
// transitions from inbound TUN packets.
type Manager struct {
	mu       sync.Mutex
	sessions map[Key]*Session
	write    WriteFunc
}

// NewManager builds an empty Manager that writes reply packets via write.
func NewManager(write WriteFunc) *Manager {
	return &Manager{sessions: make(map[Key]*Session), write: write}
}

// HandlePacket advances the state machine for pkt (always TCP; callers
// filter by tcpip.IPv4Packet.Protocol first).
func (m *Manager) HandlePacket(pkt *tcpip.IPv4Packet) (Action, error) {
	key := newKey(pkt.SrcIP, pkt.SrcPort, pkt.DstIP, pkt.DstPort)

	if pkt.Flags.SYN && !pkt.Flags.ACK {
		return m.handleSYN(key, pkt.Seq)
	}

	m.mu.Lock()
	session, ok := m.sessions[key]
	if !ok {
		m.mu.Unlock()
		rst := tcpip.BuildTCP(pkt.DstIP, pkt.SrcIP, pkt.DstPort, pkt.SrcPort,
			0, pkt.Seq+1, tcpip.TCPFlags{RST: true}, 0, nil)
		_ = m.write(rst)
		return Action{Kind: ActionNone}, nil
	}
	defer m.mu.Unlock()
	session.touch()

	switch session.State {
	case StateSynReceived:
		if pkt.Flags.ACK && !pkt.Flags.SYN {
			session.State = StateEstablished
			return Action{Kind: ActionEstablished, Key: key}, nil
		}

	case StateEstablished:
		switch {
		case pkt.Flags.RST:
			session.State = StateClosed
			return Action{Kind: ActionReset, Key: key}, nil
		case pkt.Flags.FIN:
			session.State = StateCloseWait
			session.LocalAck = pkt.Seq + 1
			ack := tcpip.BuildTCP(pkt.DstIP, pkt.SrcIP, pkt.DstPort, pkt.SrcPort,
				session.LocalSeq, session.LocalAck, tcpip.TCPFlags{ACK: true}, session.Window, nil)
			if err := m.write(ack); err != nil {
				return Action{}, err
			}
			return Action{Kind: ActionClosing, Key: key}, nil
		case len(pkt.Payload) > 0:
			session.LocalAck = pkt.Seq + uint32(len(pkt.Payload))
			ack := tcpip.BuildTCP(pkt.DstIP, pkt.SrcIP, pkt.DstPort, pkt.SrcPort,
				session.LocalSeq, session.LocalAck, tcpip.TCPFlags{ACK: true}, session.Window, nil)
			if err := m.write(ack); err != nil {
				return Action{}, err
			}
			return Action{Kind: ActionDataReceived, Key: key, Payload: pkt.Payload}, nil
		}

	case StateCloseWait:
		if pkt.Flags.ACK {
			session.State = StateLastAck
			fin := tcpip.BuildTCP(pkt.DstIP, pkt.SrcIP, pkt.DstPort, pkt.SrcPort,
				session.LocalSeq, session.LocalAck, tcpip.TCPFlags{FIN: true, ACK: true}, session.Window, nil)
			session.LocalSeq++
			if err := m.write(fin); err != nil {
				return Action{}, err
			}
		}

	case StateLastAck:
		if pkt.Flags.ACK {
			session.State = StateClosed
			return Action{Kind: ActionClosed, Key: key}, nil
		}
	}

	return Action{Kind: ActionNone}, nil
}

func (m *Manager) handleSYN(key Key, remoteSeq uint32) (Action, error) {
	session := &Session{
		Key:          key,
		State:        StateSynReceived,
		LocalSeq:     rand.Uint32(),
		LocalAck:     remoteSeq + 1,
		Window:       65535,
		lastActivity: time.Now(),
	}

	synAck := tcpip.BuildTCP(key.RemoteAddr(), key.LocalAddr(), key.RemotePort, key.LocalPort,
		session.LocalSeq, session.LocalAck, tcpip.TCPFlags{SYN: true, ACK: true}, session.Window, nil)
	session.LocalSeq++

	m.mu.Lock()
	m.sessions[key] = session
	m.mu.Unlock()

	if err := m.write(synAck); err != nil {
		return Action{}, err
	}
	return Action{Kind: ActionSynAckSent, Key: key}, nil
}

// SendData pushes a server->client segment for an established session,
// building and writing the IPv4/TCP packet with a PSH+ACK.
func (m *Manager) SendData(key Key, data []byte) error {
	m.mu.Lock()
	session, ok := m.sessions[key]
	if !ok {
		m.mu.Unlock()
		return errors.New("no TCP session for ", key).AtKind(errors.KindProtocolViolation)
	}
	if session.State != StateEstablished {
		m.mu.Unlock()
		return errors.New("TCP session not established").AtKind(errors.KindProtocolViolation)
	}

	packet := tcpip.BuildTCP(key.RemoteAddr(), key.LocalAddr(), key.RemotePort, key.LocalPort,
		session.LocalSeq, session.LocalAck, tcpip.TCPFlags{PSH: true, ACK: true}, session.Window, data)
	session.LocalSeq += uint32(len(data))
	m.mu.Unlock()

	return m.write(packet)
}

// Close sends a FIN to the local peer for an established session,
// moving it into FinWait1.
func (m *Manager) Close(key Key) error {
	m.mu.Lock()
	session, ok := m.sessions[key]
	if !ok {
		m.mu.Unlock()
		return errors.New("no TCP session for ", key).AtKind(errors.KindProtocolViolation)
	}
	if session.State != StateEstablished {
		m.mu.Unlock()
		return nil
	}

	fin := tcpip.BuildTCP(key.RemoteAddr(), key.LocalAddr(), key.RemotePort, key.LocalPort,
		session.LocalSeq, session.LocalAck, tcpip.TCPFlags{FIN: true, ACK: true}, session.Window, nil)
	session.LocalSeq++
	session.State = StateFinWait1
	m.mu.Unlock()

	return m.write(fin)
}

// Remove forgets a session regardless of state, e.g. after Action.Kind
// is ActionClosed or ActionReset.
func (m *Manager) Remove(key Key) {
	m.mu.Lock()
	delete(m.sessions, key)
	m.mu.Unlock()
}

// Sweep removes sessions idle for longer than config.DefaultTCPIdle and
// returns the keys it evicted, so a caller tracking per-session
// resources (e.g. an upstream mux stream) can release them too.
func (m *Manager) Sweep() []Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	var evicted []Key
	for k, s := range m.sessions {
		if s.idle(config.DefaultTCPIdle) {
			delete(m.sessions, k)
			evicted = append(evicted, k)
		}
	}
	return evicted
}
