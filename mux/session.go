package mux

import (
	"context"
	"io"
	"sync"

	"github.com/ech-tunnel/echtun/common/errors"
	"github.com/ech-tunnel/echtun/common/log"
	"github.com/ech-tunnel/echtun/config"
)

// sessionControlID is the reserved stream id for session-wide flow
// control frames, separate from the per-stream window each Stream
// tracks individually.
const sessionControlID uint16 = 0

// FailureHandler is invoked once when the session's underlying
// connection fails, so a session manager can drive its own
// reconnect/failure state without this package depending on it.
type FailureHandler func(err error)

// Session multiplexes any number of Streams (up to config's cap) over
// one underlying connection, with independent per-stream and
// aggregate per-session flow-control windows, grounded on xray-core's
// common/mux client session loop but built directly on io.Reader /
// io.Writer and channels rather than xray's internal buf/pipe types.
type Session struct {
	conn io.ReadWriteCloser

	writeMu sync.Mutex

	mu      sync.Mutex
	streams map[uint16]*Stream
	nextID  uint32
	closed  bool

	sessionCond  *sync.Cond
	sessionAvail int

	onFailure FailureHandler
}

// NewSession wraps conn (typically a wsclient.Conn) as a multiplexed
// session and starts its read loop.
func NewSession(conn io.ReadWriteCloser, onFailure FailureHandler) *Session {
	s := &Session{
		conn:         conn,
		streams:      make(map[uint16]*Stream),
		sessionAvail: config.DefaultSessionWindow,
		onFailure:    onFailure,
	}
	s.sessionCond = sync.NewCond(&s.mu)
	go s.readLoop()
	return s
}

// DialStream opens a new multiplexed stream, enforcing the
// config.DefaultMaxStreams cap per session.
func (s *Session) DialStream(ctx context.Context) (*Stream, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("session is closed").AtKind(errors.KindIoFault)
	}
	if len(s.streams) >= config.DefaultMaxStreams {
		s.mu.Unlock()
		return nil, errors.New("session has reached the ", config.DefaultMaxStreams, "-stream cap").
			AtKind(errors.KindExhausted)
	}
	s.nextID++
	id := uint16(s.nextID)
	stream := newStream(id, s)
	s.streams[id] = stream
	s.mu.Unlock()

	if err := s.writeFrame(&Frame{StreamID: id, Type: FrameNew}); err != nil {
		s.forgetStream(id)
		return nil, err
	}
	return stream, nil
}

func (s *Session) forgetStream(id uint16) {
	s.mu.Lock()
	delete(s.streams, id)
	s.mu.Unlock()
}

func (s *Session) streamByID(id uint16) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[id]
}

// writeFrame serializes frame writes against the shared connection and
// additionally gates Data frames on the aggregate session window.
func (s *Session) writeFrame(f *Frame) error {
	if f.Type == FrameData {
		s.acquireSessionWindow(len(f.Payload))
	}
	s.writeMu.Lock()
	_, err := f.WriteTo(s.conn)
	s.writeMu.Unlock()
	if err != nil {
		return errors.New("mux session write failed").Base(err).AtKind(errors.KindIoFault)
	}
	return nil
}

func (s *Session) acquireSessionWindow(n int) {
	s.mu.Lock()
	for s.sessionAvail < n && !s.closed {
		s.sessionCond.Wait()
	}
	s.sessionAvail -= n
	s.mu.Unlock()
}

func (s *Session) releaseSessionWindow(n int) {
	s.mu.Lock()
	s.sessionAvail += n
	s.sessionCond.Broadcast()
	s.mu.Unlock()
}

func (s *Session) sendWindowUpdate(streamID uint16, n int) error {
	payload := []byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
	if err := s.writeFrame(&Frame{StreamID: streamID, Type: FrameWindowUpdate, Payload: payload}); err != nil {
		return err
	}
	if streamID == sessionControlID {
		s.releaseSessionWindow(n)
	}
	return nil
}

func (s *Session) readLoop() {
	for {
		frame, err := ReadFrame(s.conn)
		if err != nil {
			s.fail(errors.New("mux session read failed").Base(err).AtKind(errors.KindIoFault))
			return
		}

		switch frame.Type {
		case FrameData:
			if stream := s.streamByID(frame.StreamID); stream != nil {
				stream.deliver(frame.Payload)
			}
		case FrameWindowUpdate:
			n := int(frame.Payload[0])<<24 | int(frame.Payload[1])<<16 |
				int(frame.Payload[2])<<8 | int(frame.Payload[3])
			if frame.StreamID == sessionControlID {
				s.releaseSessionWindow(n)
			} else if stream := s.streamByID(frame.StreamID); stream != nil {
				stream.grantWindow(n)
			}
		case FrameClose:
			if stream := s.streamByID(frame.StreamID); stream != nil {
				stream.deliverClose()
			}
		case FrameReset:
			if stream := s.streamByID(frame.StreamID); stream != nil {
				stream.deliverReset()
				s.forgetStream(frame.StreamID)
			}
		case FrameNew:
			// Client-side session never receives inbound FrameNew; the
			// relay only ever responds on streams the client opened.
			log.Warningf("mux: unexpected inbound FrameNew for stream %d", frame.StreamID)
		}
	}
}

// fail propagates a fatal session error to every open stream and to
// the registered FailureHandler (normally the session manager), so a
// single broken connection fails every stream riding on it at once.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	streams := s.streams
	s.streams = make(map[uint16]*Stream)
	s.sessionCond.Broadcast()
	s.mu.Unlock()

	for _, stream := range streams {
		stream.deliverReset()
	}
	if s.onFailure != nil {
		s.onFailure(err)
	}
}

// Close tears down the session and all of its streams.
func (s *Session) Close() error {
	s.fail(errors.New("session closed locally").AtKind(errors.KindIoFault))
	return s.conn.Close()
}
