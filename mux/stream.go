package mux

import (
	"context"
	"io"
	"sync"

	"github.com/ech-tunnel/echtun/common/errors"
	"github.com/ech-tunnel/echtun/config"
)

// windowReplenishThreshold is how much of the receive window must be
// consumed before a WindowUpdate is sent back to the peer, avoiding a
// WindowUpdate per Read call.
const windowReplenishThreshold = config.DefaultStreamWindow / 4

// Stream is one multiplexed, independently flow-controlled logical
// connection inside a Session — a bidirectional byte stream that looks
// like a plain socket to the caller.
type Stream struct {
	id   uint16
	sess *Session

	mu       sync.Mutex
	pending  [][]byte // queued, not-yet-consumed Data payloads
	readErr  error
	closed   bool
	writeErr error

	recvCond     *sync.Cond
	recvGranted  int // bytes granted to the peer but not yet consumed
	recvConsumed int // bytes consumed since the last WindowUpdate

	sendCond  *sync.Cond
	sendAvail int // remaining send window, replenished by peer WindowUpdates
}

func newStream(id uint16, sess *Session) *Stream {
	s := &Stream{
		id:          id,
		sess:        sess,
		recvGranted: config.DefaultStreamWindow,
		sendAvail:   config.DefaultStreamWindow,
	}
	s.recvCond = sync.NewCond(&s.mu)
	s.sendCond = sync.NewCond(&s.mu)
	return s
}

// deliver is called by Session's read loop with one Data frame's payload.
func (s *Stream) deliver(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.pending = append(s.pending, payload)
	s.recvCond.Broadcast()
}

// grantWindow is called by Session's read loop on a WindowUpdate frame.
func (s *Stream) grantWindow(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendAvail += n
	s.sendCond.Broadcast()
}

// deliverClose marks the stream half-closed: no more Data will arrive,
// but queued payloads are still readable.
func (s *Stream) deliverClose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr == nil {
		s.readErr = io.EOF
	}
	s.recvCond.Broadcast()
}

// deliverReset aborts the stream in both directions.
func (s *Stream) deliverReset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.readErr = errors.New("stream ", s.id, " reset by peer").AtKind(errors.KindAuthOrProtocol)
	s.writeErr = s.readErr
	s.recvCond.Broadcast()
	s.sendCond.Broadcast()
}

func (s *Stream) Read(b []byte) (int, error) {
	s.mu.Lock()
	for len(s.pending) == 0 && s.readErr == nil {
		s.recvCond.Wait()
	}
	if len(s.pending) == 0 {
		err := s.readErr
		s.mu.Unlock()
		return 0, err
	}
	chunk := s.pending[0]
	n := copy(b, chunk)
	if n == len(chunk) {
		s.pending = s.pending[1:]
	} else {
		s.pending[0] = chunk[n:]
	}
	s.recvConsumed += n
	needUpdate := s.recvConsumed >= windowReplenishThreshold
	if needUpdate {
		s.recvConsumed = 0
	}
	s.mu.Unlock()

	if needUpdate {
		_ = s.sess.sendWindowUpdate(s.id, windowReplenishThreshold)
	}
	return n, nil
}

func (s *Stream) Write(b []byte) (int, error) {
	total := 0
	for _, chunk := range splitPayload(b) {
		if err := s.writeChunk(chunk); err != nil {
			return total, err
		}
		total += len(chunk)
	}
	return total, nil
}

func (s *Stream) writeChunk(chunk []byte) error {
	s.mu.Lock()
	for s.sendAvail < len(chunk) && s.writeErr == nil {
		s.sendCond.Wait()
	}
	if s.writeErr != nil {
		err := s.writeErr
		s.mu.Unlock()
		return err
	}
	s.sendAvail -= len(chunk)
	s.mu.Unlock()

	return s.sess.writeFrame(&Frame{StreamID: s.id, Type: FrameData, Payload: chunk})
}

// Close ends the stream locally: further writes fail, a FrameClose
// notifies the peer, and the stream is detached from its session. It is
// not a half-close: Data frames arriving after Close are dropped.
// Payloads already queued remain readable; once they are drained, Read
// returns io.EOF.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.writeErr = errors.New("stream ", s.id, " closed").AtKind(errors.KindIoFault)
	if s.readErr == nil {
		s.readErr = io.EOF
	}
	s.recvCond.Broadcast()
	s.sendCond.Broadcast()
	s.mu.Unlock()

	s.sess.forgetStream(s.id)
	return s.sess.writeFrame(&Frame{StreamID: s.id, Type: FrameClose})
}

// WriteContext is a context-aware convenience wrapper used by callers
// (e.g. relay) that want Write to respect cancellation.
func (s *Stream) WriteContext(ctx context.Context, b []byte) (int, error) {
	done := make(chan struct{})
	var n int
	var err error
	go func() {
		n, err = s.Write(b)
		close(done)
	}()
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-done:
		return n, err
	}
}
