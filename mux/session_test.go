package mux

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runEchoPeer reads frames off conn and echoes FrameData payloads back
// on the same stream id, standing in for the relay side of the link.
func runEchoPeer(t *testing.T, conn net.Conn) {
	t.Helper()
	go func() {
		for {
			f, err := ReadFrame(conn)
			if err != nil {
				return
			}
			if f.Type == FrameData {
				echo := &Frame{StreamID: f.StreamID, Type: FrameData, Payload: f.Payload}
				if _, err := echo.WriteTo(conn); err != nil {
					return
				}
			}
		}
	}()
}

func TestSessionDialStreamEchoRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	runEchoPeer(t, serverConn)

	var failed error
	sess := NewSession(clientConn, func(err error) { failed = err })
	defer sess.Close()

	stream, err := sess.DialStream(context.Background())
	require.NoError(t, err)

	payload := []byte("ping over mux")
	_, err = stream.Write(payload)
	require.NoError(t, err)

	buf := make([]byte, len(payload))
	done := make(chan struct{})
	go func() {
		n, rerr := stream.Read(buf)
		require.NoError(t, rerr)
		assert.Equal(t, len(payload), n)
		close(done)
	}()

	select {
	case <-done:
		assert.Equal(t, payload, buf)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echo")
	}
	assert.NoError(t, failed)
}

func TestSessionEnforcesMaxStreams(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	runEchoPeer(t, serverConn)

	sess := NewSession(clientConn, nil)
	defer sess.Close()

	for i := 0; i < 256; i++ {
		_, err := sess.DialStream(context.Background())
		require.NoError(t, err)
	}
	_, err := sess.DialStream(context.Background())
	assert.Error(t, err)
}

func TestSessionFailurePropagatesToStreams(t *testing.T) {
	clientConn, serverConn := net.Pipe()

	failed := make(chan struct{})
	sess := NewSession(clientConn, func(err error) { close(failed) })

	stream, err := sess.DialStream(context.Background())
	require.NoError(t, err)

	serverConn.Close()

	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatal("failure handler was never invoked")
	}

	buf := make([]byte, 1)
	_, err = stream.Read(buf)
	assert.Error(t, err)
}
