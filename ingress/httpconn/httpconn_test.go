package httpconn

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"testing"

	"github.com/ech-tunnel/echtun/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOpener struct {
	sess *mux.Session
}

func (f *fakeOpener) GetStream(ctx context.Context) (*mux.Stream, error) {
	return f.sess.DialStream(ctx)
}

func TestHTTPConnectSendsATYPHeaderUpstream(t *testing.T) {
	sessConn, peer := net.Pipe()
	sess := mux.NewSession(sessConn, nil)
	defer sess.Close()

	srv := &Server{Opener: &fakeOpener{sess: sess}}

	clientConn, serverConn := net.Pipe()
	go srv.ServeConn(context.Background(), serverConn)

	// The server writes the stream's frames upstream before it answers
	// 200, and net.Pipe writes block until read, so the peer side must
	// be drained concurrently with reading the response.
	type frameResult struct {
		frame *mux.Frame
		err   error
	}
	frames := make(chan frameResult, 2)
	go func() {
		for i := 0; i < 2; i++ {
			f, err := mux.ReadFrame(peer)
			frames <- frameResult{frame: f, err: err}
			if err != nil {
				return
			}
		}
	}()

	_, err := clientConn.Write([]byte("CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n"))
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(clientConn), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	first := <-frames
	newFrame, err := first.frame, first.err
	require.NoError(t, err)
	assert.Equal(t, mux.FrameNew, newFrame.Type)

	second := <-frames
	dataFrame, err := second.frame, second.err
	require.NoError(t, err)
	require.Equal(t, mux.FrameData, dataFrame.Type)
	assert.Equal(t, byte(0x03), dataFrame.Payload[0], "ATYP domain")
	assert.Equal(t, "example.com", string(dataFrame.Payload[2:2+len("example.com")]))

	clientConn.Close()
}

func TestHTTPConnectRejectsNonConnectMethod(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	srv := &Server{}
	go srv.ServeConn(context.Background(), serverConn)

	_, err := clientConn.Write([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(clientConn), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
