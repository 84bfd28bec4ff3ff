// Package wsclient performs the client-side HTTP/1.1 Upgrade handshake
// over an already-established net.Conn (normally the TLS connection
// returned by tlsengine.Handle.Conn)
// and wraps the resulting WebSocket connection as a plain
// io.ReadWriteCloser of binary frames, grounded on xray-core's
// transport/internet/websocket dialer/connection pair.
package wsclient

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/ech-tunnel/echtun/common/errors"
	"github.com/gorilla/websocket"
)

// MaxFrameSize caps a single WebSocket binary message.
const MaxFrameSize = 16 << 20

// Conn is a byte-stream view over a gorilla/websocket connection,
// framing writes as binary messages and defragmenting reads across
// frame boundaries — mirrors xray-core's websocket connection.go.
type Conn struct {
	ws     *websocket.Conn
	reader io.Reader
}

// Upgrade performs the client-side HTTP/1.1 Upgrade over rw (already a
// TLS byte stream to the relay) using path and host for the request
// line, and token as the Sec-WebSocket-Protocol bearer credential — the
// only auth scheme this module supports. Only "HTTP/1.1 101" is
// accepted; anything else is AuthOrProtocol.
func Upgrade(ctx context.Context, rw io.ReadWriteCloser, host, path, token string) (*Conn, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Sec-WebSocket-Protocol", token)
	}

	dialer := &websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if c, ok := rw.(net.Conn); ok {
				return c, nil
			}
			return nil, errors.New("underlying stream is not a net.Conn").
				AtKind(errors.KindAuthOrProtocol)
		},
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}

	uri := "ws://" + host + path

	ws, resp, err := dialer.DialContext(ctx, uri, header)
	if err != nil {
		status := ""
		if resp != nil {
			status = resp.Status
		}
		return nil, errors.New("WebSocket upgrade to ", uri, " failed: ", status).Base(err).
			AtKind(errors.KindAuthOrProtocol)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		return nil, errors.New("WebSocket upgrade rejected with status ", resp.StatusCode).
			AtKind(errors.KindAuthOrProtocol)
	}

	ws.SetReadLimit(MaxFrameSize)
	return &Conn{ws: ws}, nil
}

func (c *Conn) Read(b []byte) (int, error) {
	for {
		if c.reader != nil {
			n, err := c.reader.Read(b)
			if err == io.EOF {
				c.reader = nil
				if n > 0 {
					return n, nil
				}
				continue
			}
			return n, err
		}
		_, r, err := c.ws.NextReader()
		if err != nil {
			return 0, errors.New("websocket read failed").Base(err).AtKind(errors.KindIoFault)
		}
		c.reader = r
	}
}

func (c *Conn) Write(b []byte) (int, error) {
	if len(b) > MaxFrameSize {
		return 0, errors.New("write exceeds max WebSocket frame size").
			AtKind(errors.KindProtocolViolation)
	}
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, errors.New("websocket write failed").Base(err).AtKind(errors.KindIoFault)
	}
	return len(b), nil
}

func (c *Conn) Close() error {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}

func (c *Conn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
