// Package tlsengine adapts the stdlib crypto/tls client into an opaque
// TLS engine: it owns ECH strict mode and SNI/connect-host separation,
// and exposes the handshake as a plain net.Conn plus a small info
// struct. Record-layer and HPKE internals are entirely crypto/tls's
// problem.
package tlsengine

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"

	"github.com/ech-tunnel/echtun/common/errors"
)

// Info is the subset of handshake state higher layers need.
type Info struct {
	TLSVersion  uint16
	CipherSuite uint16
	EchAccepted bool
}

// DialOptions configures one dial: host/port, an optional ECH config,
// and whether ECH acceptance is mandatory.
type DialOptions struct {
	// Host is the TLS/SNI/ECH outer name — always the real upstream
	// name, never changed by ConnectHost.
	Host string
	Port int
	// ConnectHost, if non-empty, is the TCP destination to dial
	// instead of Host:Port. SNI/ECH continuity is preserved because
	// Host is still used for the TLS ServerName.
	ConnectHost string
	// EchConfigList is the raw wire bytes from doh/echconfig. Nil
	// disables ECH for this connection.
	EchConfigList []byte
	// EnforceECH, when true and EchConfigList is non-nil, requires the
	// server to accept ECH or the handshake fails with EchDowngrade.
	EnforceECH bool
	// Dialer is the underlying TCP dialer; net.Dialer{} if nil.
	Dialer *net.Dialer
}

// Handle is a live ECH-TLS connection: a plain bidirectional byte
// stream plus handshake info exposed to higher layers.
type Handle struct {
	conn *tls.Conn
	info Info
}

func (h *Handle) Read(b []byte) (int, error)  { return h.conn.Read(b) }
func (h *Handle) Write(b []byte) (int, error) { return h.conn.Write(b) }
func (h *Handle) Close() error                { return h.conn.Close() }
func (h *Handle) Info() Info                  { return h.info }

// Conn exposes the underlying connection for callers that need the
// full net.Conn interface (deadlines, etc.) rather than bare Read/Write.
func (h *Handle) Conn() net.Conn { return h.conn }

// Connect performs the TCP dial + ECH-TLS handshake described by opts
// and enforces strict ECH if requested.
func Connect(ctx context.Context, opts DialOptions) (*Handle, error) {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}

	target := opts.ConnectHost
	if target == "" {
		target = opts.Host
	}
	addr := net.JoinHostPort(target, strconv.Itoa(opts.Port))

	tlsCfg := &tls.Config{
		ServerName: opts.Host,
		MinVersion: tls.VersionTLS13,
	}
	if len(opts.EchConfigList) > 0 {
		tlsCfg.EncryptedClientHelloConfigList = opts.EchConfigList
	}

	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.New("failed to dial ", addr).Base(err).AtKind(errors.KindIoFault)
	}

	tlsConn := tls.Client(rawConn, tlsCfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, errors.New("TLS handshake to ", opts.Host, " failed").Base(err).
			AtKind(errors.KindTlsFault)
	}

	state := tlsConn.ConnectionState()
	info := Info{
		TLSVersion:  state.Version,
		CipherSuite: state.CipherSuite,
		EchAccepted: state.ECHAccepted,
	}

	if len(opts.EchConfigList) > 0 && opts.EnforceECH && !info.EchAccepted {
		tlsConn.Close()
		return nil, errors.New("server did not accept ECH for ", opts.Host).
			AtKind(errors.KindEchDowngrade)
	}

	return &Handle{conn: tlsConn, info: info}, nil
}
