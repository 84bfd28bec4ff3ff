// Package httpconn is an HTTP CONNECT ingress: parse one request line
// and headers (capped at 8 KiB), answer with 200 for CONNECT, 405 for
// anything else, and 502 if the upstream stream can't be opened, then
// hand the raw connection to the relay loop. Grounded on
// XTLS-Xray-core's proxy/http/server.go handleConnect path, trimmed of
// xray's full HTTP proxy (GET/POST passthrough) since this ingress is
// scoped to CONNECT only.
package httpconn

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/ech-tunnel/echtun/common/errors"
	"github.com/ech-tunnel/echtun/common/log"
	"github.com/ech-tunnel/echtun/common/netutil"
	"github.com/ech-tunnel/echtun/mux"
)

// maxHeaderBytes caps the request line + headers read from a CONNECT
// client.
const maxHeaderBytes = 8 * 1024

// StreamOpener is the subset of sessionmgr.Manager this package needs.
type StreamOpener interface {
	GetStream(ctx context.Context) (*mux.Stream, error)
}

// Relayer copies bytes both ways between a local connection and an
// opened upstream stream.
type Relayer func(ctx context.Context, local io.ReadWriteCloser, upstream *mux.Stream)

// Server accepts HTTP CONNECT requests and relays them upstream.
type Server struct {
	Opener StreamOpener
	Relay  Relayer
}

// ServeConn reads one CONNECT request off conn and, if valid, relays
// the tunneled bytes over a freshly opened stream.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	br := bufio.NewReaderSize(io.LimitReader(conn, maxHeaderBytes), maxHeaderBytes)
	req, err := http.ReadRequest(br)
	if err != nil {
		log.Warningf("http-connect: failed to parse request: %v", err)
		return
	}
	if req.Method != http.MethodConnect {
		writeStatus(conn, http.StatusMethodNotAllowed)
		return
	}

	target, err := parseTarget(req.Host)
	if err != nil {
		log.Warningf("http-connect: %v", err)
		writeStatus(conn, http.StatusBadRequest)
		return
	}

	stream, err := s.Opener.GetStream(ctx)
	if err != nil {
		log.Warningf("http-connect: failed to open upstream stream for %s: %v", target, err)
		writeStatus(conn, http.StatusBadGateway)
		return
	}
	defer stream.Close()

	header, err := target.Encode()
	if err != nil {
		writeStatus(conn, http.StatusBadGateway)
		return
	}
	if _, err := stream.Write(header); err != nil {
		writeStatus(conn, http.StatusBadGateway)
		return
	}

	if _, err := io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}

	if s.Relay != nil {
		s.Relay(ctx, conn, stream)
	}
}

func writeStatus(conn net.Conn, code int) {
	_, _ = io.WriteString(conn, "HTTP/1.1 "+strconv.Itoa(code)+" "+http.StatusText(code)+"\r\n\r\n")
}

// parseTarget splits a CONNECT request's "host:port" authority into a
// Target, forwarding the hostname verbatim rather than resolving it
// locally.
func parseTarget(authority string) (netutil.Target, error) {
	host, portStr, err := net.SplitHostPort(authority)
	if err != nil {
		return netutil.Target{}, errors.New("invalid CONNECT authority ", authority).Base(err).
			AtKind(errors.KindProtocolViolation)
	}
	port, err := parsePort(portStr)
	if err != nil {
		return netutil.Target{}, err
	}

	if ip := net.ParseIP(host); ip != nil {
		return netutil.NewIPTarget(ip, port, netutil.TransportTCP), nil
	}
	return netutil.NewDomainTarget(host, port, netutil.TransportTCP), nil
}

func parsePort(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, errors.New("invalid port ", s).Base(err).AtKind(errors.KindProtocolViolation)
	}
	return uint16(v), nil
}
