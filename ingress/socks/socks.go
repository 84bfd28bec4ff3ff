// Package socks is a SOCKS5 (RFC 1928) ingress: a no-auth greeting,
// CONNECT and UDP ASSOCIATE support, and domain names forwarded
// verbatim to the relay rather than resolved locally — the
// resolve-at-the-edge behavior that keeps SNI/ECH continuity intact.
// Grounded on XTLS-Xray-core's proxy/socks/server.go request parsing,
// simplified since this ingress has exactly one relay target instead of
// xray's routing.Dispatcher.
package socks

import (
	"context"
	"io"
	"net"

	"github.com/ech-tunnel/echtun/common/errors"
	"github.com/ech-tunnel/echtun/common/log"
	"github.com/ech-tunnel/echtun/common/netutil"
	"github.com/ech-tunnel/echtun/mux"
)

const (
	version5     = 0x05
	authNone     = 0x00
	authNoAccept = 0xFF

	cmdConnect      = 0x01
	cmdBind         = 0x02
	cmdUDPAssociate = 0x03

	repSuccess             = 0x00
	repCommandNotSupported = 0x07
)

// StreamOpener is the subset of sessionmgr.Manager this package needs.
type StreamOpener interface {
	GetStream(ctx context.Context) (*mux.Stream, error)
}

// Relayer copies bytes both ways between a local connection and an
// opened upstream stream, once the target address has been sent.
type Relayer func(ctx context.Context, local io.ReadWriteCloser, upstream *mux.Stream)

// Server accepts SOCKS5 connections and relays CONNECT requests over
// streams obtained from Opener.
type Server struct {
	Opener  StreamOpener
	Relay   Relayer
	UDPAddr *net.UDPAddr // bind address advertised for UDP ASSOCIATE responses
}

// ServeConn runs the SOCKS5 handshake on conn and, for CONNECT, relays
// it over a freshly opened stream carrying the ATYP-encoded target
// header.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	target, cmd, err := handshake(conn)
	if err != nil {
		log.Warningf("socks handshake failed: %v", err)
		return
	}

	switch cmd {
	case cmdConnect:
		s.serveConnect(ctx, conn, target)
	case cmdUDPAssociate:
		s.serveUDPAssociate(ctx, conn, target)
	default:
		// handshake() already rejected anything else.
	}
}

func (s *Server) serveConnect(ctx context.Context, conn net.Conn, target netutil.Target) {
	stream, err := s.Opener.GetStream(ctx)
	if err != nil {
		log.Warningf("socks: failed to open upstream stream for %s: %v", target, err)
		return
	}
	defer stream.Close()

	header, err := target.Encode()
	if err != nil {
		log.Warningf("socks: failed to encode target header: %v", err)
		return
	}
	if _, err := stream.Write(header); err != nil {
		log.Warningf("socks: failed to write target header: %v", err)
		return
	}

	if s.Relay != nil {
		s.Relay(ctx, conn, stream)
	}
}

// serveUDPAssociate acknowledges the ASSOCIATE request with the
// configured UDP bind address. Datagram relaying itself is driven by
// the TUN UDP session table (package tun/udpstate) when the ingress is
// layered under the TUN device; a bare SOCKS5 ingress with no TUN
// device present has nothing further to do once acknowledged.
func (s *Server) serveUDPAssociate(ctx context.Context, conn net.Conn, target netutil.Target) {
	bind := s.UDPAddr
	if bind == nil {
		bind = &net.UDPAddr{IP: net.IPv4zero, Port: 0}
	}
	if err := writeUDPAssociateReply(conn, bind); err != nil {
		log.Warningf("socks: failed to write UDP ASSOCIATE reply: %v", err)
		return
	}
	// Keep the control connection open until the client closes it or
	// the context is cancelled, per RFC 1928 §6.
	clientClosed := make(chan struct{})
	go func() {
		_, _ = io.Copy(io.Discard, conn)
		close(clientClosed)
	}()
	select {
	case <-ctx.Done():
	case <-clientClosed:
	}
}

// handshake performs the no-auth greeting and reads one request,
// returning its target and command.
func handshake(conn net.Conn) (netutil.Target, uint8, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return netutil.Target{}, 0, errors.New("failed to read SOCKS5 greeting").Base(err).
			AtKind(errors.KindProtocolViolation)
	}
	if hdr[0] != version5 {
		return netutil.Target{}, 0, errors.New("unsupported SOCKS version ", hdr[0]).
			AtKind(errors.KindProtocolViolation)
	}
	methods := make([]byte, hdr[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return netutil.Target{}, 0, errors.New("failed to read SOCKS5 auth methods").Base(err).
			AtKind(errors.KindProtocolViolation)
	}

	if _, err := conn.Write([]byte{version5, authNone}); err != nil {
		return netutil.Target{}, 0, errors.New("failed to write SOCKS5 auth reply").Base(err).
			AtKind(errors.KindIoFault)
	}

	var req [4]byte
	if _, err := io.ReadFull(conn, req[:]); err != nil {
		return netutil.Target{}, 0, errors.New("failed to read SOCKS5 request header").Base(err).
			AtKind(errors.KindProtocolViolation)
	}
	if req[0] != version5 {
		return netutil.Target{}, 0, errors.New("unsupported SOCKS version in request ", req[0]).
			AtKind(errors.KindProtocolViolation)
	}
	cmd := req[1]

	target, err := readTarget(conn)
	if err != nil {
		return netutil.Target{}, 0, err
	}

	switch cmd {
	case cmdConnect:
		if err := writeConnectReply(conn, repSuccess); err != nil {
			return netutil.Target{}, 0, err
		}
	case cmdUDPAssociate:
		// Caller sends the real reply with the UDP bind address.
	default:
		_ = writeConnectReply(conn, repCommandNotSupported)
		return netutil.Target{}, 0, errors.New("unsupported SOCKS5 command ", cmd).
			AtKind(errors.KindProtocolViolation)
	}

	return target, cmd, nil
}

// readTarget reads the ATYP-encoded address+port following the SOCKS5
// request header, in the same wire form as the upstream stream header
// (so the bytes read here can be forwarded upstream almost verbatim).
func readTarget(r io.Reader) (netutil.Target, error) {
	var atyp [1]byte
	if _, err := io.ReadFull(r, atyp[:]); err != nil {
		return netutil.Target{}, errors.New("failed to read SOCKS5 address type").Base(err).
			AtKind(errors.KindProtocolViolation)
	}

	switch netutil.Kind(atyp[0]) {
	case netutil.KindIPv4:
		buf := make([]byte, 4+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return netutil.Target{}, errors.New("truncated IPv4 SOCKS5 address").Base(err).
				AtKind(errors.KindProtocolViolation)
		}
		ip := net.IP(buf[:4])
		port := uint16(buf[4])<<8 | uint16(buf[5])
		return netutil.NewIPTarget(ip, port, netutil.TransportTCP), nil
	case netutil.KindIPv6:
		buf := make([]byte, 16+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return netutil.Target{}, errors.New("truncated IPv6 SOCKS5 address").Base(err).
				AtKind(errors.KindProtocolViolation)
		}
		ip := net.IP(buf[:16])
		port := uint16(buf[16])<<8 | uint16(buf[17])
		return netutil.NewIPTarget(ip, port, netutil.TransportTCP), nil
	case netutil.KindDomain:
		var lenByte [1]byte
		if _, err := io.ReadFull(r, lenByte[:]); err != nil {
			return netutil.Target{}, errors.New("failed to read SOCKS5 domain length").Base(err).
				AtKind(errors.KindProtocolViolation)
		}
		buf := make([]byte, int(lenByte[0])+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return netutil.Target{}, errors.New("truncated SOCKS5 domain address").Base(err).
				AtKind(errors.KindProtocolViolation)
		}
		domain := string(buf[:lenByte[0]])
		port := uint16(buf[lenByte[0]])<<8 | uint16(buf[lenByte[0]+1])
		return netutil.NewDomainTarget(domain, port, netutil.TransportTCP), nil
	default:
		return netutil.Target{}, errors.New("unknown SOCKS5 address type ", atyp[0]).
			AtKind(errors.KindProtocolViolation)
	}
}

func writeConnectReply(w io.Writer, rep byte) error {
	reply := []byte{version5, rep, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	if _, err := w.Write(reply); err != nil {
		return errors.New("failed to write SOCKS5 reply").Base(err).AtKind(errors.KindIoFault)
	}
	return nil
}

func writeUDPAssociateReply(w io.Writer, bind *net.UDPAddr) error {
	reply := []byte{version5, repSuccess, 0x00}
	if v4 := bind.IP.To4(); v4 != nil {
		reply = append(reply, 0x01)
		reply = append(reply, v4...)
	} else {
		reply = append(reply, 0x04)
		reply = append(reply, bind.IP.To16()...)
	}
	port := uint16(bind.Port)
	reply = append(reply, byte(port>>8), byte(port))
	if _, err := w.Write(reply); err != nil {
		return errors.New("failed to write SOCKS5 UDP ASSOCIATE reply").Base(err).
			AtKind(errors.KindIoFault)
	}
	return nil
}
