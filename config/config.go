// Package config holds the externally-supplied configuration this
// module runs against: the surrounding CLI/GUI loads it from flags or
// a file (out of scope here) and hands this module an immutable
// snapshot — there is no global mutable configuration after startup.
package config

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/ech-tunnel/echtun/common/errors"
)

// Defaults for the timeouts and size limits used across the module.
const (
	DefaultTCPIdle        = 300 * time.Second
	DefaultUDPIdle        = 60 * time.Second
	DefaultDoHTimeout     = 10 * time.Second
	DefaultTLSTimeout     = 10 * time.Second
	DefaultRelayIdle      = 300 * time.Second
	DefaultRelayFlushEach = 16 * 1024
	DefaultRelayBufSize   = 32 * 1024
	DefaultStreamWindow   = 1 << 20       // 1 MiB per-stream flow-control window
	DefaultSessionWindow  = 2 << 20       // 2 MiB per-session flow-control window
	DefaultFrameSplit     = 0xFFFF        // max payload carried by one mux frame
	DefaultMaxWSFrame     = 16 << 20      // max WebSocket binary frame accepted
	DefaultMaxStreams     = 256           // max concurrent streams per session
	DefaultMaxFailures    = 3             // consecutive dial failures before a session gives up
	FakeDNSTTLSeconds     = 1             // TTL advertised on synthesized A/AAAA answers
	FakeIPv4PoolSize      = 1 << 16       // size of the 198.18.0.0/16 fake-IP pool
)

// TunConfig is the TUN device sub-block of the configuration.
type TunConfig struct {
	Name            string
	V4Addr          string
	Netmask         string
	MTU             int
	DNS             string
	FakeDNSEnabled  bool
}

// Config is the full externally-supplied configuration contract.
type Config struct {
	ListenAddr     string
	RelayAddr      string // host:port[/path]
	RelayIP        string // optional TCP target override; SNI unchanged
	Token          string
	EchEnabled     bool
	EchCoverDomain string
	DohURL         string
	MuxEnabled     bool
	Tun            TunConfig
}

// Validate checks the structural invariants this module relies on. It
// does not validate anything about how the config was produced (out of
// scope), only that the contract it received is usable.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr must not be empty").AtKind(errors.KindProtocolViolation)
	}
	if c.RelayAddr == "" {
		return errors.New("relay_addr must not be empty").AtKind(errors.KindProtocolViolation)
	}
	if c.Token == "" {
		return errors.New("token must not be empty").AtKind(errors.KindAuthOrProtocol)
	}
	if c.EchEnabled && c.DohURL == "" {
		return errors.New("doh_url required when ech_enabled").AtKind(errors.KindEchUnavailable)
	}
	if c.Tun.FakeDNSEnabled && c.Tun.Name == "" {
		return errors.New("tun.name required when fake_dns_enabled").AtKind(errors.KindProtocolViolation)
	}
	return nil
}

// RelayHostPort splits RelayAddr ("host:port[/path]") into its dial
// host, port, and WebSocket upgrade path (defaulting to "/").
func (c *Config) RelayHostPort() (host string, port int, path string, err error) {
	addr := c.RelayAddr
	path = "/"
	if i := strings.IndexByte(addr, '/'); i >= 0 {
		path = addr[i:]
		addr = addr[:i]
	}
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, "", errors.New("invalid relay_addr ", c.RelayAddr).Base(err).
			AtKind(errors.KindProtocolViolation)
	}
	portNum, err := strconv.Atoi(p)
	if err != nil {
		return "", 0, "", errors.New("invalid relay_addr port in ", c.RelayAddr).Base(err).
			AtKind(errors.KindProtocolViolation)
	}
	return h, portNum, path, nil
}
