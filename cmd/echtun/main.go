// Command echtun is the minimal wiring entrypoint standing in for the
// out-of-scope CLI/GUI: it builds a config.Config from a handful of
// environment variables, starts one ingress listener that sniffs
// SOCKS5 vs. HTTP CONNECT on its first byte, and optionally the TUN
// device path, all against a single sessionmgr.Manager.
//
// Grounded on XTLS-Xray-core's main/run.go top-level shape (start,
// wait for SIGINT/SIGTERM, close) with its cobra command tree, config
// file loading, and confdir merging left out — this repo has exactly
// one relay target and no flags to parse.
package main

import (
	"bufio"
	"context"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/ech-tunnel/echtun/common/log"
	"github.com/ech-tunnel/echtun/config"
	"github.com/ech-tunnel/echtun/dnsintercept"
	"github.com/ech-tunnel/echtun/doh"
	"github.com/ech-tunnel/echtun/fakedns"
	"github.com/ech-tunnel/echtun/ingress/httpconn"
	"github.com/ech-tunnel/echtun/ingress/socks"
	"github.com/ech-tunnel/echtun/mux"
	"github.com/ech-tunnel/echtun/relay"
	"github.com/ech-tunnel/echtun/sessionmgr"
	"github.com/ech-tunnel/echtun/tun"
)

func main() {
	cfg := configFromEnv()
	if err := cfg.Validate(); err != nil {
		log.Errorf("invalid configuration: %v", err)
		os.Exit(1)
	}

	var dohCache *doh.Cache
	if cfg.EchEnabled {
		dohCache = doh.NewCache(doh.NewResolver(cfg.DohURL))
	}

	manager := sessionmgr.NewManager(cfg, dohCache)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := startIngress(ctx, cfg, manager); err != nil {
		log.Errorf("failed to start ingress listener: %v", err)
		os.Exit(1)
	}

	if cfg.Tun.FakeDNSEnabled {
		if err := startTun(ctx, cfg, manager); err != nil {
			log.Errorf("failed to start tun device: %v", err)
			os.Exit(1)
		}
	}

	waitForSignal()
}

func configFromEnv() *config.Config {
	return &config.Config{
		ListenAddr:     envOr("ECHTUN_LISTEN_ADDR", "127.0.0.1:1080"),
		RelayAddr:      os.Getenv("ECHTUN_RELAY_ADDR"),
		RelayIP:        os.Getenv("ECHTUN_RELAY_IP"),
		Token:          os.Getenv("ECHTUN_TOKEN"),
		EchEnabled:     os.Getenv("ECHTUN_ECH_ENABLED") == "1",
		EchCoverDomain: os.Getenv("ECHTUN_ECH_COVER_DOMAIN"),
		DohURL:         envOr("ECHTUN_DOH_URL", "https://cloudflare-dns.com/dns-query"),
		MuxEnabled:     true,
		Tun: config.TunConfig{
			Name:           os.Getenv("ECHTUN_TUN_NAME"),
			V4Addr:         os.Getenv("ECHTUN_TUN_ADDR"),
			Netmask:        envOr("ECHTUN_TUN_NETMASK", "255.255.255.0"),
			MTU:            1500,
			DNS:            envOr("ECHTUN_TUN_DNS", "198.18.0.53"),
			FakeDNSEnabled: os.Getenv("ECHTUN_TUN_FAKEDNS") == "1",
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// startIngress listens on cfg.ListenAddr and, for every accepted
// connection, peeks its first byte to tell a SOCKS5 client hello
// (0x05) from an HTTP CONNECT request line (ASCII) before handing the
// connection to the matching ingress server.
func startIngress(ctx context.Context, cfg *config.Config, manager *sessionmgr.Manager) error {
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return err
	}

	socksSrv := &socks.Server{Opener: manager, Relay: relayStreams}
	httpSrv := &httpconn.Server{Opener: manager, Relay: relayStreams}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go dispatchIngress(ctx, conn, socksSrv, httpSrv)
		}
	}()

	log.Infof("ingress listening on %s", cfg.ListenAddr)
	return nil
}

func dispatchIngress(ctx context.Context, conn net.Conn, socksSrv *socks.Server, httpSrv *httpconn.Server) {
	br := bufio.NewReader(conn)
	first, err := br.Peek(1)
	if err != nil {
		conn.Close()
		return
	}

	bc := &bufferedConn{Conn: conn, r: br}
	if first[0] == 0x05 {
		socksSrv.ServeConn(ctx, bc)
		return
	}
	httpSrv.ServeConn(ctx, bc)
}

// bufferedConn lets a protocol sniff peek ahead without losing the
// peeked bytes for the real handler.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }

// relayStreams bridges an ingress connection to its opened upstream
// stream via the shared relay loop.
func relayStreams(ctx context.Context, local io.ReadWriteCloser, upstream *mux.Stream) {
	if err := relay.Copy(ctx, local, upstream); err != nil {
		log.Warningf("relay ended: %v", err)
	}
}

func startTun(ctx context.Context, cfg *config.Config, manager *sessionmgr.Manager) error {
	pool := fakedns.NewPool()
	interceptor := dnsintercept.NewInterceptor(pool)
	interceptor.Forward = doh.NewResolver(cfg.DohURL)

	dev, err := tun.Open(tun.Config{
		Name:           cfg.Tun.Name,
		MTU:            cfg.Tun.MTU,
		FakeDNSEnabled: cfg.Tun.FakeDNSEnabled,
		Opener:         manager,
		Resolver:       interceptor,
	})
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		dev.Close()
	}()

	go func() {
		if err := dev.Run(ctx); err != nil {
			log.Warningf("tun device stopped: %v", err)
		}
	}()

	log.Infof("tun device %s started", cfg.Tun.Name)
	return nil
}

func waitForSignal() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	<-signals
}
