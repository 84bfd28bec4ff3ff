// Package tun wraps a userspace TUN device and dispatches every
// packet it reads to the TCP and UDP state machines, answering
// DNS-over-TUN queries locally via dnsintercept
// before anything reaches the TCP/UDP path. It does not touch the
// host's IP configuration or routing table — assigning the device's
// address and installing routes is the out-of-scope CLI/GUI's job;
// this package only creates the device, reads/writes raw packets, and
// runs the state machines against them.
//
// Grounded on XTLS-Xray-core's proxy/wireguard/tun_linux.go for the
// wgtun.CreateTUN call itself; the netlink address/route/rule wiring
// in that file is deliberately not ported here (out of scope).
package tun

import (
	"context"
	"sync"
	"time"

	"github.com/ech-tunnel/echtun/common/log"
	"github.com/ech-tunnel/echtun/common/netutil"
	"github.com/ech-tunnel/echtun/common/task"
	"github.com/ech-tunnel/echtun/dnsintercept"
	"github.com/ech-tunnel/echtun/mux"
	"github.com/ech-tunnel/echtun/tun/tcpip"
	"github.com/ech-tunnel/echtun/tun/tcpstate"
	"github.com/ech-tunnel/echtun/tun/udpstate"
	wgtun "golang.zx2c4.com/wireguard/tun"
)

// dnsPort is the well-known UDP port DNS-over-TUN queries arrive on.
const dnsPort = 53

// sweepInterval is how often idle TCP/UDP sessions are purged — well
// under config.DefaultUDPIdle so UDP sessions are evicted promptly.
const sweepInterval = 15 * time.Second

// Device owns a userspace TUN device and drives every captured TCP and
// UDP flow through tcpstate/udpstate, answering DNS locally when
// FakeDNS is enabled.
type Device struct {
	dev  wgtun.Device
	mtu  int
	name string

	tcp  *tcpstate.Manager
	udp  *udpstate.Manager
	dns  *dnsintercept.Interceptor
	fake bool

	tcpUp *tcpUpstream

	sweeper *task.Periodic
}

// Config bundles what Device needs beyond the raw TUN name/MTU.
type Config struct {
	Name           string
	MTU            int
	FakeDNSEnabled bool
	Opener         udpstate.StreamOpener
	Resolver       udpstate.DomainResolver
}

// Open creates the TUN device (userspace, via wireguard-go's driver —
// no netlink calls, no address or route assignment) and wires its
// packet path to fresh tcpstate/udpstate managers.
func Open(cfg Config) (*Device, error) {
	wgt, err := wgtun.CreateTUN(cfg.Name, cfg.MTU)
	if err != nil {
		return nil, err
	}

	d := &Device{dev: wgt, mtu: cfg.MTU, name: cfg.Name, fake: cfg.FakeDNSEnabled}
	d.tcp = tcpstate.NewManager(d.writePacket)
	d.udp = udpstate.NewManager(cfg.Opener, cfg.Resolver, d.writePacket)
	if interceptor, ok := cfg.Resolver.(*dnsintercept.Interceptor); ok {
		d.dns = interceptor
	}
	d.tcpUp = newTCPUpstream(cfg.Opener, cfg.Resolver, d.tcp)

	d.sweeper = &task.Periodic{
		Interval: sweepInterval,
		Execute: func() error {
			d.tcpUp.sweep()
			d.udp.Sweep()
			return nil
		},
	}
	if err := d.sweeper.Start(); err != nil {
		wgt.Close()
		return nil, err
	}

	return d, nil
}

func (d *Device) writePacket(packet []byte) error {
	_, err := d.dev.Write([][]byte{packet}, 0)
	return err
}

// Close tears down the TUN device and stops the idle sweeper.
func (d *Device) Close() error {
	if d.sweeper != nil {
		d.sweeper.Close()
	}
	return d.dev.Close()
}

// Run reads packets off the device until ctx is done or the device
// errors, dispatching each to the DNS interceptor, TCP state machine,
// or UDP session table.
func (d *Device) Run(ctx context.Context) error {
	batch := make([][]byte, 1)
	batch[0] = make([]byte, d.mtu+64)
	sizes := make([]int, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := d.dev.Read(batch, sizes, 0)
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			d.handlePacket(ctx, batch[i][:sizes[i]])
		}
	}
}

func (d *Device) handlePacket(ctx context.Context, raw []byte) {
	pkt, err := tcpip.ParseIPv4(raw)
	if err != nil {
		return
	}

	switch pkt.Protocol {
	case tcpip.ProtoUDP:
		if d.fake && d.dns != nil && pkt.DstPort == dnsPort {
			d.answerDNS(pkt)
			return
		}
		if err := d.udp.HandlePacket(ctx, pkt); err != nil {
			log.Warningf("tun: udp dispatch failed: %v", err)
		}
	case tcpip.ProtoTCP:
		d.tcpUp.handlePacket(ctx, pkt)
	}
}

func (d *Device) answerDNS(pkt *tcpip.IPv4Packet) {
	resp, err := d.dns.Handle(pkt.Payload)
	if err != nil {
		log.Warningf("tun: dns answer failed: %v", err)
		return
	}
	reply := tcpip.BuildUDP(pkt.DstIP, pkt.SrcIP, pkt.DstPort, pkt.SrcPort, resp)
	if err := d.writePacket(reply); err != nil {
		log.Warningf("tun: writing dns reply failed: %v", err)
	}
}

// tcpUpstream bridges tcpstate.Manager's per-4-tuple Actions to a
// dedicated mux stream per TCP session, opened on first established
// connection and closed when the state machine reports teardown.
type tcpUpstream struct {
	opener   udpstate.StreamOpener
	resolver udpstate.DomainResolver
	tcp      *tcpstate.Manager

	mu      sync.Mutex
	streams map[tcpstate.Key]*mux.Stream
}

func newTCPUpstream(opener udpstate.StreamOpener, resolver udpstate.DomainResolver, tcp *tcpstate.Manager) *tcpUpstream {
	return &tcpUpstream{opener: opener, resolver: resolver, tcp: tcp, streams: make(map[tcpstate.Key]*mux.Stream)}
}

func (u *tcpUpstream) handlePacket(ctx context.Context, pkt *tcpip.IPv4Packet) {
	action, err := u.tcp.HandlePacket(pkt)
	if err != nil {
		log.Warningf("tun: tcp state machine failed: %v", err)
		return
	}

	switch action.Kind {
	case tcpstate.ActionEstablished:
		if err := u.open(ctx, action.Key); err != nil {
			log.Warningf("tun: opening upstream for %v failed: %v", action.Key, err)
			u.tcp.Remove(action.Key)
		}
	case tcpstate.ActionDataReceived:
		u.mu.Lock()
		stream, ok := u.streams[action.Key]
		u.mu.Unlock()
		if !ok {
			return
		}
		if _, err := stream.Write(action.Payload); err != nil {
			log.Warningf("tun: upstream write failed for %v: %v", action.Key, err)
			u.close(action.Key)
		}
	case tcpstate.ActionClosed, tcpstate.ActionReset:
		u.close(action.Key)
		u.tcp.Remove(action.Key)
	}
}

func (u *tcpUpstream) open(ctx context.Context, key tcpstate.Key) error {
	target := u.resolveTarget(key)

	stream, err := u.opener.GetStream(ctx)
	if err != nil {
		return err
	}
	header, err := target.Encode()
	if err != nil {
		stream.Close()
		return err
	}
	if _, err := stream.Write(header); err != nil {
		stream.Close()
		return err
	}

	u.mu.Lock()
	u.streams[key] = stream
	u.mu.Unlock()
	go u.pumpDownstream(key, stream)
	return nil
}

func (u *tcpUpstream) resolveTarget(key tcpstate.Key) netutil.Target {
	if domain, ok := u.resolver.ResolveDestination(key.RemoteAddr()); ok {
		return netutil.NewDomainTarget(domain, key.RemotePort, netutil.TransportTCP)
	}
	return netutil.NewIPTarget(key.RemoteAddr(), key.RemotePort, netutil.TransportTCP)
}

// pumpDownstream reads server->client bytes off stream and feeds them
// through the TCP state machine as outbound segments, until the stream
// errors out.
func (u *tcpUpstream) pumpDownstream(key tcpstate.Key, stream *mux.Stream) {
	buf := make([]byte, 16*1024)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			if werr := u.tcp.SendData(key, data); werr != nil {
				log.Warningf("tun: writing downstream data for %v failed: %v", key, werr)
				u.close(key)
				return
			}
		}
		if err != nil {
			u.close(key)
			_ = u.tcp.Close(key)
			return
		}
	}
}

// sweep evicts idle TCP sessions and closes their upstream streams.
func (u *tcpUpstream) sweep() {
	for _, key := range u.tcp.Sweep() {
		u.close(key)
	}
}

func (u *tcpUpstream) close(key tcpstate.Key) {
	u.mu.Lock()
	stream, ok := u.streams[key]
	if ok {
		delete(u.streams, key)
	}
	u.mu.Unlock()
	if ok {
		stream.Close()
	}
}
