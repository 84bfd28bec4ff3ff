// Package sessionmgr is the process-wide lazy session actor: no
// connection is made until the first stream is requested, a single
// establishment is ever in flight at a time, and a run of consecutive
// failures exhausts the session until a caller gives up, grounded on
// XTLS-Xray-core's common/mux ClientManager/WorkerPicker
// factory-on-demand shape.
package sessionmgr

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ech-tunnel/echtun/common/errors"
	"github.com/ech-tunnel/echtun/common/log"
	"github.com/ech-tunnel/echtun/config"
	"github.com/ech-tunnel/echtun/doh"
	"github.com/ech-tunnel/echtun/mux"
	"github.com/ech-tunnel/echtun/transport/tlsengine"
	"github.com/ech-tunnel/echtun/transport/wsclient"
	"golang.org/x/sync/singleflight"
)

// state is the Uninit/Connecting/Ready/Failed lifecycle of a session.
type state int32

const (
	stateUninit state = iota
	stateConnecting
	stateReady
	stateFailed
)

const establishKey = "session"

// Manager owns at most one live Session at a time and lazily
// (re)establishes it on demand.
type Manager struct {
	cfg      *config.Config
	dohCache *doh.Cache // nil when ECH/ECH-discovery is disabled

	group singleflight.Group

	mu      sync.Mutex
	session *mux.Session
	st      atomic.Int32
	fails   atomic.Int32
}

// NewManager builds a Manager for cfg. dohCache may be nil if
// cfg.EchEnabled is false; callers that enable ECH must supply one
// built over a client that bypasses this very tunnel (doh package doc).
func NewManager(cfg *config.Config, dohCache *doh.Cache) *Manager {
	return &Manager{cfg: cfg, dohCache: dohCache}
}

// GetStream returns a stream over the current (lazily established)
// session, establishing or re-establishing it as needed.
func (m *Manager) GetStream(ctx context.Context) (*mux.Stream, error) {
	sess, err := m.ensureSession(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := sess.DialStream(ctx)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func (m *Manager) ensureSession(ctx context.Context) (*mux.Session, error) {
	m.mu.Lock()
	if m.session != nil && state(m.st.Load()) == stateReady {
		sess := m.session
		m.mu.Unlock()
		return sess, nil
	}
	m.mu.Unlock()

	if int(m.fails.Load()) >= config.DefaultMaxFailures {
		return nil, errors.New("session establishment failed ", config.DefaultMaxFailures,
			" times in a row; giving up").AtKind(errors.KindExhausted)
	}

	m.st.Store(int32(stateConnecting))
	v, err, _ := m.group.Do(establishKey, func() (interface{}, error) {
		return m.establish(ctx)
	})
	if err != nil {
		m.fails.Add(1)
		m.st.Store(int32(stateFailed))
		return nil, err
	}

	m.fails.Store(0)
	m.st.Store(int32(stateReady))
	sess := v.(*mux.Session)

	m.mu.Lock()
	m.session = sess
	m.mu.Unlock()

	return sess, nil
}

// establish performs the full dial path: optional DoH ECH discovery,
// ECH-TLS handshake, WebSocket upgrade, mux session start.
func (m *Manager) establish(ctx context.Context) (*mux.Session, error) {
	host, port, path, err := m.cfg.RelayHostPort()
	if err != nil {
		return nil, err
	}

	var echConfigList []byte
	if m.cfg.EchEnabled {
		if m.dohCache == nil {
			return nil, errors.New("ech_enabled but no DoH cache configured").
				AtKind(errors.KindEchUnavailable)
		}
		domain := m.cfg.EchCoverDomain
		if domain == "" {
			domain = host
		}
		echConfigList, err = m.dohCache.Get(ctx, domain)
		if err != nil {
			return nil, err
		}
	}

	handle, err := tlsengine.Connect(ctx, tlsengine.DialOptions{
		Host:          host,
		Port:          port,
		ConnectHost:   m.cfg.RelayIP,
		EchConfigList: echConfigList,
		EnforceECH:    m.cfg.EchEnabled,
	})
	if err != nil {
		return nil, err
	}

	wsConn, err := wsclient.Upgrade(ctx, handle.Conn(), host, path, m.cfg.Token)
	if err != nil {
		handle.Close()
		return nil, err
	}

	log.Infof("session established to %s (ech_accepted=%v)", host, handle.Info().EchAccepted)

	return mux.NewSession(wsConn, m.onSessionFailed), nil
}

// onSessionFailed is called by the mux.Session when its underlying
// connection dies, invalidating the cached session so the next
// GetStream call re-establishes from scratch.
func (m *Manager) onSessionFailed(err error) {
	m.mu.Lock()
	m.session = nil
	m.mu.Unlock()
	m.st.Store(int32(stateFailed))
	log.Warningf("session failed: %v", err)
}
