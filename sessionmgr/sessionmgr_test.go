package sessionmgr

import (
	"context"
	"testing"

	"github.com/ech-tunnel/echtun/common/errors"
	"github.com/ech-tunnel/echtun/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// brokenConfig fails RelayHostPort deterministically, without touching
// the network, so the failure-cap behavior can be exercised directly.
func brokenConfig() *config.Config {
	return &config.Config{
		ListenAddr: "127.0.0.1:1080",
		RelayAddr:  "not a valid host port",
		Token:      "secret",
	}
}

func TestManagerExhaustsAfterMaxFailures(t *testing.T) {
	mgr := NewManager(brokenConfig(), nil)

	for i := 0; i < config.DefaultMaxFailures; i++ {
		_, err := mgr.GetStream(context.Background())
		require.Error(t, err)
		assert.False(t, errors.Is(err, errors.KindExhausted),
			"attempt %d should fail with the underlying cause, not Exhausted yet", i)
	}

	_, err := mgr.GetStream(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindExhausted))
}

func TestManagerRequiresDohCacheWhenEchEnabled(t *testing.T) {
	cfg := &config.Config{
		ListenAddr: "127.0.0.1:1080",
		RelayAddr:  "relay.example.com:443",
		Token:      "secret",
		EchEnabled: true,
	}
	mgr := NewManager(cfg, nil)

	_, err := mgr.GetStream(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.KindEchUnavailable))
}
