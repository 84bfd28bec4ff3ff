package doh

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// cacheTTL bounds how long a resolved ECHConfigList is served without a
// refresh attempt. The DoH response's own TTL is not surfaced by the
// HTTPS RR the way it is for A/AAAA, so a fixed window is used instead,
// matching xray-core's ECHConfigCache default refresh cadence.
const cacheTTL = 10 * time.Minute

type cacheEntry struct {
	config []byte
	expire time.Time
}

// Cache wraps a Resolver with a per-domain ECHConfigList cache that
// serves a stale-but-present entry immediately while refreshing in the
// background, and blocks on a synchronous refresh only when nothing
// cached exists yet, grounded on xray-core's
// transport/internet/tls/ech.go ECHConfigCache.
type Cache struct {
	resolver *Resolver

	entries sync.Map // domain -> *atomic.Pointer[cacheEntry]
}

func NewCache(resolver *Resolver) *Cache {
	return &Cache{resolver: resolver}
}

func (c *Cache) slot(domain string) *atomic.Pointer[cacheEntry] {
	v, _ := c.entries.LoadOrStore(domain, new(atomic.Pointer[cacheEntry]))
	return v.(*atomic.Pointer[cacheEntry])
}

// Get returns domain's cached ECHConfigList, querying DoH synchronously
// if nothing is cached yet, or kicking off a background refresh and
// returning the stale value if the cache has expired.
func (c *Cache) Get(ctx context.Context, domain string) ([]byte, error) {
	slot := c.slot(domain)
	entry := slot.Load()

	if entry == nil {
		return c.refresh(ctx, domain, slot)
	}
	if time.Now().Before(entry.expire) {
		return entry.config, nil
	}

	go func() {
		refreshCtx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
		defer cancel()
		_, _ = c.refresh(refreshCtx, domain, slot)
	}()
	return entry.config, nil
}

func (c *Cache) refresh(ctx context.Context, domain string, slot *atomic.Pointer[cacheEntry]) ([]byte, error) {
	cfg, err := c.resolver.QueryECHConfigList(ctx, domain)
	if err != nil {
		return nil, err
	}
	slot.Store(&cacheEntry{config: cfg, expire: time.Now().Add(cacheTTL)})
	return cfg, nil
}
