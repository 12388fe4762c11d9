package billing

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/rcourtman/suite-entitlements/internal/billing/billingmetrics"
)

const (
	cacheKindEntitlement = "ent"
	cacheKindDecision    = "acc"
)

// readCache memoizes resolver reads. Keys are kind|user|tool|team so writes
// can drop every entry for a tool or a team.
//
// Every invalidation bumps gen. A load that started under an older
// generation may have read pre-write state, so its result is handed to its
// callers but never stored, and later callers do not join its flight.
type readCache struct {
	items  *gocache.Cache
	flight singleflight.Group

	mu  sync.Mutex
	gen uint64
}

func newReadCache(ttl time.Duration) *readCache {
	if ttl <= 0 {
		return &readCache{}
	}
	return &readCache{items: gocache.New(ttl, 2*ttl)}
}

func cacheKey(kind, userID, toolID, teamID string) string {
	return strings.Join([]string{kind, userID, toolID, teamID}, "|")
}

// get returns the cached value for key or computes it once, even under
// concurrent callers.
func (c *readCache) get(ctx context.Context, key string, load func(context.Context) (any, error)) (any, error) {
	if c.items == nil {
		return load(ctx)
	}
	if v, ok := c.items.Get(key); ok {
		billingmetrics.EntitlementCacheTotal.WithLabelValues("hit").Inc()
		return v, nil
	}
	billingmetrics.EntitlementCacheTotal.WithLabelValues("miss").Inc()

	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	v, err, _ := c.flight.Do(key+"#"+strconv.FormatUint(gen, 10), func() (any, error) {
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.gen == gen {
			c.items.SetDefault(key, v)
		}
		c.mu.Unlock()
		return v, nil
	})
	return v, err
}

// invalidateTool drops every entry for toolID.
func (c *readCache) invalidateTool(toolID string) {
	c.invalidate(func(parts []string) bool { return parts[2] == toolID })
}

// invalidateTeam drops every entry resolved within teamID.
func (c *readCache) invalidateTeam(teamID string) {
	c.invalidate(func(parts []string) bool { return parts[3] == teamID })
}

func (c *readCache) invalidate(match func(parts []string) bool) {
	if c.items == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	for key := range c.items.Items() {
		parts := strings.SplitN(key, "|", 4)
		if len(parts) == 4 && match(parts) {
			c.items.Delete(key)
		}
	}
}

func (c *readCache) flush() {
	if c.items != nil {
		c.mu.Lock()
		c.gen++
		c.items.Flush()
		c.mu.Unlock()
	}
}
