package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"greendelivery/ingestion/internal/config"
)

func TestValidate_StaticKeys(t *testing.T) {
	a := NewAuthenticator(&config.Config{
		ValidAPIKeys:        []string{"route-key", ""},
		AuthCacheTTLSeconds: 300,
	}, nil)

	ctx := context.Background()
	assert.True(t, a.Validate(ctx, "route-key"))
	assert.False(t, a.Validate(ctx, "unknown"))
	assert.False(t, a.Validate(ctx, ""))
}

func TestValidate_CacheHit(t *testing.T) {
	a := NewAuthenticator(&config.Config{AuthCacheTTLSeconds: 300}, nil)

	// Pre-warm the cache as a successful redis lookup would.
	a.localCache.Store("cached-key", cacheEntry{
		trackerID: "tracker-1",
		expiresAt: time.Now().Add(time.Minute),
	})

	assert.True(t, a.Validate(context.Background(), "cached-key"))
}

func TestValidate_ExpiredCacheEntryWithoutRedis(t *testing.T) {
	a := NewAuthenticator(&config.Config{AuthCacheTTLSeconds: 300}, nil)

	a.localCache.Store("stale-key", cacheEntry{
		trackerID: "tracker-1",
		expiresAt: time.Now().Add(-time.Minute),
	})

	// Expired entry plus no redis to fall back to means rejection, and
	// the stale entry is evicted.
	assert.False(t, a.Validate(context.Background(), "stale-key"))
	_, ok := a.localCache.Load("stale-key")
	assert.False(t, ok)
}
