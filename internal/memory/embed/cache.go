package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	gocache "github.com/patrickmn/go-cache"
	goredis "github.com/redis/go-redis/v9"

	"github.com/talk2me/talk2me/internal/config"
	"github.com/talk2me/talk2me/internal/metrics"
)

// CachedEmbedder wraps an Embedder with a two-tier cache: a fast in-process
// tier and a shared Redis tier. Summaries repeat across chat turns, so
// caching saves both latency and embedding spend. Cache failures degrade to
// a direct embed call; they are never surfaced to the caller.
type CachedEmbedder struct {
	inner     Embedder
	local     *gocache.Cache
	redis     goredis.UniversalClient
	ttl       time.Duration
	localTTL  time.Duration
	keyPrefix string
}

// NewCached wraps inner with the dual-tier cache. A nil redis client
// disables the shared tier.
func NewCached(inner Embedder, redis goredis.UniversalClient, cfg config.EmbedCacheConfig) *CachedEmbedder {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	localTTL := cfg.LocalTTL
	if localTTL <= 0 {
		localTTL = 10 * time.Minute
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "talk2me:embed"
	}

	return &CachedEmbedder{
		inner:     inner,
		local:     gocache.New(localTTL, 2*localTTL),
		redis:     redis,
		ttl:       ttl,
		localTTL:  localTTL,
		keyPrefix: prefix,
	}
}

// Dimension returns the embedding vector size.
func (c *CachedEmbedder) Dimension() int {
	return c.inner.Dimension()
}

// Embed returns a cached vector when available, promoting Redis hits into
// the in-process tier.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.key(text)

	if v, ok := c.local.Get(key); ok {
		if vec, ok := v.([]float32); ok {
			metrics.EmbeddingCache.WithLabelValues("local", "hit").Inc()
			return vec, nil
		}
	}
	metrics.EmbeddingCache.WithLabelValues("local", "miss").Inc()

	if c.redis != nil {
		if data, err := c.redis.Get(ctx, key).Bytes(); err == nil {
			var vec []float32
			if err := json.Unmarshal(data, &vec); err == nil && len(vec) == c.inner.Dimension() {
				metrics.EmbeddingCache.WithLabelValues("redis", "hit").Inc()
				c.local.Set(key, vec, c.localTTL)
				return vec, nil
			}
		}
		metrics.EmbeddingCache.WithLabelValues("redis", "miss").Inc()
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	c.local.Set(key, vec, c.localTTL)
	if c.redis != nil {
		if data, err := json.Marshal(vec); err == nil {
			// Best effort: a write failure only costs a future cache miss.
			c.redis.Set(ctx, key, data, c.ttl)
		}
	}

	return vec, nil
}

func (c *CachedEmbedder) key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("%s:%d:%s", c.keyPrefix, c.inner.Dimension(), hex.EncodeToString(sum[:]))
}
