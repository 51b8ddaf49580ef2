package embed

import (
	"context"
	"reflect"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/talk2me/talk2me/internal/config"
)

// countingEmbedder tracks how many times the inner embedder is hit.
type countingEmbedder struct {
	inner Embedder
	calls int
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls++
	return c.inner.Embed(ctx, text)
}

func (c *countingEmbedder) Dimension() int { return c.inner.Dimension() }

func TestCachedEmbedderLocalTier(t *testing.T) {
	counting := &countingEmbedder{inner: NewHash(16)}
	cached := NewCached(counting, nil, config.EmbedCacheConfig{})
	ctx := context.Background()

	first, err := cached.Embed(ctx, "my partner loves hiking")
	require.NoError(t, err)
	require.Equal(t, 1, counting.calls)

	second, err := cached.Embed(ctx, "my partner loves hiking")
	require.NoError(t, err)
	require.Equal(t, 1, counting.calls, "second call must be served from the local tier")
	require.True(t, reflect.DeepEqual(first, second))

	_, err = cached.Embed(ctx, "a different text")
	require.NoError(t, err)
	require.Equal(t, 2, counting.calls)
}

func TestCachedEmbedderRedisTierPromotion(t *testing.T) {
	srv := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
	defer func() { _ = client.Close() }()

	cfg := config.EmbedCacheConfig{KeyPrefix: "test:embed"}
	ctx := context.Background()

	// First embedder populates Redis.
	writer := &countingEmbedder{inner: NewHash(16)}
	first := NewCached(writer, client, cfg)
	want, err := first.Embed(ctx, "shared text")
	require.NoError(t, err)
	require.Equal(t, 1, writer.calls)

	// A fresh instance with a cold local tier must hit Redis, not the inner
	// embedder, and promote into its local tier.
	reader := &countingEmbedder{inner: NewHash(16)}
	second := NewCached(reader, client, cfg)

	got, err := second.Embed(ctx, "shared text")
	require.NoError(t, err)
	require.Equal(t, 0, reader.calls, "expected a redis hit")
	require.Equal(t, want, got)

	srv.FlushAll()
	got, err = second.Embed(ctx, "shared text")
	require.NoError(t, err)
	require.Equal(t, 0, reader.calls, "promotion into the local tier should survive a redis flush")
	require.Equal(t, want, got)
}

func TestCachedEmbedderKeyIncludesDimension(t *testing.T) {
	srv := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
	defer func() { _ = client.Close() }()

	cfg := config.EmbedCacheConfig{KeyPrefix: "test:embed"}
	ctx := context.Background()

	small := &countingEmbedder{inner: NewHash(8)}
	large := &countingEmbedder{inner: NewHash(32)}

	_, err := NewCached(small, client, cfg).Embed(ctx, "same text")
	require.NoError(t, err)
	_, err = NewCached(large, client, cfg).Embed(ctx, "same text")
	require.NoError(t, err)

	require.Equal(t, 1, small.calls)
	require.Equal(t, 1, large.calls, "different dimensions must not share cache entries")
}

func TestHashEmbedderDeterministic(t *testing.T) {
	e := NewHash(64)
	ctx := context.Background()

	a, err := e.Embed(ctx, "stable input")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "stable input")
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Len(t, a, 64)

	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	require.InDelta(t, 1.0, norm, 1e-4, "hash embeddings are unit length")
}
