package embedding

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docrag/backend/internal/errs"
)

func TestHashEmbedderOrderInvariance(t *testing.T) {
	e := NewHashEmbedder(64)
	ctx := context.Background()

	batch, err := e.EmbedBatch(ctx, []string{"alpha clause", "breach of contract", "gamma notice"})
	require.NoError(t, err)
	one, err := e.EmbedOne(ctx, "breach of contract")
	require.NoError(t, err)

	assert.Equal(t, one, batch[1])
}

func TestHashEmbedderDeterministicAndNormalized(t *testing.T) {
	a := NewHashEmbedder(128)
	b := NewHashEmbedder(128)
	ctx := context.Background()

	va, _ := a.EmbedOne(ctx, "The party failed to deliver the goods.")
	vb, _ := b.EmbedOne(ctx, "The party failed to deliver the goods.")
	assert.Equal(t, va, vb)
	assert.Len(t, va, 128)

	var sum float64
	for _, v := range va {
		sum += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, sum, 1e-5)

	empty, _ := a.EmbedOne(ctx, "the of and")
	for _, v := range empty {
		assert.Zero(t, v)
	}
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"breach", "contract"}, Tokenize("What is breach of contract?"))
	assert.Equal(t, []string{"art", "5", "applies"}, Tokenize("Art. 5 applies"))
}

type countingEmbedder struct {
	*HashEmbedder
	calls atomic.Int32
	fail  error
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.calls.Add(1)
	if c.fail != nil {
		return nil, c.fail
	}
	return c.HashEmbedder.EmbedBatch(ctx, texts)
}

func TestLazyLoadsOnceUnderConcurrency(t *testing.T) {
	var loads atomic.Int32
	lazy := NewLazy("hash-bow", 32, func(ctx context.Context) (Embedder, error) {
		loads.Add(1)
		time.Sleep(5 * time.Millisecond)
		return NewHashEmbedder(32), nil
	})
	assert.False(t, lazy.Loaded())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := lazy.EmbedOne(context.Background(), "concurrent query")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), loads.Load())
	assert.True(t, lazy.Loaded())
}

func TestLazyRetriesFailedLoad(t *testing.T) {
	attempts := 0
	lazy := NewLazy("hash-bow", 16, func(ctx context.Context) (Embedder, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("model files missing")
		}
		return NewHashEmbedder(16), nil
	})

	_, err := lazy.EmbedOne(context.Background(), "x")
	var embErr *errs.EmbeddingError
	require.ErrorAs(t, err, &embErr)

	_, err = lazy.EmbedOne(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestLazyRejectsDimensionMismatch(t *testing.T) {
	lazy := NewLazy("hash-bow", 16, func(ctx context.Context) (Embedder, error) {
		return NewHashEmbedder(8), nil
	})

	_, err := lazy.EmbedBatch(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, errs.ErrDimensionMismatch)
	assert.Equal(t, "embedding", errs.Kind(err))
}

func TestLazyWrapsModelErrors(t *testing.T) {
	inner := &countingEmbedder{HashEmbedder: NewHashEmbedder(8), fail: errors.New("model unavailable")}
	lazy := NewLazy("hash-bow", 8, func(ctx context.Context) (Embedder, error) { return inner, nil })

	_, err := lazy.EmbedBatch(context.Background(), []string{"a", "b"})
	assert.Equal(t, "embedding", errs.Kind(err))

	vectors, err := lazy.EmbedBatch(context.Background(), nil)
	assert.NoError(t, err)
	assert.Nil(t, vectors)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate([][]float32{{1, 2}, {3, 4}}, 2, 2))
	assert.Error(t, Validate([][]float32{{1, 2}}, 2, 2))
	assert.ErrorIs(t, Validate([][]float32{{1, 2, 3}}, 1, 2), errs.ErrDimensionMismatch)
}

type memoryCache struct {
	mu      sync.Mutex
	entries map[string][]float32
	getErr  error
}

func (m *memoryCache) GetEmbedding(ctx context.Context, key string) ([]float32, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	v, ok := m.entries[key]
	return v, ok, nil
}

func (m *memoryCache) SetEmbedding(ctx context.Context, key string, embedding []float32, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = embedding
	return nil
}

func TestCachedServesHitsAndKeepsOrder(t *testing.T) {
	inner := &countingEmbedder{HashEmbedder: NewHashEmbedder(16)}
	cache := &memoryCache{entries: map[string][]float32{}}
	cached := NewCached(inner, cache, time.Hour)
	ctx := context.Background()

	first, err := cached.EmbedBatch(ctx, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), inner.calls.Load())
	assert.Len(t, cache.entries, 2)

	mixed, err := cached.EmbedBatch(ctx, []string{"c", "a", "b", "d"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), inner.calls.Load())
	assert.Equal(t, first[0], mixed[1])
	assert.Equal(t, first[1], mixed[2])

	direct, _ := inner.HashEmbedder.EmbedOne(ctx, "d")
	assert.Equal(t, direct, mixed[3])

	_, err = cached.EmbedBatch(ctx, []string{"a", "b", "c", "d"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), inner.calls.Load(), "all hits, no model call")
}

func TestCachedTreatsCacheErrorsAsMisses(t *testing.T) {
	inner := &countingEmbedder{HashEmbedder: NewHashEmbedder(16)}
	cache := &memoryCache{entries: map[string][]float32{}, getErr: errors.New("redis down")}
	cached := NewCached(inner, cache, time.Hour)

	v, err := cached.EmbedOne(context.Background(), "query")
	require.NoError(t, err)
	assert.Len(t, v, 16)
	assert.Equal(t, int32(1), inner.calls.Load())
}
