package embedding

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/docrag/backend/internal/metrics"
	"github.com/docrag/backend/pkg/logger"
	"github.com/docrag/backend/pkg/utils"
)

// Cache stores vectors by content key. Implementations may be remote, so
// every error is treated as a miss.
type Cache interface {
	GetEmbedding(ctx context.Context, key string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, key string, embedding []float32, ttl time.Duration) error
}

// Cached serves repeated texts from a Cache and only sends misses to the
// wrapped Embedder, in one batch, preserving input order.
type Cached struct {
	next  Embedder
	cache Cache
	ttl   time.Duration
}

func NewCached(next Embedder, cache Cache, ttl time.Duration) *Cached {
	return &Cached{next: next, cache: cache, ttl: ttl}
}

func (c *Cached) key(text string) string {
	return utils.HashString(c.next.Model(), text)
}

func (c *Cached) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	var (
		missTexts []string
		missIdx   []int
	)

	for i, text := range texts {
		vec, ok, err := c.cache.GetEmbedding(ctx, c.key(text))
		if err != nil {
			logger.Warn("Embedding cache lookup failed", zap.Error(err))
		}
		if ok && len(vec) == c.next.Dimension() {
			out[i] = vec
			metrics.CacheHits.WithLabelValues("embedding").Inc()
			continue
		}
		metrics.CacheMisses.WithLabelValues("embedding").Inc()
		missTexts = append(missTexts, text)
		missIdx = append(missIdx, i)
	}

	if len(missTexts) == 0 {
		return out, nil
	}

	vectors, err := c.next.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if err := Validate(vectors, len(missTexts), c.next.Dimension()); err != nil {
		return nil, err
	}

	for j, vec := range vectors {
		out[missIdx[j]] = vec
		if err := c.cache.SetEmbedding(ctx, c.key(missTexts[j]), vec, c.ttl); err != nil {
			logger.Warn("Embedding cache store failed", zap.Error(err))
		}
	}
	return out, nil
}

func (c *Cached) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (c *Cached) Dimension() int { return c.next.Dimension() }
func (c *Cached) Model() string  { return c.next.Model() }
