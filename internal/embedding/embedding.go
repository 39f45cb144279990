// Package embedding turns fragment and query text into vectors. Documents
// and queries must go through the same Embedder so their vectors are
// comparable.
package embedding

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/docrag/backend/internal/errs"
	"github.com/docrag/backend/pkg/logger"
)

// Embedder returns one vector per input text, in input order.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	EmbedOne(ctx context.Context, text string) ([]float32, error)
	Dimension() int
	Model() string
}

// Factory builds the underlying model. It runs at most once successfully.
type Factory func(ctx context.Context) (Embedder, error)

// Lazy defers loading the model until first use and then shares the loaded
// instance read-only across goroutines. A failed load is reported as an
// EmbeddingError and retried on the next call.
type Lazy struct {
	model     string
	dimension int
	factory   Factory

	mu     sync.Mutex
	loaded atomic.Pointer[loadedModel]
}

type loadedModel struct {
	Embedder
}

func NewLazy(model string, dimension int, factory Factory) *Lazy {
	return &Lazy{model: model, dimension: dimension, factory: factory}
}

func (l *Lazy) get(ctx context.Context) (Embedder, error) {
	if m := l.loaded.Load(); m != nil {
		return m.Embedder, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if m := l.loaded.Load(); m != nil {
		return m.Embedder, nil
	}

	e, err := l.factory(ctx)
	if err != nil {
		return nil, errs.Embedding("load model", err)
	}
	if e.Dimension() != l.dimension {
		return nil, errs.Embedding("load model", fmt.Errorf("%w: model %s produces %d, configured %d",
			errs.ErrDimensionMismatch, e.Model(), e.Dimension(), l.dimension))
	}

	l.loaded.Store(&loadedModel{Embedder: e})
	logger.Info("Embedding model loaded", zap.String("model", l.model), zap.Int("dimension", l.dimension))
	return e, nil
}

// Loaded reports whether the model has been initialised.
func (l *Lazy) Loaded() bool {
	return l.loaded.Load() != nil
}

func (l *Lazy) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	e, err := l.get(ctx)
	if err != nil {
		return nil, err
	}
	vectors, err := e.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, errs.Embedding("embed batch", err)
	}
	if err := Validate(vectors, len(texts), l.dimension); err != nil {
		return nil, err
	}
	return vectors, nil
}

func (l *Lazy) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vectors, err := l.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (l *Lazy) Dimension() int { return l.dimension }
func (l *Lazy) Model() string  { return l.model }

// Validate checks that a batch result lines up with its input.
func Validate(vectors [][]float32, want, dimension int) error {
	if len(vectors) != want {
		return errs.Embedding("validate", fmt.Errorf("embedding count mismatch: got %d, expected %d", len(vectors), want))
	}
	for i, v := range vectors {
		if len(v) != dimension {
			return errs.Embedding("validate", fmt.Errorf("%w: vector %d has %d values, expected %d",
				errs.ErrDimensionMismatch, i, len(v), dimension))
		}
	}
	return nil
}
