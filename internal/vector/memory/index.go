// Package memory is an exact, in-process vector index used for development,
// the CLI and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/docrag/backend/internal/errs"
	"github.com/docrag/backend/internal/vector"
	"github.com/docrag/backend/pkg/logger"
)

type Index struct {
	mu         sync.RWMutex
	dimension  int
	records    map[string]vector.Record
	byDocument map[string]map[string]struct{}
}

func New(dimension int) *Index {
	return &Index{
		dimension:  dimension,
		records:    make(map[string]vector.Record),
		byDocument: make(map[string]map[string]struct{}),
	}
}

func (m *Index) Dimension() int { return m.dimension }

func (m *Index) Close() error { return nil }

func (m *Index) Upsert(ctx context.Context, records []vector.Record) (int, error) {
	for _, r := range records {
		if r.FragmentID == "" {
			return 0, errs.Index("upsert", fmt.Errorf("record without fragment id"))
		}
		if len(r.Vector) != m.dimension {
			return 0, errs.Index("upsert", fmt.Errorf("%w: fragment %s has %d, index expects %d",
				errs.ErrDimensionMismatch, r.FragmentID, len(r.Vector), m.dimension))
		}
	}
	if err := ctx.Err(); err != nil {
		return 0, errs.Index("upsert", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range records {
		if old, ok := m.records[r.FragmentID]; ok && old.Metadata.DocumentID != r.Metadata.DocumentID {
			m.unlink(old.Metadata.DocumentID, r.FragmentID)
		}

		m.records[r.FragmentID] = cloneRecord(r)

		ids, ok := m.byDocument[r.Metadata.DocumentID]
		if !ok {
			ids = make(map[string]struct{})
			m.byDocument[r.Metadata.DocumentID] = ids
		}
		ids[r.FragmentID] = struct{}{}
	}

	logger.Debug("Vectors upserted", zap.Int("count", len(records)), zap.Int("total", len(m.records)))
	return len(records), nil
}

func (m *Index) Query(ctx context.Context, query []float32, k int, filter *vector.Filter) ([]vector.Match, error) {
	if len(query) != m.dimension {
		return nil, errs.Index("query", fmt.Errorf("%w: query has %d, index expects %d",
			errs.ErrDimensionMismatch, len(query), m.dimension))
	}
	if k <= 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, errs.Index("query", err)
	}

	m.mu.RLock()
	matches := make([]vector.Match, 0, len(m.records))
	for _, r := range m.records {
		if !filter.Matches(r.Metadata) {
			continue
		}
		matches = append(matches, vector.Match{Record: r, Distance: vector.L2(query, r.Vector)})
	}
	m.mu.RUnlock()

	vector.SortMatches(matches)
	if len(matches) > k {
		matches = matches[:k]
	}
	// callers get their own copies of the stored slices and maps
	for i := range matches {
		matches[i].Record = cloneRecord(matches[i].Record)
	}
	return matches, nil
}

func (m *Index) DeleteByDocument(ctx context.Context, documentID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.byDocument[documentID]
	for id := range ids {
		delete(m.records, id)
	}
	delete(m.byDocument, documentID)
	return len(ids), nil
}

func (m *Index) Exists(ctx context.Context, fragmentID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[fragmentID]
	return ok, nil
}

func (m *Index) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records), nil
}

func cloneRecord(r vector.Record) vector.Record {
	r.Vector = append([]float32(nil), r.Vector...)
	if r.Metadata.Extra != nil {
		extra := make(map[string]string, len(r.Metadata.Extra))
		for k, v := range r.Metadata.Extra {
			extra[k] = v
		}
		r.Metadata.Extra = extra
	}
	return r
}

func (m *Index) unlink(documentID, fragmentID string) {
	ids := m.byDocument[documentID]
	delete(ids, fragmentID)
	if len(ids) == 0 {
		delete(m.byDocument, documentID)
	}
}

var _ vector.Index = (*Index)(nil)
