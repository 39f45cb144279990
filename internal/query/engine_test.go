package query

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docrag/backend/internal/embedding"
	"github.com/docrag/backend/internal/errs"
	"github.com/docrag/backend/internal/storage/models"
	"github.com/docrag/backend/internal/vector"
	"github.com/docrag/backend/internal/vector/memory"
)

const testDimension = 1024

var unrelated = []string{
	"Photosynthesis converts sunlight into chemical energy inside green plants.",
	"The recipe needs two cups of flour and a pinch of salt.",
	"Jupiter is the largest planet orbiting our sun.",
	"Marathon runners train for months before race day.",
	"The violin section tuned their instruments before rehearsal.",
	"Glaciers carve valleys slowly over thousands of years.",
	"Espresso is brewed by forcing hot water through ground coffee.",
	"Migrating geese fly south in a distinctive formation.",
	"The museum opened a new wing for modern sculpture.",
}

type memoryLogs struct {
	mu      sync.Mutex
	entries []models.QueryLog
	err     error
}

func (m *memoryLogs) InsertQueryLog(ctx context.Context, entry *models.QueryLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, *entry)
	return nil
}

func (m *memoryLogs) ListQueryLogs(ctx context.Context, limit int) ([]models.QueryLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.QueryLog, 0, len(m.entries))
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.entries[i])
	}
	return out, nil
}

func indexTexts(t *testing.T, emb embedding.Embedder, idx vector.Index, docTexts map[string]string) {
	t.Helper()
	ctx := context.Background()
	for docID, text := range docTexts {
		vec, err := emb.EmbedOne(ctx, text)
		require.NoError(t, err)
		_, err = idx.Upsert(ctx, []vector.Record{{
			FragmentID: models.FragmentID(docID, 1, 0),
			Vector:     vec,
			Text:       text,
			Metadata:   models.FragmentMetadata{DocumentID: docID, Attempt: 1},
		}})
		require.NoError(t, err)
	}
}

func newLegalEngine(t *testing.T, logs QueryLogger) *Engine {
	t.Helper()
	emb := embedding.NewHashEmbedder(testDimension)
	idx := memory.New(testDimension)

	texts := map[string]string{
		"legal": "Breach of contract occurs when a party fails to honour the contract terms.",
	}
	for i, text := range unrelated {
		texts[fmt.Sprintf("other-%d", i)] = text
	}
	indexTexts(t, emb, idx, texts)

	return NewEngine(emb, idx, logs, DefaultConfig())
}

func TestRetrieveRanksMatchingFragmentFirst(t *testing.T) {
	engine := newLegalEngine(t, nil)

	resp, err := engine.Retrieve(context.Background(), Request{Query: "What is breach of contract?", K: 5})
	require.NoError(t, err)
	require.Len(t, resp.Results, 5)

	top := resp.Results[0]
	assert.Equal(t, "legal", top.DocumentID)
	assert.Equal(t, 1, top.Rank)

	lower := false
	for _, r := range resp.Results[1:] {
		if top.Similarity > r.Similarity {
			lower = true
		}
	}
	assert.True(t, lower, "the match must beat at least one unrelated fragment")

	for i, r := range resp.Results {
		assert.Equal(t, i+1, r.Rank)
		assert.InDelta(t, Similarity(r.Distance), r.Similarity, 1e-12)
		assert.True(t, r.Similarity > 0 && r.Similarity <= 1)
		if i > 0 {
			assert.LessOrEqual(t, r.Similarity, resp.Results[i-1].Similarity)
		}
	}
}

func TestRetrieveEmptyFilterMeansNoFilter(t *testing.T) {
	engine := newLegalEngine(t, nil)
	ctx := context.Background()

	base, err := engine.Retrieve(ctx, Request{Query: "contract", K: 10})
	require.NoError(t, err)
	require.Len(t, base.Results, 10)

	for _, filter := range []*vector.Filter{{}, {DocumentIDs: []string{}, Extra: map[string]string{}}} {
		got, err := engine.Retrieve(ctx, Request{Query: "contract", K: 10, Filter: filter})
		require.NoError(t, err)
		require.Len(t, got.Results, len(base.Results))
		for i := range got.Results {
			assert.Equal(t, base.Results[i].FragmentID, got.Results[i].FragmentID)
		}
	}

	only, err := engine.Retrieve(ctx, Request{Query: "contract", K: 10, Filter: &vector.Filter{DocumentIDs: []string{"other-3"}}})
	require.NoError(t, err)
	require.Len(t, only.Results, 1)
	assert.Equal(t, "other-3", only.Results[0].DocumentID)
}

func TestRetrieveNoMatchesIsNotAnError(t *testing.T) {
	emb := embedding.NewHashEmbedder(testDimension)
	engine := NewEngine(emb, memory.New(testDimension), nil, DefaultConfig())

	resp, err := engine.Retrieve(context.Background(), Request{Query: "anything"})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.Equal(t, 5, resp.K)
}

func TestSimilarity(t *testing.T) {
	tests := []struct {
		distance float64
		want     float64
	}{
		{0, 1},
		{1, 0.5},
		{3, 0.25},
		{-0.5, 1},
		{math.Inf(1), 0},
		{math.NaN(), 0},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.distance), func(t *testing.T) {
			assert.InDelta(t, tt.want, Similarity(tt.distance), 1e-12)
		})
	}
}

// scriptedIndex returns canned matches and records the k it was asked for.
type scriptedIndex struct {
	vector.Index
	matches []vector.Match
	err     error
	gotK    int
}

func (s *scriptedIndex) Query(ctx context.Context, vec []float32, k int, filter *vector.Filter) ([]vector.Match, error) {
	s.gotK = k
	return s.matches, s.err
}

func (s *scriptedIndex) Dimension() int { return 8 }

func match(id string, d float64) vector.Match {
	return vector.Match{Record: vector.Record{FragmentID: id, Metadata: models.FragmentMetadata{DocumentID: "d"}}, Distance: d}
}

func TestRetrieveReordersOutOfOrderMatches(t *testing.T) {
	idx := &scriptedIndex{matches: []vector.Match{
		match("c", 0.9),
		match("a", 0.1),
		match("nan", math.NaN()),
		match("b", 0.5),
	}}
	engine := NewEngine(embedding.NewHashEmbedder(8), idx, nil, DefaultConfig())

	resp, err := engine.Retrieve(context.Background(), Request{Query: "q", K: 3})
	require.NoError(t, err)

	var ids []string
	for _, r := range resp.Results {
		ids = append(ids, r.FragmentID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestClampK(t *testing.T) {
	idx := &scriptedIndex{}
	engine := NewEngine(embedding.NewHashEmbedder(8), idx, nil, Config{DefaultK: 4, MaxK: 20})

	tests := []struct {
		k, want int
	}{
		{0, 4},
		{-3, 4},
		{1, 1},
		{20, 20},
		{500, 20},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.k), func(t *testing.T) {
			resp, err := engine.Retrieve(context.Background(), Request{Query: "q", K: tt.k})
			require.NoError(t, err)
			assert.Equal(t, tt.want, idx.gotK)
			assert.Equal(t, tt.want, resp.K)
		})
	}
}

type brokenEmbedder struct {
	embedding.Embedder
}

func (brokenEmbedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("connection refused")
}

func TestRetrieveFailures(t *testing.T) {
	tests := []struct {
		name     string
		embedder embedding.Embedder
		index    vector.Index
		query    string
		check    func(t *testing.T, err error)
	}{
		{
			name:     "empty query",
			embedder: embedding.NewHashEmbedder(8),
			index:    &scriptedIndex{},
			query:    "   ",
			check:    func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrEmptyQuery) },
		},
		{
			name:     "embedding unavailable",
			embedder: brokenEmbedder{embedding.NewHashEmbedder(8)},
			index:    &scriptedIndex{},
			query:    "q",
			check:    func(t *testing.T, err error) { assert.Equal(t, "embedding", errs.Kind(err)) },
		},
		{
			name:     "dimension mismatch",
			embedder: embedding.NewHashEmbedder(16),
			index:    &scriptedIndex{},
			query:    "q",
			check:    func(t *testing.T, err error) { assert.ErrorIs(t, err, errs.ErrDimensionMismatch) },
		},
		{
			name:     "index unreachable",
			embedder: embedding.NewHashEmbedder(8),
			index:    &scriptedIndex{err: errors.New("rpc error")},
			query:    "q",
			check:    func(t *testing.T, err error) { assert.Equal(t, "index", errs.Kind(err)) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logs := &memoryLogs{}
			engine := NewEngine(tt.embedder, tt.index, logs, DefaultConfig())

			resp, err := engine.Retrieve(context.Background(), Request{Query: tt.query})
			require.Error(t, err)
			assert.Nil(t, resp)
			tt.check(t, err)

			engine.Flush()
			assert.Empty(t, logs.entries, "failed queries are not logged")
		})
	}
}

func TestQueryLogging(t *testing.T) {
	logs := &memoryLogs{}
	engine := newLegalEngine(t, logs)

	ctx, cancel := context.WithCancel(context.Background())
	resp, err := engine.Retrieve(ctx, Request{
		Query:  "breach of contract",
		K:      3,
		Filter: &vector.Filter{Title: ""},
	})
	require.NoError(t, err)
	cancel()
	engine.Flush()

	history, err := engine.History(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, history, 1)

	entry := history[0]
	assert.Equal(t, resp.ID, entry.ID)
	assert.Equal(t, "breach of contract", entry.QueryText)
	assert.Equal(t, 3, entry.K)
	assert.Equal(t, 3, entry.RequestedK)
	assert.Empty(t, entry.Filter)
	require.Len(t, entry.Results, len(resp.Results))
	for i, r := range entry.Results {
		assert.Equal(t, resp.Results[i].FragmentID, r.FragmentID)
		assert.Equal(t, resp.Results[i].Similarity, r.Similarity)
	}
}

func TestQueryLogKeepsRequestedK(t *testing.T) {
	logs := &memoryLogs{}
	engine := newLegalEngine(t, logs)

	resp, err := engine.Retrieve(context.Background(), Request{Query: "damages", K: 500})
	require.NoError(t, err)
	engine.Flush()

	history, err := engine.History(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, DefaultConfig().MaxK, history[0].K)
	assert.Equal(t, resp.K, history[0].K)
	assert.Equal(t, 500, history[0].RequestedK)
}

func TestQueryLogFailureDoesNotFailRetrieval(t *testing.T) {
	logs := &memoryLogs{err: errors.New("database is locked")}
	engine := newLegalEngine(t, logs)

	resp, err := engine.Retrieve(context.Background(), Request{Query: "contract", K: 2})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 2)
	engine.Flush()
}
