package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docrag/backend/internal/errs"
	"github.com/docrag/backend/internal/storage/models"
	"github.com/docrag/backend/internal/vector"
)

func record(docID string, seq int, text string, vec ...float32) vector.Record {
	return vector.Record{
		FragmentID: models.FragmentID(docID, 1, seq),
		Vector:     vec,
		Text:       text,
		Metadata: models.FragmentMetadata{
			DocumentID:    docID,
			DocumentTitle: "title-" + docID,
			Attempt:       1,
		},
	}
}

func TestUpsertIsIdempotentOnFragmentID(t *testing.T) {
	ctx := context.Background()
	idx := New(2)

	n, err := idx.Upsert(ctx, []vector.Record{record("doc", 0, "old text", 1, 0)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = idx.Upsert(ctx, []vector.Record{record("doc", 0, "new text", 0, 1)})
	require.NoError(t, err)

	count, _ := idx.Count(ctx)
	assert.Equal(t, 1, count)

	matches, err := idx.Query(ctx, []float32{0, 1}, 10, nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "new text", matches[0].Record.Text)
	assert.Equal(t, []float32{0, 1}, matches[0].Record.Vector)
	assert.Zero(t, matches[0].Distance)
}

func TestQueryResultsAreCopies(t *testing.T) {
	ctx := context.Background()
	idx := New(2)

	rec := record("doc", 0, "text", 1, 0)
	rec.Metadata.Extra = map[string]string{"section": "intro"}
	_, err := idx.Upsert(ctx, []vector.Record{rec})
	require.NoError(t, err)
	rec.Metadata.Extra["section"] = "changed by caller"

	first, err := idx.Query(ctx, []float32{1, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, first, 1)
	first[0].Record.Vector[0] = 99
	first[0].Record.Metadata.Extra["section"] = "mutated"

	again, err := idx.Query(ctx, []float32{1, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, []float32{1, 0}, again[0].Record.Vector)
	assert.Equal(t, "intro", again[0].Record.Metadata.Extra["section"])
	assert.Zero(t, again[0].Distance)
}

func TestEmptyFilterEquivalence(t *testing.T) {
	ctx := context.Background()
	idx := New(2)
	_, err := idx.Upsert(ctx, []vector.Record{
		record("a", 0, "one", 1, 0),
		record("a", 1, "two", 0.5, 0.5),
		record("b", 0, "three", 0, 1),
	})
	require.NoError(t, err)

	q := []float32{1, 0.2}
	withNil, err := idx.Query(ctx, q, 5, nil)
	require.NoError(t, err)
	withZero, err := idx.Query(ctx, q, 5, &vector.Filter{})
	require.NoError(t, err)
	withEmptyMaps, err := idx.Query(ctx, q, 5, &vector.Filter{DocumentIDs: []string{}, Extra: map[string]string{}})
	require.NoError(t, err)

	assert.Len(t, withNil, 3)
	assert.Equal(t, withNil, withZero)
	assert.Equal(t, withNil, withEmptyMaps)
}

func TestQueryOrderingAndFilters(t *testing.T) {
	ctx := context.Background()
	idx := New(2)
	extra := record("b", 1, "tagged", 0.9, 0.1)
	extra.Metadata.Extra = map[string]string{"section": "terms"}
	_, err := idx.Upsert(ctx, []vector.Record{
		record("a", 0, "far", 0, 1),
		record("a", 1, "near", 1, 0),
		record("b", 0, "middle", 0.7, 0.7),
		extra,
	})
	require.NoError(t, err)

	tests := []struct {
		name   string
		filter *vector.Filter
		k      int
		want   []string
	}{
		{"all ascending", nil, 10, []string{"near", "tagged", "middle", "far"}},
		{"k limits", nil, 2, []string{"near", "tagged"}},
		{"by document", &vector.Filter{DocumentIDs: []string{"a"}}, 10, []string{"near", "far"}},
		{"by title", &vector.Filter{Title: "title-b"}, 10, []string{"tagged", "middle"}},
		{"by extra", &vector.Filter{Extra: map[string]string{"section": "terms"}}, 10, []string{"tagged"}},
		{"no match is not an error", &vector.Filter{DocumentIDs: []string{"zzz"}}, 10, []string{}},
		{"zero k", nil, 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matches, err := idx.Query(ctx, []float32{1, 0}, tt.k, tt.filter)
			require.NoError(t, err)

			if tt.want == nil {
				assert.Empty(t, matches)
				return
			}
			got := make([]string, 0, len(matches))
			for i, m := range matches {
				got = append(got, m.Record.Text)
				if i > 0 {
					assert.LessOrEqual(t, matches[i-1].Distance, m.Distance)
				}
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestQueryReturnsFewerThanK(t *testing.T) {
	idx := New(2)
	_, err := idx.Upsert(context.Background(), []vector.Record{record("a", 0, "only", 1, 1)})
	require.NoError(t, err)

	matches, err := idx.Query(context.Background(), []float32{0, 0}, 5, nil)
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestDeleteByDocument(t *testing.T) {
	ctx := context.Background()
	idx := New(2)
	_, err := idx.Upsert(ctx, []vector.Record{
		record("a", 0, "a0", 1, 0),
		record("a", 1, "a1", 1, 0),
		record("b", 0, "b0", 0, 1),
	})
	require.NoError(t, err)

	n, err := idx.DeleteByDocument(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ok, _ := idx.Exists(ctx, models.FragmentID("a", 1, 0))
	assert.False(t, ok)
	ok, _ = idx.Exists(ctx, models.FragmentID("b", 1, 0))
	assert.True(t, ok)

	n, err = idx.DeleteByDocument(ctx, "a")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDimensionMismatch(t *testing.T) {
	idx := New(3)

	_, err := idx.Upsert(context.Background(), []vector.Record{record("a", 0, "x", 1, 2)})
	assert.ErrorIs(t, err, errs.ErrDimensionMismatch)
	assert.Equal(t, "index", errs.Kind(err))

	_, err = idx.Query(context.Background(), []float32{1}, 1, nil)
	assert.ErrorIs(t, err, errs.ErrDimensionMismatch)

	count, _ := idx.Count(context.Background())
	assert.Zero(t, count, "a rejected batch writes nothing")
}

func TestConcurrentUpsertsForDifferentDocuments(t *testing.T) {
	ctx := context.Background()
	idx := New(2)

	var wg sync.WaitGroup
	for d := 0; d < 8; d++ {
		wg.Add(1)
		go func(d int) {
			defer wg.Done()
			docID := fmt.Sprintf("doc-%d", d)
			for s := 0; s < 50; s++ {
				_, err := idx.Upsert(ctx, []vector.Record{record(docID, s, "t", float32(d), float32(s))})
				assert.NoError(t, err)
				_, err = idx.Query(ctx, []float32{0, 0}, 3, nil)
				assert.NoError(t, err)
			}
		}(d)
	}
	wg.Wait()

	count, _ := idx.Count(ctx)
	assert.Equal(t, 400, count)

	n, _ := idx.DeleteByDocument(ctx, "doc-3")
	assert.Equal(t, 50, n)
	count, _ = idx.Count(ctx)
	assert.Equal(t, 350, count)
}
