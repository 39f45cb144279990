package sqlite

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docrag/backend/internal/errs"
	"github.com/docrag/backend/internal/storage/models"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(":memory:")
	require.NoError(t, err)
	require.NoError(t, c.InitSchema())
	t.Cleanup(func() { c.Close() })
	return c
}

func newDoc(id string) *models.Document {
	return &models.Document{
		ID:          id,
		Title:       "Doc " + id,
		FileName:    id + ".pdf",
		ContentType: "application/pdf",
		FileSize:    42,
		BlobKey:     "documents/" + id + "/source.pdf",
	}
}

func TestDocumentLifecycle(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	doc := newDoc("d1")
	require.NoError(t, c.CreateDocument(ctx, doc))
	assert.Equal(t, models.StatusUploaded, doc.Status)
	assert.Equal(t, 1, doc.Attempt)

	got, err := c.GetDocument(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "Doc d1", got.Title)
	assert.Nil(t, got.ProcessingStartedAt)
	assert.Empty(t, got.Warnings)

	started := time.Now().UTC().Truncate(time.Millisecond)
	got, err = c.Transition(ctx, "d1", models.StatusProcessing, func(d *models.Document) {
		d.ProcessingStartedAt = &started
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status)

	_, err = c.Transition(ctx, "d1", models.StatusProcessed, func(d *models.Document) {
		d.PageCount = 2
		d.TotalFragments = 3
		d.Warnings = []string{"page 2: OCR found no text"}
		d.Metadata = models.DocumentMetadata{Author: "A", OCRPages: 1, Extra: map[string]string{"k": "v"}}
	})
	require.NoError(t, err)

	got, err = c.GetDocument(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessed, got.Status)
	assert.Equal(t, 2, got.PageCount)
	assert.Equal(t, 3, got.TotalFragments)
	assert.Equal(t, []string{"page 2: OCR found no text"}, got.Warnings)
	assert.Equal(t, "v", got.Metadata.Extra["k"])
	require.NotNil(t, got.ProcessingStartedAt)
	assert.True(t, started.Equal(*got.ProcessingStartedAt))
}

func TestTransitionRules(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	require.NoError(t, c.CreateDocument(ctx, newDoc("d1")))

	_, err := c.Transition(ctx, "d1", models.StatusProcessed, nil)
	assert.ErrorIs(t, err, errs.ErrInvalidTransition)

	_, err = c.Transition(ctx, "d1", models.StatusProcessing, nil)
	require.NoError(t, err)

	_, err = c.Transition(ctx, "d1", models.StatusProcessing, nil)
	assert.ErrorIs(t, err, errs.ErrAlreadyProcessing)

	_, err = c.Transition(ctx, "d1", models.StatusUploaded, nil)
	assert.ErrorIs(t, err, errs.ErrAlreadyProcessing)

	_, err = c.Transition(ctx, "missing", models.StatusProcessing, nil)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.Equal(t, "store", errs.Kind(err))

	_, err = c.TransitionFrom(ctx, "d1", models.StatusUploaded, models.StatusFailed, nil)
	assert.ErrorIs(t, err, errs.ErrAlreadyProcessing, "a worker claimed the document first")

	got, err := c.GetDocument(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status, "rejected transitions change nothing")

	require.NoError(t, c.CreateDocument(ctx, newDoc("d2")))
	_, err = c.TransitionFrom(ctx, "d2", models.StatusProcessed, models.StatusFailed, nil)
	assert.ErrorIs(t, err, errs.ErrInvalidTransition)
	got, err = c.TransitionFrom(ctx, "d2", models.StatusUploaded, models.StatusFailed, nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
}

func fragments(docID string, attempt, n int) []models.Fragment {
	out := make([]models.Fragment, n)
	for i := range out {
		out[i] = models.Fragment{
			ID:            models.FragmentID(docID, attempt, i),
			DocumentID:    docID,
			Sequence:      i,
			Text:          fmt.Sprintf("fragment %d", i),
			Span:          models.Span{Start: i * 10, End: i*10 + 12},
			CoreStart:     i * 10,
			SentenceStart: i,
			SentenceEnd:   i + 1,
			HasOverlap:    i > 0,
			Metadata:      models.FragmentMetadata{DocumentID: docID, Attempt: attempt, PageStart: 1, PageEnd: 1, ChunkSize: 12},
		}
	}
	return out
}

func TestFragments(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	require.NoError(t, c.CreateDocument(ctx, newDoc("d1")))
	require.NoError(t, c.CreateDocument(ctx, newDoc("d2")))

	// inserted out of order, read back by sequence
	frags := fragments("d1", 1, 3)
	require.NoError(t, c.InsertFragments(ctx, []models.Fragment{frags[2], frags[0], frags[1]}))
	require.NoError(t, c.InsertFragments(ctx, fragments("d2", 1, 2)))

	got, err := c.ListFragments(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, f := range got {
		assert.Equal(t, i, f.Sequence)
		assert.Equal(t, frags[i].Span, f.Span)
		assert.Equal(t, frags[i].HasOverlap, f.HasOverlap)
		assert.Equal(t, frags[i].Metadata, f.Metadata)
	}

	n, err := c.DeleteFragmentsByDocument(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, _ = c.ListFragments(ctx, "d1")
	assert.Empty(t, got)
	got, _ = c.ListFragments(ctx, "d2")
	assert.Len(t, got, 2)
}

func TestIndexableFragments(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	for _, id := range []string{"done", "pending"} {
		require.NoError(t, c.CreateDocument(ctx, newDoc(id)))
	}
	_, err := c.Transition(ctx, "done", models.StatusProcessing, nil)
	require.NoError(t, err)
	_, err = c.Transition(ctx, "done", models.StatusProcessed, nil)
	require.NoError(t, err)

	done := fragments("done", 1, 2)
	done[0].Embedding = []float32{0.25, -1.5, 3}
	require.NoError(t, c.InsertFragments(ctx, done))
	pending := fragments("pending", 1, 1)
	pending[0].Embedding = []float32{1, 1, 1}
	require.NoError(t, c.InsertFragments(ctx, pending))

	got, err := c.IndexableFragments(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2, "only processed documents are indexable")
	assert.Equal(t, done[0].ID, got[0].ID)
	assert.Equal(t, []float32{0.25, -1.5, 3}, got[0].Embedding)
	assert.Equal(t, done[0].Metadata, got[0].Metadata)
	assert.Equal(t, "fragment 0", got[0].Text)
	assert.Nil(t, got[1].Embedding, "rows stored without an embedding")
}

func TestInitSchemaAddsMissingColumns(t *testing.T) {
	ctx := context.Background()
	c, err := NewClient(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	// tables as an earlier release created them
	_, err = c.db.Exec(`
		CREATE TABLE fragments (
			id TEXT PRIMARY KEY, document_id TEXT NOT NULL, sequence INTEGER NOT NULL, text TEXT NOT NULL,
			span_start INTEGER NOT NULL, span_end INTEGER NOT NULL, core_start INTEGER NOT NULL,
			sentence_start INTEGER NOT NULL, sentence_end INTEGER NOT NULL,
			has_overlap INTEGER NOT NULL DEFAULT 0, metadata TEXT NOT NULL DEFAULT '{}', created_at INTEGER NOT NULL);
		CREATE TABLE query_logs (
			id TEXT PRIMARY KEY, query_text TEXT NOT NULL, k INTEGER NOT NULL, filter TEXT NOT NULL DEFAULT '',
			num_results INTEGER NOT NULL, search_time_us INTEGER NOT NULL, total_time_us INTEGER NOT NULL,
			created_at INTEGER NOT NULL);`)
	require.NoError(t, err)

	require.NoError(t, c.InitSchema())
	require.NoError(t, c.InitSchema(), "running twice is a no-op")

	require.NoError(t, c.CreateDocument(ctx, newDoc("d1")))
	frags := fragments("d1", 1, 1)
	frags[0].Embedding = []float32{1, 2}
	require.NoError(t, c.InsertFragments(ctx, frags))
	require.NoError(t, c.InsertQueryLog(ctx, &models.QueryLog{ID: "q", QueryText: "x", K: 5, RequestedK: 9, CreatedAt: time.Now()}))

	logs, err := c.ListQueryLogs(ctx, 1)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, 9, logs[0].RequestedK)
}

func TestInsertFragmentsIsAtomic(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	require.NoError(t, c.CreateDocument(ctx, newDoc("d1")))

	frags := fragments("d1", 1, 3)
	frags[2].ID = frags[0].ID

	err := c.InsertFragments(ctx, frags)
	require.Error(t, err)
	assert.Equal(t, "store", errs.Kind(err))

	got, _ := c.ListFragments(ctx, "d1")
	assert.Empty(t, got)
}

func TestDeleteDocumentCascades(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	require.NoError(t, c.CreateDocument(ctx, newDoc("d1")))
	require.NoError(t, c.InsertFragments(ctx, fragments("d1", 1, 2)))

	require.NoError(t, c.DeleteDocument(ctx, "d1"))

	_, err := c.GetDocument(ctx, "d1")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	got, _ := c.ListFragments(ctx, "d1")
	assert.Empty(t, got)

	assert.ErrorIs(t, c.DeleteDocument(ctx, "d1"), errs.ErrNotFound)
}

func TestListDocuments(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"a", "b", "c"} {
		d := newDoc(id)
		d.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, c.CreateDocument(ctx, d))
	}
	_, err := c.Transition(ctx, "b", models.StatusProcessing, nil)
	require.NoError(t, err)

	all, err := c.ListDocuments(ctx, "", 10, 0)
	require.NoError(t, err)
	ids := []string{}
	for _, d := range all {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"c", "b", "a"}, ids)

	page, err := c.ListDocuments(ctx, "", 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "b", page[0].ID)

	processing, err := c.ListByStatus(ctx, models.StatusProcessing)
	require.NoError(t, err)
	require.Len(t, processing, 1)
	assert.Equal(t, "b", processing[0].ID)

	uploaded, err := c.ListDocuments(ctx, models.StatusUploaded, 10, 0)
	require.NoError(t, err)
	assert.Len(t, uploaded, 2)
}

func TestQueryLogs(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		entry := &models.QueryLog{
			ID:         fmt.Sprintf("q%d", i),
			QueryText:  fmt.Sprintf("query %d", i),
			K:          5,
			RequestedK: 5 + i*100,
			NumResults: i,
			SearchTime: 1500 * time.Microsecond,
			TotalTime:  3 * time.Millisecond,
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		}
		for r := 0; r < i; r++ {
			entry.Results = append(entry.Results, models.QueryResult{
				Rank:       r + 1,
				FragmentID: fmt.Sprintf("d:1:%d", r),
				DocumentID: "d",
				Distance:   float64(r),
				Similarity: 1 / (1 + float64(r)),
			})
		}
		require.NoError(t, c.InsertQueryLog(ctx, entry))
	}

	logs, err := c.ListQueryLogs(ctx, 2)
	require.NoError(t, err)
	require.Len(t, logs, 2)

	assert.Equal(t, "q2", logs[0].ID)
	assert.Equal(t, "q1", logs[1].ID)
	assert.Equal(t, 1500*time.Microsecond, logs[0].SearchTime)
	assert.Equal(t, 5, logs[0].K)
	assert.Equal(t, 205, logs[0].RequestedK)
	require.Len(t, logs[0].Results, 2)
	assert.Equal(t, 1, logs[0].Results[0].Rank)
	assert.InDelta(t, 0.5, logs[0].Results[1].Similarity, 1e-9)
	assert.Len(t, logs[1].Results, 1)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	require.NoError(t, c.CreateDocument(ctx, newDoc("a")))
	require.NoError(t, c.CreateDocument(ctx, newDoc("b")))
	_, err := c.Transition(ctx, "b", models.StatusFailed, nil)
	require.NoError(t, err)
	require.NoError(t, c.InsertFragments(ctx, fragments("a", 1, 4)))
	require.NoError(t, c.InsertQueryLog(ctx, &models.QueryLog{ID: "q", QueryText: "x", K: 1, CreatedAt: time.Now()}))

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalDocuments)
	assert.Equal(t, 1, stats.Documents[models.StatusUploaded])
	assert.Equal(t, 1, stats.Documents[models.StatusFailed])
	assert.Equal(t, 4, stats.TotalFragments)
	assert.Equal(t, 1, stats.TotalQueries)
}

func TestSaveExtractionOnlyWhileProcessing(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	require.NoError(t, c.CreateDocument(ctx, newDoc("d1")))

	doc, err := c.GetDocument(ctx, "d1")
	require.NoError(t, err)
	doc.PageCount = 3
	assert.ErrorIs(t, c.SaveExtraction(ctx, doc), errs.ErrNotFound, "uploaded documents are not updated")

	_, err = c.Transition(ctx, "d1", models.StatusProcessing, nil)
	require.NoError(t, err)

	doc.ContentType = "application/pdf"
	doc.Warnings = []string{"page 3: OCR failed"}
	doc.Metadata = models.DocumentMetadata{Producer: "scanner", OCRPages: 2}
	require.NoError(t, c.SaveExtraction(ctx, doc))

	got, err := c.GetDocument(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status)
	assert.Equal(t, 3, got.PageCount)
	assert.Equal(t, "scanner", got.Metadata.Producer)
	assert.Equal(t, []string{"page 3: OCR failed"}, got.Warnings)
}
