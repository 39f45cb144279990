package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docrag/backend/internal/bootstrap"
	"github.com/docrag/backend/internal/query"
	"github.com/docrag/backend/internal/storage/models"
	"github.com/docrag/backend/pkg/config"
)

const handbook = `Leave policy. Employees accrue two days of paid leave per month of service.
Unused leave carries over for one calendar year. Expense reports. Submit receipts within thirty days.
Reimbursement is paid with the next salary run after approval by a manager.`

// sharedBuilder hands every command the same in-memory pipeline, so state
// survives between invocations the way a database would.
func sharedBuilder(t *testing.T) Builder {
	t.Helper()

	cfg := &config.Config{
		SQLite:    config.SQLiteConfig{Path: ":memory:"},
		Blob:      config.BlobConfig{Driver: "local", Local: config.LocalBlobConfig{Root: t.TempDir()}},
		Vector:    config.VectorConfig{Driver: "memory"},
		Embedding: config.EmbeddingConfig{Provider: "hash", Dimension: 128},
		Chunker:   config.ChunkerConfig{MaxChars: 160, OverlapChars: 40, Segmenter: "punct"},
		OCR:       config.OCRConfig{Driver: "none"},
		Ingestion: config.IngestionConfig{Dispatcher: "pool", StageTimeoutSec: 30},
		Retrieval: config.RetrievalConfig{DefaultK: 3, MaxK: 20, QueryLogTimeoutSec: 5},
	}
	components, err := bootstrap.Build(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { components.Close() })

	return func(ctx context.Context) (*bootstrap.Components, func() error, error) {
		return components, nil, nil
	}
}

// freshBuilder opens the on-disk stores anew for every command, the way
// separate docragctl invocations do.
func freshBuilder(t *testing.T) Builder {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		SQLite:    config.SQLiteConfig{Path: filepath.Join(dir, "docrag.db")},
		Blob:      config.BlobConfig{Driver: "local", Local: config.LocalBlobConfig{Root: filepath.Join(dir, "blobs")}},
		Vector:    config.VectorConfig{Driver: "memory"},
		Embedding: config.EmbeddingConfig{Provider: "hash", Dimension: 128},
		Chunker:   config.ChunkerConfig{MaxChars: 160, OverlapChars: 40, Segmenter: "punct"},
		OCR:       config.OCRConfig{Driver: "none"},
		Ingestion: config.IngestionConfig{Dispatcher: "pool", StageTimeoutSec: 30},
		Retrieval: config.RetrievalConfig{DefaultK: 3, MaxK: 20, QueryLogTimeoutSec: 5},
	}
	return func(ctx context.Context) (*bootstrap.Components, func() error, error) {
		c, err := bootstrap.Build(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	}
}

func run(t *testing.T, build Builder, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCmd(build)
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRootHasCommands(t *testing.T) {
	root := NewRootCmd(sharedBuilder(t))

	names := make([]string, 0)
	for _, cmd := range root.Commands() {
		names = append(names, cmd.Name())
	}
	for _, want := range []string{"ingest", "query", "documents", "reprocess", "delete", "recover", "eval", "cache"} {
		assert.Contains(t, names, want)
	}
}

func TestIngestQueryAndDelete(t *testing.T) {
	build := sharedBuilder(t)
	path := writeFile(t, "handbook.txt", handbook)

	out, err := run(t, build, "ingest", "--json", "--title", "Staff handbook", path)
	require.NoError(t, err, out)

	var docs []models.Document
	require.NoError(t, json.Unmarshal([]byte(out), &docs))
	require.Len(t, docs, 1)
	doc := docs[0]
	assert.Equal(t, models.StatusProcessed, doc.Status)
	assert.Equal(t, "Staff handbook", doc.Title)
	assert.Positive(t, doc.TotalFragments)

	out, err = run(t, build, "query", "--json", "-k", "2", "receipts", "reimbursement", "expense")
	require.NoError(t, err, out)

	var resp query.Response
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "receipts reimbursement expense", resp.Query)
	require.NotEmpty(t, resp.Results)
	assert.LessOrEqual(t, len(resp.Results), 2)
	assert.Equal(t, doc.ID, resp.Results[0].DocumentID)
	assert.Equal(t, "Staff handbook", resp.Results[0].Metadata.DocumentTitle)

	out, err = run(t, build, "documents", "--status", "processed")
	require.NoError(t, err)
	assert.Contains(t, out, doc.ID)

	out, err = run(t, build, "delete", doc.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted "+doc.ID)

	out, err = run(t, build, "documents")
	require.NoError(t, err)
	assert.Contains(t, out, "No documents found.")
}

func TestReprocessBumpsAttempt(t *testing.T) {
	build := sharedBuilder(t)
	path := writeFile(t, "handbook.txt", handbook)

	out, err := run(t, build, "ingest", "--json", path)
	require.NoError(t, err, out)
	var docs []models.Document
	require.NoError(t, json.Unmarshal([]byte(out), &docs))
	require.Len(t, docs, 1)
	assert.Equal(t, "handbook", docs[0].Title)

	out, err = run(t, build, "reprocess", "--json", docs[0].ID)
	require.NoError(t, err, out)

	var doc models.Document
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	assert.Equal(t, 2, doc.Attempt)
	assert.Equal(t, models.StatusProcessed, doc.Status)
}

func TestCommandErrors(t *testing.T) {
	build := sharedBuilder(t)
	binary := writeFile(t, "image.png", "\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

	tests := []struct {
		name string
		args []string
	}{
		{"ingest without input", []string{"ingest"}},
		{"ingest unsupported file", []string{"ingest", binary}},
		{"ingest missing file", []string{"ingest", filepath.Join(t.TempDir(), "missing.pdf")}},
		{"title with several inputs", []string{"ingest", "--title", "x", binary, binary}},
		{"query without text", []string{"query"}},
		{"blank query", []string{"query", "   "}},
		{"unknown status", []string{"documents", "--status", "archived"}},
		{"delete unknown document", []string{"delete", "missing"}},
		{"reprocess unknown document", []string{"reprocess", "missing"}},
		{"cache flush without redis", []string{"cache", "flush"}},
		{"eval missing dataset", []string{"eval", filepath.Join(t.TempDir(), "missing.json")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, build, tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestEvalReportsHitRate(t *testing.T) {
	build := sharedBuilder(t)
	path := writeFile(t, "handbook.txt", handbook)

	out, err := run(t, build, "ingest", "--json", path)
	require.NoError(t, err, out)
	var docs []models.Document
	require.NoError(t, json.Unmarshal([]byte(out), &docs))
	require.Len(t, docs, 1)

	dataset := `{"items":[
		{"query":"paid leave per month","expected_document_ids":["` + docs[0].ID + `"],"category":"hr"},
		{"query":"expense receipts","expected_document_ids":["` + docs[0].ID + `"],"category":"finance"}
	]}`
	datasetPath := writeFile(t, "dataset.json", dataset)

	out, err = run(t, build, "eval", "--json", "-k", "3", datasetPath)
	require.NoError(t, err, out)

	var report struct {
		K       int     `json:"k"`
		Hits    int     `json:"hits"`
		HitRate float64 `json:"hit_rate"`
		MRR     float64 `json:"mrr"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 3, report.K)
	assert.Equal(t, 2, report.Hits)
	assert.InDelta(t, 1.0, report.HitRate, 1e-9)
	assert.InDelta(t, 1.0, report.MRR, 1e-9)
}

func TestQueryAfterSeparateIngest(t *testing.T) {
	build := freshBuilder(t)
	path := writeFile(t, "handbook.txt", handbook)

	out, err := run(t, build, "ingest", "--json", path)
	require.NoError(t, err, out)
	var docs []models.Document
	require.NoError(t, json.Unmarshal([]byte(out), &docs))
	require.Len(t, docs, 1)

	out, err = run(t, build, "query", "--json", "expense", "receipts")
	require.NoError(t, err, out)

	var resp query.Response
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.NotEmpty(t, resp.Results, "fragments stay searchable in a new process")
	assert.Equal(t, docs[0].ID, resp.Results[0].DocumentID)
}
