package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/docrag/backend/internal/errs"
	"github.com/docrag/backend/internal/storage/models"
	"github.com/docrag/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	memory := dbPath == ":memory:" || strings.Contains(dbPath, "mode=memory")

	dsn := dbPath
	if !memory {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		// pragmas in the DSN apply to every pooled connection
		dsn += sep + "_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errs.Store("open", fmt.Errorf("failed to open database: %w", err))
	}

	if memory {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, errs.Store("open", fmt.Errorf("failed to enable foreign keys: %w", err))
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errs.Store("open", fmt.Errorf("failed to connect to database: %w", err))
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		file_name TEXT NOT NULL DEFAULT '',
		content_type TEXT NOT NULL DEFAULT '',
		file_size INTEGER NOT NULL DEFAULT 0,
		blob_key TEXT NOT NULL,
		status TEXT NOT NULL,
		attempt INTEGER NOT NULL DEFAULT 1,
		page_count INTEGER NOT NULL DEFAULT 0,
		total_fragments INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		warnings TEXT NOT NULL DEFAULT '[]',
		metadata TEXT NOT NULL DEFAULT '{}',
		processing_started_at INTEGER,
		processing_completed_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);
	CREATE INDEX IF NOT EXISTS idx_documents_created ON documents(created_at);

	CREATE TABLE IF NOT EXISTS fragments (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		text TEXT NOT NULL,
		span_start INTEGER NOT NULL,
		span_end INTEGER NOT NULL,
		core_start INTEGER NOT NULL,
		sentence_start INTEGER NOT NULL,
		sentence_end INTEGER NOT NULL,
		has_overlap INTEGER NOT NULL DEFAULT 0,
		metadata TEXT NOT NULL DEFAULT '{}',
		embedding BLOB,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_fragments_document ON fragments(document_id, sequence);

	CREATE TABLE IF NOT EXISTS query_logs (
		id TEXT PRIMARY KEY,
		query_text TEXT NOT NULL,
		k INTEGER NOT NULL,
		requested_k INTEGER NOT NULL DEFAULT 0,
		filter TEXT NOT NULL DEFAULT '',
		num_results INTEGER NOT NULL,
		search_time_us INTEGER NOT NULL,
		total_time_us INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_query_logs_created ON query_logs(created_at);

	CREATE TABLE IF NOT EXISTS query_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		query_id TEXT NOT NULL,
		rank INTEGER NOT NULL,
		fragment_id TEXT NOT NULL,
		document_id TEXT NOT NULL,
		distance REAL NOT NULL,
		similarity REAL NOT NULL,
		FOREIGN KEY (query_id) REFERENCES query_logs(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_query_results_query ON query_results(query_id);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return errs.Store("init_schema", fmt.Errorf("failed to initialize schema: %w", err))
	}

	// columns added after the first release
	for _, col := range []struct{ table, name, decl string }{
		{"fragments", "embedding", "BLOB"},
		{"query_logs", "requested_k", "INTEGER NOT NULL DEFAULT 0"},
	} {
		if err := c.ensureColumn(col.table, col.name, col.decl); err != nil {
			return errs.Store("init_schema", err)
		}
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func (c *Client) ensureColumn(table, name, decl string) error {
	rows, err := c.db.Query(`SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return err
		}
		if col == name {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	if _, err := c.db.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, name, decl)); err != nil {
		return fmt.Errorf("failed to add %s.%s: %w", table, name, err)
	}
	logger.Info("SQLite column added", zap.String("table", table), zap.String("column", name))
	return nil
}

const documentColumns = `id, title, file_name, content_type, file_size, blob_key, status, attempt,
	page_count, total_fragments, error_message, warnings, metadata,
	processing_started_at, processing_completed_at, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func (c *Client) CreateDocument(ctx context.Context, doc *models.Document) error {
	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	if doc.Status == "" {
		doc.Status = models.StatusUploaded
	}
	if doc.Attempt == 0 {
		doc.Attempt = 1
	}

	warnings, metadata, err := encodeDocumentJSON(doc)
	if err != nil {
		return errs.Store("create_document", err)
	}

	query := `INSERT INTO documents (` + documentColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = c.db.ExecContext(ctx, query,
		doc.ID,
		doc.Title,
		doc.FileName,
		doc.ContentType,
		doc.FileSize,
		doc.BlobKey,
		string(doc.Status),
		doc.Attempt,
		doc.PageCount,
		doc.TotalFragments,
		doc.ErrorMessage,
		warnings,
		metadata,
		nullableTime(doc.ProcessingStartedAt),
		nullableTime(doc.ProcessingCompletedAt),
		doc.CreatedAt.UnixMilli(),
		doc.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return errs.Store("create_document", fmt.Errorf("failed to insert document: %w", err))
	}

	logger.Debug("Document inserted", zap.String("document_id", doc.ID), zap.String("file_name", doc.FileName))
	return nil
}

func (c *Client) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Store("get_document", fmt.Errorf("%w: document %s", errs.ErrNotFound, id))
	}
	if err != nil {
		return nil, errs.Store("get_document", fmt.Errorf("failed to get document: %w", err))
	}
	return doc, nil
}

// ListDocuments returns the newest documents first. An empty status lists
// every status.
func (c *Client) ListDocuments(ctx context.Context, status models.DocumentStatus, limit, offset int) ([]models.Document, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + documentColumns + ` FROM documents`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	return c.queryDocuments(ctx, "list_documents", query, args...)
}

// ListByStatus returns every document currently in status, oldest first.
func (c *Client) ListByStatus(ctx context.Context, status models.DocumentStatus) ([]models.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE status = ? ORDER BY created_at, id`
	return c.queryDocuments(ctx, "list_by_status", query, string(status))
}

func (c *Client) queryDocuments(ctx context.Context, op, query string, args ...any) ([]models.Document, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Store(op, fmt.Errorf("failed to list documents: %w", err))
	}
	defer rows.Close()

	docs := make([]models.Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, errs.Store(op, fmt.Errorf("failed to scan row: %w", err))
		}
		docs = append(docs, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Store(op, err)
	}
	return docs, nil
}

// Transition moves a document to status `to` inside one transaction. The
// current status must allow the move; mutate may adjust the other fields
// before they are written back.
func (c *Client) Transition(ctx context.Context, id string, to models.DocumentStatus, mutate func(doc *models.Document)) (*models.Document, error) {
	return c.transition(ctx, id, "", to, mutate)
}

// TransitionFrom is Transition that also requires the document to still
// be in status from.
func (c *Client) TransitionFrom(ctx context.Context, id string, from, to models.DocumentStatus, mutate func(doc *models.Document)) (*models.Document, error) {
	return c.transition(ctx, id, from, to, mutate)
}

func (c *Client) transition(ctx context.Context, id string, from, to models.DocumentStatus, mutate func(doc *models.Document)) (*models.Document, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errs.Store("transition", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Store("transition", fmt.Errorf("%w: document %s", errs.ErrNotFound, id))
	}
	if err != nil {
		return nil, errs.Store("transition", fmt.Errorf("failed to load document: %w", err))
	}

	if from != "" && doc.Status != from {
		if doc.Status == models.StatusProcessing {
			return doc, fmt.Errorf("%w: %s", errs.ErrAlreadyProcessing, id)
		}
		return doc, fmt.Errorf("%w: %s is %s, expected %s", errs.ErrInvalidTransition, id, doc.Status, from)
	}
	if !doc.Status.CanTransitionTo(to) {
		if doc.Status == models.StatusProcessing {
			return doc, fmt.Errorf("%w: %s", errs.ErrAlreadyProcessing, id)
		}
		return doc, fmt.Errorf("%w: %s -> %s", errs.ErrInvalidTransition, doc.Status, to)
	}

	if mutate != nil {
		mutate(doc)
	}
	doc.Status = to
	doc.UpdatedAt = time.Now().UTC()

	warnings, metadata, err := encodeDocumentJSON(doc)
	if err != nil {
		return nil, errs.Store("transition", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE documents SET
			title = ?, status = ?, attempt = ?, page_count = ?, total_fragments = ?,
			error_message = ?, warnings = ?, metadata = ?, content_type = ?,
			processing_started_at = ?, processing_completed_at = ?, updated_at = ?
		WHERE id = ?`,
		doc.Title,
		string(doc.Status),
		doc.Attempt,
		doc.PageCount,
		doc.TotalFragments,
		doc.ErrorMessage,
		warnings,
		metadata,
		doc.ContentType,
		nullableTime(doc.ProcessingStartedAt),
		nullableTime(doc.ProcessingCompletedAt),
		doc.UpdatedAt.UnixMilli(),
		doc.ID,
	)
	if err != nil {
		return nil, errs.Store("transition", fmt.Errorf("failed to update document: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return nil, errs.Store("transition", fmt.Errorf("failed to commit: %w", err))
	}

	logger.Debug("Document status changed", zap.String("document_id", id), zap.String("status", string(to)))
	return doc, nil
}

// SaveExtraction records what extraction learned about a document that is
// still processing.
func (c *Client) SaveExtraction(ctx context.Context, doc *models.Document) error {
	warnings, metadata, err := encodeDocumentJSON(doc)
	if err != nil {
		return errs.Store("save_extraction", err)
	}

	res, err := c.db.ExecContext(ctx, `
		UPDATE documents SET
			title = ?, content_type = ?, page_count = ?, warnings = ?, metadata = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		doc.Title,
		doc.ContentType,
		doc.PageCount,
		warnings,
		metadata,
		time.Now().UTC().UnixMilli(),
		doc.ID,
		string(models.StatusProcessing),
	)
	if err != nil {
		return errs.Store("save_extraction", fmt.Errorf("failed to update document: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.Store("save_extraction", fmt.Errorf("%w: processing document %s", errs.ErrNotFound, doc.ID))
	}
	return nil
}

// DeleteDocument removes the record; fragments go with it through the
// foreign key cascade.
func (c *Client) DeleteDocument(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return errs.Store("delete_document", fmt.Errorf("failed to delete document: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.Store("delete_document", fmt.Errorf("%w: document %s", errs.ErrNotFound, id))
	}
	return nil
}

func (c *Client) InsertFragments(ctx context.Context, fragments []models.Fragment) error {
	if len(fragments) == 0 {
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Store("insert_fragments", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO fragments (id, document_id, sequence, text, span_start, span_end, core_start,
			sentence_start, sentence_end, has_overlap, metadata, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errs.Store("insert_fragments", fmt.Errorf("failed to prepare insert: %w", err))
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, f := range fragments {
		meta, err := json.Marshal(f.Metadata)
		if err != nil {
			return errs.Store("insert_fragments", err)
		}
		created := f.CreatedAt
		if created.IsZero() {
			created = now
		}
		_, err = stmt.ExecContext(ctx,
			f.ID,
			f.DocumentID,
			f.Sequence,
			f.Text,
			f.Span.Start,
			f.Span.End,
			f.CoreStart,
			f.SentenceStart,
			f.SentenceEnd,
			boolInt(f.HasOverlap),
			string(meta),
			encodeVector(f.Embedding),
			created.UnixMilli(),
		)
		if err != nil {
			return errs.Store("insert_fragments", fmt.Errorf("failed to insert fragment %s: %w", f.ID, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return errs.Store("insert_fragments", fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

func (c *Client) ListFragments(ctx context.Context, documentID string) ([]models.Fragment, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, document_id, sequence, text, span_start, span_end, core_start,
			sentence_start, sentence_end, has_overlap, metadata, created_at
		FROM fragments WHERE document_id = ? ORDER BY sequence`, documentID)
	if err != nil {
		return nil, errs.Store("list_fragments", fmt.Errorf("failed to list fragments: %w", err))
	}
	defer rows.Close()

	fragments := make([]models.Fragment, 0)
	for rows.Next() {
		var (
			f          models.Fragment
			hasOverlap int
			meta       string
			createdAt  int64
		)
		err := rows.Scan(&f.ID, &f.DocumentID, &f.Sequence, &f.Text, &f.Span.Start, &f.Span.End,
			&f.CoreStart, &f.SentenceStart, &f.SentenceEnd, &hasOverlap, &meta, &createdAt)
		if err != nil {
			return nil, errs.Store("list_fragments", fmt.Errorf("failed to scan row: %w", err))
		}
		f.HasOverlap = hasOverlap != 0
		f.CreatedAt = time.UnixMilli(createdAt).UTC()
		if err := json.Unmarshal([]byte(meta), &f.Metadata); err != nil {
			return nil, errs.Store("list_fragments", fmt.Errorf("corrupt fragment metadata: %w", err))
		}
		fragments = append(fragments, f)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Store("list_fragments", err)
	}
	return fragments, nil
}

// IndexableFragments returns the fragments of every processed document
// with their stored embeddings, for rebuilding an in-process vector index.
// Rows written without an embedding come back with a nil Embedding.
func (c *Client) IndexableFragments(ctx context.Context) ([]models.Fragment, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT f.id, f.document_id, f.sequence, f.text, f.metadata, f.embedding
		FROM fragments f JOIN documents d ON d.id = f.document_id
		WHERE d.status = ?
		ORDER BY f.document_id, f.sequence`, string(models.StatusProcessed))
	if err != nil {
		return nil, errs.Store("indexable_fragments", fmt.Errorf("failed to list fragments: %w", err))
	}
	defer rows.Close()

	fragments := make([]models.Fragment, 0)
	for rows.Next() {
		var (
			f    models.Fragment
			meta string
			vec  []byte
		)
		if err := rows.Scan(&f.ID, &f.DocumentID, &f.Sequence, &f.Text, &meta, &vec); err != nil {
			return nil, errs.Store("indexable_fragments", fmt.Errorf("failed to scan row: %w", err))
		}
		if err := json.Unmarshal([]byte(meta), &f.Metadata); err != nil {
			return nil, errs.Store("indexable_fragments", fmt.Errorf("corrupt fragment metadata: %w", err))
		}
		if f.Embedding, err = decodeVector(vec); err != nil {
			return nil, errs.Store("indexable_fragments", fmt.Errorf("fragment %s: %w", f.ID, err))
		}
		fragments = append(fragments, f)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Store("indexable_fragments", err)
	}
	return fragments, nil
}

func (c *Client) DeleteFragmentsByDocument(ctx context.Context, documentID string) (int, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM fragments WHERE document_id = ?`, documentID)
	if err != nil {
		return 0, errs.Store("delete_fragments", fmt.Errorf("failed to delete fragments: %w", err))
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (c *Client) InsertQueryLog(ctx context.Context, entry *models.QueryLog) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Store("insert_query_log", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO query_logs (id, query_text, k, requested_k, filter, num_results, search_time_us, total_time_us, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.QueryText,
		entry.K,
		entry.RequestedK,
		entry.Filter,
		entry.NumResults,
		entry.SearchTime.Microseconds(),
		entry.TotalTime.Microseconds(),
		entry.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return errs.Store("insert_query_log", fmt.Errorf("failed to insert query log: %w", err))
	}

	for _, r := range entry.Results {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO query_results (query_id, rank, fragment_id, document_id, distance, similarity)
			VALUES (?, ?, ?, ?, ?, ?)`,
			entry.ID, r.Rank, r.FragmentID, r.DocumentID, r.Distance, r.Similarity,
		)
		if err != nil {
			return errs.Store("insert_query_log", fmt.Errorf("failed to insert query result: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return errs.Store("insert_query_log", fmt.Errorf("failed to commit: %w", err))
	}

	logger.Debug("Query recorded",
		zap.String("query_id", entry.ID),
		zap.Int("results", entry.NumResults),
	)
	return nil
}

// ListQueryLogs returns the most recent queries with their results.
func (c *Client) ListQueryLogs(ctx context.Context, limit int) ([]models.QueryLog, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT id, query_text, k, requested_k, filter, num_results, search_time_us, total_time_us, created_at
		FROM query_logs ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errs.Store("list_query_logs", fmt.Errorf("failed to get query history: %w", err))
	}

	logs := make([]models.QueryLog, 0)
	index := make(map[string]int)
	for rows.Next() {
		var (
			l                 models.QueryLog
			searchUS, totalUS int64
			createdAt         int64
		)
		if err := rows.Scan(&l.ID, &l.QueryText, &l.K, &l.RequestedK, &l.Filter, &l.NumResults, &searchUS, &totalUS, &createdAt); err != nil {
			rows.Close()
			return nil, errs.Store("list_query_logs", fmt.Errorf("failed to scan row: %w", err))
		}
		l.SearchTime = time.Duration(searchUS) * time.Microsecond
		l.TotalTime = time.Duration(totalUS) * time.Microsecond
		l.CreatedAt = time.UnixMilli(createdAt).UTC()
		l.Results = make([]models.QueryResult, 0)
		index[l.ID] = len(logs)
		logs = append(logs, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errs.Store("list_query_logs", err)
	}
	if len(logs) == 0 {
		return logs, nil
	}

	placeholders := make([]string, len(logs))
	args := make([]any, len(logs))
	for i, l := range logs {
		placeholders[i] = "?"
		args[i] = l.ID
	}
	resultRows, err := c.db.QueryContext(ctx, `
		SELECT query_id, rank, fragment_id, document_id, distance, similarity
		FROM query_results WHERE query_id IN (`+strings.Join(placeholders, ",")+`)
		ORDER BY query_id, rank`, args...)
	if err != nil {
		return nil, errs.Store("list_query_logs", fmt.Errorf("failed to get query results: %w", err))
	}
	defer resultRows.Close()

	for resultRows.Next() {
		var (
			queryID string
			r       models.QueryResult
		)
		if err := resultRows.Scan(&queryID, &r.Rank, &r.FragmentID, &r.DocumentID, &r.Distance, &r.Similarity); err != nil {
			return nil, errs.Store("list_query_logs", fmt.Errorf("failed to scan row: %w", err))
		}
		if i, ok := index[queryID]; ok {
			logs[i].Results = append(logs[i].Results, r)
		}
	}
	if err := resultRows.Err(); err != nil {
		return nil, errs.Store("list_query_logs", err)
	}
	return logs, nil
}

func (c *Client) Stats(ctx context.Context) (*models.SystemStats, error) {
	stats := &models.SystemStats{Documents: make(map[models.DocumentStatus]int)}

	rows, err := c.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM documents GROUP BY status`)
	if err != nil {
		return nil, errs.Store("stats", err)
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, errs.Store("stats", err)
		}
		stats.Documents[models.DocumentStatus(status)] = n
		stats.TotalDocuments += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errs.Store("stats", err)
	}

	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fragments`).Scan(&stats.TotalFragments); err != nil {
		return nil, errs.Store("stats", err)
	}
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM query_logs`).Scan(&stats.TotalQueries); err != nil {
		return nil, errs.Store("stats", err)
	}
	return stats, nil
}

func scanDocument(row scanner) (*models.Document, error) {
	var (
		doc                  models.Document
		status               string
		warnings, metadata   string
		started, completed   sql.NullInt64
		createdAt, updatedAt int64
	)
	err := row.Scan(
		&doc.ID,
		&doc.Title,
		&doc.FileName,
		&doc.ContentType,
		&doc.FileSize,
		&doc.BlobKey,
		&status,
		&doc.Attempt,
		&doc.PageCount,
		&doc.TotalFragments,
		&doc.ErrorMessage,
		&warnings,
		&metadata,
		&started,
		&completed,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	doc.Status = models.DocumentStatus(status)
	doc.CreatedAt = time.UnixMilli(createdAt).UTC()
	doc.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	doc.ProcessingStartedAt = timePtr(started)
	doc.ProcessingCompletedAt = timePtr(completed)

	if err := json.Unmarshal([]byte(warnings), &doc.Warnings); err != nil {
		return nil, fmt.Errorf("corrupt warnings: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &doc.Metadata); err != nil {
		return nil, fmt.Errorf("corrupt metadata: %w", err)
	}
	return &doc, nil
}

func encodeDocumentJSON(doc *models.Document) (string, string, error) {
	warnings := doc.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	w, err := json.Marshal(warnings)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode warnings: %w", err)
	}
	m, err := json.Marshal(doc.Metadata)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode metadata: %w", err)
	}
	return string(w), string(m), nil
}

func nullableTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

// encodeVector packs v as little-endian float32s.
func encodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("embedding blob has %d bytes, not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
