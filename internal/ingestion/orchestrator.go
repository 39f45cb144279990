package ingestion

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/docrag/backend/internal/embedding"
	"github.com/docrag/backend/internal/errs"
	"github.com/docrag/backend/internal/extraction"
	"github.com/docrag/backend/internal/metrics"
	"github.com/docrag/backend/internal/storage/blob"
	"github.com/docrag/backend/internal/storage/models"
	"github.com/docrag/backend/internal/vector"
	"github.com/docrag/backend/pkg/logger"
)

// Stage names used in logs, metrics and failure messages.
const (
	StageDownload = "download"
	StageExtract  = "extract"
	StageMetadata = "metadata"
	StageChunk    = "chunk"
	StageEmbed    = "embed"
	StageIndex    = "index"
	StagePersist  = "persist"
	StageFinalize = "finalize"
)

const (
	interruptedMessage = "interrupted: processing did not finish before shutdown"
	deletingMessage    = "delete did not finish; delete the document again"
)

// DocumentStore is the relational side of the pipeline.
type DocumentStore interface {
	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	ListByStatus(ctx context.Context, status models.DocumentStatus) ([]models.Document, error)
	Transition(ctx context.Context, id string, to models.DocumentStatus, mutate func(doc *models.Document)) (*models.Document, error)
	TransitionFrom(ctx context.Context, id string, from, to models.DocumentStatus, mutate func(doc *models.Document)) (*models.Document, error)
	SaveExtraction(ctx context.Context, doc *models.Document) error
	DeleteDocument(ctx context.Context, id string) error
	InsertFragments(ctx context.Context, fragments []models.Fragment) error
	DeleteFragmentsByDocument(ctx context.Context, documentID string) (int, error)
}

type Extractor interface {
	Extract(ctx context.Context, data []byte) (*extraction.Result, error)
}

type Chunker interface {
	ChunkPages(pages []models.Page, meta models.FragmentMetadata) []models.Fragment
}

// Job is one unit of background work: ingest a stored document.
type Job struct {
	DocumentID string `json:"document_id"`
	BlobKey    string `json:"blob_key"`
}

// Dispatcher hands jobs to whatever runs them in the background.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) error
}

type Config struct {
	// StageTimeout bounds every blocking stage. Zero means no bound.
	StageTimeout time.Duration
	// CleanupTimeout bounds rollback work, which runs even after the
	// job context is cancelled.
	CleanupTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		StageTimeout:   10 * time.Minute,
		CleanupTimeout: 30 * time.Second,
	}
}

// Upload describes a new document handed to Submit.
type Upload struct {
	Title    string
	FileName string
	Data     []byte
}

// Orchestrator drives documents through
// download, extract, chunk, embed, index and persist, and owns the
// document status machine.
type Orchestrator struct {
	store      DocumentStore
	blobs      blob.Store
	extractor  Extractor
	chunker    Chunker
	embedder   embedding.Embedder
	index      vector.Index
	dispatcher Dispatcher
	cfg        Config
	log        *zap.Logger
}

func New(
	store DocumentStore,
	blobs blob.Store,
	extractor Extractor,
	chunker Chunker,
	embedder embedding.Embedder,
	index vector.Index,
	cfg Config,
) *Orchestrator {
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = DefaultConfig().CleanupTimeout
	}
	return &Orchestrator{
		store:     store,
		blobs:     blobs,
		extractor: extractor,
		chunker:   chunker,
		embedder:  embedder,
		index:     index,
		cfg:       cfg,
		log:       logger.Named("ingestion"),
	}
}

// SetDispatcher wires the background runner. Workers call Process, so the
// dispatcher is usually built after the orchestrator.
func (o *Orchestrator) SetDispatcher(d Dispatcher) {
	o.dispatcher = d
}

// Submit stores a new document and schedules its ingestion. The returned
// document is in status uploaded; callers never wait for the pipeline. If
// the job cannot be queued the document comes back failed with the error.
func (o *Orchestrator) Submit(ctx context.Context, in Upload) (*models.Document, error) {
	if len(in.Data) == 0 {
		return nil, fmt.Errorf("%w: empty file", errs.ErrUnsupportedDocument)
	}
	if !extraction.Supported(in.Data) {
		return nil, fmt.Errorf("%w: %s", errs.ErrUnsupportedDocument, extraction.DetectContentType(in.Data))
	}

	id := uuid.New().String()
	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(in.FileName), filepath.Ext(in.FileName))
	}
	contentType := extraction.DetectContentType(in.Data)

	key, err := o.blobs.Put(ctx, blob.NewKey(id, in.FileName), in.Data, contentType)
	if err != nil {
		return nil, err
	}

	doc := &models.Document{
		ID:          id,
		Title:       title,
		FileName:    in.FileName,
		ContentType: contentType,
		FileSize:    int64(len(in.Data)),
		BlobKey:     key,
		Status:      models.StatusUploaded,
		Attempt:     1,
	}
	if err := o.store.CreateDocument(ctx, doc); err != nil {
		if delErr := o.blobs.Delete(ctx, key); delErr != nil {
			o.log.Warn("Failed to remove orphaned blob", zap.String("blob_key", key), zap.Error(delErr))
		}
		return nil, err
	}

	o.log.Info("Document uploaded",
		zap.String("document_id", id),
		zap.String("file_name", in.FileName),
		zap.Int64("size", doc.FileSize),
	)

	if err := o.Ingest(ctx, id, key); err != nil {
		if current, gErr := o.store.GetDocument(context.WithoutCancel(ctx), id); gErr == nil {
			doc = current
		}
		return doc, err
	}
	return doc, nil
}

// Ingest schedules background processing and returns at once. A job that
// cannot be queued leaves the document failed so it can be reprocessed.
func (o *Orchestrator) Ingest(ctx context.Context, documentID, blobKey string) error {
	if o.dispatcher == nil {
		return errors.New("ingestion dispatcher not configured")
	}

	err := o.dispatcher.Dispatch(ctx, Job{DocumentID: documentID, BlobKey: blobKey})
	if err == nil {
		o.log.Debug("Ingestion queued", zap.String("document_id", documentID))
		return nil
	}

	o.log.Error("Failed to queue ingestion", zap.String("document_id", documentID), zap.Error(err))
	o.markFailed(ctx, documentID, fmt.Sprintf("could not queue ingestion: %v", err))
	return err
}

// markFailed records msg on a document left without a consistent set of
// fragments. From failed, both reprocess and delete are legal.
func (o *Orchestrator) markFailed(ctx context.Context, documentID, msg string) {
	_, err := o.store.Transition(context.WithoutCancel(ctx), documentID, models.StatusFailed, func(d *models.Document) {
		d.ErrorMessage = msg
		d.TotalFragments = 0
	})
	if err != nil {
		o.log.Warn("Failed to mark document failed", zap.String("document_id", documentID), zap.Error(err))
	}
}

// Process runs the whole pipeline for one document synchronously. The
// move to processing is written before any work starts. On any stage
// failure everything this attempt wrote is removed before the document is
// marked failed. Stages are never retried.
func (o *Orchestrator) Process(ctx context.Context, job Job) error {
	started := time.Now().UTC()
	doc, err := o.store.Transition(ctx, job.DocumentID, models.StatusProcessing, func(d *models.Document) {
		d.ProcessingStartedAt = &started
		d.ProcessingCompletedAt = nil
		d.ErrorMessage = ""
	})
	if err != nil {
		o.log.Warn("Document not eligible for processing", zap.String("document_id", job.DocumentID), zap.Error(err))
		return err
	}

	log := o.log.With(zap.String("document_id", doc.ID), zap.Int("attempt", doc.Attempt))
	log.Info("Processing document", zap.String("file_name", doc.FileName))

	blobKey := job.BlobKey
	if blobKey == "" {
		blobKey = doc.BlobKey
	}

	run := &pipelineRun{o: o, doc: doc, log: log}
	if stage, err := run.execute(ctx, blobKey); err != nil {
		o.fail(ctx, doc, stage, err)
		return err
	}

	metrics.DocumentsProcessed.WithLabelValues(string(models.StatusProcessed)).Inc()
	log.Info("Document processed",
		zap.Int("pages", doc.PageCount),
		zap.Int("fragments", doc.TotalFragments),
		zap.Int("warnings", len(doc.Warnings)),
		zap.Duration("duration", time.Since(started)),
	)
	return nil
}

// pipelineRun carries one attempt's state between stages.
type pipelineRun struct {
	o         *Orchestrator
	doc       *models.Document
	log       *zap.Logger
	data      []byte
	result    *extraction.Result
	fragments []models.Fragment
}

// execute returns the failing stage alongside the error.
func (r *pipelineRun) execute(ctx context.Context, blobKey string) (string, error) {
	o := r.o
	steps := []struct {
		name string
		fn   func(ctx context.Context) error
	}{
		{StageDownload, func(ctx context.Context) error {
			data, err := o.blobs.Get(ctx, blobKey)
			r.data = data
			return err
		}},
		{StageExtract, func(ctx context.Context) error {
			res, err := o.extractor.Extract(ctx, r.data)
			r.result = res
			return err
		}},
		{StageMetadata, r.saveExtraction},
		{StageChunk, func(context.Context) error {
			r.fragments = o.chunker.ChunkPages(r.result.Pages, models.FragmentMetadata{
				DocumentID:    r.doc.ID,
				DocumentTitle: r.doc.Title,
				FileName:      r.doc.FileName,
				Attempt:       r.doc.Attempt,
			})
			r.data = nil
			return nil
		}},
		{StageEmbed, r.embed},
		{StageIndex, func(ctx context.Context) error {
			if len(r.fragments) == 0 {
				return nil
			}
			n, err := o.index.Upsert(ctx, vector.RecordsFromFragments(r.fragments))
			if err != nil {
				return errs.Index("upsert", err)
			}
			metrics.FragmentsIndexed.Add(float64(n))
			return nil
		}},
		{StagePersist, func(ctx context.Context) error {
			if len(r.fragments) == 0 {
				return nil
			}
			return errs.Store("insert_fragments", o.store.InsertFragments(ctx, r.fragments))
		}},
		{StageFinalize, r.finalize},
	}

	for _, step := range steps {
		if err := o.stage(ctx, r.log, step.name, step.fn); err != nil {
			return step.name, err
		}
	}
	return "", nil
}

func (r *pipelineRun) saveExtraction(ctx context.Context) error {
	meta := r.result.Metadata
	if meta.SourceTitle != "" && r.doc.Title == "" {
		r.doc.Title = meta.SourceTitle
	}
	r.doc.ContentType = r.result.ContentType
	r.doc.PageCount = len(r.result.Pages)
	r.doc.Metadata = meta
	r.doc.Warnings = r.result.Warnings
	return r.o.store.SaveExtraction(ctx, r.doc)
}

func (r *pipelineRun) embed(ctx context.Context) error {
	if len(r.fragments) == 0 {
		return nil
	}
	texts := make([]string, len(r.fragments))
	for i, f := range r.fragments {
		texts[i] = f.Text
	}

	vectors, err := r.o.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return errs.Embedding("embed_batch", err)
	}
	if err := embedding.Validate(vectors, len(texts), r.o.embedder.Dimension()); err != nil {
		return err
	}
	// positional: the adapter preserves input order
	for i := range r.fragments {
		r.fragments[i].Embedding = vectors[i]
	}
	return nil
}

func (r *pipelineRun) finalize(ctx context.Context) error {
	completed := time.Now().UTC()
	doc, err := r.o.store.Transition(ctx, r.doc.ID, models.StatusProcessed, func(d *models.Document) {
		d.TotalFragments = len(r.fragments)
		d.ProcessingCompletedAt = &completed
	})
	if err != nil {
		return err
	}
	*r.doc = *doc
	return nil
}

// stage runs fn under the stage timeout and records its duration.
func (o *Orchestrator) stage(ctx context.Context, log *zap.Logger, name string, fn func(ctx context.Context) error) error {
	stageCtx := ctx
	if o.cfg.StageTimeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, o.cfg.StageTimeout)
		defer cancel()
	}

	start := time.Now()
	err := fn(stageCtx)
	elapsed := time.Since(start)
	metrics.StageDuration.WithLabelValues(name).Observe(elapsed.Seconds())

	if err != nil {
		if errors.Is(stageCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("stage %s timed out after %s: %w", name, o.cfg.StageTimeout, err)
		}
		return err
	}
	log.Debug("Stage finished", zap.String("stage", name), zap.Duration("duration", elapsed))
	return nil
}

// fail rolls back the attempt's writes and then records the failure. It
// runs on a context detached from the job so a cancelled job still
// cleans up.
func (o *Orchestrator) fail(ctx context.Context, doc *models.Document, stage string, cause error) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.CleanupTimeout)
	defer cancel()

	kind := errs.Kind(cause)
	if kind == "" {
		kind = "internal"
	}
	metrics.IngestionFailures.WithLabelValues(stage, kind).Inc()
	metrics.DocumentsProcessed.WithLabelValues(string(models.StatusFailed)).Inc()

	log := o.log.With(zap.String("document_id", doc.ID), zap.Int("attempt", doc.Attempt))
	log.Error("Ingestion failed", zap.String("stage", stage), zap.String("kind", kind), zap.Error(cause))

	rollbackErr := o.rollback(cleanupCtx, doc.ID)

	msg := fmt.Sprintf("%s failed: %v", stage, cause)
	if rollbackErr != nil {
		msg += fmt.Sprintf(" (cleanup incomplete: %v)", rollbackErr)
	}

	completed := time.Now().UTC()
	_, err := o.store.Transition(cleanupCtx, doc.ID, models.StatusFailed, func(d *models.Document) {
		d.ErrorMessage = msg
		d.TotalFragments = 0
		d.ProcessingCompletedAt = &completed
	})
	if err != nil {
		log.Error("Failed to record ingestion failure", zap.Error(err))
	}
}

// rollback removes every vector and fragment row of a document. Both
// deletes are attempted even when the first one fails.
func (o *Orchestrator) rollback(ctx context.Context, documentID string) error {
	var failures []error

	vectors, err := o.index.DeleteByDocument(ctx, documentID)
	if err != nil {
		failures = append(failures, errs.Index("delete_by_document", err))
	}
	rows, err := o.store.DeleteFragmentsByDocument(ctx, documentID)
	if err != nil {
		failures = append(failures, errs.Store("delete_fragments", err))
	}

	o.log.Debug("Rolled back document writes",
		zap.String("document_id", documentID),
		zap.Int("vectors", vectors),
		zap.Int("fragments", rows),
	)
	return errors.Join(failures...)
}

// Reprocess discards a finished document's fragments and vectors and
// ingests it again under a new attempt number, so the new fragment ids
// never collide with the old ones. It is rejected while processing. When
// the old writes cannot be removed the document is left failed, so
// reprocess can simply be called again.
func (o *Orchestrator) Reprocess(ctx context.Context, documentID string) (*models.Document, error) {
	current, err := o.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if current.Status == models.StatusProcessing {
		return nil, fmt.Errorf("%w: %s", errs.ErrAlreadyProcessing, documentID)
	}

	doc, err := o.store.Transition(ctx, documentID, models.StatusUploaded, func(d *models.Document) {
		d.Attempt++
		d.PageCount = 0
		d.TotalFragments = 0
		d.ErrorMessage = ""
		d.Warnings = nil
		d.ProcessingStartedAt = nil
		d.ProcessingCompletedAt = nil
	})
	if err != nil {
		return nil, err
	}

	if err := o.rollback(ctx, documentID); err != nil {
		o.log.Error("Failed to discard previous attempt", zap.String("document_id", documentID), zap.Error(err))
		o.markFailed(ctx, documentID, fmt.Sprintf("reprocess cleanup failed: %v", err))
		return nil, err
	}

	o.log.Info("Reprocessing document", zap.String("document_id", documentID), zap.Int("attempt", doc.Attempt))
	if err := o.Ingest(ctx, documentID, doc.BlobKey); err != nil {
		return nil, err
	}
	return doc, nil
}

// DeleteDocument removes a document's vectors, fragments, source blob and
// record. It is rejected while the document is processing. The document is
// failed before anything is removed, so a delete that stops halfway never
// leaves a processed document without its fragments.
func (o *Orchestrator) DeleteDocument(ctx context.Context, documentID string) error {
	doc, err := o.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if doc.Status == models.StatusProcessing {
		return fmt.Errorf("%w: %s", errs.ErrAlreadyProcessing, documentID)
	}

	if doc.Status != models.StatusFailed {
		_, err := o.store.TransitionFrom(ctx, documentID, doc.Status, models.StatusFailed, func(d *models.Document) {
			d.ErrorMessage = deletingMessage
			d.TotalFragments = 0
		})
		if err != nil {
			return err
		}
	}

	if err := o.rollback(ctx, documentID); err != nil {
		return err
	}
	if doc.BlobKey != "" {
		if err := o.blobs.Delete(ctx, doc.BlobKey); err != nil {
			return err
		}
	}
	if err := o.store.DeleteDocument(ctx, documentID); err != nil {
		return err
	}

	o.log.Info("Document deleted", zap.String("document_id", documentID))
	return nil
}

// Recover fails documents left in processing by a previous process,
// removing their partial writes first. Run it before workers start.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	stuck, err := o.store.ListByStatus(ctx, models.StatusProcessing)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, doc := range stuck {
		rollbackErr := o.rollback(ctx, doc.ID)
		msg := interruptedMessage
		if rollbackErr != nil {
			msg += fmt.Sprintf(" (cleanup incomplete: %v)", rollbackErr)
		}

		completed := time.Now().UTC()
		if _, err := o.store.Transition(ctx, doc.ID, models.StatusFailed, func(d *models.Document) {
			d.ErrorMessage = msg
			d.TotalFragments = 0
			d.ProcessingCompletedAt = &completed
		}); err != nil {
			o.log.Error("Failed to recover document", zap.String("document_id", doc.ID), zap.Error(err))
			continue
		}

		metrics.IngestionFailures.WithLabelValues("recover", "interrupted").Inc()
		recovered++
	}

	if recovered > 0 {
		o.log.Warn("Recovered interrupted documents", zap.Int("count", recovered))
	}
	return recovered, nil
}
