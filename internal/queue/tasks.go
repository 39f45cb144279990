// Package queue runs document ingestion as asynq tasks on redis, so the
// API process and the workers can scale separately.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/docrag/backend/internal/ingestion"
	"github.com/docrag/backend/pkg/logger"
)

const TaskIngestDocument = "document:ingest"

type IngestPayload struct {
	DocumentID string `json:"document_id"`
	BlobKey    string `json:"blob_key"`
}

// NewIngestTask builds an ingestion task. Failed ingestions are never
// retried: the document is marked failed and the user reprocesses it.
func NewIngestTask(job ingestion.Job, queue string, timeout time.Duration) (*asynq.Task, error) {
	payload, err := json.Marshal(IngestPayload{DocumentID: job.DocumentID, BlobKey: job.BlobKey})
	if err != nil {
		return nil, err
	}

	opts := []asynq.Option{asynq.MaxRetry(0), asynq.Queue(queue)}
	if timeout > 0 {
		opts = append(opts, asynq.Timeout(timeout))
	}
	return asynq.NewTask(TaskIngestDocument, payload, opts...), nil
}

// Dispatcher enqueues ingestion jobs for a separate worker process.
type Dispatcher struct {
	client  *asynq.Client
	queue   string
	timeout time.Duration
}

func NewDispatcher(redis asynq.RedisClientOpt, queue string, timeout time.Duration) *Dispatcher {
	return &Dispatcher{
		client:  asynq.NewClient(redis),
		queue:   queue,
		timeout: timeout,
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, job ingestion.Job) error {
	task, err := NewIngestTask(job, d.queue, d.timeout)
	if err != nil {
		return fmt.Errorf("failed to build ingest task: %w", err)
	}

	info, err := d.client.EnqueueContext(ctx, task)
	if err != nil {
		return fmt.Errorf("failed to enqueue ingest task: %w", err)
	}

	logger.Debug("Ingest task enqueued",
		zap.String("document_id", job.DocumentID),
		zap.String("task_id", info.ID),
		zap.String("queue", info.Queue),
	)
	return nil
}

func (d *Dispatcher) Close() error {
	return d.client.Close()
}

var _ ingestion.Dispatcher = (*Dispatcher)(nil)

// Handler adapts the synchronous pipeline to asynq.
type Handler struct {
	process ingestion.Handler
}

func NewHandler(process ingestion.Handler) *Handler {
	return &Handler{process: process}
}

func (h *Handler) HandleIngest(ctx context.Context, t *asynq.Task) error {
	var payload IngestPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	if payload.DocumentID == "" {
		return fmt.Errorf("ingest task without document id: %w", asynq.SkipRetry)
	}

	if err := h.process(ctx, ingestion.Job{DocumentID: payload.DocumentID, BlobKey: payload.BlobKey}); err != nil {
		// the document already records the failure
		return fmt.Errorf("ingest %s: %v: %w", payload.DocumentID, err, asynq.SkipRetry)
	}
	return nil
}

// Register wires the task handlers into mux.
func (h *Handler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskIngestDocument, h.HandleIngest)
}

// NewServer builds the worker-side asynq server.
func NewServer(redis asynq.RedisClientOpt, queue string, concurrency int) *asynq.Server {
	log := logger.Named("worker")
	return asynq.NewServer(redis, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{queue: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			log.Warn("Task failed", zap.String("type", task.Type()), zap.Error(err))
		}),
		Logger: &zapAdapter{log: log.Sugar()},
	})
}

// zapAdapter satisfies asynq.Logger.
type zapAdapter struct {
	log *zap.SugaredLogger
}

func (z *zapAdapter) Debug(args ...interface{}) { z.log.Debug(args...) }
func (z *zapAdapter) Info(args ...interface{})  { z.log.Info(args...) }
func (z *zapAdapter) Warn(args ...interface{})  { z.log.Warn(args...) }
func (z *zapAdapter) Error(args ...interface{}) { z.log.Error(args...) }
func (z *zapAdapter) Fatal(args ...interface{}) { z.log.Fatal(args...) }
