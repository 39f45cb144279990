package ingestion

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/docrag/backend/internal/errs"
	"github.com/docrag/backend/internal/metrics"
	"github.com/docrag/backend/pkg/logger"
)

var ErrPoolClosed = errors.New("ingestion pool is shut down")

// Handler runs one job. Orchestrator.Process satisfies it.
type Handler func(ctx context.Context, job Job) error

// Pool is the in-process dispatcher: a bounded queue drained by a fixed
// number of workers. Each document runs on exactly one worker.
type Pool struct {
	workers int
	jobs    chan Job

	mu     sync.RWMutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *zap.Logger
}

func NewPool(workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		workers: workers,
		jobs:    make(chan Job, queueSize),
		ctx:     ctx,
		cancel:  cancel,
		log:     logger.Named("ingestion-pool"),
	}
}

// Start launches the workers.
func (p *Pool) Start(handle Handler) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(i, handle)
	}
	p.log.Info("Ingestion pool started", zap.Int("workers", p.workers), zap.Int("queue_size", cap(p.jobs)))
}

func (p *Pool) work(id int, handle Handler) {
	defer p.wg.Done()
	for job := range p.jobs {
		metrics.QueueDepth.Set(float64(len(p.jobs)))
		if err := p.run(handle, job); err != nil {
			p.log.Debug("Job finished with error",
				zap.Int("worker", id),
				zap.String("document_id", job.DocumentID),
				zap.Error(err),
			)
		}
	}
}

func (p *Pool) run(handle Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("Ingestion job panicked", zap.String("document_id", job.DocumentID), zap.Any("panic", r))
			err = errors.New("ingestion job panicked")
		}
	}()
	return handle(p.ctx, job)
}

// Dispatch queues a job without blocking. A full queue returns
// errs.ErrQueueFull.
func (p *Pool) Dispatch(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.jobs <- job:
		metrics.QueueDepth.Set(float64(len(p.jobs)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return errs.ErrQueueFull
	}
}

// Shutdown stops accepting jobs and waits for queued ones to drain. When
// ctx expires first, running jobs see their context cancelled.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.log.Info("Ingestion pool stopped")
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

var _ Dispatcher = (*Pool)(nil)
