package ingestion

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docrag/backend/internal/errs"
)

func TestPoolRunsEveryJob(t *testing.T) {
	pool := NewPool(3, 20)

	var (
		mu   sync.Mutex
		seen = map[string]bool{}
	)
	pool.Start(func(ctx context.Context, job Job) error {
		mu.Lock()
		defer mu.Unlock()
		seen[job.DocumentID] = true
		return nil
	})

	for i := 0; i < 20; i++ {
		require.NoError(t, pool.Dispatch(context.Background(), Job{DocumentID: fmt.Sprintf("d%d", i)}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, pool.Shutdown(ctx))
	assert.Len(t, seen, 20)
}

func TestPoolQueueFull(t *testing.T) {
	pool := NewPool(1, 1)
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	pool.Start(func(ctx context.Context, job Job) error {
		started <- struct{}{}
		<-release
		return nil
	})

	require.NoError(t, pool.Dispatch(context.Background(), Job{DocumentID: "running"}))
	<-started
	require.NoError(t, pool.Dispatch(context.Background(), Job{DocumentID: "queued"}))

	err := pool.Dispatch(context.Background(), Job{DocumentID: "rejected"})
	assert.ErrorIs(t, err, errs.ErrQueueFull)

	close(release)
	require.NoError(t, pool.Shutdown(context.Background()))
}

func TestPoolRejectsAfterShutdown(t *testing.T) {
	pool := NewPool(1, 1)
	pool.Start(func(ctx context.Context, job Job) error { return nil })
	require.NoError(t, pool.Shutdown(context.Background()))
	require.NoError(t, pool.Shutdown(context.Background()), "second shutdown is a no-op")

	assert.ErrorIs(t, pool.Dispatch(context.Background(), Job{DocumentID: "late"}), ErrPoolClosed)
}

func TestPoolSurvivesPanics(t *testing.T) {
	pool := NewPool(1, 4)
	var ran atomic.Int32
	pool.Start(func(ctx context.Context, job Job) error {
		if job.DocumentID == "boom" {
			panic("extractor blew up")
		}
		ran.Add(1)
		return nil
	})

	require.NoError(t, pool.Dispatch(context.Background(), Job{DocumentID: "boom"}))
	require.NoError(t, pool.Dispatch(context.Background(), Job{DocumentID: "ok"}))
	require.NoError(t, pool.Shutdown(context.Background()))

	assert.Equal(t, int32(1), ran.Load())
}

func TestPoolDrivesOrchestrator(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	pool := NewPool(2, 8)
	h.orch.SetDispatcher(pool)
	pool.Start(h.orch.Process)

	doc, err := h.orch.Submit(context.Background(), Upload{FileName: "contract.txt", Data: []byte(contractText)})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, pool.Shutdown(ctx))

	got, err := h.db.GetDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "processed", string(got.Status))
}
