// Package bootstrap builds the pipeline components from configuration. The
// API server, the worker and the CLI share it so they agree on storage,
// embedding model and index.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/docrag/backend/internal/cache/redis"
	"github.com/docrag/backend/internal/chunker"
	"github.com/docrag/backend/internal/embedding"
	"github.com/docrag/backend/internal/embedding/openai"
	"github.com/docrag/backend/internal/extraction"
	"github.com/docrag/backend/internal/ingestion"
	"github.com/docrag/backend/internal/query"
	"github.com/docrag/backend/internal/storage/blob"
	"github.com/docrag/backend/internal/storage/models"
	"github.com/docrag/backend/internal/storage/sqlite"
	"github.com/docrag/backend/internal/vector"
	"github.com/docrag/backend/internal/vector/memory"
	"github.com/docrag/backend/internal/vector/milvus"
	"github.com/docrag/backend/pkg/config"
	"github.com/docrag/backend/pkg/logger"
)

type Components struct {
	Config       *config.Config
	Store        *sqlite.Client
	Blobs        blob.Store
	Embedder     embedding.Embedder
	Index        vector.Index
	Cache        *redis.Client
	Extractor    *extraction.Extractor
	Chunker      *chunker.Chunker
	Orchestrator *ingestion.Orchestrator
	Engine       *query.Engine

	closers []func() error
}

// Build wires every component except the ingestion dispatcher, which
// depends on the process role. On error, whatever was opened is closed.
func Build(ctx context.Context, cfg *config.Config) (_ *Components, err error) {
	c := &Components{Config: cfg}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	store, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, store.Close)
	if err := store.InitSchema(); err != nil {
		return nil, err
	}
	c.Store = store

	if c.Blobs, err = newBlobStore(ctx, cfg.Blob); err != nil {
		return nil, err
	}

	if cfg.Redis.Enabled {
		cache, err := redis.NewClient(ctx, cfg.Redis.Addr(), cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, cache.Close)
		c.Cache = cache
	}

	c.Embedder = newEmbedder(cfg.Embedding, cfg.Redis, c.Cache)

	index, err := newIndex(ctx, cfg.Vector, cfg.Embedding.Dimension)
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, index.Close)
	c.Index = index
	if cfg.Vector.Driver == "memory" {
		if cfg.Ingestion.Dispatcher == "asynq" {
			logger.Warn("In-memory vector index is not shared with asynq workers; use vector.driver=milvus")
		}
		if err := restoreIndex(ctx, store, index); err != nil {
			return nil, err
		}
	}

	ocr, err := extraction.NewOCR(ctx, extraction.OCRConfig{
		Driver:   cfg.OCR.Driver,
		URL:      cfg.OCR.URL,
		DPI:      cfg.OCR.DPI,
		Language: cfg.OCR.Language,
		Timeout:  time.Duration(cfg.OCR.TimeoutSec) * time.Second,
	})
	if err != nil {
		// scanned pages will fail, text PDFs still work
		logger.Warn("OCR unavailable, continuing without page fallback", zap.Error(err))
		ocr = nil
	}
	c.Extractor = extraction.New(ocr)

	c.Chunker = chunker.New(
		chunker.WithMaxChars(cfg.Chunker.MaxChars),
		chunker.WithOverlap(cfg.Chunker.OverlapChars),
		chunker.WithSegmenter(chunker.NewSegmenter(cfg.Chunker.Segmenter)),
	)

	orchCfg := ingestion.DefaultConfig()
	if cfg.Ingestion.StageTimeoutSec > 0 {
		orchCfg.StageTimeout = time.Duration(cfg.Ingestion.StageTimeoutSec) * time.Second
	}
	c.Orchestrator = ingestion.New(store, c.Blobs, c.Extractor, c.Chunker, c.Embedder, c.Index, orchCfg)

	c.Engine = query.NewEngine(c.Embedder, c.Index, store, query.Config{
		DefaultK:        cfg.Retrieval.DefaultK,
		MaxK:            cfg.Retrieval.MaxK,
		QueryLogTimeout: time.Duration(cfg.Retrieval.QueryLogTimeoutSec) * time.Second,
	})

	return c, nil
}

// restoreIndex loads the embeddings stored with each fragment back into an
// in-process index. Processed documents whose rows carry no embedding
// cannot be searched, so they are failed and need a reprocess.
func restoreIndex(ctx context.Context, store *sqlite.Client, index vector.Index) error {
	fragments, err := store.IndexableFragments(ctx)
	if err != nil {
		return err
	}

	lost := make(map[string]struct{})
	for _, f := range fragments {
		if len(f.Embedding) == 0 {
			lost[f.DocumentID] = struct{}{}
		}
	}
	for id := range lost {
		_, err := store.Transition(ctx, id, models.StatusFailed, func(d *models.Document) {
			d.ErrorMessage = "stored fragments have no embeddings; reprocess the document"
			d.TotalFragments = 0
		})
		if err != nil {
			return err
		}
		if _, err := store.DeleteFragmentsByDocument(ctx, id); err != nil {
			return err
		}
	}
	if len(lost) > 0 {
		logger.Warn("Failed documents without stored embeddings", zap.Int("documents", len(lost)))
	}

	keep := make([]models.Fragment, 0, len(fragments))
	for _, f := range fragments {
		if _, gone := lost[f.DocumentID]; !gone {
			keep = append(keep, f)
		}
	}
	if len(keep) == 0 {
		return nil
	}
	n, err := index.Upsert(ctx, vector.RecordsFromFragments(keep))
	if err != nil {
		return fmt.Errorf("failed to restore vector index: %w", err)
	}
	logger.Info("Vector index restored from stored embeddings", zap.Int("fragments", n))
	return nil
}

// RecoverInterrupted fails documents a previous run left in processing.
// Asynq workers are separate processes that may still own those
// documents, so it only runs for the in-process pool.
func (c *Components) RecoverInterrupted(ctx context.Context) (int, error) {
	if c.Config.Ingestion.Dispatcher == "asynq" {
		logger.Info("Skipping interrupted-document recovery; asynq workers own processing documents")
		return 0, nil
	}
	return c.Orchestrator.Recover(ctx)
}

// RedisOpt is the asynq connection for the configured redis.
func (c *Components) RedisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     c.Config.Redis.Addr(),
		Password: c.Config.Redis.Password,
		DB:       c.Config.Redis.DB,
	}
}

// TaskTimeout bounds a whole ingestion task: one stage timeout per stage.
func (c *Components) TaskTimeout() time.Duration {
	if c.Config.Ingestion.StageTimeoutSec <= 0 {
		return 0
	}
	return time.Duration(c.Config.Ingestion.StageTimeoutSec) * time.Second * 8
}

// Close releases components in reverse order of creation.
func (c *Components) Close() error {
	if c.Engine != nil {
		c.Engine.Flush()
	}
	var errList []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errList = append(errList, err)
		}
	}
	c.closers = nil
	return errors.Join(errList...)
}

func newBlobStore(ctx context.Context, cfg config.BlobConfig) (blob.Store, error) {
	switch cfg.Driver {
	case "minio":
		return blob.NewMinio(ctx, blob.MinioConfig{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			Bucket:    cfg.Minio.Bucket,
			UseSSL:    cfg.Minio.UseSSL,
		})
	case "local":
		return blob.NewLocal(cfg.Local.Root)
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.Driver)
	}
}

// newEmbedder defers model construction to first use. The remote model is
// wrapped in the redis cache when one is configured.
func newEmbedder(cfg config.EmbeddingConfig, redisCfg config.RedisConfig, cache *redis.Client) embedding.Embedder {
	switch cfg.Provider {
	case "openai":
		lazy := embedding.NewLazy(cfg.Model, cfg.Dimension, func(ctx context.Context) (embedding.Embedder, error) {
			return openai.NewClient(openai.Config{
				APIKey:    cfg.APIKey,
				BaseURL:   cfg.BaseURL,
				Model:     cfg.Model,
				Dimension: cfg.Dimension,
				BatchSize: cfg.BatchSize,
				Timeout:   time.Duration(cfg.TimeoutSec) * time.Second,
			})
		})
		if cache == nil {
			return lazy
		}
		return embedding.NewCached(lazy, cache, time.Duration(redisCfg.EmbeddingTTLSec)*time.Second)
	default:
		return embedding.NewHashEmbedder(cfg.Dimension)
	}
}

func newIndex(ctx context.Context, cfg config.VectorConfig, dimension int) (vector.Index, error) {
	switch cfg.Driver {
	case "milvus":
		client, err := milvus.NewClient(ctx, milvus.Config{
			Endpoint:       cfg.Milvus.Endpoint,
			CollectionName: cfg.Milvus.CollectionName,
			Dimension:      dimension,
			NList:          cfg.Milvus.NList,
			NProbe:         cfg.Milvus.NProbe,
		})
		if err != nil {
			return nil, err
		}
		if err := client.EnsureCollection(ctx); err != nil {
			_ = client.Close()
			return nil, err
		}
		return client, nil
	case "memory":
		return memory.New(dimension), nil
	default:
		return nil, fmt.Errorf("unknown vector driver %q", cfg.Driver)
	}
}
