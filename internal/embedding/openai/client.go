package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	gogpt "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/docrag/backend/internal/metrics"
	"github.com/docrag/backend/pkg/circuitbreaker"
	"github.com/docrag/backend/pkg/logger"
	"github.com/docrag/backend/pkg/retry"
)

type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	Dimension int
	BatchSize int
	Timeout   time.Duration
}

// Client embeds text with the OpenAI embeddings endpoint (or any server
// speaking the same API when BaseURL is set).
type Client struct {
	client      *gogpt.Client
	model       string
	dimension   int
	batchSize   int
	timeout     time.Duration
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, errors.New("openai embedding provider requires an api key")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	clientConfig := gogpt.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	log := logger.GetLogger()
	cb := circuitbreaker.New("openai-embeddings", circuitbreaker.Config{
		MaxRequests:      2,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OnStateChange:    metrics.RecordBreakerState,
		Logger:           log,
	})

	retryConfig := retry.DefaultConfig("openai.CreateEmbeddings")
	retryConfig.InitialDelay = 500 * time.Millisecond
	retryConfig.Logger = log

	logger.Info("OpenAI embedding client initialized",
		zap.String("model", cfg.Model),
		zap.Int("dimension", cfg.Dimension),
		zap.Int("batch_size", cfg.BatchSize),
	)

	return &Client{
		client:      gogpt.NewClientWithConfig(clientConfig),
		model:       cfg.Model,
		dimension:   cfg.Dimension,
		batchSize:   cfg.BatchSize,
		timeout:     cfg.Timeout,
		cb:          cb,
		retryConfig: retryConfig,
	}, nil
}

func (c *Client) Dimension() int { return c.dimension }
func (c *Client) Model() string  { return c.model }

func (c *Client) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch sends texts in batches of batchSize and returns vectors in
// input order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	embeddings := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += c.batchSize {
		end := min(i+c.batchSize, len(texts))

		batch, err := c.embedBatch(ctx, texts[i:end])
		if err != nil {
			return nil, fmt.Errorf("failed to embed batch %d-%d: %w", i, end, err)
		}
		embeddings = append(embeddings, batch...)
	}

	logger.Debug("Batch embeddings generated", zap.Int("count", len(embeddings)))
	return embeddings, nil
}

func (c *Client) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	// only the v3 models accept a requested output size
	dimensions := 0
	if strings.HasPrefix(c.model, "text-embedding-3") {
		dimensions = c.dimension
	}

	var vectors [][]float32
	err := c.cb.Execute(ctx, func(ctx context.Context) error {
		return retry.Do(ctx, c.retryConfig, func(ctx context.Context) error {
			resp, err := c.client.CreateEmbeddings(ctx, gogpt.EmbeddingRequest{
				Input:      batch,
				Model:      gogpt.EmbeddingModel(c.model),
				Dimensions: dimensions,
			})
			if err != nil {
				if isPermanent(err) {
					return retry.Permanent(err)
				}
				return err
			}
			if len(resp.Data) != len(batch) {
				return retry.Permanent(fmt.Errorf("got %d embeddings for %d inputs", len(resp.Data), len(batch)))
			}

			data := resp.Data
			sort.Slice(data, func(a, b int) bool { return data[a].Index < data[b].Index })

			vectors = make([][]float32, len(data))
			for j, d := range data {
				vectors[j] = d.Embedding
			}
			return nil
		})
	})
	return vectors, err
}

// isPermanent reports request errors that a retry cannot fix.
func isPermanent(err error) bool {
	var apiErr *gogpt.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return true
		}
	}
	return false
}
