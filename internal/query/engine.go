package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/docrag/backend/internal/embedding"
	"github.com/docrag/backend/internal/errs"
	"github.com/docrag/backend/internal/metrics"
	"github.com/docrag/backend/internal/storage/models"
	"github.com/docrag/backend/internal/vector"
	"github.com/docrag/backend/pkg/logger"
)

var ErrEmptyQuery = errors.New("query text is empty")

// QueryLogger persists query analytics. The engine never reads its own
// logs back except through History.
type QueryLogger interface {
	InsertQueryLog(ctx context.Context, entry *models.QueryLog) error
	ListQueryLogs(ctx context.Context, limit int) ([]models.QueryLog, error)
}

type Config struct {
	DefaultK        int
	MaxK            int
	QueryLogTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{DefaultK: 5, MaxK: 50, QueryLogTimeout: 5 * time.Second}
}

type Engine struct {
	embedder embedding.Embedder
	index    vector.Index
	logs     QueryLogger
	cfg      Config
	log      *zap.Logger

	pending sync.WaitGroup
}

type Request struct {
	Query  string         `json:"query"`
	K      int            `json:"k"`
	Filter *vector.Filter `json:"filter,omitempty"`
}

// ScoredFragment is one ranked result. Rank starts at 1.
type ScoredFragment struct {
	Rank       int                     `json:"rank"`
	FragmentID string                  `json:"fragment_id"`
	DocumentID string                  `json:"document_id"`
	Text       string                  `json:"text"`
	Metadata   models.FragmentMetadata `json:"metadata"`
	Distance   float64                 `json:"distance"`
	Similarity float64                 `json:"similarity"`
}

type Response struct {
	ID         string           `json:"id"`
	Query      string           `json:"query"`
	K          int              `json:"k"`
	Results    []ScoredFragment `json:"results"`
	SearchTime time.Duration    `json:"search_time"`
	TotalTime  time.Duration    `json:"total_time"`
}

// NewEngine builds a retrieval engine. logs may be nil to disable query
// logging.
func NewEngine(embedder embedding.Embedder, index vector.Index, logs QueryLogger, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.MaxK <= 0 {
		cfg.MaxK = def.MaxK
	}
	if cfg.DefaultK <= 0 {
		cfg.DefaultK = def.DefaultK
	}
	if cfg.DefaultK > cfg.MaxK {
		cfg.DefaultK = cfg.MaxK
	}
	if cfg.QueryLogTimeout <= 0 {
		cfg.QueryLogTimeout = def.QueryLogTimeout
	}
	return &Engine{
		embedder: embedder,
		index:    index,
		logs:     logs,
		cfg:      cfg,
		log:      logger.Named("query"),
	}
}

// Similarity maps a Euclidean distance onto (0, 1]. Every score the system
// reports goes through this one transform.
func Similarity(distance float64) float64 {
	if math.IsNaN(distance) {
		return 0
	}
	if distance < 0 {
		distance = 0
	}
	return 1 / (1 + distance)
}

// ClampK applies the default for k <= 0 and caps k at the maximum.
func (e *Engine) ClampK(k int) int {
	if k <= 0 {
		return e.cfg.DefaultK
	}
	if k > e.cfg.MaxK {
		return e.cfg.MaxK
	}
	return k
}

// Retrieve embeds the query, searches the index and returns fragments by
// descending similarity. No matches is a valid empty result. Embedding
// and index failures fail the call; query logging never does.
func (e *Engine) Retrieve(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	text := strings.TrimSpace(req.Query)
	if text == "" {
		metrics.QueryTotal.WithLabelValues("invalid").Inc()
		return nil, ErrEmptyQuery
	}
	k := e.ClampK(req.K)

	resp, err := e.retrieve(ctx, text, k, req.Filter, start)
	if err != nil {
		metrics.QueryTotal.WithLabelValues("error").Inc()
		e.log.Error("Retrieval failed", zap.String("kind", errs.Kind(err)), zap.Error(err))
		return nil, err
	}

	metrics.QueryTotal.WithLabelValues("ok").Inc()
	metrics.QueryDuration.Observe(resp.TotalTime.Seconds())
	metrics.QueryResults.Observe(float64(len(resp.Results)))
	if len(resp.Results) > 0 {
		metrics.TopSimilarity.Observe(resp.Results[0].Similarity)
	}

	e.log.Info("Query served",
		zap.String("query_id", resp.ID),
		zap.Int("k", k),
		zap.Int("results", len(resp.Results)),
		zap.Duration("search_time", resp.SearchTime),
		zap.Duration("total_time", resp.TotalTime),
	)

	e.record(ctx, resp, req)
	return resp, nil
}

func (e *Engine) retrieve(ctx context.Context, text string, k int, filter *vector.Filter, start time.Time) (*Response, error) {
	vec, err := e.embedder.EmbedOne(ctx, text)
	if err != nil {
		return nil, errs.Embedding("embed_query", err)
	}
	if len(vec) != e.index.Dimension() {
		return nil, errs.Embedding("embed_query", fmt.Errorf("%w: query vector has %d dimensions, index has %d",
			errs.ErrDimensionMismatch, len(vec), e.index.Dimension()))
	}

	searchStart := time.Now()
	matches, err := e.index.Query(ctx, vec, k, filter)
	if err != nil {
		return nil, errs.Index("query", err)
	}
	searchTime := time.Since(searchStart)

	if !sortedByDistance(matches) {
		e.log.Warn("Index returned matches out of order; re-sorting", zap.Int("matches", len(matches)))
		sort.SliceStable(matches, func(i, j int) bool {
			return distanceKey(matches[i].Distance) < distanceKey(matches[j].Distance)
		})
	}
	if len(matches) > k {
		matches = matches[:k]
	}

	results := make([]ScoredFragment, len(matches))
	for i, m := range matches {
		results[i] = ScoredFragment{
			Rank:       i + 1,
			FragmentID: m.Record.FragmentID,
			DocumentID: m.Record.Metadata.DocumentID,
			Text:       m.Record.Text,
			Metadata:   m.Record.Metadata,
			Distance:   m.Distance,
			Similarity: Similarity(m.Distance),
		}
	}

	return &Response{
		ID:         uuid.New().String(),
		Query:      text,
		K:          k,
		Results:    results,
		SearchTime: searchTime,
		TotalTime:  time.Since(start),
	}, nil
}

// sortedByDistance checks the index's ordering contract instead of
// trusting it.
func sortedByDistance(matches []vector.Match) bool {
	for i := 1; i < len(matches); i++ {
		if distanceKey(matches[i].Distance) < distanceKey(matches[i-1].Distance) {
			return false
		}
	}
	return true
}

// NaN sorts last.
func distanceKey(d float64) float64 {
	if math.IsNaN(d) {
		return math.Inf(1)
	}
	return d
}

// record writes the query log in the background on a context detached
// from the request, so a finished or cancelled request still gets logged.
func (e *Engine) record(ctx context.Context, resp *Response, req Request) {
	if e.logs == nil {
		return
	}

	entry := &models.QueryLog{
		ID:         resp.ID,
		QueryText:  resp.Query,
		K:          resp.K,
		RequestedK: req.K,
		NumResults: len(resp.Results),
		SearchTime: resp.SearchTime,
		TotalTime:  resp.TotalTime,
		CreatedAt:  time.Now().UTC(),
	}
	if !req.Filter.IsEmpty() {
		if raw, err := json.Marshal(req.Filter); err == nil {
			entry.Filter = string(raw)
		}
	}
	for _, r := range resp.Results {
		entry.Results = append(entry.Results, models.QueryResult{
			Rank:       r.Rank,
			FragmentID: r.FragmentID,
			DocumentID: r.DocumentID,
			Distance:   r.Distance,
			Similarity: r.Similarity,
		})
	}

	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.QueryLogTimeout)
	e.pending.Add(1)
	go func() {
		defer e.pending.Done()
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				e.log.Error("Query log writer panicked", zap.Any("panic", r))
			}
		}()
		if err := e.logs.InsertQueryLog(logCtx, entry); err != nil {
			e.log.Warn("Failed to log query", zap.String("query_id", entry.ID), zap.Error(err))
		}
	}()
}

// Flush waits for in-flight query log writes.
func (e *Engine) Flush() {
	e.pending.Wait()
}

// History returns the most recent query logs, newest first.
func (e *Engine) History(ctx context.Context, limit int) ([]models.QueryLog, error) {
	if e.logs == nil {
		return nil, nil
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return e.logs.ListQueryLogs(ctx, limit)
}

func (e *Engine) Embedder() embedding.Embedder { return e.embedder }
func (e *Engine) Index() vector.Index          { return e.index }
