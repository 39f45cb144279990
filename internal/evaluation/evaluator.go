// Package evaluation measures retrieval quality against a labelled
// dataset of queries and the documents that should answer them.
package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/docrag/backend/internal/query"
	"github.com/docrag/backend/pkg/logger"
)

type Retriever interface {
	Retrieve(ctx context.Context, req query.Request) (*query.Response, error)
}

type Evaluator struct {
	retriever Retriever
	k         int
}

type Dataset struct {
	Items []DatasetItem `json:"items"`
}

type DatasetItem struct {
	Query               string   `json:"query"`
	ExpectedDocumentIDs []string `json:"expected_document_ids"`
	Category            string   `json:"category,omitempty"`
}

// ItemResult is the outcome of one dataset query. Rank is the 1-based
// position of the first relevant fragment, 0 when none was returned.
type ItemResult struct {
	Query         string  `json:"query"`
	Category      string  `json:"category,omitempty"`
	Rank          int     `json:"rank"`
	TopSimilarity float64 `json:"top_similarity"`
	Error         string  `json:"error,omitempty"`
}

type CategoryStats struct {
	Queries int     `json:"queries"`
	HitRate float64 `json:"hit_rate"`
	MRR     float64 `json:"mrr"`
}

type Report struct {
	K                int                      `json:"k"`
	TotalQueries     int                      `json:"total_queries"`
	Evaluated        int                      `json:"evaluated"`
	Failed           int                      `json:"failed"`
	Hits             int                      `json:"hits"`
	HitRate          float64                  `json:"hit_rate"`
	MRR              float64                  `json:"mrr"`
	AvgTopSimilarity float64                  `json:"avg_top_similarity"`
	Categories       map[string]CategoryStats `json:"categories,omitempty"`
	Items            []ItemResult             `json:"items"`
}

func NewEvaluator(retriever Retriever, k int) *Evaluator {
	if k <= 0 {
		k = 5
	}
	return &Evaluator{retriever: retriever, k: k}
}

func LoadDatasetFromJSON(data []byte) (*Dataset, error) {
	var dataset Dataset
	if err := json.Unmarshal(data, &dataset); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dataset: %w", err)
	}
	for i, item := range dataset.Items {
		if strings.TrimSpace(item.Query) == "" {
			return nil, fmt.Errorf("dataset item %d has no query", i)
		}
		if len(item.ExpectedDocumentIDs) == 0 {
			return nil, fmt.Errorf("dataset item %d (%q) lists no expected documents", i, item.Query)
		}
	}
	return &dataset, nil
}

// Run queries every item and scores hit rate@k and mean reciprocal rank.
// Items whose retrieval fails count as misses and are reported.
func (e *Evaluator) Run(ctx context.Context, dataset *Dataset) (*Report, error) {
	logger.Info("Running retrieval evaluation", zap.Int("items", len(dataset.Items)), zap.Int("k", e.k))

	report := &Report{K: e.k, TotalQueries: len(dataset.Items)}
	type acc struct {
		queries, hits int
		rr            float64
	}
	categories := map[string]*acc{}

	var rrSum, simSum float64
	for i, item := range dataset.Items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result := ItemResult{Query: item.Query, Category: item.Category}
		resp, err := e.retriever.Retrieve(ctx, query.Request{Query: item.Query, K: e.k})
		if err != nil {
			logger.Warn("Evaluation query failed", zap.Int("item", i), zap.Error(err))
			result.Error = err.Error()
			report.Failed++
		} else {
			report.Evaluated++
			result.Rank = firstRelevantRank(resp.Results, item.ExpectedDocumentIDs)
			if len(resp.Results) > 0 {
				result.TopSimilarity = resp.Results[0].Similarity
				simSum += result.TopSimilarity
			}
		}

		var rr float64
		if result.Rank > 0 {
			report.Hits++
			rr = 1 / float64(result.Rank)
		}
		rrSum += rr

		if item.Category != "" {
			c := categories[item.Category]
			if c == nil {
				c = &acc{}
				categories[item.Category] = c
			}
			c.queries++
			c.rr += rr
			if result.Rank > 0 {
				c.hits++
			}
		}

		report.Items = append(report.Items, result)
	}

	if report.TotalQueries > 0 {
		report.HitRate = float64(report.Hits) / float64(report.TotalQueries)
		report.MRR = rrSum / float64(report.TotalQueries)
	}
	if report.Evaluated > 0 {
		report.AvgTopSimilarity = simSum / float64(report.Evaluated)
	}
	if len(categories) > 0 {
		report.Categories = make(map[string]CategoryStats, len(categories))
		for name, c := range categories {
			report.Categories[name] = CategoryStats{
				Queries: c.queries,
				HitRate: float64(c.hits) / float64(c.queries),
				MRR:     c.rr / float64(c.queries),
			}
		}
	}

	logger.Info("Retrieval evaluation completed",
		zap.Int("total", report.TotalQueries),
		zap.Float64("hit_rate", report.HitRate),
		zap.Float64("mrr", report.MRR),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

func firstRelevantRank(results []query.ScoredFragment, expected []string) int {
	want := make(map[string]bool, len(expected))
	for _, id := range expected {
		want[id] = true
	}
	for i, r := range results {
		if want[r.DocumentID] {
			return i + 1
		}
	}
	return 0
}

func GenerateReport(report *Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, `
Retrieval Evaluation Report
===========================

Queries:   %d (evaluated %d, failed %d)
Hit rate@%d: %.3f (%d hits)
MRR:       %.3f
Avg top similarity: %.3f
`,
		report.TotalQueries, report.Evaluated, report.Failed,
		report.K, report.HitRate, report.Hits,
		report.MRR,
		report.AvgTopSimilarity,
	)

	if len(report.Categories) > 0 {
		names := make([]string, 0, len(report.Categories))
		for name := range report.Categories {
			names = append(names, name)
		}
		sort.Strings(names)

		b.WriteString("\nBy category:\n")
		for _, name := range names {
			c := report.Categories[name]
			fmt.Fprintf(&b, "- %s: %d queries, hit rate %.3f, MRR %.3f\n", name, c.Queries, c.HitRate, c.MRR)
		}
	}
	return b.String()
}
