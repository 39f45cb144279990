// Package vector defines the nearest-neighbour index that holds fragment
// embeddings, and the types shared by its implementations.
package vector

import (
	"context"
	"math"
	"sort"

	"github.com/docrag/backend/internal/storage/models"
)

// Record is one indexed fragment. FragmentID is the upsert key.
type Record struct {
	FragmentID string
	Vector     []float32
	Text       string
	Metadata   models.FragmentMetadata
}

// Match is a record returned by Query together with its Euclidean
// distance to the query vector.
type Match struct {
	Record   Record
	Distance float64
}

// Filter restricts a query by fragment metadata. A nil Filter and a zero
// Filter both mean "no filter".
type Filter struct {
	DocumentIDs []string          `json:"document_ids,omitempty"`
	Title       string            `json:"title,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

func (f *Filter) IsEmpty() bool {
	return f == nil || (len(f.DocumentIDs) == 0 && f.Title == "" && len(f.Extra) == 0)
}

// Matches reports whether meta passes every populated field of the filter.
func (f *Filter) Matches(meta models.FragmentMetadata) bool {
	if f.IsEmpty() {
		return true
	}
	if len(f.DocumentIDs) > 0 {
		found := false
		for _, id := range f.DocumentIDs {
			if id == meta.DocumentID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Title != "" && f.Title != meta.DocumentTitle {
		return false
	}
	for k, v := range f.Extra {
		if meta.Extra[k] != v {
			return false
		}
	}
	return true
}

type Index interface {
	// Upsert writes records, replacing any existing record with the same
	// fragment ID, and returns the number written.
	Upsert(ctx context.Context, records []Record) (int, error)
	// Query returns up to k matches ordered by ascending distance.
	Query(ctx context.Context, vector []float32, k int, filter *Filter) ([]Match, error)
	DeleteByDocument(ctx context.Context, documentID string) (int, error)
	Exists(ctx context.Context, fragmentID string) (bool, error)
	Count(ctx context.Context) (int, error)
	Dimension() int
	Close() error
}

// RecordsFromFragments pairs each embedded fragment with its vector.
func RecordsFromFragments(fragments []models.Fragment) []Record {
	records := make([]Record, len(fragments))
	for i, f := range fragments {
		records[i] = Record{
			FragmentID: f.ID,
			Vector:     f.Embedding,
			Text:       f.Text,
			Metadata:   f.Metadata,
		}
	}
	return records
}

// SortMatches orders by ascending distance, breaking ties on fragment ID so
// results are stable across calls.
func SortMatches(matches []Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}
		return matches[i].Record.FragmentID < matches[j].Record.FragmentID
	})
}

// L2 is the Euclidean distance between two vectors of equal length.
func L2(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
