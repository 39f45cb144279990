package models

import (
	"fmt"
	"time"
)

type DocumentStatus string

const (
	StatusUploaded   DocumentStatus = "uploaded"
	StatusProcessing DocumentStatus = "processing"
	StatusProcessed  DocumentStatus = "processed"
	StatusFailed     DocumentStatus = "failed"
)

var transitions = map[DocumentStatus][]DocumentStatus{
	StatusUploaded:   {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusProcessed, StatusFailed},
	// reprocess resets a finished document before re-ingesting it. A
	// processed document whose vectors are gone, or which is being
	// deleted, is failed so reprocess and delete stay legal.
	StatusProcessed: {StatusUploaded, StatusFailed},
	StatusFailed:    {StatusUploaded},
}

func (s DocumentStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s DocumentStatus) CanTransitionTo(next DocumentStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether ingestion has finished for this status.
func (s DocumentStatus) Terminal() bool {
	return s == StatusProcessed || s == StatusFailed
}

type Document struct {
	ID                    string           `json:"id"`
	Title                 string           `json:"title"`
	FileName              string           `json:"file_name"`
	ContentType           string           `json:"content_type"`
	FileSize              int64            `json:"file_size"`
	BlobKey               string           `json:"blob_key"`
	Status                DocumentStatus   `json:"status"`
	Attempt               int              `json:"attempt"`
	PageCount             int              `json:"page_count"`
	TotalFragments        int              `json:"total_fragments"`
	ErrorMessage          string           `json:"error_message,omitempty"`
	Warnings              []string         `json:"warnings,omitempty"`
	Metadata              DocumentMetadata `json:"metadata"`
	ProcessingStartedAt   *time.Time       `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *time.Time       `json:"processing_completed_at,omitempty"`
	CreatedAt             time.Time        `json:"created_at"`
	UpdatedAt             time.Time        `json:"updated_at"`
}

// DocumentMetadata holds what the extractor learned about the source file.
type DocumentMetadata struct {
	Author           string            `json:"author,omitempty"`
	Subject          string            `json:"subject,omitempty"`
	Creator          string            `json:"creator,omitempty"`
	Producer         string            `json:"producer,omitempty"`
	SourceTitle      string            `json:"source_title,omitempty"`
	ExtractionMethod string            `json:"extraction_method,omitempty"`
	OCRPages         int               `json:"ocr_pages,omitempty"`
	Extra            map[string]string `json:"extra,omitempty"`
}

type ExtractionMethod string

const (
	MethodText  ExtractionMethod = "text"
	MethodOCR   ExtractionMethod = "ocr"
	MethodHTML  ExtractionMethod = "html"
	MethodPlain ExtractionMethod = "plain"
	MethodEmpty ExtractionMethod = "empty"
)

// Page is one extracted page. Index is 1-based.
type Page struct {
	Index  int
	Text   string
	Method ExtractionMethod
}

// FragmentMetadata carries the fields filters can inspect plus an open
// extension map.
type FragmentMetadata struct {
	DocumentID    string            `json:"document_id"`
	DocumentTitle string            `json:"document_title"`
	FileName      string            `json:"file_name,omitempty"`
	Attempt       int               `json:"attempt"`
	PageStart     int               `json:"page_start"`
	PageEnd       int               `json:"page_end"`
	ChunkSize     int               `json:"chunk_size"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// Span is a half-open byte range [Start, End) in the normalized text.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (s Span) Len() int { return s.End - s.Start }

type Fragment struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	Sequence   int    `json:"sequence"`
	Text       string `json:"text"`
	Span       Span   `json:"span"`
	// CoreStart is the first byte of Span not repeated from the previous fragment.
	CoreStart int `json:"core_start"`
	// SentenceStart and SentenceEnd index the sentences covered, end exclusive.
	SentenceStart int              `json:"sentence_start"`
	SentenceEnd   int              `json:"sentence_end"`
	HasOverlap    bool             `json:"has_overlap"`
	Embedding     []float32        `json:"-"`
	Metadata      FragmentMetadata `json:"metadata"`
	CreatedAt     time.Time        `json:"created_at"`
}

// OverlapLen is the number of leading bytes shared with the previous fragment.
func (f Fragment) OverlapLen() int {
	return f.CoreStart - f.Span.Start
}

// FragmentID is deterministic per document, processing attempt and sequence,
// so a reprocessed document never reuses identifiers from a deleted attempt.
func FragmentID(documentID string, attempt, sequence int) string {
	return fmt.Sprintf("%s:%d:%d", documentID, attempt, sequence)
}

type QueryLog struct {
	ID         string        `json:"id"`
	QueryText  string        `json:"query_text"`
	// K is the cutoff actually searched; RequestedK is what the caller
	// asked for before defaulting and capping.
	K          int           `json:"k"`
	RequestedK int           `json:"requested_k"`
	Filter     string        `json:"filter,omitempty"`
	NumResults int           `json:"num_results"`
	SearchTime time.Duration `json:"search_time"`
	TotalTime  time.Duration `json:"total_time"`
	Results    []QueryResult `json:"results"`
	CreatedAt  time.Time     `json:"created_at"`
}

type QueryResult struct {
	Rank       int     `json:"rank"`
	FragmentID string  `json:"fragment_id"`
	DocumentID string  `json:"document_id"`
	Distance   float64 `json:"distance"`
	Similarity float64 `json:"similarity"`
}

type SystemStats struct {
	Documents      map[DocumentStatus]int `json:"documents"`
	TotalDocuments int                    `json:"total_documents"`
	TotalFragments int                    `json:"total_fragments"`
	TotalQueries   int                    `json:"total_queries"`
}
