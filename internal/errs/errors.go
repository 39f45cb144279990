// Package errs defines the failure taxonomy shared by the ingestion
// pipeline and the retrieval engine.
package errs

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrAlreadyProcessing   = errors.New("document is already processing")
	ErrQueueFull           = errors.New("ingestion queue is full")
	ErrUnsupportedDocument = errors.New("unsupported document type")
	ErrEncrypted           = errors.New("document is encrypted")
	ErrNoText              = errors.New("no extractable text")
	ErrDimensionMismatch   = errors.New("vector dimension mismatch")
)

// ExtractionError reports an unreadable or encrypted source, or a document
// whose pages all came back empty.
type ExtractionError struct {
	Op  string
	Err error
}

func (e *ExtractionError) Error() string { return format("extraction", e.Op, e.Err) }
func (e *ExtractionError) Unwrap() error { return e.Err }

// EmbeddingError reports an unavailable model or input it rejected.
type EmbeddingError struct {
	Op  string
	Err error
}

func (e *EmbeddingError) Error() string { return format("embedding", e.Op, e.Err) }
func (e *EmbeddingError) Unwrap() error { return e.Err }

// IndexError reports a vector index that is unreachable or refused a write.
type IndexError struct {
	Op  string
	Err error
}

func (e *IndexError) Error() string { return format("index", e.Op, e.Err) }
func (e *IndexError) Unwrap() error { return e.Err }

// StoreError reports a blob or relational store failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return format("store", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

func format(kind, op string, err error) string {
	if op == "" {
		return fmt.Sprintf("%s: %v", kind, err)
	}
	return fmt.Sprintf("%s: %s: %v", kind, op, err)
}

func Extraction(op string, err error) error { return wrap(err, &ExtractionError{Op: op, Err: err}) }
func Embedding(op string, err error) error  { return wrap(err, &EmbeddingError{Op: op, Err: err}) }
func Index(op string, err error) error      { return wrap(err, &IndexError{Op: op, Err: err}) }
func Store(op string, err error) error      { return wrap(err, &StoreError{Op: op, Err: err}) }

// wrap returns nil for a nil cause and leaves already classified errors alone.
func wrap(cause, classified error) error {
	if cause == nil {
		return nil
	}
	if Kind(cause) != "" {
		return cause
	}
	return classified
}

// Kind names the taxonomy class of err, or "" when it is unclassified.
func Kind(err error) string {
	var (
		extraction *ExtractionError
		embedding  *EmbeddingError
		index      *IndexError
		store      *StoreError
	)
	switch {
	case errors.As(err, &extraction):
		return "extraction"
	case errors.As(err, &embedding):
		return "embedding"
	case errors.As(err, &index):
		return "index"
	case errors.As(err, &store):
		return "store"
	default:
		return ""
	}
}
