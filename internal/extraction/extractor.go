// Package extraction turns raw document bytes into per-page text. PDF pages
// without a text layer are rasterised and sent through OCR one at a time.
package extraction

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/docrag/backend/internal/errs"
	"github.com/docrag/backend/internal/metrics"
	"github.com/docrag/backend/internal/storage/models"
	"github.com/docrag/backend/pkg/logger"
)

const (
	MIMEPDF   = "application/pdf"
	MIMEHTML  = "text/html"
	MIMEPlain = "text/plain"
)

type Result struct {
	Pages       []models.Page
	Metadata    models.DocumentMetadata
	ContentType string
	Warnings    []string
}

// HasText reports whether any page carries non-blank text.
func (r *Result) HasText() bool {
	for _, p := range r.Pages {
		if strings.TrimSpace(p.Text) != "" {
			return true
		}
	}
	return false
}

type Extractor struct {
	ocr     OCR
	openPDF pdfOpener
	log     *zap.Logger
}

// New builds an extractor. A nil ocr disables the scanned-page fallback.
func New(ocr OCR) *Extractor {
	return &Extractor{
		ocr:     ocr,
		openPDF: openLedongthuc,
		log:     logger.Named("extraction"),
	}
}

// DetectContentType sniffs the document type from its leading bytes.
func DetectContentType(data []byte) string {
	return mimetype.Detect(data).String()
}

// Supported reports whether Extract can handle data of the sniffed type.
func Supported(data []byte) bool {
	_, ok := kindOf(mimetype.Detect(data))
	return ok
}

func kindOf(m *mimetype.MIME) (string, bool) {
	for ; m != nil; m = m.Parent() {
		switch {
		case m.Is(MIMEPDF):
			return MIMEPDF, true
		case m.Is(MIMEHTML):
			return MIMEHTML, true
		case m.Is(MIMEPlain):
			return MIMEPlain, true
		}
	}
	return "", false
}

// Extract returns the ordered pages of a document. It fails with an
// ExtractionError for unsupported, unreadable or encrypted input and for
// documents that yield no text at all. Per-page OCR failures only add
// warnings.
func (e *Extractor) Extract(ctx context.Context, data []byte) (*Result, error) {
	start := time.Now()

	detected := mimetype.Detect(data)
	kind, ok := kindOf(detected)
	if !ok {
		return nil, errs.Extraction("detect", fmt.Errorf("%w: %s", errs.ErrUnsupportedDocument, detected.String()))
	}

	var (
		res *Result
		err error
	)
	switch kind {
	case MIMEPDF:
		res, err = e.extractPDF(ctx, data)
	case MIMEHTML:
		res, err = extractHTML(data)
	default:
		res, err = extractPlain(data)
	}
	if err != nil {
		return nil, err
	}
	res.ContentType = kind

	if !res.HasText() {
		return res, errs.Extraction("extract", errs.ErrNoText)
	}

	e.log.Info("Document extracted",
		zap.String("content_type", kind),
		zap.Int("pages", len(res.Pages)),
		zap.Int("ocr_pages", res.Metadata.OCRPages),
		zap.Int("warnings", len(res.Warnings)),
		zap.Duration("duration", time.Since(start)),
	)
	return res, nil
}

func (e *Extractor) extractPDF(ctx context.Context, data []byte) (*Result, error) {
	doc, err := e.openPDF(data)
	if err != nil {
		return nil, errs.Extraction("open_pdf", err)
	}

	info := doc.Info()
	res := &Result{
		Metadata: models.DocumentMetadata{
			SourceTitle: info["Title"],
			Author:      info["Author"],
			Subject:     info["Subject"],
			Creator:     info["Creator"],
			Producer:    info["Producer"],
		},
	}

	// rasterisation works from a file, written only once a page needs it
	var scratch *scratchFile
	defer func() {
		if scratch != nil {
			scratch.remove()
		}
	}()

	n := doc.NumPage()
	res.Pages = make([]models.Page, 0, n)
	textPages := 0

	for i := 1; i <= n; i++ {
		text, err := doc.PageText(i)
		if err != nil {
			res.warn("page %d: text layer unreadable: %v", i, err)
			text = ""
		}
		if strings.TrimSpace(text) != "" {
			res.Pages = append(res.Pages, models.Page{Index: i, Text: text, Method: models.MethodText})
			textPages++
			continue
		}

		if e.ocr == nil {
			res.warn("page %d: no text layer and OCR is disabled", i)
			res.Pages = append(res.Pages, models.Page{Index: i, Method: models.MethodEmpty})
			continue
		}

		if scratch == nil {
			scratch, err = newScratchFile(data)
			if err != nil {
				return nil, errs.Extraction("ocr_prepare", err)
			}
		}

		page, err := e.recognize(ctx, scratch.path, i)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errs.Extraction("ocr", ctxErr)
		}
		if err != nil {
			metrics.OCRPages.WithLabelValues("failed").Inc()
			res.warn("page %d: OCR failed: %v", i, err)
			res.Pages = append(res.Pages, models.Page{Index: i, Method: models.MethodEmpty})
			continue
		}
		if strings.TrimSpace(page) == "" {
			metrics.OCRPages.WithLabelValues("empty").Inc()
			res.warn("page %d: OCR found no text", i)
			res.Pages = append(res.Pages, models.Page{Index: i, Method: models.MethodEmpty})
			continue
		}

		metrics.OCRPages.WithLabelValues("ok").Inc()
		res.Pages = append(res.Pages, models.Page{Index: i, Text: page, Method: models.MethodOCR})
		res.Metadata.OCRPages++
	}

	switch {
	case res.Metadata.OCRPages > 0 && textPages > 0:
		res.Metadata.ExtractionMethod = "mixed"
	case res.Metadata.OCRPages > 0:
		res.Metadata.ExtractionMethod = string(models.MethodOCR)
	default:
		res.Metadata.ExtractionMethod = string(models.MethodText)
	}
	return res, nil
}

func (e *Extractor) recognize(ctx context.Context, path string, page int) (string, error) {
	start := time.Now()
	text, err := e.ocr.RecognizePage(ctx, path, page)
	e.log.Debug("OCR page",
		zap.String("engine", e.ocr.Name()),
		zap.Int("page", page),
		zap.Int("chars", len(text)),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err),
	)
	return text, err
}

func extractPlain(data []byte) (*Result, error) {
	if !utf8.Valid(data) {
		return nil, errs.Extraction("decode_text", fmt.Errorf("%w: text is not valid UTF-8", errs.ErrUnsupportedDocument))
	}
	text := strings.TrimPrefix(string(data), "\ufeff")
	return &Result{
		Pages:    []models.Page{{Index: 1, Text: text, Method: models.MethodPlain}},
		Metadata: models.DocumentMetadata{ExtractionMethod: string(models.MethodPlain)},
	}, nil
}

func (r *Result) warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.Warnings = append(r.Warnings, msg)
	logger.Warn("Extraction warning", zap.String("warning", msg))
}

type scratchFile struct {
	dir  string
	path string
}

func newScratchFile(data []byte) (*scratchFile, error) {
	dir, err := os.MkdirTemp("", "docrag-ocr-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	path := filepath.Join(dir, "source.pdf")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to write scratch pdf: %w", err)
	}
	return &scratchFile{dir: dir, path: path}, nil
}

func (s *scratchFile) remove() {
	if err := os.RemoveAll(s.dir); err != nil {
		logger.Warn("Failed to remove scratch dir", zap.String("dir", s.dir), zap.Error(err))
	}
}
