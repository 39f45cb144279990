package extraction

import (
	"context"
	"fmt"
	"time"
)

// OCR recognises the text of a single rasterised PDF page.
type OCR interface {
	Name() string
	RecognizePage(ctx context.Context, pdfPath string, page int) (string, error)
}

type OCRConfig struct {
	Driver   string
	URL      string
	DPI      int
	Language string
	Timeout  time.Duration
}

// NewOCR returns the configured engine, or nil for driver "none".
func NewOCR(ctx context.Context, cfg OCRConfig) (OCR, error) {
	if cfg.DPI <= 0 {
		cfg.DPI = 300
	}
	if cfg.Language == "" {
		cfg.Language = "eng"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}

	switch cfg.Driver {
	case "", "none":
		return nil, nil
	case "tesseract":
		t := NewTesseract(cfg.DPI, cfg.Language, cfg.Timeout)
		if err := t.Available(); err != nil {
			return nil, err
		}
		return t, nil
	case "http":
		c := NewHTTPOCR(cfg.URL, cfg.DPI, cfg.Language, cfg.Timeout)
		if err := c.Health(ctx); err != nil {
			return nil, fmt.Errorf("ocr service unhealthy: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown ocr driver %q", cfg.Driver)
	}
}
