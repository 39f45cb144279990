package extraction

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/docrag/backend/internal/errs"
)

// pdfDocument is the slice of a parsed PDF the extractor reads.
type pdfDocument interface {
	NumPage() int
	// PageText returns the text layer of a 1-based page.
	PageText(page int) (string, error)
	// Info returns the document information dictionary.
	Info() map[string]string
}

type pdfOpener func(data []byte) (pdfDocument, error)

var infoKeys = []string{"Title", "Author", "Subject", "Creator", "Producer"}

type ledongthucDoc struct {
	r *pdf.Reader
}

// openLedongthuc parses data with github.com/ledongthuc/pdf. The parser
// panics on some malformed inputs, so both opening and page reads recover.
func openLedongthuc(data []byte) (doc pdfDocument, err error) {
	defer func() {
		if r := recover(); r != nil {
			doc, err = nil, fmt.Errorf("malformed pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		if errors.Is(err, pdf.ErrInvalidPassword) || strings.Contains(strings.ToLower(err.Error()), "encrypt") {
			return nil, fmt.Errorf("%w: %v", errs.ErrEncrypted, err)
		}
		return nil, fmt.Errorf("failed to parse pdf: %w", err)
	}
	return &ledongthucDoc{r: r}, nil
}

func (d *ledongthucDoc) NumPage() int { return d.r.NumPage() }

func (d *ledongthucDoc) PageText(i int) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("malformed page: %v", r)
		}
	}()

	page := d.r.Page(i)
	if page.V.IsNull() {
		return "", nil
	}

	fonts := make(map[string]*pdf.Font)
	for _, name := range page.Fonts() {
		f := page.Font(name)
		fonts[name] = &f
	}
	return page.GetPlainText(fonts)
}

func (d *ledongthucDoc) Info() (out map[string]string) {
	out = make(map[string]string)
	defer func() {
		// a broken info dictionary is not worth failing the document over
		_ = recover()
	}()

	info := d.r.Trailer().Key("Info")
	if info.IsNull() {
		return out
	}
	for _, key := range infoKeys {
		if v := strings.TrimSpace(info.Key(key).Text()); v != "" {
			out[key] = v
		}
	}
	return out
}
