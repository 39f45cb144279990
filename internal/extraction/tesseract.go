package extraction

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Tesseract rasterises a page with poppler's pdftoppm and reads it with the
// tesseract CLI.
type Tesseract struct {
	rasterBin string
	ocrBin    string
	dpi       int
	language  string
	timeout   time.Duration
}

func NewTesseract(dpi int, language string, timeout time.Duration) *Tesseract {
	return &Tesseract{
		rasterBin: "pdftoppm",
		ocrBin:    "tesseract",
		dpi:       dpi,
		language:  language,
		timeout:   timeout,
	}
}

func (t *Tesseract) Name() string { return "tesseract" }

// Available checks that both binaries are on PATH.
func (t *Tesseract) Available() error {
	for _, bin := range []string{t.rasterBin, t.ocrBin} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("%s not available: %w", bin, err)
		}
	}
	return nil
}

func (t *Tesseract) RecognizePage(ctx context.Context, pdfPath string, page int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	dir, err := os.MkdirTemp("", "docrag-page-*")
	if err != nil {
		return "", fmt.Errorf("failed to create page dir: %w", err)
	}
	defer os.RemoveAll(dir)

	prefix := filepath.Join(dir, "page")
	p := strconv.Itoa(page)
	if _, err := t.run(ctx, t.rasterBin,
		"-f", p, "-l", p,
		"-r", strconv.Itoa(t.dpi),
		"-png", "-singlefile",
		pdfPath, prefix,
	); err != nil {
		return "", fmt.Errorf("rasterise page %d: %w", page, err)
	}

	out, err := t.run(ctx, t.ocrBin, prefix+".png", "stdout", "-l", t.language)
	if err != nil {
		return "", fmt.Errorf("ocr page %d: %w", page, err)
	}
	return strings.TrimSpace(out), nil
}

func (t *Tesseract) run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s failed: %v, stderr: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
