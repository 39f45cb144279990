package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/docrag/backend/internal/metrics"
	"github.com/docrag/backend/pkg/circuitbreaker"
	"github.com/docrag/backend/pkg/logger"
	"github.com/docrag/backend/pkg/retry"
)

// HTTPOCR posts the source PDF and a page number to an OCR service that
// rasterises and recognises that page.
//
//	POST {baseURL}/ocr  multipart: file, page, dpi, language
//	200 {"text": "..."}
type HTTPOCR struct {
	baseURL     string
	dpi         int
	language    string
	httpClient  *http.Client
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

func NewHTTPOCR(baseURL string, dpi int, language string, timeout time.Duration) *HTTPOCR {
	log := logger.GetLogger()

	retryConfig := retry.DefaultConfig("ocr.RecognizePage")
	retryConfig.MaxAttempts = 2
	retryConfig.Logger = log

	return &HTTPOCR{
		baseURL:  strings.TrimRight(baseURL, "/"),
		dpi:      dpi,
		language: language,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		cb: circuitbreaker.New("ocr-service", circuitbreaker.Config{
			MaxRequests:      1,
			Interval:         time.Minute,
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
			OnStateChange:    metrics.RecordBreakerState,
			Logger:           log,
		}),
		retryConfig: retryConfig,
	}
}

func (c *HTTPOCR) Name() string { return "http" }

func (c *HTTPOCR) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *HTTPOCR) RecognizePage(ctx context.Context, pdfPath string, page int) (string, error) {
	data, err := os.ReadFile(pdfPath)
	if err != nil {
		return "", fmt.Errorf("failed to read source: %w", err)
	}

	var text string
	err = c.cb.Execute(ctx, func(ctx context.Context) error {
		return retry.Do(ctx, c.retryConfig, func(ctx context.Context) error {
			t, err := c.post(ctx, filepath.Base(pdfPath), data, page)
			if err != nil {
				return err
			}
			text = t
			return nil
		})
	})
	return text, err
}

func (c *HTTPOCR) post(ctx context.Context, fileName string, data []byte, page int) (string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	part, err := w.CreateFormFile("file", fileName)
	if err != nil {
		return "", retry.Permanent(err)
	}
	if _, err := part.Write(data); err != nil {
		return "", retry.Permanent(err)
	}
	fields := map[string]string{
		"page":     strconv.Itoa(page),
		"dpi":      strconv.Itoa(c.dpi),
		"language": c.language,
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return "", retry.Permanent(err)
		}
	}
	if err := w.Close(); err != nil {
		return "", retry.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/ocr", &body)
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ocr request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("ocr service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return "", retry.Permanent(err)
		}
		return "", err
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", retry.Permanent(fmt.Errorf("failed to parse response: %w", err))
	}
	return out.Text, nil
}
