// Package web fetches remote documents so they can be ingested from a URL
// instead of an upload.
package web

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/docrag/backend/internal/extraction"
	"github.com/docrag/backend/pkg/logger"
	"github.com/docrag/backend/pkg/retry"
)

var ErrTooLarge = errors.New("remote document exceeds size limit")

type Document struct {
	URL         string
	FileName    string
	Title       string
	ContentType string
	Data        []byte
}

type Fetcher struct {
	httpClient  *http.Client
	maxBytes    int64
	userAgent   string
	retryConfig retry.Config
}

func NewFetcher(timeout time.Duration, maxBytes int64) *Fetcher {
	if maxBytes <= 0 {
		maxBytes = 50 << 20
	}
	retryConfig := retry.DefaultConfig("web.Fetch")
	retryConfig.Logger = logger.GetLogger()

	return &Fetcher{
		httpClient:  &http.Client{Timeout: timeout},
		maxBytes:    maxBytes,
		userAgent:   "docrag-fetcher/1.0",
		retryConfig: retryConfig,
	}
}

// ValidURL accepts absolute http and https URLs only.
func ValidURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Fetch downloads rawURL. Server errors and network failures are retried;
// client errors and oversized bodies are not.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Document, error) {
	if !ValidURL(rawURL) {
		return nil, fmt.Errorf("invalid document URL %q", rawURL)
	}

	logger.Info("Fetching remote document", zap.String("url", rawURL))

	data, err := retry.DoWithResult(ctx, f.retryConfig, func(ctx context.Context) ([]byte, error) {
		return f.get(ctx, rawURL)
	})
	if err != nil {
		return nil, err
	}

	doc := &Document{
		URL:         rawURL,
		FileName:    fileName(rawURL),
		ContentType: extraction.DetectContentType(data),
		Data:        data,
	}
	if strings.HasPrefix(doc.ContentType, extraction.MIMEHTML) {
		doc.Title = htmlTitle(data)
	}

	logger.Info("Remote document fetched",
		zap.String("url", rawURL),
		zap.String("content_type", doc.ContentType),
		zap.Int("bytes", len(data)),
	)
	return doc, nil
}

func (f *Fetcher) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		err := fmt.Errorf("fetch returned status %d", resp.StatusCode)
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, retry.Permanent(err)
		}
		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, retry.Permanent(fmt.Errorf("%w: more than %d bytes", ErrTooLarge, f.maxBytes))
	}
	return data, nil
}

func fileName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "document"
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" || base == "" {
		return u.Hostname() + ".html"
	}
	return base
}

func htmlTitle(data []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return ""
	}
	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}
	return title
}
