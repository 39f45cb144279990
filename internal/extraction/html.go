package extraction

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/docrag/backend/internal/errs"
	"github.com/docrag/backend/internal/storage/models"
)

var (
	whitespaceRe  = regexp.MustCompile(`[ \t\f\v]+`)
	blankLinesRe  = regexp.MustCompile(`\n{3,}`)
	blockElements = "p, div, section, article, li, tr, h1, h2, h3, h4, h5, h6, br, pre, blockquote"
)

// extractHTML strips page chrome and scripts and returns the visible body
// text as a single page.
func extractHTML(data []byte) (*Result, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, errs.Extraction("parse_html", err)
	}

	title := extractTitle(doc)

	doc.Find("script, style, noscript, nav, footer, header, aside, template").Each(func(i int, s *goquery.Selection) {
		s.Remove()
	})
	// keep block boundaries so sentences from adjacent blocks do not fuse
	doc.Find(blockElements).Each(func(i int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})

	body := doc.Find("body")
	if body.Length() == 0 {
		body = doc.Selection
	}
	text := cleanText(body.Text())

	return &Result{
		Pages: []models.Page{{Index: 1, Text: text, Method: models.MethodHTML}},
		Metadata: models.DocumentMetadata{
			SourceTitle:      title,
			ExtractionMethod: string(models.MethodHTML),
		},
	}, nil
}

func extractTitle(doc *goquery.Document) string {
	title := doc.Find("title").First().Text()
	if strings.TrimSpace(title) == "" {
		title = doc.Find("h1").First().Text()
	}
	return strings.TrimSpace(title)
}

func cleanText(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(whitespaceRe.ReplaceAllString(line, " "))
	}
	text = strings.Join(lines, "\n")
	text = blankLinesRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
