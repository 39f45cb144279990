package chunker

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	"github.com/docrag/backend/internal/storage/models"
	"github.com/docrag/backend/pkg/logger"
)

// Segmenter splits normalized text into sentence spans. Spans must be
// contiguous, non-empty and cover the whole text; the whitespace after a
// sentence belongs to that sentence.
type Segmenter interface {
	Segment(text string) []models.Span
}

// NewSegmenter returns the segmenter registered under name, falling back to
// punctuation rules for unknown names.
func NewSegmenter(name string) Segmenter {
	if name == "prose" {
		return ProseSegmenter{}
	}
	return PunctSegmenter{}
}

var abbreviations = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true, "sr": true,
	"jr": true, "st": true, "vs": true, "no": true, "art": true, "sec": true,
	"e.g": true, "i.e": true, "cf": true, "fig": true, "approx": true,
	"inc": true, "ltd": true, "co": true, "corp": true, "jan": true,
	"feb": true, "mar": true, "apr": true, "jun": true, "jul": true,
	"aug": true, "sep": true, "sept": true, "oct": true, "nov": true, "dec": true,
}

// PunctSegmenter ends a sentence at terminal punctuation followed by
// whitespace, skipping common abbreviations, single-letter initials and
// boundaries where the next sentence would start in lowercase.
type PunctSegmenter struct{}

func (PunctSegmenter) Segment(text string) []models.Span {
	if text == "" {
		return nil
	}

	var spans []models.Span
	start := 0
	i := 0
	for i < len(text) {
		r, size := utf8.DecodeRuneInString(text[i:])
		i += size
		if !isTerminal(r) {
			continue
		}

		end := i
		for end < len(text) {
			next, n := utf8.DecodeRuneInString(text[end:])
			if !isTerminal(next) && !isCloser(next) {
				break
			}
			end += n
		}

		if end >= len(text) {
			break
		}
		next, n := utf8.DecodeRuneInString(text[end:])
		if !unicode.IsSpace(next) {
			i = end
			continue
		}
		if r == '.' && isAbbreviation(text[start:i-size]) {
			i = end
			continue
		}

		boundary := end + n
		for boundary < len(text) {
			ws, wn := utf8.DecodeRuneInString(text[boundary:])
			if !unicode.IsSpace(ws) {
				break
			}
			boundary += wn
		}
		if boundary < len(text) {
			following, _ := utf8.DecodeRuneInString(text[boundary:])
			if unicode.IsLower(following) {
				i = boundary
				continue
			}
		}

		spans = append(spans, models.Span{Start: start, End: boundary})
		start = boundary
		i = boundary
	}

	if start < len(text) {
		spans = append(spans, models.Span{Start: start, End: len(text)})
	}
	return spans
}

func isTerminal(r rune) bool {
	switch r {
	case '.', '!', '?', '…', '。', '！', '？':
		return true
	}
	return false
}

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '}', '»', '”', '’':
		return true
	}
	return false
}

// isAbbreviation checks the word immediately before a period.
func isAbbreviation(before string) bool {
	idx := strings.LastIndexFunc(before, unicode.IsSpace)
	word := strings.TrimLeft(before[idx+1:], "([{\"'")
	if word == "" {
		return false
	}
	if utf8.RuneCountInString(word) == 1 {
		r, _ := utf8.DecodeRuneInString(word)
		return unicode.IsUpper(r)
	}
	return abbreviations[strings.ToLower(word)]
}

// ProseSegmenter uses the prose sentence model and maps its sentences back
// onto byte offsets of the input. Unmatched sentences are merged into the
// following span, so coverage holds regardless of what the model returns.
type ProseSegmenter struct{}

func (ProseSegmenter) Segment(text string) []models.Span {
	if text == "" {
		return nil
	}

	doc, err := prose.NewDocument(text,
		prose.WithTokenization(false),
		prose.WithTagging(false),
		prose.WithExtraction(false),
	)
	if err != nil {
		logger.Warn("Prose segmentation failed, using punctuation rules", zap.Error(err))
		return PunctSegmenter{}.Segment(text)
	}

	var spans []models.Span
	start, cursor := 0, 0
	for _, sentence := range doc.Sentences() {
		s := strings.TrimSpace(sentence.Text)
		if s == "" {
			continue
		}
		idx := strings.Index(text[cursor:], s)
		if idx < 0 {
			continue
		}
		end := cursor + idx + len(s)
		for end < len(text) && text[end] == ' ' {
			end++
		}
		cursor = end
		if end >= len(text) {
			break
		}
		spans = append(spans, models.Span{Start: start, End: end})
		start = end
	}

	if start < len(text) {
		spans = append(spans, models.Span{Start: start, End: len(text)})
	}
	return spans
}
