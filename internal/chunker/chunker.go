// Package chunker splits document text into overlapping, sentence-aligned
// fragments.
package chunker

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/docrag/backend/internal/storage/models"
)

const (
	DefaultMaxChars     = 1000
	DefaultOverlapChars = 200
)

type Chunker struct {
	maxChars     int
	overlapChars int
	segmenter    Segmenter
}

type Option func(*Chunker)

// WithMaxChars sets the size a fragment may grow to before it is closed.
func WithMaxChars(n int) Option {
	return func(c *Chunker) {
		if n > 0 {
			c.maxChars = n
		}
	}
}

// WithOverlap sets the budget for sentences repeated from the previous fragment.
func WithOverlap(n int) Option {
	return func(c *Chunker) {
		if n >= 0 {
			c.overlapChars = n
		}
	}
}

func WithSegmenter(s Segmenter) Option {
	return func(c *Chunker) {
		if s != nil {
			c.segmenter = s
		}
	}
}

func New(opts ...Option) *Chunker {
	c := &Chunker{
		maxChars:     DefaultMaxChars,
		overlapChars: DefaultOverlapChars,
		segmenter:    PunctSegmenter{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.overlapChars >= c.maxChars {
		c.overlapChars = c.maxChars / 5
	}
	return c
}

func (c *Chunker) MaxChars() int     { return c.maxChars }
func (c *Chunker) OverlapChars() int { return c.overlapChars }

// Chunk splits a single block of text. Empty input yields no fragments.
func (c *Chunker) Chunk(text string, meta models.FragmentMetadata) []models.Fragment {
	return c.ChunkPages([]models.Page{{Index: 1, Text: text}}, meta)
}

// ChunkPages normalizes each page, joins them with a single space and
// chunks the result, stamping every fragment with the pages it spans.
func (c *Chunker) ChunkPages(pages []models.Page, meta models.FragmentMetadata) []models.Fragment {
	text, starts := joinPages(pages)
	if text == "" {
		return nil
	}

	sentences := c.segmenter.Segment(text)
	if len(sentences) == 0 {
		return nil
	}

	m := measure{text: text, sentences: sentences}
	m.index()

	var fragments []models.Fragment
	start, core := 0, 0
	for core < len(sentences) {
		end := core + 1
		// shed overlap until the first new sentence fits
		for start < core && m.size(start, end) > c.maxChars {
			start++
		}
		for end < len(sentences) && m.size(start, end+1) <= c.maxChars {
			end++
		}

		fragments = append(fragments, c.build(m, starts, meta, len(fragments), start, core, end))

		if end == len(sentences) {
			break
		}

		next := end
		for next-1 > start && m.span(next-1, end) <= c.overlapChars {
			next--
		}
		start, core = next, end
	}

	return fragments
}

func (c *Chunker) build(m measure, starts []pageStart, meta models.FragmentMetadata, seq, start, core, end int) models.Fragment {
	span := models.Span{Start: m.sentences[start].Start, End: m.sentences[end-1].End}
	text := strings.TrimSpace(m.text[span.Start:span.End])

	fm := meta
	fm.ChunkSize = utf8.RuneCountInString(text)
	fm.PageStart = pageAt(starts, span.Start)
	fm.PageEnd = pageAt(starts, span.Start+len(strings.TrimRight(m.text[span.Start:span.End], " "))-1)
	if meta.Extra != nil {
		fm.Extra = make(map[string]string, len(meta.Extra))
		for k, v := range meta.Extra {
			fm.Extra[k] = v
		}
	}

	return models.Fragment{
		ID:            models.FragmentID(meta.DocumentID, meta.Attempt, seq),
		DocumentID:    meta.DocumentID,
		Sequence:      seq,
		Text:          text,
		Span:          span,
		CoreStart:     m.sentences[core].Start,
		SentenceStart: start,
		SentenceEnd:   end,
		HasOverlap:    start < core,
		Metadata:      fm,
	}
}

// measure answers character-count questions about sentence ranges.
type measure struct {
	text      string
	sentences []models.Span
	// runesBefore[i] is the rune count of text before sentence i; the final
	// entry is the rune count of the whole text.
	runesBefore []int
}

func (m *measure) index() {
	m.runesBefore = make([]int, len(m.sentences)+1)
	for i, s := range m.sentences {
		m.runesBefore[i+1] = m.runesBefore[i] + utf8.RuneCountInString(m.text[s.Start:s.End])
	}
}

// span counts the characters of sentences [a, b) including trailing space.
func (m measure) span(a, b int) int {
	return m.runesBefore[b] - m.runesBefore[a]
}

// size counts the characters of sentences [a, b) as a fragment would hold them.
func (m measure) size(a, b int) int {
	n := m.span(a, b)
	if last := m.sentences[b-1]; last.End > last.Start && m.text[last.End-1] == ' ' {
		n--
	}
	return n
}

type pageStart struct {
	offset int
	page   int
}

func joinPages(pages []models.Page) (string, []pageStart) {
	var (
		b      strings.Builder
		starts []pageStart
	)
	for _, p := range pages {
		text := Normalize(p.Text)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		starts = append(starts, pageStart{offset: b.Len(), page: p.Index})
		b.WriteString(text)
	}
	return b.String(), starts
}

func pageAt(starts []pageStart, offset int) int {
	if len(starts) == 0 {
		return 0
	}
	i := sort.Search(len(starts), func(i int) bool { return starts[i].offset > offset })
	if i == 0 {
		return starts[0].page
	}
	return starts[i-1].page
}
