// Package chunker splits raw document text into a two-level hierarchy:
// large parent sections used for answer context and small overlapping child
// windows used for precise similarity search.
//
// Chunking is a pure function of (text, content type, size parameters).
// Parents are exact contiguous spans of the document and children exact
// contiguous spans of their parent, so the original text can always be
// reconstructed from the parent spans.
package chunker

import (
	"errors"
	"strings"
)

// ErrEmptyContent is returned for empty or whitespace-only input.
// It is a permanent failure and must not be retried.
var ErrEmptyContent = errors.New("chunker: empty content")

// Config controls the chunking behaviour. All sizes are in bytes.
type Config struct {
	ChunkSize     int // child window size
	ChunkOverlap  int // overlap between consecutive child windows
	ParentMinSize int // adjacent sections below this are merged
	ParentMaxSize int // sections above this are split at the nearest boundary
}

// Chunker converts document text into parent and child chunks.
type Chunker struct {
	cfg Config
}

// New returns a Chunker with the given configuration.
// Zero-value fields are replaced with defaults.
func New(cfg Config) *Chunker {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 500
	}
	if cfg.ChunkOverlap == 0 {
		cfg.ChunkOverlap = 100
	}
	if cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = cfg.ChunkSize / 5
	}
	if cfg.ParentMinSize == 0 {
		cfg.ParentMinSize = 2000
	}
	if cfg.ParentMaxSize == 0 {
		cfg.ParentMaxSize = 10000
	}
	if cfg.ParentMaxSize < cfg.ParentMinSize {
		cfg.ParentMaxSize = cfg.ParentMinSize
	}
	return &Chunker{cfg: cfg}
}

// Parent is a large, semantically bounded section of a document.
// Start and End are byte offsets into the document text.
type Parent struct {
	Ordinal int
	Start   int
	End     int
	Text    string
}

// Child is a small overlapping window inside a parent section.
// Start and End are byte offsets into the parent's text.
type Child struct {
	ParentOrdinal int
	Ordinal       int
	Start         int
	End           int
	Text          string
}

// Chunk splits text into parent sections and child windows. The content
// type hint selects the section boundary strategy; pass ContentTypeUnknown
// to use heuristic detection.
func (c *Chunker) Chunk(text string, hint ContentType) ([]Parent, []Child, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil, ErrEmptyContent
	}

	ct := Detect(text, hint)

	spans := sectionSpans(text, ct)
	spans = mergeSmall(spans, c.cfg.ParentMinSize)
	spans = splitLarge(text, spans, c.cfg.ParentMaxSize)

	parents := make([]Parent, len(spans))
	var children []Child
	childOrd := 0
	for i, sp := range spans {
		parents[i] = Parent{
			Ordinal: i,
			Start:   sp.start,
			End:     sp.end,
			Text:    text[sp.start:sp.end],
		}
		for _, w := range windows(parents[i].Text, c.cfg.ChunkSize, c.cfg.ChunkOverlap) {
			children = append(children, Child{
				ParentOrdinal: i,
				Ordinal:       childOrd,
				Start:         w.start,
				End:           w.end,
				Text:          parents[i].Text[w.start:w.end],
			})
			childOrd++
		}
	}
	return parents, children, nil
}

type span struct {
	start, end int
}

// sectionSpans returns contiguous, non-overlapping spans covering the whole
// text, split at content-type-specific semantic boundaries: headings for
// markdown and HTML, paragraph breaks for plain text.
func sectionSpans(text string, ct ContentType) []span {
	var starts []int
	switch ct {
	case ContentTypeMarkdown:
		starts = markdownHeadingStarts(text)
	case ContentTypeHTML:
		starts = htmlHeadingStarts(text)
	default:
		starts = paragraphStarts(text)
	}

	if len(starts) == 0 || starts[0] != 0 {
		starts = append([]int{0}, starts...)
	}

	spans := make([]span, 0, len(starts))
	for i, s := range starts {
		end := len(text)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		if end > s {
			spans = append(spans, span{s, end})
		}
	}
	return spans
}

// mergeSmall greedily merges adjacent spans until each merged span reaches
// minSize. The final span may remain below minSize; a document smaller than
// minSize becomes exactly one span.
func mergeSmall(spans []span, minSize int) []span {
	var out []span
	for _, sp := range spans {
		if n := len(out); n > 0 && out[n-1].end-out[n-1].start < minSize {
			out[n-1].end = sp.end
			continue
		}
		out = append(out, sp)
	}
	return out
}

// splitLarge recursively splits spans above maxSize at the nearest soft
// boundary, preferring paragraph breaks over line breaks over sentence ends.
func splitLarge(text string, spans []span, maxSize int) []span {
	var out []span
	for _, sp := range spans {
		out = append(out, splitSpan(text, sp, maxSize)...)
	}
	return out
}

func splitSpan(text string, sp span, maxSize int) []span {
	if sp.end-sp.start <= maxSize {
		return []span{sp}
	}
	cut := nearestBoundary(text[sp.start:sp.end])
	left := span{sp.start, sp.start + cut}
	right := span{sp.start + cut, sp.end}
	return append(splitSpan(text, left, maxSize), splitSpan(text, right, maxSize)...)
}

// nearestBoundary picks a split offset near the middle of s, preferring
// "\n\n", then "\n", then ". ", then a space, then a hard cut on a rune
// boundary. Always returns 0 < cut < len(s).
func nearestBoundary(s string) int {
	mid := len(s) / 2
	for _, sep := range []string{"\n\n", "\n", ". ", " "} {
		// Search backward from the middle first, then forward, so the
		// split stays as close to the middle as possible.
		if i := strings.LastIndex(s[:mid], sep); i > 0 {
			return i + len(sep)
		}
		if i := strings.Index(s[mid:], sep); i >= 0 && mid+i+len(sep) < len(s) {
			return mid + i + len(sep)
		}
	}
	return runeAlign(s, mid)
}

// paragraphStarts returns offsets where a new paragraph begins after a
// blank-line run.
func paragraphStarts(text string) []int {
	var starts []int
	i := 0
	for {
		j := strings.Index(text[i:], "\n\n")
		if j < 0 {
			break
		}
		k := i + j
		for k < len(text) && (text[k] == '\n' || text[k] == '\r') {
			k++
		}
		if k < len(text) {
			starts = append(starts, k)
		}
		i = k
		if i >= len(text) {
			break
		}
	}
	return starts
}

// markdownHeadingStarts returns offsets of ATX heading lines (# through ######).
func markdownHeadingStarts(text string) []int {
	var starts []int
	offset := 0
	for _, line := range strings.SplitAfter(text, "\n") {
		trimmed := strings.TrimLeft(line, " ")
		if n := strings.IndexFunc(trimmed, func(r rune) bool { return r != '#' }); n >= 1 && n <= 6 &&
			strings.HasPrefix(trimmed[n:], " ") {
			if offset > 0 {
				starts = append(starts, offset)
			}
		}
		offset += len(line)
	}
	return starts
}

// htmlHeadingStarts returns offsets of <h1>..<h3> opening tags. Boundary
// detection works on the raw markup so spans slice the original text
// exactly; no DOM is built.
func htmlHeadingStarts(text string) []int {
	var starts []int
	lower := strings.ToLower(text)
	for i := 0; i < len(lower); {
		j := strings.Index(lower[i:], "<h")
		if j < 0 {
			break
		}
		pos := i + j
		if pos+3 < len(lower) && lower[pos+2] >= '1' && lower[pos+2] <= '3' &&
			(lower[pos+3] == '>' || lower[pos+3] == ' ') {
			if pos > 0 {
				starts = append(starts, pos)
			}
		}
		i = pos + 2
	}
	return starts
}

// windows produces fixed-size overlapping spans over text, preferring to
// break on whitespace or punctuation over mid-word. Consecutive windows
// share roughly `overlap` bytes.
func windows(text string, size, overlap int) []span {
	if len(text) <= size {
		return []span{{0, len(text)}}
	}

	var out []span
	start := 0
	for start < len(text) {
		end := start + size
		if end >= len(text) {
			out = append(out, span{start, len(text)})
			break
		}

		cut := runeAlign(text, end)
		// Scan backward for a softer break, but never give up more than
		// half the window.
		for i := end; i > start+size/2; i-- {
			if isBreakByte(text[i-1]) {
				cut = i
				break
			}
		}
		out = append(out, span{start, cut})

		next := cut - overlap
		if next <= start {
			next = start + 1
		}
		start = runeAlign(text, next)
	}
	return out
}

func isBreakByte(b byte) bool {
	switch b {
	case ' ', '\n', '\t', '\r', '.', ',', ';', ':', '!', '?':
		return true
	}
	return false
}

// runeAlign moves i backward to the nearest UTF-8 rune start.
func runeAlign(s string, i int) int {
	for i > 0 && i < len(s) && s[i]&0xC0 == 0x80 {
		i--
	}
	return i
}
