package chunker

import (
	"path/filepath"
	"regexp"
	"strings"
)

// ContentType selects the section boundary strategy.
type ContentType string

const (
	ContentTypeUnknown  ContentType = ""
	ContentTypePlain    ContentType = "plain"
	ContentTypeMarkdown ContentType = "markdown"
	ContentTypeHTML     ContentType = "html"
)

// highConfidence is the heuristic score needed to override a plain hint.
const highConfidence = 0.8

var extensionTypes = map[string]ContentType{
	".html":     ContentTypeHTML,
	".htm":      ContentTypeHTML,
	".xhtml":    ContentTypeHTML,
	".md":       ContentTypeMarkdown,
	".markdown": ContentTypeMarkdown,
	".mdown":    ContentTypeMarkdown,
	".mkd":      ContentTypeMarkdown,
	".txt":      ContentTypePlain,
	".text":     ContentTypePlain,
}

// DetectFromPath maps a file extension to a content type.
// Returns false if the extension is not recognized.
func DetectFromPath(path string) (ContentType, bool) {
	ct, ok := extensionTypes[strings.ToLower(filepath.Ext(path))]
	return ct, ok
}

// Detect resolves the content type for text. An explicit hint is
// authoritative, except that a plain hint is overridden when the heuristic
// scan is highly confident the text is markup.
func Detect(text string, hint ContentType) ContentType {
	switch hint {
	case ContentTypeMarkdown, ContentTypeHTML:
		return hint
	case ContentTypePlain:
		ct, conf := detectHeuristic(text)
		if conf >= highConfidence {
			return ct
		}
		return ContentTypePlain
	default:
		ct, _ := detectHeuristic(text)
		return ct
	}
}

var (
	reDoctype     = regexp.MustCompile(`(?i)<!DOCTYPE\s+html`)
	reHTMLTag     = regexp.MustCompile(`(?i)<html[\s>]`)
	reHeaderTag   = regexp.MustCompile(`(?i)<h[1-6][\s>]`)
	reClosingTag  = regexp.MustCompile(`</\w+>`)
	reMDHeading   = regexp.MustCompile(`(?m)^#{1,6}\s+.+`)
	reMDLink      = regexp.MustCompile(`\[.+?\]\(.+?\)`)
	reMDFence     = regexp.MustCompile(`(?m)^` + "```")
	reMDInline    = regexp.MustCompile("`[^`]+`")
	reMDBullet    = regexp.MustCompile(`(?m)^[*\-+]\s+`)
	reMDNumbered  = regexp.MustCompile(`(?m)^\d+\.\s+`)
	reMDEmphasis  = regexp.MustCompile(`\*\*.+?\*\*|__.+?__`)
	reMDQuote     = regexp.MustCompile(`(?m)^>\s+`)
	structuralTag = []string{"<head", "<body", "<div", "<span", "<p>", "<table", "<form"}
)

// detectHeuristic scans a sample of the text for markup density and returns
// the most likely type with a confidence score in [0, 1].
func detectHeuristic(text string) (ContentType, float64) {
	if len(strings.TrimSpace(text)) < 10 {
		return ContentTypePlain, 0.5
	}
	sample := text
	if len(sample) > 5000 {
		sample = sample[:runeAlign(sample, 5000)]
	}

	htmlScore := scoreHTML(sample)
	if htmlScore >= highConfidence {
		return ContentTypeHTML, htmlScore
	}
	mdScore := scoreMarkdown(sample)
	if mdScore >= highConfidence {
		return ContentTypeMarkdown, mdScore
	}

	switch {
	case htmlScore > mdScore && htmlScore > 0.3:
		return ContentTypeHTML, htmlScore
	case mdScore > 0.3:
		return ContentTypeMarkdown, mdScore
	default:
		return ContentTypePlain, 0.6
	}
}

func scoreHTML(s string) float64 {
	score := 0.0
	if reDoctype.MatchString(s) {
		score += 0.4
	}
	if reHTMLTag.MatchString(s) {
		score += 0.3
	}
	lower := strings.ToLower(s)
	hits := 0
	for _, tag := range structuralTag {
		if strings.Contains(lower, tag) {
			score += 0.1
			hits++
			if hits >= 5 {
				break
			}
		}
	}
	if reHeaderTag.MatchString(s) {
		score += 0.15
	}
	if reClosingTag.MatchString(s) {
		score += 0.1
	}
	return clamp01(score)
}

func scoreMarkdown(s string) float64 {
	score := 0.0

	switch n := len(reMDHeading.FindAllString(s, 3)); {
	case n >= 3:
		score += 0.35
	case n >= 1:
		score += 0.2
	}
	switch n := len(reMDLink.FindAllString(s, 2)); {
	case n >= 2:
		score += 0.25
	case n >= 1:
		score += 0.15
	}
	if reMDFence.MatchString(s) {
		score += 0.2
	}
	if reMDInline.MatchString(s) {
		score += 0.1
	}
	lists := len(reMDBullet.FindAllString(s, 3)) + len(reMDNumbered.FindAllString(s, 3))
	switch {
	case lists >= 3:
		score += 0.15
	case lists >= 1:
		score += 0.08
	}
	if reMDEmphasis.MatchString(s) {
		score += 0.1
	}
	if reMDQuote.MatchString(s) {
		score += 0.1
	}
	return clamp01(score)
}

func clamp01(f float64) float64 {
	if f > 1 {
		return 1
	}
	if f < 0 {
		return 0
	}
	return f
}
