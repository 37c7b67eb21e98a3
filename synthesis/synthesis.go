// Package synthesis produces the final answer from retrieved evidence in
// a single LLM call, with citations back to the evidence that supports
// each claim.
package synthesis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/asknote/asknote/provider"
	"github.com/asknote/asknote/retrieval"
)

// Answer is the final output of the ask pipeline.
type Answer struct {
	Text       string     `json:"text"`
	Confidence float64    `json:"confidence"`
	Degraded   bool       `json:"degraded"`
	Citations  []Citation `json:"citations"`
	Sources    []Source   `json:"sources"`
	ModelUsed  string     `json:"model_used"`

	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Source tracks one piece of evidence offered to the model.
type Source struct {
	ChildID    int64   `json:"child_id"`
	DocumentID int64   `json:"document_id"`
	SourceID   string  `json:"source_id"`
	Title      string  `json:"title"`
	Ordinal    int     `json:"ordinal"`
	Score      float64 `json:"score"`
}

// Synthesizer turns evidence into answers.
type Synthesizer struct {
	llm provider.LLM
}

// New returns a Synthesizer backed by the given LLM.
func New(llm provider.LLM) *Synthesizer {
	return &Synthesizer{llm: llm}
}

const systemPrompt = `You answer questions strictly from the provided sources.
Rules:
- Use only the sources; never invent facts. If the sources do not contain the
  answer, say so plainly.
- Cite every factual claim with the source marker, e.g. [Source 2]. Multiple
  markers per sentence are fine.
- Be direct and concise. Do not restate the question.`

const degradedNote = `Note: the sources below scored low on relevance to this
question. Answer what you can, state clearly which parts of the question the
sources do not cover, and do not speculate beyond them.`

// Synthesize makes one completion call over the evidence. When degraded
// is set the prompt instructs the model to hedge, and the returned
// confidence is capped.
func (s *Synthesizer) Synthesize(ctx context.Context, question string, evidence []retrieval.Evidence, degraded bool) (*Answer, error) {
	if len(evidence) == 0 {
		return &Answer{
			Text:       "I could not find anything in the indexed documents relevant to this question.",
			Confidence: 0,
			Degraded:   true,
		}, nil
	}

	prompt := buildPrompt(question, evidence, degraded)

	start := time.Now()
	comp, err := s.llm.Complete(ctx, provider.CompletionRequest{
		System:      systemPrompt,
		Prompt:      prompt,
		Temperature: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("synthesizing answer: %w", err)
	}
	slog.Debug("synthesis: answer generated",
		"sources", len(evidence), "tokens", comp.TotalTokens,
		"elapsed", time.Since(start).Round(time.Millisecond))

	citations := ExtractCitations(comp.Content, evidence)

	ans := &Answer{
		Text:             comp.Content,
		Degraded:         degraded,
		Citations:        citations,
		Sources:          toSources(evidence),
		ModelUsed:        comp.Model,
		PromptTokens:     comp.PromptTokens,
		CompletionTokens: comp.CompletionTokens,
		TotalTokens:      comp.TotalTokens,
	}
	ans.Confidence = estimateConfidence(comp.Content, evidence, citations, degraded)
	return ans, nil
}

// buildPrompt numbers each piece of evidence and renders its parent
// context, which carries the surrounding section the child was found in.
func buildPrompt(question string, evidence []retrieval.Evidence, degraded bool) string {
	var sb strings.Builder
	if degraded {
		sb.WriteString(degradedNote)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Sources:\n\n")
	for i, ev := range evidence {
		fmt.Fprintf(&sb, "[Source %d] %s\n", i+1, ev.Title)
		text := ev.ParentContent
		if text == "" {
			text = ev.Content
		}
		sb.WriteString(text)
		sb.WriteString("\n\n")
	}
	fmt.Fprintf(&sb, "Question: %s", question)
	return sb.String()
}

func toSources(evidence []retrieval.Evidence) []Source {
	sources := make([]Source, len(evidence))
	for i, ev := range evidence {
		sources[i] = Source{
			ChildID:    ev.ChildID,
			DocumentID: ev.DocumentID,
			SourceID:   ev.SourceID,
			Title:      ev.Title,
			Ordinal:    ev.Ordinal,
			Score:      ev.Score,
		}
	}
	return sources
}

// estimateConfidence combines evidence relevance, citation coverage, and
// answer substance into a 0..1 score. A degraded run caps the score so
// callers can label the answer as low confidence.
func estimateConfidence(answer string, evidence []retrieval.Evidence, citations []Citation, degraded bool) float64 {
	best := 0.0
	for _, ev := range evidence {
		if ev.Score > best {
			best = ev.Score
		}
	}
	if best > 1 {
		best = 1
	}

	citationScore := 0.3
	if len(citations) > 0 {
		verified := 0
		for _, c := range citations {
			if c.EvidenceIndex >= 0 {
				verified++
			}
		}
		citationScore = float64(verified) / float64(len(citations))
	}

	confidence := 0.5*best + 0.3*citationScore + 0.2*lengthScore(answer)
	if degraded && confidence > 0.4 {
		confidence = 0.4
	}
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return confidence
}

// lengthScore gives higher scores to substantive answers.
func lengthScore(answer string) float64 {
	words := len(strings.Fields(answer))
	switch {
	case words < 10:
		return 0.2
	case words < 30:
		return 0.5
	case words < 100:
		return 0.8
	case words < 500:
		return 1.0
	default:
		return 0.9
	}
}
