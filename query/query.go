// Package query turns a raw user question into a retrieval plan: a
// clarity judgment, up to three focused sub-questions, and (during
// self-correction) rewritten queries with alternative phrasing.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/asknote/asknote/provider"
)

// maxSubQuestions caps decomposition so retrieval stays one batched
// embedding call away.
const maxSubQuestions = 3

// Message is one prior conversation turn given to the analyzer as context.
type Message struct {
	Role    string
	Content string
}

// Analysis is the structured result of analyzing a question.
type Analysis struct {
	// IsClear reports whether the question is answerable as asked.
	IsClear bool `json:"is_clear"`
	// SubQuestions are 1..3 focused questions covering the original.
	SubQuestions []string `json:"sub_questions"`
	// Clarification is the question to ask the user when IsClear is false.
	Clarification string `json:"clarification"`
}

// Analyzer uses an LLM to analyze and rewrite questions.
type Analyzer struct {
	llm provider.LLM
}

// NewAnalyzer returns an Analyzer backed by the given LLM.
func NewAnalyzer(llm provider.LLM) *Analyzer {
	return &Analyzer{llm: llm}
}

const analyzeSystem = `You analyze user questions for a document question-answering system.
Judge whether the question is clear enough to answer from documents, and break
it into focused sub-questions. Respond with a single JSON object:
{"is_clear": bool, "sub_questions": ["..."], "clarification": "..."}
Rules:
- At most 3 sub-questions. A simple question becomes exactly one sub-question.
- If the question is ambiguous or missing essential context, set is_clear to
  false and write one short clarification question for the user.
- Sub-questions must be self-contained: resolve pronouns and references using
  the conversation context.`

const rewriteSystem = `You rewrite search queries that failed to find relevant material.
Respond with a single JSON object: {"queries": ["..."]}
Rules:
- Produce the same number of queries as you were given, in the same order.
- Use different vocabulary: synonyms, more general or more specific terms.
- Keep each rewrite a standalone question or search phrase.`

// Analyze judges clarity and decomposes the question. Prior conversation
// turns, when present, are summarized into the prompt so follow-up
// questions resolve correctly.
func (a *Analyzer) Analyze(ctx context.Context, question string, history []Message) (*Analysis, error) {
	var sb strings.Builder
	if conv := summarizeConversation(history); conv != "" {
		sb.WriteString("Conversation so far:\n")
		sb.WriteString(conv)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Question: ")
	sb.WriteString(question)

	comp, err := a.llm.Complete(ctx, provider.CompletionRequest{
		System:      analyzeSystem,
		Prompt:      sb.String(),
		Temperature: 0.1,
		JSONMode:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("analyzing question: %w", err)
	}

	var analysis Analysis
	if err := json.Unmarshal([]byte(extractJSON(comp.Content)), &analysis); err != nil {
		// A malformed response must not block answering: treat the
		// question as clear and search for it verbatim.
		slog.Warn("query: unparseable analysis, using question as-is", "error", err)
		return &Analysis{IsClear: true, SubQuestions: []string{question}}, nil
	}

	if len(analysis.SubQuestions) == 0 {
		analysis.SubQuestions = []string{question}
	}
	if len(analysis.SubQuestions) > maxSubQuestions {
		analysis.SubQuestions = analysis.SubQuestions[:maxSubQuestions]
	}
	if !analysis.IsClear && strings.TrimSpace(analysis.Clarification) == "" {
		// No usable clarification means nothing to ask the user; proceed.
		analysis.IsClear = true
	}
	return &analysis, nil
}

// Rewrite produces alternative phrasings for queries whose results scored
// below the relevance threshold. The result has the same length and order
// as attempted; entries the model failed to rewrite keep their original
// text.
func (a *Analyzer) Rewrite(ctx context.Context, original string, attempted []string) ([]string, error) {
	if len(attempted) == 0 {
		return nil, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Original question: %s\n\nQueries that found nothing relevant:\n", original)
	for i, q := range attempted {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, q)
	}

	comp, err := a.llm.Complete(ctx, provider.CompletionRequest{
		System:      rewriteSystem,
		Prompt:      sb.String(),
		Temperature: 0.4,
		JSONMode:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("rewriting queries: %w", err)
	}

	var parsed struct {
		Queries []string `json:"queries"`
	}
	if err := json.Unmarshal([]byte(extractJSON(comp.Content)), &parsed); err != nil {
		slog.Warn("query: unparseable rewrite, keeping originals", "error", err)
		return attempted, nil
	}

	out := make([]string, len(attempted))
	copy(out, attempted)
	for i := 0; i < len(out) && i < len(parsed.Queries); i++ {
		if q := strings.TrimSpace(parsed.Queries[i]); q != "" {
			out[i] = q
		}
	}
	return out, nil
}

// summarizeConversation renders recent turns as a compact transcript.
// Returns "" for an empty history so the analyzer prompt stays minimal.
func summarizeConversation(history []Message) string {
	if len(history) == 0 {
		return ""
	}
	// Only the tail matters for reference resolution.
	const maxTurns = 6
	if len(history) > maxTurns {
		history = history[len(history)-maxTurns:]
	}

	var sb strings.Builder
	for _, m := range history {
		content := m.Content
		const maxLen = 500
		if len(content) > maxLen {
			content = content[:maxLen] + "..."
		}
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, content)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// extractJSON strips markdown code fences that some models wrap around
// JSON output despite JSON mode.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	// Fall back to the outermost object if prose surrounds it.
	if !strings.HasPrefix(s, "{") {
		if start := strings.Index(s, "{"); start >= 0 {
			if end := strings.LastIndex(s, "}"); end > start {
				s = s[start : end+1]
			}
		}
	}
	return s
}
