package query

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asknote/asknote/provider"
)

type fakeLLM struct {
	response string
	err      error
	prompts  []provider.CompletionRequest
}

func (f *fakeLLM) Complete(_ context.Context, req provider.CompletionRequest) (*provider.Completion, error) {
	f.prompts = append(f.prompts, req)
	if f.err != nil {
		return nil, f.err
	}
	return &provider.Completion{Content: f.response}, nil
}

func TestAnalyzeClearQuestion(t *testing.T) {
	llm := &fakeLLM{response: `{"is_clear": true, "sub_questions": ["What is the capital of France?"], "clarification": ""}`}
	a := NewAnalyzer(llm)

	got, err := a.Analyze(context.Background(), "What is the capital of France?", nil)
	require.NoError(t, err)
	assert.True(t, got.IsClear)
	assert.Equal(t, []string{"What is the capital of France?"}, got.SubQuestions)
	require.Len(t, llm.prompts, 1)
	assert.True(t, llm.prompts[0].JSONMode, "analysis must request JSON mode")
}

func TestAnalyzeAmbiguousQuestion(t *testing.T) {
	llm := &fakeLLM{response: `{"is_clear": false, "sub_questions": [], "clarification": "Which project do you mean?"}`}
	a := NewAnalyzer(llm)

	got, err := a.Analyze(context.Background(), "how does it work", nil)
	require.NoError(t, err)
	assert.False(t, got.IsClear)
	assert.Equal(t, "Which project do you mean?", got.Clarification)
}

func TestAnalyzeCapsSubQuestions(t *testing.T) {
	llm := &fakeLLM{response: `{"is_clear": true, "sub_questions": ["a", "b", "c", "d", "e"]}`}
	a := NewAnalyzer(llm)

	got, err := a.Analyze(context.Background(), "big question", nil)
	require.NoError(t, err)
	assert.Len(t, got.SubQuestions, maxSubQuestions)
}

func TestAnalyzeMalformedFallsBack(t *testing.T) {
	llm := &fakeLLM{response: `certainly! here's my analysis in prose form`}
	a := NewAnalyzer(llm)

	got, err := a.Analyze(context.Background(), "original question", nil)
	require.NoError(t, err)
	assert.True(t, got.IsClear)
	assert.Equal(t, []string{"original question"}, got.SubQuestions)
}

func TestAnalyzeUnclearWithoutClarificationProceeds(t *testing.T) {
	llm := &fakeLLM{response: `{"is_clear": false, "sub_questions": ["something"], "clarification": "  "}`}
	a := NewAnalyzer(llm)

	got, err := a.Analyze(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.True(t, got.IsClear, "unclear without a clarification question must not block answering")
}

func TestAnalyzeIncludesHistory(t *testing.T) {
	llm := &fakeLLM{response: `{"is_clear": true, "sub_questions": ["q"]}`}
	a := NewAnalyzer(llm)

	history := []Message{
		{Role: "user", Content: "tell me about the reactor design"},
		{Role: "assistant", Content: "the reactor uses a closed loop"},
	}
	_, err := a.Analyze(context.Background(), "how is it cooled?", history)
	require.NoError(t, err)
	require.Len(t, llm.prompts, 1)
	assert.Contains(t, llm.prompts[0].Prompt, "reactor design")
	assert.Contains(t, llm.prompts[0].Prompt, "how is it cooled?")
}

func TestAnalyzeNoHistoryOmitsTranscript(t *testing.T) {
	llm := &fakeLLM{response: `{"is_clear": true, "sub_questions": ["q"]}`}
	a := NewAnalyzer(llm)

	_, err := a.Analyze(context.Background(), "plain question", nil)
	require.NoError(t, err)
	assert.NotContains(t, llm.prompts[0].Prompt, "Conversation so far")
}

func TestRewrite(t *testing.T) {
	llm := &fakeLLM{response: `{"queries": ["renewable power sources", "solar panel efficiency"]}`}
	a := NewAnalyzer(llm)

	got, err := a.Rewrite(context.Background(), "green energy",
		[]string{"green energy options", "solar output"})
	require.NoError(t, err)
	assert.Equal(t, []string{"renewable power sources", "solar panel efficiency"}, got)
}

func TestRewriteMalformedKeepsOriginals(t *testing.T) {
	llm := &fakeLLM{response: `not json at all`}
	a := NewAnalyzer(llm)

	attempted := []string{"query one", "query two"}
	got, err := a.Rewrite(context.Background(), "original", attempted)
	require.NoError(t, err)
	assert.Equal(t, attempted, got)
}

func TestRewritePartialResponsePreservesRest(t *testing.T) {
	llm := &fakeLLM{response: `{"queries": ["only one rewrite"]}`}
	a := NewAnalyzer(llm)

	got, err := a.Rewrite(context.Background(), "original", []string{"first", "second"})
	require.NoError(t, err)
	assert.Equal(t, "only one rewrite", got[0])
	assert.Equal(t, "second", got[1])
}

func TestRewriteEmpty(t *testing.T) {
	a := NewAnalyzer(&fakeLLM{})
	got, err := a.Rewrite(context.Background(), "original", nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestExtractJSONFenced(t *testing.T) {
	in := "```json\n{\"is_clear\": true}\n```"
	assert.Equal(t, `{"is_clear": true}`, extractJSON(in))
}

func TestExtractJSONSurroundingProse(t *testing.T) {
	in := `Here you go: {"queries": ["x"]} hope that helps`
	assert.Equal(t, `{"queries": ["x"]}`, extractJSON(in))
}

func TestSummarizeConversationTruncates(t *testing.T) {
	long := strings.Repeat("x", 2000)
	got := summarizeConversation([]Message{{Role: "user", Content: long}})
	assert.Less(t, len(got), 600)
	assert.Contains(t, got, "...")
}
