package convert

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claude-nexus/internal/canonical"
)

func textRequest(t *testing.T, text string) *canonical.Request {
	t.Helper()
	return decodeRequest(t, `{"model":"m","messages":[{"role":"user","content":`+mustJSON(text)+`}]}`)
}

func mustJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func TestOpenAIToCanonical_Text(t *testing.T) {
	req := textRequest(t, "say hi")
	resp := OpenAIResponse{
		Choices: []OpenAIChoice{{
			Message:      OpenAIChoiceMessage{Role: "assistant", Content: "hi"},
			FinishReason: "stop",
		}},
		Usage: &OpenAIUsage{PromptTokens: 3, CompletionTokens: 1},
	}
	out := OpenAIToCanonical(resp, req)
	assert.True(t, strings.HasPrefix(out.ID, "msg_"))
	assert.Equal(t, "assistant", out.Role)
	require.Len(t, out.Content, 1)
	assert.Equal(t, canonical.BlockText, out.Content[0].Type)
	assert.Equal(t, "hi", out.Content[0].Text)
	assert.Equal(t, canonical.StopEndTurn, out.StopReason)
	assert.Equal(t, 3, out.Usage.InputTokens)
	assert.Equal(t, 1, out.Usage.OutputTokens)
}

func TestOpenAIToCanonical_EchoRoundTrip(t *testing.T) {
	// Request transform then response transform against an echo provider
	// reproduces the original text.
	req := textRequest(t, "the quick brown fox")
	wire := ToOpenAIRequest(req, nil)
	echoed := choiceText(wire.Messages[0].Content)

	out := OpenAIToCanonical(OpenAIResponse{
		Choices: []OpenAIChoice{{
			Message:      OpenAIChoiceMessage{Role: "assistant", Content: echoed},
			FinishReason: "stop",
		}},
	}, req)
	require.Len(t, out.Content, 1)
	assert.Equal(t, "the quick brown fox", out.Content[0].Text)
}

func TestOpenAIToCanonical_ToolCallArgsRepaired(t *testing.T) {
	req := textRequest(t, "weather")
	resp := OpenAIResponse{
		Choices: []OpenAIChoice{{
			Message: OpenAIChoiceMessage{
				Role: "assistant",
				ToolCalls: []OpenAIToolCall{{
					ID:   "call_1",
					Type: "function",
					Function: OpenAIFunctionCall{
						Name:      "get_weather",
						Arguments: `{'city': 'SF'}`,
					},
				}},
			},
			FinishReason: "tool_calls",
		}},
	}
	out := OpenAIToCanonical(resp, req)
	require.Len(t, out.Content, 1)
	blk := out.Content[0]
	assert.Equal(t, canonical.BlockToolUse, blk.Type)
	assert.Equal(t, "call_1", blk.ID, "tool ids must be preserved verbatim")
	assert.JSONEq(t, `{"city":"SF"}`, string(blk.Input))
	assert.Equal(t, canonical.StopToolUse, out.StopReason)
}

func TestOpenAIToCanonical_UnparseableArgsYieldEmptyObject(t *testing.T) {
	req := textRequest(t, "x")
	resp := OpenAIResponse{
		Choices: []OpenAIChoice{{
			Message: OpenAIChoiceMessage{
				Role: "assistant",
				ToolCalls: []OpenAIToolCall{{
					ID:       "call_1",
					Type:     "function",
					Function: OpenAIFunctionCall{Name: "f", Arguments: "not json at all"},
				}},
			},
			FinishReason: "tool_calls",
		}},
	}
	out := OpenAIToCanonical(resp, req)
	require.Len(t, out.Content, 1)
	assert.JSONEq(t, `{}`, string(out.Content[0].Input))
}

func TestOpenAIToCanonical_MissingUsageEstimated(t *testing.T) {
	req := textRequest(t, "count these tokens for me please")
	resp := OpenAIResponse{
		Choices: []OpenAIChoice{{
			Message:      OpenAIChoiceMessage{Role: "assistant", Content: "done"},
			FinishReason: "stop",
		}},
	}
	out := OpenAIToCanonical(resp, req)
	assert.Greater(t, out.Usage.InputTokens, 0)
	assert.Greater(t, out.Usage.OutputTokens, 0)
}

func TestStopReasonMappingTotal(t *testing.T) {
	cases := map[string]canonical.StopReason{
		"stop":            canonical.StopEndTurn,
		"length":          canonical.StopMaxTokens,
		"tool_calls":      canonical.StopToolUse,
		"content_filter":  canonical.StopEndTurn,
		"banana":          canonical.StopEndTurn,
		"":                canonical.StopEndTurn,
	}
	for finish, want := range cases {
		assert.Equal(t, want, canonical.StopReasonFromOpenAI(finish), "finish=%q", finish)
		// Deterministic: same input, same output.
		assert.Equal(t, want, canonical.StopReasonFromOpenAI(finish), "finish=%q", finish)
	}
	assert.Equal(t, canonical.StopMaxTokens, canonical.StopReasonFromGemini("MAX_TOKENS"))
	assert.Equal(t, canonical.StopEndTurn, canonical.StopReasonFromGemini("SAFETY"))
	assert.Equal(t, canonical.StopEndTurn, canonical.StopReasonFromGemini("whatever"))
}

func TestGeminiToCanonical_TextAndToolCall(t *testing.T) {
	req := textRequest(t, "weather")
	resp := GeminiResponse{
		Candidates: []GeminiCandidate{{
			Content: GeminiContent{
				Role: "model",
				Parts: []GeminiPart{
					{Text: "checking "},
					{Text: "now"},
					{FunctionCall: &GeminiFunctionCall{Name: "get_weather", Args: json.RawMessage(`{"city":"SF"}`)}},
				},
			},
			FinishReason: "STOP",
		}},
		UsageMetadata: &GeminiUsage{PromptTokenCount: 7, CandidatesTokenCount: 4},
	}
	out := GeminiToCanonical(resp, req)
	require.Len(t, out.Content, 2)
	assert.Equal(t, "checking now", out.Content[0].Text)
	assert.Equal(t, canonical.BlockToolUse, out.Content[1].Type)
	assert.True(t, strings.HasPrefix(out.Content[1].ID, "toolu_"))
	assert.JSONEq(t, `{"city":"SF"}`, string(out.Content[1].Input))
	assert.Equal(t, canonical.StopToolUse, out.StopReason)
	assert.Equal(t, 7, out.Usage.InputTokens)
}

func TestGeminiToCanonical_EmptyCandidates(t *testing.T) {
	req := textRequest(t, "x")
	out := GeminiToCanonical(GeminiResponse{}, req)
	assert.Empty(t, out.Content)
	assert.Equal(t, canonical.StopEndTurn, out.StopReason)
	assert.Zero(t, out.Usage.OutputTokens)
}
