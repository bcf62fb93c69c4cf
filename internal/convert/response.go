package convert

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"claude-nexus/internal/canonical"
	"claude-nexus/internal/jsonrepair"
	"claude-nexus/internal/tokens"
)

// OpenAIToCanonical maps one complete chat-completions response into the
// canonical shape. Tool-call arguments run through JSON repair before they
// become structured input; absent usage counters fall back to a token
// estimate over the prompt.
func OpenAIToCanonical(resp OpenAIResponse, req *canonical.Request) canonical.Response {
	out := canonical.Response{
		ID:         "msg_" + uuid.NewString(),
		Type:       "message",
		Role:       "assistant",
		Model:      req.Model,
		StopReason: canonical.StopEndTurn,
	}
	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]

	if text := choiceText(choice.Message.Content); text != "" {
		out.Content = append(out.Content, canonical.ContentBlock{
			Type: canonical.BlockText,
			Text: text,
		})
	}
	for _, tc := range choice.Message.ToolCalls {
		if strings.TrimSpace(tc.Function.Name) == "" {
			continue
		}
		out.Content = append(out.Content, canonical.ContentBlock{
			Type:  canonical.BlockToolUse,
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: jsonrepair.SafeParse(tc.Function.Arguments, json.RawMessage(`{}`)),
		})
	}

	out.StopReason = canonical.StopReasonFromOpenAI(choice.FinishReason)
	if len(choice.Message.ToolCalls) > 0 {
		out.StopReason = canonical.StopToolUse
	}

	if resp.Usage != nil {
		out.Usage.InputTokens = resp.Usage.PromptTokens
		out.Usage.OutputTokens = resp.Usage.CompletionTokens
	} else {
		out.Usage.InputTokens = tokens.Estimate(promptText(req))
		out.Usage.OutputTokens = tokens.Estimate(choiceText(choice.Message.Content))
	}
	return out
}

// GeminiToCanonical maps one complete generate-content response into the
// canonical shape. Gemini does not assign call ids, so tool_use blocks get
// fresh ones; the correlation burden falls on the name (see ToGeminiRequest).
func GeminiToCanonical(resp GeminiResponse, req *canonical.Request) canonical.Response {
	out := canonical.Response{
		ID:         "msg_" + uuid.NewString(),
		Type:       "message",
		Role:       "assistant",
		Model:      req.Model,
		StopReason: canonical.StopEndTurn,
	}
	if len(resp.Candidates) == 0 {
		return out
	}
	cand := resp.Candidates[0]

	var text strings.Builder
	hasToolCall := false
	for _, p := range cand.Content.Parts {
		if p.Text != "" {
			text.WriteString(p.Text)
		}
		if p.FunctionCall != nil {
			hasToolCall = true
		}
	}
	if text.Len() > 0 {
		out.Content = append(out.Content, canonical.ContentBlock{
			Type: canonical.BlockText,
			Text: text.String(),
		})
	}
	for _, p := range cand.Content.Parts {
		if p.FunctionCall == nil || strings.TrimSpace(p.FunctionCall.Name) == "" {
			continue
		}
		input := json.RawMessage(`{}`)
		if len(p.FunctionCall.Args) > 0 {
			input = jsonrepair.SafeParse(string(p.FunctionCall.Args), json.RawMessage(`{}`))
		}
		out.Content = append(out.Content, canonical.ContentBlock{
			Type:  canonical.BlockToolUse,
			ID:    "toolu_" + uuid.NewString(),
			Name:  p.FunctionCall.Name,
			Input: input,
		})
	}

	out.StopReason = canonical.StopReasonFromGemini(cand.FinishReason)
	if hasToolCall {
		out.StopReason = canonical.StopToolUse
	}

	if resp.UsageMetadata != nil {
		out.Usage.InputTokens = resp.UsageMetadata.PromptTokenCount
		out.Usage.OutputTokens = resp.UsageMetadata.CandidatesTokenCount
	} else {
		out.Usage.InputTokens = tokens.Estimate(promptText(req))
		out.Usage.OutputTokens = tokens.Estimate(text.String())
	}
	return out
}

// choiceText flattens a chat-completions message content field, which may be
// a string, nil, or a part array.
func choiceText(content any) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return v
	case []any:
		var b strings.Builder
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if m["type"] == "text" {
				if t, ok := m["text"].(string); ok {
					b.WriteString(t)
				}
			}
		}
		return b.String()
	default:
		j, _ := json.Marshal(v)
		return string(j)
	}
}

// promptText joins the request's text for usage estimation.
func promptText(req *canonical.Request) string {
	var b strings.Builder
	b.WriteString(req.SystemText())
	for _, m := range req.Messages {
		for _, blk := range m.Content {
			if blk.Type == canonical.BlockText {
				b.WriteString("\n")
				b.WriteString(blk.Text)
			}
		}
	}
	return b.String()
}
