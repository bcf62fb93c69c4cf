// Package convert translates between the canonical Messages protocol and
// the provider-native wire formats (OpenAI chat-completions, Gemini
// generate-content), in both directions.
package convert

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"claude-nexus/internal/canonical"
)

// ToOpenAIRequest builds a chat-completions request from a canonical one.
// Content blocks that cannot be expressed are skipped with a diagnostic,
// never aborting the whole request.
func ToOpenAIRequest(req *canonical.Request, logger *zap.Logger) OpenAIRequest {
	if logger == nil {
		logger = zap.NewNop()
	}
	out := OpenAIRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		out.MaxTokens = &mt
	}
	// A single stop sequence collapses to a scalar; multiple stay an array.
	switch len(req.StopSequences) {
	case 0:
	case 1:
		out.Stop = req.StopSequences[0]
	default:
		out.Stop = req.StopSequences
	}

	if sys := req.SystemText(); sys != "" {
		out.Messages = append(out.Messages, OpenAIMessage{Role: "system", Content: sys})
	}

	for _, msg := range req.Messages {
		role := canonical.CoerceRole(msg.Role)
		var (
			parts     []OpenAIContentPart
			toolCalls []OpenAIToolCall
			tail      []OpenAIMessage
		)
		for _, blk := range msg.Content {
			switch blk.Type {
			case canonical.BlockText:
				parts = append(parts, OpenAIContentPart{Type: "text", Text: blk.Text})
			case canonical.BlockImage:
				if blk.Source == nil || blk.Source.Type != "base64" {
					logger.Warn("skipping image block without base64 source")
					continue
				}
				parts = append(parts, OpenAIContentPart{
					Type: "image_url",
					ImageURL: &OpenAIImageURL{
						URL: "data:" + blk.Source.MediaType + ";base64," + blk.Source.Data,
					},
				})
			case canonical.BlockToolUse:
				if strings.TrimSpace(blk.Name) == "" {
					logger.Warn("skipping tool_use block without a name", zap.String("tool_use_id", blk.ID))
					continue
				}
				args := "{}"
				if len(blk.Input) > 0 {
					args = string(blk.Input)
				}
				toolCalls = append(toolCalls, OpenAIToolCall{
					ID:   blk.ID,
					Type: "function",
					Function: OpenAIFunctionCall{
						Name:      blk.Name,
						Arguments: args,
					},
				})
			case canonical.BlockToolResult:
				// Tool results become their own role-"tool" message. Other
				// blocks in the same array are kept, not discarded.
				tail = append(tail, OpenAIMessage{
					Role:       "tool",
					Content:    contentPayloadToText(blk.Content),
					ToolCallID: blk.ToolUseID,
				})
			default:
				logger.Warn("skipping unrecognized content block", zap.String("type", string(blk.Type)))
			}
		}

		if len(parts) > 0 || len(toolCalls) > 0 {
			m := OpenAIMessage{Role: role, ToolCalls: toolCalls}
			m.Content = collapseParts(parts)
			out.Messages = append(out.Messages, m)
		}
		out.Messages = append(out.Messages, tail...)
	}

	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, OpenAITool{
			Type: "function",
			Function: OpenAIFunctionDef{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  CleanToolSchema(tool.InputSchema),
			},
		})
	}
	if len(out.Tools) > 0 {
		out.ToolChoice = mapToolChoiceOpenAI(req.ToolChoice)
	}
	return out
}

// collapseParts keeps plain-text messages as a bare string, the shape every
// OpenAI-compatible upstream accepts; mixed content stays a part array.
func collapseParts(parts []OpenAIContentPart) any {
	if len(parts) == 0 {
		return nil
	}
	textOnly := true
	var b strings.Builder
	for _, p := range parts {
		if p.Type != "text" {
			textOnly = false
			break
		}
		b.WriteString(p.Text)
	}
	if textOnly {
		return b.String()
	}
	return parts
}

// mapToolChoiceOpenAI: "none" stays "none", every other string means
// "auto"; an object naming a tool forces that function; anything else
// defaults to "auto".
func mapToolChoiceOpenAI(raw json.RawMessage) any {
	if len(raw) == 0 {
		return "auto"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "none" {
			return "none"
		}
		return "auto"
	}
	var obj struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && strings.TrimSpace(obj.Name) != "" {
		return map[string]any{
			"type":     "function",
			"function": map[string]any{"name": obj.Name},
		}
	}
	return "auto"
}

// contentPayloadToText flattens a tool_result content payload, which may be
// a bare string or a block array, into plain text.
func contentPayloadToText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []canonical.ContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var b strings.Builder
		for _, blk := range blocks {
			if blk.Type == canonical.BlockText {
				b.WriteString(blk.Text)
			}
		}
		return b.String()
	}
	return string(raw)
}

// ToGeminiRequest builds a generate-content request from a canonical one.
func ToGeminiRequest(req *canonical.Request, logger *zap.Logger) GeminiRequest {
	if logger == nil {
		logger = zap.NewNop()
	}
	out := GeminiRequest{
		GenerationConfig: &GeminiGenConfig{
			Temperature:   req.Temperature,
			TopP:          req.TopP,
			StopSequences: req.StopSequences,
		},
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		out.GenerationConfig.MaxTokens = &mt
	}
	if sys := req.SystemText(); sys != "" {
		out.SystemInstruction = &GeminiContent{Parts: []GeminiPart{{Text: sys}}}
	}

	// Gemini correlates tool results by function name, not call id, so the
	// id→name pairing is remembered from earlier tool_use blocks.
	toolNameByID := make(map[string]string)

	for _, msg := range req.Messages {
		role := "user"
		if canonical.CoerceRole(msg.Role) == "assistant" {
			role = "model"
		}
		var parts []GeminiPart
		var tail []GeminiContent
		for _, blk := range msg.Content {
			switch blk.Type {
			case canonical.BlockText:
				parts = append(parts, GeminiPart{Text: blk.Text})
			case canonical.BlockImage:
				if blk.Source == nil || blk.Source.Type != "base64" {
					logger.Warn("skipping image block without base64 source")
					continue
				}
				parts = append(parts, GeminiPart{InlineData: &GeminiInlineData{
					MimeType: blk.Source.MediaType,
					Data:     blk.Source.Data,
				}})
			case canonical.BlockToolUse:
				if strings.TrimSpace(blk.Name) == "" {
					logger.Warn("skipping tool_use block without a name", zap.String("tool_use_id", blk.ID))
					continue
				}
				toolNameByID[blk.ID] = blk.Name
				parts = append(parts, GeminiPart{FunctionCall: &GeminiFunctionCall{
					Name: blk.Name,
					Args: blk.Input,
				}})
			case canonical.BlockToolResult:
				name := toolNameByID[blk.ToolUseID]
				if name == "" {
					name = blk.ToolUseID
				}
				resp, _ := json.Marshal(map[string]string{"result": contentPayloadToText(blk.Content)})
				tail = append(tail, GeminiContent{
					Role: "user",
					Parts: []GeminiPart{{FunctionResponse: &GeminiFunctionResp{
						Name:     name,
						Response: resp,
					}}},
				})
			default:
				logger.Warn("skipping unrecognized content block", zap.String("type", string(blk.Type)))
			}
		}
		if len(parts) > 0 {
			out.Contents = append(out.Contents, GeminiContent{Role: role, Parts: parts})
		}
		out.Contents = append(out.Contents, tail...)
	}

	if len(req.Tools) > 0 {
		decls := make([]GeminiFunctionDecl, 0, len(req.Tools))
		for _, tool := range req.Tools {
			decls = append(decls, GeminiFunctionDecl{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  CleanToolSchema(tool.InputSchema, "additionalProperties"),
			})
		}
		out.Tools = []GeminiTool{{FunctionDeclarations: decls}}
		out.ToolConfig = mapToolChoiceGemini(req.ToolChoice)
	}
	return out
}

func mapToolChoiceGemini(raw json.RawMessage) *GeminiToolCfg {
	cfg := &GeminiToolCfg{FunctionCallingConfig: GeminiFnCallingCfg{Mode: "AUTO"}}
	if len(raw) == 0 {
		return cfg
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "none" {
			cfg.FunctionCallingConfig.Mode = "NONE"
		}
		return cfg
	}
	var obj struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && strings.TrimSpace(obj.Name) != "" {
		cfg.FunctionCallingConfig.Mode = "ANY"
		cfg.FunctionCallingConfig.AllowedFunctionNames = []string{obj.Name}
	}
	return cfg
}
