package convert

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claude-nexus/internal/canonical"
)

func decodeRequest(t *testing.T, body string) *canonical.Request {
	t.Helper()
	var req canonical.Request
	require.NoError(t, json.Unmarshal([]byte(body), &req))
	return &req
}

func TestToOpenAIRequest_PlainText(t *testing.T) {
	req := decodeRequest(t, `{
		"model": "gpt-4o",
		"max_tokens": 100,
		"system": "be terse",
		"messages": [{"role": "user", "content": "hello"}]
	}`)

	out := ToOpenAIRequest(req, nil)
	require.Len(t, out.Messages, 2)
	assert.Equal(t, "system", out.Messages[0].Role)
	assert.Equal(t, "be terse", out.Messages[0].Content)
	assert.Equal(t, "user", out.Messages[1].Role)
	assert.Equal(t, "hello", out.Messages[1].Content)
	require.NotNil(t, out.MaxTokens)
	assert.Equal(t, 100, *out.MaxTokens)
}

func TestToOpenAIRequest_SystemBlockArrayFlattens(t *testing.T) {
	req := decodeRequest(t, `{
		"model": "gpt-4o",
		"system": [{"type":"text","text":"a"},{"type":"text","text":"b"}],
		"messages": [{"role": "user", "content": "hi"}]
	}`)
	out := ToOpenAIRequest(req, nil)
	assert.Equal(t, "a\nb", out.Messages[0].Content)
}

func TestToOpenAIRequest_StopSequenceScalarCollapse(t *testing.T) {
	req := decodeRequest(t, `{"model":"m","messages":[{"role":"user","content":"x"}],"stop_sequences":["END"]}`)
	assert.Equal(t, "END", ToOpenAIRequest(req, nil).Stop)

	req = decodeRequest(t, `{"model":"m","messages":[{"role":"user","content":"x"}],"stop_sequences":["A","B"]}`)
	assert.Equal(t, []string{"A", "B"}, ToOpenAIRequest(req, nil).Stop)

	req = decodeRequest(t, `{"model":"m","messages":[{"role":"user","content":"x"}]}`)
	assert.Nil(t, ToOpenAIRequest(req, nil).Stop)
}

func TestToOpenAIRequest_ImageBecomesDataURI(t *testing.T) {
	req := decodeRequest(t, `{
		"model": "m",
		"messages": [{"role": "user", "content": [
			{"type": "text", "text": "what is this"},
			{"type": "image", "source": {"type": "base64", "media_type": "image/png", "data": "QUJD"}}
		]}]
	}`)
	out := ToOpenAIRequest(req, nil)
	require.Len(t, out.Messages, 1)
	parts, ok := out.Messages[0].Content.([]OpenAIContentPart)
	require.True(t, ok)
	require.Len(t, parts, 2)
	assert.Equal(t, "image_url", parts[1].Type)
	assert.Equal(t, "data:image/png;base64,QUJD", parts[1].ImageURL.URL)
}

func TestToOpenAIRequest_ToolUseAndResult(t *testing.T) {
	req := decodeRequest(t, `{
		"model": "m",
		"messages": [
			{"role": "assistant", "content": [
				{"type": "text", "text": "checking"},
				{"type": "tool_use", "id": "toolu_1", "name": "get_weather", "input": {"city": "SF"}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "toolu_1", "content": "sunny"},
				{"type": "text", "text": "and tomorrow?"}
			]}
		]
	}`)
	out := ToOpenAIRequest(req, nil)
	require.Len(t, out.Messages, 3)

	assert.Equal(t, "assistant", out.Messages[0].Role)
	require.Len(t, out.Messages[0].ToolCalls, 1)
	assert.Equal(t, "toolu_1", out.Messages[0].ToolCalls[0].ID)
	assert.Equal(t, "get_weather", out.Messages[0].ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"city":"SF"}`, out.Messages[0].ToolCalls[0].Function.Arguments)

	// The text block sharing the array with the tool_result is preserved,
	// and the tool message follows it.
	assert.Equal(t, "user", out.Messages[1].Role)
	assert.Equal(t, "and tomorrow?", out.Messages[1].Content)
	assert.Equal(t, "tool", out.Messages[2].Role)
	assert.Equal(t, "toolu_1", out.Messages[2].ToolCallID)
	assert.Equal(t, "sunny", out.Messages[2].Content)
}

func TestToOpenAIRequest_NamelessToolUseSkipped(t *testing.T) {
	req := decodeRequest(t, `{
		"model": "m",
		"messages": [{"role": "assistant", "content": [
			{"type": "tool_use", "id": "toolu_1", "input": {}},
			{"type": "text", "text": "still here"}
		]}]
	}`)
	out := ToOpenAIRequest(req, nil)
	require.Len(t, out.Messages, 1)
	assert.Empty(t, out.Messages[0].ToolCalls)
	assert.Equal(t, "still here", out.Messages[0].Content)
}

func TestToOpenAIRequest_ToolChoiceMapping(t *testing.T) {
	base := `{"model":"m","messages":[{"role":"user","content":"x"}],
		"tools":[{"name":"f","input_schema":{"type":"object"}}],"tool_choice":%s}`

	req := decodeRequest(t, `{"model":"m","messages":[{"role":"user","content":"x"}],"tools":[{"name":"f"}]}`)
	assert.Equal(t, "auto", ToOpenAIRequest(req, nil).ToolChoice)

	req = decodeRequest(t, fmt.Sprintf(base, `"none"`))
	assert.Equal(t, "none", ToOpenAIRequest(req, nil).ToolChoice)

	req = decodeRequest(t, fmt.Sprintf(base, `"any"`))
	assert.Equal(t, "auto", ToOpenAIRequest(req, nil).ToolChoice)

	req = decodeRequest(t, fmt.Sprintf(base, `{"type":"tool","name":"f"}`))
	forced, ok := ToOpenAIRequest(req, nil).ToolChoice.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "function", forced["type"])
}

func TestToOpenAIRequest_SchemaScrubbed(t *testing.T) {
	req := decodeRequest(t, `{
		"model": "m",
		"messages": [{"role":"user","content":"x"}],
		"tools": [{"name": "f", "input_schema": {
			"$schema": "http://json-schema.org/draft-07/schema#",
			"type": "object",
			"properties": {
				"mode": {"const": "fast", "type": "string"},
				"list": {"type": "array", "items": {"$schema": "x", "type": "number"}}
			}
		}}]
	}`)
	out := ToOpenAIRequest(req, nil)
	require.Len(t, out.Tools, 1)
	var schema map[string]any
	require.NoError(t, json.Unmarshal(out.Tools[0].Function.Parameters, &schema))
	assert.NotContains(t, schema, "$schema")
	props := schema["properties"].(map[string]any)
	assert.NotContains(t, props["mode"].(map[string]any), "const")
	items := props["list"].(map[string]any)["items"].(map[string]any)
	assert.NotContains(t, items, "$schema")
	assert.Equal(t, "number", items["type"])
}

func TestToGeminiRequest_Basics(t *testing.T) {
	req := decodeRequest(t, `{
		"model": "gemini-pro",
		"max_tokens": 64,
		"system": "short answers",
		"stop_sequences": ["END"],
		"messages": [
			{"role": "user", "content": "hi"},
			{"role": "assistant", "content": "hello"}
		]
	}`)
	out := ToGeminiRequest(req, nil)
	require.NotNil(t, out.SystemInstruction)
	assert.Equal(t, "short answers", out.SystemInstruction.Parts[0].Text)
	require.Len(t, out.Contents, 2)
	assert.Equal(t, "user", out.Contents[0].Role)
	assert.Equal(t, "model", out.Contents[1].Role)
	assert.Equal(t, []string{"END"}, out.GenerationConfig.StopSequences)
	require.NotNil(t, out.GenerationConfig.MaxTokens)
	assert.Equal(t, 64, *out.GenerationConfig.MaxTokens)
}

func TestToGeminiRequest_ToolResultCorrelatesByName(t *testing.T) {
	req := decodeRequest(t, `{
		"model": "gemini-pro",
		"messages": [
			{"role": "assistant", "content": [
				{"type": "tool_use", "id": "toolu_9", "name": "lookup", "input": {"q": "x"}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "toolu_9", "content": "found it"}
			]}
		]
	}`)
	out := ToGeminiRequest(req, nil)
	require.Len(t, out.Contents, 2)
	require.NotNil(t, out.Contents[0].Parts[0].FunctionCall)
	assert.Equal(t, "lookup", out.Contents[0].Parts[0].FunctionCall.Name)
	require.NotNil(t, out.Contents[1].Parts[0].FunctionResponse)
	assert.Equal(t, "lookup", out.Contents[1].Parts[0].FunctionResponse.Name)
}

func TestToGeminiRequest_ForcedToolChoice(t *testing.T) {
	req := decodeRequest(t, `{
		"model": "gemini-pro",
		"messages": [{"role":"user","content":"x"}],
		"tools": [{"name":"f","input_schema":{"type":"object","additionalProperties":false}}],
		"tool_choice": {"type":"tool","name":"f"}
	}`)
	out := ToGeminiRequest(req, nil)
	require.NotNil(t, out.ToolConfig)
	assert.Equal(t, "ANY", out.ToolConfig.FunctionCallingConfig.Mode)
	assert.Equal(t, []string{"f"}, out.ToolConfig.FunctionCallingConfig.AllowedFunctionNames)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(out.Tools[0].FunctionDeclarations[0].Parameters, &schema))
	assert.NotContains(t, schema, "additionalProperties")
}

