// Package streamconv is the streaming reconstruction engine. It consumes a
// provider's incremental event stream and re-emits a canonical Messages
// event stream. The engine collects the whole turn first; when a tool call
// shows up anywhere in it, incremental delivery is forfeited for that turn
// and a faithful reconstruction is replayed instead, because JSON repair is
// unreliable against incomplete argument fragments.
package streamconv

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"claude-nexus/internal/canonical"
	"claude-nexus/internal/convert"
	"claude-nexus/internal/gwerr"
	"claude-nexus/internal/jsonrepair"
)

type Engine struct {
	logger *zap.Logger
}

func NewEngine(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{logger: logger}
}

// toolAccumulator gathers one tool call's fragments across chunks. The id
// and name are set once; the argument buffer is append-only until the turn's
// finish signal.
type toolAccumulator struct {
	id        string
	name      string
	fragments []string
}

func (a *toolAccumulator) joined() string {
	return strings.Join(a.fragments, "")
}

// StreamOpenAI reconstructs a canonical event stream from an OpenAI
// chat-completions SSE stream. Any internal failure still produces a valid
// terminator sequence before the error surfaces.
func (e *Engine) StreamOpenAI(ctx context.Context, w io.Writer, r io.Reader, req *canonical.Request) error {
	ew := newEventWriter(w)

	chunks, err := e.collectOpenAI(ctx, r)
	if err != nil {
		e.writeFallback(ew)
		return err
	}

	texts, tools, finish, usage := foldOpenAIChunks(chunks)
	if len(tools) == 0 {
		e.replayText(ew, req.Model, texts, canonical.StopReasonFromOpenAI(finish), usage)
		return nil
	}

	resp := reassembleOpenAI(texts, tools, finish, usage)
	canon := convert.OpenAIToCanonical(resp, req)
	e.emitReconstructed(ew, canon, tools)
	return nil
}

// StreamGemini reconstructs a canonical event stream from a Gemini
// streamGenerateContent SSE stream.
func (e *Engine) StreamGemini(ctx context.Context, w io.Writer, r io.Reader, req *canonical.Request) error {
	ew := newEventWriter(w)

	var (
		texts  []string
		tools  []*toolAccumulator
		finish string
		usage  *convert.GeminiUsage
	)
	br := bufio.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			e.writeFallback(ew)
			return err
		}
		block, rerr := readSSEBlock(br)
		if rerr != nil && rerr != io.EOF {
			e.writeFallback(ew)
			return gwerr.Wrap(gwerr.KindProvider, "read upstream stream", rerr)
		}
		data := extractSSEData(block)
		if data != "" {
			var chunk convert.GeminiResponse
			if err := json.Unmarshal([]byte(data), &chunk); err == nil {
				if chunk.UsageMetadata != nil {
					usage = chunk.UsageMetadata
				}
				if len(chunk.Candidates) > 0 {
					cand := chunk.Candidates[0]
					if cand.FinishReason != "" {
						finish = cand.FinishReason
					}
					for _, p := range cand.Content.Parts {
						if p.Text != "" {
							texts = append(texts, p.Text)
						}
						if p.FunctionCall != nil {
							tools = append(tools, &toolAccumulator{
								id:        "toolu_" + uuid.NewString(),
								name:      p.FunctionCall.Name,
								fragments: []string{string(p.FunctionCall.Args)},
							})
						}
					}
				}
			}
		}
		if rerr == io.EOF {
			break
		}
	}

	var cu *canonical.Usage
	if usage != nil {
		cu = &canonical.Usage{InputTokens: usage.PromptTokenCount, OutputTokens: usage.CandidatesTokenCount}
	}
	if len(tools) == 0 {
		e.replayText(ew, req.Model, texts, canonical.StopReasonFromGemini(finish), cu)
		return nil
	}

	resp := convert.GeminiResponse{
		Candidates:    []convert.GeminiCandidate{{Content: geminiContentFromFold(texts, tools), FinishReason: finish}},
		UsageMetadata: usage,
	}
	canon := convert.GeminiToCanonical(resp, req)
	e.emitReconstructed(ew, canon, tools)
	return nil
}

// collectOpenAI is the COLLECTING state: every chunk is buffered until the
// stream is exhausted. The buffer is deliberately unbounded for the turn.
func (e *Engine) collectOpenAI(ctx context.Context, r io.Reader) ([]convert.OpenAIChunk, error) {
	var chunks []convert.OpenAIChunk
	br := bufio.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		block, err := readSSEBlock(br)
		if err != nil && err != io.EOF {
			return nil, gwerr.Wrap(gwerr.KindProvider, "read upstream stream", err)
		}
		data := extractSSEData(block)
		if data == "[DONE]" {
			return chunks, nil
		}
		if data != "" {
			var chunk convert.OpenAIChunk
			if uerr := json.Unmarshal([]byte(data), &chunk); uerr == nil {
				chunks = append(chunks, chunk)
			} else {
				e.logger.Debug("dropping unparseable chunk", zap.Error(uerr))
			}
		}
		if err == io.EOF {
			return chunks, nil
		}
	}
}

// foldOpenAIChunks folds the buffered chunks: text deltas in arrival order,
// and per tool-call index the accumulated name and argument fragments.
func foldOpenAIChunks(chunks []convert.OpenAIChunk) (texts []string, tools []*toolAccumulator, finish string, usage *canonical.Usage) {
	byIndex := make(map[int]*toolAccumulator)
	indexByID := make(map[string]int)
	nextIndex := 0

	for _, chunk := range chunks {
		if chunk.Usage != nil {
			usage = &canonical.Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			finish = *choice.FinishReason
		}
		if choice.Delta.Content != "" {
			texts = append(texts, choice.Delta.Content)
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx, ok := resolveToolIndex(tc, indexByID, &nextIndex)
			if !ok {
				continue
			}
			acc := byIndex[idx]
			if acc == nil {
				acc = &toolAccumulator{}
				byIndex[idx] = acc
			}
			if tc.ID != "" {
				acc.id = tc.ID
				indexByID[tc.ID] = idx
			}
			if tc.Function.Name != "" && acc.name == "" {
				acc.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				acc.fragments = append(acc.fragments, tc.Function.Arguments)
			}
		}
	}

	idxs := make([]int, 0, len(byIndex))
	for i := range byIndex {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)
	for _, i := range idxs {
		tools = append(tools, byIndex[i])
	}
	return texts, tools, finish, usage
}

// resolveToolIndex finds the accumulator slot for a tool-call delta. The
// provider's explicit index wins; otherwise the call id correlates, and a
// fresh id claims the next slot.
func resolveToolIndex(tc convert.OpenAIToolCallDelta, indexByID map[string]int, nextIndex *int) (int, bool) {
	if tc.Index != nil {
		if *tc.Index >= *nextIndex {
			*nextIndex = *tc.Index + 1
		}
		return *tc.Index, true
	}
	if tc.ID != "" {
		if idx, ok := indexByID[tc.ID]; ok {
			return idx, true
		}
		idx := *nextIndex
		*nextIndex++
		return idx, true
	}
	// No index and no id: append to the most recent slot.
	if *nextIndex > 0 {
		return *nextIndex - 1, true
	}
	return 0, false
}

// reassembleOpenAI builds the complete response the provider would have
// returned without streaming.
func reassembleOpenAI(texts []string, tools []*toolAccumulator, finish string, usage *canonical.Usage) convert.OpenAIResponse {
	msg := convert.OpenAIChoiceMessage{Role: "assistant", Content: strings.Join(texts, "")}
	for _, acc := range tools {
		msg.ToolCalls = append(msg.ToolCalls, convert.OpenAIToolCall{
			ID:   acc.id,
			Type: "function",
			Function: convert.OpenAIFunctionCall{
				Name:      acc.name,
				Arguments: acc.joined(),
			},
		})
	}
	if finish == "" {
		finish = "tool_calls"
	}
	resp := convert.OpenAIResponse{
		Choices: []convert.OpenAIChoice{{Message: msg, FinishReason: finish}},
	}
	if usage != nil {
		resp.Usage = &convert.OpenAIUsage{
			PromptTokens:     usage.InputTokens,
			CompletionTokens: usage.OutputTokens,
			TotalTokens:      usage.InputTokens + usage.OutputTokens,
		}
	}
	return resp
}

func geminiContentFromFold(texts []string, tools []*toolAccumulator) convert.GeminiContent {
	content := convert.GeminiContent{Role: "model"}
	if joined := strings.Join(texts, ""); joined != "" {
		content.Parts = append(content.Parts, convert.GeminiPart{Text: joined})
	}
	for _, acc := range tools {
		content.Parts = append(content.Parts, convert.GeminiPart{
			FunctionCall: &convert.GeminiFunctionCall{
				Name: acc.name,
				Args: jsonrepair.SafeParse(acc.joined(), json.RawMessage(`{}`)),
			},
		})
	}
	return content
}

// replayText is the NO_TOOL_CALLS branch: every buffered text chunk is
// re-emitted incrementally, in arrival order, as canonical text deltas.
func (e *Engine) replayText(ew *eventWriter, model string, texts []string, stop canonical.StopReason, usage *canonical.Usage) {
	msgID := "msg_" + uuid.NewString()
	e.writeMessageStart(ew, msgID, model, usage)

	ew.write("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         0,
		"content_block": map[string]any{"type": "text", "text": ""},
	})
	for _, t := range texts {
		if t == "" {
			continue
		}
		ew.write("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]any{"type": "text_delta", "text": t},
		})
	}
	ew.write("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": 0,
	})
	e.writeMessageEnd(ew, stop, usage)
}

// emitReconstructed is the HAS_TOOL_CALLS branch: the folded, fully repaired
// canonical response is re-expressed as an event sequence, text blocks
// indexed before tool_use blocks.
func (e *Engine) emitReconstructed(ew *eventWriter, resp canonical.Response, tools []*toolAccumulator) {
	e.writeMessageStart(ew, resp.ID, resp.Model, &resp.Usage)

	fragmentsByToolID := make(map[string][]string, len(tools))
	for _, acc := range tools {
		fragmentsByToolID[acc.id] = acc.fragments
	}

	for idx, blk := range resp.Content {
		switch blk.Type {
		case canonical.BlockText:
			ew.write("content_block_start", map[string]any{
				"type":          "content_block_start",
				"index":         idx,
				"content_block": map[string]any{"type": "text", "text": ""},
			})
			ew.write("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": idx,
				"delta": map[string]any{"type": "text_delta", "text": blk.Text},
			})
		case canonical.BlockToolUse:
			ew.write("content_block_start", map[string]any{
				"type":  "content_block_start",
				"index": idx,
				"content_block": map[string]any{
					"type":  "tool_use",
					"id":    blk.ID,
					"name":  blk.Name,
					"input": map[string]any{},
				},
			})
			for _, frag := range e.argumentDeltas(blk, fragmentsByToolID[blk.ID]) {
				ew.write("content_block_delta", map[string]any{
					"type":  "content_block_delta",
					"index": idx,
					"delta": map[string]any{"type": "input_json_delta", "partial_json": frag},
				})
			}
		default:
			e.logger.Warn("unexpected block in reconstructed response", zap.String("type", string(blk.Type)))
			continue
		}
		ew.write("content_block_stop", map[string]any{
			"type":  "content_block_stop",
			"index": idx,
		})
	}
	e.writeMessageEnd(ew, resp.StopReason, &resp.Usage)
}

// argumentDeltas chooses how to re-chunk a tool block's input. When the
// original fragments join into exactly the final input (meaning the
// arguments needed no repair), they replay verbatim, apostrophes and all;
// otherwise the repaired whole goes out as a single delta, since rewriting
// quote characters fragment by fragment can corrupt a string that was
// already valid across the chunk boundary.
func (e *Engine) argumentDeltas(blk canonical.ContentBlock, fragments []string) []string {
	repaired := string(blk.Input)
	if strings.Join(fragments, "") == repaired {
		out := make([]string, 0, len(fragments))
		for _, frag := range fragments {
			if frag == "" {
				continue
			}
			out = append(out, frag)
		}
		return out
	}
	return []string{repaired}
}

func (e *Engine) writeMessageStart(ew *eventWriter, msgID, model string, usage *canonical.Usage) {
	u := map[string]any{"input_tokens": 0, "output_tokens": 0}
	if usage != nil {
		u["input_tokens"] = usage.InputTokens
	}
	ew.write("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            msgID,
			"type":          "message",
			"role":          "assistant",
			"content":       []any{},
			"model":         model,
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         u,
		},
	})
}

func (e *Engine) writeMessageEnd(ew *eventWriter, stop canonical.StopReason, usage *canonical.Usage) {
	out := 0
	if usage != nil {
		out = usage.OutputTokens
	}
	ew.write("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": string(stop), "stop_sequence": nil},
		"usage": map[string]any{"output_tokens": out},
	})
	ew.write("message_stop", map[string]any{"type": "message_stop"})
}

// writeFallback emits the minimal valid terminator sequence so a consumer
// never observes a truncated or protocol-invalid stream.
func (e *Engine) writeFallback(ew *eventWriter) {
	ew.write("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            "msg_" + uuid.NewString(),
			"type":          "message",
			"role":          "assistant",
			"content":       []any{},
			"stop_reason":   "error",
			"stop_sequence": nil,
			"usage":         map[string]any{"input_tokens": 0, "output_tokens": 0},
		},
	})
	ew.write("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": "error"},
	})
	ew.write("message_stop", map[string]any{"type": "message_stop"})
}
