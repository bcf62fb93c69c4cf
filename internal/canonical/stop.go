package canonical

type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopMaxTokens    StopReason = "max_tokens"
	StopToolUse      StopReason = "tool_use"
	StopStopSequence StopReason = "stop_sequence"
)

// openAIFinishReasons maps every OpenAI finish_reason the gateway has seen in
// the wild. The mapping is total: anything absent falls back to end_turn.
var openAIFinishReasons = map[string]StopReason{
	"stop":           StopEndTurn,
	"length":         StopMaxTokens,
	"tool_calls":     StopToolUse,
	"function_call":  StopToolUse,
	"content_filter": StopEndTurn,
}

// geminiFinishReasons covers the Gemini candidate finishReason enum.
var geminiFinishReasons = map[string]StopReason{
	"STOP":       StopEndTurn,
	"MAX_TOKENS": StopMaxTokens,
	"SAFETY":     StopEndTurn,
	"RECITATION": StopEndTurn,
	"OTHER":      StopEndTurn,
}

func StopReasonFromOpenAI(finish string) StopReason {
	if r, ok := openAIFinishReasons[finish]; ok {
		return r
	}
	return StopEndTurn
}

func StopReasonFromGemini(finish string) StopReason {
	if r, ok := geminiFinishReasons[finish]; ok {
		return r
	}
	return StopEndTurn
}
