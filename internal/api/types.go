package api

import (
	"github.com/goccy/go-json"
)

type TokenizeRequest struct {
	Content      string `json:"content"`
	AddSpecial   *bool  `json:"add_special,omitempty"`
	ParseSpecial bool   `json:"parse_special,omitempty"`
	WithPieces   bool   `json:"with_pieces,omitempty"`
}

type TokenPiece struct {
	ID    int32  `json:"id"`
	Piece string `json:"piece"`
}

type TokenizeResponse struct {
	Tokens []int32      `json:"tokens"`
	Pieces []TokenPiece `json:"pieces,omitempty"`
}

type DetokenizeRequest struct {
	Tokens         []int32 `json:"tokens"`
	RemoveSpecial  bool    `json:"remove_special,omitempty"`
	UnparseSpecial bool    `json:"unparse_special,omitempty"`
}

type DetokenizeResponse struct {
	Content string `json:"content"`
}

type CompletionRequest struct {
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream,omitempty"`
	SamplingParams
}

// SamplingParams are the generation controls shared by completions and
// chat completions.
type SamplingParams struct {
	MaxTokens        *int               `json:"max_tokens,omitempty"`
	Stop             StringList         `json:"stop,omitempty"`
	Seed             *int64             `json:"seed,omitempty"`
	Temperature      *float64           `json:"temperature,omitempty"`
	TopK             *int               `json:"top_k,omitempty"`
	TopP             *float64           `json:"top_p,omitempty"`
	MinP             *float64           `json:"min_p,omitempty"`
	TypicalP         *float64           `json:"typical_p,omitempty"`
	RepeatPenalty    *float64           `json:"repeat_penalty,omitempty"`
	RepeatLastN      *int               `json:"repeat_last_n,omitempty"`
	FrequencyPenalty *float64           `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64           `json:"presence_penalty,omitempty"`
	PenalizeNewline  *bool              `json:"penalize_nl,omitempty"`
	LogitBias        map[string]float32 `json:"logit_bias,omitempty"`
}

// ChatCompletionRequest is an OpenAI compatible chat completion request.
type ChatCompletionRequest struct {
	Messages []ChatMessage `json:"messages"`
	Tools    []ChatTool    `json:"tools,omitempty"`
	Stream   bool          `json:"stream,omitempty"`
	SamplingParams
}

type ChatMessage struct {
	Role string `json:"role"`
	// Content is a string or a list of {"type":"text","text":...} parts.
	Content    any            `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCalls  []ChatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type ChatToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ChatFunctionCall `json:"function"`
}

type ChatFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type ChatTool struct {
	Type     string       `json:"type"`
	Function ChatFunction `json:"function"`
}

type ChatFunction struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

type ChatChoice struct {
	Index        int          `json:"index"`
	Message      *ChatMessage `json:"message,omitempty"`
	Delta        *ChatMessage `json:"delta,omitempty"`
	FinishReason *string      `json:"finish_reason"`
}

// ChatCompletionResponse is both the response and, with object
// "chat.completion.chunk", a streamed chunk.
type ChatCompletionResponse struct {
	ID         string       `json:"id"`
	Object     string       `json:"object"`
	Created    int64        `json:"created"`
	Model      string       `json:"model"`
	Choices    []ChatChoice `json:"choices"`
	Usage      *Usage       `json:"usage,omitempty"`
	StopReason string       `json:"stop_reason,omitempty"`
}

type CompletionChoice struct {
	Index        int     `json:"index"`
	Text         string  `json:"text"`
	FinishReason *string `json:"finish_reason"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens"`
}

type CompletionResponse struct {
	ID         string             `json:"id"`
	Object     string             `json:"object"`
	Created    int64              `json:"created"`
	Model      string             `json:"model"`
	Choices    []CompletionChoice `json:"choices"`
	Usage      *Usage             `json:"usage,omitempty"`
	StopReason string             `json:"stop_reason,omitempty"`
}

type EmbeddingRequest struct {
	Input     StringList `json:"input"`
	Normalize string     `json:"normalize,omitempty"`
}

type Embedding struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

type EmbeddingResponse struct {
	Object string      `json:"object"`
	Data   []Embedding `json:"data"`
	Model  string      `json:"model"`
	Usage  Usage       `json:"usage"`
}

type ModelContext struct {
	Size      int `json:"size"`
	BatchSize int `json:"batch_size"`
	Sequences int `json:"sequences"`
}

type ModelResponse struct {
	ID            string       `json:"id"`
	Object        string       `json:"object"`
	Description   string       `json:"description"`
	VocabType     string       `json:"vocab_type"`
	VocabSize     int          `json:"vocab_size"`
	EmbeddingSize int          `json:"embedding_size"`
	TrainContext  int          `json:"train_context"`
	Layers        int          `json:"layers"`
	Parameters    uint64       `json:"parameters"`
	Size          uint64       `json:"size"`
	Context       ModelContext `json:"context"`
}

type HealthResponse struct {
	Status     string `json:"status"`
	SlotsIdle  int    `json:"slots_idle"`
	SlotsTotal int    `json:"slots_total"`
}

// StringList accepts either a JSON string or an array of strings.
type StringList []string

func (l *StringList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*l = StringList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return newInvalidRequest("expected string or array of strings")
	}
	*l = many
	return nil
}
