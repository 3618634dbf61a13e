package inference

import "time"

// StopReason tells why a generation ended.
type StopReason string

const (
	StopEOG       StopReason = "eogToken"
	StopTrigger   StopReason = "stopTrigger"
	StopMaxTokens StopReason = "maxTokens"
	StopAbort     StopReason = "abort"
)

type Stats struct {
	PromptTokens    int           `json:"prompt_tokens"`
	ReusedTokens    int           `json:"reused_tokens"`
	TokensGenerated int           `json:"tokens_generated"`
	Duration        time.Duration `json:"duration"`
	TPS             float64       `json:"tps"`
}

type Result struct {
	Text       string     `json:"text"`
	Tokens     []int32    `json:"tokens"`
	StopReason StopReason `json:"stop_reason"`
	// Trigger is the stop trigger that ended generation, if any.
	Trigger string `json:"trigger,omitempty"`
	Stats   Stats  `json:"stats"`
}
