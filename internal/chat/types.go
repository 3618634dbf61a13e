// Package chat renders conversations into the prompt format a model was
// tuned on.
package chat

import (
	"errors"

	"github.com/o2ter/LangVector/internal/tokenizer"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	// RoleTool carries a function result that is not attached to a call.
	RoleTool = "tool"
)

var (
	ErrUnknownRole    = errors.New("chat: unknown role")
	ErrInvalidHistory = errors.New("chat: invalid chat history")
)

// FunctionCall is a call made by the assistant. Result is nil until the
// caller has run the function.
type FunctionCall struct {
	Name   string
	Params any
	Result any
}

type Message struct {
	Role    string
	Content string
	Calls   []FunctionCall
}

// Function describes a callable function offered to the model.
type Function struct {
	Name        string
	Description string
	Params      any
}

type Options struct {
	Messages  []Message
	Functions []Function
	// AddGenerationPrompt ends the prompt with an open assistant turn.
	AddGenerationPrompt bool
}

// Wrapper renders a chat history for one prompt format.
type Wrapper interface {
	Name() string
	Render(opts Options) (string, error)
	// AddBOS reports whether the tokenizer should add its own BOS token
	// in front of the rendered text.
	AddBOS() bool
	// StopTriggers lists texts that end an assistant turn.
	StopTriggers(v *tokenizer.Vocab) []string
}
