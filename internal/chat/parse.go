package chat

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// ParseLlama3 reads a rendered Llama 3 history back into messages. Call
// parameters and results come back as json.RawMessage. An unterminated
// final turn is returned as is.
func ParseLlama3(text string) ([]Message, error) {
	rest, ok := strings.CutPrefix(text, llama3BOT)
	if !ok {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidHistory, llama3BOT)
	}

	var out []Message
	for rest != "" {
		var found bool
		if rest, found = strings.CutPrefix(rest, llama3StartHeader); !found {
			return nil, fmt.Errorf("%w: expected a turn header", ErrInvalidHistory)
		}
		role, after, found := strings.Cut(rest, llama3EndHeader)
		if !found {
			return nil, fmt.Errorf("%w: unterminated header", ErrInvalidHistory)
		}
		after = strings.TrimLeft(after, "\n")
		content, next, _ := strings.Cut(after, llama3EOT)
		rest = next

		switch role {
		case RoleSystem, RoleUser:
			out = append(out, Message{Role: role, Content: content})
		case RoleAssistant:
			call, isCall, err := parseLlama3Call(content)
			if err != nil {
				return nil, err
			}
			if !isCall {
				out = append(out, Message{Role: RoleAssistant, Content: content})
				continue
			}
			if n := len(out); n > 0 && out[n-1].Role == RoleAssistant {
				out[n-1].Calls = append(out[n-1].Calls, call)
				continue
			}
			out = append(out, Message{Role: RoleAssistant, Calls: []FunctionCall{call}})
		case llama3ResultRole:
			n := len(out)
			if n == 0 || out[n-1].Role != RoleAssistant || len(out[n-1].Calls) == 0 {
				return nil, fmt.Errorf("%w: function result without a call", ErrInvalidHistory)
			}
			last := &out[n-1].Calls[len(out[n-1].Calls)-1]
			if last.Result != nil {
				return nil, fmt.Errorf("%w: second result for %s", ErrInvalidHistory, last.Name)
			}
			last.Result = json.RawMessage(content)
		default:
			return nil, fmt.Errorf("%w: role %q", ErrInvalidHistory, role)
		}
	}
	return out, nil
}

func parseLlama3Call(content string) (FunctionCall, bool, error) {
	body, ok := strings.CutPrefix(content, llama3CallPrefix)
	if !ok {
		return FunctionCall{}, false, nil
	}
	open := strings.IndexByte(body, '(')
	if open <= 0 || !strings.HasSuffix(body, ")") {
		return FunctionCall{}, false, fmt.Errorf("%w: malformed call %q", ErrInvalidHistory, content)
	}
	call := FunctionCall{Name: body[:open]}
	if params := body[open+1 : len(body)-1]; params != "" {
		call.Params = json.RawMessage(params)
	}
	return call, true, nil
}
