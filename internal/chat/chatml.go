package chat

import (
	"fmt"
	"strings"

	"github.com/o2ter/LangVector/internal/tokenizer"
)

const (
	chatMLStart = "<|im_start|>"
	chatMLEnd   = "<|im_end|>"
)

// ChatML renders <|im_start|>role ... <|im_end|> turns. Calls use
// <tool_call> blocks and results are tool turns wrapped in
// <tool_response>.
type ChatML struct{}

func (ChatML) Name() string { return "chatml" }

func (ChatML) AddBOS() bool { return true }

func (ChatML) StopTriggers(v *tokenizer.Vocab) []string {
	return vocabStops(v, chatMLEnd)
}

func (ChatML) Render(opts Options) (string, error) {
	var b strings.Builder
	msgs := opts.Messages

	var system string
	if len(msgs) > 0 && msgs[0].Role == RoleSystem {
		system = msgs[0].Content
		msgs = msgs[1:]
	}
	if len(opts.Functions) > 0 {
		parts := make([]string, 0, len(opts.Functions))
		for _, fn := range opts.Functions {
			j, err := jsonString(map[string]any{
				"name":        fn.Name,
				"description": fn.Description,
				"parameters":  fn.Params,
			})
			if err != nil {
				return "", fmt.Errorf("chatml: function %s: %w", fn.Name, err)
			}
			parts = append(parts, j)
		}
		tools := "List of tools: [" + strings.Join(parts, ", ") + "]"
		if system == "" {
			system = tools
		} else {
			system += "\n" + tools
		}
	}
	if system != "" {
		chatMLTurn(&b, RoleSystem, system)
	}

	for _, m := range msgs {
		switch m.Role {
		case RoleSystem, RoleUser:
			chatMLTurn(&b, m.Role, m.Content)
		case RoleAssistant:
			var content strings.Builder
			content.WriteString(m.Content)
			var results []string
			for _, call := range m.Calls {
				args, err := jsonString(call.Params)
				if err != nil {
					return "", fmt.Errorf("chatml: params of %s: %w", call.Name, err)
				}
				if content.Len() > 0 {
					content.WriteString("\n")
				}
				content.WriteString("<tool_call>\n{\"name\": \"" + call.Name + "\", \"arguments\": " + args + "}\n</tool_call>")
				if call.Result != nil {
					r, err := jsonString(call.Result)
					if err != nil {
						return "", fmt.Errorf("chatml: result of %s: %w", call.Name, err)
					}
					results = append(results, r)
				}
			}
			chatMLTurn(&b, RoleAssistant, content.String())
			for _, r := range results {
				chatMLTurn(&b, RoleTool, "<tool_response>\n"+r+"\n</tool_response>")
			}
		case RoleTool:
			chatMLTurn(&b, RoleTool, "<tool_response>\n"+m.Content+"\n</tool_response>")
		default:
			return "", fmt.Errorf("%w: %q", ErrUnknownRole, m.Role)
		}
	}

	if opts.AddGenerationPrompt {
		b.WriteString(chatMLStart + RoleAssistant + "\n")
	}
	return b.String(), nil
}

func chatMLTurn(b *strings.Builder, role, content string) {
	b.WriteString(chatMLStart)
	b.WriteString(role)
	b.WriteString("\n")
	b.WriteString(content)
	b.WriteString(chatMLEnd)
	b.WriteString("\n")
}
