package chat

import (
	"fmt"
	"strings"

	"github.com/o2ter/LangVector/internal/tokenizer"
)

const (
	llama3BOT         = "<|begin_of_text|>"
	llama3EOT         = "<|eot_id|>"
	llama3EndOfText   = "<|end_of_text|>"
	llama3StartHeader = "<|start_header_id|>"
	llama3EndHeader   = "<|end_header_id|>"
	llama3CallPrefix  = "||call: "
	llama3ResultRole  = "function_call_result"
)

const defaultSystemMessage = "You are a helpful, respectful and honest assistant. Always answer as helpfully as possible.\n" +
	"If a question does not make any sense, or is not factually coherent, explain why instead of answering something not correct.\n" +
	"If you don't know the answer to a question, please don't share false information."

// Llama3 renders the Llama 3 instruct format. Function calls are written
// as "||call: name(params)" assistant turns and their results as
// function_call_result turns.
type Llama3 struct{}

func (Llama3) Name() string { return "llama3" }

// AddBOS is false; the rendered text starts with <|begin_of_text|>.
func (Llama3) AddBOS() bool { return false }

func (Llama3) StopTriggers(v *tokenizer.Vocab) []string {
	return vocabStops(v, llama3EOT, llama3EndOfText)
}

func (Llama3) Render(opts Options) (string, error) {
	var b strings.Builder
	msgs := opts.Messages

	system := defaultSystemMessage
	if len(msgs) > 0 && msgs[0].Role == RoleSystem {
		system = msgs[0].Content
		msgs = msgs[1:]
	}
	if len(opts.Functions) > 0 {
		text, err := functionsSystemText(opts.Functions)
		if err != nil {
			return "", err
		}
		system = joinNonEmpty(system, text)
	}

	b.WriteString(llama3BOT)
	llama3Turn(&b, RoleSystem, system)

	for _, m := range msgs {
		switch m.Role {
		case RoleSystem, RoleUser:
			llama3Turn(&b, m.Role, m.Content)
		case RoleAssistant:
			if m.Content != "" || len(m.Calls) == 0 {
				llama3Turn(&b, RoleAssistant, m.Content)
			}
			for _, call := range m.Calls {
				params, err := jsonString(call.Params)
				if err != nil {
					return "", fmt.Errorf("llama3: params of %s: %w", call.Name, err)
				}
				llama3Turn(&b, RoleAssistant, llama3CallPrefix+call.Name+"("+params+")")
				if call.Result == nil {
					continue
				}
				result, err := jsonString(call.Result)
				if err != nil {
					return "", fmt.Errorf("llama3: result of %s: %w", call.Name, err)
				}
				llama3Turn(&b, llama3ResultRole, result)
			}
		case RoleTool:
			llama3Turn(&b, llama3ResultRole, m.Content)
		default:
			return "", fmt.Errorf("%w: %q", ErrUnknownRole, m.Role)
		}
	}

	if opts.AddGenerationPrompt {
		llama3Header(&b, RoleAssistant)
	}
	return b.String(), nil
}

func llama3Header(b *strings.Builder, role string) {
	b.WriteString(llama3StartHeader)
	b.WriteString(role)
	b.WriteString(llama3EndHeader)
	b.WriteString("\n\n")
}

func llama3Turn(b *strings.Builder, role, content string) {
	llama3Header(b, role)
	b.WriteString(content)
	b.WriteString(llama3EOT)
}

func functionsSystemText(fns []Function) (string, error) {
	var b strings.Builder
	b.WriteString("The assistant calls the provided functions as needed to retrieve information instead of relying on existing knowledge.\n")
	b.WriteString("To fulfill a request, the assistant calls relevant functions in advance when needed before responding to the request, and does not tell the user prior to calling a function.\n")
	b.WriteString("Provided functions:\n```typescript\n")
	for _, fn := range fns {
		if fn.Description != "" {
			for line := range strings.SplitSeq(fn.Description, "\n") {
				b.WriteString("// ")
				b.WriteString(line)
				b.WriteString("\n")
			}
		}
		params := ""
		if fn.Params != nil {
			j, err := jsonString(fn.Params)
			if err != nil {
				return "", fmt.Errorf("llama3: params of %s: %w", fn.Name, err)
			}
			params = "params: " + j
		}
		b.WriteString("function " + fn.Name + "(" + params + ");\n\n")
	}
	b.WriteString("```\n\n")
	b.WriteString("Calling any of the provided functions can be done like this:\n")
	b.WriteString(llama3CallPrefix + `getSomeInfo({"someKey": "someValue"})` + "\n\n")
	b.WriteString("Note that the ||call: prefix is mandatory\n")
	b.WriteString("The assistant does not inform the user about using functions and does not explain anything before calling a function.\n")
	b.WriteString("After calling a function, the raw result appears afterwards and is not part of the conversation\n")
	b.WriteString("To make information be part of the conversation, the assistant paraphrases and repeats the information without the function syntax.")
	return b.String(), nil
}

func joinNonEmpty(parts ...string) string {
	out := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n\n")
}
