package api

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/o2ter/LangVector/internal/chat"
	"github.com/o2ter/LangVector/internal/inference"
)

func (s *Server) handleChatCompletions(c *echo.Context) error {
	req, err := decodeJSON[ChatCompletionRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if len(req.Messages) == 0 {
		return writeBadRequest(c, "messages is required")
	}
	history, err := chatOptions(req)
	if err != nil {
		return s.writeFailure(c, err)
	}
	text, err := s.wrapper.Render(history)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	opts, err := s.generateOptions(text, req.SamplingParams)
	if err != nil {
		return s.writeFailure(c, err)
	}
	opts.StopTriggers = slices.Concat(opts.StopTriggers, s.wrapper.StopTriggers(s.rt.Model.Vocab()))

	prompt, err := s.rt.Model.Tokenize(text, s.wrapper.AddBOS(), true)
	if err != nil {
		return s.writeFailure(c, err)
	}
	budget := s.rt.Context.ContextSize() / s.rt.Context.MaxSequences()
	if len(prompt) > budget {
		return writeBadRequest(c, "messages exceed the context of a sequence")
	}

	ctx := c.Request().Context()
	session, release, err := s.openSession(ctx)
	if err != nil {
		return s.writeFailure(c, err)
	}
	defer release()

	resp := ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: s.clock().Unix(),
		Model:   s.modelID,
	}
	if req.Stream {
		resp.Object = "chat.completion.chunk"
		return s.streamChat(c, session, prompt, opts, resp)
	}

	result, err := session.Generate(ctx, prompt, opts)
	if err != nil {
		return s.writeFailure(c, err)
	}
	reason := finishReason(result.StopReason)
	resp.Choices = []ChatChoice{{
		Message:      &ChatMessage{Role: chat.RoleAssistant, Content: result.Text},
		FinishReason: &reason,
	}}
	resp.Usage = usage(result)
	resp.StopReason = string(result.StopReason)
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) streamChat(c *echo.Context, session *inference.Session, prompt []int32, opts inference.GenerateOptions, resp ChatCompletionResponse) error {
	stream, err := NewSSEStreamWriter(c)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	send := func(choice ChatChoice) error {
		chunk := resp
		chunk.Choices = []ChatChoice{choice}
		return stream.Send(chunk)
	}
	sendErr := send(ChatChoice{Delta: &ChatMessage{Role: chat.RoleAssistant, Content: ""}})
	opts.OnText = func(text string) {
		if sendErr != nil {
			return
		}
		sendErr = send(ChatChoice{Delta: &ChatMessage{Content: text}})
	}

	result, err := session.Generate(c.Request().Context(), prompt, opts)
	if err != nil {
		s.log.Warn("streamed chat completion failed", "id", resp.ID, "error", err)
		return stream.Send(map[string]any{"error": ResponseError{Message: err.Error(), Type: "server_error"}})
	}
	if sendErr != nil {
		// client went away
		return nil
	}
	reason := finishReason(result.StopReason)
	final := resp
	final.Choices = []ChatChoice{{Delta: &ChatMessage{}, FinishReason: &reason}}
	final.Usage = usage(result)
	final.StopReason = string(result.StopReason)
	if err := stream.Send(final); err != nil {
		return nil
	}
	return stream.Done()
}

// chatOptions converts an OpenAI style request into a chat history.
// Assistant tool calls become function calls and tool messages keep
// their content as the function result.
func chatOptions(req ChatCompletionRequest) (chat.Options, error) {
	opts := chat.Options{
		Messages:            make([]chat.Message, 0, len(req.Messages)),
		AddGenerationPrompt: true,
	}
	for i, m := range req.Messages {
		text, err := contentText(m.Content)
		if err != nil {
			return chat.Options{}, newInvalidRequest(fmt.Sprintf("messages[%d]: %v", i, err))
		}
		role := m.Role
		switch role {
		case "developer":
			role = chat.RoleSystem
		case chat.RoleSystem, chat.RoleUser, chat.RoleAssistant, chat.RoleTool:
		default:
			return chat.Options{}, newInvalidRequest(fmt.Sprintf("messages[%d]: unknown role %q", i, m.Role))
		}
		msg := chat.Message{Role: role, Content: text}
		for _, tc := range m.ToolCalls {
			call := chat.FunctionCall{Name: tc.Function.Name}
			if args := strings.TrimSpace(tc.Function.Arguments); args != "" {
				if !json.Valid([]byte(args)) {
					return chat.Options{}, newInvalidRequest(fmt.Sprintf("messages[%d]: arguments of %s are not JSON", i, tc.Function.Name))
				}
				call.Params = json.RawMessage(args)
			}
			msg.Calls = append(msg.Calls, call)
		}
		opts.Messages = append(opts.Messages, msg)
	}
	for _, tool := range req.Tools {
		if tool.Type != "" && tool.Type != "function" {
			return chat.Options{}, newInvalidRequest(fmt.Sprintf("unsupported tool type %q", tool.Type))
		}
		opts.Functions = append(opts.Functions, chat.Function{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			Params:      tool.Function.Parameters,
		})
	}
	return opts, nil
}

// contentText flattens a message content that is either a string or a
// list of text parts.
func contentText(content any) (string, error) {
	switch v := content.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []any:
		var b strings.Builder
		for _, part := range v {
			m, ok := part.(map[string]any)
			if !ok {
				return "", errors.New("content part is not an object")
			}
			if typ, _ := m["type"].(string); typ != "text" {
				return "", fmt.Errorf("unsupported content part %q", typ)
			}
			text, _ := m["text"].(string)
			b.WriteString(text)
		}
		return b.String(), nil
	default:
		return "", fmt.Errorf("unsupported content type %T", content)
	}
}
