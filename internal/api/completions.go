package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/o2ter/LangVector/internal/inference"
)

func (s *Server) handleCompletions(c *echo.Context) error {
	req, err := decodeJSON[CompletionRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if req.Prompt == "" {
		return writeBadRequest(c, "prompt is required")
	}
	opts, err := s.generateOptions(req.Prompt, req.SamplingParams)
	if err != nil {
		return s.writeFailure(c, err)
	}

	prompt, err := s.rt.Model.Tokenize(req.Prompt, true, true)
	if err != nil {
		return s.writeFailure(c, err)
	}
	budget := s.rt.Context.ContextSize() / s.rt.Context.MaxSequences()
	if len(prompt) > budget {
		return writeBadRequest(c, "prompt exceeds the context of a sequence")
	}

	ctx := c.Request().Context()
	session, release, err := s.openSession(ctx)
	if err != nil {
		return s.writeFailure(c, err)
	}
	defer release()

	resp := CompletionResponse{
		ID:      "cmpl-" + uuid.NewString(),
		Object:  "text_completion",
		Created: s.clock().Unix(),
		Model:   s.modelID,
	}
	if req.Stream {
		return s.streamCompletion(c, session, prompt, opts, resp)
	}

	result, err := session.Generate(ctx, prompt, opts)
	if err != nil {
		return s.writeFailure(c, err)
	}
	reason := finishReason(result.StopReason)
	resp.Choices = []CompletionChoice{{Text: result.Text, FinishReason: &reason}}
	resp.Usage = usage(result)
	resp.StopReason = string(result.StopReason)
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) streamCompletion(c *echo.Context, session *inference.Session, prompt []int32, opts inference.GenerateOptions, resp CompletionResponse) error {
	stream, err := NewSSEStreamWriter(c)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	var sendErr error
	opts.OnText = func(text string) {
		if sendErr != nil {
			return
		}
		chunk := resp
		chunk.Choices = []CompletionChoice{{Text: text}}
		sendErr = stream.Send(chunk)
	}

	result, err := session.Generate(c.Request().Context(), prompt, opts)
	if err != nil {
		s.log.Warn("streamed completion failed", "id", resp.ID, "error", err)
		return stream.Send(map[string]any{"error": ResponseError{Message: err.Error(), Type: "server_error"}})
	}
	if sendErr != nil {
		// client went away
		return nil
	}
	reason := finishReason(result.StopReason)
	final := resp
	final.Choices = []CompletionChoice{{FinishReason: &reason}}
	final.Usage = usage(result)
	final.StopReason = string(result.StopReason)
	if err := stream.Send(final); err != nil {
		return nil
	}
	return stream.Done()
}

// openSession waits for a free sequence and opens a session on it.
// release closes the session and frees the sequence.
func (s *Server) openSession(ctx context.Context) (*inference.Session, func(), error) {
	seq, err := s.acquireSlot(ctx)
	if err != nil {
		return nil, nil, err
	}
	session, err := s.rt.Session(seq)
	if err != nil {
		s.slots.release(seq)
		return nil, nil, err
	}
	release := func() {
		if err := session.Close(); err != nil {
			s.log.Warn("failed to release sequence", "seq", seq, "error", err)
		}
		s.slots.release(seq)
	}
	return session, release, nil
}

func (s *Server) generateOptions(prompt string, req SamplingParams) (inference.GenerateOptions, error) {
	opts := inference.RequestOptions{
		Prompt:           prompt,
		MaxTokens:        req.MaxTokens,
		StopTriggers:     req.Stop,
		Seed:             req.Seed,
		Temperature:      req.Temperature,
		TopK:             req.TopK,
		TopP:             req.TopP,
		MinP:             req.MinP,
		TypicalP:         req.TypicalP,
		RepeatPenalty:    req.RepeatPenalty,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		RepeatLastN:      req.RepeatLastN,
		PenalizeNewline:  req.PenalizeNewline,
	}
	if len(req.LogitBias) > 0 {
		vocab, err := s.rt.Model.VocabSize()
		if err != nil {
			return inference.GenerateOptions{}, err
		}
		opts.Bias = make(map[int32]float32, len(req.LogitBias))
		for key, v := range req.LogitBias {
			id, err := strconv.ParseInt(key, 10, 32)
			if err != nil || id < 0 || int(id) >= vocab {
				return inference.GenerateOptions{}, newInvalidRequest("logit_bias: invalid token id " + strconv.Quote(key))
			}
			opts.Bias[int32(id)] = v
		}
	}
	return inference.ResolveRequest(opts, s.rt.Defaults), nil
}

func finishReason(r inference.StopReason) string {
	switch r {
	case inference.StopMaxTokens:
		return "length"
	case inference.StopAbort:
		return "abort"
	default:
		return "stop"
	}
}

func usage(r inference.Result) *Usage {
	return &Usage{
		PromptTokens:     r.Stats.PromptTokens,
		CompletionTokens: r.Stats.TokensGenerated,
		TotalTokens:      r.Stats.PromptTokens + r.Stats.TokensGenerated,
	}
}
