package api

import (
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/o2ter/LangVector/internal/engine"
)

func (s *Server) handleEmbeddings(c *echo.Context) error {
	if s.embedder == nil {
		return writeError(c, http.StatusNotImplemented, "not_implemented_error", "embeddings are not enabled")
	}
	req, err := decodeJSON[EmbeddingRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if len(req.Input) == 0 {
		return writeBadRequest(c, "input is required")
	}
	norm, err := engine.ParseNormalization(req.Normalize)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	ctx := c.Request().Context()
	resp := EmbeddingResponse{Object: "list", Model: s.modelID}
	for i, text := range req.Input {
		tokens, err := s.rt.Model.Tokenize(text, true, false)
		if err != nil {
			return s.writeFailure(c, err)
		}
		v, err := s.embedder.EmbedTokens(ctx, tokens, norm)
		if err != nil {
			return s.writeFailure(c, err)
		}
		resp.Data = append(resp.Data, Embedding{Object: "embedding", Index: i, Embedding: v})
		resp.Usage.PromptTokens += len(tokens)
	}
	resp.Usage.TotalTokens = resp.Usage.PromptTokens
	return c.JSON(http.StatusOK, resp)
}
