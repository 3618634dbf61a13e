// Package api serves a loaded model over HTTP.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"golang.org/x/time/rate"

	"github.com/o2ter/LangVector/internal/chat"
	"github.com/o2ter/LangVector/internal/engine"
	"github.com/o2ter/LangVector/internal/inference"
	"github.com/o2ter/LangVector/internal/logger"
	"github.com/o2ter/LangVector/internal/model"
)

const defaultSlotTimeout = 30 * time.Second

type Config struct {
	Runtime *inference.Runtime
	// Embedder serves /v1/embeddings. Nil disables the endpoint.
	Embedder *inference.Embedder
	// Chat renders /v1/chat/completions prompts. Nil picks one from the
	// model vocabulary.
	Chat chat.Wrapper
	// ModelID is reported to clients. Empty uses the model file name.
	ModelID string
	// SlotTimeout bounds the wait for a free sequence.
	SlotTimeout time.Duration
	// RateLimit is requests per second over all clients; 0 disables it.
	RateLimit float64
	Burst     int
	Logger    logger.Logger
}

type Server struct {
	rt          *inference.Runtime
	embedder    *inference.Embedder
	wrapper     chat.Wrapper
	modelID     string
	slots       *slotPool
	slotTimeout time.Duration
	limiter     *rate.Limiter
	log         logger.Logger
	clock       func() time.Time
}

func NewServer(cfg Config) *Server {
	s := &Server{
		rt:          cfg.Runtime,
		embedder:    cfg.Embedder,
		wrapper:     cfg.Chat,
		modelID:     cfg.ModelID,
		slots:       newSlotPool(cfg.Runtime.Context.MaxSequences()),
		slotTimeout: cfg.SlotTimeout,
		limiter:     newLimiter(cfg.RateLimit, cfg.Burst),
		log:         cfg.Logger,
		clock:       time.Now,
	}
	if s.modelID == "" {
		s.modelID = strings.TrimSuffix(filepath.Base(cfg.Runtime.Model.Path()), filepath.Ext(cfg.Runtime.Model.Path()))
	}
	if s.wrapper == nil {
		s.wrapper = chat.ForVocab(cfg.Runtime.Model.Vocab())
	}
	if s.slotTimeout <= 0 {
		s.slotTimeout = defaultSlotTimeout
	}
	if s.log == nil {
		s.log = logger.Discard()
	}
	return s
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/health", s.handleHealth)
	e.GET("/v1/model", s.limited(s.handleModel))
	e.POST("/v1/tokenize", s.limited(s.handleTokenize))
	e.POST("/v1/detokenize", s.limited(s.handleDetokenize))
	e.POST("/v1/completions", s.limited(s.handleCompletions))
	e.POST("/v1/chat/completions", s.limited(s.handleChatCompletions))
	e.POST("/v1/embeddings", s.limited(s.handleEmbeddings))
}

func (s *Server) handleHealth(c *echo.Context) error {
	status := "ok"
	if s.rt.Context.Disposed() {
		status = "unavailable"
	}
	return c.JSON(http.StatusOK, HealthResponse{
		Status:     status,
		SlotsIdle:  s.slots.idle(),
		SlotsTotal: s.slots.total,
	})
}

// firstErr keeps the first error of a run of model queries.
type firstErr struct{ err error }

func query[T any](f *firstErr, v T, err error) T {
	if f.err == nil {
		f.err = err
	}
	return v
}

func (s *Server) handleModel(c *echo.Context) error {
	h := s.rt.Model
	ctx := s.rt.Context
	var q firstErr
	resp := ModelResponse{
		ID:            s.modelID,
		Object:        "model",
		Description:   query(&q, h.Description()),
		VocabType:     query(&q, h.VocabularyType()).String(),
		VocabSize:     query(&q, h.VocabSize()),
		EmbeddingSize: query(&q, h.EmbeddingSize()),
		TrainContext:  query(&q, h.TrainContextSize()),
		Layers:        query(&q, h.LayerCount()),
		Parameters:    query(&q, h.ParameterCount()),
		Size:          query(&q, h.TotalSize()),
		Context: ModelContext{
			Size:      ctx.ContextSize(),
			BatchSize: ctx.BatchSize(),
			Sequences: ctx.MaxSequences(),
		},
	}
	if q.err != nil {
		return s.writeFailure(c, q.err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleTokenize(c *echo.Context) error {
	req, err := decodeJSON[TokenizeRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	addSpecial := req.AddSpecial == nil || *req.AddSpecial
	tokens, err := s.rt.Model.Tokenize(req.Content, addSpecial, req.ParseSpecial)
	if err != nil {
		return s.writeFailure(c, err)
	}
	resp := TokenizeResponse{Tokens: tokens}
	if req.WithPieces {
		resp.Pieces = make([]TokenPiece, len(tokens))
		for i, id := range tokens {
			piece, err := s.rt.Model.TokenPiece(id, true)
			if err != nil {
				return s.writeFailure(c, err)
			}
			resp.Pieces[i] = TokenPiece{ID: id, Piece: piece}
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDetokenize(c *echo.Context) error {
	req, err := decodeJSON[DetokenizeRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	vocab, err := s.rt.Model.VocabSize()
	if err != nil {
		return s.writeFailure(c, err)
	}
	for _, id := range req.Tokens {
		if id < 0 || int(id) >= vocab {
			return writeBadRequest(c, "token id out of range")
		}
	}
	text, err := s.rt.Model.Detokenize(req.Tokens, req.RemoveSpecial, req.UnparseSpecial)
	if err != nil {
		return s.writeFailure(c, err)
	}
	return c.JSON(http.StatusOK, DetokenizeResponse{Content: text})
}

// acquireSlot waits for a free sequence up to the slot timeout.
func (s *Server) acquireSlot(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.slotTimeout)
	defer cancel()
	return s.slots.acquire(ctx)
}

// writeFailure maps err to a status code and error type.
func (s *Server) writeFailure(c *echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, inference.ErrPromptTooLong),
		errors.Is(err, inference.ErrTooManyTokens),
		errors.Is(err, engine.ErrBatchTooLarge):
		return writeBadRequest(c, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return writeError(c, http.StatusServiceUnavailable, "unavailable_error", "no free sequence slot")
	case errors.Is(err, engine.ErrContextDisposed), errors.Is(err, model.ErrModelDisposed):
		return writeError(c, http.StatusServiceUnavailable, "unavailable_error", err.Error())
	}
	s.log.Error("request failed", "path", c.Request().URL.Path, "error", err)
	return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
