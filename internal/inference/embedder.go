package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/o2ter/LangVector/internal/engine"
	"github.com/o2ter/LangVector/internal/model"
)

var ErrTooManyTokens = errors.New("number of tokens exceeds batch size")

// Embedder computes sequence embeddings on a private single sequence
// context whose batch covers the whole context.
type Embedder struct {
	mu  sync.Mutex
	ctx *engine.Context
}

type EmbedderOptions struct {
	// ContextSize is also the batch size. 0 uses the training context.
	ContextSize int
	Threads     int
	Pooling     model.PoolingType
}

// DefaultEmbedderOptions uses the training context and the pooling of the
// model.
func DefaultEmbedderOptions() EmbedderOptions {
	return EmbedderOptions{Pooling: model.PoolingUnspecified}
}

func NewEmbedder(h *model.Handle, opts EmbedderOptions, options ...engine.Option) (*Embedder, error) {
	size := opts.ContextSize
	if size <= 0 {
		var err error
		if size, err = h.TrainContextSize(); err != nil {
			return nil, err
		}
	}
	c, err := engine.New(h, engine.Options{
		ContextSize: size,
		BatchSize:   size,
		Sequences:   1,
		Embeddings:  true,
		Threads:     opts.Threads,
		Pooling:     opts.Pooling,
	}, options...)
	if err != nil {
		return nil, err
	}
	return &Embedder{ctx: c}, nil
}

func (e *Embedder) Context() *engine.Context { return e.ctx }

// Embed tokenizes text with special tokens added and returns its
// embedding.
func (e *Embedder) Embed(ctx context.Context, text string, norm engine.Normalization) ([]float32, error) {
	tokens := e.ctx.Model().Vocab().Tokenize(text, true, false)
	return e.EmbedTokens(ctx, tokens, norm)
}

// EmbedTokens evaluates tokens as one batch on a cleared sequence.
func (e *Embedder) EmbedTokens(ctx context.Context, tokens []int32, norm engine.Normalization) ([]float32, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: no tokens", engine.ErrEmbeddingUnavailable)
	}
	if len(tokens) > e.ctx.BatchSize() {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyTokens, len(tokens), e.ctx.BatchSize())
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.ctx.RemoveSequence(0); err != nil {
		return nil, err
	}
	b := engine.NewBatch(len(tokens))
	for i, tok := range tokens {
		if err := b.Add(tok, int32(i), []int{0}, false); err != nil {
			return nil, err
		}
	}
	b.SetLogitsLast()
	if _, err := e.ctx.DecodeAsync(b).Wait(ctx); err != nil {
		return nil, err
	}
	return e.ctx.EmbeddingForAsync(0, norm).Wait(ctx)
}

func (e *Embedder) Close() error {
	e.ctx.Dispose()
	return nil
}
