package inference

import (
	"context"
	"errors"
	"fmt"

	"github.com/o2ter/LangVector/internal/engine"
	"github.com/o2ter/LangVector/internal/logger"
	"github.com/o2ter/LangVector/internal/model"
	"github.com/o2ter/LangVector/internal/workers"
)

// Loader describes a model and the context to open over it.
type Loader struct {
	ModelPath string
	Load      model.LoadOptions
	Context   engine.Options
	// Workers sizes the async pool shared by the context. 0 lets the
	// context own a single worker.
	Workers  int
	Defaults GenDefaults
}

// Runtime is a loaded model with one open context. It owns the model
// reference returned by the load until Close.
type Runtime struct {
	Model    *model.Handle
	Context  *engine.Context
	Defaults GenDefaults

	pool *workers.Pool
}

func (l Loader) Open(ctx context.Context) (*Runtime, error) {
	if l.ModelPath == "" {
		return nil, errors.New("inference: model path is required")
	}
	log := logger.FromContext(ctx)
	opts := l.Load
	if opts.Logger == nil {
		opts.Logger = log
	}
	h, err := model.Load(ctx, l.ModelPath, opts)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{Model: h, Defaults: l.Defaults}
	options := []engine.Option{engine.WithLogger(log)}
	if l.Workers > 0 {
		rt.pool = workers.NewPool(l.Workers)
		options = append(options, engine.WithPool(rt.pool))
	}
	c, err := engine.New(h, l.Context, options...)
	if err != nil {
		h.Dispose()
		if rt.pool != nil {
			rt.pool.Close()
		}
		return nil, fmt.Errorf("inference: create context: %w", err)
	}
	rt.Context = c
	return rt, nil
}

// Session opens a session on sequence seq of the runtime context.
func (r *Runtime) Session(seq int, options ...SessionOption) (*Session, error) {
	return NewSession(r.Context, seq, options...)
}

// Close disposes the context and the model. Contexts opened elsewhere on
// the model, such as an Embedder, keep the weights alive until they are
// disposed too.
func (r *Runtime) Close() {
	r.Context.Dispose()
	r.Model.Dispose()
	if r.pool != nil {
		r.pool.Close()
	}
}
