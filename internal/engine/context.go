// Package engine runs batched decodes of a shared model against a
// per-context KV cache and exposes logits, embeddings and sampling.
package engine

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/o2ter/LangVector/internal/kvcache"
	"github.com/o2ter/LangVector/internal/logger"
	"github.com/o2ter/LangVector/internal/logits"
	"github.com/o2ter/LangVector/internal/model"
	"github.com/o2ter/LangVector/internal/workers"
)

// defaultContextSize applies when neither the caller nor the model name a
// context length.
const defaultContextSize = 512

type Options struct {
	// ContextSize is the number of cache cells. 0 uses the training
	// context of the model.
	ContextSize int
	// BatchSize caps the tokens of one decode. 0 means min(512, ContextSize).
	BatchSize int
	// Sequences is the number of independent sequences. 0 means 1.
	Sequences int
	// Embeddings keeps hidden states of output rows and pooled sequence
	// embeddings.
	Embeddings bool
	// FlashAttention selects the streaming softmax attention kernel.
	FlashAttention bool
	Threads        int
	BatchThreads   int
	// Pooling reduces per-token states to a sequence embedding.
	// PoolingUnspecified uses the model default.
	Pooling model.PoolingType
}

// DefaultOptions leaves every size to the model.
func DefaultOptions() Options {
	return Options{Pooling: model.PoolingUnspecified}
}

// MemoryTracker receives the bytes a context holds.
type MemoryTracker interface {
	Add(delta int64)
}

// MemoryCounter is a MemoryTracker backed by an atomic counter.
type MemoryCounter struct {
	n atomic.Int64
}

func (m *MemoryCounter) Add(delta int64) { m.n.Add(delta) }
func (m *MemoryCounter) Load() int64     { return m.n.Load() }

type Option func(*Context)

// WithPool runs async calls on p. The caller keeps ownership of p.
func WithPool(p *workers.Pool) Option {
	return func(c *Context) { c.pool = p }
}

func WithMemoryTracker(m MemoryTracker) Option {
	return func(c *Context) { c.mem = m }
}

func WithLogger(l logger.Logger) Option {
	return func(c *Context) { c.log = l }
}

// Context owns the decode state of one or more sequences over a shared
// model. All methods are safe for concurrent use and are serialised.
type Context struct {
	id      string
	model   *model.Handle
	weights *model.Weights
	opts    Options

	pool     *workers.Pool
	ownsPool bool
	mem      MemoryTracker
	log      logger.Logger

	mu        sync.Mutex
	disposed  bool
	corrupt   error
	cache     *kvcache.Cache
	scratch   *model.Scratch
	stateSize int64

	// outputs of the last successful decode
	logits     []float32
	hidden     []float32
	rows       []int
	nOutputs   int
	lastOutput int
	seqEmbd    map[int][]float32

	sampler *logits.Sampler
	history *logits.History
}

// New creates a context over h and takes a reference on it. The owner must
// not have disposed h yet.
func New(h *model.Handle, opts Options, options ...Option) (*Context, error) {
	if h.Disposed() {
		return nil, model.ErrModelDisposed
	}
	if err := h.Retain(); err != nil {
		return nil, err
	}
	c := &Context{
		id:         uuid.NewString(),
		model:      h,
		lastOutput: -1,
		seqEmbd:    make(map[int][]float32),
	}
	for _, o := range options {
		o(c)
	}
	if c.log == nil {
		c.log = logger.Default()
	}
	c.log = c.log.With("component", "context", "id", c.id)

	if err := c.init(opts); err != nil {
		h.Release()
		return nil, err
	}
	if c.pool == nil {
		c.pool = workers.NewPool(1)
		c.ownsPool = true
	}
	if c.mem != nil {
		c.mem.Add(c.stateSize)
	}
	c.log.Info("context created",
		"context_size", c.opts.ContextSize,
		"batch_size", c.opts.BatchSize,
		"sequences", c.opts.Sequences,
		"embeddings", c.opts.Embeddings,
		"pooling", c.opts.Pooling.String(),
		"state_bytes", c.stateSize,
	)
	return c, nil
}

func (c *Context) init(opts Options) error {
	h := c.model
	hp := h.Hyperparameters()
	if w, err := h.Weights(); err == nil {
		c.weights = w
	}

	if opts.ContextSize <= 0 {
		opts.ContextSize = hp.ContextLength
	}
	if opts.ContextSize <= 0 {
		opts.ContextSize = defaultContextSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = min(512, opts.ContextSize)
	}
	opts.BatchSize = min(opts.BatchSize, opts.ContextSize)
	if opts.Sequences <= 0 {
		opts.Sequences = 1
	}
	if opts.Threads <= 0 {
		opts.Threads = runtime.NumCPU()
	}
	if opts.BatchThreads <= 0 {
		opts.BatchThreads = opts.Threads
	}
	if opts.Pooling == model.PoolingUnspecified {
		opts.Pooling = hp.Pooling
	}
	if opts.Pooling == model.PoolingUnspecified {
		opts.Pooling = model.PoolingNone
	}
	c.opts = opts

	layers, kvDim, embd := 1, 1, 0
	if c.weights != nil {
		layers, kvDim, embd = hp.BlockCount, hp.KVDim(), hp.EmbeddingSize
	}
	cache, err := kvcache.New(kvcache.Config{
		Cells:        opts.ContextSize,
		Layers:       layers,
		KVDim:        kvDim,
		MaxSequences: opts.Sequences,
	})
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	c.cache = cache
	c.rows = make([]int, 0, opts.BatchSize)
	c.history = logits.NewHistory(opts.ContextSize)

	c.stateSize = cache.Bytes()
	if c.weights != nil {
		vocab := h.Vocab().Size()
		c.scratch = model.NewScratch(hp)
		c.logits = make([]float32, opts.BatchSize*vocab)
		c.stateSize += int64(len(c.logits)) * 4
		if opts.Embeddings {
			c.hidden = make([]float32, opts.BatchSize*embd)
			c.stateSize += int64(len(c.hidden)+opts.Sequences*embd) * 4
		}
	}
	return nil
}

// Dispose waits for the in-flight call, frees the cache and releases the
// model reference. Further calls are no-ops.
func (c *Context) Dispose() {
	if c == nil {
		return
	}
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	c.cache = nil
	c.scratch = nil
	c.logits, c.hidden = nil, nil
	c.seqEmbd = nil
	c.sampler = nil
	c.mu.Unlock()

	if c.mem != nil {
		c.mem.Add(-c.stateSize)
	}
	c.model.Release()
	if c.ownsPool {
		c.pool.Close()
	}
	c.log.Debug("context disposed")
}

func (c *Context) ID() string           { return c.id }
func (c *Context) Model() *model.Handle { return c.model }
func (c *Context) Options() Options     { return c.opts }
func (c *Context) ContextSize() int     { return c.opts.ContextSize }
func (c *Context) BatchSize() int       { return c.opts.BatchSize }
func (c *Context) MaxSequences() int    { return c.opts.Sequences }

// StateSize is the number of bytes accounted to the memory tracker.
func (c *Context) StateSize() int64 { return c.stateSize }

func (c *Context) Disposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposed
}

// usable reports why the context cannot run a call. Callers hold mu.
func (c *Context) usable() error {
	if c.disposed {
		return ErrContextDisposed
	}
	if c.corrupt != nil {
		return fmt.Errorf("%w: %w", ErrCacheCorruption, c.corrupt)
	}
	return nil
}

// UsedCells is the number of occupied cache cells. It is safe on a
// disposed context and reports 0 there.
func (c *Context) UsedCells() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cache == nil {
		return 0
	}
	return c.cache.Used()
}

// SeqPosRange returns the lowest and highest cached position of seq. It is
// safe on a disposed context, where every sequence is empty.
func (c *Context) SeqPosRange(seq int) (lo, hi int32, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cache == nil {
		return 0, 0, false
	}
	return c.cache.SeqPosRange(seq)
}

// RemoveSequence drops all cached positions of seq; seq < 0 clears every
// sequence. It reports false for a sequence id outside the context.
func (c *Context) RemoveSequence(seq int) (bool, error) {
	return c.RemoveRange(seq, 0, -1)
}

// RemoveRange drops positions [start, end) of seq; end < 0 means to the
// end of the sequence.
func (c *Context) RemoveRange(seq int, start, end int32) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usable(); err != nil {
		return false, err
	}
	lo, hi, had := c.cache.SeqPosRange(seq)
	ok := c.cache.RemoveRange(seq, start, end)
	if !ok {
		return false, nil
	}
	switch {
	case seq < 0:
		clear(c.seqEmbd)
	case had && max(start, 0) <= hi && (end < 0 || end > lo):
		// the pooled vector no longer describes the sequence
		delete(c.seqEmbd, seq)
	}
	return true, nil
}

// ShiftRange adds delta to positions [start, end) of seq; seq -1 shifts
// every sequence. An unknown sequence is rejected with ErrInvalidSequence.
// A violated cache invariant poisons the context.
func (c *Context) ShiftRange(seq int, start, end, delta int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usable(); err != nil {
		return err
	}
	if seq != -1 && !c.cache.ValidSequence(seq) {
		return fmt.Errorf("%w: %d", ErrInvalidSequence, seq)
	}
	var rotate kvcache.Rotator
	if c.weights != nil {
		rotate = c.model.RotateKey
	}
	if err := c.cache.ShiftRange(seq, start, end, delta, rotate); err != nil {
		c.corrupt = err
		c.log.Warn("kv cache shift failed, context unusable", "seq", seq, "error", err)
		return fmt.Errorf("%w: %w", ErrCacheCorruption, err)
	}
	return nil
}
