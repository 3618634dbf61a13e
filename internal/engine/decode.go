package engine

import (
	"errors"
	"fmt"
	"runtime/debug"
	"slices"

	"github.com/o2ter/LangVector/internal/kvcache"
	"github.com/o2ter/LangVector/internal/model"
	"github.com/o2ter/LangVector/internal/tensor"
)

// Decode evaluates b. On success the logits of every row that asked for
// them are available through LogitsAt, and in embeddings mode the output
// rows and pooled sequence embeddings through EmbeddingFor. On failure the
// cache is left as it was before the call.
func (c *Context) Decode(b *Batch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usable(); err != nil {
		return err
	}
	if err := c.decode(b); err != nil {
		c.log.Debug("decode failed", "tokens", b.Len(), "error", err)
		return err
	}
	return nil
}

func (c *Context) validate(b *Batch) error {
	n := b.Len()
	if n == 0 {
		return fmt.Errorf("%w: empty batch", ErrDecodeFailed)
	}
	if n > c.opts.BatchSize {
		return fmt.Errorf("%w: %d tokens, batch size %d", ErrBatchTooLarge, n, c.opts.BatchSize)
	}
	if len(b.Positions) != n || len(b.Seqs) != n || len(b.Logits) != n {
		return fmt.Errorf("%w: inconsistent batch", ErrDecodeFailed)
	}
	if c.weights == nil {
		return fmt.Errorf("%w: %w", ErrDecodeFailed, model.ErrNoWeights)
	}
	vocab := int32(c.model.Vocab().Size())
	for i := range n {
		if b.Tokens[i] < 0 || b.Tokens[i] >= vocab {
			return &decodeError{row: i, err: fmt.Errorf("%w: token %d outside vocabulary", ErrDecodeFailed, b.Tokens[i])}
		}
		if b.Positions[i] < 0 {
			return &decodeError{row: i, err: fmt.Errorf("%w: negative position %d", ErrDecodeFailed, b.Positions[i])}
		}
		if len(b.Seqs[i]) == 0 {
			return &decodeError{row: i, err: fmt.Errorf("%w: token without sequence", ErrDecodeFailed)}
		}
		for _, s := range b.Seqs[i] {
			if !c.cache.ValidSequence(s) {
				return &decodeError{row: i, err: fmt.Errorf("%w: sequence %d outside [0,%d)", ErrDecodeFailed, s, c.opts.Sequences)}
			}
		}
	}
	return nil
}

func (c *Context) decode(b *Batch) error {
	if err := c.validate(b); err != nil {
		return err
	}
	slots, err := c.cache.FindSlots(b.Len())
	if err != nil {
		if errors.Is(err, kvcache.ErrSlotsExhausted) {
			return fmt.Errorf("%w: %w", ErrCacheSlotExhausted, err)
		}
		return fmt.Errorf("%w: %w", ErrDecodeFailed, err)
	}

	if err := c.forward(b, slots); err != nil {
		c.cache.Release(slots)
		c.resetOutputs()
		return err
	}
	return nil
}

func (c *Context) resetOutputs() {
	c.rows = c.rows[:0]
	c.nOutputs = 0
	c.lastOutput = -1
}

// forward runs the batch token by token. A panic in the kernels is
// reported as a decode failure.
func (c *Context) forward(b *Batch, slots []int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic in forward pass: %v\n%s", ErrDecodeFailed, r, debug.Stack())
		}
	}()

	hp := c.model.Hyperparameters()
	embd := hp.EmbeddingSize
	vocab := c.model.Vocab().Size()
	threads := c.opts.Threads
	if b.Len() > 1 {
		threads = c.opts.BatchThreads
	}

	type pool struct {
		sum   []float32
		count int
		first []float32
		last  []float32
	}
	var pools map[int]*pool
	if c.opts.Embeddings && c.opts.Pooling != model.PoolingNone {
		pools = make(map[int]*pool)
	}

	c.resetOutputs()
	for i := range b.Len() {
		if err := c.cache.Occupy(slots[i], b.Positions[i], b.Seqs[i]); err != nil {
			return &decodeError{row: i, err: fmt.Errorf("%w: %w", ErrDecodeFailed, err)}
		}
		hidden := c.weights.Forward(c.scratch, c.cache, b.Tokens[i], b.Positions[i], slots[i], b.Seqs[i], threads, c.opts.FlashAttention)

		for _, s := range b.Seqs[i] {
			if pools == nil {
				break
			}
			p := pools[s]
			if p == nil {
				p = &pool{sum: make([]float32, embd), first: slices.Clone(hidden)}
				pools[s] = p
			}
			tensor.Add(p.sum, hidden)
			p.count++
			p.last = append(p.last[:0], hidden...)
		}

		row := -1
		if b.Logits[i] {
			row = c.nOutputs
			c.weights.Logits(c.logits[row*vocab:(row+1)*vocab], hidden, threads)
			if c.hidden != nil {
				copy(c.hidden[row*embd:(row+1)*embd], hidden)
			}
			c.nOutputs++
			c.lastOutput = row
		}
		c.rows = append(c.rows, row)
	}

	for s, p := range pools {
		var v []float32
		switch c.opts.Pooling {
		case model.PoolingMean:
			v = p.sum
			tensor.Scale(v, 1/float32(p.count))
		case model.PoolingCLS:
			v = p.first
		case model.PoolingLast:
			v = p.last
		}
		c.seqEmbd[s] = v
	}
	return nil
}

// LogitsAt returns a copy of the logits of batch row i of the last decode.
// i < 0 selects the last row that produced logits.
func (c *Context) LogitsAt(i int) ([]float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usable(); err != nil {
		return nil, err
	}
	row := c.lastOutput
	if i >= 0 {
		if i >= len(c.rows) {
			return nil, fmt.Errorf("%w: batch row %d out of range", ErrNoLogitsAvailable, i)
		}
		row = c.rows[i]
	}
	if row < 0 {
		return nil, ErrNoLogitsAvailable
	}
	vocab := c.model.Vocab().Size()
	return slices.Clone(c.logits[row*vocab : (row+1)*vocab]), nil
}

// LastLogits returns the logits of the last output row.
func (c *Context) LastLogits() ([]float32, error) {
	return c.LogitsAt(-1)
}

// DecodeLast evaluates b and returns a copy of its last logits row in the
// same critical section, so concurrent decodes of other sequences cannot
// replace the outputs in between. A batch without output rows is still
// decoded and reports ErrNoLogitsAvailable.
func (c *Context) DecodeLast(b *Batch) ([]float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usable(); err != nil {
		return nil, err
	}
	if err := c.decode(b); err != nil {
		c.log.Debug("decode failed", "tokens", b.Len(), "error", err)
		return nil, err
	}
	if c.lastOutput < 0 {
		return nil, ErrNoLogitsAvailable
	}
	vocab := c.model.Vocab().Size()
	return slices.Clone(c.logits[c.lastOutput*vocab : (c.lastOutput+1)*vocab]), nil
}
