package engine

import (
	"github.com/o2ter/LangVector/internal/logits"
	"github.com/o2ter/LangVector/internal/workers"
)

// submit queues fn on the context pool. A pool closed by Dispose reports
// ErrContextDisposed; a queued call on a disposed context fails the same
// way inside fn.
func submit[T any](c *Context, fn func() (T, error)) *workers.Future[T] {
	f, queued := workers.TryGo(c.pool, fn)
	if !queued && c.Disposed() {
		var zero T
		return workers.Resolved(zero, ErrContextDisposed)
	}
	return f
}

// DecodeAsync runs Decode on the context's pool. b must not be modified
// until the future completes.
func (c *Context) DecodeAsync(b *Batch) *workers.Future[struct{}] {
	return submit(c, func() (struct{}, error) {
		return struct{}{}, c.Decode(b)
	})
}

func (c *Context) SampleAsync(cfg logits.Config) *workers.Future[int32] {
	return submit(c, func() (int32, error) {
		return c.Sample(cfg)
	})
}

func (c *Context) EmbeddingForAsync(seq int, mode Normalization) *workers.Future[[]float32] {
	return submit(c, func() ([]float32, error) {
		return c.EmbeddingFor(seq, mode)
	})
}
