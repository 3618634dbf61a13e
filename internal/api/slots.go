package api

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// slotPool hands out the sequence ids of the shared context. A request
// holds one id for its whole lifetime.
type slotPool struct {
	sem   *semaphore.Weighted
	mu    sync.Mutex
	free  []int
	total int
}

func newSlotPool(n int) *slotPool {
	p := &slotPool{sem: semaphore.NewWeighted(int64(n)), total: n}
	for seq := n - 1; seq >= 0; seq-- {
		p.free = append(p.free, seq)
	}
	return p
}

// acquire blocks until a sequence is free or ctx is done.
func (p *slotPool) acquire(ctx context.Context) (int, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return -1, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	seq := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return seq, nil
}

func (p *slotPool) release(seq int) {
	p.mu.Lock()
	p.free = append(p.free, seq)
	p.mu.Unlock()
	p.sem.Release(1)
}

func (p *slotPool) idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
