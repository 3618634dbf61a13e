// Package workers runs blocking engine calls on an explicitly owned set of
// goroutines and hands results back through futures.
package workers

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
)

// ErrPoolClosed fails futures submitted after Close.
var ErrPoolClosed = errors.New("workers: pool closed")

// Pool is a fixed set of goroutines consuming a task queue.
type Pool struct {
	tasks chan func()
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
	once   sync.Once
	size   int
}

// NewPool starts n workers. n <= 0 uses one worker per CPU.
func NewPool(n int) *Pool {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	p := &Pool{tasks: make(chan func(), n*4), size: n}
	p.wg.Add(n)
	for range n {
		go func() {
			defer p.wg.Done()
			for task := range p.tasks {
				task()
			}
		}()
	}
	return p
}

func (p *Pool) Size() int { return p.size }

// submit queues task. It reports false once the pool is closed.
func (p *Pool) submit(task func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	p.tasks <- task
	return true
}

// Close stops intake, runs the queued tasks and waits for the workers to
// exit. Calling it again is a no-op.
func (p *Pool) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.tasks)
		p.mu.Unlock()
	})
	p.wg.Wait()
}

// Future is the eventual result of a task.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// Done is closed when the result is available.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Wait blocks until the task finished or ctx is done. Abandoning a wait
// does not cancel the task.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (f *Future[T]) resolve(v T, err error) {
	f.value, f.err = v, err
	close(f.done)
}

// Go runs fn on p. A panic in fn fails the future instead of the process.
func Go[T any](p *Pool, fn func() (T, error)) *Future[T] {
	f, _ := TryGo(p, fn)
	return f
}

// TryGo is Go that also reports whether fn was queued. When it was not,
// the future has already failed with ErrPoolClosed.
func TryGo[T any](p *Pool, fn func() (T, error)) (*Future[T], bool) {
	f := &Future[T]{done: make(chan struct{})}
	task := func() {
		var (
			v   T
			err error
		)
		defer func() {
			if r := recover(); r != nil {
				var zero T
				f.resolve(zero, fmt.Errorf("workers: task panicked: %v\n%s", r, debug.Stack()))
				return
			}
			f.resolve(v, err)
		}()
		v, err = fn()
	}
	if !p.submit(task) {
		var zero T
		f.resolve(zero, ErrPoolClosed)
		return f, false
	}
	return f, true
}

// Resolved returns a future that is already complete.
func Resolved[T any](v T, err error) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	f.resolve(v, err)
	return f
}
