package utils

import (
	"context"
	"sync"

	"golang.org/x/xerrors"
)

var ErrPoolClosed = xerrors.New("pool is closed")

type task struct {
	ctx  context.Context
	run  func()
	skip func(error)
}

// Pool is a fixed set of workers. Work whose context is already done when a
// worker picks it up is skipped, so cancellation stops new dispatch while
// in-flight work runs to completion.
type Pool struct {
	tasks chan task
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewPool generates num workers
func NewPool(num int) *Pool {
	if num < 1 {
		num = 1
	}
	p := &Pool{tasks: make(chan task)}
	for i := 0; i < num; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for t := range p.tasks {
				if err := t.ctx.Err(); err != nil {
					if t.skip != nil {
						t.skip(err)
					}
					continue
				}
				t.run()
			}
		}()
	}
	return p
}

// Submit blocks until a worker accepts fn or ctx is done.
func (p *Pool) Submit(ctx context.Context, fn func()) error {
	return p.submit(task{ctx: ctx, run: fn})
}

func (p *Pool) submit(t task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	if err := t.ctx.Err(); err != nil {
		return err
	}
	select {
	case p.tasks <- t:
		return nil
	case <-t.ctx.Done():
		return t.ctx.Err()
	}
}

// Close stops accepting work and waits for the workers to drain.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()
	p.wg.Wait()
}

// Future is the pending result of work submitted with Go.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Go runs fn on the pool and returns its future. If the work is never
// dispatched, the future resolves with the reason.
func Go[T any](ctx context.Context, p *Pool, fn func(context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	var once sync.Once
	resolve := func(v T, err error) {
		once.Do(func() {
			f.val, f.err = v, err
			close(f.done)
		})
	}
	err := p.submit(task{
		ctx: ctx,
		run: func() {
			v, err := fn(ctx)
			resolve(v, err)
		},
		skip: func(err error) {
			var zero T
			resolve(zero, err)
		},
	})
	if err != nil {
		var zero T
		resolve(zero, err)
	}
	return f
}

// Wait blocks until the future resolves or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done is closed once the future has resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}
