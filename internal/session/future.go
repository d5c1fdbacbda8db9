package session

import (
	"context"
	"fmt"
	"sync"
)

// Future is the pending result of an offloaded task or a batched item.
type Future struct {
	done chan struct{}

	mu        sync.Mutex
	settled   bool
	res       Result
	err       error
	callbacks []func(Result, error)
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the result is available or ctx ends.
// A wait that ends with ctx returns an error wrapping ErrTimeout; the task
// itself keeps running.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		return Result{}, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	}
}

// OnDone registers fn to run once the result is available.
// If the future is already settled fn runs immediately in the caller.
func (f *Future) OnDone(fn func(Result, error)) {
	f.mu.Lock()
	if f.settled {
		res, err := f.res, f.err
		f.mu.Unlock()
		fn(res, err)
		return
	}
	f.callbacks = append(f.callbacks, fn)
	f.mu.Unlock()
}

// outcome returns the settled result. Only valid once Done is closed.
func (f *Future) outcome() (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.res, f.err
}

// settle stores the outcome. Only the first call has an effect.
func (f *Future) settle(res Result, err error) {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return
	}
	f.settled = true
	f.res, f.err = res, err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, fn := range callbacks {
		fn(res, err)
	}
}
