package webservice

import (
	"context"
	"sync"
)

// Executor runs a function on a caller-owned context, e.g. a UI loop.
type Executor interface {
	Post(fn func())
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(fn func())

func (f ExecutorFunc) Post(fn func()) { f(fn) }

// Delivery decides where Future callbacks run.
type Delivery struct {
	exec Executor
}

// DeliverBackground runs callbacks on the goroutine completing the future.
var DeliverBackground = Delivery{}

// DeliverOn posts callbacks to exec.
func DeliverOn(exec Executor) Delivery {
	return Delivery{exec: exec}
}

func (d Delivery) run(fn func()) {
	if d.exec == nil {
		fn()
		return
	}
	d.exec.Post(fn)
}

// Future carries the outcome of one logical call.
type Future struct {
	delivery Delivery
	done     chan struct{}

	mu        sync.Mutex
	completed bool
	set       *ResponseSet
	err       error
	callbacks []func(*ResponseSet, error)
}

// NewFuture creates a pending future.
func NewFuture(d Delivery) *Future {
	return &Future{delivery: d, done: make(chan struct{})}
}

// Complete resolves the future. Only the first call has an effect.
func (f *Future) Complete(set *ResponseSet, err error) bool {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return false
	}
	f.completed = true
	f.set, f.err = set, err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb := cb
		f.delivery.run(func() { cb(set, err) })
	}
	return true
}

// Then registers cb. If the future is already resolved cb is delivered
// right away.
func (f *Future) Then(cb func(*ResponseSet, error)) {
	f.mu.Lock()
	if !f.completed {
		f.callbacks = append(f.callbacks, cb)
		f.mu.Unlock()
		return
	}
	set, err := f.set, f.err
	f.mu.Unlock()
	f.delivery.run(func() { cb(set, err) })
}

// Done is closed once the future is resolved.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the future resolves or ctx ends.
func (f *Future) Wait(ctx context.Context) (*ResponseSet, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.set, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
