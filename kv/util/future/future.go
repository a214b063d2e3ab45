package future

import (
	"context"
	"sync"

	"github.com/pingcap/errors"
)

// Listener is called once a future is done.
type Listener[T any] func(f NotifyingFuture[T])

// NotifyingFuture is the result of an operation that may finish later.
type NotifyingFuture[T any] interface {
	// Get blocks until the result is available or ctx is done.
	Get(ctx context.Context) (T, error)
	Done() bool
	// AttachListener registers l to be called once the future is done and
	// returns the future itself.
	AttachListener(l Listener[T]) NotifyingFuture[T]
}

// Completed is a future that is already done when it is created. Listeners
// attached to it run synchronously in AttachListener, exactly once.
type Completed[T any] struct {
	value T
	err   error
}

// NewCompleted returns a completed future holding value and err.
func NewCompleted[T any](value T, err error) *Completed[T] {
	return &Completed[T]{value: value, err: err}
}

func (c *Completed[T]) Get(context.Context) (T, error) {
	return c.value, c.err
}

func (c *Completed[T]) Done() bool { return true }

func (c *Completed[T]) AttachListener(l Listener[T]) NotifyingFuture[T] {
	l(c)
	return c
}

// Promise is a future completed by a call to Complete, typically from another
// goroutine.
type Promise[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	value     T
	err       error
	listeners []Listener[T]
}

func NewPromise[T any]() *Promise[T] {
	return &Promise[T]{done: make(chan struct{})}
}

// Complete sets the result and runs the attached listeners. Only the first
// call has an effect; it reports whether it did.
func (p *Promise[T]) Complete(value T, err error) bool {
	p.mu.Lock()
	select {
	case <-p.done:
		p.mu.Unlock()
		return false
	default:
	}
	p.value, p.err = value, err
	listeners := p.listeners
	p.listeners = nil
	close(p.done)
	p.mu.Unlock()

	for _, l := range listeners {
		l(p)
	}
	return true
}

func (p *Promise[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		var zero T
		return zero, errors.Trace(ctx.Err())
	}
}

func (p *Promise[T]) Done() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// AttachListener runs l immediately if p is already done, otherwise when it
// completes.
func (p *Promise[T]) AttachListener(l Listener[T]) NotifyingFuture[T] {
	p.mu.Lock()
	if !p.Done() {
		p.listeners = append(p.listeners, l)
		p.mu.Unlock()
		return p
	}
	p.mu.Unlock()
	l(p)
	return p
}
