package future

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompleted(t *testing.T) {
	f := NewCompleted(42, nil)
	assert.True(t, f.Done())
	v, err := f.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	calls := 0
	var got NotifyingFuture[int]
	ret := f.AttachListener(func(done NotifyingFuture[int]) {
		calls++
		got = done
	})
	// Fired synchronously, exactly once, with the future itself.
	assert.Equal(t, 1, calls)
	assert.True(t, got == NotifyingFuture[int](f))
	assert.True(t, ret == NotifyingFuture[int](f))

	f.AttachListener(func(NotifyingFuture[int]) { calls++ })
	assert.Equal(t, 2, calls)
}

func TestCompletedWithError(t *testing.T) {
	boom := errors.New("boom")
	f := NewCompleted("", boom)
	_, err := f.Get(context.Background())
	assert.Equal(t, boom, err)
}

func TestPromise(t *testing.T) {
	p := NewPromise[int]()
	assert.False(t, p.Done())

	var (
		mu    sync.Mutex
		calls int
	)
	fired := make(chan struct{})
	p.AttachListener(func(f NotifyingFuture[int]) {
		mu.Lock()
		calls++
		mu.Unlock()
		v, err := f.Get(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, 7, v)
		close(fired)
	})

	go func() {
		time.Sleep(10 * time.Millisecond)
		p.Complete(7, nil)
	}()
	v, err := p.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.True(t, p.Done())

	// Later completions are ignored.
	assert.False(t, p.Complete(8, nil))
	v, _ = p.Get(context.Background())
	assert.Equal(t, 7, v)

	<-fired
	// Listeners attached after completion run immediately.
	p.AttachListener(func(NotifyingFuture[int]) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	mu.Lock()
	assert.Equal(t, 2, calls)
	mu.Unlock()
}

func TestPromiseGetCanceled(t *testing.T) {
	p := NewPromise[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.Get(ctx)
	assert.Error(t, err)
	assert.False(t, p.Done())
}
