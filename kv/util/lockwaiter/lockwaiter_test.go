package lockwaiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWakeUpMatchingKeys(t *testing.T) {
	m := NewManager()
	w1 := m.NewWaiter(2, 1, 10, time.Second)
	w2 := m.NewWaiter(3, 1, 20, time.Second)
	w3 := m.NewWaiter(4, 1, 30, time.Second)
	assert.Equal(t, 3, m.Len())

	m.WakeUp(1, []uint64{30, 10})
	assert.Equal(t, Position(0), w1.Wait(context.Background()).Position)
	assert.Equal(t, Position(1), w3.Wait(context.Background()).Position)
	assert.Equal(t, 1, m.Len())

	m.CleanUp(w2)
	assert.Equal(t, 0, m.Len())
	// Waking a txn nobody waits for is a no-op.
	m.WakeUp(1, []uint64{20})
}

func TestWaitTimeout(t *testing.T) {
	m := NewManager()
	w := m.NewWaiter(2, 1, 10, 10*time.Millisecond)
	assert.Equal(t, WaitTimeout, w.Wait(context.Background()).Position)
	m.CleanUp(w)
	assert.Equal(t, 0, m.Len())
}

func TestWaitCanceled(t *testing.T) {
	m := NewManager()
	w := m.NewWaiter(2, 1, 10, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, WaitCanceled, w.Wait(ctx).Position)
}
