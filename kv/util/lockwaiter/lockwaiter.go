package lockwaiter

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Manager keeps, for every lock-holding txn, the queue of txns waiting for it.
type Manager struct {
	mu            sync.Mutex
	waitingQueues map[uint64]*queue
}

func NewManager() *Manager {
	return &Manager{
		waitingQueues: map[uint64]*queue{},
	}
}

type queue struct {
	waiters []*Waiter
}

// getReadyWaiters returns the ready waiters array, and left waiter size in this queue,
// it should be used under map lock protection
func (q *queue) getReadyWaiters(keyHashes []uint64) (readyWaiters []*Waiter, remainSize int) {
	readyWaiters = make([]*Waiter, 0, 8)
	remainedWaiters := q.waiters[:0]
	for _, w := range q.waiters {
		if w.inKeys(keyHashes) {
			readyWaiters = append(readyWaiters, w)
		} else {
			remainedWaiters = append(remainedWaiters, w)
		}
	}
	remainSize = len(remainedWaiters)
	q.waiters = remainedWaiters
	return
}

// removeWaiter removes the correspond waiter from pending array
// it should be used under map lock protection
func (q *queue) removeWaiter(w *Waiter) {
	for i, waiter := range q.waiters {
		if waiter == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			break
		}
	}
}

type Waiter struct {
	timeout time.Duration
	ch      chan WaitResult
	TxnID   uint64
	LockTxn uint64
	KeyHash uint64
}

type Position int

type WaitResult struct {
	Position Position
}

const (
	WaitTimeout  Position = -1
	WaitCanceled Position = -2
)

// Wait blocks until the waiter is woken, its timeout elapses or ctx is done.
func (w *Waiter) Wait(ctx context.Context) WaitResult {
	timer := time.NewTimer(w.timeout)
	defer timer.Stop()
	select {
	case <-timer.C:
		return WaitResult{Position: WaitTimeout}
	case <-ctx.Done():
		return WaitResult{Position: WaitCanceled}
	case result := <-w.ch:
		return result
	}
}

func (w *Waiter) inKeys(keyHashes []uint64) bool {
	idx := sort.Search(len(keyHashes), func(i int) bool {
		return keyHashes[i] >= w.KeyHash
	})
	if idx == len(keyHashes) {
		return false
	}
	return keyHashes[idx] == w.KeyHash
}

// NewWaiter registers txnID as waiting for lockTxn to release the lock with
// keyHash.
func (lw *Manager) NewWaiter(txnID, lockTxn, keyHash uint64, timeout time.Duration) *Waiter {
	// allocate memory before hold the lock.
	q := new(queue)
	q.waiters = make([]*Waiter, 0, 8)
	waiter := &Waiter{
		timeout: timeout,
		ch:      make(chan WaitResult, 1),
		TxnID:   txnID,
		LockTxn: lockTxn,
		KeyHash: keyHash,
	}
	q.waiters = append(q.waiters, waiter)
	lw.mu.Lock()
	if old, ok := lw.waitingQueues[lockTxn]; ok {
		old.waiters = append(old.waiters, waiter)
	} else {
		lw.waitingQueues[lockTxn] = q
	}
	lw.mu.Unlock()
	return waiter
}

// WakeUp wakes up waiters that waiting on the transaction.
func (lw *Manager) WakeUp(txn uint64, keyHashes []uint64) {
	var (
		waiters    []*Waiter
		remainSize int
	)
	lw.mu.Lock()
	q := lw.waitingQueues[txn]
	if q != nil {
		sort.Slice(keyHashes, func(i, j int) bool {
			return keyHashes[i] < keyHashes[j]
		})
		waiters, remainSize = q.getReadyWaiters(keyHashes)
		if remainSize == 0 {
			delete(lw.waitingQueues, txn)
		}
	}
	lw.mu.Unlock()

	// wake up waiters
	if len(waiters) > 0 {
		for i, w := range waiters {
			w.ch <- WaitResult{Position: Position(i)}
		}
		log.Debug("wakeup waiters", zap.Int("count", len(waiters)), zap.Uint64("blocked-by", txn))
	}
}

// CleanUp removes a waiter from waitingQueues when wait timeout.
func (lw *Manager) CleanUp(w *Waiter) {
	lw.mu.Lock()
	q := lw.waitingQueues[w.LockTxn]
	if q != nil {
		q.removeWaiter(w)
		if len(q.waiters) == 0 {
			delete(lw.waitingQueues, w.LockTxn)
		}
	}
	lw.mu.Unlock()
}

// Len returns the number of registered waiters.
func (lw *Manager) Len() int {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	n := 0
	for _, q := range lw.waitingQueues {
		n += len(q.waiters)
	}
	return n
}
