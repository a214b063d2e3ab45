package lockmgr

import (
	"context"
	"sync"
	"time"

	"github.com/dgryski/go-farm"
	"github.com/pingcap-incubator/tinycache/kv/metrics"
	"github.com/pingcap-incubator/tinycache/kv/util/lockwaiter"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Manager grants exclusive, re-entrant key locks to txns. A txn asking for a
// key held by another txn waits until the holder releases all its locks, the
// wait times out, or waiting would deadlock.
type Manager struct {
	mu sync.Mutex
	// Maps each locked key to the txn holding it.
	locks map[string]uint64
	// Keys held per txn, in acquisition order.
	held map[uint64][][]byte

	waiters     *lockwaiter.Manager
	detector    *Detector
	waitTimeout time.Duration
}

func NewManager(waitTimeout time.Duration, detector *Detector) *Manager {
	return &Manager{
		locks:       make(map[string]uint64),
		held:        make(map[uint64][][]byte),
		waiters:     lockwaiter.NewManager(),
		detector:    detector,
		waitTimeout: waitTimeout,
	}
}

// Lock acquires the lock on key for txnID. It returns *ErrDeadlock when
// waiting would close a wait-for cycle, ErrLockWaitTimeout when the holder
// does not release in time, and the context error if ctx is done first.
func (m *Manager) Lock(ctx context.Context, txnID uint64, key []byte) error {
	keyHash := farm.Fingerprint64(key)
	var waitStart time.Time
	for {
		m.mu.Lock()
		owner, locked := m.locks[string(key)]
		if !locked || owner == txnID {
			if !locked {
				k := append([]byte(nil), key...)
				m.locks[string(k)] = txnID
				m.held[txnID] = append(m.held[txnID], k)
			}
			m.mu.Unlock()
			if !waitStart.IsZero() {
				metrics.LockWaitDuration.Observe(time.Since(waitStart).Seconds())
			}
			return nil
		}
		if errDeadlock := m.detector.Detect(txnID, owner, keyHash); errDeadlock != nil {
			m.mu.Unlock()
			errDeadlock.LockKey = append([]byte(nil), key...)
			errDeadlock.LockTxn = owner
			errDeadlock.WaitTxn = txnID
			metrics.DeadlockCounter.Inc()
			log.Warn("deadlock detected",
				zap.Uint64("txn", txnID),
				zap.Uint64("lock-txn", owner),
				zap.ByteString("key", key),
				zap.Uint64("deadlock-key-hash", errDeadlock.DeadlockKeyHash))
			return errDeadlock
		}
		waiter := m.waiters.NewWaiter(txnID, owner, keyHash, m.waitTimeout)
		m.mu.Unlock()

		if waitStart.IsZero() {
			waitStart = time.Now()
		}
		result := waiter.Wait(ctx)
		m.detector.CleanUpWaitFor(txnID, owner, keyHash)
		switch result.Position {
		case lockwaiter.WaitTimeout:
			m.waiters.CleanUp(waiter)
			log.Debug("lock wait timeout", zap.Uint64("txn", txnID), zap.Uint64("lock-txn", owner))
			return ErrLockWaitTimeout
		case lockwaiter.WaitCanceled:
			m.waiters.CleanUp(waiter)
			return errors.Trace(ctx.Err())
		}
	}
}

// UnlockAll releases every lock held by txnID and wakes the txns waiting for
// them.
func (m *Manager) UnlockAll(txnID uint64) {
	m.mu.Lock()
	keys := m.held[txnID]
	delete(m.held, txnID)
	keyHashes := make([]uint64, 0, len(keys))
	for _, key := range keys {
		delete(m.locks, string(key))
		keyHashes = append(keyHashes, farm.Fingerprint64(key))
	}
	m.mu.Unlock()

	m.detector.CleanUp(txnID)
	if len(keyHashes) > 0 {
		m.waiters.WakeUp(txnID, keyHashes)
	}
}

// Owner returns the txn holding key.
func (m *Manager) Owner(key []byte) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, ok := m.locks[string(key)]
	return owner, ok
}

// Len returns the number of locked keys.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

// Waiting returns the number of txns blocked on a lock.
func (m *Manager) Waiting() int {
	return m.waiters.Len()
}
