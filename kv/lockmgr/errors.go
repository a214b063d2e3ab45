package lockmgr

import (
	"fmt"

	"github.com/pingcap/errors"
)

// ErrDeadlock is returned when waiting for a lock would close a cycle of txns
// waiting on each other. The txn that receives it should abort and may retry.
type ErrDeadlock struct {
	LockKey []byte
	// LockTxn holds the lock WaitTxn asked for.
	LockTxn         uint64
	WaitTxn         uint64
	DeadlockKeyHash uint64
}

func (e *ErrDeadlock) Error() string {
	return fmt.Sprintf("deadlock: txn %d waiting for key %q held by txn %d, deadlockKeyHash: %d",
		e.WaitTxn, e.LockKey, e.LockTxn, e.DeadlockKeyHash)
}

// ErrRetryable suggests that client may restart the txn.
type ErrRetryable string

func (e ErrRetryable) Error() string {
	return fmt.Sprintf("retryable: %s", string(e))
}

var ErrLockWaitTimeout = ErrRetryable("lock wait timeout")

// IsDeadlock reports whether err, or its cause, is a deadlock.
func IsDeadlock(err error) bool {
	_, ok := errors.Cause(err).(*ErrDeadlock)
	return ok
}

// IsRetryable reports whether the txn that got err may be retried.
func IsRetryable(err error) bool {
	switch errors.Cause(err).(type) {
	case *ErrDeadlock, ErrRetryable:
		return true
	}
	return false
}
