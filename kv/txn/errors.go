package txn

import "fmt"

// ErrTxnClosed is returned when a completed transaction is used again.
type ErrTxnClosed struct {
	ID    uint64
	State State
}

func (e *ErrTxnClosed) Error() string {
	return fmt.Sprintf("txn %d is %s", e.ID, e.State)
}
