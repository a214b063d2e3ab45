package lockmgr

import (
	"context"
	"time"

	. "github.com/pingcap/check"
	"github.com/pingcap/errors"
)

var _ = Suite(&testManagerSuite{})

type testManagerSuite struct{}

func newTestManager(waitTimeout time.Duration) *Manager {
	return NewManager(waitTimeout, NewDetector(3*time.Second, 100000, time.Hour))
}

func (s *testManagerSuite) TestLockReentrant(c *C) {
	m := newTestManager(time.Second)
	ctx := context.Background()
	c.Assert(m.Lock(ctx, 1, []byte("a")), IsNil)
	c.Assert(m.Lock(ctx, 1, []byte("a")), IsNil)
	c.Assert(m.Lock(ctx, 1, []byte("b")), IsNil)
	c.Assert(m.Len(), Equals, 2)
	owner, ok := m.Owner([]byte("a"))
	c.Assert(ok, IsTrue)
	c.Assert(owner, Equals, uint64(1))

	m.UnlockAll(1)
	c.Assert(m.Len(), Equals, 0)
	_, ok = m.Owner([]byte("a"))
	c.Assert(ok, IsFalse)
}

func (s *testManagerSuite) TestWaitAndWakeUp(c *C) {
	m := newTestManager(5 * time.Second)
	ctx := context.Background()
	c.Assert(m.Lock(ctx, 1, []byte("k")), IsNil)

	done := make(chan error, 1)
	go func() {
		done <- m.Lock(ctx, 2, []byte("k"))
	}()
	for m.Waiting() == 0 {
		time.Sleep(time.Millisecond)
	}
	m.UnlockAll(1)
	c.Assert(<-done, IsNil)
	owner, _ := m.Owner([]byte("k"))
	c.Assert(owner, Equals, uint64(2))
	c.Assert(m.Waiting(), Equals, 0)
}

func (s *testManagerSuite) TestWaitTimeout(c *C) {
	m := newTestManager(20 * time.Millisecond)
	ctx := context.Background()
	c.Assert(m.Lock(ctx, 1, []byte("k")), IsNil)
	err := m.Lock(ctx, 2, []byte("k"))
	c.Assert(err, Equals, ErrLockWaitTimeout)
	c.Assert(IsRetryable(err), IsTrue)
	c.Assert(IsDeadlock(err), IsFalse)
	c.Assert(m.Waiting(), Equals, 0)
	c.Assert(m.detector.Size(), Equals, uint64(0))
}

func (s *testManagerSuite) TestWaitCanceled(c *C) {
	m := newTestManager(5 * time.Second)
	c.Assert(m.Lock(context.Background(), 1, []byte("k")), IsNil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.Lock(ctx, 2, []byte("k"))
	c.Assert(errors.Cause(err), Equals, context.DeadlineExceeded)
	c.Assert(m.Waiting(), Equals, 0)
}

func (s *testManagerSuite) TestDeadlock(c *C) {
	m := newTestManager(5 * time.Second)
	ctx := context.Background()
	c.Assert(m.Lock(ctx, 1, []byte("a")), IsNil)
	c.Assert(m.Lock(ctx, 2, []byte("b")), IsNil)

	done := make(chan error, 1)
	go func() {
		done <- m.Lock(ctx, 1, []byte("b"))
	}()
	for m.Waiting() == 0 {
		time.Sleep(time.Millisecond)
	}

	err := m.Lock(ctx, 2, []byte("a"))
	c.Assert(IsDeadlock(err), IsTrue)
	c.Assert(IsRetryable(err), IsTrue)
	dl := err.(*ErrDeadlock)
	c.Assert(dl.LockTxn, Equals, uint64(1))
	c.Assert(dl.WaitTxn, Equals, uint64(2))
	c.Assert(string(dl.LockKey), Equals, "a")

	// The victim aborts and txn 1 gets its lock.
	m.UnlockAll(2)
	c.Assert(<-done, IsNil)
	owner, _ := m.Owner([]byte("b"))
	c.Assert(owner, Equals, uint64(1))
}

func (s *testManagerSuite) TestIsDeadlockThroughAnnotation(c *C) {
	err := errors.Annotate(&ErrDeadlock{}, "lock map")
	c.Assert(IsDeadlock(err), IsTrue)
	c.Assert(IsDeadlock(ErrLockWaitTimeout), IsFalse)
	c.Assert(IsRetryable(errors.New("other")), IsFalse)
}
