package lockmgr

import (
	"testing"
	"time"

	. "github.com/pingcap/check"
)

func TestT(t *testing.T) {
	TestingT(t)
}

var _ = Suite(&testDeadlockSuite{})

type testDeadlockSuite struct{}

func (s *testDeadlockSuite) TestDeadlock(c *C) {
	ttl := 50 * time.Millisecond
	urgentSize := uint64(1)
	expireInterval := 100 * time.Millisecond
	detector := NewDetector(ttl, urgentSize, expireInterval)
	err := detector.Detect(1, 2, 100)
	c.Assert(err, IsNil)
	c.Assert(detector.totalSize, Equals, uint64(1))
	err = detector.Detect(2, 3, 200)
	c.Assert(err, IsNil)
	c.Assert(detector.totalSize, Equals, uint64(2))
	err = detector.Detect(3, 1, 300)
	c.Assert(err, NotNil)
	c.Assert(err.Error(), Equals, "deadlock: txn 0 waiting for key \"\" held by txn 0, deadlockKeyHash: 200")
	c.Assert(detector.totalSize, Equals, uint64(2))
	detector.CleanUp(2)
	list2 := detector.waitForMap[2]
	c.Assert(list2, IsNil)
	c.Assert(detector.totalSize, Equals, uint64(1))

	// After cycle is broken, no deadlock now.
	err = detector.Detect(3, 1, 300)
	c.Assert(err, IsNil)
	list3 := detector.waitForMap[3]
	c.Assert(list3.txns.Len(), Equals, 1)
	c.Assert(detector.totalSize, Equals, uint64(2))

	// Different keyHash grows the list.
	err = detector.Detect(3, 1, 400)
	c.Assert(err, IsNil)
	c.Assert(list3.txns.Len(), Equals, 2)
	c.Assert(detector.totalSize, Equals, uint64(3))

	// Same waitFor and key hash doesn't grow the list.
	err = detector.Detect(3, 1, 400)
	c.Assert(err, IsNil)
	c.Assert(list3.txns.Len(), Equals, 2)
	c.Assert(detector.totalSize, Equals, uint64(3))

	detector.CleanUpWaitFor(3, 1, 300)
	c.Assert(list3.txns.Len(), Equals, 1)
	c.Assert(detector.totalSize, Equals, uint64(2))
	detector.CleanUpWaitFor(3, 1, 400)
	c.Assert(detector.totalSize, Equals, uint64(1))
	list3 = detector.waitForMap[3]
	c.Assert(list3, IsNil)

	// after active expire all entries should be removed
	time.Sleep(100 * time.Millisecond)
	detector.activeExpire(time.Now())
	c.Assert(detector.totalSize, Equals, uint64(0))
	c.Assert(detector.Size(), Equals, uint64(0))
}

func (s *testDeadlockSuite) TestExpiredEdgeBreaksCycle(c *C) {
	detector := NewDetector(20*time.Millisecond, 100000, time.Hour)
	c.Assert(detector.Detect(1, 2, 10), IsNil)
	time.Sleep(40 * time.Millisecond)
	// The 1 -> 2 edge is stale, so 2 -> 1 is not a cycle.
	c.Assert(detector.Detect(2, 1, 20), IsNil)
	c.Assert(detector.Size(), Equals, uint64(1))
}

func (s *testDeadlockSuite) TestLongCycle(c *C) {
	detector := NewDetector(time.Minute, 100000, time.Hour)
	for i := uint64(1); i < 10; i++ {
		c.Assert(detector.Detect(i, i+1, i*10), IsNil)
	}
	err := detector.Detect(10, 1, 100)
	c.Assert(err, NotNil)
	c.Assert(err.DeadlockKeyHash, Equals, uint64(90))
	c.Assert(detector.Size(), Equals, uint64(9))
}
