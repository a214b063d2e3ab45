package atomicmap

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pingcap-incubator/tinycache/kv/cache"
	"github.com/pingcap-incubator/tinycache/kv/lockmgr"
	"github.com/pingcap-incubator/tinycache/kv/txn"
	"github.com/pingcap-incubator/tinycache/kv/util/future"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingReplicator struct {
	mu     sync.Mutex
	keys   []string
	deltas []Delta[string, int64]
	err    error
	// failKey limits err to one map when set.
	failKey string
}

func (r *recordingReplicator) Replicate(_ context.Context, mapKey string, d Delta[string, int64]) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil && (r.failKey == "" || r.failKey == mapKey) {
		return r.err
	}
	r.keys = append(r.keys, mapKey)
	r.deltas = append(r.deltas, d)
	return nil
}

type failingLocks struct {
	err   error
	calls int
}

func (l *failingLocks) Lock(context.Context, uint64, []byte) error {
	l.calls++
	return l.err
}

func (l *failingLocks) UnlockAll(uint64) {}

// rollbackWhileLocking completes the first txn that asks for a lock while
// its request is pending, as a concurrent Rollback on another goroutine would.
type rollbackWhileLocking struct {
	*lockmgr.Manager
	fired bool
}

func (l *rollbackWhileLocking) Lock(ctx context.Context, txnID uint64, key []byte) error {
	if t := txn.FromContext(ctx); t != nil && !l.fired {
		l.fired = true
		_ = t.Rollback()
	}
	return l.Manager.Lock(ctx, txnID, key)
}

type testEnv struct {
	store *cache.Store
	locks *lockmgr.Manager
	txns  *txn.Manager
	repl  *recordingReplicator
	maps  *Registry[string, int64]
}

func newTestEnv() *testEnv {
	e := &testEnv{
		store: cache.NewStore(),
		locks: lockmgr.NewManager(500*time.Millisecond, lockmgr.NewDetector(3*time.Second, 1000, time.Minute)),
		repl:  &recordingReplicator{},
	}
	e.txns = txn.NewManager(e.locks)
	e.maps = NewRegistry[string, int64](e.store, e.locks, e.repl)
	return e
}

func (e *testEnv) proxy(t *testing.T, key string) *Proxy[string, int64] {
	p, err := e.maps.Get(key)
	require.NoError(t, err)
	return p
}

func TestRegistryReturnsSameProxy(t *testing.T) {
	e := newTestEnv()
	var wg sync.WaitGroup
	proxies := make([]*Proxy[string, int64], 16)
	for i := range proxies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := e.maps.Get("m")
			assert.NoError(t, err)
			proxies[i] = p
		}(i)
	}
	wg.Wait()
	for _, p := range proxies {
		assert.True(t, proxies[0] == p)
	}
	assert.Equal(t, 1, e.store.Len())
	assert.Equal(t, "m", proxies[0].Key())
	assert.Contains(t, proxies[0].String(), "m")
}

func TestGetAtomicMap(t *testing.T) {
	store := cache.NewStore()
	m, err := GetAtomicMap[string, int64](store, "m", false)
	require.NoError(t, err)
	assert.Nil(t, m)

	m, err = GetAtomicMap[string, int64](store, "m", true)
	require.NoError(t, err)
	require.NotNil(t, m)
	again, err := GetAtomicMap[string, int64](store, "m", true)
	require.NoError(t, err)
	assert.True(t, m == again)

	store.Put("plain", "not a map")
	_, err = GetAtomicMap[string, int64](store, "plain", true)
	assert.Equal(t, ErrNotAtomicMap, errors.Cause(err))

	// Same key, different value type.
	_, err = GetAtomicMap[string, string](store, "m", false)
	assert.Equal(t, ErrNotAtomicMap, errors.Cause(err))

	RemoveAtomicMap(store, "m")
	m, err = GetAtomicMap[string, int64](store, "m", false)
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestWritesWithoutTxn(t *testing.T) {
	e := newTestEnv()
	p := e.proxy(t, "m")
	ctx := context.Background()

	_, existed, err := p.Put(ctx, "a", 1)
	require.NoError(t, err)
	assert.False(t, existed)
	require.NoError(t, p.PutAll(ctx, map[string]int64{"b": 2, "c": 3}))
	old, existed, err := p.Remove(ctx, "c")
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, int64(3), old)

	assert.Equal(t, map[string]int64{"a": 1, "b": 2}, p.Entries(ctx))
	assert.Equal(t, 2, p.Len(ctx))
	assert.True(t, p.ContainsKey(ctx, "a"))
	assert.True(t, p.ContainsValue(ctx, 2, nil))
	assert.ElementsMatch(t, []string{"a", "b"}, p.Keys(ctx))
	assert.ElementsMatch(t, []int64{1, 2}, p.Values(ctx))

	require.NoError(t, p.Clear(ctx))
	assert.True(t, p.IsEmpty(ctx))
	// Nothing is replicated or locked outside a txn.
	assert.Empty(t, e.repl.deltas)
	assert.Equal(t, 0, e.locks.Len())
}

func TestTxnIsolationAndCommit(t *testing.T) {
	e := newTestEnv()
	p := e.proxy(t, "m")
	bg := context.Background()
	_, _, err := p.Put(bg, "a", 1)
	require.NoError(t, err)

	ctx, tx := e.txns.Begin(bg)
	_, _, err = p.Put(ctx, "a", 2)
	require.NoError(t, err)
	_, _, err = p.Put(ctx, "b", 3)
	require.NoError(t, err)

	// The txn sees its own writes, nobody else does.
	v, _ := p.Get(ctx, "a")
	assert.Equal(t, int64(2), v)
	v, _ = p.Get(bg, "a")
	assert.Equal(t, int64(1), v)
	assert.False(t, p.ContainsKey(bg, "b"))

	owner, locked := e.locks.Owner([]byte("m"))
	assert.True(t, locked)
	assert.Equal(t, tx.ID(), owner)

	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, map[string]int64{"a": 2, "b": 3}, p.Entries(bg))
	assert.Equal(t, 0, e.locks.Len())

	require.Len(t, e.repl.deltas, 1)
	assert.Equal(t, "m", e.repl.keys[0])
	assert.Equal(t, 2, e.repl.deltas[0].Len())

	// The finished txn context reads committed state again.
	assert.Equal(t, map[string]int64{"a": 2, "b": 3}, p.Entries(ctx))
}

func TestTxnRollbackDiscards(t *testing.T) {
	e := newTestEnv()
	p := e.proxy(t, "m")
	bg := context.Background()
	require.NoError(t, p.PutAll(bg, map[string]int64{"a": 1}))

	ctx, tx := e.txns.Begin(bg)
	require.NoError(t, p.Clear(ctx))
	assert.True(t, p.IsEmpty(ctx))
	require.NoError(t, tx.Rollback())

	assert.Equal(t, map[string]int64{"a": 1}, p.Entries(bg))
	assert.Empty(t, e.repl.deltas)
	assert.Equal(t, 0, e.locks.Len())
}

func TestLeadingClearIsReplicated(t *testing.T) {
	e := newTestEnv()
	p := e.proxy(t, "m")
	bg := context.Background()
	require.NoError(t, p.PutAll(bg, map[string]int64{"a": 1}))

	ctx, tx := e.txns.Begin(bg)
	require.NoError(t, p.Clear(ctx))
	require.NoError(t, tx.Commit(ctx))

	require.Len(t, e.repl.deltas, 1)
	assert.Equal(t, OpClear, e.repl.deltas[0].Operations()[0].Kind())
	assert.True(t, p.IsEmpty(bg))
}

func TestReadOnlyTxnReplicatesNothing(t *testing.T) {
	e := newTestEnv()
	p := e.proxy(t, "m")
	bg := context.Background()
	require.NoError(t, p.PutAll(bg, map[string]int64{"a": 1}))

	ctx, tx := e.txns.Begin(bg)
	require.NoError(t, p.LockForUpdate(ctx))
	v, ok := p.Get(ctx, "a")
	assert.True(t, ok)
	assert.Equal(t, int64(1), v)
	require.NoError(t, tx.Commit(ctx))

	assert.Empty(t, e.repl.deltas)
	assert.Equal(t, map[string]int64{"a": 1}, p.Entries(bg))
}

func TestPrepareFailureRollsBack(t *testing.T) {
	e := newTestEnv()
	e.repl.err = errors.New("replica down")
	p := e.proxy(t, "m")
	bg := context.Background()

	ctx, tx := e.txns.Begin(bg)
	_, _, err := p.Put(ctx, "a", 1)
	require.NoError(t, err)
	err = tx.Commit(ctx)
	require.Error(t, err)
	assert.Equal(t, e.repl.err, errors.Cause(err))

	assert.True(t, p.IsEmpty(bg))
	assert.Equal(t, 0, e.locks.Len())
	assert.Equal(t, txn.StateRolledBack, tx.State())
}

func TestPrepareFailureRevertsShippedDeltas(t *testing.T) {
	e := newTestEnv()
	e.repl.err = errors.New("replica down")
	e.repl.failKey = "b"
	a, b := e.proxy(t, "a"), e.proxy(t, "b")
	bg := context.Background()

	ctx, tx := e.txns.Begin(bg)
	_, _, err := a.Put(ctx, "x", 1)
	require.NoError(t, err)
	_, _, err = b.Put(ctx, "y", 2)
	require.NoError(t, err)
	require.Error(t, tx.Commit(ctx))

	// a's delta went out before b failed, then its inverse followed.
	require.Equal(t, []string{"a", "a"}, e.repl.keys)
	replica := e.repl.deltas[0].Merge(nil)
	assert.Equal(t, map[string]int64{"x": 1}, replica.Entries())
	e.repl.deltas[1].Merge(replica)
	assert.True(t, replica.IsEmpty())

	assert.True(t, a.IsEmpty(bg))
	assert.True(t, b.IsEmpty(bg))
	assert.Equal(t, 0, e.locks.Len())
}

func TestLockReleasedWhenTxnEndsDuringLock(t *testing.T) {
	e := newTestEnv()
	locks := &rollbackWhileLocking{Manager: e.locks}
	maps := NewRegistry[string, int64](e.store, locks, e.repl)
	p, err := maps.Get("m")
	require.NoError(t, err)
	bg := context.Background()

	ctx, tx := e.txns.Begin(bg)
	_, _, err = p.Put(ctx, "a", 1)
	require.Error(t, err)
	assert.Equal(t, txn.StateRolledBack, tx.State())
	assert.Equal(t, 0, e.locks.Len())
	_, held := e.locks.Owner([]byte("m"))
	assert.False(t, held)

	// Another txn can take the map right away.
	ctx2, tx2 := e.txns.Begin(bg)
	_, _, err = p.Put(ctx2, "a", 2)
	require.NoError(t, err)
	require.NoError(t, tx2.Commit(ctx2))
	assert.Equal(t, map[string]int64{"a": 2}, p.Entries(bg))
}

func TestDeadlockPassesThroughUnchanged(t *testing.T) {
	deadlock := &lockmgr.ErrDeadlock{LockKey: []byte("m"), LockTxn: 1, WaitTxn: 2, DeadlockKeyHash: 42}
	locks := &failingLocks{err: deadlock}
	store := cache.NewStore()
	repl := &recordingReplicator{}
	maps := NewRegistry[string, int64](store, locks, repl)
	txns := txn.NewManager(nil)
	p, err := maps.Get("m")
	require.NoError(t, err)
	bg := context.Background()
	require.NoError(t, p.PutAll(bg, map[string]int64{"a": 1}))

	ctx, tx := txns.Begin(bg)
	_, _, err = p.Put(ctx, "a", 2)
	require.Error(t, err)
	// The very same error value reaches the caller.
	assert.True(t, err == error(deadlock))
	assert.True(t, lockmgr.IsDeadlock(err))

	err = p.Clear(ctx)
	assert.True(t, err == error(deadlock))
	f := p.PutAsync(ctx, "b", 3)
	_, err = f.Get(bg)
	assert.True(t, err == error(deadlock))

	// No local copy was taken and committed state is unchanged.
	_, associated := tx.Lookup("m")
	assert.False(t, associated)
	require.NoError(t, tx.Rollback())
	assert.Equal(t, map[string]int64{"a": 1}, p.Entries(bg))
	assert.Empty(t, repl.deltas)
}

func TestDeadlockBetweenTxns(t *testing.T) {
	e := newTestEnv()
	a, b := e.proxy(t, "a"), e.proxy(t, "b")
	bg := context.Background()

	ctx1, tx1 := e.txns.Begin(bg)
	ctx2, tx2 := e.txns.Begin(bg)
	_, _, err := a.Put(ctx1, "k", 1)
	require.NoError(t, err)
	_, _, err = b.Put(ctx2, "k", 2)
	require.NoError(t, err)

	// tx1 blocks waiting for b.
	errCh := make(chan error, 1)
	go func() {
		_, _, err := b.Put(ctx1, "k", 11)
		errCh <- err
	}()
	for i := 0; i < 100 && e.locks.Waiting() == 0; i++ {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, e.locks.Waiting())

	// tx2 closing the cycle gets the deadlock.
	_, _, err = a.Put(ctx2, "k", 22)
	require.Error(t, err)
	dl, ok := err.(*lockmgr.ErrDeadlock)
	require.True(t, ok)
	assert.Equal(t, tx1.ID(), dl.LockTxn)
	assert.Equal(t, tx2.ID(), dl.WaitTxn)
	require.NoError(t, tx2.Rollback())

	// Releasing tx2's locks lets tx1 proceed.
	require.NoError(t, <-errCh)
	require.NoError(t, tx1.Commit(ctx1))

	v, _ := a.Get(bg, "k")
	assert.Equal(t, int64(1), v)
	v, _ = b.Get(bg, "k")
	assert.Equal(t, int64(11), v)
}

func TestWriteToRemovedMap(t *testing.T) {
	e := newTestEnv()
	p := e.proxy(t, "m")
	bg := context.Background()
	_, _, err := p.Put(bg, "a", 1)
	require.NoError(t, err)

	e.maps.Remove("m")
	_, _, err = p.Put(bg, "a", 2)
	assert.Equal(t, ErrMapRemoved, err)
	assert.True(t, p.IsEmpty(bg))

	// A new map under the same key gets its own proxy.
	fresh := e.proxy(t, "m")
	assert.False(t, fresh == p)
	assert.True(t, fresh.IsEmpty(bg))
}

func TestAsyncWritesReturnCompletedFutures(t *testing.T) {
	e := newTestEnv()
	p := e.proxy(t, "m")
	bg := context.Background()
	_, _, err := p.Put(bg, "a", 1)
	require.NoError(t, err)

	f := p.PutAsync(bg, "a", 2)
	assert.True(t, f.Done())
	calls := 0
	f.AttachListener(func(done future.NotifyingFuture[int64]) {
		calls++
		v, err := done.Get(bg)
		assert.NoError(t, err)
		assert.Equal(t, int64(1), v)
	})
	// The listener ran synchronously, exactly once.
	assert.Equal(t, 1, calls)

	f = p.RemoveAsync(bg, "a")
	v, err := f.Get(bg)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
	assert.True(t, p.IsEmpty(bg))
}

func TestFinishedTxnContextWritesDirectly(t *testing.T) {
	e := newTestEnv()
	p := e.proxy(t, "m")
	bg := context.Background()

	ctx, tx := e.txns.Begin(bg)
	require.NoError(t, tx.Commit(ctx))
	// The finished txn is no longer carried, so the write is immediate.
	_, _, err := p.Put(ctx, "a", 1)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"a": 1}, p.Entries(bg))
	assert.Equal(t, 0, e.locks.Len())
}
