package atomicmap

import (
	"context"
	"fmt"

	"github.com/pingcap-incubator/tinycache/kv/metrics"
	"github.com/pingcap-incubator/tinycache/kv/txn"
	"github.com/pingcap-incubator/tinycache/kv/util/future"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// LockManager grants a txn exclusive ownership of a key. Lock may fail with a
// deadlock error, which is returned to callers unchanged.
type LockManager interface {
	Lock(ctx context.Context, txnID uint64, key []byte) error
	UnlockAll(txnID uint64)
}

// Replicator ships the delta of a committing txn for the map under mapKey.
type Replicator[K comparable, V any] interface {
	Replicate(ctx context.Context, mapKey string, d Delta[K, V]) error
}

type view[K comparable, V any] interface {
	Len() int
	IsEmpty() bool
	ContainsKey(key K) bool
	ContainsValue(value V, eq func(a, b V) bool) bool
	Get(key K) (V, bool)
	Keys() []K
	Values() []V
	Entries() map[K]V
	Range(fn func(key K, value V) bool)
}

// Proxy routes calls on the map stored under one key. Without a txn in the
// context, reads and writes go to the committed map and writes are not
// replicated. Inside a txn, the first write locks the key, takes a
// transaction-local copy and enlists it with the txn; later calls of that txn
// use the copy. At commit the copy's delta is replicated and its storage
// swapped in; at rollback the copy is dropped.
//
// A Proxy is safe for concurrent use.
type Proxy[K comparable, V any] struct {
	key        string
	m          *AtomicMap[K, V]
	store      Store
	locks      LockManager
	replicator Replicator[K, V]
}

func (p *Proxy[K, V]) Key() string {
	return p.key
}

func (p *Proxy[K, V]) committed() (*AtomicMap[K, V], error) {
	v, ok := p.store.Get(p.key)
	if !ok {
		return nil, ErrMapRemoved
	}
	if m, ok := v.(*AtomicMap[K, V]); !ok || m != p.m {
		return nil, ErrMapRemoved
	}
	return p.m, nil
}

func (p *Proxy[K, V]) view(ctx context.Context) view[K, V] {
	if t := txn.FromContext(ctx); t != nil {
		if v, ok := t.Lookup(p.key); ok {
			return v.(*TxnMap[K, V])
		}
	}
	if m, err := p.committed(); err == nil {
		return m
	}
	return New[K, V]()
}

// forWrite returns the map a write must go to: the txn's local copy, or the
// committed map when ctx carries no txn.
func (p *Proxy[K, V]) forWrite(ctx context.Context) (*TxnMap[K, V], *AtomicMap[K, V], error) {
	m, err := p.committed()
	if err != nil {
		return nil, nil, err
	}
	t := txn.FromContext(ctx)
	if t == nil {
		return nil, m, nil
	}
	if v, ok := t.Lookup(p.key); ok {
		return v.(*TxnMap[K, V]), m, nil
	}
	if p.locks != nil {
		if err = p.locks.Lock(ctx, t.ID(), []byte(p.key)); err != nil {
			return nil, nil, err
		}
	}
	local := m.CopyForWrite()
	local.InitForWriting()
	if err = t.Enlist(&commitResource[K, V]{proxy: p, committed: m, local: local}); err != nil {
		// The txn completed while we waited for the lock, so its locks were
		// already released and nothing will release this one.
		if p.locks != nil {
			p.locks.UnlockAll(t.ID())
		}
		return nil, nil, err
	}
	t.Associate(p.key, local)
	return local, m, nil
}

// LockForUpdate takes the map's write lock for the txn in ctx without
// changing the map, so that following reads in the txn see a state no other
// txn can change before commit. It is a no-op without a txn.
func (p *Proxy[K, V]) LockForUpdate(ctx context.Context) error {
	_, _, err := p.forWrite(ctx)
	return err
}

func (p *Proxy[K, V]) Len(ctx context.Context) int {
	return p.view(ctx).Len()
}

func (p *Proxy[K, V]) IsEmpty(ctx context.Context) bool {
	return p.view(ctx).IsEmpty()
}

func (p *Proxy[K, V]) ContainsKey(ctx context.Context, key K) bool {
	return p.view(ctx).ContainsKey(key)
}

func (p *Proxy[K, V]) ContainsValue(ctx context.Context, value V, eq func(a, b V) bool) bool {
	return p.view(ctx).ContainsValue(value, eq)
}

func (p *Proxy[K, V]) Get(ctx context.Context, key K) (V, bool) {
	return p.view(ctx).Get(key)
}

func (p *Proxy[K, V]) Keys(ctx context.Context) []K {
	return p.view(ctx).Keys()
}

func (p *Proxy[K, V]) Values(ctx context.Context) []V {
	return p.view(ctx).Values()
}

func (p *Proxy[K, V]) Entries(ctx context.Context) map[K]V {
	return p.view(ctx).Entries()
}

func (p *Proxy[K, V]) Range(ctx context.Context, fn func(key K, value V) bool) {
	p.view(ctx).Range(fn)
}

func (p *Proxy[K, V]) Put(ctx context.Context, key K, value V) (old V, existed bool, err error) {
	local, m, err := p.forWrite(ctx)
	if err != nil {
		return old, false, err
	}
	if local != nil {
		old, existed = local.Put(key, value)
	} else {
		old, existed = m.Put(key, value)
	}
	return old, existed, nil
}

func (p *Proxy[K, V]) Remove(ctx context.Context, key K) (old V, existed bool, err error) {
	local, m, err := p.forWrite(ctx)
	if err != nil {
		return old, false, err
	}
	if local != nil {
		old, existed = local.Remove(key)
	} else {
		old, existed = m.Remove(key)
	}
	return old, existed, nil
}

func (p *Proxy[K, V]) PutAll(ctx context.Context, entries map[K]V) error {
	local, m, err := p.forWrite(ctx)
	if err != nil {
		return err
	}
	if local != nil {
		local.PutAll(entries)
	} else {
		m.PutAll(entries)
	}
	return nil
}

func (p *Proxy[K, V]) Clear(ctx context.Context) error {
	local, m, err := p.forWrite(ctx)
	if err != nil {
		return err
	}
	if local != nil {
		local.Clear()
	} else {
		m.Clear()
	}
	return nil
}

// PutAsync is Put returning an already completed future.
func (p *Proxy[K, V]) PutAsync(ctx context.Context, key K, value V) future.NotifyingFuture[V] {
	old, _, err := p.Put(ctx, key, value)
	return future.NewCompleted(old, err)
}

// RemoveAsync is Remove returning an already completed future.
func (p *Proxy[K, V]) RemoveAsync(ctx context.Context, key K) future.NotifyingFuture[V] {
	old, _, err := p.Remove(ctx, key)
	return future.NewCompleted(old, err)
}

func (p *Proxy[K, V]) String() string {
	return fmt.Sprintf("Proxy{key=%q}", p.key)
}

// commitResource drives a transaction-local copy through commit or rollback.
// The delta is shipped in Prepare; if the txn then rolls back, the inverse
// delta is shipped so that replicas return to the committed contents.
type commitResource[K comparable, V any] struct {
	proxy     *Proxy[K, V]
	committed *AtomicMap[K, V]
	local     *TxnMap[K, V]
	delta     Delta[K, V]
	// shipped is set once the delta has been handed to the replicator, even
	// if the replicator failed partway.
	shipped bool
}

func (r *commitResource[K, V]) Prepare(ctx context.Context) error {
	r.delta = r.local.DetachDelta()
	if IsNull(r.delta) || r.proxy.replicator == nil {
		return nil
	}
	for _, op := range r.delta.Operations() {
		metrics.DeltaOpsCounter.WithLabelValues(op.Kind().String()).Inc()
	}
	r.shipped = true
	return r.proxy.replicator.Replicate(ctx, r.proxy.key, r.delta)
}

func (r *commitResource[K, V]) Commit() {
	if IsNull(r.delta) {
		return
	}
	r.committed.Commit(r.local)
}

func (r *commitResource[K, V]) Rollback() {
	if r.shipped {
		r.compensate()
	}
	r.local = nil
	r.delta = nil
}

// compensate ships the inverse of the shipped delta. It runs while the txn
// still holds the map lock, so no other delta for the map interleaves.
func (r *commitResource[K, V]) compensate() {
	inv := NewMapDelta(r.delta.Operations()...).Inverse()
	r.shipped = false
	if inv.Len() == 0 {
		return
	}
	if err := r.proxy.replicator.Replicate(context.Background(), r.proxy.key, inv); err != nil {
		log.Warn("revert replicated delta failed", zap.String("map", r.proxy.key), zap.Error(err))
		return
	}
	log.Debug("replicated delta reverted", zap.String("map", r.proxy.key), zap.Int("ops", inv.Len()))
}
