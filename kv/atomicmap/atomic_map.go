package atomicmap

import (
	"fmt"
	"reflect"
	"sync"

	"go.uber.org/atomic"
)

// AtomicMap is the committed instance of a map stored under one cache key.
// Its storage is published through an atomic handle and never mutated in
// place, so reads need no locking. Writes made directly on an AtomicMap are
// applied copy-on-write and are not recorded in any delta; replicated changes
// must go through a TxnMap obtained from CopyForWrite.
//
// Callers should reach an AtomicMap through GetAtomicMap and its Proxy, which
// arbitrate between transactional writers and readers.
type AtomicMap[K comparable, V any] struct {
	data atomic.Pointer[map[K]V]
	// mu serializes unrecorded writes and commit swaps.
	mu sync.Mutex

	proxyOnce sync.Once
	proxy     atomic.Pointer[Proxy[K, V]]
}

// New creates an empty committed map.
func New[K comparable, V any]() *AtomicMap[K, V] {
	m := &AtomicMap[K, V]{}
	data := make(map[K]V)
	m.data.Store(&data)
	return m
}

// NewFrom creates a committed map holding a copy of entries.
func NewFrom[K comparable, V any](entries map[K]V) *AtomicMap[K, V] {
	m := &AtomicMap[K, V]{}
	data := cloneEntries(entries)
	m.data.Store(&data)
	return m
}

func (m *AtomicMap[K, V]) load() map[K]V {
	if p := m.data.Load(); p != nil {
		return *p
	}
	return nil
}

// update applies fn to a private copy of the storage and publishes the copy.
func (m *AtomicMap[K, V]) update(fn func(data map[K]V)) {
	m.mu.Lock()
	next := cloneEntries(m.load())
	fn(next)
	m.data.Store(&next)
	m.mu.Unlock()
}

func (m *AtomicMap[K, V]) Len() int {
	return len(m.load())
}

func (m *AtomicMap[K, V]) IsEmpty() bool {
	return m.Len() == 0
}

func (m *AtomicMap[K, V]) ContainsKey(key K) bool {
	_, ok := m.load()[key]
	return ok
}

// ContainsValue reports whether any key maps to value. eq may be nil, in which
// case reflect.DeepEqual is used.
func (m *AtomicMap[K, V]) ContainsValue(value V, eq func(a, b V) bool) bool {
	return containsValue(m.load(), value, eq)
}

func (m *AtomicMap[K, V]) Get(key K) (V, bool) {
	v, ok := m.load()[key]
	return v, ok
}

func (m *AtomicMap[K, V]) Keys() []K {
	return keysOf(m.load())
}

func (m *AtomicMap[K, V]) Values() []V {
	return valuesOf(m.load())
}

// Entries returns a copy of the committed contents.
func (m *AtomicMap[K, V]) Entries() map[K]V {
	return cloneEntries(m.load())
}

// Range calls fn for every entry until fn returns false. It iterates over the
// storage published when Range was called.
func (m *AtomicMap[K, V]) Range(fn func(key K, value V) bool) {
	for k, v := range m.load() {
		if !fn(k, v) {
			return
		}
	}
}

// Put stores value under key without recording it.
func (m *AtomicMap[K, V]) Put(key K, value V) (old V, existed bool) {
	m.update(func(data map[K]V) {
		old, existed = data[key]
		data[key] = value
	})
	return
}

// Remove deletes key without recording it.
func (m *AtomicMap[K, V]) Remove(key K) (old V, existed bool) {
	m.update(func(data map[K]V) {
		old, existed = data[key]
		delete(data, key)
	})
	return
}

// PutAll stores every entry of entries without recording them.
func (m *AtomicMap[K, V]) PutAll(entries map[K]V) {
	m.update(func(data map[K]V) {
		for k, v := range entries {
			data[k] = v
		}
	})
}

// Clear drops every entry. Outside a transaction a clear is destructive and
// unrecorded.
func (m *AtomicMap[K, V]) Clear() {
	m.mu.Lock()
	data := make(map[K]V)
	m.data.Store(&data)
	m.mu.Unlock()
}

// CopyForWrite returns a transaction-local copy of m. The copy owns its own
// storage, has no delta, and shares m's proxy.
func (m *AtomicMap[K, V]) CopyForWrite() *TxnMap[K, V] {
	return &TxnMap[K, V]{
		data:  cloneEntries(m.load()),
		proxy: m.proxy.Load(),
	}
}

// Commit publishes the storage of t as the committed storage of m in a single
// swap. t gives up ownership of its storage: later writes on t copy it first.
func (m *AtomicMap[K, V]) Commit(t *TxnMap[K, V]) {
	m.mu.Lock()
	data := t.data
	m.data.Store(&data)
	m.mu.Unlock()
	t.published = true
	t.delta = nil
}

// Proxy returns the proxy of m, building it with newProxy on first use.
// Concurrent first callers all observe the same proxy.
func (m *AtomicMap[K, V]) Proxy(newProxy func() *Proxy[K, V]) *Proxy[K, V] {
	m.proxyOnce.Do(func() {
		m.proxy.Store(newProxy())
	})
	return m.proxy.Load()
}

func (m *AtomicMap[K, V]) String() string {
	return fmt.Sprintf("AtomicMap{data=%v}", m.load())
}

// TxnMap is the transaction-local copy of an AtomicMap. Every mutation is
// applied to its private storage and recorded in the current delta. A TxnMap
// is not safe for concurrent use; it belongs to a single transaction.
type TxnMap[K comparable, V any] struct {
	data  map[K]V
	delta *MapDelta[K, V]
	// published is set once data has been handed to a committed map.
	published bool
	proxy     *Proxy[K, V]
}

// InitForWriting starts recording with an empty delta, so that a clear issued
// before any other write is recorded too.
func (t *TxnMap[K, V]) InitForWriting() {
	t.delta = &MapDelta[K, V]{}
}

func (t *TxnMap[K, V]) getDelta() *MapDelta[K, V] {
	if t.delta == nil {
		t.delta = &MapDelta[K, V]{}
	}
	return t.delta
}

func (t *TxnMap[K, V]) own() {
	if t.published {
		t.data = cloneEntries(t.data)
		t.published = false
	}
}

func (t *TxnMap[K, V]) Len() int {
	return len(t.data)
}

func (t *TxnMap[K, V]) IsEmpty() bool {
	return len(t.data) == 0
}

func (t *TxnMap[K, V]) ContainsKey(key K) bool {
	_, ok := t.data[key]
	return ok
}

func (t *TxnMap[K, V]) ContainsValue(value V, eq func(a, b V) bool) bool {
	return containsValue(t.data, value, eq)
}

func (t *TxnMap[K, V]) Get(key K) (V, bool) {
	v, ok := t.data[key]
	return v, ok
}

func (t *TxnMap[K, V]) Keys() []K {
	return keysOf(t.data)
}

func (t *TxnMap[K, V]) Values() []V {
	return valuesOf(t.data)
}

func (t *TxnMap[K, V]) Entries() map[K]V {
	return cloneEntries(t.data)
}

func (t *TxnMap[K, V]) Range(fn func(key K, value V) bool) {
	for k, v := range t.data {
		if !fn(k, v) {
			return
		}
	}
}

func (t *TxnMap[K, V]) Put(key K, value V) (old V, existed bool) {
	t.own()
	old, existed = t.data[key]
	t.data[key] = value
	t.getDelta().add(&PutOperation[K, V]{Key: key, Old: old, HadOld: existed, New: value})
	return old, existed
}

func (t *TxnMap[K, V]) Remove(key K) (old V, existed bool) {
	t.own()
	old, existed = t.data[key]
	delete(t.data, key)
	t.getDelta().add(&RemoveOperation[K, V]{Key: key, Old: old, HadOld: existed})
	return old, existed
}

// PutAll is a sequence of single puts, one delta entry per key.
func (t *TxnMap[K, V]) PutAll(entries map[K]V) {
	// TODO: record a single batched entry once no replica depends on per-key entries.
	for k, v := range entries {
		t.Put(k, v)
	}
}

// Clear drops every entry. The clear is recorded, together with the entries it
// dropped, only while a delta is active.
func (t *TxnMap[K, V]) Clear() {
	prior := t.data
	t.data = make(map[K]V)
	t.published = false
	if t.delta != nil {
		t.delta.add(&ClearOperation[K, V]{Prior: prior})
	}
}

// DetachDelta returns the operations recorded so far and resets recording.
// It returns NullDelta when nothing was recorded. No operation is returned
// twice.
func (t *TxnMap[K, V]) DetachDelta() Delta[K, V] {
	d := t.delta
	t.delta = nil
	if d == nil || d.Len() == 0 {
		return NullDelta[K, V]()
	}
	return d
}

// CopyForWrite returns an independent copy of t with no delta.
func (t *TxnMap[K, V]) CopyForWrite() *TxnMap[K, V] {
	return &TxnMap[K, V]{
		data:  cloneEntries(t.data),
		proxy: t.proxy,
	}
}

func (t *TxnMap[K, V]) String() string {
	return fmt.Sprintf("TxnMap{data=%v}", t.data)
}

func cloneEntries[K comparable, V any](src map[K]V) map[K]V {
	dst := make(map[K]V, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func keysOf[K comparable, V any](data map[K]V) []K {
	keys := make([]K, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	return keys
}

func valuesOf[K comparable, V any](data map[K]V) []V {
	values := make([]V, 0, len(data))
	for _, v := range data {
		values = append(values, v)
	}
	return values
}

func containsValue[K comparable, V any](data map[K]V, value V, eq func(a, b V) bool) bool {
	if eq == nil {
		eq = func(a, b V) bool { return reflect.DeepEqual(a, b) }
	}
	for _, v := range data {
		if eq(v, value) {
			return true
		}
	}
	return false
}
