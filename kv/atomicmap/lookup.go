package atomicmap

import (
	"github.com/pingcap-incubator/tinycache/kv/metrics"
	"github.com/pingcap/errors"
)

var (
	// ErrNotAtomicMap is returned when the value under a key is not an atomic
	// map of the requested type.
	ErrNotAtomicMap = errors.New("value is not an atomic map")
	// ErrMapRemoved is returned by writes through a proxy whose map has been
	// removed from, or replaced in, the store.
	ErrMapRemoved = errors.New("atomic map removed from store")
)

// Store is the outer key/value container owning committed atomic maps.
type Store interface {
	// PutIfAbsent atomically stores value unless key is present, and returns
	// the value held under key afterwards.
	PutIfAbsent(key string, value interface{}) (actual interface{}, loaded bool)
	Get(key string) (interface{}, bool)
	Remove(key string) (interface{}, bool)
}

// GetAtomicMap returns the atomic map stored under key. When the key is
// absent it returns nil, unless create is set, in which case a new map is
// inserted; concurrent creators all get the same instance.
func GetAtomicMap[K comparable, V any](store Store, key string, create bool) (*AtomicMap[K, V], error) {
	v, ok := store.Get(key)
	if !ok {
		if !create {
			return nil, nil
		}
		v, _ = store.PutIfAbsent(key, New[K, V]())
	}
	m, ok := v.(*AtomicMap[K, V])
	if !ok {
		return nil, errors.Annotatef(ErrNotAtomicMap, "key %q holds %T", key, v)
	}
	return m, nil
}

// Registry hands out proxies for the atomic maps of one key/value type held
// in a store.
type Registry[K comparable, V any] struct {
	store      Store
	locks      LockManager
	replicator Replicator[K, V]
}

// NewRegistry creates a registry. locks and replicator may be nil, in which
// case transactional writes take no locks and deltas are dropped at commit.
func NewRegistry[K comparable, V any](store Store, locks LockManager, replicator Replicator[K, V]) *Registry[K, V] {
	return &Registry[K, V]{
		store:      store,
		locks:      locks,
		replicator: replicator,
	}
}

// Get returns the proxy of the map under key, creating the map if needed.
func (r *Registry[K, V]) Get(key string) (*Proxy[K, V], error) {
	m, err := GetAtomicMap[K, V](r.store, key, true)
	if err != nil {
		return nil, err
	}
	return m.Proxy(func() *Proxy[K, V] {
		metrics.ProxyCounter.Inc()
		return &Proxy[K, V]{
			key:        key,
			m:          m,
			store:      r.store,
			locks:      r.locks,
			replicator: r.replicator,
		}
	}), nil
}

// Remove drops the map under key from the store.
func (r *Registry[K, V]) Remove(key string) {
	RemoveAtomicMap(r.store, key)
}

// RemoveAtomicMap drops the map under key from store.
func RemoveAtomicMap(store Store, key string) {
	store.Remove(key)
}
