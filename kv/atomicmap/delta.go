package atomicmap

import (
	"fmt"
	"strings"
)

// Delta is the set of changes one transaction made to an atomic map. It is the
// unit shipped to replicas.
type Delta[K comparable, V any] interface {
	// Merge replays the delta onto target and returns it. When target is nil a
	// new empty map is created first.
	Merge(target *AtomicMap[K, V]) *AtomicMap[K, V]
	// Replay applies the recorded operations to data in recording order.
	Replay(data map[K]V)
	Operations() []Operation[K, V]
	Len() int
}

// MapDelta is an ordered log of operations. Entries are never reordered or
// coalesced: a put followed by a remove of the same key is kept as two
// entries.
type MapDelta[K comparable, V any] struct {
	ops []Operation[K, V]
}

// NewMapDelta returns a delta holding ops in the given order.
func NewMapDelta[K comparable, V any](ops ...Operation[K, V]) *MapDelta[K, V] {
	return &MapDelta[K, V]{ops: ops}
}

func (d *MapDelta[K, V]) add(op Operation[K, V]) {
	d.ops = append(d.ops, op)
}

func (d *MapDelta[K, V]) Merge(target *AtomicMap[K, V]) *AtomicMap[K, V] {
	if target == nil {
		target = New[K, V]()
	}
	if len(d.ops) == 0 {
		return target
	}
	target.update(d.Replay)
	return target
}

func (d *MapDelta[K, V]) Replay(data map[K]V) {
	for _, op := range d.ops {
		op.Replay(data)
	}
}

// Undo reverts the delta on data, walking the log backwards.
func (d *MapDelta[K, V]) Undo(data map[K]V) {
	for i := len(d.ops) - 1; i >= 0; i-- {
		d.ops[i].Undo(data)
	}
}

// Inverse returns the delta that reverts d. Merged onto a map that d was
// merged onto, it restores the map's earlier contents. Operations that changed
// nothing are left out.
func (d *MapDelta[K, V]) Inverse() *MapDelta[K, V] {
	inv := &MapDelta[K, V]{}
	for i := len(d.ops) - 1; i >= 0; i-- {
		switch op := d.ops[i].(type) {
		case *PutOperation[K, V]:
			if op.HadOld {
				inv.add(&PutOperation[K, V]{Key: op.Key, Old: op.New, HadOld: true, New: op.Old})
			} else {
				inv.add(&RemoveOperation[K, V]{Key: op.Key, Old: op.New, HadOld: true})
			}
		case *RemoveOperation[K, V]:
			if op.HadOld {
				inv.add(&PutOperation[K, V]{Key: op.Key, New: op.Old})
			}
		case *ClearOperation[K, V]:
			for k, v := range op.Prior {
				inv.add(&PutOperation[K, V]{Key: k, New: v})
			}
		}
	}
	return inv
}

func (d *MapDelta[K, V]) Operations() []Operation[K, V] {
	return d.ops
}

func (d *MapDelta[K, V]) Len() int {
	return len(d.ops)
}

// Append returns a delta holding the operations of d followed by those of
// other. Neither input is modified.
func (d *MapDelta[K, V]) Append(other Delta[K, V]) *MapDelta[K, V] {
	ops := make([]Operation[K, V], 0, len(d.ops)+other.Len())
	ops = append(ops, d.ops...)
	ops = append(ops, other.Operations()...)
	return &MapDelta[K, V]{ops: ops}
}

// Commutes reports whether d and other can be applied in either order with the
// same result, i.e. they touch disjoint keys. A clear conflicts with any
// non-empty delta.
func (d *MapDelta[K, V]) Commutes(other Delta[K, V]) bool {
	if d.Len() == 0 || other.Len() == 0 {
		return true
	}
	keys, all := touchedKeys[K, V](d.ops)
	otherKeys, otherAll := touchedKeys[K, V](other.Operations())
	if all || otherAll {
		return false
	}
	for k := range otherKeys {
		if _, ok := keys[k]; ok {
			return false
		}
	}
	return true
}

func touchedKeys[K comparable, V any](ops []Operation[K, V]) (keys map[K]struct{}, all bool) {
	keys = make(map[K]struct{}, len(ops))
	for _, op := range ops {
		switch x := op.(type) {
		case *PutOperation[K, V]:
			keys[x.Key] = struct{}{}
		case *RemoveOperation[K, V]:
			keys[x.Key] = struct{}{}
		default:
			return nil, true
		}
	}
	return keys, false
}

func (d *MapDelta[K, V]) String() string {
	parts := make([]string, 0, len(d.ops))
	for _, op := range d.ops {
		parts = append(parts, op.String())
	}
	return fmt.Sprintf("MapDelta[%s]", strings.Join(parts, ", "))
}

type nullDelta[K comparable, V any] struct{}

// NullDelta returns the delta representing "no changes". Replaying it is a
// no-op.
func NullDelta[K comparable, V any]() Delta[K, V] {
	return nullDelta[K, V]{}
}

func (nullDelta[K, V]) Merge(target *AtomicMap[K, V]) *AtomicMap[K, V] {
	if target == nil {
		return New[K, V]()
	}
	return target
}

func (nullDelta[K, V]) Replay(map[K]V) {}

func (nullDelta[K, V]) Operations() []Operation[K, V] { return nil }

func (nullDelta[K, V]) Len() int { return 0 }

func (nullDelta[K, V]) String() string { return "NullDelta" }

// IsNull reports whether d carries no operations.
func IsNull[K comparable, V any](d Delta[K, V]) bool {
	return d == nil || d.Len() == 0
}
