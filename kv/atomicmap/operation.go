package atomicmap

import "fmt"

// OpKind identifies the type of a recorded mutation.
type OpKind byte

const (
	OpPut OpKind = iota + 1
	OpRemove
	OpClear
)

func (k OpKind) String() string {
	switch k {
	case OpPut:
		return "put"
	case OpRemove:
		return "remove"
	case OpClear:
		return "clear"
	}
	return fmt.Sprintf("unknown(%d)", byte(k))
}

// Operation is one recorded mutation of an atomic map. Replay redoes the
// mutation on a plain map, Undo reverts it using the recorded pre-image.
type Operation[K comparable, V any] interface {
	Kind() OpKind
	Replay(data map[K]V)
	Undo(data map[K]V)
	// Touches reports whether the operation affects key. A clear touches
	// every key.
	Touches(key K) bool
	fmt.Stringer
}

// PutOperation records a put of New under Key. Old holds the value the key
// mapped to before the put, if HadOld is set.
type PutOperation[K comparable, V any] struct {
	Key    K
	Old    V
	HadOld bool
	New    V
}

func (op *PutOperation[K, V]) Kind() OpKind { return OpPut }

func (op *PutOperation[K, V]) Replay(data map[K]V) {
	data[op.Key] = op.New
}

func (op *PutOperation[K, V]) Undo(data map[K]V) {
	if op.HadOld {
		data[op.Key] = op.Old
		return
	}
	delete(data, op.Key)
}

func (op *PutOperation[K, V]) Touches(key K) bool { return op.Key == key }

func (op *PutOperation[K, V]) String() string {
	return fmt.Sprintf("Put{key=%v, old=%v, new=%v}", op.Key, op.Old, op.New)
}

// RemoveOperation records the removal of Key. A remove of an absent key is
// still recorded, with HadOld unset.
type RemoveOperation[K comparable, V any] struct {
	Key    K
	Old    V
	HadOld bool
}

func (op *RemoveOperation[K, V]) Kind() OpKind { return OpRemove }

func (op *RemoveOperation[K, V]) Replay(data map[K]V) {
	delete(data, op.Key)
}

func (op *RemoveOperation[K, V]) Undo(data map[K]V) {
	if op.HadOld {
		data[op.Key] = op.Old
	}
}

func (op *RemoveOperation[K, V]) Touches(key K) bool { return op.Key == key }

func (op *RemoveOperation[K, V]) String() string {
	return fmt.Sprintf("Remove{key=%v, old=%v}", op.Key, op.Old)
}

// ClearOperation records a clear. Prior holds the entries that existed right
// before the clear; it is owned by the operation and never mutated.
type ClearOperation[K comparable, V any] struct {
	Prior map[K]V
}

func (op *ClearOperation[K, V]) Kind() OpKind { return OpClear }

func (op *ClearOperation[K, V]) Replay(data map[K]V) {
	for k := range data {
		delete(data, k)
	}
}

func (op *ClearOperation[K, V]) Undo(data map[K]V) {
	for k, v := range op.Prior {
		data[k] = v
	}
}

func (op *ClearOperation[K, V]) Touches(K) bool { return true }

func (op *ClearOperation[K, V]) String() string {
	return fmt.Sprintf("Clear{prior=%v}", op.Prior)
}
