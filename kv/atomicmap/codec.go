package atomicmap

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"

	"github.com/gogo/protobuf/proto"
	"github.com/pingcap-incubator/tinycache/kv/util/codec"
	"github.com/pingcap/errors"
)

const formatVersion = 1

// maxMapPayload bounds the length prefix accepted by ReadMap.
const maxMapPayload = 1 << 30

// MarshalMap encodes the contents of m. Only key/value pairs are written:
// never a delta, a transaction-local state or a proxy.
func MarshalMap[K comparable, V any](m *AtomicMap[K, V], kc codec.Codec[K], vc codec.Codec[V]) ([]byte, error) {
	return marshalEntries(m.load(), kc, vc)
}

// UnmarshalMap decodes contents written by MarshalMap into a fresh committed
// map with no pending delta.
func UnmarshalMap[K comparable, V any](data []byte, kc codec.Codec[K], vc codec.Codec[V]) (*AtomicMap[K, V], error) {
	buf := proto.NewBuffer(data)
	if err := checkVersion(buf); err != nil {
		return nil, err
	}
	entries, err := decodeEntries(buf, kc, vc)
	if err != nil {
		return nil, err
	}
	m := &AtomicMap[K, V]{}
	m.data.Store(&entries)
	return m, nil
}

// WriteMap writes the length-prefixed contents of m to w.
func WriteMap[K comparable, V any](w io.Writer, m *AtomicMap[K, V], kc codec.Codec[K], vc codec.Codec[V]) error {
	payload, err := MarshalMap(m, kc, vc)
	if err != nil {
		return err
	}
	if _, err = w.Write(proto.EncodeVarint(uint64(len(payload)))); err != nil {
		return errors.Trace(err)
	}
	_, err = w.Write(payload)
	return errors.Trace(err)
}

// ReadMap reads one map written by WriteMap from r.
func ReadMap[K comparable, V any](r *bufio.Reader, kc codec.Codec[K], vc codec.Codec[V]) (*AtomicMap[K, V], error) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if size > maxMapPayload {
		return nil, errors.Errorf("map payload too large: %d bytes", size)
	}
	// The buffer grows with the bytes that actually arrive, so a forged length
	// prefix cannot force a large allocation.
	var payload bytes.Buffer
	if _, err = io.CopyN(&payload, r, int64(size)); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, errors.Trace(err)
	}
	return UnmarshalMap(payload.Bytes(), kc, vc)
}

// EncodeDelta encodes d, pre-images included, for shipping to replicas.
func EncodeDelta[K comparable, V any](d Delta[K, V], kc codec.Codec[K], vc codec.Codec[V]) ([]byte, error) {
	buf := proto.NewBuffer(nil)
	ops := d.Operations()
	_ = buf.EncodeVarint(formatVersion)
	_ = buf.EncodeVarint(uint64(len(ops)))
	for _, op := range ops {
		_ = buf.EncodeVarint(uint64(op.Kind()))
		var err error
		switch x := op.(type) {
		case *PutOperation[K, V]:
			if err = encodeTo(buf, kc, x.Key); err != nil {
				break
			}
			if err = encodeOptional(buf, vc, x.Old, x.HadOld); err != nil {
				break
			}
			err = encodeTo(buf, vc, x.New)
		case *RemoveOperation[K, V]:
			if err = encodeTo(buf, kc, x.Key); err != nil {
				break
			}
			err = encodeOptional(buf, vc, x.Old, x.HadOld)
		case *ClearOperation[K, V]:
			err = encodeEntriesTo(buf, x.Prior, kc, vc)
		default:
			err = errors.Errorf("unknown operation %v", op)
		}
		if err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// DecodeDelta decodes a delta written by EncodeDelta.
func DecodeDelta[K comparable, V any](data []byte, kc codec.Codec[K], vc codec.Codec[V]) (*MapDelta[K, V], error) {
	buf := proto.NewBuffer(data)
	if err := checkVersion(buf); err != nil {
		return nil, err
	}
	n, err := buf.DecodeVarint()
	if err != nil {
		return nil, errors.Trace(err)
	}
	d := &MapDelta[K, V]{ops: make([]Operation[K, V], 0, sizeHint(n))}
	for i := uint64(0); i < n; i++ {
		kind, err := buf.DecodeVarint()
		if err != nil {
			return nil, errors.Trace(err)
		}
		switch OpKind(kind) {
		case OpPut:
			op := &PutOperation[K, V]{}
			if op.Key, err = decodeFrom(buf, kc); err != nil {
				return nil, err
			}
			if op.Old, op.HadOld, err = decodeOptional(buf, vc); err != nil {
				return nil, err
			}
			if op.New, err = decodeFrom(buf, vc); err != nil {
				return nil, err
			}
			d.add(op)
		case OpRemove:
			op := &RemoveOperation[K, V]{}
			if op.Key, err = decodeFrom(buf, kc); err != nil {
				return nil, err
			}
			if op.Old, op.HadOld, err = decodeOptional(buf, vc); err != nil {
				return nil, err
			}
			d.add(op)
		case OpClear:
			prior, err := decodeEntries(buf, kc, vc)
			if err != nil {
				return nil, err
			}
			d.add(&ClearOperation[K, V]{Prior: prior})
		default:
			return nil, errors.Errorf("unknown operation kind %d", kind)
		}
	}
	return d, nil
}

// sizeHint caps preallocation so a corrupt count cannot force a huge
// allocation before decoding fails.
func sizeHint(n uint64) int {
	const maxHint = 1 << 12
	if n > maxHint {
		return maxHint
	}
	return int(n)
}

func checkVersion(buf *proto.Buffer) error {
	v, err := buf.DecodeVarint()
	if err != nil {
		return errors.Trace(err)
	}
	if v != formatVersion {
		return errors.Errorf("unsupported format version %d", v)
	}
	return nil
}

func marshalEntries[K comparable, V any](entries map[K]V, kc codec.Codec[K], vc codec.Codec[V]) ([]byte, error) {
	buf := proto.NewBuffer(nil)
	_ = buf.EncodeVarint(formatVersion)
	if err := encodeEntriesTo(buf, entries, kc, vc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeEntriesTo[K comparable, V any](buf *proto.Buffer, entries map[K]V, kc codec.Codec[K], vc codec.Codec[V]) error {
	_ = buf.EncodeVarint(uint64(len(entries)))
	for k, v := range entries {
		if err := encodeTo(buf, kc, k); err != nil {
			return err
		}
		if err := encodeTo(buf, vc, v); err != nil {
			return err
		}
	}
	return nil
}

func decodeEntries[K comparable, V any](buf *proto.Buffer, kc codec.Codec[K], vc codec.Codec[V]) (map[K]V, error) {
	n, err := buf.DecodeVarint()
	if err != nil {
		return nil, errors.Trace(err)
	}
	entries := make(map[K]V, sizeHint(n))
	for i := uint64(0); i < n; i++ {
		k, err := decodeFrom(buf, kc)
		if err != nil {
			return nil, err
		}
		v, err := decodeFrom(buf, vc)
		if err != nil {
			return nil, err
		}
		entries[k] = v
	}
	return entries, nil
}

func encodeTo[T any](buf *proto.Buffer, c codec.Codec[T], v T) error {
	b, err := c.Encode(v)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(buf.EncodeRawBytes(b))
}

func decodeFrom[T any](buf *proto.Buffer, c codec.Codec[T]) (T, error) {
	b, err := buf.DecodeRawBytes(true)
	if err != nil {
		var zero T
		return zero, errors.Trace(err)
	}
	v, err := c.Decode(b)
	return v, errors.Trace(err)
}

func encodeOptional[T any](buf *proto.Buffer, c codec.Codec[T], v T, present bool) error {
	if !present {
		return errors.Trace(buf.EncodeVarint(0))
	}
	_ = buf.EncodeVarint(1)
	return encodeTo(buf, c, v)
}

func decodeOptional[T any](buf *proto.Buffer, c codec.Codec[T]) (v T, present bool, err error) {
	flag, err := buf.DecodeVarint()
	if err != nil {
		return v, false, errors.Trace(err)
	}
	if flag == 0 {
		return v, false, nil
	}
	v, err = decodeFrom(buf, c)
	return v, err == nil, err
}
