package replication

import (
	"context"

	"github.com/pingcap-incubator/tinycache/kv/atomicmap"
)

// Tee is a replicator that hands each delta to several targets in order and
// stops at the first failure.
type Tee[K comparable, V any] []atomicmap.Replicator[K, V]

func (t Tee[K, V]) Replicate(ctx context.Context, mapKey string, d atomicmap.Delta[K, V]) error {
	for _, r := range t {
		if err := r.Replicate(ctx, mapKey, d); err != nil {
			return err
		}
	}
	return nil
}
