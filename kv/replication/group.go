package replication

import (
	"context"
	"fmt"
	"sync"

	"github.com/opentracing/opentracing-go"
	"github.com/pingcap-incubator/tinycache/kv/atomicmap"
	"github.com/pingcap-incubator/tinycache/kv/cache"
	"github.com/pingcap-incubator/tinycache/kv/metrics"
	"github.com/pingcap-incubator/tinycache/kv/util/codec"
	"github.com/pingcap-incubator/tinycache/kv/util/future"
	"github.com/pingcap-incubator/tinycache/kv/util/worker"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// ErrGroupClosed is returned by Replicate after Close.
var ErrGroupClosed = errors.New("replication group closed")

// Replica is a copy of the cache held by a peer.
type Replica struct {
	Name  string
	Store *cache.Store
}

// Group ships deltas to a set of replicas. Each delta is encoded once with
// the wire codec and every replica decodes its own copy before merging it, so
// replicas never share state with the sender.
type Group[K comparable, V any] struct {
	kc       codec.Codec[K]
	vc       codec.Codec[V]
	replicas []*Replica

	mu     sync.RWMutex
	closed bool
	worker *worker.Worker
	wg     sync.WaitGroup
}

// NewGroup creates a group of n empty replicas. With async set, deltas are
// applied by a worker goroutine in submission order and Replicate waits on a
// future for the outcome.
func NewGroup[K comparable, V any](n int, async bool, queueSize int, kc codec.Codec[K], vc codec.Codec[V]) *Group[K, V] {
	g := &Group[K, V]{kc: kc, vc: vc}
	for i := 0; i < n; i++ {
		g.replicas = append(g.replicas, &Replica{
			Name:  fmt.Sprintf("replica-%d", i),
			Store: cache.NewStore(),
		})
	}
	if async {
		g.worker = worker.NewWorkerWithCapacity("replication", queueSize, &g.wg)
		g.worker.Start(&applier[K, V]{g: g})
	}
	return g
}

func (g *Group[K, V]) Replicas() []*Replica {
	return g.replicas
}

type applyTask struct {
	mapKey  string
	payload []byte
	done    *future.Promise[struct{}]
}

type applier[K comparable, V any] struct {
	g *Group[K, V]
}

func (a *applier[K, V]) Handle(t worker.Task) {
	task := t.(*applyTask)
	task.done.Complete(struct{}{}, a.g.apply(task.mapKey, task.payload))
}

// Replicate delivers d to every replica and returns the first failure.
func (g *Group[K, V]) Replicate(ctx context.Context, mapKey string, d atomicmap.Delta[K, V]) error {
	if span := opentracing.SpanFromContext(ctx); span != nil {
		span = opentracing.StartSpan("replication.Replicate", opentracing.ChildOf(span.Context()))
		span.SetTag("map", mapKey)
		defer span.Finish()
	}
	payload, err := atomicmap.EncodeDelta(d, g.kc, g.vc)
	if err != nil {
		return err
	}
	g.mu.RLock()
	if g.closed {
		g.mu.RUnlock()
		return ErrGroupClosed
	}
	if g.worker == nil {
		g.mu.RUnlock()
		return g.apply(mapKey, payload)
	}
	done := future.NewPromise[struct{}]()
	select {
	case g.worker.Sender() <- &applyTask{mapKey: mapKey, payload: payload, done: done}:
	case <-ctx.Done():
		g.mu.RUnlock()
		return errors.Trace(ctx.Err())
	}
	g.mu.RUnlock()
	_, err = done.Get(ctx)
	return err
}

func (g *Group[K, V]) apply(mapKey string, payload []byte) error {
	var firstErr error
	for _, r := range g.replicas {
		err := g.applyTo(r, mapKey, payload)
		if err != nil {
			metrics.ReplicationCounter.WithLabelValues(r.Name, "error").Inc()
			log.Warn("apply delta failed", zap.String("replica", r.Name), zap.String("map", mapKey), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		metrics.ReplicationCounter.WithLabelValues(r.Name, "ok").Inc()
	}
	return firstErr
}

func (g *Group[K, V]) applyTo(r *Replica, mapKey string, payload []byte) error {
	d, err := atomicmap.DecodeDelta(payload, g.kc, g.vc)
	if err != nil {
		return err
	}
	m, err := atomicmap.GetAtomicMap[K, V](r.Store, mapKey, false)
	if err != nil {
		return err
	}
	if m != nil {
		d.Merge(m)
		return nil
	}
	actual, loaded := r.Store.PutIfAbsent(mapKey, d.Merge(nil))
	if !loaded {
		return nil
	}
	// Lost a race with another creator; merge onto the winner.
	m, ok := actual.(*atomicmap.AtomicMap[K, V])
	if !ok {
		return errors.Annotatef(atomicmap.ErrNotAtomicMap, "key %q holds %T", mapKey, actual)
	}
	d.Merge(m)
	return nil
}

// Seed copies every atomic map held by src onto the replicas, so that they
// start from the same contents as the origin. Each map goes through the wire
// codec like any delta. It returns the number of maps copied.
func (g *Group[K, V]) Seed(src *cache.Store) (int, error) {
	seeded := 0
	for _, key := range src.Keys() {
		m, err := atomicmap.GetAtomicMap[K, V](src, key, false)
		if err != nil || m == nil {
			continue
		}
		var ops []atomicmap.Operation[K, V]
		m.Range(func(k K, v V) bool {
			ops = append(ops, &atomicmap.PutOperation[K, V]{Key: k, New: v})
			return true
		})
		payload, err := atomicmap.EncodeDelta[K, V](atomicmap.NewMapDelta(ops...), g.kc, g.vc)
		if err != nil {
			return seeded, err
		}
		for _, r := range g.replicas {
			atomicmap.RemoveAtomicMap(r.Store, key)
		}
		if err = g.apply(key, payload); err != nil {
			return seeded, err
		}
		seeded++
	}
	log.Info("replicas seeded", zap.Int("maps", seeded), zap.Int("replicas", len(g.replicas)))
	return seeded, nil
}

// Remove drops mapKey from every replica.
func (g *Group[K, V]) Remove(mapKey string) {
	for _, r := range g.replicas {
		atomicmap.RemoveAtomicMap(r.Store, mapKey)
	}
}

// Close stops the worker after the queued deltas are applied.
func (g *Group[K, V]) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	g.mu.Unlock()
	if g.worker != nil {
		g.worker.Stop()
		g.wg.Wait()
	}
}
