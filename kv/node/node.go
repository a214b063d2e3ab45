package node

import (
	"context"
	"net/http"

	"github.com/pingcap-incubator/tinycache/kv/atomicmap"
	"github.com/pingcap-incubator/tinycache/kv/cache"
	"github.com/pingcap-incubator/tinycache/kv/config"
	"github.com/pingcap-incubator/tinycache/kv/lockmgr"
	"github.com/pingcap-incubator/tinycache/kv/persist"
	"github.com/pingcap-incubator/tinycache/kv/replication"
	"github.com/pingcap-incubator/tinycache/kv/server/status"
	"github.com/pingcap-incubator/tinycache/kv/txn"
	"github.com/pingcap-incubator/tinycache/kv/util/codec"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Node wires a cache store, its lock manager and txn manager, and the
// replication targets configured for it.
type Node[K comparable, V any] struct {
	Store   *cache.Store
	Locks   *lockmgr.Manager
	Txns    *txn.Manager
	Maps    *atomicmap.Registry[K, V]
	Group   *replication.Group[K, V]
	Persist *persist.Store[K, V]

	status *status.Server
}

// New builds a node from cfg. When persistence is enabled, stored maps are
// restored into the store before New returns.
func New[K comparable, V any](cfg *config.Config, kc codec.Codec[K], vc codec.Codec[V]) (*Node[K, V], error) {
	n := &Node[K, V]{Store: cache.NewStore()}
	detector := lockmgr.NewDetector(cfg.Lock.DetectorEntryTTL.Duration,
		cfg.Lock.DetectorUrgentSize, cfg.Lock.DetectorExpireInterval.Duration)
	n.Locks = lockmgr.NewManager(cfg.Lock.WaitTimeout.Duration, detector)
	n.Txns = txn.NewManager(n.Locks)

	var targets replication.Tee[K, V]
	if cfg.Replication.Replicas > 0 {
		n.Group = replication.NewGroup(cfg.Replication.Replicas, cfg.Replication.Async,
			cfg.Replication.QueueSize, kc, vc)
		targets = append(targets, n.Group)
	}
	if cfg.Persist.Enabled {
		p, err := persist.Open(cfg.Persist, kc, vc)
		if err != nil {
			n.Close()
			return nil, err
		}
		n.Persist = p
		if _, err = p.Restore(n.Store); err != nil {
			n.Close()
			return nil, err
		}
		targets = append(targets, p)
	}
	if n.Group != nil && n.Store.Len() > 0 {
		if _, err := n.Group.Seed(n.Store); err != nil {
			n.Close()
			return nil, err
		}
	}
	var replicator atomicmap.Replicator[K, V]
	if len(targets) > 0 {
		replicator = targets
	}
	n.Maps = atomicmap.NewRegistry[K, V](n.Store, n.Locks, replicator)
	log.Info("node created",
		zap.Int("replicas", cfg.Replication.Replicas),
		zap.Bool("persist", cfg.Persist.Enabled))
	return n, nil
}

// RemoveMap drops the map under key from the store, the replicas and the
// persisted snapshots.
func (n *Node[K, V]) RemoveMap(key string) error {
	n.Maps.Remove(key)
	if n.Group != nil {
		n.Group.Remove(key)
	}
	if n.Persist != nil {
		return n.Persist.Delete(key)
	}
	return nil
}

// StatusHandler returns the HTTP status API of the node.
func (n *Node[K, V]) StatusHandler() http.Handler {
	return status.NewHandler[K, V](n.Store, n.Txns, n.Locks)
}

// StartStatus serves the status API on addr until Close.
func (n *Node[K, V]) StartStatus(addr string) (string, error) {
	s, err := status.Start(addr, n.StatusHandler())
	if err != nil {
		return "", err
	}
	n.status = s
	return s.Addr(), nil
}

func (n *Node[K, V]) Close() error {
	var firstErr error
	if n.status != nil {
		if err := n.status.Close(context.Background()); err != nil {
			firstErr = err
		}
	}
	if n.Group != nil {
		n.Group.Close()
	}
	if n.Persist != nil {
		if err := n.Persist.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return errors.Trace(firstErr)
}
