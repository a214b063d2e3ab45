package persist

import (
	"context"
	"os"

	"github.com/coocood/badger"
	"github.com/pingcap-incubator/tinycache/kv/atomicmap"
	"github.com/pingcap-incubator/tinycache/kv/config"
	"github.com/pingcap-incubator/tinycache/kv/metrics"
	"github.com/pingcap-incubator/tinycache/kv/util/codec"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const metricsTarget = "persist"

// mapKeyPrefix separates map snapshots from anything else kept in the DB.
var mapKeyPrefix = []byte("m_")

// Store keeps the committed contents of atomic maps in badger. It is a
// replication target: each delta is merged into the stored snapshot inside a
// single badger transaction.
type Store[K comparable, V any] struct {
	db          *badger.DB
	kc          codec.Codec[K]
	vc          codec.Codec[V]
	compression CompressionType
}

// Open opens or creates the badger DB at cfg.Path.
func Open[K comparable, V any](cfg config.PersistConfig, kc codec.Codec[K], vc codec.Codec[V]) (*Store[K, V], error) {
	opts := badger.DefaultOptions
	opts.Dir = cfg.Path
	opts.ValueDir = cfg.Path
	opts.SyncWrites = cfg.SyncWrites
	if err := os.MkdirAll(opts.Dir, os.ModePerm); err != nil {
		return nil, errors.Trace(err)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Trace(err)
	}
	s := &Store[K, V]{db: db, kc: kc, vc: vc, compression: CompressionNone}
	if cfg.Compression == config.CompressionLz4 {
		s.compression = CompressionLz4
	}
	log.Info("persist store opened", zap.String("path", cfg.Path), zap.String("compression", cfg.Compression))
	return s, nil
}

// dbKey memcomparable-encodes mapKey so stored maps iterate in key order.
func dbKey(mapKey string) []byte {
	return codec.EncodeBytes(mapKeyPrefix, []byte(mapKey))
}

func decodeDBKey(key []byte) (string, error) {
	_, mapKey, err := codec.DecodeBytes(key[len(mapKeyPrefix):])
	if err != nil {
		return "", err
	}
	return string(mapKey), nil
}

func (s *Store[K, V]) loadFromTxn(txn *badger.Txn, mapKey string) (*atomicmap.AtomicMap[K, V], error) {
	item, err := txn.Get(dbKey(mapKey))
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	val, err := item.Value()
	if err != nil {
		return nil, errors.Trace(err)
	}
	raw, err := decompressValue(val)
	if err != nil {
		return nil, err
	}
	return atomicmap.UnmarshalMap(raw, s.kc, s.vc)
}

// Load returns the stored map under mapKey, or nil if there is none.
func (s *Store[K, V]) Load(mapKey string) (m *atomicmap.AtomicMap[K, V], err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		m, err = s.loadFromTxn(txn, mapKey)
		return err
	})
	return
}

// Replicate merges d into the map stored under mapKey.
func (s *Store[K, V]) Replicate(ctx context.Context, mapKey string, d atomicmap.Delta[K, V]) error {
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		m, err := s.loadFromTxn(txn, mapKey)
		if err != nil {
			return err
		}
		m = d.Merge(m)
		raw, err := atomicmap.MarshalMap(m, s.kc, s.vc)
		if err != nil {
			return err
		}
		return txn.Set(dbKey(mapKey), compressValue(s.compression, raw))
	})
	if err != nil {
		metrics.ReplicationCounter.WithLabelValues(metricsTarget, "error").Inc()
		log.Warn("persist delta failed", zap.String("map", mapKey), zap.Error(err))
		return errors.Trace(err)
	}
	metrics.ReplicationCounter.WithLabelValues(metricsTarget, "ok").Inc()
	return nil
}

// Delete drops the map stored under mapKey.
func (s *Store[K, V]) Delete(mapKey string) error {
	return errors.Trace(s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(dbKey(mapKey))
	}))
}

// Keys returns the keys of all stored maps in order.
func (s *Store[K, V]) Keys() ([]string, error) {
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(mapKeyPrefix); it.ValidForPrefix(mapKeyPrefix); it.Next() {
			mapKey, err := decodeDBKey(it.Item().Key())
			if err != nil {
				return err
			}
			keys = append(keys, mapKey)
		}
		return nil
	})
	return keys, errors.Trace(err)
}

// Restore puts every stored map into target unless target already holds the
// key. It returns the number of maps restored.
func (s *Store[K, V]) Restore(target atomicmap.Store) (int, error) {
	keys, err := s.Keys()
	if err != nil {
		return 0, err
	}
	restored := 0
	for _, key := range keys {
		m, err := s.Load(key)
		if err != nil {
			return restored, err
		}
		if m == nil {
			continue
		}
		if _, loaded := target.PutIfAbsent(key, m); !loaded {
			restored++
		}
	}
	log.Info("persisted maps restored", zap.Int("count", restored))
	return restored, nil
}

func (s *Store[K, V]) Close() error {
	return errors.Trace(s.db.Close())
}
