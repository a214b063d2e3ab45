package workload

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/juju/ratelimit"
	"github.com/pingcap-incubator/tinycache/kv/atomicmap"
	"github.com/pingcap-incubator/tinycache/kv/lockmgr"
	"github.com/pingcap-incubator/tinycache/kv/txn"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const maxTransferAmount = 10

// TransferConfig shapes a transfer workload.
type TransferConfig struct {
	Maps          int
	KeysPerMap    int
	InitialAmount int64
	// Rate caps the txns started per second across all clients. Zero means no
	// limit.
	Rate float64
}

// Transfer moves amounts between accounts kept in shared atomic maps. Each txn
// locks two maps in random order, so concurrent txns deadlock regularly and
// are retried. The sum over all accounts never changes.
type Transfer struct {
	maps *atomicmap.Registry[string, int64]
	txns *txn.Manager
	cfg  TransferConfig
}

func NewTransfer(maps *atomicmap.Registry[string, int64], txns *txn.Manager, cfg TransferConfig) *Transfer {
	if cfg.Maps <= 0 {
		cfg.Maps = 1
	}
	if cfg.KeysPerMap <= 0 {
		cfg.KeysPerMap = 1
	}
	return &Transfer{maps: maps, txns: txns, cfg: cfg}
}

func mapKey(i int) string {
	return fmt.Sprintf("accounts-%d", i)
}

func accountKey(i int) string {
	return fmt.Sprintf("account-%d", i)
}

// MapKeys returns the keys of the maps the workload uses.
func (w *Transfer) MapKeys() []string {
	keys := make([]string, 0, w.cfg.Maps)
	for i := 0; i < w.cfg.Maps; i++ {
		keys = append(keys, mapKey(i))
	}
	return keys
}

func (w *Transfer) ExpectedTotal() int64 {
	return int64(w.cfg.Maps) * int64(w.cfg.KeysPerMap) * w.cfg.InitialAmount
}

// Load fills every account with the initial amount, one txn per map.
func (w *Transfer) Load(ctx context.Context) error {
	for _, key := range w.MapKeys() {
		p, err := w.maps.Get(key)
		if err != nil {
			return err
		}
		entries := make(map[string]int64, w.cfg.KeysPerMap)
		for i := 0; i < w.cfg.KeysPerMap; i++ {
			entries[accountKey(i)] = w.cfg.InitialAmount
		}
		tctx, t := w.txns.Begin(ctx)
		if err = p.Clear(tctx); err == nil {
			err = p.PutAll(tctx, entries)
		}
		if err != nil {
			return abort(t, err)
		}
		if err = t.Commit(tctx); err != nil {
			return err
		}
	}
	return nil
}

// Run starts threads clients, each running txnsPerThread successful transfers
// or, when txnsPerThread is 0, transfers until ctx is done.
func (w *Transfer) Run(ctx context.Context, threads, txnsPerThread int) (*Report, error) {
	if threads <= 0 {
		threads = 1
	}
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		firstErr  error
		commits   atomic.Int64
		deadlocks atomic.Int64
		timeouts  atomic.Int64
		latencies []float64
		limit     *ratelimit.Bucket
	)
	if w.cfg.Rate > 0 {
		limit = ratelimit.NewBucketWithRate(w.cfg.Rate, int64(threads))
	}
	for i := 0; i < threads; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(seed))
			var local []float64
			for n := 0; txnsPerThread == 0 || n < txnsPerThread; n++ {
				if limit != nil {
					limit.Wait(1)
				}
				if ctx.Err() != nil {
					break
				}
				start := time.Now()
				err := w.transferWithRetry(ctx, rnd, &deadlocks, &timeouts)
				if err != nil {
					if errors.Cause(err) == ctx.Err() {
						break
					}
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
					return
				}
				commits.Inc()
				local = append(local, float64(time.Since(start))/float64(time.Millisecond))
			}
			mu.Lock()
			latencies = append(latencies, local...)
			mu.Unlock()
		}(time.Now().UnixNano() + int64(i))
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	return &Report{
		Commits:   commits.Load(),
		Deadlocks: deadlocks.Load(),
		Timeouts:  timeouts.Load(),
		Latencies: latencies,
	}, nil
}

func (w *Transfer) transferWithRetry(ctx context.Context, rnd *rand.Rand, deadlocks, timeouts *atomic.Int64) error {
	from, to := rnd.Intn(w.cfg.Maps), rnd.Intn(w.cfg.Maps)
	fromKey, toKey := accountKey(rnd.Intn(w.cfg.KeysPerMap)), accountKey(rnd.Intn(w.cfg.KeysPerMap))
	amount := rnd.Int63n(maxTransferAmount) + 1
	for {
		err := w.Transfer(ctx, mapKey(from), fromKey, mapKey(to), toKey, amount)
		switch {
		case err == nil:
			return nil
		case lockmgr.IsDeadlock(err):
			deadlocks.Inc()
		case lockmgr.IsRetryable(err):
			timeouts.Inc()
		default:
			return err
		}
		log.Debug("retry transfer", zap.Error(err))
	}
}

// Transfer moves amount from one account to another in a single txn. It does
// nothing when the source balance is too low. Lock errors are returned
// unchanged after the txn is rolled back.
func (w *Transfer) Transfer(ctx context.Context, fromMap, fromKey, toMap, toKey string, amount int64) error {
	src, err := w.maps.Get(fromMap)
	if err != nil {
		return err
	}
	dst, err := w.maps.Get(toMap)
	if err != nil {
		return err
	}
	tctx, t := w.txns.Begin(ctx)
	if err = w.move(tctx, src, fromKey, dst, toKey, amount); err != nil {
		return abort(t, err)
	}
	return t.Commit(tctx)
}

// abort rolls t back after a failed step and returns cause. A failed rollback
// is logged.
func abort(t *txn.Txn, cause error) error {
	if err := t.Rollback(); err != nil {
		log.Warn("rollback transfer txn failed",
			zap.Uint64("txn", t.ID()), zap.NamedError("cause", cause), zap.Error(err))
	}
	return cause
}

func (w *Transfer) move(ctx context.Context, src *atomicmap.Proxy[string, int64], fromKey string,
	dst *atomicmap.Proxy[string, int64], toKey string, amount int64) error {
	if err := src.LockForUpdate(ctx); err != nil {
		return err
	}
	if err := dst.LockForUpdate(ctx); err != nil {
		return err
	}
	balance, _ := src.Get(ctx, fromKey)
	if balance < amount {
		return nil
	}
	if _, _, err := src.Put(ctx, fromKey, balance-amount); err != nil {
		return err
	}
	target, _ := dst.Get(ctx, toKey)
	_, _, err := dst.Put(ctx, toKey, target+amount)
	return err
}

// Total sums every account as seen outside any txn.
func (w *Transfer) Total(ctx context.Context) (int64, error) {
	var total int64
	for _, key := range w.MapKeys() {
		p, err := w.maps.Get(key)
		if err != nil {
			return 0, err
		}
		p.Range(ctx, func(_ string, v int64) bool {
			total += v
			return true
		})
	}
	return total, nil
}

// SumStore sums every account of the maps under keys in store.
func SumStore(store atomicmap.Store, keys []string) (int64, error) {
	var total int64
	for _, key := range keys {
		m, err := atomicmap.GetAtomicMap[string, int64](store, key, false)
		if err != nil {
			return 0, err
		}
		if m == nil {
			continue
		}
		m.Range(func(_ string, v int64) bool {
			total += v
			return true
		})
	}
	return total, nil
}
