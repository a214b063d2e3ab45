package txn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/pingcap-incubator/tinycache/kv/metrics"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// State is the lifecycle state of a transaction.
type State int32

const (
	StateActive State = iota
	StateCommitting
	StateCommitted
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCommitting:
		return "committing"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled-back"
	}
	return fmt.Sprintf("unknown(%d)", int32(s))
}

// Resource takes part in the two phases of a commit. Prepare may fail, in
// which case every enlisted resource is rolled back. Commit and Rollback must
// not fail.
type Resource interface {
	Prepare(ctx context.Context) error
	Commit()
	Rollback()
}

// Unlocker releases every lock a transaction holds.
type Unlocker interface {
	UnlockAll(txnID uint64)
}

// Txn is a transaction. It carries per-transaction objects keyed by logical
// key and the resources to drive at completion.
type Txn struct {
	id        uint64
	mgr       *Manager
	state     atomic.Int32
	startTime time.Time

	mu        sync.Mutex
	objects   map[string]interface{}
	resources []Resource
}

type ctxKey struct{}

// NewContext returns a copy of ctx carrying t.
func NewContext(ctx context.Context, t *Txn) context.Context {
	return context.WithValue(ctx, ctxKey{}, t)
}

// FromContext returns the transaction carried by ctx, or nil when there is
// none or it has already completed.
func FromContext(ctx context.Context) *Txn {
	t, ok := ctx.Value(ctxKey{}).(*Txn)
	if !ok || t == nil {
		return nil
	}
	if t.State() != StateActive {
		return nil
	}
	return t
}

func (t *Txn) ID() uint64 {
	return t.id
}

func (t *Txn) State() State {
	return State(t.state.Load())
}

// Lookup returns the object associated with key in this transaction.
func (t *Txn) Lookup(key string) (interface{}, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.objects[key]
	return v, ok
}

// Associate binds v to key for the rest of the transaction.
func (t *Txn) Associate(key string, v interface{}) {
	t.mu.Lock()
	t.objects[key] = v
	t.mu.Unlock()
}

// Enlist registers r to be prepared and committed, or rolled back, when the
// transaction completes.
func (t *Txn) Enlist(r Resource) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s := t.State(); s != StateActive {
		return &ErrTxnClosed{ID: t.id, State: s}
	}
	t.resources = append(t.resources, r)
	return nil
}

// Commit prepares every enlisted resource in enlist order, then commits them.
// If a prepare fails, all resources are rolled back and the prepare error is
// returned.
func (t *Txn) Commit(ctx context.Context) error {
	if !t.state.CompareAndSwap(int32(StateActive), int32(StateCommitting)) {
		return &ErrTxnClosed{ID: t.id, State: t.State()}
	}
	if span := opentracing.SpanFromContext(ctx); span != nil {
		span = opentracing.StartSpan("txn.Commit", opentracing.ChildOf(span.Context()))
		defer span.Finish()
		ctx = opentracing.ContextWithSpan(ctx, span)
	}
	resources := t.takeResources()
	for _, r := range resources {
		if err := r.Prepare(ctx); err != nil {
			log.Warn("prepare failed, rolling back txn", zap.Uint64("txn", t.id), zap.Error(err))
			for _, rr := range resources {
				rr.Rollback()
			}
			t.finish(StateRolledBack, "prepare_failed")
			return errors.Trace(err)
		}
	}
	for _, r := range resources {
		r.Commit()
	}
	t.finish(StateCommitted, "commit")
	return nil
}

// Rollback discards every enlisted resource.
func (t *Txn) Rollback() error {
	if !t.state.CompareAndSwap(int32(StateActive), int32(StateCommitting)) {
		return &ErrTxnClosed{ID: t.id, State: t.State()}
	}
	for _, r := range t.takeResources() {
		r.Rollback()
	}
	t.finish(StateRolledBack, "rollback")
	return nil
}

func (t *Txn) takeResources() []Resource {
	t.mu.Lock()
	defer t.mu.Unlock()
	resources := t.resources
	t.resources = nil
	t.objects = map[string]interface{}{}
	return resources
}

func (t *Txn) finish(state State, result string) {
	t.state.Store(int32(state))
	if t.mgr.unlocker != nil {
		t.mgr.unlocker.UnlockAll(t.id)
	}
	t.mgr.active.Dec()
	metrics.TxnCounter.WithLabelValues(result).Inc()
	metrics.TxnDuration.WithLabelValues(result).Observe(time.Since(t.startTime).Seconds())
	log.Debug("txn finished", zap.Uint64("txn", t.id), zap.String("result", result))
}

// Manager starts transactions and releases their locks when they complete.
type Manager struct {
	nextID   atomic.Uint64
	active   atomic.Int64
	unlocker Unlocker
}

// NewManager creates a manager. unlocker may be nil when no lock manager is
// in use.
func NewManager(unlocker Unlocker) *Manager {
	return &Manager{unlocker: unlocker}
}

// Begin starts a transaction and returns a context carrying it.
func (m *Manager) Begin(ctx context.Context) (context.Context, *Txn) {
	t := &Txn{
		id:        m.nextID.Inc(),
		mgr:       m,
		startTime: time.Now(),
		objects:   map[string]interface{}{},
	}
	m.active.Inc()
	return NewContext(ctx, t), t
}

// Active returns the number of transactions not yet completed.
func (m *Manager) Active() int64 {
	return m.active.Load()
}
