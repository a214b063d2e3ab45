package status

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/pingcap-incubator/tinycache/kv/atomicmap"
	"github.com/pingcap-incubator/tinycache/kv/cache"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/unrolled/render"
	"github.com/urfave/negroni"
)

const defaultMapsLimit = 1000

// TxnStats reports transaction activity.
type TxnStats interface {
	Active() int64
}

// LockStats reports lock table activity.
type LockStats interface {
	Len() int
	Waiting() int
}

// Status is the body of GET /status.
type Status struct {
	StartTime   time.Time `json:"start_time"`
	Uptime      string    `json:"uptime"`
	Maps        int       `json:"maps"`
	ActiveTxns  int64     `json:"active_txns"`
	LockedMaps  int       `json:"locked_maps"`
	WaitingTxns int       `json:"waiting_txns"`
}

// Entry is one key/value pair of a map in GET /maps/{key}.
type Entry[K comparable, V any] struct {
	Key   K `json:"key"`
	Value V `json:"value"`
}

// MapInfo is the body of GET /maps/{key}.
type MapInfo[K comparable, V any] struct {
	Key     string        `json:"key"`
	Len     int           `json:"len"`
	Entries []Entry[K, V] `json:"entries"`
}

type handler[K comparable, V any] struct {
	rd        *render.Render
	store     *cache.Store
	txns      TxnStats
	locks     LockStats
	startTime time.Time
}

// NewHandler serves the status API over the committed maps of store. txns and
// locks may be nil.
func NewHandler[K comparable, V any](store *cache.Store, txns TxnStats, locks LockStats) http.Handler {
	h := &handler[K, V]{
		rd: render.New(render.Options{
			IndentJSON: true,
		}),
		store:     store,
		txns:      txns,
		locks:     locks,
		startTime: time.Now(),
	}

	router := mux.NewRouter()
	router.HandleFunc("/status", h.getStatus).Methods("GET")
	router.HandleFunc("/maps", h.listMaps).Methods("GET")
	router.HandleFunc("/maps/{key}", h.getMap).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	n := negroni.New(negroni.NewRecovery())
	n.UseHandler(router)
	return n
}

func (h *handler[K, V]) getStatus(w http.ResponseWriter, r *http.Request) {
	s := Status{
		StartTime: h.startTime,
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Maps:      h.store.Len(),
	}
	if h.txns != nil {
		s.ActiveTxns = h.txns.Active()
	}
	if h.locks != nil {
		s.LockedMaps = h.locks.Len()
		s.WaitingTxns = h.locks.Waiting()
	}
	h.rd.JSON(w, http.StatusOK, s)
}

// listMaps returns map keys in order, starting at the "start" query parameter
// and at most "limit" of them.
func (h *handler[K, V]) listMaps(w http.ResponseWriter, r *http.Request) {
	limit := defaultMapsLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			h.rd.JSON(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	keys := h.store.Scan(r.URL.Query().Get("start"), limit)
	if keys == nil {
		keys = []string{}
	}
	h.rd.JSON(w, http.StatusOK, keys)
}

func (h *handler[K, V]) getMap(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	m, err := atomicmap.GetAtomicMap[K, V](h.store, key, false)
	if err != nil {
		h.rd.JSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	if m == nil {
		h.rd.JSON(w, http.StatusNotFound, "map not found")
		return
	}
	info := MapInfo[K, V]{Key: key, Entries: []Entry[K, V]{}}
	m.Range(func(k K, v V) bool {
		info.Entries = append(info.Entries, Entry[K, V]{Key: k, Value: v})
		return true
	})
	info.Len = len(info.Entries)
	h.rd.JSON(w, http.StatusOK, info)
}
