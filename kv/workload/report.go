package workload

import (
	"fmt"
	"strings"
	"time"

	"github.com/montanaflynn/stats"
)

// Report summarizes a workload run. Latencies are in milliseconds, one per
// committed txn including its retries.
type Report struct {
	Commits   int64
	Deadlocks int64
	Timeouts  int64
	Latencies []float64
	Elapsed   time.Duration
}

// Percentile returns the p-th percentile latency, or 0 without samples.
func (r *Report) Percentile(p float64) float64 {
	v, err := stats.Percentile(r.Latencies, p)
	if err != nil {
		return 0
	}
	return v
}

func (r *Report) Mean() float64 {
	v, err := stats.Mean(r.Latencies)
	if err != nil {
		return 0
	}
	return v
}

func (r *Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "commits: %d, deadlocks: %d, lock timeouts: %d\n", r.Commits, r.Deadlocks, r.Timeouts)
	if r.Elapsed > 0 {
		fmt.Fprintf(&b, "elapsed: %s, throughput: %.1f txn/s\n", r.Elapsed.Round(time.Millisecond),
			float64(r.Commits)/r.Elapsed.Seconds())
	}
	fmt.Fprintf(&b, "latency ms: avg %.3f, p50 %.3f, p99 %.3f\n", r.Mean(), r.Percentile(50), r.Percentile(99))
	return b.String()
}
