package datatransfers

import (
	"sync"
	"time"

	"github.com/caio/go-tdigest"
)

// LatencyStats summarises the time spent copying single keys.
type LatencyStats struct {
	P50 time.Duration
	P95 time.Duration
	P99 time.Duration
	Max time.Duration
}

type latencyRecorder struct {
	mu     sync.Mutex
	digest *tdigest.TDigest
	max    time.Duration
}

func newLatencyRecorder() *latencyRecorder {
	digest, _ := tdigest.New()
	return &latencyRecorder{
		digest: digest,
	}
}

func (r *latencyRecorder) Record(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_ = r.digest.Add(float64(d.Microseconds()) / 1000)
	if d > r.max {
		r.max = d
	}
}

func (r *latencyRecorder) Stats() LatencyStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.digest.Count() == 0 {
		return LatencyStats{}
	}
	return LatencyStats{
		P50: msToDuration(r.digest.Quantile(0.5)),
		P95: msToDuration(r.digest.Quantile(0.95)),
		P99: msToDuration(r.digest.Quantile(0.99)),
		Max: r.max,
	}
}

func msToDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}
