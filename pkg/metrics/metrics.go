package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "rcopy"
)

const (
	OutcomeCopied   = "copied"
	OutcomeSkipped  = "skipped"
	OutcomeVanished = "vanished"
)

var (
	// KeysTotal counts resolved keys per shard and outcome
	KeysTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keys_total",
			Help:      "Total number of keys resolved by the copy engine",
		},
		[]string{"shard", "outcome"}, // outcome: copied/skipped/vanished
	)

	// TransferErrors counts failed store operations
	TransferErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_errors_total",
			Help:      "Total number of failed store operations during transfer",
		},
		[]string{"shard", "stage"}, // stage: scan/ttl/dump/restore
	)

	// TransferDuration measures the ttl+dump+restore chain of one key
	TransferDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transfer_duration_seconds",
			Help:      "Latency of copying one key",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		},
	)

	// ShardProgress is the published completion percentage per shard
	ShardProgress = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "shard_progress_percent",
			Help:      "Completion percentage of a shard copy",
		},
		[]string{"shard"},
	)

	// InFlight tracks submitted but unresolved transfers
	InFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transfers_in_flight",
			Help:      "Number of key transfers submitted but not yet resolved",
		},
	)
)

func RecordKey(shard, outcome string, d time.Duration) {
	KeysTotal.WithLabelValues(shard, outcome).Inc()
	if outcome != OutcomeVanished {
		TransferDuration.Observe(d.Seconds())
	}
}

func RecordError(shard, stage string) {
	TransferErrors.WithLabelValues(shard, stage).Inc()
}

func SetProgress(shard string, percent float64) {
	ShardProgress.WithLabelValues(shard).Set(percent)
}
