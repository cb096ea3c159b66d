package datatransfers

import (
	"context"
	"time"

	"github.com/pg-sharding/rcopy/pkg/metrics"
	"github.com/pg-sharding/rcopy/pkg/models/rerror"
	"github.com/pg-sharding/rcopy/pkg/progress"
	"github.com/pg-sharding/rcopy/pkg/rlog"
	"github.com/pg-sharding/rcopy/pkg/store"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultWorkers   = 64
	DefaultScanCount = 1000
)

type Options struct {
	// Workers bounds the number of keys in flight for one shard.
	Workers int
	// ScanCount is the COUNT hint of every SCAN call.
	ScanCount int64
	// MaxPasses bounds the full keyspace passes. Another pass starts only
	// when the previous one found keys no earlier pass had seen. 0 means
	// no bound.
	MaxPasses int
	// Overwrite replaces keys already present on the destination.
	Overwrite bool
}

// Result is the outcome of one shard copy.
type Result struct {
	Shard        string
	KeysCopied   int64
	KeysSkipped  int64
	KeysVanished int64
	KeysExpected int64
	Passes       int
	Elapsed      time.Duration
	Latency      LatencyStats
}

func (r Result) ElapsedSeconds() float64 {
	return r.Elapsed.Seconds()
}

// Job copies every key of one source shard to the destination.
//
// Keys are enumerated with SCAN and handed to a bounded pool. Each worker
// reads the remaining TTL and the serialized value from the source and
// restores both on the destination under the same name. The job is done
// once enumeration stopped and no transfer is outstanding.
type Job struct {
	shard   string
	source  store.Client
	dest    store.Client
	tracker *progress.Tracker
	opts    Options

	expected    int64
	copied      *atomic.Int64
	skipped     *atomic.Int64
	vanished    *atomic.Int64
	outstanding *atomic.Int64
	done        *atomic.Bool
	latency     *latencyRecorder
}

func NewJob(shard string, source, dest store.Client, tracker *progress.Tracker, opts Options) *Job {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.ScanCount <= 0 {
		opts.ScanCount = DefaultScanCount
	}
	return &Job{
		shard:       shard,
		source:      source,
		dest:        dest,
		tracker:     tracker,
		opts:        opts,
		copied:      atomic.NewInt64(0),
		skipped:     atomic.NewInt64(0),
		vanished:    atomic.NewInt64(0),
		outstanding: atomic.NewInt64(0),
		done:        atomic.NewBool(false),
		latency:     newLatencyRecorder(),
	}
}

func (j *Job) Outstanding() int64 {
	return j.outstanding.Load()
}

func (j *Job) Done() bool {
	return j.done.Load()
}

// Run copies the shard. The first failing store operation cancels the
// remaining transfers and is returned; nothing is retried.
func (j *Job) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	j.publish(0)

	expected, err := j.source.KeyCount(ctx)
	if err != nil {
		rlog.Zero.Warn().
			Err(err).
			Str("shard", j.shard).
			Msg("could not estimate key count, progress will stay at 0% until done")
		expected = 0
	}
	j.expected = expected

	rlog.Zero.Info().
		Str("shard", j.shard).
		Int64("expected", expected).
		Int("workers", j.opts.Workers).
		Msg("copy started")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.opts.Workers)

	passes, enumErr := j.enumerate(gctx, g)
	waitErr := g.Wait()

	res := j.result(passes, time.Since(start))

	if waitErr != nil {
		return res, rerror.Wrap(rerror.RCOPY_TRANSFER_ERROR, errors.Wrapf(waitErr, "shard %s", j.shard))
	}
	if enumErr != nil {
		return res, rerror.Wrap(rerror.RCOPY_TRANSFER_ERROR, errors.Wrapf(enumErr, "shard %s", j.shard))
	}
	if n := j.outstanding.Load(); n != 0 {
		return res, rerror.Newf(rerror.RCOPY_UNEXPECTED, "shard %s finished with %d transfers outstanding", j.shard, n)
	}

	j.done.Store(true)
	j.publish(100)

	rlog.Zero.Info().
		Str("shard", j.shard).
		Int64("copied", res.KeysCopied).
		Int64("skipped", res.KeysSkipped).
		Int64("vanished", res.KeysVanished).
		Int("passes", res.Passes).
		Dur("elapsed", res.Elapsed).
		Msg("copy finished")

	return res, nil
}

func (j *Job) result(passes int, elapsed time.Duration) Result {
	return Result{
		Shard:        j.shard,
		KeysCopied:   j.copied.Load(),
		KeysSkipped:  j.skipped.Load(),
		KeysVanished: j.vanished.Load(),
		KeysExpected: j.expected,
		Passes:       passes,
		Elapsed:      elapsed,
		Latency:      j.latency.Stats(),
	}
}

// enumerate runs keyspace passes until one finds no new key or the pass
// budget is spent. Keys are remembered across passes only when more than
// one pass may run.
func (j *Job) enumerate(ctx context.Context, g *errgroup.Group) (int, error) {
	var known map[string]struct{}
	if j.opts.MaxPasses != 1 {
		known = make(map[string]struct{})
	}

	passes := 0
	for {
		passes++
		seen, err := j.scanPass(ctx, g, known)
		if err != nil {
			return passes, err
		}

		rlog.Zero.Debug().
			Str("shard", j.shard).
			Int("pass", passes).
			Int64("new_keys", seen).
			Msg("keyspace pass complete")

		if seen == 0 {
			return passes, nil
		}
		if j.opts.MaxPasses > 0 && passes >= j.opts.MaxPasses {
			return passes, nil
		}
	}
}

func (j *Job) scanPass(ctx context.Context, g *errgroup.Group, known map[string]struct{}) (int64, error) {
	var (
		cursor uint64
		seen   int64
	)
	for {
		if err := ctx.Err(); err != nil {
			return seen, err
		}
		keys, next, err := j.source.Scan(ctx, cursor, j.opts.ScanCount)
		if err != nil {
			metrics.RecordError(j.shard, "scan")
			return seen, errors.Wrapf(err, "scan at cursor %d", cursor)
		}
		for _, key := range keys {
			if err := ctx.Err(); err != nil {
				return seen, err
			}
			if known != nil {
				if _, ok := known[key]; ok {
					continue
				}
				known[key] = struct{}{}
			}
			j.submit(ctx, g, key)
			seen++
		}
		if next == 0 {
			return seen, nil
		}
		cursor = next
	}
}

// submit blocks while the pool is full.
func (j *Job) submit(ctx context.Context, g *errgroup.Group, key string) {
	j.outstanding.Inc()
	metrics.InFlight.Inc()
	g.Go(func() error {
		defer func() {
			j.outstanding.Dec()
			metrics.InFlight.Dec()
		}()
		return j.transfer(ctx, key)
	})
}

func (j *Job) transfer(ctx context.Context, key string) error {
	start := time.Now()

	ttl, err := j.source.TTL(ctx, key)
	if errors.Is(err, store.ErrKeyNotFound) {
		j.vanish(key)
		return nil
	}
	if err != nil {
		metrics.RecordError(j.shard, "ttl")
		return errors.Wrapf(err, "get ttl of %q", key)
	}

	payload, err := j.source.Dump(ctx, key)
	if errors.Is(err, store.ErrKeyNotFound) {
		j.vanish(key)
		return nil
	}
	if err != nil {
		metrics.RecordError(j.shard, "dump")
		return errors.Wrapf(err, "dump %q", key)
	}

	restored, err := j.dest.Restore(ctx, key, ttl, payload, j.opts.Overwrite)
	if err != nil {
		metrics.RecordError(j.shard, "restore")
		return errors.Wrapf(err, "restore %q", key)
	}

	elapsed := time.Since(start)
	j.latency.Record(elapsed)
	if restored {
		metrics.RecordKey(j.shard, metrics.OutcomeCopied, elapsed)
	} else {
		j.skipped.Inc()
		metrics.RecordKey(j.shard, metrics.OutcomeSkipped, elapsed)
		rlog.Zero.Debug().
			Str("shard", j.shard).
			Str("key", key).
			Msg("key already exists on destination, left untouched")
	}

	copied := j.copied.Inc()
	if j.expected > 0 {
		j.advance(float64(copied) / float64(j.expected) * 100)
	}
	return nil
}

func (j *Job) vanish(key string) {
	j.vanished.Inc()
	metrics.RecordKey(j.shard, metrics.OutcomeVanished, 0)
	rlog.Zero.Debug().
		Str("shard", j.shard).
		Str("key", key).
		Msg("key vanished before transfer")
}

func (j *Job) publish(percent float64) {
	if j.tracker != nil {
		j.tracker.Publish(j.shard, percent)
	}
	metrics.SetProgress(j.shard, percent)
}

func (j *Job) advance(percent float64) {
	if j.tracker == nil {
		return
	}
	j.tracker.Advance(j.shard, percent)
	if cur, ok := j.tracker.Get(j.shard); ok {
		metrics.SetProgress(j.shard, cur)
	}
}
