package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/pg-sharding/rcopy/coordinator/statistics"
	"github.com/pg-sharding/rcopy/pkg/config"
	"github.com/pg-sharding/rcopy/pkg/datatransfers"
	"github.com/pg-sharding/rcopy/pkg/discovery"
	"github.com/pg-sharding/rcopy/pkg/models/rerror"
	"github.com/pg-sharding/rcopy/pkg/models/topology"
	"github.com/pg-sharding/rcopy/pkg/progress"
	"github.com/pg-sharding/rcopy/pkg/rlog"
	"github.com/pg-sharding/rcopy/pkg/store"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// Coordinator copies a whole deployment: it finds the source shards, runs
// one copy job per shard and collects their results.
type Coordinator struct {
	cfg       *config.Copy
	source    store.Dialer
	dest      store.Dialer
	tracker   *progress.Tracker
	confirmer Confirmer
}

func NewCoordinator(cfg *config.Copy, source, dest store.Dialer, tracker *progress.Tracker, confirmer Confirmer) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		source:    source,
		dest:      dest,
		tracker:   tracker,
		confirmer: confirmer,
	}
}

// Run returns the results of the shard jobs in completion order. Once a
// job failed no more jobs are started. Jobs already copying are not
// cancelled; the first error is returned after they finished, together
// with their results.
func (c *Coordinator) Run(ctx context.Context) ([]datatransfers.Result, error) {
	statistics.RecordRunStart(time.Now())
	defer func() {
		if err := statistics.RecordRunFinish(time.Now()); err != nil {
			rlog.Zero.Error().Err(err).Msg("")
		}
	}()

	connectStart := time.Now()
	source, err := c.source.Dial(ctx, c.cfg.Source.Addr())
	if err != nil {
		return nil, err
	}
	defer closeClient(source)

	dest, err := c.dest.Dial(ctx, c.cfg.Destination.Addr())
	if err != nil {
		return nil, err
	}
	statistics.Measure(statistics.StageConnect, connectStart)

	resolveStart := time.Now()
	sourceShards, sourceClustered, err := discovery.NewResolver(c.cfg.Source.Host, c.cfg.AnnouncedHosts).Resolve(ctx, source)
	if err != nil {
		closeClient(dest)
		return nil, errors.Wrap(err, "resolve source topology")
	}
	destShards, destClustered, err := discovery.NewResolver(c.cfg.Destination.Host, c.cfg.AnnouncedHosts).Resolve(ctx, dest)
	if err != nil {
		closeClient(dest)
		return nil, errors.Wrap(err, "resolve destination topology")
	}
	statistics.Measure(statistics.StageResolve, resolveStart)

	if !sourceClustered {
		sourceShards = []topology.Shard{topology.NewShard(source.Addr(), source.Addr(), topology.Primary)}
	}
	if !destClustered {
		destShards = []topology.Shard{topology.NewShard(dest.Addr(), dest.Addr(), topology.Primary)}
	}

	rlog.Zero.Info().
		Strs("source_shards", topology.Addresses(sourceShards)).
		Bool("source_clustered", sourceClustered).
		Strs("destination_shards", topology.Addresses(destShards)).
		Bool("destination_clustered", destClustered).
		Msg("topology resolved")

	if destClustered {
		closeClient(dest)
		dest, err = c.dest.DialCluster(ctx, c.cfg.Destination.Addr())
		if err != nil {
			return nil, err
		}
	}
	defer closeClient(dest)

	guard := NewFlushGuard(c.dest, c.confirmer, c.cfg.Destination.Host, c.cfg.DBIndex)
	if err := guard.MaybeFlush(ctx, destShards, c.cfg.FlushDestination); err != nil {
		return nil, err
	}

	copyStart := time.Now()
	results, err := c.copyShards(ctx, source, sourceClustered, sourceShards, dest)
	statistics.Measure(statistics.StageCopy, copyStart)
	if err != nil {
		return results, err
	}

	c.checkConsistency(ctx, dest, results)
	return results, nil
}

func (c *Coordinator) copyShards(ctx context.Context, source store.Client, clustered bool, shards []topology.Shard, dest store.Client) ([]datatransfers.Result, error) {
	var (
		mu      sync.Mutex
		results []datatransfers.Result
	)

	opts := datatransfers.Options{
		Workers:   c.cfg.Workers,
		ScanCount: c.cfg.ScanCount,
		MaxPasses: c.cfg.MaxPasses,
		Overwrite: c.cfg.Overwrite,
	}

	// A failing shard stops new shards from starting. Shards already
	// copying run to completion.
	failed := atomic.NewBool(false)
	var g errgroup.Group
	for _, sh := range shards {
		if failed.Load() || ctx.Err() != nil {
			rlog.Zero.Warn().Str("shard", sh.Address).Msg("copy aborted, shard job not started")
			break
		}

		g.Go(func() error {
			if failed.Load() {
				rlog.Zero.Warn().Str("shard", sh.Address).Msg("copy aborted, shard job not started")
				return nil
			}
			err := c.copyShard(ctx, source, clustered, sh, dest, opts, func(res datatransfers.Result) {
				mu.Lock()
				defer mu.Unlock()
				results = append(results, res)
			})
			if err != nil {
				failed.Store(true)
			}
			return err
		})
	}

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return results, &rerror.RcopyError{Err: err, ErrorCode: rerror.RCOPY_USER_ABORT}
		}
		return results, err
	}
	return results, nil
}

func (c *Coordinator) copyShard(ctx context.Context, source store.Client, clustered bool, sh topology.Shard, dest store.Client, opts datatransfers.Options, done func(datatransfers.Result)) error {
	cl := source
	if clustered {
		var err error
		cl, err = c.source.Dial(ctx, sh.Address)
		if err != nil {
			return errors.Wrapf(err, "connect to source shard %s", sh.Address)
		}
		defer closeClient(cl)
	}

	res, err := datatransfers.NewJob(sh.Address, cl, dest, c.tracker, opts).Run(ctx)
	if err != nil {
		return err
	}
	done(res)
	return nil
}

// checkConsistency warns when the destination holds fewer keys than the
// source reported before the copy.
func (c *Coordinator) checkConsistency(ctx context.Context, dest store.Client, results []datatransfers.Result) {
	var expected int64
	for _, res := range results {
		expected += res.KeysExpected
	}

	actual, err := dest.DBSize(ctx)
	if err != nil {
		rlog.Zero.Warn().Err(err).Msg("could not count destination keys")
		return
	}

	if actual < expected {
		rlog.Zero.Warn().
			Int64("expected", expected).
			Int64("actual", actual).
			Msg("destination holds fewer keys than the source reported")
		return
	}
	rlog.Zero.Debug().
		Int64("expected", expected).
		Int64("actual", actual).
		Msg("destination key count checked")
}

func closeClient(cl store.Client) {
	if err := cl.Close(); err != nil {
		rlog.Zero.Debug().Err(err).Str("addr", cl.Addr()).Msg("failed to close connection")
	}
}
