package coordinator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pg-sharding/rcopy/coordinator/statistics"
	"github.com/pg-sharding/rcopy/pkg/models/rerror"
	"github.com/pg-sharding/rcopy/pkg/models/topology"
	"github.com/pg-sharding/rcopy/pkg/rlog"
	"github.com/pg-sharding/rcopy/pkg/store"
)

// Confirmer asks the operator a yes/no question.
type Confirmer interface {
	Confirm(prompt string) (bool, error)
}

// LineConfirmer reads the answer as one line of In. Only "y" and "Y"
// confirm.
type LineConfirmer struct {
	In  io.Reader
	Out io.Writer
}

var _ Confirmer = &LineConfirmer{}

func (c *LineConfirmer) Confirm(prompt string) (bool, error) {
	if _, err := fmt.Fprint(c.Out, prompt+" "); err != nil {
		return false, err
	}
	line, err := bufio.NewReader(c.In).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	answer := strings.TrimSpace(line)
	return answer == "y" || answer == "Y", nil
}

type yes struct{}

func (yes) Confirm(string) (bool, error) {
	return true, nil
}

// AssumeYes confirms every question without asking.
var AssumeYes Confirmer = yes{}

// FlushGuard empties the destination before copying, once the operator
// agreed to it.
type FlushGuard struct {
	dialer    store.Dialer
	confirmer Confirmer
	host      string
	db        int
}

func NewFlushGuard(dialer store.Dialer, confirmer Confirmer, host string, db int) *FlushGuard {
	return &FlushGuard{
		dialer:    dialer,
		confirmer: confirmer,
		host:      host,
		db:        db,
	}
}

func (f *FlushGuard) Prompt() string {
	return fmt.Sprintf("Are you sure you want to flush db %d of %s before copying (y/n)?", f.db, f.host)
}

// MaybeFlush asks once and flushes every shard concurrently. A declined
// prompt is a RCOPY_USER_ABORT error. Failing flushes of single shards are
// logged and do not fail the run.
func (f *FlushGuard) MaybeFlush(ctx context.Context, shards []topology.Shard, requested bool) error {
	if !requested {
		return nil
	}

	ok, err := f.confirmer.Confirm(f.Prompt())
	if err != nil {
		return rerror.Wrap(rerror.RCOPY_USER_ABORT, err)
	}
	if !ok {
		return rerror.Newf(rerror.RCOPY_USER_ABORT, "flush of db %d of %s declined", f.db, f.host)
	}

	defer statistics.Measure(statistics.StageFlush, time.Now())

	var wg sync.WaitGroup
	for _, sh := range shards {
		wg.Add(1)
		go func(sh topology.Shard) {
			defer wg.Done()
			if err := f.flush(ctx, sh); err != nil {
				rlog.Zero.Error().
					Err(err).
					Str("shard", sh.Address).
					Msg("failed to flush destination shard")
				return
			}
			rlog.Zero.Info().
				Str("shard", sh.Address).
				Int("db", f.db).
				Msg("destination shard flushed")
		}(sh)
	}
	wg.Wait()
	return nil
}

func (f *FlushGuard) flush(ctx context.Context, sh topology.Shard) error {
	cl, err := f.dialer.Dial(ctx, sh.Address)
	if err != nil {
		return err
	}
	defer func() {
		_ = cl.Close()
	}()
	return cl.FlushDB(ctx)
}
