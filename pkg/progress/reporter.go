package progress

import (
	"context"
	"fmt"
	"io"
	"math"
	"strings"
	"time"
)

// Reporter periodically renders a Tracker snapshot. Rendering reads the
// tracker only, so a slow writer never holds up transfers.
type Reporter struct {
	tracker     *Tracker
	out         io.Writer
	interval    time.Duration
	destination string
}

func NewReporter(tracker *Tracker, out io.Writer, interval time.Duration, destination string) *Reporter {
	return &Reporter{
		tracker:     tracker,
		out:         out,
		interval:    interval,
		destination: destination,
	}
}

// Run renders every interval until ctx is done, then renders a last time.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.Render()
			return
		case <-ticker.C:
			r.Render()
		}
	}
}

// Render writes one line per shard.
func (r *Reporter) Render() {
	snapshot := r.tracker.Snapshot()
	if len(snapshot) == 0 {
		return
	}
	_, _ = io.WriteString(r.out, Format(snapshot, r.destination))
}

// Format renders a snapshot as `source => destination (NN%)` lines.
func Format(snapshot []Entry, destination string) string {
	var sb strings.Builder
	for _, e := range snapshot {
		fmt.Fprintf(&sb, "%s => %s (%d%%)\n", e.Shard, destination, int(math.Round(e.Percent)))
	}
	return sb.String()
}
