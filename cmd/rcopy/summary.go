package main

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/table"
	"github.com/pg-sharding/rcopy/coordinator/statistics"
	"github.com/pg-sharding/rcopy/pkg/datatransfers"
	"github.com/pg-sharding/rcopy/pkg/rlog"
	"golang.org/x/exp/slices"
)

func renderSummary(out io.Writer, results []datatransfers.Result, destination string, stats *statistics.RunStatistics) {
	sorted := slices.Clone(results)
	slices.SortFunc(sorted, func(a, b datatransfers.Result) int {
		switch {
		case a.Shard < b.Shard:
			return -1
		case a.Shard > b.Shard:
			return 1
		}
		return 0
	})

	tb := table.NewWriter()
	tb.AppendHeader(table.Row{"shard", "copied", "skipped", "vanished", "expected", "passes", "seconds", "p50", "p99"})
	for _, res := range sorted {
		tb.AppendRow(table.Row{
			res.Shard,
			res.KeysCopied,
			res.KeysSkipped,
			res.KeysVanished,
			res.KeysExpected,
			res.Passes,
			fmt.Sprintf("%.2f", res.ElapsedSeconds()),
			res.Latency.P50.Round(time.Microsecond),
			res.Latency.P99.Round(time.Microsecond),
		})

		rlog.Zero.Info().
			Str("shard", res.Shard).
			Str("destination", destination).
			Int64("copied", res.KeysCopied).
			Float64("seconds", res.ElapsedSeconds()).
			Msg("shard copied")
	}
	fmt.Fprintln(out, tb.Render())

	if stats == nil {
		return
	}
	st := table.NewWriter()
	st.AppendHeader(table.Row{"stage", "seconds"})
	for _, stage := range statistics.Stages {
		st.AppendRow(table.Row{stage, fmt.Sprintf("%.2f", stats.Stages[stage].Seconds())})
	}
	st.AppendFooter(table.Row{"total", fmt.Sprintf("%.2f", stats.Total.Seconds())})
	fmt.Fprintln(out, st.Render())
}
