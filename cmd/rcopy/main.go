package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pg-sharding/rcopy/coordinator"
	"github.com/pg-sharding/rcopy/coordinator/statistics"
	"github.com/pg-sharding/rcopy/pkg"
	"github.com/pg-sharding/rcopy/pkg/config"
	"github.com/pg-sharding/rcopy/pkg/metrics"
	"github.com/pg-sharding/rcopy/pkg/models/rerror"
	"github.com/pg-sharding/rcopy/pkg/progress"
	"github.com/pg-sharding/rcopy/pkg/rlog"
	"github.com/pg-sharding/rcopy/pkg/store"
	"github.com/spf13/cobra"
)

var (
	cfgPath string

	sourceEndpoint      string
	sourcePassword      string
	sourcePort          int
	sourceTLS           bool
	destinationEndpoint string
	destinationPassword string
	destinationPort     int
	destinationTLS      bool

	dbIndex          int
	flushDestination bool
	assumeYes        bool
	overwrite        bool
	announcedHosts   bool

	workers          int
	scanCount        int64
	maxPasses        int
	progressInterval time.Duration
	timeout          time.Duration
	connectRetries   uint64

	logLevel    string
	logFile     string
	logFormat   string
	metricsAddr string
)

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rcopy --source-endpoint HOST --source-password PASSWORD --destination-endpoint HOST --destination-password PASSWORD",
		Short: "Copy every key of one Redis deployment to another",
		Long: "rcopy copies all keys of a db, with their expiration, from a single node or clustered " +
			"Redis deployment to another one. Clustered sources are copied shard by shard in parallel.",
		Version: pkg.RcopyVersionRevision,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Args: func(cmd *cobra.Command, args []string) error {
			return rerror.Wrap(rerror.RCOPY_CONFIG_ERROR, cobra.NoArgs(cmd, args))
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&cfgPath, "config", "c", "", "path to a json, toml or yaml config file, flags take precedence")

	flags.StringVar(&sourceEndpoint, "source-endpoint", "", "host of the source deployment")
	flags.StringVar(&sourcePassword, "source-password", "", "password of the source deployment")
	flags.IntVar(&sourcePort, "source-port", config.DefaultPort, "port of the source deployment")
	flags.BoolVar(&sourceTLS, "source-tls", true, "connect to the source over TLS")
	flags.StringVar(&destinationEndpoint, "destination-endpoint", "", "host of the destination deployment")
	flags.StringVar(&destinationPassword, "destination-password", "", "password of the destination deployment")
	flags.IntVar(&destinationPort, "destination-port", config.DefaultPort, "port of the destination deployment")
	flags.BoolVar(&destinationTLS, "destination-tls", true, "connect to the destination over TLS")

	flags.IntVar(&dbIndex, "db-index", 0, "db to copy")
	flags.BoolVar(&flushDestination, "flush-destination", false, "flush the destination db before copying")
	flags.BoolVarP(&assumeYes, "assume-yes", "y", false, "do not ask before flushing the destination")
	flags.BoolVar(&overwrite, "overwrite", false, "replace keys that already exist on the destination")
	flags.BoolVar(&announcedHosts, "announced-hosts", false, "use the node addresses announced by the cluster instead of the configured host")

	flags.IntVar(&workers, "workers", config.DefaultWorkers, "keys copied concurrently per shard")
	flags.Int64Var(&scanCount, "scan-count", config.DefaultScanCount, "COUNT hint of every SCAN call")
	flags.IntVar(&maxPasses, "max-passes", config.DefaultMaxPasses, "keyspace passes per shard, 0 repeats until a pass finds no new key")
	flags.DurationVar(&progressInterval, "progress-interval", config.DefaultProgressInterval, "how often progress is printed")
	flags.DurationVar(&timeout, "timeout", config.DefaultTimeout, "dial, read and write timeout of store connections")
	flags.Uint64Var(&connectRetries, "connect-retries", config.DefaultConnectRetries, "connection attempts beyond the first")

	flags.StringVarP(&logLevel, "log-level", "l", "info", "log level: debug, info, warning, error, fatal")
	flags.StringVar(&logFile, "log-file", "", "write logs to this file instead of stdout")
	flags.StringVar(&logFormat, "log-format", "console", "log format: console or json")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address during the copy")

	cmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return rerror.Wrap(rerror.RCOPY_CONFIG_ERROR, err)
	})
	return cmd
}

func loadConfig(cmd *cobra.Command) (*config.Copy, error) {
	cfg := config.DefaultCopy()
	if cfgPath != "" {
		if err := config.LoadCopyCfg(cfgPath, &cfg); err != nil {
			return nil, err
		}
	}
	if err := applyOverrides(cmd, &cfg); err != nil {
		return nil, rerror.Wrap(rerror.RCOPY_CONFIG_ERROR, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func run(ctx context.Context, in io.Reader, out io.Writer, cfg *config.Copy) error {
	start := time.Now()

	rlog.ReloadLogger(cfg.LogFile, cfg.LogLevel, cfg.LogFormat == "console")
	rlog.WithRun(uuid.NewString())
	rlog.Zero.Debug().Str("config", cfg.String()).Msg("running with config")

	out = &syncWriter{w: out}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		exporter := metrics.NewExporter(cfg.MetricsAddr)
		if err := exporter.Start(); err != nil {
			return rerror.Wrap(rerror.RCOPY_CONFIG_ERROR, err)
		}
		defer func() {
			if err := exporter.Stop(); err != nil {
				rlog.Zero.Error().Err(err).Msg("failed to stop metrics exporter")
			}
		}()
	}

	var confirmer coordinator.Confirmer = &coordinator.LineConfirmer{In: in, Out: out}
	if cfg.AssumeYes {
		confirmer = coordinator.AssumeYes
	}

	tracker := progress.NewTracker()
	reporter := progress.NewReporter(tracker, out, cfg.ProgressInterval, cfg.Destination.Host)
	reportCtx, cancelReport := context.WithCancel(ctx)
	reported := make(chan struct{})
	go func() {
		defer close(reported)
		reporter.Run(reportCtx)
	}()

	results, err := coordinator.NewCoordinator(cfg, newDialer(cfg, cfg.Source), newDialer(cfg, cfg.Destination), tracker, confirmer).Run(ctx)
	cancelReport()
	<-reported
	if err != nil {
		return err
	}

	renderSummary(out, results, cfg.Destination.Host, statistics.GetRunStats())

	var copied int64
	for _, res := range results {
		copied += res.KeysCopied
	}
	_, err = fmt.Fprintf(out, "%d keys copied in %.2f seconds\n", copied, time.Since(start).Seconds())
	return err
}

func newDialer(cfg *config.Copy, ep config.Endpoint) store.Dialer {
	return &store.RedisDialer{
		Endpoint:       ep,
		DB:             cfg.DBIndex,
		Timeout:        cfg.Timeout,
		PoolSize:       cfg.Workers,
		Retries:        cfg.ConnectRetries,
		AnnouncedHosts: cfg.AnnouncedHosts,
	}
}

// syncWriter serializes the progress reporter and the flush prompt.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	rlog.Zero.Error().Err(err).Msg("rcopy failed")
	if rerror.Code(err) == rerror.RCOPY_CONFIG_ERROR {
		_, _ = fmt.Fprint(os.Stderr, rootCmd.UsageString())
	}
	os.Exit(rerror.ExitCode(err))
}

func main() {
	Execute()
}
