package main

import (
	"fmt"

	"github.com/pg-sharding/rcopy/pkg/config"
	"github.com/spf13/cobra"
)

type overrideRule struct {
	name     string
	validate func() error
	apply    func()
}

func setIfNotEmpty(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func positive(name string, v int64) func() error {
	return func() error {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, v)
		}
		return nil
	}
}

func buildOverrideRules(cfg *config.Copy) []overrideRule {
	return []overrideRule{
		{name: "source-endpoint", apply: func() { setIfNotEmpty(&cfg.Source.Host, sourceEndpoint) }},
		{name: "source-password", apply: func() { cfg.Source.Password = sourcePassword }},
		{name: "source-port", apply: func() { cfg.Source.Port = sourcePort }},
		{name: "source-tls", apply: func() { cfg.Source.SetTLS(sourceTLS) }},
		{name: "destination-endpoint", apply: func() { setIfNotEmpty(&cfg.Destination.Host, destinationEndpoint) }},
		{name: "destination-password", apply: func() { cfg.Destination.Password = destinationPassword }},
		{name: "destination-port", apply: func() { cfg.Destination.Port = destinationPort }},
		{name: "destination-tls", apply: func() { cfg.Destination.SetTLS(destinationTLS) }},
		{
			name: "db-index",
			validate: func() error {
				if dbIndex < 0 {
					return fmt.Errorf("db index must not be negative, got %d", dbIndex)
				}
				return nil
			},
			apply: func() { cfg.DBIndex = dbIndex },
		},
		{name: "flush-destination", apply: func() { cfg.FlushDestination = flushDestination }},
		{name: "assume-yes", apply: func() { cfg.AssumeYes = assumeYes }},
		{name: "overwrite", apply: func() { cfg.Overwrite = overwrite }},
		{name: "announced-hosts", apply: func() { cfg.AnnouncedHosts = announcedHosts }},
		{name: "workers", validate: positive("workers", int64(workers)), apply: func() { cfg.Workers = workers }},
		{name: "scan-count", validate: positive("scan count", scanCount), apply: func() { cfg.ScanCount = scanCount }},
		{name: "max-passes", apply: func() { cfg.MaxPasses = maxPasses }},
		{name: "progress-interval", apply: func() { cfg.ProgressInterval = progressInterval }},
		{name: "timeout", apply: func() { cfg.Timeout = timeout }},
		{name: "connect-retries", apply: func() { cfg.ConnectRetries = connectRetries }},
		{name: "log-level", apply: func() { cfg.LogLevel = logLevel }},
		{name: "log-file", apply: func() { cfg.LogFile = logFile }},
		{name: "log-format", apply: func() { cfg.LogFormat = logFormat }},
		{name: "metrics-addr", apply: func() { cfg.MetricsAddr = metricsAddr }},
	}
}

// applyOverrides copies every flag set on the command line into cfg.
func applyOverrides(cmd *cobra.Command, cfg *config.Copy) error {
	rules := buildOverrideRules(cfg)
	for _, r := range rules {
		if cmd.Flags().Changed(r.name) && r.validate != nil {
			if err := r.validate(); err != nil {
				return fmt.Errorf("%s: %w", r.name, err)
			}
		}
	}
	for _, r := range rules {
		if cmd.Flags().Changed(r.name) {
			r.apply()
		}
	}
	return nil
}
