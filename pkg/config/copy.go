package config

import (
	"encoding/json"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pg-sharding/rcopy/pkg/models/rerror"
	"github.com/pg-sharding/rcopy/pkg/rlog"
)

const (
	DefaultPort             = 6380
	DefaultWorkers          = 64
	DefaultScanCount        = 1000
	DefaultMaxPasses        = 1
	DefaultProgressInterval = time.Second
	DefaultTimeout          = 60 * time.Second
	DefaultConnectRetries   = 3
)

// Endpoint describes how to reach one store deployment.
type Endpoint struct {
	Host     string     `json:"host" toml:"host" yaml:"host"`
	Port     int        `json:"port" toml:"port" yaml:"port"`
	User     string     `json:"user" toml:"user" yaml:"user"`
	Password string     `json:"password" toml:"password" yaml:"password"`
	TLS      *TLSConfig `json:"tls" toml:"tls" yaml:"tls"`
}

// Addr returns host:port of the endpoint.
func (e *Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// SetTLS switches TLS on (verify-full) or off, keeping certificate paths
// loaded from a config file.
func (e *Endpoint) SetTLS(enabled bool) {
	if e.TLS == nil {
		e.TLS = &TLSConfig{}
	}
	if !enabled {
		e.TLS.SslMode = "disable"
		return
	}
	if e.TLS.SslMode == "" || e.TLS.SslMode == "disable" {
		e.TLS.SslMode = "verify-full"
	}
}

type Copy struct {
	LogLevel  string `json:"log_level" toml:"log_level" yaml:"log_level"`
	LogFile   string `json:"log_file" toml:"log_file" yaml:"log_file"`
	LogFormat string `json:"log_format" toml:"log_format" yaml:"log_format"`

	Source      Endpoint `json:"source" toml:"source" yaml:"source"`
	Destination Endpoint `json:"destination" toml:"destination" yaml:"destination"`

	DBIndex          int  `json:"db_index" toml:"db_index" yaml:"db_index"`
	FlushDestination bool `json:"flush_destination" toml:"flush_destination" yaml:"flush_destination"`
	AssumeYes        bool `json:"assume_yes" toml:"assume_yes" yaml:"assume_yes"`
	Overwrite        bool `json:"overwrite" toml:"overwrite" yaml:"overwrite"`
	AnnouncedHosts   bool `json:"announced_hosts" toml:"announced_hosts" yaml:"announced_hosts"`

	Workers          int           `json:"workers" toml:"workers" yaml:"workers"`
	ScanCount        int64         `json:"scan_count" toml:"scan_count" yaml:"scan_count"`
	MaxPasses        int           `json:"max_passes" toml:"max_passes" yaml:"max_passes"`
	ProgressInterval time.Duration `json:"progress_interval" toml:"progress_interval" yaml:"progress_interval"`
	Timeout          time.Duration `json:"timeout" toml:"timeout" yaml:"timeout"`
	ConnectRetries   uint64        `json:"connect_retries" toml:"connect_retries" yaml:"connect_retries"`

	MetricsAddr string `json:"metrics_addr" toml:"metrics_addr" yaml:"metrics_addr"`
}

// DefaultCopy returns the configuration used when neither a config file
// nor a flag overrides a value.
func DefaultCopy() Copy {
	return Copy{
		LogLevel:  "info",
		LogFormat: "console",
		Source: Endpoint{
			Port: DefaultPort,
			TLS:  &TLSConfig{SslMode: "verify-full"},
		},
		Destination: Endpoint{
			Port: DefaultPort,
			TLS:  &TLSConfig{SslMode: "verify-full"},
		},
		Workers:          DefaultWorkers,
		ScanCount:        DefaultScanCount,
		MaxPasses:        DefaultMaxPasses,
		ProgressInterval: DefaultProgressInterval,
		Timeout:          DefaultTimeout,
		ConnectRetries:   DefaultConnectRetries,
	}
}

// LoadCopyCfg reads cfgPath on top of the values already present in cfg.
func LoadCopyCfg(cfgPath string, cfg *Copy) error {
	file, err := os.Open(cfgPath)
	if err != nil {
		return rerror.Wrap(rerror.RCOPY_CONFIG_ERROR, err)
	}
	defer func(file *os.File) {
		if err := file.Close(); err != nil {
			rlog.Zero.Warn().Err(err).Msg("failed to close config file")
		}
	}(file)

	if err := initConfig(file, cfg); err != nil {
		return rerror.Newf(rerror.RCOPY_CONFIG_ERROR, "could not parse %q: %s", cfgPath, err)
	}
	return nil
}

// Validate reports the first missing or out of range setting.
func (c *Copy) Validate() error {
	switch {
	case c.Source.Host == "":
		return rerror.New(rerror.RCOPY_CONFIG_ERROR, "source endpoint is required")
	case c.Source.Password == "":
		return rerror.New(rerror.RCOPY_CONFIG_ERROR, "source password is required")
	case c.Destination.Host == "":
		return rerror.New(rerror.RCOPY_CONFIG_ERROR, "destination endpoint is required")
	case c.Destination.Password == "":
		return rerror.New(rerror.RCOPY_CONFIG_ERROR, "destination password is required")
	}
	for _, p := range []int{c.Source.Port, c.Destination.Port} {
		if p <= 0 || p > 65535 {
			return rerror.Newf(rerror.RCOPY_CONFIG_ERROR, "port %d is out of range", p)
		}
	}
	if c.DBIndex < 0 {
		return rerror.Newf(rerror.RCOPY_CONFIG_ERROR, "db index %d is negative", c.DBIndex)
	}
	if c.Workers <= 0 {
		return rerror.Newf(rerror.RCOPY_CONFIG_ERROR, "workers must be positive, got %d", c.Workers)
	}
	if c.ScanCount <= 0 {
		return rerror.Newf(rerror.RCOPY_CONFIG_ERROR, "scan count must be positive, got %d", c.ScanCount)
	}
	if c.MaxPasses < 0 {
		return rerror.Newf(rerror.RCOPY_CONFIG_ERROR, "max passes must not be negative, got %d", c.MaxPasses)
	}
	if c.ProgressInterval <= 0 {
		return rerror.Newf(rerror.RCOPY_CONFIG_ERROR, "progress interval must be positive, got %s", c.ProgressInterval)
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		return rerror.Newf(rerror.RCOPY_CONFIG_ERROR, "unknown log format %q", c.LogFormat)
	}
	return nil
}

// String renders the config as JSON with secrets masked.
func (c Copy) String() string {
	if c.Source.Password != "" {
		c.Source.Password = "****"
	}
	if c.Destination.Password != "" {
		c.Destination.Password = "****"
	}
	configBytes, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err.Error()
	}
	return string(configBytes)
}
