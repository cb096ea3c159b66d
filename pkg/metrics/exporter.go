package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/pg-sharding/rcopy/pkg/rlog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter exposes metrics via HTTP
type Exporter struct {
	server *http.Server
	ln     net.Listener
}

// NewExporter creates a metrics exporter
func NewExporter(addr string) *Exporter {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &Exporter{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start binds the listen address and serves in the background.
func (e *Exporter) Start() error {
	ln, err := net.Listen("tcp", e.server.Addr)
	if err != nil {
		return err
	}
	e.ln = ln
	go func() {
		if err := e.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rlog.Zero.Error().Err(err).Msg("metrics exporter stopped")
		}
	}()
	rlog.Zero.Info().Str("addr", ln.Addr().String()).Msg("serving metrics")
	return nil
}

// Addr returns the bound address, useful with port 0.
func (e *Exporter) Addr() string {
	if e.ln == nil {
		return e.server.Addr
	}
	return e.ln.Addr().String()
}

// Stop stops the exporter
func (e *Exporter) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.server.Shutdown(ctx)
}
