package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultReadHeaderTimeout = 10 * time.Second

// Exporter serves the voicedesk metrics over HTTP
type Exporter struct {
	registry *prometheus.Registry
	server   *http.Server
}

// NewExporter creates an exporter with its own registry listening on addr
func NewExporter(addr string) (*Exporter, error) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	return &Exporter{
		registry: reg,
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: defaultReadHeaderTimeout,
		},
	}, nil
}

// Registry returns the underlying registry
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Handler returns the HTTP handler serving /metrics
func (e *Exporter) Handler() http.Handler {
	return e.server.Handler
}

// Run serves until ctx is cancelled
func (e *Exporter) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- e.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return e.server.Shutdown(shutdownCtx)
	}
}
