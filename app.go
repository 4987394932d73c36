package main

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/room4-2/voicedesk/config"
	"github.com/room4-2/voicedesk/logging"
	"github.com/room4-2/voicedesk/metrics"
	"github.com/room4-2/voicedesk/store"
)

// app is the configuration and logger shared by every command
type app struct {
	cfg *config.Config
	log *logging.Logger
}

func loadApp() (*app, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.New(logging.Options{
		Level:   cfg.Log.Level,
		Dir:     cfg.Log.Dir,
		Console: cfg.Log.Console,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return &app{cfg: cfg, log: logger}, nil
}

func (a *app) close() {
	_ = a.log.Close()
}

func (a *app) openArchive(ctx context.Context) *store.Archive {
	return store.NewArchive(ctx, store.Options{
		Addr:     a.cfg.Redis.URL,
		Password: a.cfg.Redis.Password,
		TTL:      a.cfg.Redis.ArchiveTTL,
	}, a.log.Logger)
}

// serveMetrics adds the Prometheus endpoint to g when metrics.addr is set
func (a *app) serveMetrics(ctx context.Context, g *errgroup.Group) error {
	if a.cfg.Metrics.Addr == "" {
		return nil
	}
	exp, err := metrics.NewExporter(a.cfg.Metrics.Addr)
	if err != nil {
		return err
	}
	a.log.Info().Str("addr", a.cfg.Metrics.Addr).Msg("serving metrics")
	g.Go(func() error { return exp.Run(ctx) })
	return nil
}
