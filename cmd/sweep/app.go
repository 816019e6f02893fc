package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/yairfalse/sweep/internal/archive"
	"github.com/yairfalse/sweep/internal/config"
	"github.com/yairfalse/sweep/internal/daemon"
	"github.com/yairfalse/sweep/internal/emitter"
	"github.com/yairfalse/sweep/orchestrator"
	"github.com/yairfalse/sweep/runner"
	"github.com/yairfalse/sweep/storage"
	"github.com/yairfalse/sweep/storage/postgres"
	"github.com/yairfalse/sweep/telemetry"
	"github.com/yairfalse/sweep/watcher"
)

var _ daemon.Service = (*orchestrator.Orchestrator)(nil)

// shutdownTimeout bounds how long active scans get to clean up on exit
const shutdownTimeout = 30 * time.Second

// app is a fully wired orchestrator over the configured store
type app struct {
	cfg       *config.Config
	store     storage.Storage
	events    *emitter.MultiEmitter
	orch      *orchestrator.Orchestrator
	providers *telemetry.Providers
	logs      io.Closer
	logger    *telemetry.Logger
}

type appOptions struct {
	// telemetry installs OTEL providers; one-shot commands run without them
	telemetry bool
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	a := &app{cfg: cfg}
	if err := a.init(ctx, opts); err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context, opts appOptions) error {
	cfg := a.cfg
	var err error

	if a.logs, err = telemetry.SetupLogging(cfg.Log); err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	a.logger = telemetry.NewLogger("sweep")

	if opts.telemetry {
		otelCfg := cfg.OTEL
		otelCfg.ServiceVersion = version
		if a.providers, err = telemetry.InitOTEL(ctx, otelCfg); err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
	}

	if a.store, err = openStore(ctx, cfg); err != nil {
		return err
	}

	if a.events, err = buildEmitter(ctx, cfg); err != nil {
		return err
	}

	orchOpts := []orchestrator.Option{
		orchestrator.WithEmitter(a.events),
		orchestrator.WithWatcher(watcher.New(cfg.Orchestrator().Watcher, telemetry.NewLogger("watcher"))),
		orchestrator.WithRunner(runner.New(cfg.Scanner.LogDir, runner.WithLogger(telemetry.NewLogger("runner")))),
	}
	if cfg.Archive.Enabled() {
		arch, err := archive.NewFromConfig(ctx, cfg.Archive)
		if err != nil {
			return fmt.Errorf("failed to configure archive: %w", err)
		}
		orchOpts = append(orchOpts, orchestrator.WithArchiver(arch))
	}

	if a.orch, err = orchestrator.New(cfg.Orchestrator(), a.store, orchOpts...); err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	return nil
}

// openStore opens the configured result store
func openStore(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		store, err := postgres.Open(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return store, nil
	default:
		store, err := storage.NewBoltStore(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open store at %s (is a daemon holding it? use --server): %w", cfg.Storage.Path, err)
		}
		return store, nil
	}
}

// buildEmitter assembles the configured lifecycle event backends
func buildEmitter(ctx context.Context, cfg *config.Config) (*emitter.MultiEmitter, error) {
	var backends []emitter.Emitter
	if cfg.Events.Log {
		backends = append(backends, emitter.NewLogEmitter(nil))
	}
	if cfg.Events.PubSub.TopicID != "" {
		ps, err := emitter.DialPubSub(ctx, cfg.Events.PubSub)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to pubsub: %w", err)
		}
		backends = append(backends, ps)
	}
	return emitter.NewMultiEmitter(backends...), nil
}

// Close stops active scans, then releases every resource in reverse order
func (a *app) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var errs []error
	if a.orch != nil {
		errs = append(errs, a.orch.Shutdown(ctx))
	}
	if a.events != nil {
		errs = append(errs, a.events.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.providers != nil {
		errs = append(errs, a.providers.Shutdown(ctx))
	}
	if a.logs != nil {
		errs = append(errs, a.logs.Close())
	}
	return errors.Join(errs...)
}

// openService returns the daemon client when a server is configured and a
// local orchestrator otherwise. The returned func releases it.
func (o *globalOptions) openService(ctx context.Context) (daemon.Service, func(), error) {
	if o.server != "" {
		return daemon.NewClient(o.server, nil), func() {}, nil
	}

	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	a, err := newApp(ctx, cfg, appOptions{})
	if err != nil {
		return nil, nil, err
	}
	return a.orch, func() { _ = a.Close(ctx) }, nil
}
