package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/kafkaconf/internal/config"
	"github.com/dokzlo13/kafkaconf/internal/ledger"
	"github.com/dokzlo13/kafkaconf/internal/reconcile"
)

// ErrHistoryDisabled is returned by History when history.path is not set.
var ErrHistoryDisabled = errors.New("run history is disabled (set history.path)")

// App is the main application container that manages all services and their lifecycle.
type App struct {
	cfg        *config.Config
	configPath string
	services   *Services
	desired    []reconcile.DesiredConfig
}

// New creates a new App instance with all services initialized but not started.
// configPath is the file cfg was loaded from and is only used when
// reconciler.watch_config is set.
func New(cfg *config.Config, configPath string) (*App, error) {
	desired, err := cfg.Desired()
	if err != nil {
		return nil, err
	}

	services, err := NewServices(cfg)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:        cfg,
		configPath: configPath,
		services:   services,
		desired:    desired,
	}, nil
}

// Run connects to the cluster and reconciles once, or on every
// reconciler.interval tick until ctx is cancelled. report receives the
// result of every run, including a failed one when the cluster cannot be
// reached at startup. The returned error is fatal for the process: a
// connection failure or a cancelled context.
func (a *App) Run(ctx context.Context, report func(reconcile.Result)) error {
	record := func(res reconcile.Result) {
		a.record(res)
		report(res)
	}

	if err := a.services.Start(ctx); err != nil {
		record(reconcile.Summarize(reconcile.Aborted(a.desired, err)))
		return err
	}

	orchestrator := a.services.Cluster.Orchestrator
	if interval := a.cfg.Reconciler.Interval.Duration(); interval > 0 {
		source, err := a.desiredSource(ctx)
		if err != nil {
			return err
		}
		return orchestrator.Run(ctx, source, interval, record)
	}

	log.Info().Int("resources", len(a.desired)).Bool("check_mode", a.cfg.Reconciler.CheckMode).Msg("Reconciling")
	outcomes, err := orchestrator.Reconcile(ctx, a.desired)
	record(reconcile.Summarize(outcomes))
	return err
}

func (a *App) desiredSource(ctx context.Context) (reconcile.DesiredSource, error) {
	if !a.cfg.Reconciler.WatchConfig || a.configPath == "" {
		return reconcile.StaticSource(a.desired), nil
	}

	set := newDesiredSet(a.desired)
	if err := NewConfigWatcher(a.configPath, set, 0).Start(ctx); err != nil {
		return nil, fmt.Errorf("watch %s: %w", a.configPath, err)
	}
	return set, nil
}

// record appends a run to the history ledger. Failures are logged only.
func (a *App) record(res reconcile.Result) {
	log.Info().
		Bool("changed", res.Changed).
		Bool("failed", res.Failed).
		Msg(res.Message)

	if a.services.Ledger == nil {
		return
	}
	runID := uuid.NewString()
	if err := a.services.Ledger.Append(runID, res.Outcomes); err != nil {
		log.Warn().Err(err).Str("run_id", runID).Msg("Failed to record run history")
		return
	}
	log.Debug().Str("run_id", runID).Msg("Recorded run history")
}

// History returns the latest recorded outcomes, newest first.
func (a *App) History(limit int) ([]*ledger.Entry, error) {
	if a.services.Ledger == nil {
		return nil, ErrHistoryDisabled
	}
	return a.services.Ledger.Recent(limit)
}

// ResourceHistory returns the latest recorded outcomes of one resource,
// newest first.
func (a *App) ResourceHistory(ref reconcile.ResourceRef, limit int) ([]*ledger.Entry, error) {
	if a.services.Ledger == nil {
		return nil, ErrHistoryDisabled
	}
	return a.services.Ledger.ForResource(ref, limit)
}

// Stop releases all connections.
func (a *App) Stop() error {
	if a.services != nil {
		return a.services.Stop()
	}
	return nil
}

// SignalContext creates a context that is cancelled when SIGINT or SIGTERM is received.
func SignalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Warn().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	return ctx
}
