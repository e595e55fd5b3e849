package daemon

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/abutsfit/cncbridge/internal/log"
)

// Registry is the reloadable machine registry.
type Registry interface {
	Reload() ([]string, error)
	Watch(ctx context.Context) error
}

// Worker is a background pool started with the daemon and stopped by a
// shutdown hook.
type Worker interface {
	Start()
}

// App owns the long-lived runtime: the registry watcher, the reload signal,
// the job pool and the server manager.
type App struct {
	logger        zerolog.Logger
	manager       Manager
	registry      Registry
	watchRegistry bool
	workers       []Worker
	reloadSignal  os.Signal
}

// NewApp creates an App. registry may be nil.
func NewApp(logger zerolog.Logger, manager Manager, registry Registry, watchRegistry bool, workers ...Worker) *App {
	return &App{
		logger:        logger,
		manager:       manager,
		registry:      registry,
		watchRegistry: watchRegistry,
		workers:       workers,
		reloadSignal:  syscall.SIGHUP,
	}
}

// Manager returns the server manager.
func (a *App) Manager() Manager { return a.manager }

// Run starts everything and blocks until ctx is cancelled or the server
// fails.
func (a *App) Run(ctx context.Context) error {
	if a.manager == nil {
		return ErrMissingManager
	}
	for _, w := range a.workers {
		w.Start()
	}

	g, gctx := errgroup.WithContext(ctx)

	// The watcher is best effort; the registry stays usable without it.
	if a.registry != nil && a.watchRegistry {
		g.Go(func() error {
			if err := a.registry.Watch(gctx); err != nil {
				a.logger.Warn().Err(err).Str(log.FieldEvent, "registry.watcher_start_failed").Msg("registry watcher not running")
			}
			return nil
		})
	}

	if a.registry != nil && a.reloadSignal != nil {
		g.Go(func() error {
			hup := make(chan os.Signal, 1)
			signal.Notify(hup, a.reloadSignal)
			defer signal.Stop(hup)
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-hup:
					a.reload()
				}
			}
		})
	}

	g.Go(func() error {
		return a.manager.Start(gctx)
	})

	return g.Wait()
}

func (a *App) reload() {
	changed, err := a.registry.Reload()
	if err != nil {
		a.logger.Warn().Err(err).Str(log.FieldEvent, "registry.reload_failed").Msg("registry reload failed")
		return
	}
	a.logger.Info().
		Str(log.FieldEvent, "registry.reload_signal").
		Strs("changed", changed).
		Msg("registry reloaded on signal")
}
