// Package daemon wires the bridge components together and runs them.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/abutsfit/cncbridge/internal/api"
	"github.com/abutsfit/cncbridge/internal/api/middleware"
	"github.com/abutsfit/cncbridge/internal/config"
	"github.com/abutsfit/cncbridge/internal/cooldown"
	"github.com/abutsfit/cncbridge/internal/dispatch"
	"github.com/abutsfit/cncbridge/internal/gate"
	"github.com/abutsfit/cncbridge/internal/handles"
	"github.com/abutsfit/cncbridge/internal/health"
	"github.com/abutsfit/cncbridge/internal/hilink"
	"github.com/abutsfit/cncbridge/internal/hilink/remote"
	"github.com/abutsfit/cncbridge/internal/hilink/sim"
	"github.com/abutsfit/cncbridge/internal/jobs"
	"github.com/abutsfit/cncbridge/internal/log"
	"github.com/abutsfit/cncbridge/internal/material"
	"github.com/abutsfit/cncbridge/internal/metrics"
	"github.com/abutsfit/cncbridge/internal/mode1"
	"github.com/abutsfit/cncbridge/internal/program"
	"github.com/abutsfit/cncbridge/internal/queue"
	"github.com/abutsfit/cncbridge/internal/registry"
	"github.com/abutsfit/cncbridge/internal/store"
	"github.com/abutsfit/cncbridge/internal/telemetry"
)

// healthCheckJobID never matches a real job; looking it up exercises the
// job store.
const healthCheckJobID = "healthcheck-lookup"

// Options overrides parts of the runtime.
type Options struct {
	// Library replaces the vendor library selected by the config.
	Library hilink.Library
}

// closers accumulates cleanups so a failed Build releases what it opened.
type closers []namedHook

func (c *closers) add(name string, fn ShutdownHook) {
	*c = append(*c, namedHook{name: name, hook: fn})
}

func (c closers) closeAll(ctx context.Context) {
	for i := len(c) - 1; i >= 0; i-- {
		_ = c[i].hook(ctx)
	}
}

// Build opens every component described by cfg and returns an App ready to
// Run. Resources are released by the manager's shutdown hooks.
func Build(ctx context.Context, cfg config.Config, opts Options) (app *App, err error) {
	logger := log.WithComponent("daemon")
	var cleanup closers
	defer func() {
		if err != nil {
			cleanup.closeAll(context.WithoutCancel(ctx))
		}
	}()

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Logging.Service,
		ServiceVersion: cfg.Version,
		Environment:    cfg.Telemetry.Environment,
		ExporterType:   cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		logger.Warn().Err(err).Str(log.FieldEvent, "telemetry.init_failed").Msg("continuing without tracing")
	} else {
		cleanup.add("telemetry", tp.Shutdown)
	}

	hm := health.NewManager(cfg.Version)

	lib := opts.Library
	if lib == nil {
		switch cfg.Vendor.Library {
		case "remote":
			agent := remote.New(remote.Config{
				BaseURL:          cfg.Vendor.AgentURL,
				Timeout:          cfg.Vendor.Timeout,
				Serial:           cfg.Vendor.Serial,
				BreakerThreshold: cfg.Vendor.BreakerThreshold,
				BreakerReset:     cfg.Vendor.BreakerReset,
			})
			hm.RegisterChecker(health.NewSoftChecker("vendor_agent", agent.Ping))
			lib = agent
		default:
			logger.Warn().Str(log.FieldEvent, "vendor.simulated").Msg("using the simulated vendor library")
			lib = sim.New(sim.WithAutoCreate())
		}
	}

	reg, err := registry.Open(cfg.Registry.Path)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	metrics.SetRegistryMachines(len(reg.List()))
	hm.RegisterChecker(health.NewFileChecker("registry", cfg.Registry.Path, true))

	g := gate.New(gate.Config{Scope: gate.Scope(cfg.Gate.Scope), SlowCallThreshold: cfg.Gate.SlowCallThreshold})
	hs := handles.New(lib, g, reg, handles.Config{OpenTimeout: cfg.Handles.OpenTimeout, OpenWait: cfg.Handles.OpenWait})
	cleanup.add("handles", func(ctx context.Context) error {
		hs.Close(ctx)
		return nil
	})
	reg.OnChange(func(uids []string) {
		hs.InvalidateAll(uids, "registry_changed")
	})

	client := mode1.New(lib, g, hs, reg, mode1.Config{
		ReadTimeout:        cfg.Mode1.ReadTimeout,
		ReregisterInterval: cfg.Mode1.ReregisterInterval,
	})
	cleanup.add("mode1", func(context.Context) error {
		client.Wait()
		return nil
	})

	files, err := store.New(cfg.Store.Root)
	if err != nil {
		return nil, fmt.Errorf("open program store: %w", err)
	}
	hm.RegisterChecker(health.NewFuncChecker("store", func(context.Context) error { return files.CheckWritable() }))

	pipeline := program.NewPipeline(client, files, program.Config{
		BusyPollInterval: cfg.Program.BusyPollInterval,
		BusyMaxWait:      cfg.Program.BusyMaxWait,
	})

	var jobStore jobs.Store
	switch cfg.Jobs.Store {
	case "badger":
		bs, err := jobs.OpenBadgerStore(cfg.Jobs.BadgerPath, cfg.Jobs.TTL)
		if err != nil {
			return nil, fmt.Errorf("open job store: %w", err)
		}
		jobStore = bs
	default:
		jobStore = jobs.NewMemoryStore(cfg.Jobs.TTL)
	}
	if c, ok := jobStore.(io.Closer); ok {
		cleanup.add("job_store", func(context.Context) error { return c.Close() })
	}
	tracker := jobs.New(jobStore, jobs.Config{
		Workers:        cfg.Jobs.Workers,
		QueueSize:      cfg.Jobs.QueueSize,
		SweepInterval:  cfg.Jobs.SweepInterval,
		FailurePayload: api.JobFailurePayload,
	})
	cleanup.add("jobs", tracker.Stop)
	hm.RegisterChecker(health.NewFuncChecker("jobs", func(ctx context.Context) error {
		_, err := tracker.Get(ctx, healthCheckJobID)
		if errors.Is(err, jobs.ErrNotFound) {
			return nil
		}
		return err
	}))

	var backend cooldown.Backend
	switch cfg.Cooldown.Backend {
	case "redis":
		rb, err := cooldown.NewRedis(ctx, cooldown.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("cooldown backend: %w", err)
		}
		cleanup.add("cooldown", func(context.Context) error { return rb.Close() })
		hm.RegisterChecker(health.NewSoftChecker("cooldown_redis", rb.Ping))
		backend = rb
	default:
		backend = cooldown.NewMemory()
	}
	cool := cooldown.New(backend, cfg.Cooldown.ControlWindow, cfg.Cooldown.RawReadWindow)

	materials, err := material.Open(ctx, cfg.Database.MaterialsPath)
	if err != nil {
		return nil, fmt.Errorf("open material store: %w", err)
	}
	cleanup.add("materials", func(context.Context) error { return materials.Close() })
	hm.RegisterChecker(health.NewFuncChecker("materials", materials.Ping))

	queues := queue.New()
	dispatcher := dispatch.New(client, pipeline, queues, tracker, dispatch.Config{
		Disabled:         !cfg.Dispatch.Enabled,
		Interval:         cfg.Dispatch.Interval,
		StartIOUID:       int16(cfg.Mode1.StartIOUID),
		BusyIOUID:        int16(cfg.Dispatch.BusyIOUID),
		AssumeDone:       cfg.Dispatch.AssumeDone,
		SmartMaxWait:     cfg.Dispatch.SmartMaxWait,
		MaxStartFailures: cfg.Dispatch.MaxStartFailures,
		VerifyTimeout:    cfg.Dispatch.VerifyTimeout,
	})
	cleanup.add("dispatch", dispatcher.Stop)

	stack := middleware.StackConfig{
		EnableMetrics:      true,
		EnableLogging:      true,
		RateLimitPerMinute: cfg.API.RateLimit,
		Access: middleware.AccessConfig{
			AllowIPs:     cfg.API.AllowIPs,
			SharedSecret: cfg.API.SharedSecret,
		},
	}
	if cfg.Telemetry.Enabled {
		stack.TracingService = cfg.Logging.Service
	}
	srv := api.New(api.Deps{
		Machines:  client,
		Handles:   hs,
		Registry:  reg,
		Programs:  pipeline,
		Jobs:      tracker,
		Cooldown:  cool,
		Store:     files,
		Queue:     queues,
		Dispatch:  dispatcher,
		Materials: materials,
		Health:    hm,
	}, api.Config{
		ListTimeout:       cfg.API.ListTimeout,
		VerifyTimeout:     cfg.Program.VerifyTimeout,
		FanoutConcurrency: cfg.API.FanoutConcurrency,
		StartIOUID:        int16(cfg.Mode1.StartIOUID),
		StopIOUID:         int16(cfg.Mode1.StopIOUID),
		ValidateRequests:  cfg.API.ValidateRequests,
		Stack:             stack,
	})

	mgr, err := NewManager(cfg.Server, Deps{Logger: logger, APIHandler: srv.Handler()})
	if err != nil {
		return nil, err
	}
	for _, c := range cleanup {
		mgr.RegisterShutdownHook(c.name, c.hook)
	}

	logger.Info().
		Str(log.FieldEvent, "daemon.built").
		Str("vendor", cfg.Vendor.Library).
		Str("gate_scope", string(g.Scope())).
		Str("jobs_store", cfg.Jobs.Store).
		Str("cooldown_backend", backend.Name()).
		Bool("continuous", cfg.Dispatch.Enabled).
		Int("machines", len(reg.List())).
		Msg("bridge components ready")

	return NewApp(logger, mgr, reg, cfg.Registry.Watch, tracker, dispatcher), nil
}

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
