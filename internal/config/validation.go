package config

import (
	"math"

	"github.com/abutsfit/cncbridge/internal/validate"
)

// Validate checks ranges and enumerations.
func Validate(cfg Config) error {
	v := validate.New()

	v.ListenAddr("server.listen", cfg.Server.Listen)
	v.Positive("server.shutdownTimeout", cfg.Server.ShutdownTimeout)
	v.OneOf("logging.level", cfg.Logging.Level, []string{"trace", "debug", "info", "warn", "error"})

	v.OneOf("vendor.library", cfg.Vendor.Library, []string{"sim", "remote"})
	if cfg.Vendor.Library == "remote" {
		v.URL("vendor.agentUrl", cfg.Vendor.AgentURL, []string{"http", "https"})
	}
	v.Positive("vendor.timeout", cfg.Vendor.Timeout)

	v.OneOf("gate.scope", cfg.Gate.Scope, []string{"global", "per-machine"})
	v.Positive("handles.openTimeout", cfg.Handles.OpenTimeout)
	v.Positive("mode1.readTimeout", cfg.Mode1.ReadTimeout)
	v.Positive("mode1.reregisterInterval", cfg.Mode1.ReregisterInterval)
	v.Range("mode1.startIoUid", cfg.Mode1.StartIOUID, 0, math.MaxInt16)
	v.Range("mode1.stopIoUid", cfg.Mode1.StopIOUID, 0, math.MaxInt16)

	v.OneOf("cooldown.backend", cfg.Cooldown.Backend, []string{"memory", "redis"})
	v.Positive("cooldown.controlWindow", cfg.Cooldown.ControlWindow)
	v.Positive("cooldown.rawReadWindow", cfg.Cooldown.RawReadWindow)
	if cfg.Cooldown.Backend == "redis" {
		v.NotEmpty("redis.addr", cfg.Redis.Addr)
	}

	v.Range("jobs.workers", cfg.Jobs.Workers, 1, 256)
	v.Range("jobs.queueSize", cfg.Jobs.QueueSize, 1, 1<<20)
	v.Positive("jobs.ttl", cfg.Jobs.TTL)
	v.OneOf("jobs.store", cfg.Jobs.Store, []string{"memory", "badger"})
	if cfg.Jobs.Store == "badger" {
		v.NotEmpty("jobs.badgerPath", cfg.Jobs.BadgerPath)
	}

	v.Positive("program.busyPollInterval", cfg.Program.BusyPollInterval)
	v.Positive("program.busyMaxWait", cfg.Program.BusyMaxWait)

	if cfg.Dispatch.Enabled {
		v.Positive("dispatch.interval", cfg.Dispatch.Interval)
		v.Positive("dispatch.assumeDone", cfg.Dispatch.AssumeDone)
	}
	v.Range("dispatch.busyIoUid", cfg.Dispatch.BusyIOUID, 0, math.MaxInt16)
	v.Range("dispatch.maxStartFailures", cfg.Dispatch.MaxStartFailures, 1, 1000)

	v.NotEmpty("registry.path", cfg.Registry.Path)
	v.NotEmpty("store.root", cfg.Store.Root)
	v.NotEmpty("database.materialsPath", cfg.Database.MaterialsPath)

	if cfg.Telemetry.Enabled {
		v.OneOf("telemetry.exporter", cfg.Telemetry.Exporter, []string{"grpc", "http"})
		v.NotEmpty("telemetry.endpoint", cfg.Telemetry.Endpoint)
		if cfg.Telemetry.SamplingRate < 0 || cfg.Telemetry.SamplingRate > 1 {
			v.AddError("telemetry.samplingRate", "must be between 0 and 1", cfg.Telemetry.SamplingRate)
		}
	}

	v.Range("api.rateLimit", cfg.API.RateLimit, 0, 1_000_000)
	v.Range("api.fanoutConcurrency", cfg.API.FanoutConcurrency, 1, 256)
	v.Positive("api.listTimeout", cfg.API.ListTimeout)
	v.IPOrCIDR("api.allowIps", cfg.API.AllowIPs)

	return v.Err()
}
