package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LocalEnvFile is looked up from the working directory upwards.
const LocalEnvFile = "local.env"

const maxLocalEnvDepth = 10

// FindLocalEnv returns the first local.env in dir or its parents, at most
// ten levels up. Empty means none was found.
func FindLocalEnv(dir string) string {
	current := dir
	for i := 0; i < maxLocalEnvDepth && current != ""; i++ {
		candidate := filepath.Join(current, LocalEnvFile)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}
	return ""
}

// LoadLocalEnv loads the nearest local.env into the process environment.
// Variables that are already set keep their value.
func LoadLocalEnv(dir string) (string, error) {
	path := FindLocalEnv(dir)
	if path == "" {
		return "", nil
	}
	// godotenv.Load never overrides existing variables.
	if err := godotenv.Load(path); err != nil {
		return path, err
	}
	return path, nil
}

// envBinding maps one environment variable onto a config field.
type envBinding struct {
	key   string
	apply func(cfg *Config, v string) error
}

func str(dst func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error { *dst(c) = v; return nil }
}

func integer(dst func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("not an integer: %q", v)
		}
		*dst(c) = n
		return nil
	}
}

func boolean(dst func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		switch strings.ToLower(v) {
		case "true", "1", "yes":
			*dst(c) = true
		case "false", "0", "no":
			*dst(c) = false
		default:
			return fmt.Errorf("not a boolean: %q", v)
		}
		return nil
	}
}

func duration(dst func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			// bare integers are milliseconds
			ms, ierr := strconv.Atoi(v)
			if ierr != nil {
				return fmt.Errorf("not a duration: %q", v)
			}
			d = time.Duration(ms) * time.Millisecond
		}
		*dst(c) = d
		return nil
	}
}

func list(dst func(*Config) *[]string) func(*Config, string) error {
	return func(c *Config, v string) error {
		var out []string
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		*dst(c) = out
		return nil
	}
}

var envBindings = []envBinding{
	// Legacy names used by existing deployments.
	{"BRIDGE_STORE_ROOT", str(func(c *Config) *string { return &c.Store.Root })},
	{"BRIDGE_SHARED_SECRET", str(func(c *Config) *string { return &c.API.SharedSecret })},
	{"BRIDGE_ALLOW_IPS", list(func(c *Config) *[]string { return &c.API.AllowIPs })},
	{"BRIDGE_SERIAL", str(func(c *Config) *string { return &c.Vendor.Serial })},
	{"CNC_START_IOUID", integer(func(c *Config) *int { return &c.Mode1.StartIOUID })},
	{"CNC_STOP_IOUID", integer(func(c *Config) *int { return &c.Mode1.StopIOUID })},
	{"CNC_BUSY_IOUID", integer(func(c *Config) *int { return &c.Dispatch.BusyIOUID })},
	{"CNC_CONTINUOUS_ENABLED", boolean(func(c *Config) *bool { return &c.Dispatch.Enabled })},

	{"CNCBRIDGE_LISTEN", str(func(c *Config) *string { return &c.Server.Listen })},
	{"CNCBRIDGE_SHUTDOWN_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.Server.ShutdownTimeout })},
	{"CNCBRIDGE_LOG_LEVEL", str(func(c *Config) *string { return &c.Logging.Level })},
	{"CNCBRIDGE_VENDOR_LIBRARY", str(func(c *Config) *string { return &c.Vendor.Library })},
	{"CNCBRIDGE_VENDOR_AGENT_URL", str(func(c *Config) *string { return &c.Vendor.AgentURL })},
	{"CNCBRIDGE_VENDOR_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.Vendor.Timeout })},
	{"CNCBRIDGE_GATE_SCOPE", str(func(c *Config) *string { return &c.Gate.Scope })},
	{"CNCBRIDGE_HANDLE_OPEN_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.Handles.OpenTimeout })},
	{"CNCBRIDGE_READ_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.Mode1.ReadTimeout })},
	{"CNCBRIDGE_COOLDOWN_BACKEND", str(func(c *Config) *string { return &c.Cooldown.Backend })},
	{"CNCBRIDGE_COOLDOWN_CONTROL_WINDOW", duration(func(c *Config) *time.Duration { return &c.Cooldown.ControlWindow })},
	{"CNCBRIDGE_COOLDOWN_RAW_WINDOW", duration(func(c *Config) *time.Duration { return &c.Cooldown.RawReadWindow })},
	{"CNCBRIDGE_JOBS_WORKERS", integer(func(c *Config) *int { return &c.Jobs.Workers })},
	{"CNCBRIDGE_JOBS_QUEUE_SIZE", integer(func(c *Config) *int { return &c.Jobs.QueueSize })},
	{"CNCBRIDGE_JOBS_TTL", duration(func(c *Config) *time.Duration { return &c.Jobs.TTL })},
	{"CNCBRIDGE_JOBS_STORE", str(func(c *Config) *string { return &c.Jobs.Store })},
	{"CNCBRIDGE_JOBS_BADGER_PATH", str(func(c *Config) *string { return &c.Jobs.BadgerPath })},
	{"CNCBRIDGE_PROGRAM_BUSY_MAX_WAIT", duration(func(c *Config) *time.Duration { return &c.Program.BusyMaxWait })},
	{"CNCBRIDGE_REGISTRY_PATH", str(func(c *Config) *string { return &c.Registry.Path })},
	{"CNCBRIDGE_REGISTRY_WATCH", boolean(func(c *Config) *bool { return &c.Registry.Watch })},
	{"CNCBRIDGE_MATERIALS_DB", str(func(c *Config) *string { return &c.Database.MaterialsPath })},
	{"CNCBRIDGE_REDIS_ADDR", str(func(c *Config) *string { return &c.Redis.Addr })},
	{"CNCBRIDGE_REDIS_PASSWORD", str(func(c *Config) *string { return &c.Redis.Password })},
	{"CNCBRIDGE_REDIS_DB", integer(func(c *Config) *int { return &c.Redis.DB })},
	{"CNCBRIDGE_TELEMETRY_ENABLED", boolean(func(c *Config) *bool { return &c.Telemetry.Enabled })},
	{"CNCBRIDGE_TELEMETRY_EXPORTER", str(func(c *Config) *string { return &c.Telemetry.Exporter })},
	{"CNCBRIDGE_TELEMETRY_ENDPOINT", str(func(c *Config) *string { return &c.Telemetry.Endpoint })},
	{"CNCBRIDGE_API_RATE_LIMIT", integer(func(c *Config) *int { return &c.API.RateLimit })},
	{"CNCBRIDGE_API_FANOUT", integer(func(c *Config) *int { return &c.API.FanoutConcurrency })},
	{"CNCBRIDGE_API_VALIDATE_REQUESTS", boolean(func(c *Config) *bool { return &c.API.ValidateRequests })},
	{"CNCBRIDGE_DISPATCH_INTERVAL", duration(func(c *Config) *time.Duration { return &c.Dispatch.Interval })},
	{"CNCBRIDGE_DISPATCH_ASSUME_DONE", duration(func(c *Config) *time.Duration { return &c.Dispatch.AssumeDone })},
}

// EnvKeys lists every environment variable the loader reads.
func EnvKeys() []string {
	keys := make([]string, len(envBindings))
	for i, b := range envBindings {
		keys[i] = b.key
	}
	return keys
}

// mergeEnv applies set, non-blank variables. Malformed values fail the load.
func mergeEnv(cfg *Config) error {
	var errs []error
	for _, b := range envBindings {
		v, ok := os.LookupEnv(b.key)
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if err := b.apply(cfg, v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.key, err))
		}
	}
	return errors.Join(errs...)
}
