// Package config loads the bridge configuration.
//
// Precedence is environment over YAML file over defaults. A local.env file
// found in the working directory or one of its parents is loaded first and
// never overrides variables already set.
package config

import (
	"time"
)

// Config is the complete bridge configuration.
type Config struct {
	Version   string          `yaml:"-"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Vendor    VendorConfig    `yaml:"vendor"`
	Gate      GateConfig      `yaml:"gate"`
	Handles   HandlesConfig   `yaml:"handles"`
	Mode1     Mode1Config     `yaml:"mode1"`
	Cooldown  CooldownConfig  `yaml:"cooldown"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Program   ProgramConfig   `yaml:"program"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Registry  RegistryConfig  `yaml:"registry"`
	Store     StoreConfig     `yaml:"store"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	API       APIConfig       `yaml:"api"`
}

type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

type LoggingConfig struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
}

// VendorConfig selects the vendor library implementation.
type VendorConfig struct {
	// Library is "sim" or "remote".
	Library          string        `yaml:"library"`
	AgentURL         string        `yaml:"agentUrl"`
	Timeout          time.Duration `yaml:"timeout"`
	Serial           string        `yaml:"serial"`
	BreakerThreshold int           `yaml:"breakerThreshold"`
	BreakerReset     time.Duration `yaml:"breakerReset"`
}

type GateConfig struct {
	// Scope is "global" or "per-machine".
	Scope             string        `yaml:"scope"`
	SlowCallThreshold time.Duration `yaml:"slowCallThreshold"`
}

type HandlesConfig struct {
	OpenTimeout time.Duration `yaml:"openTimeout"`
	OpenWait    time.Duration `yaml:"openWait"`
}

type Mode1Config struct {
	ReadTimeout        time.Duration `yaml:"readTimeout"`
	ReregisterInterval time.Duration `yaml:"reregisterInterval"`
	StartIOUID         int           `yaml:"startIoUid"`
	StopIOUID          int           `yaml:"stopIoUid"`
}

type CooldownConfig struct {
	// Backend is "memory" or "redis".
	Backend       string        `yaml:"backend"`
	ControlWindow time.Duration `yaml:"controlWindow"`
	RawReadWindow time.Duration `yaml:"rawReadWindow"`
}

type JobsConfig struct {
	Workers       int           `yaml:"workers"`
	QueueSize     int           `yaml:"queueSize"`
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
	// Store is "memory" or "badger".
	Store      string `yaml:"store"`
	BadgerPath string `yaml:"badgerPath"`
}

type ProgramConfig struct {
	BusyPollInterval time.Duration `yaml:"busyPollInterval"`
	BusyMaxWait      time.Duration `yaml:"busyMaxWait"`
	VerifyTimeout    time.Duration `yaml:"verifyTimeout"`
}

// DispatchConfig tunes the machining queue consumer.
type DispatchConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	// BusyIOUID is the panel IO point that is on while a program runs.
	BusyIOUID int `yaml:"busyIoUid"`
	// AssumeDone ends a job whose busy signal never dropped.
	AssumeDone       time.Duration `yaml:"assumeDone"`
	SmartMaxWait     time.Duration `yaml:"smartMaxWait"`
	MaxStartFailures int           `yaml:"maxStartFailures"`
	VerifyTimeout    time.Duration `yaml:"verifyTimeout"`
}

type RegistryConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

type StoreConfig struct {
	Root string `yaml:"root"`
}

type DatabaseConfig struct {
	// MaterialsPath is the SQLite file for machine material records.
	MaterialsPath string `yaml:"materialsPath"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"keyPrefix"`
}

type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"samplingRate"`
	Environment  string  `yaml:"environment"`
}

type APIConfig struct {
	RateLimit         int           `yaml:"rateLimit"`
	FanoutConcurrency int           `yaml:"fanoutConcurrency"`
	ListTimeout       time.Duration `yaml:"listTimeout"`
	SharedSecret      string        `yaml:"sharedSecret"`
	AllowIPs          []string      `yaml:"allowIps"`
	// ValidateRequests checks requests against the embedded OpenAPI document.
	ValidateRequests bool `yaml:"validateRequests"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Listen:          ":8002",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Service: "cncbridge"},
		Vendor: VendorConfig{
			Library:          "sim",
			AgentURL:         "http://127.0.0.1:5005",
			Timeout:          30 * time.Second,
			BreakerThreshold: 5,
			BreakerReset:     30 * time.Second,
		},
		Gate:    GateConfig{Scope: "global", SlowCallThreshold: 2 * time.Second},
		Handles: HandlesConfig{OpenTimeout: 10 * time.Second, OpenWait: 30 * time.Second},
		Mode1: Mode1Config{
			ReadTimeout:        2500 * time.Millisecond,
			ReregisterInterval: 10 * time.Second,
			StartIOUID:         61,
			StopIOUID:          62,
		},
		Cooldown: CooldownConfig{
			Backend:       "memory",
			ControlWindow: 5 * time.Second,
			RawReadWindow: 2 * time.Second,
		},
		Jobs: JobsConfig{
			Workers:       8,
			QueueSize:     1024,
			TTL:           time.Hour,
			SweepInterval: time.Minute,
			Store:         "memory",
			BadgerPath:    "data/jobs",
		},
		Program: ProgramConfig{
			BusyPollInterval: time.Second,
			BusyMaxWait:      20 * time.Second,
			VerifyTimeout:    15 * time.Second,
		},
		Dispatch: DispatchConfig{
			Enabled:          true,
			Interval:         3 * time.Second,
			BusyIOUID:        61,
			AssumeDone:       20 * time.Minute,
			SmartMaxWait:     30 * time.Minute,
			MaxStartFailures: 10,
			VerifyTimeout:    40 * time.Second,
		},
		Registry: RegistryConfig{Path: "data/machines.json", Watch: true},
		Store:    StoreConfig{Root: "storage/3-direct"},
		Database: DatabaseConfig{MaterialsPath: "data/materials.sqlite"},
		Redis:    RedisConfig{Addr: "127.0.0.1:6379", KeyPrefix: "cncbridge:cooldown:"},
		Telemetry: TelemetryConfig{
			Exporter:     "grpc",
			Endpoint:     "localhost:4317",
			SamplingRate: 1.0,
			Environment:  "production",
		},
		API: APIConfig{
			RateLimit:         600,
			FanoutConcurrency: 8,
			ListTimeout:       2500 * time.Millisecond,
		},
	}
}
