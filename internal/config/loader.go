package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/abutsfit/cncbridge/internal/log"
)

// ErrUnknownConfigField marks strict YAML failures caused by unknown keys.
var ErrUnknownConfigField = errors.New("unknown config field")

// Loader reads the configuration from a file and the environment.
type Loader struct {
	configPath string
	version    string
	// SkipLocalEnv disables the local.env lookup.
	SkipLocalEnv bool
	// WorkDir is where the local.env lookup starts. Empty means the
	// process working directory.
	WorkDir string
}

// NewLoader creates a Loader. configPath may be empty.
func NewLoader(configPath, version string) *Loader {
	return &Loader{configPath: configPath, version: version}
}

// Load builds the configuration: defaults, then the YAML file, then the
// environment, then Validate.
func (l *Loader) Load() (Config, error) {
	if !l.SkipLocalEnv {
		dir := l.WorkDir
		if dir == "" {
			dir, _ = os.Getwd()
		}
		logger := log.WithComponent("config")
		if path, err := LoadLocalEnv(dir); err != nil {
			logger.Warn().Err(err).Str(log.FieldPath, path).Msg("local.env not loaded")
		} else if path != "" {
			logger.Info().Str(log.FieldPath, path).Msg("loaded local.env")
		}
	}

	cfg := Defaults()
	if l.configPath != "" {
		if err := l.mergeFile(&cfg, l.configPath); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}
	if err := mergeEnv(&cfg); err != nil {
		return cfg, fmt.Errorf("environment: %w", err)
	}
	cfg.Version = l.version

	if abs, err := filepath.Abs(cfg.Store.Root); err == nil {
		cfg.Store.Root = abs
	}
	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// mergeFile decodes path over cfg. Unknown keys are rejected.
func (l *Loader) mergeFile(cfg *Config, path string) error {
	path = filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}
	// #nosec G304 -- the config path is chosen by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		if strings.Contains(err.Error(), "not found in type") {
			return fmt.Errorf("%w: %w", ErrUnknownConfigField, err)
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("config file contains multiple documents or trailing content")
	}
	return nil
}

// String renders cfg with secrets masked.
func (c Config) String() string {
	masked := c
	masked.API.SharedSecret = mask(c.API.SharedSecret)
	masked.Redis.Password = mask(c.Redis.Password)
	masked.API.AllowIPs = append([]string(nil), c.API.AllowIPs...)
	out, err := yaml.Marshal(masked)
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(out)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}
