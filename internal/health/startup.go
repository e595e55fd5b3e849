package health

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/abutsfit/cncbridge/internal/config"
	"github.com/abutsfit/cncbridge/internal/log"
)

// PerformStartupChecks prepares and checks the on-disk layout before any
// component opens its files.
func PerformStartupChecks(_ context.Context, cfg config.Config) error {
	logger := log.WithComponent("startup-check")

	if _, port, err := net.SplitHostPort(cfg.Server.Listen); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", cfg.Server.Listen, err)
	} else if n, err := strconv.Atoi(port); err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("invalid listen port %q", port)
	}

	dirs := map[string]string{
		"store root": cfg.Store.Root,
		"registry":   filepath.Dir(cfg.Registry.Path),
		"materials":  filepath.Dir(cfg.Database.MaterialsPath),
	}
	if cfg.Jobs.Store == "badger" {
		dirs["jobs"] = cfg.Jobs.BadgerPath
	}
	for label, dir := range dirs {
		if err := ensureWritableDir(logger, dir); err != nil {
			return fmt.Errorf("%s directory: %w", label, err)
		}
	}
	return nil
}

func ensureWritableDir(logger zerolog.Logger, path string) error {
	if err := os.MkdirAll(path, 0o750); err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}
	tmp, err := os.CreateTemp(path, ".write_test-*")
	if err != nil {
		return fmt.Errorf("directory is not writable: %s: %w", path, err)
	}
	name := tmp.Name()
	_ = tmp.Close()
	_ = os.Remove(name)

	logger.Debug().Str(log.FieldPath, path).Msg("directory is writable")
	return nil
}
