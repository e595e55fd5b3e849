// Command cncbridge serves the CNC machine bridge API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/abutsfit/cncbridge/internal/config"
	"github.com/abutsfit/cncbridge/internal/daemon"
	"github.com/abutsfit/cncbridge/internal/health"
	xglog "github.com/abutsfit/cncbridge/internal/log"
	"github.com/abutsfit/cncbridge/internal/version"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "healthcheck":
			os.Exit(runHealthcheckCLI(os.Args[2:]))
		case "config":
			os.Exit(runConfigCLI(os.Args[2:]))
		}
	}

	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	os.Exit(run(strings.TrimSpace(*configPath)))
}

func run(configPath string) int {
	xglog.Configure(xglog.Config{Level: "info", Service: "cncbridge", Version: version.Version})
	logger := xglog.WithComponent("daemon")

	cfg, err := config.NewLoader(configPath, version.Version).Load()
	if err != nil {
		logger.Error().Err(err).
			Str(xglog.FieldEvent, "config.load_failed").
			Str(xglog.FieldPath, configPath).
			Msg("failed to load configuration")
		return 1
	}
	xglog.Reconfigure(xglog.Config{Level: cfg.Logging.Level, Service: cfg.Logging.Service, Version: cfg.Version})
	logger = xglog.WithComponent("daemon")

	source := "env+defaults"
	if configPath != "" {
		source = configPath
	}
	logger.Info().
		Str(xglog.FieldEvent, "startup").
		Str("version", version.Version).
		Str("commit", version.Commit).
		Str("build_date", version.Date).
		Str("config", source).
		Str("listen", cfg.Server.Listen).
		Msg("starting cncbridge")
	if cfg.API.SharedSecret == "" && len(cfg.API.AllowIPs) == 0 {
		logger.Warn().
			Str("security", "weak").
			Msg("no shared secret or IP allow-list configured; the API is open to the network")
	}

	ctx, stop := daemon.SignalContext(context.Background())
	defer stop()

	if err := health.PerformStartupChecks(ctx, cfg); err != nil {
		logger.Error().Err(err).
			Str(xglog.FieldEvent, "startup.check_failed").
			Msg("startup checks failed, verify configuration and permissions")
		return 1
	}

	app, err := daemon.Build(ctx, cfg, daemon.Options{})
	if err != nil {
		logger.Error().Err(err).Str(xglog.FieldEvent, "startup.build_failed").Msg("failed to initialise bridge")
		return 1
	}
	if err := app.Run(ctx); err != nil {
		logger.Error().Err(err).Str(xglog.FieldEvent, "daemon.failed").Msg("bridge stopped with error")
		return 1
	}
	return 0
}
