package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/abutsfit/cncbridge/internal/config"
	"github.com/abutsfit/cncbridge/internal/version"
)

func runConfigCLI(args []string) int {
	return configCLI(args, os.Stdout, os.Stderr)
}

func configCLI(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printConfigUsage(stderr)
		return 0
	}
	switch args[0] {
	case "validate":
		return configValidate(args[1:], stdout, stderr)
	case "dump":
		return configDump(args[1:], stdout, stderr)
	case "env":
		for _, k := range config.EnvKeys() {
			fmt.Fprintln(stdout, k)
		}
		return 0
	default:
		fmt.Fprintf(stderr, "unknown subcommand: %s\n\n", args[0])
		printConfigUsage(stderr)
		return 2
	}
}

func printConfigUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  cncbridge config validate [-f config.yaml]")
	fmt.Fprintln(w, "  cncbridge config dump [-f config.yaml] [--format=yaml|json]")
	fmt.Fprintln(w, "  cncbridge config env")
}

func loadForCLI(name string, args []string, stderr io.Writer, extra func(fs *flag.FlagSet)) (config.Config, string, int) {
	fs := flag.NewFlagSet("cncbridge config "+name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	var file string
	fs.StringVar(&file, "file", "", "path to YAML configuration file")
	fs.StringVar(&file, "f", "", "path to YAML configuration file (shorthand)")
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		return config.Config{}, "", 2
	}
	file = strings.TrimSpace(file)

	loader := config.NewLoader(file, version.Version)
	loader.SkipLocalEnv = true
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return cfg, file, 1
	}
	return cfg, file, 0
}

func configValidate(args []string, stdout, stderr io.Writer) int {
	_, file, code := loadForCLI("validate", args, stderr, nil)
	if code != 0 {
		return code
	}
	if file == "" {
		file = "defaults + environment"
	}
	fmt.Fprintf(stdout, "%s is valid\n", file)
	return 0
}

func configDump(args []string, stdout, stderr io.Writer) int {
	var format string
	cfg, _, code := loadForCLI("dump", args, stderr, func(fs *flag.FlagSet) {
		fs.StringVar(&format, "format", "yaml", "output format: yaml or json")
	})
	if code != 0 {
		return code
	}
	switch format {
	case "yaml":
		fmt.Fprint(stdout, cfg.String())
	case "json":
		masked := cfg
		if masked.API.SharedSecret != "" {
			masked.API.SharedSecret = "***"
		}
		if masked.Redis.Password != "" {
			masked.Redis.Password = "***"
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(masked); err != nil {
			fmt.Fprintf(stderr, "encode: %v\n", err)
			return 1
		}
	default:
		fmt.Fprintf(stderr, "unsupported format: %s\n", format)
		return 2
	}
	return 0
}
