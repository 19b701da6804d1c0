package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pagemark/pagemark-agent/internal/agent"
	"github.com/pagemark/pagemark-agent/internal/config"
	"github.com/pagemark/pagemark-agent/internal/host"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		runCmd(os.Args[2:])
	case "init":
		initCmd(os.Args[2:])
	case "version":
		fmt.Printf("pagemark-agent %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `pagemark-agent

Usage:
  pagemark-agent init [flags]
  pagemark-agent run [flags]
  pagemark-agent version

Commands:
  init        Write a config file with the given endpoints.
  run         Run the agent against the configured document-host bridge.
  version     Print build information.

`)
}

func initCmd(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	hostEndpoint := fs.String("host", "", "Document-host bridge base URL (e.g. http://127.0.0.1:8022)")
	repairEndpoint := fs.String("repair", "", "Plan repair service base URL (empty: repairs disabled)")
	stateDir := fs.String("state-dir", "", "State directory (default: config file directory)")
	logFormat := fs.String("log-format", "text", "Log format: json|text")
	logLevel := fs.String("log-level", "info", "Log level: debug|info|warn|error")
	_ = fs.Parse(args)

	if strings.TrimSpace(*hostEndpoint) == "" {
		fs.Usage()
		os.Exit(2)
	}

	cfg := &config.Config{
		StateDir:       strings.TrimSpace(*stateDir),
		HostEndpoint:   strings.TrimSpace(*hostEndpoint),
		RepairEndpoint: strings.TrimSpace(*repairEndpoint),
		LogFormat:      *logFormat,
		LogLevel:       *logLevel,
	}
	if cfg.StateDir == "" {
		cfg.StateDir = filepath.Dir(filepath.Clean(*cfgPath))
	}
	if err := config.Save(filepath.Clean(*cfgPath), cfg); err != nil {
		fmt.Fprintf(os.Stderr, "init failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config written: %s\n", filepath.Clean(*cfgPath))
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	_ = fs.Parse(args)

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if strings.TrimSpace(cfg.HostEndpoint) == "" {
		fmt.Fprintln(os.Stderr, "missing host_endpoint in config (run `pagemark-agent init`)")
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logging: %v\n", err)
		os.Exit(1)
	}

	bridge, err := host.NewHTTPBridge(host.HTTPOptions{BaseURL: cfg.HostEndpoint})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init host bridge: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := agent.New(ctx, agent.Options{
		Logger: logger,
		Config: cfg,
		Host:   bridge,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init agent: %v\n", err)
		os.Exit(1)
	}

	logger.Info("agent started",
		"version", Version,
		"state_dir", cfg.StateDir,
		"host_endpoint", cfg.HostEndpoint)

	// Graceful shutdown on SIGINT/SIGTERM.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down")
	cancel()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	if err := svc.Close(closeCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
		os.Exit(1)
	}
}

func newLogger(format string, level string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %q", level)
	}

	var h slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		h = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	case "json":
		h = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("unknown log format: %q", format)
	}
	return slog.New(h), nil
}
