package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/nbrelay/nbrelay/internal/api"
	"github.com/nbrelay/nbrelay/internal/bus"
	"github.com/nbrelay/nbrelay/internal/config"
	"github.com/nbrelay/nbrelay/internal/dispatch"
	"github.com/nbrelay/nbrelay/internal/events"
	"github.com/nbrelay/nbrelay/internal/joblog"
	"github.com/nbrelay/nbrelay/internal/kernel"
	"github.com/nbrelay/nbrelay/internal/lock"
	"github.com/nbrelay/nbrelay/internal/log"
	"github.com/nbrelay/nbrelay/internal/protocol"
	"github.com/nbrelay/nbrelay/internal/render"
	"github.com/nbrelay/nbrelay/internal/storage"
	"github.com/nbrelay/nbrelay/internal/topology"
	"github.com/nbrelay/nbrelay/internal/tracker"
	"github.com/nbrelay/nbrelay/internal/worker"
)

const version = "0.2.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "dispatcher":
		os.Exit(runDispatcher(args))
	case "worker":
		os.Exit(runWorker(args))
	case "init":
		os.Exit(runInit(args))
	case "version":
		fmt.Printf("nbrelay version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`nbrelay - notebook diagram conversion relay

Usage:
  nbrelay <command> [flags]

Commands:
  init          Provision bus streams (run once per cluster, exits non-zero on failure)
  dispatcher    Run the notebook dispatcher
  worker        Run a converter worker (--kind drawio|plantuml)
  version       Show version information
  help          Show this help message

Common flags:
  --config PATH   Configuration file or directory (default: discovered)
`)
}

// loadConfig resolves and loads configuration for all roles. A .env file in
// the working directory seeds the environment before ${VAR} interpolation.
func loadConfig(configPath string) (*config.Config, error) {
	_ = godotenv.Load()

	path := configPath
	if path == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			return nil, err
		}
		path = discovered
	}
	return config.Load(path)
}

func runInit(args []string) int {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	force := fs.Bool("force", false, "Delete and recreate existing streams")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}
	log.Setup(cfg.Service.LogLevel)
	logger := log.Get()

	client, err := bus.Connect(cfg.Bus, cfg.Service.Name+"-init")
	if err != nil {
		logger.Error("failed to connect to bus", "error", err)
		return 1
	}
	defer client.Close()

	provisioner := topology.New(client.JetStream(), topology.Options{
		ForceDelete: *force,
		Backoff:     cfg.Bus.ConnectBackoff,
	})
	if err := provisioner.EnsureStreams(context.Background(), topology.Streams(cfg.Subjects)); err != nil {
		logger.Error("stream provisioning failed", "error", err)
		return 1
	}
	logger.Info("streams provisioned")
	return 0
}

func runWorker(args []string) int {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	kindName := fs.String("kind", "", "Converter kind to run (drawio|plantuml)")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}
	log.Setup(cfg.Service.LogLevel)
	logger := log.Get()

	kind, err := protocol.ParseKind(*kindName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	renderer, err := render.ForKind(kind, cfg.Worker)
	if err != nil {
		logger.Error("failed to build renderer", "kind", string(kind), "error", err)
		return 1
	}

	client, err := bus.Connect(cfg.Bus, fmt.Sprintf("%s-worker-%s", cfg.Service.Name, kind))
	if err != nil {
		logger.Error("failed to connect to bus", "error", err)
		return 1
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := worker.New(client, renderer, kind, cfg)
	if err := w.Start(ctx); err != nil {
		logger.Error("failed to start worker", "error", err)
		return 1
	}
	defer w.Stop()

	logger.Info("worker running (press Ctrl+C to stop)", "kind", string(kind))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())
	return 0
}

func runDispatcher(args []string) int {
	fs := flag.NewFlagSet("dispatcher", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}
	log.Setup(cfg.Service.LogLevel)
	logger := log.Get()

	if cfg.Dispatch.LockPath != "" {
		l, err := lock.Acquire(cfg.Dispatch.LockPath)
		if err != nil {
			logger.Error("failed to acquire dispatcher lock", "error", err)
			return 1
		}
		defer l.Release()
		logger.Info("acquired dispatcher lock", "path", l.Path())
	}

	client, err := bus.Connect(cfg.Bus, cfg.Service.Name+"-dispatcher")
	if err != nil {
		logger.Error("failed to connect to bus", "error", err)
		return 1
	}
	defer client.Close()

	trk := tracker.New(cfg.Dispatch.MaxAttempts)
	hub := events.NewHub(256)
	disp := dispatch.New(client, trk, hub, cfg)

	var jlog *joblog.Log
	if cfg.JobLog.Enabled {
		db, err := storage.OpenSQLite(context.Background(), cfg.JobLog.Path)
		if err != nil {
			logger.Error("failed to open job log", "path", cfg.JobLog.Path, "error", err)
			return 1
		}
		defer db.Close()
		jlog = joblog.New(db)
		disp.WithRecorder(jlog)
		logger.Info("job log enabled", "path", cfg.JobLog.Path)
	}

	if cfg.Kernel.Enabled {
		disp.WithKernel(kernel.New(client, cfg.Kernel))
		logger.Info("kernel execution enabled", "subject", cfg.Kernel.Subject)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 2)

	if err := disp.Start(ctx); err != nil {
		logger.Error("failed to start dispatcher", "error", err)
		return 1
	}
	defer disp.Stop()

	if cfg.API.Enabled {
		var history api.HistoryReader
		if jlog != nil {
			history = jlog
		}
		apiServer := api.New(cfg.API.Listen, trk, history, hub)
		go func() {
			if err := apiServer.Start(ctx); err != nil && err != context.Canceled {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("status API enabled", "listen", cfg.API.Listen)
	}

	logger.Info("dispatcher running (press Ctrl+C to stop)")

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		return 1
	}

	logger.Info("dispatcher stopped")
	return 0
}
