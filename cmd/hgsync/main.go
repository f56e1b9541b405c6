package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/quarryci/hgsync/internal/api"
	"github.com/quarryci/hgsync/internal/config"
	"github.com/quarryci/hgsync/internal/dispatch"
	"github.com/quarryci/hgsync/internal/doctor"
	"github.com/quarryci/hgsync/internal/events"
	"github.com/quarryci/hgsync/internal/lock"
	"github.com/quarryci/hgsync/internal/log"
	"github.com/quarryci/hgsync/internal/poll"
	"github.com/quarryci/hgsync/internal/queue"
	"github.com/quarryci/hgsync/internal/scheduler"
	"github.com/quarryci/hgsync/internal/storage"
	"github.com/quarryci/hgsync/internal/store"
	"github.com/quarryci/hgsync/internal/webhook"
	"github.com/quarryci/hgsync/internal/worker"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "start":
		os.Exit(runStart(args))
	case "poll":
		os.Exit(runPoll(args))
	case "checkout":
		os.Exit(runCheckout(args))
	case "doctor":
		os.Exit(runDoctor(args))
	case "version":
		fmt.Printf("hgsync version %s\n", version)
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
	fmt.Print(`hgsync - Mercurial repository sync and poll engine

Usage:
  hgsync <command> [flags]

Commands:
  start             Run the sync service in foreground
  poll <job>        Poll one job once and report the change level
  checkout <job>    Run one checkout for a job and print the build record
  doctor            Validate configuration and environment
  version           Show version information
  help              Show this help message

Common flags:
  -config <path>    Path to the configuration file (default: hgsync.yaml)
`)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = "hgsync.yaml"
	}
	return config.Load(path)
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("hgsync starting", "version", version, "node", cfg.Service.Node)

	lockPath := filepath.Join(filepath.Dir(cfg.State.Path), "hgsync.lock")
	instanceLock, err := lock.Acquire(lockPath)
	if err != nil {
		logger.Error("failed to acquire instance lock (another instance may be running)", "path", lockPath, "error", err)
		return 1
	}
	defer func() { _ = instanceLock.Release() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	q := queue.New(db)
	builds := store.New(db)
	hub := events.NewHub(256)

	w, err := worker.New(cfg, builds, hub)
	if err != nil {
		logger.Error("failed to initialize worker", "error", err)
		return 1
	}

	sched := scheduler.New(cfg, q, hub)
	disp := dispatch.New(q, w)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 3)

	if err := sched.Start(ctx); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		return 1
	}
	defer sched.Stop()

	go func() {
		if err := disp.Start(ctx); err != nil && err != context.Canceled {
			errCh <- fmt.Errorf("dispatcher: %w", err)
		}
	}()

	if cfg.API.Enabled {
		apiServer := api.New(api.Config{Listen: cfg.API.Listen, APIKey: cfg.API.APIKey}, q, builds, w, hub)
		go func() {
			if err := apiServer.Start(ctx); err != nil && err != context.Canceled {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
	}

	if cfg.Webhook != nil {
		hookServer := webhook.New(*cfg.Webhook, q, w)
		go func() {
			if err := hookServer.Start(ctx); err != nil && err != context.Canceled {
				errCh <- fmt.Errorf("webhook: %w", err)
			}
		}()
	}

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
		return 0
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		return 1
	}
}

// runOneShot loads config and state for a single poll or checkout.
func runOneShot(args []string, name string) (*worker.Worker, string, func(), int) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return nil, "", nil, 1
	}
	if fs.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Usage: hgsync %s [-config <path>] <job>\n", name)
		return nil, "", nil, 1
	}
	job := fs.Arg(0)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return nil, "", nil, 1
	}
	log.Setup(cfg.Service.LogLevel)

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return nil, "", nil, 1
	}
	w, err := worker.New(cfg, store.New(db), nil)
	if err != nil {
		_ = db.Close()
		fmt.Fprintf(os.Stderr, "Failed to initialize worker: %v\n", err)
		return nil, "", nil, 1
	}

	cleanup := func() { _ = db.Close() }
	return w, job, cleanup, 0
}

func runPoll(args []string) int {
	w, job, cleanup, code := runOneShot(args, "poll")
	if code != 0 {
		return code
	}
	defer cleanup()

	result, err := w.Poll(context.Background(), job)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Poll failed: %v\n", err)
		return 1
	}

	out := map[string]any{
		"job":    job,
		"change": result.Change.String(),
	}
	if result.Baseline != nil {
		out["baseline"] = result.Baseline
	}
	if result.Current.ID != "" {
		out["current"] = result.Current
	}
	data, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(data))

	if result.Change == poll.Significant {
		return 0
	}
	// Distinct exit code so scripts can gate builds on the poll outcome.
	return 3
}

func runCheckout(args []string) int {
	w, job, cleanup, code := runOneShot(args, "checkout")
	if code != 0 {
		return code
	}
	defer cleanup()

	build, err := w.Checkout(context.Background(), job, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Checkout failed: %v\n", err)
		return 1
	}

	out := map[string]any{"build": build}
	if len(build.Tags) > 0 {
		// The environment downstream build steps consume.
		out["env"] = build.Tags[0].EnvVars()
	}
	data, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(data))
	return 0
}

func runDoctor(args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Emit the report as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	result := doctor.New(cfg).Validate()
	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to format report: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	return 0
}
