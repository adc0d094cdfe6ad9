package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dontdude/forgejudge/internal/artifact"
	"github.com/dontdude/forgejudge/internal/config"
	"github.com/dontdude/forgejudge/internal/correlation"
	"github.com/dontdude/forgejudge/internal/domain"
	"github.com/dontdude/forgejudge/internal/platform/docker"
	"github.com/dontdude/forgejudge/internal/platform/logging"
	"github.com/dontdude/forgejudge/internal/platform/queue"
	"github.com/dontdude/forgejudge/internal/toolchain"
	"github.com/dontdude/forgejudge/internal/worker"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	flags := flag.NewFlagSet("worker", flag.ExitOnError)
	configPath := flags.String("config", "", "YAML config file")
	slots := flags.Int("threads", 0, "number of worker slots")
	redisURL := flags.String("redis", "", "redis URL or host:port")
	prefix := flags.String("prefix", "", "job key namespace")
	list := flags.String("list", "", "work list name")
	dir := flags.String("dir", "", "worker directory")
	mode := flags.String("toolchain", "", "toolchain mode: local or docker")
	projectRoot := flags.String("project-root", "", "toolchain project root")
	logLevel := flags.String("log-level", "", "debug, info, warn or error")
	initCache := flags.Bool("init-cache", false, "build the artifact cache before starting")
	initOnly := flags.Bool("init-only", false, "build the artifact cache and exit")
	flags.Parse(os.Args[1:])

	// 1. Configuration: defaults < YAML < env < flags
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	flags.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "threads":
			cfg.Worker.Slots = *slots
		case "redis":
			cfg.Redis.URL = *redisURL
		case "prefix":
			cfg.Redis.Namespace = *prefix
		case "list":
			cfg.Redis.List = *list
		case "dir":
			cfg.Worker.Dir = *dir
		case "toolchain":
			cfg.Toolchain.Mode = *mode
		case "project-root":
			cfg.Toolchain.ProjectRoot = *projectRoot
		case "log-level":
			cfg.Log.Level = *logLevel
		}
	})
	if err := cfg.Validate(); err != nil {
		return err
	}

	// 2. Logger
	logger := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.NoColor)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Toolchain
	workerDir, err := filepath.Abs(cfg.Worker.Dir)
	if err != nil {
		return err
	}
	root, err := filepath.Abs(cfg.Toolchain.ProjectRoot)
	if err != nil {
		return err
	}
	cfg.Toolchain.ProjectRoot = root

	var exec domain.CommandRunner
	switch cfg.Toolchain.Mode {
	case "docker":
		dc, err := docker.NewClient(ctx, cfg.Toolchain.Image, cfg.Toolchain.Binary, root, workerDir)
		if err != nil {
			return err
		}
		defer dc.Close()
		exec = dc
	default:
		exec = &toolchain.LocalExecutor{Binary: cfg.Toolchain.Binary}
	}
	runner := toolchain.NewRunner(exec, root, cfg.Toolchain.Timeout, logger)

	// 4. Artifact cache, built out of the job path
	tmpl, err := loadTemplate(ctx, cfg.Toolchain, runner, *initCache || *initOnly, logger)
	if err != nil {
		return err
	}
	if *initOnly {
		logger.Info("Artifact cache initialized")
		return nil
	}

	// 5. Broker
	broker, err := queue.NewRedisBroker(cfg.Redis.URL)
	if err != nil {
		return err
	}
	defer broker.Close()

	// 6. Fresh slot directories
	if err := os.RemoveAll(workerDir); err != nil {
		return fmt.Errorf("failed to wipe worker dir: %w", err)
	}
	if err := os.MkdirAll(workerDir, 0o755); err != nil {
		return err
	}

	// 7. Run until signalled
	protocol := correlation.New(broker, correlation.Options{
		List:        cfg.Redis.List,
		ResponseTTL: cfg.Worker.ResponseTTL,
	}, logger)
	pool := worker.NewPool(worker.Config{
		Slots:         cfg.Worker.Slots,
		Dir:           workerDir,
		List:          cfg.Redis.List,
		Namespace:     cfg.Redis.Namespace,
		PopTimeout:    cfg.Worker.PopTimeout,
		ClaimInterval: cfg.Worker.ClaimInterval,
	}, broker, protocol, runner, tmpl, logger)

	logger.Info("Starting forgejudge worker", "redis", cfg.Redis.URL, "toolchain", cfg.Toolchain.Mode, "dir", workerDir)
	return pool.Run(ctx)
}

// loadTemplate bootstraps the cache when asked, otherwise loads what a previous
// bootstrap left. A missing template is not fatal.
func loadTemplate(ctx context.Context, tc config.ToolchainConfig, runner *toolchain.Runner, bootstrap bool, logger *slog.Logger) (*artifact.Template, error) {
	if bootstrap {
		return artifact.Bootstrap(ctx, runner, artifact.BootstrapOptions{
			ProjectRoot:  tc.ProjectRoot,
			CacheDir:     tc.CacheDir,
			ArtifactsDir: tc.ArtifactsDir,
			Target:       tc.BootstrapTarget,
			Versions:     tc.Versions,
		}, logger)
	}

	tmpl, err := artifact.LoadTemplate(tc.Path(tc.CacheDir), tc.Path(tc.ArtifactsDir))
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn("No artifact cache template, run with -init-cache to build one")
		return nil, nil
	}
	return tmpl, err
}
