package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dontdude/forgejudge/internal/config"
	"github.com/dontdude/forgejudge/internal/correlation"
	"github.com/dontdude/forgejudge/internal/domain"
	"github.com/dontdude/forgejudge/internal/gateway"
	"github.com/dontdude/forgejudge/internal/platform/logging"
	"github.com/dontdude/forgejudge/internal/platform/queue"
	"github.com/dontdude/forgejudge/internal/platform/web"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	flags := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := flags.String("config", "", "YAML config file")
	addr := flags.String("addr", "", "listen address")
	flags.Parse(os.Args[1:])

	// 1. Configuration and logger
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	logger := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.NoColor)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Broker
	broker, err := queue.NewRedisBroker(cfg.Redis.URL)
	if err != nil {
		return err
	}
	defer broker.Close()
	if err := broker.Ping(ctx); err != nil {
		return err
	}

	// 3. Progress events from the workers
	hub := gateway.NewHub(logger)
	events, err := broker.Subscribe(ctx, domain.EventsChannel(cfg.Redis.Namespace))
	if err != nil {
		return err
	}
	go hub.Run(ctx, events)

	// 4. Rate limiter (0.5 tokens/s, burst 5 by default)
	limiter := web.NewLimiter(cfg.Server.RateLimit, cfg.Server.Burst)
	if err := limiter.TrustProxies(cfg.Server.TrustedProxies...); err != nil {
		return err
	}
	go limiter.Run(ctx)

	protocol := correlation.New(broker, correlation.Options{
		List:         cfg.Redis.List,
		PollInterval: cfg.Client.PollInterval,
	}, logger)
	srv := gateway.New(protocol, hub, limiter, gateway.Options{
		Namespace:      cfg.Redis.Namespace,
		Timeout:        cfg.Client.Timeout,
		MaxTimeout:     cfg.Server.Timeout,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, logger)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 5. Serve until signalled
	errCh := make(chan error, 1)
	go func() {
		logger.Info("API server starting", "addr", cfg.Server.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.Timeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
