package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marmos91/oncrpc/internal/attrd"
	"github.com/marmos91/oncrpc/internal/logger"
	"github.com/marmos91/oncrpc/internal/server"
	"github.com/marmos91/oncrpc/pkg/config"
	"github.com/marmos91/oncrpc/pkg/metrics"
	promMetrics "github.com/marmos91/oncrpc/pkg/metrics/prometheus"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (YAML or TOML)")
	port := flag.Int("port", 0, "Override the configured listen port")
	logLevel := flag.String("log-level", "", "Override the configured log level (DEBUG, INFO, WARN, ERROR)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Failed to load configuration: %v", err)
		os.Exit(1)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	logger.SetLevel(cfg.Logging.Level)
	if err := logger.SetOutput(cfg.Logging.Output); err != nil {
		logger.Error("Failed to configure log output: %v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Shut down on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received signal %v, shutting down", sig)
		cancel()
	}()

	store, err := config.NewAttributeStore(cfg)
	if err != nil {
		logger.Error("Failed to create attribute store: %v", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("Failed to close attribute store: %v", err)
		}
	}()
	logger.Info("Attribute store: %s", cfg.Attributes.Type)

	engineMetrics := metrics.Noop()
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		engineMetrics = promMetrics.NewEngineMetrics()
		go serveMetrics(cfg.Metrics.Address)
	}

	engine, err := server.New(cfg.Server, attrd.New(store), engineMetrics)
	if err != nil {
		logger.Error("Failed to create engine: %v", err)
		os.Exit(1)
	}

	if err := engine.Serve(ctx); err != nil {
		logger.Error("Engine stopped with error: %v", err)
		os.Exit(1)
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))

	logger.Info("Metrics endpoint on %s/metrics", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("Metrics endpoint stopped: %v", err)
	}
}
