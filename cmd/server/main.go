package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/AgentOS/isolates/internal/infrastructure/config"
	"github.com/GriffinCanCode/AgentOS/isolates/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/isolates/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/isolates/internal/infrastructure/server"
	"github.com/GriffinCanCode/AgentOS/isolates/internal/isolate"
)

func main() {
	configFile := flag.String("config", "", "Config file (.yaml, .yml or .toml)")
	dev := flag.Bool("dev", false, "Development logging")
	flag.Parse()

	if *configFile != "" {
		_ = os.Setenv(config.FileEnv, *configFile)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if *dev {
		cfg.Logging.Development = true
		cfg.Logging.Level = "debug"
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Server error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := monitoring.NewMetrics(registry)

	rt, err := isolate.New(isolate.Options{
		Workers:              cfg.Runtime.Workers,
		DefaultMemoryLimitMB: cfg.Runtime.MemoryLimitMB,
		MaxCallStackSize:     cfg.Runtime.MaxCallStackSize,
		GCInterval:           cfg.Runtime.GCInterval,
		Logger:               logger.Logger,
		Metrics:              metrics,
	})
	if err != nil {
		return fmt.Errorf("start isolate runtime: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := rt.Close(closeCtx); err != nil {
			logger.Warn("Isolate runtime did not shut down cleanly", zap.Error(err))
		}
	}()

	var snapshot *isolate.Snapshot
	if dir := cfg.Runtime.SnapshotDir; dir != "" {
		start := time.Now()
		snapshot, err = rt.LoadSnapshot(os.DirFS(dir), cfg.Runtime.SnapshotPattern)
		if err != nil {
			return fmt.Errorf("load snapshot from %s: %w", dir, err)
		}
		logger.Info("Snapshot loaded",
			zap.String("dir", dir),
			zap.String("pattern", cfg.Runtime.SnapshotPattern),
			zap.Duration("elapsed", time.Since(start)),
		)
	}

	srv, err := server.NewServer(cfg, server.Deps{
		Runtime:  rt,
		Snapshot: snapshot,
		Logger:   logger,
		Metrics:  metrics,
		Gatherer: registry,
	})
	if err != nil {
		return err
	}
	defer srv.Close()

	ln, err := net.Listen("tcp", cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.Addr(), err)
	}
	if cfg.Server.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConnections)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx, ln)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully")
		return nil
	})
	return g.Wait()
}
