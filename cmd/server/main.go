package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nathanyu/trade-service/internal/config"
	"github.com/nathanyu/trade-service/internal/dispatch"
	"github.com/nathanyu/trade-service/internal/handler"
	"github.com/nathanyu/trade-service/internal/marketdata"
	"github.com/nathanyu/trade-service/internal/matching"
	"github.com/nathanyu/trade-service/internal/middleware"
	"github.com/nathanyu/trade-service/internal/monitor"
	"github.com/nathanyu/trade-service/internal/ordermanager"
	"github.com/nathanyu/trade-service/internal/queue"
	"github.com/nathanyu/trade-service/internal/reference"
	"github.com/nathanyu/trade-service/internal/repository"
	"github.com/nathanyu/trade-service/internal/retry"
	"github.com/nathanyu/trade-service/internal/sequencer"
	"github.com/nathanyu/trade-service/internal/telemetry"
)

const fillBufferSize = 4096

func main() {
	defaultPath := os.Getenv("TRADE_CONFIG")
	if defaultPath == "" {
		defaultPath = "configs/config.yaml"
	}
	configPath := flag.String("config", defaultPath, "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, logCloser, err := telemetry.NewLogger(telemetry.ServiceName, cfg.LogOptions())
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logCloser.Close()

	if err := run(cfg, logger); err != nil {
		logger.Error("service stopped with error", "error", err)
		logCloser.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting trade service", "port", cfg.Server.Port)

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.TracingOptions(), logger)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
		shutdownTracer = func() {}
	}
	defer shutdownTracer()

	// --- Storage ---
	store, err := repository.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	if cfg.Trading.SeedInstruments {
		n, err := repository.SeedInstruments(ctx, store, repository.DefaultInstruments())
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Info("seeded instruments", "count", n)
		}
	}

	ids, err := sequencer.NewSequencer(cfg.Trading.NodeID)
	if err != nil {
		return err
	}

	// --- Matching and fill consumers ---
	engine := matching.NewEngine(store,
		matching.WithSerialization(cfg.Trading.SerializeInstruments),
		matching.WithLogger(logger),
	)

	publisher := marketdata.NewPublisher(store, fillBufferSize, logger)
	engine.OnFill(publisher.Listener())
	publisher.Start()
	defer publisher.Stop()

	if cfg.NATS.URL != "" {
		fills, err := queue.NewFillPublisher(cfg.NATS.URL, cfg.NATS.Subject, logger)
		if err != nil {
			logger.Warn("NATS unavailable, fills are not published", "url", cfg.NATS.URL, "error", err)
		} else {
			engine.OnFill(fills.Listener())
			defer fills.Close()
		}
	}

	// --- Dispatch ---
	collector := monitor.NewCollector(cfg.MonitorConfig(), logger)

	retries := retry.NewController(func(ctx context.Context, code string) error {
		_, err := engine.Run(ctx, code)
		return err
	}, cfg.Retry.Delay, logger)

	defaultPool, err := dispatch.NewPool(cfg.Dispatch.Default, logger)
	if err != nil {
		return err
	}
	fastPool, err := dispatch.NewPool(cfg.Dispatch.HighThroughput, logger)
	if err != nil {
		return err
	}
	defaultProc := dispatch.NewProcessor(defaultPool, engine.Run, collector, retries, logger)
	fastProc := dispatch.NewProcessor(fastPool, engine.Run, collector, retries, logger)
	collector.AttachProcessor(defaultProc)
	collector.AttachProcessor(fastProc)

	submitProc := defaultProc
	if cfg.Dispatch.UseHighThroughput {
		submitProc = fastProc
	}

	ref := reference.NewService(store)
	manager := ordermanager.NewManager(store, ref, ids, submitProc, engine.Run, cfg.OrderSettings(), logger)

	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	go collector.Run(monitorCtx)

	// --- HTTP ---
	gin.SetMode(cfg.Server.GinMode)
	r := gin.New()
	r.Use(gin.Recovery(), middleware.Tracing(), middleware.Metrics())

	h := handler.NewHandler(handler.Deps{
		Manager:   manager,
		Reference: ref,
		Publisher: publisher,
		Collector: collector,
		Single:    defaultProc,
		Batch:     fastProc,
		Logger:    logger,
	})
	h.RegisterRoutes(r)

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.MetricsPort),
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("metrics server listening", "addr", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		logger.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	// --- Graceful shutdown ---
	// HTTP first so no new work arrives, then the pools drain, then retries
	// and the monitor stop. Deferred calls close the publisher, NATS, store
	// and tracer.
	logger.Info("shutting down")

	httpCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	defaultProc.Shutdown()
	fastProc.Shutdown()
	retries.Stop()

	stopMonitor()
	logger.Info("final performance report", "report", collector.Report())

	if err := metricsSrv.Shutdown(httpCtx); err != nil {
		logger.Error("metrics server shutdown error", "error", err)
	}

	logger.Info("trade service stopped")
	return serveErr
}
