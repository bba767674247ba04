package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/alerting"
	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/anomaly"
	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/config"
	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/fraudgraph"
	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/messaging"
	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/pipeline"
	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/predictor"
	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/rules"
	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/scheduler"
	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/store"
	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/thresholds"
)

func main() {
	configPath := flag.String("config", "", "path to config file (yaml)")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(*configPath, logger); err != nil {
		logger.Fatal("pipeline exited with error", zap.Error(err))
	}
}

func run(configPath string, logger *zap.Logger) error {
	loader := config.NewLoader(logger)
	cfg, err := loader.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var recents store.RecentStore
	if cfg.Redis.Enabled {
		recents = store.NewRedisStore(cfg.Redis, logger)
	} else {
		recents = store.NewMemoryStore(cfg.Redis.WindowSize)
	}

	engine := pipeline.NewEngine(cfg.Pipeline, logger, pipeline.Options{
		Rules:      rules.NewEngine(logger, cfg.Rules.RegionOverrides),
		Ensemble:   anomaly.NewEnsemble(cfg.Anomaly, logger),
		Thresholds: thresholds.NewManager(cfg.Thresholds, logger),
		Predictor:  predictor.NewPredictor(cfg.Predictor, logger),
		Graph:      fraudgraph.NewGraph(cfg.FraudGraph, logger),
		Recents:    recents,
		Alerts:     alerting.NewDispatcher(cfg.Alerting, logger),
		Registerer: registry,
	})
	engine.Start()
	defer engine.Stop()

	loader.OnChange(func(next *config.Config) {
		engine.Reconfigure(next)
	})
	if configPath != "" {
		loader.Watch()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			logger.Info("metrics endpoint listening", zap.String("addr", cfg.Metrics.Addr))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	if cfg.Scheduler.Enabled {
		sched := scheduler.NewScheduler(cfg.Scheduler, engine, logger)
		sched.Start()
		defer sched.Stop()
	}

	consumerDone := make(chan error, 1)
	if cfg.Kafka.Enabled {
		consumer := messaging.NewConsumer(cfg.Kafka, engine, logger)
		defer consumer.Close()
		go func() {
			consumerDone <- consumer.Run(ctx)
		}()
	}

	logger.Info("compliance risk pipeline started",
		zap.Int("workers", cfg.Pipeline.Workers),
		zap.Bool("kafka", cfg.Kafka.Enabled),
		zap.Bool("redis", cfg.Redis.Enabled))

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining")
	case err := <-consumerDone:
		if err != nil {
			return fmt.Errorf("kafka consumer failed: %w", err)
		}
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown failed", zap.Error(err))
		}
	}
	return nil
}
