package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Chichichkin/eventpipe/client"
	"github.com/Chichichkin/eventpipe/internal/logging"
	"github.com/Chichichkin/eventpipe/internal/metrics"
	"github.com/Chichichkin/eventpipe/internal/source"
)

const metricsShutdownTimeout = 5 * time.Second

func run(c *cli.Context) error {
	cfg, err := buildConfig(c)
	if err != nil {
		return fmt.Errorf("failed to build config: %w", err)
	}

	sugar, err := logging.NewSugaredLogger(cfg.Verbose)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer sugar.Desugar().Sync() //nolint:errcheck

	sugar.Infow("config",
		"url", cfg.Delivery.URL,
		"stub", cfg.Delivery.Stub,
		"retries", cfg.Delivery.Retries,
		"batchSize", cfg.Delivery.BatchSize,
		"maxQueueSize", cfg.Delivery.MaxQueueSize,
		"logPath", cfg.Source.LogRootPath,
		"nodeName", cfg.Source.NodeName,
		"workers", cfg.Source.Workers,
		"scanInterval", cfg.Source.ScanInterval,
		"flushInterval", cfg.FlushInterval,
		"metricsAddr", cfg.MetricsAddr,
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	cl, err := client.New(cfg.Delivery,
		client.WithLogger(sugar),
		client.WithMetrics(registry),
		client.WithOnError(func(resp client.Response) {
			sugar.Warnw("batch delivery failed", "status", resp.Status, "error", resp.Error)
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	sourceMetrics, err := metrics.NewSource(registry)
	if err != nil {
		return fmt.Errorf("failed to create source metrics: %w", err)
	}
	src, err := source.New(cfg.Source, cl, source.WithLogger(sugar), source.WithMetrics(sourceMetrics))
	if err != nil {
		return fmt.Errorf("failed to create log source: %w", err)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return src.Run(gctx)
	})
	if cfg.FlushInterval > 0 {
		g.Go(func() error {
			periodicFlush(gctx, cl, cfg.FlushInterval, sugar)
			return nil
		})
	}
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, metrics.NewServer(cfg.MetricsAddr, registry), sugar)
		})
		sugar.Infof("metrics server listening on http://%s/metrics", cfg.MetricsAddr)
	}

	runErr := g.Wait()

	sugar.Info("shutting down, flushing queued events")
	flushCtx, cancel := context.WithTimeout(context.Background(), cfg.Delivery.ShutdownTimeout)
	defer cancel()
	if err := cl.Flush(flushCtx); err != nil {
		sugar.Warnw("failed to flush queued events", "error", err, "queued", cl.Queued())
	}
	cl.Close()

	return runErr
}

func periodicFlush(ctx context.Context, cl *client.Client, interval time.Duration, log *zap.SugaredLogger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if cl.Queued() == 0 {
				continue
			}
			if err := cl.Flush(ctx); err != nil && ctx.Err() == nil {
				log.Warnw("periodic flush failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func serveMetrics(ctx context.Context, server *metrics.Server, log *zap.SugaredLogger) error {
	errCh := server.Start()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnw("metrics server shutdown failed", "error", err)
	}
	return nil
}
