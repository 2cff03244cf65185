// Package main wires together the crawl engine binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	pubsubv2 "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/crawlforge/crawlforge/internal/api"
	"github.com/crawlforge/crawlforge/internal/config"
	"github.com/crawlforge/crawlforge/internal/crawl"
	gcsstore "github.com/crawlforge/crawlforge/internal/dataset/gcs"
	datasetmem "github.com/crawlforge/crawlforge/internal/dataset/memory"
	datasetpg "github.com/crawlforge/crawlforge/internal/dataset/postgres"
	"github.com/crawlforge/crawlforge/internal/engine"
	"github.com/crawlforge/crawlforge/internal/fetch/chromefetch"
	"github.com/crawlforge/crawlforge/internal/fetch/collyfetch"
	"github.com/crawlforge/crawlforge/internal/fetch/politeness"
	"github.com/crawlforge/crawlforge/internal/logging"
	"github.com/crawlforge/crawlforge/internal/pipeline"
	"github.com/crawlforge/crawlforge/internal/pool"
	pubsubpublisher "github.com/crawlforge/crawlforge/internal/publisher/pubsub"
	queuemem "github.com/crawlforge/crawlforge/internal/queue/memory"
	queuepg "github.com/crawlforge/crawlforge/internal/queue/postgres"
	"github.com/crawlforge/crawlforge/internal/session"
	"github.com/crawlforge/crawlforge/internal/snapshot"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(logging.Config{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("run failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	queue, dataset, cleanup, err := buildStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	snapshotter := snapshot.New(snapshot.Config{
		SampleInterval: cfg.SampleInterval(),
		WindowSize:     cfg.Snapshot.WindowSize,
		OverloadRatio:  cfg.Snapshot.OverloadRatio,
		Thresholds: snapshot.Thresholds{
			CPURatio:         cfg.Snapshot.CPURatio,
			MemoryRatio:      cfg.Snapshot.MemoryRatio,
			EventLoopLag:     time.Duration(cfg.Snapshot.EventLoopLagMs) * time.Millisecond,
			ClientErrorRatio: cfg.Snapshot.ClientErrorRatio,
		},
		Logger: logger.Named("snapshot"),
	})

	concurrencyPool, err := pool.New(pool.Config{
		MinConcurrency: cfg.Pool.MinConcurrency,
		MaxConcurrency: cfg.Pool.MaxConcurrency,
		DesiredRatio:   cfg.Pool.DesiredRatio,
		ScaleStepRatio: cfg.Pool.ScaleStepRatio,
		TickInterval:   time.Duration(cfg.Pool.TickSeconds) * time.Second,
		Signal:         snapshotter,
		Logger:         logger.Named("pool"),
	})
	if err != nil {
		return fmt.Errorf("build pool: %w", err)
	}

	sessions := session.NewPool(session.Config{
		MaxPoolSize:   cfg.Sessions.MaxPoolSize,
		MaxUsageCount: cfg.Sessions.MaxUsageCount,
		MaxErrorScore: cfg.Sessions.MaxErrorScore,
		Logger:        logger.Named("session"),
	})

	stages, closeStages, err := buildStages(cfg, sessions)
	if err != nil {
		return err
	}
	defer closeStages()

	var kvStore crawl.KeyValueStore
	if cfg.Storage.GCSBucket != "" {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client: %w", err)
		}
		defer client.Close()
		kvStore, err = gcsstore.New(client, gcsstore.Config{
			Bucket: cfg.Storage.GCSBucket,
			Prefix: cfg.Storage.Prefix,
		})
		if err != nil {
			return fmt.Errorf("gcs store: %w", err)
		}
	}

	var publisher crawl.Publisher
	if cfg.PubSub.ProjectID != "" && cfg.PubSub.TopicName != "" {
		client, err := pubsubv2.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client: %w", err)
		}
		defer client.Close()
		publisher = pubsubpublisher.New(client.Publisher(cfg.PubSub.TopicName))
	}

	eng, err := engine.New(engine.Config{
		Queue:       queue,
		Pool:        concurrencyPool,
		Snapshotter: snapshotter,
		Pipeline:    pipeline.New(logger.Named("pipeline"), stages...),
		Handler:     defaultHandler(logger.Named("handler")),
		RetryPolicy: crawl.NewExponentialRetryPolicy(
			cfg.Retry.MaxRetries,
			time.Duration(cfg.Retry.BackoffInitialMs)*time.Millisecond,
			time.Duration(cfg.Retry.BackoffMaxMs)*time.Millisecond,
		),
		Sessions:      sessions,
		Dataset:       dataset,
		KeyValueStore: kvStore,
		Publisher:     publisher,
		FailedHandler: func(req *crawl.Request, history []crawl.FailureRecord) {
			logger.Warn("request exhausted its retry budget",
				zap.String("url", req.URL),
				zap.Int("attempts", len(history)),
			)
		},
		Logger: logger.Named("engine"),
	})
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	seeds := make([]*crawl.Request, 0, len(cfg.SeedURLs))
	for _, u := range cfg.SeedURLs {
		req, err := crawl.NewRequest(u)
		if err != nil {
			return fmt.Errorf("seed url %q: %w", u, err)
		}
		seeds = append(seeds, req)
	}
	if _, err := eng.AddRequests(ctx, seeds...); err != nil {
		return fmt.Errorf("seed queue: %w", err)
	}

	apiServer := api.NewServer(eng, concurrencyPool, snapshotter, sessions, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	stats, runErr := eng.Run(ctx)
	logger.Info("run stats",
		zap.Int64("succeeded", stats.Succeeded),
		zap.Int64("skipped", stats.Skipped),
		zap.Int64("failed_terminal", stats.FailedTerminal),
		zap.Int64("retries", stats.Retries),
		zap.Int64("remaining", stats.Remaining),
	)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	return runErr
}

// buildStorage selects the queue and dataset backends from configuration.
func buildStorage(ctx context.Context, cfg config.Config, logger *zap.Logger) (crawl.RequestQueue, crawl.Dataset, func(), error) {
	if cfg.Queue.Backend == "postgres" {
		queue, pgPool, err := queuepg.Connect(ctx, cfg.Queue.DSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("postgres queue: %w", err)
		}
		logger.Info("using postgres request queue")
		return queue, datasetpg.New(pgPool), pgPool.Close, nil
	}
	logger.Info("using in-memory request queue")
	return queuemem.New(nil), datasetmem.NewDataset(), func() {}, nil
}

// buildStages assembles the context pipeline: politeness, session binding,
// fetch (HTTP or headless), then HTML parse.
func buildStages(cfg config.Config, sessions *session.Pool) ([]pipeline.Stage, func(), error) {
	limiter := politeness.New(politeness.Config{
		DefaultRPS:   cfg.Fetch.PerDomainRPS,
		DefaultBurst: cfg.Fetch.PerDomainBurst,
	})

	stages := []pipeline.Stage{
		politeness.NewStage(limiter),
		pipeline.SessionStage(sessions),
	}
	closeStages := func() {}

	if cfg.Headless.Enabled {
		renderer, err := chromefetch.New(chromefetch.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Fetch.UserAgent,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("headless fetch stage: %w", err)
		}
		stages = append(stages, renderer)
		closeStages = renderer.Close
	} else {
		stages = append(stages, collyfetch.New(collyfetch.Config{
			UserAgent:     cfg.Fetch.UserAgent,
			Timeout:       cfg.FetchTimeout(),
			RespectRobots: cfg.Fetch.RespectRobots,
			MaxBodyBytes:  cfg.Fetch.MaxBodyBytes,
		}))
	}

	stages = append(stages, pipeline.ParseStage())
	return stages, closeStages, nil
}

// defaultHandler records page metadata and follows same-host links.
func defaultHandler(logger *zap.Logger) engine.Handler {
	return func(ctx context.Context, pc *pipeline.Context) error {
		record := map[string]any{
			"url":         pc.Request.URL,
			"fetched_url": pc.Response.URL,
			"status":      pc.Response.StatusCode,
			"rendered":    pc.Response.RenderedBrowser,
		}
		if pc.Document != nil {
			record["title"] = pc.Document.Find("title").First().Text()
		}
		if err := pc.PushData(ctx, record); err != nil {
			return fmt.Errorf("push record: %w", err)
		}

		links, err := collyfetch.DiscoverLinks(pc)
		if err != nil {
			return fmt.Errorf("discover links: %w", err)
		}
		if len(links) > 0 {
			added, err := pc.AddRequests(ctx, links...)
			if err != nil {
				return fmt.Errorf("enqueue links: %w", err)
			}
			logger.Debug("links discovered",
				zap.String("url", pc.Request.URL),
				zap.Int("found", len(links)),
				zap.Int("added", added),
			)
		}
		return nil
	}
}
