// Package main wires together the archival worker binary.
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

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/archivekit/packd/internal/api"
	"github.com/archivekit/packd/internal/clock/system"
	"github.com/archivekit/packd/internal/config"
	coordhttp "github.com/archivekit/packd/internal/coordinator/http"
	"github.com/archivekit/packd/internal/fetcher"
	historypg "github.com/archivekit/packd/internal/history/postgres"
	"github.com/archivekit/packd/internal/id/uuid"
	"github.com/archivekit/packd/internal/logging"
	"github.com/archivekit/packd/internal/pipeline"
	pubsubpublisher "github.com/archivekit/packd/internal/publisher/pubsub"
	"github.com/archivekit/packd/internal/runner"
	"github.com/archivekit/packd/internal/scratch"
	bucketstorage "github.com/archivekit/packd/internal/storage/bucket"
	gcsstorage "github.com/archivekit/packd/internal/storage/gcs"
	memorystorage "github.com/archivekit/packd/internal/storage/memory"
	"github.com/archivekit/packd/internal/supervisor"
	"github.com/archivekit/packd/internal/uploader"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "packd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config failed: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ids := uuid.New()
	clock := system.New()

	scratchMgr, err := scratch.NewManager(cfg.Worker.ScratchDir)
	if err != nil {
		return fmt.Errorf("scratch init failed: %w", err)
	}

	store, storeCleanup, err := buildBlobStore(ctx, cfg, ids)
	if err != nil {
		return fmt.Errorf("blob store init failed: %w", err)
	}
	defer storeCleanup()

	coordinator, err := coordhttp.New(coordhttp.Config{
		BaseURL:        cfg.Coordinator.BaseURL,
		Timeout:        time.Duration(cfg.Coordinator.TimeoutSeconds) * time.Second,
		ClaimRetries:   cfg.Coordinator.ClaimRetries,
		ReportAttempts: cfg.Worker.ReportAttempts,
	}, logger.Named("coordinator"))
	if err != nil {
		return fmt.Errorf("coordinator init failed: %w", err)
	}

	fetchClient := fetcher.New(fetcher.Config{
		UserAgent:    cfg.Fetch.UserAgent,
		Timeout:      time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second,
		MaxRetries:   cfg.Fetch.MaxRetries,
		BackoffBase:  time.Duration(cfg.Fetch.BackoffInitialMs) * time.Millisecond,
		BackoffMax:   time.Duration(cfg.Fetch.BackoffMaxMs) * time.Millisecond,
		MaxRedirects: cfg.Fetch.MaxRedirects,
	}, logger.Named("fetcher"))

	var opts []runner.Option
	if cfg.DB.DSN != "" {
		history, err := historypg.NewStore(ctx, historypg.StoreConfig{
			DSN:      cfg.DB.DSN,
			Table:    cfg.DB.Table,
			MaxConns: cfg.DB.MaxConns,
		})
		if err != nil {
			return fmt.Errorf("history store init failed: %w", err)
		}
		defer history.Close()
		opts = append(opts, runner.WithHistory(history))
	}
	if cfg.PubSub.ProjectID != "" && cfg.PubSub.TopicName != "" {
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub init failed: %w", err)
		}
		defer func() {
			_ = client.Close()
		}()
		opts = append(opts, runner.WithPublisher(pubsubpublisher.New(client)))
	}

	jobRunner := runner.New(coordinator, fetchClient, store, scratchMgr, clock, runner.Config{
		Concurrency:    cfg.Fetch.Concurrency,
		QueueDepth:     cfg.Fetch.QueueDepth,
		AbortOnFailure: cfg.Worker.AbortOnFailure,
		RecordFailures: true,
		SkipArchived:   cfg.Worker.SkipArchived,
		Upload: uploader.Config{
			MaxAttempts: cfg.Upload.MaxAttempts,
			BackoffBase: time.Duration(cfg.Upload.BackoffInitialMs) * time.Millisecond,
			BackoffMax:  time.Duration(cfg.Upload.BackoffMaxMs) * time.Millisecond,
			Prefix:      cfg.Upload.Prefix,
			ContentType: cfg.Upload.ContentType,
		},
		CompletionTopic: cfg.PubSub.TopicName,
	}, logger.Named("runner"), opts...)

	super := supervisor.New(coordinator, jobRunner, supervisor.Config{
		PollInterval:  cfg.PollInterval(),
		MaxJobs:       cfg.Worker.MaxJobs,
		ShutdownGrace: cfg.ShutdownGrace(),
	}, logger.Named("supervisor"))

	apiServer := api.NewServer(super, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	logger.Info("worker started",
		zap.String("coordinator", cfg.Coordinator.BaseURL),
		zap.Int("max_jobs", cfg.Worker.MaxJobs),
		zap.String("storage", cfg.Storage.Provider),
	)
	runErr := super.Run(ctx)

	logger.Info("shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if runErr != nil {
		logger.Warn("supervisor exited with error", zap.Error(runErr))
	}
	logger.Info("shutdown complete")
	return nil
}

// buildBlobStore selects the archive storage backend from config.
func buildBlobStore(ctx context.Context, cfg config.Config, ids pipeline.IDGenerator) (pipeline.BlobStore, func(), error) {
	switch cfg.Storage.Provider {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("gcs client: %w", err)
		}
		store, err := gcsstorage.New(client, ids, gcsstorage.Config{Bucket: cfg.Storage.GCSBucket})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return store, func() { _ = client.Close() }, nil
	case "bucket":
		bkt, err := blob.OpenBucket(ctx, cfg.Storage.BucketURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open bucket %q: %w", cfg.Storage.BucketURL, err)
		}
		store, err := bucketstorage.New(bkt, ids, cfg.Storage.BucketURL)
		if err != nil {
			_ = bkt.Close()
			return nil, nil, err
		}
		return store, func() { _ = bkt.Close() }, nil
	case "memory":
		return memorystorage.New(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage provider %q", cfg.Storage.Provider)
	}
}
