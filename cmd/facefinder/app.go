package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"facefinder/internal/adapters/asynqueue"
	"facefinder/internal/adapters/googlephotos"
	"facefinder/internal/adapters/matcher"
	"facefinder/internal/adapters/postgres"
	"facefinder/internal/adapters/rediscache"
	s3store "facefinder/internal/adapters/s3"
	"facefinder/internal/config"
	"facefinder/internal/logging"
	"facefinder/internal/pipeline"
	"facefinder/internal/ports"
	"facefinder/internal/services/progress"
	"facefinder/internal/services/scanner"
	"facefinder/internal/telemetry"
)

// app holds every long-lived component of one process.
type app struct {
	cfg      config.Config
	log      *logrus.Logger
	db       *postgres.DB
	redis    *redis.Client
	registry *prometheus.Registry
	metrics  *telemetry.Metrics
	tracer   trace.Tracer

	queue        ports.JobQueue
	asynqClient  *asynq.Client
	asynqRedis   asynq.RedisConnOpt
	orchestrator *pipeline.Orchestrator
	scanner      *scanner.Service
	publisher    *progress.Publisher

	closers []func(context.Context) error
}

func loadConfig() (config.Config, *logrus.Logger, error) {
	cfg, err := config.Load()
	return cfg, logging.New(cfg), err
}

// newApp connects to every backing service and wires the pipeline.
func newApp(ctx context.Context, cfg config.Config, log *logrus.Logger) (a *app, err error) {
	a = &app{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.Close(context.WithoutCancel(ctx))
		}
	}()

	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = telemetry.NewMetrics(a.registry)

	tracer, shutdown, err := telemetry.InitTracing(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return a, err
	}
	a.tracer = tracer
	a.closers = append(a.closers, shutdown)

	if a.db, err = postgres.Connect(ctx, cfg.DatabaseURL, log); err != nil {
		return a, fmt.Errorf("connect postgres: %w", err)
	}
	a.db.JobMaxAttempts = cfg.Queue.MaxAttempts
	a.closers = append(a.closers, func(context.Context) error { a.db.Close(); return nil })

	if a.redis, err = rediscache.Connect(ctx, cfg.RedisURL); err != nil {
		return a, fmt.Errorf("connect redis: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return a.redis.Close() })

	credentials, err := postgres.NewCredentialStore(a.db, cfg.CredentialKey)
	if err != nil {
		return a, err
	}

	s3Client, err := s3store.NewClient(ctx, s3store.Config{
		Region:          cfg.Storage.Region,
		Endpoint:        cfg.Storage.Endpoint,
		AccessKeyID:     cfg.Storage.AccessKeyID,
		SecretAccessKey: cfg.Storage.SecretAccessKey,
	})
	if err != nil {
		return a, err
	}
	blobs := s3store.New(s3Client, s3store.Options{
		Bucket:     cfg.Storage.Bucket,
		Attempts:   cfg.Storage.UploadAttempts,
		RetryBase:  cfg.Storage.UploadRetryBase,
		PresignTTL: cfg.Storage.PresignTTL,
		Logger:     log,
		Retries:    a.metrics.UploadRetries,
	})

	photos := googlephotos.New(googlephotos.Options{
		APIURL: cfg.Photos.APIURL,
		OAuth: oauth2.Config{
			ClientID:     cfg.Photos.ClientID,
			ClientSecret: cfg.Photos.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.Photos.TokenURL},
		},
		PageSize:  cfg.Photos.PageSize,
		PageDelay: cfg.Photos.PageDelay,
		MaxPages:  cfg.Pipeline.MaxPages,
		Timeout:   cfg.Photos.Timeout,
		Logger:    log,
	})

	cache := rediscache.NewProgressCache(a.redis)
	tracker := progress.NewTracker(cache, a.db, cfg.Progress.TTL, log)
	a.publisher = progress.NewPublisher(cache, a.db, cfg.Progress.StreamInterval, log)

	a.orchestrator = pipeline.New(pipeline.Deps{
		Scans:       a.db,
		Matches:     a.db,
		Sessions:    a.db,
		Credentials: credentials,
		Source:      photos,
		Matcher:     matcher.New(cfg.Matcher.URL, cfg.Matcher.Timeout, log),
		Blobs:       blobs,
		Progress:    tracker,
		Metrics:     a.metrics,
		Tracer:      a.tracer,
		Log:         log,
	}, pipeline.Options{
		BatchSize:           cfg.Pipeline.BatchSize,
		DownloadConcurrency: cfg.Pipeline.DownloadConcurrency,
		OriginalConcurrency: cfg.Pipeline.OriginalConcurrency,
		UploadConcurrency:   cfg.Pipeline.UploadConcurrency,
		MatchThreshold:      cfg.Pipeline.MatchThreshold,
		ProgressEvery:       cfg.Pipeline.ProgressEvery,
	})

	switch cfg.Queue.Backend {
	case "redis":
		if a.asynqRedis, err = asynq.ParseRedisURI(cfg.RedisURL); err != nil {
			return a, fmt.Errorf("parse redis url for asynq: %w", err)
		}
		a.asynqClient = asynq.NewClient(a.asynqRedis)
		a.closers = append(a.closers, func(context.Context) error { return a.asynqClient.Close() })
		a.queue = asynqueue.NewQueue(a.asynqClient, cfg.Queue.MaxAttempts, cfg.Queue.Timeout)
	default:
		a.queue = a.db
	}

	a.scanner = scanner.New(a.db, a.db, a.queue, blobs, cfg.Storage.PresignTTL, log)
	return a, nil
}

// jobs returns the Postgres job repository, or nil when jobs live in Redis.
func (a *app) jobs() ports.JobRepository {
	if a.cfg.Queue.Backend == "redis" {
		return nil
	}
	return a.db
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		a.log.WithError(err).Warn("shutdown")
	}
}
