package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

const defaultJobMaxAttempts = 3

type DB struct {
	Pool *pgxpool.Pool
	// JobMaxAttempts is stamped on every job enqueued through this DB.
	JobMaxAttempts int

	tracer *queryTracer
}

func Connect(ctx context.Context, url string, log logrus.FieldLogger) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.HealthCheckPeriod = 30 * time.Second
	if log == nil {
		log = logrus.StandardLogger()
	}
	tracer := &queryTracer{log: log.WithField("component", "postgres"), slow: time.Second}
	cfg.ConnConfig.Tracer = connTracer(tracer)
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &DB{Pool: pool, JobMaxAttempts: defaultJobMaxAttempts, tracer: tracer}, nil
}

func (db *DB) Close() { db.Pool.Close() }

func (db *DB) maxAttempts() int {
	if db.JobMaxAttempts < 1 {
		return defaultJobMaxAttempts
	}
	return db.JobMaxAttempts
}

// millis converts a duration for use with `interval '1 millisecond'` arithmetic.
func millis(d time.Duration) int64 { return d.Milliseconds() }
