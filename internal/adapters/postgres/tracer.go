package postgres

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/multitracer"
	"github.com/sirupsen/logrus"
)

type queryStartKey struct{}

// connTracer emits an OpenTelemetry span per query under the caller's span
// and feeds the counters behind Stats.
func connTracer(counters *queryTracer) *multitracer.Tracer {
	return multitracer.New(otelpgx.NewTracer(), counters)
}

// queryTracer counts in-flight and slow queries on every pooled connection.
type queryTracer struct {
	log      logrus.FieldLogger
	slow     time.Duration
	inFlight atomic.Int64
	total    atomic.Int64
	failed   atomic.Int64
	slowSeen atomic.Int64
}

var _ pgx.QueryTracer = (*queryTracer)(nil)

func (t *queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	t.inFlight.Add(1)
	t.total.Add(1)
	return context.WithValue(ctx, queryStartKey{}, queryStart{at: time.Now(), sql: data.SQL})
}

type queryStart struct {
	at  time.Time
	sql string
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	t.inFlight.Add(-1)
	if data.Err != nil {
		t.failed.Add(1)
	}
	start, ok := ctx.Value(queryStartKey{}).(queryStart)
	if !ok || t.slow <= 0 {
		return
	}
	if took := time.Since(start.at); took >= t.slow {
		t.slowSeen.Add(1)
		t.log.WithFields(logrus.Fields{"took": took, "sql": compactSQL(start.sql)}).Warn("slow query")
	}
}

// QueryStats is a point-in-time view of query activity.
type QueryStats struct {
	InFlight int64 `json:"in_flight"`
	Total    int64 `json:"total"`
	Failed   int64 `json:"failed"`
	Slow     int64 `json:"slow"`
	Idle     int32 `json:"idle_conns"`
	Acquired int32 `json:"acquired_conns"`
}

func (db *DB) Stats() QueryStats {
	var s QueryStats
	if db.tracer != nil {
		s.InFlight = db.tracer.inFlight.Load()
		s.Total = db.tracer.total.Load()
		s.Failed = db.tracer.failed.Load()
		s.Slow = db.tracer.slowSeen.Load()
	}
	if db.Pool != nil {
		ps := db.Pool.Stat()
		s.Idle = ps.IdleConns()
		s.Acquired = ps.AcquiredConns()
	}
	return s
}

func compactSQL(sql string) string {
	sql = strings.Join(strings.Fields(sql), " ")
	if len(sql) > 200 {
		sql = sql[:200] + "..."
	}
	return sql
}
