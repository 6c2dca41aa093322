// Package audit keeps a durable trail of merge runs and notable per-record
// events in a small SQL database, separate from the JSON store the engine
// maintains. The trail answers "what did run X touch and what failed" without
// walking snapshot files.
//
// Auditing is strictly best-effort: writes go through a circuit breaker and
// errors are logged, never propagated, so a broken audit database cannot take
// down a merge run.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	_ "github.com/lib/pq"  // postgres driver, selected by DSN
	_ "modernc.org/sqlite" // default driver for file paths
)

// RunRecord summarizes one completed merge run.
type RunRecord struct {
	RunID        string
	StartedAt    time.Time
	FinishedAt   time.Time
	Markets      int
	Consolidated int
	Rejected     int
	Created      int
	Appended     int
	Skipped      int
	Failed       int
}

// Event is one notable per-record occurrence within a run.
type Event struct {
	RunID     string
	Market    string
	Date      string
	Kind      string
	EntityKey string
	Action    string
	Detail    string
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id       TEXT PRIMARY KEY,
	started_at   TIMESTAMP NOT NULL,
	finished_at  TIMESTAMP NOT NULL,
	markets      INTEGER NOT NULL,
	consolidated INTEGER NOT NULL,
	rejected     INTEGER NOT NULL,
	created      INTEGER NOT NULL,
	appended     INTEGER NOT NULL,
	skipped      INTEGER NOT NULL,
	failed       INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS run_events (
	run_id     TEXT NOT NULL,
	market     TEXT NOT NULL,
	date       TEXT NOT NULL,
	kind       TEXT NOT NULL,
	entity_key TEXT NOT NULL,
	action     TEXT NOT NULL,
	detail     TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events(run_id);
`

// Recorder writes audit rows. The zero value is not usable; construct with
// Open.
type Recorder struct {
	db       *sql.DB
	postgres bool
	breaker  *gobreaker.CircuitBreaker
}

// Open connects the audit store. A DSN beginning with postgres:// (or
// postgresql://) selects the postgres driver; anything else is treated as a
// sqlite file path. The schema is created when missing.
func Open(dsn string) (*Recorder, error) {
	driver := "sqlite"
	postgres := strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
	if postgres {
		driver = "postgres"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", driver, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: init schema: %w", err)
	}

	return &Recorder{
		db:       db,
		postgres: postgres,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "audit",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}, nil
}

// Close releases the underlying database.
func (r *Recorder) Close() error { return r.db.Close() }

// RecordRun persists a run summary. Errors are swallowed after logging; once
// the breaker opens, subsequent writes are dropped without touching the
// database until the cool-down elapses.
func (r *Recorder) RecordRun(ctx context.Context, rec RunRecord) {
	r.exec(ctx, `INSERT INTO runs
		(run_id, started_at, finished_at, markets, consolidated, rejected, created, appended, skipped, failed)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		rec.RunID, rec.StartedAt.UTC(), rec.FinishedAt.UTC(), rec.Markets,
		rec.Consolidated, rec.Rejected, rec.Created, rec.Appended, rec.Skipped, rec.Failed)
}

// RecordEvent persists one per-record event.
func (r *Recorder) RecordEvent(ctx context.Context, ev Event) {
	r.exec(ctx, `INSERT INTO run_events
		(run_id, market, date, kind, entity_key, action, detail, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		ev.RunID, ev.Market, ev.Date, ev.Kind, ev.EntityKey, ev.Action, ev.Detail, time.Now().UTC())
}

func (r *Recorder) exec(ctx context.Context, query string, args ...any) {
	_, err := r.breaker.Execute(func() (any, error) {
		_, err := r.db.ExecContext(ctx, r.rebind(query), args...)
		return nil, err
	})
	if err != nil {
		log.Printf("audit: dropped write: %v", err)
	}
}

// rebind converts ? placeholders to the $n form lib/pq expects.
func (r *Recorder) rebind(query string) string {
	if !r.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

// State exposes the breaker state for health reporting and tests.
func (r *Recorder) State() gobreaker.State { return r.breaker.State() }
