package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	rec, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { rec.Close() })
	return rec
}

func TestRecordRun(t *testing.T) {
	rec := openTestRecorder(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	rec.RecordRun(ctx, RunRecord{
		RunID:        "run-1",
		StartedAt:    now,
		FinishedAt:   now.Add(2 * time.Second),
		Markets:      2,
		Consolidated: 10,
		Created:      4,
		Appended:     3,
		Skipped:      3,
	})

	var markets, consolidated, created int
	err := rec.db.QueryRow(
		`SELECT markets, consolidated, created FROM runs WHERE run_id = ?`, "run-1",
	).Scan(&markets, &consolidated, &created)
	require.NoError(t, err)
	assert.Equal(t, 2, markets)
	assert.Equal(t, 10, consolidated)
	assert.Equal(t, 4, created)
}

func TestRecordEvent(t *testing.T) {
	rec := openTestRecorder(t)
	ctx := context.Background()

	rec.RecordEvent(ctx, Event{
		RunID:     "run-1",
		Market:    "agartha",
		Date:      "2024_01_01",
		Kind:      "product",
		EntityKey: "widget",
		Action:    "failure",
		Detail:    "snapshot decode error",
	})
	rec.RecordEvent(ctx, Event{RunID: "run-1", Market: "agartha", Kind: "vendor", Action: "failure"})

	var count int
	err := rec.db.QueryRow(`SELECT COUNT(*) FROM run_events WHERE run_id = ?`, "run-1").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	var detail string
	err = rec.db.QueryRow(
		`SELECT detail FROM run_events WHERE entity_key = ?`, "widget",
	).Scan(&detail)
	require.NoError(t, err)
	assert.Equal(t, "snapshot decode error", detail)
}

func TestOpen_SchemaIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	rec, err := Open(path)
	require.NoError(t, err)
	rec.RecordRun(context.Background(), RunRecord{RunID: "run-1"})
	require.NoError(t, rec.Close())

	// Reopening the same file must not clobber existing rows.
	rec, err = Open(path)
	require.NoError(t, err)
	defer rec.Close()

	var count int
	require.NoError(t, rec.db.QueryRow(`SELECT COUNT(*) FROM runs`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	rec := openTestRecorder(t)
	require.NoError(t, rec.Close())

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		rec.RecordRun(ctx, RunRecord{RunID: "doomed"})
	}
	assert.Equal(t, gobreaker.StateOpen, rec.State())

	// Further writes are dropped without panicking.
	rec.RecordEvent(ctx, Event{RunID: "doomed"})
}

func TestRebind(t *testing.T) {
	sqlite := &Recorder{}
	assert.Equal(t, "INSERT INTO t VALUES (?,?)", sqlite.rebind("INSERT INTO t VALUES (?,?)"))

	pg := &Recorder{postgres: true}
	assert.Equal(t, "INSERT INTO t VALUES ($1,$2)", pg.rebind("INSERT INTO t VALUES (?,?)"))
}
