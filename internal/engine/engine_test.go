package engine

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/marketarc/internal/audit"
	"github.com/scrypster/marketarc/internal/registry"
	"github.com/scrypster/marketarc/internal/resolver"
	"github.com/scrypster/marketarc/internal/snapshot"
	"github.com/scrypster/marketarc/pkg/types"
)

const jan1 = int64(1704067200) // 2024-01-01 UTC

func strPtr(s string) *string { return &s }

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	dir := t.TempDir()
	store, err := snapshot.NewStore(dir, 0)
	require.NoError(t, err)
	res := resolver.New(store, registry.NewStore(dir))
	return New(res, opts...)
}

func vendorPage(market, name string) types.PageRecord {
	return types.PageRecord{
		Kind:       types.KindVendor,
		Market:     market,
		CapturedAt: jan1,
		Vendor:     &types.VendorFields{Name: strPtr(name)},
	}
}

func productPage(market, name, vendorName string) types.PageRecord {
	return types.PageRecord{
		Kind:       types.KindProduct,
		Market:     market,
		CapturedAt: jan1,
		Product:    &types.ProductFields{Name: strPtr(name), Vendor: strPtr(vendorName)},
	}
}

func TestRun_MultiMarketBatch(t *testing.T) {
	e := newTestEngine(t, WithMarketWorkers(2))

	batch := []types.PageRecord{
		vendorPage("agartha", "alice"),
		productPage("agartha", "widget", "alice"),
		vendorPage("cannazon", "bob"),
		productPage("cannazon", "gadget", "bob"),
		productPage("cannazon", "gadget", "bob"), // duplicate capture
	}

	report, err := e.Run(context.Background(), batch)
	require.NoError(t, err)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, 2, report.Markets)
	assert.Equal(t, 4, report.Consolidated, "duplicate captures merge before resolution")
	assert.Empty(t, report.Rejected)
	assert.Equal(t, 2, report.NewIdentities)
	assert.Equal(t, 4, report.Writes())
	assert.Empty(t, report.Failures)
}

func TestRun_SecondRunSkipsEverything(t *testing.T) {
	e := newTestEngine(t)

	batch := []types.PageRecord{
		vendorPage("agartha", "alice"),
		productPage("agartha", "widget", "alice"),
	}

	_, err := e.Run(context.Background(), batch)
	require.NoError(t, err)

	report, err := e.Run(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Writes())
	assert.Equal(t, 0, report.NewIdentities)
	assert.Equal(t, 2, report.Skipped)
}

func TestRun_ReportsRejections(t *testing.T) {
	e := newTestEngine(t)

	batch := []types.PageRecord{
		{Kind: types.Kind("forum"), Market: "agartha", CapturedAt: jan1},
		vendorPage("agartha", "alice"),
	}

	report, err := e.Run(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Consolidated)
	require.Len(t, report.Rejected, 1)
	assert.Equal(t, 0, report.Rejected[0].Index)
}

func TestRun_EmptyBatch(t *testing.T) {
	e := newTestEngine(t)

	report, err := e.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Markets)
	assert.Equal(t, 0, report.Consolidated)
	assert.Equal(t, 0, report.Writes())
}

func TestRun_WritesAuditTrail(t *testing.T) {
	dir := t.TempDir()
	store, err := snapshot.NewStore(dir, 0)
	require.NoError(t, err)
	res := resolver.New(store, registry.NewStore(dir))

	// A corrupt vendor document for the import date makes the vendor record
	// fail while the product record still resolves.
	snapDir := filepath.Join(dir, "agartha", "2024_01_01")
	require.NoError(t, os.MkdirAll(snapDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(snapDir, "2024_01_01_agartha_vendor.txt"), []byte("{broken"), 0o644))

	dbPath := filepath.Join(t.TempDir(), "audit.db")
	rec, err := audit.Open(dbPath)
	require.NoError(t, err)

	report, err := New(res, WithRecorder(rec)).Run(context.Background(), []types.PageRecord{
		vendorPage("agartha", "alice"),
		productPage("agartha", "widget", "alice"),
	})
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)
	require.NoError(t, rec.Close())

	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	defer db.Close()

	var markets, consolidated, failed int
	err = db.QueryRow(
		`SELECT markets, consolidated, failed FROM runs WHERE run_id = ?`, report.RunID,
	).Scan(&markets, &consolidated, &failed)
	require.NoError(t, err)
	assert.Equal(t, 1, markets)
	assert.Equal(t, 2, consolidated)
	assert.Equal(t, 1, failed)

	var action, entity, date string
	err = db.QueryRow(
		`SELECT action, entity_key, date FROM run_events WHERE run_id = ?`, report.RunID,
	).Scan(&action, &entity, &date)
	require.NoError(t, err)
	assert.Equal(t, "failure", action)
	assert.Equal(t, "alice", entity)
	assert.Equal(t, "2024_01_01", date)
}

func TestRun_BrokenRecorderDoesNotFailRun(t *testing.T) {
	dir := t.TempDir()
	store, err := snapshot.NewStore(dir, 0)
	require.NoError(t, err)
	res := resolver.New(store, registry.NewStore(dir))

	rec, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	require.NoError(t, rec.Close())

	report, err := New(res, WithRecorder(rec)).Run(context.Background(), []types.PageRecord{
		vendorPage("agartha", "alice"),
		productPage("agartha", "widget", "alice"),
	})
	require.NoError(t, err, "a dead audit store must not fail the merge")
	assert.Equal(t, 2, report.Writes())
	assert.Equal(t, 1, report.NewIdentities)
	assert.Empty(t, report.Failures)
}

func TestRun_CancelledContext(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Run(ctx, []types.PageRecord{vendorPage("agartha", "alice")})
	assert.ErrorIs(t, err, context.Canceled)
}
