package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/marketarc/pkg/types"
)

func strPtr(s string) *string { return &s }

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir(), 0)
	require.NoError(t, err)
	return store
}

func vendorRecord(market, name string) types.ConsolidatedRecord {
	return types.ConsolidatedRecord{
		Kind:   types.KindVendor,
		Market: market,
		Vendor: &types.VendorFields{Name: strPtr(name)},
	}
}

func TestNewStore_MissingRoot(t *testing.T) {
	_, err := NewStore(filepath.Join(t.TempDir(), "nope"), 0)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestCreateReadRoundTrip(t *testing.T) {
	store := newTestStore(t)
	rec := vendorRecord("agartha", "alice")

	require.False(t, store.Exists("agartha", "2024_01_01", types.KindVendor))
	require.NoError(t, store.CreateWithEntry("agartha", "2024_01_01", types.KindVendor, "alice", rec))
	assert.True(t, store.Exists("agartha", "2024_01_01", types.KindVendor))

	snap, err := store.Read("agartha", "2024_01_01", types.KindVendor)
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.Equal(t, rec, snap["alice"])

	// The document lands at the partitioned path.
	path := filepath.Join(store.Root(), "agartha", "2024_01_01", "2024_01_01_agartha_vendor.txt")
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestCreateWithEntry_RefusesOverwrite(t *testing.T) {
	store := newTestStore(t)
	rec := vendorRecord("agartha", "alice")

	require.NoError(t, store.CreateWithEntry("agartha", "2024_01_01", types.KindVendor, "alice", rec))
	err := store.CreateWithEntry("agartha", "2024_01_01", types.KindVendor, "bob", vendorRecord("agartha", "bob"))
	assert.ErrorIs(t, err, ErrExists)
}

func TestAppendEntry(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateWithEntry("agartha", "2024_01_01", types.KindVendor, "alice", vendorRecord("agartha", "alice")))
	require.NoError(t, store.AppendEntry("agartha", "2024_01_01", types.KindVendor, "bob", vendorRecord("agartha", "bob")))

	snap, err := store.Read("agartha", "2024_01_01", types.KindVendor)
	require.NoError(t, err)
	assert.Len(t, snap, 2)

	// Appending under an existing key replaces that entry only.
	updated := vendorRecord("agartha", "alice")
	updated.CapturedAt = 42
	require.NoError(t, store.AppendEntry("agartha", "2024_01_01", types.KindVendor, "alice", updated))

	snap, err = store.Read("agartha", "2024_01_01", types.KindVendor)
	require.NoError(t, err)
	require.Len(t, snap, 2)
	assert.Equal(t, int64(42), snap["alice"].CapturedAt)
}

func TestAppendEntry_MissingSnapshot(t *testing.T) {
	store := newTestStore(t)
	err := store.AppendEntry("agartha", "2024_01_01", types.KindVendor, "alice", vendorRecord("agartha", "alice"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRead_NotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Read("agartha", "2024_01_01", types.KindVendor)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRead_CorruptDocument(t *testing.T) {
	store := newTestStore(t)
	dir := filepath.Join(store.Root(), "agartha", "2024_01_01")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2024_01_01_agartha_vendor.txt"), []byte("{broken"), 0o644))

	_, err := store.Read("agartha", "2024_01_01", types.KindVendor)
	require.Error(t, err)
	var ioErr *IOError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, "decode", ioErr.Op)
	assert.Equal(t, "agartha", ioErr.Market)
}

func TestFindMostRecentBefore(t *testing.T) {
	store := newTestStore(t)
	for _, date := range []string{"2024_01_01", "2024_01_15", "2024_02_01"} {
		require.NoError(t, store.CreateWithEntry("agartha", date, types.KindProduct, "agartha_product_1",
			types.ConsolidatedRecord{Kind: types.KindProduct, Market: "agartha"}))
	}

	_, date, err := store.FindMostRecentBefore("agartha", "2024_03_01", types.KindProduct)
	require.NoError(t, err)
	assert.Equal(t, "2024_02_01", date)

	_, date, err = store.FindMostRecentBefore("agartha", "2024_02_01", types.KindProduct)
	require.NoError(t, err)
	assert.Equal(t, "2024_01_15", date, "the lookup date itself is excluded")

	_, _, err = store.FindMostRecentBefore("agartha", "2024_01_01", types.KindProduct)
	assert.ErrorIs(t, err, ErrNotFound, "nothing precedes the first capture")

	_, _, err = store.FindMostRecentBefore("cannazon", "2024_03_01", types.KindProduct)
	assert.ErrorIs(t, err, ErrNotFound, "unseen market")
}

func TestFindMostRecentBefore_SkipsDatesWithoutKind(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateWithEntry("agartha", "2024_01_01", types.KindProduct, "agartha_product_1",
		types.ConsolidatedRecord{Kind: types.KindProduct, Market: "agartha"}))
	// A later date that only has a vendor snapshot must not shadow the
	// older product snapshot.
	require.NoError(t, store.CreateWithEntry("agartha", "2024_01_15", types.KindVendor, "alice",
		vendorRecord("agartha", "alice")))

	_, date, err := store.FindMostRecentBefore("agartha", "2024_02_01", types.KindProduct)
	require.NoError(t, err)
	assert.Equal(t, "2024_01_01", date)
}

func TestFindMostRecentBefore_IgnoresStrayDirs(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateWithEntry("agartha", "2024_01_01", types.KindVendor, "alice",
		vendorRecord("agartha", "alice")))
	require.NoError(t, os.MkdirAll(filepath.Join(store.Root(), "agartha", "scratch"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(store.Root(), "agartha", "2024_13_99"), 0o755))

	_, date, err := store.FindMostRecentBefore("agartha", "2024_06_01", types.KindVendor)
	require.NoError(t, err)
	assert.Equal(t, "2024_01_01", date)
}

func TestRead_CacheRefreshedByWrites(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateWithEntry("agartha", "2024_01_01", types.KindVendor, "alice",
		vendorRecord("agartha", "alice")))

	// Prime the cache, then write through the store and read again.
	_, err := store.Read("agartha", "2024_01_01", types.KindVendor)
	require.NoError(t, err)
	require.NoError(t, store.AppendEntry("agartha", "2024_01_01", types.KindVendor, "bob",
		vendorRecord("agartha", "bob")))

	snap, err := store.Read("agartha", "2024_01_01", types.KindVendor)
	require.NoError(t, err)
	assert.Len(t, snap, 2)
}
