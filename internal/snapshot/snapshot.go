// Package snapshot implements the date-and-market-partitioned JSON store.
//
// One snapshot is one JSON document holding every consolidated record of one
// (market, date, kind), keyed by durable identity (or vendor display name for
// vendor snapshots). Snapshots live at
//
//	{root}/{market}/{yyyy_mm_dd}/{yyyy_mm_dd}_{market}_{kind}.txt
//
// A snapshot for the current import date may be created and appended to any
// number of times within a run; once a later date exists it is effectively
// immutable. Nothing here ever deletes or destructively rewrites history.
//
// The store is single-writer by contract: the resolver processes one market
// serially, so Exists-then-Create races cannot occur in correct use.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/scrypster/marketarc/pkg/types"
)

var (
	// ErrNotFound reports a missing snapshot for a (market, date, kind).
	ErrNotFound = errors.New("snapshot not found")

	// ErrExists is returned by CreateWithEntry when a snapshot already
	// exists at the target key; callers must check Exists first.
	ErrExists = errors.New("snapshot already exists")

	// ErrStoreUnavailable means the store root directory does not exist.
	// This is fatal for a whole run and is checked before any processing.
	ErrStoreUnavailable = errors.New("store root does not exist")
)

// IOError tags a snapshot read/write failure with the coordinates of the
// offending document so a run report can point at it.
type IOError struct {
	Market string
	Date   string
	Kind   types.Kind
	Op     string
	Err    error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("snapshot %s %s/%s/%s: %v", e.Op, e.Market, e.Date, e.Kind, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Snapshot is the in-memory form of one snapshot document. Callers must not
// mutate a snapshot returned by Read: it may be shared with the read cache.
type Snapshot map[string]types.ConsolidatedRecord

// DefaultCacheSize bounds the read cache when no size is configured.
const DefaultCacheSize = 32

// Store reads and writes snapshot documents under a fixed root directory.
// Reads go through a small LRU cache; the rename scan in the resolver reads
// the same prior snapshot once per candidate product, which the cache turns
// into a single file read.
type Store struct {
	root  string
	cache *lru.Cache[string, Snapshot]
}

// NewStore opens a store rooted at root. Returns ErrStoreUnavailable when the
// root directory is missing, so a misconfigured run fails before touching
// anything.
func NewStore(root string, cacheSize int) (*Store, error) {
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrStoreUnavailable, root)
	}
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, Snapshot](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Store{root: root, cache: cache}, nil
}

// Root returns the store root directory.
func (s *Store) Root() string { return s.root }

// path builds the document path for a (market, date, kind).
func (s *Store) path(market, date string, kind types.Kind) string {
	name := fmt.Sprintf("%s_%s_%s.txt", date, market, kind)
	return filepath.Join(s.root, market, date, name)
}

// Exists reports whether a snapshot document exists for the key.
func (s *Store) Exists(market, date string, kind types.Kind) bool {
	_, err := os.Stat(s.path(market, date, kind))
	return err == nil
}

// Read returns the full snapshot document for the key, or ErrNotFound.
func (s *Store) Read(market, date string, kind types.Kind) (Snapshot, error) {
	path := s.path(market, date, kind)
	if snap, ok := s.cache.Get(path); ok {
		return snap, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &IOError{Market: market, Date: date, Kind: kind, Op: "read", Err: err}
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, &IOError{Market: market, Date: date, Kind: kind, Op: "decode", Err: err}
	}
	s.cache.Add(path, snap)
	return snap, nil
}

// FindMostRecentBefore locates the snapshot whose date is the largest one
// strictly below date for the market and kind. The fixed-width yyyy_mm_dd
// format makes lexicographic comparison sufficient. Returns the snapshot and
// its date, or ErrNotFound when no earlier snapshot exists — which is how the
// resolver recognizes the first-ever observation of a market.
func (s *Store) FindMostRecentBefore(market, date string, kind types.Kind) (Snapshot, string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, market))
	if errors.Is(err, os.ErrNotExist) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", &IOError{Market: market, Date: date, Kind: kind, Op: "scan", Err: err}
	}

	best := ""
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !validDateDir(name) || name >= date {
			continue
		}
		if name > best && s.Exists(market, name, kind) {
			best = name
		}
	}
	if best == "" {
		return nil, "", ErrNotFound
	}
	snap, err := s.Read(market, best, kind)
	if err != nil {
		return nil, "", err
	}
	return snap, best, nil
}

// CreateWithEntry writes a new snapshot document containing exactly one
// entry. Fails with ErrExists when the document is already present; the
// single-writer contract makes the Exists check race-free.
func (s *Store) CreateWithEntry(market, date string, kind types.Kind, entityKey string, rec types.ConsolidatedRecord) error {
	path := s.path(market, date, kind)
	if _, err := os.Stat(path); err == nil {
		return ErrExists
	}
	return s.writeDoc(market, date, kind, Snapshot{entityKey: rec})
}

// AppendEntry inserts or overwrites one entry in an existing snapshot and
// rewrites the whole document. Overwriting only happens when the resolver has
// decided the entity already lives under entityKey for this date; otherwise
// callers only append keys known to be absent.
func (s *Store) AppendEntry(market, date string, kind types.Kind, entityKey string, rec types.ConsolidatedRecord) error {
	snap, err := s.Read(market, date, kind)
	if err != nil {
		return err
	}
	updated := make(Snapshot, len(snap)+1)
	for k, v := range snap {
		updated[k] = v
	}
	updated[entityKey] = rec
	return s.writeDoc(market, date, kind, updated)
}

// writeDoc serializes and writes a snapshot document, creating the market and
// date directories as needed, and refreshes the read cache.
func (s *Store) writeDoc(market, date string, kind types.Kind, snap Snapshot) error {
	path := s.path(market, date, kind)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &IOError{Market: market, Date: date, Kind: kind, Op: "write", Err: err}
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return &IOError{Market: market, Date: date, Kind: kind, Op: "encode", Err: err}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return &IOError{Market: market, Date: date, Kind: kind, Op: "write", Err: err}
	}
	s.cache.Add(path, snap)
	return nil
}

// validDateDir reports whether a directory name is a yyyy_mm_dd date.
func validDateDir(name string) bool {
	if len(name) != len(types.DateLayout) {
		return false
	}
	_, err := time.Parse(types.DateLayout, name)
	return err == nil
}
