// Package registry persists the per-market identity state: the product
// identity counter, the (vendor, product-name) → identity key map, the
// vendor → product-identities map, and the set of vendor display names ever
// seen. Registries are plain JSON files under {root}/item_id/ and only the
// latest state is kept; there is no history.
//
// Registry values are threaded explicitly through the resolver: loaded once
// at the start of a market's run, mutated in memory, saved once at the end.
// Nothing in this package holds global state.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/scrypster/marketarc/pkg/types"
)

// itemIDDir is the directory under the store root that holds all registry
// files, alongside the per-market snapshot trees.
const itemIDDir = "item_id"

// IOError tags a registry read/write failure with the market it belongs to.
// Registry failures are fatal for the owning market's records (the resolver
// cannot mint or match without the registry) but not for other markets.
type IOError struct {
	Market string
	Op     string
	Err    error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("registry %s for market %q: %v", e.Op, e.Market, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// ProductRegistry is the durable product-identity state for one market.
// Keys in IdentityByKey are not unique over identities: after a rename is
// detected, both the old and the new vendor+name key map to the same
// identity.
type ProductRegistry struct {
	// NextSequence counts the identities minted so far; the next identity
	// uses NextSequence+1. Strictly monotonic, never reset.
	NextSequence int `json:"nextProductSequence"`

	IdentityByKey    map[string]string   `json:"productIdentityByKey"`
	ProductsByVendor map[string][]string `json:"productsByVendor"`
}

// NewProductRegistry returns the initial state for a market with no history.
func NewProductRegistry() *ProductRegistry {
	return &ProductRegistry{
		IdentityByKey:    make(map[string]string),
		ProductsByVendor: make(map[string][]string),
	}
}

// Key builds the vendor+name lookup key used by IdentityByKey.
func Key(vendorName, productName string) string {
	return vendorName + "_" + productName
}

// Mint returns a fresh identity for the market and advances the counter.
// The caller owns persistence; Mint itself touches no files.
func (r *ProductRegistry) Mint(market string) string {
	r.NextSequence++
	return types.ProductIdentity(market, r.NextSequence)
}

// Record associates a vendor+name key with an identity and adds the identity
// to the vendor's product set. Recording an already-known association is a
// no-op, which keeps re-runs from growing ProductsByVendor.
func (r *ProductRegistry) Record(vendorName, productName, identity string) {
	r.IdentityByKey[Key(vendorName, productName)] = identity
	for _, id := range r.ProductsByVendor[vendorName] {
		if id == identity {
			return
		}
	}
	r.ProductsByVendor[vendorName] = append(r.ProductsByVendor[vendorName], identity)
}

// Store reads and writes registry files under a fixed store root.
type Store struct {
	root string
}

// NewStore returns a registry store rooted at the same directory as the
// snapshot store.
func NewStore(root string) *Store {
	return &Store{root: root}
}

func (s *Store) productPath(market string) string {
	return filepath.Join(s.root, itemIDDir, market+"_ProductID.txt")
}

func (s *Store) vendorPath(market string) string {
	return filepath.Join(s.root, itemIDDir, market+"_VendorID.txt")
}

// LoadProducts reads the product registry for a market, or returns a fresh
// empty registry when none has been written yet. Loading and immediately
// saving an unchanged registry reproduces the stored state exactly.
func (s *Store) LoadProducts(market string) (*ProductRegistry, error) {
	data, err := os.ReadFile(s.productPath(market))
	if errors.Is(err, os.ErrNotExist) {
		return NewProductRegistry(), nil
	}
	if err != nil {
		return nil, &IOError{Market: market, Op: "load", Err: err}
	}
	reg := NewProductRegistry()
	if err := json.Unmarshal(data, reg); err != nil {
		return nil, &IOError{Market: market, Op: "load", Err: err}
	}
	if reg.IdentityByKey == nil {
		reg.IdentityByKey = make(map[string]string)
	}
	if reg.ProductsByVendor == nil {
		reg.ProductsByVendor = make(map[string][]string)
	}
	if err := reg.validate(market); err != nil {
		return nil, &IOError{Market: market, Op: "load", Err: err}
	}
	return reg, nil
}

// validate checks a loaded registry for corruption. Every registered identity
// must parse, belong to the owning market, and stay within the minted
// sequence range; a counter behind its identities would re-issue sequence
// numbers on the next mint.
func (r *ProductRegistry) validate(market string) error {
	for key, id := range r.IdentityByKey {
		m, seq, ok := types.ParseProductIdentity(id)
		if !ok || m != market {
			return fmt.Errorf("identity %q under key %q does not belong to market %q", id, key, market)
		}
		if seq > r.NextSequence {
			return fmt.Errorf("identity %q is ahead of the sequence counter %d", id, r.NextSequence)
		}
	}
	return nil
}

// SaveProducts overwrites the persisted product registry for a market.
func (s *Store) SaveProducts(market string, reg *ProductRegistry) error {
	data, err := json.Marshal(reg)
	if err != nil {
		return &IOError{Market: market, Op: "save", Err: err}
	}
	if err := s.write(s.productPath(market), data); err != nil {
		return &IOError{Market: market, Op: "save", Err: err}
	}
	return nil
}

// LoadVendorNames reads the set of vendor display names recorded for a
// market. Returns an empty slice when none has been written yet.
func (s *Store) LoadVendorNames(market string) ([]string, error) {
	data, err := os.ReadFile(s.vendorPath(market))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &IOError{Market: market, Op: "load", Err: err}
	}
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return nil, &IOError{Market: market, Op: "load", Err: err}
	}
	return names, nil
}

// SaveVendorNames persists the vendor-name set for a market. Names are
// deduplicated and sorted before writing so repeated saves of the same set
// produce identical bytes.
func (s *Store) SaveVendorNames(market string, names []string) error {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	unique := make([]string, 0, len(set))
	for n := range set {
		unique = append(unique, n)
	}
	sort.Strings(unique)

	data, err := json.Marshal(unique)
	if err != nil {
		return &IOError{Market: market, Op: "save", Err: err}
	}
	if err := s.write(s.vendorPath(market), data); err != nil {
		return &IOError{Market: market, Op: "save", Err: err}
	}
	return nil
}

func (s *Store) write(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
