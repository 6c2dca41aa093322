// Package resolver assigns durable identities to consolidated records across
// import dates and writes them into the snapshot store.
//
// Vendors resolve by display name (markets enforce unique vendor names).
// Products resolve in four ordered states, first match wins:
//
//  1. the vendor+name key is already registered → reuse that identity
//  2. no earlier snapshot exists for the market at all → mint
//  3. the vendor has prior products → scan them for feedback overlap against
//     the most recent earlier snapshot (rename detection) → reuse on the
//     first hit, mint after exhausting candidates
//  4. the vendor is entirely unknown → mint
//
// Every write path checks whether the identity is already keyed in the
// current date's snapshot, which is what makes re-running a batch idempotent:
// the second run resolves every record to its existing identity and skips the
// write.
package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/scrypster/marketarc/internal/feedback"
	"github.com/scrypster/marketarc/internal/registry"
	"github.com/scrypster/marketarc/internal/snapshot"
	"github.com/scrypster/marketarc/pkg/types"
)

// unknownVendor keys products whose capture carried no vendor reference, so
// repeated vendorless observations of one product name still share identity.
const unknownVendor = "NoVendorFound"

// RecordFailure describes one record that could not be processed. Failures
// are recoverable: the batch continues with the next record.
type RecordFailure struct {
	Market string     `json:"market"`
	Date   string     `json:"date"`
	Kind   types.Kind `json:"kind"`
	Entity string     `json:"entity"`
	Err    error      `json:"-"`
	Detail string     `json:"detail"`
}

// MarketReport accumulates the outcome of one market's records.
type MarketReport struct {
	Market        string
	Created       int // snapshot documents created
	Appended      int // entries appended to existing snapshots
	Skipped       int // entries already present for the date (idempotent re-run)
	NewIdentities int // product identities minted
	Failures      []RecordFailure
}

// ProgressFunc is called after each processed record. done counts processed
// records including failures.
type ProgressFunc func(market string, done, total int)

// Resolver wires the snapshot store and registry store together.
type Resolver struct {
	store      *snapshot.Store
	registries *registry.Store
	window     int
	progress   ProgressFunc
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithFeedbackWindow overrides the number of imported-side feedback entries
// used for rename detection. Values below 1 keep the default.
func WithFeedbackWindow(n int) Option {
	return func(r *Resolver) {
		if n >= 1 {
			r.window = n
		}
	}
}

// WithProgress installs a per-record progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(r *Resolver) { r.progress = fn }
}

// New creates a resolver over the given stores.
func New(store *snapshot.Store, registries *registry.Store, opts ...Option) *Resolver {
	r := &Resolver{
		store:      store,
		registries: registries,
		window:     feedback.DefaultWindow,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// marketState carries the mutable per-market registry data for one run.
type marketState struct {
	market   string
	products *registry.ProductRegistry
	vendors  []string
}

// ResolveMarket processes one market's consolidated records in batch order
// and persists the registry state once at the end, whether or not anything
// was minted. Records must all belong to the named market.
//
// Per-record snapshot failures are collected in the report; registry
// load/save failures are returned as an error because nothing can be resolved
// without the registry.
func (r *Resolver) ResolveMarket(ctx context.Context, market string, records []types.ConsolidatedRecord) (*MarketReport, error) {
	report := &MarketReport{Market: market}

	products, err := r.registries.LoadProducts(market)
	if err != nil {
		return report, err
	}
	vendors, err := r.registries.LoadVendorNames(market)
	if err != nil {
		return report, err
	}
	state := &marketState{market: market, products: products, vendors: vendors}

	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := r.resolveRecord(state, rec, report); err != nil {
			name, _ := rec.Name()
			report.Failures = append(report.Failures, RecordFailure{
				Market: market,
				Date:   types.DateString(rec.CapturedAt),
				Kind:   rec.Kind,
				Entity: name,
				Err:    err,
				Detail: err.Error(),
			})
		}
		if r.progress != nil {
			r.progress(market, i+1, len(records))
		}
	}

	// Persist post-batch state exactly, even when nothing changed.
	if err := r.registries.SaveProducts(market, state.products); err != nil {
		return report, err
	}
	if err := r.registries.SaveVendorNames(market, state.vendors); err != nil {
		return report, err
	}
	return report, nil
}

func (r *Resolver) resolveRecord(state *marketState, rec types.ConsolidatedRecord, report *MarketReport) error {
	name, ok := rec.Name()
	if !ok {
		// The deduplicator rejects nameless records before they get here.
		return fmt.Errorf("record has no resolvable name")
	}
	switch rec.Kind {
	case types.KindVendor:
		return r.resolveVendor(state, rec, name, report)
	case types.KindProduct:
		return r.resolveProduct(state, rec, name, report)
	default:
		return fmt.Errorf("unsupported record kind %q", rec.Kind)
	}
}

// resolveVendor records a vendor under its display name for the capture date.
func (r *Resolver) resolveVendor(state *marketState, rec types.ConsolidatedRecord, name string, report *MarketReport) error {
	date := types.DateString(rec.CapturedAt)

	current, err := r.store.Read(state.market, date, types.KindVendor)
	switch {
	case errors.Is(err, snapshot.ErrNotFound):
		if err := r.store.CreateWithEntry(state.market, date, types.KindVendor, name, rec); err != nil {
			return err
		}
		report.Created++
	case err != nil:
		return err
	default:
		if _, seen := current[name]; seen {
			// Already recorded for this date; nothing to write.
			report.Skipped++
			return nil
		}
		if err := r.store.AppendEntry(state.market, date, types.KindVendor, name, rec); err != nil {
			return err
		}
		report.Appended++
	}

	state.vendors = append(state.vendors, name)
	return nil
}

// resolveProduct runs the four-state identity resolution for one product.
func (r *Resolver) resolveProduct(state *marketState, rec types.ConsolidatedRecord, name string, report *MarketReport) error {
	date := types.DateString(rec.CapturedAt)
	vendorName := unknownVendor
	if rec.Product.Vendor != nil {
		vendorName = *rec.Product.Vendor
	}

	// State 1: exact key match.
	if id, ok := state.products.IdentityByKey[registry.Key(vendorName, name)]; ok {
		return r.writeResolved(state.market, date, id, rec, report)
	}

	prev, _, err := r.store.FindMostRecentBefore(state.market, date, types.KindProduct)
	if errors.Is(err, snapshot.ErrNotFound) {
		// State 2: first-ever observation of this market.
		return r.mintAndWrite(state, date, vendorName, name, rec, report)
	}
	if err != nil {
		return err
	}

	// State 3: known vendor, name didn't match — possible rename. Compare a
	// bounded window of the imported feedback against each prior product of
	// the vendor as it appeared in the most recent earlier snapshot.
	if prior := state.products.ProductsByVendor[vendorName]; len(prior) > 0 {
		window := feedback.Window(rec.Feedback(), r.window)
		for _, candidate := range prior {
			prevRec, present := prev[candidate]
			if !present {
				continue
			}
			if feedback.Overlap(window, prevRec.Feedback()) > 0 {
				// Same entity under a new name: register the alias so the
				// next run matches on the exact key without this scan.
				state.products.Record(vendorName, name, candidate)
				return r.writeResolved(state.market, date, candidate, rec, report)
			}
		}
	}

	// State 3 exhausted, or state 4: vendor entirely unknown.
	return r.mintAndWrite(state, date, vendorName, name, rec, report)
}

// mintAndWrite assigns a fresh identity, writes the entry and registers the
// key mapping.
func (r *Resolver) mintAndWrite(state *marketState, date, vendorName, name string, rec types.ConsolidatedRecord, report *MarketReport) error {
	id := state.products.Mint(state.market)
	if err := r.writeResolved(state.market, date, id, rec, report); err != nil {
		// The minted sequence number is abandoned on failure; gaps are
		// acceptable, reuse is not.
		return err
	}
	state.products.Record(vendorName, name, id)
	report.NewIdentities++
	return nil
}

// writeResolved writes rec under its resolved identity into the current
// date's snapshot, creating the document on first write and skipping entirely
// when the identity is already recorded for the date.
func (r *Resolver) writeResolved(market, date, identity string, rec types.ConsolidatedRecord, report *MarketReport) error {
	current, err := r.store.Read(market, date, types.KindProduct)
	switch {
	case errors.Is(err, snapshot.ErrNotFound):
		if err := r.store.CreateWithEntry(market, date, types.KindProduct, identity, rec); err != nil {
			return err
		}
		report.Created++
		return nil
	case err != nil:
		return err
	}
	if _, seen := current[identity]; seen {
		report.Skipped++
		return nil
	}
	if err := r.store.AppendEntry(market, date, types.KindProduct, identity, rec); err != nil {
		return err
	}
	report.Appended++
	return nil
}
