// Package engine orchestrates a full merge run: batch deduplication, identity
// resolution per market, and run reporting.
//
// Markets never share registry or snapshot state, so they are processed by
// independent workers; records within one market are processed by exactly one
// worker, serially, because identity minting and create/append decisions
// depend on strictly sequential registry mutation.
package engine

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/scrypster/marketarc/internal/audit"
	"github.com/scrypster/marketarc/internal/dedup"
	"github.com/scrypster/marketarc/internal/resolver"
	"github.com/scrypster/marketarc/pkg/types"
)

// DefaultMarketWorkers bounds concurrent per-market workers when the caller
// does not configure a limit.
const DefaultMarketWorkers = 4

// RunReport is the final summary of one merge run.
type RunReport struct {
	RunID         string                   `json:"run_id"`
	Markets       int                      `json:"markets"`
	Consolidated  int                      `json:"consolidated"`
	Rejected      []dedup.Rejection        `json:"rejected,omitempty"`
	Created       int                      `json:"created"`
	Appended      int                      `json:"appended"`
	Skipped       int                      `json:"skipped"`
	NewIdentities int                      `json:"new_identities"`
	Failures      []resolver.RecordFailure `json:"failures,omitempty"`
	Duration      time.Duration            `json:"duration_ms"`
}

// Writes reports how many snapshot entries the run actually wrote.
func (r *RunReport) Writes() int { return r.Created + r.Appended }

// Engine runs merge batches against a resolver.
type Engine struct {
	resolver *resolver.Resolver
	recorder *audit.Recorder // nil when auditing is disabled
	workers  int

	mu       sync.Mutex
	progress rate.Sometimes
}

// Option configures an Engine.
type Option func(*Engine)

// WithMarketWorkers bounds the number of markets processed concurrently.
func WithMarketWorkers(n int) Option {
	return func(e *Engine) {
		if n >= 1 {
			e.workers = n
		}
	}
}

// WithRecorder attaches an audit recorder. Audit failures never fail a run.
func WithRecorder(rec *audit.Recorder) Option {
	return func(e *Engine) { e.recorder = rec }
}

// New creates an engine around a resolver.
func New(res *resolver.Resolver, opts ...Option) *Engine {
	e := &Engine{
		resolver: res,
		workers:  DefaultMarketWorkers,
		progress: rate.Sometimes{Interval: time.Second},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run consolidates the batch and resolves every record, returning the run
// report. Per-record failures are reported, not returned; the error return is
// reserved for fatal conditions (context cancellation, registry store
// failure), and the report is valid either way for the work completed.
func (e *Engine) Run(ctx context.Context, batch []types.PageRecord) (*RunReport, error) {
	start := time.Now()
	report := &RunReport{RunID: uuid.New().String()}

	records, rejected := dedup.Consolidate(batch)
	report.Consolidated = len(records)
	report.Rejected = rejected
	for _, rej := range rejected {
		log.Printf("merge: rejected record %d (market %q): %s", rej.Index, rej.Market, rej.Reason)
	}

	byMarket := partition(records)
	report.Markets = len(byMarket)

	markets := make([]string, 0, len(byMarket))
	for m := range byMarket {
		markets = append(markets, m)
	}
	sort.Strings(markets)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for _, market := range markets {
		market := market
		g.Go(func() error {
			mr, err := e.resolver.ResolveMarket(gctx, market, byMarket[market])
			e.merge(report, mr)
			if err != nil {
				return fmt.Errorf("market %s: %w", market, err)
			}
			return nil
		})
	}
	err := g.Wait()

	report.Duration = time.Since(start)
	e.record(ctx, report, start)
	return report, err
}

// merge folds one market report into the run report.
func (e *Engine) merge(report *RunReport, mr *resolver.MarketReport) {
	e.mu.Lock()
	defer e.mu.Unlock()
	report.Created += mr.Created
	report.Appended += mr.Appended
	report.Skipped += mr.Skipped
	report.NewIdentities += mr.NewIdentities
	report.Failures = append(report.Failures, mr.Failures...)

	e.progress.Do(func() {
		log.Printf("merge: market %s done (created=%d appended=%d skipped=%d failures=%d)",
			mr.Market, mr.Created, mr.Appended, mr.Skipped, len(mr.Failures))
	})
}

// record writes the run outcome to the audit trail, when one is attached.
func (e *Engine) record(ctx context.Context, report *RunReport, start time.Time) {
	if e.recorder == nil {
		return
	}
	e.recorder.RecordRun(ctx, audit.RunRecord{
		RunID:        report.RunID,
		StartedAt:    start,
		FinishedAt:   start.Add(report.Duration),
		Markets:      report.Markets,
		Consolidated: report.Consolidated,
		Rejected:     len(report.Rejected),
		Created:      report.Created,
		Appended:     report.Appended,
		Skipped:      report.Skipped,
		Failed:       len(report.Failures),
	})
	for _, f := range report.Failures {
		e.recorder.RecordEvent(ctx, audit.Event{
			RunID:     report.RunID,
			Market:    f.Market,
			Date:      f.Date,
			Kind:      string(f.Kind),
			EntityKey: f.Entity,
			Action:    "failure",
			Detail:    f.Detail,
		})
	}
}

// partition groups consolidated records by market, preserving batch order
// within each market.
func partition(records []types.ConsolidatedRecord) map[string][]types.ConsolidatedRecord {
	byMarket := make(map[string][]types.ConsolidatedRecord)
	for _, rec := range records {
		byMarket[rec.Market] = append(byMarket[rec.Market], rec)
	}
	return byMarket
}
