// Command marketarc-merge consolidates one extracted crawl batch and merges
// it into the marketarc JSON store, assigning durable identities to vendors
// and products across import dates.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"golang.org/x/time/rate"

	"github.com/scrypster/marketarc/internal/audit"
	"github.com/scrypster/marketarc/internal/config"
	"github.com/scrypster/marketarc/internal/dedup"
	"github.com/scrypster/marketarc/internal/engine"
	"github.com/scrypster/marketarc/internal/importer"
	"github.com/scrypster/marketarc/internal/registry"
	"github.com/scrypster/marketarc/internal/resolver"
	"github.com/scrypster/marketarc/internal/snapshot"
)

var (
	configPath = flag.String("config", "", "Path to YAML config file (optional, uses env vars by default)")
	storeRoot  = flag.String("store", "", "Store root directory (overrides config)")
	batchDir   = flag.String("batch", "", "Directory holding the extracted batch (required)")
	workers    = flag.Int("workers", 0, "Concurrent market workers (overrides config)")
	auditDSN   = flag.String("audit", "", "Audit database DSN: sqlite path or postgres:// URL (overrides config)")
	dryRun     = flag.Bool("dry-run", false, "Consolidate and report rejections without writing to the store")
)

func main() {
	flag.Parse()

	if *batchDir == "" {
		flag.Usage()
		log.Fatal("missing required -batch directory")
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *storeRoot != "" {
		cfg.Store.Root = *storeRoot
	}
	if *workers > 0 {
		cfg.Engine.MarketWorkers = *workers
	}
	if *auditDSN != "" {
		cfg.Audit.DSN = *auditDSN
	}

	batch, err := importer.ReadBatch(*batchDir)
	if err != nil {
		log.Fatalf("Failed to read batch: %v", err)
	}
	log.Printf("batch: %d files found, %d decoded, %d skipped, %d records",
		batch.FilesFound, batch.FilesDecoded, batch.FilesSkipped, len(batch.Records))
	for _, e := range batch.Errors {
		log.Printf("batch: %s", e)
	}

	if *dryRun {
		handleDryRun(batch)
		return
	}

	store, err := snapshot.NewStore(cfg.Store.Root, cfg.Store.SnapshotCache)
	if err != nil {
		log.Fatalf("Store unavailable: %v", err)
	}

	res := resolver.New(store, registry.NewStore(cfg.Store.Root),
		resolver.WithFeedbackWindow(cfg.Engine.FeedbackWindow),
		resolver.WithProgress(progressLogger()))

	opts := []engine.Option{engine.WithMarketWorkers(cfg.Engine.MarketWorkers)}
	if cfg.Audit.DSN != "" {
		recorder, err := audit.Open(cfg.Audit.DSN)
		if err != nil {
			log.Fatalf("Failed to open audit store: %v", err)
		}
		defer recorder.Close()
		opts = append(opts, engine.WithRecorder(recorder))
	}

	report, runErr := engine.New(res, opts...).Run(context.Background(), batch.Records)
	printReport(report)
	if runErr != nil {
		log.Fatalf("Run failed: %v", runErr)
	}
}

// progressLogger reports per-record progress at most once per second. The
// throttle is shared across the concurrent market workers; Sometimes.Do is
// safe for that.
func progressLogger() resolver.ProgressFunc {
	throttle := &rate.Sometimes{Interval: time.Second}
	return func(market string, done, total int) {
		throttle.Do(func() {
			log.Printf("merge: market %s progress %d/%d", market, done, total)
		})
	}
}

func loadConfig() (*config.Config, error) {
	if *configPath != "" {
		return config.LoadConfigFile(*configPath)
	}
	return config.LoadConfig()
}

func handleDryRun(batch *importer.Batch) {
	records, rejected := dedup.Consolidate(batch.Records)
	fmt.Printf("Consolidated: %d record(s)\n", len(records))
	if len(rejected) == 0 {
		fmt.Println("Rejected: none")
		return
	}
	fmt.Printf("Rejected: %d record(s)\n", len(rejected))
	for _, rej := range rejected {
		fmt.Printf("  record %d (market %q): %s\n", rej.Index, rej.Market, rej.Reason)
	}
}

func printReport(report *engine.RunReport) {
	fmt.Printf("Run %s finished in %v\n", report.RunID, report.Duration)
	fmt.Printf("  Markets:        %d\n", report.Markets)
	fmt.Printf("  Consolidated:   %d\n", report.Consolidated)
	fmt.Printf("  Rejected:       %d\n", len(report.Rejected))
	fmt.Printf("  Created:        %d\n", report.Created)
	fmt.Printf("  Appended:       %d\n", report.Appended)
	fmt.Printf("  Skipped:        %d\n", report.Skipped)
	fmt.Printf("  New identities: %d\n", report.NewIdentities)

	if len(report.Failures) == 0 {
		return
	}
	fmt.Printf("  Failures:       %d\n", len(report.Failures))
	for _, f := range report.Failures {
		fmt.Printf("    %s/%s/%s %q: %s\n", f.Market, f.Date, f.Kind, f.Entity, f.Detail)
	}
}
