// Package dedup consolidates the PageRecords of one import batch.
//
// A crawl captures the same vendor or product page many times (listing pages,
// detail pages, pagination), each capture extracting a partial view of the
// entity. Consolidate folds all captures of one entity on one date into a
// single record: the first non-nil value wins per field and feedback lists
// are unioned without structural duplicates.
package dedup

import (
	"fmt"
	"sort"

	"github.com/scrypster/marketarc/pkg/types"
)

// Rejection reasons. A rejected record is excluded from consolidation but is
// not an error: a batch tolerates unparseable captures.
const (
	ReasonUnknownKind = "unknown kind"
	ReasonMissingName = "missing name"
)

// Rejection describes one input record that could not participate in the
// merge. Index refers to the record's position in the input batch.
type Rejection struct {
	Index  int    `json:"index"`
	Market string `json:"market"`
	Reason string `json:"reason"`
}

// Consolidate merges a batch of page observations into one consolidated
// record per distinct entity. The entity key is name+vendor+market+date for
// products (vendor omitted when the capture had none) and name+market+date
// for vendors.
//
// Records whose kind is unknown or whose name is missing are returned as
// rejections; the caller decides whether to report them. Output records are
// ordered ascending by capture date; each record's feedback is ordered
// ascending by resolved date, with undated entries holding their positions.
func Consolidate(batch []types.PageRecord) ([]types.ConsolidatedRecord, []Rejection) {
	merged := make(map[string]*types.ConsolidatedRecord)
	var order []string
	var rejected []Rejection

	for i, page := range batch {
		name, ok := page.Name()
		if !ok {
			reason := ReasonMissingName
			if !page.Kind.Valid() {
				reason = ReasonUnknownKind
			}
			rejected = append(rejected, Rejection{Index: i, Market: page.Market, Reason: reason})
			continue
		}

		key := entityKey(page, name)
		existing, seen := merged[key]
		if !seen {
			clone := page
			merged[key] = &clone
			order = append(order, key)
			continue
		}
		mergeInto(existing, page)
	}

	out := make([]types.ConsolidatedRecord, 0, len(order))
	for _, key := range order {
		rec := merged[key]
		sortFeedback(rec.Feedback())
		out = append(out, *rec)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CapturedAt < out[j].CapturedAt
	})
	return out, rejected
}

// entityKey builds the per-batch identity of a record. The kind tag keeps a
// vendor page and a vendorless product page with the same name apart.
func entityKey(page types.PageRecord, name string) string {
	date := types.DateString(page.CapturedAt)
	if page.Kind == types.KindProduct && page.Product.Vendor != nil {
		return fmt.Sprintf("%s|%s|%s|%s|%s", page.Kind, name, *page.Product.Vendor, page.Market, date)
	}
	return fmt.Sprintf("%s|%s|%s|%s", page.Kind, name, page.Market, date)
}

// mergeInto folds an additional observation of the same entity into dst.
// Existing non-nil values are never overwritten.
func mergeInto(dst *types.ConsolidatedRecord, src types.PageRecord) {
	switch dst.Kind {
	case types.KindVendor:
		if src.Vendor != nil {
			mergeVendor(dst.Vendor, src.Vendor)
		}
	case types.KindProduct:
		if src.Product != nil {
			mergeProduct(dst.Product, src.Product)
		}
	}
}

func mergeVendor(dst, src *types.VendorFields) {
	if dst.Name == nil {
		dst.Name = src.Name
	}
	if dst.ScoreRaw == nil {
		dst.ScoreRaw = src.ScoreRaw
	}
	if dst.Score == nil {
		dst.Score = src.Score
	}
	if dst.Registration == nil {
		dst.Registration = src.Registration
	}
	if dst.RegistrationDeviation == "" {
		dst.RegistrationDeviation = src.RegistrationDeviation
	}
	if dst.LastLogin == nil {
		dst.LastLogin = src.LastLogin
	}
	if dst.LastLoginDeviation == "" {
		dst.LastLoginDeviation = src.LastLoginDeviation
	}
	if dst.Sales == nil {
		dst.Sales = src.Sales
	}
	if dst.Info == nil {
		dst.Info = src.Info
	}
	if dst.PGP == nil {
		dst.PGP = src.PGP
	}
	dst.Feedback = mergeFeedback(dst.Feedback, src.Feedback)
}

func mergeProduct(dst, src *types.ProductFields) {
	if dst.Name == nil {
		dst.Name = src.Name
	}
	if dst.Vendor == nil {
		dst.Vendor = src.Vendor
	}
	if dst.ShipsFrom == nil {
		dst.ShipsFrom = src.ShipsFrom
	}
	if dst.ShipsTo == nil {
		dst.ShipsTo = src.ShipsTo
	}
	if dst.Price == nil {
		dst.Price = src.Price
	}
	if dst.PriceEUR == nil {
		dst.PriceEUR = src.PriceEUR
	}
	if dst.Info == nil {
		dst.Info = src.Info
	}
	if dst.MacroCategory == nil {
		dst.MacroCategory = src.MacroCategory
	}
	if dst.MicroCategory == nil {
		dst.MicroCategory = src.MicroCategory
	}
	dst.Feedback = mergeFeedback(dst.Feedback, src.Feedback)
}

// mergeFeedback unions two feedback lists. A nil existing list adopts the
// incoming one wholesale; otherwise incoming entries are appended only when
// no structurally identical entry is already present.
func mergeFeedback(existing, incoming []types.FeedbackEntry) []types.FeedbackEntry {
	if incoming == nil {
		return existing
	}
	if existing == nil {
		return incoming
	}
	for _, in := range incoming {
		dup := false
		for _, have := range existing {
			if have.Equal(in) {
				dup = true
				break
			}
		}
		if !dup {
			existing = append(existing, in)
		}
	}
	return existing
}

// sortFeedback orders dated entries ascending by resolved date while entries
// with an unresolved date keep their slots. This is a stable partial sort:
// only the dated entries are rearranged, among the positions they already
// occupy.
func sortFeedback(entries []types.FeedbackEntry) {
	if len(entries) < 2 {
		return
	}
	var slots []int
	var dated []types.FeedbackEntry
	for i, e := range entries {
		if e.Date != nil {
			slots = append(slots, i)
			dated = append(dated, e)
		}
	}
	if len(dated) < 2 {
		return
	}
	sort.SliceStable(dated, func(i, j int) bool {
		return *dated[i].Date < *dated[j].Date
	})
	for n, i := range slots {
		entries[i] = dated[n]
	}
}
