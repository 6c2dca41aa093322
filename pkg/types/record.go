// Package types defines the shared record model for the marketarc merge
// engine: page observations produced by the external extraction stage,
// consolidated records produced by batch deduplication, and the identity
// and date helpers used by the registry and snapshot layers.
package types

import (
	"encoding/json"
	"time"
)

// Kind tags a record as a vendor or product observation.
type Kind string

const (
	KindVendor  Kind = "vendor"
	KindProduct Kind = "product"
)

// Valid reports whether k is one of the two supported record kinds.
func (k Kind) Valid() bool {
	return k == KindVendor || k == KindProduct
}

// PageRecord is one extracted observation of a single captured page.
// Exactly one of Vendor or Product is populated, matching Kind. All optional
// scalar fields are pointers so that "absent in the capture" is distinguishable
// from a zero value; the batch deduplicator relies on that distinction.
//
// Dates are unix seconds throughout. CapturedAt is date-granular: it comes from
// the dated directory the raw capture was filed under, not from page content.
type PageRecord struct {
	Kind       Kind           `json:"kind"`
	Market     string         `json:"market"`
	CapturedAt int64          `json:"captured_at"`
	Vendor     *VendorFields  `json:"vendor_data,omitempty"`
	Product    *ProductFields `json:"product_data,omitempty"`
}

// ConsolidatedRecord is the result of merging all PageRecords for one entity
// within one import batch. It has the same shape as a PageRecord: every field
// is the first non-nil value seen across the batch and the feedback list is
// the duplicate-free union, sorted oldest first.
type ConsolidatedRecord = PageRecord

// VendorFields holds the attributes extracted from a vendor page.
type VendorFields struct {
	Name *string `json:"name"`

	// ScoreRaw preserves the score exactly as the source displayed it. The
	// shape varies per market (a number, a (value, scale) pair, a pos/neg
	// tally), so it stays opaque JSON.
	ScoreRaw json.RawMessage `json:"score,omitempty"`
	Score    *float64        `json:"score_normalized,omitempty"`

	Registration          *int64        `json:"registration"`
	RegistrationDeviation DateDeviation `json:"registration_deviation,omitempty"`
	LastLogin             *int64        `json:"last_login"`
	LastLoginDeviation    DateDeviation `json:"last_login_deviation,omitempty"`

	Sales    *int64          `json:"sales"`
	Info     *string         `json:"info"`
	PGP      *string         `json:"pgp"`
	Feedback []FeedbackEntry `json:"feedback"`
}

// ProductFields holds the attributes extracted from a product page.
type ProductFields struct {
	Name   *string `json:"name"`
	Vendor *string `json:"vendor"`

	ShipsFrom *string  `json:"ships_from"`
	ShipsTo   []string `json:"ships_to"`

	// Price is the listed price as displayed; some markets list one price,
	// others a quantity→price table, so it stays opaque JSON. PriceEUR is the
	// converted value supplied by the upstream extraction stage.
	Price    json.RawMessage `json:"price,omitempty"`
	PriceEUR *float64        `json:"price_eur"`

	Info          *string         `json:"info"`
	MacroCategory *string         `json:"macro_category"`
	MicroCategory *string         `json:"micro_category"`
	Feedback      []FeedbackEntry `json:"feedback"`
}

// Name returns the display name of the record's entity.
// ok is false for malformed records: unknown kind, missing field bag, or a
// capture whose name could not be extracted.
func (r PageRecord) Name() (name string, ok bool) {
	switch r.Kind {
	case KindVendor:
		if r.Vendor != nil && r.Vendor.Name != nil {
			return *r.Vendor.Name, true
		}
	case KindProduct:
		if r.Product != nil && r.Product.Name != nil {
			return *r.Product.Name, true
		}
	}
	return "", false
}

// Feedback returns the record's feedback list regardless of kind.
// Returns nil when the field bag is missing or carries no feedback.
func (r PageRecord) Feedback() []FeedbackEntry {
	switch r.Kind {
	case KindVendor:
		if r.Vendor != nil {
			return r.Vendor.Feedback
		}
	case KindProduct:
		if r.Product != nil {
			return r.Product.Feedback
		}
	}
	return nil
}

// DateLayout is the fixed-width date format used for snapshot directories and
// file names. Lexicographic order on these strings equals chronological order.
const DateLayout = "2006_01_02"

// DateString converts a unix timestamp to the yyyy_mm_dd form used throughout
// the store. UTC is used so the same capture lands in the same partition on
// every machine.
func DateString(unix int64) string {
	return time.Unix(unix, 0).UTC().Format(DateLayout)
}
