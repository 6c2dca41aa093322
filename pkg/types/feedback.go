package types

// DateDeviation tags how precise a resolved date is. Relative dates like
// "2 months ago" resolve to a timestamp that may be off by up to one unit.
type DateDeviation string

const (
	DeviationDay   DateDeviation = "day"
	DeviationWeek  DateDeviation = "week"
	DeviationMonth DateDeviation = "month"
	DeviationYear  DateDeviation = "year"
	DeviationExact DateDeviation = "exact"
)

// FeedbackScore is the rating attached to a feedback entry. Markets express
// ratings either as a value on a scale (4 of 5) or as a bare polarity
// (positive/negative), so both forms are optional.
type FeedbackScore struct {
	Value    *float64 `json:"value,omitempty"`
	Scale    *float64 `json:"scale,omitempty"`
	Polarity *int     `json:"polarity,omitempty"` // +1 positive, -1 negative
}

// Equal reports structural equality of two scores, treating nil pointers as
// equal only to nil pointers.
func (s *FeedbackScore) Equal(o *FeedbackScore) bool {
	if s == nil || o == nil {
		return s == o
	}
	return eqFloat(s.Value, o.Value) && eqFloat(s.Scale, o.Scale) && eqInt(s.Polarity, o.Polarity)
}

// FeedbackEntry is one piece of buyer feedback attached to a vendor or
// product page. Date is nil when the source showed no date or one that could
// not be resolved. Overlap matching between entities compares Message only;
// everything else is descriptive.
type FeedbackEntry struct {
	Score         *FeedbackScore `json:"score,omitempty"`
	Message       string         `json:"message"`
	Date          *int64         `json:"date"`
	DateDeviation DateDeviation  `json:"date_deviation,omitempty"`
	User          *string        `json:"user,omitempty"`
	Product       *string        `json:"product,omitempty"`
}

// Equal reports full structural equality. The deduplicator uses this to keep
// the merged feedback union duplicate-free; it is deliberately stricter than
// the message-only comparison used for identity matching.
func (f FeedbackEntry) Equal(o FeedbackEntry) bool {
	return f.Message == o.Message &&
		f.DateDeviation == o.DateDeviation &&
		f.Score.Equal(o.Score) &&
		eqInt64(f.Date, o.Date) &&
		eqString(f.User, o.User) &&
		eqString(f.Product, o.Product)
}

func eqFloat(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func eqInt(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func eqInt64(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func eqString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
