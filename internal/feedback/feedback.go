// Package feedback implements the overlap comparison used as a rename
// detection signal by the cross-time resolver.
//
// Two feedback histories that share even one exact message almost certainly
// describe the same entity: free-text buyer feedback does not collide by
// chance. The converse does not hold — a renamed product whose earlier
// feedback simply never reappears produces no overlap — so a zero count means
// "no evidence", not "different entity". The resolver accepts that false
// negative deliberately; see the resolver package.
package feedback

import "github.com/scrypster/marketarc/pkg/types"

// DefaultWindow is the number of imported-side entries compared against a
// prior history. Bounding the window keeps the scan cheap when a product has
// thousands of feedback entries.
const DefaultWindow = 5

// Window returns the last n entries of a feedback list, or the whole list
// when it is shorter. Feedback lists are sorted oldest first by the batch
// deduplicator before this is called, so the tail is the most recently dated
// feedback whenever dates resolved.
func Window(entries []types.FeedbackEntry, n int) []types.FeedbackEntry {
	if n <= 0 || len(entries) <= n {
		return entries
	}
	return entries[len(entries)-n:]
}

// Overlap counts pairs (one entry from each list) whose messages are exactly
// equal. Message equality is the only match key; dates, scores and authors on
// feedback are descriptive and ignored here.
//
// Callers treat the count as a boolean signal: overlap > 0 means the two
// owning entities are the same.
func Overlap(imported, previous []types.FeedbackEntry) int {
	if len(imported) == 0 || len(previous) == 0 {
		return 0
	}
	count := 0
	for _, in := range imported {
		for _, prev := range previous {
			if in.Message == prev.Message {
				count++
			}
		}
	}
	return count
}
