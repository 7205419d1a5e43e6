package reminder

import (
	"cmp"
	"slices"
	"time"
)

// DefaultNowGrace keeps "now" deliverable for a while after start when the
// occurrence itself is shorter than that (zero-length reminders).
const DefaultNowGrace = 15 * time.Minute

// SentKey identifies one delivered reminder.
type SentKey struct {
	EventID    string
	Occurrence time.Time
	Threshold  Threshold
}

// Normalize drops location and monotonic data so keys compare by instant.
func (k SentKey) Normalize() SentKey {
	k.Occurrence = k.Occurrence.UTC().Truncate(time.Second)
	return k
}

// SentSet is an in-memory view of the sent record.
type SentSet map[SentKey]struct{}

func NewSentSet(keys ...SentKey) SentSet {
	s := make(SentSet, len(keys))
	for _, k := range keys {
		s.Add(k)
	}
	return s
}

func (s SentSet) Add(k SentKey) {
	s[k.Normalize()] = struct{}{}
}

func (s SentSet) Has(k SentKey) bool {
	_, ok := s[k.Normalize()]
	return ok
}

// Selector picks the thresholds that are due for one occurrence.
type Selector struct {
	// NowGrace bounds how long after start "now" may still fire when the
	// occurrence ends earlier than that.
	NowGrace time.Duration
}

// Due returns the thresholds of ts that are due at now for the occurrence
// of eventID starting at start and ending at end, excluding any triple
// already in sent. It depends only on its inputs, so it catches up on
// every threshold missed during a gap in polling. The result is ordered
// by ascending lead time.
func (s Selector) Due(now time.Time, eventID string, start, end time.Time, ts []Threshold, sent SentSet) []Threshold {
	if len(ts) == 0 {
		return nil
	}
	var due []Threshold
	for _, t := range ts {
		if now.Before(start.Add(-t.Lead())) {
			continue
		}
		if t == Now && !now.Before(s.nowExpiry(start, end)) {
			continue
		}
		if sent.Has(SentKey{EventID: eventID, Occurrence: start, Threshold: t}) {
			continue
		}
		due = append(due, t)
	}
	slices.SortStableFunc(due, func(a, b Threshold) int {
		return cmp.Compare(a.Lead(), b.Lead())
	})
	return due
}

func (s Selector) nowExpiry(start, end time.Time) time.Time {
	grace := start.Add(s.NowGrace)
	if end.After(grace) {
		return end
	}
	return grace
}

// Due is Selector.Due with DefaultNowGrace.
func Due(now time.Time, eventID string, start, end time.Time, ts []Threshold, sent SentSet) []Threshold {
	return Selector{NowGrace: DefaultNowGrace}.Due(now, eventID, start, end, ts, sent)
}
