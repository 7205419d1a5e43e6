package model

import (
	"errors"
	"fmt"
	"time"

	"agenda/internal/recurrence"
	"agenda/internal/reminder"
)

// MaxTitleLen bounds event titles.
const MaxTitleLen = 120

// Event is a stored calendar entry before recurrence expansion.
//
// Start is kept in the configured reference zone; every instant derived
// from it (occurrences, exclusions) is computed in that same zone. Display
// conversion happens only at the presentation edges.
type Event struct {
	ID string

	Title       string
	Description string
	Location    string

	Start    time.Time
	Duration time.Duration
	AllDay   bool

	// Rule is nil for a one-off event.
	Rule *recurrence.Rule
	// Exclusions suppress any occurrence falling on these dates.
	Exclusions []recurrence.Date

	Notify reminder.Preference

	CreatedAt time.Time
	UpdatedAt time.Time
}

// End is the end of the defining (first) occurrence.
func (e Event) End() time.Time {
	return e.EndAt(e.Start)
}

// EndAt is the end of the occurrence starting at start. All-day events
// cover whole calendar days in the event's zone, so a day that gains or
// loses an hour to DST still ends at midnight.
func (e Event) EndAt(start time.Time) time.Time {
	if e.AllDay {
		if days := int((e.Duration + 12*time.Hour) / (24 * time.Hour)); days > 0 {
			return start.In(e.Start.Location()).AddDate(0, 0, days)
		}
	}
	return start.Add(e.Duration)
}

// Validate checks the creation-time invariants. Bad rules and preferences
// are rejected by their parsers before they reach here.
func (e Event) Validate() error {
	if e.Title == "" {
		return errors.New("title is required")
	}
	if len([]rune(e.Title)) > MaxTitleLen {
		return fmt.Errorf("title longer than %d characters", MaxTitleLen)
	}
	if e.Start.IsZero() {
		return errors.New("start is required")
	}
	if e.Duration < 0 {
		return errors.New("duration must not be negative")
	}
	if e.Rule != nil {
		if err := e.Rule.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Occurrence is one concrete instance of an event. It has no identity of
// its own beyond (EventID, Start).
type Occurrence struct {
	Event *Event

	Start time.Time
	End   time.Time
}

// EventID is a convenience accessor for the owning event's ID.
func (o Occurrence) EventID() string {
	if o.Event == nil {
		return ""
	}
	return o.Event.ID
}

// Key identifies this occurrence for threshold t in the sent record.
func (o Occurrence) Key(t reminder.Threshold) reminder.SentKey {
	return reminder.SentKey{EventID: o.EventID(), Occurrence: o.Start, Threshold: t}
}

// InstanceKey is a stable textual key for the occurrence, derived from
// the start instant in UTC.
func (o Occurrence) InstanceKey() string {
	return o.EventID() + "@" + o.Start.UTC().Format(time.RFC3339)
}
