package schedule

import (
	"fmt"
	"sort"
	"time"

	"agenda/internal/model"
	"agenda/internal/recurrence"
)

// Expand returns the occurrences of ev that intersect the half-open window
// w, ascending by start. An occurrence already in progress at w.From is
// included. Occurrences whose calendar date (in the event's zone) is in
// ev.Exclusions are dropped.
func Expand(ev *model.Event, w recurrence.Window) ([]model.Occurrence, error) {
	eval, err := recurrence.NewEvaluator(ev.Rule, ev.Start)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", ev.ID, err)
	}

	// Widen the query backwards by one duration so in-progress
	// occurrences are seen. All-day days can run an hour long over DST.
	query := w
	if !w.From.IsZero() {
		widen := ev.Duration
		if ev.AllDay {
			widen += time.Hour
		}
		query.From = w.From.Add(-widen)
	}
	starts, err := eval.Between(query)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", ev.ID, err)
	}

	loc := ev.Start.Location()
	excluded := recurrence.NewDateSet(ev.Exclusions)

	out := make([]model.Occurrence, 0, len(starts))
	for _, s := range starts {
		end := ev.EndAt(s)
		if s.Before(w.From) && !end.After(w.From) {
			continue
		}
		if excluded.Has(recurrence.DateOf(s.In(loc))) {
			continue
		}
		out = append(out, model.Occurrence{Event: ev, Start: s, End: end})
	}
	return out, nil
}

// ExpandAll expands every event over w and merges the results by start.
// Events that fail to expand are reported in errs and skipped.
func ExpandAll(events []model.Event, w recurrence.Window) (occs []model.Occurrence, errs []error) {
	for i := range events {
		got, err := Expand(&events[i], w)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		occs = append(occs, got...)
	}
	sort.SliceStable(occs, func(i, j int) bool {
		return occs[i].Start.Before(occs[j].Start)
	})
	return occs, errs
}
