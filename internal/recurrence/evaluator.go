package recurrence

import (
	"iter"
	"time"

	"github.com/teambition/rrule-go"
)

// Window is a half-open interval [From, To). A zero To means +inf.
type Window struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t lies in the window.
func (w Window) Contains(t time.Time) bool {
	if t.Before(w.From) {
		return false
	}
	return w.To.IsZero() || t.Before(w.To)
}

// Evaluator walks the occurrences of a rule anchored at dtstart. It holds
// no cursor: each call to All or Between starts its own walk, so disjoint
// windows can be queried repeatedly and concurrently.
type Evaluator struct {
	rule    *Rule
	dtstart time.Time
}

// NewEvaluator builds an evaluator. A nil rule describes a one-off event
// whose only occurrence is dtstart.
func NewEvaluator(rule *Rule, dtstart time.Time) (*Evaluator, error) {
	e := &Evaluator{rule: rule, dtstart: dtstart.Truncate(time.Second)}
	if rule == nil {
		return e, nil
	}
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	if _, err := e.build(e.dtstart); err != nil {
		return nil, malformed(rule.String(), "%v", err)
	}
	return e, nil
}

// Finite reports whether the sequence terminates on its own.
func (e *Evaluator) Finite() bool {
	return e.rule == nil || e.rule.Bound.Kind() != Unbounded
}

// All yields every occurrence at or after from, ascending.
func (e *Evaluator) All(from time.Time) iter.Seq[time.Time] {
	return func(yield func(time.Time) bool) {
		if e.rule == nil {
			if !e.dtstart.Before(from) {
				yield(e.dtstart)
			}
			return
		}
		r, err := e.build(e.anchor(from))
		if err != nil {
			// Rules are validated in NewEvaluator; a failure here means no
			// sequence at all.
			return
		}
		next := r.Iterator()
		for {
			t, ok := next()
			if !ok {
				return
			}
			if t.Before(from) {
				continue
			}
			if !yield(t) {
				return
			}
		}
	}
}

// Between returns the occurrences inside w, ascending, without duplicates.
func (e *Evaluator) Between(w Window) ([]time.Time, error) {
	if w.To.IsZero() && !e.Finite() {
		return nil, ErrUnboundedWindow
	}
	var out []time.Time
	for t := range e.All(w.From) {
		if !w.Contains(t) {
			break
		}
		out = append(out, t)
	}
	return out, nil
}

// anchor picks a start for the rrule walk close to from. The new anchor
// keeps the INTERVAL phase of dtstart and lies at least one full period
// before from, so the occurrences at or after from are unchanged. COUNT
// rules must always be walked from dtstart.
func (e *Evaluator) anchor(from time.Time) time.Time {
	d := e.dtstart
	if e.rule.Bound.Kind() == CountBound || !from.After(d) {
		return d
	}
	f := from.In(d.Location())
	n := e.rule.Interval

	switch e.rule.Freq {
	case Daily:
		if k := civilDays(d, f)/n - 1; k > 0 {
			return d.AddDate(0, 0, k*n)
		}
	case Weekly:
		if k := civilDays(d, f)/(7*n) - 1; k > 0 {
			return d.AddDate(0, 0, 7*k*n)
		}
	case Monthly:
		months := (f.Year()-d.Year())*12 + int(f.Month()-d.Month())
		if k := months/n - 1; k > 0 {
			return time.Date(d.Year(), d.Month()+time.Month(k*n), 1,
				d.Hour(), d.Minute(), d.Second(), 0, d.Location())
		}
	case Yearly:
		if k := (f.Year()-d.Year())/n - 1; k > 0 {
			return time.Date(d.Year()+k*n, time.January, 1,
				d.Hour(), d.Minute(), d.Second(), 0, d.Location())
		}
	}
	return d
}

// civilDays counts calendar days from a to b in a's location.
func civilDays(a, b time.Time) int {
	ua := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	bb := b.In(a.Location())
	ub := time.Date(bb.Year(), bb.Month(), bb.Day(), 0, 0, 0, 0, time.UTC)
	return int(ub.Sub(ua).Hours() / 24)
}

var rruleWeekdays = [7]rrule.Weekday{rrule.SU, rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA}

var rruleFreqs = map[Frequency]rrule.Frequency{
	Daily:   rrule.DAILY,
	Weekly:  rrule.WEEKLY,
	Monthly: rrule.MONTHLY,
	Yearly:  rrule.YEARLY,
}

// build translates the rule into an rrule-go rule starting at start. The
// implicit BYxxx parts that RFC 5545 derives from DTSTART are always taken
// from the original dtstart, never from a re-anchored start.
func (e *Evaluator) build(start time.Time) (*rrule.RRule, error) {
	r := e.rule
	d := e.dtstart
	opt := rrule.ROption{
		Freq:     rruleFreqs[r.Freq],
		Dtstart:  start,
		Interval: r.Interval,
		Wkst:     rruleWeekdays[r.WeekStart],
	}
	for _, w := range r.ByDay {
		wd := rruleWeekdays[w.Day]
		if w.N != 0 {
			wd = wd.Nth(w.N)
		}
		opt.Byweekday = append(opt.Byweekday, wd)
	}
	opt.Bymonthday = append(opt.Bymonthday, r.ByMonthDay...)
	for _, m := range r.ByMonth {
		opt.Bymonth = append(opt.Bymonth, int(m))
	}

	if len(r.ByDay) == 0 && len(r.ByMonthDay) == 0 {
		switch r.Freq {
		case Weekly:
			opt.Byweekday = []rrule.Weekday{rruleWeekdays[d.Weekday()]}
		case Monthly:
			opt.Bymonthday = []int{d.Day()}
		case Yearly:
			if len(opt.Bymonth) == 0 {
				opt.Bymonth = []int{int(d.Month())}
			}
			opt.Bymonthday = []int{d.Day()}
		}
	}

	switch r.Bound.Kind() {
	case CountBound:
		opt.Count = r.Bound.count
	case UntilBound:
		opt.Until, _ = r.Bound.UntilIn(d.Location())
	}
	return rrule.NewRRule(opt)
}
