package recurrence

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrMalformedRule is matched by every rule parse/validation failure.
	ErrMalformedRule = errors.New("malformed recurrence rule")
	// ErrUnboundedWindow is returned when an open-ended rule is asked for
	// every occurrence up to +inf.
	ErrUnboundedWindow = errors.New("unbounded window for open-ended rule")
)

// MalformedRuleError identifies the offending token of a bad rule.
type MalformedRuleError struct {
	Token  string
	Reason string
}

func (e *MalformedRuleError) Error() string {
	return fmt.Sprintf("%s: %s (token %q)", ErrMalformedRule, e.Reason, e.Token)
}

func (e *MalformedRuleError) Unwrap() error { return ErrMalformedRule }

func malformed(token, format string, args ...any) error {
	return &MalformedRuleError{Token: token, Reason: fmt.Sprintf(format, args...)}
}

// Frequency is the FREQ part of a rule.
type Frequency int

const (
	Daily Frequency = iota + 1
	Weekly
	Monthly
	Yearly
)

func (f Frequency) String() string {
	switch f {
	case Daily:
		return "DAILY"
	case Weekly:
		return "WEEKLY"
	case Monthly:
		return "MONTHLY"
	case Yearly:
		return "YEARLY"
	default:
		return fmt.Sprintf("Frequency(%d)", int(f))
	}
}

func parseFrequency(s string) (Frequency, bool) {
	switch s {
	case "DAILY":
		return Daily, true
	case "WEEKLY":
		return Weekly, true
	case "MONTHLY":
		return Monthly, true
	case "YEARLY":
		return Yearly, true
	}
	return 0, false
}

// Weekday is one BYDAY entry. N is the optional ordinal (2MO, -1FR);
// zero means every such weekday in the period.
type Weekday struct {
	Day time.Weekday
	N   int
}

var weekdayCodes = [7]string{"SU", "MO", "TU", "WE", "TH", "FR", "SA"}

func (w Weekday) String() string {
	if w.N == 0 {
		return weekdayCodes[w.Day]
	}
	return strconv.Itoa(w.N) + weekdayCodes[w.Day]
}

func parseWeekdayCode(code string) (time.Weekday, bool) {
	for i, c := range weekdayCodes {
		if c == code {
			return time.Weekday(i), true
		}
	}
	return 0, false
}

func parseWeekday(tok string) (Weekday, error) {
	if len(tok) < 2 {
		return Weekday{}, malformed(tok, "invalid weekday")
	}
	code := tok[len(tok)-2:]
	day, ok := parseWeekdayCode(code)
	if !ok {
		return Weekday{}, malformed(tok, "invalid weekday code")
	}
	w := Weekday{Day: day}
	if prefix := tok[:len(tok)-2]; prefix != "" {
		n, err := strconv.Atoi(prefix)
		if err != nil || n == 0 || n < -53 || n > 53 {
			return Weekday{}, malformed(tok, "invalid weekday ordinal")
		}
		w.N = n
	}
	return w, nil
}

// BoundKind tells which terminating bound a rule carries.
type BoundKind int

const (
	Unbounded BoundKind = iota
	CountBound
	UntilBound
)

// Bound is the closed COUNT / UNTIL / neither variant. The zero value is
// Unbounded; the other kinds are only built through Count, Until and
// UntilDate.
type Bound struct {
	kind     BoundKind
	count    int
	until    time.Time
	dateOnly bool
	date     Date
}

// Count bounds a rule to n total occurrences.
func Count(n int) Bound { return Bound{kind: CountBound, count: n} }

// Until bounds a rule to occurrences at or before t.
func Until(t time.Time) Bound { return Bound{kind: UntilBound, until: t} }

// UntilDate bounds a rule through the whole of day d, read in the zone of
// the event the rule is evaluated for.
func UntilDate(d Date) Bound {
	return Bound{kind: UntilBound, dateOnly: true, date: d}
}

func (b Bound) Kind() BoundKind { return b.kind }

func (b Bound) Count() (int, bool) { return b.count, b.kind == CountBound }

// Until returns the last instant of an UNTIL bound. A date-only bound is
// resolved in UTC; use UntilIn for the event's zone.
func (b Bound) Until() (time.Time, bool) { return b.UntilIn(time.UTC) }

// UntilIn returns the last instant of an UNTIL bound, resolving a
// date-only bound to the end of that day in loc.
func (b Bound) UntilIn(loc *time.Location) (time.Time, bool) {
	if b.kind != UntilBound {
		return time.Time{}, false
	}
	if b.dateOnly {
		return b.date.In(loc).AddDate(0, 0, 1).Add(-time.Second), true
	}
	return b.until, true
}

// UntilDate reports the day of a date-only UNTIL bound.
func (b Bound) UntilDate() (Date, bool) {
	return b.date, b.kind == UntilBound && b.dateOnly
}

// Rule is a parsed recurrence rule.
type Rule struct {
	Freq       Frequency
	Interval   int
	ByDay      []Weekday
	ByMonthDay []int
	ByMonth    []time.Month
	WeekStart  time.Weekday
	Bound      Bound
}

// Validate checks the invariants ParseRule guarantees, for rules built by
// hand.
func (r *Rule) Validate() error {
	if _, ok := parseFrequency(r.Freq.String()); !ok {
		return malformed("FREQ", "missing or unsupported frequency")
	}
	if r.Interval < 1 {
		return malformed("INTERVAL="+strconv.Itoa(r.Interval), "interval must be positive")
	}
	for _, w := range r.ByDay {
		if w.N != 0 && r.Freq != Monthly && r.Freq != Yearly {
			return malformed("BYDAY="+w.String(), "ordinal weekday requires MONTHLY or YEARLY")
		}
	}
	for _, d := range r.ByMonthDay {
		if d == 0 || d < -31 || d > 31 {
			return malformed("BYMONTHDAY="+strconv.Itoa(d), "month day out of range")
		}
	}
	for _, m := range r.ByMonth {
		if m < time.January || m > time.December {
			return malformed("BYMONTH="+strconv.Itoa(int(m)), "month out of range")
		}
	}
	if n, ok := r.Bound.Count(); ok && n < 1 {
		return malformed("COUNT="+strconv.Itoa(n), "count must be positive")
	}
	return nil
}

const untilLayout = "20060102T150405Z"

// String renders the rule in canonical RRULE form (no "RRULE:" prefix).
func (r *Rule) String() string {
	parts := []string{"FREQ=" + r.Freq.String()}
	if r.Interval > 1 {
		parts = append(parts, "INTERVAL="+strconv.Itoa(r.Interval))
	}
	if len(r.ByDay) > 0 {
		days := make([]string, len(r.ByDay))
		for i, d := range r.ByDay {
			days[i] = d.String()
		}
		parts = append(parts, "BYDAY="+strings.Join(days, ","))
	}
	if len(r.ByMonthDay) > 0 {
		parts = append(parts, "BYMONTHDAY="+joinInts(r.ByMonthDay))
	}
	if len(r.ByMonth) > 0 {
		ms := make([]int, len(r.ByMonth))
		for i, m := range r.ByMonth {
			ms[i] = int(m)
		}
		parts = append(parts, "BYMONTH="+joinInts(ms))
	}
	if r.WeekStart != time.Monday {
		parts = append(parts, "WKST="+weekdayCodes[r.WeekStart])
	}
	switch r.Bound.Kind() {
	case CountBound:
		parts = append(parts, "COUNT="+strconv.Itoa(r.Bound.count))
	case UntilBound:
		if d, ok := r.Bound.UntilDate(); ok {
			parts = append(parts, fmt.Sprintf("UNTIL=%04d%02d%02d", d.Year, d.Month, d.Day))
		} else {
			parts = append(parts, "UNTIL="+r.Bound.until.UTC().Format(untilLayout))
		}
	}
	return strings.Join(parts, ";")
}

func joinInts(ns []int) string {
	s := make([]string, len(ns))
	for i, n := range ns {
		s[i] = strconv.Itoa(n)
	}
	return strings.Join(s, ",")
}

// ParseRule parses an RFC 5545 style rule such as
// "FREQ=WEEKLY;BYDAY=MO,WE;COUNT=10". A leading "RRULE:" is accepted.
func ParseRule(s string) (*Rule, error) {
	s = strings.TrimSpace(s)
	if len(s) >= 6 && strings.EqualFold(s[:6], "RRULE:") {
		s = s[6:]
	}
	if s == "" {
		return nil, malformed("", "empty rule")
	}

	r := &Rule{Interval: 1, WeekStart: time.Monday}
	seen := make(map[string]bool)
	var count, until string

	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, val, ok := strings.Cut(part, "=")
		if !ok || val == "" {
			return nil, malformed(part, "expected KEY=VALUE")
		}
		key = strings.ToUpper(strings.TrimSpace(key))
		val = strings.ToUpper(strings.TrimSpace(val))
		if seen[key] {
			return nil, malformed(part, "duplicate rule part")
		}
		seen[key] = true

		switch key {
		case "FREQ":
			f, ok := parseFrequency(val)
			if !ok {
				return nil, malformed(part, "unsupported frequency")
			}
			r.Freq = f
		case "INTERVAL":
			n, err := strconv.Atoi(val)
			if err != nil || n < 1 {
				return nil, malformed(part, "interval must be a positive integer")
			}
			r.Interval = n
		case "BYDAY":
			for _, tok := range strings.Split(val, ",") {
				w, err := parseWeekday(strings.TrimSpace(tok))
				if err != nil {
					return nil, err
				}
				r.ByDay = append(r.ByDay, w)
			}
		case "BYMONTHDAY":
			for _, tok := range strings.Split(val, ",") {
				n, err := strconv.Atoi(strings.TrimSpace(tok))
				if err != nil {
					return nil, malformed(part, "invalid month day")
				}
				r.ByMonthDay = append(r.ByMonthDay, n)
			}
		case "BYMONTH":
			for _, tok := range strings.Split(val, ",") {
				n, err := strconv.Atoi(strings.TrimSpace(tok))
				if err != nil {
					return nil, malformed(part, "invalid month")
				}
				r.ByMonth = append(r.ByMonth, time.Month(n))
			}
		case "WKST":
			d, ok := parseWeekdayCode(val)
			if !ok {
				return nil, malformed(part, "invalid week start")
			}
			r.WeekStart = d
		case "COUNT":
			n, err := strconv.Atoi(val)
			if err != nil || n < 1 {
				return nil, malformed(part, "count must be a positive integer")
			}
			count = part
			r.Bound = Count(n)
		case "UNTIL":
			b, err := parseUntil(val)
			if err != nil {
				return nil, malformed(part, "invalid until instant")
			}
			until = part
			r.Bound = b
		default:
			return nil, malformed(part, "unsupported rule part")
		}
	}

	if count != "" && until != "" {
		return nil, malformed(until, "COUNT and UNTIL are mutually exclusive")
	}
	if r.Freq == 0 {
		return nil, malformed(s, "FREQ is required")
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// parseUntil accepts UTC date-times, floating date-times (read as UTC) and
// plain dates. A plain date bounds the rule through the end of that day in
// the event's zone.
func parseUntil(v string) (Bound, error) {
	if t, err := time.Parse(untilLayout, v); err == nil {
		return Until(t), nil
	}
	if t, err := time.Parse("20060102T150405", v); err == nil {
		return Until(t), nil
	}
	t, err := time.Parse("20060102", v)
	if err != nil {
		return Bound{}, err
	}
	return UntilDate(DateOf(t)), nil
}
