package reminder

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// ErrUnknownThreshold is matched by every invalid preference token.
var ErrUnknownThreshold = errors.New("unknown threshold")

// UnknownThresholdError names the offending preference token.
type UnknownThresholdError struct {
	Name string
}

func (e *UnknownThresholdError) Error() string {
	return fmt.Sprintf("%s: %q", ErrUnknownThreshold, e.Name)
}

func (e *UnknownThresholdError) Unwrap() error { return ErrUnknownThreshold }

// Threshold is a named lead time before an occurrence.
type Threshold string

const (
	Month Threshold = "month"
	Week  Threshold = "week"
	Day   Threshold = "day"
	Hour  Threshold = "hour"
	Now   Threshold = "now"
)

// All lists every threshold in canonical (longest lead first) order.
var All = []Threshold{Month, Week, Day, Hour, Now}

// Lead returns the fixed lead time of t. "month" is a flat 30 days.
func (t Threshold) Lead() time.Duration {
	switch t {
	case Month:
		return 30 * 24 * time.Hour
	case Week:
		return 7 * 24 * time.Hour
	case Day:
		return 24 * time.Hour
	case Hour:
		return time.Hour
	default:
		return 0
	}
}

func (t Threshold) Valid() bool {
	return slices.Contains(All, t)
}

// LongestLead is the widest lead any preference can ask for.
func LongestLead() time.Duration {
	return Month.Lead()
}

// Preference is an event's notification choice: the default schedule, a
// custom subset, or never.
type Preference struct {
	never  bool
	custom []Threshold
}

// Default is the full month,week,day,hour,now schedule.
func Default() Preference { return Preference{} }

// Never disables reminders for the event.
func Never() Preference { return Preference{never: true} }

// Custom builds a preference from a subset of thresholds. Order and
// duplicates in the input do not matter.
func Custom(ts ...Threshold) (Preference, error) {
	set := make(map[Threshold]bool, len(ts))
	for _, t := range ts {
		if !t.Valid() {
			return Preference{}, &UnknownThresholdError{Name: string(t)}
		}
		set[t] = true
	}
	if len(set) == 0 {
		return Preference{}, errors.New("no thresholds specified")
	}
	p := Preference{}
	for _, t := range All {
		if set[t] {
			p.custom = append(p.custom, t)
		}
	}
	if len(p.custom) == len(All) {
		p.custom = nil
	}
	return p, nil
}

// ParsePreference reads "never", "default" or a comma separated list
// drawn from month,week,day,hour,now. Empty input is the default.
func ParsePreference(s string) (Preference, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	switch v {
	case "", "default", "defaults":
		return Default(), nil
	case "never":
		return Never(), nil
	}
	var ts []Threshold
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		ts = append(ts, Threshold(part))
	}
	return Custom(ts...)
}

func (p Preference) IsNever() bool { return p.never }

func (p Preference) IsDefault() bool { return !p.never && p.custom == nil }

// Thresholds returns the ordered threshold set; empty for never.
func (p Preference) Thresholds() []Threshold {
	switch {
	case p.never:
		return nil
	case p.custom == nil:
		return slices.Clone(All)
	default:
		return slices.Clone(p.custom)
	}
}

// String is the canonical storage form ("never" or "day,hour,now").
func (p Preference) String() string {
	if p.never {
		return "never"
	}
	ts := p.Thresholds()
	parts := make([]string, len(ts))
	for i, t := range ts {
		parts[i] = string(t)
	}
	return strings.Join(parts, ",")
}
