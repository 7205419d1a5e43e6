package ics

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "agenda/internal/log"
	"agenda/internal/model"
	"agenda/internal/recurrence"
)

const defaultTitle = "Untitled"

// Parse reads an iCalendar payload and converts every VEVENT into an
// event expressed in the reference zone loc. Floating times are read in
// loc. VEVENTs that cannot be converted, including ones with an
// unsupported RRULE, are logged and skipped. A RECURRENCE-ID override
// becomes a one-off event and excludes the overridden date from its
// master.
func Parse(r io.Reader, loc *time.Location) ([]model.Event, error) {
	if loc == nil {
		loc = time.UTC
	}
	cal, err := ical.ParseCalendar(r)
	if err != nil {
		return nil, fmt.Errorf("ics: parse calendar: %w", err)
	}

	var (
		events    []model.Event
		masters   = map[string]int{}
		overrides []override
	)
	for _, ve := range cal.Events() {
		pe, err := parseVEvent(ve, loc)
		if err != nil {
			appLog.Warn("ics: skipping vevent", "uid", pe.uid, "err", err)
			continue
		}
		if pe.recurrenceID != nil {
			overrides = append(overrides, override{uid: pe.uid, date: *pe.recurrenceID})
		} else if pe.uid != "" && pe.event.Rule != nil {
			masters[pe.uid] = len(events)
		}
		events = append(events, pe.event)
	}

	for _, o := range overrides {
		if i, ok := masters[o.uid]; ok {
			events[i].Exclusions = append(events[i].Exclusions, o.date)
		}
	}

	appLog.Info("ics parse completed", "event_count", len(events), "override_count", len(overrides))
	return events, nil
}

type override struct {
	uid  string
	date recurrence.Date
}

type parsedEvent struct {
	uid          string
	event        model.Event
	recurrenceID *recurrence.Date
}

func parseVEvent(ve *ical.VEvent, loc *time.Location) (parsedEvent, error) {
	var out parsedEvent
	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		out.uid = p.Value
	}

	ev := &out.event
	ev.Title = defaultTitle
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil && strings.TrimSpace(p.Value) != "" {
		ev.Title = truncate(strings.TrimSpace(p.Value), model.MaxTitleLen)
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		ev.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		ev.Location = p.Value
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return out, errors.New("missing DTSTART")
	}
	start, allDay, err := propTime(dtStart.Value, dtStart.ICalParameters, loc)
	if err != nil {
		return out, fmt.Errorf("DTSTART: %w", err)
	}
	ev.Start = start.In(loc)
	ev.AllDay = allDay

	// DTEND, then DURATION, then one hour (one day for all-day events).
	switch {
	case ve.GetProperty(ical.ComponentPropertyDtEnd) != nil:
		p := ve.GetProperty(ical.ComponentPropertyDtEnd)
		end, _, err := propTime(p.Value, p.ICalParameters, loc)
		if err != nil {
			return out, fmt.Errorf("DTEND: %w", err)
		}
		ev.Duration = max(end.Sub(start), 0)
	case ve.GetProperty("DURATION") != nil:
		d, err := parseDuration(ve.GetProperty("DURATION").Value)
		if err != nil {
			return out, fmt.Errorf("DURATION: %w", err)
		}
		ev.Duration = max(d, 0)
	case allDay:
		ev.Duration = start.AddDate(0, 0, 1).Sub(start)
	default:
		ev.Duration = time.Hour
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil && p.Value != "" {
		rule, err := recurrence.ParseRule(p.Value)
		if err != nil {
			return out, err
		}
		ev.Rule = rule
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			t, _, err := propTime(part, p.ICalParameters, loc)
			if err != nil {
				appLog.Warn("ics: ignoring bad EXDATE", "uid", out.uid, "value", part)
				continue
			}
			ev.Exclusions = append(ev.Exclusions, recurrence.DateOf(t.In(loc)))
		}
	}

	if p := ve.GetProperty("RECURRENCE-ID"); p != nil {
		t, _, err := propTime(p.Value, p.ICalParameters, loc)
		if err != nil {
			return out, fmt.Errorf("RECURRENCE-ID: %w", err)
		}
		d := recurrence.DateOf(t.In(loc))
		out.recurrenceID = &d
	}

	return out, ev.Validate()
}

// propTime parses a DATE or DATE-TIME value honouring VALUE and TZID
// parameters. The bool reports a date-only value.
func propTime(v string, params map[string][]string, loc *time.Location) (time.Time, bool, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false, errors.New("empty time value")
	}

	valueType := firstParam(params, "VALUE")
	if strings.EqualFold(valueType, "DATE") || !strings.Contains(v, "T") {
		t, err := time.ParseInLocation("20060102", v, loc)
		return t, true, err
	}

	// UTC form, e.g., 20250101T090000Z
	if strings.HasSuffix(v, "Z") {
		t, err := time.Parse("20060102T150405Z", v)
		return t, false, err
	}

	zone := loc
	if tzid := firstParam(params, "TZID"); tzid != "" {
		if l, err := time.LoadLocation(tzid); err == nil {
			zone = l
		} else {
			appLog.Warn("ics: unknown TZID, using reference zone", "tzid", tzid)
		}
	}
	t, err := time.ParseInLocation("20060102T150405", v, zone)
	return t, false, err
}

func firstParam(params map[string][]string, key string) string {
	if vs := params[key]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// parseDuration reads an iCalendar DURATION such as "PT1H30M", "P1D" or
// "P2W".
func parseDuration(s string) (time.Duration, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	sign := time.Duration(1)
	switch {
	case strings.HasPrefix(s, "-"):
		sign, s = -1, s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}
	if !strings.HasPrefix(s, "P") || len(s) < 3 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	s = s[1:]

	var total time.Duration
	inTime := false
	num := ""
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
			num += string(c)
		case c == 'T':
			inTime = true
		default:
			if num == "" {
				return 0, fmt.Errorf("invalid duration %q", s)
			}
			n, _ := strconv.Atoi(num)
			num = ""
			unit, ok := durationUnit(c, inTime)
			if !ok {
				return 0, fmt.Errorf("invalid duration unit %q", c)
			}
			total += time.Duration(n) * unit
		}
	}
	if num != "" {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return sign * total, nil
}

func durationUnit(c rune, inTime bool) (time.Duration, bool) {
	if inTime {
		switch c {
		case 'H':
			return time.Hour, true
		case 'M':
			return time.Minute, true
		case 'S':
			return time.Second, true
		}
		return 0, false
	}
	switch c {
	case 'W':
		return 7 * 24 * time.Hour, true
	case 'D':
		return 24 * time.Hour, true
	}
	return 0, false
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
