// Package ingest validates event proposals coming from the command line or
// an extraction pipeline and turns them into events.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"agenda/internal/model"
	"agenda/internal/recurrence"
	"agenda/internal/reminder"
)

// DefaultDurationMinutes applies when a timed candidate has no duration.
const DefaultDurationMinutes = 60

// ErrNoJSON is returned when free text holds no JSON object.
var ErrNoJSON = errors.New("no JSON object found")

// Candidate is an event proposal before validation.
type Candidate struct {
	Title           string   `json:"title"`
	Date            string   `json:"date"`
	Time            string   `json:"time,omitempty"`
	DurationMinutes *int     `json:"duration_minutes,omitempty"`
	Description     string   `json:"description,omitempty"`
	Location        string   `json:"location,omitempty"`
	AllDay          bool     `json:"all_day,omitempty"`
	RRule           string   `json:"rrule,omitempty"`
	Notify          string   `json:"notify,omitempty"`
	ExDates         []string `json:"exdates,omitempty"`
}

var hhmm = regexp.MustCompile(`^\d{2}:\d{2}$`)

// Event validates c and builds the event it describes, with local wall
// times read in loc. All problems are reported together.
func (c Candidate) Event(loc *time.Location) (model.Event, error) {
	if loc == nil {
		loc = time.UTC
	}
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	ev := model.Event{
		Title:       strings.TrimSpace(c.Title),
		Description: strings.TrimSpace(c.Description),
		Location:    strings.TrimSpace(c.Location),
		AllDay:      c.AllDay,
	}
	if ev.Title == "" {
		fail("title missing")
	}
	if r := []rune(ev.Title); len(r) > model.MaxTitleLen {
		ev.Title = strings.TrimRight(string(r[:model.MaxTitleLen]), " ")
	}

	day, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(c.Date), loc)
	if err != nil {
		fail("date invalid: %q", c.Date)
	}

	clock := strings.TrimSpace(c.Time)
	if clock == "null" || c.AllDay {
		clock = ""
	}
	if clock == "" {
		ev.AllDay = true
	}
	var hour, minute int
	if clock != "" {
		if !hhmm.MatchString(clock) {
			fail("time invalid format: %q", clock)
		} else if _, err := fmt.Sscanf(clock, "%d:%d", &hour, &minute); err != nil || hour > 23 || minute > 59 {
			fail("time out of range: %q", clock)
		}
	}
	ev.Start = time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, loc)

	switch {
	case c.DurationMinutes != nil && *c.DurationMinutes <= 0:
		fail("duration_minutes must be > 0")
	case c.DurationMinutes != nil:
		ev.Duration = time.Duration(*c.DurationMinutes) * time.Minute
	case ev.AllDay:
		ev.Duration = ev.Start.AddDate(0, 0, 1).Sub(ev.Start)
	default:
		ev.Duration = DefaultDurationMinutes * time.Minute
	}

	if rr := strings.TrimSpace(c.RRule); rr != "" {
		if ev.Rule, err = recurrence.ParseRule(rr); err != nil {
			errs = append(errs, err)
		}
	}
	if ev.Notify, err = reminder.ParsePreference(c.Notify); err != nil {
		errs = append(errs, fmt.Errorf("notify invalid: %w", err))
	}
	for _, s := range c.ExDates {
		d, err := recurrence.ParseDate(s)
		if err != nil {
			fail("exdate invalid: %q", s)
			continue
		}
		ev.Exclusions = append(ev.Exclusions, d)
	}

	if len(errs) > 0 {
		return model.Event{}, errors.Join(errs...)
	}
	return ev, nil
}

var fencedJSON = regexp.MustCompile("(?is)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// ExtractJSON returns the first JSON object in text: a fenced ```json
// block if there is one, otherwise the outermost braces.
func ExtractJSON(text string) ([]byte, error) {
	var candidates []string
	if m := fencedJSON.FindStringSubmatch(text); m != nil {
		candidates = append(candidates, m[1])
	}
	if i, j := strings.Index(text, "{"), strings.LastIndex(text, "}"); i >= 0 && j > i {
		candidates = append(candidates, text[i:j+1])
	}
	for _, c := range candidates {
		if json.Valid([]byte(c)) {
			return []byte(c), nil
		}
	}
	return nil, ErrNoJSON
}

// Decode parses one candidate record.
func Decode(data []byte) (Candidate, error) {
	var c Candidate
	if err := json.Unmarshal(data, &c); err != nil {
		return Candidate{}, fmt.Errorf("decode candidate: %w", err)
	}
	return c, nil
}
