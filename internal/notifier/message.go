// Package notifier turns due reminders into user-visible notifications.
package notifier

import (
	"strings"
	"time"

	"agenda/internal/reminder"
	"agenda/internal/schedule"
)

var phrases = map[reminder.Threshold]string{
	reminder.Now:   "now",
	reminder.Hour:  "in about an hour",
	reminder.Day:   "today",
	reminder.Week:  "within a week",
	reminder.Month: "within a month",
}

// Message is the rendered text of a reminder.
type Message struct {
	Summary string
	Body    string
}

// Format renders r with the start time shown in loc.
func Format(r schedule.Reminder, loc *time.Location) Message {
	if loc == nil {
		loc = time.Local
	}
	ev := r.Occurrence.Event
	title, location, allDay := "", "", false
	if ev != nil {
		title, location, allDay = ev.Title, ev.Location, ev.AllDay
	}

	phrase, ok := phrases[r.Threshold]
	if !ok {
		phrase = "soon"
	}

	local := r.Occurrence.Start.In(loc)
	when := local.Format("2006-01-02 15:04")
	if allDay {
		when = local.Format("2006-01-02") + " (all day)"
	}

	lines := []string{phrase, when}
	if location = strings.TrimSpace(location); location != "" {
		lines = append(lines, location)
	}
	return Message{
		Summary: "Upcoming: " + title,
		Body:    strings.Join(lines, "\n"),
	}
}
