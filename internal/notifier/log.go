package notifier

import (
	"context"
	"time"

	appLog "agenda/internal/log"
	"agenda/internal/schedule"
)

// Log writes reminders to the application log. It is used on headless
// hosts and when no session bus is available.
type Log struct {
	Loc *time.Location
}

func (l Log) Emit(_ context.Context, r schedule.Reminder) error {
	msg := Format(r, l.Loc)
	appLog.Info("reminder",
		"summary", msg.Summary,
		"body", msg.Body,
		"event_id", r.Occurrence.EventID(),
		"threshold", string(r.Threshold),
	)
	return nil
}
