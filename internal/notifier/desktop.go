package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"

	"agenda/internal/reminder"
	"agenda/internal/schedule"
)

const (
	notifyDest   = "org.freedesktop.Notifications"
	notifyPath   = dbus.ObjectPath("/org/freedesktop/Notifications")
	notifyMethod = "org.freedesktop.Notifications.Notify"

	urgencyNormal   byte = 1
	urgencyCritical byte = 2
)

// caller is the part of dbus.BusObject used here.
type caller interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

// Desktop sends freedesktop notifications over the session bus.
type Desktop struct {
	conn    *dbus.Conn
	obj     caller
	app     string
	loc     *time.Location
	timeout time.Duration
}

// NewDesktop connects to the session bus. Start times are shown in loc.
func NewDesktop(app string, loc *time.Location) (*Desktop, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("notifier: connect session bus: %w", err)
	}
	return &Desktop{
		conn:    conn,
		obj:     conn.Object(notifyDest, notifyPath),
		app:     app,
		loc:     loc,
		timeout: 10 * time.Second,
	}, nil
}

// Emit shows one notification. "now" reminders are sent as critical.
func (d *Desktop) Emit(ctx context.Context, r schedule.Reminder) error {
	msg := Format(r, d.loc)
	urgency := urgencyNormal
	if r.Threshold == reminder.Now {
		urgency = urgencyCritical
	}
	hints := map[string]dbus.Variant{"urgency": dbus.MakeVariant(urgency)}

	call := d.obj.CallWithContext(ctx, notifyMethod, 0,
		d.app, uint32(0), "", msg.Summary, msg.Body, []string{}, hints, int32(d.timeout.Milliseconds()))
	if call.Err != nil {
		return fmt.Errorf("notifier: notify: %w", call.Err)
	}
	return nil
}

// Close releases the bus connection.
func (d *Desktop) Close() error {
	if d.conn == nil {
		return nil
	}
	return d.conn.Close()
}
