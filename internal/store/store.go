// Package store persists events, notification preferences and the
// sent-reminder log in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	appLog "agenda/internal/log"
	"agenda/internal/model"
	"agenda/internal/recurrence"
	"agenda/internal/reminder"
)

// ErrEventNotFound is returned when no event has the requested ID.
var ErrEventNotFound = errors.New("event not found")

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// sentQueryChunk bounds the number of IN (...) parameters per query.
const sentQueryChunk = 500

const timeLayout = "2006-01-02T15:04:05Z"

// Store is the SQLite-backed event store.
type Store struct {
	db  *sql.DB
	loc *time.Location
	now func() time.Time
}

// Open opens (creating if needed) the database at path and migrates it.
// Loaded event starts are expressed in loc.
func Open(ctx context.Context, path string, loc *time.Location) (*Store, error) {
	if loc == nil {
		loc = time.UTC
	}
	dsn := "file::memory:"
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: create data dir: %w", err)
		}
		dsn = "file:" + path
	}
	dsn += "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// SQLite allows one writer; a single connection also keeps an
	// in-memory database alive and shared.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, loc: loc, now: time.Now}
	if err := s.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	appLog.Debug("store opened", "path", path)
	return s, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Events ====================

// AddEvent inserts ev, assigning an ID when it has none.
func (s *Store) AddEvent(ctx context.Context, ev *model.Event) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("store: invalid event: %w", err)
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	now := s.now().UTC().Truncate(time.Second)
	ev.CreatedAt, ev.UpdatedAt = now, now

	row, err := toRow(ev)
	if err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO events (id, title, description, location, start_utc, duration_sec, all_day, rrule, exdates, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			row.id, row.title, row.description, row.location, row.start, row.durationSec,
			row.allDay, row.rrule, row.exdates, row.createdAt, row.updatedAt,
		)
		if err != nil {
			return fmt.Errorf("store: insert event: %w", err)
		}
		return setNotify(ctx, tx, ev.ID, ev.Notify)
	})
}

// UpdateEvent replaces the stored fields of ev. Sent records are kept;
// they are keyed by occurrence instant, so a changed start simply yields
// new, unsent occurrences.
func (s *Store) UpdateEvent(ctx context.Context, ev *model.Event) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("store: invalid event: %w", err)
	}
	ev.UpdatedAt = s.now().UTC().Truncate(time.Second)
	row, err := toRow(ev)
	if err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE events SET title = ?, description = ?, location = ?, start_utc = ?, duration_sec = ?,
    all_day = ?, rrule = ?, exdates = ?, updated_at = ?
WHERE id = ?`,
			row.title, row.description, row.location, row.start, row.durationSec,
			row.allDay, row.rrule, row.exdates, row.updatedAt, row.id,
		)
		if err != nil {
			return fmt.Errorf("store: update event: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ErrEventNotFound, ev.ID)
		}
		return setNotify(ctx, tx, ev.ID, ev.Notify)
	})
}

// DeleteEvent removes the event together with its preference and sent
// records.
func (s *Store) DeleteEvent(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM notifications WHERE event_id = ?`,
			`DELETE FROM event_notify WHERE event_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return fmt.Errorf("store: delete event: %w", err)
			}
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("store: delete event: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ErrEventNotFound, id)
		}
		return nil
	})
}

const selectEvents = `
SELECT e.id, e.title, e.description, e.location, e.start_utc, e.duration_sec, e.all_day,
       e.rrule, e.exdates, e.created_at, e.updated_at, COALESCE(n.notify, '')
FROM events e LEFT JOIN event_notify n ON n.event_id = e.id`

// GetEvent returns one event by ID.
func (s *Store) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	var r eventRow
	err := s.db.QueryRowContext(ctx, selectEvents+` WHERE e.id = ?`, id).Scan(r.fields()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get event: %w", err)
	}
	ev, err := r.event(s.loc)
	if err != nil {
		return nil, fmt.Errorf("store: event %s: %w", id, err)
	}
	return &ev, nil
}

// ListEvents returns every event ordered by start. Rows that no longer
// decode are logged and skipped.
func (s *Store) ListEvents(ctx context.Context) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx, selectEvents+` ORDER BY e.start_utc ASC, e.id ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var r eventRow
		if err := rows.Scan(r.fields()...); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		ev, err := r.event(s.loc)
		if err != nil {
			appLog.Warn("store: skipping undecodable event", "event_id", r.id, "err", err)
			continue
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	return out, nil
}

// LoadEvents is ListEvents; it is the poll cycle's view of the store.
func (s *Store) LoadEvents(ctx context.Context) ([]model.Event, error) {
	return s.ListEvents(ctx)
}

// ==================== Sent log ====================

// LoadSent returns the sent records of the given events.
func (s *Store) LoadSent(ctx context.Context, eventIDs []string) (reminder.SentSet, error) {
	set := reminder.NewSentSet()
	for start := 0; start < len(eventIDs); start += sentQueryChunk {
		chunk := eventIDs[start:min(start+sentQueryChunk, len(eventIDs))]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		q := `SELECT event_id, occurrence_start, threshold FROM notifications WHERE event_id IN (` +
			strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",") + `)`

		if err := s.loadSentChunk(ctx, q, args, set); err != nil {
			return nil, err
		}
	}
	return set, nil
}

func (s *Store) loadSentChunk(ctx context.Context, q string, args []any, set reminder.SentSet) error {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("store: load sent: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, occ, th string
		if err := rows.Scan(&id, &occ, &th); err != nil {
			return fmt.Errorf("store: scan sent: %w", err)
		}
		t, err := time.Parse(timeLayout, occ)
		if err != nil {
			appLog.Warn("store: bad sent record", "event_id", id, "occurrence_start", occ)
			continue
		}
		set.Add(reminder.SentKey{EventID: id, Occurrence: t, Threshold: reminder.Threshold(th)})
	}
	return rows.Err()
}

// PersistSent records one delivered reminder. Recording the same triple
// twice is a no-op.
func (s *Store) PersistSent(ctx context.Context, key reminder.SentKey) error {
	key = key.Normalize()
	_, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO notifications (event_id, occurrence_start, threshold, notified_at)
VALUES (?, ?, ?, ?)`,
		key.EventID, formatTime(key.Occurrence), string(key.Threshold), formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("store: persist sent: %w", err)
	}
	return nil
}

// ==================== helpers ====================

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// setNotify stores only non-default preferences.
func setNotify(ctx context.Context, tx *sql.Tx, id string, p reminder.Preference) error {
	if p.IsDefault() {
		_, err := tx.ExecContext(ctx, `DELETE FROM event_notify WHERE event_id = ?`, id)
		if err != nil {
			return fmt.Errorf("store: clear notify: %w", err)
		}
		return nil
	}
	_, err := tx.ExecContext(ctx, `
INSERT INTO event_notify (event_id, notify) VALUES (?, ?)
ON CONFLICT (event_id) DO UPDATE SET notify = excluded.notify`, id, p.String())
	if err != nil {
		return fmt.Errorf("store: set notify: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(timeLayout)
}

type eventRow struct {
	id, title, description, location string
	start                            string
	durationSec                      int64
	allDay                           bool
	rrule, exdates                   string
	createdAt, updatedAt             string
	notify                           string
}

func (r *eventRow) fields() []any {
	return []any{
		&r.id, &r.title, &r.description, &r.location, &r.start, &r.durationSec, &r.allDay,
		&r.rrule, &r.exdates, &r.createdAt, &r.updatedAt, &r.notify,
	}
}

func toRow(ev *model.Event) (eventRow, error) {
	dates := make([]string, len(ev.Exclusions))
	for i, d := range ev.Exclusions {
		dates[i] = d.String()
	}
	exdates, err := json.Marshal(dates)
	if err != nil {
		return eventRow{}, fmt.Errorf("store: encode exdates: %w", err)
	}
	r := eventRow{
		id:          ev.ID,
		title:       ev.Title,
		description: ev.Description,
		location:    ev.Location,
		start:       formatTime(ev.Start),
		durationSec: int64(ev.Duration / time.Second),
		allDay:      ev.AllDay,
		exdates:     string(exdates),
		createdAt:   formatTime(ev.CreatedAt),
		updatedAt:   formatTime(ev.UpdatedAt),
	}
	if ev.Rule != nil {
		r.rrule = ev.Rule.String()
	}
	return r, nil
}

func (r *eventRow) event(loc *time.Location) (model.Event, error) {
	start, err := time.Parse(timeLayout, r.start)
	if err != nil {
		return model.Event{}, fmt.Errorf("bad start %q: %w", r.start, err)
	}
	ev := model.Event{
		ID:          r.id,
		Title:       r.title,
		Description: r.description,
		Location:    r.location,
		Start:       start.In(loc),
		Duration:    time.Duration(r.durationSec) * time.Second,
		AllDay:      r.allDay,
	}
	ev.CreatedAt, _ = time.Parse(timeLayout, r.createdAt)
	ev.UpdatedAt, _ = time.Parse(timeLayout, r.updatedAt)

	if r.rrule != "" {
		if ev.Rule, err = recurrence.ParseRule(r.rrule); err != nil {
			return model.Event{}, err
		}
	}

	var dates []string
	if r.exdates != "" {
		if err := json.Unmarshal([]byte(r.exdates), &dates); err != nil {
			return model.Event{}, fmt.Errorf("bad exdates: %w", err)
		}
	}
	for _, s := range dates {
		d, err := recurrence.ParseDate(s)
		if err != nil {
			return model.Event{}, err
		}
		ev.Exclusions = append(ev.Exclusions, d)
	}

	if ev.Notify, err = reminder.ParsePreference(r.notify); err != nil {
		return model.Event{}, err
	}
	return ev, nil
}
