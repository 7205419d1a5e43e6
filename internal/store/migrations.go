package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// migration is one forward-only schema step. Versions are applied in
// order and recorded in schema_migrations.
type migration struct {
	Version string
	Name    string
	SQL     string
}

var migrations = []migration{
	{
		Version: "20240101000001",
		Name:    "create_events",
		SQL: `
CREATE TABLE IF NOT EXISTS events (
    id           TEXT PRIMARY KEY,
    title        TEXT NOT NULL,
    description  TEXT NOT NULL DEFAULT '',
    location     TEXT NOT NULL DEFAULT '',
    start_utc    TEXT NOT NULL,
    duration_sec INTEGER NOT NULL DEFAULT 0,
    all_day      INTEGER NOT NULL DEFAULT 0,
    rrule        TEXT NOT NULL DEFAULT '',
    exdates      TEXT NOT NULL DEFAULT '[]',
    created_at   TEXT NOT NULL,
    updated_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_start ON events (start_utc);
`,
	},
	{
		Version: "20240101000002",
		Name:    "create_event_notify",
		SQL: `
CREATE TABLE IF NOT EXISTS event_notify (
    event_id TEXT PRIMARY KEY,
    notify   TEXT NOT NULL,
    FOREIGN KEY (event_id) REFERENCES events(id) ON DELETE CASCADE
);
`,
	},
	{
		Version: "20240101000003",
		Name:    "create_notifications",
		SQL: `
CREATE TABLE IF NOT EXISTS notifications (
    event_id         TEXT NOT NULL,
    occurrence_start TEXT NOT NULL,
    threshold        TEXT NOT NULL,
    notified_at      TEXT NOT NULL,
    PRIMARY KEY (event_id, occurrence_start, threshold),
    FOREIGN KEY (event_id) REFERENCES events(id) ON DELETE CASCADE
);
`,
	},
}

// Migrate creates or upgrades the schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version    TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at TEXT NOT NULL
)`); err != nil {
		return fmt.Errorf("store: create migrations table: %w", err)
	}

	for _, m := range migrations {
		if err := s.apply(ctx, m); err != nil {
			return fmt.Errorf("store: migration %s (%s) failed: %w", m.Version, m.Name, err)
		}
	}
	return nil
}

func (s *Store) apply(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var v string
	err = tx.QueryRowContext(ctx, `SELECT version FROM schema_migrations WHERE version = ?`, m.Version).Scan(&v)
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, sql.ErrNoRows):
		return err
	}

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
		m.Version, m.Name, formatTime(s.now()),
	); err != nil {
		return err
	}
	return tx.Commit()
}
