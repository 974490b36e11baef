// Package schema declares the event-log DDL (spec.md §3) and the triggers
// that keep the per-group aggregate cache coherent (spec.md §4.7), and
// drives the idempotent bootstrap and v0→v1 migration of spec.md §4.2.
package schema

import (
	"context"
	"strconv"

	"github.com/rtcom/eventlogger/internal/dbengine"
	"github.com/rtcom/eventlogger/internal/errtax"
)

// Version is the schema's engine-level user_version once bootstrap has
// completed (spec.md invariant 7).
const Version = 1

// ddl is the full, idempotent schema: lookup tables, the event store
// proper, and the group-cache maintenance triggers of C7.
var ddl = []string{
	`CREATE TABLE IF NOT EXISTS plugins (
		id   INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS services (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		name        TEXT NOT NULL UNIQUE,
		description TEXT,
		plugin_id   INTEGER REFERENCES plugins(id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS event_types (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		name      TEXT NOT NULL UNIQUE,
		plugin_id INTEGER REFERENCES plugins(id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS flags (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		name       TEXT NOT NULL UNIQUE,
		service_id INTEGER NOT NULL REFERENCES services(id) ON DELETE CASCADE,
		value      INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS remotes (
		local_uid        TEXT NOT NULL,
		remote_uid       TEXT NOT NULL,
		remote_name      TEXT,
		remote_ebook_uid TEXT,
		PRIMARY KEY (local_uid, remote_uid)
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		service_id     INTEGER NOT NULL REFERENCES services(id),
		event_type_id  INTEGER NOT NULL REFERENCES event_types(id),
		storage_time   INTEGER NOT NULL,
		start_time     INTEGER NOT NULL,
		end_time       INTEGER,
		is_read        INTEGER NOT NULL DEFAULT 0,
		outgoing       INTEGER NOT NULL DEFAULT 0,
		flags          INTEGER NOT NULL DEFAULT 0,
		bytes_sent     INTEGER NOT NULL DEFAULT 0,
		bytes_received INTEGER NOT NULL DEFAULT 0,
		local_uid      TEXT NOT NULL,
		local_name     TEXT,
		remote_uid     TEXT,
		channel        TEXT,
		free_text      TEXT,
		group_uid      TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS events_group_uid ON events(group_uid)`,
	`CREATE INDEX IF NOT EXISTS events_service_id ON events(service_id)`,
	`CREATE INDEX IF NOT EXISTS events_remote_uid ON events(remote_uid)`,
	`CREATE TABLE IF NOT EXISTS headers (
		event_id INTEGER NOT NULL REFERENCES events(id) ON DELETE CASCADE,
		name     TEXT NOT NULL,
		value    TEXT,
		PRIMARY KEY (event_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS attachments (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id    INTEGER NOT NULL REFERENCES events(id) ON DELETE CASCADE,
		path        TEXT NOT NULL,
		description TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS attachments_event_id ON attachments(event_id)`,
	`CREATE TABLE IF NOT EXISTS group_cache (
		service_id   INTEGER NOT NULL REFERENCES services(id),
		group_uid    TEXT NOT NULL,
		event_id     INTEGER NOT NULL DEFAULT 0,
		total_events INTEGER NOT NULL DEFAULT 0,
		read_events  INTEGER NOT NULL DEFAULT 0,
		flags        INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (service_id, group_uid)
	)`,
	`CREATE INDEX IF NOT EXISTS group_cache_group_uid ON group_cache(group_uid)`,

	// C7 trigger 1: seed a zero-valued group_cache row the first time a
	// group id is seen.
	`CREATE TRIGGER IF NOT EXISTS group_cache_seed
	 BEFORE INSERT ON events
	 WHEN NEW.group_uid IS NOT NULL
	 BEGIN
		INSERT OR IGNORE INTO group_cache(service_id, group_uid, event_id, total_events, read_events, flags)
		VALUES (NEW.service_id, NEW.group_uid, 0, 0, 0, 0);
	 END`,
	// C7 trigger 2: advance newest-id and counters on insert.
	`CREATE TRIGGER IF NOT EXISTS group_cache_on_insert
	 AFTER INSERT ON events
	 WHEN NEW.group_uid IS NOT NULL
	 BEGIN
		UPDATE group_cache
		SET event_id = NEW.id,
		    total_events = total_events + 1,
		    read_events = read_events + NEW.is_read,
		    flags = flags | NEW.flags
		WHERE service_id = NEW.service_id AND group_uid = NEW.group_uid;
	 END`,
	// C7 trigger 3: adjust read-count and flag union on update.
	`CREATE TRIGGER IF NOT EXISTS group_cache_on_update
	 AFTER UPDATE ON events
	 WHEN NEW.group_uid IS NOT NULL
	 BEGIN
		UPDATE group_cache
		SET read_events = read_events + (NEW.is_read - OLD.is_read),
		    flags = (flags & ~OLD.flags) | NEW.flags
		WHERE service_id = NEW.service_id AND group_uid = NEW.group_uid;
	 END`,
}

// Bootstrap brings the database up to Version if it is not already there.
// It runs under an exclusive transaction; if that transaction cannot be
// acquired because a peer process holds the database, bootstrap is
// abandoned silently (the peer is responsible for finishing it).
func Bootstrap(ctx context.Context, gw *dbengine.Gateway) error {
	version, err := userVersion(ctx, gw)
	if err != nil {
		return err
	}
	if version >= Version {
		return nil
	}

	journalRestored := prepareBootstrapJournal(ctx, gw)
	defer journalRestored()

	started, err := gw.Begin(ctx, true)
	if err != nil {
		if errtax.Is(err, errtax.Temporary) {
			return nil
		}
		return err
	}
	if !started {
		return nil
	}

	for _, stmt := range ddl {
		if _, err := gw.Exec(ctx, stmt); err != nil {
			_ = gw.Rollback()
			return err
		}
	}
	if _, err := gw.Exec(ctx, "PRAGMA user_version = "+strconv.Itoa(Version)); err != nil {
		_ = gw.Rollback()
		return err
	}
	return gw.Commit()
}

func userVersion(ctx context.Context, gw *dbengine.Gateway) (int, error) {
	row := gw.QueryRow(ctx, "PRAGMA user_version")
	var v int
	if err := row.Scan(&v); err != nil {
		return 0, errtax.Wrap(errtax.Internal, "read user_version", err)
	}
	return v, nil
}

// prepareBootstrapJournal switches the journal mode to WAL; if the engine
// cannot initialize that journal it uses MEMORY for the duration of
// bootstrap (spec.md §4.2), returning a func that sets DELETE mode once
// bootstrap finishes. When WAL succeeds the returned func does nothing.
func prepareBootstrapJournal(ctx context.Context, gw *dbengine.Gateway) func() {
	if err := gw.SetJournalMode(ctx, "WAL"); err != nil {
		_ = gw.SetJournalMode(ctx, "MEMORY")
		return func() {
			_ = gw.SetJournalMode(ctx, "DELETE")
		}
	}
	return func() {}
}

