package schema

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/gofrs/flock"

	"github.com/rtcom/eventlogger/internal/dbengine"
	"github.com/rtcom/eventlogger/internal/errtax"
)

// legacyDDL is the v0 schema this package migrates away from: a flatter
// events table with separate "*_INBOUND"/"*_OUTBOUND" event-type rows
// instead of a single "*_MESSAGE" type plus an outgoing bit (spec.md §4.2,
// §9).
var legacyDDL = []string{
	`CREATE TABLE IF NOT EXISTS services (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		name        TEXT NOT NULL UNIQUE,
		description TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS event_types (
		id   INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		service_id     INTEGER NOT NULL,
		event_type_id  INTEGER NOT NULL,
		storage_time   INTEGER NOT NULL,
		start_time     INTEGER NOT NULL,
		end_time       INTEGER,
		is_read        INTEGER NOT NULL DEFAULT 0,
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
}

// legacyEventTypeRewrite folds the v0 "<SERVICE>_<KIND>_INBOUND"/"_OUTBOUND"
// event-type pairs into the v1 "<SERVICE>_<KIND>_MESSAGE" name plus the
// outgoing bit set on the OUTBOUND half.
var legacyEventTypeRewrite = map[string]string{
	"RTCOM_EL_EVENTTYPE_CHAT_INBOUND":  "RTCOM_EL_EVENTTYPE_CHAT_MESSAGE",
	"RTCOM_EL_EVENTTYPE_CHAT_OUTBOUND": "RTCOM_EL_EVENTTYPE_CHAT_MESSAGE",
	"RTCOM_EL_EVENTTYPE_SMS_INBOUND":   "RTCOM_EL_EVENTTYPE_SMS_MESSAGE",
	"RTCOM_EL_EVENTTYPE_SMS_OUTBOUND":  "RTCOM_EL_EVENTTYPE_SMS_MESSAGE",
}

const backupRetryAttempts = 100
const backupRetryDelay = 10 * time.Millisecond

// MigrateV0ToV1 performs the in-place v0→v1 migration described in
// spec.md §4.2: the target file is built in a private ".temp" sibling and
// only renamed into place once fully populated, so a reader racing against
// an in-progress migration never observes a partially migrated database.
func MigrateV0ToV1(ctx context.Context, targetPath, legacyPath string) error {
	return migrate(ctx, targetPath, legacyPath, true)
}

func migrate(ctx context.Context, targetPath, legacyPath string, allowRetry bool) error {
	if _, err := os.Stat(targetPath); err == nil {
		return nil
	}
	if _, err := os.Stat(legacyPath); err != nil {
		return nil
	}

	lock := flock.New(legacyPath + ".migration.lock")
	locked, err := lock.TryLockContext(ctx, backupRetryDelay)
	if err != nil || !locked {
		return errtax.New(errtax.Temporary, "migration lock held by a peer")
	}
	defer lock.Unlock() //nolint:errcheck

	tempPath := targetPath + ".temp"

	// The legacy file is never opened directly by this package: it is
	// attached read-only (backupInto) from the temp file's connection, so
	// the migration never holds two independent handles on it.
	temp, err := dbengine.Open(ctx, tempPath)
	if err != nil {
		return err
	}
	defer temp.Close() //nolint:errcheck

	if err := temp.SetJournalMode(ctx, "OFF"); err != nil {
		_ = os.Remove(tempPath)
		return err
	}

	started, err := temp.Begin(ctx, true)
	if err != nil {
		if errtax.Is(err, errtax.Corrupted) && allowRetry {
			_ = temp.Close()
			_ = os.Remove(tempPath)
			return migrate(ctx, targetPath, legacyPath, false)
		}
		_ = os.Remove(tempPath)
		return err
	}
	if !started {
		_ = os.Remove(tempPath)
		return errtax.New(errtax.Temporary, "could not acquire exclusive lock on migration temp file")
	}

	if err := backupInto(ctx, temp, legacyPath); err != nil {
		_ = temp.Rollback()
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return err
	}

	if err := applyMigration(ctx, temp); err != nil {
		_ = temp.Rollback()
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return err
	}

	if err := temp.Commit(); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return err
	}

	if err := temp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return err
	}

	if err := os.Rename(tempPath, targetPath); err != nil {
		_ = os.Remove(tempPath)
		return errtax.Wrap(errtax.Internal, "rename migrated database into place", err)
	}
	return nil
}

// backupInto copies the legacy database page-by-page logical equivalent:
// it attaches the legacy file read-only and copies each v0 table across
// row by row, retrying on lock contention against the source file.
func backupInto(ctx context.Context, temp *dbengine.Gateway, legacyPath string) error {
	readOnlyURI := "file:" + legacyPath + "?mode=ro"
	var lastErr error
	for attempt := 0; attempt < backupRetryAttempts; attempt++ {
		_, err := temp.Exec(ctx, "ATTACH DATABASE ? AS legacy", readOnlyURI)
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		if !errtax.Is(err, errtax.Temporary) {
			return err
		}
		time.Sleep(backupRetryDelay)
	}
	if lastErr != nil {
		return lastErr
	}
	defer func() { _, _ = temp.Exec(ctx, "DETACH DATABASE legacy") }()

	for _, stmt := range legacyDDL {
		if _, err := temp.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	copies := []string{
		`INSERT INTO services(id, name, description) SELECT id, name, description FROM legacy.services`,
		`INSERT INTO event_types(id, name) SELECT id, name FROM legacy.event_types`,
		`INSERT INTO events(id, service_id, event_type_id, storage_time, start_time, end_time, is_read, flags, bytes_sent, bytes_received, local_uid, local_name, remote_uid, channel, free_text, group_uid)
		 SELECT id, service_id, event_type_id, storage_time, start_time, end_time, is_read, flags, bytes_sent, bytes_received, local_uid, local_name, remote_uid, channel, free_text, group_uid FROM legacy.events`,
	}
	for _, stmt := range copies {
		if _, err := temp.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// applyMigration rewrites the v0 tables copied by backupInto into the v1
// shape: new columns, folded event-type names, the new chat-flavor event
// types and flags, and the v1 triggers, then re-stamps user_version.
func applyMigration(ctx context.Context, temp *dbengine.Gateway) error {
	renames := []struct{ from, to string }{
		{"RTCOM_EL_EVENTTYPE_CHAT_INBOUND", "RTCOM_EL_EVENTTYPE_CHAT_MESSAGE"},
		{"RTCOM_EL_EVENTTYPE_CHAT_OUTBOUND", "RTCOM_EL_EVENTTYPE_CHAT_MESSAGE"},
		{"RTCOM_EL_EVENTTYPE_SMS_INBOUND", "RTCOM_EL_EVENTTYPE_SMS_MESSAGE"},
		{"RTCOM_EL_EVENTTYPE_SMS_OUTBOUND", "RTCOM_EL_EVENTTYPE_SMS_MESSAGE"},
	}
	outgoingSuffixes := []string{"_OUTBOUND"}

	if _, err := temp.Exec(ctx, "ALTER TABLE events ADD COLUMN outgoing INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}

	for _, r := range renames {
		outgoing := 0
		for _, suf := range outgoingSuffixes {
			if len(r.from) >= len(suf) && r.from[len(r.from)-len(suf):] == suf {
				outgoing = 1
			}
		}
		row := temp.QueryRow(ctx, `SELECT id FROM event_types WHERE name = ?`, r.from)
		var oldID int64
		if err := row.Scan(&oldID); err != nil {
			continue // this legacy event type never existed in this database
		}

		if _, err := temp.Exec(ctx, `INSERT OR IGNORE INTO event_types(name) VALUES (?)`, r.to); err != nil {
			return err
		}
		newRow := temp.QueryRow(ctx, `SELECT id FROM event_types WHERE name = ?`, r.to)
		var newID int64
		if err := newRow.Scan(&newID); err != nil {
			return err
		}

		if _, err := temp.Exec(ctx, `UPDATE events SET event_type_id = ?, outgoing = ? WHERE event_type_id = ?`, newID, outgoing, oldID); err != nil {
			return err
		}
		if _, err := temp.Exec(ctx, `DELETE FROM event_types WHERE id = ?`, oldID); err != nil {
			return err
		}
	}

	for _, plugin := range ddl {
		if _, err := temp.Exec(ctx, plugin); err != nil {
			return err
		}
	}

	if _, err := temp.Exec(ctx, "PRAGMA user_version = "+strconv.Itoa(Version)); err != nil {
		return err
	}
	return nil
}
