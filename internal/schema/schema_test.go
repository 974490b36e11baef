package schema_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rtcom/eventlogger/internal/dbengine"
	"github.com/rtcom/eventlogger/internal/schema"
)

func TestBootstrapIsIdempotent(t *testing.T) {
	ctx := context.Background()
	gw, err := dbengine.Open(ctx, filepath.Join(t.TempDir(), "el.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer gw.Close()

	if err := schema.Bootstrap(ctx, gw); err != nil {
		t.Fatalf("first Bootstrap: %v", err)
	}
	if err := schema.Bootstrap(ctx, gw); err != nil {
		t.Fatalf("second Bootstrap should be a no-op, got: %v", err)
	}

	row := gw.QueryRow(ctx, `PRAGMA user_version`)
	var v int
	if err := row.Scan(&v); err != nil {
		t.Fatalf("scan user_version: %v", err)
	}
	if v != schema.Version {
		t.Fatalf("expected user_version=%d, got %d", schema.Version, v)
	}
}

func TestBootstrapCreatesCoreTables(t *testing.T) {
	ctx := context.Background()
	gw, err := dbengine.Open(ctx, filepath.Join(t.TempDir(), "el.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer gw.Close()
	if err := schema.Bootstrap(ctx, gw); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	for _, table := range []string{"events", "services", "event_types", "flags", "remotes", "headers", "attachments", "group_cache", "plugins"} {
		row := gw.QueryRow(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table)
		var n int
		if err := row.Scan(&n); err != nil {
			t.Fatalf("scan for %s: %v", table, err)
		}
		if n != 1 {
			t.Fatalf("expected table %s to exist after bootstrap", table)
		}
	}
}

func TestMigrateV0ToV1WithNoLegacyFileIsNoop(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	target := filepath.Join(dir, "el-v1.db")
	legacy := filepath.Join(dir, "el.db")

	if err := schema.MigrateV0ToV1(ctx, target, legacy); err != nil {
		t.Fatalf("expected no error with no legacy file present, got %v", err)
	}
}

func TestMigrateV0ToV1WithExistingTargetIsNoop(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	target := filepath.Join(dir, "el-v1.db")
	legacy := filepath.Join(dir, "el.db")

	gw, err := dbengine.Open(ctx, target)
	if err != nil {
		t.Fatalf("Open target: %v", err)
	}
	gw.Close()

	legacyGW, err := dbengine.Open(ctx, legacy)
	if err != nil {
		t.Fatalf("Open legacy: %v", err)
	}
	legacyGW.Close()

	if err := schema.MigrateV0ToV1(ctx, target, legacy); err != nil {
		t.Fatalf("expected migration to skip an existing target, got %v", err)
	}
}

func TestMigrateV0ToV1RewritesLegacyEventTypes(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	target := filepath.Join(dir, "el-v1.db")
	legacy := filepath.Join(dir, "el.db")

	seedLegacyDatabase(ctx, t, legacy)

	if err := schema.MigrateV0ToV1(ctx, target, legacy); err != nil {
		t.Fatalf("MigrateV0ToV1: %v", err)
	}

	gw, err := dbengine.Open(ctx, target)
	if err != nil {
		t.Fatalf("Open migrated target: %v", err)
	}
	defer gw.Close()

	row := gw.QueryRow(ctx, `
		SELECT event_types.name, events.outgoing FROM events
		JOIN event_types ON event_types.id = events.event_type_id
		WHERE events.id = 1
	`)
	var name string
	var outgoing int
	if err := row.Scan(&name, &outgoing); err != nil {
		t.Fatalf("scan migrated event: %v", err)
	}
	if name != "RTCOM_EL_EVENTTYPE_CHAT_MESSAGE" {
		t.Fatalf("expected the legacy INBOUND type folded to CHAT_MESSAGE, got %q", name)
	}
	if outgoing != 0 {
		t.Fatalf("expected an INBOUND event to migrate with outgoing=0, got %d", outgoing)
	}
}

func seedLegacyDatabase(ctx context.Context, t *testing.T, path string) {
	t.Helper()
	gw, err := dbengine.Open(ctx, path)
	if err != nil {
		t.Fatalf("Open legacy: %v", err)
	}
	defer gw.Close()

	stmts := []string{
		`CREATE TABLE services (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL UNIQUE, description TEXT)`,
		`CREATE TABLE event_types (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL UNIQUE)`,
		`CREATE TABLE events (
			id INTEGER PRIMARY KEY AUTOINCREMENT, service_id INTEGER NOT NULL, event_type_id INTEGER NOT NULL,
			storage_time INTEGER NOT NULL, start_time INTEGER NOT NULL, end_time INTEGER,
			is_read INTEGER NOT NULL DEFAULT 0, flags INTEGER NOT NULL DEFAULT 0,
			bytes_sent INTEGER NOT NULL DEFAULT 0, bytes_received INTEGER NOT NULL DEFAULT 0,
			local_uid TEXT NOT NULL, local_name TEXT, remote_uid TEXT, channel TEXT, free_text TEXT, group_uid TEXT
		)`,
		`INSERT INTO services(name) VALUES ('RTCOM_EL_SERVICE_CHAT')`,
		`INSERT INTO event_types(name) VALUES ('RTCOM_EL_EVENTTYPE_CHAT_INBOUND')`,
		`INSERT INTO events(service_id, event_type_id, storage_time, start_time, local_uid, remote_uid)
		 VALUES (1, 1, 1700000000, 1700000000, 'me@example.com', 'them@example.com')`,
	}
	for _, stmt := range stmts {
		if _, err := gw.Exec(ctx, stmt); err != nil {
			t.Fatalf("seed legacy database: %v", err)
		}
	}
}
