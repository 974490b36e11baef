package cursor_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rtcom/eventlogger/internal/cursor"
	"github.com/rtcom/eventlogger/internal/dbengine"
	"github.com/rtcom/eventlogger/internal/query"
	"github.com/rtcom/eventlogger/internal/schema"
)

func seeded(t *testing.T) *dbengine.Gateway {
	t.Helper()
	ctx := context.Background()
	gw, err := dbengine.Open(ctx, filepath.Join(t.TempDir(), "el.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = gw.Close() })
	if err := schema.Bootstrap(ctx, gw); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if _, err := gw.Exec(ctx, `INSERT INTO services(name) VALUES ('SVC')`); err != nil {
		t.Fatalf("seed service: %v", err)
	}
	if _, err := gw.Exec(ctx, `INSERT INTO event_types(name) VALUES ('ET')`); err != nil {
		t.Fatalf("seed event type: %v", err)
	}
	if _, err := gw.Exec(ctx, `
		INSERT INTO events(service_id, event_type_id, storage_time, start_time, local_uid, remote_uid, free_text)
		VALUES (1, 1, 100, 100, 'local', 'remote', 'hi')
	`); err != nil {
		t.Fatalf("seed event: %v", err)
	}
	return gw
}

func TestCursorIteratesAndExposesColumns(t *testing.T) {
	ctx := context.Background()
	gw := seeded(t)

	c, err := cursor.Open(ctx, gw, query.New(), nil, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	ok, err := c.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !ok {
		t.Fatal("expected one row")
	}
	v, ok := c.Value("free-text")
	if !ok || v != "hi" {
		t.Fatalf("expected free-text=hi, got %v (ok=%v)", v, ok)
	}

	ok, err = c.Next()
	if err != nil {
		t.Fatalf("second Next: %v", err)
	}
	if ok {
		t.Fatal("expected only one row")
	}
}

type fakeResolver struct{}

func (fakeResolver) GetValue(row map[string]any, column string) (any, bool) {
	if column == "free-text" {
		return "overridden", true
	}
	return nil, false
}

func TestResolverOverridesRawColumn(t *testing.T) {
	ctx := context.Background()
	gw := seeded(t)

	c, err := cursor.Open(ctx, gw, query.New(), fakeResolver{}, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	if _, err := c.Next(); err != nil {
		t.Fatalf("Next: %v", err)
	}
	v, _ := c.Value("free-text")
	if v != "overridden" {
		t.Fatalf("expected the resolver's value to win, got %v", v)
	}
}

func TestAtomicCursorCommitsOnExhaustion(t *testing.T) {
	ctx := context.Background()
	gw := seeded(t)

	c, err := cursor.Open(ctx, gw, query.New(), nil, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for {
		ok, err := c.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if gw.InTransaction() {
		t.Fatal("expected the atomic cursor's transaction to be closed")
	}
}

func TestAttachmentsLoadsRowsForCurrentEvent(t *testing.T) {
	ctx := context.Background()
	gw := seeded(t)
	if _, err := gw.Exec(ctx, `INSERT INTO attachments(event_id, path, description) VALUES (1, '/tmp/a', 'note')`); err != nil {
		t.Fatalf("seed attachment: %v", err)
	}

	c, err := cursor.Open(ctx, gw, query.New(), nil, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()
	if _, err := c.Next(); err != nil {
		t.Fatalf("Next: %v", err)
	}

	atts, err := c.Attachments(ctx)
	if err != nil {
		t.Fatalf("Attachments: %v", err)
	}
	if len(atts) != 1 || atts[0].Path != "/tmp/a" {
		t.Fatalf("expected one attachment at /tmp/a, got %+v", atts)
	}
}
