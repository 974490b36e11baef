package eventstore_test

import (
	"testing"
	"time"

	"github.com/rtcom/eventlogger/internal/dbengine"
	"github.com/rtcom/eventlogger/internal/eltest"
	"github.com/rtcom/eventlogger/internal/eventstore"
	"github.com/rtcom/eventlogger/internal/lookup"
	"github.com/rtcom/eventlogger/internal/model"
	"github.com/rtcom/eventlogger/internal/plugin"
	"github.com/rtcom/eventlogger/internal/query"
	"github.com/rtcom/eventlogger/internal/schema"
)

func newStore(t *testing.T) (*eventstore.Store, *dbengine.Gateway, *lookup.Cache) {
	t.Helper()
	ctx := eltest.Context()
	cfg := eltest.Config(t)

	gw, err := dbengine.Open(ctx, cfg.DBPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = gw.Close() })

	if err := schema.Bootstrap(ctx, gw); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	lc, err := lookup.Load(ctx, gw)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	reg := plugin.NewRegistry()
	for _, p := range plugin.Builtins() {
		reg.Register(p)
	}
	if err := plugin.Install(ctx, gw, lc, reg); err != nil {
		t.Fatalf("Install: %v", err)
	}

	return eventstore.New(gw, lc), gw, lc
}

func sampleEvent() model.Event {
	now := time.Unix(1700000000, 0)
	return model.Event{
		Service:     "RTCOM_EL_SERVICE_CHAT",
		EventType:   "RTCOM_EL_EVENTTYPE_CHAT_MESSAGE",
		LocalUID:    "me@example.com",
		RemoteUID:   "them@example.com",
		FreeText:    "hello",
		StorageTime: now,
		StartTime:   now,
	}
}

func TestInsertAssignsStrictlyIncreasingIDs(t *testing.T) {
	store, _, _ := newStore(t)
	ctx := eltest.Context()

	var last int64
	for i := 0; i < 5; i++ {
		id, err := store.Insert(ctx, sampleEvent())
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
		if id <= last {
			t.Fatalf("expected strictly increasing ids, got %d after %d", id, last)
		}
		last = id
	}
}

func TestInsertUnknownServiceIsInvalid(t *testing.T) {
	store, _, _ := newStore(t)
	ctx := eltest.Context()

	e := sampleEvent()
	e.Service = "NOT_A_REAL_SERVICE"
	if _, err := store.Insert(ctx, e); err == nil {
		t.Fatal("expected an error for an unresolvable service name")
	}
}

func TestLegacyEventTypeRewriteSetsOutgoing(t *testing.T) {
	store, _, _ := newStore(t)
	ctx := eltest.Context()

	e := sampleEvent()
	e.EventType = "RTCOM_EL_EVENTTYPE_CHAT_OUTBOUND"
	id, err := store.Insert(ctx, e)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	n, err := store.Count(ctx, query.New().Where("id", query.Equal, id).Where("outgoing", query.Equal, true))
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected the rewritten event to carry outgoing=true, got count %d", n)
	}
}

func TestDeleteByIDRepairsGroupCache(t *testing.T) {
	store, gw, _ := newStore(t)
	ctx := eltest.Context()

	e := sampleEvent()
	e.GroupUID = "group-1"
	id, err := store.Insert(ctx, e)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	info, err := store.GroupInfo(ctx, "group-1")
	if err != nil {
		t.Fatalf("GroupInfo: %v", err)
	}
	if info.Total != 1 || info.EventID != id {
		t.Fatalf("unexpected group info after insert: %+v", info)
	}

	if err := store.DeleteByID(ctx, id); err != nil {
		t.Fatalf("DeleteByID: %v", err)
	}

	row := gw.QueryRow(ctx, `SELECT COUNT(*) FROM group_cache WHERE group_uid = ?`, "group-1")
	var remaining int
	if err := row.Scan(&remaining); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expected the group cache row to be removed once its last event is deleted, got %d rows", remaining)
	}
}

func TestMarkReadUpdatesGroupCacheReadCount(t *testing.T) {
	store, _, _ := newStore(t)
	ctx := eltest.Context()

	e := sampleEvent()
	e.GroupUID = "group-2"
	id, err := store.Insert(ctx, e)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := store.MarkRead(ctx, id, true); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}

	info, err := store.GroupInfo(ctx, "group-2")
	if err != nil {
		t.Fatalf("GroupInfo: %v", err)
	}
	if info.Unread != 0 {
		t.Fatalf("expected total(1) - read(1) = 0 unread, got %+v", info)
	}
}

func TestDeleteByQueryRemovesMatchingRows(t *testing.T) {
	store, _, _ := newStore(t)
	ctx := eltest.Context()

	for i := 0; i < 3; i++ {
		if _, err := store.Insert(ctx, sampleEvent()); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	other := sampleEvent()
	other.LocalUID = "someone-else@example.com"
	if _, err := store.Insert(ctx, other); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	n, err := store.DeleteByQuery(ctx, query.New().Where("local-uid", query.Equal, "me@example.com"))
	if err != nil {
		t.Fatalf("DeleteByQuery: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 rows deleted, got %d", n)
	}

	remaining, err := store.Count(ctx, query.New())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if remaining != 1 {
		t.Fatalf("expected 1 row left, got %d", remaining)
	}
}

func TestUpsertRemoteKeepsNameOnBlankUpdate(t *testing.T) {
	store, gw, _ := newStore(t)
	ctx := eltest.Context()

	e := sampleEvent()
	e.RemoteName = "Ada"
	if _, err := store.Insert(ctx, e); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	e2 := sampleEvent()
	e2.RemoteName = ""
	if _, err := store.Insert(ctx, e2); err != nil {
		t.Fatalf("second Insert: %v", err)
	}

	row := gw.QueryRow(ctx, `SELECT remote_name FROM remotes WHERE local_uid = ? AND remote_uid = ?`, e.LocalUID, e.RemoteUID)
	var name string
	if err := row.Scan(&name); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if name != "Ada" {
		t.Fatalf("expected remote name to survive a blank update, got %q", name)
	}
}
