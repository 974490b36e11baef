package plugin_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rtcom/eventlogger/internal/dbengine"
	"github.com/rtcom/eventlogger/internal/lookup"
	"github.com/rtcom/eventlogger/internal/plugin"
	"github.com/rtcom/eventlogger/internal/schema"
)

func TestRegistryResolveAndDefinitionsAreSorted(t *testing.T) {
	reg := plugin.NewRegistry()
	for _, p := range plugin.Builtins() {
		reg.Register(p)
	}
	if _, ok := reg.Resolve("chat"); !ok {
		t.Fatal("expected chat provider to resolve")
	}
	if _, ok := reg.Resolve("not-a-provider"); ok {
		t.Fatal("expected unknown provider to miss")
	}

	defs := reg.Definitions()
	for i := 1; i < len(defs); i++ {
		if defs[i-1].Name() >= defs[i].Name() {
			t.Fatalf("expected Definitions() sorted by name, got %v then %v", defs[i-1].Name(), defs[i].Name())
		}
	}
}

func TestInstallRegistersServiceEventTypesAndFlags(t *testing.T) {
	ctx := context.Background()
	gw, err := dbengine.Open(ctx, filepath.Join(t.TempDir(), "el.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer gw.Close()
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

	if lc.Service("RTCOM_EL_SERVICE_CHAT") == lookup.NotFound {
		t.Fatal("expected the chat service to be installed")
	}
	if lc.EventType("RTCOM_EL_EVENTTYPE_SMS_MESSAGE") == lookup.NotFound {
		t.Fatal("expected the sms message event type to be installed")
	}
	serviceID := lc.Service("RTCOM_EL_SERVICE_CHAT")
	if lc.Flag(serviceID, "RTCOM_EL_FLAG_CHAT_AUTOCHAT") == lookup.NotFound {
		t.Fatal("expected the chat autochat flag to be installed")
	}
}

func TestInstallIsIdempotent(t *testing.T) {
	ctx := context.Background()
	gw, err := dbengine.Open(ctx, filepath.Join(t.TempDir(), "el.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer gw.Close()
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
		t.Fatalf("first Install: %v", err)
	}
	if err := plugin.Install(ctx, gw, lc, reg); err != nil {
		t.Fatalf("second Install should be a no-op, got: %v", err)
	}

	row := gw.QueryRow(ctx, `SELECT COUNT(*) FROM services WHERE name = 'RTCOM_EL_SERVICE_CHAT'`)
	var n int
	if err := row.Scan(&n); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly one chat service row, got %d", n)
	}
}
