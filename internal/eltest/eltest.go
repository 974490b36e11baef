// Package eltest provides shared test fixtures: an isolated Config rooted
// at a temp directory and a background context, used by the facade and
// event-store tests to stand up a throwaway Logger or Store, mirroring the
// teacher's testutil.NewStore helper.
package eltest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rtcom/eventlogger/internal/config"
)

// Config builds a Config rooted at a fresh t.TempDir(), so each test gets
// an isolated database and attachment tree.
func Config(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	return config.Config{
		Home:           dir,
		ConfigDir:      dir,
		DBPath:         filepath.Join(dir, "el-v1.db"),
		LegacyDBPath:   filepath.Join(dir, "el.db"),
		AttachmentsDir: filepath.Join(dir, "attachments"),
		PluginPath:     nil,
		BusyBudgetMS:   2000,
	}
}

// Context returns a background context for tests that don't need their
// own cancellation.
func Context() context.Context {
	return context.Background()
}
