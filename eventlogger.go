// Package eventlogger is the public facade over the embedded event-log
// store: it owns the database connection, the lookup cache, the
// group-continuity state, the plugin registry, and the notification bus,
// and exposes the operations of spec.md §4 as a single Go type.
package eventlogger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rtcom/eventlogger/internal/attachstore"
	"github.com/rtcom/eventlogger/internal/config"
	"github.com/rtcom/eventlogger/internal/cursor"
	"github.com/rtcom/eventlogger/internal/dbengine"
	"github.com/rtcom/eventlogger/internal/errtax"
	"github.com/rtcom/eventlogger/internal/eventstore"
	"github.com/rtcom/eventlogger/internal/lookup"
	"github.com/rtcom/eventlogger/internal/model"
	"github.com/rtcom/eventlogger/internal/notify"
	"github.com/rtcom/eventlogger/internal/plugin"
	"github.com/rtcom/eventlogger/internal/query"
	"github.com/rtcom/eventlogger/internal/schema"
)

// SetLogger overrides the *slog.Logger used for the notification bus's
// logging-without-failing paths (dropped or canceled change notifications,
// spec.md §7's "never fail the originating operation" policy). Defaults to
// slog.Default().
func SetLogger(l *slog.Logger) {
	notify.SetLogger(l)
}

// Logger is one open handle on an event-log database. It is not safe for
// concurrent use from multiple goroutines (spec.md §5); open one per
// goroutine that needs to write.
type Logger struct {
	cfg      config.Config
	gw       *dbengine.Gateway
	lc       *lookup.Cache
	store    *eventstore.Store
	registry *plugin.Registry
	bus      *notify.ChannelBus
	attach   *attachstore.Store

	groupMu    sync.Mutex
	lastGroups map[string]string // "<local-uid>;<remote-uid>" -> most recent group uid
}

// Open resolves configuration, runs the v0→v1 migration if a legacy
// database is present, bootstraps the schema, installs every built-in
// plugin provider, and loads the lookup cache. A caller that already has
// a Config (e.g. from config.Load with overrides) should call OpenWith
// instead.
func Open(ctx context.Context) (*Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return OpenWith(ctx, cfg)
}

// OpenWith opens a Logger against an already-resolved Config.
func OpenWith(ctx context.Context, cfg config.Config) (*Logger, error) {
	if err := schema.MigrateV0ToV1(ctx, cfg.DBPath, cfg.LegacyDBPath); err != nil {
		return nil, err
	}

	gw, err := dbengine.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if cfg.BusyBudgetMS > 0 {
		gw.SetBusyBudget(time.Duration(cfg.BusyBudgetMS) * time.Millisecond)
	}
	if err := schema.Bootstrap(ctx, gw); err != nil {
		_ = gw.Close()
		return nil, err
	}

	lc, err := lookup.Load(ctx, gw)
	if err != nil {
		_ = gw.Close()
		return nil, err
	}

	registry := plugin.NewRegistry()
	for _, p := range plugin.Builtins() {
		registry.Register(p)
	}
	if err := plugin.Install(ctx, gw, lc, registry); err != nil {
		_ = gw.Close()
		return nil, err
	}

	return &Logger{
		cfg:        cfg,
		gw:         gw,
		lc:         lc,
		store:      eventstore.New(gw, lc),
		registry:   registry,
		bus:        notify.NewChannelBus(),
		attach:     attachstore.New(cfg.AttachmentsDir),
		lastGroups: make(map[string]string),
	}, nil
}

// Close releases the database connection and stops the notification bus.
func (l *Logger) Close() error {
	l.bus.Close()
	return l.gw.Close()
}

// Config returns the resolved configuration this Logger was opened with.
func (l *Logger) Config() config.Config {
	return l.cfg
}

// Subscribe registers a listener for cross-process (in this build,
// process-local) change notifications.
func (l *Logger) Subscribe() (<-chan notify.Notification, func()) {
	return l.bus.Subscribe()
}

// Add inserts a single event, auto-filling GroupUID from the contact's
// most recent group if the caller left it empty (spec.md §4.4's group
// continuity behavior).
func (l *Logger) Add(ctx context.Context, e model.Event) (int64, error) {
	l.fillGroup(&e)
	id, err := l.store.Insert(ctx, e)
	if err != nil {
		return 0, err
	}
	l.notifyEvent(ctx, model.NotifyNewEvent, id, e)
	return id, nil
}

// AddFull is Add plus headers and attachment rows already copied into the
// attachment store.
func (l *Logger) AddFull(ctx context.Context, e model.Event, headers []model.Header, attachments []model.Attachment) (int64, error) {
	l.fillGroup(&e)
	id, err := l.store.InsertFull(ctx, e, headers, attachments)
	if err != nil {
		return 0, err
	}
	l.notifyEvent(ctx, model.NotifyNewEvent, id, e)
	return id, nil
}

func (l *Logger) fillGroup(e *model.Event) {
	if e.RemoteUID == "" {
		return
	}
	key := e.LocalUID + ";" + e.RemoteUID
	l.groupMu.Lock()
	defer l.groupMu.Unlock()
	if e.GroupUID != "" {
		l.lastGroups[key] = e.GroupUID
		return
	}
	g, ok := l.lastGroups[key]
	if !ok {
		g = uuid.NewString()
		l.lastGroups[key] = g
	}
	e.GroupUID = g
}

func (l *Logger) notifyEvent(ctx context.Context, kind model.NotifyKind, id int64, e model.Event) {
	l.bus.Send(ctx, kind, model.NotifyMessage{
		EventID:        int32(id),
		LocalUID:       e.LocalUID,
		RemoteUID:      e.RemoteUID,
		RemoteEbookUID: e.RemoteEbookUID,
		GroupUID:       e.GroupUID,
		Service:        e.Service,
	})
}

// CopyAttachment copies srcPath into the attachment store and records it
// against eventID.
func (l *Logger) CopyAttachment(ctx context.Context, eventID int64, srcPath, description string) (model.Attachment, error) {
	dstPath, err := l.attach.Copy(ctx, srcPath)
	if err != nil {
		return model.Attachment{}, err
	}
	id, err := l.store.AddAttachment(ctx, eventID, dstPath, description)
	if err != nil {
		return model.Attachment{}, err
	}
	return model.Attachment{ID: id, EventID: eventID, Path: dstPath, Description: description}, nil
}

// AddHeader attaches an arbitrary string header to an event.
func (l *Logger) AddHeader(ctx context.Context, eventID int64, name, value string) error {
	return l.store.AddHeader(ctx, eventID, name, value)
}

// SetFlag ORs a named flag's bit into an event's flag bitmask, resolving
// the flag name scoped to its service.
func (l *Logger) SetFlag(ctx context.Context, eventID, serviceID int64, flagName string) error {
	v := l.lc.Flag(serviceID, flagName)
	if v == lookup.NotFound {
		return errtax.New(errtax.Invalid, "unknown flag: "+flagName)
	}
	return l.store.SetFlags(ctx, eventID, v)
}

// UnsetFlag ANDs a named flag's bit out of an event's bitmask.
func (l *Logger) UnsetFlag(ctx context.Context, eventID, serviceID int64, flagName string) error {
	v := l.lc.Flag(serviceID, flagName)
	if v == lookup.NotFound {
		return errtax.New(errtax.Invalid, "unknown flag: "+flagName)
	}
	return l.store.ClearFlags(ctx, eventID, v)
}

// FlagsForService lists every flag name registered for a service.
func (l *Logger) FlagsForService(serviceID int64) []string {
	return l.lc.FlagsForService(serviceID)
}

// MarkRead sets a single event's read state.
func (l *Logger) MarkRead(ctx context.Context, eventID int64, read bool) error {
	if err := l.store.MarkRead(ctx, eventID, read); err != nil {
		return err
	}
	l.bus.Send(ctx, model.NotifyEventUpdated, model.NotifyMessage{EventID: int32(eventID)})
	return nil
}

// MarkReadBulk sets the read state of every event matching q.
func (l *Logger) MarkReadBulk(ctx context.Context, q *query.Query, read bool) (int64, error) {
	n, err := l.store.MarkReadBulk(ctx, q, read)
	if err != nil {
		return 0, err
	}
	l.bus.Send(ctx, model.NotifyRefreshHint, model.NotifyMessage{})
	return n, nil
}

// SetEndTime records when an ongoing event finished.
func (l *Logger) SetEndTime(ctx context.Context, eventID int64, end time.Time) error {
	return l.store.SetEndTime(ctx, eventID, end)
}

// BulkUpdateContact links the remote identified by (localUID, remoteUID)
// to an address-book entry, recording its ebook id and display name.
func (l *Logger) BulkUpdateContact(ctx context.Context, localUID, remoteUID, remoteEbookUID, remoteName string) error {
	if err := l.store.BulkUpdateContact(ctx, localUID, remoteUID, remoteEbookUID, remoteName); err != nil {
		return err
	}
	l.bus.Send(ctx, model.NotifyRefreshHint, model.NotifyMessage{})
	return nil
}

// ListLocalUIDs enumerates the local accounts that have logged an event
// for a service.
func (l *Logger) ListLocalUIDs(ctx context.Context, serviceID int64) ([]string, error) {
	return l.store.ListLocalUIDs(ctx, serviceID)
}

// DeleteByID removes a single event.
func (l *Logger) DeleteByID(ctx context.Context, eventID int64) error {
	if err := l.store.DeleteByID(ctx, eventID); err != nil {
		return err
	}
	l.bus.Send(ctx, model.NotifyEventDeleted, model.NotifyMessage{EventID: int32(eventID)})
	return nil
}

// DeleteByQuery removes every event matching q.
func (l *Logger) DeleteByQuery(ctx context.Context, q *query.Query) (int64, error) {
	n, err := l.store.DeleteByQuery(ctx, q)
	if err != nil {
		return 0, err
	}
	l.bus.Send(ctx, model.NotifyRefreshHint, model.NotifyMessage{})
	return n, nil
}

// DeleteByService removes every event logged against a service, along with
// that service's group-cache rows.
func (l *Logger) DeleteByService(ctx context.Context, serviceID int64) error {
	if err := l.store.DeleteByService(ctx, serviceID); err != nil {
		return err
	}
	l.bus.Send(ctx, model.NotifyRefreshHint, model.NotifyMessage{})
	return nil
}

// DeleteByGroup removes every event in a group and its group-cache row.
func (l *Logger) DeleteByGroup(ctx context.Context, groupUID string) error {
	if err := l.store.DeleteByGroup(ctx, groupUID); err != nil {
		return err
	}
	l.bus.Send(ctx, model.NotifyRefreshHint, model.NotifyMessage{})
	return nil
}

// DeleteAll truncates the event log.
func (l *Logger) DeleteAll(ctx context.Context) error {
	if err := l.store.DeleteAll(ctx); err != nil {
		return err
	}
	l.groupMu.Lock()
	l.lastGroups = make(map[string]string)
	l.groupMu.Unlock()
	l.bus.Send(ctx, model.NotifyAllDeleted, model.NotifyMessage{})
	return nil
}

// Count returns the number of events matching q.
func (l *Logger) Count(ctx context.Context, q *query.Query) (int64, error) {
	return l.store.Count(ctx, q)
}

// GroupInfo returns the cached aggregate for a single group.
func (l *Logger) GroupInfo(ctx context.Context, groupUID string) (model.GroupInfo, error) {
	return l.store.GroupInfo(ctx, groupUID)
}

// GroupMostRecent lists every group's aggregate for a service, newest
// first.
func (l *Logger) GroupMostRecent(ctx context.Context, serviceID int64) ([]model.GroupInfo, error) {
	return l.store.GroupMostRecent(ctx, serviceID)
}

// Query opens a non-atomic cursor over q, its attribute lookups routed
// through the installed providers (spec.md §4.6).
func (l *Logger) Query(ctx context.Context, q *query.Query) (*cursor.Cursor, error) {
	return cursor.Open(ctx, l.gw, q, plugin.RowResolver{Registry: l.registry}, false)
}

// QueryAtomic opens a cursor wrapped in a deferred transaction, so the
// result set it iterates cannot change underneath the caller.
func (l *Logger) QueryAtomic(ctx context.Context, q *query.Query) (*cursor.Cursor, error) {
	return cursor.Open(ctx, l.gw, q, plugin.RowResolver{Registry: l.registry}, true)
}

// Registry exposes the plugin registry for callers that want to inspect
// or extend the set of installed providers before further operations.
func (l *Logger) Registry() *plugin.Registry {
	return l.registry
}

// Lookup exposes the shared name-resolution cache.
func (l *Logger) Lookup() *lookup.Cache {
	return l.lc
}
