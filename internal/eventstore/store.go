// Package eventstore implements the event-log's write and aggregate-read
// surface (spec.md §4.4, C4): inserting events with their remotes,
// headers, and attachments; mutating read state and flags; the delete
// family, each kept in sync with the group cache (C7); and the
// supplemented contact and local-uid listing operations of SPEC_FULL.md
// §4.
package eventstore

import (
	"context"
	"time"

	"github.com/rtcom/eventlogger/internal/dbengine"
	"github.com/rtcom/eventlogger/internal/errtax"
	"github.com/rtcom/eventlogger/internal/groupcache"
	"github.com/rtcom/eventlogger/internal/legacycompat"
	"github.com/rtcom/eventlogger/internal/lookup"
	"github.com/rtcom/eventlogger/internal/model"
	"github.com/rtcom/eventlogger/internal/query"
)

// Store drives event-table writes against a Gateway, resolving service and
// event-type names through a shared lookup Cache.
type Store struct {
	gw *dbengine.Gateway
	lc *lookup.Cache
}

// New builds a Store over an already-bootstrapped Gateway and a loaded
// lookup Cache.
func New(gw *dbengine.Gateway, lc *lookup.Cache) *Store {
	return &Store{gw: gw, lc: lc}
}

// Insert resolves e's service/event-type names (applying the legacy
// inbound/outbound rewrite of spec.md §9 when the caller used a
// deprecated name), upserts its remote-party identity, and inserts the
// event row. It returns the new event's id.
func (s *Store) Insert(ctx context.Context, e model.Event) (int64, error) {
	id, err := s.insert(ctx, e, nil, nil)
	return id, err
}

// InsertFull is Insert plus the event's headers and attachments, all
// under one transaction (spec.md §4.4 "add_event_full").
func (s *Store) InsertFull(ctx context.Context, e model.Event, headers []model.Header, attachments []model.Attachment) (int64, error) {
	return s.insert(ctx, e, headers, attachments)
}

func (s *Store) insert(ctx context.Context, e model.Event, headers []model.Header, attachments []model.Attachment) (int64, error) {
	started, err := s.gw.Begin(ctx, false)
	if err != nil {
		return 0, err
	}
	if started {
		defer func() {
			if started {
				_ = s.gw.Rollback()
			}
		}()
	}

	serviceID, eventTypeID, outgoing, err := s.resolveTypes(e)
	if err != nil {
		return 0, err
	}

	if e.RemoteUID != "" {
		if err := s.upsertRemote(ctx, e.LocalUID, e.RemoteUID, e.RemoteName, e.RemoteEbookUID); err != nil {
			return 0, err
		}
	}

	var endTime any
	if e.EndTime != nil {
		endTime = e.EndTime.Unix()
	}

	res, err := s.gw.Exec(ctx, `
		INSERT INTO events(
			service_id, event_type_id, storage_time, start_time, end_time,
			is_read, outgoing, flags, bytes_sent, bytes_received,
			local_uid, local_name, remote_uid, channel, free_text, group_uid
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, serviceID, eventTypeID, e.StorageTime.Unix(), e.StartTime.Unix(), endTime,
		e.IsRead, outgoing || e.Outgoing, e.Flags, e.BytesSent, e.BytesReceived,
		e.LocalUID, nullIfEmpty(e.LocalName), e.RemoteUID, nullIfEmpty(e.Channel),
		nullIfEmpty(e.FreeText), nullIfEmpty(e.GroupUID))
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errtax.Wrap(errtax.Internal, "read last insert id", err)
	}

	for _, h := range headers {
		if _, err := s.gw.Exec(ctx, `
			INSERT INTO headers(event_id, name, value) VALUES (?, ?, ?)
			ON CONFLICT(event_id, name) DO UPDATE SET value = excluded.value
		`, id, h.Name, h.Value); err != nil {
			return 0, err
		}
	}
	for _, a := range attachments {
		if _, err := s.gw.Exec(ctx, `
			INSERT INTO attachments(event_id, path, description) VALUES (?, ?, ?)
		`, id, a.Path, nullIfEmpty(a.Description)); err != nil {
			return 0, err
		}
	}

	if started {
		if err := s.gw.Commit(); err != nil {
			return 0, err
		}
		started = false
	}
	return id, nil
}

// resolveTypes maps e's Service/EventType names to ids, folding a
// deprecated event-type name into its current name plus outgoing bit.
func (s *Store) resolveTypes(e model.Event) (serviceID, eventTypeID int64, outgoing bool, err error) {
	serviceID = e.ServiceID
	if e.Service != "" {
		serviceID = s.lc.Service(e.Service)
	}
	if serviceID == lookup.NotFound {
		return 0, 0, false, errtax.New(errtax.Invalid, "unknown service: "+e.Service)
	}

	typeName := e.EventType
	if rewritten, forceOutgoing, did := legacycompat.Rewrite(typeName); did {
		typeName = rewritten
		outgoing = forceOutgoing
	}
	eventTypeID = e.EventTypeID
	if typeName != "" {
		eventTypeID = s.lc.EventType(typeName)
	}
	if eventTypeID == lookup.NotFound {
		return 0, 0, false, errtax.New(errtax.Invalid, "unknown event type: "+e.EventType)
	}
	return serviceID, eventTypeID, outgoing, nil
}

func (s *Store) upsertRemote(ctx context.Context, localUID, remoteUID, remoteName, remoteEbookUID string) error {
	_, err := s.gw.Exec(ctx, `
		INSERT INTO remotes(local_uid, remote_uid, remote_name, remote_ebook_uid)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(local_uid, remote_uid) DO UPDATE SET
			remote_name = COALESCE(NULLIF(excluded.remote_name, ''), remotes.remote_name),
			remote_ebook_uid = COALESCE(NULLIF(excluded.remote_ebook_uid, ''), remotes.remote_ebook_uid)
	`, localUID, remoteUID, nullIfEmpty(remoteName), nullIfEmpty(remoteEbookUID))
	return err
}

// BulkUpdateContact overwrites the address-book id and display name of the
// remote identified by (localUID, remoteUID), the contact-sync path the
// original implementation exposes as rtcom_el_update_remote_contacts
// (SPEC_FULL.md §4, supplemented feature). It is keyed on the same
// (local_uid, remote_uid) pair upsertRemote uses, not on the ebook id
// being assigned, since a remote often has no ebook id yet when the
// address book first links it to a contact.
func (s *Store) BulkUpdateContact(ctx context.Context, localUID, remoteUID, remoteEbookUID, remoteName string) error {
	_, err := s.gw.Exec(ctx, `
		UPDATE remotes SET remote_ebook_uid = ?, remote_name = ?
		WHERE local_uid = ? AND remote_uid = ?
	`, remoteEbookUID, remoteName, localUID, remoteUID)
	return err
}

// ListLocalUIDs enumerates the distinct local accounts that have ever
// logged an event for a service (SPEC_FULL.md §4, supplemented feature).
func (s *Store) ListLocalUIDs(ctx context.Context, serviceID int64) ([]string, error) {
	rows, err := s.gw.Query(ctx, `SELECT DISTINCT local_uid FROM events WHERE service_id = ? ORDER BY local_uid`, serviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var uids []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, errtax.Wrap(errtax.Internal, "scan local uid", err)
		}
		uids = append(uids, uid)
	}
	if err := rows.Err(); err != nil {
		return nil, errtax.Wrap(errtax.Internal, "iterate local uids", err)
	}
	return uids, nil
}

// SetFlags ORs bits into an event's flag bitmask.
func (s *Store) SetFlags(ctx context.Context, id, flags int64) error {
	_, err := s.gw.Exec(ctx, `UPDATE events SET flags = flags | ? WHERE id = ?`, flags, id)
	return err
}

// ClearFlags ANDs bits out of an event's flag bitmask.
func (s *Store) ClearFlags(ctx context.Context, id, flags int64) error {
	_, err := s.gw.Exec(ctx, `UPDATE events SET flags = flags & ~? WHERE id = ?`, flags, id)
	return err
}

// MarkRead sets a single event's read state.
func (s *Store) MarkRead(ctx context.Context, id int64, read bool) error {
	_, err := s.gw.Exec(ctx, `UPDATE events SET is_read = ? WHERE id = ?`, read, id)
	return err
}

// MarkReadBulk sets the read state of every event matching q (spec.md
// §4.4 "set_all_read").
func (s *Store) MarkReadBulk(ctx context.Context, q *query.Query, read bool) (int64, error) {
	idsSQL, args, err := query.CompileIDSubquery(q)
	if err != nil {
		return 0, err
	}
	res, err := s.gw.Exec(ctx, `UPDATE events SET is_read = ? WHERE id IN (`+idsSQL+`)`, append([]any{read}, args...)...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errtax.Wrap(errtax.Internal, "read rows affected", err)
	}
	return n, nil
}

// SetEndTime records when an ongoing event (e.g. a call) finished.
func (s *Store) SetEndTime(ctx context.Context, id int64, end time.Time) error {
	_, err := s.gw.Exec(ctx, `UPDATE events SET end_time = ? WHERE id = ?`, end.Unix(), id)
	return err
}

// AddHeader attaches (or overwrites) a single header on an event.
func (s *Store) AddHeader(ctx context.Context, eventID int64, name, value string) error {
	_, err := s.gw.Exec(ctx, `
		INSERT INTO headers(event_id, name, value) VALUES (?, ?, ?)
		ON CONFLICT(event_id, name) DO UPDATE SET value = excluded.value
	`, eventID, name, value)
	return err
}

// AddAttachment records a file already copied into the attachment store
// against an event, returning the new attachment id.
func (s *Store) AddAttachment(ctx context.Context, eventID int64, path, description string) (int64, error) {
	res, err := s.gw.Exec(ctx, `INSERT INTO attachments(event_id, path, description) VALUES (?, ?, ?)`,
		eventID, path, nullIfEmpty(description))
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errtax.Wrap(errtax.Internal, "read last insert id", err)
	}
	return id, nil
}

// DeleteByID removes a single event and repairs its group cache entry.
func (s *Store) DeleteByID(ctx context.Context, id int64) error {
	return s.delete(ctx, "id = ?", []any{id})
}

// DeleteByQuery removes every event matching q and repairs every group
// cache entry the deletion could have emptied.
func (s *Store) DeleteByQuery(ctx context.Context, q *query.Query) (int64, error) {
	idsSQL, args, err := query.CompileIDSubquery(q)
	if err != nil {
		return 0, err
	}
	return s.deleteCounted(ctx, "id IN ("+idsSQL+")", args)
}

// DeleteByService removes every event logged against a service.
func (s *Store) DeleteByService(ctx context.Context, serviceID int64) error {
	return s.delete(ctx, "service_id = ?", []any{serviceID})
}

// DeleteByGroup removes every event in a group.
func (s *Store) DeleteByGroup(ctx context.Context, groupUID string) error {
	return s.delete(ctx, "group_uid = ?", []any{groupUID})
}

// DeleteAll truncates the event log (spec.md §4.4 "delete_all").
func (s *Store) DeleteAll(ctx context.Context) error {
	return s.delete(ctx, "1 = 1", nil)
}

func (s *Store) delete(ctx context.Context, whereSQL string, args []any) error {
	_, err := s.deleteCounted(ctx, whereSQL, args)
	return err
}

func (s *Store) deleteCounted(ctx context.Context, whereSQL string, args []any) (int64, error) {
	started, err := s.gw.Begin(ctx, false)
	if err != nil {
		return 0, err
	}
	if started {
		defer func() {
			if started {
				_ = s.gw.Rollback()
			}
		}()
	}

	groups, err := groupcache.AffectedGroups(ctx, s.gw, whereSQL, args)
	if err != nil {
		return 0, err
	}

	res, err := s.gw.Exec(ctx, "DELETE FROM events WHERE "+whereSQL, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errtax.Wrap(errtax.Internal, "read rows affected", err)
	}

	if err := groupcache.Repair(ctx, s.gw, groups); err != nil {
		return 0, err
	}

	if started {
		if err := s.gw.Commit(); err != nil {
			return 0, err
		}
		started = false
	}
	return n, nil
}

// Count returns the number of events matching q.
func (s *Store) Count(ctx context.Context, q *query.Query) (int64, error) {
	counted := query.New()
	counted.Predicates = q.Predicates
	counted.Grouping = q.Grouping
	idsSQL, args, err := query.CompileIDSubquery(counted)
	if err != nil {
		return 0, err
	}
	row := s.gw.QueryRow(ctx, "SELECT COUNT(*) FROM ("+idsSQL+")", args...)
	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, errtax.Wrap(errtax.Internal, "scan count", err)
	}
	return n, nil
}

// GroupInfo returns the cached aggregate for a single group, projecting
// read_events into Unread = total - read per spec.md §4.4.
func (s *Store) GroupInfo(ctx context.Context, groupUID string) (model.GroupInfo, error) {
	row := s.gw.QueryRow(ctx, `
		SELECT group_uid, total_events, read_events, flags, event_id
		FROM group_cache WHERE group_uid = ?
	`, groupUID)
	var g model.GroupInfo
	var readEvents int64
	if err := row.Scan(&g.GroupUID, &g.Total, &readEvents, &g.Flags, &g.EventID); err != nil {
		return model.GroupInfo{}, errtax.Wrap(errtax.Internal, "scan group info", err)
	}
	g.Unread = g.Total - readEvents
	return g, nil
}

// GroupMostRecent lists every group's aggregate, most recently active
// first (spec.md §4.4 "get_groups").
func (s *Store) GroupMostRecent(ctx context.Context, serviceID int64) ([]model.GroupInfo, error) {
	rows, err := s.gw.Query(ctx, `
		SELECT group_uid, total_events, read_events, flags, event_id
		FROM group_cache WHERE service_id = ? ORDER BY event_id DESC
	`, serviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.GroupInfo
	for rows.Next() {
		var g model.GroupInfo
		var readEvents int64
		if err := rows.Scan(&g.GroupUID, &g.Total, &readEvents, &g.Flags, &g.EventID); err != nil {
			return nil, errtax.Wrap(errtax.Internal, "scan group info", err)
		}
		g.Unread = g.Total - readEvents
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, errtax.Wrap(errtax.Internal, "iterate group info", err)
	}
	return out, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
