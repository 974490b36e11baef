// Package groupcache implements the explicit repair half of the
// group-cache maintenance described in spec.md §4.7: the trigger-driven
// half (seed-on-insert, advance-on-insert, adjust-on-update) lives as DDL
// in internal/schema, since those three paths never need to leave SQL.
// Deletions, which can remove a group's last event and must garbage
// collect its cache row, are repaired explicitly here instead.
package groupcache

import (
	"context"
	"database/sql"
	"errors"

	"github.com/rtcom/eventlogger/internal/dbengine"
	"github.com/rtcom/eventlogger/internal/errtax"
)

// AffectedGroups collects the distinct, non-null group ids among the rows
// a caller is about to delete, so Repair can be run against exactly the
// groups the deletion might have emptied.
func AffectedGroups(ctx context.Context, gw *dbengine.Gateway, whereSQL string, args []any) ([]string, error) {
	query := `SELECT DISTINCT group_uid FROM events WHERE group_uid IS NOT NULL AND (` + whereSQL + `)`
	rows, err := gw.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, errtax.Wrap(errtax.Internal, "scan affected group", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, errtax.Wrap(errtax.Internal, "iterate affected groups", err)
	}
	return groups, nil
}

// Repair recomputes the group_cache row for each group id in groupUIDs
// from the Events table as it stands after the caller's deletion, and
// removes the cache row for any group that no longer has events
// (spec.md §4.7, explicit repair steps 3-4).
func Repair(ctx context.Context, gw *dbengine.Gateway, groupUIDs []string) error {
	for _, g := range dedupe(groupUIDs) {
		serviceID, newestID, total, read, flags, any, err := aggregate(ctx, gw, g)
		if err != nil {
			return err
		}
		if !any {
			if _, err := gw.Exec(ctx, `DELETE FROM group_cache WHERE group_uid = ?`, g); err != nil {
				return err
			}
			continue
		}
		if _, err := gw.Exec(ctx, `
			INSERT INTO group_cache(service_id, group_uid, event_id, total_events, read_events, flags)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(service_id, group_uid) DO UPDATE SET
				event_id = excluded.event_id,
				total_events = excluded.total_events,
				read_events = excluded.read_events,
				flags = excluded.flags
		`, serviceID, g, newestID, total, read, flags); err != nil {
			return err
		}
	}
	return nil
}

func aggregate(ctx context.Context, gw *dbengine.Gateway, groupUID string) (serviceID, newestID, total, read, flags int64, any bool, err error) {
	row := gw.QueryRow(ctx, `
		SELECT service_id, id FROM events
		WHERE group_uid = ?
		ORDER BY id DESC LIMIT 1
	`, groupUID)
	if scanErr := row.Scan(&serviceID, &newestID); scanErr != nil {
		if errors.Is(scanErr, sql.ErrNoRows) {
			return 0, 0, 0, 0, 0, false, nil
		}
		return 0, 0, 0, 0, 0, false, errtax.Wrap(errtax.Internal, "scan newest group event", scanErr)
	}

	countRow := gw.QueryRow(ctx, `SELECT COUNT(*), SUM(is_read) FROM events WHERE group_uid = ?`, groupUID)
	if scanErr := countRow.Scan(&total, &read); scanErr != nil {
		return 0, 0, 0, 0, 0, false, errtax.Wrap(errtax.Internal, "scan group counters", scanErr)
	}

	rows, queryErr := gw.Query(ctx, `SELECT flags FROM events WHERE group_uid = ?`, groupUID)
	if queryErr != nil {
		return 0, 0, 0, 0, 0, false, queryErr
	}
	defer rows.Close()
	for rows.Next() {
		var f int64
		if scanErr := rows.Scan(&f); scanErr != nil {
			return 0, 0, 0, 0, 0, false, errtax.Wrap(errtax.Internal, "scan group flags", scanErr)
		}
		flags |= f
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return 0, 0, 0, 0, 0, false, errtax.Wrap(errtax.Internal, "iterate group flags", rowsErr)
	}
	return serviceID, newestID, total, read, flags, true, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
