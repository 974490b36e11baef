// Package cursor implements the row cursor returned by a compiled query
// (spec.md §4.6, C6): lazy per-row attribute materialization, a
// plugin-pluggable attribute hook, attachment sub-iteration, and an
// "atomic" mode that wraps iteration in a deferred transaction so the
// result set cannot change underneath the caller mid-scan.
package cursor

import (
	"context"
	"database/sql"

	"github.com/rtcom/eventlogger/internal/dbengine"
	"github.com/rtcom/eventlogger/internal/errtax"
	"github.com/rtcom/eventlogger/internal/model"
	"github.com/rtcom/eventlogger/internal/query"
)

// Resolver is the plugin attribute hook: given the raw row already
// materialized by the cursor, it may compute a derived value for column
// that takes precedence over the raw projected value (spec.md §4.6,
// "get_value" hook; SPEC_FULL.md §5 internal/plugin).
type Resolver interface {
	GetValue(row map[string]any, column string) (value any, ok bool)
}

// Cursor iterates the rows produced by a compiled Query.
type Cursor struct {
	gw       *dbengine.Gateway
	rows     *sql.Rows
	columns  []string
	resolver Resolver
	atomic   bool
	current  map[string]any
	done     bool
}

// Open compiles q and begins iterating it. When atomic is true, iteration
// runs inside a deferred (non-exclusive) transaction: Close commits if the
// cursor was exhausted normally and rolls back otherwise, so a caller that
// abandons a partial scan never leaves a stray read transaction open.
func Open(ctx context.Context, gw *dbengine.Gateway, q *query.Query, resolver Resolver, atomic bool) (*Cursor, error) {
	if atomic {
		if _, err := gw.Begin(ctx, false); err != nil {
			return nil, err
		}
	}

	sqlText, args, err := query.Compile(q)
	if err != nil {
		if atomic {
			_ = gw.Rollback()
		}
		return nil, err
	}

	rows, err := gw.Query(ctx, sqlText, args...)
	if err != nil {
		if atomic {
			_ = gw.Rollback()
		}
		return nil, err
	}

	return &Cursor{
		gw:       gw,
		rows:     rows,
		columns:  query.ColumnNames(),
		resolver: resolver,
		atomic:   atomic,
	}, nil
}

// Next advances to the next row, materializing its attribute map. It
// returns false, nil once the result set is exhausted.
func (c *Cursor) Next() (bool, error) {
	if c.done {
		return false, nil
	}
	if !c.rows.Next() {
		if err := c.rows.Err(); err != nil {
			return false, errtax.Wrap(errtax.Internal, "iterate cursor rows", err)
		}
		c.done = true
		c.current = nil
		return false, nil
	}

	values := make([]any, len(c.columns))
	pointers := make([]any, len(c.columns))
	for i := range values {
		pointers[i] = &values[i]
	}
	if err := c.rows.Scan(pointers...); err != nil {
		return false, errtax.Wrap(errtax.Internal, "scan cursor row", err)
	}

	row := make(map[string]any, len(c.columns))
	for i, name := range c.columns {
		row[name] = values[i]
	}
	c.current = row
	return true, nil
}

// Value returns a single attribute of the current row. If a Resolver was
// supplied and claims the column, its value wins over the raw projection;
// this lets a plugin compute e.g. a contact display name a service alone
// can't derive from the canonical join.
func (c *Cursor) Value(column string) (any, bool) {
	if c.current == nil {
		return nil, false
	}
	if c.resolver != nil {
		if v, ok := c.resolver.GetValue(c.current, column); ok {
			return v, true
		}
	}
	v, ok := c.current[column]
	return v, ok
}

// Row returns a copy of every attribute materialized for the current row.
func (c *Cursor) Row() map[string]any {
	row := make(map[string]any, len(c.current))
	for k, v := range c.current {
		row[k] = v
	}
	return row
}

// Attachments loads the attachment rows for the current row's event id
// (spec.md §4.6 attachment sub-iteration).
func (c *Cursor) Attachments(ctx context.Context) ([]model.Attachment, error) {
	id, ok := c.current["id"]
	if !ok {
		return nil, errtax.New(errtax.Invalid, "Attachments called with no current row")
	}
	eventID, ok := id.(int64)
	if !ok {
		return nil, errtax.New(errtax.Internal, "event id column has unexpected type")
	}

	rows, err := c.gw.Query(ctx, `SELECT id, event_id, path, COALESCE(description, '') FROM attachments WHERE event_id = ? ORDER BY id`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Attachment
	for rows.Next() {
		var a model.Attachment
		if err := rows.Scan(&a.ID, &a.EventID, &a.Path, &a.Description); err != nil {
			return nil, errtax.Wrap(errtax.Internal, "scan attachment row", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errtax.Wrap(errtax.Internal, "iterate attachment rows", err)
	}
	return out, nil
}

// Close releases the underlying statement and, for an atomic cursor,
// ends the deferred transaction: commit if iteration ran to completion,
// rollback if the caller is abandoning a partial scan.
func (c *Cursor) Close() error {
	err := c.rows.Close()
	if !c.atomic {
		if err != nil {
			return errtax.Wrap(errtax.Internal, "close cursor rows", err)
		}
		return nil
	}
	if c.done {
		if commitErr := c.gw.Commit(); commitErr != nil {
			return commitErr
		}
	} else {
		if rollbackErr := c.gw.Rollback(); rollbackErr != nil {
			return rollbackErr
		}
	}
	if err != nil {
		return errtax.Wrap(errtax.Internal, "close cursor rows", err)
	}
	return nil
}
