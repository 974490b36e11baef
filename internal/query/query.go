// Package query compiles a caller-supplied predicate list plus
// grouping/limit/offset into a single parameterized SQL statement with the
// canonical column projection of spec.md §4.5/§6 (C5, Query Compiler).
package query

import (
	"fmt"
	"strings"
	"time"

	"github.com/rtcom/eventlogger/internal/errtax"
)

// Operator is one of the predicate operators of spec.md §4.5.
type Operator int

const (
	Equal Operator = iota
	NotEqual
	Greater
	GreaterEqual
	Less
	LessEqual
	InStrv
	StrEndsWith
	StrLike
)

// Grouping selects how rows are grouped before projection (spec.md §4.5).
type Grouping int

const (
	// GroupNone returns one row per Event.
	GroupNone Grouping = iota
	// GroupByContact groups by a derived address-book-or-local-remote key.
	GroupByContact
	// GroupByUIDs groups by the (local, remote) pair.
	GroupByUIDs
	// GroupByGroup reads from the group-cache table, one row per group.
	GroupByGroup
)

// Predicate is a single (column, value, operator) triple.
type Predicate struct {
	Column   string
	Operator Operator
	Value    any
}

// Query holds a mutable predicate list, a limit (default unlimited), an
// offset (default zero), a grouping mode, and a caching hint with no
// semantic effect (spec.md §4.5).
type Query struct {
	Predicates []Predicate
	Limit      int
	Offset     int
	Grouping   Grouping
	Caching    bool

	whereSQL  string
	whereArgs []any
}

// New builds an empty query: no predicates, unlimited, no grouping.
func New() *Query {
	return &Query{Limit: -1, Offset: 0, Grouping: GroupNone}
}

// Where appends a predicate and returns the query for chaining.
func (q *Query) Where(column string, op Operator, value any) *Query {
	q.Predicates = append(q.Predicates, Predicate{Column: column, Operator: op, Value: value})
	return q
}

// UnreadSince seeds a query for "every unread event at or after t",
// supplementing the compiler with the original implementation's canned
// pending-events query (SPEC_FULL.md §4).
func UnreadSince(t time.Time) *Query {
	return New().Where("is-read", Equal, false).Where("storage-time", GreaterEqual, t.Unix())
}

// columnExpr maps an API-side column name to the SQL expression that
// computes it over the canonical join.
var columnExpr = map[string]string{
	"service":          "services.name",
	"event-type":       "event_types.name",
	"id":               "events.id",
	"service-id":       "events.service_id",
	"event-type-id":    "events.event_type_id",
	"storage-time":     "events.storage_time",
	"start-time":       "events.start_time",
	"end-time":         "events.end_time",
	"flags":            "events.flags",
	"is-read":          "events.is_read",
	"bytes-sent":       "events.bytes_sent",
	"bytes-received":   "events.bytes_received",
	"local-uid":        "events.local_uid",
	"local-name":       "events.local_name",
	"group-uid":        "events.group_uid",
	"remote-ebook-uid": "remotes.remote_ebook_uid",
	"remote-uid":       "events.remote_uid",
	"remote-name":      "remotes.remote_name",
	"message-token":    "headers.value",
	"channel":          "events.channel",
	"outgoing":         "events.outgoing",
	"free-text":        "events.free_text",
}

// stringColumns is the subset of columnExpr whose values are text, and so
// may use IN_STRV / STR_ENDS_WITH / STR_LIKE.
var stringColumns = map[string]bool{
	"service": true, "event-type": true, "local-uid": true, "local-name": true,
	"group-uid": true, "remote-ebook-uid": true, "remote-uid": true,
	"remote-name": true, "message-token": true, "channel": true, "free-text": true,
}

// noSuffixOrLike are the string columns spec.md §4.5 excludes from
// STR_ENDS_WITH and STR_LIKE.
var noSuffixOrLike = map[string]bool{"service": true, "event-type": true}

// projection is the fixed 23-expression column list of spec.md §6 (22
// named attributes plus the derived "unique-remote" key). spec.md §4.5
// separately describes "a fixed tuple of 23 named expressions plus a
// derived unique-remote key"; this implementation follows the explicit
// column list of §6, which enumerates 22 named attributes — see
// DESIGN.md for that reconciliation.
var projection = []string{
	`services.name AS "service"`,
	`event_types.name AS "event-type"`,
	`events.id AS "id"`,
	`events.service_id AS "service-id"`,
	`events.event_type_id AS "event-type-id"`,
	`events.storage_time AS "storage-time"`,
	`events.start_time AS "start-time"`,
	`events.end_time AS "end-time"`,
	`events.flags AS "flags"`,
	`events.is_read AS "is-read"`,
	`events.bytes_sent AS "bytes-sent"`,
	`events.bytes_received AS "bytes-received"`,
	`events.local_uid AS "local-uid"`,
	`events.local_name AS "local-name"`,
	`events.group_uid AS "group-uid"`,
	`remotes.remote_ebook_uid AS "remote-ebook-uid"`,
	`events.remote_uid AS "remote-uid"`,
	`remotes.remote_name AS "remote-name"`,
	`headers.value AS "message-token"`,
	`events.channel AS "channel"`,
	`events.outgoing AS "outgoing"`,
	`events.free_text AS "free-text"`,
	`CASE WHEN remotes.remote_ebook_uid IS NOT NULL AND remotes.remote_ebook_uid != '' ` +
		`THEN 'address-book:' || remotes.remote_ebook_uid ` +
		`ELSE 'local-remote:' || events.local_uid || ';' || events.remote_uid END AS "unique-remote"`,
}

// ColumnNames lists the attribute names the cursor materializes per row,
// in projection order (including the derived "unique-remote" key).
func ColumnNames() []string {
	names := make([]string, len(projection))
	for i, expr := range projection {
		start := strings.LastIndex(expr, `AS "`) + len(`AS "`)
		names[i] = expr[start : len(expr)-1]
	}
	return names
}

const canonicalJoin = `
	FROM events
	JOIN services ON services.id = events.service_id
	JOIN event_types ON event_types.id = events.event_type_id
	LEFT JOIN remotes ON remotes.local_uid = events.local_uid AND remotes.remote_uid = events.remote_uid
	LEFT JOIN headers ON headers.event_id = events.id AND headers.name = 'message-token'
`

const groupJoin = `
	FROM group_cache
	JOIN events ON events.id = group_cache.event_id
	JOIN services ON services.id = events.service_id
	JOIN event_types ON event_types.id = events.event_type_id
	LEFT JOIN remotes ON remotes.local_uid = events.local_uid AND remotes.remote_uid = events.remote_uid
	LEFT JOIN headers ON headers.event_id = events.id AND headers.name = 'message-token'
`

// Prepare rebuilds the WHERE clause from the current predicate list.
// Compile and Refresh both call it implicitly; callers may call it
// directly after mutating q.Predicates.
func (q *Query) Prepare() error {
	var clauses []string
	var args []any
	for _, p := range q.Predicates {
		clause, clauseArgs, err := compilePredicate(p)
		if err != nil {
			return err
		}
		clauses = append(clauses, clause)
		args = append(args, clauseArgs...)
	}
	if len(clauses) == 0 {
		q.whereSQL = "1 = 1"
	} else {
		q.whereSQL = strings.Join(clauses, " AND ")
	}
	q.whereArgs = args
	return nil
}

// Compile builds the full SELECT statement and its bound arguments.
func Compile(q *Query) (string, []any, error) {
	if q.whereSQL == "" {
		if err := q.Prepare(); err != nil {
			return "", nil, err
		}
	}
	return q.Refresh()
}

// Refresh re-emits the full statement using the cached WHERE clause, after
// the caller changes Limit, Offset, or Grouping.
func (q *Query) Refresh() (string, []any, error) {
	if q.whereSQL == "" {
		if err := q.Prepare(); err != nil {
			return "", nil, err
		}
	}

	join := canonicalJoin
	if q.Grouping == GroupByGroup {
		join = groupJoin
	}

	var sql string
	switch q.Grouping {
	case GroupByContact, GroupByUIDs:
		key := `"unique-remote"`
		if q.Grouping == GroupByUIDs {
			key = `events.local_uid || ';' || events.remote_uid`
		}
		sql = fmt.Sprintf(`
			WITH ranked AS (
				SELECT %s, ROW_NUMBER() OVER (PARTITION BY %s ORDER BY events.id DESC) AS rn
				%s
				WHERE %s
			)
			SELECT %s FROM ranked WHERE rn = 1 ORDER BY id DESC
		`, strings.Join(projection, ", "), key, join, q.whereSQL, quotedColumnList())
	default:
		sql = fmt.Sprintf(`SELECT %s %s WHERE %s ORDER BY events.id DESC`,
			strings.Join(projection, ", "), join, q.whereSQL)
	}

	sql += limitOffsetClause(q.Limit, q.Offset)
	return sql, q.whereArgs, nil
}

// CompileIDSubquery builds "SELECT events.id FROM <canonical join> WHERE
// <predicates>" for q, ignoring grouping/limit/offset. Delete operations
// use it to resolve a predicate list expressed against the joined
// projection (e.g. "remote-name") into the plain events.id values a
// DELETE statement can act on (SPEC_FULL.md §5, internal/eventstore).
func CompileIDSubquery(q *Query) (string, []any, error) {
	if q.whereSQL == "" {
		if err := q.Prepare(); err != nil {
			return "", nil, err
		}
	}
	sql := fmt.Sprintf(`SELECT events.id %s WHERE %s`, canonicalJoin, q.whereSQL)
	return sql, q.whereArgs, nil
}

func quotedColumnList() string {
	names := ColumnNames()
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = `"` + n + `"`
	}
	return strings.Join(quoted, ", ")
}

// limitOffsetClause renders limit/offset per spec.md §8's boundary rules:
// limit=0 returns no rows, limit=-1 (the default) returns all rows.
func limitOffsetClause(limit, offset int) string {
	if limit < 0 {
		if offset > 0 {
			return fmt.Sprintf(" LIMIT -1 OFFSET %d", offset)
		}
		return ""
	}
	return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
}

func compilePredicate(p Predicate) (string, []any, error) {
	expr, ok := columnExpr[p.Column]
	if !ok {
		return "", nil, errtax.New(errtax.Invalid, "unknown predicate column: "+p.Column)
	}
	isString := stringColumns[p.Column]

	switch p.Operator {
	case Equal:
		return expr + " = ?", []any{p.Value}, nil
	case NotEqual:
		return expr + " <> ?", []any{p.Value}, nil
	case Greater:
		return expr + " > ?", []any{p.Value}, nil
	case GreaterEqual:
		return expr + " >= ?", []any{p.Value}, nil
	case Less:
		return expr + " < ?", []any{p.Value}, nil
	case LessEqual:
		return expr + " <= ?", []any{p.Value}, nil
	case InStrv:
		if !isString {
			return "", nil, errtax.New(errtax.Invalid, "IN_STRV is only applicable to string columns")
		}
		values, ok := p.Value.([]string)
		if !ok {
			return "", nil, errtax.New(errtax.Invalid, "IN_STRV requires a []string value")
		}
		if len(values) == 0 {
			return "0 = 1", nil, nil
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(values)), ",")
		args := make([]any, len(values))
		for i, v := range values {
			args[i] = v
		}
		return expr + " IN (" + placeholders + ")", args, nil
	case StrEndsWith:
		if !isString || noSuffixOrLike[p.Column] {
			return "", nil, errtax.New(errtax.Invalid, "STR_ENDS_WITH is not applicable to column "+p.Column)
		}
		value, ok := p.Value.(string)
		if !ok {
			return "", nil, errtax.New(errtax.Invalid, "STR_ENDS_WITH requires a string value")
		}
		return expr + " GLOB ?", []any{"*" + escapeGlob(value)}, nil
	case StrLike:
		if !isString || noSuffixOrLike[p.Column] {
			return "", nil, errtax.New(errtax.Invalid, "STR_LIKE is not applicable to column "+p.Column)
		}
		value, ok := p.Value.(string)
		if !ok {
			return "", nil, errtax.New(errtax.Invalid, "STR_LIKE requires a string value")
		}
		return expr + ` LIKE ? ESCAPE '\'`, []any{"%" + escapeLike(value) + "%"}, nil
	default:
		return "", nil, errtax.New(errtax.Invalid, "unknown predicate operator")
	}
}

func escapeGlob(value string) string {
	var b strings.Builder
	for _, r := range value {
		switch r {
		case '*', '?', '[', ']':
			b.WriteByte('[')
			b.WriteRune(r)
			b.WriteByte(']')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func escapeLike(value string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(value)
}
