package query

import (
	"testing"
	"time"
)

func fixedTime() time.Time {
	return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
}

func TestCompileNoPredicates(t *testing.T) {
	q := New()
	sql, args, err := Compile(q)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(args) != 0 {
		t.Fatalf("expected no args, got %v", args)
	}
	if !contains(sql, "ORDER BY events.id DESC") {
		t.Fatalf("expected deterministic ordering, got %q", sql)
	}
	if contains(sql, "LIMIT") {
		t.Fatalf("unlimited query should not emit LIMIT, got %q", sql)
	}
}

func TestCompileEqualPredicate(t *testing.T) {
	q := New().Where("service", Equal, "RTCOM_EL_SERVICE_CHAT")
	sql, args, err := Compile(q)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(args) != 1 || args[0] != "RTCOM_EL_SERVICE_CHAT" {
		t.Fatalf("expected one bound arg, got %v", args)
	}
	if !contains(sql, "services.name = ?") {
		t.Fatalf("expected predicate on services.name, got %q", sql)
	}
}

func TestLimitZeroReturnsNoRows(t *testing.T) {
	q := New()
	q.Limit = 0
	sql, _, err := Compile(q)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !contains(sql, "LIMIT 0") {
		t.Fatalf("expected LIMIT 0, got %q", sql)
	}
}

func TestStrEndsWithRejectsServiceColumn(t *testing.T) {
	q := New().Where("service", StrEndsWith, "CHAT")
	if _, _, err := Compile(q); err == nil {
		t.Fatal("expected an error for STR_ENDS_WITH on the service column")
	}
}

func TestInStrvRejectsNumericColumn(t *testing.T) {
	q := New().Where("id", InStrv, []string{"1", "2"})
	if _, _, err := Compile(q); err == nil {
		t.Fatal("expected an error for IN_STRV on a numeric column")
	}
}

func TestUnknownColumnRejected(t *testing.T) {
	q := New().Where("not-a-real-column", Equal, 1)
	if _, _, err := Compile(q); err == nil {
		t.Fatal("expected an error for an unknown column")
	}
}

func TestGroupingModesChangeShape(t *testing.T) {
	for _, g := range []Grouping{GroupNone, GroupByContact, GroupByUIDs, GroupByGroup} {
		q := New()
		q.Grouping = g
		sql, _, err := Compile(q)
		if err != nil {
			t.Fatalf("Compile(%v): %v", g, err)
		}
		if sql == "" {
			t.Fatalf("Compile(%v) produced empty SQL", g)
		}
	}
	byContact, _, _ := Compile(&Query{Grouping: GroupByContact, Limit: -1})
	none, _, _ := Compile(&Query{Grouping: GroupNone, Limit: -1})
	if byContact == none {
		t.Fatal("expected grouped and ungrouped SQL to differ")
	}
}

func TestUnreadSinceSeedsExpectedPredicates(t *testing.T) {
	q := UnreadSince(fixedTime())
	if len(q.Predicates) != 2 {
		t.Fatalf("expected 2 seeded predicates, got %d", len(q.Predicates))
	}
	if q.Predicates[0].Column != "is-read" || q.Predicates[0].Value != false {
		t.Fatalf("expected is-read=false first, got %+v", q.Predicates[0])
	}
}

func TestColumnNamesIncludesUniqueRemote(t *testing.T) {
	names := ColumnNames()
	found := false
	for _, n := range names {
		if n == "unique-remote" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected unique-remote in projection, got %v", names)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
