package trace

import (
	"context"
	"errors"
	"testing"
	"time"
)

func timePtr(t time.Time) *time.Time {
	return &t
}

// exerciseStore runs the behavior shared by every Store implementation.
// Ids are prefixed so runs against a shared database do not collide.
func exerciseStore(t *testing.T, store Store, prefix string) {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

	rows := []*SBCTrace{
		{ID: prefix + "old", Payload: []byte(`{"a":1}`), Calling: "0501", Called: "0502", CallTimestamp: timePtr(now.Add(-6 * 24 * time.Hour)), CreatedAt: now},
		{ID: prefix + "new", Payload: []byte(`{"b":2}`), Calling: "0501", Called: "0503", CallTimestamp: timePtr(now.Add(-time.Hour)), CreatedAt: now},
		{ID: prefix + "newest", Payload: []byte(`{"c":3}`), Calling: "0509", Called: "0502", CallTimestamp: timePtr(now.Add(-time.Minute)), CreatedAt: now},
		{ID: prefix + "untimed", Payload: []byte(`{"d":4}`), Calling: "0501", CreatedAt: now.Add(-6 * 24 * time.Hour)},
	}
	for _, row := range rows {
		inserted, err := store.UpsertIfAbsent(ctx, row)
		if err != nil {
			t.Fatalf("UpsertIfAbsent(%s) error: %v", row.ID, err)
		}
		if !inserted {
			t.Fatalf("UpsertIfAbsent(%s) inserted=false, want true", row.ID)
		}
	}

	inserted, err := store.UpsertIfAbsent(ctx, &SBCTrace{ID: prefix + "new", Payload: []byte(`{"changed":true}`)})
	if err != nil {
		t.Fatalf("UpsertIfAbsent(duplicate) error: %v", err)
	}
	if inserted {
		t.Fatalf("UpsertIfAbsent(duplicate) inserted=true, want false")
	}

	got, err := store.Get(ctx, prefix+"new")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if string(got.Payload) != `{"b":2}` || got.Calling != "0501" || got.Called != "0503" {
		t.Fatalf("Get() returned %+v", got)
	}
	if got.CallTimestamp == nil || !got.CallTimestamp.Equal(now.Add(-time.Hour)) {
		t.Fatalf("Get() call timestamp=%v", got.CallTimestamp)
	}
	if _, err := store.Get(ctx, prefix+"missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) error=%v, want ErrNotFound", err)
	}

	existing, err := store.ExistingIDs(ctx, []string{prefix + "new", prefix + "missing", prefix + "old"})
	if err != nil {
		t.Fatalf("ExistingIDs() error: %v", err)
	}
	if len(existing) != 2 || !existing[prefix+"new"] || !existing[prefix+"old"] {
		t.Fatalf("ExistingIDs()=%v", existing)
	}

	found, err := store.Find(ctx, Filter{Calling: "0501", After: now.Add(-7 * 24 * time.Hour)})
	if err != nil {
		t.Fatalf("Find() error: %v", err)
	}
	if ids := traceIDs(found); len(ids) != 2 || ids[0] != prefix+"new" || ids[1] != prefix+"old" {
		t.Fatalf("Find(calling) ids=%v", ids)
	}

	found, err = store.Find(ctx, Filter{Called: "0502", Before: now, Limit: 1})
	if err != nil {
		t.Fatalf("Find() error: %v", err)
	}
	if ids := traceIDs(found); len(ids) != 1 || ids[0] != prefix+"newest" {
		t.Fatalf("Find(called, limit 1) ids=%v", ids)
	}

	deleted, err := store.DeleteOlderThan(ctx, now.Add(-5*24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteOlderThan() error: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("DeleteOlderThan() deleted=%d, want 2", deleted)
	}
	existing, err = store.ExistingIDs(ctx, []string{prefix + "old", prefix + "untimed", prefix + "new", prefix + "newest"})
	if err != nil {
		t.Fatalf("ExistingIDs() error: %v", err)
	}
	if len(existing) != 2 || existing[prefix+"old"] || existing[prefix+"untimed"] {
		t.Fatalf("after cleanup ExistingIDs()=%v", existing)
	}
}

func traceIDs(rows []*SBCTrace) []string {
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	return ids
}

func TestFilterLimitBounds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		limit int
		want  int
	}{
		{limit: 0, want: DefaultFindLimit},
		{limit: -3, want: DefaultFindLimit},
		{limit: 50, want: 50},
		{limit: 10000, want: MaxFindLimit},
	}
	for _, tt := range tests {
		if got := (Filter{Limit: tt.limit}).limit(); got != tt.want {
			t.Fatalf("Filter{Limit: %d}.limit()=%d, want %d", tt.limit, got, tt.want)
		}
	}
}

func TestNormalizeTraceRejectsIncompleteRows(t *testing.T) {
	t.Parallel()

	now := time.Now()
	if _, err := normalizeTrace(nil, now); err == nil {
		t.Fatal("normalizeTrace(nil) error=nil")
	}
	if _, err := normalizeTrace(&SBCTrace{ID: "  ", Payload: []byte("{}")}, now); err == nil {
		t.Fatal("normalizeTrace(blank id) error=nil")
	}
	if _, err := normalizeTrace(&SBCTrace{ID: "0x1"}, now); err == nil {
		t.Fatal("normalizeTrace(no payload) error=nil")
	}
	row, err := normalizeTrace(&SBCTrace{ID: " 0x1 ", Payload: []byte("{}"), Calling: " 0501 "}, now)
	if err != nil {
		t.Fatalf("normalizeTrace() error: %v", err)
	}
	if row.ID != "0x1" || row.Calling != "0501" || !row.CreatedAt.Equal(now) {
		t.Fatalf("normalizeTrace() returned %+v", row)
	}
}

func TestChunkSplitsIDs(t *testing.T) {
	t.Parallel()

	groups := chunk([]string{"a", "b", "c", "d", "e"}, 2)
	if len(groups) != 3 || len(groups[2]) != 1 || groups[2][0] != "e" {
		t.Fatalf("chunk() = %v", groups)
	}
	if groups := chunk(nil, 2); len(groups) != 0 {
		t.Fatalf("chunk(nil) = %v", groups)
	}
}
