package trace

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNotFound = errors.New("sbc trace not found")

const (
	DefaultFindLimit = 200
	MaxFindLimit     = 500
)

// Store persists SBC traces.
type Store interface {
	// UpsertIfAbsent inserts t unless a trace with the same id exists and
	// reports whether a row was written.
	UpsertIfAbsent(ctx context.Context, t *SBCTrace) (bool, error)
	// ExistingIDs returns the subset of ids already stored.
	ExistingIDs(ctx context.Context, ids []string) (map[string]bool, error)
	Find(ctx context.Context, filter Filter) ([]*SBCTrace, error)
	Get(ctx context.Context, id string) (*SBCTrace, error)
	// DeleteOlderThan removes traces whose call timestamp is before cutoff,
	// or whose created_at is when the call timestamp is unknown.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Count(ctx context.Context) (int64, error)
	Close() error
}

// Filter narrows Find. Zero fields are ignored. Results are ordered newest
// call first, then newest insert first.
type Filter struct {
	Calling string
	Called  string
	After   time.Time
	Before  time.Time
	Limit   int
}

func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return DefaultFindLimit
	case f.Limit > MaxFindLimit:
		return MaxFindLimit
	default:
		return f.Limit
	}
}

func normalizeTrace(in *SBCTrace, now time.Time) (*SBCTrace, error) {
	if in == nil {
		return nil, fmt.Errorf("sbc trace is required")
	}
	out := *in
	out.ID = strings.TrimSpace(out.ID)
	if out.ID == "" {
		return nil, fmt.Errorf("sbc trace id is required")
	}
	if len(out.Payload) == 0 {
		return nil, fmt.Errorf("sbc trace %q has no payload", out.ID)
	}
	out.Calling = strings.TrimSpace(out.Calling)
	out.Called = strings.TrimSpace(out.Called)
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now
	}
	out.CreatedAt = out.CreatedAt.UTC()
	if out.CallTimestamp != nil {
		ts := out.CallTimestamp.UTC()
		out.CallTimestamp = &ts
	}
	return &out, nil
}

// whereBuilder collects AND-ed conditions with driver specific placeholders.
type whereBuilder struct {
	placeholder func(n int) string
	conditions  []string
	args        []any
}

func newWhereBuilder(placeholder func(n int) string) *whereBuilder {
	return &whereBuilder{
		placeholder: placeholder,
		conditions:  make([]string, 0, 4),
		args:        make([]any, 0, 4),
	}
}

func (b *whereBuilder) addArg(value any) string {
	b.args = append(b.args, value)
	return b.placeholder(len(b.args))
}

func (b *whereBuilder) addComparison(column, operator string, value any) {
	b.conditions = append(b.conditions, column+" "+operator+" "+b.addArg(value))
}

func (b *whereBuilder) addIn(column string, values []string) {
	placeholders := make([]string, 0, len(values))
	for _, value := range values {
		placeholders = append(placeholders, b.addArg(value))
	}
	b.conditions = append(b.conditions, column+" IN ("+strings.Join(placeholders, ", ")+")")
}

func (b *whereBuilder) where() string {
	if len(b.conditions) == 0 {
		return "1=1"
	}
	return strings.Join(b.conditions, " AND ")
}

func (b *whereBuilder) applyFilter(filter Filter, timeValue func(time.Time) any) {
	if calling := strings.TrimSpace(filter.Calling); calling != "" {
		b.addComparison("calling", "=", calling)
	}
	if called := strings.TrimSpace(filter.Called); called != "" {
		b.addComparison("called", "=", called)
	}
	if !filter.After.IsZero() {
		b.addComparison("call_timestamp", ">=", timeValue(filter.After))
	}
	if !filter.Before.IsZero() {
		b.addComparison("call_timestamp", "<=", timeValue(filter.Before))
	}
}

// chunk splits ids into groups of at most size.
func chunk(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}

type rowScanner interface {
	Scan(dest ...any) error
}
