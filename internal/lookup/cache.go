package lookup

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ongoingai/calltrace/internal/upstream"
)

// Source names the backend a key is resolved against.
type Source string

const (
	SourceCDR        Source = "CDR"
	SourceSBC        Source = "SBC"
	SourceSIPHistory Source = "SIP_HISTORY"
)

// Key identifies one backend lookup within a correlation run. It is either
// a SIP call id, a record id, or a caller/called pair with a time window and
// an optional duration range. Equal keys share one fetch.
type Key struct {
	Source      Source
	SIPCallID   string
	RecordID    string
	Caller      string
	Called      string
	From        string
	To          string
	MinDuration int
	MaxDuration int
	HasDuration bool
}

// BySIPCallID keys a lookup by SIP call identifier alone. Status lines of
// one call may resolve different dates; they still share one fetch.
func BySIPCallID(source Source, sipCallID string) Key {
	return Key{Source: source, SIPCallID: sipCallID}
}

// ByParties keys a lookup by caller/called pair and time window.
func ByParties(source Source, caller, called, from, to string) Key {
	return Key{Source: source, Caller: caller, Called: called, From: from, To: to}
}

// ByRecord keys a lookup by backend record id.
func ByRecord(source Source, recordID string) Key {
	return Key{Source: source, RecordID: recordID}
}

// WithDuration bounds the key to calls lasting between lo and hi seconds.
func (k Key) WithDuration(lo, hi int) Key {
	k.MinDuration, k.MaxDuration, k.HasDuration = lo, hi, true
	return k
}

// MatchKey renders the key the way it appears in trace annotations.
func (k Key) MatchKey() string {
	switch {
	case k.SIPCallID != "":
		return "sipCallId=" + k.SIPCallID
	case k.RecordID != "":
		return "ID=" + k.RecordID
	default:
		parts := []string{"caller=" + k.Caller, "called=" + k.Called}
		if k.HasDuration {
			parts = append(parts, fmt.Sprintf("duration=%d..%d", k.MinDuration, k.MaxDuration))
		}
		return strings.Join(parts, " ")
	}
}

func (k Key) String() string {
	s := string(k.Source) + " " + k.MatchKey()
	if k.From != "" || k.To != "" {
		s += " window=" + k.From + ".." + k.To
	}
	return s
}

// Status is the outcome of a lookup.
type Status int

const (
	StatusFound Status = iota
	StatusNotFound
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusFound:
		return "found"
	case StatusNotFound:
		return "not_found"
	default:
		return "failed"
	}
}

// Result is a cached lookup outcome. Err is set for StatusFailed and keeps
// the original error for annotations.
type Result[V any] struct {
	Status Status
	Value  V
	Err    error
}

// Cache memoizes lookups for a single correlation run. It is not safe for
// concurrent use; a run scans sequentially.
type Cache[V any] struct {
	entries map[Key]Result[V]
	fetches int
	hits    int
}

func NewCache[V any]() *Cache[V] {
	return &Cache[V]{entries: make(map[Key]Result[V])}
}

// Get returns the cached result for key.
func (c *Cache[V]) Get(key Key) (Result[V], bool) {
	result, ok := c.entries[key]
	return result, ok
}

// Put records a result for key, replacing any earlier one.
func (c *Cache[V]) Put(key Key, result Result[V]) {
	c.entries[key] = result
}

// Resolve returns the cached result for key or calls fetch exactly once and
// caches its outcome as Classify does. The bool reports a cache hit.
func (c *Cache[V]) Resolve(ctx context.Context, key Key, fetch func(context.Context) (V, error)) (Result[V], bool) {
	if result, ok := c.entries[key]; ok {
		c.hits++
		return result, true
	}
	c.fetches++
	value, err := fetch(ctx)
	result := Classify(value, err)
	c.entries[key] = result
	return result, false
}

// Classify turns a fetch outcome into a Result. A malformed payload counts
// as not found; any other error is StatusFailed.
func Classify[V any](value V, err error) Result[V] {
	switch {
	case err == nil:
		return Result[V]{Status: StatusFound, Value: value}
	case errors.Is(err, upstream.ErrNotFound), errors.Is(err, upstream.ErrMalformedPayload):
		return Result[V]{Status: StatusNotFound, Err: err}
	default:
		return Result[V]{Status: StatusFailed, Err: err}
	}
}

// Fetches returns how many keys were resolved against a backend.
func (c *Cache[V]) Fetches() int {
	return c.fetches
}

// Hits returns how many Resolve calls were served from the cache.
func (c *Cache[V]) Hits() int {
	return c.hits
}
