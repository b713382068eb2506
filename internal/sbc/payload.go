package sbc

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fastjson"
)

// MetaKey holds payload metadata next to the per-call entries.
const MetaKey = "***meta***"

// callAttrs are the call fields rendered, in display order.
var callAttrs = []string{
	"leg_id",
	"connect_timestamp",
	"protocol",
	"timestamp",
	"called",
	"calling",
	"terminate_reason",
	"interception_leg",
	"nap",
	"call_id",
	"call_duration",
	"route",
}

// Attr is one present call field.
type Attr struct {
	Name  string
	Value string
}

// Step is one entry of a call's trace.
type Step struct {
	Order     float64
	Timestamp string
	Direction string
	Leg       string
	Info      string
	Tooltip   string
}

// Call is one entry of a call_trace payload, keyed by the SBC's call id.
type Call struct {
	Key   string
	Attrs []Attr
	Steps []Step
	// HasTraces reports whether the entry carried a call_traces object.
	HasTraces bool
	raw       []byte
}

// Attr returns a call field and whether it was present.
func (c Call) Attr(name string) (string, bool) {
	for _, attr := range c.Attrs {
		if attr.Name == name {
			return attr.Value, true
		}
	}
	return "", false
}

// Timestamp returns the raw call timestamp, or "" when absent.
func (c Call) Timestamp() string {
	value, _ := c.Attr("timestamp")
	return value
}

// Calling returns the calling number, or "" when absent.
func (c Call) Calling() string {
	value, _ := c.Attr("calling")
	return value
}

// Called returns the called number, or "" when absent.
func (c Call) Called() string {
	value, _ := c.Attr("called")
	return value
}

// StartedAt parses the call timestamp: numeric seconds or milliseconds, or
// a date string.
func (c Call) StartedAt() (time.Time, bool) {
	return ParseTimestamp(c.Timestamp())
}

// Payload is a parsed call_trace response.
type Payload struct {
	Version string
	Calls   []Call
	meta    []byte
}

// Parse reads a call_trace response. Every key other than MetaKey is a call.
// Non-object entries are skipped.
func Parse(p *fastjson.Parser, body []byte) (*Payload, error) {
	value, err := p.ParseBytes(body)
	if err != nil {
		return nil, fmt.Errorf("parse call_trace payload: %w", err)
	}
	object, err := value.Object()
	if err != nil {
		return nil, fmt.Errorf("call_trace payload is not an object: %w", err)
	}

	payload := &Payload{}
	object.Visit(func(key []byte, v *fastjson.Value) {
		if string(key) == MetaKey {
			payload.meta = v.MarshalTo(nil)
			payload.Version = scalarString(v.Get("version"))
			return
		}
		if v.Type() != fastjson.TypeObject {
			return
		}
		payload.Calls = append(payload.Calls, parseCall(string(key), v))
	})
	return payload, nil
}

func parseCall(key string, v *fastjson.Value) Call {
	call := Call{Key: key, raw: v.MarshalTo(nil)}
	for _, name := range callAttrs {
		field := v.Get(name)
		if field == nil || field.Type() == fastjson.TypeNull {
			continue
		}
		call.Attrs = append(call.Attrs, Attr{Name: name, Value: scalarString(field)})
	}

	traces := v.GetObject("call_traces")
	if traces == nil {
		return call
	}
	call.HasTraces = true
	traces.Visit(func(traceKey []byte, t *fastjson.Value) {
		if string(traceKey) == MetaKey || t.Type() != fastjson.TypeObject {
			return
		}
		orderValue := t.Get("order")
		if orderValue == nil {
			return
		}
		order, ok := numeric(orderValue)
		if !ok {
			return
		}
		call.Steps = append(call.Steps, Step{
			Order:     order,
			Timestamp: scalarString(t.Get("timestamp")),
			Direction: scalarString(t.Get("direction")),
			Leg:       scalarString(t.Get("leg")),
			Info:      scalarString(t.Get("trace_info")),
			Tooltip:   scalarString(t.Get("trace_tooltip")),
		})
	})
	return call
}

// SingleCall returns the payload subset holding only the metadata and the
// call with the given key, in the call_trace wire shape.
func (p *Payload) SingleCall(key string) ([]byte, bool) {
	for _, call := range p.Calls {
		if call.Key != key {
			continue
		}
		quoted, err := json.Marshal(key)
		if err != nil {
			return nil, false
		}
		var b strings.Builder
		b.WriteByte('{')
		if p.meta != nil {
			b.WriteString(`"` + MetaKey + `":`)
			b.Write(p.meta)
			b.WriteByte(',')
		}
		b.Write(quoted)
		b.WriteByte(':')
		b.Write(call.raw)
		b.WriteByte('}')
		return []byte(b.String()), true
	}
	return nil, false
}

// Keys returns the call keys in payload order.
func (p *Payload) Keys() []string {
	keys := make([]string, 0, len(p.Calls))
	for _, call := range p.Calls {
		keys = append(keys, call.Key)
	}
	return keys
}

// Raw re-encodes the payload with all calls.
func (p *Payload) Raw() []byte {
	var b strings.Builder
	b.WriteByte('{')
	first := true
	if p.meta != nil {
		b.WriteString(`"` + MetaKey + `":`)
		b.Write(p.meta)
		first = false
	}
	for _, call := range p.Calls {
		if !first {
			b.WriteByte(',')
		}
		first = false
		quoted, _ := json.Marshal(call.Key)
		b.Write(quoted)
		b.WriteByte(':')
		b.Write(call.raw)
	}
	b.WriteByte('}')
	return []byte(b.String())
}

// ParseTimestamp accepts unix seconds, unix milliseconds (above 1e10), or a
// date string.
func ParseTimestamp(raw string) (time.Time, bool) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, false
	}
	if n, err := strconv.ParseFloat(value, 64); err == nil {
		if n > 1e10 {
			return time.UnixMilli(int64(n)).UTC(), true
		}
		sec, frac := math.Modf(n)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
	}
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
		"2006-01-02",
	}
	for _, layout := range layouts {
		if parsed, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return parsed.UTC(), true
		}
	}
	return time.Time{}, false
}

func scalarString(v *fastjson.Value) string {
	if v == nil {
		return ""
	}
	switch v.Type() {
	case fastjson.TypeString:
		return string(v.GetStringBytes())
	case fastjson.TypeNull:
		return ""
	default:
		return string(v.MarshalTo(nil))
	}
}

func numeric(v *fastjson.Value) (float64, bool) {
	switch v.Type() {
	case fastjson.TypeNumber:
		f, err := v.Float64()
		return f, err == nil
	case fastjson.TypeString:
		f, err := strconv.ParseFloat(strings.TrimSpace(string(v.GetStringBytes())), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
