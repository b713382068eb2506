package cdr

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/ongoingai/calltrace/internal/upstream"
	"github.com/valyala/fastjson"
)

// SIPMessage is one signaling message captured for a CDR row.
type SIPMessage struct {
	Time    string `json:"time"`
	Src     string `json:"src"`
	Dst     string `json:"dst"`
	Message string `json:"message"`
}

// SIPHistory is the signaling message list of one CDR row.
type SIPHistory struct {
	RecordID string       `json:"record_id"`
	Messages []SIPMessage `json:"messages"`
}

// SIPHistory fetches the signaling history of the CDR row recordID. An empty
// history is reported as upstream.ErrNotFound.
func (c *Client) SIPHistory(ctx context.Context, recordID string) (*SIPHistory, error) {
	recordID = strings.TrimSpace(recordID)
	if recordID == "" {
		return nil, fmt.Errorf("sip history requires a record id: %w", upstream.ErrMissingRequiredFilter)
	}

	query := url.Values{}
	query.Set("task", "getSipHistory")
	query.Set("module", "CDR")
	query.Set("id", recordID)
	resp, err := c.withSession(ctx, upstream.Request{
		Method: http.MethodPost,
		Path:   sqlPath,
		Query:  query,
	})
	if err != nil {
		return nil, err
	}

	p := c.parsers.Get()
	defer c.parsers.Put(p)

	value, err := c.api.ParseJSON(p, resp.Body)
	if err != nil {
		return nil, err
	}

	var items []*fastjson.Value
	switch value.Type() {
	case fastjson.TypeArray:
		items, _ = value.Array()
	case fastjson.TypeObject:
		items = value.GetArray("results")
		if items == nil {
			items = value.GetArray("data")
		}
	default:
		return nil, c.api.Malformed("sip history is neither array nor object", resp.Body)
	}

	history := &SIPHistory{RecordID: recordID}
	for _, item := range items {
		if item.Type() != fastjson.TypeObject {
			continue
		}
		msg := SIPMessage{
			Time:    firstString(item, "time", "timestamp", "datetime"),
			Src:     endpoint(item, "src", "srcip", "saddr", "sport"),
			Dst:     endpoint(item, "dst", "dstip", "daddr", "dport"),
			Message: firstString(item, "msg", "message", "request", "method"),
		}
		if msg.Message == "" {
			continue
		}
		history.Messages = append(history.Messages, msg)
	}
	if len(history.Messages) == 0 {
		return nil, fmt.Errorf("sip history for %s: %w", recordID, upstream.ErrNotFound)
	}
	sort.SliceStable(history.Messages, func(i, j int) bool {
		return history.Messages[i].Time < history.Messages[j].Time
	})
	return history, nil
}

func firstString(v *fastjson.Value, keys ...string) string {
	for _, key := range keys {
		if value := scalar(v, key); value.IsKnown() && value.String() != "" {
			return value.String()
		}
	}
	return ""
}

// endpoint joins an address and port, preferring a combined field.
func endpoint(v *fastjson.Value, combined, ip, ipAlt, port string) string {
	if value := firstString(v, combined); value != "" {
		return value
	}
	addr := firstString(v, ip, ipAlt)
	if addr == "" {
		return ""
	}
	if p := firstString(v, port); p != "" {
		return addr + ":" + p
	}
	return addr
}
