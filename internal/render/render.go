// Package render projects correlated trace documents and backend payloads
// into text and structured output.
package render

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/ongoingai/calltrace/internal/cdr"
	"github.com/ongoingai/calltrace/internal/correlate"
	"github.com/ongoingai/calltrace/internal/lookup"
	"github.com/ongoingai/calltrace/internal/upstream"
)

const (
	inviteHeader  = "--- NEW CALL INVITE ---"
	inviteFooter  = "---"
	unknownCaller = "unknown"
	logHeader     = "log:"
)

// Structured is the JSON projection of a TraceDocument.
type Structured struct {
	Success   bool        `json:"success"`
	Events    string      `json:"events"`
	Log       string      `json:"log,omitempty"`
	SIPCallID string      `json:"sipCallId,omitempty"`
	CDRRecord *cdr.Record `json:"cdrRecord,omitempty"`
}

// StructuredOptions controls the structured projection.
type StructuredOptions struct {
	// RawFallback returns the unprocessed backend answer for documents
	// whose log section held no INVITE.
	RawFallback bool
}

// Text renders the events section followed by the log section.
func Text(doc *correlate.TraceDocument) string {
	var b strings.Builder
	b.WriteString(doc.Events)
	if log := Log(doc); log != "" {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(logHeader)
		b.WriteByte('\n')
		b.WriteString(log)
	}
	return b.String()
}

// Log renders the log-section events, one or more lines per event.
func Log(doc *correlate.TraceDocument) string {
	lines := make([]string, 0, len(doc.LogEvents))
	for _, ev := range doc.LogEvents {
		lines = append(lines, eventLines(ev)...)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// StructuredDocument builds the structured projection. The log is only set
// when the log section held an INVITE.
func StructuredDocument(doc *correlate.TraceDocument) Structured {
	out := Structured{
		Success:   doc.Success,
		Events:    doc.Events,
		SIPCallID: doc.PrimarySIPCallID,
	}
	if doc.HasInvite {
		out.Log = Log(doc)
	}
	if doc.PrimarySIPCallID != "" {
		out.CDRRecord = primaryRecord(doc)
	}
	return out
}

// Body returns the JSON response body for doc. With RawFallback set and no
// INVITE in the log section, the unprocessed backend answer is returned
// instead of the structured projection.
func Body(doc *correlate.TraceDocument, opts StructuredOptions) (json.RawMessage, error) {
	if opts.RawFallback && !doc.HasInvite && len(doc.Raw) > 0 {
		return json.RawMessage(doc.Raw), nil
	}
	return json.Marshal(StructuredDocument(doc))
}

func primaryRecord(doc *correlate.TraceDocument) *cdr.Record {
	matchKey := "sipCallId=" + doc.PrimarySIPCallID
	for _, ev := range doc.LogEvents {
		rec, ok := ev.(correlate.RecordEvent)
		if !ok || rec.Secondary || rec.Source != lookup.SourceCDR || rec.MatchKey != matchKey {
			continue
		}
		return rec.Record
	}
	return nil
}

func eventLines(ev correlate.Event) []string {
	switch ev := ev.(type) {
	case correlate.InviteEvent:
		return inviteLines(ev)
	case correlate.StatusEvent:
		return []string{statusLine(ev)}
	case correlate.AnnotationEvent:
		return []string{ev.Text}
	case correlate.RecordEvent:
		return recordLines(ev)
	}
	return nil
}

func inviteLines(ev correlate.InviteEvent) []string {
	caller := ev.Caller
	if caller == "" {
		caller = unknownCaller
	}
	lines := []string{inviteHeader}
	if ev.Timestamp != "" {
		lines = append(lines, "  Time: "+ev.Timestamp)
	}
	lines = append(lines, "  From: "+caller+" -> To: "+ev.Called)
	if ev.Provider != "" {
		lines = append(lines, "  Provider: "+ev.Provider)
	}
	return append(lines, inviteFooter)
}

func statusLine(ev correlate.StatusEvent) string {
	parts := make([]string, 0, 5)
	if ev.Timestamp != "" {
		parts = append(parts, ev.Timestamp)
	}
	parts = append(parts, "Event: "+ev.Label())
	if ev.SIPCallID != "" {
		parts = append(parts, "sipCallId: "+ev.SIPCallID)
	}
	if ev.Code > 0 {
		parts = append(parts, "code: "+itoa(ev.Code))
	}
	if ev.Reason != "" {
		parts = append(parts, "reason: "+ev.Reason)
	}
	return strings.Join(parts, " | ")
}

func recordLines(ev correlate.RecordEvent) []string {
	switch ev.Source {
	case lookup.SourceSIPHistory:
		return append([]string{"--- SIP HISTORY " + ev.MatchKey + " ---"}, strings.Split(ev.Text, "\n")...)
	case lookup.SourceSBC:
		return strings.Split(ev.Text, "\n")
	}

	label := "CDR"
	if ev.Secondary {
		label = "CDR secondary"
	}
	prefix := label + " " + ev.MatchKey
	switch ev.Status {
	case lookup.StatusFound:
		if ev.Record == nil {
			return []string{prefix + " not found"}
		}
		return []string{prefix + " " + recordFields(*ev.Record)}
	case lookup.StatusNotFound:
		return []string{prefix + " not found"}
	default:
		return []string{prefix + " error " + errorJSON(ev.Err)}
	}
}

func recordFields(record cdr.Record) string {
	fields := record.SummaryFields()
	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		if value := field.Value.String(); value != "" {
			parts = append(parts, field.Name+"="+value)
		}
	}
	return strings.Join(parts, " ")
}

type errorDetail struct {
	Message string `json:"message"`
	Status  int    `json:"status,omitempty"`
}

func errorJSON(err error) string {
	detail := errorDetail{Message: "unknown error"}
	if err != nil {
		detail.Message = err.Error()
	}
	var upstreamErr *upstream.Error
	if errors.As(err, &upstreamErr) {
		detail.Status = upstreamErr.Status
	}
	var authErr *upstream.AuthError
	if errors.As(err, &authErr) {
		detail.Status = authErr.Status
	}

	var b strings.Builder
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	if encodeErr := enc.Encode(detail); encodeErr != nil {
		return `{"message":"unencodable error"}`
	}
	return strings.TrimSpace(b.String())
}
