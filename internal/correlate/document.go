package correlate

import "github.com/ongoingai/calltrace/internal/callid"

// TraceDocument is the correlated trace of one call identifier. A new
// document is built per request and never modified afterwards.
type TraceDocument struct {
	ID      string
	Type    callid.Type
	RunID   string
	Success bool
	// Events is the noise-filtered events section.
	Events string
	// LogEvents is the ordered output of the log-section scan.
	LogEvents []Event
	// HasInvite reports whether the log section held an INVITE line.
	HasInvite bool
	// PrimarySIPCallID is the SIP call id of the first connected call.
	PrimarySIPCallID string
	// Raw is the unprocessed backend answer, kept for callers that ask
	// for a raw fallback.
	Raw []byte
}

// Counts tallies events by type.
type Counts struct {
	Invites     int
	Statuses    int
	Annotations int
	Records     int
}

// Count tallies the document's log events by type.
func (d *TraceDocument) Count() Counts {
	var counts Counts
	for _, ev := range d.LogEvents {
		switch ev.(type) {
		case InviteEvent:
			counts.Invites++
		case StatusEvent:
			counts.Statuses++
		case AnnotationEvent:
			counts.Annotations++
		case RecordEvent:
			counts.Records++
		}
	}
	return counts
}
