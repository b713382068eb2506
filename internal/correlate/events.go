package correlate

import (
	"github.com/ongoingai/calltrace/internal/cdr"
	"github.com/ongoingai/calltrace/internal/extract"
	"github.com/ongoingai/calltrace/internal/lookup"
)

// Event is one unit of the ordered log-section output. The concrete types
// are InviteEvent, StatusEvent, AnnotationEvent and RecordEvent.
type Event interface {
	event()
}

// InviteEvent opens a call block.
type InviteEvent struct {
	Caller    string
	Called    string
	Provider  string
	Timestamp string
	Layout    extract.Layout
	// Degraded is set when the caller never resolved from a From header.
	Degraded bool
}

// StatusEvent is a parsed phone event.
type StatusEvent struct {
	extract.Status
}

// AnnotationKind tells renderers where an annotation came from.
type AnnotationKind int

const (
	// AnnotationVerbatim is a log line kept as-is.
	AnnotationVerbatim AnnotationKind = iota
	// AnnotationOutboundCall precedes a verbatim INVITE after a wire marker.
	AnnotationOutboundCall
	// AnnotationDial announces dialing the external party.
	AnnotationDial
	// AnnotationLead carries parsed lead fields.
	AnnotationLead
	// AnnotationAgents carries a parsed agent roster.
	AnnotationAgents
)

// AnnotationEvent is free text placed in the event stream.
type AnnotationEvent struct {
	Kind AnnotationKind
	Text string
}

// RecordEvent carries the outcome of a correlation lookup. It follows the
// StatusEvent that triggered it.
type RecordEvent struct {
	Source   lookup.Source
	MatchKey string
	Status   lookup.Status
	// Record is set for found CDR rows.
	Record *cdr.Record
	// Text is the pre-rendered body of SIP history and SBC enrichments.
	Text string
	// Err keeps the original failure for StatusFailed.
	Err error
	// Secondary marks the tolerant numbering-convention match.
	Secondary bool
}

func (InviteEvent) event()     {}
func (StatusEvent) event()     {}
func (AnnotationEvent) event() {}
func (RecordEvent) event()     {}
