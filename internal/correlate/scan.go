package correlate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ongoingai/calltrace/internal/cdr"
	"github.com/ongoingai/calltrace/internal/extract"
	"github.com/ongoingai/calltrace/internal/lookup"
	"github.com/ongoingai/calltrace/internal/sbc"
)

const outboundCallMarker = ">>> attempting outbound call"

// scan is the state of one forward pass over a log section.
type scan struct {
	ctx    context.Context
	c      *Correlator
	logger *slog.Logger

	// fallbackDate is the start-of-day filter derived from the events section.
	fallbackDate string

	capturing bool
	sawInvite bool
	// pendingInvite is a LayoutDirect invite waiting for its From header.
	pendingInvite *extract.Invite
	// pendingDial is a dial announcement emitted ahead of the next invite.
	pendingDial *AnnotationEvent
	// emitNext keeps the line after a Sent:/Received: marker.
	emitNext bool

	caller string
	called string

	primarySIPCallID string
	// sipDates keeps the first date filter resolved for each SIP call id.
	sipDates map[string]string

	records   *lookup.Cache[cdr.Record]
	histories *lookup.Cache[*cdr.SIPHistory]
	traces    *lookup.Cache[*sbc.Payload]
	// enriched holds enrichment keys already placed in the output.
	enriched map[lookup.Key]bool

	events []Event
}

func newScan(ctx context.Context, c *Correlator, logger *slog.Logger, fallbackDate string) *scan {
	if ctx == nil {
		ctx = context.Background()
	}
	return &scan{
		ctx:          ctx,
		c:            c,
		logger:       logger,
		fallbackDate: fallbackDate,
		records:      lookup.NewCache[cdr.Record](),
		histories:    lookup.NewCache[*cdr.SIPHistory](),
		traces:       lookup.NewCache[*sbc.Payload](),
		enriched:     make(map[lookup.Key]bool),
		sipDates:     make(map[string]string),
	}
}

func (s *scan) emit(ev Event) {
	s.events = append(s.events, ev)
}

// line applies the rules to one line in priority order.
func (s *scan) line(raw string) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return
	}

	annotated := s.annotate(trimmed)

	if s.emitNext {
		s.emitNext = false
		if !annotated {
			if extract.IsInvite(trimmed) {
				s.emit(AnnotationEvent{Kind: AnnotationOutboundCall, Text: outboundCallMarker})
			}
			s.emit(AnnotationEvent{Kind: AnnotationVerbatim, Text: raw})
		}
	}
	if extract.IsWireMarker(trimmed) {
		s.emitNext = true
		return
	}

	if s.pendingInvite != nil {
		if from, ok := extract.ParseFrom(trimmed); ok {
			invite := *s.pendingInvite
			s.pendingInvite = nil
			invite.Caller = from
			s.emitInvite(invite, false)
			return
		}
	}

	if extract.IsBlockMarker(trimmed) {
		s.flushPendingInvite()
		s.capturing = true
		return
	}

	if extract.IsInvite(trimmed) {
		s.invite(trimmed)
		return
	}

	if s.capturing {
		if status, ok := extract.ParseStatus(trimmed); ok {
			s.status(status)
		}
	}
}

// annotate emits annotations for marker lines and reports whether the line
// itself was emitted verbatim.
func (s *scan) annotate(line string) bool {
	switch {
	case extract.IsAgentDial(line), extract.IsTermination(line), extract.IsDebugMarker(line):
		s.emit(AnnotationEvent{Kind: AnnotationVerbatim, Text: line})
		return true
	}

	if number, ok := extract.ParseCustomerDial(line); ok {
		text := "dialing customer"
		if number != "" {
			text += " " + s.c.normalizer.Normalize(number)
		}
		s.pendingDial = &AnnotationEvent{Kind: AnnotationDial, Text: text}
		return false
	}
	if lead, ok := extract.ParseLeadInfo(line); ok {
		text := "lead phone=" + s.c.normalizer.Normalize(lead.Phone)
		if lead.Provider != "" {
			text += " provider=" + lead.Provider
		}
		s.emit(AnnotationEvent{Kind: AnnotationLead, Text: text})
		return false
	}
	if agents, ok := extract.ParseAgentRoster(line); ok {
		parts := make([]string, 0, len(agents))
		for _, agent := range agents {
			parts = append(parts, fmt.Sprintf("%s (%s)", agent.Name, s.c.normalizer.Normalize(agent.Phone)))
		}
		s.emit(AnnotationEvent{Kind: AnnotationAgents, Text: "agents " + strings.Join(parts, ", ")})
	}
	return false
}

func (s *scan) invite(line string) {
	invite, ok := s.c.invites.Parse(line)
	if !ok {
		return
	}
	s.flushPendingInvite()
	s.capturing = true
	s.sawInvite = true
	s.called = s.c.normalizer.Normalize(invite.Called)
	s.caller = ""

	if invite.Layout == extract.LayoutDirect {
		s.emitPendingDial()
		s.pendingInvite = &invite
		return
	}
	s.emitInvite(invite, false)
}

func (s *scan) emitInvite(invite extract.Invite, degraded bool) {
	s.emitPendingDial()
	caller := s.c.normalizer.Normalize(invite.Caller)
	called := s.c.normalizer.Normalize(invite.Called)
	s.caller, s.called = caller, called
	s.emit(InviteEvent{
		Caller:    caller,
		Called:    called,
		Provider:  invite.Provider,
		Timestamp: invite.Timestamp,
		Layout:    invite.Layout,
		Degraded:  degraded,
	})
}

func (s *scan) emitPendingDial() {
	if s.pendingDial == nil {
		return
	}
	s.emit(*s.pendingDial)
	s.pendingDial = nil
}

// flushPendingInvite emits a waiting LayoutDirect invite without a caller.
func (s *scan) flushPendingInvite() {
	if s.pendingInvite == nil {
		return
	}
	invite := *s.pendingInvite
	s.pendingInvite = nil
	s.emitInvite(invite, true)
}

func (s *scan) finish() {
	s.flushPendingInvite()
	s.emitPendingDial()
}

func (s *scan) status(status extract.Status) {
	s.emit(StatusEvent{Status: status})
	if !status.Correlates() || !s.sawInvite {
		return
	}
	if status.Name == extract.EventConnected && s.primarySIPCallID == "" && status.SIPCallID != "" {
		s.primarySIPCallID = status.SIPCallID
	}
	s.correlate(status)
}
