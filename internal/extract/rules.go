package extract

import (
	"regexp"
	"strconv"
	"strings"
)

// DefaultPBXDomainPrefix marks the domains whose INVITE user part carries
// underscore-delimited caller and called numbers.
const DefaultPBXDomainPrefix = "pbx"

const statusMarker = "Sent event to JS onPhoneEvent with params"

// Layout identifies which INVITE request-URI shape matched.
type Layout int

const (
	LayoutNone Layout = iota
	// LayoutPBX is tag_caller_called_callid@pbxDomain.
	LayoutPBX
	// LayoutDirect is user@domain; the caller comes from a later From header.
	LayoutDirect
)

// Invite is the result of parsing an INVITE request line.
type Invite struct {
	Layout    Layout
	Caller    string
	Called    string
	Provider  string
	Tag       string
	CallID    string
	Timestamp string
}

// EventName is the closed set of phone events the status rule recognizes.
type EventName string

const (
	EventFailed       EventName = "Failed"
	EventConnected    EventName = "Connected"
	EventAudioStarted EventName = "AudioStarted"
	EventDisconnected EventName = "Disconnected"
	EventOther        EventName = "Other"
)

// Status is the result of parsing a phone event line.
type Status struct {
	Timestamp string
	Name      EventName
	// RawName is the event name as logged, e.g. "Ringing" for EventOther.
	RawName   string
	SIPCallID string
	Code      int
	Reason    string
}

// Label returns the name used when rendering the event.
func (s Status) Label() string {
	if s.RawName != "" {
		return "Call." + s.RawName
	}
	return "Call." + string(s.Name)
}

// Correlates reports whether the event triggers a CDR lookup.
func (s Status) Correlates() bool {
	return s.Name == EventConnected || s.Name == EventFailed
}

// LeadInfo is the lead phone/provider fragment embedded in a log line.
type LeadInfo struct {
	Phone    string
	Provider string
}

// Agent is one entry of an embedded agent roster.
type Agent struct {
	Name  string
	Phone string
}

var (
	inviteLinePattern  = regexp.MustCompile(`^\s*INVITE\s+sip:([^@\s;>]+)@([^\s;>:]+)`)
	pbxUserPattern     = regexp.MustCompile(`^([^_]+)_(\+?\d+)_(\+?\d+)_(.+)$`)
	fromHeaderPattern  = regexp.MustCompile(`(?i)^\s*(?:From|f):\s*(.*)$`)
	displayNamePattern = regexp.MustCompile(`"([^"]+)"`)
	sipUserPattern     = regexp.MustCompile(`sips?:([^@>;\s]+)@`)

	eventNamePattern = regexp.MustCompile(`name\s*=\s*Call\.(\w+)`)
	sipCallIDPattern = regexp.MustCompile(`sipCallId\s*=\s*([^,;\]\s}]+)`)
	codePattern      = regexp.MustCompile(`(?:statusCode|code)\s*=\s*(\d{3})\b`)
	reasonPattern    = regexp.MustCompile(`reason\s*=\s*([^,;\]\s}]+)`)

	leadMarkerPattern   = regexp.MustCompile(`(?i)\blead\w*\s*[:=]?\s*\{`)
	phoneFieldPattern   = regexp.MustCompile(`"?phone(?:Number)?"?\s*[:=]\s*"?(\+?\d[\d\s-]{3,}\d)"?`)
	providerPattern     = regexp.MustCompile(`"?provider"?\s*[:=]\s*"?([\w.\-]+)"?`)
	rosterMarkerPattern = regexp.MustCompile(`(?i)\bagents\s*[:=]\s*\[`)
	rosterEntryPattern  = regexp.MustCompile(`"?name"?\s*[:=]\s*"([^"]*)"[^{}]*?"?phone(?:Number)?"?\s*[:=]\s*"?(\+?\d+)"?`)

	blockMarkerPattern    = regexp.MustCompile(`(?i)^\s*-{2,}\s*(?:begin msg|sip (?:message|trace))`)
	wireMarkerPattern     = regexp.MustCompile(`(?i)\b(?:Sent|Received):\s*$`)
	agentDialPattern      = regexp.MustCompile(`(?i)\b(?:dial(?:ing)?|call(?:ing)?)\s+agent\b`)
	customerDialPattern   = regexp.MustCompile(`(?i)\b(?:dial(?:ing)?|call(?:ing)?)\s+(?:customer|lead|external)\b`)
	terminationPattern    = regexp.MustCompile(`(?i)\b(?:hangup cause|terminated by|hung up by)\b`)
	debugMarkerPattern    = regexp.MustCompile(`\bDIAG:`)
	trailingNumberPattern = regexp.MustCompile(`(\+?\d{5,})\s*$`)
)

// InviteParser parses INVITE request lines in either layout.
type InviteParser struct {
	// PBXDomainPrefix selects LayoutPBX. Domains that do not start with it
	// fall through to LayoutDirect even when the user part has underscores.
	PBXDomainPrefix string
}

// NewInviteParser returns a parser using prefix, or DefaultPBXDomainPrefix
// when prefix is empty.
func NewInviteParser(prefix string) InviteParser {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultPBXDomainPrefix
	}
	return InviteParser{PBXDomainPrefix: prefix}
}

// IsInvite reports whether the line is an INVITE request line.
func IsInvite(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), "INVITE sip:")
}

// Parse matches the line against both layouts. LayoutPBX takes precedence.
func (p InviteParser) Parse(line string) (Invite, bool) {
	match := inviteLinePattern.FindStringSubmatch(line)
	if match == nil {
		return Invite{}, false
	}
	user, domain := match[1], match[2]
	timestamp, _ := Timestamp(line)

	prefix := p.PBXDomainPrefix
	if prefix == "" {
		prefix = DefaultPBXDomainPrefix
	}
	if strings.HasPrefix(strings.ToLower(domain), strings.ToLower(prefix)) {
		if parts := pbxUserPattern.FindStringSubmatch(user); parts != nil {
			return Invite{
				Layout:    LayoutPBX,
				Tag:       parts[1],
				Caller:    parts[2],
				Called:    parts[3],
				CallID:    parts[4],
				Provider:  domain,
				Timestamp: timestamp,
			}, true
		}
	}

	return Invite{
		Layout:    LayoutDirect,
		Called:    user,
		Provider:  domain,
		Timestamp: timestamp,
	}, true
}

// ParseFrom extracts the caller from a From header: the quoted display name
// when present, otherwise the sip: URI user part.
func ParseFrom(line string) (string, bool) {
	header := fromHeaderPattern.FindStringSubmatch(line)
	if header == nil {
		return "", false
	}
	value := header[1]
	if name := displayNamePattern.FindStringSubmatch(value); name != nil && strings.TrimSpace(name[1]) != "" {
		return strings.TrimSpace(name[1]), true
	}
	if user := sipUserPattern.FindStringSubmatch(value); user != nil {
		return user[1], true
	}
	return "", false
}

// ParseStatus parses a phone event line. Lines without the event marker or
// without a Call.<name> token do not match.
func ParseStatus(line string) (Status, bool) {
	if !strings.Contains(line, statusMarker) {
		return Status{}, false
	}
	nameMatch := eventNamePattern.FindStringSubmatch(line)
	if nameMatch == nil {
		return Status{}, false
	}

	status := Status{Name: eventName(nameMatch[1])}
	if status.Name == EventOther {
		status.RawName = nameMatch[1]
	}
	status.Timestamp, _ = Timestamp(line)
	if m := sipCallIDPattern.FindStringSubmatch(line); m != nil {
		status.SIPCallID = m[1]
	}
	if m := codePattern.FindStringSubmatch(line); m != nil {
		status.Code, _ = strconv.Atoi(m[1])
	}
	if m := reasonPattern.FindStringSubmatch(line); m != nil {
		status.Reason = m[1]
	}
	return status, true
}

func eventName(raw string) EventName {
	switch EventName(raw) {
	case EventFailed, EventConnected, EventAudioStarted, EventDisconnected:
		return EventName(raw)
	default:
		return EventOther
	}
}

// ParseLeadInfo extracts the lead phone and provider from an embedded,
// not-quite-JSON lead fragment.
func ParseLeadInfo(line string) (LeadInfo, bool) {
	loc := leadMarkerPattern.FindStringIndex(line)
	if loc == nil {
		return LeadInfo{}, false
	}
	fragment := line[loc[0]:]
	phone := phoneFieldPattern.FindStringSubmatch(fragment)
	if phone == nil {
		return LeadInfo{}, false
	}
	info := LeadInfo{Phone: compactNumber(phone[1])}
	if provider := providerPattern.FindStringSubmatch(fragment); provider != nil {
		info.Provider = provider[1]
	}
	return info, true
}

// ParseAgentRoster extracts name/phone pairs from an embedded agents list.
func ParseAgentRoster(line string) ([]Agent, bool) {
	loc := rosterMarkerPattern.FindStringIndex(line)
	if loc == nil {
		return nil, false
	}
	matches := rosterEntryPattern.FindAllStringSubmatch(line[loc[0]:], -1)
	if len(matches) == 0 {
		return nil, false
	}
	agents := make([]Agent, 0, len(matches))
	for _, m := range matches {
		agents = append(agents, Agent{Name: m[1], Phone: m[2]})
	}
	return agents, true
}

func compactNumber(value string) string {
	return strings.NewReplacer(" ", "", "-", "").Replace(value)
}

// IsBlockMarker reports whether the line opens a SIP trace block.
func IsBlockMarker(line string) bool {
	return blockMarkerPattern.MatchString(line)
}

// IsWireMarker reports whether the line announces a sent or received SIP
// message whose first line follows.
func IsWireMarker(line string) bool {
	return wireMarkerPattern.MatchString(line)
}

// IsAgentDial reports whether the line announces dialing an agent.
func IsAgentDial(line string) bool {
	return agentDialPattern.MatchString(line)
}

// ParseCustomerDial reports whether the line announces dialing the external
// party and returns the trailing number when one is logged.
func ParseCustomerDial(line string) (string, bool) {
	if !customerDialPattern.MatchString(line) {
		return "", false
	}
	if m := trailingNumberPattern.FindStringSubmatch(line); m != nil {
		return m[1], true
	}
	return "", true
}

// IsTermination reports whether the line records who or what ended the call.
func IsTermination(line string) bool {
	return terminationPattern.MatchString(line)
}

// IsDebugMarker reports whether the line carries a diagnostic marker.
func IsDebugMarker(line string) bool {
	return debugMarkerPattern.MatchString(line)
}
