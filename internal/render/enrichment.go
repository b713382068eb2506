package render

import (
	"github.com/ongoingai/calltrace/internal/cdr"
	"github.com/ongoingai/calltrace/internal/sbc"
)

// DefaultMaxSBCLength caps inline SBC trace text, in bytes.
const DefaultMaxSBCLength = 8000

const truncatedMarker = "\n... (truncated)"

// Enrichment renders enrichment payloads placed inline in a trace.
type Enrichment struct {
	MaxSBCLength int
}

// NewEnrichment returns an Enrichment formatter; maxSBCLength <= 0 selects
// DefaultMaxSBCLength.
func NewEnrichment(maxSBCLength int) Enrichment {
	if maxSBCLength <= 0 {
		maxSBCLength = DefaultMaxSBCLength
	}
	return Enrichment{MaxSBCLength: maxSBCLength}
}

func (e Enrichment) SBCTrace(payload *sbc.Payload) string {
	return truncate(SBCTrace(payload), e.MaxSBCLength)
}

func (e Enrichment) SIPHistory(history *cdr.SIPHistory) string {
	return SIPHistory(history)
}

// truncate cuts text to at most limit bytes on a rune boundary and marks
// the cut.
func truncate(text string, limit int) string {
	if limit <= 0 || len(text) <= limit {
		return text
	}
	cut := limit
	for cut > 0 && !runeStart(text[cut]) {
		cut--
	}
	return text[:cut] + truncatedMarker
}

func runeStart(b byte) bool {
	return b&0xC0 != 0x80
}
