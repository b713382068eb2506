package correlate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ongoingai/calltrace/internal/callid"
	"github.com/ongoingai/calltrace/internal/calllog"
	"github.com/ongoingai/calltrace/internal/cdr"
	"github.com/ongoingai/calltrace/internal/extract"
	"github.com/ongoingai/calltrace/internal/phone"
	"github.com/ongoingai/calltrace/internal/sbc"
)

const (
	// DefaultClockSkew widens the tolerant CDR window on both sides.
	DefaultClockSkew = 4 * time.Hour
	// DefaultDurationTolerance bounds the tolerant match duration, in seconds.
	DefaultDurationTolerance = 5
	defaultSBCResultLimit    = 2
	secondaryCandidateLimit  = 10
)

// LogSource fetches the primary call log.
type LogSource interface {
	Fetch(ctx context.Context, id string) (*calllog.Entry, error)
}

// CDRSource finds CDR rows and their SIP history.
type CDRSource interface {
	Find(ctx context.Context, filter cdr.Filter) ([]cdr.Record, error)
	SIPHistory(ctx context.Context, recordID string) (*cdr.SIPHistory, error)
}

// SBCSource fetches SBC call traces.
type SBCSource interface {
	Fetch(ctx context.Context, filter sbc.Filter) (*sbc.Payload, error)
}

// Formatter renders enrichment payloads into annotation text.
type Formatter interface {
	SBCTrace(payload *sbc.Payload) string
	SIPHistory(history *cdr.SIPHistory) string
}

// Recorder receives lookup outcomes for metrics.
type Recorder interface {
	RecordLookup(ctx context.Context, source, status string, cached bool)
}

// Options tunes a Correlator. Zero values select defaults.
type Options struct {
	Normalizer        phone.Normalizer
	Invites           extract.InviteParser
	ClockSkew         time.Duration
	DurationTolerance int
	SBCResultLimit    int
	Recorder          Recorder
	Logger            *slog.Logger
}

// Correlator builds TraceDocuments. It holds no per-run state and is safe
// for concurrent use; each run gets its own lookup caches.
type Correlator struct {
	logs      LogSource
	cdrs      CDRSource
	sbcs      SBCSource
	formatter Formatter

	normalizer        phone.Normalizer
	invites           extract.InviteParser
	clockSkew         time.Duration
	durationTolerance int
	sbcResultLimit    int
	recorder          Recorder
	logger            *slog.Logger
}

func New(logs LogSource, cdrs CDRSource, sbcs SBCSource, formatter Formatter, opts Options) *Correlator {
	c := &Correlator{
		logs:              logs,
		cdrs:              cdrs,
		sbcs:              sbcs,
		formatter:         formatter,
		normalizer:        opts.Normalizer,
		invites:           opts.Invites,
		clockSkew:         opts.ClockSkew,
		durationTolerance: opts.DurationTolerance,
		sbcResultLimit:    opts.SBCResultLimit,
		recorder:          opts.Recorder,
		logger:            opts.Logger,
	}
	if c.normalizer.CountryCode == "" {
		c.normalizer = phone.NewNormalizer("")
	}
	if c.invites.PBXDomainPrefix == "" {
		c.invites = extract.NewInviteParser("")
	}
	if c.clockSkew <= 0 {
		c.clockSkew = DefaultClockSkew
	}
	if c.durationTolerance <= 0 {
		c.durationTolerance = DefaultDurationTolerance
	}
	if c.sbcResultLimit <= 0 {
		c.sbcResultLimit = defaultSBCResultLimit
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Correlate fetches the call log for id and builds its TraceDocument.
// Primary fetch failures are returned as-is; enrichment failures only show
// up as markers inside the document.
func (c *Correlator) Correlate(ctx context.Context, id string) (*TraceDocument, error) {
	runID := uuid.NewString()
	logger := c.logger.With("run_id", runID, "call_id", id)

	entry, err := c.logs.Fetch(ctx, id)
	if err != nil {
		logger.Error("primary call log fetch failed", "error", err)
		return nil, fmt.Errorf("correlate %q: %w", id, err)
	}

	doc := c.build(ctx, runID, logger, entry)
	counts := doc.Count()
	logger.Info("correlation run complete",
		"call_type", doc.Type.String(),
		"invites", counts.Invites,
		"statuses", counts.Statuses,
		"records", counts.Records,
		"sip_call_id", doc.PrimarySIPCallID,
	)
	return doc, nil
}

// Build correlates an already fetched entry.
func (c *Correlator) Build(ctx context.Context, entry *calllog.Entry) *TraceDocument {
	runID := uuid.NewString()
	return c.build(ctx, runID, c.logger.With("run_id", runID, "call_id", entry.ID), entry)
}

func (c *Correlator) build(ctx context.Context, runID string, logger *slog.Logger, entry *calllog.Entry) *TraceDocument {
	sections := extract.SplitSections(entry.Text)
	fallbackDate, _ := extract.DayStart(sections.Events)

	run := newScan(ctx, c, logger, fallbackDate)
	for _, line := range extract.Lines(sections.Log) {
		run.line(line)
	}
	run.finish()

	idType := entry.Type
	if idType == "" {
		idType = callid.Classify(entry.ID)
	}
	return &TraceDocument{
		ID:               entry.ID,
		Type:             idType,
		RunID:            runID,
		Success:          true,
		Events:           sections.Events,
		LogEvents:        run.events,
		HasInvite:        run.sawInvite,
		PrimarySIPCallID: run.primarySIPCallID,
		Raw:              entry.Raw,
	}
}
