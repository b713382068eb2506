package correlate

import (
	"context"
	"fmt"
	"time"

	"github.com/ongoingai/calltrace/internal/cdr"
	"github.com/ongoingai/calltrace/internal/extract"
	"github.com/ongoingai/calltrace/internal/lookup"
	"github.com/ongoingai/calltrace/internal/phone"
	"github.com/ongoingai/calltrace/internal/sbc"
	"github.com/ongoingai/calltrace/internal/upstream"
)

const (
	cdrDateLayout    = "2006-01-02 15:04:05"
	cdrFilterLayout  = "2006-01-02T15:04:05"
	primaryCDRLimit  = 1
	sbcMissingFilter = "no call parties"
)

// correlate resolves the CDR row behind a Connected or Failed event and
// places the outcome right after it.
func (s *scan) correlate(status extract.Status) {
	dateFrom := s.fallbackDate
	if status.Timestamp != "" {
		if day, ok := extract.DayStart(status.Timestamp); ok {
			dateFrom = day
		}
	}

	var (
		key    lookup.Key
		filter cdr.Filter
	)
	switch {
	case status.SIPCallID != "":
		key = lookup.BySIPCallID(lookup.SourceCDR, status.SIPCallID)
		if first, ok := s.sipDates[status.SIPCallID]; ok {
			dateFrom = first
		} else if dateFrom != "" {
			s.sipDates[status.SIPCallID] = dateFrom
		}
		filter = cdr.Filter{DateFrom: dateFrom, CallID: status.SIPCallID, Limit: primaryCDRLimit}
	case s.caller != "" || s.called != "":
		key = lookup.ByParties(lookup.SourceCDR, s.caller, s.called, dateFrom, "")
		filter = cdr.Filter{DateFrom: dateFrom, Caller: s.caller, Called: s.called, Limit: primaryCDRLimit}
	default:
		s.logger.Debug("status event has nothing to correlate on", "event", status.Label())
		return
	}

	if dateFrom == "" {
		if _, ok := s.records.Get(key); !ok {
			s.logger.Warn("cdr lookup skipped without date from", "key", key.String())
			s.records.Put(key, lookup.Result[cdr.Record]{
				Status: lookup.StatusFailed,
				Err:    fmt.Errorf("%w: date from", upstream.ErrMissingRequiredFilter),
			})
		}
	}

	result := s.resolveRecord(key, filter, "")
	s.emit(recordEvent(lookup.SourceCDR, key, result, false))
	if result.Status != lookup.StatusFound {
		return
	}

	primary := result.Value
	found := []cdr.Record{primary}
	if secondary, ok := s.tolerantMatch(primary); ok {
		found = append(found, secondary)
	}
	for _, record := range found {
		s.enrichSIPHistory(record)
		s.enrichSBCTrace()
	}
}

// resolveRecord returns the first row for filter through the run cache.
// Rows whose identifier equals exclude are skipped.
func (s *scan) resolveRecord(key lookup.Key, filter cdr.Filter, exclude string) lookup.Result[cdr.Record] {
	result, cached := s.records.Resolve(s.ctx, key, func(ctx context.Context) (cdr.Record, error) {
		records, err := s.c.cdrs.Find(ctx, filter)
		if err != nil {
			return cdr.Record{}, err
		}
		for _, record := range records {
			if exclude != "" && record.Identifier() == exclude {
				continue
			}
			if key.HasDuration && !s.sameParties(record, key) {
				continue
			}
			return record, nil
		}
		return cdr.Record{}, fmt.Errorf("cdr %s: %w", key.MatchKey(), upstream.ErrNotFound)
	})
	s.record(lookup.SourceCDR, result.Status, cached, key, result.Err)
	return result
}

func (s *scan) sameParties(record cdr.Record, key lookup.Key) bool {
	return phone.SameSubscriber(record.Caller.String(), key.Caller) &&
		phone.SameSubscriber(record.Called.String(), key.Called)
}

// tolerantMatch looks for the same call recorded under the other numbering
// convention. The window is widened by the clock skew on both sides and the
// duration bounded by the tolerance.
func (s *scan) tolerantMatch(primary cdr.Record) (cdr.Record, bool) {
	duration, ok := primary.DurationSeconds()
	if !ok {
		return cdr.Record{}, false
	}
	start, err := time.ParseInLocation(cdrDateLayout, primary.CallDate.String(), time.UTC)
	if err != nil {
		return cdr.Record{}, false
	}

	caller := s.c.normalizer.Alternate(primary.Caller.String())
	called := s.c.normalizer.Alternate(primary.Called.String())
	if caller == "" && called == "" {
		return cdr.Record{}, false
	}
	from := start.Add(-s.c.clockSkew).Format(cdrFilterLayout)
	to := start.Add(s.c.clockSkew).Format(cdrFilterLayout)
	lo := max(duration-s.c.durationTolerance, 0)
	hi := duration + s.c.durationTolerance

	key := lookup.ByParties(lookup.SourceCDR, caller, called, from, to).WithDuration(lo, hi)
	filter := cdr.Filter{
		DateFrom:    from,
		DateTo:      to,
		Caller:      caller,
		Called:      called,
		MinDuration: &lo,
		MaxDuration: &hi,
		Limit:       secondaryCandidateLimit,
	}
	result := s.resolveRecord(key, filter, primary.Identifier())
	if result.Status != lookup.StatusFound {
		return cdr.Record{}, false
	}
	if !s.enriched[key] {
		s.enriched[key] = true
		s.emit(recordEvent(lookup.SourceCDR, key, result, true))
	}
	return result.Value, true
}

func (s *scan) enrichSIPHistory(record cdr.Record) {
	recordID := record.Identifier()
	if recordID == "" || s.c.formatter == nil {
		return
	}
	key := lookup.ByRecord(lookup.SourceSIPHistory, recordID)
	result, cached := s.histories.Resolve(s.ctx, key, func(ctx context.Context) (*cdr.SIPHistory, error) {
		return s.c.cdrs.SIPHistory(ctx, recordID)
	})
	s.record(lookup.SourceSIPHistory, result.Status, cached, key, result.Err)
	if result.Status != lookup.StatusFound || s.enriched[key] {
		return
	}
	s.enriched[key] = true
	s.emit(RecordEvent{
		Source:   lookup.SourceSIPHistory,
		MatchKey: key.MatchKey(),
		Status:   lookup.StatusFound,
		Text:     s.c.formatter.SIPHistory(result.Value),
	})
}

func (s *scan) enrichSBCTrace() {
	if s.c.sbcs == nil || s.c.formatter == nil {
		return
	}
	if s.caller == "" && s.called == "" {
		s.logger.Debug("sbc enrichment skipped", "reason", sbcMissingFilter)
		return
	}
	key := lookup.ByParties(lookup.SourceSBC, s.caller, s.called, "", "")
	filter := sbc.Filter{
		Calling:     s.caller,
		Called:      s.called,
		ResultLimit: s.c.sbcResultLimit,
		Recursive:   true,
	}
	result, cached := s.traces.Resolve(s.ctx, key, func(ctx context.Context) (*sbc.Payload, error) {
		payload, err := s.c.sbcs.Fetch(ctx, filter)
		if err != nil {
			return nil, err
		}
		if len(payload.Calls) == 0 {
			return nil, fmt.Errorf("sbc %s: %w", key.MatchKey(), upstream.ErrNotFound)
		}
		return payload, nil
	})
	s.record(lookup.SourceSBC, result.Status, cached, key, result.Err)
	if result.Status != lookup.StatusFound || s.enriched[key] {
		return
	}
	s.enriched[key] = true
	s.emit(RecordEvent{
		Source:   lookup.SourceSBC,
		MatchKey: key.MatchKey(),
		Status:   lookup.StatusFound,
		Text:     s.c.formatter.SBCTrace(result.Value),
	})
}

func (s *scan) record(source lookup.Source, status lookup.Status, cached bool, key lookup.Key, err error) {
	if s.c.recorder != nil {
		s.c.recorder.RecordLookup(s.ctx, string(source), status.String(), cached)
	}
	if cached || status != lookup.StatusFailed {
		return
	}
	s.logger.Warn("correlation lookup failed",
		"backend", string(source),
		"key", key.String(),
		"error_kind", upstream.Kind(err),
		"error", err,
	)
}

func recordEvent(source lookup.Source, key lookup.Key, result lookup.Result[cdr.Record], secondary bool) RecordEvent {
	ev := RecordEvent{
		Source:    source,
		MatchKey:  key.MatchKey(),
		Status:    result.Status,
		Err:       result.Err,
		Secondary: secondary,
	}
	if result.Status == lookup.StatusFound {
		record := result.Value
		ev.Record = &record
	}
	return ev
}
