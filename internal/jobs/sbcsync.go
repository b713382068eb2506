package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ongoingai/calltrace/internal/sbc"
	"github.com/ongoingai/calltrace/internal/trace"
)

const (
	DefaultFetchWindow = 2 * time.Minute
	DefaultFetchLimit  = 100
	DefaultRetention   = 5 * 24 * time.Hour

	// DefaultFetchSchedule runs the fetch every minute.
	DefaultFetchSchedule = "* * * * *"
	// DefaultCleanupSchedule runs the cleanup daily at 03:00 local time.
	DefaultCleanupSchedule = "0 3 * * *"

	// Job names used by the scheduler and the on-demand fetch route.
	SBCFetchJob   = "sbc_fetch"
	SBCCleanupJob = "sbc_cleanup"
)

// TraceFetcher fetches SBC call_trace payloads.
type TraceFetcher interface {
	Fetch(ctx context.Context, filter sbc.Filter) (*sbc.Payload, error)
}

// WriteRecorder counts trace rows that could not be stored.
type WriteRecorder interface {
	RecordTraceWriteFailure(ctx context.Context, operation, errorClass string)
}

// SyncOptions tunes an SBCSync. Zero values select defaults.
type SyncOptions struct {
	Window    time.Duration
	Limit     int
	Retention time.Duration
	Logger    *slog.Logger
	Recorder  WriteRecorder
}

// SBCSync copies recent SBC calls into the trace store and expires old ones.
type SBCSync struct {
	fetcher   TraceFetcher
	store     trace.Store
	window    time.Duration
	limit     int
	retention time.Duration
	logger    *slog.Logger
	recorder  WriteRecorder
	now       func() time.Time
}

func NewSBCSync(fetcher TraceFetcher, store trace.Store, opts SyncOptions) *SBCSync {
	s := &SBCSync{
		fetcher:   fetcher,
		store:     store,
		window:    opts.Window,
		limit:     opts.Limit,
		retention: opts.Retention,
		logger:    opts.Logger,
		recorder:  opts.Recorder,
		now:       time.Now,
	}
	if s.window <= 0 {
		s.window = DefaultFetchWindow
	}
	if s.limit <= 0 {
		s.limit = DefaultFetchLimit
	}
	if s.retention <= 0 {
		s.retention = DefaultRetention
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// FetchResult summarizes one FetchRecent run.
type FetchResult struct {
	Fetched int      `json:"fetched"`
	Added   int      `json:"added"`
	IDs     []string `json:"ids"`
}

// FetchRecent pulls calls started within the window and stores the ones not
// seen before, one row per call.
func (s *SBCSync) FetchRecent(ctx context.Context) (FetchResult, error) {
	payload, err := s.fetcher.Fetch(ctx, sbc.Filter{
		ResultLimit: s.limit,
		Recursive:   true,
		Start:       s.now().Add(-s.window),
	})
	if err != nil {
		return FetchResult{}, err
	}
	return s.Save(ctx, payload)
}

// Save stores the calls of payload whose keys are not yet in the store.
func (s *SBCSync) Save(ctx context.Context, payload *sbc.Payload) (FetchResult, error) {
	result := FetchResult{Fetched: len(payload.Calls), IDs: []string{}}
	if len(payload.Calls) == 0 {
		return result, nil
	}

	existing, err := s.store.ExistingIDs(ctx, payload.Keys())
	if err != nil {
		return result, err
	}

	var errs []error
	for _, call := range payload.Calls {
		if existing[call.Key] {
			continue
		}
		body, ok := payload.SingleCall(call.Key)
		if !ok {
			continue
		}
		row := &trace.SBCTrace{
			ID:      call.Key,
			Payload: body,
			Calling: call.Calling(),
			Called:  call.Called(),
		}
		if started, ok := call.StartedAt(); ok {
			row.CallTimestamp = &started
		}

		inserted, err := s.store.UpsertIfAbsent(ctx, row)
		if err != nil {
			class := trace.ClassifyWriteError(err)
			s.logger.Error("store sbc trace failed",
				"sbc_call_id", call.Key,
				"error_class", class,
				"error", err,
			)
			if s.recorder != nil {
				s.recorder.RecordTraceWriteFailure(ctx, "upsert", class)
			}
			errs = append(errs, err)
			continue
		}
		if inserted {
			result.Added++
			result.IDs = append(result.IDs, call.Key)
		}
	}
	if result.Added > 0 {
		s.logger.Info("sbc traces stored", "added", result.Added, "fetched", result.Fetched, "ids", result.IDs)
	}
	return result, errors.Join(errs...)
}

// Cleanup deletes traces older than the retention.
func (s *SBCSync) Cleanup(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.retention)
	deleted, err := s.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		if s.recorder != nil {
			s.recorder.RecordTraceWriteFailure(ctx, "delete", trace.ClassifyWriteError(err))
		}
		return 0, err
	}
	if deleted > 0 {
		s.logger.Info("expired sbc traces deleted", "deleted", deleted, "cutoff", cutoff.UTC().Format(time.RFC3339))
	}
	return deleted, nil
}

// FetchJob wraps FetchRecent for the scheduler.
func (s *SBCSync) FetchJob(schedule string) Job {
	return Job{
		Name:     SBCFetchJob,
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			_, err := s.FetchRecent(ctx)
			return err
		},
	}
}

// CleanupJob wraps Cleanup for the scheduler.
func (s *SBCSync) CleanupJob(schedule string) Job {
	return Job{
		Name:     SBCCleanupJob,
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			_, err := s.Cleanup(ctx)
			return err
		},
	}
}
