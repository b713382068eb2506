// Package jobs runs the periodic SBC trace sync and retention cleanup.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrJobRunning is returned by RunNow while the job is already running.
var ErrJobRunning = errors.New("job already running")

// ErrUnknownJob is returned by RunNow for a name never added.
var ErrUnknownJob = errors.New("unknown job")

// Job is a named unit of periodic work.
type Job struct {
	Name string
	// Schedule is a standard five-field cron expression or a descriptor
	// such as "@every 1m".
	Schedule string
	// RunAtStart runs the job once as soon as the scheduler starts.
	RunAtStart bool
	Run        func(ctx context.Context) error
}

// Recorder receives job outcomes for metrics.
type Recorder interface {
	RecordJobRun(ctx context.Context, job, outcome string, elapsed time.Duration)
}

type scheduledJob struct {
	Job
	schedule cron.Schedule
	running  atomic.Bool
}

// ParseSchedule parses a job schedule the way Add does.
func ParseSchedule(expr string) (cron.Schedule, error) {
	return cron.ParseStandard(expr)
}

// Scheduler runs jobs on their cron schedules. A job never overlaps itself:
// a scheduled or on-demand run that arrives while the previous one is
// still busy is skipped.
type Scheduler struct {
	logger   *slog.Logger
	recorder Recorder
	location *time.Location

	mu   sync.Mutex
	jobs map[string]*scheduledJob
	wg   sync.WaitGroup
}

func NewScheduler(logger *slog.Logger, recorder Recorder) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger:   logger,
		recorder: recorder,
		location: time.Local,
		jobs:     make(map[string]*scheduledJob),
	}
}

// Add registers job. Names must be unique and schedules valid.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if job.Run == nil {
		return fmt.Errorf("job %q has no run function", job.Name)
	}
	schedule, err := ParseSchedule(job.Schedule)
	if err != nil {
		return fmt.Errorf("job %q schedule %q: %w", job.Name, job.Schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("job %q already registered", job.Name)
	}
	s.jobs[job.Name] = &scheduledJob{Job: job, schedule: schedule}
	return nil
}

// NextRun returns the first scheduled run of the named job after t.
func (s *Scheduler) NextRun(name string, t time.Time) (time.Time, error) {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return job.schedule.Next(t.In(s.location)), nil
}

// Start hands the registered jobs to a cron runner. The runner stops when
// ctx is done; Wait blocks until running jobs have returned.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runner := cron.New(
		cron.WithLocation(s.location),
		cron.WithLogger(cronLogger{logger: s.logger}),
		cron.WithChain(cron.Recover(cronLogger{logger: s.logger})),
	)
	now := time.Now().In(s.location)
	for _, job := range s.jobs {
		job := job
		runner.Schedule(job.schedule, cron.FuncJob(func() {
			s.runOnce(ctx, job, job.Run)
		}))
		s.logger.Info("job scheduled",
			"job", job.Name,
			"schedule", job.Schedule,
			"next_run", job.schedule.Next(now).Format(time.RFC3339),
		)
		if job.RunAtStart {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.runOnce(ctx, job, job.Run)
			}()
		}
	}
	runner.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-ctx.Done()
		<-runner.Stop().Done()
	}()
}

func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// RunNow runs the named job synchronously, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	return s.Exclusive(ctx, name, nil)
}

// Exclusive runs fn under the named job's overlap guard, outside its
// schedule. A nil fn runs the job itself.
func (s *Scheduler) Exclusive(ctx context.Context, name string, fn func(context.Context) error) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if fn == nil {
		fn = job.Run
	}
	ran, err := s.runOnce(ctx, job, fn)
	if !ran {
		return fmt.Errorf("%w: %s", ErrJobRunning, name)
	}
	return err
}

// runOnce runs fn unless job is already running. It reports whether fn ran.
func (s *Scheduler) runOnce(ctx context.Context, job *scheduledJob, fn func(context.Context) error) (bool, error) {
	if ctx.Err() != nil {
		return true, ctx.Err()
	}
	if !job.running.CompareAndSwap(false, true) {
		s.logger.Warn("job run skipped, previous run still active", "job", job.Name)
		s.record(ctx, job.Name, "skipped", 0)
		return false, nil
	}
	defer job.running.Store(false)

	started := time.Now()
	err := fn(ctx)
	elapsed := time.Since(started)
	if err != nil {
		s.logger.Warn("job run failed", "job", job.Name, "duration_ms", elapsed.Milliseconds(), "error", err)
		s.record(ctx, job.Name, "error", elapsed)
		return true, err
	}
	s.logger.Debug("job run complete", "job", job.Name, "duration_ms", elapsed.Milliseconds())
	s.record(ctx, job.Name, "ok", elapsed)
	return true, nil
}

func (s *Scheduler) record(ctx context.Context, job, outcome string, elapsed time.Duration) {
	if s.recorder != nil {
		s.recorder.RecordJobRun(ctx, job, outcome, elapsed)
	}
}

// cronLogger routes the cron runner's own messages to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
