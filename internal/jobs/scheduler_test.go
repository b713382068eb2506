package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type recordedRun struct {
	job     string
	outcome string
}

type fakeRecorder struct {
	mu   sync.Mutex
	runs []recordedRun
}

func (r *fakeRecorder) RecordJobRun(_ context.Context, job, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, recordedRun{job: job, outcome: outcome})
}

func (r *fakeRecorder) outcomes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.runs))
	for _, run := range r.runs {
		out = append(out, run.outcome)
	}
	return out
}

func TestSchedulerAddValidatesJobs(t *testing.T) {
	t.Parallel()

	s := NewScheduler(nil, nil)
	noop := func(context.Context) error { return nil }
	tests := []struct {
		name string
		job  Job
	}{
		{name: "missing name", job: Job{Schedule: "@every 1s", Run: noop}},
		{name: "missing schedule", job: Job{Name: "a", Run: noop}},
		{name: "bad schedule", job: Job{Name: "a", Schedule: "61 * * * *", Run: noop}},
		{name: "missing run", job: Job{Name: "a", Schedule: "@every 1s"}},
	}
	for _, tt := range tests {
		if err := s.Add(tt.job); err == nil {
			t.Fatalf("Add(%s) error=nil", tt.name)
		}
	}
	if err := s.Add(Job{Name: "a", Schedule: "* * * * *", Run: noop}); err != nil {
		t.Fatalf("Add() error: %v", err)
	}
	if err := s.Add(Job{Name: "a", Schedule: "* * * * *", Run: noop}); err == nil {
		t.Fatal("Add(duplicate) error=nil")
	}
}

func TestSchedulerPreventsOverlap(t *testing.T) {
	t.Parallel()

	recorder := &fakeRecorder{}
	s := NewScheduler(nil, recorder)
	release := make(chan struct{})
	started := make(chan struct{})
	var calls atomic.Int32
	if err := s.Add(Job{Name: "slow", Schedule: "@hourly", Run: func(context.Context) error {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return nil
	}}); err != nil {
		t.Fatalf("Add() error: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.RunNow(context.Background(), "slow") }()
	<-started

	if err := s.RunNow(context.Background(), "slow"); !errors.Is(err, ErrJobRunning) {
		t.Fatalf("overlapping RunNow() error=%v, want ErrJobRunning", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("RunNow() error: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("job ran %d times, want 1", calls.Load())
	}
	if got := recorder.outcomes(); len(got) != 2 || got[0] != "skipped" || got[1] != "ok" {
		t.Fatalf("recorded outcomes=%v", got)
	}
}

func TestSchedulerExclusiveAndUnknownJob(t *testing.T) {
	t.Parallel()

	s := NewScheduler(nil, nil)
	if err := s.RunNow(context.Background(), "missing"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("RunNow(missing) error=%v, want ErrUnknownJob", err)
	}

	boom := errors.New("boom")
	if err := s.Add(Job{Name: "fetch", Schedule: "@hourly", Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("Add() error: %v", err)
	}
	var ranCustom bool
	err := s.Exclusive(context.Background(), "fetch", func(context.Context) error {
		ranCustom = true
		return boom
	})
	if !ranCustom || !errors.Is(err, boom) {
		t.Fatalf("Exclusive() ran=%v error=%v", ranCustom, err)
	}
}

func TestSchedulerRunsOnTickAndStops(t *testing.T) {
	t.Parallel()

	s := NewScheduler(nil, nil)
	var calls atomic.Int32
	ticked := make(chan struct{}, 16)
	if err := s.Add(Job{Name: "tick", Schedule: "@every 1s", RunAtStart: true, Run: func(context.Context) error {
		calls.Add(1)
		ticked <- struct{}{}
		return nil
	}}); err != nil {
		t.Fatalf("Add() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	for i := 0; i < 2; i++ {
		select {
		case <-ticked:
		case <-time.After(5 * time.Second):
			t.Fatalf("job ran %d times before timeout", calls.Load())
		}
	}
	cancel()

	waited := make(chan struct{})
	go func() {
		s.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
}

func TestSchedulerNextRunUnknownJob(t *testing.T) {
	t.Parallel()

	if _, err := NewScheduler(nil, nil).NextRun("missing", time.Now()); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("NextRun(missing) error=%v, want ErrUnknownJob", err)
	}
}
