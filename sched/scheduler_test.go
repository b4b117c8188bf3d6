package sched

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestSchedulerRunsJobsOnCadence(t *testing.T) {
	s := New(silentLogger())
	var runs atomic.Int64
	err := s.Add(Job{
		Name:  "settle",
		Every: 10 * time.Millisecond,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("add job: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	s.Start(ctx)

	if got := runs.Load(); got < 3 {
		t.Fatalf("runs = %d, want at least 3", got)
	}
}

func TestSchedulerSkipsOverlappingTicks(t *testing.T) {
	s := New(silentLogger())
	var started atomic.Int64
	release := make(chan struct{})
	err := s.Add(Job{
		Name:  "slow",
		Every: 5 * time.Millisecond,
		Run: func(ctx context.Context) error {
			started.Add(1)
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("add job: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	time.Sleep(60 * time.Millisecond)
	if got := started.Load(); got != 1 {
		cancel()
		t.Fatalf("started = %d, want 1 while first run blocks", got)
	}
	close(release)
	cancel()
	<-done
}

func TestTrigger(t *testing.T) {
	s := New(silentLogger())
	var runs atomic.Int64
	err := s.Add(Job{
		Name:  "reconcile",
		Every: time.Hour,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("add job: %v", err)
	}

	if err := s.Trigger(context.Background(), "reconcile"); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1", got)
	}
	if err := s.Trigger(context.Background(), "missing"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("expected ErrUnknownJob, got %v", err)
	}
}

func TestTriggerBusyJob(t *testing.T) {
	s := New(silentLogger())
	release := make(chan struct{})
	err := s.Add(Job{
		Name:  "slow",
		Every: time.Hour,
		Run: func(ctx context.Context) error {
			<-release
			return nil
		},
	})
	if err != nil {
		t.Fatalf("add job: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Trigger(context.Background(), "slow")
	}()
	time.Sleep(10 * time.Millisecond)

	if err := s.Trigger(context.Background(), "slow"); !errors.Is(err, ErrJobBusy) {
		t.Fatalf("expected ErrJobBusy, got %v", err)
	}
	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("first trigger: %v", err)
	}
}

func TestAddValidation(t *testing.T) {
	s := New(silentLogger())
	noop := func(ctx context.Context) error { return nil }
	if err := s.Add(Job{Every: time.Second, Run: noop}); err == nil {
		t.Fatal("expected error for missing name")
	}
	if err := s.Add(Job{Name: "a", Run: noop}); err == nil {
		t.Fatal("expected error for missing cadence")
	}
	if err := s.Add(Job{Name: "a", Every: time.Second}); err == nil {
		t.Fatal("expected error for missing run func")
	}
	if err := s.Add(Job{Name: "a", Every: time.Second, Run: noop}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Add(Job{Name: "a", Every: time.Second, Run: noop}); err == nil {
		t.Fatal("expected error for duplicate name")
	}
}

func TestRunIDStableForSameInputs(t *testing.T) {
	at := time.Unix(1700000000, 0)
	if runID("settle", at) != runID("settle", at) {
		t.Fatal("run id not deterministic")
	}
	if runID("settle", at) == runID("reconcile", at) {
		t.Fatal("run id collision across jobs")
	}
}
