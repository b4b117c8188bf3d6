package sched

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"lukechampine.com/blake3"
)

var (
	// ErrUnknownJob is returned when a trigger names a job never registered.
	ErrUnknownJob = errors.New("sched: unknown job")
	// ErrJobBusy is returned when a trigger hits a job already running.
	ErrJobBusy = errors.New("sched: job already running")
)

// Job is a repeating unit of work. Run is invoked on a fixed cadence with at
// most one execution in flight at a time; an execution still running when the
// next tick fires makes that tick a no-op.
type Job struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) error
}

type job struct {
	Job
	running atomic.Bool
}

// Scheduler drives registered jobs until its context is cancelled.
type Scheduler struct {
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	jobs map[string]*job
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithClock sets the function used to derive run timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) {
		if clock != nil {
			s.now = clock
		}
	}
}

// New constructs an empty scheduler.
func New(logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		logger: logger,
		now:    time.Now,
		jobs:   make(map[string]*job),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a job. Names must be unique.
func (s *Scheduler) Add(j Job) error {
	if j.Name == "" {
		return fmt.Errorf("sched: job name required")
	}
	if j.Every <= 0 {
		return fmt.Errorf("sched: job %s: cadence required", j.Name)
	}
	if j.Run == nil {
		return fmt.Errorf("sched: job %s: run func required", j.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[j.Name]; exists {
		return fmt.Errorf("sched: job %s already registered", j.Name)
	}
	s.jobs[j.Name] = &job{Job: j}
	return nil
}

// Start runs every registered job on its cadence and blocks until the
// context is cancelled and all in-flight runs have returned.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	jobs := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, j := range jobs {
		wg.Add(1)
		go func(j *job) {
			defer wg.Done()
			ticker := time.NewTicker(j.Every)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.runOnce(ctx, j)
				}
			}
		}(j)
	}
	wg.Wait()
}

// Trigger runs a job immediately, outside its cadence. Used by the admin
// surface for operator-initiated runs.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if !j.running.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s", ErrJobBusy, name)
	}
	defer j.running.Store(false)
	return s.execute(ctx, j)
}

func (s *Scheduler) runOnce(ctx context.Context, j *job) {
	if !j.running.CompareAndSwap(false, true) {
		s.logger.Warn("job tick skipped, previous run still active", "job", j.Name)
		return
	}
	defer j.running.Store(false)
	if err := s.execute(ctx, j); err != nil {
		s.logger.Error("job run failed", "job", j.Name, "error", err)
	}
}

func (s *Scheduler) execute(ctx context.Context, j *job) error {
	start := s.now()
	runID := runID(j.Name, start)
	logger := s.logger.With("job", j.Name, "run_id", runID)
	logger.Info("job run started")
	err := j.Run(ctx)
	elapsed := s.now().Sub(start)
	if err != nil {
		logger.Error("job run finished with error", "elapsed", elapsed, "error", err)
		return err
	}
	logger.Info("job run finished", "elapsed", elapsed)
	return nil
}

// runID derives a short stable identifier for one job execution so log lines
// from the same run can be correlated.
func runID(name string, start time.Time) string {
	buf := make([]byte, 0, len(name)+8)
	buf = append(buf, name...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(start.UnixNano()))
	sum := blake3.Sum256(buf)
	return hex.EncodeToString(sum[:6])
}
