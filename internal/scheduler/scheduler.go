// Package scheduler runs named jobs on fixed schedules and never lets a job
// overlap with itself.
//
// Each job tracks its schedule, last and next run, and an in-flight flag. A
// run that comes due while the previous one is still going is skipped and
// counted. An optional Locker extends the guarantee across processes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrInFlight is returned by Trigger when the job is already running,
	// here or, with a Locker, in another process.
	ErrInFlight = errors.New("job already running")
	// ErrUnknownJob is returned for names that were never registered.
	ErrUnknownJob = errors.New("unknown job")
)

// JobFunc does one run of a job. The result is kept for Status and returned
// by Trigger.
type JobFunc func(ctx context.Context) (any, error)

// Locker grants cross-process exclusive runs. ok is false when another holder
// has the lock.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (unlock func(), ok bool, err error)
}

// RunRecordFunc is an optional callback with outcome "ok", "error" or "skipped".
type RunRecordFunc func(job, outcome string)

// JobStatus is a point-in-time view of one job.
type JobStatus struct {
	Name       string    `json:"name"`
	Schedule   string    `json:"schedule"`
	LastRun    time.Time `json:"last_run,omitempty"`
	NextRun    time.Time `json:"next_run"`
	InFlight   bool      `json:"in_flight"`
	Runs       int       `json:"runs"`
	Skips      int       `json:"skips"`
	LastError  string    `json:"last_error,omitempty"`
	LastResult any       `json:"last_result,omitempty"`
}

type job struct {
	name       string
	schedule   Schedule
	fn         JobFunc
	lastRun    time.Time
	nextRun    time.Time
	inFlight   bool
	runs       int
	skips      int
	lastError  string
	lastResult any
}

// Scheduler owns the job table.
type Scheduler struct {
	mu      sync.Mutex
	jobs    map[string]*job
	tick    time.Duration
	lockTTL time.Duration
	locker  Locker
	now     func() time.Time
	onRun   RunRecordFunc
	wg      sync.WaitGroup
	logger  *zap.Logger
}

// New creates a Scheduler that checks for due jobs every tick.
func New(tick time.Duration, logger *zap.Logger) *Scheduler {
	if tick <= 0 {
		tick = 30 * time.Second
	}
	return &Scheduler{
		jobs:    make(map[string]*job),
		tick:    tick,
		lockTTL: time.Hour,
		now:     time.Now,
		logger:  logger,
	}
}

// SetLocker enables cross-process exclusion. ttl bounds how long a crashed
// holder can block the job.
func (s *Scheduler) SetLocker(l Locker, ttl time.Duration) {
	s.locker = l
	if ttl > 0 {
		s.lockTTL = ttl
	}
}

// SetClock overrides the time source.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// SetRunRecorder configures the metrics callback.
func (s *Scheduler) SetRunRecorder(fn RunRecordFunc) {
	s.onRun = fn
}

// Register adds a job. Its first run is the schedule's next time after now.
func (s *Scheduler) Register(name string, sched Schedule, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %q already registered", name)
	}
	s.jobs[name] = &job{name: name, schedule: sched, fn: fn, nextRun: sched.Next(s.now())}
	return nil
}

// Run checks for due jobs every tick until ctx is cancelled, then waits for
// running jobs to return.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.Status())), zap.Duration("tick", s.tick))

	for {
		select {
		case <-ticker.C:
			s.RunPending(ctx)
		case <-ctx.Done():
			s.wg.Wait()
			s.logger.Info("scheduler stopped")
			return nil
		}
	}
}

// RunPending starts every job whose next run time has passed. Jobs still in
// flight are skipped for this slot.
func (s *Scheduler) RunPending(ctx context.Context) {
	now := s.now()
	var due []*job

	s.mu.Lock()
	for _, j := range s.jobs {
		if now.Before(j.nextRun) {
			continue
		}
		j.nextRun = j.schedule.Next(now)
		if j.inFlight {
			j.skips++
			s.logger.Warn("scheduler: previous run still in flight, skipping",
				zap.String("job", j.name),
				zap.Time("next_run", j.nextRun),
			)
			s.record(j.name, "skipped")
			continue
		}
		j.inFlight = true
		due = append(due, j)
	}
	s.mu.Unlock()

	for _, j := range due {
		s.wg.Add(1)
		go func(j *job) {
			defer s.wg.Done()
			_, _ = s.execute(ctx, j)
		}(j)
	}
}

// Trigger runs the named job now and waits for it.
func (s *Scheduler) Trigger(ctx context.Context, name string) (any, error) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	if j.inFlight {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrInFlight, name)
	}
	j.inFlight = true
	s.mu.Unlock()

	return s.execute(ctx, j)
}

// execute runs j, which the caller has already marked in flight.
func (s *Scheduler) execute(ctx context.Context, j *job) (any, error) {
	defer func() {
		s.mu.Lock()
		j.inFlight = false
		s.mu.Unlock()
	}()

	if s.locker != nil {
		unlock, ok, err := s.locker.TryLock(ctx, j.name, s.lockTTL)
		if err != nil || !ok {
			s.mu.Lock()
			j.skips++
			if err != nil {
				j.lastError = "lock: " + err.Error()
			}
			s.mu.Unlock()
			s.record(j.name, "skipped")
			if err != nil {
				s.logger.Warn("scheduler: lock unavailable, skipping", zap.String("job", j.name), zap.Error(err))
				return nil, fmt.Errorf("acquire lock for %q: %w", j.name, err)
			}
			s.logger.Info("scheduler: job running elsewhere, skipping", zap.String("job", j.name))
			return nil, fmt.Errorf("%w: %q holds the lock elsewhere", ErrInFlight, j.name)
		}
		defer unlock()
	}

	started := s.now()
	result, err := s.safeRun(ctx, j)

	s.mu.Lock()
	j.lastRun = started
	j.runs++
	j.lastResult = result
	j.lastError = ""
	if err != nil {
		j.lastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("scheduler: job failed", zap.String("job", j.name), zap.Error(err))
		s.record(j.name, "error")
		return result, err
	}
	s.record(j.name, "ok")
	return result, nil
}

// safeRun converts a panicking job into an error so the in-flight flag is
// always cleared.
func (s *Scheduler) safeRun(ctx context.Context, j *job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %q panicked: %v", j.name, r)
		}
	}()
	return j.fn(ctx)
}

// Status returns every job, ordered by name.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, JobStatus{
			Name:       j.name,
			Schedule:   j.schedule.String(),
			LastRun:    j.lastRun,
			NextRun:    j.nextRun,
			InFlight:   j.inFlight,
			Runs:       j.runs,
			Skips:      j.skips,
			LastError:  j.lastError,
			LastResult: j.lastResult,
		})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

func (s *Scheduler) record(name, outcome string) {
	if s.onRun != nil {
		s.onRun(name, outcome)
	}
}
