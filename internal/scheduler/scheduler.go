// Package scheduler fires registered jobs on cron cadences. A job never has
// two executions in flight: a trigger that arrives while the previous
// execution is still running is skipped and logged, never queued.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/kalambet/hostrd/internal/jobs"
	"github.com/kalambet/hostrd/internal/storage"
)

var (
	ErrUnknownJob     = errors.New("unknown job")
	ErrAlreadyRunning = errors.New("job is already running")
	ErrDuplicateJob   = errors.New("job already registered")
	ErrStopped        = errors.New("scheduler is stopped")
)

// RunStore persists job outcomes so the last run survives a restart.
// *storage.Store satisfies it.
type RunStore interface {
	SaveJobRun(ctx context.Context, r storage.JobRunRecord) error
	LatestJobRuns(ctx context.Context) ([]storage.JobRunRecord, error)
}

// Observer receives every finished run and every skipped trigger.
type Observer interface {
	ObserveJobRun(run jobs.JobRun)
	ObserveSkipped(job, reason string)
}

// Info describes one registered job for the operational surface.
type Info struct {
	Name     string       `json:"name"`
	Schedule string       `json:"schedule,omitempty"`
	Next     *time.Time   `json:"next,omitempty"`
	Running  bool         `json:"running"`
	LastRun  *jobs.JobRun `json:"last_run,omitempty"`
}

type entry struct {
	job      jobs.Job
	schedule string
	id       cron.EntryID
	running  atomic.Bool
}

type Scheduler struct {
	cron     *cron.Cron
	logger   *zap.Logger
	runs     RunStore
	observer Observer
	locker   Locker
	now      func() time.Time

	mu       sync.RWMutex
	entries  map[string]*entry
	lastRuns map[string]jobs.JobRun
	stopped  bool // guarded by mu; no wg.Add after it is set

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
}

type Option func(*Scheduler)

// WithLocation evaluates cron expressions in loc instead of UTC.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) { s.cron = newCron(loc, s.logger) }
}

func WithRunStore(r RunStore) Option {
	return func(s *Scheduler) { s.runs = r }
}

func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observer = o }
}

// WithLocker adds a cross-process guard on top of the in-process overlap check.
func WithLocker(l Locker) Option {
	return func(s *Scheduler) { s.locker = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(logger *zap.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("scheduler")
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		logger:   logger,
		now:      time.Now,
		entries:  make(map[string]*entry),
		lastRuns: make(map[string]jobs.JobRun),
		baseCtx:  ctx,
		cancel:   cancel,
	}
	s.cron = newCron(time.UTC, logger)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newCron(loc *time.Location, logger *zap.Logger) *cron.Cron {
	return cron.New(cron.WithLocation(loc), cron.WithLogger(cronLogger{logger.Sugar()}))
}

// Register adds job under its own name. An empty schedule registers the job
// for manual triggering only.
func (s *Scheduler) Register(schedule string, job jobs.Job) error {
	name := job.Name()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, name)
	}
	e := &entry{job: job, schedule: schedule}
	if schedule != "" {
		id, err := s.cron.AddFunc(schedule, func() { s.fire(e) })
		if err != nil {
			return fmt.Errorf("scheduling %s with %q: %w", name, schedule, err)
		}
		e.id = id
	}
	s.entries[name] = e
	return nil
}

// Start loads persisted outcomes and begins firing cadences. ctx bounds the
// initial load only; scheduled executions run until Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}
	if s.runs != nil {
		records, err := s.runs.LatestJobRuns(ctx)
		if err != nil {
			s.logger.Warn("loading last job runs", zap.Error(err))
		}
		s.mu.Lock()
		for _, r := range records {
			if _, ok := s.lastRuns[r.JobName]; !ok {
				s.lastRuns[r.JobName] = fromRecord(r)
			}
		}
		s.mu.Unlock()
	}
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.Jobs())))
	return nil
}

// Stop halts new firings, cancels in-flight executions and waits for them to
// finalize their runs, or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	cronDone := s.cron.Stop()
	s.cancel()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running jobs: %w", ctx.Err())
	}
}

// Trigger runs the named job now and waits for it to finish. The run is
// cancelled by either ctx or Stop, and Stop waits for it like any other.
func (s *Scheduler) Trigger(ctx context.Context, name string) (jobs.JobRun, error) {
	s.mu.Lock()
	e, ok := s.entries[name]
	stopped := s.stopped
	if ok && !stopped {
		s.wg.Add(1)
	}
	s.mu.Unlock()
	if !ok {
		return jobs.JobRun{}, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if stopped {
		return jobs.JobRun{}, ErrStopped
	}
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopCancel := context.AfterFunc(s.baseCtx, cancel)
	defer stopCancel()

	return s.run(ctx, e, "manual")
}

// LastRun returns the most recent finished run of the named job.
func (s *Scheduler) LastRun(name string) (jobs.JobRun, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.lastRuns[name]
	return r, ok
}

// Jobs lists registered jobs sorted by name.
func (s *Scheduler) Jobs() []Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]Info, 0, len(s.entries))
	for name, e := range s.entries {
		info := Info{Name: name, Schedule: e.schedule, Running: e.running.Load()}
		if e.id != 0 {
			if next := s.cron.Entry(e.id).Next; !next.IsZero() {
				info.Next = &next
			}
		}
		if r, ok := s.lastRuns[name]; ok {
			info.LastRun = &r
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

func (s *Scheduler) fire(e *entry) {
	s.wg.Add(1)
	defer s.wg.Done()
	if _, err := s.run(s.baseCtx, e, "cron"); err != nil && !errors.Is(err, ErrAlreadyRunning) {
		s.logger.Error("scheduled run failed", zap.String("job", e.job.Name()), zap.Error(err))
	}
}

func (s *Scheduler) run(ctx context.Context, e *entry, trigger string) (jobs.JobRun, error) {
	name := e.job.Name()
	logger := s.logger.With(zap.String("job", name), zap.String("trigger", trigger))

	if !e.running.CompareAndSwap(false, true) {
		logger.Warn("previous execution still running, skipping trigger")
		s.skipped(name, "overlap")
		return jobs.JobRun{}, fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
	}
	defer e.running.Store(false)

	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, name)
		switch {
		case errors.Is(err, ErrLockHeld):
			logger.Warn("job is running on another instance, skipping trigger")
			s.skipped(name, "locked")
			return jobs.JobRun{}, fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
		case err != nil:
			logger.Warn("distributed lock unavailable, running with local guard only", zap.Error(err))
		default:
			defer release()
		}
	}

	logger.Info("job started")
	run := s.execute(ctx, e.job)
	if run.JobName == "" {
		run.JobName = name
	}

	fields := []zap.Field{
		zap.String("outcome", string(run.Outcome)),
		zap.Duration("duration", run.Duration()),
		zap.Int("items_processed", run.ItemsProcessed),
		zap.Int("errors", run.ErrorsEncountered),
	}
	if run.Outcome == jobs.OutcomeSuccess {
		logger.Info("job completed", fields...)
	} else {
		logger.Error("job completed with errors", append(fields, zap.String("last_error", run.LastError))...)
	}

	s.mu.Lock()
	s.lastRuns[name] = run
	s.mu.Unlock()

	if s.observer != nil {
		s.observer.ObserveJobRun(run)
	}
	if s.runs != nil {
		if err := s.runs.SaveJobRun(context.WithoutCancel(ctx), toRecord(run)); err != nil {
			logger.Warn("persisting job run", zap.Error(err))
		}
	}
	return run, nil
}

// execute turns a panic inside the job into a Fatal run.
func (s *Scheduler) execute(ctx context.Context, job jobs.Job) (run jobs.JobRun) {
	started := s.now().UTC()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panicked",
				zap.String("job", job.Name()),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			run = jobs.JobRun{
				JobName:    job.Name(),
				StartedAt:  started,
				FinishedAt: s.now().UTC(),
				Outcome:    jobs.OutcomeFatal,
				LastError:  fmt.Sprintf("panic: %v", r),
			}
		}
	}()
	return job.Execute(ctx)
}

func (s *Scheduler) skipped(name, reason string) {
	if s.observer != nil {
		s.observer.ObserveSkipped(name, reason)
	}
}

func toRecord(r jobs.JobRun) storage.JobRunRecord {
	return storage.JobRunRecord{
		ID:                uuid.NewString(),
		JobName:           r.JobName,
		StartedAt:         r.StartedAt,
		FinishedAt:        r.FinishedAt,
		Outcome:           string(r.Outcome),
		ItemsProcessed:    r.ItemsProcessed,
		ErrorsEncountered: r.ErrorsEncountered,
		LastError:         r.LastError,
	}
}

func fromRecord(r storage.JobRunRecord) jobs.JobRun {
	return jobs.JobRun{
		JobName:           r.JobName,
		StartedAt:         r.StartedAt,
		FinishedAt:        r.FinishedAt,
		Outcome:           jobs.Outcome(r.Outcome),
		ItemsProcessed:    r.ItemsProcessed,
		ErrorsEncountered: r.ErrorsEncountered,
		LastError:         r.LastError,
	}
}

// cronLogger routes cron's own messages through zap.
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}
