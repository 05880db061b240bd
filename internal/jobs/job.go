package jobs

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/hostrd/internal/storage"
)

// Job names, used as scheduler identities and in the operational surface.
const (
	NameEmbeddings    = "embeddings"
	NameRatings       = "ratings"
	NameRetention     = "retention"
	NameAnalytics     = "analytics"
	NameBookingStatus = "booking_status"
	NameProactive     = "proactive_messages"
	NameSurveys       = "surveys"
)

// Outcome summarises a JobRun.
type Outcome string

const (
	OutcomeSuccess        Outcome = "Success"
	OutcomePartialFailure Outcome = "PartialFailure"
	OutcomeFatal          Outcome = "Fatal"
)

// JobRun is the immutable record of one execution. ItemsProcessed counts
// tenants handled without error and ErrorsEncountered tenants that failed, so
// their sum is the number of tenants iterated. Counters holds per-job row
// counts (e.g. "embedded", "deleted_messages").
type JobRun struct {
	JobName           string         `json:"job_name"`
	StartedAt         time.Time      `json:"started_at"`
	FinishedAt        time.Time      `json:"finished_at"`
	Outcome           Outcome        `json:"outcome"`
	ItemsProcessed    int            `json:"items_processed"`
	ErrorsEncountered int            `json:"errors_encountered"`
	LastError         string         `json:"last_error,omitempty"`
	Cancelled         bool           `json:"cancelled,omitempty"`
	Counters          map[string]int `json:"counters,omitempty"`
}

// Duration returns how long the run took.
func (r JobRun) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Job is one autonomous tenant-iterating task.
type Job interface {
	Name() string
	Execute(ctx context.Context) JobRun
}

// SessionFactory opens isolated units of work.
type SessionFactory interface {
	NewUnitOfWork(ctx context.Context) (*storage.Session, error)
}

// Deps are shared by every job.
type Deps struct {
	Sessions SessionFactory
	Logger   *zap.Logger
	// Parallelism bounds how many tenants are handled at once. Zero means 1.
	Parallelism int
	// Now defaults to time.Now in UTC.
	Now func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now().UTC()
}

func (d Deps) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

// withSession runs fn in a fresh unit of work, committing on success.
func withSession(ctx context.Context, f SessionFactory, fn func(*storage.Session) error) error {
	sess, err := f.NewUnitOfWork(ctx)
	if err != nil {
		return err
	}
	defer sess.Rollback()

	if err := fn(sess); err != nil {
		return err
	}
	return sess.Commit()
}

// tally accumulates named counters from concurrently handled tenants.
type tally struct {
	mu sync.Mutex
	m  map[string]int
}

func (t *tally) add(name string, n int) {
	if n == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.m == nil {
		t.m = make(map[string]int)
	}
	t.m[name] += n
}

func (t *tally) snapshot() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.m) == 0 {
		return nil
	}
	out := make(map[string]int, len(t.m))
	for k, v := range t.m {
		out[k] = v
	}
	return out
}

type tenantFunc func(ctx context.Context, tenant storage.Tenant, counts *tally) error

// forEachTenant lists active tenants and runs fn for each of them. It stops
// starting new tenants once ctx is done and reports what was finished.
func (d Deps) forEachTenant(ctx context.Context, job string, fn tenantFunc) JobRun {
	log := d.logger().With(zap.String("job", job))
	run := JobRun{JobName: job, StartedAt: d.now()}

	var tenants []storage.Tenant
	err := withSession(ctx, d.Sessions, func(s *storage.Session) error {
		var err error
		tenants, err = s.ListActiveTenants(ctx)
		return err
	})
	if err != nil {
		run.Outcome = OutcomeFatal
		run.LastError = fmt.Sprintf("listing tenants: %v", err)
		run.FinishedAt = d.now()
		log.Error("job failed before iterating tenants", zap.Error(err))
		return run
	}

	limit := d.Parallelism
	if limit <= 0 {
		limit = 1
	}

	var (
		mu        sync.Mutex
		counts    tally
		cancelled bool
		failures  []string
	)
	g := new(errgroup.Group)
	g.SetLimit(limit)

	for _, tenant := range tenants {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				mu.Lock()
				cancelled = true
				mu.Unlock()
				return nil
			}

			err := runTenant(ctx, fn, tenant, &counts)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				run.ErrorsEncountered++
				failures = append(failures, tenant.ID)
				run.LastError = fmt.Sprintf("tenant %s: %v", tenant.ID, err)
				log.Warn("tenant failed", zap.String("tenant_id", tenant.ID), zap.Error(err))
				return nil
			}
			run.ItemsProcessed++
			return nil
		})
	}
	g.Wait()

	run.Counters = counts.snapshot()
	run.Cancelled = cancelled
	run.FinishedAt = d.now()
	switch {
	case run.ErrorsEncountered > 0 || cancelled:
		run.Outcome = OutcomePartialFailure
		if cancelled && run.LastError == "" {
			run.LastError = fmt.Sprintf("cancelled: %v", ctx.Err())
		}
	default:
		run.Outcome = OutcomeSuccess
	}

	sort.Strings(failures)
	log.Info("job finished",
		zap.String("outcome", string(run.Outcome)),
		zap.Int("tenants", len(tenants)),
		zap.Int("processed", run.ItemsProcessed),
		zap.Int("errors", run.ErrorsEncountered),
		zap.Strings("failed_tenants", failures),
		zap.Bool("cancelled", cancelled),
		zap.Any("counters", run.Counters),
		zap.Duration("duration", run.Duration()),
	)
	return run
}

// runTenant turns a panic in fn into an error so one tenant cannot take the
// process down from a worker goroutine.
func runTenant(ctx context.Context, fn tenantFunc, tenant storage.Tenant, counts *tally) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx, tenant, counts)
}

// startOfDay truncates t to midnight in its own location.
func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
