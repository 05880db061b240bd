package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/kalambet/hostrd/internal/storage"
)

// AnalyticsJob rolls the previous day's messages, tokens and tasks into one
// usage_daily row per tenant. Re-running for the same day overwrites the row.
type AnalyticsJob struct {
	deps Deps
}

func NewAnalyticsJob(deps Deps) *AnalyticsJob {
	return &AnalyticsJob{deps: deps}
}

func (j *AnalyticsJob) Name() string { return NameAnalytics }

func (j *AnalyticsJob) Execute(ctx context.Context) JobRun {
	return j.ExecuteFor(ctx, startOfDay(j.deps.now()).AddDate(0, 0, -1))
}

// ExecuteFor rolls up the calendar day containing day.
func (j *AnalyticsJob) ExecuteFor(ctx context.Context, day time.Time) JobRun {
	from := startOfDay(day)
	to := from.AddDate(0, 0, 1)

	return j.deps.forEachTenant(ctx, j.Name(), func(ctx context.Context, tenant storage.Tenant, counts *tally) error {
		return withSession(ctx, j.deps.Sessions, func(s *storage.Session) error {
			u, err := s.AggregateUsage(ctx, tenant.ID, from, to)
			if err != nil {
				return err
			}
			u.Date = from.Format(storage.DateLayout)
			u.UpdatedAt = j.deps.now()
			if err := s.UpsertUsageDaily(ctx, u); err != nil {
				return fmt.Errorf("upserting usage for %s: %w", u.Date, err)
			}
			counts.add("rows", 1)
			counts.add("messages", u.MessagesIn+u.MessagesOut)
			return nil
		})
	})
}
