package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/kalambet/hostrd/internal/storage"
)

// RetentionJob deletes each tenant's conversation history older than the
// tenant's RetentionDays. Zero disables the sweep for that tenant.
type RetentionJob struct {
	deps Deps
}

func NewRetentionJob(deps Deps) *RetentionJob {
	return &RetentionJob{deps: deps}
}

func (j *RetentionJob) Name() string { return NameRetention }

func (j *RetentionJob) Execute(ctx context.Context) JobRun {
	return j.deps.forEachTenant(ctx, j.Name(), j.sweepTenant)
}

// RetentionCutoff is the first instant that is kept. A record created on the
// day exactly retentionDays ago is older than the cutoff; one created a day
// later is not.
func RetentionCutoff(now time.Time, retentionDays int) time.Time {
	return startOfDay(now).AddDate(0, 0, -(retentionDays - 1))
}

func (j *RetentionJob) sweepTenant(ctx context.Context, tenant storage.Tenant, counts *tally) error {
	if tenant.RetentionDays <= 0 {
		counts.add("disabled", 1)
		return nil
	}
	cutoff := RetentionCutoff(j.deps.now(), tenant.RetentionDays)

	return withSession(ctx, j.deps.Sessions, func(s *storage.Session) error {
		msgs, err := s.DeleteMessagesBefore(ctx, tenant.ID, cutoff)
		if err != nil {
			return fmt.Errorf("deleting messages: %w", err)
		}
		convs, err := s.DeleteConversationsBefore(ctx, tenant.ID, cutoff)
		if err != nil {
			return fmt.Errorf("deleting conversations: %w", err)
		}
		counts.add("deleted_messages", int(msgs))
		counts.add("deleted_conversations", int(convs))
		return nil
	})
}
