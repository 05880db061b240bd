package jobs

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kalambet/hostrd/internal/messaging"
	"github.com/kalambet/hostrd/internal/storage"
)

// ProactiveJob sends scheduled guest messages that are due. Each message is
// claimed (Pending to Sending) and committed before the send, so a crash
// mid-send can never deliver it twice. The send outcome is then recorded in
// its own unit of work: Sent, or back to Pending until maxRetries, then Failed.
type ProactiveJob struct {
	deps       Deps
	sender     messaging.Sender
	batchSize  int
	maxRetries int
}

func NewProactiveJob(deps Deps, sender messaging.Sender, batchSize, maxRetries int) *ProactiveJob {
	if batchSize <= 0 {
		batchSize = 50
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &ProactiveJob{deps: deps, sender: sender, batchSize: batchSize, maxRetries: maxRetries}
}

func (j *ProactiveJob) Name() string { return NameProactive }

func (j *ProactiveJob) Execute(ctx context.Context) JobRun {
	return j.deps.forEachTenant(ctx, j.Name(), j.dispatchTenant)
}

func (j *ProactiveJob) dispatchTenant(ctx context.Context, tenant storage.Tenant, counts *tally) error {
	now := j.deps.now()
	log := j.deps.logger().With(zap.String("job", j.Name()), zap.String("tenant_id", tenant.ID))

	var claimed []storage.ScheduledMessage
	err := withSession(ctx, j.deps.Sessions, func(s *storage.Session) error {
		n, err := s.CancelMessagesForCancelledBookings(ctx, tenant.ID)
		if err != nil {
			return fmt.Errorf("cancelling messages: %w", err)
		}
		counts.add("cancelled", int(n))

		due, err := s.ListDueMessages(ctx, tenant.ID, now, j.batchSize)
		if err != nil {
			return fmt.Errorf("listing due messages: %w", err)
		}
		for _, m := range due {
			ok, err := s.ClaimScheduledMessage(ctx, m.ID)
			if err != nil {
				return fmt.Errorf("claiming message %s: %w", m.ID, err)
			}
			if ok {
				claimed = append(claimed, m)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	var errs []error
	for _, m := range claimed {
		sendErr := j.sender.Send(ctx, tenant.ID, m.Recipient, messaging.Payload{
			Kind:     messaging.KindProactive,
			Body:     m.Content,
			Metadata: proactiveMetadata(m),
		})

		// Record the outcome even if the job is being cancelled.
		recordCtx := context.WithoutCancel(ctx)
		err := withSession(recordCtx, j.deps.Sessions, func(s *storage.Session) error {
			if sendErr == nil {
				return s.MarkScheduledSent(recordCtx, m.ID, j.deps.now())
			}
			status, err := s.MarkScheduledFailure(recordCtx, m.ID, sendErr.Error(), j.maxRetries)
			if err == nil && status == storage.ScheduledFailed {
				log.Warn("scheduled message failed permanently", zap.String("message_id", m.ID), zap.Error(sendErr))
				counts.add("failed", 1)
			}
			return err
		})
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("recording message %s: %w", m.ID, err))
		case sendErr != nil:
			counts.add("send_errors", 1)
			errs = append(errs, fmt.Errorf("sending message %s: %w", m.ID, sendErr))
		default:
			counts.add("sent", 1)
		}
	}
	return errors.Join(errs...)
}

func proactiveMetadata(m storage.ScheduledMessage) map[string]string {
	md := map[string]string{"message_id": m.ID, "type": string(m.Type)}
	if m.BookingID != "" {
		md["booking_id"] = m.BookingID
	}
	if m.MediaURL != "" {
		md["media_url"] = m.MediaURL
	}
	return md
}
