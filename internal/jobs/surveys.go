package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/hostrd/internal/messaging"
	"github.com/kalambet/hostrd/internal/ratelimit"
	"github.com/kalambet/hostrd/internal/storage"
)

// SurveyWindow bounds how long after checkout a survey goes out.
type SurveyWindow struct {
	MinAge   time.Duration
	MaxAge   time.Duration
	Cooldown time.Duration
}

// SurveyJob sends post-stay surveys to guests who checked out between MinAge
// and MaxAge ago. It skips extended stays and guests surveyed within Cooldown,
// and creates the pending rating so the ratings job does not ask again.
// Sends beyond the limiter's budget wait for the next run.
type SurveyJob struct {
	deps    Deps
	sender  messaging.Sender
	limiter *ratelimit.Limiter
	window  SurveyWindow
}

func NewSurveyJob(deps Deps, sender messaging.Sender, limiter *ratelimit.Limiter, window SurveyWindow) *SurveyJob {
	return &SurveyJob{deps: deps, sender: sender, limiter: limiter, window: window}
}

func (j *SurveyJob) Name() string { return NameSurveys }

func (j *SurveyJob) Execute(ctx context.Context) JobRun {
	return j.deps.forEachTenant(ctx, j.Name(), j.surveyTenant)
}

type surveyDecision int

const (
	surveySent surveyDecision = iota
	surveySkipped
	surveyDeferred
)

func (j *SurveyJob) surveyTenant(ctx context.Context, tenant storage.Tenant, counts *tally) error {
	now := j.deps.now()

	var candidates []storage.Booking
	err := withSession(ctx, j.deps.Sessions, func(s *storage.Session) error {
		var err error
		candidates, err = s.ListSurveyCandidates(ctx, tenant.ID, now.Add(-j.window.MaxAge), now.Add(-j.window.MinAge))
		return err
	})
	if err != nil {
		return err
	}

	var errs []error
	for _, b := range candidates {
		if ctx.Err() != nil {
			return errors.Join(append(errs, ctx.Err())...)
		}
		decision, err := j.surveyBooking(ctx, b, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("booking %s: %w", b.ID, err))
			continue
		}
		switch decision {
		case surveySent:
			counts.add("sent", 1)
		case surveySkipped:
			counts.add("skipped", 1)
		case surveyDeferred:
			counts.add("deferred", 1)
		}
		if decision == surveyDeferred {
			break
		}
	}
	return errors.Join(errs...)
}

// surveyBooking claims the booking by committing the survey record (and the
// pending rating when there is none), sends outside any unit of work, and
// releases the claim when the send fails.
func (j *SurveyJob) surveyBooking(ctx context.Context, b storage.Booking, now time.Time) (surveyDecision, error) {
	var (
		decision      surveyDecision
		createdRating bool
	)
	err := withSession(ctx, j.deps.Sessions, func(s *storage.Session) error {
		var err error
		decision, createdRating, err = j.claim(ctx, s, b, now)
		return err
	})
	if err != nil || decision != surveySent {
		return decision, err
	}

	sendErr := j.sender.Send(ctx, b.TenantID, b.Phone, messaging.Payload{
		Kind:     messaging.KindSurvey,
		Body:     surveyMessage(b),
		Metadata: map[string]string{"booking_id": b.ID},
	})
	if sendErr == nil {
		return surveySent, nil
	}

	releaseCtx := context.WithoutCancel(ctx)
	if err := withSession(releaseCtx, j.deps.Sessions, func(s *storage.Session) error {
		if err := s.DeleteSurvey(releaseCtx, b.ID); err != nil {
			return err
		}
		if createdRating {
			return s.ReleaseRating(releaseCtx, b.ID)
		}
		return nil
	}); err != nil {
		return 0, errors.Join(sendErr, fmt.Errorf("releasing survey: %w", err))
	}
	return 0, sendErr
}

func (j *SurveyJob) claim(ctx context.Context, s *storage.Session, b storage.Booking, now time.Time) (surveyDecision, bool, error) {
	continued, err := s.HasStayContinuation(ctx, b)
	if err != nil {
		return 0, false, fmt.Errorf("checking stay continuation: %w", err)
	}
	if continued {
		return surveySkipped, false, nil
	}
	if j.window.Cooldown > 0 {
		recent, err := s.SurveyedSince(ctx, b.TenantID, b.Phone, now.Add(-j.window.Cooldown))
		if err != nil {
			return 0, false, fmt.Errorf("checking cooldown: %w", err)
		}
		if recent {
			return surveySkipped, false, nil
		}
	}
	if j.limiter != nil && !j.limiter.Allow() {
		return surveyDeferred, false, nil
	}

	if err := s.CreateSurvey(ctx, storage.PostStaySurvey{
		TenantID:  b.TenantID,
		BookingID: b.ID,
		Phone:     b.Phone,
		SentAt:    now,
	}); err != nil {
		return 0, false, fmt.Errorf("recording survey: %w", err)
	}

	_, err = s.GetRatingByBooking(ctx, b.ID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if err := s.CreateRating(ctx, storage.Rating{
			TenantID:  b.TenantID,
			BookingID: b.ID,
			Status:    storage.RatingPending,
			Source:    "survey",
			AskedAt:   now,
		}); err != nil {
			return 0, false, fmt.Errorf("creating rating: %w", err)
		}
		return surveySent, true, nil
	case err != nil:
		return 0, false, fmt.Errorf("loading rating: %w", err)
	}
	return surveySent, false, nil
}

func surveyMessage(b storage.Booking) string {
	name := b.GuestName
	if name == "" {
		name = "there"
	}
	return fmt.Sprintf("Hi %s, thanks for staying with us! On a scale of 1 to 5, how likely are you to recommend us? Any comments are welcome too.", name)
}
