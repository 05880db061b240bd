package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/hostrd/internal/messaging"
	"github.com/kalambet/hostrd/internal/storage"
)

const ratingBatchSize = 100

// RatingsJob asks guests who checked out recently for a rating, and expires
// requests nobody answered.
type RatingsJob struct {
	deps   Deps
	sender messaging.Sender
	// Window is how far back a checkout may be and still be asked.
	Window time.Duration
	// Delay leaves fresh checkouts to the survey job first.
	Delay time.Duration
	// Expiry is how long a request stays pending before it expires.
	Expiry time.Duration
}

func NewRatingsJob(deps Deps, sender messaging.Sender, window, delay, expiry time.Duration) *RatingsJob {
	return &RatingsJob{deps: deps, sender: sender, Window: window, Delay: delay, Expiry: expiry}
}

func (j *RatingsJob) Name() string { return NameRatings }

func (j *RatingsJob) Execute(ctx context.Context) JobRun {
	return j.deps.forEachTenant(ctx, j.Name(), j.rateTenant)
}

func (j *RatingsJob) rateTenant(ctx context.Context, tenant storage.Tenant, counts *tally) error {
	now := j.deps.now()

	var candidates []storage.Booking
	err := withSession(ctx, j.deps.Sessions, func(s *storage.Session) error {
		if j.Expiry > 0 {
			n, err := s.ExpireRatings(ctx, tenant.ID, now.Add(-j.Expiry))
			if err != nil {
				return fmt.Errorf("expiring ratings: %w", err)
			}
			counts.add("expired", int(n))
		}
		var err error
		candidates, err = s.ListCheckoutsAwaitingRating(ctx, tenant.ID, now.Add(-j.Window), now.Add(-j.Delay), ratingBatchSize)
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
		if err := j.requestRating(ctx, tenant.ID, b, now); err != nil {
			errs = append(errs, fmt.Errorf("booking %s: %w", b.ID, err))
			continue
		}
		counts.add("requested", 1)
	}
	return errors.Join(errs...)
}

// requestRating commits the pending rating before sending, so no unit of work
// is open during the network call. A failed send releases the rating and the
// booking is asked again next cycle.
func (j *RatingsJob) requestRating(ctx context.Context, tenantID string, b storage.Booking, now time.Time) error {
	err := withSession(ctx, j.deps.Sessions, func(s *storage.Session) error {
		return s.CreateRating(ctx, storage.Rating{
			TenantID:  tenantID,
			BookingID: b.ID,
			Status:    storage.RatingPending,
			Source:    "sms",
			AskedAt:   now,
		})
	})
	if err != nil {
		return fmt.Errorf("creating rating: %w", err)
	}

	sendErr := j.sender.Send(ctx, tenantID, b.Phone, messaging.Payload{
		Kind:     messaging.KindRatingRequest,
		Body:     ratingMessage(b, now),
		Metadata: map[string]string{"booking_id": b.ID},
	})
	if sendErr == nil {
		return nil
	}

	releaseCtx := context.WithoutCancel(ctx)
	if err := withSession(releaseCtx, j.deps.Sessions, func(s *storage.Session) error {
		return s.ReleaseRating(releaseCtx, b.ID)
	}); err != nil {
		return errors.Join(sendErr, fmt.Errorf("releasing rating: %w", err))
	}
	return sendErr
}

// ratingMessage asks for free text right after checkout and for a star score
// once the stay is more than a day old.
func ratingMessage(b storage.Booking, now time.Time) string {
	name := b.GuestName
	if name == "" {
		name = "there"
	}
	if !b.CheckedOutAt.IsZero() && now.Sub(b.CheckedOutAt) <= 24*time.Hour {
		return fmt.Sprintf("Hi %s, thank you for staying with us! How was your stay? Just reply to this message, we read every answer.", name)
	}
	return fmt.Sprintf("Hi %s, we hope you enjoyed your stay. Please rate it from 1 to 5 stars by replying with a number.", name)
}
