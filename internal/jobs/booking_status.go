package jobs

import (
	"context"
	"fmt"

	"github.com/kalambet/hostrd/internal/hub"
	"github.com/kalambet/hostrd/internal/storage"
)

const changedByAutomation = "automated"

// BookingStatusJob checks guests in on their arrival date and out on their
// departure date. Transitions only ever move forward.
type BookingStatusJob struct {
	deps      Deps
	publisher hub.Publisher
}

// NewBookingStatusJob builds the job. publisher may be nil.
func NewBookingStatusJob(deps Deps, publisher hub.Publisher) *BookingStatusJob {
	return &BookingStatusJob{deps: deps, publisher: publisher}
}

func (j *BookingStatusJob) Name() string { return NameBookingStatus }

func (j *BookingStatusJob) Execute(ctx context.Context) JobRun {
	return j.deps.forEachTenant(ctx, j.Name(), j.transitionTenant)
}

// NextStatus returns the status a booking should move to on date today
// (YYYY-MM-DD), or false when it stays where it is.
func NextStatus(b storage.Booking, today string) (storage.BookingStatus, bool) {
	switch b.Status {
	case storage.BookingConfirmed:
		if b.CheckinDate <= today && today < b.CheckoutDate {
			return storage.BookingCheckedIn, true
		}
	case storage.BookingCheckedIn:
		if b.CheckoutDate <= today {
			return storage.BookingCheckedOut, true
		}
	}
	return "", false
}

func (j *BookingStatusJob) transitionTenant(ctx context.Context, tenant storage.Tenant, counts *tally) error {
	now := j.deps.now()
	today := now.Format(storage.DateLayout)
	var checkedIn, checkedOut int

	err := withSession(ctx, j.deps.Sessions, func(s *storage.Session) error {
		for _, from := range []storage.BookingStatus{storage.BookingConfirmed, storage.BookingCheckedIn} {
			bookings, err := s.ListBookingsByStatus(ctx, tenant.ID, from)
			if err != nil {
				return fmt.Errorf("listing %s bookings: %w", from, err)
			}
			for _, b := range bookings {
				to, ok := NextStatus(b, today)
				if !ok {
					continue
				}
				moved, err := s.TransitionBooking(ctx, b.ID, from, to, changedByAutomation, now)
				if err != nil {
					return err
				}
				if !moved {
					continue
				}
				if to == storage.BookingCheckedIn {
					checkedIn++
				} else {
					checkedOut++
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	counts.add("checked_in", checkedIn)
	counts.add("checked_out", checkedOut)
	if j.publisher != nil && checkedIn+checkedOut > 0 {
		j.publisher.Publish(tenant.ID, hub.EventNotification, hub.NotificationPayload{
			Title:   "Booking status updated",
			Message: fmt.Sprintf("%d guests checked in, %d checked out", checkedIn, checkedOut),
			Data:    map[string]any{"checked_in": checkedIn, "checked_out": checkedOut},
		})
	}
	return nil
}
