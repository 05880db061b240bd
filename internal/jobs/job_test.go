package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/hostrd/internal/storage"
)

const testDims = 4

var testNow = time.Date(2026, 5, 10, 10, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	st, err := storage.Open(":memory:", storage.WithEmbeddingDimensions(testDims))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func seed(t *testing.T, st *storage.Store, fn func(ctx context.Context, s *storage.Session) error) {
	t.Helper()
	require.NoError(t, st.WithSession(context.Background(), func(s *storage.Session) error {
		return fn(context.Background(), s)
	}))
}

func addTenant(t *testing.T, st *storage.Store, id string, retentionDays int) {
	t.Helper()
	seed(t, st, func(ctx context.Context, s *storage.Session) error {
		return s.CreateTenant(ctx, storage.Tenant{ID: id, Slug: id, Plan: "basic", RetentionDays: retentionDays})
	})
}

func testDeps(st *storage.Store) Deps {
	return Deps{Sessions: st, Parallelism: 2, Now: func() time.Time { return testNow }}
}

type failingFactory struct{}

func (failingFactory) NewUnitOfWork(context.Context) (*storage.Session, error) {
	return nil, errors.New("database is locked")
}

func TestForEachTenantAccountsForEveryTenant(t *testing.T) {
	st := openTestStore(t)
	for i := 0; i < 6; i++ {
		addTenant(t, st, fmt.Sprintf("t%d", i), 0)
	}
	seed(t, st, func(ctx context.Context, s *storage.Session) error {
		return s.CreateTenant(ctx, storage.Tenant{ID: "off", Slug: "off", Status: storage.TenantSuspended})
	})

	var seen atomic.Int32
	run := testDeps(st).forEachTenant(context.Background(), "test", func(ctx context.Context, tenant storage.Tenant, counts *tally) error {
		seen.Add(1)
		counts.add("rows", 2)
		switch tenant.ID {
		case "t1", "t4":
			return errors.New("boom")
		case "t5":
			panic("bad tenant")
		}
		return nil
	})

	assert.EqualValues(t, 6, seen.Load(), "inactive tenants are never visited")
	assert.Equal(t, 3, run.ItemsProcessed)
	assert.Equal(t, 3, run.ErrorsEncountered)
	assert.Equal(t, 6, run.ItemsProcessed+run.ErrorsEncountered)
	assert.Equal(t, OutcomePartialFailure, run.Outcome)
	assert.NotEmpty(t, run.LastError)
	assert.Equal(t, 12, run.Counters["rows"])
	assert.Equal(t, "test", run.JobName)
	assert.Equal(t, testNow, run.StartedAt)
	assert.False(t, run.Cancelled)
}

func TestForEachTenantSuccess(t *testing.T) {
	st := openTestStore(t)
	addTenant(t, st, "a", 0)

	run := testDeps(st).forEachTenant(context.Background(), "test", func(context.Context, storage.Tenant, *tally) error { return nil })
	assert.Equal(t, OutcomeSuccess, run.Outcome)
	assert.Equal(t, 1, run.ItemsProcessed)
	assert.Empty(t, run.LastError)
	assert.Nil(t, run.Counters)
}

func TestForEachTenantStopsWhenCancelled(t *testing.T) {
	st := openTestStore(t)
	for i := 0; i < 5; i++ {
		addTenant(t, st, fmt.Sprintf("t%d", i), 0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps := testDeps(st)
	deps.Parallelism = 1
	run := deps.forEachTenant(ctx, "test", func(context.Context, storage.Tenant, *tally) error {
		cancel()
		return nil
	})

	assert.True(t, run.Cancelled)
	assert.Equal(t, OutcomePartialFailure, run.Outcome)
	assert.Equal(t, 1, run.ItemsProcessed)
	assert.Contains(t, run.LastError, "cancelled")
}

func TestForEachTenantFatalWithoutSession(t *testing.T) {
	run := Deps{Sessions: failingFactory{}}.forEachTenant(context.Background(), "test", func(context.Context, storage.Tenant, *tally) error {
		t.Fatal("must not be called")
		return nil
	})
	assert.Equal(t, OutcomeFatal, run.Outcome)
	assert.Contains(t, run.LastError, "database is locked")
	assert.Zero(t, run.ItemsProcessed+run.ErrorsEncountered)
}

func TestRetentionCutoff(t *testing.T) {
	now := time.Date(2026, 5, 10, 15, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 4, 11, 0, 0, 0, 0, time.UTC), RetentionCutoff(now, 30))
	assert.Equal(t, time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC), RetentionCutoff(now, 1))
}

func TestNextStatus(t *testing.T) {
	tests := []struct {
		name   string
		b      storage.Booking
		want   storage.BookingStatus
		change bool
	}{
		{"arrival day", storage.Booking{Status: storage.BookingConfirmed, CheckinDate: "2026-05-10", CheckoutDate: "2026-05-12"}, storage.BookingCheckedIn, true},
		{"future arrival", storage.Booking{Status: storage.BookingConfirmed, CheckinDate: "2026-05-11", CheckoutDate: "2026-05-12"}, "", false},
		{"same day stay", storage.Booking{Status: storage.BookingConfirmed, CheckinDate: "2026-05-10", CheckoutDate: "2026-05-10"}, "", false},
		{"departure day", storage.Booking{Status: storage.BookingCheckedIn, CheckinDate: "2026-05-08", CheckoutDate: "2026-05-10"}, storage.BookingCheckedOut, true},
		{"mid stay", storage.Booking{Status: storage.BookingCheckedIn, CheckinDate: "2026-05-08", CheckoutDate: "2026-05-11"}, "", false},
		{"checked out never regresses", storage.Booking{Status: storage.BookingCheckedOut, CheckinDate: "2026-05-09", CheckoutDate: "2026-05-12"}, "", false},
		{"cancelled is absorbing", storage.Booking{Status: storage.BookingCancelled, CheckinDate: "2026-05-09", CheckoutDate: "2026-05-12"}, "", false},
		{"no show is absorbing", storage.Booking{Status: storage.BookingNoShow, CheckinDate: "2026-05-01", CheckoutDate: "2026-05-02"}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NextStatus(tt.b, "2026-05-10")
			assert.Equal(t, tt.change, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
