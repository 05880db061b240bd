package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Session is a unit of work bound to a single database transaction. It is not
// safe for concurrent use; each goroutine opens its own.
type Session struct {
	tx   *sql.Tx
	dims int
	done bool
}

// Commit commits the session's transaction.
func (s *Session) Commit() error {
	if s.done {
		return errors.New("session already finished")
	}
	s.done = true
	return s.tx.Commit()
}

// Rollback aborts the transaction. It is a no-op once the session finished.
func (s *Session) Rollback() error {
	if s.done {
		return nil
	}
	s.done = true
	return s.tx.Rollback()
}

// --- Tenants ---

func (s *Session) CreateTenant(ctx context.Context, t Tenant) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = TenantActive
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := s.tx.ExecContext(ctx, `
		INSERT INTO tenants (id, slug, plan, status, retention_days, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.Slug, t.Plan, string(t.Status), t.RetentionDays, formatTime(t.CreatedAt),
	)
	return err
}

// ListActiveTenants returns every tenant with status Active, ordered by slug.
func (s *Session) ListActiveTenants(ctx context.Context) ([]Tenant, error) {
	rows, err := s.tx.QueryContext(ctx, `
		SELECT id, slug, plan, status, retention_days, created_at
		FROM tenants WHERE status = ? ORDER BY slug`, string(TenantActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Tenant
	for rows.Next() {
		var t Tenant
		var status, createdAt string
		if err := rows.Scan(&t.ID, &t.Slug, &t.Plan, &status, &t.RetentionDays, &createdAt); err != nil {
			return nil, err
		}
		t.Status = TenantStatus(status)
		if t.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, t)
	}
	return results, rows.Err()
}

// --- Bookings ---

const bookingColumns = `id, tenant_id, guest_name, phone, room_number, status, checkin_date, checkout_date, checked_out_at, is_staff, opted_out, created_at`

func (s *Session) CreateBooking(ctx context.Context, b Booking) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if b.Status == "" {
		b.Status = BookingConfirmed
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	_, err := s.tx.ExecContext(ctx, `
		INSERT INTO bookings (`+bookingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.TenantID, b.GuestName, b.Phone, b.RoomNumber, string(b.Status),
		b.CheckinDate, b.CheckoutDate, nullTime(b.CheckedOutAt),
		boolToInt(b.IsStaff), boolToInt(b.OptedOut), formatTime(b.CreatedAt),
	)
	return err
}

func (s *Session) GetBooking(ctx context.Context, id string) (Booking, error) {
	b, err := scanBooking(s.tx.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Booking{}, ErrNotFound
	}
	return b, err
}

// ListBookingsByStatus returns a tenant's bookings currently in status.
func (s *Session) ListBookingsByStatus(ctx context.Context, tenantID string, status BookingStatus) ([]Booking, error) {
	return s.queryBookings(ctx, `SELECT `+bookingColumns+` FROM bookings
		WHERE tenant_id = ? AND status = ? ORDER BY checkin_date, id`, tenantID, string(status))
}

// TransitionBooking moves a booking from one status to another and records the
// change. It reports false without writing when the booking is no longer in from.
func (s *Session) TransitionBooking(ctx context.Context, id string, from, to BookingStatus, changedBy string, at time.Time) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if to == BookingCheckedOut {
		res, err = s.tx.ExecContext(ctx, `UPDATE bookings SET status = ?, checked_out_at = ? WHERE id = ? AND status = ?`,
			string(to), formatTime(at), id, string(from))
	} else {
		res, err = s.tx.ExecContext(ctx, `UPDATE bookings SET status = ? WHERE id = ? AND status = ?`,
			string(to), id, string(from))
	}
	if err != nil {
		return false, fmt.Errorf("updating booking %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	_, err = s.tx.ExecContext(ctx, `
		INSERT INTO booking_changes (id, tenant_id, booking_id, from_status, to_status, change_type, changed_by, changed_at)
		SELECT ?, tenant_id, id, ?, ?, 'auto_status_update', ?, ? FROM bookings WHERE id = ?`,
		uuid.New().String(), string(from), string(to), changedBy, formatTime(at), id,
	)
	if err != nil {
		return false, fmt.Errorf("recording booking change %s: %w", id, err)
	}
	return true, nil
}

func (s *Session) ListBookingChanges(ctx context.Context, bookingID string) ([]BookingChange, error) {
	rows, err := s.tx.QueryContext(ctx, `
		SELECT id, tenant_id, booking_id, from_status, to_status, change_type, changed_by, changed_at
		FROM booking_changes WHERE booking_id = ? ORDER BY changed_at`, bookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []BookingChange
	for rows.Next() {
		var c BookingChange
		var from, to, changedAt string
		if err := rows.Scan(&c.ID, &c.TenantID, &c.BookingID, &from, &to, &c.ChangeType, &c.ChangedBy, &changedAt); err != nil {
			return nil, err
		}
		c.FromStatus, c.ToStatus = BookingStatus(from), BookingStatus(to)
		if c.ChangedAt, err = parseTime(changedAt); err != nil {
			return nil, fmt.Errorf("parsing changed_at: %w", err)
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// --- Ratings ---

// ListCheckoutsAwaitingRating returns checked-out bookings whose checkout time
// falls within [since, until) and that have never been asked for a rating.
func (s *Session) ListCheckoutsAwaitingRating(ctx context.Context, tenantID string, since, until time.Time, limit int) ([]Booking, error) {
	return s.queryBookings(ctx, `SELECT `+prefixed("b.", bookingColumns)+` FROM bookings b
		LEFT JOIN ratings r ON r.booking_id = b.id
		WHERE b.tenant_id = ? AND b.status = ? AND b.phone != ''
		  AND b.checked_out_at >= ? AND b.checked_out_at < ?
		  AND r.id IS NULL
		ORDER BY b.checked_out_at LIMIT ?`,
		tenantID, string(BookingCheckedOut), formatTime(since), formatTime(until), limit)
}

func (s *Session) CreateRating(ctx context.Context, r Rating) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	_, err := s.tx.ExecContext(ctx, `
		INSERT INTO ratings (id, tenant_id, booking_id, status, source, score, asked_at, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TenantID, r.BookingID, string(r.Status), r.Source, r.Score, formatTime(r.AskedAt), nullTime(r.ReceivedAt),
	)
	return err
}

func (s *Session) GetRatingByBooking(ctx context.Context, bookingID string) (Rating, error) {
	var r Rating
	var status, askedAt string
	var receivedAt sql.NullString
	err := s.tx.QueryRowContext(ctx, `
		SELECT id, tenant_id, booking_id, status, source, score, asked_at, received_at
		FROM ratings WHERE booking_id = ?`, bookingID,
	).Scan(&r.ID, &r.TenantID, &r.BookingID, &status, &r.Source, &r.Score, &askedAt, &receivedAt)
	if err == sql.ErrNoRows {
		return Rating{}, ErrNotFound
	}
	if err != nil {
		return Rating{}, err
	}
	r.Status = RatingStatus(status)
	if r.AskedAt, err = parseTime(askedAt); err != nil {
		return Rating{}, fmt.Errorf("parsing asked_at: %w", err)
	}
	if r.ReceivedAt, err = parseNullTime(receivedAt); err != nil {
		return Rating{}, fmt.Errorf("parsing received_at: %w", err)
	}
	return r, nil
}

// ReleaseRating deletes the still-pending rating of bookingID, undoing a
// request whose message was never delivered.
func (s *Session) ReleaseRating(ctx context.Context, bookingID string) error {
	_, err := s.tx.ExecContext(ctx, `DELETE FROM ratings WHERE booking_id = ? AND status = ?`,
		bookingID, string(RatingPending))
	return err
}

// ExpireRatings marks pending ratings asked before cutoff as expired.
func (s *Session) ExpireRatings(ctx context.Context, tenantID string, cutoff time.Time) (int64, error) {
	res, err := s.tx.ExecContext(ctx, `UPDATE ratings SET status = ? WHERE tenant_id = ? AND status = ? AND asked_at < ?`,
		string(RatingExpired), tenantID, string(RatingPending), formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Surveys ---

// ListSurveyCandidates returns checked-out bookings in [since, until) that
// have a phone, are not staff stays, have not opted out and were never surveyed.
func (s *Session) ListSurveyCandidates(ctx context.Context, tenantID string, since, until time.Time) ([]Booking, error) {
	return s.queryBookings(ctx, `SELECT `+prefixed("b.", bookingColumns)+` FROM bookings b
		LEFT JOIN post_stay_surveys p ON p.booking_id = b.id
		WHERE b.tenant_id = ? AND b.status = ? AND b.phone != ''
		  AND b.is_staff = 0 AND b.opted_out = 0
		  AND b.checked_out_at >= ? AND b.checked_out_at < ?
		  AND p.id IS NULL
		ORDER BY b.checked_out_at`,
		tenantID, string(BookingCheckedOut), formatTime(since), formatTime(until))
}

// HasStayContinuation reports whether the guest has another live booking that
// starts on this booking's checkout date (an extended stay).
func (s *Session) HasStayContinuation(ctx context.Context, b Booking) (bool, error) {
	var n int
	err := s.tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM bookings
		WHERE tenant_id = ? AND phone = ? AND id != ? AND checkin_date = ? AND status NOT IN (?, ?)`,
		b.TenantID, b.Phone, b.ID, b.CheckoutDate, string(BookingCancelled), string(BookingNoShow),
	).Scan(&n)
	return n > 0, err
}

// SurveyedSince reports whether phone received a survey at or after since.
func (s *Session) SurveyedSince(ctx context.Context, tenantID, phone string, since time.Time) (bool, error) {
	var n int
	err := s.tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM post_stay_surveys WHERE tenant_id = ? AND phone = ? AND sent_at >= ?`,
		tenantID, phone, formatTime(since),
	).Scan(&n)
	return n > 0, err
}

func (s *Session) CreateSurvey(ctx context.Context, p PostStaySurvey) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	_, err := s.tx.ExecContext(ctx, `
		INSERT INTO post_stay_surveys (id, tenant_id, booking_id, phone, sent_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.TenantID, p.BookingID, p.Phone, formatTime(p.SentAt),
	)
	return err
}

// DeleteSurvey removes the survey record of bookingID.
func (s *Session) DeleteSurvey(ctx context.Context, bookingID string) error {
	_, err := s.tx.ExecContext(ctx, `DELETE FROM post_stay_surveys WHERE booking_id = ?`, bookingID)
	return err
}

func (s *Session) CountSurveys(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM post_stay_surveys WHERE tenant_id = ?`, tenantID).Scan(&n)
	return n, err
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row rowScanner) (Booking, error) {
	var b Booking
	var status, createdAt string
	var checkedOutAt sql.NullString
	var isStaff, optedOut int
	if err := row.Scan(&b.ID, &b.TenantID, &b.GuestName, &b.Phone, &b.RoomNumber, &status,
		&b.CheckinDate, &b.CheckoutDate, &checkedOutAt, &isStaff, &optedOut, &createdAt); err != nil {
		return Booking{}, err
	}
	b.Status = BookingStatus(status)
	b.IsStaff, b.OptedOut = isStaff != 0, optedOut != 0
	var err error
	if b.CheckedOutAt, err = parseNullTime(checkedOutAt); err != nil {
		return Booking{}, fmt.Errorf("parsing checked_out_at: %w", err)
	}
	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return Booking{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return b, nil
}

func (s *Session) queryBookings(ctx context.Context, query string, args ...any) ([]Booking, error) {
	rows, err := s.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, b)
	}
	return results, rows.Err()
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ", ")
	for i := range parts {
		parts[i] = prefix + parts[i]
	}
	return strings.Join(parts, ", ")
}
