package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// --- Conversations & messages ---

func (s *Session) CreateConversation(ctx context.Context, c Conversation) (string, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.LastMessageAt.IsZero() {
		c.LastMessageAt = c.CreatedAt
	}
	_, err := s.tx.ExecContext(ctx, `
		INSERT INTO conversations (id, tenant_id, phone, created_at, last_message_at) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.TenantID, c.Phone, formatTime(c.CreatedAt), formatTime(c.LastMessageAt),
	)
	return c.ID, err
}

func (s *Session) CreateMessage(ctx context.Context, m Message) (string, error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	_, err := s.tx.ExecContext(ctx, `
		INSERT INTO messages (id, tenant_id, conversation_id, direction, body, tokens_in, tokens_out, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.TenantID, m.ConversationID, string(m.Direction), m.Body, m.TokensIn, m.TokensOut, formatTime(m.CreatedAt),
	)
	return m.ID, err
}

// DeleteMessagesBefore removes a tenant's messages created strictly before cutoff.
func (s *Session) DeleteMessagesBefore(ctx context.Context, tenantID string, cutoff time.Time) (int64, error) {
	res, err := s.tx.ExecContext(ctx, `DELETE FROM messages WHERE tenant_id = ? AND created_at < ?`,
		tenantID, formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteConversationsBefore removes conversations created before cutoff that no
// longer hold any message.
func (s *Session) DeleteConversationsBefore(ctx context.Context, tenantID string, cutoff time.Time) (int64, error) {
	res, err := s.tx.ExecContext(ctx, `
		DELETE FROM conversations
		WHERE tenant_id = ? AND created_at < ?
		  AND NOT EXISTS (SELECT 1 FROM messages m WHERE m.conversation_id = conversations.id)`,
		tenantID, formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Session) CountMessages(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE tenant_id = ?`, tenantID).Scan(&n)
	return n, err
}

func (s *Session) CountConversations(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations WHERE tenant_id = ?`, tenantID).Scan(&n)
	return n, err
}

// --- Tasks ---

func (s *Session) CreateTask(ctx context.Context, t Task) (string, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = "Open"
	}
	_, err := s.tx.ExecContext(ctx, `
		INSERT INTO tasks (id, tenant_id, title, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.TenantID, t.Title, t.Status, formatTime(t.CreatedAt),
	)
	return t.ID, err
}

// --- Usage ---

// AggregateUsage computes a tenant's message, token and task counts for
// records created within [from, to).
func (s *Session) AggregateUsage(ctx context.Context, tenantID string, from, to time.Time) (UsageDaily, error) {
	u := UsageDaily{TenantID: tenantID, Date: from.UTC().Format(DateLayout)}
	err := s.tx.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN direction = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN direction = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(tokens_in), 0),
			COALESCE(SUM(tokens_out), 0)
		FROM messages WHERE tenant_id = ? AND created_at >= ? AND created_at < ?`,
		string(Inbound), string(Outbound), tenantID, formatTime(from), formatTime(to),
	).Scan(&u.MessagesIn, &u.MessagesOut, &u.TokensIn, &u.TokensOut)
	if err != nil {
		return UsageDaily{}, fmt.Errorf("aggregating messages: %w", err)
	}

	err = s.tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks WHERE tenant_id = ? AND created_at >= ? AND created_at < ?`,
		tenantID, formatTime(from), formatTime(to),
	).Scan(&u.TasksCreated)
	if err != nil {
		return UsageDaily{}, fmt.Errorf("aggregating tasks: %w", err)
	}
	return u, nil
}

// UpsertUsageDaily writes the row for (tenant, date), replacing any previous values.
func (s *Session) UpsertUsageDaily(ctx context.Context, u UsageDaily) error {
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = time.Now()
	}
	_, err := s.tx.ExecContext(ctx, `
		INSERT INTO usage_daily (tenant_id, date, messages_in, messages_out, tokens_in, tokens_out, tasks_created, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, date) DO UPDATE SET
			messages_in = excluded.messages_in, messages_out = excluded.messages_out,
			tokens_in = excluded.tokens_in, tokens_out = excluded.tokens_out,
			tasks_created = excluded.tasks_created, updated_at = excluded.updated_at`,
		u.TenantID, u.Date, u.MessagesIn, u.MessagesOut, u.TokensIn, u.TokensOut, u.TasksCreated, formatTime(u.UpdatedAt),
	)
	return err
}

func (s *Session) ListUsageDaily(ctx context.Context, tenantID, date string) ([]UsageDaily, error) {
	rows, err := s.tx.QueryContext(ctx, `
		SELECT tenant_id, date, messages_in, messages_out, tokens_in, tokens_out, tasks_created, updated_at
		FROM usage_daily WHERE tenant_id = ? AND date = ?`, tenantID, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []UsageDaily
	for rows.Next() {
		var u UsageDaily
		var updatedAt string
		if err := rows.Scan(&u.TenantID, &u.Date, &u.MessagesIn, &u.MessagesOut, &u.TokensIn, &u.TokensOut, &u.TasksCreated, &updatedAt); err != nil {
			return nil, err
		}
		if u.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		results = append(results, u)
	}
	return results, rows.Err()
}

// --- Scheduled messages ---

const scheduledColumns = `id, tenant_id, booking_id, type, recipient, content, media_url, due_at, status, sent_at, retry_count, error_message`

func (s *Session) CreateScheduledMessage(ctx context.Context, m ScheduledMessage) (string, error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Status == "" {
		m.Status = ScheduledPending
	}
	_, err := s.tx.ExecContext(ctx, `
		INSERT INTO scheduled_messages (`+scheduledColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.TenantID, m.BookingID, string(m.Type), m.Recipient, m.Content, m.MediaURL,
		formatTime(m.DueAt), string(m.Status), nullTime(m.SentAt), m.RetryCount, m.ErrorMessage,
	)
	return m.ID, err
}

// CancelMessagesForCancelledBookings cancels pending messages whose booking was cancelled.
func (s *Session) CancelMessagesForCancelledBookings(ctx context.Context, tenantID string) (int64, error) {
	res, err := s.tx.ExecContext(ctx, `
		UPDATE scheduled_messages SET status = ?
		WHERE tenant_id = ? AND status = ?
		  AND booking_id IN (SELECT id FROM bookings WHERE tenant_id = ? AND status = ?)`,
		string(ScheduledCancelled), tenantID, string(ScheduledPending), tenantID, string(BookingCancelled))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListDueMessages returns pending messages due at or before now, oldest first.
func (s *Session) ListDueMessages(ctx context.Context, tenantID string, now time.Time, limit int) ([]ScheduledMessage, error) {
	rows, err := s.tx.QueryContext(ctx, `
		SELECT `+scheduledColumns+` FROM scheduled_messages
		WHERE tenant_id = ? AND status = ? AND due_at <= ?
		ORDER BY due_at, id LIMIT ?`,
		tenantID, string(ScheduledPending), formatTime(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ScheduledMessage
	for rows.Next() {
		m, err := scanScheduled(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

func (s *Session) GetScheduledMessage(ctx context.Context, id string) (ScheduledMessage, error) {
	m, err := scanScheduled(s.tx.QueryRowContext(ctx, `SELECT `+scheduledColumns+` FROM scheduled_messages WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return ScheduledMessage{}, ErrNotFound
	}
	return m, err
}

// ClaimScheduledMessage moves a pending message to Sending. It reports false if
// another dispatcher already claimed or finished it.
func (s *Session) ClaimScheduledMessage(ctx context.Context, id string) (bool, error) {
	res, err := s.tx.ExecContext(ctx, `UPDATE scheduled_messages SET status = ? WHERE id = ? AND status = ?`,
		string(ScheduledSending), id, string(ScheduledPending))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *Session) MarkScheduledSent(ctx context.Context, id string, at time.Time) error {
	res, err := s.tx.ExecContext(ctx, `UPDATE scheduled_messages SET status = ?, sent_at = ?, error_message = '' WHERE id = ?`,
		string(ScheduledSent), formatTime(at), id)
	return expectOne(res, err)
}

// MarkScheduledFailure records a send failure. The message goes back to Pending
// until retries reach maxRetries, then it is marked Failed.
func (s *Session) MarkScheduledFailure(ctx context.Context, id, errMsg string, maxRetries int) (ScheduledMessageStatus, error) {
	var retries int
	if err := s.tx.QueryRowContext(ctx, `SELECT retry_count FROM scheduled_messages WHERE id = ?`, id).Scan(&retries); err != nil {
		if err == sql.ErrNoRows {
			return "", ErrNotFound
		}
		return "", err
	}
	retries++
	status := ScheduledPending
	if retries >= maxRetries {
		status = ScheduledFailed
	}
	_, err := s.tx.ExecContext(ctx, `UPDATE scheduled_messages SET status = ?, retry_count = ?, error_message = ? WHERE id = ?`,
		string(status), retries, errMsg, id)
	return status, err
}

func scanScheduled(row rowScanner) (ScheduledMessage, error) {
	var m ScheduledMessage
	var typ, status, dueAt string
	var sentAt sql.NullString
	if err := row.Scan(&m.ID, &m.TenantID, &m.BookingID, &typ, &m.Recipient, &m.Content, &m.MediaURL,
		&dueAt, &status, &sentAt, &m.RetryCount, &m.ErrorMessage); err != nil {
		return ScheduledMessage{}, err
	}
	m.Type, m.Status = ScheduledMessageType(typ), ScheduledMessageStatus(status)
	var err error
	if m.DueAt, err = parseTime(dueAt); err != nil {
		return ScheduledMessage{}, fmt.Errorf("parsing due_at: %w", err)
	}
	if m.SentAt, err = parseNullTime(sentAt); err != nil {
		return ScheduledMessage{}, fmt.Errorf("parsing sent_at: %w", err)
	}
	return m, nil
}
