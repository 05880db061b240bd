package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// --- FAQs ---

func (s *Session) CreateFAQ(ctx context.Context, f FAQ) (string, error) {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	_, err := s.tx.ExecContext(ctx, `
		INSERT INTO faqs (id, tenant_id, question, answer, needs_embedding, updated_at)
		VALUES (?, ?, ?, ?, 1, ?)`,
		f.ID, f.TenantID, f.Question, f.Answer, formatTime(time.Now()),
	)
	return f.ID, err
}

// UpdateFAQ replaces a FAQ's text and marks it for re-embedding.
func (s *Session) UpdateFAQ(ctx context.Context, id, question, answer string) error {
	res, err := s.tx.ExecContext(ctx, `
		UPDATE faqs SET question = ?, answer = ?, needs_embedding = 1, updated_at = ? WHERE id = ?`,
		question, answer, formatTime(time.Now()), id,
	)
	return expectOne(res, err)
}

func (s *Session) GetFAQ(ctx context.Context, id string) (FAQ, error) {
	var f FAQ
	var blob []byte
	var dirty int
	var updatedAt string
	err := s.tx.QueryRowContext(ctx, `
		SELECT id, tenant_id, question, answer, embedding, needs_embedding, updated_at FROM faqs WHERE id = ?`, id,
	).Scan(&f.ID, &f.TenantID, &f.Question, &f.Answer, &blob, &dirty, &updatedAt)
	if err == sql.ErrNoRows {
		return FAQ{}, ErrNotFound
	}
	if err != nil {
		return FAQ{}, err
	}
	f.NeedsEmbedding = dirty != 0
	if f.Embedding, err = decodeFloat32s(blob); err != nil {
		return FAQ{}, err
	}
	if f.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return FAQ{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return f, nil
}

// ListFAQsNeedingEmbedding returns up to limit dirty FAQs for a tenant, oldest first.
func (s *Session) ListFAQsNeedingEmbedding(ctx context.Context, tenantID string, limit int) ([]FAQ, error) {
	rows, err := s.tx.QueryContext(ctx, `
		SELECT id, tenant_id, question, answer, updated_at FROM faqs
		WHERE tenant_id = ? AND needs_embedding = 1 ORDER BY updated_at, id LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []FAQ
	for rows.Next() {
		var f FAQ
		var updatedAt string
		if err := rows.Scan(&f.ID, &f.TenantID, &f.Question, &f.Answer, &updatedAt); err != nil {
			return nil, err
		}
		f.NeedsEmbedding = true
		if f.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		results = append(results, f)
	}
	return results, rows.Err()
}

// CommitFAQEmbedding stores vec for the FAQ as read in f and clears the dirty
// flag in a single statement. The write only applies while question, answer
// and updated_at still match f, so an edit made during embedding keeps the row
// dirty and the mirror chunk is never written from stale text.
func (s *Session) CommitFAQEmbedding(ctx context.Context, f FAQ, vec []float32) (bool, error) {
	if len(vec) != s.dims {
		return false, fmt.Errorf("faq %s: got %d values, want %d: %w", f.ID, len(vec), s.dims, ErrDimensionMismatch)
	}
	res, err := s.tx.ExecContext(ctx, `
		UPDATE faqs SET embedding = ?, needs_embedding = 0
		WHERE id = ? AND question = ? AND answer = ? AND updated_at = ? AND needs_embedding = 1`,
		encodeFloat32s(vec), f.ID, f.Question, f.Answer, formatTime(f.UpdatedAt),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// --- Knowledge base chunks ---

func (s *Session) CreateChunk(ctx context.Context, c Chunk) (string, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	_, err := s.tx.ExecContext(ctx, `
		INSERT INTO knowledge_base_chunks (id, tenant_id, source, content, needs_embedding, updated_at)
		VALUES (?, ?, ?, ?, 1, ?)`,
		c.ID, c.TenantID, c.Source, c.Content, formatTime(time.Now()),
	)
	return c.ID, err
}

// UpdateChunkContent replaces a chunk's text and marks it for re-embedding.
func (s *Session) UpdateChunkContent(ctx context.Context, id, content string) error {
	res, err := s.tx.ExecContext(ctx, `
		UPDATE knowledge_base_chunks SET content = ?, needs_embedding = 1, updated_at = ? WHERE id = ?`,
		content, formatTime(time.Now()), id,
	)
	return expectOne(res, err)
}

func (s *Session) GetChunkBySource(ctx context.Context, tenantID, source string) (Chunk, error) {
	var c Chunk
	var blob []byte
	var dirty int
	var updatedAt string
	err := s.tx.QueryRowContext(ctx, `
		SELECT id, tenant_id, source, content, embedding, needs_embedding, updated_at
		FROM knowledge_base_chunks WHERE tenant_id = ? AND source = ?`, tenantID, source,
	).Scan(&c.ID, &c.TenantID, &c.Source, &c.Content, &blob, &dirty, &updatedAt)
	if err == sql.ErrNoRows {
		return Chunk{}, ErrNotFound
	}
	if err != nil {
		return Chunk{}, err
	}
	c.NeedsEmbedding = dirty != 0
	if c.Embedding, err = decodeFloat32s(blob); err != nil {
		return Chunk{}, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Chunk{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return c, nil
}

// ListChunksNeedingEmbedding returns up to limit dirty chunks for a tenant, oldest first.
func (s *Session) ListChunksNeedingEmbedding(ctx context.Context, tenantID string, limit int) ([]Chunk, error) {
	rows, err := s.tx.QueryContext(ctx, `
		SELECT id, tenant_id, source, content, updated_at FROM knowledge_base_chunks
		WHERE tenant_id = ? AND needs_embedding = 1 ORDER BY updated_at, id LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Chunk
	for rows.Next() {
		var c Chunk
		var updatedAt string
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Source, &c.Content, &updatedAt); err != nil {
			return nil, err
		}
		c.NeedsEmbedding = true
		if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// CommitChunkEmbedding stores vec and clears the dirty flag in a single statement,
// guarded on the content that was embedded.
func (s *Session) CommitChunkEmbedding(ctx context.Context, id, embeddedText string, vec []float32) (bool, error) {
	if len(vec) != s.dims {
		return false, fmt.Errorf("chunk %s: got %d values, want %d: %w", id, len(vec), s.dims, ErrDimensionMismatch)
	}
	res, err := s.tx.ExecContext(ctx, `
		UPDATE knowledge_base_chunks SET embedding = ?, needs_embedding = 0
		WHERE id = ? AND content = ? AND needs_embedding = 1`,
		encodeFloat32s(vec), id, embeddedText,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MirrorFAQChunk writes an already-embedded FAQ into the knowledge base under
// source "FAQ-<id>" so retrieval sees FAQs and documents in one table.
func (s *Session) MirrorFAQChunk(ctx context.Context, f FAQ, vec []float32) error {
	if len(vec) != s.dims {
		return fmt.Errorf("faq chunk %s: got %d values, want %d: %w", f.ID, len(vec), s.dims, ErrDimensionMismatch)
	}
	content := f.Question
	if f.Answer != "" {
		content = f.Question + "\n" + f.Answer
	}
	_, err := s.tx.ExecContext(ctx, `
		INSERT INTO knowledge_base_chunks (id, tenant_id, source, content, embedding, needs_embedding, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(tenant_id, source) DO UPDATE SET
			content = excluded.content, embedding = excluded.embedding,
			needs_embedding = 0, updated_at = excluded.updated_at`,
		uuid.New().String(), f.TenantID, "FAQ-"+f.ID, content, encodeFloat32s(vec), formatTime(time.Now()),
	)
	return err
}

func expectOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
