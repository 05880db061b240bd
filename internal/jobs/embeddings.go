package jobs

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kalambet/hostrd/internal/storage"
)

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbeddingsJob embeds FAQs and knowledge base chunks whose text changed since
// their last embedding. Embedded FAQs are mirrored into the knowledge base.
type EmbeddingsJob struct {
	deps      Deps
	embedder  Embedder
	batchSize int
}

func NewEmbeddingsJob(deps Deps, embedder Embedder, batchSize int) *EmbeddingsJob {
	if batchSize <= 0 {
		batchSize = 10
	}
	return &EmbeddingsJob{deps: deps, embedder: embedder, batchSize: batchSize}
}

func (j *EmbeddingsJob) Name() string { return NameEmbeddings }

func (j *EmbeddingsJob) Execute(ctx context.Context) JobRun {
	return j.deps.forEachTenant(ctx, j.Name(), j.embedTenant)
}

func (j *EmbeddingsJob) embedTenant(ctx context.Context, tenant storage.Tenant, counts *tally) error {
	var (
		faqs   []storage.FAQ
		chunks []storage.Chunk
	)
	err := withSession(ctx, j.deps.Sessions, func(s *storage.Session) error {
		var err error
		if faqs, err = s.ListFAQsNeedingEmbedding(ctx, tenant.ID, j.batchSize); err != nil {
			return fmt.Errorf("listing faqs: %w", err)
		}
		if chunks, err = s.ListChunksNeedingEmbedding(ctx, tenant.ID, j.batchSize); err != nil {
			return fmt.Errorf("listing chunks: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(faqs) == 0 && len(chunks) == 0 {
		return nil
	}

	log := j.deps.logger().With(zap.String("job", j.Name()), zap.String("tenant_id", tenant.ID))
	var errs []error

	for _, f := range faqs {
		if ctx.Err() != nil {
			return errors.Join(append(errs, ctx.Err())...)
		}
		vec, err := j.embedder.Embed(ctx, f.Question)
		if err != nil {
			errs = append(errs, fmt.Errorf("embedding faq %s: %w", f.ID, err))
			continue
		}
		var committed bool
		err = withSession(ctx, j.deps.Sessions, func(s *storage.Session) error {
			ok, err := s.CommitFAQEmbedding(ctx, f, vec)
			if err != nil || !ok {
				return err
			}
			committed = true
			return s.MirrorFAQChunk(ctx, f, vec)
		})
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("storing faq %s: %w", f.ID, err))
		case committed:
			counts.add("faqs_embedded", 1)
		default:
			log.Debug("faq changed while embedding, left dirty", zap.String("faq_id", f.ID))
			counts.add("stale", 1)
		}
	}

	for _, c := range chunks {
		if ctx.Err() != nil {
			return errors.Join(append(errs, ctx.Err())...)
		}
		vec, err := j.embedder.Embed(ctx, c.Content)
		if err != nil {
			errs = append(errs, fmt.Errorf("embedding chunk %s: %w", c.ID, err))
			continue
		}
		var committed bool
		err = withSession(ctx, j.deps.Sessions, func(s *storage.Session) error {
			var err error
			committed, err = s.CommitChunkEmbedding(ctx, c.ID, c.Content, vec)
			return err
		})
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("storing chunk %s: %w", c.ID, err))
		case committed:
			counts.add("chunks_embedded", 1)
		default:
			counts.add("stale", 1)
		}
	}

	if len(errs) > 0 {
		counts.add("failed", len(errs))
	}
	return errors.Join(errs...)
}
