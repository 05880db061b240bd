// Package knowledge imports documents into a tenant's knowledge base as
// chunks flagged for embedding. The embeddings job picks them up on its next
// run.
package knowledge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"go.uber.org/zap"

	"github.com/kalambet/hostrd/internal/storage"
)

const DefaultChunkSize = 1000

var ErrUnsupportedFormat = errors.New("unsupported document format")

// Sessions opens units of work. *storage.Store satisfies it.
type Sessions interface {
	WithSession(ctx context.Context, fn func(*storage.Session) error) error
}

type Importer struct {
	sessions  Sessions
	chunkSize int
	logger    *zap.Logger
}

// Result counts what an import changed.
type Result struct {
	Source    string `json:"source"`
	Chunks    int    `json:"chunks"`
	Created   int    `json:"created"`
	Updated   int    `json:"updated"`
	Unchanged int    `json:"unchanged"`
}

func NewImporter(sessions Sessions, chunkSize int, logger *zap.Logger) *Importer {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Importer{sessions: sessions, chunkSize: chunkSize, logger: logger.Named("knowledge")}
}

// ImportFile reads a .pdf, .txt or .md file and imports its text under the
// file's base name.
func (im *Importer) ImportFile(ctx context.Context, tenantID, path string) (Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, err
	}
	text, err := ExtractText(filepath.Base(path), data)
	if err != nil {
		return Result{}, fmt.Errorf("extracting %s: %w", path, err)
	}
	return im.ImportText(ctx, tenantID, filepath.Base(path), text)
}

// ImportText splits text and stores chunk n under source "<name>#<n>".
// Re-importing the same document updates only chunks whose text changed.
func (im *Importer) ImportText(ctx context.Context, tenantID, name, text string) (Result, error) {
	if tenantID == "" {
		return Result{}, errors.New("tenant id is required")
	}
	chunks := Split(text, im.chunkSize)
	res := Result{Source: name, Chunks: len(chunks)}
	if len(chunks) == 0 {
		return res, nil
	}

	err := im.sessions.WithSession(ctx, func(s *storage.Session) error {
		for i, content := range chunks {
			source := fmt.Sprintf("%s#%d", name, i+1)
			existing, err := s.GetChunkBySource(ctx, tenantID, source)
			switch {
			case errors.Is(err, storage.ErrNotFound):
				if _, err := s.CreateChunk(ctx, storage.Chunk{TenantID: tenantID, Source: source, Content: content}); err != nil {
					return fmt.Errorf("creating chunk %s: %w", source, err)
				}
				res.Created++
			case err != nil:
				return fmt.Errorf("loading chunk %s: %w", source, err)
			case existing.Content == content:
				res.Unchanged++
			default:
				if err := s.UpdateChunkContent(ctx, existing.ID, content); err != nil {
					return fmt.Errorf("updating chunk %s: %w", source, err)
				}
				res.Updated++
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	im.logger.Info("document imported",
		zap.String("tenant_id", tenantID),
		zap.String("source", name),
		zap.Int("chunks", res.Chunks),
		zap.Int("created", res.Created),
		zap.Int("updated", res.Updated))
	return res, nil
}

// ExtractText returns the plain text of a document, choosing the parser by
// the name's extension.
func ExtractText(name string, data []byte) (string, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return extractPDF(data)
	case ".txt", ".md", "":
		return string(data), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(name))
	}
}

func extractPDF(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Split packs paragraphs into chunks of at most size characters. A paragraph
// longer than size is cut at word boundaries.
func Split(text string, size int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")

	var chunks []string
	var cur strings.Builder
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			chunks = append(chunks, s)
		}
		cur.Reset()
	}

	for _, para := range strings.Split(text, "\n\n") {
		para = strings.Join(strings.Fields(para), " ")
		if para == "" {
			continue
		}
		if cur.Len() > 0 && cur.Len()+2+len(para) > size {
			flush()
		}
		if len(para) <= size {
			if cur.Len() > 0 {
				cur.WriteString("\n\n")
			}
			cur.WriteString(para)
			continue
		}
		flush()
		for _, word := range strings.Fields(para) {
			if cur.Len() > 0 && cur.Len()+1+len(word) > size {
				flush()
			}
			if cur.Len() > 0 {
				cur.WriteByte(' ')
			}
			cur.WriteString(word)
		}
		flush()
	}
	flush()
	return chunks
}
