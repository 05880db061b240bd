package inference

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Backend is what Service needs from a model server. *Client implements it.
type Backend interface {
	Classify(ctx context.Context, req ClassifyRequest) (Verdict, error)
	Embed(ctx context.Context, model, text string) ([]float32, error)
}

// Options configures a Service.
type Options struct {
	ClassifyModel string
	EmbedModel    string
	Labels        []string
	Timeout       time.Duration
}

// Service exposes the two capabilities the rest of the system consumes:
// classify(text) -> (label, confidence) and embed(text) -> vector.
type Service struct {
	backend Backend
	opts    Options
}

// NewService wraps backend. A zero Timeout defaults to 10s.
func NewService(backend Backend, opts Options) *Service {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Service{backend: backend, opts: opts}
}

// Classify asks the classification model for the best label. Labels outside the
// configured catalog are reported as "other"; confidence is clamped to [0,1].
func (s *Service) Classify(ctx context.Context, text string) (string, float64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	v, err := s.backend.Classify(ctx, ClassifyRequest{
		Model:  s.opts.ClassifyModel,
		Text:   text,
		Labels: s.opts.Labels,
	})
	if err != nil {
		return "", 0, fmt.Errorf("classifying message: %w", err)
	}

	label := strings.ToLower(strings.TrimSpace(v.Label))
	if !contains(s.opts.Labels, label) {
		label = "other"
	}
	return label, clamp01(v.Confidence), nil
}

// Embed returns the embedding of text using the configured embedding model.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	return s.backend.Embed(ctx, s.opts.EmbedModel, text)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
