// Package classifier labels inbound guest messages, preferring a cheap
// deterministic matcher and falling back to a rate-limited inference call.
package classifier

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kalambet/hostrd/internal/ratelimit"
	"github.com/kalambet/hostrd/internal/storage"
)

// Method records which path produced a Result.
type Method string

const (
	MethodRegex Method = "regex"
	MethodLLM   Method = "llm"
)

// Result is a classification decision. Confidence is always within [0,1].
// Ambiguous results should be routed to a human.
type Result struct {
	Method     Method  `json:"method"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Ambiguous  bool    `json:"ambiguous"`
}

// Inference is the model-backed classifier.
type Inference interface {
	Classify(ctx context.Context, text string) (string, float64, error)
}

// Recorder persists decisions for audit.
type Recorder interface {
	SaveClassification(ctx context.Context, rec storage.ClassificationRecord) error
}

// Observer is notified of every decision and every rate-limited call.
type Observer interface {
	ObserveClassification(method string, ambiguous bool)
	ObserveRateLimited()
}

// Option customises a Classifier.
type Option func(*Classifier)

// WithMatcher replaces the built-in rule set.
func WithMatcher(m Matcher) Option {
	return func(c *Classifier) { c.matcher = m }
}

// WithLimiter shares a limiter, typically one built on a test clock.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(c *Classifier) { c.limiter = l }
}

// WithRecorder persists every decision when classification logging is on.
func WithRecorder(r Recorder) Option {
	return func(c *Classifier) { c.recorder = r }
}

// WithObserver attaches a metrics sink.
func WithObserver(o Observer) Option {
	return func(c *Classifier) { c.observer = o }
}

// Classifier is safe for concurrent use.
type Classifier struct {
	opts     Options
	llm      Inference
	matcher  Matcher
	limiter  *ratelimit.Limiter
	recorder Recorder
	observer Observer
	logger   *zap.Logger
}

// New builds a Classifier. llm may be nil when the mode never needs it; a
// missing limiter is built from opts.MaxLLMRequestsPerMinute on the wall clock.
func New(opts Options, llm Inference, logger *zap.Logger, options ...Option) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Classifier{
		opts:    opts,
		llm:     llm,
		matcher: NewRuleMatcher(),
		logger:  logger.Named("classifier"),
	}
	for _, o := range options {
		o(c)
	}
	if c.limiter == nil {
		c.limiter = ratelimit.NewPerMinute(opts.MaxLLMRequestsPerMinute, nil)
	}
	return c
}

// Options returns the policy the classifier was built with.
func (c *Classifier) Options() Options {
	return c.opts
}

// Classify labels text for tenantID. It never fails: inference errors and
// rate-limit exhaustion degrade to the deterministic result marked ambiguous.
func (c *Classifier) Classify(ctx context.Context, tenantID, text string) Result {
	res := c.classify(ctx, text)
	res.Confidence = clamp01(res.Confidence)
	c.record(ctx, tenantID, text, res)
	return res
}

func (c *Classifier) classify(ctx context.Context, text string) Result {
	if c.opts.IsRegexEnabled() {
		if g := DetectGreeting(text); g >= c.opts.GreetingConfidenceThreshold {
			return Result{Method: MethodRegex, Label: LabelGreeting, Confidence: g}
		}
	}

	switch c.opts.Mode {
	case ModeRegexOnly:
		m := c.matcher.Match(text)
		return Result{
			Method:     MethodRegex,
			Label:      m.Label,
			Confidence: m.Confidence,
			Ambiguous:  m.Confidence < c.opts.RegexConfidenceThreshold,
		}

	case ModeLLMOnly:
		llm, ok := c.callLLM(ctx, text)
		if !ok {
			return c.fallback(text)
		}
		llm.Ambiguous = llm.Confidence < c.opts.LLMConfidenceThreshold
		return llm
	}

	m := c.matcher.Match(text)
	regex := Result{Method: MethodRegex, Label: m.Label, Confidence: m.Confidence}
	if m.Confidence >= c.opts.RegexConfidenceThreshold {
		return regex
	}

	regex.Ambiguous = true
	if !c.opts.EnableLLMForAmbiguous {
		return regex
	}

	llm, ok := c.callLLM(ctx, text)
	if !ok {
		return regex
	}
	if llm.Confidence >= c.opts.LLMConfidenceThreshold {
		return llm
	}
	if llm.Confidence > regex.Confidence {
		llm.Ambiguous = true
		return llm
	}
	return regex
}

// callLLM spends one token of the per-minute budget. ok is false when the
// budget is exhausted, no inference service is wired, or the call fails.
func (c *Classifier) callLLM(ctx context.Context, text string) (Result, bool) {
	if c.llm == nil {
		return Result{}, false
	}
	if !c.limiter.Allow() {
		c.logger.Warn("llm request budget exhausted, using rule result",
			zap.Int("max_per_minute", c.opts.MaxLLMRequestsPerMinute))
		if c.observer != nil {
			c.observer.ObserveRateLimited()
		}
		return Result{}, false
	}

	label, conf, err := c.llm.Classify(ctx, text)
	if err != nil {
		c.logger.Warn("llm classification failed", zap.Error(err))
		return Result{}, false
	}
	return Result{Method: MethodLLM, Label: label, Confidence: clamp01(conf)}, true
}

func (c *Classifier) fallback(text string) Result {
	m := c.matcher.Match(text)
	return Result{Method: MethodRegex, Label: m.Label, Confidence: m.Confidence, Ambiguous: true}
}

func (c *Classifier) record(ctx context.Context, tenantID, text string, res Result) {
	if c.observer != nil {
		c.observer.ObserveClassification(string(res.Method), res.Ambiguous)
	}
	if !c.opts.EnableClassificationLogging {
		return
	}

	c.logger.Info("classification decision",
		zap.String("tenant_id", tenantID),
		zap.String("method", string(res.Method)),
		zap.String("label", res.Label),
		zap.Float64("confidence", res.Confidence),
		zap.Bool("ambiguous", res.Ambiguous),
	)

	if c.recorder == nil {
		return
	}
	err := c.recorder.SaveClassification(ctx, storage.ClassificationRecord{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		Text:       text,
		Method:     string(res.Method),
		Label:      res.Label,
		Confidence: res.Confidence,
		Ambiguous:  res.Ambiguous,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		c.logger.Warn("saving classification log", zap.Error(err))
	}
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
