package classifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/hostrd/internal/ratelimit"
	"github.com/kalambet/hostrd/internal/storage"
)

type fixedMatcher struct {
	match Match
}

func (f fixedMatcher) Match(string) Match { return f.match }

type fakeLLM struct {
	mu    sync.Mutex
	calls int
	label string
	conf  float64
	err   error
}

func (f *fakeLLM) Classify(context.Context, string) (string, float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.label, f.conf, f.err
}

func (f *fakeLLM) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type memRecorder struct {
	mu   sync.Mutex
	recs []storage.ClassificationRecord
}

func (m *memRecorder) SaveClassification(_ context.Context, rec storage.ClassificationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

type countingObserver struct {
	decisions   int
	rateLimited int
}

func (o *countingObserver) ObserveClassification(string, bool) { o.decisions++ }
func (o *countingObserver) ObserveRateLimited()                { o.rateLimited++ }

func frozenLimiter(perMinute int) *ratelimit.Limiter {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return ratelimit.NewPerMinute(perMinute, ratelimit.ClockFunc(func() time.Time { return now }))
}

func TestHybridConfidentRegexSkipsInference(t *testing.T) {
	llm := &fakeLLM{label: LabelComplaint, conf: 0.99}
	c := New(DefaultOptions(), llm, nil,
		WithMatcher(fixedMatcher{Match{Label: LabelHousekeeping, Confidence: 0.9}}))

	res := c.Classify(context.Background(), "t1", "more towels please")

	assert.Equal(t, 0, llm.Calls())
	assert.Equal(t, Result{Method: MethodRegex, Label: LabelHousekeeping, Confidence: 0.9}, res)
}

func TestHybridWeakRegexUsesConfidentInference(t *testing.T) {
	llm := &fakeLLM{label: LabelMaintenance, conf: 0.6}
	c := New(DefaultOptions(), llm, nil,
		WithMatcher(fixedMatcher{Match{Label: LabelComplaint, Confidence: 0.3}}))

	res := c.Classify(context.Background(), "t1", "the thing in the bathroom again")

	assert.Equal(t, 1, llm.Calls())
	assert.Equal(t, MethodLLM, res.Method)
	assert.Equal(t, LabelMaintenance, res.Label)
	assert.Equal(t, 0.6, res.Confidence)
	assert.False(t, res.Ambiguous)
}

func TestHybridBothWeakReturnsBestAmbiguous(t *testing.T) {
	llm := &fakeLLM{label: LabelMaintenance, conf: 0.4}
	c := New(DefaultOptions(), llm, nil,
		WithMatcher(fixedMatcher{Match{Label: LabelComplaint, Confidence: 0.3}}))

	res := c.Classify(context.Background(), "t1", "hmm")
	assert.Equal(t, Result{Method: MethodLLM, Label: LabelMaintenance, Confidence: 0.4, Ambiguous: true}, res)

	llm.conf = 0.1
	res = c.Classify(context.Background(), "t1", "hmm")
	assert.Equal(t, Result{Method: MethodRegex, Label: LabelComplaint, Confidence: 0.3, Ambiguous: true}, res)
}

func TestHybridWithoutLLMForAmbiguous(t *testing.T) {
	opts := DefaultOptions()
	opts.EnableLLMForAmbiguous = false
	llm := &fakeLLM{label: LabelMaintenance, conf: 0.9}
	c := New(opts, llm, nil, WithMatcher(fixedMatcher{Match{Label: LabelOther, Confidence: 0.2}}))

	res := c.Classify(context.Background(), "t1", "something")
	assert.Equal(t, 0, llm.Calls())
	assert.True(t, res.Ambiguous)
	assert.Equal(t, MethodRegex, res.Method)
	assert.False(t, opts.IsLLMEnabled())
}

func TestRateLimitExhaustionDegradesToRegex(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxLLMRequestsPerMinute = 5
	llm := &fakeLLM{label: LabelMaintenance, conf: 0.9}
	obs := &countingObserver{}
	c := New(opts, llm, nil,
		WithMatcher(fixedMatcher{Match{Label: LabelComplaint, Confidence: 0.3}}),
		WithLimiter(frozenLimiter(opts.MaxLLMRequestsPerMinute)),
		WithObserver(obs),
	)

	var fallbacks int
	start := time.Now()
	for i := 0; i < opts.MaxLLMRequestsPerMinute+1; i++ {
		res := c.Classify(context.Background(), "t1", "unclear")
		if res.Method == MethodRegex {
			assert.True(t, res.Ambiguous)
			fallbacks++
		}
	}

	assert.GreaterOrEqual(t, fallbacks, 1)
	assert.Equal(t, opts.MaxLLMRequestsPerMinute, llm.Calls())
	assert.Equal(t, 1, obs.rateLimited)
	assert.Equal(t, opts.MaxLLMRequestsPerMinute+1, obs.decisions)
	assert.Less(t, time.Since(start), time.Second, "rate limiting must not block")
}

func TestRegexOnlyNeverCallsInference(t *testing.T) {
	opts := DefaultOptions()
	opts.Mode = ModeRegexOnly
	llm := &fakeLLM{label: LabelMaintenance, conf: 1}
	c := New(opts, llm, nil)

	res := c.Classify(context.Background(), "t1", "There is smoke in the hallway, call the fire brigade")
	assert.Equal(t, 0, llm.Calls())
	assert.Equal(t, LabelEmergency, res.Label)
	assert.Equal(t, MethodRegex, res.Method)
	assert.False(t, res.Ambiguous)

	res = c.Classify(context.Background(), "t1", "what a lovely view")
	assert.Equal(t, LabelOther, res.Label)
	assert.True(t, res.Ambiguous)
}

func TestLLMOnlyAlwaysCallsInference(t *testing.T) {
	opts := DefaultOptions()
	opts.Mode = ModeLLMOnly
	llm := &fakeLLM{label: LabelHousekeeping, conf: 0.95}
	c := New(opts, llm, nil)

	res := c.Classify(context.Background(), "t1", "hello")
	assert.Equal(t, 1, llm.Calls(), "greetings are not short-circuited without the rule matcher")
	assert.Equal(t, MethodLLM, res.Method)

	llm.err = errors.New("unavailable")
	res = c.Classify(context.Background(), "t1", "towels please")
	assert.Equal(t, MethodRegex, res.Method)
	assert.Equal(t, LabelHousekeeping, res.Label)
	assert.True(t, res.Ambiguous)
}

func TestGreetingShortCircuits(t *testing.T) {
	llm := &fakeLLM{label: LabelOther, conf: 1}
	c := New(DefaultOptions(), llm, nil)

	for _, text := range []string{"Hello!", "good morning", "hi there", "Hey, how are you"} {
		res := c.Classify(context.Background(), "t1", text)
		assert.Equal(t, LabelGreeting, res.Label, text)
		assert.Equal(t, MethodRegex, res.Method, text)
	}
	assert.Equal(t, 0, llm.Calls())

	res := c.Classify(context.Background(), "t1", "hello, the shower is broken and the wifi is not working")
	assert.Equal(t, LabelMaintenance, res.Label)
}

func TestDetectGreeting(t *testing.T) {
	tests := []struct {
		text string
		want float64
	}{
		{"hi", 0.95},
		{"  Good Evening!! ", 0.95},
		{"hiya there", 0.7},
		{"hello my room is cold and the heater is broken", 0.3},
		{"history of the hotel", 0},
		{"", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DetectGreeting(tt.text), tt.text)
	}
}

func TestRuleMatcherBoostsRepeatedHits(t *testing.T) {
	m := NewRuleMatcher()

	one := m.Match("the heater is broken")
	assert.Equal(t, LabelMaintenance, one.Label)

	many := m.Match("the heater is broken, the shower is broken and the toilet is clogged")
	assert.Equal(t, LabelMaintenance, many.Label)
	assert.Greater(t, many.Confidence, one.Confidence)
	assert.LessOrEqual(t, many.Confidence, 1.0)
}

func TestClassificationLogging(t *testing.T) {
	rec := &memRecorder{}
	c := New(DefaultOptions(), nil, nil, WithRecorder(rec))
	c.Classify(context.Background(), "t9", "need fresh towels")

	require.Len(t, rec.recs, 1)
	assert.Equal(t, "t9", rec.recs[0].TenantID)
	assert.Equal(t, string(MethodRegex), rec.recs[0].Method)
	assert.Equal(t, LabelHousekeeping, rec.recs[0].Label)
	assert.NotEmpty(t, rec.recs[0].ID)

	opts := DefaultOptions()
	opts.EnableClassificationLogging = false
	rec = &memRecorder{}
	New(opts, nil, nil, WithRecorder(rec)).Classify(context.Background(), "t9", "need fresh towels")
	assert.Empty(t, rec.recs)
}

func TestConfidenceIsClamped(t *testing.T) {
	llm := &fakeLLM{label: LabelMaintenance, conf: 3}
	c := New(DefaultOptions(), llm, nil, WithMatcher(fixedMatcher{Match{Label: LabelOther}}))
	res := c.Classify(context.Background(), "t1", "?")
	assert.Equal(t, 1.0, res.Confidence)
}

func TestParseModeAndValidate(t *testing.T) {
	for in, want := range map[string]Mode{
		"":           ModeHybrid,
		"Hybrid":     ModeHybrid,
		"RegexOnly":  ModeRegexOnly,
		"regex_only": ModeRegexOnly,
		"LLMOnly":    ModeLLMOnly,
		"llm-only":   ModeLLMOnly,
	} {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseMode("magic")
	assert.Error(t, err)

	assert.NoError(t, DefaultOptions().Validate())
	bad := DefaultOptions()
	bad.LLMConfidenceThreshold = 1.5
	bad.MaxLLMRequestsPerMinute = 0
	assert.Error(t, bad.Validate())
}
