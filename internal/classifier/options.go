package classifier

import (
	"errors"
	"fmt"
	"strings"
)

// Mode selects which classification paths may run.
type Mode string

const (
	ModeRegexOnly Mode = "regex_only"
	ModeLLMOnly   Mode = "llm_only"
	ModeHybrid    Mode = "hybrid"
)

// ParseMode accepts the canonical names as well as the camel-case spellings
// operators tend to type ("RegexOnly", "LLMOnly", "Hybrid"). Empty means hybrid.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")) {
	case "", "hybrid":
		return ModeHybrid, nil
	case "regex_only", "regexonly", "regex":
		return ModeRegexOnly, nil
	case "llm_only", "llmonly", "llm":
		return ModeLLMOnly, nil
	}
	return "", fmt.Errorf("unknown classification mode %q", s)
}

// Options is the threshold policy of a Classifier. It is copied at
// construction and never mutated afterwards.
type Options struct {
	Mode                        Mode
	RegexConfidenceThreshold    float64
	LLMConfidenceThreshold      float64
	EnableLLMForAmbiguous       bool
	GreetingConfidenceThreshold float64
	MaxLLMRequestsPerMinute     int
	EnableClassificationLogging bool
}

// DefaultOptions returns the production policy.
func DefaultOptions() Options {
	return Options{
		Mode:                        ModeHybrid,
		RegexConfidenceThreshold:    0.8,
		LLMConfidenceThreshold:      0.5,
		EnableLLMForAmbiguous:       true,
		GreetingConfidenceThreshold: 0.6,
		MaxLLMRequestsPerMinute:     60,
		EnableClassificationLogging: true,
	}
}

// IsLLMEnabled reports whether the mode ever calls the inference service.
func (o Options) IsLLMEnabled() bool {
	return o.Mode == ModeLLMOnly || (o.Mode == ModeHybrid && o.EnableLLMForAmbiguous)
}

// IsRegexEnabled reports whether the deterministic matcher runs.
func (o Options) IsRegexEnabled() bool {
	return o.Mode == ModeRegexOnly || o.Mode == ModeHybrid
}

// Validate checks thresholds and the request budget.
func (o Options) Validate() error {
	var errs []error
	switch o.Mode {
	case ModeRegexOnly, ModeLLMOnly, ModeHybrid:
	default:
		errs = append(errs, fmt.Errorf("mode: unknown %q", o.Mode))
	}
	for name, v := range map[string]float64{
		"regex confidence threshold":    o.RegexConfidenceThreshold,
		"llm confidence threshold":      o.LLMConfidenceThreshold,
		"greeting confidence threshold": o.GreetingConfidenceThreshold,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s: %v outside [0,1]", name, v))
		}
	}
	if o.MaxLLMRequestsPerMinute <= 0 {
		errs = append(errs, fmt.Errorf("max llm requests per minute: must be positive, got %d", o.MaxLLMRequestsPerMinute))
	}
	return errors.Join(errs...)
}
