package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Inference  InferenceConfig
	Messaging  MessagingConfig
	Classifier ClassifierConfig
	Scheduler  SchedulerConfig
	Jobs       JobsConfig
	Redis      RedisConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port       int
	APIToken   string
	SigningKey string
}

type StorageConfig struct {
	DataDir string
}

type InferenceConfig struct {
	BaseURL             string
	ClassifyModel       string
	EmbedModel          string
	EmbeddingDimensions int
	Timeout             string
}

type MessagingConfig struct {
	WebhookURL   string
	Token        string
	Timeout      string
	MaxPerMinute int
}

// ClassifierConfig mirrors the classifier's threshold policy field for field.
type ClassifierConfig struct {
	Mode                        string
	RegexConfidenceThreshold    float64
	LLMConfidenceThreshold      float64
	EnableLLMForAmbiguous       bool
	GreetingConfidenceThreshold float64
	MaxLLMRequestsPerMinute     int
	EnableClassificationLogging bool
}

// SchedulerConfig holds one cron expression per job plus execution limits.
type SchedulerConfig struct {
	Embeddings        string
	Ratings           string
	Retention         string
	Analytics         string
	BookingStatus     string
	ProactiveMessages string
	Surveys           string
	TenantParallelism int
	LockTTL           string
	Timezone          string
}

type JobsConfig struct {
	EmbeddingBatchSize   int
	RatingWindowHours    int
	RatingExpiryDays     int
	SurveyWindowMinHours int
	SurveyWindowMaxHours int
	SurveyCooldownDays   int
	ProactiveBatchSize   int
	ProactiveMaxRetries  int
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

type LogConfig struct {
	Level  string
	Format string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Inference: InferenceConfig{
			BaseURL:             "http://localhost:11434",
			ClassifyModel:       "phi3.5",
			EmbedModel:          "nomic-embed-text",
			EmbeddingDimensions: 1536,
			Timeout:             "10s",
		},
		Messaging: MessagingConfig{
			Timeout:      "15s",
			MaxPerMinute: 20,
		},
		Classifier: ClassifierConfig{
			Mode:                        "hybrid",
			RegexConfidenceThreshold:    0.8,
			LLMConfidenceThreshold:      0.5,
			EnableLLMForAmbiguous:       true,
			GreetingConfidenceThreshold: 0.6,
			MaxLLMRequestsPerMinute:     60,
			EnableClassificationLogging: true,
		},
		Scheduler: SchedulerConfig{
			Embeddings:        "0 * * * *",
			Ratings:           "*/15 * * * *",
			Retention:         "0 2 * * *",
			Analytics:         "0 1 * * *",
			BookingStatus:     "*/5 * * * *",
			ProactiveMessages: "*/5 * * * *",
			Surveys:           "*/30 * * * *",
			TenantParallelism: 4,
			LockTTL:           "10m",
			Timezone:          "UTC",
		},
		Jobs: JobsConfig{
			EmbeddingBatchSize:   10,
			RatingWindowHours:    24,
			RatingExpiryDays:     7,
			SurveyWindowMinHours: 2,
			SurveyWindowMaxHours: 4,
			SurveyCooldownDays:   7,
			ProactiveBatchSize:   50,
			ProactiveMaxRetries:  3,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/hostrd/config.json, then applies HOSTRD_* environment
// overrides, and validates the result.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges that would otherwise surface as runtime misbehavior.
func (c Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.Classifier.Mode) {
	case "regexonly", "regex_only", "llmonly", "llm_only", "hybrid":
	default:
		errs = append(errs, fmt.Errorf("classifier.mode: unknown mode %q", c.Classifier.Mode))
	}
	for key, v := range map[string]float64{
		"classifier.regex_confidence_threshold":    c.Classifier.RegexConfidenceThreshold,
		"classifier.llm_confidence_threshold":      c.Classifier.LLMConfidenceThreshold,
		"classifier.greeting_confidence_threshold": c.Classifier.GreetingConfidenceThreshold,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s: %v is outside [0,1]", key, v))
		}
	}
	if c.Classifier.MaxLLMRequestsPerMinute <= 0 {
		errs = append(errs, fmt.Errorf("classifier.max_llm_requests_per_minute: must be positive"))
	}
	if c.Inference.EmbeddingDimensions <= 0 {
		errs = append(errs, fmt.Errorf("inference.embedding_dimensions: must be positive"))
	}
	if c.Scheduler.TenantParallelism <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.tenant_parallelism: must be positive"))
	}
	if c.Jobs.SurveyWindowMinHours >= c.Jobs.SurveyWindowMaxHours {
		errs = append(errs, fmt.Errorf("jobs.survey_window_min_hours must be below jobs.survey_window_max_hours"))
	}
	for key, v := range map[string]string{
		"inference.timeout":  c.Inference.Timeout,
		"messaging.timeout":  c.Messaging.Timeout,
		"scheduler.lock_ttl": c.Scheduler.LockTTL,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
	}

	return errors.Join(errs...)
}

// Duration parses a duration value that Validate already accepted, falling back
// to def if it is empty.
func Duration(v string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
