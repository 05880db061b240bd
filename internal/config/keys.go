package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

// Secret keys are never read from or written to the config file; they come
// from the environment or the secrets file.
var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "HOSTRD_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "HOSTRD_SERVER_API_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "server.signing_key", typ: kString, env: "HOSTRD_SERVER_SIGNING_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Server.SigningKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.SigningKey },
	},
	{
		key: "storage.data_dir", typ: kString, env: "HOSTRD_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "inference.base_url", typ: kString, env: "HOSTRD_INFERENCE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Inference.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Inference.BaseURL },
	},
	{
		key: "inference.classify_model", typ: kString, env: "HOSTRD_INFERENCE_CLASSIFY_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Inference.ClassifyModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Inference.ClassifyModel },
	},
	{
		key: "inference.embed_model", typ: kString, env: "HOSTRD_INFERENCE_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Inference.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Inference.EmbedModel },
	},
	{
		key: "inference.embedding_dimensions", typ: kInt, env: "HOSTRD_INFERENCE_EMBEDDING_DIMENSIONS",
		apply:   func(cfg *Config, v any) { cfg.Inference.EmbeddingDimensions = v.(int) },
		extract: func(cfg Config) any { return cfg.Inference.EmbeddingDimensions },
	},
	{
		key: "inference.timeout", typ: kString, env: "HOSTRD_INFERENCE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Inference.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Inference.Timeout },
	},
	{
		key: "messaging.webhook_url", typ: kString, env: "HOSTRD_MESSAGING_WEBHOOK_URL",
		apply:   func(cfg *Config, v any) { cfg.Messaging.WebhookURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Messaging.WebhookURL },
	},
	{
		key: "messaging.token", typ: kString, env: "HOSTRD_MESSAGING_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Messaging.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Messaging.Token },
	},
	{
		key: "messaging.timeout", typ: kString, env: "HOSTRD_MESSAGING_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Messaging.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Messaging.Timeout },
	},
	{
		key: "messaging.max_per_minute", typ: kInt, env: "HOSTRD_MESSAGING_MAX_PER_MINUTE",
		apply:   func(cfg *Config, v any) { cfg.Messaging.MaxPerMinute = v.(int) },
		extract: func(cfg Config) any { return cfg.Messaging.MaxPerMinute },
	},
	{
		key: "classifier.mode", typ: kString, env: "HOSTRD_CLASSIFIER_MODE",
		apply:   func(cfg *Config, v any) { cfg.Classifier.Mode = v.(string) },
		extract: func(cfg Config) any { return cfg.Classifier.Mode },
	},
	{
		key: "classifier.regex_confidence_threshold", typ: kFloat, env: "HOSTRD_CLASSIFIER_REGEX_CONFIDENCE_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Classifier.RegexConfidenceThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Classifier.RegexConfidenceThreshold },
	},
	{
		key: "classifier.llm_confidence_threshold", typ: kFloat, env: "HOSTRD_CLASSIFIER_LLM_CONFIDENCE_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Classifier.LLMConfidenceThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Classifier.LLMConfidenceThreshold },
	},
	{
		key: "classifier.enable_llm_for_ambiguous", typ: kBool, env: "HOSTRD_CLASSIFIER_ENABLE_LLM_FOR_AMBIGUOUS",
		apply:   func(cfg *Config, v any) { cfg.Classifier.EnableLLMForAmbiguous = v.(bool) },
		extract: func(cfg Config) any { return cfg.Classifier.EnableLLMForAmbiguous },
	},
	{
		key: "classifier.greeting_confidence_threshold", typ: kFloat, env: "HOSTRD_CLASSIFIER_GREETING_CONFIDENCE_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Classifier.GreetingConfidenceThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Classifier.GreetingConfidenceThreshold },
	},
	{
		key: "classifier.max_llm_requests_per_minute", typ: kInt, env: "HOSTRD_CLASSIFIER_MAX_LLM_REQUESTS_PER_MINUTE",
		apply:   func(cfg *Config, v any) { cfg.Classifier.MaxLLMRequestsPerMinute = v.(int) },
		extract: func(cfg Config) any { return cfg.Classifier.MaxLLMRequestsPerMinute },
	},
	{
		key: "classifier.enable_classification_logging", typ: kBool, env: "HOSTRD_CLASSIFIER_ENABLE_CLASSIFICATION_LOGGING",
		apply:   func(cfg *Config, v any) { cfg.Classifier.EnableClassificationLogging = v.(bool) },
		extract: func(cfg Config) any { return cfg.Classifier.EnableClassificationLogging },
	},
	{
		key: "scheduler.embeddings", typ: kString, env: "HOSTRD_SCHEDULER_EMBEDDINGS",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.Embeddings = v.(string) },
		extract: func(cfg Config) any { return cfg.Scheduler.Embeddings },
	},
	{
		key: "scheduler.ratings", typ: kString, env: "HOSTRD_SCHEDULER_RATINGS",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.Ratings = v.(string) },
		extract: func(cfg Config) any { return cfg.Scheduler.Ratings },
	},
	{
		key: "scheduler.retention", typ: kString, env: "HOSTRD_SCHEDULER_RETENTION",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.Retention = v.(string) },
		extract: func(cfg Config) any { return cfg.Scheduler.Retention },
	},
	{
		key: "scheduler.analytics", typ: kString, env: "HOSTRD_SCHEDULER_ANALYTICS",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.Analytics = v.(string) },
		extract: func(cfg Config) any { return cfg.Scheduler.Analytics },
	},
	{
		key: "scheduler.booking_status", typ: kString, env: "HOSTRD_SCHEDULER_BOOKING_STATUS",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.BookingStatus = v.(string) },
		extract: func(cfg Config) any { return cfg.Scheduler.BookingStatus },
	},
	{
		key: "scheduler.proactive_messages", typ: kString, env: "HOSTRD_SCHEDULER_PROACTIVE_MESSAGES",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.ProactiveMessages = v.(string) },
		extract: func(cfg Config) any { return cfg.Scheduler.ProactiveMessages },
	},
	{
		key: "scheduler.surveys", typ: kString, env: "HOSTRD_SCHEDULER_SURVEYS",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.Surveys = v.(string) },
		extract: func(cfg Config) any { return cfg.Scheduler.Surveys },
	},
	{
		key: "scheduler.tenant_parallelism", typ: kInt, env: "HOSTRD_SCHEDULER_TENANT_PARALLELISM",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.TenantParallelism = v.(int) },
		extract: func(cfg Config) any { return cfg.Scheduler.TenantParallelism },
	},
	{
		key: "scheduler.lock_ttl", typ: kString, env: "HOSTRD_SCHEDULER_LOCK_TTL",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.LockTTL = v.(string) },
		extract: func(cfg Config) any { return cfg.Scheduler.LockTTL },
	},
	{
		key: "scheduler.timezone", typ: kString, env: "HOSTRD_SCHEDULER_TIMEZONE",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.Timezone = v.(string) },
		extract: func(cfg Config) any { return cfg.Scheduler.Timezone },
	},
	{
		key: "jobs.embedding_batch_size", typ: kInt, env: "HOSTRD_JOBS_EMBEDDING_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Jobs.EmbeddingBatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Jobs.EmbeddingBatchSize },
	},
	{
		key: "jobs.rating_window_hours", typ: kInt, env: "HOSTRD_JOBS_RATING_WINDOW_HOURS",
		apply:   func(cfg *Config, v any) { cfg.Jobs.RatingWindowHours = v.(int) },
		extract: func(cfg Config) any { return cfg.Jobs.RatingWindowHours },
	},
	{
		key: "jobs.rating_expiry_days", typ: kInt, env: "HOSTRD_JOBS_RATING_EXPIRY_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Jobs.RatingExpiryDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Jobs.RatingExpiryDays },
	},
	{
		key: "jobs.survey_window_min_hours", typ: kInt, env: "HOSTRD_JOBS_SURVEY_WINDOW_MIN_HOURS",
		apply:   func(cfg *Config, v any) { cfg.Jobs.SurveyWindowMinHours = v.(int) },
		extract: func(cfg Config) any { return cfg.Jobs.SurveyWindowMinHours },
	},
	{
		key: "jobs.survey_window_max_hours", typ: kInt, env: "HOSTRD_JOBS_SURVEY_WINDOW_MAX_HOURS",
		apply:   func(cfg *Config, v any) { cfg.Jobs.SurveyWindowMaxHours = v.(int) },
		extract: func(cfg Config) any { return cfg.Jobs.SurveyWindowMaxHours },
	},
	{
		key: "jobs.survey_cooldown_days", typ: kInt, env: "HOSTRD_JOBS_SURVEY_COOLDOWN_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Jobs.SurveyCooldownDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Jobs.SurveyCooldownDays },
	},
	{
		key: "jobs.proactive_batch_size", typ: kInt, env: "HOSTRD_JOBS_PROACTIVE_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Jobs.ProactiveBatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Jobs.ProactiveBatchSize },
	},
	{
		key: "jobs.proactive_max_retries", typ: kInt, env: "HOSTRD_JOBS_PROACTIVE_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Jobs.ProactiveMaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Jobs.ProactiveMaxRetries },
	},
	{
		key: "redis.enabled", typ: kBool, env: "HOSTRD_REDIS_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Redis.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Redis.Enabled },
	},
	{
		key: "redis.addr", typ: kString, env: "HOSTRD_REDIS_ADDR",
		apply:   func(cfg *Config, v any) { cfg.Redis.Addr = v.(string) },
		extract: func(cfg Config) any { return cfg.Redis.Addr },
	},
	{
		key: "redis.password", typ: kString, env: "HOSTRD_REDIS_PASSWORD",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Redis.Password = v.(string) },
		extract: func(cfg Config) any { return cfg.Redis.Password },
	},
	{
		key: "redis.db", typ: kInt, env: "HOSTRD_REDIS_DB",
		apply:   func(cfg *Config, v any) { cfg.Redis.DB = v.(int) },
		extract: func(cfg Config) any { return cfg.Redis.DB },
	},
	{
		key: "log.level", typ: kString, env: "HOSTRD_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "HOSTRD_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
