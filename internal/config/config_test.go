package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempBackend(t *testing.T) *fileBackend {
	t.Helper()
	return newFileBackend(filepath.Join(t.TempDir(), "config.json"))
}

func TestDefaults(t *testing.T) {
	cfg, err := loadWith(tempBackend(t))
	require.NoError(t, err)

	assert.Equal(t, 4100, cfg.Server.Port)
	assert.Equal(t, "hybrid", cfg.Classifier.Mode)
	assert.Equal(t, 0.8, cfg.Classifier.RegexConfidenceThreshold)
	assert.Equal(t, 0.5, cfg.Classifier.LLMConfidenceThreshold)
	assert.Equal(t, 0.6, cfg.Classifier.GreetingConfidenceThreshold)
	assert.True(t, cfg.Classifier.EnableLLMForAmbiguous)
	assert.True(t, cfg.Classifier.EnableClassificationLogging)
	assert.Equal(t, 60, cfg.Classifier.MaxLLMRequestsPerMinute)
	assert.Equal(t, 1536, cfg.Inference.EmbeddingDimensions)
	assert.Equal(t, "0 * * * *", cfg.Scheduler.Embeddings)
	assert.Equal(t, "*/15 * * * *", cfg.Scheduler.Ratings)
	assert.Equal(t, 3, cfg.Jobs.ProactiveMaxRetries)
	assert.False(t, cfg.Redis.Enabled)
}

func TestBackendValuesApplied(t *testing.T) {
	b := tempBackend(t)
	require.NoError(t, setKeyIn(b, "server.port", "5000"))
	require.NoError(t, setKeyIn(b, "classifier.mode", "regexonly"))
	require.NoError(t, setKeyIn(b, "classifier.regex_confidence_threshold", "0.7"))
	require.NoError(t, setKeyIn(b, "redis.enabled", "true"))

	cfg, err := loadWith(newFileBackend(b.path))
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.Server.Port)
	assert.Equal(t, "regexonly", cfg.Classifier.Mode)
	assert.Equal(t, 0.7, cfg.Classifier.RegexConfidenceThreshold)
	assert.True(t, cfg.Redis.Enabled)
}

func TestEnvOverride(t *testing.T) {
	b := tempBackend(t)
	require.NoError(t, setKeyIn(b, "server.port", "5000"))

	t.Setenv("HOSTRD_SERVER_PORT", "6000")
	t.Setenv("HOSTRD_CLASSIFIER_MAX_LLM_REQUESTS_PER_MINUTE", "5")
	t.Setenv("HOSTRD_CLASSIFIER_ENABLE_LLM_FOR_AMBIGUOUS", "false")

	cfg, err := loadWith(b)
	require.NoError(t, err)
	assert.Equal(t, 6000, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Classifier.MaxLLMRequestsPerMinute)
	assert.False(t, cfg.Classifier.EnableLLMForAmbiguous)
}

func TestInvalidEnvValueKeepsDefault(t *testing.T) {
	t.Setenv("HOSTRD_SERVER_PORT", "not-a-number")

	cfg, err := loadWith(tempBackend(t))
	require.NoError(t, err)
	assert.Equal(t, 4100, cfg.Server.Port)
}

func TestValidateRejectsOutOfRange(t *testing.T) {
	t.Setenv("HOSTRD_CLASSIFIER_LLM_CONFIDENCE_THRESHOLD", "1.5")
	t.Setenv("HOSTRD_CLASSIFIER_MODE", "magic")

	_, err := loadWith(tempBackend(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "classifier.llm_confidence_threshold")
	assert.Contains(t, err.Error(), "classifier.mode")
}

func TestSetKeyRejectsSecretsAndUnknown(t *testing.T) {
	b := tempBackend(t)
	assert.Error(t, setKeyIn(b, "redis.password", "x"))
	assert.Error(t, setKeyIn(b, "nope", "x"))
	assert.Error(t, setKeyIn(b, "server.port", "abc"))
	assert.Error(t, setKeyIn(b, "redis.enabled", "maybe"))
}

func TestShowAllOmitsSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Messaging.Token = "shh"
	for _, k := range ShowAll(cfg) {
		assert.NotEqual(t, "messaging.token", k.Key)
		assert.NotEqual(t, "shh", k.Value)
	}
	assert.Contains(t, ValidKeys(), "scheduler.retention")
}

func TestAPITokenGeneratedOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")

	first, err := apiTokenAt(Config{}, path)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := apiTokenAt(Config{}, path)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	override, err := apiTokenAt(Config{Server: ServerConfig{APIToken: "fixed"}}, path)
	require.NoError(t, err)
	assert.Equal(t, "fixed", override)
}

func TestSigningKeyGeneratedOnceBesideAPIToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")

	token, err := apiTokenAt(Config{}, path)
	require.NoError(t, err)
	key, err := signingKeyAt(Config{}, path)
	require.NoError(t, err)
	assert.Len(t, key, 64)
	assert.NotEqual(t, token, key)

	again, err := signingKeyAt(Config{}, path)
	require.NoError(t, err)
	assert.Equal(t, key, again)
	sameToken, err := apiTokenAt(Config{}, path)
	require.NoError(t, err)
	assert.Equal(t, token, sameToken)

	override, err := signingKeyAt(Config{Server: ServerConfig{SigningKey: "fixed"}}, path)
	require.NoError(t, err)
	assert.Equal(t, "fixed", override)
}
