package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/failures"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "clover", cfg.AppName)
	assert.Equal(t, 3004, cfg.Port)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "enriched-businesses", cfg.KafkaInputTopic)
	assert.Equal(t, "lead-events", cfg.KafkaLeadTopic)
	assert.Equal(t, "business-events", cfg.KafkaMergeTopic)
	assert.Equal(t, 10*time.Second, cfg.HttpServerReadTimeout)
	assert.Equal(t, 0.92, cfg.Thresholds().Merge)
	assert.Equal(t, 3, cfg.Pipeline().Retry.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.Pipeline().Retry.BaseDelay)
	assert.Equal(t, "host=localhost port=5432 user= password= dbname=clover sslmode=disable", cfg.DatabaseDSN())
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PORT", "8080")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("MERGE_THRESHOLD", "0.9")
	t.Setenv("RETRY_BASE_DELAY", "250ms")
	t.Setenv("GRAPH_DB_ENABLED", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 0.9, cfg.MergeThreshold)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryBaseDelay)
	assert.True(t, cfg.GraphDBEnabled)
}

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "clover.env")
	require.NoError(t, os.WriteFile(path, []byte("DB_NAME=leads\nPIPELINE_WORKERS=2\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("DB_NAME")
		os.Unsetenv("PIPELINE_WORKERS")
	})

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "leads", cfg.DatabaseName)
	assert.Equal(t, 2, cfg.PipelineWorkers)

	_, err = Load(filepath.Join(dir, "missing.env"))
	assert.ErrorIs(t, err, failures.ErrConfiguration)
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]map[string]string{
		"thresholds out of order":   {"MERGE_THRESHOLD": "0.5", "REJECT_THRESHOLD": "0.6"},
		"semantic outweighs":        {"LEXICAL_WEIGHT": "0.4", "SEMANTIC_WEIGHT": "0.6"},
		"weights do not sum to one": {"LEXICAL_WEIGHT": "0.7", "SEMANTIC_WEIGHT": "0.2"},
		"no workers":                {"PIPELINE_WORKERS": "0"},
		"bad log level":             {"LOG_LEVEL": "loud"},
		"semantic without url":      {"SEMANTIC_ENABLED": "true"},
		"zero retry attempts":       {"RETRY_MAX_ATTEMPTS": "0"},
	}

	for name, env := range tests {
		t.Run(name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			require.Error(t, err)
			assert.ErrorIs(t, err, failures.ErrConfiguration)
		})
	}
}
