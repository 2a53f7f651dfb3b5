package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8000", cfg.Port)
	assert.Equal(t, ".db_metadata_cache.json", cfg.CacheFile)
	assert.Equal(t, "connections.enc", cfg.ConnectionsFile)
	assert.Equal(t, ".connection_key", cfg.KeyFile)
	assert.Equal(t, 30*time.Second, cfg.QueryTimeout)
	assert.Equal(t, 3, cfg.SampleRows)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("QUERY_TIMEOUT", "5s")
	t.Setenv("SAMPLE_ROWS", "10")
	t.Setenv("ANTHROPIC_API_KEY", "key")
	t.Setenv("ANTHROPIC_MODEL", "some-model")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, 5*time.Second, cfg.QueryTimeout)
	assert.Equal(t, 10, cfg.SampleRows)
	assert.Equal(t, "key", cfg.AnthropicAPIKey)
	assert.Equal(t, "some-model", cfg.AnthropicModel)
}

func TestLoadInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"bad duration", "QUERY_TIMEOUT", "soon"},
		{"bad int", "SAMPLE_ROWS", "three"},
		{"negative samples", "SAMPLE_ROWS", "-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
