package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "prod", cfg.Env)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, []string{":53"}, cfg.Listen)
	assert.Equal(t, 1024, cfg.AnswerCacheSize)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("KNOT_ENV", "dev")
	t.Setenv("KNOT_LOG_LEVEL", "debug")
	t.Setenv("KNOT_LISTEN", "127.0.0.1:5353,127.0.0.1:5354")
	t.Setenv("KNOT_IDENTITY", "ns1.example.net")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []string{"127.0.0.1:5353", "127.0.0.1:5354"}, cfg.Listen)
	assert.Equal(t, "ns1.example.net", cfg.Identity)
}

func TestLoad_InvalidEnv(t *testing.T) {
	t.Setenv("KNOT_ENV", "staging")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_InvalidListen(t *testing.T) {
	tests := []string{
		"no-port",
		"127.0.0.1:0",
		"127.0.0.1:notaport",
		"nothost:53",
	}
	for _, bad := range tests {
		t.Run(bad, func(t *testing.T) {
			t.Setenv("KNOT_LISTEN", bad)
			_, err := Load()
			assert.Error(t, err, "listen %q must be rejected", bad)
		})
	}
}

func TestLoad_WildcardListen(t *testing.T) {
	t.Setenv("KNOT_LISTEN", ":5353")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{":5353"}, cfg.Listen)
}

func TestLoad_NegativeCacheRejected(t *testing.T) {
	t.Setenv("KNOT_ANSWER_CACHE_SIZE", "-5")
	_, err := Load()
	assert.Error(t, err)
}
