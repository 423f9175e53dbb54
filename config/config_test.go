package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClientConfigDefaults(t *testing.T) {
	t.Setenv("SYNC_INTERVAL", "250ms")
	cfg, err := NewClientConfig()
	require.NoError(t, err)
	require.Equal(t, 50, cfg.BatchSize)
	require.Equal(t, 250*time.Millisecond, cfg.Interval)
	require.Equal(t, "all", cfg.Dedupe)
	require.Equal(t, "revision", cfg.ConflictPolicy)
}

func TestClientConfigRejectsBatchSize(t *testing.T) {
	t.Setenv("SYNC_BATCH_SIZE", "0")
	_, err := NewClientConfig()
	require.Error(t, err)
}

func TestClientConfigRejectsMaxAttempts(t *testing.T) {
	t.Setenv("SYNC_MAX_ATTEMPTS", "0")
	_, err := NewClientConfig()
	require.ErrorContains(t, err, "SYNC_MAX_ATTEMPTS")
}

func TestAllowedOrigins(t *testing.T) {
	cfg := &Config{CorsAllowedOrigins: "https://app.example, https://beta.example,"}
	require.Equal(t, []string{"https://app.example", "https://beta.example"}, cfg.AllowedOrigins())
}

func TestInvalidCertificate(t *testing.T) {
	var c Certificate
	require.Error(t, c.UnmarshalEnvironmentValue("not base64!"))
	require.Error(t, c.UnmarshalEnvironmentValue("aGVsbG8="))
}
