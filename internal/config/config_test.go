package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Gateway.ListenAddr)
	assert.Equal(t, "ip", cfg.Gateway.ExotelAuthMethod)
	assert.Equal(t, 400*time.Millisecond, cfg.Gateway.FallbackBuffer)
	assert.Equal(t, 60*time.Second, cfg.Gateway.IdleTimeout)

	assert.Equal(t, "kafka", cfg.Bus.Backend)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Bus.Kafka.Brokers)

	assert.Equal(t, "mock", cfg.ASR.Provider)
	assert.Equal(t, "en-US", cfg.ASR.Language)
	assert.True(t, cfg.ASR.Interim)

	assert.Equal(t, "asr-bridge", cfg.Bridge.Group)
	assert.Equal(t, 100*time.Millisecond, cfg.Bridge.MinChunk)
	assert.Equal(t, 200*time.Millisecond, cfg.Bridge.FirstChunkMin)
	assert.Equal(t, time.Second, cfg.Bridge.MaxSendGap)
	assert.Equal(t, 2*time.Second, cfg.Bridge.MaxChunk)
	assert.Equal(t, 3*time.Second, cfg.Bridge.StaleFlushCeiling)
	assert.Equal(t, 5*time.Second, cfg.Bridge.KeepAliveInterval)
	assert.Equal(t, 3, cfg.Bridge.KeepAliveFailureLimit)

	assert.Equal(t, "info", cfg.Observability.LogLevel)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CALLSTREAM_BUS_BACKEND", "inproc")
	t.Setenv("CALLSTREAM_BRIDGE_MIN_CHUNK", "50ms")
	t.Setenv("CALLSTREAM_BRIDGE_FIRST_CHUNK_MIN", "80ms")
	t.Setenv("CALLSTREAM_ASR_PROVIDER", "deepgram")
	t.Setenv("CALLSTREAM_ASR_DEEPGRAM_API_KEY", "dg-test-key")
	t.Setenv("CALLSTREAM_GATEWAY_AUTH_TOKENS", "tok-a,tok-b")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "inproc", cfg.Bus.Backend)
	assert.Equal(t, 50*time.Millisecond, cfg.Bridge.MinChunk)
	assert.Equal(t, 80*time.Millisecond, cfg.Bridge.FirstChunkMin)
	assert.Equal(t, "deepgram", cfg.ASR.Provider)
	assert.Equal(t, "dg-test-key", cfg.ASR.Deepgram.APIKey)
	assert.Equal(t, []string{"tok-a", "tok-b"}, cfg.Gateway.AuthTokens)
}

func TestValidateRejections(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("defaults must validate: %v", err)
		}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown bus backend",
			mutate:  func(c *Config) { c.Bus.Backend = "zeromq" },
			wantErr: "unknown bus backend",
		},
		{
			name:    "kafka without brokers",
			mutate:  func(c *Config) { c.Bus.Kafka.Brokers = nil },
			wantErr: "brokers",
		},
		{
			name: "deepgram without key",
			mutate: func(c *Config) {
				c.ASR.Provider = "deepgram"
				c.ASR.Deepgram.APIKey = ""
			},
			wantErr: "api_key",
		},
		{
			name:    "min chunk too small",
			mutate:  func(c *Config) { c.Bridge.MinChunk = 5 * time.Millisecond },
			wantErr: "min_chunk",
		},
		{
			name:    "first chunk below min",
			mutate:  func(c *Config) { c.Bridge.FirstChunkMin = 50 * time.Millisecond },
			wantErr: "first_chunk_min",
		},
		{
			name:    "max send gap not above min chunk",
			mutate:  func(c *Config) { c.Bridge.MaxSendGap = 100 * time.Millisecond },
			wantErr: "max_send_gap",
		},
		{
			name:    "stale ceiling below max chunk",
			mutate:  func(c *Config) { c.Bridge.StaleFlushCeiling = time.Second },
			wantErr: "stale_flush_ceiling",
		},
		{
			name:    "zero idle timeout",
			mutate:  func(c *Config) { c.Gateway.IdleTimeout = 0 },
			wantErr: "idle_timeout",
		},
		{
			name:    "fallback buffer out of range",
			mutate:  func(c *Config) { c.Gateway.FallbackBuffer = 50 * time.Millisecond },
			wantErr: "fallback_buffer",
		},
		{
			name: "basic auth without credentials",
			mutate: func(c *Config) {
				c.Gateway.ExotelAuthMethod = "basic"
				c.Gateway.ExotelUsername = ""
			},
			wantErr: "basic exotel auth",
		},
		{
			name:    "zero keepalive failure limit",
			mutate:  func(c *Config) { c.Bridge.KeepAliveFailureLimit = 0 },
			wantErr: "keepalive_failure_limit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
