package config

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	viper.Reset()
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.BindAddress)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr())
	assert.Equal(t, DefaultBodySizeLimit, cfg.Server.BodySizeLimit)
	assert.Empty(t, cfg.Server.MasterKey)

	assert.Equal(t, DefaultUpstreamBaseURL, cfg.Upstream.BaseURL)
	assert.Equal(t, []string{"Accept"}, cfg.Upstream.ForwardHeaders)

	assert.Equal(t, 1, cfg.RateLimit.Rate)
	assert.Equal(t, 5, cfg.RateLimit.Burst)
	assert.Equal(t, time.Second, cfg.RateLimit.Interval)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.Timeout)

	assert.Equal(t, 100, cfg.SSE.ChannelCapacity)
	assert.Equal(t, 15*time.Second, cfg.SSE.KeepaliveInterval)
	assert.Equal(t, 1024, cfg.SSE.BufferCapacity)

	assert.Zero(t, cfg.HTTP.Timeout, "streams must not be capped by default")
	assert.Equal(t, 600*time.Second, cfg.HTTP.ResponseHeaderTimeout)

	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, "/metrics", cfg.Metrics.Endpoint)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_FromEnvironment(t *testing.T) {
	viper.Reset()
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("PORT", "9090")
	t.Setenv("BIND_ADDRESS", "0.0.0.0")
	t.Setenv("UPSTREAM_BASE_URL", "http://localhost:4000/v1/")
	t.Setenv("FORWARD_HEADERS", "OpenAI-Organization, accept, Authorization")
	t.Setenv("RATE_LIMIT", "3")
	t.Setenv("RATE_LIMIT_BURST", "10")
	t.Setenv("RATE_LIMIT_INTERVAL", "250ms")
	t.Setenv("RATE_LIMIT_TIMEOUT", "5")
	t.Setenv("SSE_CHANNEL_CAPACITY", "16")
	t.Setenv("SSE_KEEPALIVE_INTERVAL", "2s")
	t.Setenv("SSE_BUFFER_CAPACITY", "4096")
	t.Setenv("METRICS_ENABLED", "true")
	t.Setenv("LOG_FORMAT", "TEXT")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9090", cfg.Server.Addr())
	assert.Equal(t, "sk-env", cfg.Upstream.APIKey)
	assert.Equal(t, "http://localhost:4000/v1", cfg.Upstream.BaseURL, "trailing slash is trimmed")
	assert.Equal(t, []string{"Accept", "OpenAI-Organization"}, cfg.Upstream.ForwardHeaders)
	assert.Equal(t, 3, cfg.RateLimit.Rate)
	assert.Equal(t, 10, cfg.RateLimit.Burst)
	assert.Equal(t, 250*time.Millisecond, cfg.RateLimit.Interval)
	assert.Equal(t, 5*time.Second, cfg.RateLimit.Timeout)
	assert.Equal(t, 16, cfg.SSE.ChannelCapacity)
	assert.Equal(t, 2*time.Second, cfg.SSE.KeepaliveInterval)
	assert.Equal(t, 4096, cfg.SSE.BufferCapacity)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoad_MalformedDurations(t *testing.T) {
	viper.Reset()
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("SSE_KEEPALIVE_INTERVAL", "15x")
	t.Setenv("RATE_LIMIT_TIMEOUT", "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid SSE_KEEPALIVE_INTERVAL "15x"`)
	assert.Contains(t, err.Error(), `invalid RATE_LIMIT_TIMEOUT "soon"`)
}

func TestLoad_MissingAPIKey(t *testing.T) {
	viper.Reset()
	t.Setenv("OPENAI_API_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPENAI_API_KEY")
}

func TestLoad_DotEnvFile(t *testing.T) {
	viper.Reset()
	t.Setenv("OPENAI_API_KEY", "")
	_ = os.Unsetenv("OPENAI_API_KEY")

	envContent := "PORT=7070\nOPENAI_API_KEY=sk-from-dotenv-file\n"
	require.NoError(t, os.WriteFile(".env", []byte(envContent), 0o644))
	t.Cleanup(func() { _ = os.Remove(".env") })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, "sk-from-dotenv-file", cfg.Upstream.APIKey)
}

func TestLoad_EnvOverridesDotEnv(t *testing.T) {
	viper.Reset()

	envContent := "PORT=7070\nOPENAI_API_KEY=sk-from-dotenv-file\n"
	require.NoError(t, os.WriteFile(".env", []byte(envContent), 0o644))
	t.Cleanup(func() { _ = os.Remove(".env") })

	t.Setenv("PORT", "9999")
	t.Setenv("OPENAI_API_KEY", "sk-from-real-env")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9999", cfg.Server.Port)
	assert.Equal(t, "sk-from-real-env", cfg.Upstream.APIKey)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Upstream:  UpstreamConfig{BaseURL: DefaultUpstreamBaseURL, APIKey: "sk"},
			RateLimit: RateLimitConfig{Rate: 1, Burst: 5, Interval: time.Second, Timeout: time.Second},
			SSE:       SSEConfig{ChannelCapacity: 1, KeepaliveInterval: time.Second},
			Log:       LogConfig{Format: "json"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"zero burst", func(c *Config) { c.RateLimit.Burst = 0 }, "RATE_LIMIT_BURST"},
		{"zero rate", func(c *Config) { c.RateLimit.Rate = 0 }, "RATE_LIMIT must"},
		{"zero timeout", func(c *Config) { c.RateLimit.Timeout = 0 }, "RATE_LIMIT_TIMEOUT"},
		{"zero channel", func(c *Config) { c.SSE.ChannelCapacity = 0 }, "SSE_CHANNEL_CAPACITY"},
		{"zero keepalive", func(c *Config) { c.SSE.KeepaliveInterval = 0 }, "SSE_KEEPALIVE_INTERVAL"},
		{"relative url", func(c *Config) { c.Upstream.BaseURL = "/v1" }, "UPSTREAM_BASE_URL"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "LOG_FORMAT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateBodySizeLimit(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expectError bool
	}{
		{"empty string is valid", "", false},
		{"plain number", "1048576", false},
		{"kilobytes lowercase", "100k", false},
		{"kilobytes with B suffix", "100KB", false},
		{"megabytes uppercase", "10M", false},
		{"whitespace trimmed", "  10M  ", false},
		{"minimum valid (1KB)", "1K", false},
		{"maximum valid (100MB)", "100M", false},

		{"invalid format with letters", "abc", true},
		{"invalid unit", "10X", true},
		{"negative number", "-10M", true},
		{"decimal number", "10.5M", true},
		{"empty unit with B", "10B", true},
		{"below minimum (100 bytes)", "100", true},
		{"above maximum (200MB)", "200M", true},
		{"above maximum (1GB)", "1G", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBodySizeLimit(tt.input)
			if tt.expectError {
				assert.Error(t, err, "input %q", tt.input)
			} else {
				assert.NoError(t, err, "input %q", tt.input)
			}
		})
	}
}

func TestParseBodySizeLimit(t *testing.T) {
	n, err := ParseBodySizeLimit("512KB")
	require.NoError(t, err)
	assert.Equal(t, int64(512*1024), n)

	n, err = ParseBodySizeLimit("")
	require.NoError(t, err)
	assert.Equal(t, DefaultBodySizeLimit, n)
}
