// Package config provides configuration management for the application.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// DefaultBodySizeLimit is the default maximum request body size (10MB)
	DefaultBodySizeLimit int64 = 10 * 1024 * 1024

	minBodySizeLimit int64 = 1024
	maxBodySizeLimit int64 = 100 * 1024 * 1024

	// DefaultUpstreamBaseURL is where /v1/* requests are forwarded when UPSTREAM_BASE_URL is unset
	DefaultUpstreamBaseURL = "https://api.openai.com/v1"
)

// Config holds the application configuration
type Config struct {
	Server    ServerConfig
	Upstream  UpstreamConfig
	RateLimit RateLimitConfig
	SSE       SSEConfig
	HTTP      HTTPConfig
	Metrics   MetricsConfig
	Log       LogConfig

	parseErrs []error // malformed values seen by Load, reported by Validate
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port          string
	BindAddress   string
	MasterKey     string // Optional: static bearer required from clients on /v1/*
	BodySizeLimit int64
}

// Addr returns the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.BindAddress, s.Port)
}

// UpstreamConfig describes the single upstream API the gateway fronts
type UpstreamConfig struct {
	BaseURL        string
	APIKey         string
	ForwardHeaders []string // client headers copied upstream; always contains Accept
}

// RateLimitConfig configures the shared token bucket and admission wait
type RateLimitConfig struct {
	Rate     int           // credits added per interval
	Burst    int           // bucket capacity
	Interval time.Duration // refill interval
	Timeout  time.Duration // maximum admission wait
}

// SSEConfig configures the stream relay
type SSEConfig struct {
	ChannelCapacity   int
	KeepaliveInterval time.Duration
	BufferCapacity    int
}

// HTTPConfig configures the upstream HTTP transport
type HTTPConfig struct {
	Timeout               time.Duration // whole exchange, body included; 0 leaves streams unbounded
	ResponseHeaderTimeout time.Duration
}

// MetricsConfig holds Prometheus exposition settings
type MetricsConfig struct {
	Enabled  bool
	Endpoint string
}

// LogConfig selects the slog handler
type LogConfig struct {
	Format string // "json" or "text"
	Level  string
}

// Load reads configuration from an optional .env file and the environment.
func Load() (*Config, error) {
	// Load .env file using Viper (optional, won't fail if not found)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	_ = viper.ReadInConfig()

	setDefaults()
	viper.AutomaticEnv()

	bodySizeLimit := viper.GetString("BODY_SIZE_LIMIT")
	if err := ValidateBodySizeLimit(bodySizeLimit); err != nil {
		return nil, err
	}
	limit, _ := ParseBodySizeLimit(bodySizeLimit)

	var parseErrs []error
	duration := func(key string, defaultVal time.Duration) time.Duration {
		d, err := durationValue(key, defaultVal)
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		return d
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:          viper.GetString("PORT"),
			BindAddress:   viper.GetString("BIND_ADDRESS"),
			MasterKey:     viper.GetString("GATEWAY_MASTER_KEY"),
			BodySizeLimit: limit,
		},
		Upstream: UpstreamConfig{
			BaseURL:        strings.TrimRight(viper.GetString("UPSTREAM_BASE_URL"), "/"),
			APIKey:         viper.GetString("OPENAI_API_KEY"),
			ForwardHeaders: forwardHeaders(viper.GetString("FORWARD_HEADERS")),
		},
		RateLimit: RateLimitConfig{
			Rate:     viper.GetInt("RATE_LIMIT"),
			Burst:    viper.GetInt("RATE_LIMIT_BURST"),
			Interval: duration("RATE_LIMIT_INTERVAL", time.Second),
			Timeout:  duration("RATE_LIMIT_TIMEOUT", 30*time.Second),
		},
		SSE: SSEConfig{
			ChannelCapacity:   viper.GetInt("SSE_CHANNEL_CAPACITY"),
			KeepaliveInterval: duration("SSE_KEEPALIVE_INTERVAL", 15*time.Second),
			BufferCapacity:    viper.GetInt("SSE_BUFFER_CAPACITY"),
		},
		HTTP: HTTPConfig{
			Timeout:               duration("HTTP_TIMEOUT", 0),
			ResponseHeaderTimeout: duration("HTTP_RESPONSE_HEADER_TIMEOUT", 600*time.Second),
		},
		Metrics: MetricsConfig{
			Enabled:  viper.GetBool("METRICS_ENABLED"),
			Endpoint: viper.GetString("METRICS_ENDPOINT"),
		},
		Log: LogConfig{
			Format: strings.ToLower(viper.GetString("LOG_FORMAT")),
			Level:  viper.GetString("LOG_LEVEL"),
		},
		parseErrs: parseErrs,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults() {
	viper.SetDefault("PORT", "8080")
	viper.SetDefault("BIND_ADDRESS", "127.0.0.1")
	viper.SetDefault("UPSTREAM_BASE_URL", DefaultUpstreamBaseURL)
	viper.SetDefault("FORWARD_HEADERS", "Accept")
	viper.SetDefault("SSE_CHANNEL_CAPACITY", 100)
	viper.SetDefault("SSE_KEEPALIVE_INTERVAL", "15")
	viper.SetDefault("SSE_BUFFER_CAPACITY", 1024)
	viper.SetDefault("RATE_LIMIT", 1)
	viper.SetDefault("RATE_LIMIT_BURST", 5)
	viper.SetDefault("RATE_LIMIT_INTERVAL", "1s")
	viper.SetDefault("RATE_LIMIT_TIMEOUT", "30")
	viper.SetDefault("BODY_SIZE_LIMIT", "10M")
	viper.SetDefault("HTTP_TIMEOUT", "0")
	viper.SetDefault("HTTP_RESPONSE_HEADER_TIMEOUT", "600")
	viper.SetDefault("METRICS_ENABLED", false)
	viper.SetDefault("METRICS_ENDPOINT", "/metrics")
	viper.SetDefault("LOG_FORMAT", "json")
	viper.SetDefault("LOG_LEVEL", "info")
}

// Validate reports every configuration problem that would prevent the
// gateway from serving, joined into one error.
func (c *Config) Validate() error {
	errs := append([]error(nil), c.parseErrs...)

	if c.Upstream.APIKey == "" {
		errs = append(errs, errors.New("OPENAI_API_KEY not set"))
	}
	if u, err := url.Parse(c.Upstream.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("invalid UPSTREAM_BASE_URL %q", c.Upstream.BaseURL))
	}
	if c.RateLimit.Burst <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_BURST must be positive, got %d", c.RateLimit.Burst))
	}
	if c.RateLimit.Rate <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT must be positive, got %d", c.RateLimit.Rate))
	}
	if c.RateLimit.Interval <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_INTERVAL must be positive"))
	}
	if c.RateLimit.Timeout <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_TIMEOUT must be positive"))
	}
	if c.SSE.ChannelCapacity <= 0 {
		errs = append(errs, fmt.Errorf("SSE_CHANNEL_CAPACITY must be positive, got %d", c.SSE.ChannelCapacity))
	}
	if c.SSE.KeepaliveInterval <= 0 {
		errs = append(errs, errors.New("SSE_KEEPALIVE_INTERVAL must be positive"))
	}
	if c.SSE.BufferCapacity < 0 {
		errs = append(errs, fmt.Errorf("SSE_BUFFER_CAPACITY must not be negative, got %d", c.SSE.BufferCapacity))
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// durationValue reads a duration, accepting either plain integers (seconds)
// or Go duration strings (e.g., "500ms", "1m"). An unset key yields
// defaultVal; a malformed one yields defaultVal and an error.
func durationValue(key string, defaultVal time.Duration) (time.Duration, error) {
	val := strings.TrimSpace(viper.GetString(key))
	if val == "" {
		return defaultVal, nil
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d, nil
	}
	return defaultVal, fmt.Errorf("invalid %s %q: want seconds or a duration like 500ms", key, val)
}

func forwardHeaders(raw string) []string {
	headers := []string{"Accept"}
	seen := map[string]bool{"accept": true}
	for _, h := range strings.Split(raw, ",") {
		h = strings.TrimSpace(h)
		key := strings.ToLower(h)
		// Authorization is always set server-side
		if h == "" || seen[key] || key == "authorization" {
			continue
		}
		seen[key] = true
		headers = append(headers, h)
	}
	return headers
}

var bodySizePattern = regexp.MustCompile(`^(\d+)([KMG]B?)?$`)

// ParseBodySizeLimit converts values like "10M", "512KB" or "1048576" to bytes.
// An empty string yields DefaultBodySizeLimit.
func ParseBodySizeLimit(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return DefaultBodySizeLimit, nil
	}
	m := bodySizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid body size limit %q", s)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid body size limit %q: %w", s, err)
	}
	switch strings.TrimSuffix(m[2], "B") {
	case "K":
		n *= 1024
	case "M":
		n *= 1024 * 1024
	case "G":
		n *= 1024 * 1024 * 1024
	}
	return n, nil
}

// ValidateBodySizeLimit checks the format and bounds (1KB to 100MB) of a body size limit.
func ValidateBodySizeLimit(s string) error {
	n, err := ParseBodySizeLimit(s)
	if err != nil {
		return err
	}
	if n < minBodySizeLimit || n > maxBodySizeLimit {
		return fmt.Errorf("body size limit %q out of range (1K-100M)", s)
	}
	return nil
}
