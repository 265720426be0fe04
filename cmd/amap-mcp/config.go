package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/ggoodman/amap-mcp-server-go/internal/logctx"
	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const (
	defaultStatefulPort  = 3001
	defaultStatelessPort = 3000
)

// Config is read once at startup: .env, then the environment, then flags.
type Config struct {
	APIKey string `env:"AMAP_MAPS_API_KEY"`

	Host string `env:"HOST"`
	// Port 0 selects the mode's default.
	Port int    `env:"PORT"`
	Path string `env:"MCP_PATH,default=/mcp"`

	IdleTimeout time.Duration `env:"SESSION_IDLE_TIMEOUT,default=1h"`
	MaxSessions int           `env:"MAX_SESSIONS,default=0"`

	AmapBaseURL string        `env:"AMAP_BASE_URL,default=https://restapi.amap.com"`
	AmapTimeout time.Duration `env:"AMAP_TIMEOUT,default=15s"`

	CacheBackend string        `env:"CACHE_BACKEND,default=none"`
	CacheTTL     time.Duration `env:"CACHE_TTL,default=5m"`
	CacheSize    int           `env:"CACHE_SIZE,default=1024"`
	RedisURL     string        `env:"REDIS_URL,default=redis://localhost:6379/0"`

	AuthIssuer   string `env:"AUTH_ISSUER"`
	AuthAudience string `env:"AUTH_AUDIENCE"`
	AuthJWKSURL  string `env:"AUTH_JWKS_URL"`
	// PublicURL is the MCP endpoint as clients reach it, advertised in
	// protected resource metadata. Empty derives it from each request.
	PublicURL string `env:"PUBLIC_URL"`

	Telemetry string `env:"TELEMETRY_EXPORTER,default=none"`
	LogFormat string `env:"LOG_FORMAT,default=json"`
	LogLevel  string `env:"LOG_LEVEL,default=info"`
}

// loadConfig reads an optional .env file then decodes the environment.
// Variables already set in the environment win over the file.
func loadConfig(envFile string) (Config, error) {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	return cfg, nil
}

// bindServeFlags exposes every setting as a flag whose default is the value
// already loaded from the environment.
func bindServeFlags(cmd *cobra.Command, cfg *Config) {
	f := cmd.Flags()
	f.StringVar(&cfg.APIKey, "api-key", cfg.APIKey, "Amap web service key (AMAP_MAPS_API_KEY)")
	f.StringVar(&cfg.Host, "host", cfg.Host, "listen host")
	f.IntVar(&cfg.Port, "port", cfg.Port, "listen port (default 3001 stateful, 3000 stateless)")
	f.StringVar(&cfg.Path, "path", cfg.Path, "MCP endpoint path")
	f.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "session idle timeout")
	f.IntVar(&cfg.MaxSessions, "max-sessions", cfg.MaxSessions, "maximum live sessions, 0 for unbounded")
	f.StringVar(&cfg.AmapBaseURL, "amap-base-url", cfg.AmapBaseURL, "Amap API base URL")
	f.DurationVar(&cfg.AmapTimeout, "amap-timeout", cfg.AmapTimeout, "outbound request timeout")
	f.StringVar(&cfg.CacheBackend, "cache", cfg.CacheBackend, "response cache: none, memory or redis")
	f.DurationVar(&cfg.CacheTTL, "cache-ttl", cfg.CacheTTL, "response cache TTL")
	f.IntVar(&cfg.CacheSize, "cache-size", cfg.CacheSize, "memory cache entries")
	f.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "Redis URL for the redis cache")
	f.StringVar(&cfg.AuthIssuer, "auth-issuer", cfg.AuthIssuer, "OIDC issuer; enables bearer auth")
	f.StringVar(&cfg.AuthAudience, "auth-audience", cfg.AuthAudience, "expected token audience")
	f.StringVar(&cfg.AuthJWKSURL, "auth-jwks-url", cfg.AuthJWKSURL, "JWKS URL (skips OIDC discovery)")
	f.StringVar(&cfg.PublicURL, "public-url", cfg.PublicURL, "externally visible MCP endpoint URL")
	f.StringVar(&cfg.Telemetry, "telemetry", cfg.Telemetry, "telemetry exporter: none, stdout or otlp")
	f.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: json or text")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn or error")
}

// validate checks cross-field constraints and fills the mode's default port.
func (c *Config) validate(stateless bool) error {
	if c.APIKey == "" {
		return errors.New("AMAP_MAPS_API_KEY (or --api-key) is required")
	}
	if c.Port == 0 {
		c.Port = defaultStatefulPort
		if stateless {
			c.Port = defaultStatelessPort
		}
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("path %q must start with /", c.Path)
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle timeout must be positive, got %s", c.IdleTimeout)
	}
	if c.MaxSessions < 0 {
		return fmt.Errorf("max sessions must not be negative, got %d", c.MaxSessions)
	}
	switch c.CacheBackend {
	case "none", "memory", "redis":
	default:
		return fmt.Errorf("unknown cache backend %q", c.CacheBackend)
	}
	if c.AuthIssuer != "" && c.AuthAudience == "" {
		return errors.New("AUTH_AUDIENCE is required when AUTH_ISSUER is set")
	}
	if c.PublicURL != "" {
		u, err := url.Parse(c.PublicURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid public URL %q", c.PublicURL)
		}
	}
	return nil
}

func newLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	switch format {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	case "text":
		h = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
	return slog.New(logctx.Handler{Handler: h}), nil
}
