// Package config loads the gateway process configuration from the
// environment, optionally overlaid by a TOML file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeshaw/envdecode"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config is the complete process configuration.
type Config struct {
	// RedisURL locates the guild event store. ENV: REDIS_URL (required)
	RedisURL string `env:"REDIS_URL"`
	// Addr is the listen address. ENV: GATEWAY_ADDR
	Addr string `env:"GATEWAY_ADDR,default=127.0.0.1:8080"`
	// PublicURL is the externally visible WebSocket URL. When set together
	// with an auth issuer, protected resource metadata is published.
	// ENV: GATEWAY_PUBLIC_URL
	PublicURL string `env:"GATEWAY_PUBLIC_URL"`
	// Path is the WebSocket endpoint path. ENV: GATEWAY_PATH
	Path string `env:"GATEWAY_PATH,default=/ws/"`
	// LogLevel is one of debug, info, warn, error. ENV: GATEWAY_LOG_LEVEL
	LogLevel string `env:"GATEWAY_LOG_LEVEL,default=info"`
	// LogFormat is text or json. ENV: GATEWAY_LOG_FORMAT
	LogFormat string `env:"GATEWAY_LOG_FORMAT,default=text"`
	// GuildKeyPrefix namespaces the guild streams in Redis.
	// ENV: GATEWAY_GUILD_KEY_PREFIX
	GuildKeyPrefix string `env:"GATEWAY_GUILD_KEY_PREFIX,default=gateway:guilds:"`
	// GuildMaxLen approximately caps each guild stream. Zero keeps every
	// event. ENV: GATEWAY_GUILD_MAX_LEN
	GuildMaxLen int64 `env:"GATEWAY_GUILD_MAX_LEN,default=10000"`

	HeartbeatInterval time.Duration `env:"GATEWAY_HEARTBEAT_INTERVAL,default=5s"`
	ClientTimeout     time.Duration `env:"GATEWAY_CLIENT_TIMEOUT,default=10s"`
	IdentifyTimeout   time.Duration `env:"GATEWAY_IDENTIFY_TIMEOUT,default=10s"`
	ShutdownTimeout   time.Duration `env:"GATEWAY_SHUTDOWN_TIMEOUT,default=10s"`

	Auth Auth
}

// Auth configures identify-token verification. Verification is disabled
// when Issuer is empty.
type Auth struct {
	// Issuer is the token issuer. Without JWKSURL its keys are discovered
	// through OIDC. ENV: GATEWAY_AUTH_ISSUER
	Issuer string `env:"GATEWAY_AUTH_ISSUER"`
	// Audience is a comma separated list of accepted audiences.
	// ENV: GATEWAY_AUTH_AUDIENCE
	Audience string `env:"GATEWAY_AUTH_AUDIENCE"`
	// JWKSURL skips discovery and fetches keys from this URL.
	// ENV: GATEWAY_AUTH_JWKS_URL
	JWKSURL string `env:"GATEWAY_AUTH_JWKS_URL"`
}

// Enabled reports whether tokens should be verified.
func (a Auth) Enabled() bool { return a.Issuer != "" }

// Audiences splits Audience into its non-empty entries.
func (a Auth) Audiences() []string {
	var out []string
	for _, s := range strings.Split(a.Audience, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// FromEnv decodes the configuration from environment variables, applying
// defaults for unset keys. The result is not validated.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	return &cfg, nil
}

// Load decodes the environment, overlays the TOML file at path when path is
// not empty, and validates the result.
func Load(path string) (*Config, error) {
	cfg, err := FromEnv()
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// config.toml key mapping to Config fields.
type fileConfig struct {
	RedisURL          string `toml:"redis_url"`
	Addr              string `toml:"addr"`
	PublicURL         string `toml:"public_url"`
	Path              string `toml:"path"`
	LogLevel          string `toml:"log_level"`
	LogFormat         string `toml:"log_format"`
	GuildKeyPrefix    string `toml:"guild_key_prefix"`
	GuildMaxLen       int64  `toml:"guild_max_len"`
	HeartbeatInterval string `toml:"heartbeat_interval"`
	ClientTimeout     string `toml:"client_timeout"`
	IdentifyTimeout   string `toml:"identify_timeout"`
	ShutdownTimeout   string `toml:"shutdown_timeout"`
	Auth              struct {
		Issuer   string   `toml:"issuer"`
		Audience []string `toml:"audience"`
		JWKSURL  string   `toml:"jwks_url"`
	} `toml:"auth"`
}

func (c *Config) overlayFile(path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config file: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("%w: unknown key %q in %s", ErrInvalid, undecoded[0].String(), path)
	}

	if meta.IsDefined("redis_url") {
		c.RedisURL = strings.TrimSpace(raw.RedisURL)
	}
	if meta.IsDefined("addr") {
		c.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("public_url") {
		c.PublicURL = strings.TrimSpace(raw.PublicURL)
	}
	if meta.IsDefined("path") {
		c.Path = strings.TrimSpace(raw.Path)
	}
	if meta.IsDefined("log_level") {
		c.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("log_format") {
		c.LogFormat = strings.TrimSpace(raw.LogFormat)
	}
	if meta.IsDefined("guild_key_prefix") {
		c.GuildKeyPrefix = strings.TrimSpace(raw.GuildKeyPrefix)
	}
	if meta.IsDefined("guild_max_len") {
		c.GuildMaxLen = raw.GuildMaxLen
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"heartbeat_interval", raw.HeartbeatInterval, &c.HeartbeatInterval},
		{"client_timeout", raw.ClientTimeout, &c.ClientTimeout},
		{"identify_timeout", raw.IdentifyTimeout, &c.IdentifyTimeout},
		{"shutdown_timeout", raw.ShutdownTimeout, &c.ShutdownTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, d.key, err)
		}
		*d.dst = v
	}
	if meta.IsDefined("auth", "issuer") {
		c.Auth.Issuer = strings.TrimSpace(raw.Auth.Issuer)
	}
	if meta.IsDefined("auth", "audience") {
		c.Auth.Audience = strings.Join(raw.Auth.Audience, ",")
	}
	if meta.IsDefined("auth", "jwks_url") {
		c.Auth.JWKSURL = strings.TrimSpace(raw.Auth.JWKSURL)
	}
	return nil
}

// Validate reports the first missing or malformed setting.
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("%w: REDIS_URL is required", ErrInvalid)
	}
	if c.Addr == "" {
		return fmt.Errorf("%w: listen address is empty", ErrInvalid)
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("%w: path %q must start with /", ErrInvalid, c.Path)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log format %q is not text or json", ErrInvalid, c.LogFormat)
	}
	for name, d := range map[string]time.Duration{
		"heartbeat interval": c.HeartbeatInterval,
		"client timeout":     c.ClientTimeout,
		"identify timeout":   c.IdentifyTimeout,
		"shutdown timeout":   c.ShutdownTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalid, name)
		}
	}
	if c.GuildMaxLen < 0 {
		return fmt.Errorf("%w: guild max len must not be negative", ErrInvalid)
	}
	if c.ClientTimeout < c.HeartbeatInterval {
		return fmt.Errorf("%w: client timeout %s is shorter than the heartbeat interval %s", ErrInvalid, c.ClientTimeout, c.HeartbeatInterval)
	}
	if c.Auth.JWKSURL != "" && c.Auth.Issuer == "" {
		return fmt.Errorf("%w: auth jwks url requires an issuer", ErrInvalid)
	}
	return nil
}

// ParseLevel parses a log level name such as "debug" or "WARN".
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("%w: log level %q", ErrInvalid, s)
	}
	return l, nil
}
