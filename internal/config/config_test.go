package config

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "gateway.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadRequiresRedisURL(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	_, err := Load("")
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != "127.0.0.1:8080" || cfg.Path != "/ws/" {
		t.Fatalf("listen defaults = %q %q", cfg.Addr, cfg.Path)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "text" {
		t.Fatalf("log defaults = %q %q", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.HeartbeatInterval != 5*time.Second || cfg.ClientTimeout != 10*time.Second || cfg.IdentifyTimeout != 10*time.Second {
		t.Fatalf("timings = %s %s %s", cfg.HeartbeatInterval, cfg.ClientTimeout, cfg.IdentifyTimeout)
	}
	if cfg.GuildKeyPrefix != "gateway:guilds:" {
		t.Fatalf("prefix = %q", cfg.GuildKeyPrefix)
	}
	if cfg.Auth.Enabled() {
		t.Fatal("auth should be disabled without an issuer")
	}
}

func TestFileOverridesEnvironment(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://env:6379/0")
	t.Setenv("GATEWAY_ADDR", "0.0.0.0:9000")
	t.Setenv("GATEWAY_LOG_LEVEL", "warn")
	path := writeFile(t, t.TempDir(), `
redis_url = "redis://file:6379/1"
log_level = "debug"
heartbeat_interval = "2s"

[auth]
issuer = "https://issuer.example"
audience = ["gateway", "admin"]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RedisURL != "redis://file:6379/1" {
		t.Fatalf("redis url = %q", cfg.RedisURL)
	}
	if cfg.Addr != "0.0.0.0:9000" {
		t.Fatalf("addr = %q, want the environment value", cfg.Addr)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level = %q", cfg.LogLevel)
	}
	if cfg.HeartbeatInterval != 2*time.Second {
		t.Fatalf("heartbeat = %s", cfg.HeartbeatInterval)
	}
	if !cfg.Auth.Enabled() {
		t.Fatal("auth should be enabled")
	}
	if got := cfg.Auth.Audiences(); len(got) != 2 || got[0] != "gateway" || got[1] != "admin" {
		t.Fatalf("audiences = %v", got)
	}
}

func TestFileRejectsUnknownKeys(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	path := writeFile(t, t.TempDir(), `listen = ":80"`)
	if _, err := Load(path); !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			RedisURL:          "redis://localhost:6379/0",
			Addr:              ":8080",
			Path:              "/ws/",
			LogLevel:          "info",
			LogFormat:         "json",
			HeartbeatInterval: 5 * time.Second,
			ClientTimeout:     10 * time.Second,
			IdentifyTimeout:   10 * time.Second,
			ShutdownTimeout:   time.Second,
		}
	}
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid", func(*Config) {}, true},
		{"relative path", func(c *Config) { c.Path = "ws" }, false},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, false},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }, false},
		{"zero identify timeout", func(c *Config) { c.IdentifyTimeout = 0 }, false},
		{"timeout below interval", func(c *Config) { c.ClientTimeout = time.Second }, false},
		{"jwks without issuer", func(c *Config) { c.Auth.JWKSURL = "https://keys.example/jwks" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalid) {
				t.Fatalf("err = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		" warn": slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseLevel("verbose"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}

func TestReadLogLevel(t *testing.T) {
	dir := t.TempDir()
	if _, ok, err := ReadLogLevel(writeFile(t, dir, `addr = ":1"`)); err != nil || ok {
		t.Fatalf("unset level: ok=%v err=%v", ok, err)
	}
	level, ok, err := ReadLogLevel(writeFile(t, dir, `log_level = "error"`))
	if err != nil || !ok || level != slog.LevelError {
		t.Fatalf("level=%v ok=%v err=%v", level, ok, err)
	}
}

func TestWatchLogLevel(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, `log_level = "info"`)

	var lv slog.LevelVar
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- WatchLogLevel(ctx, path, &lv, slog.New(slog.DiscardHandler)) }()

	// Rewrite until the watcher is registered and picks up the change.
	deadline := time.Now().Add(5 * time.Second)
	for lv.Level() != slog.LevelDebug {
		if time.Now().After(deadline) {
			t.Fatalf("level = %v, want debug", lv.Level())
		}
		writeFile(t, dir, `log_level = "debug"`)
		time.Sleep(50 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watch: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop after cancel")
	}
}
