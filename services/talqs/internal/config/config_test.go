package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const secret = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SESSION_SECRET", secret)
	cfg, err := Load(writeConfig(t, "logLevel: debug\n"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Port != "8080" || cfg.LogLevel != "debug" {
		t.Fatalf("unexpected basics: %+v", cfg)
	}
	if cfg.Store != BackendMemory || cfg.LocalState != BackendMemory || cfg.Sessions != BackendJWT {
		t.Fatalf("unexpected backends: %+v", cfg)
	}
	if cfg.MaxUploadBytes != 10<<20 || len(cfg.AllowedExtensions) != 1 {
		t.Fatalf("unexpected upload defaults: %+v", cfg)
	}
	ttl, err := ParseDuration("sessionTTL", cfg.SessionTTL)
	if err != nil || ttl != 7*24*time.Hour {
		t.Fatalf("session ttl = %v, %v", ttl, err)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://talqs@localhost/talqs")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("SUMMARIZER_URL", "http://localhost:8001")
	t.Setenv("QA_SERVER_URL", "http://localhost:8000")
	t.Setenv("TALQS_ALLOWED_EXTENSIONS", ".txt, .pdf")
	t.Setenv("TALQS_LOGIN_RATE_LIMIT_PER_MINUTE", "7")
	t.Setenv("TALQS_COOKIE_SECURE", "true")

	cfg, err := Load(writeConfig(t, `
port: "9000"
store: postgres
localState: redis
docStore: redis
sessions: redis
queue: redis
databaseURL: "postgres://ignored"
`))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DatabaseURL != "postgres://talqs@localhost/talqs" {
		t.Fatalf("databaseURL = %q", cfg.DatabaseURL)
	}
	if cfg.SummarizerURL != "http://localhost:8001" || cfg.QAServerURL != "http://localhost:8000" {
		t.Fatalf("model urls = %q %q", cfg.SummarizerURL, cfg.QAServerURL)
	}
	if strings.Join(cfg.AllowedExtensions, ",") != ".txt,.pdf" {
		t.Fatalf("extensions = %v", cfg.AllowedExtensions)
	}
	if cfg.LoginRateLimitPerMinute != 7 || !cfg.CookieSecure {
		t.Fatalf("unexpected overrides: %+v", cfg)
	}
	if !cfg.NeedsRedis() {
		t.Fatalf("expected redis to be required")
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"unknown store", "store: mongo\nsessionSecret: " + secret, "store must be"},
		{"postgres without url", "store: postgres\nsessionSecret: " + secret, "databaseURL is required"},
		{"redis without addr", "localState: redis\nsessionSecret: " + secret, "redisAddr is required"},
		{"short jwt secret", "sessionSecret: short", "sessionSecret must be"},
		{"bad ttl", "sessionSecret: " + secret + "\ndocumentTTL: soon", "invalid documentTTL"},
		{"bad extension", "sessionSecret: " + secret + "\nallowedExtensions: [\".docx\"]", "unsupported extension"},
		{"negative limit", "sessionSecret: " + secret + "\nloginRateLimitPerMinute: -1", "rate limits"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected read error")
	}
}
