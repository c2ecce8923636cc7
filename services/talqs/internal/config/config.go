package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the config file read by the service, overridable with TALQS_CONFIG.
var ConfigPath = configPath()

func configPath() string {
	if v := strings.TrimSpace(os.Getenv("TALQS_CONFIG")); v != "" {
		return v
	}
	return "config.yaml"
}

// Backend names accepted by the store selectors.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendJWT      = "jwt"
)

// GeneratorConfig selects the optional LLM used when the model servers are down.
type GeneratorConfig struct {
	Provider string `yaml:"provider"`
	BaseURL  string `yaml:"baseURL"`
	APIKey   string `yaml:"apiKey"`
	Model    string `yaml:"model"`
}

// ArchiveConfig points at the MinIO/S3 bucket that keeps raw uploads.
type ArchiveConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"useSSL"`
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	Store      string `yaml:"store"`
	LocalState string `yaml:"localState"`
	DocStore   string `yaml:"docStore"`
	Sessions   string `yaml:"sessions"`
	Queue      string `yaml:"queue"`

	DatabaseURL   string `yaml:"databaseURL"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	SessionSecret string `yaml:"sessionSecret"`
	SessionTTL    string `yaml:"sessionTTL"`
	JWTLeeway     string `yaml:"jwtLeeway"`
	CookieSecure  bool   `yaml:"cookieSecure"`

	LocalStateTTL string `yaml:"localStateTTL"`

	DocumentTTL        string `yaml:"documentTTL"`
	DocumentMaxEntries int    `yaml:"documentMaxEntries"`
	DocumentMaxBytes   int    `yaml:"documentMaxBytes"`

	SummarizerURL string          `yaml:"summarizerURL"`
	QAServerURL   string          `yaml:"qaServerURL"`
	Generator     GeneratorConfig `yaml:"generator"`
	Archive       ArchiveConfig   `yaml:"archive"`

	MaxUploadBytes    int64    `yaml:"maxUploadBytes"`
	AllowedExtensions []string `yaml:"allowedExtensions"`

	CORSOrigins       []string `yaml:"corsOrigins"`
	TrustedProxyCIDRs []string `yaml:"trustedProxyCidrs"`

	SignupRateLimitPerMinute int `yaml:"signupRateLimitPerMinute"`
	LoginRateLimitPerMinute  int `yaml:"loginRateLimitPerMinute"`
	UploadRateLimitPerMinute int `yaml:"uploadRateLimitPerMinute"`

	WorkerConcurrency int `yaml:"workerConcurrency"`
}

// Load reads config from path (defaults to ConfigPath), applies environment
// overrides and defaults, then validates the result.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	setString := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				*dst = n
			}
		}
	}
	setString(&cfg.Port, "PORT")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.Store, "TALQS_STORE")
	setString(&cfg.LocalState, "TALQS_LOCAL_STATE")
	setString(&cfg.DocStore, "TALQS_DOC_STORE")
	setString(&cfg.Sessions, "TALQS_SESSIONS")
	setString(&cfg.Queue, "TALQS_QUEUE")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	setString(&cfg.SessionSecret, "SESSION_SECRET")
	setString(&cfg.SessionTTL, "SESSION_TTL")
	setString(&cfg.JWTLeeway, "JWT_LEEWAY")
	setString(&cfg.SummarizerURL, "SUMMARIZER_URL")
	setString(&cfg.QAServerURL, "QA_SERVER_URL")
	setString(&cfg.Generator.Provider, "GENERATOR_PROVIDER")
	setString(&cfg.Generator.BaseURL, "GENERATOR_BASE_URL")
	setString(&cfg.Generator.APIKey, "GENERATOR_API_KEY")
	setString(&cfg.Generator.Model, "GENERATOR_MODEL")
	setString(&cfg.Archive.Endpoint, "ARCHIVE_ENDPOINT")
	setString(&cfg.Archive.AccessKey, "ARCHIVE_ACCESS_KEY")
	setString(&cfg.Archive.SecretKey, "ARCHIVE_SECRET_KEY")
	setString(&cfg.Archive.Bucket, "ARCHIVE_BUCKET")
	if v := os.Getenv("TALQS_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("TALQS_ALLOWED_EXTENSIONS"); v != "" {
		cfg.AllowedExtensions = splitCSV(v)
	}
	if v := os.Getenv("TALQS_CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitCSV(v)
	}
	if v := os.Getenv("TALQS_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	if v := os.Getenv("TALQS_COOKIE_SECURE"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.CookieSecure = b
		}
	}
	setInt(&cfg.SignupRateLimitPerMinute, "TALQS_SIGNUP_RATE_LIMIT_PER_MINUTE")
	setInt(&cfg.LoginRateLimitPerMinute, "TALQS_LOGIN_RATE_LIMIT_PER_MINUTE")
	setInt(&cfg.UploadRateLimitPerMinute, "TALQS_UPLOAD_RATE_LIMIT_PER_MINUTE")
	setInt(&cfg.WorkerConcurrency, "TALQS_WORKER_CONCURRENCY")
}

func applyDefaults(cfg *FileConfig) {
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	for _, sel := range []*string{&cfg.Store, &cfg.LocalState, &cfg.DocStore, &cfg.Queue} {
		if *sel == "" {
			*sel = BackendMemory
		}
	}
	if cfg.Sessions == "" {
		cfg.Sessions = BackendJWT
	}
	if cfg.SessionTTL == "" {
		cfg.SessionTTL = "168h"
	}
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = 10 << 20
	}
	if len(cfg.AllowedExtensions) == 0 {
		cfg.AllowedExtensions = []string{".txt"}
	}
	if cfg.WorkerConcurrency == 0 {
		cfg.WorkerConcurrency = 2
	}
}

func validateConfig(cfg FileConfig) error {
	if !oneOf(cfg.Store, BackendMemory, BackendPostgres) {
		return fmt.Errorf("config: store must be memory or postgres, got %q", cfg.Store)
	}
	for name, sel := range map[string]string{"localState": cfg.LocalState, "docStore": cfg.DocStore, "queue": cfg.Queue} {
		if !oneOf(sel, BackendMemory, BackendRedis) {
			return fmt.Errorf("config: %s must be memory or redis, got %q", name, sel)
		}
	}
	if !oneOf(cfg.Sessions, BackendRedis, BackendJWT) {
		return fmt.Errorf("config: sessions must be redis or jwt, got %q", cfg.Sessions)
	}
	if cfg.Store == BackendPostgres && strings.TrimSpace(cfg.DatabaseURL) == "" {
		return errors.New("config: databaseURL is required for the postgres store (set in config.yaml or DATABASE_URL)")
	}
	if cfg.NeedsRedis() && strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required by the selected backends (set in config.yaml or REDIS_ADDR)")
	}
	if cfg.Sessions == BackendJWT && len(cfg.SessionSecret) < 32 {
		return errors.New("config: sessionSecret must be at least 32 bytes for jwt sessions (set SESSION_SECRET)")
	}
	if _, err := ParseDuration("sessionTTL", cfg.SessionTTL); err != nil {
		return err
	}
	for name, v := range map[string]string{"jwtLeeway": cfg.JWTLeeway, "documentTTL": cfg.DocumentTTL, "localStateTTL": cfg.LocalStateTTL} {
		if _, err := ParseDuration(name, v); err != nil {
			return err
		}
	}
	if cfg.MaxUploadBytes < 0 || cfg.DocumentMaxBytes < 0 || cfg.DocumentMaxEntries < 0 {
		return errors.New("config: size limits must be >= 0")
	}
	if cfg.SignupRateLimitPerMinute < 0 || cfg.LoginRateLimitPerMinute < 0 || cfg.UploadRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	for _, ext := range cfg.AllowedExtensions {
		if !oneOf(normalizeExt(ext), ".txt", ".pdf", ".html", ".htm") {
			return fmt.Errorf("config: unsupported extension %q", ext)
		}
	}
	if a := cfg.Archive; a.Endpoint != "" && a.Bucket == "" {
		return errors.New("config: archive.bucket is required when archive.endpoint is set")
	}
	return nil
}

// NeedsRedis reports whether any selected backend uses Redis.
func (c FileConfig) NeedsRedis() bool {
	return c.LocalState == BackendRedis || c.DocStore == BackendRedis ||
		c.Sessions == BackendRedis || c.Queue == BackendRedis
}

// ParseDuration parses an optional duration field; empty means zero.
func ParseDuration(field, value string) (time.Duration, error) {
	if strings.TrimSpace(value) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s duration: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("config: %s must be >= 0", field)
	}
	return d, nil
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
