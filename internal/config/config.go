package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

var (
	validStores = map[string]bool{"memory": true, "sqlite": true, "redis": true}
	validLocks  = map[string]bool{"store": true, "file": true}
	validLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
)

type Config struct {
	ListenAddr  string   `toml:"listen_addr"`
	APIKeys     []string `toml:"api_keys"`
	CORSOrigins []string `toml:"cors_origins"`
	RateLimit   int      `toml:"rate_limit"`
	NotifyURL   string   `toml:"notify_url"`
	LogLevel    string   `toml:"log_level"`

	FFmpegPath string `toml:"ffmpeg_path"`
	FontFile   string `toml:"font_file"`
	WorkDir    string `toml:"work_dir"`

	Store    string `toml:"store"`
	DBPath   string `toml:"db_path"`
	RedisURL string `toml:"redis_url"`
	Lock     string `toml:"lock"`

	LockTTLSeconds         int `toml:"lock_ttl_seconds"`
	QueueSize              int `toml:"queue_size"`
	MaxJobs                int `toml:"max_jobs"`
	MaxUploadMB            int `toml:"max_upload_mb"`
	MaxClipSeconds         int `toml:"max_clip_seconds"`
	JobTTLHours            int `toml:"job_ttl_hours"`
	RetentionMinutes       int `toml:"retention_minutes"`
	CleanupIntervalMinutes int `toml:"cleanup_interval_minutes"`
	PollSeconds            int `toml:"poll_seconds"`
}

func defaults() *Config {
	return &Config{
		ListenAddr:             ":8080",
		RateLimit:              2,
		LogLevel:               "info",
		FFmpegPath:             "ffmpeg",
		WorkDir:                filepath.Join(os.TempDir(), "reelpair"),
		Store:                  "sqlite",
		DBPath:                 "reelpair.db",
		RedisURL:               "redis://localhost:6379/0",
		Lock:                   "store",
		LockTTLSeconds:         30,
		QueueSize:              20,
		MaxJobs:                100,
		MaxUploadMB:            200,
		MaxClipSeconds:         121,
		JobTTLHours:            24,
		RetentionMinutes:       60,
		CleanupIntervalMinutes: 5,
		PollSeconds:            5,
	}
}

// Load builds the configuration from defaults, the optional TOML file named by
// REELPAIR_CONFIG, and REELPAIR_* environment variables, in that order.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("REELPAIR_CONFIG"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	cfg.ListenAddr = getEnv("REELPAIR_LISTEN_ADDR", cfg.ListenAddr)
	cfg.NotifyURL = getEnv("REELPAIR_NOTIFY_URL", cfg.NotifyURL)
	cfg.LogLevel = strings.ToLower(getEnv("REELPAIR_LOG_LEVEL", cfg.LogLevel))
	cfg.FFmpegPath = getEnv("REELPAIR_FFMPEG_PATH", cfg.FFmpegPath)
	cfg.FontFile = getEnv("REELPAIR_FONT_FILE", cfg.FontFile)
	cfg.WorkDir = getEnv("REELPAIR_WORK_DIR", cfg.WorkDir)
	cfg.Store = strings.ToLower(getEnv("REELPAIR_STORE", cfg.Store))
	cfg.DBPath = getEnv("REELPAIR_DB_PATH", cfg.DBPath)
	cfg.RedisURL = getEnv("REELPAIR_REDIS_URL", cfg.RedisURL)
	cfg.Lock = strings.ToLower(getEnv("REELPAIR_LOCK", cfg.Lock))

	if raw := os.Getenv("REELPAIR_API_KEYS"); raw != "" {
		cfg.APIKeys = splitList(raw)
	}
	if raw := os.Getenv("REELPAIR_CORS_ORIGINS"); raw != "" {
		cfg.CORSOrigins = splitList(raw)
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"REELPAIR_RATE_LIMIT", &cfg.RateLimit},
		{"REELPAIR_LOCK_TTL_SECONDS", &cfg.LockTTLSeconds},
		{"REELPAIR_QUEUE_SIZE", &cfg.QueueSize},
		{"REELPAIR_MAX_JOBS", &cfg.MaxJobs},
		{"REELPAIR_MAX_UPLOAD_MB", &cfg.MaxUploadMB},
		{"REELPAIR_MAX_CLIP_SECONDS", &cfg.MaxClipSeconds},
		{"REELPAIR_JOB_TTL_HOURS", &cfg.JobTTLHours},
		{"REELPAIR_RETENTION_MINUTES", &cfg.RetentionMinutes},
		{"REELPAIR_CLEANUP_INTERVAL_MINUTES", &cfg.CleanupIntervalMinutes},
		{"REELPAIR_POLL_SECONDS", &cfg.PollSeconds},
	}
	for _, it := range ints {
		v, err := getEnvInt(it.key, *it.dst)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", it.key, err)
		}
		*it.dst = v
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) validate() error {
	if !validStores[c.Store] {
		return fmt.Errorf("store %q must be one of: memory, sqlite, redis", c.Store)
	}
	if !validLocks[c.Lock] {
		return fmt.Errorf("lock %q must be one of: store, file", c.Lock)
	}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("log level %q must be one of: debug, info, warn, error", c.LogLevel)
	}
	if c.FFmpegPath == "" {
		return errors.New("ffmpeg path must not be empty")
	}
	if c.WorkDir == "" {
		return errors.New("work dir must not be empty")
	}
	if c.LockTTLSeconds < 3 {
		return errors.New("lock TTL must be at least 3 seconds")
	}
	if c.RateLimit < 0 {
		return errors.New("rate limit must be >= 0")
	}
	positive := map[string]int{
		"queue size":       c.QueueSize,
		"max jobs":         c.MaxJobs,
		"max upload MB":    c.MaxUploadMB,
		"max clip seconds": c.MaxClipSeconds,
		"job TTL hours":    c.JobTTLHours,
		"cleanup interval": c.CleanupIntervalMinutes,
		"poll seconds":     c.PollSeconds,
	}
	for name, v := range positive {
		if v < 1 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	if c.RetentionMinutes < 0 {
		return errors.New("retention must be >= 0")
	}
	return nil
}

func (c *Config) LockTTL() time.Duration { return time.Duration(c.LockTTLSeconds) * time.Second }
func (c *Config) JobTTL() time.Duration { return time.Duration(c.JobTTLHours) * time.Hour }
func (c *Config) Retention() time.Duration { return time.Duration(c.RetentionMinutes) * time.Minute }
func (c *Config) CleanupInterval() time.Duration { return time.Duration(c.CleanupIntervalMinutes) * time.Minute }
func (c *Config) PollInterval() time.Duration { return time.Duration(c.PollSeconds) * time.Second }
func (c *Config) MaxUploadBytes() int64 { return int64(c.MaxUploadMB) << 20 }
func (c *Config) MaxClipDuration() float64 { return float64(c.MaxClipSeconds) }

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}
