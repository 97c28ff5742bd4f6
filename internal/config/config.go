package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the complete application configuration
type Config struct {
	Paths     PathConfig
	Server    ServerConfig
	Split     SplitConfig
	Retention RetentionConfig
	Archive   ArchiveConfig
	Log       LogConfig
}

// PathConfig holds file system paths
type PathConfig struct {
	WorkDir string
	DataDir string
	DBPath  string
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Addr string
}

// SplitConfig holds engine limits
type SplitConfig struct {
	MaxUploadBytes int64
	ChunkRows      int
}

// RetentionConfig holds artifact retention settings
type RetentionConfig struct {
	Policy          string
	Window          time.Duration
	CleanupInterval time.Duration
}

// ArchiveConfig selects where finished archives are kept
type ArchiveConfig struct {
	Backend string
	Prefix  string
	S3      S3Config
}

// S3Config holds bucket settings for the s3 backend
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// LogConfig holds logging settings
type LogConfig struct {
	Level string
	File  string
}

// Load reads an optional .env file, then the environment, and validates the
// result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from the process environment only.
func FromEnv() (*Config, error) {
	p := &parser{}

	dataDir := getEnvOrDefault("SHEETSPLIT_DATA_DIR", defaultDataDir())
	config := &Config{
		Paths: PathConfig{
			WorkDir: getEnvOrDefault("SHEETSPLIT_WORK_DIR", filepath.Join(dataDir, "work")),
			DataDir: dataDir,
			DBPath:  getEnvOrDefault("SHEETSPLIT_DB_PATH", filepath.Join(dataDir, "tasks.db")),
		},
		Server: ServerConfig{
			Addr: getEnvOrDefault("SHEETSPLIT_ADDR", ":8080"),
		},
		Split: SplitConfig{
			MaxUploadBytes: p.int64("SHEETSPLIT_MAX_UPLOAD_BYTES", 50<<20),
			ChunkRows:      p.int("SHEETSPLIT_CHUNK_ROWS", 500),
		},
		Retention: RetentionConfig{
			Policy:          getEnvOrDefault("SHEETSPLIT_RETENTION_POLICY", "window"),
			Window:          p.duration("SHEETSPLIT_RETENTION_WINDOW", 24*time.Hour),
			CleanupInterval: p.duration("SHEETSPLIT_CLEANUP_INTERVAL", 10*time.Minute),
		},
		Archive: ArchiveConfig{
			Backend: getEnvOrDefault("SHEETSPLIT_ARCHIVE_BACKEND", "local"),
			Prefix:  getEnvOrDefault("SHEETSPLIT_ARCHIVE_PREFIX", "split_result"),
			S3: S3Config{
				Bucket:    os.Getenv("S3_BUCKET"),
				Region:    getEnvOrDefault("S3_REGION", "us-east-1"),
				Endpoint:  os.Getenv("S3_ENDPOINT"),
				AccessKey: os.Getenv("S3_ACCESS_KEY"),
				SecretKey: os.Getenv("S3_SECRET_KEY"),
			},
		},
		Log: LogConfig{
			Level: getEnvOrDefault("LOG_LEVEL", "info"),
			File:  os.Getenv("LOG_FILE"),
		},
	}
	if p.err != nil {
		return nil, p.err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks value ranges and cross-field requirements
func (c *Config) Validate() error {
	var errs []error
	if c.Split.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("SHEETSPLIT_MAX_UPLOAD_BYTES must be positive"))
	}
	if c.Split.ChunkRows <= 0 {
		errs = append(errs, errors.New("SHEETSPLIT_CHUNK_ROWS must be positive"))
	}
	switch c.Retention.Policy {
	case "window", "handoff":
	default:
		errs = append(errs, fmt.Errorf("SHEETSPLIT_RETENTION_POLICY must be window or handoff, got %q", c.Retention.Policy))
	}
	if c.Retention.Window <= 0 {
		errs = append(errs, errors.New("SHEETSPLIT_RETENTION_WINDOW must be positive"))
	}
	if c.Retention.CleanupInterval <= 0 {
		errs = append(errs, errors.New("SHEETSPLIT_CLEANUP_INTERVAL must be positive"))
	}
	switch c.Archive.Backend {
	case "local":
	case "s3":
		if c.Archive.S3.Bucket == "" {
			errs = append(errs, errors.New("S3_BUCKET is required for the s3 archive backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("SHEETSPLIT_ARCHIVE_BACKEND must be local or s3, got %q", c.Archive.Backend))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("LOG_LEVEL must be debug, info, warn or error, got %q", c.Log.Level))
	}
	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %w", errors.Join(errs...))
	}
	return nil
}

func defaultDataDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "sheetsplit")
	}
	return filepath.Join(os.TempDir(), "sheetsplit")
}

// parser collects the first malformed value instead of silently falling
// back to the default.
type parser struct {
	err error
}

func (p *parser) fail(key, value string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s=%q: %w", key, value, err)
	}
}

func (p *parser) int(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		p.fail(key, value, err)
		return defaultValue
	}
	return n
}

func (p *parser) int64(key string, defaultValue int64) int64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		p.fail(key, value, err)
		return defaultValue
	}
	return n
}

func (p *parser) duration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		p.fail(key, value, err)
		return defaultValue
	}
	return d
}

// Helper functions for environment variable parsing
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
