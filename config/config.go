package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	JWT        JWTConfig
	Storage    StorageConfig
	Processing ProcessingConfig
	Streaming  StreamingConfig
	Events     EventsConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	MetricsPort        string // worker only; the API server exposes /metrics on Port
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all (e.g. http://localhost:3000,http://localhost:3001)
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/streamvault?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT validation settings. Tokens are issued by the auth service.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// StorageConfig holds S3 (or MinIO) settings.
type StorageConfig struct {
	Region               string
	Endpoint             string // e.g. http://localhost:9000 for MinIO; empty for AWS
	UsePathStyle         bool
	AccessKeyID          string
	SecretAccessKey      string
	Bucket               string
	PresignExpireMinutes int
}

// ProcessingConfig holds transcoding worker settings.
type ProcessingConfig struct {
	Tiers          string // inline, e.g. 240p@400k,480p@1000k,720p@2500k
	TiersFile      string // YAML file; wins over Tiers when set
	SegmentSeconds int
	FFmpegPath     string
	EncodeTimeout  time.Duration
	WorkDir        string // parent of per-job temp dirs; empty = os.TempDir()
	Concurrency    int
	ConsumerGroup  string
	ConsumerName   string // empty = hostname
}

// StreamingConfig holds playback gateway settings.
type StreamingConfig struct {
	CacheDir string
}

// EventsConfig holds event bus settings.
type EventsConfig struct {
	StreamPrefix string
	ClaimIdle    time.Duration
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	encodeTimeout, err := getEnvDuration("PROCESSING_ENCODE_TIMEOUT", 30*time.Minute)
	if err != nil {
		return nil, err
	}
	claimIdle, err := getEnvDuration("EVENTS_CLAIM_IDLE", 5*time.Minute)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			MetricsPort:        getEnv("METRICS_PORT", "9090"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 120),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:3001"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "streamvault"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
		},
		Storage: StorageConfig{
			Region:               getEnv("S3_REGION", getEnv("AWS_REGION", "us-east-1")),
			Endpoint:             getEnv("S3_ENDPOINT", ""),
			UsePathStyle:         getEnvBool("S3_USE_PATH_STYLE", false),
			AccessKeyID:          getEnv("S3_ACCESS_KEY_ID", getEnv("AWS_ACCESS_KEY_ID", "")),
			SecretAccessKey:      getEnv("S3_SECRET_ACCESS_KEY", getEnv("AWS_SECRET_ACCESS_KEY", "")),
			Bucket:               getEnv("S3_BUCKET", "videos"),
			PresignExpireMinutes: getEnvInt("S3_PRESIGN_EXPIRE_MINUTES", 60),
		},
		Processing: ProcessingConfig{
			Tiers:          getEnv("PROCESSING_TIERS", "240p@400k,480p@1000k,720p@2500k"),
			TiersFile:      getEnv("PROCESSING_TIERS_FILE", ""),
			SegmentSeconds: getEnvInt("PROCESSING_SEGMENT_SECONDS", 6),
			FFmpegPath:     getEnv("FFMPEG_PATH", "ffmpeg"),
			EncodeTimeout:  encodeTimeout,
			WorkDir:        getEnv("PROCESSING_WORK_DIR", ""),
			Concurrency:    getEnvInt("PROCESSING_CONCURRENCY", 2),
			ConsumerGroup:  getEnv("PROCESSING_CONSUMER_GROUP", "video-processing"),
			ConsumerName:   getEnv("PROCESSING_CONSUMER_NAME", ""),
		},
		Streaming: StreamingConfig{
			CacheDir: getEnv("STREAMING_CACHE_DIR", "./videos"),
		},
		Events: EventsConfig{
			StreamPrefix: getEnv("EVENTS_STREAM_PREFIX", "events:"),
			ClaimIdle:    claimIdle,
		},
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Storage.Bucket == "" {
		return fmt.Errorf("S3_BUCKET is required")
	}
	if c.Processing.SegmentSeconds <= 0 {
		return fmt.Errorf("PROCESSING_SEGMENT_SECONDS must be positive, got %d", c.Processing.SegmentSeconds)
	}
	if c.Processing.Concurrency <= 0 {
		return fmt.Errorf("PROCESSING_CONCURRENCY must be positive, got %d", c.Processing.Concurrency)
	}
	if c.Processing.Tiers == "" && c.Processing.TiersFile == "" {
		return fmt.Errorf("one of PROCESSING_TIERS or PROCESSING_TIERS_FILE is required")
	}
	return nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("90s", "30m") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
