package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Storage  StorageConfig
	Convert  ConvertConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type DatabaseConfig struct {
	URL            string
	MaxConns       int
	MinConns       int
	MigrationsPath string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type AuthConfig struct {
	JWTSecret string
}

type StorageConfig struct {
	SupabaseURL    string
	SupabaseKey    string
	Bucket         string
	MaxUploadBytes int64
	AllowedTypes   []string
}

type ConvertConfig struct {
	DPI         int
	JPEGQuality int
	CacheTTL    time.Duration
	SignTTL     time.Duration
	Timeout     time.Duration
	MaxRetries  int
}

func Load() (*Config, error) {
	port, err := getEnvInt("SERVER_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_PORT: %w", err)
	}

	maxConns, err := getEnvInt("DB_MAX_CONNS", 20)
	if err != nil {
		return nil, fmt.Errorf("invalid DB_MAX_CONNS: %w", err)
	}

	minConns, err := getEnvInt("DB_MIN_CONNS", 5)
	if err != nil {
		return nil, fmt.Errorf("invalid DB_MIN_CONNS: %w", err)
	}

	redisDB, err := getEnvInt("REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	maxUpload, err := getEnvInt("STORAGE_MAX_UPLOAD_MB", 50)
	if err != nil {
		return nil, fmt.Errorf("invalid STORAGE_MAX_UPLOAD_MB: %w", err)
	}

	dpi, err := getEnvInt("CONVERT_DPI", 150)
	if err != nil {
		return nil, fmt.Errorf("invalid CONVERT_DPI: %w", err)
	}

	quality, err := getEnvInt("CONVERT_JPEG_QUALITY", 85)
	if err != nil {
		return nil, fmt.Errorf("invalid CONVERT_JPEG_QUALITY: %w", err)
	}

	cacheTTL, err := getEnvDuration("CONVERT_CACHE_TTL", 7*24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("invalid CONVERT_CACHE_TTL: %w", err)
	}

	signTTL, err := getEnvDuration("STORAGE_SIGN_TTL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("invalid STORAGE_SIGN_TTL: %w", err)
	}

	timeout, err := getEnvDuration("CONVERT_TIMEOUT", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("invalid CONVERT_TIMEOUT: %w", err)
	}

	maxRetries, err := getEnvInt("CONVERT_MAX_RETRIES", 3)
	if err != nil {
		return nil, fmt.Errorf("invalid CONVERT_MAX_RETRIES: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
			Port: port,
		},
		Database: DatabaseConfig{
			URL:            getEnv("DATABASE_URL", ""),
			MaxConns:       maxConns,
			MinConns:       minConns,
			MigrationsPath: getEnv("MIGRATIONS_PATH", "migrations"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
		},
		Storage: StorageConfig{
			SupabaseURL:    getEnv("SUPABASE_URL", ""),
			SupabaseKey:    getEnv("SUPABASE_SERVICE_KEY", ""),
			Bucket:         getEnv("STORAGE_BUCKET", "documents"),
			MaxUploadBytes: int64(maxUpload) << 20,
			AllowedTypes:   strings.Split(getEnv("STORAGE_ALLOWED_TYPES", "application/pdf"), ","),
		},
		Convert: ConvertConfig{
			DPI:         dpi,
			JPEGQuality: quality,
			CacheTTL:    cacheTTL,
			SignTTL:     signTTL,
			Timeout:     timeout,
			MaxRetries:  maxRetries,
		},
	}

	return cfg, nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) Validate() error {
	var missing []string
	if c.Database.URL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.Auth.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if c.Storage.SupabaseURL == "" {
		missing = append(missing, "SUPABASE_URL")
	}
	if c.Storage.SupabaseKey == "" {
		missing = append(missing, "SUPABASE_SERVICE_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required env vars: %s", strings.Join(missing, ", "))
	}
	return nil
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
	return strconv.Atoi(v)
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return time.ParseDuration(v)
}
