package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// MinMasterKeyBytes is the smallest master key accepted at startup.
const MinMasterKeyBytes = 32

type Config struct {
	Env  string
	Port int

	Database DatabaseConfig
	Redis    RedisConfig
	Log      LogConfig
	Auth     AuthConfig
	Rotation RotationConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type LogConfig struct {
	Level  string
	Format string
}

// AuthConfig holds the trust-core settings. MasterKey is decoded from base64
// at load time; a missing or undersized key fails the load and the process
// does not start.
type AuthConfig struct {
	MasterKey       []byte
	TokenValidity   time.Duration
	RefreshValidity time.Duration
	Issuer          string
	Audience        []string
}

// RotationConfig drives the recurring signing-key rotation task.
type RotationConfig struct {
	Interval time.Duration
	KeyTTL   time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	masterKey, err := decodeMasterKey(v.GetString("AUTH_MASTER_KEY"))
	if err != nil {
		return nil, err
	}

	cfg.Auth = AuthConfig{
		MasterKey:       masterKey,
		TokenValidity:   time.Duration(v.GetInt("TOKEN_VALIDITY_MINUTES")) * time.Minute,
		RefreshValidity: time.Duration(v.GetInt("REFRESH_VALIDITY_DAYS")) * 24 * time.Hour,
		Issuer:          v.GetString("AUTH_ISSUER"),
		Audience:        splitAndTrim(v.GetString("AUTH_AUDIENCE")),
	}

	cfg.Rotation = RotationConfig{
		Interval: parseDuration(v.GetString("KEY_ROTATION_INTERVAL"), 24*time.Hour),
		KeyTTL:   parseDuration(v.GetString("KEY_ROTATION_TTL"), 24*time.Hour),
	}

	return cfg, nil
}

func decodeMasterKey(raw string) ([]byte, error) {
	if raw == "" {
		return nil, errors.New("AUTH_MASTER_KEY is required")
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("AUTH_MASTER_KEY is not valid base64: %w", err)
	}
	if len(key) < MinMasterKeyBytes {
		return nil, fmt.Errorf("AUTH_MASTER_KEY must decode to at least %d bytes, got %d", MinMasterKeyBytes, len(key))
	}
	return key, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "identity_core")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("TOKEN_VALIDITY_MINUTES", 15)
	v.SetDefault("REFRESH_VALIDITY_DAYS", 30)
	v.SetDefault("AUTH_ISSUER", "identity-core")
	v.SetDefault("AUTH_AUDIENCE", "")

	v.SetDefault("KEY_ROTATION_INTERVAL", "24h")
	v.SetDefault("KEY_ROTATION_TTL", "24h")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
