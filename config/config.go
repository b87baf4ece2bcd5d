package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all endpoint configuration
type Config struct {
	Port            int
	RedisURL        string
	RedisPassword   string
	MaxSessions     int
	SessionTimeout  time.Duration
	GeminiAPIKey    string // optional, clients may submit keys through /set_keys
	Model           string
	Voice           string
	AllowedOrigins  []string
	KeepAlivePeriod time.Duration
	MaxBufferSize   int    // Maximum recorded audio in bytes per session
	RecordDir       string // where inbound audio is written on close, disabled when empty
	LogLevel        string
	LogJSON         bool
}

func newViper() *viper.Viper {
	// Load .env file if it exists (doesn't error if missing)
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	return v
}

// readFile merges an optional YAML file. An explicit path must exist.
func readFile(v *viper.Viper, path, name string) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		return nil
	}

	v.SetConfigName(name)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return nil
}

// LoadConfig loads the endpoint configuration from the environment, .env and
// an optional livevoice-server.yaml
func LoadConfig() (*Config, error) {
	v := newViper()

	v.SetDefault("PORT", 8000)
	v.SetDefault("REDIS_URL", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("MAX_SESSIONS", 100)
	v.SetDefault("SESSION_TIMEOUT", 30) // minutes
	v.SetDefault("GEMINI_API_KEY", "")
	v.SetDefault("MODEL", "")
	v.SetDefault("VOICE", "")
	v.SetDefault("ALLOWED_ORIGINS", "*")
	v.SetDefault("KEEPALIVE_PERIOD", 30) // seconds
	v.SetDefault("MAX_BUFFER_SIZE", 5*1024*1024)
	v.SetDefault("RECORD_DIR", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_JSON", false)

	if err := readFile(v, "", "livevoice-server"); err != nil {
		return nil, err
	}

	config := &Config{
		RedisURL:      v.GetString("REDIS_URL"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		GeminiAPIKey:  strings.TrimSpace(v.GetString("GEMINI_API_KEY")),
		Model:         v.GetString("MODEL"),
		Voice:         v.GetString("VOICE"),
		RecordDir:     v.GetString("RECORD_DIR"),
		LogLevel:      v.GetString("LOG_LEVEL"),
		LogJSON:       v.GetBool("LOG_JSON"),
	}

	var err error
	if config.Port, err = intValue(v, "PORT"); err != nil {
		return nil, err
	}
	if config.MaxSessions, err = intValue(v, "MAX_SESSIONS"); err != nil {
		return nil, err
	}
	if config.MaxBufferSize, err = intValue(v, "MAX_BUFFER_SIZE"); err != nil {
		return nil, err
	}

	timeout, err := intValue(v, "SESSION_TIMEOUT")
	if err != nil {
		return nil, err
	}
	config.SessionTimeout = time.Duration(timeout) * time.Minute

	keepalive, err := intValue(v, "KEEPALIVE_PERIOD")
	if err != nil {
		return nil, err
	}
	config.KeepAlivePeriod = time.Duration(keepalive) * time.Second

	for _, origin := range strings.Split(v.GetString("ALLOWED_ORIGINS"), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			config.AllowedOrigins = append(config.AllowedOrigins, origin)
		}
	}

	if config.MaxSessions <= 0 {
		return nil, fmt.Errorf("invalid MAX_SESSIONS: must be positive")
	}
	return config, nil
}

func intValue(v *viper.Viper, key string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(v.GetString(key)))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func durationValue(v *viper.Viper, key string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(v.GetString(key)))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
