package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	StoreRedis  = "redis"
	StoreBadger = "badger"
	StoreMemory = "memory"
)

// Config is the process configuration, read from the environment.
type Config struct {
	Port string

	StoreDriver    string
	RedisAddr      string
	RedisKeyPrefix string
	BadgerPath     string

	SaveQuietPeriod time.Duration
	SaveTimeout     time.Duration
	SaveMaxRetries  int

	ReapInterval    time.Duration
	RoomGracePeriod time.Duration

	SendBuffer int
	CursorRate float64

	JWTSecret     string
	EventsChannel string
}

// Load reads the configuration from environment variables, applying defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnvOrDefault("PORT", "8080"),
		StoreDriver:    getEnvOrDefault("STORE_DRIVER", StoreRedis),
		RedisAddr:      getEnvOrDefault("REDIS_ADDR", "redis:6379"),
		RedisKeyPrefix: getEnvOrDefault("REDIS_KEY_PREFIX", "docsync:doc:"),
		BadgerPath:     getEnvOrDefault("BADGER_PATH", "/data/docsync"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		EventsChannel:  getEnvOrDefault("EVENTS_CHANNEL", "docsync:rooms"),
	}

	var err error
	if cfg.SaveQuietPeriod, err = durationEnv("SAVE_QUIET_PERIOD", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.SaveTimeout, err = durationEnv("SAVE_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.ReapInterval, err = durationEnv("REAP_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.RoomGracePeriod, err = durationEnv("ROOM_GRACE_PERIOD", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.SaveMaxRetries, err = intEnv("SAVE_MAX_RETRIES", 3); err != nil {
		return nil, err
	}
	if cfg.SendBuffer, err = intEnv("SEND_BUFFER", 256); err != nil {
		return nil, err
	}
	if cfg.CursorRate, err = floatEnv("CURSOR_RATE", 30); err != nil {
		return nil, err
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Addr is the listen address derived from Port.
func (c *Config) Addr() string { return ":" + c.Port }

func validateConfig(cfg *Config) error {
	switch cfg.StoreDriver {
	case StoreRedis:
		if cfg.RedisAddr == "" {
			return errors.New("REDIS_ADDR is required for the redis store")
		}
	case StoreBadger:
		if cfg.BadgerPath == "" {
			return errors.New("BADGER_PATH is required for the badger store")
		}
	case StoreMemory:
	default:
		return errors.New("unsupported store driver: " + cfg.StoreDriver + ". Currently supported: redis, badger, memory")
	}
	if cfg.SaveQuietPeriod <= 0 {
		return errors.New("SAVE_QUIET_PERIOD must be positive")
	}
	if cfg.ReapInterval <= 0 {
		return errors.New("REAP_INTERVAL must be positive")
	}
	if cfg.SaveMaxRetries < 0 {
		return errors.New("SAVE_MAX_RETRIES must not be negative")
	}
	if cfg.SendBuffer <= 0 {
		return errors.New("SEND_BUFFER must be positive")
	}
	if cfg.CursorRate <= 0 {
		return errors.New("CURSOR_RATE must be positive")
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func intEnv(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func floatEnv(key string, def float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return f, nil
}
