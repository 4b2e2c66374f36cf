/*
config.go - Runtime configuration

Values come from the process environment, optionally seeded from a .env file
in the working directory. Every key has a default, so an empty environment
starts a working dev server on an on-disk sqlite file.
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/warp/studio-booking/credits"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	// MemoryDB selects the in-memory store instead of sqlite.
	MemoryDB = ":memory:"
)

type Config struct {
	Env    string
	Port   int
	DBPath string

	Log      LogConfig
	Booking  BookingConfig
	Redis    RedisConfig
	AMQP     AMQPConfig
	CORS     CORSConfig
	Reminder ReminderConfig
}

type LogConfig struct {
	Level  string
	Format string
}

type BookingConfig struct {
	CancellationDeadlineHours int
	ExpiryPolicy              credits.ExpiryPolicy
	RefundOnClassDelete       bool
	SubmitLockTTL             time.Duration
}

// RedisConfig is optional. An empty Addr selects the in-process locker.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// AMQPConfig is optional. An empty URL logs events instead of publishing.
type AMQPConfig struct {
	URL      string
	Exchange string
}

type CORSConfig struct {
	AllowedOrigins []string
}

// ReminderConfig drives the credits.expiring notifier.
type ReminderConfig struct {
	Interval time.Duration
	Window   time.Duration
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
		if !errors.As(err, &notFound) && !isMissingFile(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Env:    v.GetString("ENV"),
		Port:   v.GetInt("PORT"),
		DBPath: v.GetString("DB_PATH"),
		Log: LogConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		AMQP: AMQPConfig{
			URL:      v.GetString("AMQP_URL"),
			Exchange: v.GetString("AMQP_EXCHANGE"),
		},
		CORS: CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))},
		Reminder: ReminderConfig{
			Interval: parseDuration(v.GetString("EXPIRY_REMINDER_INTERVAL"), time.Hour),
			Window:   parseDuration(v.GetString("EXPIRY_REMINDER_WINDOW"), 72*time.Hour),
		},
	}

	policy, err := credits.ParseExpiryPolicy(v.GetString("BATCH_EXPIRY_POLICY"), v.GetInt("BATCH_VALIDITY_DAYS"))
	if err != nil {
		return nil, fmt.Errorf("BATCH_EXPIRY_POLICY: %w", err)
	}

	deadline := v.GetInt("CANCELLATION_DEADLINE_HOURS")
	if deadline < 0 {
		return nil, fmt.Errorf("CANCELLATION_DEADLINE_HOURS must be >= 0, got %d", deadline)
	}

	cfg.Booking = BookingConfig{
		CancellationDeadlineHours: deadline,
		ExpiryPolicy:              policy,
		RefundOnClassDelete:       v.GetBool("REFUND_ON_CLASS_DELETE"),
		SubmitLockTTL:             parseDuration(v.GetString("SUBMIT_LOCK_TTL"), 10*time.Second),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("DB_PATH", "booking.db")

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("CANCELLATION_DEADLINE_HOURS", 24)
	v.SetDefault("BATCH_EXPIRY_POLICY", credits.PolicyFixedWindow)
	v.SetDefault("BATCH_VALIDITY_DAYS", credits.DefaultValidityDays)
	v.SetDefault("REFUND_ON_CLASS_DELETE", false)
	v.SetDefault("SUBMIT_LOCK_TTL", "10s")

	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("AMQP_URL", "")
	v.SetDefault("AMQP_EXCHANGE", "booking")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("EXPIRY_REMINDER_INTERVAL", "1h")
	v.SetDefault("EXPIRY_REMINDER_WINDOW", "72h")
}

// isMissingFile reports a .env that does not exist. SetConfigFile bypasses
// viper's search path, so a missing file surfaces as a plain fs error.
func isMissingFile(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
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
