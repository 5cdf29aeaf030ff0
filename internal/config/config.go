// Package config loads service settings from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/rxcare/rxcare/internal/domain/delivery"
)

// Config holds every setting the binaries read
type Config struct {
	Port               string        `mapstructure:"PORT"`
	Env                string        `mapstructure:"ENV"`
	InstanceID         string        `mapstructure:"INSTANCE_ID"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32         `mapstructure:"DB_MIN_CONNS"`
	KafkaBrokers       []string      `mapstructure:"KAFKA_BROKERS"`
	JWTSecret          string        `mapstructure:"JWT_SECRET"`
	SessionTTL         time.Duration `mapstructure:"SESSION_TTL"`
	BcryptCost         int           `mapstructure:"BCRYPT_COST"`
	Timezone           string        `mapstructure:"TIMEZONE"`
	PaymentPolicy      string        `mapstructure:"PAYMENT_POLICY"`
	PersistenceTimeout time.Duration `mapstructure:"PERSISTENCE_TIMEOUT"`
	ReminderWindowDays int           `mapstructure:"REMINDER_WINDOW_DAYS"`
	ReminderWorkers    int           `mapstructure:"REMINDER_WORKERS"`
	OTLPEndpoint       string        `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRate    float64       `mapstructure:"TRACE_SAMPLE_RATE"`
	LogLevel           string        `mapstructure:"LOG_LEVEL"`
	CORSOrigins        []string      `mapstructure:"CORS_ORIGINS"`
}

var defaults = map[string]any{
	"PORT":                 "8080",
	"ENV":                  "development",
	"INSTANCE_ID":          "rxcare-1",
	"DB_MAX_CONNS":         20,
	"DB_MIN_CONNS":         2,
	"SESSION_TTL":          "12h",
	"BCRYPT_COST":          12,
	"TIMEZONE":             "UTC",
	"PAYMENT_POLICY":       string(delivery.PaymentToggleable),
	"PERSISTENCE_TIMEOUT":  "5s",
	"REMINDER_WINDOW_DAYS": 7,
	"REMINDER_WORKERS":     4,
	"TRACE_SAMPLE_RATE":    1.0,
	"LOG_LEVEL":            "info",
	"CORS_ORIGINS":         "*",
}

var keys = []string{
	"PORT", "ENV", "INSTANCE_ID", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"KAFKA_BROKERS", "JWT_SECRET", "SESSION_TTL", "BCRYPT_COST", "TIMEZONE",
	"PAYMENT_POLICY", "PERSISTENCE_TIMEOUT", "REMINDER_WINDOW_DAYS",
	"REMINDER_WORKERS", "OTLP_ENDPOINT", "TRACE_SAMPLE_RATE", "LOG_LEVEL",
	"CORS_ORIGINS",
}

// Load reads the environment, then .env in the working directory if present
func Load() (*Config, error) {
	return load(".env")
}

func load(file string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(file)
	v.SetConfigType("env")
	v.AutomaticEnv()

	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers)
	cfg.CORSOrigins = splitList(cfg.CORSOrigins)
	return cfg, nil
}

// splitList flattens comma lists and drops blanks
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// IsDev reports whether ENV is development
func (c *Config) IsDev() bool { return c.Env == "development" }

// IsProduction reports whether ENV is production
func (c *Config) IsProduction() bool { return c.Env == "production" }

// KafkaEnabled reports whether change events go through a broker
func (c *Config) KafkaEnabled() bool { return len(c.KafkaBrokers) > 0 }

// Location loads TIMEZONE
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Policy parses PAYMENT_POLICY
func (c *Config) Policy() (delivery.PaymentPolicy, error) {
	p, err := delivery.ParsePaymentPolicy(c.PaymentPolicy)
	if err != nil {
		return "", fmt.Errorf("PAYMENT_POLICY: %w", err)
	}
	return p, nil
}

// Level parses LOG_LEVEL
func (c *Config) Level() (zapcore.Level, error) {
	lvl, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return lvl, nil
}

// Validate checks settings needed to serve traffic
func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if len(c.JWTSecret) < 32 {
		errs = append(errs, errors.New("JWT_SECRET must be at least 32 bytes"))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, errors.New("SESSION_TTL must be positive"))
	}
	if c.PersistenceTimeout <= 0 {
		errs = append(errs, errors.New("PERSISTENCE_TIMEOUT must be positive"))
	}
	if c.ReminderWindowDays < 0 {
		errs = append(errs, errors.New("REMINDER_WINDOW_DAYS must not be negative"))
	}
	if c.ReminderWorkers <= 0 {
		errs = append(errs, errors.New("REMINDER_WORKERS must be positive"))
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		errs = append(errs, errors.New("TRACE_SAMPLE_RATE must be between 0 and 1"))
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		errs = append(errs, errors.New("BCRYPT_COST must be between 4 and 31"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Policy(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
