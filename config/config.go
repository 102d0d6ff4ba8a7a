// Package config loads service settings from defaults, an optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // Europe/Kyiv must resolve in minimal containers

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultTargetURL     = "https://poweron.loe.lviv.ua/shedule-off"
	DefaultCheckInterval = 60 * time.Second
	DefaultDataDir       = "./data"
	DefaultErrorCooldown = 15 * time.Minute
	DefaultSendRate      = 20
	DefaultTimezone      = "Europe/Kyiv"
	DefaultPort          = "8080"
)

// Config holds all service settings.
type Config struct {
	BotToken  string `yaml:"bot_token"`
	TargetURL string `yaml:"target_url" validate:"required,url"`
	// CheckIntervalMS is the poll interval in milliseconds (CHECK_INTERVAL_MS).
	CheckIntervalMS int64    `yaml:"check_interval_ms" validate:"gte=1000"`
	DataDir         string   `yaml:"data_dir" validate:"required"`
	Keywords        []string `yaml:"keywords" validate:"dive,required"`

	Fetch   FetchConfig   `yaml:"fetch"`
	Storage StorageConfig `yaml:"storage"`

	ErrorCooldown      time.Duration `yaml:"error_cooldown" validate:"gt=0"`
	NormalizeReference bool          `yaml:"normalize_reference"`
	PersistSchedule    bool          `yaml:"persist_schedule"`
	SendRatePerSec     int           `yaml:"send_rate_per_sec" validate:"gt=0,lte=30"`
	Timezone           string        `yaml:"timezone" validate:"required,timezone"`

	Port     string `yaml:"port" validate:"omitempty,numeric"`
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	LogFile  string `yaml:"log_file"`
}

// FetchConfig selects and tunes the schedule fetcher.
type FetchConfig struct {
	Mode       string        `yaml:"mode" validate:"oneof=http browser"`
	Timeout    time.Duration `yaml:"timeout" validate:"gt=0"`
	Attempts   uint          `yaml:"attempts" validate:"gte=1,lte=10"`
	ChromePath string        `yaml:"chrome_path"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Backend         string `yaml:"backend" validate:"oneof=file gcs sqlite"`
	Bucket          string `yaml:"bucket" validate:"required_if=Backend gcs"`
	CredentialsFile string `yaml:"credentials_file"`
}

// Default returns a config populated with built-in defaults.
func Default() *Config {
	return &Config{
		TargetURL:       DefaultTargetURL,
		CheckIntervalMS: DefaultCheckInterval.Milliseconds(),
		DataDir:         DefaultDataDir,
		Keywords:        []string{"графік", "зараз", "schedule"},
		Fetch: FetchConfig{
			Mode:     "http",
			Timeout:  25 * time.Second,
			Attempts: 3,
		},
		Storage: StorageConfig{
			Backend: "file",
		},
		ErrorCooldown:   DefaultErrorCooldown,
		PersistSchedule: true,
		SendRatePerSec:  DefaultSendRate,
		Timezone:        DefaultTimezone,
		Port:            DefaultPort,
		LogLevel:        "info",
	}
}

// Load builds the config: defaults, then the YAML file at path (if non-empty), then environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", filepath.Base(path), err)
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// CheckInterval returns the poll interval as a duration.
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalMS) * time.Millisecond
}

// Location resolves the configured timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	// The scheduler ticks in whole seconds.
	if c.CheckIntervalMS%1000 != 0 {
		return fmt.Errorf("invalid config: check_interval_ms must be a whole number of seconds, got %d", c.CheckIntervalMS)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	setString := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}

	setString("BOT_TOKEN", &c.BotToken)
	setString("TARGET_URL", &c.TargetURL)
	setString("DATA_DIR", &c.DataDir)
	setString("FETCH_MODE", &c.Fetch.Mode)
	setString("CHROME_PATH", &c.Fetch.ChromePath)
	setString("STORAGE_BACKEND", &c.Storage.Backend)
	setString("STORAGE_BUCKET", &c.Storage.Bucket)
	setString("GOOGLE_CREDENTIALS_FILE", &c.Storage.CredentialsFile)
	setString("TIMEZONE", &c.Timezone)
	setString("PORT", &c.Port)
	setString("LOG_LEVEL", &c.LogLevel)
	setString("LOG_FILE", &c.LogFile)

	if v := strings.TrimSpace(getenv("CHECK_INTERVAL_MS")); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("CHECK_INTERVAL_MS: %w", err)
		}
		c.CheckIntervalMS = ms
	}
	if v := strings.TrimSpace(getenv("ERROR_COOLDOWN")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("ERROR_COOLDOWN: %w", err)
		}
		c.ErrorCooldown = d
	}
	if v := strings.TrimSpace(getenv("SEND_RATE_PER_SEC")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SEND_RATE_PER_SEC: %w", err)
		}
		c.SendRatePerSec = n
	}
	if v := strings.TrimSpace(getenv("NORMALIZE_REFERENCE")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("NORMALIZE_REFERENCE: %w", err)
		}
		c.NormalizeReference = b
	}
	if v := strings.TrimSpace(getenv("PERSIST_SCHEDULE")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("PERSIST_SCHEDULE: %w", err)
		}
		c.PersistSchedule = b
	}
	return nil
}
