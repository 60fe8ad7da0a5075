// Package config provides configuration loading and validation for tgarchive.
// Configuration is read from a YAML file with environment variable overrides,
// and includes the immutable source registry the extraction run iterates over.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config defines the application configuration for all components:
// logging, database, Telegram access, extraction window, and sources.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger"`
	Database DatabaseConfig `mapstructure:"database"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Extract  ExtractConfig  `mapstructure:"extract"`

	// Sources is the registry of channels to archive. It is loaded once at
	// startup and passed by value into the driver, never mutated.
	Sources []SourceConfig `mapstructure:"sources" validate:"required,min=1,dive"`
}

// LoggerConfig controls log level and output format.
type LoggerConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// DatabaseConfig controls the SQLite database location and insert batching.
type DatabaseConfig struct {
	Path      string `mapstructure:"path"       validate:"required"`
	BatchSize int    `mapstructure:"batch_size" validate:"min=1"`
}

// TelegramConfig holds MTProto API credentials and session settings.
type TelegramConfig struct {
	APIID       int    `mapstructure:"api_id"       validate:"required,gt=0"`
	APIHash     string `mapstructure:"api_hash"     validate:"required"`
	Phone       string `mapstructure:"phone"        validate:"required"`
	Password    string `mapstructure:"password"`
	SessionFile string `mapstructure:"session_file" validate:"required"`
}

// ExtractConfig defines the extraction window and pacing parameters.
// Start and End accept either "2006-01-02 15:04:05-0700" or the same layout
// without an offset; offsetless values are interpreted in Timezone.
type ExtractConfig struct {
	Start        string        `mapstructure:"start"         validate:"required"`
	End          string        `mapstructure:"end"           validate:"required"`
	Timezone     string        `mapstructure:"timezone"      validate:"required"`
	PageSize     int           `mapstructure:"page_size"     validate:"min=1,max=100"`
	RequestDelay time.Duration `mapstructure:"request_delay" validate:"min=0"`
	Schedule     string        `mapstructure:"schedule"`
}

// SourceConfig describes one archived channel: its stable public identifier
// plus display metadata carried through for reporting.
type SourceConfig struct {
	ID       string `mapstructure:"id" validate:"required"`
	Name     string `mapstructure:"name"`
	Language string `mapstructure:"language"`
	Category string `mapstructure:"category"`
}

const (
	windowLayout      = "2006-01-02 15:04:05-0700"
	windowNaiveLayout = "2006-01-02 15:04:05"
)

// LoadConfig reads configuration from the given YAML file, applies defaults
// and TGARCHIVE_* environment overrides, and validates the result.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetEnvPrefix("TGARCHIVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if _, _, err := cfg.Extract.Window(); err != nil {
		return nil, fmt.Errorf("invalid extraction window: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.json", false)

	v.SetDefault("database.path", "data/telegram_data.db")
	v.SetDefault("database.batch_size", 1000)

	v.SetDefault("telegram.session_file", "tgarchive.session")

	v.SetDefault("extract.timezone", "Asia/Jerusalem")
	v.SetDefault("extract.page_size", 100)
	v.SetDefault("extract.request_delay", 1500*time.Millisecond)
}

// Location resolves the configured target time zone.
func (c ExtractConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Window parses the configured start and end bounds. Bounds without an
// explicit UTC offset are interpreted in the configured timezone rather than
// silently treated as UTC.
func (c ExtractConfig) Window() (start, end time.Time, err error) {
	loc, err := c.Location()
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	start, err = parseBound(c.Start, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start bound: %w", err)
	}
	end, err = parseBound(c.End, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end bound: %w", err)
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("end %s precedes start %s", c.End, c.Start)
	}
	return start, end, nil
}

func parseBound(value string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(windowLayout, value); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(windowNaiveLayout, value, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("cannot parse %q as %q or %q", value, windowLayout, windowNaiveLayout)
	}
	return t, nil
}
