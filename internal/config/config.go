package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

// Config represents the global ~/.msgstore/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile" validate:"omitempty,max=64"`

	Window    Window    `toml:"window"`
	Retention Retention `toml:"retention"`
	Media     Media     `toml:"media"`
	Destroyer Destroyer `toml:"destroyer"`
	Metrics   Metrics   `toml:"metrics"`

	// ExcludedSystemTypes are system message types never shown as a
	// conversation's last message.
	ExcludedSystemTypes []int `toml:"excluded_system_types" validate:"dive,gte=0"`
}

// Window sizes the message window of conversation views.
type Window struct {
	Size       int     `toml:"size" validate:"gt=0"`
	Increment  int     `toml:"increment" validate:"gt=0"`
	Hysteresis float64 `toml:"hysteresis" validate:"gte=0,lte=1"`
}

// Retention controls the periodic deletion of old messages and media.
// Zero days keep everything.
type Retention struct {
	IntervalMinutes int `toml:"interval_minutes" validate:"gt=0"`
	KeepDays        int `toml:"keep_days" validate:"gte=0"`
	MediaKeepDays   int `toml:"media_keep_days" validate:"gte=0"`
}

// Interval returns the retention interval as a duration.
func (r Retention) Interval() time.Duration {
	return time.Duration(r.IntervalMinutes) * time.Minute
}

// Media controls where blobs are stored.
type Media struct {
	// ExternalThreshold is the blob size in bytes from which blobs are
	// written to the media directory.
	ExternalThreshold int `toml:"external_threshold" validate:"gt=0"`
}

// Destroyer sizes bulk deletions.
type Destroyer struct {
	BatchSize int `toml:"batch_size" validate:"gt=0,lte=10000"`
}

// Metrics configures the prometheus endpoint. An empty address disables it.
type Metrics struct {
	Address string `toml:"address" validate:"omitempty,hostname_port"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Window:    Window{Size: 100, Increment: 100, Hysteresis: 0.5},
		Retention: Retention{IntervalMinutes: 60},
		Media:     Media{ExternalThreshold: 16 * 1024},
		Destroyer: Destroyer{BatchSize: 200},
	}
}

var validate = validator.New()

// Validate checks field constraints.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, formatFieldError(fe))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, ", "))
}

func formatFieldError(fe validator.FieldError) string {
	field := fe.Namespace()
	switch fe.Tag() {
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	case "hostname_port":
		return fmt.Sprintf("%s must be host:port", field)
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}

// Load reads config from the given path on top of the defaults and
// validates it. Returns nil config and error if file missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Default().
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
