// Package config loads daemon settings from an optional YAML file and then
// applies environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	yaml "gopkg.in/yaml.v3"
)

type Config struct {
	Port        string         `yaml:"port"`
	DatabaseURL string         `yaml:"databaseUrl"`
	RedisURL    string         `yaml:"redisUrl"`
	DeviceID    string         `yaml:"deviceId"`
	Timezone    string         `yaml:"timezone"`
	Log         LogConfig      `yaml:"log"`
	Auth        AuthConfig     `yaml:"auth"`
	Rate        RateConfig     `yaml:"rate"`
	Webhook     WebhookConfig  `yaml:"webhook"`
	Geocoder    GeocoderConfig `yaml:"geocoder"`
	Scan        ScanConfig     `yaml:"scan"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type AuthConfig struct {
	Mode       string `yaml:"mode"`
	HMACSecret string `yaml:"hmacSecret"`
}

type RateConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type WebhookConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

type GeocoderConfig struct {
	URL       string `yaml:"url"`
	UserAgent string `yaml:"userAgent"`
}

type ScanConfig struct {
	Window time.Duration `yaml:"window"`
	Idle   time.Duration `yaml:"idle"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Port:     "8080",
		DeviceID: "smarttag",
		Timezone: "Europe/Athens",
		Log:      LogConfig{Level: "info", Format: "json"},
		Auth:     AuthConfig{Mode: "dev"},
		Rate:     RateConfig{RPS: 20, Burst: 40},
		Scan:     ScanConfig{Window: 4 * time.Second, Idle: 6 * time.Second},
	}
}

// Load reads the file named by PETTRACK_CONFIG when set, then the environment.
func Load() (Config, error) {
	return LoadFrom(os.Getenv("PETTRACK_CONFIG"), os.LookupEnv)
}

// LoadFrom reads path (skipped when empty) and applies overrides from lookup.
func LoadFrom(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("PORT", &c.Port)
	str("DATABASE_URL", &c.DatabaseURL)
	str("REDIS_URL", &c.RedisURL)
	str("DEVICE_ID", &c.DeviceID)
	str("TIMEZONE", &c.Timezone)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("AUTH_MODE", &c.Auth.Mode)
	str("AUTH_HMAC_SECRET", &c.Auth.HMACSecret)
	str("WEBHOOK_URL", &c.Webhook.URL)
	str("WEBHOOK_SECRET", &c.Webhook.Secret)
	str("GEOCODER_URL", &c.Geocoder.URL)

	if v, ok := lookup("RATE_RPS"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("RATE_RPS: %w", err)
		}
		c.Rate.RPS = f
	}
	if v, ok := lookup("RATE_BURST"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RATE_BURST: %w", err)
		}
		c.Rate.Burst = n
	}
	for key, dst := range map[string]*time.Duration{"SCAN_WINDOW": &c.Scan.Window, "IDLE_WINDOW": &c.Scan.Idle} {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}
	c.Auth.Mode = strings.ToLower(c.Auth.Mode)
	return nil
}

// Validate rejects settings the daemon cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("port is empty"))
	}
	switch c.Auth.Mode {
	case "dev":
	case "hmac":
		if c.Auth.HMACSecret == "" {
			errs = append(errs, errors.New("auth mode hmac needs AUTH_HMAC_SECRET"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported auth mode %q", c.Auth.Mode))
	}
	if c.Scan.Window <= 0 || c.Scan.Idle <= 0 {
		errs = append(errs, errors.New("scan windows must be positive"))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}
	return errors.Join(errs...)
}

// Location returns the configured time zone, UTC when it cannot be loaded.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
