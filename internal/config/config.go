// Package config loads the service configuration from YAML and applies
// GEOCRYPT_* environment overrides.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// ErrInvalidConfig wraps every problem reported by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Policy   PolicyConfig   `yaml:"policy"`
	Storage  StorageConfig  `yaml:"storage"`
	Redis    RedisConfig    `yaml:"redis"`
	Envelope EnvelopeConfig `yaml:"envelope"`
	Anomaly  AnomalyConfig  `yaml:"anomaly"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type PolicyConfig struct {
	File      string          `yaml:"file"`
	Timezone  string          `yaml:"timezone"`
	WorkHours WorkHoursConfig `yaml:"work_hours"`
}

type WorkHoursConfig struct {
	Start int `yaml:"start"`
	End   int `yaml:"end"`
}

type StorageConfig struct {
	// Driver is "memory" or "postgres".
	Driver      string `yaml:"driver"`
	DatabaseURL string `yaml:"database_url"`
	// BlobDir holds ciphertext files. Empty keeps blobs in memory.
	BlobDir string `yaml:"blob_dir"`
}

type RedisConfig struct {
	// Addr empty keeps remote-access grants in memory.
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type EnvelopeConfig struct {
	// MasterKey is a base64 32-byte key wrapping per-object keys. Empty
	// stores data keys unwrapped.
	MasterKey string `yaml:"master_key"`
}

type AnomalyConfig struct {
	MinSamples       int     `yaml:"min_samples"`
	Trees            int     `yaml:"trees"`
	SampleSize       int     `yaml:"sample_size"`
	Contamination    float64 `yaml:"contamination"`
	Seed             int64   `yaml:"seed"`
	ModelPath        string  `yaml:"model_path"`
	UnusualHourStart int     `yaml:"unusual_hour_start"`
	UnusualHourEnd   int     `yaml:"unusual_hour_end"`
}

// Default returns the configuration used for omitted values.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Port: "8080", Env: "development"},
		Log:     LogConfig{Level: "info"},
		Policy:  PolicyConfig{Timezone: "UTC", WorkHours: WorkHoursConfig{Start: 6, End: 23}},
		Storage: StorageConfig{Driver: "memory"},
		Anomaly: AnomalyConfig{
			MinSamples:       10,
			Trees:            100,
			SampleSize:       256,
			Contamination:    0.1,
			Seed:             42,
			UnusualHourStart: 6,
			UnusualHourEnd:   22,
		},
	}
}

// LoadConfig reads path over the defaults, applies environment overrides
// and validates the result. An empty path uses defaults and environment
// only.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from GEOCRYPT_* variables. PORT is honoured
// for platforms that inject it.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidConfig, key, v)
			}
			*dst = n
		}
		return nil
	}

	str("PORT", &c.Server.Port)
	str("GEOCRYPT_PORT", &c.Server.Port)
	str("GEOCRYPT_ENV", &c.Server.Env)
	str("GEOCRYPT_LOG_LEVEL", &c.Log.Level)
	str("GEOCRYPT_POLICY_FILE", &c.Policy.File)
	str("GEOCRYPT_TIMEZONE", &c.Policy.Timezone)
	str("GEOCRYPT_STORAGE_DRIVER", &c.Storage.Driver)
	str("DATABASE_URL", &c.Storage.DatabaseURL)
	str("GEOCRYPT_DATABASE_URL", &c.Storage.DatabaseURL)
	str("GEOCRYPT_BLOB_DIR", &c.Storage.BlobDir)
	str("GEOCRYPT_REDIS_ADDR", &c.Redis.Addr)
	str("GEOCRYPT_REDIS_PASSWORD", &c.Redis.Password)
	str("GEOCRYPT_MASTER_KEY", &c.Envelope.MasterKey)
	str("GEOCRYPT_MODEL_PATH", &c.Anomaly.ModelPath)

	for key, dst := range map[string]*int{
		"GEOCRYPT_REDIS_DB":            &c.Redis.DB,
		"GEOCRYPT_WORK_HOURS_START":    &c.Policy.WorkHours.Start,
		"GEOCRYPT_WORK_HOURS_END":      &c.Policy.WorkHours.End,
		"GEOCRYPT_ANOMALY_MIN_SAMPLES": &c.Anomaly.MinSamples,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate reports every malformed value at once.
func (c *Config) Validate() error {
	var problems []string

	if _, err := c.TimeLocation(); err != nil {
		problems = append(problems, fmt.Sprintf("policy.timezone %q: %v", c.Policy.Timezone, err))
	}
	wh := c.Policy.WorkHours
	if wh.Start < 0 || wh.End > 24 || wh.Start > wh.End {
		problems = append(problems, fmt.Sprintf("policy.work_hours %d-%d out of range", wh.Start, wh.End))
	}

	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			problems = append(problems, "storage.database_url is required for the postgres driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("storage.driver %q: want memory or postgres", c.Storage.Driver))
	}

	if _, err := c.MasterKey(); err != nil {
		problems = append(problems, err.Error())
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("log.level %q: want debug, info, warn or error", c.Log.Level))
	}

	a := c.Anomaly
	if a.MinSamples < 1 {
		problems = append(problems, "anomaly.min_samples must be positive")
	}
	if a.Trees < 1 || a.SampleSize < 2 {
		problems = append(problems, "anomaly.trees and anomaly.sample_size must be positive")
	}
	if a.Contamination <= 0 || a.Contamination > 0.5 {
		problems = append(problems, fmt.Sprintf("anomaly.contamination %g: want (0, 0.5]", a.Contamination))
	}
	if a.UnusualHourStart < 0 || a.UnusualHourEnd > 23 || a.UnusualHourStart > a.UnusualHourEnd {
		problems = append(problems, fmt.Sprintf("anomaly unusual hours %d-%d out of range", a.UnusualHourStart, a.UnusualHourEnd))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// TimeLocation resolves policy.timezone.
func (c *Config) TimeLocation() (*time.Location, error) {
	if c.Policy.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Policy.Timezone)
}

// MasterKey decodes envelope.master_key; nil when unset.
func (c *Config) MasterKey() ([]byte, error) {
	if c.Envelope.MasterKey == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(c.Envelope.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("envelope.master_key is not valid base64")
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("envelope.master_key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}
