package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoadConfig_FileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "geocrypt.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9090"
policy:
  timezone: Asia/Kolkata
  work_hours:
    start: 8
    end: 20
anomaly:
  contamination: 0.05
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 8, cfg.Policy.WorkHours.Start)
	assert.Equal(t, 20, cfg.Policy.WorkHours.End)
	assert.Equal(t, 0.05, cfg.Anomaly.Contamination)
	assert.Equal(t, 100, cfg.Anomaly.Trees, "unset values keep defaults")
	assert.Equal(t, "memory", cfg.Storage.Driver)

	loc, err := cfg.TimeLocation()
	require.NoError(t, err)
	assert.Equal(t, "Asia/Kolkata", loc.String())
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.True(t, os.IsNotExist(err))
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	key := base64.StdEncoding.EncodeToString(make([]byte, 32))
	err := cfg.ApplyEnv(envMap(map[string]string{
		"PORT":                    "7000",
		"GEOCRYPT_STORAGE_DRIVER": "postgres",
		"DATABASE_URL":            "postgres://localhost/geocrypt",
		"GEOCRYPT_MASTER_KEY":     key,
		"GEOCRYPT_WORK_HOURS_END": "21",
	}))
	require.NoError(t, err)
	assert.Equal(t, "7000", cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, 21, cfg.Policy.WorkHours.End)
	require.NoError(t, cfg.Validate())

	mk, err := cfg.MasterKey()
	require.NoError(t, err)
	assert.Len(t, mk, 32)

	err = Default().ApplyEnv(envMap(map[string]string{"GEOCRYPT_REDIS_DB": "zero"}))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad timezone", func(c *Config) { c.Policy.Timezone = "Mars/Olympus" }, "policy.timezone"},
		{"inverted work hours", func(c *Config) { c.Policy.WorkHours = WorkHoursConfig{Start: 20, End: 8} }, "work_hours"},
		{"postgres without url", func(c *Config) { c.Storage.Driver = "postgres" }, "database_url"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "sqlite" }, "storage.driver"},
		{"short master key", func(c *Config) {
			c.Envelope.MasterKey = base64.StdEncoding.EncodeToString([]byte("short"))
		}, "32 bytes"},
		{"master key not base64", func(c *Config) { c.Envelope.MasterKey = "%%%" }, "base64"},
		{"contamination too high", func(c *Config) { c.Anomaly.Contamination = 0.7 }, "contamination"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	assert.NoError(t, Default().Validate())
}
