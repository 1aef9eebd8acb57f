package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "channelsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: postgres
  dsn: host=db user=sync
dispatcher:
  concurrency: 16
  lease_duration: 2m
retention:
  window: 72h
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "host=db user=sync", cfg.Database.DSN)
	assert.Equal(t, 16, cfg.Dispatcher.Concurrency)
	assert.Equal(t, 2*time.Minute, cfg.Dispatcher.LeaseDuration)
	assert.Equal(t, 72*time.Hour, cfg.Retention.Window)
	assert.Equal(t, 50, cfg.Dispatcher.BatchSize, "unset keys keep their default")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestEnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "channelsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dispatcher:\n  concurrency: 4\n"), 0o600))
	t.Setenv("CHANNELSYNC_DISPATCHER_CONCURRENCY", "12")
	t.Setenv("CHANNELSYNC_BROKER_KIND", "kafka")
	t.Setenv("CHANNELSYNC_KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("CHANNELSYNC_RETRY_MAX_DELAY", "90s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Dispatcher.Concurrency)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Broker.Brokers)
	assert.Equal(t, 90*time.Second, cfg.Retry.MaxDelay)
}

func TestApplyEnvReportsBadValues(t *testing.T) {
	env := map[string]string{
		"CHANNELSYNC_DISPATCHER_BATCH_SIZE": "many",
		"CHANNELSYNC_RETENTION_WINDOW":      "a week",
	}
	cfg := Default()
	err := cfg.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHANNELSYNC_DISPATCHER_BATCH_SIZE")
	assert.Contains(t, err.Error(), "CHANNELSYNC_RETENTION_WINDOW")
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"driver", func(c *Config) { c.Database.Driver = "oracle" }},
		{"dsn", func(c *Config) { c.Database.DSN = "" }},
		{"kafka without brokers", func(c *Config) { c.Broker.Kind = "kafka" }},
		{"broker kind", func(c *Config) { c.Broker.Kind = "nats" }},
		{"concurrency", func(c *Config) { c.Dispatcher.Concurrency = 0 }},
		{"reserve", func(c *Config) { c.RateLimit.ReservePercent = 120 }},
		{"retention", func(c *Config) { c.Retention.Window = 0 }},
		{"log level", func(c *Config) { c.Log.Level = "loud" }},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := Default()
	cfg.Retention.Disabled = true
	cfg.Retention.Window = 0
	assert.NoError(t, cfg.Validate(), "disabled retention needs no window")
}

func TestLogLogger(t *testing.T) {
	var buf bytes.Buffer
	Log{Level: "warn", Format: "json"}.Logger(&buf).Info("dropped")
	assert.Empty(t, buf.String())

	Log{Level: "debug", Format: "json"}.Logger(&buf).Debug("kept", "task_id", 7)
	assert.Contains(t, buf.String(), `"task_id":7`)
}
