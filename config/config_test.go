package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"HOST", "PORT", "ALLOWED_ORIGINS", "PING_INTERVAL", "PING_TIMEOUT", "MAX_PAYLOAD",
	"CHAT_HISTORY_LIMIT", "FEED_LIMIT", "JANITOR_SCHEDULE", "LOG_LEVEL", "LOG_FORMAT",
	"RECONNECT_MAX_ATTEMPTS", "RECONNECT_MIN_DELAY", "RECONNECT_MAX_DELAY", "RECONNECT_JITTER",
}

// clearEnv blanks every key; viper ignores empty variables.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("", FlagSet("test"))
	require.NoError(t, err)

	assert.Equal(t, &Config{
		Host:             "0.0.0.0",
		Port:             3001,
		AllowedOrigins:   []string{"http://localhost:3000"},
		PingInterval:     25 * time.Second,
		PingTimeout:      20 * time.Second,
		MaxPayload:       1000000,
		ChatHistoryLimit: 0,
		FeedLimit:        100,
		JanitorSchedule:  "@every 5m",
		LogLevel:         "info",
		LogFormat:        "json",
		Reconnect: ReconnectConfig{
			MaxAttempts: 5,
			MinDelay:    time.Second,
			MaxDelay:    30 * time.Second,
			Jitter:      0.5,
		},
	}, cfg)
	assert.Equal(t, "0.0.0.0:3001", cfg.Addr())
}

func TestLoad_Environment(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "4000")
	t.Setenv("ALLOWED_ORIGINS", "https://genzplug.com, https://genzplug.vercel.app")
	t.Setenv("PING_INTERVAL", "10s")
	t.Setenv("CHAT_HISTORY_LIMIT", "50")
	t.Setenv("RECONNECT_MAX_ATTEMPTS", "3")
	t.Setenv("RECONNECT_JITTER", "0.2")

	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, 4000, cfg.Port)
	assert.Equal(t, []string{"https://genzplug.com", "https://genzplug.vercel.app"}, cfg.AllowedOrigins)
	assert.Equal(t, 10*time.Second, cfg.PingInterval)
	assert.Equal(t, 50, cfg.ChatHistoryLimit)
	assert.Equal(t, 3, cfg.Reconnect.MaxAttempts)
	assert.InDelta(t, 0.2, cfg.Reconnect.Jitter, 1e-9)
}

func TestLoad_FlagsOverrideEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "4000")

	fs := FlagSet("test")
	require.NoError(t, fs.Parse([]string{"--port", "5000", "--log-format", "console", "--allowed-origins", "*"}))

	cfg, err := Load("", fs)
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.Port)
	assert.Equal(t, "console", cfg.LogFormat)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
}

func TestLoad_TOMLDirectory(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.toml"), []byte("port = 7000\nfeed_limit = 10\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.toml"), []byte("[reconnect]\nmax_attempts = 0\nmax_delay = \"1m\"\n"), 0o600))

	cfg, err := Load(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Port)
	assert.Equal(t, 10, cfg.FeedLimit)
	assert.Equal(t, 0, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.Reconnect.MaxDelay)
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"), nil)
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			Port:         3001,
			PingInterval: time.Second,
			PingTimeout:  time.Second,
			LogLevel:     "info",
			LogFormat:    "json",
			Reconnect:    ReconnectConfig{MaxAttempts: 5, MinDelay: time.Second, MaxDelay: time.Minute, Jitter: 0.5},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "port zero", mutate: func(c *Config) { c.Port = 0 }, wantErr: ErrInvalidPort},
		{name: "no ping", mutate: func(c *Config) { c.PingTimeout = 0 }, wantErr: ErrInvalidTimeouts},
		{name: "format", mutate: func(c *Config) { c.LogFormat = "xml" }, wantErr: ErrInvalidFormat},
		{name: "jitter", mutate: func(c *Config) { c.Reconnect.Jitter = 1.5 }, wantErr: ErrInvalidJitter},
		{name: "attempts", mutate: func(c *Config) { c.Reconnect.MaxAttempts = -1 }, wantErr: ErrInvalidAttempts},
		{name: "delays", mutate: func(c *Config) { c.Reconnect.MinDelay = time.Hour }, wantErr: ErrInvalidDelays},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	cfg := valid()
	cfg.LogLevel = "loud"
	assert.Error(t, cfg.Validate())
}
