package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "DEPLOYMENT", "stage")
	setEnv(t, "ENV", "development")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "stage", cfg.Deployment)
	assert.Equal(t, DefaultAppleVerifyURL, cfg.AppleVerifyURL)
	assert.Equal(t, DefaultAppleSandboxURL, cfg.AppleSandboxVerifyURL)
	assert.Equal(t, DefaultVoidedPollPeriod, cfg.VoidedPollInterval)
}

func TestLoad_PollIntervalOverride(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "VOIDED_POLL_INTERVAL", "5m")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.VoidedPollInterval)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name: "valid config",
			config: Config{
				Deployment:         "prod",
				VoidedPollInterval: time.Minute,
				AppleSharedSecret:  "secret",
			},
			wantErr: "",
		},
		{
			name: "missing deployment",
			config: Config{
				VoidedPollInterval: time.Minute,
			},
			wantErr: "DEPLOYMENT is required",
		},
		{
			name: "poll interval too short",
			config: Config{
				Deployment:         "prod",
				VoidedPollInterval: 100 * time.Millisecond,
			},
			wantErr: "VOIDED_POLL_INTERVAL",
		},
		{
			name: "production without store credentials",
			config: Config{
				Deployment:         "prod",
				Env:                "production",
				VoidedPollInterval: time.Minute,
			},
			wantErr: "production requires",
		},
		{
			name: "production with Google key only",
			config: Config{
				Deployment:          "prod",
				Env:                 "production",
				VoidedPollInterval:  time.Minute,
				GooglePlayPublicKey: "MIIBIjAN",
			},
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "90s")
	setEnv(t, "TEST_DUR_BAD", "soon")

	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DUR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("NONEXISTENT_VAR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_DUR_BAD", time.Minute))
}
