package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Port       int           `env:"TEST_CFG_PORT" envDefault:"8080" validate:"gte=1,lte=65535"`
	LogLevel   string        `env:"TEST_CFG_LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	Window     time.Duration `env:"TEST_CFG_WINDOW" envDefault:"10m"`
	PageSizes  []int         `env:"TEST_CFG_PAGE_SIZES" envDefault:"200,100,50" envSeparator:","`
	AdminIDs   []int64       `env:"TEST_CFG_ADMIN_IDS" envSeparator:","`
	KafkaReady bool          `env:"TEST_CFG_KAFKA" envDefault:"false"`
}

func TestLoad_Defaults(t *testing.T) {
	var cfg testConfig
	err := Load(&cfg)

	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10*time.Minute, cfg.Window)
	assert.Equal(t, []int{200, 100, 50}, cfg.PageSizes)
	assert.Empty(t, cfg.AdminIDs)
	assert.False(t, cfg.KafkaReady)
}

func TestLoad_FromEnvVars(t *testing.T) {
	t.Setenv("TEST_CFG_PORT", "9090")
	t.Setenv("TEST_CFG_LOG_LEVEL", "debug")
	t.Setenv("TEST_CFG_WINDOW", "48h")
	t.Setenv("TEST_CFG_ADMIN_IDS", "361492211,42")
	t.Setenv("TEST_CFG_KAFKA", "true")

	var cfg testConfig
	err := Load(&cfg)

	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 48*time.Hour, cfg.Window)
	assert.Equal(t, []int64{361492211, 42}, cfg.AdminIDs)
	assert.True(t, cfg.KafkaReady)
}

type requiredConfig struct {
	APIKey string `env:"TEST_CFG_API_KEY,required"`
}

func TestLoad_RequiredFieldMissing(t *testing.T) {
	var cfg requiredConfig
	err := Load(&cfg)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestLoad_RequiredFieldPresent(t *testing.T) {
	t.Setenv("TEST_CFG_API_KEY", "secret-123")

	var cfg requiredConfig
	err := Load(&cfg)

	require.NoError(t, err)
	assert.Equal(t, "secret-123", cfg.APIKey)
}

func TestLoad_InvalidType(t *testing.T) {
	t.Setenv("TEST_CFG_PORT", "not-a-number")

	var cfg testConfig
	err := Load(&cfg)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestLoad_ValidationFailure(t *testing.T) {
	t.Setenv("TEST_CFG_PORT", "70000")
	t.Setenv("TEST_CFG_LOG_LEVEL", "verbose")

	var cfg testConfig
	err := Load(&cfg)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "validate config")
	assert.Contains(t, err.Error(), "Port")
	assert.Contains(t, err.Error(), "LogLevel")
}
