package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 30*time.Second, cfg.ReconnectInterval)
	assert.Equal(t, 10, cfg.MaxReconnectAttempts)
	assert.Equal(t, 30*24*time.Hour, cfg.Retention)
	assert.Equal(t, filepath.Join(".relaygroup", "credentials"), cfg.CredentialsDir)
	assert.Equal(t, filepath.Join(".relaygroup", "relaygroup.db"), cfg.StoreDSN())

	err = cfg.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "secret_key is required")
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("RELAYGROUP_SECRET_KEY", "  s3cret ")
	t.Setenv("RELAYGROUP_RECONNECT_INTERVAL", "150ms")
	t.Setenv("RELAYGROUP_DATABASE_DSN", "postgres://u:p@db/relay")
	t.Setenv("RELAYGROUP_LOG_FORMAT", "JSON")

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.SecretKey)
	assert.Equal(t, 150*time.Millisecond, cfg.ReconnectInterval)
	assert.Equal(t, "postgres://u:p@db/relay", cfg.StoreDSN())
	assert.Equal(t, "json", cfg.LogFormat)
	require.NoError(t, cfg.Validate())
}

func TestLoadDotEnvAndConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(".env", []byte("RELAYGROUP_GATEWAY_TOKEN=from-dotenv\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("RELAYGROUP_GATEWAY_TOKEN") })

	configFile := filepath.Join(dir, "relaygroup.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("addr: \":9090\"\nmax_reconnect_attempts: 4\n"), 0o600))

	cfg, err := Load(configFile, nil)
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.GatewayToken)
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, 4, cfg.MaxReconnectAttempts)
}

func TestLoadMissingConfigFileFails(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := Load("does-not-exist.yaml", nil)
	require.Error(t, err)
}

func TestFlagsOverrideEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("RELAYGROUP_ADDR", ":7000")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("addr", ":8080", "")
	flags.String("config", "", "")
	flags.Duration("probe-timeout", 5*time.Second, "")
	require.NoError(t, flags.Parse([]string{"--addr", ":7100"}))

	cfg, err := Load("", flags)
	require.NoError(t, err)
	assert.Equal(t, ":7100", cfg.Addr)
	assert.Equal(t, 5*time.Second, cfg.ProbeTimeout, "unchanged flag keeps the default")
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	base := func(t *testing.T) Config {
		cfg, err := Load("", nil)
		require.NoError(t, err)
		cfg.SecretKey = "k"
		return cfg
	}

	cases := map[string]func(*Config){
		"http gateway":       func(c *Config) { c.GatewayURL = "http://gw" },
		"max below interval": func(c *Config) { c.ReconnectMaxInterval = time.Second },
		"zero attempts":      func(c *Config) { c.MaxReconnectAttempts = 0 },
		"bad log format":     func(c *Config) { c.LogFormat = "xml" },
		"negative rate":      func(c *Config) { c.RateLimitMax = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base(t)
			mutate(&cfg)
			require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}

	cfg := base(t)
	require.NoError(t, cfg.Validate())
	require.NoError(t, cfg.ValidateClient())
	cfg.APIURL = "not a url"
	require.ErrorIs(t, cfg.ValidateClient(), ErrInvalidConfig)
}
