// Package config loads relaygroup settings from defaults, an optional
// config file, a .env file, RELAYGROUP_* environment variables and
// command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "RELAYGROUP"

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Addr      string `mapstructure:"addr"`
	SecretKey string `mapstructure:"secret_key"`
	DataDir   string `mapstructure:"data_dir"`

	// DatabaseDSN selects the store backend. Empty means a sqlite file
	// under DataDir.
	DatabaseDSN    string `mapstructure:"database_dsn"`
	CredentialsDir string `mapstructure:"credentials_dir"`

	GatewayURL   string `mapstructure:"gateway_url"`
	GatewayToken string `mapstructure:"gateway_token"`

	ReconnectInterval      time.Duration `mapstructure:"reconnect_interval"`
	ReconnectMaxInterval   time.Duration `mapstructure:"reconnect_max_interval"`
	MaxReconnectAttempts   int           `mapstructure:"max_reconnect_attempts"`
	PairingRefreshInterval time.Duration `mapstructure:"pairing_refresh_interval"`
	ProbeTimeout           time.Duration `mapstructure:"probe_timeout"`
	RepairDelay            time.Duration `mapstructure:"repair_delay"`
	ReconcileInterval      time.Duration `mapstructure:"reconcile_interval"`

	PurgeInterval time.Duration `mapstructure:"purge_interval"`
	Retention     time.Duration `mapstructure:"retention"`
	OutcomeQueue  int           `mapstructure:"outcome_queue"`

	RateLimitMax    int           `mapstructure:"rate_limit_max"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	APIURL string `mapstructure:"api_url"`
}

var defaults = map[string]any{
	"addr":                     ":8080",
	"secret_key":               "",
	"data_dir":                 ".relaygroup",
	"database_dsn":             "",
	"credentials_dir":          "",
	"gateway_url":              "ws://127.0.0.1:3001/session",
	"gateway_token":            "",
	"reconnect_interval":       30 * time.Second,
	"reconnect_max_interval":   5 * time.Minute,
	"max_reconnect_attempts":   10,
	"pairing_refresh_interval": 10 * time.Second,
	"probe_timeout":            5 * time.Second,
	"repair_delay":             3 * time.Second,
	"reconcile_interval":       5 * time.Minute,
	"purge_interval":           6 * time.Hour,
	"retention":                30 * 24 * time.Hour,
	"outcome_queue":            256,
	"rate_limit_max":           0,
	"rate_limit_window":        time.Minute,
	"max_body_bytes":           64 << 10,
	"log_level":                "info",
	"log_format":               "text",
	"api_url":                  "http://127.0.0.1:8080",
}

// Load reads configuration into a fresh Config. configFile may be empty.
// Flags in fs, if given, override every other source when set.
func Load(configFile string, flags *pflag.FlagSet) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}
	if flags != nil {
		if err := BindFlags(v, flags); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

// BindFlags binds every flag whose name matches a config key, with
// dashes standing in for underscores.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var bindErr error
	flags.VisitAll(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		if _, known := defaults[key]; !known || bindErr != nil {
			return
		}
		bindErr = v.BindPFlag(key, f)
	})
	if bindErr != nil {
		return fmt.Errorf("bind flags: %w", bindErr)
	}
	return nil
}

func (c *Config) normalize() {
	c.Addr = strings.TrimSpace(c.Addr)
	c.SecretKey = strings.TrimSpace(c.SecretKey)
	c.DataDir = strings.TrimSpace(c.DataDir)
	c.DatabaseDSN = strings.TrimSpace(c.DatabaseDSN)
	c.CredentialsDir = strings.TrimSpace(c.CredentialsDir)
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	if c.DataDir == "" {
		c.DataDir = ".relaygroup"
	}
	if c.CredentialsDir == "" {
		c.CredentialsDir = filepath.Join(c.DataDir, "credentials")
	}
}

// StoreDSN is the DSN handed to the store backend registry.
func (c Config) StoreDSN() string {
	if c.DatabaseDSN != "" {
		return c.DatabaseDSN
	}
	return filepath.Join(c.DataDir, "relaygroup.db")
}

// Validate checks what the server needs. Client commands only need
// APIURL and use ValidateClient instead.
func (c Config) Validate() error {
	var problems []string
	if c.Addr == "" {
		problems = append(problems, "addr is required")
	}
	if c.SecretKey == "" {
		problems = append(problems, "secret_key is required")
	}
	if u, err := url.Parse(c.GatewayURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		problems = append(problems, "gateway_url must be a ws:// or wss:// url")
	}
	if c.ReconnectInterval <= 0 {
		problems = append(problems, "reconnect_interval must be positive")
	}
	if c.ReconnectMaxInterval < c.ReconnectInterval {
		problems = append(problems, "reconnect_max_interval must be at least reconnect_interval")
	}
	if c.MaxReconnectAttempts <= 0 {
		problems = append(problems, "max_reconnect_attempts must be positive")
	}
	if c.ReconcileInterval <= 0 {
		problems = append(problems, "reconcile_interval must be positive")
	}
	if c.Retention <= 0 {
		problems = append(problems, "retention must be positive")
	}
	if c.RateLimitMax < 0 {
		problems = append(problems, "rate_limit_max must not be negative")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		problems = append(problems, "log_format must be text or json")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func (c Config) ValidateClient() error {
	if u, err := url.Parse(c.APIURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: api_url must be an absolute url", ErrInvalidConfig)
	}
	return nil
}
