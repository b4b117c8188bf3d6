package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so cadence values can be written as strings
// ("90s", "3h") in the TOML file.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for giveawayd.
type Config struct {
	ListenAddress string      `toml:"ListenAddress"`
	Network       string      `toml:"Network"`
	Environment   string      `toml:"Environment"`
	DatabaseURL   string      `toml:"DatabaseURL"`
	Chain         ChainConfig `toml:"Chain"`
	Batch         BatchConfig `toml:"Batch"`
	Notify        NotifyConfig
	Log           LogConfig
	Admin         AdminConfig
}

// ChainConfig describes the settlement ledger connection and signer.
type ChainConfig struct {
	RPCEndpoints []string `toml:"RPCEndpoints"`
	ChainID      int64    `toml:"ChainID"`
	SignerKeyEnv string   `toml:"SignerKeyEnv"`
}

// BatchConfig bounds the settlement pipeline.
type BatchConfig struct {
	Cap                int      `toml:"Cap"`
	SettleInterval     Duration `toml:"SettleInterval"`
	ReconcileInterval  Duration `toml:"ReconcileInterval"`
	RejuvenateInterval Duration `toml:"RejuvenateInterval"`
	ConfirmTimeout     Duration `toml:"ConfirmTimeout"`
	PageSize           int      `toml:"PageSize"`
	PageDelay          Duration `toml:"PageDelay"`
}

// NotifyConfig configures the fire-and-forget notification sink.
type NotifyConfig struct {
	RoutesFile    string   `toml:"RoutesFile"`
	QueueCapacity int      `toml:"QueueCapacity"`
	Timeout       Duration `toml:"Timeout"`
}

// LogConfig controls optional rotating-file log output.
type LogConfig struct {
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// AdminConfig secures the operator API.
type AdminConfig struct {
	BearerToken string `toml:"BearerToken"`
	ReportDir   string `toml:"ReportDir"`
}

// Load reads the configuration file, applies defaults, and validates the
// result. The database URL may be supplied through GIVEAWAYD_DATABASE_URL.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown keys: %v", path, undecoded)
	}
	cfg.applyDefaults()
	if env := strings.TrimSpace(os.Getenv("GIVEAWAYD_DATABASE_URL")); env != "" {
		cfg.DatabaseURL = env
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = "127.0.0.1:8640"
	}
	if strings.TrimSpace(c.Network) == "" {
		c.Network = "polygon"
	}
	if c.Batch.Cap <= 0 {
		c.Batch.Cap = 30
	}
	if c.Batch.SettleInterval.Duration <= 0 {
		c.Batch.SettleInterval.Duration = time.Minute
	}
	if c.Batch.ReconcileInterval.Duration <= 0 {
		c.Batch.ReconcileInterval.Duration = 2 * time.Minute
	}
	if c.Batch.RejuvenateInterval.Duration <= 0 {
		c.Batch.RejuvenateInterval.Duration = 10 * time.Minute
	}
	if c.Batch.ConfirmTimeout.Duration <= 0 {
		c.Batch.ConfirmTimeout.Duration = 3 * time.Hour
	}
	if c.Batch.PageSize <= 0 {
		c.Batch.PageSize = 100
	}
	if c.Batch.PageDelay.Duration <= 0 {
		c.Batch.PageDelay.Duration = 250 * time.Millisecond
	}
	if c.Notify.QueueCapacity <= 0 {
		c.Notify.QueueCapacity = 256
	}
	if c.Notify.Timeout.Duration <= 0 {
		c.Notify.Timeout.Duration = 10 * time.Second
	}
	if c.Chain.SignerKeyEnv == "" {
		c.Chain.SignerKeyEnv = "GIVEAWAYD_SIGNER_KEY"
	}
}

// Validate reports configuration errors that would prevent startup.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("database url required")
	}
	if len(c.Chain.RPCEndpoints) == 0 {
		return fmt.Errorf("at least one chain rpc endpoint required")
	}
	for _, endpoint := range c.Chain.RPCEndpoints {
		if strings.TrimSpace(endpoint) == "" {
			return fmt.Errorf("chain rpc endpoint must not be blank")
		}
	}
	if c.Chain.ChainID <= 0 {
		return fmt.Errorf("chain id must be positive")
	}
	return nil
}

// SignerKey resolves the hex-encoded signing key from the configured
// environment variable. The key never appears in the config file itself.
func (c *Config) SignerKey() (string, error) {
	key := strings.TrimSpace(os.Getenv(c.Chain.SignerKeyEnv))
	if key == "" {
		return "", fmt.Errorf("signer key environment variable %s is not set", c.Chain.SignerKeyEnv)
	}
	return key, nil
}
