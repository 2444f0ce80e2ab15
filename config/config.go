package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
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

// Config captures runtime configuration for the deposit watcher.
type Config struct {
	Env         string         `yaml:"env"`
	Listen      string         `yaml:"listen"`
	LogFile     string         `yaml:"log_file"`
	DatabaseURL string         `yaml:"database_url"`
	Redis       RedisConfig    `yaml:"redis"`
	Chain       ChainConfig    `yaml:"chain"`
	Scanner     ScannerConfig  `yaml:"scanner"`
	Pricing     PricingConfig  `yaml:"pricing"`
	Referral    ReferralConfig `yaml:"referral"`
	Recon       ReconConfig    `yaml:"recon"`
	Wallet      WalletConfig   `yaml:"wallet"`
	Tokens      []TokenConfig  `yaml:"tokens"`
}

// RedisConfig locates the cache and event-bus backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ChainConfig names the upstream RPC endpoints and confirmation policy.
type ChainConfig struct {
	RPCURL         string   `yaml:"rpc_url"`
	FallbackRPCURL string   `yaml:"fallback_rpc_url"`
	ChainID        uint64   `yaml:"chain_id"`
	Confirmations  uint64   `yaml:"confirmations"`
	MinCallSpacing Duration `yaml:"min_call_spacing"`
	MaxAttempts    int      `yaml:"max_attempts"`
}

// ScannerConfig tunes the block polling loop.
type ScannerConfig struct {
	PollInterval Duration `yaml:"poll_interval"`
	BatchSize    uint64   `yaml:"batch_size"`
	StartBlock   uint64   `yaml:"start_block"`
}

// PricingConfig converts deposited value into click units.
type PricingConfig struct {
	ClickPrice string `yaml:"click_price"`
	MinDeposit string `yaml:"min_deposit"`
}

// ReferralConfig tunes referral bonus payouts.
type ReferralConfig struct {
	BonusRate string `yaml:"bonus_rate"`
}

// ReconConfig schedules the independent reconciliation sweep.
type ReconConfig struct {
	Interval        Duration `yaml:"interval"`
	WindowBlocks    uint64   `yaml:"window_blocks"`
	KnownHashWindow Duration `yaml:"known_hash_window"`
	ReportDir       string   `yaml:"report_dir"`
}

// WalletConfig holds the extended public key used for address derivation.
type WalletConfig struct {
	XPub string `yaml:"xpub"`
}

// TokenConfig describes an ERC-20 contract whose transfers are watched.
type TokenConfig struct {
	Symbol   string `yaml:"symbol"`
	Address  string `yaml:"address"`
	Decimals int    `yaml:"decimals"`
}

// Load reads configuration from the supplied path, applies environment
// overrides for secrets, and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		c.DatabaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_ADDR")); v != "" {
		c.Redis.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_PASSWORD")); v != "" {
		c.Redis.Password = v
	}
	if v := strings.TrimSpace(os.Getenv("WATCHER_XPUB")); v != "" {
		c.Wallet.XPub = v
	}
	if v := strings.TrimSpace(os.Getenv("CHAIN_RPC_URL")); v != "" {
		c.Chain.RPCURL = v
	}
	if v := strings.TrimSpace(os.Getenv("CHAIN_FALLBACK_RPC_URL")); v != "" {
		c.Chain.FallbackRPCURL = v
	}
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8091"
	}
	if c.Chain.Confirmations == 0 {
		c.Chain.Confirmations = 15
	}
	if c.Chain.MinCallSpacing.Duration <= 0 {
		c.Chain.MinCallSpacing.Duration = 200 * time.Millisecond
	}
	if c.Chain.MaxAttempts <= 0 {
		c.Chain.MaxAttempts = 3
	}
	if c.Scanner.PollInterval.Duration <= 0 {
		c.Scanner.PollInterval.Duration = 15 * time.Second
	}
	if c.Scanner.BatchSize == 0 {
		c.Scanner.BatchSize = 10
	}
	if c.Pricing.ClickPrice == "" {
		c.Pricing.ClickPrice = "0.05"
	}
	if c.Referral.BonusRate == "" {
		c.Referral.BonusRate = "0.20"
	}
	if c.Recon.Interval.Duration <= 0 {
		c.Recon.Interval.Duration = 10 * time.Minute
	}
	if c.Recon.WindowBlocks == 0 {
		c.Recon.WindowBlocks = 200
	}
	if c.Recon.KnownHashWindow.Duration <= 0 {
		c.Recon.KnownHashWindow.Duration = 48 * time.Hour
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("database_url is required")
	}
	if strings.TrimSpace(c.Redis.Addr) == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if strings.TrimSpace(c.Chain.RPCURL) == "" {
		return fmt.Errorf("chain.rpc_url is required")
	}
	if strings.TrimSpace(c.Wallet.XPub) == "" {
		return fmt.Errorf("wallet.xpub is required")
	}
	for i, token := range c.Tokens {
		if strings.TrimSpace(token.Symbol) == "" {
			return fmt.Errorf("tokens[%d].symbol is required", i)
		}
		if strings.TrimSpace(token.Address) == "" {
			return fmt.Errorf("tokens[%d].address is required", i)
		}
		if token.Decimals <= 0 {
			return fmt.Errorf("tokens[%d].decimals must be positive", i)
		}
	}
	return nil
}
