package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents runtime configuration for the rewards gateway.
type Config struct {
	ListenAddress  string   `toml:"ListenAddress"`
	Environment    string   `toml:"Environment"`
	DatabaseURL    string   `toml:"DatabaseURL"`
	ChainRPCURL    string   `toml:"ChainRPCURL"`
	RewardContract string   `toml:"RewardContract"`
	ChainID        uint64   `toml:"ChainID"`
	TokenDecimals  int      `toml:"TokenDecimals"`
	SignerKeyEnv   string   `toml:"SignerKeyEnv"`
	SignerKeyFile  string   `toml:"SignerKeyFile"`
	Timezone       string   `toml:"Timezone"`
	CutoverHour    int      `toml:"CutoverHour"`
	VoucherTTL     duration `toml:"VoucherTTL"`
	SweepInterval  duration `toml:"SweepInterval"`
	StaleAfter     duration `toml:"StaleAfter"`
	ChainTimeout   duration `toml:"ChainTimeout"`
	RatePerMinute  int      `toml:"RatePerMinute"`
	Auth           Auth     `toml:"Auth"`
	Reward         Reward   `toml:"Reward"`
}

// Auth captures bearer-token verification settings. The HS256 secret itself is
// only ever sourced from the environment, never the file.
type Auth struct {
	SecretEnv      string `toml:"SecretEnv"`
	Issuer         string `toml:"Issuer"`
	Audience       string `toml:"Audience"`
	MaxSkewSeconds int    `toml:"MaxSkewSeconds"`
}

// Reward holds the business parameters of the daily reward.
type Reward struct {
	BaseAmount  int64 `toml:"BaseAmount"`
	StreakBonus int64 `toml:"StreakBonus"`
	StreakCap   int   `toml:"StreakCap"`
}

// duration lets TOML carry values like "720h" or "5m".
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d duration) Std() time.Duration { return time.Duration(d) }

// Load reads configuration from an optional TOML file, applies environment
// overrides, fills defaults, and validates required values. Env overrides use
// the REWARDS_ prefix so container deployments need no file at all.
func Load(path string) (*Config, error) {
	// -1 marks "not set" so an explicit zero in the file or environment
	// survives: hour 0 is a valid midnight cutover and 0 is a valid token
	// decimal count.
	cfg := &Config{CutoverHour: -1, TokenDecimals: -1}
	if strings.TrimSpace(path) != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	applyDefaults(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.ListenAddress, "REWARDS_LISTEN_ADDRESS")
	setString(&cfg.Environment, "REWARDS_ENVIRONMENT")
	setString(&cfg.DatabaseURL, "REWARDS_DB_URL")
	setString(&cfg.ChainRPCURL, "REWARDS_CHAIN_RPC_URL")
	setString(&cfg.RewardContract, "REWARDS_REWARD_CONTRACT")
	setUint64(&cfg.ChainID, "REWARDS_CHAIN_ID")
	setInt(&cfg.TokenDecimals, "REWARDS_TOKEN_DECIMALS")
	setString(&cfg.SignerKeyEnv, "REWARDS_SIGNER_KEY_ENV")
	setString(&cfg.SignerKeyFile, "REWARDS_SIGNER_KEY_FILE")
	setString(&cfg.Timezone, "REWARDS_TIMEZONE")
	setInt(&cfg.CutoverHour, "REWARDS_CUTOVER_HOUR")
	setDuration(&cfg.VoucherTTL, "REWARDS_VOUCHER_TTL")
	setDuration(&cfg.SweepInterval, "REWARDS_SWEEP_INTERVAL")
	setDuration(&cfg.StaleAfter, "REWARDS_STALE_AFTER")
	setDuration(&cfg.ChainTimeout, "REWARDS_CHAIN_TIMEOUT")
	setInt(&cfg.RatePerMinute, "REWARDS_RATE_PER_MINUTE")
	setString(&cfg.Auth.SecretEnv, "REWARDS_AUTH_SECRET_ENV")
	setString(&cfg.Auth.Issuer, "REWARDS_AUTH_ISSUER")
	setString(&cfg.Auth.Audience, "REWARDS_AUTH_AUDIENCE")
	setInt(&cfg.Auth.MaxSkewSeconds, "REWARDS_AUTH_MAX_SKEW_SECONDS")
	setInt64(&cfg.Reward.BaseAmount, "REWARDS_BASE_AMOUNT")
	setInt64(&cfg.Reward.StreakBonus, "REWARDS_STREAK_BONUS")
	setInt(&cfg.Reward.StreakCap, "REWARDS_STREAK_CAP")
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8080"
	}
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if cfg.TokenDecimals < 0 {
		cfg.TokenDecimals = 18
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	if cfg.CutoverHour < 0 {
		cfg.CutoverHour = 8
	}
	if cfg.VoucherTTL <= 0 {
		cfg.VoucherTTL = duration(720 * time.Hour)
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = duration(5 * time.Minute)
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = duration(15 * time.Minute)
	}
	if cfg.ChainTimeout <= 0 {
		cfg.ChainTimeout = duration(5 * time.Second)
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 60
	}
	if cfg.SignerKeyEnv == "" && cfg.SignerKeyFile == "" {
		cfg.SignerKeyEnv = "REWARDS_SIGNER_KEY"
	}
	if cfg.Auth.SecretEnv == "" {
		cfg.Auth.SecretEnv = "REWARDS_AUTH_SECRET"
	}
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = "rewards-gateway"
	}
	if cfg.Auth.MaxSkewSeconds <= 0 {
		cfg.Auth.MaxSkewSeconds = 60
	}
	if cfg.Reward.BaseAmount <= 0 {
		cfg.Reward.BaseAmount = 100
	}
	if cfg.Reward.StreakBonus <= 0 {
		cfg.Reward.StreakBonus = 10
	}
	if cfg.Reward.StreakCap <= 0 {
		cfg.Reward.StreakCap = 7
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("config: DatabaseURL (REWARDS_DB_URL) is required")
	}
	if strings.TrimSpace(c.ChainRPCURL) == "" {
		return fmt.Errorf("config: ChainRPCURL (REWARDS_CHAIN_RPC_URL) is required")
	}
	if strings.TrimSpace(c.RewardContract) == "" {
		return fmt.Errorf("config: RewardContract (REWARDS_REWARD_CONTRACT) is required")
	}
	if c.ChainID == 0 {
		return fmt.Errorf("config: ChainID (REWARDS_CHAIN_ID) is required")
	}
	if c.CutoverHour < 0 || c.CutoverHour > 23 {
		return fmt.Errorf("config: CutoverHour %d out of range", c.CutoverHour)
	}
	if c.TokenDecimals > 77 {
		return fmt.Errorf("config: TokenDecimals %d out of range", c.TokenDecimals)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("config: invalid Timezone %q: %w", c.Timezone, err)
	}
	return nil
}

// Location resolves the configured reference time zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = parsed
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if parsed, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = parsed
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			*dst = duration(parsed)
		}
	}
}
