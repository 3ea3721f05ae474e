package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

type Config struct {
	Chain    ChainConfig
	Sweep    SweepConfig
	Store    StoreConfig
	Redis    RedisConfig
	Postgres PostgresConfig
}

type ChainConfig struct {
	RPCURL          string `mapstructure:"rpc_url"`
	SignerKey       string `mapstructure:"signer_key"`
	ContractAddress string `mapstructure:"contract_address"`
	ChainID         int64  `mapstructure:"chain_id"`
}

type SweepConfig struct {
	PollIntervalSec   int64  `mapstructure:"poll_interval_sec"`
	GasMargin         string `mapstructure:"gas_margin"`
	FeeMultiplier     string `mapstructure:"fee_multiplier"`
	PriorityFeeWei    string `mapstructure:"priority_fee_wei"`
	ConfirmTimeoutSec int64  `mapstructure:"confirm_timeout_sec"`
	Workers           int    `mapstructure:"workers"`
	MaxReverts        int    `mapstructure:"max_reverts"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

// Load reads .env (if present), config.yaml (if present) and the environment.
// Environment values win over the file; the first listed env name wins over
// its aliases.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()

	// Defaults
	v.SetDefault("sweep.poll_interval_sec", 15)
	v.SetDefault("sweep.gas_margin", "1.2")
	v.SetDefault("sweep.fee_multiplier", "2")
	v.SetDefault("sweep.priority_fee_wei", "2000000000")
	v.SetDefault("sweep.confirm_timeout_sec", 120)
	v.SetDefault("sweep.workers", 4)
	v.SetDefault("sweep.max_reverts", 5)
	v.SetDefault("store.driver", DriverRedis)
	v.SetDefault("redis.addr", "redis:6379")

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string][]string{
		"chain.rpc_url":             {"RPC_URL"},
		"chain.signer_key":          {"SIGNER_PRIVATE_KEY", "ADMIN_PRIVATE_KEY"},
		"chain.contract_address":    {"SETTLEMENT_CONTRACT", "ENGINE_ADDRESS"},
		"chain.chain_id":            {"CHAIN_ID"},
		"sweep.poll_interval_sec":   {"POLL_INTERVAL_SEC"},
		"sweep.gas_margin":          {"GAS_MARGIN"},
		"sweep.fee_multiplier":      {"FEE_MULTIPLIER"},
		"sweep.priority_fee_wei":    {"PRIORITY_FEE_WEI"},
		"sweep.confirm_timeout_sec": {"CONFIRM_TIMEOUT_SEC"},
		"sweep.workers":             {"SWEEP_WORKERS"},
		"sweep.max_reverts":         {"MAX_REVERTS"},
		"store.driver":              {"STORE_DRIVER"},
		"redis.addr":                {"REDIS_ADDR"},
		"redis.password":            {"REDIS_PASSWORD"},
		"postgres.dsn":              {"POSTGRES_DSN"},
	}
	for key, envs := range bindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", envs[0], err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Chain.RPCURL, "RPC_URL"},
		{c.Chain.SignerKey, "SIGNER_PRIVATE_KEY"},
		{c.Chain.ContractAddress, "SETTLEMENT_CONTRACT"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}

	if _, err := crypto.HexToECDSA(strings.TrimPrefix(c.Chain.SignerKey, "0x")); err != nil {
		return fmt.Errorf("invalid SIGNER_PRIVATE_KEY: %w", err)
	}
	if !common.IsHexAddress(c.Chain.ContractAddress) {
		return fmt.Errorf("invalid SETTLEMENT_CONTRACT: %q is not an address", c.Chain.ContractAddress)
	}
	if !strings.HasPrefix(c.Chain.RPCURL, "http") && !strings.HasPrefix(c.Chain.RPCURL, "ws") {
		return fmt.Errorf("invalid RPC_URL: %q", c.Chain.RPCURL)
	}

	switch c.Store.Driver {
	case DriverRedis:
	case DriverPostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("required config missing: POSTGRES_DSN")
		}
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.Store.Driver)
	}

	if c.Sweep.PollIntervalSec <= 0 {
		return fmt.Errorf("POLL_INTERVAL_SEC must be positive")
	}
	if c.Sweep.ConfirmTimeoutSec <= 0 {
		return fmt.Errorf("CONFIRM_TIMEOUT_SEC must be positive")
	}
	if c.Sweep.Workers <= 0 {
		return fmt.Errorf("SWEEP_WORKERS must be positive")
	}
	for _, d := range []struct{ val, name string }{
		{c.Sweep.GasMargin, "GAS_MARGIN"},
		{c.Sweep.FeeMultiplier, "FEE_MULTIPLIER"},
	} {
		m, err := decimal.NewFromString(d.val)
		if err != nil || m.LessThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("%s must be a number >= 1, got %q", d.name, d.val)
		}
	}
	if p, err := decimal.NewFromString(c.Sweep.PriorityFeeWei); err != nil || !p.IsInteger() || p.IsNegative() {
		return fmt.Errorf("invalid PRIORITY_FEE_WEI %q", c.Sweep.PriorityFeeWei)
	}
	return nil
}

func (s SweepConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalSec) * time.Second
}

func (s SweepConfig) ConfirmTimeout() time.Duration {
	return time.Duration(s.ConfirmTimeoutSec) * time.Second
}

// Multipliers returns the parsed gas margin and fee multiplier. Load has
// already validated both.
func (s SweepConfig) Multipliers() (gasMargin, feeMultiplier decimal.Decimal) {
	return decimal.RequireFromString(s.GasMargin), decimal.RequireFromString(s.FeeMultiplier)
}

// PriorityFee returns the priority fee in wei.
func (s SweepConfig) PriorityFee() *big.Int {
	return decimal.RequireFromString(s.PriorityFeeWei).BigInt()
}
