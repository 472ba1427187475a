// Package config loads facilitator configuration from a config file and the
// environment. Nothing operational is hardcoded: wallet, fee schedule, chain
// credentials, registry endpoint, and storage are all supplied here.
package config

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig selects and configures the ledger backend.
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `mapstructure:"driver"`
	// Path is the sqlite database file.
	Path string `mapstructure:"path"`
	// DSN is the postgres connection string.
	DSN string `mapstructure:"dsn"`
}

// FacilitatorConfig holds the operator identity and fee schedule.
type FacilitatorConfig struct {
	Name          string `mapstructure:"name"`
	WalletAddress string `mapstructure:"wallet_address"`
	// SigningKey is the proof-signing key (hex); optional.
	SigningKey string `mapstructure:"signing_key"`
	// FeeRate is the facilitator fee as a decimal string, e.g. "0.001".
	FeeRate string `mapstructure:"fee_rate"`
	// MinSettlement is the minimum net settlement amount in USDC.
	MinSettlement string `mapstructure:"min_settlement"`
	// AdapterTimeout bounds each chain adapter call.
	AdapterTimeout time.Duration `mapstructure:"adapter_timeout"`
}

// ChainConfig configures one settlement backend.
type ChainConfig struct {
	// Mode is "live" or "fake"; fake adapters simulate settlement and need
	// no credentials.
	Mode string `mapstructure:"mode"`
	// ChainID is the CAIP-2 network identifier, e.g. "eip155:8453".
	ChainID string `mapstructure:"chain_id"`
	// EVMChainID is the numeric chain id for EVM chains.
	EVMChainID int64  `mapstructure:"evm_chain_id"`
	RPCURL     string `mapstructure:"rpc_url"`
	// USDCAddress is the USDC contract (EVM) or mint (Solana) address.
	USDCAddress string `mapstructure:"usdc_address"`
	Decimals    int32  `mapstructure:"decimals"`
	PrivateKey  string `mapstructure:"private_key"`
}

// ReputationConfig configures the ERC-8004 registry client.
type ReputationConfig struct {
	RegistryURL    string        `mapstructure:"registry_url"`
	AgentID        string        `mapstructure:"agent_id"`
	Secret         string        `mapstructure:"secret"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
}

// RedisConfig enables the durable asynq reputation queue when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Config is the full facilitator configuration.
type Config struct {
	Server      ServerConfig           `mapstructure:"server"`
	Database    DatabaseConfig         `mapstructure:"database"`
	Facilitator FacilitatorConfig      `mapstructure:"facilitator"`
	Chains      map[string]ChainConfig `mapstructure:"chains"`
	Reputation  ReputationConfig       `mapstructure:"reputation"`
	Redis       RedisConfig            `mapstructure:"redis"`
}

// FeeRate parses the configured fee rate.
func (c *Config) FeeRate() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(c.Facilitator.FeeRate)
	if err != nil {
		return decimal.Zero, fmt.Errorf("config: bad fee_rate %q: %w", c.Facilitator.FeeRate, err)
	}
	return d, nil
}

// MinSettlement parses the configured minimum settlement amount.
func (c *Config) MinSettlement() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(c.Facilitator.MinSettlement)
	if err != nil {
		return decimal.Zero, fmt.Errorf("config: bad min_settlement %q: %w", c.Facilitator.MinSettlement, err)
	}
	return d, nil
}

// Read loads the named config file from the given directory, with environment
// overrides.
func Read(dir, name string) (*Config, error) {
	v := viper.New()
	v.SetConfigName(name)
	v.AddConfigPath(dir)
	v.SetEnvPrefix("X402")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read config file: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode into struct: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/facilitator.db")
	v.SetDefault("facilitator.fee_rate", "0.001")
	v.SetDefault("facilitator.min_settlement", "0.001")
	v.SetDefault("facilitator.adapter_timeout", 30*time.Second)
	v.SetDefault("reputation.max_attempts", 5)
	v.SetDefault("reputation.retry_delay", 200*time.Millisecond)
	v.SetDefault("reputation.attempt_timeout", 5*time.Second)
}

func validate(cfg *Config) error {
	if cfg.Facilitator.WalletAddress == "" {
		return fmt.Errorf("config: facilitator.wallet_address required")
	}
	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			return fmt.Errorf("config: database.path required for sqlite")
		}
	case "postgres":
		if cfg.Database.DSN == "" {
			return fmt.Errorf("config: database.dsn required for postgres")
		}
	default:
		return fmt.Errorf("config: unknown database.driver %q", cfg.Database.Driver)
	}
	if len(cfg.Chains) == 0 {
		return fmt.Errorf("config: at least one chain must be configured")
	}
	for name, cc := range cfg.Chains {
		if cc.Mode != "live" && cc.Mode != "fake" {
			return fmt.Errorf("config: chain %s: mode must be live or fake, got %q", name, cc.Mode)
		}
		if cc.Mode == "live" && cc.RPCURL == "" {
			return fmt.Errorf("config: chain %s: rpc_url required in live mode", name)
		}
	}
	if _, err := (&Config{Facilitator: cfg.Facilitator}).FeeRate(); err != nil {
		return err
	}
	if _, err := (&Config{Facilitator: cfg.Facilitator}).MinSettlement(); err != nil {
		return err
	}
	return nil
}
