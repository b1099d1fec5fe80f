package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

var (
	ErrMissingSandboxKey = errors.New("wallet.sandbox is enabled but wallet.sandbox_buyer_private_key is empty")
	ErrMissingWalletURL  = errors.New("wallet.base_url is required when wallet.sandbox is disabled")
	ErrMissingRPCURL     = errors.New("chain.rpc_url is required when chain.mode is rpc")
	ErrInvalidSchedule   = errors.New("invalid settlement.schedule")
	ErrDefaultJWTSecret  = errors.New("auth.jwt_secret must be set in production")
)

type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	DB         DBConfig         `mapstructure:"db"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Chain      ChainConfig      `mapstructure:"chain"`
	Wallet     WalletConfig     `mapstructure:"wallet"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	Debug bool   `mapstructure:"debug"`
}

type DBConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite or postgres
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type AuthConfig struct {
	JWTSecret      string `mapstructure:"jwt_secret"`
	OperatorKey    string `mapstructure:"operator_key"`
	OperatorSecret string `mapstructure:"operator_secret"`
}

type SettlementConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Schedule    string        `mapstructure:"schedule"`
	Timezone    string        `mapstructure:"timezone"`
	BidPolicy   string        `mapstructure:"bid_policy"` // latest or highest
	MaxAttempts int           `mapstructure:"max_attempts"`
	Workers     int           `mapstructure:"workers"`
	RunHistory  int           `mapstructure:"run_history"`
	ItemTimeout time.Duration `mapstructure:"item_timeout"`
}

type ChainConfig struct {
	Mode           string        `mapstructure:"mode"` // rpc or dryrun
	RPCURL         string        `mapstructure:"rpc_url"`
	ChainID        int64         `mapstructure:"chain_id"`
	NativeCurrency string        `mapstructure:"native_currency"`
	TxTimeout      time.Duration `mapstructure:"tx_timeout"`
	GasLimit       uint64        `mapstructure:"gas_limit"`
}

type WalletConfig struct {
	Sandbox                 bool          `mapstructure:"sandbox"`
	SandboxBuyerPrivateKey  string        `mapstructure:"sandbox_buyer_private_key"`
	SandboxSellerPrivateKey string        `mapstructure:"sandbox_seller_private_key"`
	BaseURL                 string        `mapstructure:"base_url"`
	APIKey                  string        `mapstructure:"api_key"`
	Timeout                 time.Duration `mapstructure:"timeout"`
}

// DefaultJWTSecret is only accepted outside production
const DefaultJWTSecret = "klear-secret-key"

// IsProduction reports whether the service runs with production defaults
func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

// Load reads configuration from an optional YAML file and KLEAR_ prefixed
// environment variables. An empty path skips the file.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("KLEAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "development")
	v.SetDefault("server.port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.debug", false)
	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.dsn", "klear-nft.db")
	v.SetDefault("db.max_open_conns", 10)
	v.SetDefault("db.max_idle_conns", 2)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("auth.jwt_secret", DefaultJWTSecret)
	v.SetDefault("auth.operator_key", "")
	v.SetDefault("auth.operator_secret", "")
	v.SetDefault("settlement.enabled", true)
	v.SetDefault("settlement.schedule", "0 0 * * *")
	v.SetDefault("settlement.timezone", "UTC")
	v.SetDefault("settlement.bid_policy", "latest")
	v.SetDefault("settlement.max_attempts", 3)
	v.SetDefault("settlement.workers", 1)
	v.SetDefault("settlement.run_history", 50)
	v.SetDefault("settlement.item_timeout", "10m")
	v.SetDefault("chain.mode", "rpc")
	v.SetDefault("chain.rpc_url", "")
	v.SetDefault("chain.chain_id", 0)
	v.SetDefault("chain.native_currency", "ETH")
	v.SetDefault("chain.tx_timeout", "5m")
	v.SetDefault("chain.gas_limit", 0)
	v.SetDefault("wallet.sandbox", false)
	v.SetDefault("wallet.sandbox_buyer_private_key", "")
	v.SetDefault("wallet.sandbox_seller_private_key", "")
	v.SetDefault("wallet.base_url", "")
	v.SetDefault("wallet.api_key", "")
	v.SetDefault("wallet.timeout", "15s")
}

// Validate rejects configurations the service cannot start with.
func (c Config) Validate() error {
	if _, err := cron.ParseStandard(c.Settlement.Schedule); err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidSchedule, c.Settlement.Schedule, err)
	}
	if _, err := time.LoadLocation(c.Settlement.Timezone); err != nil {
		return fmt.Errorf("invalid settlement.timezone %q: %w", c.Settlement.Timezone, err)
	}
	switch c.Settlement.BidPolicy {
	case "latest", "highest":
	default:
		return fmt.Errorf("invalid settlement.bid_policy %q", c.Settlement.BidPolicy)
	}
	if c.IsProduction() && (c.Auth.JWTSecret == "" || c.Auth.JWTSecret == DefaultJWTSecret) {
		return ErrDefaultJWTSecret
	}
	if c.Settlement.MaxAttempts < 1 {
		return errors.New("settlement.max_attempts must be at least 1")
	}
	if c.Settlement.Workers < 1 {
		return errors.New("settlement.workers must be at least 1")
	}

	switch c.Chain.Mode {
	case "rpc":
		if c.Chain.RPCURL == "" {
			return ErrMissingRPCURL
		}
	case "dryrun":
	default:
		return fmt.Errorf("invalid chain.mode %q", c.Chain.Mode)
	}

	if c.Wallet.Sandbox {
		if c.Wallet.SandboxBuyerPrivateKey == "" {
			return ErrMissingSandboxKey
		}
	} else if c.Wallet.BaseURL == "" {
		return ErrMissingWalletURL
	}

	switch c.DB.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("invalid db.driver %q", c.DB.Driver)
	}
	return nil
}
