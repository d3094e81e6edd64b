package common

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/HumansWindow/lastproject-sub014/storage"
)

type ServerConfig struct {
	Host string `mapstructure:"host" json:"host,omitempty"`
	Port int64  `mapstructure:"port" json:"port,omitempty"`
}

type AuthConfig struct {
	URL   string `mapstructure:"url" json:"url,omitempty"`
	Token string `mapstructure:"token" json:"token,omitempty"`
}

type IssuanceConfig struct {
	Network            string `mapstructure:"network" json:"network,omitempty"`
	Amount             string `mapstructure:"amount" json:"amount,omitempty"`
	PeriodicWindowDays int    `mapstructure:"periodic_window_days" json:"periodic_window_days,omitempty"`
}

// NetworkConfig describes one settlement chain: the minter contract and
// the pool of RPC endpoints that can reach it.
type NetworkConfig struct {
	ChainID       int64    `mapstructure:"chain_id" json:"chain_id,omitempty"`
	MinterAddress string   `mapstructure:"minter_address" json:"minter_address,omitempty"`
	OperatorKey   string   `mapstructure:"operator_key" json:"operator_key,omitempty"`
	Endpoints     []string `mapstructure:"endpoints" json:"endpoints,omitempty"`
}

type LedgerConfig struct {
	RequestTimeout time.Duration            `mapstructure:"request_timeout" json:"request_timeout,omitempty"`
	Networks       map[string]NetworkConfig `mapstructure:"networks" json:"networks,omitempty"`
}

type RpcConfig struct {
	UnhealthyAfter int           `mapstructure:"unhealthy_after" json:"unhealthy_after,omitempty"`
	ProbeInterval  time.Duration `mapstructure:"probe_interval" json:"probe_interval,omitempty"`
}

type SettlementConfig struct {
	MaxBatchSize              int           `mapstructure:"max_batch_size" json:"max_batch_size,omitempty"`
	TickInterval              time.Duration `mapstructure:"tick_interval" json:"tick_interval,omitempty"`
	Cron                      string        `mapstructure:"cron" json:"cron,omitempty"`
	DepthThreshold            int           `mapstructure:"depth_threshold" json:"depth_threshold,omitempty"`
	MaxRetries                int           `mapstructure:"max_retries" json:"max_retries,omitempty"`
	ConfirmAttempts           int           `mapstructure:"confirm_attempts" json:"confirm_attempts,omitempty"`
	ConfirmInterval           time.Duration `mapstructure:"confirm_interval" json:"confirm_interval,omitempty"`
	AlertAfterNoEndpointTicks int           `mapstructure:"alert_after_no_endpoint_ticks" json:"alert_after_no_endpoint_ticks,omitempty"`
	StaleInBatchAfter         time.Duration `mapstructure:"stale_in_batch_after" json:"stale_in_batch_after,omitempty"`
}

type CoreConfig struct {
	Server   ServerConfig `mapstructure:"server" json:"server"`
	Database struct {
		DSN string `mapstructure:"dsn" json:"dsn,omitempty"`
	} `mapstructure:"database" json:"database,omitempty"`
	Redis      storage.RedisConfig `mapstructure:"redis" json:"redis,omitempty"`
	Auth       AuthConfig          `mapstructure:"auth" json:"auth,omitempty"`
	Issuance   IssuanceConfig      `mapstructure:"issuance" json:"issuance,omitempty"`
	Ledger     LedgerConfig        `mapstructure:"ledger" json:"ledger,omitempty"`
	Rpc        RpcConfig           `mapstructure:"rpc" json:"rpc,omitempty"`
	Settlement SettlementConfig    `mapstructure:"settlement" json:"settlement,omitempty"`
	Datadog    struct {
		Host string `mapstructure:"host" json:"host,omitempty"`
		Port string `mapstructure:"port" json:"port,omitempty"`
	} `mapstructure:"datadog" json:"datadog"`
}

// Network returns the config block for the network settlement runs on.
func (c *CoreConfig) Network() (NetworkConfig, error) {
	nc, ok := c.Ledger.Networks[c.Issuance.Network]
	if !ok {
		return NetworkConfig{}, fmt.Errorf("network %q not found in ledger config", c.Issuance.Network)
	}
	return nc, nil
}

func LoadConfig() (*CoreConfig, error) {
	configName := os.Getenv("VS_CONFIG_NAME")
	if configName == "" {
		configName = "config"
	}
	return ReadConfig(configName)
}

func ReadConfig(configName string) (*CoreConfig, error) {
	viper.SetConfigName(configName)
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	viper.SetDefault("issuance.periodic_window_days", 365)
	viper.SetDefault("ledger.request_timeout", "15s")
	viper.SetDefault("rpc.unhealthy_after", 3)
	viper.SetDefault("rpc.probe_interval", "30s")
	viper.SetDefault("settlement.max_batch_size", 25)
	viper.SetDefault("settlement.tick_interval", "10s")
	viper.SetDefault("settlement.depth_threshold", 10)
	viper.SetDefault("settlement.max_retries", 5)
	viper.SetDefault("settlement.confirm_attempts", 10)
	viper.SetDefault("settlement.confirm_interval", "3s")
	viper.SetDefault("settlement.alert_after_no_endpoint_ticks", 3)
	viper.SetDefault("settlement.stale_in_batch_after", "10m")

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("fail to reading config file, %w", err)
	}
	var cfg CoreConfig
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct, %w", err)
	}
	if cfg.Issuance.Network == "" {
		return nil, fmt.Errorf("issuance.network is required")
	}
	if cfg.Issuance.Amount == "" {
		return nil, fmt.Errorf("issuance.amount is required")
	}
	if _, err := cfg.Network(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
