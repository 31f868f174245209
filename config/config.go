package config

import (
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type ChainConfig struct {
	ChainID           int64          `mapstructure:"chain_id" json:"chain_id"`
	RPCURL            string         `mapstructure:"rpc_url" json:"rpc_url"`
	PermissionManager common.Address `mapstructure:"permission_manager" json:"permission_manager"`
	// GasLimitBuffer is a percentage added on top of estimated gas.
	GasLimitBuffer uint64 `mapstructure:"gas_limit_buffer" json:"gas_limit_buffer"`
}

type Config struct {
	LogLevel string `mapstructure:"log_level" json:"log_level,omitempty"`

	Server struct {
		Host string `mapstructure:"host" json:"host,omitempty"`
		Port int64  `mapstructure:"port" json:"port,omitempty"`
	} `mapstructure:"server" json:"server"`

	Database struct {
		DSN string `mapstructure:"dsn" json:"dsn,omitempty"`
	} `mapstructure:"database" json:"database,omitempty"`

	Redis struct {
		Host     string `mapstructure:"host" json:"host,omitempty"`
		Port     string `mapstructure:"port" json:"port,omitempty"`
		User     string `mapstructure:"user" json:"user,omitempty"`
		Password string `mapstructure:"password" json:"password,omitempty"`
		DB       int    `mapstructure:"db" json:"db,omitempty"`
	} `mapstructure:"redis" json:"redis,omitempty"`

	Datadog struct {
		Host string `mapstructure:"host" json:"host,omitempty"`
		Port string `mapstructure:"port" json:"port,omitempty"`
	} `mapstructure:"datadog" json:"datadog"`

	Chains []ChainConfig `mapstructure:"chains" json:"chains"`

	Tracker struct {
		PollInterval   time.Duration `mapstructure:"poll_interval" json:"poll_interval"`
		ReceiptTimeout time.Duration `mapstructure:"receipt_timeout" json:"receipt_timeout"`
		StaleAfter     time.Duration `mapstructure:"stale_after" json:"stale_after"`
	} `mapstructure:"tracker" json:"tracker"`

	Allowance struct {
		CacheTTL time.Duration `mapstructure:"cache_ttl" json:"cache_ttl"`
	} `mapstructure:"allowance" json:"allowance"`

	Scheduler struct {
		SweepSpec string `mapstructure:"sweep_spec" json:"sweep_spec"`
	} `mapstructure:"scheduler" json:"scheduler"`

	Signer struct {
		PrivateKey string `mapstructure:"private_key" json:"-"`
	} `mapstructure:"signer" json:"-"`
}

func (c *Config) RedisAddr() string {
	return c.Redis.Host + ":" + c.Redis.Port
}

func (c *Config) Chain(chainID int64) (ChainConfig, bool) {
	for _, ch := range c.Chains {
		if ch.ChainID == chainID {
			return ch, true
		}
	}
	return ChainConfig{}, false
}

func GetConfigure() (*Config, error) {
	configName := os.Getenv("PM_CONFIG_NAME")
	if configName == "" {
		configName = "config"
	}

	return ReadConfig(configName)
}

func ReadConfig(configName string) (*Config, error) {
	viper.SetConfigName(configName)
	viper.AddConfigPath(".")
	viper.AutomaticEnv()
	setDefaults(viper.GetViper())

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("fail to reading config file, %w", err)
	}
	return decode(viper.GetViper())
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("tracker.poll_interval", "2s")
	v.SetDefault("tracker.receipt_timeout", "5m")
	v.SetDefault("tracker.stale_after", "2m")
	v.SetDefault("allowance.cache_ttl", "15s")
	v.SetDefault("scheduler.sweep_spec", "@every 30s")
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		stringToAddressHookFunc(),
	)))
	if err != nil {
		return nil, fmt.Errorf("unable to decode into struct, %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func stringToAddressHookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(common.Address{}) {
			return data, nil
		}
		s := data.(string)
		if !common.IsHexAddress(s) {
			return nil, fmt.Errorf("invalid address %q", s)
		}
		return common.HexToAddress(s), nil
	}
}

func (c *Config) validate() error {
	seen := make(map[int64]bool)
	for _, ch := range c.Chains {
		if ch.ChainID <= 0 {
			return fmt.Errorf("invalid chain id %d", ch.ChainID)
		}
		if seen[ch.ChainID] {
			return fmt.Errorf("duplicate chain %d", ch.ChainID)
		}
		if ch.RPCURL == "" {
			return fmt.Errorf("chain %d: rpc_url is required", ch.ChainID)
		}
		seen[ch.ChainID] = true
	}
	return nil
}
