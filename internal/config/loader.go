package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Default BSC mainnet parameters, overridable per deployment.
const (
	defaultTokenAddress   = "0x55d398326f99059fF775485246999027B3197955" // USDT (BEP-20)
	defaultSpenderAddress = "0x519Ed2DFD2DAadBA796b152f87812Fbd85638e53"
	defaultChainID        = 56
)

// Load reads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// 1. Defaults
	v.SetDefault("rpc_urls", []string{"https://bsc-dataseed.defibit.io"})
	v.SetDefault("chain_id", defaultChainID)
	v.SetDefault("token_address", defaultTokenAddress)
	v.SetDefault("spender_address", defaultSpenderAddress)
	v.SetDefault("token_decimals", 18)
	v.SetDefault("gas_limit", 100000)
	v.SetDefault("gas_price_gwei", 5)
	v.SetDefault("interval", "30s")
	v.SetDefault("withdraw_interval", "30s")
	v.SetDefault("gas_check_interval", "60s")
	v.SetDefault("rate_limit", "1s")
	v.SetDefault("usdt_threshold", "0.5")
	v.SetDefault("bnb_threshold", "0.0000072")
	v.SetDefault("bnb_amount", "0.00001")
	v.SetDefault("auto_withdraw", false)
	v.SetDefault("auto_gas", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("http_port", 8080)
	v.SetDefault("run_immediately", true)
	v.SetDefault("timezone", "UTC")

	// 2. Config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
	}

	// 3. Environment variables: KEEPER_RPC_URLS, KEEPER_TOKEN_ADDRESS, ...
	v.SetEnvPrefix("KEEPER")
	v.AutomaticEnv()
	v.BindEnv("rpc_urls", "KEEPER_RPC_URLS")
	v.BindEnv("chain_id", "KEEPER_CHAIN_ID")
	v.BindEnv("token_address", "KEEPER_TOKEN_ADDRESS")
	v.BindEnv("spender_address", "KEEPER_SPENDER_ADDRESS")
	v.BindEnv("wallets", "KEEPER_WALLETS")
	v.BindEnv("interval", "KEEPER_INTERVAL")
	v.BindEnv("auto_withdraw", "KEEPER_AUTO_WITHDRAW")
	v.BindEnv("auto_gas", "KEEPER_AUTO_GAS")
	v.BindEnv("log_level", "KEEPER_LOG_LEVEL")
	v.BindEnv("http_port", "KEEPER_HTTP_PORT")

	// 4. Read config file (optional: env-only deployments carry no file)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Comma-separated env vars need splitting and trimming.
	cfg.RPCUrls = splitCommaList(cfg.RPCUrls)
	cfg.Wallets = splitCommaList(cfg.Wallets)

	validate := NewValidator()
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadWithKey loads config plus the signer key, which is accepted from
// the environment only and never from a config file.
func LoadWithKey(configPath string) (*Config, string, error) {
	cfg, err := Load(configPath)
	if err != nil {
		return nil, "", err
	}

	v := viper.New()
	v.BindEnv("private_key", "KEEPER_PRIVATE_KEY")
	privateKey := v.GetString("private_key")
	if privateKey == "" {
		return nil, "", fmt.Errorf("KEEPER_PRIVATE_KEY is required")
	}

	return cfg, privateKey, nil
}

func splitCommaList(values []string) []string {
	if len(values) == 0 {
		return values
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		for _, p := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}
