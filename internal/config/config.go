package config

import (
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/avelines/usdt-keeper/internal/chain"
)

// Config represents the application configuration. Amount fields are
// decimal strings in human units; they are scaled to base units by the
// accessor methods.
type Config struct {
	RPCUrls        []string `mapstructure:"rpc_urls" validate:"required,min=1,dive,url"`
	ChainID        int64    `mapstructure:"chain_id" validate:"omitempty,min=1"`
	TokenAddress   string   `mapstructure:"token_address" validate:"required,eth_addr"`
	SpenderAddress string   `mapstructure:"spender_address" validate:"omitempty,eth_addr"`
	TokenDecimals  uint8    `mapstructure:"token_decimals" validate:"required,min=1"`

	GasLimit     uint64 `mapstructure:"gas_limit" validate:"required,min=21000"`
	GasPriceGwei int64  `mapstructure:"gas_price_gwei" validate:"required,min=1"`

	Interval         string `mapstructure:"interval" validate:"required,schedule"`
	WithdrawInterval string `mapstructure:"withdraw_interval" validate:"omitempty,duration"`
	GasCheckInterval string `mapstructure:"gas_check_interval" validate:"omitempty,duration"`
	RateLimit        string `mapstructure:"rate_limit" validate:"omitempty,duration"`

	UsdtThreshold string `mapstructure:"usdt_threshold" validate:"required,decimal"`
	BnbThreshold  string `mapstructure:"bnb_threshold" validate:"required,decimal"`
	BnbAmount     string `mapstructure:"bnb_amount" validate:"required,decimal"`

	AutoWithdraw bool `mapstructure:"auto_withdraw"`
	AutoGas      bool `mapstructure:"auto_gas"`

	Wallets []string `mapstructure:"wallets" validate:"omitempty,dive,eth_addr"`

	LogLevel       string `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
	HTTPPort       int    `mapstructure:"http_port" validate:"omitempty,min=1024,max=65535"`
	Timezone       string `mapstructure:"timezone" validate:"omitempty,timezone"`
	RunImmediately bool   `mapstructure:"run_immediately"`
}

// GetTimezone resolves the configured timezone, defaulting to UTC.
func (c *Config) GetTimezone() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// WithdrawGap returns the minimum gap between automatic withdrawals.
func (c *Config) WithdrawGap() time.Duration {
	return parseDurationOr(c.WithdrawInterval, 30*time.Second)
}

// GasCheckGap returns the minimum gap between automatic gas sends.
func (c *Config) GasCheckGap() time.Duration {
	return parseDurationOr(c.GasCheckInterval, 60*time.Second)
}

// ManualRateLimit returns the minimum gap between manual actions per actor.
func (c *Config) ManualRateLimit() time.Duration {
	return parseDurationOr(c.RateLimit, time.Second)
}

// TokenThresholdBase returns the gas-assistance token threshold in base units.
func (c *Config) TokenThresholdBase() (*big.Int, error) {
	return decimalToBase(c.UsdtThreshold, c.TokenDecimals)
}

// NativeThresholdBase returns the gas-assistance native threshold in wei.
func (c *Config) NativeThresholdBase() (*big.Int, error) {
	return decimalToBase(c.BnbThreshold, 18)
}

// GasSendAmountBase returns the fixed gas-send amount in wei.
func (c *Config) GasSendAmountBase() (*big.Int, error) {
	return decimalToBase(c.BnbAmount, 18)
}

// GasPriceFloorWei returns the configured gas price floor in wei.
func (c *Config) GasPriceFloorWei() *big.Int {
	return new(big.Int).Mul(big.NewInt(c.GasPriceGwei), big.NewInt(1_000_000_000))
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func decimalToBase(s string, decimals uint8) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	return chain.ToBaseUnits(d, decimals)
}

// ethAddressValidator validates Ethereum addresses.
func ethAddressValidator(fl validator.FieldLevel) bool {
	return common.IsHexAddress(fl.Field().String())
}

// durationValidator validates Go duration strings.
func durationValidator(fl validator.FieldLevel) bool {
	if fl.Field().String() == "" {
		return true
	}
	_, err := time.ParseDuration(fl.Field().String())
	return err == nil
}

// decimalValidator validates non-negative decimal amount strings.
func decimalValidator(fl validator.FieldLevel) bool {
	d, err := decimal.NewFromString(fl.Field().String())
	return err == nil && !d.IsNegative()
}

// scheduleValidator accepts a Go duration or a 5/6-field cron expression.
// The scheduler enforces clock alignment more strictly at start-up.
func scheduleValidator(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if s == "" {
		return false
	}
	if fields := strings.Fields(s); len(fields) == 5 || len(fields) == 6 {
		return true
	}
	_, err := time.ParseDuration(s)
	return err == nil
}

// NewValidator creates a validator with the custom rules.
func NewValidator() *validator.Validate {
	validate := validator.New()
	validate.RegisterValidation("eth_addr", ethAddressValidator)
	validate.RegisterValidation("duration", durationValidator)
	validate.RegisterValidation("decimal", decimalValidator)
	validate.RegisterValidation("schedule", scheduleValidator)
	return validate
}
