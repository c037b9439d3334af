package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/avelines/usdt-keeper/internal/config"
	"github.com/avelines/usdt-keeper/internal/logger"
	"github.com/avelines/usdt-keeper/internal/monitor"
)

var validateCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Validate configuration file",
	Long:  `Validate the configuration file syntax and values without running the application.`,
	RunE:  validateConfig,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func validateConfig(cmd *cobra.Command, args []string) error {
	// Setup logger
	logger.Setup(logLevel)

	// Load config
	cfg, err := config.Load(cfgFile)
	if err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return err
	}

	// The loader only checks interval shape; clock alignment is stricter.
	if err := monitor.ValidateScheduleInterval(cfg.Interval); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return err
	}

	slog.Info("✓ Configuration valid",
		"wallets", len(cfg.Wallets),
		"rpc_urls", len(cfg.RPCUrls),
		"chain_id", cfg.ChainID,
		"token", cfg.TokenAddress,
		"spender", cfg.SpenderAddress,
		"interval", cfg.Interval,
		"auto_withdraw", cfg.AutoWithdraw,
		"auto_gas", cfg.AutoGas,
		"log_level", cfg.LogLevel,
	)

	return nil
}
