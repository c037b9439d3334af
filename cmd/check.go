package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/avelines/usdt-keeper/internal/chain"
	"github.com/avelines/usdt-keeper/internal/config"
	"github.com/avelines/usdt-keeper/internal/logger"
)

var checkCmd = &cobra.Command{
	Use:   "check <address> [address...]",
	Short: "Inspect wallet balances and allowance",
	Long:  `Query token balance, native balance and custodial allowance for one or more wallets, then exit.`,
	Args:  cobra.MinimumNArgs(1),
	RunE:  checkWallets,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func checkWallets(cmd *cobra.Command, args []string) error {
	logger.Setup(logLevel)

	cfg, privateKey, err := config.LoadWithKey(cfgFile)
	if err != nil {
		slog.Error("Configuration error", "error", err)
		return err
	}

	signer, err := chain.NewSigner(privateKey)
	if err != nil {
		slog.Error("Invalid signing key", "error", err)
		return err
	}

	client, err := chain.NewClient(chainConfigFrom(cfg), signer)
	if err != nil {
		slog.Error("Failed to connect to RPC", "error", err)
		return err
	}
	defer client.Close()

	ctx := cmd.Context()
	for _, input := range args {
		addr, err := chain.ParseAddress(input)
		if err != nil {
			slog.Error("Invalid address", "input", input, "error", err)
			continue
		}

		token, native, err := client.Balances(ctx, addr)
		if err != nil {
			slog.Error("Balance query failed", "wallet", addr.Hex(), "error", err)
			continue
		}
		allowance, err := client.Allowance(ctx, addr)
		if err != nil {
			slog.Error("Allowance query failed", "wallet", addr.Hex(), "error", err)
			continue
		}

		fmt.Printf("%s\n", addr.Hex())
		fmt.Printf("  token balance:  %s\n", chain.HumanAmount(token, cfg.TokenDecimals))
		fmt.Printf("  native balance: %s\n", chain.HumanAmount(native, 18))
		fmt.Printf("  allowance:      %s\n", chain.HumanAmount(allowance, cfg.TokenDecimals))
	}
	return nil
}
