package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/avelines/usdt-keeper/internal/chain"
	"github.com/avelines/usdt-keeper/internal/config"
	"github.com/avelines/usdt-keeper/internal/decision"
	"github.com/avelines/usdt-keeper/internal/health"
	"github.com/avelines/usdt-keeper/internal/logger"
	"github.com/avelines/usdt-keeper/internal/monitor"
	"github.com/avelines/usdt-keeper/internal/pipeline"
	"github.com/avelines/usdt-keeper/internal/registry"
)

var (
	interval string
	once     bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the keeper daemon",
	Long:  `Monitor registered wallets and execute withdraw and gas-send actions.`,
	RunE:  runKeeper,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&interval, "interval", "", "monitor interval - duration (30s, 5m) or cron (\"*/1 * * * *\")")
	runCmd.Flags().BoolVar(&once, "once", false, "run a single monitor cycle and exit")
}

func runKeeper(cmd *cobra.Command, args []string) error {
	// Setup logger (log-level from global flag)
	logger.Setup(logLevel)

	// Context with graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigChan
		slog.Info("Signal received, graceful shutdown", "signal", sig)
		cancel()
	}()

	// Load config; the signing key comes from the environment only
	cfg, privateKey, err := config.LoadWithKey(cfgFile)
	if err != nil {
		slog.Error("Configuration error", "error", err)
		return err
	}

	// Override log level if set in config
	if cfg.LogLevel != "" {
		logger.Setup(cfg.LogLevel)
	}

	// Use interval from flag if provided, otherwise from config
	runInterval := interval
	if runInterval == "" {
		runInterval = cfg.Interval
	}

	slog.Info("Configuration loaded",
		"config_path", cfgFile,
		"wallets", len(cfg.Wallets),
		"auto_withdraw", cfg.AutoWithdraw,
		"auto_gas", cfg.AutoGas,
		"interval", runInterval,
	)

	signer, err := chain.NewSigner(privateKey)
	if err != nil {
		slog.Error("Invalid signing key", "error", err)
		return err
	}

	// Connect to the chain with failover support
	client, err := chain.NewClient(chainConfigFrom(cfg), signer)
	if err != nil {
		slog.Error("Failed to connect to RPC", "error", err)
		return err
	}
	defer client.Close()

	if len(cfg.RPCUrls) == 1 {
		slog.Info("RPC connection established", "endpoint", cfg.RPCUrls[0])
	} else {
		slog.Info("RPC connection established with failover",
			"endpoints", len(cfg.RPCUrls),
			"primary", cfg.RPCUrls[0])
	}
	slog.Info("Custodial account ready", "address", client.SignerAddress().Hex(), "chain_id", client.ChainID())

	thresholds, err := thresholdsFrom(cfg)
	if err != nil {
		slog.Error("Invalid threshold configuration", "error", err)
		return err
	}
	gasAmount, err := cfg.GasSendAmountBase()
	if err != nil {
		slog.Error("Invalid gas amount configuration", "error", err)
		return err
	}

	reg := registry.New()
	exec := pipeline.NewExecutor(client, reg, pipeline.Config{
		Thresholds:    thresholds,
		GasSendAmount: gasAmount,
	}, nil)
	defer exec.Close()

	keeper := monitor.NewKeeper(client, reg, exec, monitor.Config{
		Interval:        runInterval,
		Timezone:        cfg.GetTimezone(),
		RunImmediately:  cfg.RunImmediately,
		Thresholds:      thresholds,
		ManualRateLimit: cfg.ManualRateLimit(),
	})

	if seeded := keeper.AddDiscovered(cfg.Wallets); seeded > 0 {
		slog.Info("Wallets seeded from configuration", "count", seeded)
	}

	// Run mode: one-time or daemon
	if once {
		return keeper.RunCycle(ctx)
	}

	slog.Info("Starting daemon mode with scheduler",
		"interval", runInterval,
		"timezone", cfg.GetTimezone().String(),
		"run_immediately", cfg.RunImmediately)

	if err := keeper.StartMonitor(ctx); err != nil {
		slog.Error("Failed to start monitor", "error", err)
		return fmt.Errorf("monitor start failed: %w", err)
	}
	defer keeper.StopMonitor()

	// Determine expected interval for health checker
	expectedInterval, err := keeper.Scheduler().ExpectedInterval()
	if err != nil {
		// Fallback to conservative estimate for irregular cron expressions
		expectedInterval = 5 * time.Minute
		slog.Warn("Could not determine exact interval, using conservative estimate",
			"interval", expectedInterval)
	}

	healthChecker := health.NewChecker(client, expectedInterval)
	keeper.SetCycleListener(healthChecker.UpdateLastRun)

	// Ops HTTP surface (daemon mode only)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: health.NewRouter(healthChecker, keeper, cfg.TokenDecimals),
	}

	go func() {
		slog.Info("Ops server starting", "port", cfg.HTTPPort, "endpoints", "/health /wallets")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Ops server error", "error", err)
		}
	}()

	// Ensure HTTP server shutdown on exit
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("Ops server shutdown error", "error", err)
		}
	}()

	slog.Info("Daemon mode started with clock-aligned scheduling")

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("Shutdown requested, stopping daemon")
	return nil
}

func chainConfigFrom(cfg *config.Config) chain.Config {
	var chainID *big.Int
	if cfg.ChainID > 0 {
		chainID = big.NewInt(cfg.ChainID)
	}
	return chain.Config{
		RPCURLs:       cfg.RPCUrls,
		ChainID:       chainID,
		Token:         common.HexToAddress(cfg.TokenAddress),
		Spender:       common.HexToAddress(cfg.SpenderAddress),
		TokenDecimals: cfg.TokenDecimals,
		GasLimit:      cfg.GasLimit,
		GasPriceFloor: cfg.GasPriceFloorWei(),
	}
}

func thresholdsFrom(cfg *config.Config) (decision.Thresholds, error) {
	tokenThreshold, err := cfg.TokenThresholdBase()
	if err != nil {
		return decision.Thresholds{}, fmt.Errorf("usdt_threshold: %w", err)
	}
	nativeThreshold, err := cfg.NativeThresholdBase()
	if err != nil {
		return decision.Thresholds{}, fmt.Errorf("bnb_threshold: %w", err)
	}
	return decision.Thresholds{
		WithdrawEnabled:  cfg.AutoWithdraw,
		GasEnabled:       cfg.AutoGas,
		TokenThreshold:   tokenThreshold,
		NativeThreshold:  nativeThreshold,
		WithdrawInterval: cfg.WithdrawGap(),
		GasInterval:      cfg.GasCheckGap(),
	}, nil
}
