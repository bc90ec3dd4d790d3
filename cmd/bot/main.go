// Command bot runs the Bybit V5 linear-perpetual signal-to-execution
// pipeline described in SPEC_FULL.md.
//
// Architecture:
//
//	internal/market     — Market-Data Assembler + local order-book mirror (B)
//	internal/feature    — indicator pipeline (C)
//	internal/strategy   — Trend-Pullback, Mean-Reversion, Breakout strategies (D)
//	internal/meta       — conflict resolution, MTF confluence, no-trade zones (E)
//	internal/risk       — position sizing, portfolio limits, kill switch (F, J)
//	internal/execution  — Order Engine, Position-State Manager, SL/TP Engine (G, H, I)
//	internal/exchange   — Bybit V5 REST client + public/private WebSocket feeds (A)
//	internal/paper      — deterministic paper-trading fill simulator (K)
//	internal/store      — sqlite persistence for orders, fills, kill switch state
//
// run starts the full pipeline for one symbol; reset-killswitch clears a
// manually-activated halt without starting the pipeline.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"bybit-trading-core/internal/config"
	"bybit-trading-core/internal/engine"
)

// Exit codes per §6: 0 success, 1 startup failure (config/engine
// construction), 2 runtime fatal (a supervised task returned a
// non-context error), 130 SIGINT/SIGTERM.
const (
	exitOK            = 0
	exitStartupFailed = 1
	exitRuntimeFatal  = 2
	exitInterrupted   = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	var cfgPath string
	var mode string
	var symbol string

	root := &cobra.Command{
		Use:   "bot",
		Short: "Bybit V5 linear-perpetual trading core",
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", defaultConfigPath(), "path to config.json")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "start the signal-to-execution pipeline for one symbol",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cfgPath, mode, symbol)
		},
	}
	runCmd.Flags().StringVar(&mode, "mode", "", `override trading.mode ("paper" or "live")`)
	runCmd.Flags().StringVar(&symbol, "symbol", "", "override trading.symbol")

	backtestCmd := &cobra.Command{
		Use:   "backtest",
		Short: "run the pipeline in paper mode",
		Long: "backtest forces trading.mode to \"paper\" and runs the same\n" +
			"signal-to-execute pipeline as `run --mode paper`, fed by the\n" +
			"assembler's periodic pulls of the latest klines. It does not\n" +
			"replay a historical kline range and does not perform\n" +
			"parameter optimization.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cfgPath, "paper", symbol)
		},
	}
	backtestCmd.Flags().StringVar(&symbol, "symbol", "", "override trading.symbol")

	resetCmd := &cobra.Command{
		Use:   "reset-killswitch",
		Short: "clear a manually-activated kill switch without starting the pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return resetKillSwitch(cfgPath)
		},
	}

	root.AddCommand(runCmd, backtestCmd, resetCmd)

	exitCode := exitOK
	root.SilenceErrors = true
	root.SilenceUsage = true
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		switch {
		case err == errInterrupted:
			exitCode = exitInterrupted
		case isStartupError(err):
			exitCode = exitStartupFailed
		default:
			exitCode = exitRuntimeFatal
		}
	}
	return exitCode
}

// configError marks a failure during config load/validation or engine
// construction — a startup failure (exit 1), distinct from a fatal error
// surfaced later by a running supervised task (exit 2).
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func isStartupError(err error) bool {
	_, ok := err.(*configError)
	return ok
}

// errInterrupted signals a clean shutdown via SIGINT/SIGTERM, mapped to
// exit code 130 rather than a failure code.
var errInterrupted = fmt.Errorf("interrupted")

func defaultConfigPath() string {
	if p := os.Getenv("BOT_CONFIG"); p != "" {
		return p
	}
	return "configs/config.json"
}

func loadConfig(path, modeOverride, symbolOverride string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, &configError{fmt.Errorf("load config: %w", err)}
	}
	if modeOverride != "" {
		cfg.Trading.Mode = modeOverride
	}
	if symbolOverride != "" {
		cfg.Trading.Symbol = symbolOverride
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, &configError{fmt.Errorf("invalid config: %w", err)}
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return cfg, slog.New(handler), nil
}

func runPipeline(cfgPath, modeOverride, symbolOverride string) error {
	cfg, logger, err := loadConfig(cfgPath, modeOverride, symbolOverride)
	if err != nil {
		return err
	}

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		return &configError{fmt.Errorf("build engine: %w", err)}
	}

	logger.Info("bybit trading core started",
		"symbol", cfg.Trading.Symbol,
		"mode", cfg.Trading.Mode,
		"strategies", cfg.Trading.ActiveStrategies,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := eng.Run(ctx)
	eng.Stop(context.Background())

	if ctx.Err() != nil {
		logger.Info("shutdown complete")
		return errInterrupted
	}
	return runErr
}

func resetKillSwitch(cfgPath string) error {
	cfg, logger, err := loadConfig(cfgPath, "", "")
	if err != nil {
		return err
	}

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		return &configError{fmt.Errorf("build engine: %w", err)}
	}
	defer eng.Stop(context.Background())

	if err := eng.KillSwitch().Reset(); err != nil {
		return fmt.Errorf("reset kill switch: %w", err)
	}
	logger.Info("kill switch reset", "symbol", cfg.Trading.Symbol)
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
