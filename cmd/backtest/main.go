// Backtest runner: replays a strategy file over historical CSV bars and
// writes a JSON result. With one or more -sweep flags it instead runs a
// parameter grid search and reports the ranked combinations.
//
// Usage:
//
//	backtest -strategy data/strat_s1.yaml -data data/historical/AAPL.csv
//	backtest -strategy ... -data ... -sweep trailing_pct=0.03,0.05,0.08
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"autotrader/internal/backtest"
	"autotrader/internal/config"
	"autotrader/internal/optimize"
	"autotrader/internal/safety"
	"autotrader/internal/store"
	"autotrader/internal/strategy"
	"autotrader/pkg/types"
)

// sweepFlags collects repeated -sweep name=v1,v2,... flags.
type sweepFlags []optimize.Param

func (s *sweepFlags) String() string { return fmt.Sprintf("%v", []optimize.Param(*s)) }

func (s *sweepFlags) Set(v string) error {
	name, list, ok := strings.Cut(v, "=")
	if !ok || name == "" || list == "" {
		return fmt.Errorf("expected name=v1,v2,..., got %q", v)
	}
	p := optimize.Param{Name: name}
	for _, raw := range strings.Split(list, ",") {
		val, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("sweep %s: bad value %q: %w", name, raw, err)
		}
		p.Values = append(p.Values, val)
	}
	*s = append(*s, p)
	return nil
}

func main() {
	_ = godotenv.Load()

	var (
		cfgPath      = flag.String("config", "configs/config.yaml", "config file")
		strategyPath = flag.String("strategy", "", "strategy YAML file (required)")
		dataPath     = flag.String("data", "", "historical bars CSV (required)")
		cash         = flag.String("cash", "", "initial cash override")
		rankBy       = flag.String("rank-by", "", "sweep ranking metric (default total_return_pct)")
		sweeps       sweepFlags
	)
	flag.Var(&sweeps, "sweep", "parameter sweep, repeatable: name=v1,v2,...")
	flag.Parse()

	if *strategyPath == "" || *dataPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.Logging)

	initialCash := cfg.Backtest.InitialCash
	if *cash != "" {
		initialCash, err = decimal.NewFromString(*cash)
		if err != nil || initialCash.Sign() <= 0 {
			logger.Error("bad -cash value", "value", *cash)
			os.Exit(1)
		}
	}

	st, err := store.ReadFile(*strategyPath)
	if err != nil {
		logger.Error("failed to load strategy", "error", err)
		os.Exit(1)
	}
	bars, err := backtest.LoadBars(*dataPath)
	if err != nil {
		logger.Error("failed to load bars", "error", err)
		os.Exit(1)
	}
	logger.Info("data loaded", "strategy", st.ID, "symbol", st.Symbol, "bars", len(bars))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if cfg.Optimize.Timeout > 0 && len(sweeps) > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Optimize.Timeout)
		defer cancel()
	}

	if len(sweeps) > 0 {
		runSweep(ctx, cfg, st, bars, sweeps, initialCash, *rankBy, logger)
		return
	}

	// The wall-clock duplicate window misfires against bar-time replays,
	// and deterministic client ids already make submits idempotent.
	safetyCfg := cfg.Safety
	safetyCfg.DuplicateWindow = 0
	gate := safety.NewGate(safetyCfg)

	h := backtest.NewHistBroker(initialCash)
	res, err := backtest.NewDriver(h, gate, logger).Run(ctx, st, bars)
	if err != nil {
		logger.Error("backtest failed", "error", err)
		os.Exit(1)
	}

	path, err := res.Save(cfg.Backtest.ResultsDir)
	if err != nil {
		logger.Error("failed to save result", "error", err)
		os.Exit(1)
	}

	printResult(res)
	fmt.Printf("result written to %s\n", path)
}

func runSweep(
	ctx context.Context,
	cfg *config.Config,
	st strategy.Strategy,
	bars []types.Bar,
	sweeps sweepFlags,
	initialCash decimal.Decimal,
	rankBy string,
	logger *slog.Logger,
) {
	candidates, err := optimize.GridSearch(ctx, st, bars, sweeps, optimize.Options{
		InitialCash: initialCash,
		MaxParallel: cfg.Optimize.MaxParallel,
		RankBy:      rankBy,
	}, logger)
	if err != nil {
		logger.Error("grid search failed", "error", err)
		os.Exit(1)
	}

	fmt.Printf("%-40s %10s %8s %8s %7s\n", "params", "return", "ret%", "trades", "win%")
	for _, c := range candidates {
		m := c.Result.Metrics
		fmt.Printf("%-40s %10.2f %7.2f%% %8d %6.1f%%\n",
			formatParams(c.Params), m.TotalReturn, m.TotalReturnPct*100, m.TradeCount, m.WinRate*100)
	}

	best := candidates[0]
	path, err := best.Result.Save(cfg.Backtest.ResultsDir)
	if err != nil {
		logger.Error("failed to save best result", "error", err)
		os.Exit(1)
	}
	fmt.Printf("best %s written to %s\n", formatParams(best.Params), path)
}

func formatParams(params map[string]decimal.Decimal) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params[k].String())
	}
	return strings.Join(parts, " ")
}

func printResult(res backtest.Result) {
	m := res.Metrics
	fmt.Printf("%s (%s %s)\n", res.StrategyID, res.Variant, res.Symbol)
	if res.Failure != "" {
		fmt.Printf("  failed: %s (%s)\n", res.Failure, res.FailureMsg)
		return
	}
	fmt.Printf("  equity     %s -> %s\n", res.InitialEquity, res.FinalEquity)
	fmt.Printf("  return     %.2f (%.2f%%)\n", m.TotalReturn, m.TotalReturnPct*100)
	fmt.Printf("  trades     %d, win rate %.1f%%\n", m.TradeCount, m.WinRate*100)
	fmt.Printf("  drawdown   %.2f (%.2f%%)\n", m.MaxDrawdown, m.MaxDrawdownPct*100)
	if m.TradeCount > 0 {
		fmt.Printf("  profit factor %.2f, avg win %.2f, avg loss %.2f\n",
			m.ProfitFactor, m.AvgWin, m.AvgLoss)
	}
	if m.SharpeRatio != 0 {
		fmt.Printf("  sharpe     %.2f\n", m.SharpeRatio)
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
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
