package backtest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"autotrader/internal/config"
	"autotrader/internal/safety"
	"autotrader/internal/strategy"
	"autotrader/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func runReplay(t *testing.T, st strategy.Strategy, bars []types.Bar) Result {
	t.Helper()
	h := NewHistBroker(d("10000"))
	res, err := NewDriver(h, nil, testLogger()).Run(context.Background(), st, bars)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return res
}

func TestTrailingStopSingleWinner(t *testing.T) {
	t.Parallel()
	st := strategy.Strategy{
		ID:       "t1",
		Symbol:   "AAPL",
		Variant:  strategy.VariantTrailingStop,
		Quantity: 1,
		Trailing: &strategy.TrailingParams{TrailingPct: d("0.05")},
	}
	bars := []types.Bar{
		flatBar(0, "100"), flatBar(1, "110"), flatBar(2, "120"),
		flatBar(3, "110"), flatBar(4, "100"),
	}

	res := runReplay(t, st, bars)

	// Market entry at 100, watermark 120, trigger 114, exit at 110.
	if res.Metrics.TradeCount != 1 {
		t.Fatalf("trades = %d, want 1: %+v", res.Metrics.TradeCount, res.Trades)
	}
	tr := res.Trades[0]
	if !tr.EntryPrice.Equal(d("100")) || !tr.ExitPrice.Equal(d("110")) || !tr.PnL.Equal(d("10")) {
		t.Fatalf("trade = %+v", tr)
	}
	if res.Metrics.WinRate != 1 {
		t.Errorf("win rate = %v", res.Metrics.WinRate)
	}
	if res.Metrics.TotalReturn != 10 {
		t.Errorf("total return = %v, want 10", res.Metrics.TotalReturn)
	}
	if !math.IsInf(res.Metrics.ProfitFactor, 1) {
		t.Errorf("profit factor = %v, want +Inf", res.Metrics.ProfitFactor)
	}
}

func TestBracketTakeProfitFirst(t *testing.T) {
	t.Parallel()
	st := strategy.Strategy{
		ID:       "b1",
		Symbol:   "AAPL",
		Variant:  strategy.VariantBracket,
		Quantity: 1,
		Bracket:  &strategy.BracketParams{TakeProfitPct: d("0.10"), StopLossPct: d("0.05")},
	}
	// Entry fills at 100; the take-profit at 110 rests through the first
	// listed bar and fills at max(110, open 110) = 110 on the next.
	bars := []types.Bar{
		flatBar(0, "100"),
		bar(1, "101", "102", "99", "100"),
		bar(2, "98", "112", "97", "111"),
		bar(3, "110", "115", "108", "114"),
		bar(4, "113", "116", "112", "115"),
	}

	res := runReplay(t, st, bars)

	if res.Metrics.TradeCount != 1 {
		t.Fatalf("trades = %d: %+v", res.Metrics.TradeCount, res.Trades)
	}
	tr := res.Trades[0]
	if !tr.ExitPrice.Equal(d("110")) || !tr.PnL.Equal(d("10")) {
		t.Fatalf("trade = %+v, want exit 110 pnl +10", tr)
	}
}

func TestBracketGapThroughStopWins(t *testing.T) {
	t.Parallel()
	st := strategy.Strategy{
		ID:       "b2",
		Symbol:   "AAPL",
		Variant:  strategy.VariantBracket,
		Quantity: 1,
		Bracket:  &strategy.BracketParams{TakeProfitPct: d("0.10"), StopLossPct: d("0.05")},
	}
	// Entry 100, TP 110, SL 95. The gap bar opens at 92 and spans both
	// exits; the stop fills at the open and the take-profit is cancelled.
	bars := []types.Bar{
		flatBar(0, "100"),
		bar(1, "101", "102", "99", "100"),
		bar(2, "100", "103", "99", "102"),
		bar(3, "102", "104", "100", "101"),
		bar(4, "92", "111", "92", "110"),
		bar(5, "110", "112", "108", "111"),
	}

	res := runReplay(t, st, bars)

	if res.Metrics.TradeCount != 1 {
		t.Fatalf("trades = %d: %+v", res.Metrics.TradeCount, res.Trades)
	}
	tr := res.Trades[0]
	if !tr.ExitPrice.Equal(d("92")) || !tr.PnL.Equal(d("-8")) {
		t.Fatalf("trade = %+v, want stop fill at 92 pnl -8", tr)
	}
	if res.Metrics.WinRate != 0 {
		t.Errorf("win rate = %v", res.Metrics.WinRate)
	}
}

func TestMultiTradeReplayIncrementsCycle(t *testing.T) {
	t.Parallel()
	st := strategy.Strategy{
		ID:       "t2",
		Symbol:   "AAPL",
		Variant:  strategy.VariantTrailingStop,
		Quantity: 1,
		Trailing: &strategy.TrailingParams{TrailingPct: d("0.05")},
	}
	// Two complete up-then-down swings produce two separate trades with
	// distinct client order ids.
	bars := []types.Bar{
		flatBar(0, "100"), flatBar(1, "110"), flatBar(2, "120"), flatBar(3, "110"),
		flatBar(4, "100"), flatBar(5, "110"), flatBar(6, "120"), flatBar(7, "110"),
	}

	h := NewHistBroker(d("10000"))
	res, err := NewDriver(h, nil, testLogger()).Run(context.Background(), st, bars)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Metrics.TradeCount != 2 {
		t.Fatalf("trades = %d: %+v", res.Metrics.TradeCount, res.Trades)
	}
	if _, ok := h.Lookup("t2-c0-entry"); !ok {
		t.Error("cycle 0 entry missing")
	}
	if _, ok := h.Lookup("t2-c1-entry"); !ok {
		t.Error("cycle 1 entry missing")
	}
}

func TestBacktestDeterminism(t *testing.T) {
	t.Parallel()
	st := strategy.Strategy{
		ID:       "t3",
		Symbol:   "AAPL",
		Variant:  strategy.VariantTrailingStop,
		Quantity: 2,
		Trailing: &strategy.TrailingParams{TrailingPct: d("0.04")},
	}
	bars := []types.Bar{
		flatBar(0, "100"), bar(1, "101", "105", "100", "104"), bar(2, "104", "109", "103", "108"),
		bar(3, "106", "107", "101", "102"), bar(4, "102", "104", "100", "103"),
	}

	a := runReplay(t, st, bars)
	b := runReplay(t, st, bars)

	if !reflect.DeepEqual(a.Trades, b.Trades) {
		t.Errorf("trades differ:\n%+v\n%+v", a.Trades, b.Trades)
	}
	if !reflect.DeepEqual(a.EquityCurve, b.EquityCurve) {
		t.Errorf("equity curves differ")
	}
	if !a.FinalEquity.Equal(b.FinalEquity) {
		t.Errorf("final equity %s vs %s", a.FinalEquity, b.FinalEquity)
	}
}

func TestNoDataFailure(t *testing.T) {
	t.Parallel()
	st := strategy.Strategy{
		ID:       "t4",
		Symbol:   "AAPL",
		Variant:  strategy.VariantTrailingStop,
		Quantity: 1,
		Trailing: &strategy.TrailingParams{TrailingPct: d("0.05")},
	}
	res := runReplay(t, st, nil)
	if res.Failure != FailureNoData {
		t.Fatalf("failure = %q, want no_data", res.Failure)
	}
}

func TestEntryExceedingBuyingPowerRejected(t *testing.T) {
	t.Parallel()
	st := strategy.Strategy{
		ID:       "t7",
		Symbol:   "AAPL",
		Variant:  strategy.VariantTrailingStop,
		Quantity: 100000, // 10,000,000 notional against 10,000 cash
		Trailing: &strategy.TrailingParams{TrailingPct: d("0.05")},
	}
	bars := []types.Bar{flatBar(0, "100"), flatBar(1, "100"), flatBar(2, "100")}

	res := runReplay(t, st, bars)

	if res.Failure != FailureStrategyRejected {
		t.Fatalf("failure = %q, want %s: %s", res.Failure, FailureStrategyRejected, res.FailureMsg)
	}
	if res.Metrics.TradeCount != 0 || len(res.Trades) != 0 {
		t.Errorf("refused entry produced trades: %+v", res.Trades)
	}
	if !res.FinalEquity.Equal(res.InitialEquity) {
		t.Errorf("equity moved on a refused entry: %s -> %s", res.InitialEquity, res.FinalEquity)
	}
}

func TestEntryOverPositionCapRejected(t *testing.T) {
	t.Parallel()
	st := strategy.Strategy{
		ID:       "t8",
		Symbol:   "AAPL",
		Variant:  strategy.VariantTrailingStop,
		Quantity: 50,
		Trailing: &strategy.TrailingParams{TrailingPct: d("0.05")},
	}
	gate := safety.NewGate(config.SafetyConfig{
		MaxPositionQty:      10,
		MaxPositionNotional: d("100000"),
	})

	h := NewHistBroker(d("100000"))
	res, err := NewDriver(h, gate, testLogger()).Run(
		context.Background(), st, []types.Bar{flatBar(0, "100"), flatBar(1, "100")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Failure != FailureStrategyRejected {
		t.Fatalf("failure = %q, want %s", res.Failure, FailureStrategyRejected)
	}
	if !strings.Contains(res.FailureMsg, safety.ErrPositionSize.Error()) {
		t.Errorf("failure msg = %q, want a position size refusal", res.FailureMsg)
	}
	if len(h.Fills()) != 0 {
		t.Errorf("refused entry filled: %+v", h.Fills())
	}
}

func TestRunHonorsCancellation(t *testing.T) {
	t.Parallel()
	st := strategy.Strategy{
		ID:       "t5",
		Symbol:   "AAPL",
		Variant:  strategy.VariantTrailingStop,
		Quantity: 1,
		Trailing: &strategy.TrailingParams{TrailingPct: d("0.05")},
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h := NewHistBroker(d("10000"))
	_, err := NewDriver(h, nil, testLogger()).Run(ctx, st, []types.Bar{flatBar(0, "100")})
	if err == nil {
		t.Fatal("cancelled run returned no error")
	}
}

func TestResultSaveRoundTrip(t *testing.T) {
	t.Parallel()
	st := strategy.Strategy{
		ID:       "t6",
		Symbol:   "AAPL",
		Variant:  strategy.VariantTrailingStop,
		Quantity: 1,
		Trailing: &strategy.TrailingParams{TrailingPct: d("0.05")},
	}
	bars := []types.Bar{
		flatBar(0, "100"), flatBar(1, "110"), flatBar(2, "120"), flatBar(3, "110"),
	}
	res := runReplay(t, st, bars)

	dir := t.TempDir()
	path, err := res.Save(dir)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if filepath.Dir(path) != dir {
		t.Errorf("saved outside dir: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var back Result
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal saved result: %v", err)
	}
	if back.StrategyID != "t6" || back.Metrics.TradeCount != res.Metrics.TradeCount {
		t.Errorf("round trip mismatch: %+v", back.Metrics)
	}
	// An infinite profit factor survives the trip as the string form.
	if !math.IsInf(back.Metrics.ProfitFactor, 1) {
		t.Errorf("profit factor = %v after round trip", back.Metrics.ProfitFactor)
	}

	// The file carries the replay window and pair-shaped curve entries.
	var raw struct {
		Start       string               `json:"start"`
		End         string               `json:"end"`
		EquityCurve [][2]json.RawMessage `json:"equity_curve"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("equity_curve entries are not [timestamp, equity] pairs: %v", err)
	}
	if raw.Start == "" || raw.End == "" {
		t.Errorf("replay window missing: start=%q end=%q", raw.Start, raw.End)
	}
	if len(raw.EquityCurve) != len(bars) {
		t.Errorf("curve length = %d, want %d", len(raw.EquityCurve), len(bars))
	}
}

func TestSharpeRequiresObservations(t *testing.T) {
	t.Parallel()
	curve := make([]EquityPoint, 10)
	for i := range curve {
		curve[i] = EquityPoint{Ts: time.Now(), Equity: d("10000")}
	}
	if got := sharpe(curve); got != 0 {
		t.Errorf("sharpe on 10 points = %v, want 0", got)
	}
}
