package optimize

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"autotrader/internal/strategy"
	"autotrader/pkg/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func flatBar(i int, px string) types.Bar {
	p := d(px)
	return types.Bar{
		Timestamp: time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i),
		Open:      p, High: p, Low: p, Close: p,
		Volume: 1000,
	}
}

func swingBars() []types.Bar {
	prices := []string{"100", "110", "120", "110", "100"}
	bars := make([]types.Bar, len(prices))
	for i, p := range prices {
		bars[i] = flatBar(i, p)
	}
	return bars
}

func baseTrailing() strategy.Strategy {
	return strategy.Strategy{
		ID:       "opt",
		Symbol:   "AAPL",
		Variant:  strategy.VariantTrailingStop,
		Quantity: 1,
		Trailing: &strategy.TrailingParams{TrailingPct: d("0.05")},
	}
}

func TestGridSearchSweepsAndRanks(t *testing.T) {
	t.Parallel()
	params := []Param{
		// Hyphenated name exercises the alias canonicalization.
		{Name: "trailing-pct", Values: []decimal.Decimal{d("0.05"), d("0.20")}},
	}

	got, err := GridSearch(context.Background(), baseTrailing(), swingBars(), params,
		Options{InitialCash: d("10000"), MaxParallel: 2}, testLogger())
	if err != nil {
		t.Fatalf("GridSearch: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("candidates = %d", len(got))
	}

	// 5% trail exits at 110 (+10). 20% trail never triggers on this
	// swing and the position rides back down (0 realized trades). The
	// tighter trail must rank first on total return.
	best := got[0]
	if !best.Params["trailing_pct"].Equal(d("0.05")) {
		t.Fatalf("best params = %v", best.Params)
	}
	if best.Result.Metrics.TotalReturn != 10 {
		t.Errorf("best total return = %v", best.Result.Metrics.TotalReturn)
	}
}

func TestGridSearchCartesianProduct(t *testing.T) {
	t.Parallel()
	base := strategy.Strategy{
		ID:       "opt",
		Symbol:   "AAPL",
		Variant:  strategy.VariantBracket,
		Quantity: 1,
		Bracket:  &strategy.BracketParams{TakeProfitPct: d("0.10"), StopLossPct: d("0.05")},
	}
	params := []Param{
		{Name: "take_profit_pct", Values: []decimal.Decimal{d("0.05"), d("0.10"), d("0.15")}},
		{Name: "stop_loss_pct", Values: []decimal.Decimal{d("0.03"), d("0.06")}},
	}

	got, err := GridSearch(context.Background(), base, swingBars(), params,
		Options{InitialCash: d("10000"), MaxParallel: 4}, testLogger())
	if err != nil {
		t.Fatalf("GridSearch: %v", err)
	}
	if len(got) != 6 {
		t.Fatalf("candidates = %d, want 3x2", len(got))
	}

	seen := map[string]bool{}
	for _, c := range got {
		key := c.Params["take_profit_pct"].String() + "/" + c.Params["stop_loss_pct"].String()
		if seen[key] {
			t.Errorf("duplicate combination %s", key)
		}
		seen[key] = true
	}
}

func TestGridSearchUnknownParam(t *testing.T) {
	t.Parallel()
	params := []Param{{Name: "momentum", Values: []decimal.Decimal{d("1")}}}
	_, err := GridSearch(context.Background(), baseTrailing(), swingBars(), params,
		Options{InitialCash: d("10000")}, testLogger())
	if err == nil {
		t.Fatal("accepted unknown parameter")
	}
}

func TestGridSearchInapplicableParam(t *testing.T) {
	t.Parallel()
	params := []Param{{Name: "take_profit_pct", Values: []decimal.Decimal{d("0.1")}}}
	_, err := GridSearch(context.Background(), baseTrailing(), swingBars(), params,
		Options{InitialCash: d("10000")}, testLogger())
	if err == nil {
		t.Fatal("applied a bracket parameter to a trailing strategy")
	}
}

func TestGridSearchCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	params := []Param{{Name: "trailing_pct", Values: []decimal.Decimal{d("0.05"), d("0.10")}}}
	_, err := GridSearch(ctx, baseTrailing(), swingBars(), params,
		Options{InitialCash: d("10000"), MaxParallel: 1}, testLogger())
	if err == nil {
		t.Fatal("cancelled search returned no error")
	}
}

func TestCombinationsDoNotAlias(t *testing.T) {
	t.Parallel()
	base := baseTrailing()
	params := []Param{{Name: "trailing_pct", Values: []decimal.Decimal{d("0.01"), d("0.30")}}}

	if _, err := GridSearch(context.Background(), base, swingBars(), params,
		Options{InitialCash: d("10000"), MaxParallel: 2}, testLogger()); err != nil {
		t.Fatal(err)
	}
	// The caller's strategy is untouched by the sweep.
	if !base.Trailing.TrailingPct.Equal(d("0.05")) {
		t.Errorf("base mutated: %s", base.Trailing.TrailingPct)
	}
}
