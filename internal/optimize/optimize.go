// Package optimize sweeps strategy parameters over historical data.
//
// A grid search runs one backtest per parameter combination, each with
// its own fresh simulator so runs never share state. Evaluations run in
// parallel up to a configured limit and honor cancellation between runs.
package optimize

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"autotrader/internal/backtest"
	"autotrader/internal/strategy"
	"autotrader/pkg/types"
)

// Param is one swept dimension: a parameter name and its candidate
// values. Names accept hyphen or underscore spelling; they are
// canonicalized once on entry.
type Param struct {
	Name   string
	Values []decimal.Decimal
}

// Candidate is one evaluated combination.
type Candidate struct {
	Params map[string]decimal.Decimal `json:"params"`
	Result backtest.Result            `json:"result"`
}

// Options controls the search.
type Options struct {
	InitialCash decimal.Decimal
	MaxParallel int    // concurrent evaluations, min 1
	RankBy      string // metric name, default total_return_pct
}

// GridSearch evaluates base with every combination of the given params
// over bars and returns candidates ranked best first. Combinations that
// produce an invalid strategy fail the whole search: a bad grid is a
// caller bug, not a market outcome.
func GridSearch(
	ctx context.Context,
	base strategy.Strategy,
	bars []types.Bar,
	params []Param,
	opts Options,
	logger *slog.Logger,
) ([]Candidate, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("optimize: no parameters to sweep")
	}
	for i := range params {
		params[i].Name = canonicalParam(params[i].Name)
		if len(params[i].Values) == 0 {
			return nil, fmt.Errorf("optimize: parameter %s has no values", params[i].Name)
		}
	}

	combos := expand(params)
	logger.Info("grid search starting",
		"strategy", base.ID, "combinations", len(combos), "bars", len(bars))

	results := make([]Candidate, len(combos))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, opts.MaxParallel))

	for i, combo := range combos {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			st, err := apply(base, combo)
			if err != nil {
				return err
			}
			st.ID = fmt.Sprintf("%s-opt%d", base.ID, i)

			h := backtest.NewHistBroker(opts.InitialCash)
			res, err := backtest.NewDriver(h, nil, logger).Run(gctx, st, bars)
			if err != nil {
				return fmt.Errorf("combination %v: %w", combo, err)
			}
			results[i] = Candidate{Params: combo, Result: res}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	rank(results, opts.RankBy)
	return results, nil
}

// canonicalParam normalizes hyphenated parameter names to snake_case.
func canonicalParam(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
}

// expand builds the cartesian product of all parameter values.
func expand(params []Param) []map[string]decimal.Decimal {
	combos := []map[string]decimal.Decimal{{}}
	for _, p := range params {
		next := make([]map[string]decimal.Decimal, 0, len(combos)*len(p.Values))
		for _, combo := range combos {
			for _, v := range p.Values {
				c := make(map[string]decimal.Decimal, len(combo)+1)
				for k, val := range combo {
					c[k] = val
				}
				c[p.Name] = v
				next = append(next, c)
			}
		}
		combos = next
	}
	return combos
}

// apply copies base with the combination's parameters set. Parameter
// structs are cloned so combinations never alias each other.
func apply(base strategy.Strategy, combo map[string]decimal.Decimal) (strategy.Strategy, error) {
	st := base
	if st.Trailing != nil {
		c := *st.Trailing
		st.Trailing = &c
	}
	if st.Bracket != nil {
		c := *st.Bracket
		st.Bracket = &c
	}
	if st.Grid != nil {
		c := *st.Grid
		st.Grid = &c
	}
	if st.Pullback != nil {
		c := *st.Pullback
		st.Pullback = &c
	}

	for name, v := range combo {
		switch name {
		case "trailing_pct":
			switch {
			case st.Trailing != nil:
				st.Trailing.TrailingPct = v
			case st.Pullback != nil:
				st.Pullback.TrailingPct = v
			default:
				return strategy.Strategy{}, fmt.Errorf("trailing_pct does not apply to %s", st.Variant)
			}
		case "take_profit_pct":
			if st.Bracket == nil {
				return strategy.Strategy{}, fmt.Errorf("take_profit_pct does not apply to %s", st.Variant)
			}
			st.Bracket.TakeProfitPct = v
		case "stop_loss_pct":
			if st.Bracket == nil {
				return strategy.Strategy{}, fmt.Errorf("stop_loss_pct does not apply to %s", st.Variant)
			}
			st.Bracket.StopLossPct = v
		case "pullback_pct":
			if st.Pullback == nil {
				return strategy.Strategy{}, fmt.Errorf("pullback_pct does not apply to %s", st.Variant)
			}
			st.Pullback.PullbackPct = v
		case "spacing":
			if st.Grid == nil {
				return strategy.Strategy{}, fmt.Errorf("spacing does not apply to %s", st.Variant)
			}
			st.Grid.Spacing = v
		default:
			return strategy.Strategy{}, fmt.Errorf("unknown parameter %q", name)
		}
	}
	return st, nil
}

// rank sorts candidates best first by the chosen metric. Failed runs
// (no_data, strategy_rejected) always sort last.
func rank(cs []Candidate, metric string) {
	score := func(c Candidate) float64 {
		if c.Result.Failure != "" {
			return math.Inf(-1)
		}
		m := c.Result.Metrics
		switch canonicalParam(metric) {
		case "", "total_return_pct":
			return m.TotalReturnPct
		case "total_return":
			return m.TotalReturn
		case "win_rate":
			return m.WinRate
		case "profit_factor":
			return m.ProfitFactor
		case "sharpe", "sharpe_ratio":
			return m.SharpeRatio
		default:
			return m.TotalReturnPct
		}
	}
	sort.SliceStable(cs, func(i, j int) bool {
		return score(cs[i]) > score(cs[j])
	})
}
