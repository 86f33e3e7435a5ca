package backtest

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"autotrader/internal/strategy"
	"autotrader/pkg/types"
)

// Trade is one round trip reconstructed from fills by FIFO matching: each
// sell consumes the oldest open buy lots, weighted into a single entry
// price.
type Trade struct {
	Symbol     string          `json:"symbol"`
	Quantity   int64           `json:"quantity"`
	EntryTs    time.Time       `json:"entry_ts"`
	ExitTs     time.Time       `json:"exit_ts"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	PnL        decimal.Decimal `json:"pnl"`
}

// Metrics summarizes a replay. Ratios (WinRate, TotalReturnPct,
// MaxDrawdownPct) are fractions, not percentages. ProfitFactor is +Inf
// for a run with gross profit and no gross loss; SharpeRatio is zero
// unless the equity curve has at least thirty return observations.
type Metrics struct {
	TradeCount     int     `json:"trade_count"`
	WinRate        float64 `json:"win_rate"`
	TotalReturn    float64 `json:"total_return"`
	TotalReturnPct float64 `json:"total_return_pct"`
	MaxDrawdown    float64 `json:"max_drawdown"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	ProfitFactor   float64 `json:"-"`
	SharpeRatio    float64 `json:"sharpe_ratio"`
	AvgWin         float64 `json:"avg_win"`
	AvgLoss        float64 `json:"avg_loss"`
	LargestWin     float64 `json:"largest_win"`
	LargestLoss    float64 `json:"largest_loss"`
}

// MarshalJSON encodes ProfitFactor as the string "inf" when infinite;
// JSON has no representation for infinity.
func (m Metrics) MarshalJSON() ([]byte, error) {
	type alias Metrics
	var pf any = m.ProfitFactor
	if math.IsInf(m.ProfitFactor, 1) {
		pf = "inf"
	}
	return json.Marshal(struct {
		alias
		ProfitFactor any `json:"profit_factor"`
	}{alias(m), pf})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (m *Metrics) UnmarshalJSON(data []byte) error {
	type alias Metrics
	aux := struct {
		*alias
		ProfitFactor any `json:"profit_factor"`
	}{alias: (*alias)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	switch v := aux.ProfitFactor.(type) {
	case string:
		m.ProfitFactor = math.Inf(1)
	case float64:
		m.ProfitFactor = v
	}
	return nil
}

// MarshalJSON encodes the point as a two-element [iso_timestamp, equity]
// array, the wire shape of the result file's equity_curve.
func (p EquityPoint) MarshalJSON() ([]byte, error) {
	eq, _ := p.Equity.Float64()
	return json.Marshal([2]any{p.Ts.UTC().Format(time.RFC3339), eq})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (p *EquityPoint) UnmarshalJSON(data []byte) error {
	var pair [2]json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	var ts string
	if err := json.Unmarshal(pair[0], &ts); err != nil {
		return fmt.Errorf("equity curve timestamp: %w", err)
	}
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return fmt.Errorf("equity curve timestamp: %w", err)
	}
	var eq float64
	if err := json.Unmarshal(pair[1], &eq); err != nil {
		return fmt.Errorf("equity curve value: %w", err)
	}
	p.Ts = t
	p.Equity = decimal.NewFromFloat(eq)
	return nil
}

// Failure codes carried as structured result fields rather than errors:
// a failed replay still has a usable partial ledger.
const (
	FailureNoData           = "no_data"
	FailureStrategyRejected = "strategy_rejected"
)

// Result is the full output of one replay. Start and End bound the bar
// window actually replayed; a no-data run leaves them zero.
type Result struct {
	StrategyID string    `json:"strategy_id"`
	Symbol     string    `json:"symbol"`
	Variant    string    `json:"variant"`
	Start      time.Time `json:"start,omitempty"`
	End        time.Time `json:"end,omitempty"`
	RanAt      time.Time `json:"ran_at"`

	Failure    string `json:"failure,omitempty"`
	FailureMsg string `json:"failure_msg,omitempty"`

	InitialEquity decimal.Decimal `json:"initial_equity"`
	FinalEquity   decimal.Decimal `json:"final_equity"`

	Metrics     Metrics       `json:"metrics"`
	Trades      []Trade       `json:"trades"`
	EquityCurve []EquityPoint `json:"equity_curve"`
}

func buildResult(st strategy.Strategy, fills []Fill, curve []EquityPoint, initial decimal.Decimal) Result {
	final := initial
	var start, end time.Time
	if len(curve) > 0 {
		final = curve[len(curve)-1].Equity
		start = curve[0].Ts
		end = curve[len(curve)-1].Ts
	}
	trades := matchTrades(fills)
	return Result{
		StrategyID:    st.ID,
		Symbol:        st.Symbol,
		Variant:       string(st.Variant),
		Start:         start,
		End:           end,
		RanAt:         time.Now().UTC(),
		InitialEquity: initial,
		FinalEquity:   final,
		Metrics:       computeMetrics(trades, curve, initial, final),
		Trades:        trades,
		EquityCurve:   curve,
	}
}

type lot struct {
	ts    time.Time
	qty   int64
	price decimal.Decimal
}

// matchTrades pairs sells with open buy lots, first in first out. An
// unmatched tail (open position at the end of the replay) produces no
// trade; it shows up in final equity instead.
func matchTrades(fills []Fill) []Trade {
	var lots []lot
	var trades []Trade

	for _, f := range fills {
		if f.Side == types.Buy {
			lots = append(lots, lot{ts: f.Ts, qty: f.Quantity, price: f.Price})
			continue
		}

		remaining := f.Quantity
		matched := int64(0)
		cost := decimal.Zero
		entryTs := f.Ts
		for remaining > 0 && len(lots) > 0 {
			l := &lots[0]
			take := min64(remaining, l.qty)
			if matched == 0 {
				entryTs = l.ts
			}
			cost = cost.Add(l.price.Mul(decimal.NewFromInt(take)))
			matched += take
			remaining -= take
			l.qty -= take
			if l.qty == 0 {
				lots = lots[1:]
			}
		}
		if matched == 0 {
			continue
		}

		qty := decimal.NewFromInt(matched)
		entry := cost.Div(qty)
		trades = append(trades, Trade{
			Symbol:     f.Symbol,
			Quantity:   matched,
			EntryTs:    entryTs,
			ExitTs:     f.Ts,
			EntryPrice: entry,
			ExitPrice:  f.Price,
			PnL:        f.Price.Sub(entry).Mul(qty),
		})
	}
	return trades
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

const sharpeMinObservations = 30

func computeMetrics(trades []Trade, curve []EquityPoint, initial, final decimal.Decimal) Metrics {
	var m Metrics
	m.TradeCount = len(trades)

	m.TotalReturn, _ = final.Sub(initial).Float64()
	if initial.Sign() > 0 {
		m.TotalReturnPct, _ = final.Sub(initial).Div(initial).Float64()
	}

	wins, losses := 0, 0
	grossProfit := decimal.Zero
	grossLoss := decimal.Zero
	for _, t := range trades {
		pnl, _ := t.PnL.Float64()
		if t.PnL.Sign() > 0 {
			wins++
			grossProfit = grossProfit.Add(t.PnL)
			if pnl > m.LargestWin {
				m.LargestWin = pnl
			}
		} else {
			losses++
			grossLoss = grossLoss.Add(t.PnL.Neg())
			if pnl < m.LargestLoss {
				m.LargestLoss = pnl
			}
		}
	}
	if len(trades) > 0 {
		m.WinRate = float64(wins) / float64(len(trades))
	}
	if wins > 0 {
		m.AvgWin, _ = grossProfit.Div(decimal.NewFromInt(int64(wins))).Float64()
	}
	if losses > 0 {
		avgLoss, _ := grossLoss.Div(decimal.NewFromInt(int64(losses))).Float64()
		m.AvgLoss = -avgLoss
	}
	switch {
	case grossLoss.Sign() > 0:
		m.ProfitFactor, _ = grossProfit.Div(grossLoss).Float64()
	case grossProfit.Sign() > 0:
		m.ProfitFactor = math.Inf(1)
	}

	m.MaxDrawdown, m.MaxDrawdownPct = maxDrawdown(curve)
	m.SharpeRatio = sharpe(curve)
	return m
}

// maxDrawdown returns the deepest peak-to-trough equity drop, absolute
// and as a fraction of the peak.
func maxDrawdown(curve []EquityPoint) (abs, pct float64) {
	if len(curve) == 0 {
		return 0, 0
	}
	peak := curve[0].Equity
	for _, p := range curve {
		if p.Equity.GreaterThan(peak) {
			peak = p.Equity
		}
		dd, _ := peak.Sub(p.Equity).Float64()
		if dd > abs {
			abs = dd
		}
		if peak.Sign() > 0 {
			frac, _ := peak.Sub(p.Equity).Div(peak).Float64()
			if frac > pct {
				pct = frac
			}
		}
	}
	return abs, pct
}

// sharpe computes the annualized Sharpe ratio over per-bar equity
// returns, assuming daily bars. Short curves report zero rather than a
// statistically meaningless number.
func sharpe(curve []EquityPoint) float64 {
	if len(curve) < sharpeMinObservations+1 {
		return 0
	}
	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev, _ := curve[i-1].Equity.Float64()
		cur, _ := curve[i].Equity.Float64()
		if prev == 0 {
			return 0
		}
		returns = append(returns, cur/prev-1)
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	if variance == 0 {
		return 0
	}
	return mean / math.Sqrt(variance) * math.Sqrt(252)
}

// Save writes the result as JSON into dir, named by strategy and run
// time. Returns the written path.
func (r Result) Save(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create results dir: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%s-%d.json", r.StrategyID, r.RanAt.Unix()))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write result: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", err
	}
	return path, nil
}
