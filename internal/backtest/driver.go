package backtest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"autotrader/internal/config"
	"autotrader/internal/safety"
	"autotrader/internal/strategy"
	"autotrader/pkg/types"
)

// EquityPoint is one sample of the portfolio value, taken at each bar's
// close after evaluation. It serializes as a [timestamp, equity] pair;
// see results.go.
type EquityPoint struct {
	Ts     time.Time
	Equity decimal.Decimal
}

// Driver replays one strategy over a bar series through a HistBroker.
//
// Each bar is processed in a fixed sequence: resting orders are matched
// first, then the strategy is evaluated exactly once at the bar's close
// and its action executed. A strategy that completes is reset for another
// trade cycle on the next bar, so a long series replays the strategy as
// many times as the data allows. Grids never complete and simply keep
// running.
type Driver struct {
	broker *HistBroker
	gate   *safety.Gate
	log    *slog.Logger
}

// NewDriver creates a driver over the given simulator. Every simulated
// submit passes the same safety gate live orders do; a nil gate means
// no configured caps, which still enforces buying power.
func NewDriver(b *HistBroker, gate *safety.Gate, log *slog.Logger) *Driver {
	if gate == nil {
		gate = safety.NewGate(config.SafetyConfig{})
	}
	return &Driver{broker: b, gate: gate, log: log}
}

// Run replays st over bars and returns the finished result. The context
// is checked every bar; cancellation returns the error with no result.
func (d *Driver) Run(ctx context.Context, st strategy.Strategy, bars []types.Bar) (Result, error) {
	if err := st.Validate(); err != nil {
		return Result{}, err
	}
	if len(bars) == 0 {
		res := buildResult(st, nil, nil, d.broker.Equity())
		res.Failure = FailureNoData
		res.FailureMsg = fmt.Sprintf("no bars for %s", st.Symbol)
		return res, nil
	}

	st.Enabled = true
	st.Phase = strategy.PhasePending
	start := d.broker.Equity()
	curve := make([]EquityPoint, 0, len(bars))

	for i, bar := range bars {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		d.broker.ProcessBar(st.Symbol, bar)

		// A completed trade restarts on the following bar so the exit
		// fill and the next entry never share a bar.
		if st.Phase == strategy.PhaseCompleted {
			st = strategy.ResetForNextTrade(st, bar.Timestamp)
			d.log.Debug("strategy reset for next trade", "strategy", st.ID, "cycle", st.State.Cycle)
		}

		quote := bar.Quote(st.Symbol)
		next, action := strategy.Evaluate(st, quote, d.broker, bar.Timestamp)
		if err := d.execute(ctx, &next, action, quote); err != nil {
			return Result{}, fmt.Errorf("bar %d (%s): %w", i, bar.Timestamp.Format(time.RFC3339), err)
		}
		st = next

		curve = append(curve, EquityPoint{Ts: bar.Timestamp, Equity: d.broker.Equity()})

		if st.Phase == strategy.PhaseCancelled || st.State.Quarantined {
			d.log.Warn("strategy stopped mid-replay",
				"strategy", st.ID, "phase", st.Phase, "err", st.State.LastError)
			break
		}
	}

	res := buildResult(st, d.broker.Fills(), curve, start)
	if st.State.Quarantined {
		res.Failure = FailureStrategyRejected
		res.FailureMsg = st.State.LastError
	}
	return res, nil
}

// execute applies one evaluator action to the simulator. A gate refusal
// or rejected submit quarantines the strategy instead of aborting the
// replay, the same isolation the live engine applies.
func (d *Driver) execute(ctx context.Context, st *strategy.Strategy, a strategy.Action, quote types.Quote) error {
	switch a.Type {
	case strategy.ActionSubmit:
		if err := d.approve(ctx, a.Order, quote.Last); err != nil {
			st.Quarantine(err, a.Order.CreatedAt)
			d.log.Warn("simulated order refused", "client_id", a.Order.ClientID, "err", err)
			return nil
		}
		if _, err := d.broker.Submit(ctx, a.Order); err != nil {
			st.Quarantine(err, a.Order.CreatedAt)
			d.log.Warn("simulated submit refused", "client_id", a.Order.ClientID, "err", err)
		}
	case strategy.ActionCancel:
		if err := d.broker.Cancel(ctx, a.CancelID); err != nil {
			return err
		}
	}
	return nil
}

// approve runs the pre-trade gate against a snapshot of the simulated
// account, the same sequence the live router performs before the wire.
func (d *Driver) approve(ctx context.Context, order types.Order, ref decimal.Decimal) error {
	acct, err := d.broker.Account(ctx)
	if err != nil {
		return err
	}
	positions, err := d.broker.Positions(ctx)
	if err != nil {
		return err
	}
	_, err = d.gate.Check(order, ref, safety.State{
		Account:    acct,
		Positions:  positions,
		OpenOrders: d.broker.OpenOrders(),
		Now:        order.CreatedAt,
	})
	return err
}
