// Package safety enforces pre-trade policy limits. Every outbound order —
// live or simulated — traverses the gate before it reaches a broker.
//
// Checks run in a fixed order so refusals are deterministic and error
// reporting is stable: kill switch first, then identity checks (duplicate,
// pattern-day-trade), then monetary caps (position size, notional, daily
// loss, buying power). The gate itself is a pure function of the proposed
// order, an account-state snapshot, and the policy config; only the kill
// switch is mutable gate state.
package safety

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"autotrader/internal/config"
	"autotrader/pkg/types"
)

// Refusal sentinels. Wrapped errors carry the specific numbers; callers
// match with errors.Is.
var (
	ErrKillSwitch      = errors.New("kill_switch_engaged")
	ErrDuplicateOrder  = errors.New("duplicate_order")
	ErrPatternDayTrade = errors.New("pattern_day_trade_blocked")
	ErrPositionSize    = errors.New("position_size_exceeded")
	ErrDailyLoss       = errors.New("daily_loss_limit_exceeded")
	ErrBuyingPower     = errors.New("insufficient_buying_power")
)

// IsRefusal reports whether err is a policy refusal (as opposed to an
// infrastructure failure). Refusals are never retried.
func IsRefusal(err error) bool {
	for _, sentinel := range []error{
		ErrKillSwitch, ErrDuplicateOrder, ErrPatternDayTrade,
		ErrPositionSize, ErrDailyLoss, ErrBuyingPower,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// pdtEquityFloor is the regulatory minimum equity for flagged pattern day
// traders to keep opening positions.
var pdtEquityFloor = decimal.NewFromInt(25000)

// State is the account snapshot a check runs against. The caller (router)
// assembles it from the broker immediately before checking.
type State struct {
	Account    types.Account
	Positions  []types.Position
	OpenOrders []types.Order // live (non-terminal) orders, duplicates included
	Now        time.Time
}

// Approval is the token returned for an order that passed every check.
type Approval struct {
	CheckedAt time.Time
}

// Gate applies the configured policy. Safe for concurrent use.
type Gate struct {
	cfg    config.SafetyConfig
	killed atomic.Bool
}

// NewGate creates a gate from the safety section of the config.
func NewGate(cfg config.SafetyConfig) *Gate {
	return &Gate{cfg: cfg}
}

// Kill engages the kill switch: every subsequent check refuses.
func (g *Gate) Kill() { g.killed.Store(true) }

// Reset disengages the kill switch.
func (g *Gate) Reset() { g.killed.Store(false) }

// Killed reports the kill switch state.
func (g *Gate) Killed() bool { return g.killed.Load() }

// Check validates a proposed order against the policy. ref is the current
// reference price for the symbol (used to value market orders). It returns
// an approval token or the first refusal in the fixed evaluation order.
func (g *Gate) Check(order types.Order, ref decimal.Decimal, st State) (Approval, error) {
	if g.killed.Load() {
		return Approval{}, fmt.Errorf("%w: refusing %s %s", ErrKillSwitch, order.Side, order.Symbol)
	}

	if dup := g.findDuplicate(order, st); dup != "" {
		return Approval{}, fmt.Errorf("%w: matches open order %s within %s",
			ErrDuplicateOrder, dup, g.cfg.DuplicateWindow)
	}

	if order.Side == types.Buy && st.Account.PDTFlag && st.Account.Equity.LessThan(pdtEquityFloor) {
		return Approval{}, fmt.Errorf("%w: account flagged with equity %s below %s",
			ErrPatternDayTrade, st.Account.Equity, pdtEquityFloor)
	}

	if order.Side == types.Buy {
		if err := g.checkPositionCaps(order, ref, st); err != nil {
			return Approval{}, err
		}
	}

	if g.cfg.DailyLossLimit.Sign() > 0 && st.Account.DayPnL.LessThan(g.cfg.DailyLossLimit.Neg()) {
		return Approval{}, fmt.Errorf("%w: day pnl %s breaches limit %s",
			ErrDailyLoss, st.Account.DayPnL, g.cfg.DailyLossLimit.Neg())
	}

	if order.Side == types.Buy {
		needed := order.Notional(ref)
		available := st.Account.BuyingPower.Sub(g.reservedBuyNotional(order.Symbol, ref, st))
		if needed.GreaterThan(available) {
			return Approval{}, fmt.Errorf("%w: need %s, have %s after reserving open buys",
				ErrBuyingPower, needed, available)
		}
	}

	return Approval{CheckedAt: st.Now}, nil
}

// findDuplicate returns the client id of an open order that matches the
// proposal on (symbol, side, type, quantity) and was created inside the
// duplicate window. The proposal's own client id never matches itself, so
// idempotent resubmits pass through to the router's dedupe instead.
func (g *Gate) findDuplicate(order types.Order, st State) string {
	if g.cfg.DuplicateWindow <= 0 {
		return ""
	}
	cutoff := st.Now.Add(-g.cfg.DuplicateWindow)
	for _, open := range st.OpenOrders {
		if open.ClientID == order.ClientID {
			continue
		}
		if !open.Status.Live() || open.CreatedAt.Before(cutoff) {
			continue
		}
		if open.Symbol == order.Symbol && open.Side == order.Side &&
			open.Type == order.Type && open.Quantity == order.Quantity {
			return open.ClientID
		}
	}
	return ""
}

func (g *Gate) checkPositionCaps(order types.Order, ref decimal.Decimal, st State) error {
	var heldQty int64
	heldValue := decimal.Zero
	for _, p := range st.Positions {
		if p.Symbol == order.Symbol {
			heldQty += p.Qty
			heldValue = heldValue.Add(p.MarketValue)
		}
	}

	var pendingQty int64
	for _, open := range st.OpenOrders {
		if open.Symbol == order.Symbol && open.Side == types.Buy && open.Status.Live() {
			pendingQty += open.Quantity - open.FilledQty
		}
	}

	if g.cfg.MaxPositionQty > 0 {
		if total := heldQty + pendingQty + order.Quantity; total > g.cfg.MaxPositionQty {
			return fmt.Errorf("%w: %d shares (held %d + pending %d + order %d) exceeds cap %d",
				ErrPositionSize, total, heldQty, pendingQty, order.Quantity, g.cfg.MaxPositionQty)
		}
	}

	if g.cfg.MaxPositionNotional.Sign() > 0 {
		newValue := heldValue.Add(g.reservedBuyNotional(order.Symbol, ref, st)).Add(order.Notional(ref))
		if newValue.GreaterThan(g.cfg.MaxPositionNotional) {
			return fmt.Errorf("%w: notional %s exceeds cap %s",
				ErrPositionSize, newValue, g.cfg.MaxPositionNotional)
		}
	}
	return nil
}

// reservedBuyNotional values the still-unfilled portion of open buy orders
// for a symbol, so concurrent entries cannot double-spend buying power.
func (g *Gate) reservedBuyNotional(symbol string, ref decimal.Decimal, st State) decimal.Decimal {
	reserved := decimal.Zero
	for _, open := range st.OpenOrders {
		if open.Symbol != symbol || open.Side != types.Buy || !open.Status.Live() {
			continue
		}
		remaining := open
		remaining.Quantity = open.Quantity - open.FilledQty
		reserved = reserved.Add(remaining.Notional(ref))
	}
	return reserved
}
