// evaluator.go advances a strategy one step: given the current quote and
// a view of its orders, it returns the updated record and at most one
// action for the engine to route.
//
// The evaluator is pure — it never touches the store or the broker. That
// purity is what makes strategy behavior identical between live trading
// and backtests: both drivers feed it quotes and commit its outputs.
package strategy

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"autotrader/pkg/types"
)

// OrderView is read access to order snapshots keyed by client id. The
// engine backs it with router state; the backtest driver with the fill
// simulator. A missing id means the order is in flight or unknown — the
// evaluator waits and re-queries next step rather than guessing.
type OrderView interface {
	Lookup(clientID string) (types.Order, bool)
}

// ActionType discriminates the evaluator's output.
type ActionType int

const (
	ActionNone ActionType = iota
	ActionSubmit
	ActionCancel
)

// Action is the single side effect an evaluation step may request.
type Action struct {
	Type     ActionType
	Order    types.Order // populated for ActionSubmit
	CancelID string      // client id, populated for ActionCancel
	Reason   string
}

func none() Action { return Action{Type: ActionNone} }

func submit(o types.Order, reason string) Action {
	return Action{Type: ActionSubmit, Order: o, Reason: reason}
}

func cancel(clientID, reason string) Action {
	return Action{Type: ActionCancel, CancelID: clientID, Reason: reason}
}

// maxOCOCancelRetries bounds peer-cancel attempts for a filled bracket leg
// before the strategy is flagged OCO-desynced for operator attention.
const maxOCOCancelRetries = 3

var one = decimal.NewFromInt(1)

// Evaluate advances s one step. It returns the updated record and at most
// one action; the caller commits both atomically (route the action, then
// persist the record).
func Evaluate(s Strategy, q types.Quote, orders OrderView, now time.Time) (Strategy, Action) {
	if !s.Active(now) {
		return s, none()
	}

	switch s.Phase {
	case PhasePending:
		return evalPending(s, q, now)
	case PhaseEntryActive:
		return evalEntryActive(s, orders, now)
	case PhasePositionOpen:
		return evalPositionOpen(s, q, orders, now)
	case PhaseExiting:
		return evalExiting(s, q, orders, now)
	}
	return s, none()
}

// observedHigh is the best intrabar high available: bar high in backtests,
// last trade in live trading.
func observedHigh(q types.Quote) decimal.Decimal {
	if !q.High.IsZero() {
		return q.High
	}
	return q.Last
}

func evalPending(s Strategy, q types.Quote, now time.Time) (Strategy, Action) {
	if s.Variant == VariantGrid {
		return initGrid(s, q, now)
	}
	if s.Variant == VariantPullbackTrailing {
		return evalPullbackPending(s, q, now)
	}

	if s.EntryCondition != "" {
		kind, target, err := parseEntryCondition(s.EntryCondition)
		if err != nil {
			s.Quarantine(err, now)
			return s, none()
		}
		met := (kind == "below" && q.Last.LessThanOrEqual(target)) ||
			(kind == "above" && q.Last.GreaterThanOrEqual(target))
		if !met {
			return s, none()
		}
	}

	return placeEntry(s, now)
}

// placeEntry emits the entry order: market when no entry price is set,
// limit otherwise.
func placeEntry(s Strategy, now time.Time) (Strategy, Action) {
	order := types.Order{
		ClientID:         s.entryClientID(),
		Symbol:           s.Symbol,
		Side:             types.Buy,
		Type:             types.Market,
		Quantity:         s.Quantity,
		ParentStrategyID: s.ID,
		CreatedAt:        now,
	}
	reason := "market entry"
	if !s.EntryPrice.IsZero() {
		order.Type = types.Limit
		order.LimitPrice = s.EntryPrice
		reason = fmt.Sprintf("limit entry at %s", s.EntryPrice)
	}

	s.Phase = PhaseEntryActive
	s.State.EntryOrderID = order.ClientID
	s.UpdatedAt = now
	return s, submit(order, reason)
}

// evalPullbackPending tracks the pre-entry high and fires a market entry
// once price pulls back the configured fraction from it.
func evalPullbackPending(s Strategy, q types.Quote, now time.Time) (Strategy, Action) {
	ref := s.State.PullbackReference
	if high := observedHigh(q); ref.IsZero() || high.GreaterThan(ref) {
		ref = high
		s.State.PullbackReference = ref
		s.UpdatedAt = now
	}

	threshold := ref.Mul(one.Sub(s.Pullback.PullbackPct))
	if q.Last.GreaterThan(threshold) {
		return s, none()
	}
	return placeEntry(s, now)
}

// initGrid builds the symmetric level ladder around the reference price
// and opens the grid. The reference doubles as the entry anchor; levels
// are placed one per step afterwards. A grid has no terminal phase until
// externally cancelled.
func initGrid(s Strategy, q types.Quote, now time.Time) (Strategy, Action) {
	ref := s.Grid.Reference
	if ref.IsZero() {
		ref = q.Last
	}

	levels := make([]GridLevel, 0, 2*s.Grid.Levels)
	for i := 1; i <= s.Grid.Levels; i++ {
		step := s.Grid.Spacing.Mul(decimal.NewFromInt(int64(i)))
		levels = append(levels,
			GridLevel{Price: ref.Mul(one.Sub(step)), Side: types.Buy},
			GridLevel{Price: ref.Mul(one.Add(step)), Side: types.Sell},
		)
	}

	s.State.GridLevels = levels
	s.State.EntryFillPrice = ref
	s.Phase = PhasePositionOpen
	s.UpdatedAt = now
	return s, none()
}

func evalEntryActive(s Strategy, orders OrderView, now time.Time) (Strategy, Action) {
	o, ok := orders.Lookup(s.State.EntryOrderID)
	if !ok {
		return s, none() // in flight; re-query next step
	}

	switch o.Status {
	case types.OrderFilled:
		s.Phase = PhasePositionOpen
		s.State.EntryFillPrice = o.AvgFillPrice
		if s.Variant == VariantTrailingStop || s.Variant == VariantPullbackTrailing {
			s.State.HighWatermark = o.AvgFillPrice
		}
		s.UpdatedAt = now
	case types.OrderCancelled, types.OrderRejected:
		s.Phase = PhaseCancelled
		s.State.LastError = fmt.Sprintf("entry order %s", o.Status)
		s.State.ClearOrderRefs()
		s.UpdatedAt = now
	}
	return s, none()
}

func evalPositionOpen(s Strategy, q types.Quote, orders OrderView, now time.Time) (Strategy, Action) {
	switch s.Variant {
	case VariantTrailingStop, VariantPullbackTrailing:
		return placeTrailingExit(s, q, now)
	case VariantBracket:
		return placeTakeProfit(s, now)
	case VariantScaleOut:
		return placeNextRung(s, now)
	case VariantGrid:
		return manageGrid(s, orders, now)
	}
	return s, none()
}

// placeTrailingExit records the watermark and hands exit management to a
// trailing stop order. The broker (live or simulated) tracks the trigger;
// the watermark kept here mirrors it for reporting.
func placeTrailingExit(s Strategy, q types.Quote, now time.Time) (Strategy, Action) {
	if high := observedHigh(q); high.GreaterThan(s.State.HighWatermark) {
		s.State.HighWatermark = high
		s.UpdatedAt = now
	}

	pct := s.trailingPct()
	order := types.Order{
		ClientID:         s.trailClientID(),
		Symbol:           s.Symbol,
		Side:             types.Sell,
		Type:             types.TrailingStop,
		TrailPct:         pct,
		Quantity:         s.Quantity,
		ParentStrategyID: s.ID,
		CreatedAt:        now,
	}
	s.State.TrailOrderID = order.ClientID
	s.Phase = PhaseExiting
	s.UpdatedAt = now
	return s, submit(order, fmt.Sprintf("trailing stop exit at %s%%", pct.Mul(decimal.NewFromInt(100))))
}

// placeTakeProfit is the first leg of the bracket. The stop-loss follows
// only after the take-profit is accepted, avoiding a window where both
// legs could fill.
func placeTakeProfit(s Strategy, now time.Time) (Strategy, Action) {
	tpPrice := s.State.EntryFillPrice.Mul(one.Add(s.Bracket.TakeProfitPct))
	order := types.Order{
		ClientID:         s.tpClientID(),
		Symbol:           s.Symbol,
		Side:             types.Sell,
		Type:             types.Limit,
		LimitPrice:       tpPrice,
		Quantity:         s.Quantity,
		ParentStrategyID: s.ID,
		CreatedAt:        now,
	}
	s.State.TPOrderID = order.ClientID
	s.Phase = PhaseExiting
	s.UpdatedAt = now
	return s, submit(order, fmt.Sprintf("take-profit at %s", tpPrice))
}

func evalExiting(s Strategy, q types.Quote, orders OrderView, now time.Time) (Strategy, Action) {
	switch s.Variant {
	case VariantTrailingStop, VariantPullbackTrailing:
		return evalTrailingExit(s, q, orders, now)
	case VariantBracket:
		return evalBracketExit(s, orders, now)
	case VariantScaleOut:
		return evalScaleOutExit(s, orders, now)
	case VariantGrid:
		return manageGrid(s, orders, now)
	}
	return s, none()
}

func evalTrailingExit(s Strategy, q types.Quote, orders OrderView, now time.Time) (Strategy, Action) {
	if high := observedHigh(q); high.GreaterThan(s.State.HighWatermark) {
		s.State.HighWatermark = high
		s.UpdatedAt = now
	}

	o, ok := orders.Lookup(s.State.TrailOrderID)
	if !ok {
		return s, none()
	}
	switch o.Status {
	case types.OrderFilled:
		return complete(s, o.AvgFillPrice, now), none()
	case types.OrderCancelled:
		s.Phase = PhaseCancelled
		s.State.LastError = "exit order cancelled externally"
		s.State.ClearOrderRefs()
		s.UpdatedAt = now
	case types.OrderRejected:
		// Position is open with no working exit — operator attention.
		s.Quarantine(fmt.Errorf("trailing exit order rejected"), now)
	}
	return s, none()
}

func evalBracketExit(s Strategy, orders OrderView, now time.Time) (Strategy, Action) {
	tp, tpOK := orders.Lookup(s.State.TPOrderID)

	// Second leg not placed yet: wait for the take-profit to be live.
	if s.State.SLOrderID == "" {
		if !tpOK {
			return s, none()
		}
		switch tp.Status {
		case types.OrderFilled:
			// Filled before the stop existed; nothing to cancel.
			return complete(s, tp.AvgFillPrice, now), none()
		case types.OrderAccepted, types.OrderPartial:
			slPrice := s.State.EntryFillPrice.Mul(one.Sub(s.Bracket.StopLossPct))
			order := types.Order{
				ClientID:         s.slClientID(),
				Symbol:           s.Symbol,
				Side:             types.Sell,
				Type:             types.Stop,
				StopPrice:        slPrice,
				Quantity:         s.Quantity,
				ParentStrategyID: s.ID,
				OCOPeerID:        s.State.TPOrderID,
				CreatedAt:        now,
			}
			s.State.SLOrderID = order.ClientID
			s.UpdatedAt = now
			return s, submit(order, fmt.Sprintf("stop-loss at %s", slPrice))
		case types.OrderCancelled, types.OrderRejected:
			s.Quarantine(fmt.Errorf("take-profit order %s with position open", tp.Status), now)
		}
		return s, none()
	}

	sl, slOK := orders.Lookup(s.State.SLOrderID)
	if !tpOK || !slOK {
		return s, none()
	}

	if s.State.OCODesync {
		// Operator owns this strategy now; emit nothing further.
		return s, none()
	}

	switch {
	case tp.Status == types.OrderFilled && sl.Status.Live():
		return cancelPeer(s, s.State.SLOrderID, "take-profit filled, cancelling stop-loss", now)
	case sl.Status == types.OrderFilled && tp.Status.Live():
		return cancelPeer(s, s.State.TPOrderID, "stop-loss filled, cancelling take-profit", now)
	case tp.Status == types.OrderFilled && sl.Status == types.OrderCancelled:
		return complete(s, tp.AvgFillPrice, now), none()
	case sl.Status == types.OrderFilled && tp.Status == types.OrderCancelled:
		return complete(s, sl.AvgFillPrice, now), none()
	case tp.Status == types.OrderFilled && sl.Status == types.OrderFilled:
		// Both legs filled: the OCO invariant is broken.
		s.State.OCODesync = true
		s.State.LastError = "oco desync: both bracket legs filled"
		s.UpdatedAt = now
	case tp.Status == types.OrderCancelled && sl.Status == types.OrderCancelled:
		s.Phase = PhaseCancelled
		s.State.LastError = "both bracket legs cancelled externally"
		s.State.ClearOrderRefs()
		s.UpdatedAt = now
	}
	return s, none()
}

// cancelPeer requests cancellation of the surviving bracket leg with a
// bounded retry budget. Exceeding the budget flags the strategy
// OCO-desynced: it stays in exiting, emits nothing further, and waits for
// an operator. Both orders are never knowingly left live without that
// explicit flag.
func cancelPeer(s Strategy, peerID, reason string, now time.Time) (Strategy, Action) {
	if s.State.CancelRetries >= maxOCOCancelRetries {
		s.State.OCODesync = true
		s.State.LastError = fmt.Sprintf("oco desync: cancel of %s failed after %d attempts", peerID, s.State.CancelRetries)
		s.UpdatedAt = now
		return s, none()
	}
	s.State.CancelRetries++
	s.UpdatedAt = now
	return s, cancel(peerID, reason)
}

// placeNextRung emits the next scale-out rung. One rung per step keeps
// the order flow deterministic.
func placeNextRung(s Strategy, now time.Time) (Strategy, Action) {
	qtys := s.ScaleOut.RungQuantities(s.Quantity)
	i := len(s.State.RungOrderIDs)
	if i >= len(s.ScaleOut.Rungs) {
		return s, none()
	}

	rung := s.ScaleOut.Rungs[i]
	price := s.State.EntryFillPrice.Mul(one.Add(rung.AbovePct))
	order := types.Order{
		ClientID:         s.rungClientID(i),
		Symbol:           s.Symbol,
		Side:             types.Sell,
		Type:             types.Limit,
		LimitPrice:       price,
		Quantity:         qtys[i],
		ParentStrategyID: s.ID,
		CreatedAt:        now,
	}
	s.State.RungOrderIDs = append(s.State.RungOrderIDs, order.ClientID)
	s.Phase = PhaseExiting
	s.UpdatedAt = now
	return s, submit(order, fmt.Sprintf("scale-out rung %d: %d shares at %s", i+1, qtys[i], price))
}

func evalScaleOutExit(s Strategy, orders OrderView, now time.Time) (Strategy, Action) {
	// Place remaining rungs first, one per step.
	if len(s.State.RungOrderIDs) < len(s.ScaleOut.Rungs) {
		return placeNextRung(s, now)
	}

	filled := 0
	lastFill := decimal.Zero
	for _, id := range s.State.RungOrderIDs {
		o, ok := orders.Lookup(id)
		if !ok {
			continue
		}
		switch o.Status {
		case types.OrderFilled:
			filled++
			lastFill = o.AvgFillPrice
		case types.OrderCancelled:
			s.Phase = PhaseCancelled
			s.State.LastError = fmt.Sprintf("rung order %s cancelled externally", id)
			s.State.ClearOrderRefs()
			s.UpdatedAt = now
			return s, none()
		case types.OrderRejected:
			s.Quarantine(fmt.Errorf("rung order %s rejected", id), now)
			return s, none()
		}
	}

	if filled != s.State.RungsFilled {
		s.State.RungsFilled = filled
		s.UpdatedAt = now
	}
	if filled == len(s.State.RungOrderIDs) {
		return complete(s, lastFill, now), none()
	}
	return s, none()
}

// manageGrid first absorbs any fills (queueing the symmetric refill one
// rung past the filled price), then places at most one unplaced level.
func manageGrid(s Strategy, orders OrderView, now time.Time) (Strategy, Action) {
	spacing := s.Grid.Spacing
	var refills []GridLevel
	for i := range s.State.GridLevels {
		lvl := &s.State.GridLevels[i]
		if lvl.OrderID == "" || lvl.Filled {
			continue
		}
		o, ok := orders.Lookup(lvl.OrderID)
		if !ok || o.Status != types.OrderFilled {
			continue
		}
		lvl.Filled = true
		s.UpdatedAt = now
		if lvl.Side == types.Buy {
			refills = append(refills, GridLevel{Price: lvl.Price.Mul(one.Add(spacing)), Side: types.Sell})
		} else {
			refills = append(refills, GridLevel{Price: lvl.Price.Mul(one.Sub(spacing)), Side: types.Buy})
		}
	}
	s.State.GridLevels = append(s.State.GridLevels, refills...)

	for i := range s.State.GridLevels {
		lvl := &s.State.GridLevels[i]
		if lvl.OrderID != "" || lvl.Filled {
			continue
		}
		order := types.Order{
			ClientID:         s.gridClientID(s.State.GridSeq),
			Symbol:           s.Symbol,
			Side:             lvl.Side,
			Type:             types.Limit,
			LimitPrice:       lvl.Price,
			Quantity:         s.Grid.QtyPerLevel,
			ParentStrategyID: s.ID,
			CreatedAt:        now,
		}
		lvl.OrderID = order.ClientID
		s.State.GridSeq++
		s.UpdatedAt = now
		return s, submit(order, fmt.Sprintf("grid %s at %s", lvl.Side, lvl.Price))
	}
	return s, none()
}

// complete finishes a strategy: records the exit fill, clears order
// references, and freezes the record for reporting.
func complete(s Strategy, exitPrice decimal.Decimal, now time.Time) Strategy {
	s.Phase = PhaseCompleted
	s.State.ExitFillPrice = exitPrice
	s.State.ClearOrderRefs()
	s.UpdatedAt = now
	return s
}

// ResetForNextTrade prepares a completed strategy for another trade cycle
// (used by the backtest driver to replay multi-trade sequences). The cycle
// counter increments so new client order ids never collide with the
// previous trade's.
func ResetForNextTrade(s Strategy, now time.Time) Strategy {
	cycle := s.State.Cycle + 1
	s.State = RuntimeState{Cycle: cycle}
	s.Phase = PhasePending
	s.UpdatedAt = now
	return s
}
