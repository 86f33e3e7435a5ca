// Package backtest replays strategies over historical OHLCV bars.
//
// HistBroker is a deterministic fill simulator behind the same Broker
// interface the live engine uses, so the evaluator cannot tell replay
// from production. Fill rules are intentionally conservative: resting
// orders fill against the next bar, never the bar they were placed on,
// and at most one order fills per symbol per bar with stops taking
// priority over limits. A bar that gaps through both legs of a bracket
// therefore books the stop-loss, not the take-profit.
package backtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"autotrader/internal/broker"
	"autotrader/pkg/types"
)

// Fill is one executed trade, kept for result metrics.
type Fill struct {
	Ts       time.Time
	ClientID string
	Symbol   string
	Side     types.Side
	Quantity int64
	Price    decimal.Decimal
}

type simOrder struct {
	types.Order
	watermark decimal.Decimal // trailing stop high watermark
	seq       int             // submission order, ties broken first-in first-filled
}

type simPosition struct {
	qty      int64
	avgEntry decimal.Decimal
}

// HistBroker simulates order execution against one bar at a time.
type HistBroker struct {
	mu sync.Mutex

	initialCash decimal.Decimal
	cash        decimal.Decimal
	positions   map[string]*simPosition
	orders      map[string]*simOrder // client id → order
	byBroker    map[string]string
	seq         int

	bars      map[string]types.Bar // current bar per symbol
	filledBar map[string]bool      // symbol already had its fill this bar
	fills     []Fill
	now       time.Time
}

// NewHistBroker creates a simulator funded with initialCash.
func NewHistBroker(initialCash decimal.Decimal) *HistBroker {
	return &HistBroker{
		initialCash: initialCash,
		cash:        initialCash,
		positions:   make(map[string]*simPosition),
		orders:      make(map[string]*simOrder),
		byBroker:    make(map[string]string),
		bars:        make(map[string]types.Bar),
		filledBar:   make(map[string]bool),
	}
}

// ProcessBar advances the simulation to a new bar for symbol: resting
// orders are matched against it before the driver evaluates strategies at
// its close. Matching order within the bar is stops, then limits, then
// trailing stops; the first fill for the symbol wins the bar.
func (h *HistBroker) ProcessBar(symbol string, bar types.Bar) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.bars[symbol] = bar
	h.now = bar.Timestamp
	h.filledBar[symbol] = false

	h.matchClass(symbol, bar, types.Stop)
	h.matchClass(symbol, bar, types.Limit)
	h.matchTrailing(symbol, bar)
}

// matchClass fills at most one resting order of the given type, oldest
// first. Must be called with mu held.
func (h *HistBroker) matchClass(symbol string, bar types.Bar, kind types.OrderType) {
	for _, o := range h.restingBySeq(symbol, kind) {
		if h.filledBar[symbol] {
			return
		}
		price, ok := crossPrice(o.Order, bar)
		if ok {
			h.fill(o, price)
		}
	}
}

// matchTrailing updates every trailing watermark for the bar, then fills
// the first triggered order if the symbol still has its fill available.
// Watermarks advance even on bars consumed by another fill.
func (h *HistBroker) matchTrailing(symbol string, bar types.Bar) {
	for _, o := range h.restingBySeq(symbol, types.TrailingStop) {
		if bar.High.GreaterThan(o.watermark) {
			o.watermark = bar.High
		}
		if h.filledBar[symbol] {
			continue
		}
		stop := o.watermark.Mul(decimal.NewFromInt(1).Sub(o.TrailPct))
		if bar.Low.LessThanOrEqual(stop) {
			h.fill(o, decimal.Min(stop, bar.Open))
		}
	}
}

func (h *HistBroker) restingBySeq(symbol string, kind types.OrderType) []*simOrder {
	var out []*simOrder
	for _, o := range h.orders {
		if o.Symbol == symbol && o.Type == kind && o.Status.Live() {
			out = append(out, o)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].seq < out[j-1].seq; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// crossPrice decides whether a resting stop or limit order fills against
// the bar and at what price. Gap-aware: a fill never prices better than
// the bar's open allows.
func crossPrice(o types.Order, bar types.Bar) (decimal.Decimal, bool) {
	switch o.Type {
	case types.Limit:
		if o.Side == types.Buy && bar.Low.LessThanOrEqual(o.LimitPrice) {
			return decimal.Min(o.LimitPrice, bar.Open), true
		}
		if o.Side == types.Sell && bar.High.GreaterThanOrEqual(o.LimitPrice) {
			return decimal.Max(o.LimitPrice, bar.Open), true
		}
	case types.Stop:
		if o.Side == types.Buy && bar.High.GreaterThanOrEqual(o.StopPrice) {
			return decimal.Max(o.StopPrice, bar.Open), true
		}
		if o.Side == types.Sell && bar.Low.LessThanOrEqual(o.StopPrice) {
			return decimal.Min(o.StopPrice, bar.Open), true
		}
	}
	return decimal.Decimal{}, false
}

// fill books an execution. Must be called with mu held.
func (h *HistBroker) fill(o *simOrder, price decimal.Decimal) {
	o.Status = types.OrderFilled
	o.FilledQty = o.Quantity
	o.AvgFillPrice = price
	o.UpdatedAt = h.now
	h.filledBar[o.Symbol] = true

	qty := decimal.NewFromInt(o.Quantity)
	pos := h.positions[o.Symbol]
	if pos == nil {
		pos = &simPosition{}
		h.positions[o.Symbol] = pos
	}
	if o.Side == types.Buy {
		h.cash = h.cash.Sub(price.Mul(qty))
		total := decimal.NewFromInt(pos.qty).Mul(pos.avgEntry).Add(price.Mul(qty))
		pos.qty += o.Quantity
		if pos.qty != 0 {
			pos.avgEntry = total.Div(decimal.NewFromInt(pos.qty))
		}
	} else {
		h.cash = h.cash.Add(price.Mul(qty))
		pos.qty -= o.Quantity
		if pos.qty == 0 {
			pos.avgEntry = decimal.Decimal{}
		}
	}

	h.fills = append(h.fills, Fill{
		Ts:       h.now,
		ClientID: o.ClientID,
		Symbol:   o.Symbol,
		Side:     o.Side,
		Quantity: o.Quantity,
		Price:    price,
	})
}

// ————————————————————————————————————————————————————————————————————————
// broker.Broker
// ————————————————————————————————————————————————————————————————————————

// Submit accepts an order. Market orders fill immediately at the current
// bar's close; everything else rests until a later bar crosses it.
func (h *HistBroker) Submit(ctx context.Context, order types.Order) (string, error) {
	if err := order.Validate(); err != nil {
		return "", broker.Permanent("invalid_order", "order validation failed", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.orders[order.ClientID]; exists {
		return "", broker.Permanent("duplicate_client_id", fmt.Sprintf("client id %s already submitted", order.ClientID), nil)
	}
	bar, ok := h.bars[order.Symbol]
	if !ok {
		return "", broker.Permanent("no_data", fmt.Sprintf("no bar loaded for %s", order.Symbol), nil)
	}

	h.seq++
	o := &simOrder{Order: order, seq: h.seq}
	o.BrokerID = fmt.Sprintf("sim-%d", h.seq)
	o.Status = types.OrderAccepted
	o.CreatedAt = h.now
	o.UpdatedAt = h.now
	if o.Type == types.TrailingStop {
		o.watermark = bar.Close
	}

	h.orders[o.ClientID] = o
	h.byBroker[o.BrokerID] = o.ClientID

	if o.Type == types.Market {
		h.fillMarket(o, bar)
	}
	return o.BrokerID, nil
}

// fillMarket executes a market order at the close of the current bar.
// Market fills do not consume the symbol's per-bar resting fill. Must be
// called with mu held.
func (h *HistBroker) fillMarket(o *simOrder, bar types.Bar) {
	wasFilled := h.filledBar[o.Symbol]
	h.fill(o, bar.Close)
	h.filledBar[o.Symbol] = wasFilled
}

// Cancel cancels a resting order by broker or client id.
func (h *HistBroker) Cancel(ctx context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	o := h.find(id)
	if o == nil {
		return broker.ErrOrderNotFound
	}
	if o.Status.Terminal() {
		return nil
	}
	o.Status = types.OrderCancelled
	o.UpdatedAt = h.now
	return nil
}

// Status reports an order snapshot by broker or client id.
func (h *HistBroker) Status(ctx context.Context, id string) (types.Order, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	o := h.find(id)
	if o == nil {
		return types.Order{}, broker.ErrOrderNotFound
	}
	return o.Order, nil
}

func (h *HistBroker) find(id string) *simOrder {
	if o, ok := h.orders[id]; ok {
		return o
	}
	if cid, ok := h.byBroker[id]; ok {
		return h.orders[cid]
	}
	return nil
}

// Lookup implements strategy.OrderView.
func (h *HistBroker) Lookup(clientID string) (types.Order, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	o, ok := h.orders[clientID]
	if !ok {
		return types.Order{}, false
	}
	return o.Order, true
}

// Account values the portfolio at current closes.
func (h *HistBroker) Account(ctx context.Context) (types.Account, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	equity := h.equityLocked()
	return types.Account{
		Cash:        h.cash,
		Equity:      equity,
		BuyingPower: h.cash,
		DayPnL:      equity.Sub(h.initialCash),
	}, nil
}

func (h *HistBroker) equityLocked() decimal.Decimal {
	equity := h.cash
	for symbol, pos := range h.positions {
		if pos.qty == 0 {
			continue
		}
		bar := h.bars[symbol]
		equity = equity.Add(bar.Close.Mul(decimal.NewFromInt(pos.qty)))
	}
	return equity
}

// Equity returns the current portfolio value; the driver samples it per
// bar for the equity curve.
func (h *HistBroker) Equity() decimal.Decimal {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.equityLocked()
}

// Positions lists the open simulated holdings.
func (h *HistBroker) Positions(ctx context.Context) ([]types.Position, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []types.Position
	for symbol, pos := range h.positions {
		if pos.qty == 0 {
			continue
		}
		bar := h.bars[symbol]
		out = append(out, types.Position{
			Symbol:        symbol,
			Qty:           pos.qty,
			AvgEntryPrice: pos.avgEntry,
			MarketValue:   bar.Close.Mul(decimal.NewFromInt(pos.qty)),
		})
	}
	return out, nil
}

// Quote derives the evaluation quote from the current bar.
func (h *HistBroker) Quote(ctx context.Context, symbol string) (types.Quote, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	bar, ok := h.bars[symbol]
	if !ok {
		return types.Quote{}, broker.Permanent("no_data", fmt.Sprintf("no bar loaded for %s", symbol), nil)
	}
	return bar.Quote(symbol), nil
}

// IsMarketOpen always reports open: bars only exist for trading hours.
func (h *HistBroker) IsMarketOpen(ctx context.Context) (bool, error) { return true, nil }

// OpenOrders lists the live (non-terminal) resting orders. The driver
// feeds them to the safety gate so pending buys count against the caps.
func (h *HistBroker) OpenOrders() []types.Order {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []types.Order
	for _, o := range h.orders {
		if o.Status.Live() {
			out = append(out, o.Order)
		}
	}
	return out
}

// Fills returns the executions booked so far, in order.
func (h *HistBroker) Fills() []Fill {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Fill, len(h.fills))
	copy(out, h.fills)
	return out
}
