// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the trading platform — order
// shapes, quotes, OHLCV bars, account and position snapshots. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: buy or sell.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// OrderType enumerates the supported order kinds.
type OrderType string

const (
	Market       OrderType = "market"
	Limit        OrderType = "limit"
	Stop         OrderType = "stop"
	TrailingStop OrderType = "trailing_stop" // stop that follows the high watermark down by a fixed pct
)

// OrderStatus is the lifecycle state of an order as seen by the router.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"   // submitted, not yet acknowledged
	OrderAccepted  OrderStatus = "accepted"  // live at the broker
	OrderPartial   OrderStatus = "partial"   // partially filled
	OrderFilled    OrderStatus = "filled"    // fully filled
	OrderCancelled OrderStatus = "cancelled" // cancelled before completion
	OrderRejected  OrderStatus = "rejected"  // refused by the broker
)

// Terminal reports whether the status can no longer change.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected:
		return true
	}
	return false
}

// Live reports whether the order is still working at the broker.
func (s OrderStatus) Live() bool {
	switch s {
	case OrderPending, OrderAccepted, OrderPartial:
		return true
	}
	return false
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// Order is an outgoing instruction. ClientID is assigned by us and stays
// stable across retries; BrokerID is filled in once the broker acknowledges.
// Optional decimal fields use the zero value to mean "unset" — no real
// price or trail percentage is ever zero.
type Order struct {
	ClientID string `json:"client_id" yaml:"client_id"`
	BrokerID string `json:"broker_id,omitempty" yaml:"broker_id,omitempty"`

	Symbol     string          `json:"symbol" yaml:"symbol"`
	Side       Side            `json:"side" yaml:"side"`
	Type       OrderType       `json:"type" yaml:"type"`
	LimitPrice decimal.Decimal `json:"limit_price,omitempty" yaml:"limit_price,omitempty"`
	StopPrice  decimal.Decimal `json:"stop_price,omitempty" yaml:"stop_price,omitempty"`
	TrailPct   decimal.Decimal `json:"trail_pct,omitempty" yaml:"trail_pct,omitempty"`
	Quantity   int64           `json:"quantity" yaml:"quantity"`

	Status       OrderStatus     `json:"status" yaml:"status"`
	FilledQty    int64           `json:"filled_qty" yaml:"filled_qty"`
	AvgFillPrice decimal.Decimal `json:"avg_fill_price,omitempty" yaml:"avg_fill_price,omitempty"`

	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`

	ParentStrategyID string `json:"parent_strategy_id,omitempty" yaml:"parent_strategy_id,omitempty"`
	// OCOPeerID links two exit orders: when one fills, the other must be cancelled.
	OCOPeerID string `json:"oco_peer_id,omitempty" yaml:"oco_peer_id,omitempty"`
}

// Notional returns the cash value of the order at the given reference price.
// Limit orders use their own limit price; everything else uses ref.
func (o Order) Notional(ref decimal.Decimal) decimal.Decimal {
	price := ref
	if o.Type == Limit && !o.LimitPrice.IsZero() {
		price = o.LimitPrice
	}
	return price.Mul(decimal.NewFromInt(o.Quantity))
}

// Validate checks internal consistency of an order before submission.
func (o Order) Validate() error {
	if o.ClientID == "" {
		return fmt.Errorf("order: missing client_id")
	}
	if o.Symbol == "" {
		return fmt.Errorf("order %s: missing symbol", o.ClientID)
	}
	if o.Quantity <= 0 {
		return fmt.Errorf("order %s: quantity must be positive, got %d", o.ClientID, o.Quantity)
	}
	switch o.Side {
	case Buy, Sell:
	default:
		return fmt.Errorf("order %s: invalid side %q", o.ClientID, o.Side)
	}
	switch o.Type {
	case Market:
	case Limit:
		if o.LimitPrice.IsZero() {
			return fmt.Errorf("order %s: limit order requires limit_price", o.ClientID)
		}
	case Stop:
		if o.StopPrice.IsZero() {
			return fmt.Errorf("order %s: stop order requires stop_price", o.ClientID)
		}
	case TrailingStop:
		if o.TrailPct.IsZero() {
			return fmt.Errorf("order %s: trailing stop requires trail_pct", o.ClientID)
		}
	default:
		return fmt.Errorf("order %s: invalid type %q", o.ClientID, o.Type)
	}
	if o.FilledQty > o.Quantity {
		return fmt.Errorf("order %s: filled_qty %d exceeds quantity %d", o.ClientID, o.FilledQty, o.Quantity)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Quote is a point-in-time price snapshot. In live trading Bid/Ask come
// from the broker feed and Last is the latest trade. In a backtest the
// quote is derived from the current bar: Last=close, High=high, Low=low.
type Quote struct {
	Symbol string
	Bid    decimal.Decimal
	Ask    decimal.Decimal
	Last   decimal.Decimal
	High   decimal.Decimal // intrabar high, zero when unknown (live)
	Low    decimal.Decimal // intrabar low, zero when unknown (live)
	Ts     time.Time
}

// Mid returns the bid/ask midpoint, falling back to Last when the book
// is one-sided or empty.
func (q Quote) Mid() decimal.Decimal {
	if q.Bid.IsZero() || q.Ask.IsZero() {
		return q.Last
	}
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}

// Bar is one OHLCV aggregate for a fixed time window.
type Bar struct {
	Timestamp time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    int64
}

// Validate enforces the OHLC range invariants.
func (b Bar) Validate() error {
	if b.Timestamp.IsZero() {
		return fmt.Errorf("bar: missing timestamp")
	}
	if b.Low.GreaterThan(b.Open) || b.Open.GreaterThan(b.High) {
		return fmt.Errorf("bar %s: open %s outside [low %s, high %s]",
			b.Timestamp.Format(time.RFC3339), b.Open, b.Low, b.High)
	}
	if b.Low.GreaterThan(b.Close) || b.Close.GreaterThan(b.High) {
		return fmt.Errorf("bar %s: close %s outside [low %s, high %s]",
			b.Timestamp.Format(time.RFC3339), b.Close, b.Low, b.High)
	}
	if b.Volume < 0 {
		return fmt.Errorf("bar %s: negative volume %d", b.Timestamp.Format(time.RFC3339), b.Volume)
	}
	return nil
}

// Quote derives the evaluation quote for this bar.
func (b Bar) Quote(symbol string) Quote {
	return Quote{
		Symbol: symbol,
		Bid:    b.Close,
		Ask:    b.Close,
		Last:   b.Close,
		High:   b.High,
		Low:    b.Low,
		Ts:     b.Timestamp,
	}
}

// ————————————————————————————————————————————————————————————————————————
// Account state
// ————————————————————————————————————————————————————————————————————————

// Account is the broker account snapshot consumed by the safety gate.
type Account struct {
	Cash        decimal.Decimal
	Equity      decimal.Decimal
	BuyingPower decimal.Decimal
	DayPnL      decimal.Decimal
	PDTFlag     bool // flagged as a pattern day trader
}

// Position is one open holding.
type Position struct {
	Symbol        string
	Qty           int64
	AvgEntryPrice decimal.Decimal
	MarketValue   decimal.Decimal
	UnrealizedPnL decimal.Decimal
}
