// Package alpaca adapts the Alpaca trading API to the broker interface.
//
// Percentage conventions differ across the boundary: strategies express
// trail percentages as fractions (0.05 = 5%) while Alpaca expects whole
// percents. The conversion happens here and nowhere else.
//
// The SDK client is not context-aware; its HTTP client carries its own
// timeouts. Every call first waits on a rate-limit token, which also
// honors cancellation, so a cancelled cycle stops issuing new requests.
package alpaca

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"autotrader/internal/broker"
	"autotrader/internal/config"
	"autotrader/pkg/types"
)

// Broker is the live Alpaca implementation of broker.Broker.
type Broker struct {
	trade *alpaca.Client
	data  *marketdata.Client
	limit *limiter
}

var _ broker.Broker = (*Broker)(nil)

const (
	paperURL = "https://paper-api.alpaca.markets"
	liveURL  = "https://api.alpaca.markets"
)

// New creates an Alpaca broker from the broker config section. An
// explicit base URL wins; otherwise the paper flag picks the endpoint.
func New(cfg config.BrokerConfig) *Broker {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = liveURL
		if cfg.Paper {
			baseURL = paperURL
		}
	}
	return &Broker{
		trade: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			BaseURL:   baseURL,
		}),
		data: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
		}),
		limit: newLimiter(),
	}
}

// Account fetches the account snapshot. Day P&L is equity relative to
// the previous close.
func (b *Broker) Account(ctx context.Context) (types.Account, error) {
	if err := b.limit.trading.wait(ctx); err != nil {
		return types.Account{}, err
	}
	a, err := b.trade.GetAccount()
	if err != nil {
		return types.Account{}, classify("get_account", err)
	}
	return types.Account{
		Cash:        a.Cash,
		Equity:      a.Equity,
		BuyingPower: a.BuyingPower,
		DayPnL:      a.Equity.Sub(a.LastEquity),
		PDTFlag:     a.PatternDayTrader,
	}, nil
}

// Positions lists open holdings.
func (b *Broker) Positions(ctx context.Context) ([]types.Position, error) {
	if err := b.limit.trading.wait(ctx); err != nil {
		return nil, err
	}
	positions, err := b.trade.GetPositions()
	if err != nil {
		return nil, classify("get_positions", err)
	}

	out := make([]types.Position, 0, len(positions))
	for _, p := range positions {
		pos := types.Position{
			Symbol:        p.Symbol,
			Qty:           p.Qty.IntPart(),
			AvgEntryPrice: p.AvgEntryPrice,
		}
		if p.MarketValue != nil {
			pos.MarketValue = *p.MarketValue
		}
		if p.UnrealizedPL != nil {
			pos.UnrealizedPnL = *p.UnrealizedPL
		}
		out = append(out, pos)
	}
	return out, nil
}

// Quote combines the latest NBBO quote with the latest trade price.
func (b *Broker) Quote(ctx context.Context, symbol string) (types.Quote, error) {
	if err := b.limit.data.wait(ctx); err != nil {
		return types.Quote{}, err
	}
	q, err := b.data.GetLatestQuote(symbol, marketdata.GetLatestQuoteRequest{})
	if err != nil {
		return types.Quote{}, classify("get_quote", err)
	}
	if err := b.limit.data.wait(ctx); err != nil {
		return types.Quote{}, err
	}
	trade, err := b.data.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{})
	if err != nil {
		return types.Quote{}, classify("get_trade", err)
	}

	return types.Quote{
		Symbol: symbol,
		Bid:    decimal.NewFromFloat(q.BidPrice),
		Ask:    decimal.NewFromFloat(q.AskPrice),
		Last:   decimal.NewFromFloat(trade.Price),
		Ts:     q.Timestamp,
	}, nil
}

// Submit places an order and returns the Alpaca order id.
func (b *Broker) Submit(ctx context.Context, order types.Order) (string, error) {
	if err := b.limit.trading.wait(ctx); err != nil {
		return "", err
	}

	qty := decimal.NewFromInt(order.Quantity)
	req := alpaca.PlaceOrderRequest{
		Symbol:        order.Symbol,
		Qty:           &qty,
		Side:          alpaca.Side(order.Side),
		TimeInForce:   alpaca.GTC,
		ClientOrderID: order.ClientID,
	}

	switch order.Type {
	case types.Market:
		req.Type = alpaca.Market
		req.TimeInForce = alpaca.Day
	case types.Limit:
		req.Type = alpaca.Limit
		limit := order.LimitPrice
		req.LimitPrice = &limit
	case types.Stop:
		req.Type = alpaca.Stop
		stop := order.StopPrice
		req.StopPrice = &stop
	case types.TrailingStop:
		req.Type = alpaca.TrailingStop
		// fraction → whole percent
		trail := order.TrailPct.Mul(decimal.NewFromInt(100))
		req.TrailPercent = &trail
	default:
		return "", broker.Permanent("invalid_order", fmt.Sprintf("unsupported order type %q", order.Type), nil)
	}

	placed, err := b.trade.PlaceOrder(req)
	if err != nil {
		return "", classify("place_order", err)
	}
	return placed.ID, nil
}

// Cancel cancels by Alpaca order id.
func (b *Broker) Cancel(ctx context.Context, id string) error {
	if err := b.limit.trading.wait(ctx); err != nil {
		return err
	}
	if err := b.trade.CancelOrder(id); err != nil {
		if isNotFound(err) {
			return broker.ErrOrderNotFound
		}
		return classify("cancel_order", err)
	}
	return nil
}

// Status fetches an order snapshot by Alpaca id, falling back to our
// client order id for orders recovered after a restart.
func (b *Broker) Status(ctx context.Context, id string) (types.Order, error) {
	if err := b.limit.trading.wait(ctx); err != nil {
		return types.Order{}, err
	}

	o, err := b.trade.GetOrder(id)
	if err != nil && isNotFound(err) {
		o, err = b.trade.GetOrderByClientOrderID(id)
	}
	if err != nil {
		if isNotFound(err) {
			return types.Order{}, broker.ErrOrderNotFound
		}
		return types.Order{}, classify("get_order", err)
	}
	return mapOrder(o), nil
}

// IsMarketOpen queries the exchange clock.
func (b *Broker) IsMarketOpen(ctx context.Context) (bool, error) {
	if err := b.limit.trading.wait(ctx); err != nil {
		return false, err
	}
	clock, err := b.trade.GetClock()
	if err != nil {
		return false, classify("get_clock", err)
	}
	return clock.IsOpen, nil
}

func mapOrder(o *alpaca.Order) types.Order {
	out := types.Order{
		ClientID:  o.ClientOrderID,
		BrokerID:  o.ID,
		Symbol:    o.Symbol,
		Side:      types.Side(o.Side),
		Type:      types.OrderType(o.Type),
		Status:    mapStatus(o.Status),
		FilledQty: o.FilledQty.IntPart(),
		CreatedAt: o.CreatedAt,
		UpdatedAt: o.UpdatedAt,
	}
	if o.Qty != nil {
		out.Quantity = o.Qty.IntPart()
	}
	if o.LimitPrice != nil {
		out.LimitPrice = *o.LimitPrice
	}
	if o.StopPrice != nil {
		out.StopPrice = *o.StopPrice
	}
	if o.TrailPercent != nil {
		// whole percent → fraction
		out.TrailPct = o.TrailPercent.Div(decimal.NewFromInt(100))
	}
	if o.FilledAvgPrice != nil {
		out.AvgFillPrice = *o.FilledAvgPrice
	}
	return out
}

// mapStatus folds Alpaca's order states onto ours. Anything unknown maps
// to pending so the router keeps polling rather than acting on a guess.
func mapStatus(s string) types.OrderStatus {
	switch s {
	case "new", "accepted", "pending_new", "accepted_for_bidding":
		return types.OrderAccepted
	case "partially_filled":
		return types.OrderPartial
	case "filled":
		return types.OrderFilled
	case "canceled", "expired", "done_for_day", "replaced":
		return types.OrderCancelled
	case "rejected", "stopped", "suspended":
		return types.OrderRejected
	default:
		return types.OrderPending
	}
}

// classify maps SDK errors onto transient/permanent. Throttling and
// server-side failures retry; everything else surfaces.
func classify(op string, err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500 {
			return broker.Transient(op, fmt.Sprintf("alpaca %d", apiErr.StatusCode), err)
		}
		return broker.Permanent(op, apiErr.Message, err)
	}
	// Network-level failures (timeouts, refused connections) are
	// retryable by default.
	return broker.Transient(op, "alpaca request failed", err)
}

func isNotFound(err error) bool {
	var apiErr *alpaca.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
