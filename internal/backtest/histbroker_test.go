package backtest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"autotrader/internal/broker"
	"autotrader/pkg/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var day = 24 * time.Hour

func bar(i int, o, h, l, c string) types.Bar {
	return types.Bar{
		Timestamp: time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * day),
		Open:      d(o), High: d(h), Low: d(l), Close: d(c),
		Volume: 1000,
	}
}

func flatBar(i int, px string) types.Bar { return bar(i, px, px, px, px) }

func limitOrder(id string, side types.Side, limit string, qty int64) types.Order {
	return types.Order{
		ClientID: id, Symbol: "AAPL", Side: side,
		Type: types.Limit, LimitPrice: d(limit), Quantity: qty,
	}
}

func TestMarketFillsAtClose(t *testing.T) {
	t.Parallel()
	h := NewHistBroker(d("10000"))
	h.ProcessBar("AAPL", bar(0, "99", "101", "98", "100"))

	_, err := h.Submit(context.Background(), types.Order{
		ClientID: "m1", Symbol: "AAPL", Side: types.Buy, Type: types.Market, Quantity: 10,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	o, _ := h.Lookup("m1")
	if o.Status != types.OrderFilled || !o.AvgFillPrice.Equal(d("100")) {
		t.Fatalf("market order = %+v", o)
	}

	acct, _ := h.Account(context.Background())
	if !acct.Cash.Equal(d("9000")) {
		t.Errorf("cash = %s, want 9000", acct.Cash)
	}
	if !acct.Equity.Equal(d("10000")) {
		t.Errorf("equity = %s, want 10000", acct.Equity)
	}
}

func TestLimitBuyGapFillsAtOpen(t *testing.T) {
	t.Parallel()
	h := NewHistBroker(d("10000"))
	h.ProcessBar("AAPL", flatBar(0, "105"))

	if _, err := h.Submit(context.Background(), limitOrder("l1", types.Buy, "100", 1)); err != nil {
		t.Fatal(err)
	}
	// Resting: no fill on the placement bar.
	if o, _ := h.Lookup("l1"); o.Status != types.OrderAccepted {
		t.Fatalf("placement bar status = %s", o.Status)
	}

	// Next bar gaps below the limit: fill improves to the open.
	h.ProcessBar("AAPL", bar(1, "95", "99", "94", "98"))
	o, _ := h.Lookup("l1")
	if o.Status != types.OrderFilled || !o.AvgFillPrice.Equal(d("95")) {
		t.Fatalf("limit buy fill = %+v, want 95 (min of limit and open)", o)
	}
}

func TestLimitSellGapFillsAtOpen(t *testing.T) {
	t.Parallel()
	h := NewHistBroker(d("10000"))
	h.ProcessBar("AAPL", flatBar(0, "100"))

	if _, err := h.Submit(context.Background(), limitOrder("l2", types.Sell, "110", 1)); err != nil {
		t.Fatal(err)
	}
	h.ProcessBar("AAPL", bar(1, "115", "118", "112", "116"))

	o, _ := h.Lookup("l2")
	if o.Status != types.OrderFilled || !o.AvgFillPrice.Equal(d("115")) {
		t.Fatalf("limit sell fill = %+v, want 115 (max of limit and open)", o)
	}
}

func TestStopSellGapFillsAtOpen(t *testing.T) {
	t.Parallel()
	h := NewHistBroker(d("10000"))
	h.ProcessBar("AAPL", flatBar(0, "100"))

	_, err := h.Submit(context.Background(), types.Order{
		ClientID: "st1", Symbol: "AAPL", Side: types.Sell,
		Type: types.Stop, StopPrice: d("95"), Quantity: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	h.ProcessBar("AAPL", bar(1, "92", "96", "91", "94"))

	o, _ := h.Lookup("st1")
	if o.Status != types.OrderFilled || !o.AvgFillPrice.Equal(d("92")) {
		t.Fatalf("stop sell fill = %+v, want 92 (gap below stop)", o)
	}
}

func TestStopBeatsLimitInOneBar(t *testing.T) {
	t.Parallel()
	h := NewHistBroker(d("10000"))
	ctx := context.Background()
	h.ProcessBar("AAPL", flatBar(0, "100"))

	if _, err := h.Submit(ctx, limitOrder("tp", types.Sell, "110", 1)); err != nil {
		t.Fatal(err)
	}
	_, err := h.Submit(ctx, types.Order{
		ClientID: "sl", Symbol: "AAPL", Side: types.Sell,
		Type: types.Stop, StopPrice: d("95"), Quantity: 1,
	})
	if err != nil {
		t.Fatal(err)
	}

	// The bar reaches both the stop and the limit. Conservative policy:
	// the stop fills, the limit does not.
	h.ProcessBar("AAPL", bar(1, "92", "111", "92", "110"))

	sl, _ := h.Lookup("sl")
	if sl.Status != types.OrderFilled || !sl.AvgFillPrice.Equal(d("92")) {
		t.Fatalf("stop = %+v, want fill at open 92", sl)
	}
	tp, _ := h.Lookup("tp")
	if tp.Status != types.OrderAccepted {
		t.Fatalf("limit = %+v, want still resting (one fill per bar)", tp)
	}
}

func TestTrailingStopTracksAndTriggers(t *testing.T) {
	t.Parallel()
	h := NewHistBroker(d("10000"))
	h.ProcessBar("AAPL", flatBar(0, "120"))

	_, err := h.Submit(context.Background(), types.Order{
		ClientID: "tr1", Symbol: "AAPL", Side: types.Sell,
		Type: types.TrailingStop, TrailPct: d("0.05"), Quantity: 1,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Watermark starts at the placement close (120); a higher bar raises
	// it without triggering.
	h.ProcessBar("AAPL", bar(1, "125", "130", "124", "128"))
	if o, _ := h.Lookup("tr1"); o.Status != types.OrderAccepted {
		t.Fatalf("triggered while above the stop: %+v", o)
	}

	// Stop is now 130·0.95 = 123.5; gap open at 118 fills at the open.
	h.ProcessBar("AAPL", bar(2, "118", "122", "116", "120"))
	o, _ := h.Lookup("tr1")
	if o.Status != types.OrderFilled || !o.AvgFillPrice.Equal(d("118")) {
		t.Fatalf("trailing fill = %+v, want 118", o)
	}
}

func TestSubmitRejectsDuplicateClientID(t *testing.T) {
	t.Parallel()
	h := NewHistBroker(d("10000"))
	h.ProcessBar("AAPL", flatBar(0, "100"))
	ctx := context.Background()

	if _, err := h.Submit(ctx, limitOrder("dup", types.Buy, "90", 1)); err != nil {
		t.Fatal(err)
	}
	_, err := h.Submit(ctx, limitOrder("dup", types.Buy, "90", 1))
	var pe *broker.PermanentError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want permanent", err)
	}
}

func TestCancelAndStatusByEitherID(t *testing.T) {
	t.Parallel()
	h := NewHistBroker(d("10000"))
	h.ProcessBar("AAPL", flatBar(0, "100"))
	ctx := context.Background()

	brokerID, err := h.Submit(ctx, limitOrder("c1", types.Buy, "90", 1))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := h.Status(ctx, "c1"); err != nil {
		t.Errorf("status by client id: %v", err)
	}
	if _, err := h.Status(ctx, brokerID); err != nil {
		t.Errorf("status by broker id: %v", err)
	}

	if err := h.Cancel(ctx, "c1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	o, _ := h.Lookup("c1")
	if o.Status != types.OrderCancelled {
		t.Fatalf("status = %s", o.Status)
	}
	// Cancelling a terminal order is a no-op, not an error.
	if err := h.Cancel(ctx, "c1"); err != nil {
		t.Errorf("second cancel: %v", err)
	}

	if err := h.Cancel(ctx, "ghost"); !errors.Is(err, broker.ErrOrderNotFound) {
		t.Errorf("ghost cancel err = %v", err)
	}
}
