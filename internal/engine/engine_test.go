package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"autotrader/internal/audit"
	"autotrader/internal/broker"
	"autotrader/internal/config"
	"autotrader/internal/router"
	"autotrader/internal/safety"
	"autotrader/internal/store"
	"autotrader/internal/strategy"
	"autotrader/pkg/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBroker serves canned quotes and acknowledges every order.
type fakeBroker struct {
	mu        sync.Mutex
	quotes    map[string]types.Quote
	badQuote  map[string]error
	orders    map[string]types.Order
	submits   int
	cancelErr error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		quotes:   map[string]types.Quote{},
		badQuote: map[string]error{},
		orders:   map[string]types.Order{},
	}
}

func (f *fakeBroker) setQuote(symbol, last string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes[symbol] = types.Quote{Symbol: symbol, Last: d(last), Ts: time.Now()}
}

func (f *fakeBroker) Account(ctx context.Context) (types.Account, error) {
	return types.Account{Cash: d("100000"), Equity: d("100000"), BuyingPower: d("100000")}, nil
}

func (f *fakeBroker) Positions(ctx context.Context) ([]types.Position, error) { return nil, nil }

func (f *fakeBroker) Quote(ctx context.Context, symbol string) (types.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.badQuote[symbol]; err != nil {
		return types.Quote{}, err
	}
	q, ok := f.quotes[symbol]
	if !ok {
		return types.Quote{}, broker.Permanent("unknown_symbol", symbol, nil)
	}
	return q, nil
}

func (f *fakeBroker) Submit(ctx context.Context, order types.Order) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	id := fmt.Sprintf("bkr-%d", f.submits)
	order.BrokerID = id
	order.Status = types.OrderAccepted
	f.orders[id] = order
	return id, nil
}

func (f *fakeBroker) setCancelErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelErr = err
}

func (f *fakeBroker) Cancel(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	o, ok := f.orders[id]
	if !ok {
		return broker.ErrOrderNotFound
	}
	o.Status = types.OrderCancelled
	f.orders[id] = o
	return nil
}

func (f *fakeBroker) Status(ctx context.Context, id string) (types.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return types.Order{}, broker.Permanent("not_found", "unknown order", broker.ErrOrderNotFound)
	}
	return o, nil
}

func (f *fakeBroker) IsMarketOpen(ctx context.Context) (bool, error) { return true, nil }

func (f *fakeBroker) fillOrder(brokerID, price string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := f.orders[brokerID]
	o.Status = types.OrderFilled
	o.FilledQty = o.Quantity
	o.AvgFillPrice = d(price)
	f.orders[brokerID] = o
}

func (f *fakeBroker) fillAll(price string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, o := range f.orders {
		if o.Status.Live() {
			o.Status = types.OrderFilled
			o.FilledQty = o.Quantity
			o.AvgFillPrice = d(price)
			f.orders[id] = o
		}
	}
}

type harness struct {
	engine *Engine
	broker *fakeBroker
	store  *store.Store
	now    time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fb := newFakeBroker()

	dir := t.TempDir()
	cfg := config.Config{
		Engine: config.EngineConfig{
			PollInterval:  time.Second,
			BrokerTimeout: time.Second,
		},
		Safety: config.SafetyConfig{
			MaxPositionNotional: d("50000"),
			MaxPositionQty:      1000,
			DuplicateWindow:     time.Minute,
		},
		Store: config.StoreConfig{Dir: dir},
	}

	st, err := store.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	auditLog, err := audit.Open(t.TempDir(), "engine", 10, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { auditLog.Close() })

	gate := safety.NewGate(cfg.Safety)
	rt := router.New(fb, gate, auditLog, testLogger(), time.Second)
	e := New(cfg, fb, st, rt, gate, auditLog, nil, testLogger())

	h := &harness{engine: e, broker: fb, store: st, now: time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)}
	e.now = func() time.Time { return h.now }
	return h
}

func trailing(id, symbol string) strategy.Strategy {
	return strategy.Strategy{
		ID:       id,
		Symbol:   symbol,
		Variant:  strategy.VariantTrailingStop,
		Quantity: 10,
		Trailing: &strategy.TrailingParams{TrailingPct: d("0.05")},
		Phase:    strategy.PhasePending,
		Enabled:  true,
	}
}

func bracketStrategy(id, symbol string) strategy.Strategy {
	return strategy.Strategy{
		ID:       id,
		Symbol:   symbol,
		Variant:  strategy.VariantBracket,
		Quantity: 10,
		Bracket:  &strategy.BracketParams{TakeProfitPct: d("0.10"), StopLossPct: d("0.05")},
		Phase:    strategy.PhasePending,
		Enabled:  true,
	}
}

func TestCycleAdvancesStrategy(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.broker.setQuote("AAPL", "100")
	ctx := context.Background()

	if err := h.store.Upsert(trailing("s1", "AAPL")); err != nil {
		t.Fatal(err)
	}

	// Tick 1: market entry submitted.
	if err := h.engine.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	st, err := h.store.Load("s1")
	if err != nil {
		t.Fatal(err)
	}
	if st.Phase != strategy.PhaseEntryActive {
		t.Fatalf("phase = %s after tick 1", st.Phase)
	}
	if h.broker.submits != 1 {
		t.Fatalf("submits = %d", h.broker.submits)
	}

	// Fill lands; tick 2 observes it.
	h.broker.fillAll("100")
	if err := h.engine.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	st, _ = h.store.Load("s1")
	if st.Phase != strategy.PhasePositionOpen || !st.State.EntryFillPrice.Equal(d("100")) {
		t.Fatalf("after tick 2: phase %s, fill %s", st.Phase, st.State.EntryFillPrice)
	}

	// Tick 3: trailing exit placed.
	if err := h.engine.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	st, _ = h.store.Load("s1")
	if st.Phase != strategy.PhaseExiting || h.broker.submits != 2 {
		t.Fatalf("after tick 3: phase %s, submits %d", st.Phase, h.broker.submits)
	}
}

func TestScheduledActivation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.broker.setQuote("AAPL", "100")
	ctx := context.Background()

	at := h.now.Add(time.Minute)
	st := trailing("s1", "AAPL")
	st.Enabled = false
	st.ScheduleEnabled = true
	st.ScheduleAt = at
	if err := h.store.Upsert(st); err != nil {
		t.Fatal(err)
	}

	// Two ticks before the instant: nothing happens.
	for i := 0; i < 2; i++ {
		if err := h.engine.RunOnce(ctx); err != nil {
			t.Fatal(err)
		}
		h.now = h.now.Add(20 * time.Second)
	}
	if h.broker.submits != 0 {
		t.Fatalf("orders before activation: %d", h.broker.submits)
	}

	// First tick past the instant: activated, schedule cleared, and the
	// entry goes out in the same tick.
	h.now = at.Add(time.Second)
	if err := h.engine.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := h.store.Load("s1")
	if !got.Enabled || got.ScheduleEnabled {
		t.Fatalf("activation state: enabled=%v schedule=%v", got.Enabled, got.ScheduleEnabled)
	}
	if h.broker.submits != 1 {
		t.Errorf("submits = %d after activation tick", h.broker.submits)
	}
}

func TestBracketCancelFailureEscalatesToDesync(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.broker.setQuote("AAPL", "100")
	ctx := context.Background()

	if err := h.store.Upsert(bracketStrategy("s1", "AAPL")); err != nil {
		t.Fatal(err)
	}
	run := func() {
		t.Helper()
		if err := h.engine.RunOnce(ctx); err != nil {
			t.Fatal(err)
		}
	}

	// Four ticks to a live bracket: entry out, entry fill observed,
	// take-profit placed, stop-loss placed.
	run()
	h.broker.fillAll("100")
	run()
	run()
	run()
	if h.broker.submits != 3 {
		t.Fatalf("submits = %d with bracket live, want 3", h.broker.submits)
	}

	// Take-profit fills; every cancel of the stop now times out.
	h.broker.fillOrder("bkr-2", "110")
	h.broker.setCancelErr(broker.Transient("broker_timeout", "cancel timed out", nil))

	run()
	st, _ := h.store.Load("s1")
	if st.State.CancelRetries != 1 || st.State.OCODesync {
		t.Fatalf("after 1 failed cancel: retries=%d desync=%v", st.State.CancelRetries, st.State.OCODesync)
	}
	run()
	st, _ = h.store.Load("s1")
	if st.State.CancelRetries != 2 {
		t.Fatalf("retry budget not accruing across cycles: retries=%d", st.State.CancelRetries)
	}

	// The broker now rejects the cancel outright: desync, not quarantine.
	h.broker.setCancelErr(broker.Permanent("cancel_rejected", "broker rejects cancel", nil))
	run()
	st, _ = h.store.Load("s1")
	if !st.State.OCODesync {
		t.Fatal("permanent cancel failure did not flag oco desync")
	}
	if st.Phase != strategy.PhaseExiting {
		t.Errorf("phase = %s, want exiting", st.Phase)
	}
	if st.State.Quarantined {
		t.Error("desync recorded as quarantine")
	}

	// The operator owns the strategy now: no further orders or retries.
	before := h.broker.submits
	run()
	st, _ = h.store.Load("s1")
	if h.broker.submits != before {
		t.Errorf("desynced strategy submitted an order: %d -> %d", before, h.broker.submits)
	}
	if st.State.CancelRetries != 3 {
		t.Errorf("retries moved after desync: %d", st.State.CancelRetries)
	}
}

func TestQuarantineIsolation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.broker.setQuote("AAPL", "100")
	ctx := context.Background()

	// MSFT has no quote: permanent failure quarantines s-bad only.
	if err := h.store.Upsert(trailing("s-bad", "MSFT")); err != nil {
		t.Fatal(err)
	}
	if err := h.store.Upsert(trailing("s-good", "AAPL")); err != nil {
		t.Fatal(err)
	}

	if err := h.engine.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}

	bad, _ := h.store.Load("s-bad")
	if !bad.State.Quarantined {
		t.Error("failing strategy not quarantined")
	}
	good, _ := h.store.Load("s-good")
	if good.Phase != strategy.PhaseEntryActive {
		t.Errorf("healthy strategy phase = %s", good.Phase)
	}

	// Quarantined strategies are skipped on later ticks.
	if err := h.engine.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if h.broker.submits != 1 {
		t.Errorf("submits = %d, want 1", h.broker.submits)
	}
}

func TestTransientQuoteFailureRetries(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	h.broker.badQuote["AAPL"] = broker.Transient("broker_timeout", "quote timed out", nil)
	if err := h.store.Upsert(trailing("s1", "AAPL")); err != nil {
		t.Fatal(err)
	}

	if err := h.engine.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	st, _ := h.store.Load("s1")
	if st.State.Quarantined || st.Phase != strategy.PhasePending {
		t.Fatalf("transient failure escalated: %+v", st.State)
	}

	// Quote recovers: next tick proceeds normally.
	delete(h.broker.badQuote, "AAPL")
	h.broker.setQuote("AAPL", "100")
	if err := h.engine.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	st, _ = h.store.Load("s1")
	if st.Phase != strategy.PhaseEntryActive {
		t.Errorf("phase = %s after recovery", st.Phase)
	}
}

func TestForceStopReleasesLock(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.engine.cfg.Engine.PollInterval = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !h.engine.Status().Running {
		if time.Now().After(deadline) {
			t.Fatal("engine did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Force-stop without cancelling ctx: Run must return on its own and
	// give up the lock.
	h.engine.ForceStop()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after ForceStop")
	}

	l, err := Acquire(h.engine.cfg.Store.Dir)
	if err != nil {
		t.Fatalf("lock still held after force stop: %v", err)
	}
	l.Release()
}

func TestLockExclusive(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	l1, err := Acquire(dir)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	if _, err := Acquire(dir); err == nil {
		t.Fatal("second Acquire succeeded while lock held")
	}

	if err := l1.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	l2, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	l2.Release()
}
