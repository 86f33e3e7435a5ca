// Package router is the single path between strategy decisions and a
// broker. Every outbound order passes the safety gate, is written to the
// audit log, and is tracked in an in-memory table keyed by client id.
//
// The table makes submits idempotent: resubmitting a client id that is
// already tracked is a no-op, so a crash between broker acknowledgement
// and state persistence cannot double-order. The table also backs the
// evaluator's order view.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"autotrader/internal/audit"
	"autotrader/internal/broker"
	"autotrader/internal/safety"
	"autotrader/internal/strategy"
	"autotrader/pkg/types"
)

// Router mediates order flow for one broker connection. Safe for
// concurrent use.
type Router struct {
	broker  broker.Broker
	gate    *safety.Gate
	audit   *audit.Log
	log     *slog.Logger
	timeout time.Duration
	dryRun  bool

	mu     sync.RWMutex
	orders map[string]types.Order // client id → latest snapshot
	byBkr  map[string]string      // broker id → client id
}

// New creates a router. timeout bounds each broker call.
func New(b broker.Broker, gate *safety.Gate, auditLog *audit.Log, log *slog.Logger, timeout time.Duration) *Router {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Router{
		broker:  b,
		gate:    gate,
		audit:   auditLog,
		log:     log,
		timeout: timeout,
		orders:  make(map[string]types.Order),
		byBkr:   make(map[string]string),
	}
}

// SetDryRun makes Submit stop at the audit log: orders are validated,
// gated and recorded but never reach the broker. Call before the engine
// starts.
func (r *Router) SetDryRun(v bool) { r.dryRun = v }

// Lookup implements strategy.OrderView against the tracked table.
func (r *Router) Lookup(clientID string) (types.Order, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[clientID]
	return o, ok
}

// OpenOrders returns the live (non-terminal) tracked orders.
func (r *Router) OpenOrders() []types.Order {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Order, 0, len(r.orders))
	for _, o := range r.orders {
		if o.Status.Live() {
			out = append(out, o)
		}
	}
	return out
}

// Dispatch routes one evaluator action. ActionNone is a no-op.
func (r *Router) Dispatch(ctx context.Context, a strategy.Action) error {
	switch a.Type {
	case strategy.ActionSubmit:
		return r.Submit(ctx, a.Order, a.Reason)
	case strategy.ActionCancel:
		return r.Cancel(ctx, a.CancelID, a.Reason)
	}
	return nil
}

// Submit validates, gates, audits and places an order. A client id that
// is already tracked returns nil without contacting the broker.
func (r *Router) Submit(ctx context.Context, order types.Order, reason string) error {
	if err := order.Validate(); err != nil {
		return err
	}

	r.mu.RLock()
	_, seen := r.orders[order.ClientID]
	r.mu.RUnlock()
	if seen {
		r.log.Debug("duplicate submit suppressed", "client_id", order.ClientID)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	st, ref, err := r.snapshot(ctx, order.Symbol)
	if err != nil {
		return fmt.Errorf("account snapshot for %s: %w", order.ClientID, err)
	}

	if _, err := r.gate.Check(order, ref, st); err != nil {
		r.audit.RecordError("order_refused", map[string]any{
			"client_id": order.ClientID,
			"symbol":    order.Symbol,
			"side":      order.Side,
			"reason":    reason,
		}, err)
		return err
	}

	// Intent goes to the audit log before the wire: a crash after this
	// point leaves a record of what may be live at the broker.
	r.audit.Record("order_submit", map[string]any{
		"client_id": order.ClientID,
		"symbol":    order.Symbol,
		"side":      order.Side,
		"type":      order.Type,
		"quantity":  order.Quantity,
		"reason":    reason,
	})

	if r.dryRun {
		order.BrokerID = "dry-" + order.ClientID
		order.Status = types.OrderAccepted
		order.UpdatedAt = time.Now()
		r.mu.Lock()
		r.orders[order.ClientID] = order
		r.byBkr[order.BrokerID] = order.ClientID
		r.mu.Unlock()
		r.log.Info("order suppressed by dry run", "client_id", order.ClientID, "symbol", order.Symbol)
		return nil
	}

	brokerID, err := r.broker.Submit(ctx, order)
	if err != nil {
		r.audit.RecordError("order_submit_failed", map[string]any{"client_id": order.ClientID}, err)
		return err
	}

	order.BrokerID = brokerID
	order.Status = types.OrderAccepted
	order.UpdatedAt = time.Now()

	r.mu.Lock()
	r.orders[order.ClientID] = order
	r.byBkr[brokerID] = order.ClientID
	r.mu.Unlock()

	r.log.Info("order placed",
		"client_id", order.ClientID,
		"broker_id", brokerID,
		"symbol", order.Symbol,
		"side", order.Side,
		"reason", reason)
	return nil
}

// Cancel requests cancellation of a tracked order by client id. The
// tracked status is not updated here; the next Refresh observes the
// outcome from the broker.
func (r *Router) Cancel(ctx context.Context, clientID, reason string) error {
	r.mu.RLock()
	o, ok := r.orders[clientID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("cancel %s: %w", clientID, broker.ErrOrderNotFound)
	}
	if o.Status.Terminal() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	r.audit.Record("order_cancel", map[string]any{"client_id": clientID, "reason": reason})

	if r.dryRun {
		o.Status = types.OrderCancelled
		o.UpdatedAt = time.Now()
		r.mu.Lock()
		r.orders[clientID] = o
		r.mu.Unlock()
		return nil
	}

	if err := r.broker.Cancel(ctx, o.BrokerID); err != nil {
		r.audit.RecordError("order_cancel_failed", map[string]any{"client_id": clientID}, err)
		return err
	}
	return nil
}

// Refresh polls the broker for the current status of every live tracked
// order. Transient failures on individual orders are logged and skipped;
// the next cycle retries. Dry-run orders have nothing to poll.
func (r *Router) Refresh(ctx context.Context) {
	if r.dryRun {
		return
	}
	for _, o := range r.OpenOrders() {
		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		latest, err := r.broker.Status(callCtx, o.BrokerID)
		cancel()
		if err != nil {
			r.log.Warn("order status refresh failed", "client_id", o.ClientID, "err", err)
			continue
		}
		r.track(o, latest)
	}
}

// Reconcile recovers tracking state for orders that may be live at the
// broker from a previous run. Unknown ids are recorded as cancelled so
// strategies waiting on them can resolve.
func (r *Router) Reconcile(ctx context.Context, clientIDs []string) {
	for _, id := range clientIDs {
		if id == "" {
			continue
		}
		if _, ok := r.Lookup(id); ok {
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		latest, err := r.broker.Status(callCtx, id)
		cancel()
		if err != nil {
			if broker.IsTransient(err) {
				r.log.Warn("reconcile deferred", "client_id", id, "err", err)
				continue
			}
			latest = types.Order{ClientID: id, Status: types.OrderCancelled, UpdatedAt: time.Now()}
			r.log.Warn("order unknown at broker, marked cancelled", "client_id", id)
		}

		r.mu.Lock()
		r.orders[id] = latest
		if latest.BrokerID != "" {
			r.byBkr[latest.BrokerID] = id
		}
		r.mu.Unlock()

		r.audit.Record("order_reconciled", map[string]any{"client_id": id, "status": latest.Status})
	}
}

func (r *Router) track(prev, latest types.Order) {
	latest.ClientID = prev.ClientID
	if latest.BrokerID == "" {
		latest.BrokerID = prev.BrokerID
	}
	latest.ParentStrategyID = prev.ParentStrategyID
	latest.OCOPeerID = prev.OCOPeerID

	r.mu.Lock()
	r.orders[latest.ClientID] = latest
	r.mu.Unlock()

	if latest.Status != prev.Status {
		r.log.Info("order status changed",
			"client_id", latest.ClientID,
			"from", prev.Status,
			"to", latest.Status)
		r.audit.Record("order_status", map[string]any{
			"client_id": latest.ClientID,
			"status":    latest.Status,
			"filled":    latest.FilledQty,
		})
	}
}

// snapshot assembles the safety-gate view: account, positions, open
// orders and a reference price for the order's symbol.
func (r *Router) snapshot(ctx context.Context, symbol string) (safety.State, decimal.Decimal, error) {
	acct, err := r.broker.Account(ctx)
	if err != nil {
		return safety.State{}, decimal.Zero, err
	}
	positions, err := r.broker.Positions(ctx)
	if err != nil {
		return safety.State{}, decimal.Zero, err
	}
	q, err := r.broker.Quote(ctx, symbol)
	if err != nil {
		return safety.State{}, decimal.Zero, err
	}

	st := safety.State{
		Account:    acct,
		Positions:  positions,
		OpenOrders: r.OpenOrders(),
		Now:        time.Now(),
	}
	return st, q.Last, nil
}
