// Package engine is the central orchestrator of the trading platform.
//
// It wires together all subsystems:
//
//  1. Store holds the strategy records (one YAML file each).
//  2. Router carries evaluator decisions to the broker behind the safety
//     gate and audit log.
//  3. The cycle loop polls quotes and advances every active strategy
//     exactly once per tick.
//
// The loop is single-threaded and cooperative: strategies are evaluated
// serially in id order within a tick, which makes order flow
// deterministic and keeps the evaluator free of locking concerns.
// Within one tick each strategy sees, in order: schedule activation,
// evaluation, order routing, persistence.
//
// Lifecycle: New() → Run(ctx) → [runs until the context ends] → lock released.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"autotrader/internal/audit"
	"autotrader/internal/broker"
	"autotrader/internal/config"
	"autotrader/internal/notify"
	"autotrader/internal/router"
	"autotrader/internal/safety"
	"autotrader/internal/store"
	"autotrader/internal/strategy"
)

// Engine drives the evaluation cycle over all stored strategies.
type Engine struct {
	cfg      config.Config
	broker   broker.Broker
	store    *store.Store
	router   *router.Router
	gate     *safety.Gate
	audit    *audit.Log
	notifier *notify.Notifier
	logger   *slog.Logger

	now func() time.Time // injected in tests

	mu          sync.Mutex
	running     bool
	startedAt   time.Time
	cycles      int64
	lastError   string
	forced      bool
	cycleCancel context.CancelFunc
}

// Status is a point-in-time snapshot of the engine for operators.
type Status struct {
	Running    bool      `json:"running"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	Cycles     int64     `json:"cycles"`
	LastError  string    `json:"last_error,omitempty"`
	KillSwitch bool      `json:"kill_switch"`
}

// Status reports the current engine state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Running:    e.running,
		StartedAt:  e.startedAt,
		Cycles:     e.cycles,
		LastError:  e.lastError,
		KillSwitch: e.gate.Killed(),
	}
}

// observe records the outcome of one cycle for Status.
func (e *Engine) observe(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cycles++
	if err != nil {
		e.lastError = err.Error()
	} else {
		e.lastError = ""
	}
}

// New wires an engine from its subsystems. notifier may be nil.
func New(
	cfg config.Config,
	b broker.Broker,
	st *store.Store,
	rt *router.Router,
	gate *safety.Gate,
	auditLog *audit.Log,
	notifier *notify.Notifier,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		cfg:      cfg,
		broker:   b,
		store:    st,
		router:   rt,
		gate:     gate,
		audit:    auditLog,
		notifier: notifier,
		logger:   logger.With("component", "engine"),
		now:      time.Now,
	}
}

// Run acquires the engine lock and drives cycles at the configured poll
// interval until ctx ends. The cycle in flight when ctx is cancelled runs
// to completion; only then does Run release the lock and return.
func (e *Engine) Run(ctx context.Context) error {
	lock, err := Acquire(e.cfg.Store.Dir)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			e.logger.Error("lock release failed", "error", err)
		}
	}()

	e.mu.Lock()
	e.running = true
	e.startedAt = e.now()
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	e.audit.Record("engine_start", map[string]any{
		"poll_interval": e.cfg.Engine.PollInterval.String(),
		"paper":         e.cfg.Broker.Paper,
	})

	if err := e.reconcile(ctx); err != nil {
		return fmt.Errorf("startup reconcile: %w", err)
	}

	ticker := time.NewTicker(e.cfg.Engine.PollInterval)
	defer ticker.Stop()

	e.logger.Info("engine running", "poll_interval", e.cfg.Engine.PollInterval)
	for {
		select {
		case <-ctx.Done():
			e.audit.Record("engine_stop", nil)
			e.logger.Info("engine stopped")
			return nil
		case <-ticker.C:
			// The cycle uses a background-derived context so a graceful
			// shutdown mid-cycle does not abandon half-routed orders;
			// ForceStop cancels it directly.
			cycleCtx, cancel := context.WithTimeout(context.Background(), e.cfg.Engine.PollInterval)
			e.mu.Lock()
			e.cycleCancel = cancel
			forced := e.forced
			e.mu.Unlock()
			if forced {
				cancel()
				return nil
			}

			err := e.RunOnce(cycleCtx)

			e.mu.Lock()
			e.cycleCancel = nil
			forced = e.forced
			e.mu.Unlock()
			cancel()
			if forced {
				e.logger.Warn("engine force-stopped, cycle abandoned")
				return nil
			}
			if err != nil {
				e.logger.Error("cycle failed", "error", err)
			}
		}
	}
}

// ForceStop aborts the cycle in flight instead of letting it finish.
// Graceful shutdown (cancelling Run's context) completes the current
// cycle first; this is the second-interrupt path. Run still releases
// the engine lock on the way out. The interrupted strategy re-evaluates
// from its persisted record on the next start.
func (e *Engine) ForceStop() {
	e.mu.Lock()
	e.forced = true
	cancel := e.cycleCancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.audit.Record("engine_force_stop", nil)
}

// Kill engages the safety kill switch: every subsequent order submission
// refuses until Reset. The change is audited.
func (e *Engine) Kill(reason string) {
	e.gate.Kill()
	e.audit.Record("kill_switch_engaged", map[string]any{"reason": reason})
	e.logger.Error("kill switch engaged", "reason", reason)
	e.notifier.Send(context.Background(), notify.Event{
		Title: "kill switch engaged",
		Body:  reason,
		Level: notify.LevelCritical,
	})
}

// Reset disengages the kill switch.
func (e *Engine) Reset() {
	e.gate.Reset()
	e.audit.Record("kill_switch_reset", nil)
	e.logger.Info("kill switch reset")
}

// RunOnce executes a single evaluation cycle: refresh order state, then
// advance each eligible strategy once, in id order.
func (e *Engine) RunOnce(ctx context.Context) error {
	err := e.cycle(ctx)
	e.observe(err)
	return err
}

func (e *Engine) cycle(ctx context.Context) error {
	if e.cfg.Engine.MarketHoursOnly {
		open, err := e.broker.IsMarketOpen(ctx)
		if err != nil {
			return fmt.Errorf("market clock: %w", err)
		}
		if !open {
			e.logger.Debug("market closed, skipping cycle")
			return nil
		}
	}

	e.router.Refresh(ctx)

	now := e.now()
	strategies, err := e.store.ListActive(now)
	if err != nil {
		return fmt.Errorf("load strategies: %w", err)
	}

	for _, st := range strategies {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.step(ctx, st, now)
	}
	return nil
}

// step advances one strategy one tick. Failures are contained: a strategy
// that cannot be advanced is quarantined or retried, never allowed to
// break the cycle for its peers.
func (e *Engine) step(ctx context.Context, st strategy.Strategy, now time.Time) {
	if st.SchedulePending(now) {
		return
	}

	// Scheduled activation fires on the first tick at or past the instant.
	if st.ScheduleEnabled {
		st.Activate(now)
		e.audit.Record("strategy_activated", map[string]any{"strategy": st.ID})
		e.logger.Info("strategy activated on schedule", "strategy", st.ID)
		if err := e.store.Upsert(st); err != nil {
			e.logger.Error("persist activation failed", "strategy", st.ID, "error", err)
			return
		}
		e.notifier.Send(ctx, notify.Event{
			Title: "strategy activated",
			Body:  fmt.Sprintf("%s (%s %s) is now live", st.ID, st.Variant, st.Symbol),
			Level: notify.LevelInfo,
		})
	}

	quote, err := e.broker.Quote(ctx, st.Symbol)
	if err != nil {
		if broker.IsTransient(err) {
			e.logger.Warn("quote unavailable, retrying next cycle", "strategy", st.ID, "error", err)
			return
		}
		e.quarantine(st, fmt.Errorf("quote %s: %w", st.Symbol, err), now)
		return
	}

	next, action := strategy.Evaluate(st, quote, e.router, now)

	if err := e.router.Dispatch(ctx, action); err != nil {
		if action.Type == strategy.ActionCancel {
			e.cancelFailed(ctx, next, action, err, now)
			return
		}
		if broker.IsTransient(err) {
			// The evaluator's advance assumed the action landed. Drop it
			// and re-evaluate from the persisted record next cycle; the
			// deterministic client id makes the retry idempotent.
			e.logger.Warn("action deferred", "strategy", st.ID, "error", err)
			return
		}
		// Safety refusals and permanent broker errors both take the
		// strategy out of rotation for operator attention.
		e.quarantine(st, err, now)
		return
	}

	if next.Phase != st.Phase {
		e.audit.Record("strategy_phase", map[string]any{
			"strategy": next.ID,
			"from":     st.Phase,
			"to":       next.Phase,
		})
		if next.Phase == strategy.PhaseCompleted {
			e.notifier.Send(ctx, notify.Event{
				Title: "strategy completed",
				Body: fmt.Sprintf("%s exited %s at %s (entry %s)",
					next.ID, next.Symbol, next.State.ExitFillPrice, next.State.EntryFillPrice),
				Level: notify.LevelInfo,
			})
		}
	}
	if next.State.OCODesync && !st.State.OCODesync {
		e.audit.RecordError("oco_desync", map[string]any{"strategy": next.ID},
			fmt.Errorf("%s", next.State.LastError))
		e.notifier.Send(ctx, notify.Event{
			Title: "oco desync",
			Body:  fmt.Sprintf("%s: %s", next.ID, next.State.LastError),
			Level: notify.LevelCritical,
		})
	}

	if err := e.store.Upsert(next); err != nil {
		e.logger.Error("persist strategy failed", "strategy", next.ID, "error", err)
	}
}

// cancelFailed handles a failed peer-cancel dispatch. Unlike a failed
// submit, the advanced record is persisted even on a transient error:
// it carries the cancel retry increment, and dropping it would retry
// forever without ever consuming the bounded budget. A permanent
// refusal means the surviving bracket leg cannot be cancelled at all —
// that is an OCO desync, not a generic quarantine: the strategy stays
// in exiting with the desync flag set and waits for an operator.
func (e *Engine) cancelFailed(ctx context.Context, next strategy.Strategy, a strategy.Action, cause error, now time.Time) {
	if broker.IsTransient(cause) {
		e.logger.Warn("cancel failed, will retry",
			"strategy", next.ID, "order", a.CancelID,
			"attempts", next.State.CancelRetries, "error", cause)
		if err := e.store.Upsert(next); err != nil {
			e.logger.Error("persist strategy failed", "strategy", next.ID, "error", err)
		}
		return
	}

	next.State.OCODesync = true
	next.State.LastError = fmt.Sprintf("oco desync: cancel of %s rejected: %v", a.CancelID, cause)
	next.UpdatedAt = now
	e.audit.RecordError("oco_desync", map[string]any{
		"strategy": next.ID,
		"order":    a.CancelID,
	}, cause)
	e.logger.Error("oco desync, peer cancel rejected",
		"strategy", next.ID, "order", a.CancelID, "error", cause)
	if err := e.store.Upsert(next); err != nil {
		e.logger.Error("persist strategy failed", "strategy", next.ID, "error", err)
	}
	e.notifier.Send(ctx, notify.Event{
		Title: "oco desync",
		Body:  fmt.Sprintf("%s: %s", next.ID, next.State.LastError),
		Level: notify.LevelCritical,
	})
}

// quarantine isolates a failing strategy and persists the flag so it
// survives restarts. Other strategies keep trading.
func (e *Engine) quarantine(st strategy.Strategy, cause error, now time.Time) {
	st.Quarantine(cause, now)
	e.audit.RecordError("strategy_quarantined", map[string]any{"strategy": st.ID}, cause)
	e.logger.Error("strategy quarantined", "strategy", st.ID, "error", cause)
	if err := e.store.Upsert(st); err != nil {
		e.logger.Error("persist quarantine failed", "strategy", st.ID, "error", err)
	}
	e.notifier.Send(context.Background(), notify.Event{
		Title: "strategy quarantined",
		Body:  fmt.Sprintf("%s: %v", st.ID, cause),
		Level: notify.LevelWarning,
	})
}

// reconcile recovers router state for orders referenced by stored
// strategies, so a restart resumes exactly where the last run stopped.
func (e *Engine) reconcile(ctx context.Context) error {
	all, err := e.store.LoadAll()
	if err != nil {
		return err
	}

	var ids []string
	for _, st := range all {
		if st.Phase.Terminal() {
			continue
		}
		ids = append(ids,
			st.State.EntryOrderID,
			st.State.TrailOrderID,
			st.State.TPOrderID,
			st.State.SLOrderID,
		)
		ids = append(ids, st.State.RungOrderIDs...)
		for _, lvl := range st.State.GridLevels {
			if !lvl.Filled {
				ids = append(ids, lvl.OrderID)
			}
		}
	}

	e.router.Reconcile(ctx, ids)
	e.logger.Info("startup reconcile complete", "strategies", len(all), "order_refs", len(ids))
	return nil
}
