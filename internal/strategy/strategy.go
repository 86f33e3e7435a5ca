// Package strategy defines the strategy aggregate and the pure evaluator
// that advances it through its lifecycle.
//
// A strategy is a tagged-variant record: the Variant field selects which
// of the per-variant parameter structs is populated. Runtime state (order
// ids, fill prices, watermarks) lives in a separate struct so the
// configuration half of the record stays declarative.
//
// The lifecycle is a monotonic state machine:
//
//	pending → entry_active → position_open → exiting → completed
//
// with cancelled reachable from any non-terminal phase. Phases never
// regress.
package strategy

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"autotrader/pkg/types"
)

// Variant selects the entry/exit logic for a strategy.
type Variant string

const (
	VariantTrailingStop     Variant = "trailing_stop"
	VariantBracket          Variant = "bracket"
	VariantScaleOut         Variant = "scale_out"
	VariantGrid             Variant = "grid"
	VariantPullbackTrailing Variant = "pullback_trailing"
)

// CanonicalVariant maps user-supplied variant names (snake or hyphenated)
// to the canonical snake-case form. This is the single normalization
// point; everything past the store boundary sees canonical names only.
func CanonicalVariant(name string) (Variant, error) {
	v := Variant(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_"))
	switch v {
	case VariantTrailingStop, VariantBracket, VariantScaleOut, VariantGrid, VariantPullbackTrailing:
		return v, nil
	}
	return "", fmt.Errorf("unknown strategy variant %q", name)
}

// Phase is the high-level lifecycle state.
type Phase string

const (
	PhasePending      Phase = "pending"       // waiting for entry condition
	PhaseEntryActive  Phase = "entry_active"  // entry order placed, awaiting fill
	PhasePositionOpen Phase = "position_open" // position acquired, managing exit
	PhaseExiting      Phase = "exiting"       // exit order(s) placed, awaiting fill
	PhaseCompleted    Phase = "completed"
	PhaseCancelled    Phase = "cancelled"
)

// Terminal reports whether the phase can no longer change.
func (p Phase) Terminal() bool { return p == PhaseCompleted || p == PhaseCancelled }

var phaseRank = map[Phase]int{
	PhasePending:      0,
	PhaseEntryActive:  1,
	PhasePositionOpen: 2,
	PhaseExiting:      3,
	PhaseCompleted:    4,
}

// CanAdvance reports whether a transition from → to is legal: forward-only
// along the main chain, or to cancelled from any non-terminal phase.
func CanAdvance(from, to Phase) bool {
	if from == to {
		return true
	}
	if to == PhaseCancelled {
		return !from.Terminal()
	}
	fr, ok1 := phaseRank[from]
	tr, ok2 := phaseRank[to]
	return ok1 && ok2 && tr > fr
}

// TrailingParams configures the trailing_stop variant. Percentages are
// fractions: 0.05 means 5%.
type TrailingParams struct {
	TrailingPct decimal.Decimal
}

// BracketParams configures the bracket (OCO) variant.
type BracketParams struct {
	TakeProfitPct decimal.Decimal
	StopLossPct   decimal.Decimal
}

// Rung is one scale-out target: sell Fraction of the position at
// entry·(1+AbovePct).
type Rung struct {
	AbovePct decimal.Decimal
	Fraction decimal.Decimal
}

// ScaleOutParams configures the scale_out variant. Rungs must be sorted
// ascending by AbovePct and fractions must sum to 1.
type ScaleOutParams struct {
	Rungs []Rung
}

// GridParams configures the grid variant: Levels symmetric price levels
// spaced Spacing (fraction) apart around Reference. A zero Reference is
// resolved to the first observed price.
type GridParams struct {
	Reference   decimal.Decimal
	Spacing     decimal.Decimal
	Levels      int
	QtyPerLevel int64
}

// PullbackParams configures pullback_trailing: enter at market once price
// has pulled back PullbackPct from the observed high, then manage the exit
// as a trailing stop.
type PullbackParams struct {
	PullbackPct decimal.Decimal
	TrailingPct decimal.Decimal
}

// GridLevel is one live rung of a grid.
type GridLevel struct {
	Price   decimal.Decimal
	Side    types.Side
	OrderID string // client id once placed
	Filled  bool
}

// RuntimeState is the mutable half of a strategy record. Cycle increments
// each time a completed strategy is reset for another trade (backtests
// replay multiple trades), keeping client order ids unique.
type RuntimeState struct {
	Cycle int

	EntryOrderID   string
	EntryFillPrice decimal.Decimal
	ExitFillPrice  decimal.Decimal

	HighWatermark     decimal.Decimal // running max since entry (trailing variants)
	PullbackReference decimal.Decimal // pre-entry high watermark (pullback variant)

	TrailOrderID string

	TPOrderID     string
	SLOrderID     string
	CancelRetries int
	OCODesync     bool

	RungOrderIDs []string
	RungsFilled  int

	GridLevels []GridLevel
	GridSeq    int // monotonic counter for grid order ids, survives refills

	Quarantined bool
	LastError   string
}

// ClearOrderRefs drops runtime order references on termination; fill
// prices and watermarks are kept for reporting.
func (rs *RuntimeState) ClearOrderRefs() {
	rs.EntryOrderID = ""
	rs.TrailOrderID = ""
	rs.TPOrderID = ""
	rs.SLOrderID = ""
	rs.RungOrderIDs = nil
	rs.GridLevels = nil
}

// Strategy is the central aggregate: one managed trade from entry through
// exit.
type Strategy struct {
	ID       string
	Symbol   string
	Variant  Variant
	Quantity int64

	// EntryPrice zero means market entry; otherwise a limit entry.
	EntryPrice decimal.Decimal
	// EntryCondition optionally gates the entry: "below:170.00" or
	// "above:200.00" against the current price.
	EntryCondition string

	Trailing *TrailingParams
	Bracket  *BracketParams
	ScaleOut *ScaleOutParams
	Grid     *GridParams
	Pullback *PullbackParams

	Phase   Phase
	Enabled bool

	// ScheduleAt holds the strategy out of evaluation until the instant
	// arrives; while ScheduleEnabled is true, Enabled is held false.
	ScheduleAt      time.Time
	ScheduleEnabled bool

	State RuntimeState

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks structural and variant-specific requirements.
func (s *Strategy) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("strategy: missing id")
	}
	if s.Symbol == "" {
		return fmt.Errorf("strategy %s: missing symbol", s.ID)
	}
	if s.Quantity <= 0 {
		return fmt.Errorf("strategy %s: quantity must be positive, got %d", s.ID, s.Quantity)
	}
	if s.ScheduleEnabled && s.ScheduleAt.IsZero() {
		return fmt.Errorf("strategy %s: schedule_enabled without schedule_at", s.ID)
	}
	if s.EntryCondition != "" {
		if _, _, err := parseEntryCondition(s.EntryCondition); err != nil {
			return fmt.Errorf("strategy %s: %w", s.ID, err)
		}
	}

	switch s.Variant {
	case VariantTrailingStop:
		if s.Trailing == nil || s.Trailing.TrailingPct.Sign() <= 0 {
			return fmt.Errorf("strategy %s: trailing_stop requires positive trailing_pct", s.ID)
		}
	case VariantBracket:
		if s.Bracket == nil || s.Bracket.TakeProfitPct.Sign() <= 0 || s.Bracket.StopLossPct.Sign() <= 0 {
			return fmt.Errorf("strategy %s: bracket requires positive take_profit_pct and stop_loss_pct", s.ID)
		}
	case VariantScaleOut:
		if s.ScaleOut == nil || len(s.ScaleOut.Rungs) == 0 {
			return fmt.Errorf("strategy %s: scale_out requires rungs", s.ID)
		}
		sum := decimal.Zero
		prev := decimal.Zero
		for i, r := range s.ScaleOut.Rungs {
			if r.AbovePct.Sign() <= 0 {
				return fmt.Errorf("strategy %s: rung %d target must be positive", s.ID, i)
			}
			if i > 0 && !r.AbovePct.GreaterThan(prev) {
				return fmt.Errorf("strategy %s: rung targets must be strictly ascending", s.ID)
			}
			if r.Fraction.Sign() <= 0 {
				return fmt.Errorf("strategy %s: rung %d fraction must be positive", s.ID, i)
			}
			prev = r.AbovePct
			sum = sum.Add(r.Fraction)
		}
		if !sum.Equal(decimal.NewFromInt(1)) {
			return fmt.Errorf("strategy %s: rung fractions must sum to 1, got %s", s.ID, sum)
		}
	case VariantGrid:
		if s.Grid == nil {
			return fmt.Errorf("strategy %s: grid requires grid params", s.ID)
		}
		if s.Grid.Spacing.Sign() <= 0 || s.Grid.Levels <= 0 || s.Grid.QtyPerLevel <= 0 {
			return fmt.Errorf("strategy %s: grid requires positive spacing, levels and qty_per_level", s.ID)
		}
	case VariantPullbackTrailing:
		if s.Pullback == nil || s.Pullback.PullbackPct.Sign() <= 0 || s.Pullback.TrailingPct.Sign() <= 0 {
			return fmt.Errorf("strategy %s: pullback_trailing requires positive pullback_pct and trailing_pct", s.ID)
		}
	default:
		return fmt.Errorf("strategy %s: unknown variant %q", s.ID, s.Variant)
	}
	return nil
}

// Active reports whether the strategy should be evaluated at time now.
func (s *Strategy) Active(now time.Time) bool {
	if !s.Enabled || s.Phase.Terminal() || s.State.Quarantined {
		return false
	}
	if s.SchedulePending(now) {
		return false
	}
	return true
}

// SchedulePending reports whether the strategy is still waiting on its
// scheduled activation time.
func (s *Strategy) SchedulePending(now time.Time) bool {
	return s.ScheduleEnabled && s.ScheduleAt.After(now)
}

// Activate performs the scheduled-activation transition: enable the
// strategy and clear the schedule. The caller persists and audits.
func (s *Strategy) Activate(now time.Time) {
	s.Enabled = true
	s.ScheduleEnabled = false
	s.ScheduleAt = time.Time{}
	s.UpdatedAt = now
}

// Quarantine isolates a failing strategy from further evaluation while
// keeping its record for operator attention.
func (s *Strategy) Quarantine(err error, now time.Time) {
	s.State.Quarantined = true
	s.State.LastError = err.Error()
	s.UpdatedAt = now
}

// trailingPct returns the trailing percentage for whichever trailing-style
// variant is configured.
func (s *Strategy) trailingPct() decimal.Decimal {
	if s.Trailing != nil {
		return s.Trailing.TrailingPct
	}
	if s.Pullback != nil {
		return s.Pullback.TrailingPct
	}
	return decimal.Zero
}

// Client order ids are deterministic: derived from the strategy id, the
// trade cycle, and the order's role. Determinism is what makes backtest
// replays byte-identical and submits idempotent.

func (s *Strategy) entryClientID() string {
	return fmt.Sprintf("%s-c%d-entry", s.ID, s.State.Cycle)
}

func (s *Strategy) tpClientID() string {
	return fmt.Sprintf("%s-c%d-tp", s.ID, s.State.Cycle)
}

func (s *Strategy) slClientID() string {
	return fmt.Sprintf("%s-c%d-sl", s.ID, s.State.Cycle)
}

func (s *Strategy) trailClientID() string {
	return fmt.Sprintf("%s-c%d-trail", s.ID, s.State.Cycle)
}

func (s *Strategy) rungClientID(i int) string {
	return fmt.Sprintf("%s-c%d-rung%d", s.ID, s.State.Cycle, i)
}

func (s *Strategy) gridClientID(seq int) string {
	return fmt.Sprintf("%s-g%d", s.ID, seq)
}

// parseEntryCondition splits "below:170.00" / "above:200.00".
func parseEntryCondition(cond string) (string, decimal.Decimal, error) {
	parts := strings.SplitN(cond, ":", 2)
	if len(parts) != 2 {
		return "", decimal.Zero, fmt.Errorf("invalid entry_condition %q", cond)
	}
	kind := strings.ToLower(strings.TrimSpace(parts[0]))
	if kind != "below" && kind != "above" {
		return "", decimal.Zero, fmt.Errorf("invalid entry_condition kind %q", kind)
	}
	price, err := decimal.NewFromString(strings.TrimSpace(parts[1]))
	if err != nil {
		return "", decimal.Zero, fmt.Errorf("invalid entry_condition price %q: %w", parts[1], err)
	}
	return kind, price, nil
}

// RungQuantities splits a position of qty shares across the configured
// rungs: round(qty·fraction) per rung, with the rounding residue added to
// the last rung so the quantities always sum to qty.
func (p ScaleOutParams) RungQuantities(qty int64) []int64 {
	out := make([]int64, len(p.Rungs))
	var assigned int64
	for i, r := range p.Rungs {
		if i == len(p.Rungs)-1 {
			out[i] = qty - assigned
			break
		}
		q := decimal.NewFromInt(qty).Mul(r.Fraction).Round(0).IntPart()
		out[i] = q
		assigned += q
	}
	return out
}
