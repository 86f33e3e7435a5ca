// Package store provides crash-safe strategy persistence using YAML files.
//
// Each strategy is stored as a separate file: strat_<id>.yaml. Writes use
// atomic file replacement (write to .tmp, then rename) to prevent
// corruption from partial writes or crashes mid-save. The engine calls
// Upsert after each evaluation step that changed a record, and LoadAll on
// startup to restore the working set.
//
// Records cross the file boundary through a DTO with string-encoded
// prices: YAML cannot round-trip decimal values without loss, and string
// encoding keeps hand-edited files readable. Variant aliases (hyphenated
// names) are canonicalized here, so everything past the store sees
// canonical snake_case variants only.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"autotrader/internal/strategy"
	"autotrader/pkg/types"
)

// Store persists strategies to YAML files in a designated directory.
// All operations are mutex-protected to prevent concurrent file corruption.
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open creates a store backed by the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, "strat_"+id+".yaml")
}

// Upsert atomically persists a strategy record, creating or replacing its
// file. The record is validated first; invalid records never reach disk.
func (s *Store) Upsert(st strategy.Strategy) error {
	if err := st.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := yaml.Marshal(toRecord(st))
	if err != nil {
		return fmt.Errorf("marshal strategy %s: %w", st.ID, err)
	}

	path := s.path(st.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write strategy %s: %w", st.ID, err)
	}
	return os.Rename(tmp, path)
}

// Load reads one strategy by id. Returns os.ErrNotExist if no file exists.
func (s *Store) Load(id string) (strategy.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadFile(s.path(id))
}

// Delete removes a strategy file. Deleting a missing strategy is not an
// error.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete strategy %s: %w", id, err)
	}
	return nil
}

// LoadAll reads every strategy file in the directory, sorted by id. A
// single malformed file fails the whole load: the engine must not start
// with a partial view of its strategies.
func (s *Store) LoadAll() ([]strategy.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(s.dir, "strat_*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("list strategies: %w", err)
	}
	sort.Strings(matches)

	out := make([]strategy.Strategy, 0, len(matches))
	for _, path := range matches {
		st, err := s.loadFile(path)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// ListActive returns the strategies eligible for evaluation at time now,
// plus every schedule-enabled record regardless of its instant: one past
// due must reach the engine so it performs (and audits) the activation.
func (s *Store) ListActive(now time.Time) ([]strategy.Strategy, error) {
	all, err := s.LoadAll()
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, st := range all {
		eligible := st.Active(now) ||
			(st.ScheduleEnabled && !st.Phase.Terminal() && !st.State.Quarantined)
		if eligible {
			out = append(out, st)
		}
	}
	return out, nil
}

// ReadFile loads and validates a single strategy file outside any store
// directory. Used by the backtest runner, which takes a strategy file
// directly rather than a store id.
func ReadFile(path string) (strategy.Strategy, error) {
	var s Store
	return s.loadFile(path)
}

func (s *Store) loadFile(path string) (strategy.Strategy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return strategy.Strategy{}, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}

	var rec record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return strategy.Strategy{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}

	st, err := rec.toStrategy()
	if err != nil {
		return strategy.Strategy{}, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	if err := st.Validate(); err != nil {
		return strategy.Strategy{}, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return st, nil
}

// ————————————————————————————————————————————————————————————————————————
// File records
// ————————————————————————————————————————————————————————————————————————

// record is the on-disk shape. Prices are strings so hand-edited YAML
// round-trips exactly.
type record struct {
	ID             string `yaml:"id"`
	Symbol         string `yaml:"symbol"`
	Variant        string `yaml:"variant"`
	Quantity       int64  `yaml:"quantity"`
	EntryPrice     string `yaml:"entry_price,omitempty"`
	EntryCondition string `yaml:"entry_condition,omitempty"`

	Trailing *trailingRec `yaml:"trailing,omitempty"`
	Bracket  *bracketRec  `yaml:"bracket,omitempty"`
	ScaleOut *scaleOutRec `yaml:"scale_out,omitempty"`
	Grid     *gridRec     `yaml:"grid,omitempty"`
	Pullback *pullbackRec `yaml:"pullback,omitempty"`

	Phase   string `yaml:"phase"`
	Enabled bool   `yaml:"enabled"`

	ScheduleAt      string `yaml:"schedule_at,omitempty"`
	ScheduleEnabled bool   `yaml:"schedule_enabled,omitempty"`

	State stateRec `yaml:"state"`

	CreatedAt string `yaml:"created_at,omitempty"`
	UpdatedAt string `yaml:"updated_at,omitempty"`
}

type trailingRec struct {
	TrailingPct string `yaml:"trailing_pct"`
}

type bracketRec struct {
	TakeProfitPct string `yaml:"take_profit_pct"`
	StopLossPct   string `yaml:"stop_loss_pct"`
}

type rungRec struct {
	AbovePct string `yaml:"above_pct"`
	Fraction string `yaml:"fraction"`
}

type scaleOutRec struct {
	Rungs []rungRec `yaml:"rungs"`
}

type gridRec struct {
	Reference   string `yaml:"reference,omitempty"`
	Spacing     string `yaml:"spacing"`
	Levels      int    `yaml:"levels"`
	QtyPerLevel int64  `yaml:"qty_per_level"`
}

type pullbackRec struct {
	PullbackPct string `yaml:"pullback_pct"`
	TrailingPct string `yaml:"trailing_pct"`
}

type gridLevelRec struct {
	Price   string `yaml:"price"`
	Side    string `yaml:"side"`
	OrderID string `yaml:"order_id,omitempty"`
	Filled  bool   `yaml:"filled,omitempty"`
}

type stateRec struct {
	Cycle             int            `yaml:"cycle,omitempty"`
	EntryOrderID      string         `yaml:"entry_order_id,omitempty"`
	EntryFillPrice    string         `yaml:"entry_fill_price,omitempty"`
	ExitFillPrice     string         `yaml:"exit_fill_price,omitempty"`
	HighWatermark     string         `yaml:"high_watermark,omitempty"`
	PullbackReference string         `yaml:"pullback_reference,omitempty"`
	TrailOrderID      string         `yaml:"trail_order_id,omitempty"`
	TPOrderID         string         `yaml:"tp_order_id,omitempty"`
	SLOrderID         string         `yaml:"sl_order_id,omitempty"`
	CancelRetries     int            `yaml:"cancel_retries,omitempty"`
	OCODesync         bool           `yaml:"oco_desync,omitempty"`
	RungOrderIDs      []string       `yaml:"rung_order_ids,omitempty"`
	RungsFilled       int            `yaml:"rungs_filled,omitempty"`
	GridLevels        []gridLevelRec `yaml:"grid_levels,omitempty"`
	GridSeq           int            `yaml:"grid_seq,omitempty"`
	Quarantined       bool           `yaml:"quarantined,omitempty"`
	LastError         string         `yaml:"last_error,omitempty"`
}

func decStr(d decimal.Decimal) string {
	if d.IsZero() {
		return ""
	}
	return d.String()
}

func timeStr(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseDec(field, s string) (decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		return decimal.Decimal{}, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%s: invalid decimal %q", field, s)
	}
	return d, nil
}

func parseTime(field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: invalid timestamp %q", field, s)
	}
	return t, nil
}

func toRecord(st strategy.Strategy) record {
	rec := record{
		ID:              st.ID,
		Symbol:          st.Symbol,
		Variant:         string(st.Variant),
		Quantity:        st.Quantity,
		EntryPrice:      decStr(st.EntryPrice),
		EntryCondition:  st.EntryCondition,
		Phase:           string(st.Phase),
		Enabled:         st.Enabled,
		ScheduleAt:      timeStr(st.ScheduleAt),
		ScheduleEnabled: st.ScheduleEnabled,
		CreatedAt:       timeStr(st.CreatedAt),
		UpdatedAt:       timeStr(st.UpdatedAt),
	}

	if st.Trailing != nil {
		rec.Trailing = &trailingRec{TrailingPct: st.Trailing.TrailingPct.String()}
	}
	if st.Bracket != nil {
		rec.Bracket = &bracketRec{
			TakeProfitPct: st.Bracket.TakeProfitPct.String(),
			StopLossPct:   st.Bracket.StopLossPct.String(),
		}
	}
	if st.ScaleOut != nil {
		rungs := make([]rungRec, len(st.ScaleOut.Rungs))
		for i, r := range st.ScaleOut.Rungs {
			rungs[i] = rungRec{AbovePct: r.AbovePct.String(), Fraction: r.Fraction.String()}
		}
		rec.ScaleOut = &scaleOutRec{Rungs: rungs}
	}
	if st.Grid != nil {
		rec.Grid = &gridRec{
			Reference:   decStr(st.Grid.Reference),
			Spacing:     st.Grid.Spacing.String(),
			Levels:      st.Grid.Levels,
			QtyPerLevel: st.Grid.QtyPerLevel,
		}
	}
	if st.Pullback != nil {
		rec.Pullback = &pullbackRec{
			PullbackPct: st.Pullback.PullbackPct.String(),
			TrailingPct: st.Pullback.TrailingPct.String(),
		}
	}

	levels := make([]gridLevelRec, len(st.State.GridLevels))
	for i, l := range st.State.GridLevels {
		levels[i] = gridLevelRec{
			Price:   l.Price.String(),
			Side:    string(l.Side),
			OrderID: l.OrderID,
			Filled:  l.Filled,
		}
	}
	rec.State = stateRec{
		Cycle:             st.State.Cycle,
		EntryOrderID:      st.State.EntryOrderID,
		EntryFillPrice:    decStr(st.State.EntryFillPrice),
		ExitFillPrice:     decStr(st.State.ExitFillPrice),
		HighWatermark:     decStr(st.State.HighWatermark),
		PullbackReference: decStr(st.State.PullbackReference),
		TrailOrderID:      st.State.TrailOrderID,
		TPOrderID:         st.State.TPOrderID,
		SLOrderID:         st.State.SLOrderID,
		CancelRetries:     st.State.CancelRetries,
		OCODesync:         st.State.OCODesync,
		RungOrderIDs:      st.State.RungOrderIDs,
		RungsFilled:       st.State.RungsFilled,
		GridLevels:        levels,
		GridSeq:           st.State.GridSeq,
		Quarantined:       st.State.Quarantined,
		LastError:         st.State.LastError,
	}
	return rec
}

func (rec record) toStrategy() (strategy.Strategy, error) {
	variant, err := strategy.CanonicalVariant(rec.Variant)
	if err != nil {
		return strategy.Strategy{}, err
	}

	st := strategy.Strategy{
		ID:              rec.ID,
		Symbol:          strings.ToUpper(strings.TrimSpace(rec.Symbol)),
		Variant:         variant,
		Quantity:        rec.Quantity,
		EntryCondition:  rec.EntryCondition,
		Enabled:         rec.Enabled,
		ScheduleEnabled: rec.ScheduleEnabled,
	}

	// New hand-written files may omit the phase.
	st.Phase = strategy.Phase(rec.Phase)
	if rec.Phase == "" {
		st.Phase = strategy.PhasePending
	}

	if st.EntryPrice, err = parseDec("entry_price", rec.EntryPrice); err != nil {
		return strategy.Strategy{}, err
	}
	if st.ScheduleAt, err = parseTime("schedule_at", rec.ScheduleAt); err != nil {
		return strategy.Strategy{}, err
	}
	if st.CreatedAt, err = parseTime("created_at", rec.CreatedAt); err != nil {
		return strategy.Strategy{}, err
	}
	if st.UpdatedAt, err = parseTime("updated_at", rec.UpdatedAt); err != nil {
		return strategy.Strategy{}, err
	}

	if rec.Trailing != nil {
		pct, err := parseDec("trailing_pct", rec.Trailing.TrailingPct)
		if err != nil {
			return strategy.Strategy{}, err
		}
		st.Trailing = &strategy.TrailingParams{TrailingPct: pct}
	}
	if rec.Bracket != nil {
		tp, err := parseDec("take_profit_pct", rec.Bracket.TakeProfitPct)
		if err != nil {
			return strategy.Strategy{}, err
		}
		sl, err := parseDec("stop_loss_pct", rec.Bracket.StopLossPct)
		if err != nil {
			return strategy.Strategy{}, err
		}
		st.Bracket = &strategy.BracketParams{TakeProfitPct: tp, StopLossPct: sl}
	}
	if rec.ScaleOut != nil {
		rungs := make([]strategy.Rung, len(rec.ScaleOut.Rungs))
		for i, r := range rec.ScaleOut.Rungs {
			above, err := parseDec("above_pct", r.AbovePct)
			if err != nil {
				return strategy.Strategy{}, err
			}
			frac, err := parseDec("fraction", r.Fraction)
			if err != nil {
				return strategy.Strategy{}, err
			}
			rungs[i] = strategy.Rung{AbovePct: above, Fraction: frac}
		}
		st.ScaleOut = &strategy.ScaleOutParams{Rungs: rungs}
	}
	if rec.Grid != nil {
		ref, err := parseDec("reference", rec.Grid.Reference)
		if err != nil {
			return strategy.Strategy{}, err
		}
		spacing, err := parseDec("spacing", rec.Grid.Spacing)
		if err != nil {
			return strategy.Strategy{}, err
		}
		st.Grid = &strategy.GridParams{
			Reference:   ref,
			Spacing:     spacing,
			Levels:      rec.Grid.Levels,
			QtyPerLevel: rec.Grid.QtyPerLevel,
		}
	}
	if rec.Pullback != nil {
		pb, err := parseDec("pullback_pct", rec.Pullback.PullbackPct)
		if err != nil {
			return strategy.Strategy{}, err
		}
		tr, err := parseDec("trailing_pct", rec.Pullback.TrailingPct)
		if err != nil {
			return strategy.Strategy{}, err
		}
		st.Pullback = &strategy.PullbackParams{PullbackPct: pb, TrailingPct: tr}
	}

	rs := strategy.RuntimeState{
		Cycle:         rec.State.Cycle,
		EntryOrderID:  rec.State.EntryOrderID,
		TrailOrderID:  rec.State.TrailOrderID,
		TPOrderID:     rec.State.TPOrderID,
		SLOrderID:     rec.State.SLOrderID,
		CancelRetries: rec.State.CancelRetries,
		OCODesync:     rec.State.OCODesync,
		RungOrderIDs:  rec.State.RungOrderIDs,
		RungsFilled:   rec.State.RungsFilled,
		GridSeq:       rec.State.GridSeq,
		Quarantined:   rec.State.Quarantined,
		LastError:     rec.State.LastError,
	}
	if rs.EntryFillPrice, err = parseDec("entry_fill_price", rec.State.EntryFillPrice); err != nil {
		return strategy.Strategy{}, err
	}
	if rs.ExitFillPrice, err = parseDec("exit_fill_price", rec.State.ExitFillPrice); err != nil {
		return strategy.Strategy{}, err
	}
	if rs.HighWatermark, err = parseDec("high_watermark", rec.State.HighWatermark); err != nil {
		return strategy.Strategy{}, err
	}
	if rs.PullbackReference, err = parseDec("pullback_reference", rec.State.PullbackReference); err != nil {
		return strategy.Strategy{}, err
	}
	for _, l := range rec.State.GridLevels {
		price, err := parseDec("grid level price", l.Price)
		if err != nil {
			return strategy.Strategy{}, err
		}
		rs.GridLevels = append(rs.GridLevels, strategy.GridLevel{
			Price:   price,
			Side:    types.Side(l.Side),
			OrderID: l.OrderID,
			Filled:  l.Filled,
		})
	}
	st.State = rs
	return st, nil
}
