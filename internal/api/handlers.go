package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"autotrader/internal/engine"
	"autotrader/internal/store"
	"autotrader/internal/strategy"
)

// EngineControl is the slice of the engine the API needs. Narrowed to an
// interface so handler tests run against a fake.
type EngineControl interface {
	Status() engine.Status
	Kill(reason string)
	Reset()
	RunOnce(ctx context.Context) error
}

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	engine EngineControl
	store  *store.Store
	logger *slog.Logger
}

// NewHandlers creates a new handlers instance.
func NewHandlers(eng EngineControl, st *store.Store, logger *slog.Logger) *Handlers {
	return &Handlers{
		engine: eng,
		store:  st,
		logger: logger.With("component", "api-handlers"),
	}
}

// HandleHealth returns a simple health check response.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.logger, map[string]string{"status": "ok"})
}

// HandleStatus returns the engine status snapshot.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.logger, h.engine.Status())
}

// StrategySummary is the per-strategy row in the list response.
type StrategySummary struct {
	ID          string `json:"id"`
	Symbol      string `json:"symbol"`
	Variant     string `json:"variant"`
	Phase       string `json:"phase"`
	Enabled     bool   `json:"enabled"`
	Quarantined bool   `json:"quarantined"`
	LastError   string `json:"last_error,omitempty"`
}

// HandleStrategies lists all stored strategies.
func (h *Handlers) HandleStrategies(w http.ResponseWriter, r *http.Request) {
	all, err := h.store.LoadAll()
	if err != nil {
		h.logger.Error("list strategies failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	out := make([]StrategySummary, 0, len(all))
	for _, st := range all {
		out = append(out, summarize(st))
	}
	writeJSON(w, h.logger, out)
}

// HandleKill engages the kill switch. Body: {"reason": "..."}.
func (h *Handlers) HandleKill(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Reason == "" {
		http.Error(w, "reason required", http.StatusBadRequest)
		return
	}
	h.engine.Kill(body.Reason)
	writeJSON(w, h.logger, h.engine.Status())
}

// HandleReset disengages the kill switch.
func (h *Handlers) HandleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.engine.Reset()
	writeJSON(w, h.logger, h.engine.Status())
}

// HandleCycle triggers one manual evaluation cycle.
func (h *Handlers) HandleCycle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := h.engine.RunOnce(ctx); err != nil {
		h.logger.Error("manual cycle failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, h.logger, h.engine.Status())
}

func summarize(st strategy.Strategy) StrategySummary {
	return StrategySummary{
		ID:          st.ID,
		Symbol:      st.Symbol,
		Variant:     string(st.Variant),
		Phase:       string(st.Phase),
		Enabled:     st.Enabled,
		Quarantined: st.State.Quarantined,
		LastError:   st.State.LastError,
	}
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("encode response failed", "error", err)
	}
}
