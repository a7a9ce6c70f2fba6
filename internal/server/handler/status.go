package handler

import (
	"net/http"

	"github.com/alanyoungcy/signalbot/internal/dispatch"
)

// StatusSource exposes the runtime state of the pipeline. Implemented by
// *dispatch.Dispatcher.
type StatusSource interface {
	DryRun() bool
	Halt() *dispatch.Halt
	InFlight() int64
}

// StatusHandler serves the backend status for operators.
type StatusHandler struct {
	src    StatusSource
	symbol string
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(src StatusSource, symbol string) *StatusHandler {
	return &StatusHandler{src: src, symbol: symbol}
}

// GetStatus responds with the execution mode, halt state and in-flight count.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	mode := "live"
	dry := h.src.DryRun()
	if dry {
		mode = "dry-run"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":      mode,
		"dry_run":   dry,
		"symbol":    h.symbol,
		"halt":      h.src.Halt().State(),
		"in_flight": h.src.InFlight(),
	})
}
