package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/signalbot/internal/dispatch"
	"github.com/alanyoungcy/signalbot/internal/domain"
)

// DecisionsHandler serves the recent-decisions stream.
type DecisionsHandler struct {
	bus    domain.DecisionBus
	logger *slog.Logger
}

// NewDecisionsHandler creates a DecisionsHandler. bus may be nil when Redis
// is disabled.
func NewDecisionsHandler(bus domain.DecisionBus, logger *slog.Logger) *DecisionsHandler {
	return &DecisionsHandler{bus: bus, logger: logHandler(logger, "decisions")}
}

type decisionItem struct {
	ID       string          `json:"id"`
	Decision json.RawMessage `json:"decision"`
}

// Recent lists the newest decision events first.
// GET /api/decisions/recent?limit=N
func (h *DecisionsHandler) Recent(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "decision stream is disabled")
		return
	}

	msgs, err := h.bus.StreamRecent(r.Context(), dispatch.DecisionsChannel, parseLimit(r, 50, 500))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "read decision stream",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "decision stream unavailable")
		return
	}

	items := make([]decisionItem, 0, len(msgs))
	for _, m := range msgs {
		if !json.Valid(m.Payload) {
			continue
		}
		items = append(items, decisionItem{ID: m.ID, Decision: m.Payload})
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": items})
}
