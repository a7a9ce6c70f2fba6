package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/alanyoungcy/signalbot/internal/dispatch"
	"github.com/alanyoungcy/signalbot/internal/server/middleware"
)

// HaltController clears a live-trading halt. Implemented by
// *dispatch.Dispatcher.
type HaltController interface {
	Acknowledge(ctx context.Context, operator string) (dispatch.HaltState, bool)
}

// TradingHandler serves operator trading controls.
type TradingHandler struct {
	ctl HaltController
}

// NewTradingHandler creates a TradingHandler.
func NewTradingHandler(ctl HaltController) *TradingHandler {
	return &TradingHandler{ctl: ctl}
}

type ackRequest struct {
	Operator string `json:"operator"`
}

// Acknowledge clears an authentication halt. The operator is taken from the
// body, else the X-Operator header; an empty body is accepted.
// POST /api/trading/ack
func (h *TradingHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	operator := strings.TrimSpace(req.Operator)
	if operator == "" {
		operator = middleware.Operator(r.Context())
	}
	if operator == "" {
		operator = "api"
	}

	prev, cleared := h.ctl.Acknowledge(r.Context(), operator)
	if !cleared {
		writeError(w, http.StatusConflict, "live trading is not halted")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"acknowledged": true,
		"operator":     operator,
		"cleared":      prev,
	})
}
