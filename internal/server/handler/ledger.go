package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

// LedgerHandler exposes read-only ledger lookups.
type LedgerHandler struct {
	ledger domain.Ledger
	logger *slog.Logger
}

// NewLedgerHandler creates a LedgerHandler.
func NewLedgerHandler(ledger domain.Ledger, logger *slog.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: ledger, logger: logHandler(logger, "ledger")}
}

type ledgerEntryResponse struct {
	Source    string    `json:"source"`
	ContentID string    `json:"content_id"`
	Outcome   string    `json:"outcome"`
	Stage     string    `json:"stage"`
	Reason    string    `json:"reason,omitempty"`
	Simulated bool      `json:"simulated"`
	OrderID   string    `json:"order_id,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// GetEntry returns the ledger entry for one event identity.
// GET /api/ledger/{source}/{content_id}
func (h *LedgerHandler) GetEntry(w http.ResponseWriter, r *http.Request) {
	src, err := domain.ParseSourceType(pathParam(r, "source"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	contentID := strings.TrimSpace(pathParam(r, "content_id"))
	if contentID == "" {
		writeError(w, http.StatusBadRequest, "content_id is required")
		return
	}

	e, err := h.ledger.Get(r.Context(), domain.EventIdentity{Source: src, ContentID: contentID})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no ledger entry")
			return
		}
		h.logger.ErrorContext(r.Context(), "ledger lookup failed",
			slog.String("source", string(src)),
			slog.String("content_id", contentID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "ledger unavailable")
		return
	}

	writeJSON(w, http.StatusOK, ledgerEntryResponse{
		Source:    string(e.Identity.Source),
		ContentID: e.Identity.ContentID,
		Outcome:   string(e.Outcome),
		Stage:     string(e.Stage),
		Reason:    e.Reason,
		Simulated: e.Simulated,
		OrderID:   e.OrderID,
		DecidedAt: e.DecidedAt,
	})
}
