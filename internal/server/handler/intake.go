package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/signalbot/internal/dispatch"
	"github.com/alanyoungcy/signalbot/internal/domain"
)

// maxIntakeBody bounds the size of an intake request body.
const maxIntakeBody = 1 << 20

// EventProcessor runs a content event through the pipeline. Implemented by
// *dispatch.Dispatcher.
type EventProcessor interface {
	Process(ctx context.Context, ev domain.ContentEvent) (dispatch.Result, error)
}

// eventPayload is the wire shape pushed by the web monitor and social relays.
type eventPayload struct {
	UUID      string `json:"uuid"`
	Type      string `json:"type"`
	URL       string `json:"url"`
	Username  string `json:"username"`
	ContentID string `json:"content-id"`
	Content   string `json:"content"`
	IP        string `json:"ip"`
}

// IntakeHandler accepts content events.
type IntakeHandler struct {
	proc   EventProcessor
	logger *slog.Logger
	now    func() time.Time
}

// NewIntakeHandler creates an IntakeHandler.
func NewIntakeHandler(proc EventProcessor, logger *slog.Logger) *IntakeHandler {
	return &IntakeHandler{
		proc:   proc,
		logger: logHandler(logger, "intake"),
		now:    time.Now,
	}
}

// WebMonitor accepts an event from the web monitor. A missing "type" field
// defaults to web-monitor.
// POST /notify/web-monitor
func (h *IntakeHandler) WebMonitor(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, string(domain.SourceWebMonitor))
}

// Event accepts an event of any supported source type.
// POST /api/events
func (h *IntakeHandler) Event(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, "")
}

func (h *IntakeHandler) handle(w http.ResponseWriter, r *http.Request, defaultType string) {
	ev, err := h.decode(r, defaultType)
	if err != nil {
		h.logger.InfoContext(r.Context(), "intake rejected",
			slog.String("error", err.Error()),
			slog.String("remote_addr", r.RemoteAddr),
		)
		writeJSON(w, http.StatusUnprocessableEntity, dispatch.Result{
			Status:  dispatch.StatusError,
			Message: err.Error(),
		})
		return
	}

	res, err := h.proc.Process(r.Context(), ev)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, domain.ErrValidation):
		writeJSON(w, http.StatusUnprocessableEntity, res)
	default:
		// The dispatcher already logged the failure with full context. The
		// caller only gets the generic message carried on res.
		if res.Message == "" {
			res = dispatch.Result{Status: dispatch.StatusError, Message: "event processing failed"}
		}
		writeJSON(w, http.StatusInternalServerError, res)
	}
}

func (h *IntakeHandler) decode(r *http.Request, defaultType string) (domain.ContentEvent, error) {
	var p eventPayload
	dec := json.NewDecoder(io.LimitReader(r.Body, maxIntakeBody))
	if err := dec.Decode(&p); err != nil {
		return domain.ContentEvent{}, &domain.ValidationError{
			Field:  "body",
			Reason: fmt.Sprintf("malformed JSON: %v", err),
		}
	}

	typ := strings.TrimSpace(p.Type)
	if typ == "" {
		typ = defaultType
	}
	src, err := domain.ParseSourceType(typ)
	if err != nil {
		return domain.ContentEvent{}, err
	}

	return domain.ContentEvent{
		UUID:       strings.TrimSpace(p.UUID),
		Source:     src,
		URL:        p.URL,
		Username:   p.Username,
		ContentID:  strings.TrimSpace(p.ContentID),
		Content:    p.Content,
		RemoteIP:   p.IP,
		ReceivedAt: h.now().UTC(),
	}, nil
}
