// internal/dispatch/handler.go
package dispatch

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"marketrust/internal/apperr"
	"marketrust/internal/httpx"
)

const maxEventBytes = 1 << 20

type Handler struct {
	dispatcher *Dispatcher
	nowFn      func() time.Time
}

func NewHandler(dispatcher *Dispatcher) *Handler {
	return &Handler{dispatcher: dispatcher, nowFn: time.Now}
}

// Routes mounts the event endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/events", h.HandleEvent)
}

// HandleEvent answers 202 once the rule ran, 400 for events that will never
// succeed and 503 for failures the trigger runtime should redeliver.
func (h *Handler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	const op = "dispatch.HandleEvent"

	var ev Event
	if err := json.NewDecoder(io.LimitReader(r.Body, maxEventBytes)).Decode(&ev); err != nil {
		httpx.Error(w, apperr.Wrap(apperr.KindInput, apperr.CodeMalformedEvent, op, err))
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = h.nowFn().UTC()
	}

	if err := h.dispatcher.Dispatch(r.Context(), ev); err != nil {
		if apperr.KindOf(err) == apperr.KindInput {
			httpx.Error(w, err)
			return
		}
		httpx.ErrorStatus(w, http.StatusServiceUnavailable, err)
		return
	}

	httpx.JSON(w, http.StatusAccepted, map[string]string{"id": ev.ID, "status": "accepted"})
}
