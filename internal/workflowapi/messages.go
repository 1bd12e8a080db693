package workflowapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/herald/internal/workflow"
)

type submitRequest struct {
	ID         string    `json:"id"`
	Sender     string    `json:"sender"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
}

func (a *API) handleSubmitMessage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	req.ID = strings.TrimSpace(req.ID)
	req.Sender = strings.TrimSpace(req.Sender)
	if req.ID == "" || req.Sender == "" {
		writeError(w, http.StatusBadRequest, "id and sender are required")
		return
	}
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = time.Now().UTC()
	}
	msg := workflow.Message{
		ID:         req.ID,
		Sender:     req.Sender,
		Subject:    req.Subject,
		Body:       req.Body,
		ReceivedAt: req.ReceivedAt,
	}
	if err := msg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("herald.message.id", req.ID))

	err := a.engine.Submit(r.Context(), msg)
	switch {
	case errors.Is(err, workflow.ErrInvalidMessage):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, workflow.ErrDuplicateMessage):
		writeJSON(w, http.StatusConflict, map[string]string{"id": req.ID, "error": "duplicate message"})
	case errors.Is(err, workflow.ErrShutdown):
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusServiceUnavailable, "shutting down")
	case err != nil:
		a.logger.Error(r.Context(), err, "failed to submit message", "message_id", req.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"id": req.ID, "status": "accepted"})
	}
}
