package workflowapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/herald/internal/approval"
	"github.com/linnemanlabs/herald/internal/authmw"
)

type decideRequest struct {
	Decision  string `json:"decision"`
	Text      string `json:"text"`
	DecidedBy string `json:"decided_by"`
}

func (a *API) handleListApprovals(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"pending": a.approvals.Pending()})
}

func (a *API) handleDecideApproval(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req decideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	var d approval.Decision
	switch req.Decision {
	case "approve":
		d.Approve = true
	case "reject":
	default:
		writeError(w, http.StatusBadRequest, `decision must be "approve" or "reject"`)
		return
	}
	d.Text = req.Text
	d.DecidedBy = req.DecidedBy
	if d.DecidedBy == "" {
		d.DecidedBy = authmw.Principal(r.Context())
	}

	out, err := a.approvals.Decide(r.Context(), handle, d)
	switch {
	case errors.Is(err, approval.ErrUnknownHandle):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, approval.ErrAlreadyDecided), errors.Is(err, approval.ErrExpired):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, approval.ErrTextRequired), errors.Is(err, approval.ErrRejectNotAllowed):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case err != nil:
		a.logger.Error(r.Context(), err, "failed to record approval decision", "handle", handle)
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		writeJSON(w, http.StatusOK, out)
	}
}
