package jobs

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/opzstudio/backend/internal/ledger"
	"github.com/opzstudio/backend/internal/middleware"
	"github.com/opzstudio/backend/internal/models"
)

type CreateJobRequest struct {
	ToolID string `json:"tool_id"`
	Prompt string `json:"prompt"`
	Cost   int    `json:"cost"`
}

type SubmitResultRequest struct {
	Status       string `json:"status"`
	ResultURL    string `json:"result_url,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type Handler struct {
	svc      Service
	ledger   ledger.Service
	staleTTL time.Duration
	log      *slog.Logger
}

func NewHandler(svc Service, ledgerSvc ledger.Service, staleTTL time.Duration, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, ledger: ledgerSvc, staleTTL: staleTTL, log: log}
}

// CreateJob handles POST /v1/jobs: debit, create, enqueue generation.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromCtx(r.Context())
	if identity == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.ToolID == "" || req.Prompt == "" || req.Cost <= 0 {
		http.Error(w, `{"error":"tool_id, prompt and a positive cost are required"}`, http.StatusBadRequest)
		return
	}
	job, err := h.svc.Start(r.Context(), identity.UserID, req.ToolID, req.Prompt, req.Cost)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			h.writeInsufficient(w, r, identity.UserID, identity.Email)
			return
		}
		h.log.Error("start job failed", "error", err)
		http.Error(w, `{"error":"start job failed"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

// ListJobs handles GET /v1/jobs. Listing is the session-entry point, so the
// per-user stale sweep runs first; a sweep error only logs, the list still
// serves.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromCtx(r.Context())
	if identity == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	if _, err := h.svc.SweepStale(r.Context(), identity.UserID, h.staleTTL); err != nil {
		h.log.Error("opportunistic sweep failed", "user_id", identity.UserID, "error", err)
	}
	list, err := h.svc.ListByUser(r.Context(), identity.UserID)
	if err != nil {
		h.log.Error("list jobs failed", "error", err)
		http.Error(w, `{"error":"list jobs failed"}`, http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*models.GenerationJob{}
	}
	writeJSON(w, http.StatusOK, list)
}

// GetJob handles GET /v1/jobs/{id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromCtx(r.Context())
	if identity == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	jobID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid job id"}`, http.StatusBadRequest)
		return
	}
	job, err := h.svc.GetJob(r.Context(), jobID)
	if err != nil {
		http.Error(w, `{"error":"job not found"}`, http.StatusNotFound)
		return
	}
	if job.UserID != identity.UserID {
		http.Error(w, `{"error":"job not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// SubmitResult handles POST /v1/jobs/{id}/result, the external worker's
// progress callback. Terminal marks are idempotent; a late callback after the
// sweeper already refunded the job is a no-op.
func (h *Handler) SubmitResult(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid job id"}`, http.StatusBadRequest)
		return
	}
	var req SubmitResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	switch req.Status {
	case models.JobStatusProcessing:
		err = h.svc.MarkProcessing(r.Context(), jobID)
	case models.JobStatusCompleted:
		if req.ResultURL == "" {
			http.Error(w, `{"error":"result_url is required for completed"}`, http.StatusBadRequest)
			return
		}
		err = h.svc.MarkCompleted(r.Context(), jobID, req.ResultURL)
	case models.JobStatusFailed:
		if req.ErrorMessage == "" {
			req.ErrorMessage = "worker reported failure"
		}
		err = h.svc.MarkFailed(r.Context(), jobID, req.ErrorMessage)
	default:
		http.Error(w, `{"error":"status must be processing, completed or failed"}`, http.StatusBadRequest)
		return
	}
	if err != nil {
		h.log.Error("submit result failed", "job_id", jobID, "status", req.Status, "error", err)
		http.Error(w, `{"error":"submit result failed"}`, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeInsufficient blocks the request and shows the current balance.
func (h *Handler) writeInsufficient(w http.ResponseWriter, r *http.Request, userID uuid.UUID, email string) {
	resp := map[string]any{"error": "insufficient credits"}
	if status, err := h.ledger.GetStatus(r.Context(), userID, email); err == nil {
		resp["credits"] = status.Credits
	}
	writeJSON(w, http.StatusPaymentRequired, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
