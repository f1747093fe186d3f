package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/spherical-ai/docpipe/internal/domain"
	"github.com/spherical-ai/docpipe/internal/observability"
	"github.com/spherical-ai/docpipe/internal/pipeline"
	"github.com/spherical-ai/docpipe/internal/storage"
)

type handlers struct {
	svc    Service
	db     Pinger
	logger *observability.Logger
}

// TaskResponse wraps a task for the API.
type TaskResponse struct {
	Task *storage.Task `json:"task"`
}

// TaskListResponse lists tasks.
type TaskListResponse struct {
	Tasks []*storage.Task `json:"tasks"`
	Count int             `json:"count"`
}

// PagesResponse lists the pages of a task.
type PagesResponse struct {
	TaskID string                `json:"task_id"`
	Pages  []*storage.TaskDetail `json:"pages"`
}

// RetryResponse reports how many pages were queued again.
type RetryResponse struct {
	TaskID string `json:"task_id"`
	Pages  int    `json:"pages"`
}

// GET /health
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		if err := h.db.Ping(r.Context()); err != nil {
			h.writeError(w, http.StatusServiceUnavailable, "database unavailable", err.Error())
			return
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "docpipe"})
}

// GET /status
func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.Status(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

// GET /tasks?status=&limit=
func (h *handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	filter := storage.TaskFilter{Status: domain.TaskStatus(r.URL.Query().Get("status")), Limit: 50}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			h.writeError(w, http.StatusBadRequest, "invalid limit", raw)
			return
		}
		filter.Limit = limit
	}

	tasks, err := h.svc.Tasks(r.Context(), filter)
	if err != nil {
		h.fail(w, err)
		return
	}
	if tasks == nil {
		tasks = []*storage.Task{}
	}
	h.writeJSON(w, http.StatusOK, TaskListResponse{Tasks: tasks, Count: len(tasks)})
}

// POST /tasks
func (h *handlers) submit(w http.ResponseWriter, r *http.Request) {
	var req pipeline.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	task, err := h.svc.Submit(r.Context(), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, TaskResponse{Task: task})
}

// GET /tasks/{id}
func (h *handlers) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.svc.Task(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, TaskResponse{Task: task})
}

// GET /tasks/{id}/pages
func (h *handlers) pages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	pages, err := h.svc.Pages(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	if pages == nil {
		pages = []*storage.TaskDetail{}
	}
	h.writeJSON(w, http.StatusOK, PagesResponse{TaskID: id, Pages: pages})
}

// GET /tasks/{id}/output
func (h *handlers) output(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.Output(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(out))
}

// POST /tasks/{id}/cancel
func (h *handlers) cancel(w http.ResponseWriter, r *http.Request) {
	task, err := h.svc.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, TaskResponse{Task: task})
}

// POST /tasks/{id}/retry
func (h *handlers) retry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := h.svc.RetryFailedPages(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, RetryResponse{TaskID: id, Pages: n})
}

// DELETE /tasks/{id}
func (h *handlers) cleanup(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Cleanup(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fail maps pipeline errors to HTTP statuses.
func (h *handlers) fail(w http.ResponseWriter, err error) {
	var (
		docErr   *domain.NonRetryableDocumentError
		fmtErr   *domain.FormatError
		orderErr *domain.RangeOrderError
		emptyErr *domain.EmptyResultError
	)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not found", err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		h.writeError(w, http.StatusConflict, "invalid task state", err.Error())
	case errors.As(err, &docErr):
		h.writeError(w, http.StatusUnprocessableEntity, "document cannot be processed", err.Error())
	case errors.As(err, &fmtErr), errors.As(err, &orderErr), errors.As(err, &emptyErr),
		domain.IsType(err, domain.ErrorTypeValidation):
		h.writeError(w, http.StatusBadRequest, "invalid request", err.Error())
	default:
		h.logger.Error().Err(err).Msg("Request failed")
		h.writeError(w, http.StatusInternalServerError, "internal error", err.Error())
	}
}

func (h *handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *handlers) writeError(w http.ResponseWriter, status int, message, detail string) {
	resp := map[string]string{"error": message}
	if detail != "" {
		resp["detail"] = detail
	}
	h.writeJSON(w, status, resp)
}
