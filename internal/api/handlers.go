package api

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/laguz/internal/apperr"
	"github.com/starford/laguz/internal/history"
	"github.com/starford/laguz/internal/notebook"
	"github.com/starford/laguz/internal/service"
)

// Handler holds API route handlers.
type Handler struct {
	svc  *service.Service
	runs history.RunLog
}

// NewHandler creates a new Handler.
func NewHandler(svc *service.Service, runs history.RunLog) *Handler {
	return &Handler{svc: svc, runs: runs}
}

// notebookPath extracts the notebook path from the URL (everything after
// the route prefix). Supports encoded slashes from OpenAPI clients
// (e.g. analysis%2Ftrends.ipynb).
func notebookPath(r *http.Request) string {
	raw := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if raw == "" {
		return ""
	}
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}

// ensureOpen returns the document for path, opening it on demand. Paths
// with no file and no open document report ErrNotFound.
func (h *Handler) ensureOpen(r *http.Request, path string) (*notebook.Document, error) {
	if d, ok := h.svc.Lookup(path); ok {
		return d, nil
	}
	if !h.svc.Exists(path) {
		return nil, apperr.ErrNotFound
	}
	return h.svc.Open(r.Context(), path)
}

// ListNotebooks handles GET /api/notebooks.
//
//	@Summary		List workspace notebooks with open/modified flags
//	@Tags			notebooks
//	@Produce		json
//	@Success		200	{object}	NotebookListResponse
//	@Security		BearerAuth
//	@Router			/notebooks [get]
func (h *Handler) ListNotebooks(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.List(r.Context())
	if err != nil {
		slog.Error("list notebooks failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, NotebookListResponse{
		Notebooks: items,
		Total:     len(items),
	})
}

// GetNotebook handles GET /api/notebooks/*.
//
//	@Summary		Get a notebook view, opening the file on demand
//	@Tags			notebooks
//	@Produce		json
//	@Param			path	path		string	true	"Notebook path"
//	@Success		200		{object}	NotebookDetail
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notebooks/{path} [get]
func (h *Handler) GetNotebook(w http.ResponseWriter, r *http.Request) {
	path := notebookPath(r)
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	if _, err := h.ensureOpen(r, path); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
		} else {
			slog.Error("open notebook failed", slog.String("path", path), slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}
	view, err := h.svc.View(path)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// CreateNotebook handles POST /api/notebooks.
//
//	@Summary		Create a new notebook file
//	@Tags			notebooks
//	@Accept			json
//	@Produce		json
//	@Param			body	body		CreateNotebookRequest	true	"Notebook to create"
//	@Success		201		{object}	NotebookDetail
//	@Failure		400		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notebooks [post]
func (h *Handler) CreateNotebook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req CreateNotebookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if req.Path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	if _, err := h.svc.Create(r.Context(), req.Path); err != nil {
		if errors.Is(err, apperr.ErrAlreadyExists) {
			writeJSON(w, http.StatusConflict, errorBody("notebook already exists"))
		} else {
			slog.Error("create notebook failed", slog.String("path", req.Path), slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}
	view, err := h.svc.View(req.Path)
	if err != nil {
		slog.Error("view after create failed", slog.String("path", req.Path), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

// SaveNotebook handles PUT /api/notebooks/*.
//
//	@Summary		Save an open notebook back to its file
//	@Tags			notebooks
//	@Produce		json
//	@Param			path	path		string	true	"Notebook path"
//	@Success		200		{object}	NotebookDetail
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notebooks/{path} [put]
func (h *Handler) SaveNotebook(w http.ResponseWriter, r *http.Request) {
	path := notebookPath(r)
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	if err := h.svc.Save(r.Context(), path); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("not open"))
		} else {
			slog.Error("save notebook failed", slog.String("path", path), slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}
	view, err := h.svc.View(path)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorBody("not open"))
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// DeleteNotebook handles DELETE /api/notebooks/*.
//
//	@Summary		Delete a notebook file and its run history
//	@Tags			notebooks
//	@Param			path	path	string	true	"Notebook path"
//	@Success		204		"Notebook deleted"
//	@Failure		404		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/notebooks/{path} [delete]
func (h *Handler) DeleteNotebook(w http.ResponseWriter, r *http.Request) {
	path := notebookPath(r)
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	if err := h.svc.Delete(r.Context(), path); err != nil {
		switch {
		case errors.Is(err, apperr.ErrConflict):
			writeJSON(w, http.StatusConflict, errorBody("notebook is open"))
		case errors.Is(err, fs.ErrNotExist):
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
		default:
			slog.Error("delete notebook failed", slog.String("path", path), slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Dispatch handles POST /api/commands/*.
//
//	@Summary		Dispatch a document, execution, or kernel command
//	@Tags			commands
//	@Accept			json
//	@Produce		json
//	@Param			path	path		string	true	"Notebook path"
//	@Param			body	body		Command	true	"Command to apply"
//	@Success		200		{object}	CommandResult
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/commands/{path} [post]
func (h *Handler) Dispatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 10<<20)
	path := notebookPath(r)
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	var cmd Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if err := cmd.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	if _, err := h.ensureOpen(r, path); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
		} else {
			slog.Error("open notebook failed", slog.String("path", path), slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}

	res, err := h.svc.Dispatch(r.Context(), path, cmd)
	if err != nil {
		switch {
		case errors.Is(err, apperr.ErrNotFound):
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
		case errors.Is(err, apperr.ErrInvalidIndex):
			writeJSON(w, http.StatusBadRequest, errorBody("index out of range"))
		case errors.Is(err, apperr.ErrNothingToUndo), errors.Is(err, apperr.ErrNothingToRedo):
			writeJSON(w, http.StatusConflict, errorBody("nothing to undo or redo"))
		case errors.Is(err, apperr.ErrAlreadyExists):
			writeJSON(w, http.StatusConflict, errorBody("target already exists"))
		case errors.Is(err, apperr.ErrKernelUnavailable), errors.Is(err, apperr.ErrKernelConnect), errors.Is(err, apperr.ErrSessionDead):
			writeJSON(w, http.StatusServiceUnavailable, errorBody("kernel unavailable"))
		case errors.Is(err, apperr.ErrExecutionTimeout):
			writeJSON(w, http.StatusGatewayTimeout, errorBody("execution timed out"))
		default:
			slog.Error("command failed",
				slog.String("path", path),
				slog.String("command", cmd.Name),
				slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CloseNotebook handles POST /api/workspace/close.
//
//	@Summary		Close an open notebook
//	@Tags			workspace
//	@Accept			json
//	@Success		204	"Notebook closed"
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/workspace/close [post]
func (h *Handler) CloseNotebook(w http.ResponseWriter, r *http.Request) {
	var req CloseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	if err := h.svc.Close(req.Path); err != nil {
		writeJSON(w, http.StatusNotFound, errorBody("not open"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RenameNotebook handles POST /api/workspace/rename.
//
//	@Summary		Rename a notebook file, moving the open document with it
//	@Tags			workspace
//	@Accept			json
//	@Success		204	"Notebook renamed"
//	@Failure		404	{object}	errResponse
//	@Failure		409	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/workspace/rename [post]
func (h *Handler) RenameNotebook(w http.ResponseWriter, r *http.Request) {
	var req RenameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" || req.NewPath == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path and new_path are required"))
		return
	}
	if err := h.svc.Rename(r.Context(), req.Path, req.NewPath); err != nil {
		switch {
		case errors.Is(err, apperr.ErrAlreadyExists):
			writeJSON(w, http.StatusConflict, errorBody("target already exists"))
		case errors.Is(err, fs.ErrNotExist):
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
		default:
			slog.Error("rename failed",
				slog.String("path", req.Path),
				slog.String("new_path", req.NewPath),
				slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Kernelspecs handles GET /api/kernelspecs.
//
//	@Summary		List configured kernel specs
//	@Tags			kernels
//	@Produce		json
//	@Param			language	query	string	false	"Filter by language"
//	@Success		200	{object}	map[string]any
//	@Security		BearerAuth
//	@Router			/kernelspecs [get]
func (h *Handler) Kernelspecs(w http.ResponseWriter, r *http.Request) {
	mgr := h.svc.KernelManager()
	specs := mgr.Specs()
	if lang := r.URL.Query().Get("language"); lang != "" {
		specs = mgr.SpecsForLanguage(lang)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"kernelspecs": specs,
	})
}

// RunCode handles POST /api/run.
//
//	@Summary		Execute code on a named kernel outside any notebook
//	@Tags			kernels
//	@Accept			json
//	@Produce		json
//	@Param			body	body		RunCodeRequest	true	"Code to run"
//	@Success		200		{object}	service.ExecView
//	@Failure		400		{object}	errResponse
//	@Failure		503		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/run [post]
func (h *Handler) RunCode(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 10<<20)
	var req RunCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if req.Code == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("code is required"))
		return
	}
	res, err := h.svc.RunCode(r.Context(), req.Code, req.Kernel)
	if err != nil {
		switch {
		case errors.Is(err, apperr.ErrKernelUnavailable), errors.Is(err, apperr.ErrKernelConnect), errors.Is(err, apperr.ErrSessionDead):
			writeJSON(w, http.StatusServiceUnavailable, errorBody("kernel unavailable"))
		case errors.Is(err, apperr.ErrExecutionTimeout):
			writeJSON(w, http.StatusGatewayTimeout, errorBody("execution timed out"))
		default:
			slog.Error("run code failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}
	writeJSON(w, http.StatusOK, service.ExecViewOf(res))
}

// History handles GET /api/history.
//
//	@Summary		List recorded runs, optionally scoped to a notebook or cell
//	@Tags			history
//	@Produce		json
//	@Param			path	query		string	false	"Notebook path filter"
//	@Param			cell_id	query		string	false	"Cell id (requires path)"
//	@Param			limit	query		int		false	"Page size"
//	@Param			offset	query		int		false	"Page offset"
//	@Success		200		{object}	HistoryResponse
//	@Security		BearerAuth
//	@Router			/history [get]
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody("history disabled"))
		return
	}
	q := r.URL.Query()
	path := q.Get("path")
	cellID := q.Get("cell_id")
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	if cellID != "" {
		if path == "" {
			writeJSON(w, http.StatusBadRequest, errorBody("cell_id requires path"))
			return
		}
		runs, err := h.runs.CellRuns(path, cellID, limit)
		if err != nil {
			slog.Error("cell history failed", slog.String("path", path), slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
			return
		}
		writeJSON(w, http.StatusOK, HistoryResponse{Runs: runs, Total: len(runs)})
		return
	}

	runs, total, err := h.runs.List(path, limit, offset)
	if err != nil {
		slog.Error("history failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Runs: runs, Total: total})
}

// HistorySearch handles GET /api/history/search.
//
//	@Summary		Search recorded runs by code fragment
//	@Tags			history
//	@Produce		json
//	@Param			q		query		string	true	"Search query"
//	@Param			limit	query		int		false	"Max results"
//	@Success		200		{object}	HistoryResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/history/search [get]
func (h *Handler) HistorySearch(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody("history disabled"))
		return
	}
	q := r.URL.Query().Get("q")
	if q == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'q' is required"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := h.runs.Search(q, limit)
	if err != nil {
		slog.Error("history search failed", slog.String("query", q), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Runs: runs, Total: len(runs)})
}
