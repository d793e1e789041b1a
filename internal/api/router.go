package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/laguz/internal/history"
	"github.com/starford/laguz/internal/service"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
// workspaceRoot is used to resolve data file paths.
func NewRouter(svc *service.Service, runs history.RunLog, authEnabled bool, token string, sseHandler http.Handler, workspaceRoot string) chi.Router {
	h := NewHandler(svc, runs)
	fh := NewFileHandler(workspaceRoot)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Notebooks CRUD.
	r.Get("/notebooks", h.ListNotebooks)
	r.Post("/notebooks", h.CreateNotebook)
	r.Get("/notebooks/*", h.GetNotebook)
	r.Put("/notebooks/*", h.SaveNotebook)
	r.Delete("/notebooks/*", h.DeleteNotebook)

	// Commands against a notebook.
	r.Post("/commands/*", h.Dispatch)

	// Workspace verbs that take the path in the body.
	r.Post("/workspace/close", h.CloseNotebook)
	r.Post("/workspace/rename", h.RenameNotebook)

	// Kernels.
	r.Get("/kernelspecs", h.Kernelspecs)
	r.Post("/run", h.RunCode)

	// Run history.
	r.Get("/history", h.History)
	r.Get("/history/search", h.HistorySearch)

	// Workspace data files.
	r.Get("/files/*", fh.ServeFile)
	r.Post("/files", fh.Upload)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
