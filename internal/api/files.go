package api

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/starford/laguz/internal/storage"
)

const maxUploadBytes = 50 << 20 // 50 MB

// FileHandler serves and accepts workspace data files (CSVs, images and
// other artifacts that live next to notebooks). Notebook files themselves
// go through the notebooks API.
type FileHandler struct {
	workspaceRoot string
}

// NewFileHandler creates a handler rooted at the workspace directory.
func NewFileHandler(workspaceRoot string) *FileHandler {
	return &FileHandler{workspaceRoot: workspaceRoot}
}

// safePath validates a workspace-relative file path (nested directories
// allowed, traversal rejected) and returns the absolute path.
func (h *FileHandler) safePath(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("file path is required")
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("invalid file path: %s", rel)
	}
	cleaned := filepath.Clean(rel)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("invalid file path: %s", rel)
	}
	abs := filepath.Join(h.workspaceRoot, cleaned)
	// Double-check the resolved path is under the workspace root.
	if !strings.HasPrefix(abs, h.workspaceRoot+string(os.PathSeparator)) && abs != h.workspaceRoot {
		return "", fmt.Errorf("path escapes workspace")
	}
	return abs, nil
}

// ServeFile handles GET /api/files/*.
//
//	@Summary		Serve a data file from the workspace
//	@Tags			files
//	@Param			path	path	string	true	"Workspace-relative file path"
//	@Success		200		"File contents"
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/files/{path} [get]
func (h *FileHandler) ServeFile(w http.ResponseWriter, r *http.Request) {
	rel := notebookPath(r)
	if strings.HasSuffix(rel, storage.NotebookExt) {
		writeJSON(w, http.StatusBadRequest, errorBody("use the notebooks API for notebook files"))
		return
	}
	abs, err := h.safePath(rel)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	info, statErr := os.Stat(abs)
	if os.IsNotExist(statErr) || (statErr == nil && info.IsDir()) {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, abs)
}

// Upload handles POST /api/files (multipart/form-data, field "file",
// optional field "dir" for a target subdirectory).
//
//	@Summary		Upload a data file into the workspace
//	@Tags			files
//	@Accept			multipart/form-data
//	@Produce		json
//	@Success		201	{object}	map[string]any
//	@Failure		400	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/files [post]
func (h *FileHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("file too large or invalid multipart"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("missing 'file' field in multipart form"))
		return
	}
	defer file.Close()

	rel := filepath.Base(header.Filename)
	if dir := r.FormValue("dir"); dir != "" {
		rel = filepath.Join(dir, rel)
	}
	if strings.HasSuffix(rel, storage.NotebookExt) {
		writeJSON(w, http.StatusBadRequest, errorBody("use the notebooks API for notebook files"))
		return
	}
	abs, err := h.safePath(rel)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody("failed to create directory"))
		return
	}

	dst, err := os.Create(abs)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody("failed to create file"))
		return
	}
	defer dst.Close()

	written, err := io.Copy(dst, file)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody("failed to write file"))
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"path": filepath.ToSlash(rel),
		"size": written,
		"url":  "/api/files/" + filepath.ToSlash(rel),
	})
}
