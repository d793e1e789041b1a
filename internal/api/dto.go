package api

import (
	"github.com/starford/laguz/internal/history"
	"github.com/starford/laguz/internal/service"
)

// CreateNotebookRequest is the request body for creating a notebook.
type CreateNotebookRequest struct {
	Path string `json:"path" example:"analysis/trends.ipynb"`
}

// RenameRequest is the request body for renaming a notebook file.
type RenameRequest struct {
	Path    string `json:"path" example:"old.ipynb"`
	NewPath string `json:"new_path" example:"new.ipynb"`
}

// CloseRequest is the request body for closing an open notebook.
type CloseRequest struct {
	Path string `json:"path" example:"analysis/trends.ipynb"`
}

// RunCodeRequest is the request body for ad-hoc code execution.
type RunCodeRequest struct {
	Code   string `json:"code" example:"1 + 1"`
	Kernel string `json:"kernel,omitempty" example:"python3"`
}

// NotebookDetail is the full notebook response type (aliased from the
// service layer).
type NotebookDetail = service.NotebookView

// NotebookListItem is a lightweight item in a list response (aliased from
// the service layer).
type NotebookListItem = service.NotebookItem

// Command is a dispatchable notebook command (aliased from the service
// layer).
type Command = service.Command

// CommandResult reports what a dispatched command did (aliased from the
// service layer).
type CommandResult = service.CommandResult

// RunRecord is one recorded cell execution (aliased from the history
// layer).
type RunRecord = history.Run

// NotebookListResponse wraps workspace listings.
type NotebookListResponse struct {
	Notebooks []NotebookListItem `json:"notebooks"`
	Total     int                `json:"total" example:"3"`
}

// HistoryResponse wraps paginated run history.
type HistoryResponse struct {
	Runs  []RunRecord `json:"runs"`
	Total int         `json:"total" example:"42"`
}
