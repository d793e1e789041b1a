// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes Laguz notebook tools for LLM integration via stdio
// transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/laguz/internal/history"
	"github.com/starford/laguz/internal/notebook"
	"github.com/starford/laguz/internal/service"
	"github.com/starford/laguz/internal/storage"
)

// Server wraps the MCP server with Laguz tools.
type Server struct {
	mcp   *server.MCPServer
	svc   *service.Service
	store storage.Provider
	runs  history.RunLog
}

// New creates a new MCP server with all Laguz tools registered.
func New(svc *service.Service, store storage.Provider, runs history.RunLog) *Server {
	s := &Server{svc: svc, store: store, runs: runs}

	s.mcp = server.NewMCPServer(
		"Laguz",
		"1.0.0",
		server.WithToolCapabilities(false),
	)

	s.mcp.AddTool(mcp.NewTool("list_notebooks",
		mcp.WithDescription("List all notebooks in the workspace with open/modified state."),
	), s.listNotebooks)

	s.mcp.AddTool(mcp.NewTool("read_notebook",
		mcp.WithDescription("Read a notebook: cells, sources, outputs, and kernel state as JSON."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Relative path to the notebook (e.g. analysis/trends.ipynb)")),
	), s.readNotebook)

	s.mcp.AddTool(mcp.NewTool("create_notebook",
		mcp.WithDescription("Create a new empty notebook at the specified path."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Relative path for the new notebook (must end with .ipynb)")),
	), s.createNotebook)

	s.mcp.AddTool(mcp.NewTool("insert_cell",
		mcp.WithDescription("Insert a cell into a notebook and save it. "+
			"Omit index to append at the end."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Notebook path")),
		mcp.WithString("source", mcp.Required(), mcp.Description("Cell source text")),
		mcp.WithNumber("index", mcp.Description("Position to insert at (default: end)")),
		mcp.WithString("cell_type", mcp.Description("Cell type: code, markdown, or raw (default: code)")),
	), s.insertCell)

	s.mcp.AddTool(mcp.NewTool("execute_cell",
		mcp.WithDescription("Execute one code cell on the notebook's kernel and return its outputs. "+
			"Starts a kernel session if the notebook has none."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Notebook path")),
		mcp.WithNumber("index", mcp.Required(), mcp.Description("Cell index to run")),
	), s.executeCell)

	s.mcp.AddTool(mcp.NewTool("run_code",
		mcp.WithDescription("Execute a code snippet on a kernel without touching any notebook."),
		mcp.WithString("code", mcp.Required(), mcp.Description("Code to execute")),
		mcp.WithString("kernel", mcp.Description("Kernel spec name (default: first configured)")),
	), s.runCode)

	s.mcp.AddTool(mcp.NewTool("notebook_history",
		mcp.WithDescription("List recorded cell executions for a notebook, most recent first."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Notebook path")),
		mcp.WithNumber("limit", mcp.Description("Max runs to return (default: 20)")),
	), s.notebookHistory)

	s.mcp.AddTool(mcp.NewTool("fetch_data",
		mcp.WithDescription("Download a data file (CSV, JSON, image) into the workspace so "+
			"notebook code can read it. Accepts http(s) URLs and base64 data URIs."),
		mcp.WithString("url", mcp.Required(), mcp.Description("Source URL or data URI")),
		mcp.WithString("filename", mcp.Description("Target filename (default: derived from URL)")),
	), s.fetchData)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// ensureOpen returns the document for path, opening it on demand.
func (s *Server) ensureOpen(ctx context.Context, path string) (*notebook.Document, error) {
	if d, ok := s.svc.Lookup(path); ok {
		return d, nil
	}
	if !s.svc.Exists(path) {
		return nil, fmt.Errorf("not found: %s", path)
	}
	return s.svc.Open(ctx, path)
}

func (s *Server) listNotebooks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	items, err := s.svc.List(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(items) == 0 {
		return mcp.NewToolResultText("no notebooks in workspace"), nil
	}
	lines := make([]string, 0, len(items))
	for _, m := range items {
		line := m.Path
		switch {
		case m.Open && m.Modified:
			line += "  (open, modified)"
		case m.Open:
			line += "  (open)"
		}
		lines = append(lines, line)
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

func (s *Server) readNotebook(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if _, err := s.ensureOpen(ctx, path); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	view, err := s.svc.View(path)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, _ := json.MarshalIndent(view, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) createNotebook(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if _, err := s.svc.Create(ctx, path); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("created: %s", path)), nil
}

func (s *Server) insertCell(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	source, err := req.RequireString("source")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	cellType := "code"
	if v, tErr := req.RequireString("cell_type"); tErr == nil && v != "" {
		cellType = v
	}

	d, err := s.ensureOpen(ctx, path)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	idx := d.Len()
	if v, iErr := req.RequireInt("index"); iErr == nil {
		idx = v
	}

	// Insert, fill in the source, and persist in one go. MCP callers have
	// no separate save step.
	for _, cmd := range []service.Command{
		{Name: service.CmdInsertCell, Index: idx, CellType: cellType},
		{Name: service.CmdSetSource, Index: idx, Text: source},
		{Name: service.CmdSave},
	} {
		if _, err := s.svc.Dispatch(ctx, path, cmd); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
	}
	return mcp.NewToolResultText(fmt.Sprintf("inserted cell %d in %s", idx, path)), nil
}

func (s *Server) executeCell(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	idx, err := req.RequireInt("index")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if _, err := s.ensureOpen(ctx, path); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := s.svc.Dispatch(ctx, path, service.Command{Name: service.CmdRunCell, Index: idx})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, _ := json.MarshalIndent(res.Exec, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) runCode(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := req.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	kernelName := ""
	if v, kErr := req.RequireString("kernel"); kErr == nil {
		kernelName = v
	}
	res, err := s.svc.RunCode(ctx, code, kernelName)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, _ := json.MarshalIndent(service.ExecViewOf(res), "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) notebookHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	limit := 20
	if v, lErr := req.RequireInt("limit"); lErr == nil && v > 0 {
		limit = v
	}
	runs, _, err := s.runs.List(path, limit, 0)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(runs) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("no runs recorded for %s", path)), nil
	}
	out, _ := json.MarshalIndent(runs, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}
