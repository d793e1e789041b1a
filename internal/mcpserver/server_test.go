package mcpserver

import (
	"context"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/laguz/internal/kernel"
	"github.com/starford/laguz/internal/notebook"
	"github.com/starford/laguz/internal/registry"
	"github.com/starford/laguz/internal/service"
	"github.com/starford/laguz/internal/storage"
	"github.com/starford/laguz/internal/testutil"
)

func testServer(t *testing.T) (*Server, storage.Provider) {
	t.Helper()

	_, store := testutil.TestWorkspace(t)
	mgr, _ := testutil.TestKernels(t)
	runs := testutil.TestHistory(t)

	reg := registry.New(notebook.Deps{
		Store:   store,
		Kernels: mgr,
		Logger:  testutil.TestLogger(),
		SelectKernel: func(ctx context.Context, language string) (*kernel.Spec, error) {
			specs := mgr.Specs()
			return &specs[0], nil
		},
	}, testutil.TestLogger())

	svc := service.New(service.Deps{
		Store:    store,
		Registry: reg,
		Kernels:  mgr,
		Runs:     runs,
		Logger:   testutil.TestLogger(),
	})
	t.Cleanup(svc.Shutdown)

	return New(svc, store, runs), store
}

func callTool(t *testing.T, srv *Server, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	// mcp-go has no direct "call tool" test helper, so we invoke the
	// handler functions directly.
	var result *mcp.CallToolResult
	var err error

	switch name {
	case "list_notebooks":
		result, err = srv.listNotebooks(ctx, req)
	case "read_notebook":
		result, err = srv.readNotebook(ctx, req)
	case "create_notebook":
		result, err = srv.createNotebook(ctx, req)
	case "insert_cell":
		result, err = srv.insertCell(ctx, req)
	case "execute_cell":
		result, err = srv.executeCell(ctx, req)
	case "run_code":
		result, err = srv.runCode(ctx, req)
	case "notebook_history":
		result, err = srv.notebookHistory(ctx, req)
	case "fetch_data":
		result, err = srv.fetchData(ctx, req)
	default:
		t.Fatalf("unknown tool: %s", name)
	}

	if err != nil {
		t.Fatalf("tool %s error: %v", name, err)
	}
	return result
}

func resultText(r *mcp.CallToolResult) string {
	if len(r.Content) > 0 {
		if tc, ok := r.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func TestCreateAndReadNotebook(t *testing.T) {
	srv, _ := testServer(t)

	r := callTool(t, srv, "create_notebook", map[string]interface{}{
		"path": "test.ipynb",
	})
	if text := resultText(r); text != "created: test.ipynb" {
		t.Errorf("create result = %q", text)
	}

	r = callTool(t, srv, "read_notebook", map[string]interface{}{
		"path": "test.ipynb",
	})
	text := resultText(r)
	if !strings.Contains(text, `"path": "test.ipynb"`) {
		t.Errorf("read result missing path, got %q", text)
	}
	if !strings.Contains(text, `"cells"`) {
		t.Errorf("read result missing cells, got %q", text)
	}
}

func TestListNotebooks(t *testing.T) {
	srv, store := testServer(t)
	testutil.WriteNotebook(t, store, "a.ipynb", "1")
	testutil.WriteNotebook(t, store, "b.ipynb", "2")

	r := callTool(t, srv, "list_notebooks", map[string]interface{}{})
	text := resultText(r)
	if !strings.Contains(text, "a.ipynb") || !strings.Contains(text, "b.ipynb") {
		t.Errorf("list = %q, want both notebooks", text)
	}

	// Opening one shows up as a flag.
	_ = callTool(t, srv, "read_notebook", map[string]interface{}{"path": "a.ipynb"})
	r = callTool(t, srv, "list_notebooks", map[string]interface{}{})
	if text := resultText(r); !strings.Contains(text, "a.ipynb  (open)") {
		t.Errorf("list = %q, want a.ipynb flagged open", text)
	}
}

func TestReadNotebookMissing(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "read_notebook", map[string]interface{}{"path": "nope.ipynb"})
	if !r.IsError {
		t.Error("expected error for missing notebook")
	}
}

func TestInsertCell(t *testing.T) {
	srv, store := testServer(t)

	_ = callTool(t, srv, "create_notebook", map[string]interface{}{"path": "ins.ipynb"})

	r := callTool(t, srv, "insert_cell", map[string]interface{}{
		"path":   "ins.ipynb",
		"source": "x = 1",
	})
	if text := resultText(r); text != "inserted cell 1 in ins.ipynb" {
		t.Errorf("insert result = %q", text)
	}

	// The tool saves, so the source must be on disk.
	data, err := store.Read("ins.ipynb")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "x = 1") {
		t.Error("inserted source not persisted")
	}
}

func TestInsertCellMarkdown(t *testing.T) {
	srv, _ := testServer(t)

	_ = callTool(t, srv, "create_notebook", map[string]interface{}{"path": "md.ipynb"})

	r := callTool(t, srv, "insert_cell", map[string]interface{}{
		"path":      "md.ipynb",
		"source":    "# Title",
		"index":     0,
		"cell_type": "markdown",
	})
	if r.IsError {
		t.Fatalf("insert failed: %s", resultText(r))
	}

	r = callTool(t, srv, "read_notebook", map[string]interface{}{"path": "md.ipynb"})
	if text := resultText(r); !strings.Contains(text, `"markdown"`) {
		t.Errorf("read result missing markdown cell, got %q", text)
	}
}

func TestExecuteCell(t *testing.T) {
	srv, store := testServer(t)
	testutil.WriteNotebook(t, store, "run.ipynb", "print(40 + 2)")

	r := callTool(t, srv, "execute_cell", map[string]interface{}{
		"path":  "run.ipynb",
		"index": 0,
	})
	text := resultText(r)
	if r.IsError {
		t.Fatalf("execute failed: %s", text)
	}
	if !strings.Contains(text, `"status": "ok"`) {
		t.Errorf("execute result = %q, want ok status", text)
	}
	if !strings.Contains(text, "print(40 + 2)") {
		t.Errorf("execute result = %q, want echoed output", text)
	}
}

func TestRunCode(t *testing.T) {
	srv, _ := testServer(t)

	r := callTool(t, srv, "run_code", map[string]interface{}{"code": "1 + 1"})
	text := resultText(r)
	if r.IsError {
		t.Fatalf("run_code failed: %s", text)
	}
	if !strings.Contains(text, `"status": "ok"`) {
		t.Errorf("run_code result = %q, want ok status", text)
	}
}

func TestNotebookHistory(t *testing.T) {
	srv, store := testServer(t)
	testutil.WriteNotebook(t, store, "hist.ipynb", "answer = 42")

	// No runs yet.
	r := callTool(t, srv, "notebook_history", map[string]interface{}{"path": "hist.ipynb"})
	if text := resultText(r); text != "no runs recorded for hist.ipynb" {
		t.Errorf("empty history = %q", text)
	}

	_ = callTool(t, srv, "execute_cell", map[string]interface{}{
		"path":  "hist.ipynb",
		"index": 0,
	})

	r = callTool(t, srv, "notebook_history", map[string]interface{}{"path": "hist.ipynb"})
	if text := resultText(r); !strings.Contains(text, "answer = 42") {
		t.Errorf("history = %q, want recorded code", text)
	}
}

func TestFetchData_DataURI(t *testing.T) {
	srv, store := testServer(t)

	r := callTool(t, srv, "fetch_data", map[string]interface{}{
		"url":      "data:text/csv;base64,YSxiCjEsMgo=",
		"filename": "sample.csv",
	})
	text := resultText(r)
	if r.IsError {
		t.Fatalf("fetch failed: %s", text)
	}
	if !strings.Contains(text, `"saved_path":"data/sample.csv"`) {
		t.Errorf("fetch result = %q", text)
	}

	data, err := store.Read("data/sample.csv")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "a,b\n1,2\n" {
		t.Errorf("saved content = %q", data)
	}

	// Second fetch to the same name must refuse.
	r = callTool(t, srv, "fetch_data", map[string]interface{}{
		"url":      "data:text/csv;base64,YSxiCjEsMgo=",
		"filename": "sample.csv",
	})
	if !r.IsError {
		t.Error("expected error for duplicate filename")
	}
}

func TestFetchData_BadExtension(t *testing.T) {
	srv, _ := testServer(t)

	r := callTool(t, srv, "fetch_data", map[string]interface{}{
		"url":      "data:text/csv;base64,YSxiCjEsMgo=",
		"filename": "evil.exe",
	})
	if !r.IsError {
		t.Error("expected error for disallowed extension")
	}
}

func TestFetchData_BlockedHost(t *testing.T) {
	srv, _ := testServer(t)

	r := callTool(t, srv, "fetch_data", map[string]interface{}{
		"url": "http://127.0.0.1/secrets.csv",
	})
	if !r.IsError {
		t.Fatal("expected error for loopback host")
	}
	if text := resultText(r); !strings.Contains(text, "blocked host") {
		t.Errorf("error = %q, want blocked host", text)
	}
}
