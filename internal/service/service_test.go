package service

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/starford/laguz/internal/apperr"
	"github.com/starford/laguz/internal/cell"
	"github.com/starford/laguz/internal/history"
	"github.com/starford/laguz/internal/kernel"
	"github.com/starford/laguz/internal/notebook"
	"github.com/starford/laguz/internal/registry"
	"github.com/starford/laguz/internal/sse"
	"github.com/starford/laguz/internal/storage"
	"github.com/starford/laguz/internal/testutil"
)

type serviceEnv struct {
	store  storage.Provider
	reg    *registry.Registry
	runs   *history.DB
	broker *sse.Broker
	prov   *testutil.EchoProvider
	svc    *Service
}

func newServiceEnv(t *testing.T) *serviceEnv {
	t.Helper()
	_, store := testutil.TestWorkspace(t)
	mgr, prov := testutil.TestKernels(t)
	runs := testutil.TestHistory(t)
	broker := sse.NewBroker(0)
	t.Cleanup(broker.Close)

	reg := registry.New(notebook.Deps{
		Store:   store,
		Kernels: mgr,
		Logger:  testutil.TestLogger(),
		SelectKernel: func(ctx context.Context, language string) (*kernel.Spec, error) {
			specs := mgr.Specs()
			return &specs[0], nil
		},
	}, testutil.TestLogger())

	svc := New(Deps{
		Store:    store,
		Registry: reg,
		Kernels:  mgr,
		Runs:     runs,
		Broker:   broker,
		Logger:   testutil.TestLogger(),
	})
	t.Cleanup(svc.Shutdown)

	return &serviceEnv{store: store, reg: reg, runs: runs, broker: broker, prov: prov, svc: svc}
}

// waitEvent drains the subscription until an event of the wanted type
// arrives.
func waitEvent(t *testing.T, ch chan []byte, eventType string) []byte {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				t.Fatalf("subscription closed while waiting for %q", eventType)
			}
			if bytes.Contains(msg, []byte("event: "+eventType+"\n")) {
				return msg
			}
		case <-deadline:
			t.Fatalf("no %q event within deadline", eventType)
		}
	}
}

func TestService_OpenSharesInstance(t *testing.T) {
	env := newServiceEnv(t)
	testutil.WriteNotebook(t, env.store, "note.ipynb", "x = 1")

	d1, err := env.svc.Open(context.Background(), "note.ipynb")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	d2, err := env.svc.Open(context.Background(), "note.ipynb")
	if err != nil {
		t.Fatalf("second Open() error = %v", err)
	}
	if d1 != d2 {
		t.Error("second Open() returned a different instance")
	}
	if got := d1.Refs(); got != 1 {
		t.Errorf("Refs() = %d, want 1 (service holds a single reference)", got)
	}
	if _, ok := env.svc.Lookup("note.ipynb"); !ok {
		t.Error("Lookup() after Open() = false, want true")
	}
	if env.svc.ActiveNotebook() != d1 {
		t.Error("ActiveNotebook() is not the opened document")
	}
}

func TestService_OpenMissingPathStartsBlank(t *testing.T) {
	env := newServiceEnv(t)

	d, err := env.svc.Open(context.Background(), "fresh.ipynb")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if got := d.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1 blank cell", got)
	}
	if d.Modified() {
		t.Error("Modified() = true for a fresh document")
	}
	if _, err := env.store.Read("fresh.ipynb"); err == nil {
		t.Error("file exists before first save")
	}
}

func TestService_CreateWritesFile(t *testing.T) {
	env := newServiceEnv(t)

	d, err := env.svc.Create(context.Background(), "new.ipynb")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := env.store.Read("new.ipynb"); err != nil {
		t.Fatalf("file missing after Create: %v", err)
	}
	if d.Modified() {
		t.Error("Modified() = true right after Create")
	}

	if _, err := env.svc.Create(context.Background(), "new.ipynb"); !errors.Is(err, apperr.ErrAlreadyExists) {
		t.Errorf("second Create() error = %v, want ErrAlreadyExists", err)
	}
}

func TestService_CloseReleasesDocument(t *testing.T) {
	env := newServiceEnv(t)
	testutil.WriteNotebook(t, env.store, "note.ipynb", "x = 1")

	if _, err := env.svc.Open(context.Background(), "note.ipynb"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := env.svc.Close("note.ipynb"); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, ok := env.svc.Lookup("note.ipynb"); ok {
		t.Error("Lookup() after Close() = true, want false")
	}
	if got := env.reg.Len(); got != 0 {
		t.Errorf("registry Len() = %d after close, want 0", got)
	}
	if err := env.svc.Close("note.ipynb"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("second Close() error = %v, want ErrNotFound", err)
	}
}

func TestService_CreateUntitledSaveAsJoinsWorkspace(t *testing.T) {
	env := newServiceEnv(t)

	d := env.svc.CreateUntitled()
	if !d.Untitled() {
		t.Fatal("CreateUntitled() document has a path")
	}
	if env.svc.ActiveNotebook() != d {
		t.Error("untitled document is not active")
	}

	if err := env.svc.SaveAs(context.Background(), d, "kept.ipynb"); err != nil {
		t.Fatalf("SaveAs() error = %v", err)
	}
	if d.Untitled() {
		t.Error("Untitled() = true after SaveAs")
	}
	if _, err := env.store.Read("kept.ipynb"); err != nil {
		t.Fatalf("file missing after SaveAs: %v", err)
	}
	if got, ok := env.svc.Lookup("kept.ipynb"); !ok || got != d {
		t.Error("Lookup() under the new path does not return the document")
	}
}

func TestService_SaveAsOntoOpenPathFails(t *testing.T) {
	env := newServiceEnv(t)
	testutil.WriteNotebook(t, env.store, "a.ipynb", "a")
	testutil.WriteNotebook(t, env.store, "b.ipynb", "b")

	da, err := env.svc.Open(context.Background(), "a.ipynb")
	if err != nil {
		t.Fatalf("Open(a) error = %v", err)
	}
	if _, err := env.svc.Open(context.Background(), "b.ipynb"); err != nil {
		t.Fatalf("Open(b) error = %v", err)
	}

	if err := env.svc.SaveAs(context.Background(), da, "b.ipynb"); !errors.Is(err, apperr.ErrAlreadyExists) {
		t.Errorf("SaveAs() onto open path error = %v, want ErrAlreadyExists", err)
	}
	if got := da.Path(); got != "a.ipynb" {
		t.Errorf("Path() = %q after failed SaveAs, want a.ipynb", got)
	}
}

func TestService_RenameOpenDocumentFollows(t *testing.T) {
	env := newServiceEnv(t)
	testutil.WriteNotebook(t, env.store, "old.ipynb", "x = 1")

	d, err := env.svc.Open(context.Background(), "old.ipynb")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := env.svc.Rename(context.Background(), "old.ipynb", "new.ipynb"); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	if got := d.Path(); got != "new.ipynb" {
		t.Errorf("Path() = %q, want new.ipynb", got)
	}
	if _, err := env.store.Read("old.ipynb"); err == nil {
		t.Error("old file still exists after rename")
	}
	if _, err := env.store.Read("new.ipynb"); err != nil {
		t.Errorf("new file missing after rename: %v", err)
	}
	if got, ok := env.svc.Lookup("new.ipynb"); !ok || got != d {
		t.Error("Lookup() under the new path does not return the document")
	}
}

func TestService_RenameClosedMovesFile(t *testing.T) {
	env := newServiceEnv(t)
	testutil.WriteNotebook(t, env.store, "old.ipynb", "x = 1")

	if err := env.svc.Rename(context.Background(), "old.ipynb", "moved.ipynb"); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	if _, err := env.store.Read("old.ipynb"); err == nil {
		t.Error("old file still exists after rename")
	}
	if _, err := env.store.Read("moved.ipynb"); err != nil {
		t.Errorf("moved file missing: %v", err)
	}
}

func TestService_RenameOntoExistingFails(t *testing.T) {
	env := newServiceEnv(t)
	testutil.WriteNotebook(t, env.store, "a.ipynb", "a")
	testutil.WriteNotebook(t, env.store, "b.ipynb", "b")

	err := env.svc.Rename(context.Background(), "a.ipynb", "b.ipynb")
	if !errors.Is(err, apperr.ErrAlreadyExists) {
		t.Errorf("Rename() error = %v, want ErrAlreadyExists", err)
	}
}

func TestService_DeleteOpenRejectedThenSucceeds(t *testing.T) {
	env := newServiceEnv(t)
	testutil.WriteNotebook(t, env.store, "note.ipynb", "x = 1")

	if _, err := env.svc.Open(context.Background(), "note.ipynb"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := env.svc.Dispatch(context.Background(), "note.ipynb", Command{Name: CmdRunCell, Index: 0}); err != nil {
		t.Fatalf("Dispatch(run-cell) error = %v", err)
	}
	if runs, _, err := env.runs.List("note.ipynb", 10, 0); err != nil || len(runs) == 0 {
		t.Fatalf("history List() = %d runs, err %v, want a recorded run", len(runs), err)
	}

	if err := env.svc.Delete(context.Background(), "note.ipynb"); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("Delete() of open notebook error = %v, want ErrConflict", err)
	}

	if err := env.svc.Close("note.ipynb"); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := env.svc.Delete(context.Background(), "note.ipynb"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := env.store.Read("note.ipynb"); err == nil {
		t.Error("file still exists after Delete")
	}
	if _, total, err := env.runs.List("note.ipynb", 10, 0); err != nil || total != 0 {
		t.Errorf("history total = %d after Delete, err %v, want 0", total, err)
	}
}

func TestService_ListFlagsOpenAndModified(t *testing.T) {
	env := newServiceEnv(t)
	testutil.WriteNotebook(t, env.store, "closed.ipynb", "a")
	testutil.WriteNotebook(t, env.store, "open.ipynb", "b")

	d, err := env.svc.Open(context.Background(), "open.ipynb")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := d.InsertCell(1, cell.TypeCode); err != nil {
		t.Fatalf("InsertCell() error = %v", err)
	}

	items, err := env.svc.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	byPath := make(map[string]NotebookItem, len(items))
	for _, it := range items {
		byPath[it.Path] = it
	}
	if it := byPath["closed.ipynb"]; it.Open || it.Modified {
		t.Errorf("closed.ipynb flags = open %v modified %v, want false false", it.Open, it.Modified)
	}
	it, ok := byPath["open.ipynb"]
	if !ok {
		t.Fatal("open.ipynb missing from listing")
	}
	if !it.Open || !it.Modified {
		t.Errorf("open.ipynb flags = open %v modified %v, want true true", it.Open, it.Modified)
	}
}

func TestService_RunCodeReusesScratchSession(t *testing.T) {
	env := newServiceEnv(t)

	res, err := env.svc.RunCode(context.Background(), "1 + 1", "python3")
	if err != nil {
		t.Fatalf("RunCode() error = %v", err)
	}
	if res.Status != kernel.StatusMsgOK || res.ExecutionCount != 1 {
		t.Errorf("RunCode() = status %q count %d, want ok 1", res.Status, res.ExecutionCount)
	}
	if len(res.Outputs) == 0 || res.Outputs[0].Text != "1 + 1" {
		t.Errorf("RunCode() outputs = %+v, want echoed code", res.Outputs)
	}

	if _, err := env.svc.RunCode(context.Background(), "2 + 2", "python3"); err != nil {
		t.Fatalf("second RunCode() error = %v", err)
	}
	if got := env.svc.KernelManager().SessionCount(); got != 1 {
		t.Errorf("SessionCount() = %d, want 1 reused scratch session", got)
	}

	// Empty kernel name falls back to the first configured spec.
	if _, err := env.svc.RunCode(context.Background(), "3 + 3", ""); err != nil {
		t.Fatalf("RunCode(\"\") error = %v", err)
	}
	if got := env.svc.KernelManager().SessionCount(); got != 1 {
		t.Errorf("SessionCount() = %d after fallback run, want 1", got)
	}
	if got := env.prov.Executed(); len(got) != 3 {
		t.Errorf("Executed() = %v, want three runs", got)
	}
}

func TestService_RunCodeUsesActiveKernel(t *testing.T) {
	env := newServiceEnv(t)
	testutil.WriteNotebook(t, env.store, "note.ipynb", "x = 1")

	if _, err := env.svc.Open(context.Background(), "note.ipynb"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := env.svc.Dispatch(context.Background(), "note.ipynb", Command{Name: CmdRunCell, Index: 0}); err != nil {
		t.Fatalf("Dispatch(run-cell) error = %v", err)
	}
	if got := env.svc.KernelManager().SessionCount(); got != 1 {
		t.Fatalf("SessionCount() = %d after first run, want 1", got)
	}

	if _, err := env.svc.RunCode(context.Background(), "9", ""); err != nil {
		t.Fatalf("RunCode() error = %v", err)
	}
	if got := env.svc.KernelManager().SessionCount(); got != 1 {
		t.Errorf("SessionCount() = %d, want 1 (reused the notebook session)", got)
	}
	codes := env.prov.Executed()
	if len(codes) != 2 || codes[1] != "9" {
		t.Errorf("Executed() = %v, want notebook run then ad-hoc code", codes)
	}
}

func TestService_EventsReachBroker(t *testing.T) {
	env := newServiceEnv(t)
	testutil.WriteNotebook(t, env.store, "note.ipynb", "x = 1")

	sub := env.broker.Subscribe()
	defer env.broker.Unsubscribe(sub)

	d, err := env.svc.Open(context.Background(), "note.ipynb")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := d.InsertCell(1, cell.TypeCode); err != nil {
		t.Fatalf("InsertCell() error = %v", err)
	}
	msg := waitEvent(t, sub, "document.changed")
	if !bytes.Contains(msg, []byte("note.ipynb")) {
		t.Errorf("document.changed payload %q does not carry the path", msg)
	}

	if _, err := env.svc.Dispatch(context.Background(), "note.ipynb", Command{Name: CmdRunCell, Index: 0}); err != nil {
		t.Fatalf("Dispatch(run-cell) error = %v", err)
	}
	waitEvent(t, sub, "kernel.status")
	msg = waitEvent(t, sub, "run.finished")
	if !bytes.Contains(msg, []byte(`"status":"ok"`)) {
		t.Errorf("run.finished payload %q does not carry the status", msg)
	}
}

func TestService_ShutdownStopsService(t *testing.T) {
	env := newServiceEnv(t)
	testutil.WriteNotebook(t, env.store, "note.ipynb", "x = 1")
	if _, err := env.svc.Open(context.Background(), "note.ipynb"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	env.svc.Shutdown()
	env.svc.Shutdown() // idempotent

	if _, err := env.svc.Open(context.Background(), "note.ipynb"); err == nil {
		t.Error("Open() after Shutdown() succeeded, want error")
	}
	if got := env.svc.KernelManager().SessionCount(); got != 0 {
		t.Errorf("SessionCount() = %d after Shutdown, want 0", got)
	}
}
