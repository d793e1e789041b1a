// Package service coordinates documents, kernels, history, and the event
// broker behind one host-independent façade. HTTP handlers, MCP tools, and
// embedding hosts all talk to this layer.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/starford/laguz/internal/apperr"
	"github.com/starford/laguz/internal/cell"
	"github.com/starford/laguz/internal/history"
	"github.com/starford/laguz/internal/kernel"
	"github.com/starford/laguz/internal/notebook"
	"github.com/starford/laguz/internal/registry"
	"github.com/starford/laguz/internal/sse"
	"github.com/starford/laguz/internal/storage"
)

// Deps are the service collaborators. Broker and Runs are optional; without
// them events are simply not forwarded and runs not recorded.
type Deps struct {
	Store    storage.Provider
	Registry *registry.Registry
	Kernels  *kernel.Manager
	Runs     history.RunLog
	Broker   *sse.Broker
	Logger   *slog.Logger
}

// Service is the notebook workbench: it owns which documents are open,
// the cross-document clipboard, scratch sessions for ad-hoc code, and the
// bridges that fan document events out to the broker and history log.
type Service struct {
	store    storage.Provider
	reg      *registry.Registry
	kernels  *kernel.Manager
	runs     history.RunLog
	broker   *sse.Broker
	logger   *slog.Logger
	recorder *history.Recorder

	mu        sync.Mutex
	opened    map[string]*notebook.Document
	bridges   map[*notebook.Document][]func()
	scratch   map[string]*kernel.Session
	clipboard []*cell.Cell
	active    *notebook.Document
	closed    bool

	disposers []func()
}

// New wires a service over deps and subscribes it to workspace and kernel
// events.
func New(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:   deps.Store,
		reg:     deps.Registry,
		kernels: deps.Kernels,
		runs:    deps.Runs,
		broker:  deps.Broker,
		logger:  logger,
		opened:  make(map[string]*notebook.Document),
		bridges: make(map[*notebook.Document][]func()),
		scratch: make(map[string]*kernel.Session),
	}
	if s.runs != nil {
		s.recorder = history.NewRecorder(s.runs, logger)
	}

	s.disposers = append(s.disposers, s.reg.OnDidChange(func(ev registry.Event) {
		if s.broker != nil {
			s.broker.PublishWorkspaceEvent(string(ev.Kind), ev.Path)
		}
	}))
	s.disposers = append(s.disposers, s.kernels.OnDidChangeStatus(func(sc kernel.StatusChange) {
		if s.broker != nil {
			s.broker.Publish(sse.Event{Type: "kernel.status", Data: map[string]string{
				"kernel": sc.Kernel,
				"status": string(sc.Status),
			}})
		}
	}))
	return s
}

// KernelManager exposes kernel discovery and session control.
func (s *Service) KernelManager() *kernel.Manager { return s.kernels }

// ActiveNotebook returns the document of the most recent open or command,
// or nil.
func (s *Service) ActiveNotebook() *notebook.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// OnDidChangeKernelStatus registers a listener for status transitions of
// any session. It returns a disposer.
func (s *Service) OnDidChangeKernelStatus(fn func(kernel.StatusChange)) func() {
	return s.kernels.OnDidChangeStatus(fn)
}

// Open returns the shared document for path, loading it on first open.
// Opening an already open path returns the same instance without taking
// another reference: the service is one viewer no matter how many clients
// sit behind it.
func (s *Service) Open(ctx context.Context, path string) (*notebook.Document, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("service: open %s: service is closed", path)
	}
	if d, ok := s.opened[path]; ok {
		s.active = d
		s.mu.Unlock()
		return d, nil
	}
	s.mu.Unlock()

	d, err := s.reg.Acquire(ctx, path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if prev, ok := s.opened[path]; ok {
		// Lost a race against a concurrent Open of the same path.
		s.active = prev
		s.mu.Unlock()
		s.reg.Release(d)
		return prev, nil
	}
	s.opened[path] = d
	s.adoptLocked(d)
	s.mu.Unlock()

	s.logger.Info("service: notebook opened", slog.String("path", path))
	return d, nil
}

// CreateUntitled makes a fresh in-memory document that only exists in this
// process until saved-as.
func (s *Service) CreateUntitled() *notebook.Document {
	d := s.reg.CreateUntitled()
	s.mu.Lock()
	s.adoptLocked(d)
	s.mu.Unlock()
	return d
}

// Create makes a new notebook file at path and returns it open.
func (s *Service) Create(ctx context.Context, path string) (*notebook.Document, error) {
	if _, err := s.store.Read(path); err == nil {
		return nil, fmt.Errorf("service: create %s: %w", path, apperr.ErrAlreadyExists)
	}
	d, err := s.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := d.Save(ctx); err != nil {
		s.CloseDocument(d)
		return nil, err
	}
	return d, nil
}

// Exists reports whether a notebook file is on disk at path.
func (s *Service) Exists(path string) bool {
	_, err := s.store.Read(path)
	return err == nil
}

// Lookup returns the open document for path without opening it.
func (s *Service) Lookup(path string) (*notebook.Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.opened[path]
	return d, ok
}

// Close releases the document open under path.
func (s *Service) Close(path string) error {
	s.mu.Lock()
	d, ok := s.opened[path]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("service: close %s: %w", path, apperr.ErrNotFound)
	}
	s.CloseDocument(d)
	return nil
}

// CloseDocument releases a document obtained from Open, Create, or
// CreateUntitled.
func (s *Service) CloseDocument(d *notebook.Document) {
	if d == nil {
		return
	}
	s.mu.Lock()
	for p, doc := range s.opened {
		if doc == d {
			delete(s.opened, p)
		}
	}
	disposers := s.bridges[d]
	delete(s.bridges, d)
	if s.active == d {
		s.active = nil
	}
	s.mu.Unlock()

	s.reg.Release(d)
	for _, off := range disposers {
		off()
	}
}

// Save writes the document open under path back to its file.
func (s *Service) Save(ctx context.Context, path string) error {
	d, ok := s.Lookup(path)
	if !ok {
		return fmt.Errorf("service: save %s: %w", path, apperr.ErrNotFound)
	}
	return d.Save(ctx)
}

// SaveAs writes d to newPath and re-keys it, so later opens of newPath
// share this instance.
func (s *Service) SaveAs(ctx context.Context, d *notebook.Document, newPath string) error {
	if other, ok := s.reg.Lookup(newPath); ok && other != d {
		return fmt.Errorf("service: save as %s: %w", newPath, apperr.ErrAlreadyExists)
	}
	oldPath := d.Path()
	if err := d.SaveAs(ctx, newPath); err != nil {
		return err
	}
	if err := s.reg.Rename(d, newPath); err != nil {
		return err
	}
	s.mu.Lock()
	if s.opened[oldPath] == d {
		delete(s.opened, oldPath)
	}
	s.opened[newPath] = d
	s.mu.Unlock()
	return nil
}

// Rename moves a notebook file. An open document follows: its contents are
// saved under the new path and the old file is removed.
func (s *Service) Rename(ctx context.Context, oldPath, newPath string) error {
	if oldPath == newPath {
		return nil
	}
	if _, err := s.store.Read(newPath); err == nil {
		return fmt.Errorf("service: rename to %s: %w", newPath, apperr.ErrAlreadyExists)
	}
	if d, ok := s.Lookup(oldPath); ok {
		if err := s.SaveAs(ctx, d, newPath); err != nil {
			return err
		}
		if err := s.store.Delete(oldPath); err != nil {
			return fmt.Errorf("service: rename %s: remove old file: %w", oldPath, err)
		}
		return nil
	}
	return s.store.Move(oldPath, newPath)
}

// Delete removes a notebook file and its recorded history. Open documents
// must be closed first.
func (s *Service) Delete(ctx context.Context, path string) error {
	if _, ok := s.Lookup(path); ok {
		return fmt.Errorf("service: delete %s: notebook is open: %w", path, apperr.ErrConflict)
	}
	if err := s.store.Delete(path); err != nil {
		return err
	}
	if s.runs != nil {
		if err := s.runs.DeleteForPath(path); err != nil {
			s.logger.Warn("service: drop history failed", slog.String("path", path), slog.String("error", err.Error()))
		}
	}
	return nil
}

// NotebookItem is one row of the workspace listing.
type NotebookItem struct {
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	UpdatedAt time.Time `json:"updated_at"`
	Open      bool      `json:"open"`
	Modified  bool      `json:"modified"`
}

// List returns every notebook file in the workspace, flagged with its
// in-memory state.
func (s *Service) List(_ context.Context) ([]NotebookItem, error) {
	infos, err := s.store.List("")
	if err != nil {
		return nil, err
	}
	items := make([]NotebookItem, len(infos))
	for i, fi := range infos {
		item := NotebookItem{
			Path:      fi.Path,
			Size:      fi.Size,
			UpdatedAt: fi.UpdatedAt,
		}
		if d, ok := s.Lookup(fi.Path); ok {
			item.Open = true
			item.Modified = d.Modified()
		}
		items[i] = item
	}
	return items, nil
}

// RunCode executes code against a named kernel outside any notebook, on a
// scratch session reused across calls. An empty kernelName falls back to
// the active notebook's kernel, then to the first configured spec.
func (s *Service) RunCode(ctx context.Context, code, kernelName string) (*kernel.ExecResult, error) {
	if kernelName == "" {
		if d := s.ActiveNotebook(); d != nil {
			if sess := d.Session(); sess != nil && sess.Alive() {
				return sess.Execute(ctx, code, kernel.ExecCallbacks{}, 0)
			}
		}
		specs := s.kernels.Specs()
		if len(specs) == 0 {
			return nil, fmt.Errorf("service: run code: %w", apperr.ErrKernelUnavailable)
		}
		kernelName = specs[0].Name
	}

	sess, err := s.scratchSession(ctx, kernelName)
	if err != nil {
		return nil, err
	}
	return sess.Execute(ctx, code, kernel.ExecCallbacks{}, 0)
}

// scratchSession returns the live ad-hoc session for kernelName, starting
// one if needed.
func (s *Service) scratchSession(ctx context.Context, kernelName string) (*kernel.Session, error) {
	s.mu.Lock()
	if sess, ok := s.scratch[kernelName]; ok && sess.Alive() {
		s.mu.Unlock()
		return sess, nil
	}
	s.mu.Unlock()

	sess, err := s.kernels.StartSession(ctx, kernelName)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if cur, ok := s.scratch[kernelName]; ok && cur.Alive() {
		// Concurrent call won; keep theirs.
		s.mu.Unlock()
		sess.Destroy()
		return cur, nil
	}
	s.scratch[kernelName] = sess
	s.mu.Unlock()
	return sess, nil
}

// Shutdown releases everything the service owns: open documents, scratch
// sessions, the registry, and all kernel sessions.
func (s *Service) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	held := make([]*notebook.Document, 0, len(s.bridges))
	allDisposers := make([]func(), 0)
	for d, offs := range s.bridges {
		held = append(held, d)
		allDisposers = append(allDisposers, offs...)
	}
	s.bridges = make(map[*notebook.Document][]func())
	s.opened = make(map[string]*notebook.Document)
	scratch := s.scratch
	s.scratch = make(map[string]*kernel.Session)
	s.active = nil
	s.mu.Unlock()

	for _, off := range allDisposers {
		off()
	}
	for _, d := range held {
		s.reg.Release(d)
	}
	for _, sess := range scratch {
		sess.Destroy()
	}
	for _, off := range s.disposers {
		off()
	}
	s.reg.Close()
	s.kernels.CloseAll()
	s.logger.Info("service: shut down")
}

// adoptLocked marks d active and wires its events to the broker and the
// history recorder. Caller holds s.mu.
func (s *Service) adoptLocked(d *notebook.Document) {
	s.active = d
	if _, ok := s.bridges[d]; ok {
		return
	}
	var offs []func()
	offs = append(offs, d.OnDidChange(func(ev notebook.ChangeEvent) {
		if s.broker == nil {
			return
		}
		switch ev.Kind {
		case notebook.ChangeOutputs:
			s.broker.PublishCellOutputs(ev.Path, ev.Index, ev.CellID)
		default:
			s.broker.Publish(sse.Event{Type: "document.changed", Data: map[string]any{
				"path":    ev.Path,
				"kind":    string(ev.Kind),
				"index":   ev.Index,
				"cell_id": ev.CellID,
			}})
		}
	}))
	if s.recorder != nil {
		offs = append(offs, s.recorder.Attach(d))
	}
	if s.broker != nil {
		offs = append(offs, d.OnDidFinishRun(func(r notebook.RunRecord) {
			s.broker.Publish(sse.Event{Type: "run.finished", Data: map[string]any{
				"path":            r.Path,
				"cell_id":         r.CellID,
				"status":          r.Status,
				"execution_count": r.Count,
				"elapsed_ms":      r.Elapsed.Milliseconds(),
			}})
		}))
	}
	s.bridges[d] = offs
}
