// Package registry owns the set of live notebook documents: one shared
// instance per storage path, reference counted by viewers, plus untitled
// documents that exist only in memory. A filesystem watcher feeds external
// change events through the registry so open documents learn when their file
// was touched by someone else.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/starford/laguz/internal/apperr"
	"github.com/starford/laguz/internal/events"
	"github.com/starford/laguz/internal/notebook"
)

// EventKind discriminates registry notifications.
type EventKind string

const (
	// EventCreated: a notebook file appeared in the workspace.
	EventCreated EventKind = "created"
	// EventUpdated: a notebook file changed that no document has open.
	EventUpdated EventKind = "updated"
	// EventDeleted: a notebook file disappeared from the workspace.
	EventDeleted EventKind = "deleted"
	// EventConflict: the file behind an open document was changed on disk
	// by someone else.
	EventConflict EventKind = "conflict"
)

// Event is one workspace-level notification.
type Event struct {
	Kind EventKind `json:"kind"`
	Path string    `json:"path"`
}

// Registry hands out shared documents. Acquire and Release pair up; a
// document is destroyed when its last reference is released. Retain and
// release decisions serialize through the registry lock so a document can
// never be revived after its teardown began.
type Registry struct {
	deps   notebook.Deps
	logger *slog.Logger

	mu       sync.Mutex
	docs     map[string]*notebook.Document
	untitled map[*notebook.Document]struct{}
	closed   bool

	ev events.Emitter[Event]
}

// New returns a registry that stamps documents out of deps.
func New(deps notebook.Deps, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		deps:     deps,
		logger:   logger,
		docs:     make(map[string]*notebook.Document),
		untitled: make(map[*notebook.Document]struct{}),
	}
}

// Acquire returns the shared document for path, constructing and loading it
// on first use, and adds one reference. Concurrent first acquires of the
// same path converge on a single instance.
func (r *Registry) Acquire(ctx context.Context, path string) (*notebook.Document, error) {
	if path == "" {
		return nil, fmt.Errorf("registry: acquire: empty path, use CreateUntitled")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("registry: closed")
	}
	if d, ok := r.docs[path]; ok {
		d.Retain()
		r.mu.Unlock()
		return d, nil
	}
	r.mu.Unlock()

	// Construct and load outside the lock; storage reads can be slow.
	d := notebook.New(r.deps, path)
	if err := d.Load(ctx); err != nil {
		d.Destroy()
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		d.Destroy()
		return nil, fmt.Errorf("registry: closed")
	}
	if existing, ok := r.docs[path]; ok {
		// Lost the construction race; adopt the winner.
		existing.Retain()
		r.mu.Unlock()
		d.Destroy()
		return existing, nil
	}
	r.docs[path] = d
	d.Retain()
	r.mu.Unlock()

	r.logger.Debug("registry: document opened", slog.String("path", path))
	return d, nil
}

// CreateUntitled returns a fresh in-memory document with one reference. It
// joins the path map once it is saved under a name (Rename).
func (r *Registry) CreateUntitled() *notebook.Document {
	d := notebook.New(r.deps, "")
	r.mu.Lock()
	if !r.closed {
		r.untitled[d] = struct{}{}
	}
	d.Retain()
	r.mu.Unlock()
	return d
}

// Lookup returns the open document for path without adding a reference.
func (r *Registry) Lookup(path string) (*notebook.Document, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.docs[path]
	return d, ok
}

// Release drops one reference and returns the remaining count. The last
// release removes the document from the registry and destroys it.
func (r *Registry) Release(d *notebook.Document) int {
	if d == nil {
		return 0
	}
	r.mu.Lock()
	if refs := d.Release(); refs > 0 {
		r.mu.Unlock()
		return refs
	}
	r.dropLocked(d)
	r.mu.Unlock()

	r.logger.Debug("registry: document closed", slog.String("path", d.Path()))
	d.Destroy()
	return 0
}

// Rename re-keys d under newPath in one step, so concurrent lookups see
// either the old binding or the new one, never neither. The document's own
// path must already have been moved (SaveAs) by the caller.
func (r *Registry) Rename(d *notebook.Document, newPath string) error {
	if newPath == "" {
		return fmt.Errorf("registry: rename: empty path")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if other, ok := r.docs[newPath]; ok && other != d {
		return fmt.Errorf("registry: rename to %s: %w", newPath, apperr.ErrAlreadyExists)
	}
	for p, doc := range r.docs {
		if doc == d {
			delete(r.docs, p)
		}
	}
	delete(r.untitled, d)
	r.docs[newPath] = d
	return nil
}

// Documents returns a snapshot of every tracked document, untitled included.
func (r *Registry) Documents() []*notebook.Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*notebook.Document, 0, len(r.docs)+len(r.untitled))
	for _, d := range r.docs {
		out = append(out, d)
	}
	for d := range r.untitled {
		out = append(out, d)
	}
	return out
}

// Paths returns the storage paths of the open named documents.
func (r *Registry) Paths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.docs))
	for p := range r.docs {
		out = append(out, p)
	}
	return out
}

// Len returns how many documents are tracked.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.docs) + len(r.untitled)
}

// Close destroys every tracked document regardless of references and
// rejects further acquires.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	docs := make([]*notebook.Document, 0, len(r.docs)+len(r.untitled))
	for _, d := range r.docs {
		docs = append(docs, d)
	}
	for d := range r.untitled {
		docs = append(docs, d)
	}
	r.docs = make(map[string]*notebook.Document)
	r.untitled = make(map[*notebook.Document]struct{})
	r.mu.Unlock()

	for _, d := range docs {
		d.Destroy()
	}
	r.logger.Info("registry: closed", slog.Int("documents", len(docs)))
}

// OnDidChange registers a workspace event listener and returns a disposer.
func (r *Registry) OnDidChange(fn func(Event)) func() {
	return r.ev.Subscribe(fn)
}

func (r *Registry) notify(ev Event) {
	r.ev.Emit(ev)
}

func (r *Registry) dropLocked(d *notebook.Document) {
	for p, doc := range r.docs {
		if doc == d {
			delete(r.docs, p)
		}
	}
	delete(r.untitled, d)
}
