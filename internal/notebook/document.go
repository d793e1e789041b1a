// Package notebook implements the shared notebook document: an ordered cell
// sequence with canonical on-disk serialization, structural editing journaled
// for undo/redo, a single attached kernel session, and the cell execution
// state machine. One document may back any number of concurrent viewers; all
// of them observe the same cell instances and receive the same change
// notifications.
package notebook

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/starford/laguz/internal/apperr"
	"github.com/starford/laguz/internal/cell"
	"github.com/starford/laguz/internal/checksum"
	"github.com/starford/laguz/internal/events"
	"github.com/starford/laguz/internal/kernel"
	"github.com/starford/laguz/internal/storage"
	"github.com/starford/laguz/internal/undo"
)

// Deps are the document's collaborators, supplied at construction.
type Deps struct {
	Store   storage.Provider
	Kernels *kernel.Manager
	Logger  *slog.Logger

	// SelectKernel is consulted when a run needs a session and none is
	// attached. Returning (nil, nil) means the user declined; the run is
	// aborted with no state change.
	SelectKernel func(ctx context.Context, language string) (*kernel.Spec, error)

	// ExecTimeout bounds each execute call. Zero picks the default,
	// negative means unbounded.
	ExecTimeout time.Duration

	// ClearOutputsOnRun drops a cell's previous outputs when a run starts.
	ClearOutputsOnRun bool
}

// Document is the shared notebook aggregate. All state behind mu; change
// notifications are emitted after the lock is released so listeners can
// call back into the document.
type Document struct {
	store        storage.Provider
	kernels      *kernel.Manager
	selectKernel func(ctx context.Context, language string) (*kernel.Spec, error)
	logger       *slog.Logger
	timeout      time.Duration
	clearOnRun   bool

	mu        sync.Mutex
	path      string // workspace-relative; empty for untitled documents
	cells     []*cell.Cell
	metadata  map[string]any
	execCount int
	activeIdx int
	savedSum  string // content fingerprint at last load/save
	fileSum   string // checksum of the file bytes last read or written
	modified  bool
	refs      int
	destroyed bool

	session        *kernel.Session
	sessionDispose func()

	journal  *undo.Manager[Operation]
	changeEv events.Emitter[ChangeEvent]
	runEv    events.Emitter[RunRecord]
}

// New constructs a document for path (empty path = untitled) holding one
// empty code cell. Call Load to populate it from storage.
func New(deps Deps, path string) *Document {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Document{
		store:        deps.Store,
		kernels:      deps.Kernels,
		selectKernel: deps.SelectKernel,
		logger:       logger,
		timeout:      normalizeTimeout(deps.ExecTimeout),
		clearOnRun:   deps.ClearOutputsOnRun,
		path:         path,
		journal:      undo.NewManager[Operation](undo.DefaultLimit),
	}
	d.initializeLocked()
	return d
}

func normalizeTimeout(t time.Duration) time.Duration {
	switch {
	case t < 0:
		return 0
	case t == 0:
		return kernel.DefaultExecuteTimeout
	default:
		return t
	}
}

// initializeLocked resets to one empty code cell with a clean saved state.
func (d *Document) initializeLocked() {
	d.cells = []*cell.Cell{cell.New(cell.TypeCode)}
	d.metadata = map[string]any{}
	d.execCount = 0
	d.activeIdx = 0
	d.savedSum = d.fingerprintLocked()
	d.modified = false
	d.journal.Clear()
}

// Load populates the document from storage. Missing files keep the fresh
// initialized state (a new notebook); malformed files fall back to it after
// a warning, never leaving the document unusable.
func (d *Document) Load(ctx context.Context) error {
	d.mu.Lock()
	path := d.path
	d.mu.Unlock()
	if path == "" {
		return nil
	}

	data, err := d.store.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("notebook: load %s: %w", path, err)
	}

	cells, metadata, err := Decode(data)
	if err != nil {
		d.logger.Warn("notebook: malformed file, starting empty",
			slog.String("path", path),
			slog.String("error", err.Error()))
		d.mu.Lock()
		d.initializeLocked()
		d.mu.Unlock()
		d.emit(ChangeEvent{Kind: ChangeCells, Path: path, Index: -1})
		return nil
	}

	d.mu.Lock()
	if len(cells) == 0 {
		cells = []*cell.Cell{cell.New(cell.TypeCode)}
	}
	d.cells = cells
	d.metadata = metadata
	d.execCount = maxExecutionCount(cells)
	d.activeIdx = 0
	d.savedSum = d.fingerprintLocked()
	d.fileSum = checksum.Sum(data)
	d.modified = false
	d.journal.Clear()
	d.mu.Unlock()
	d.emit(ChangeEvent{Kind: ChangeCells, Path: path, Index: -1})
	return nil
}

// Save writes the canonical serialization. On write failure the in-memory
// state is untouched. Mutations that land while the write is in flight keep
// the document modified afterwards.
func (d *Document) Save(ctx context.Context) error {
	d.mu.Lock()
	if d.path == "" {
		d.mu.Unlock()
		return fmt.Errorf("notebook: save: untitled document needs SaveAs")
	}
	path := d.path
	data, err := Encode(d.cells, d.metadata)
	if err != nil {
		d.mu.Unlock()
		return fmt.Errorf("notebook: save %s: %w", path, err)
	}
	snapSum := d.fingerprintLocked()
	// The file checksum is published before the write so a watcher that
	// reads the file the instant it lands sees it as our own.
	prevFileSum := d.fileSum
	newFileSum := checksum.Sum(data)
	d.fileSum = newFileSum
	d.mu.Unlock()

	if err := d.store.Write(path, data); err != nil {
		d.mu.Lock()
		if d.fileSum == newFileSum {
			d.fileSum = prevFileSum
		}
		d.mu.Unlock()
		return fmt.Errorf("notebook: save %s: %w", path, err)
	}

	var evs []ChangeEvent
	d.mu.Lock()
	d.savedSum = snapSum
	d.updateModifiedStateLocked(&evs)
	d.mu.Unlock()
	d.emit(append(evs, ChangeEvent{Kind: ChangeSaved, Path: path, Index: -1})...)
	return nil
}

// SaveAs assigns a new storage path and saves. On failure the old path is
// kept. Registry rekeying is the caller's concern.
func (d *Document) SaveAs(ctx context.Context, newPath string) error {
	if newPath == "" {
		return fmt.Errorf("notebook: save as: empty path")
	}
	d.mu.Lock()
	old := d.path
	d.path = newPath
	d.mu.Unlock()

	if err := d.Save(ctx); err != nil {
		d.mu.Lock()
		d.path = old
		d.mu.Unlock()
		return err
	}
	if old != newPath {
		d.emit(ChangeEvent{Kind: ChangePath, Path: newPath, Index: -1})
	}
	return nil
}

// Path returns the workspace-relative storage path, empty for untitled.
func (d *Document) Path() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.path
}

// Untitled reports whether the document has no storage path yet.
func (d *Document) Untitled() bool { return d.Path() == "" }

// Len returns the number of cells.
func (d *Document) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.cells)
}

// Cells returns the cell sequence. The slice is a copy; the cells are the
// shared live instances.
func (d *Document) Cells() []*cell.Cell {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*cell.Cell(nil), d.cells...)
}

// SnapshotCells returns deep copies of the cell sequence, safe to read
// while executions keep mutating the originals.
func (d *Document) SnapshotCells() []*cell.Cell {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*cell.Cell, len(d.cells))
	for i, c := range d.cells {
		out[i] = c.Clone()
	}
	return out
}

// CellAt returns the cell at index.
func (d *Document) CellAt(index int) (*cell.Cell, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.validIndexLocked(index) {
		return nil, fmt.Errorf("notebook: cell %d of %d: %w", index, len(d.cells), apperr.ErrInvalidIndex)
	}
	return d.cells[index], nil
}

// IndexOfCell returns the index of the cell with the given id, or -1.
func (d *Document) IndexOfCell(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, c := range d.cells {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// Metadata returns a shallow copy of the document metadata.
func (d *Document) Metadata() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]any, len(d.metadata))
	for k, v := range d.metadata {
		out[k] = v
	}
	return out
}

// SetMetadataValue sets one document metadata key.
func (d *Document) SetMetadataValue(key string, value any) {
	d.mu.Lock()
	d.metadata[key] = value
	path := d.path
	d.mu.Unlock()
	d.emit(ChangeEvent{Kind: ChangeMetadata, Path: path, Index: -1})
}

// Modified reports whether content differs from the last saved state.
func (d *Document) Modified() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.modified
}

// FileChecksum returns the checksum of the file bytes this document last
// read or wrote, empty if it never touched storage. An on-disk file with a
// different checksum was changed by someone else.
func (d *Document) FileChecksum() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fileSum
}

// ExecutionCount returns the document-scoped execution counter.
func (d *Document) ExecutionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.execCount
}

// ActiveIndex returns the active cell index.
func (d *Document) ActiveIndex() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.activeIdx
}

// SetActiveIndex moves the active cell marker.
func (d *Document) SetActiveIndex(index int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.validIndexLocked(index) {
		return fmt.Errorf("notebook: active %d of %d: %w", index, len(d.cells), apperr.ErrInvalidIndex)
	}
	d.activeIdx = index
	return nil
}

// Retain adds a viewer reference and returns the new count.
func (d *Document) Retain() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refs++
	return d.refs
}

// Release drops a viewer reference and returns the remaining count. The
// owner (registry) destroys the document when it reaches zero.
func (d *Document) Release() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.refs > 0 {
		d.refs--
	}
	return d.refs
}

// Refs returns the current viewer count.
func (d *Document) Refs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.refs
}

// Destroy tears the document down: the kernel session is detached first so
// its callbacks stop before document state goes away. Idempotent.
func (d *Document) Destroy() {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return
	}
	d.destroyed = true
	sess := d.session
	dispose := d.sessionDispose
	d.session = nil
	d.sessionDispose = nil
	d.mu.Unlock()

	if dispose != nil {
		dispose()
	}
	if sess != nil {
		sess.Destroy()
	}
	d.journal.Clear()
}

// ConnectToKernel starts a session for the named kernel spec and attaches
// it, disconnecting any previous session first.
func (d *Document) ConnectToKernel(ctx context.Context, specName string) error {
	if d.kernels == nil {
		return fmt.Errorf("notebook: no kernel manager: %w", apperr.ErrKernelUnavailable)
	}
	d.DisconnectKernel()

	sess, err := d.kernels.StartSession(ctx, specName)
	if err != nil {
		d.logger.Warn("notebook: kernel connect failed",
			slog.String("path", d.Path()),
			slog.String("kernel", specName),
			slog.String("error", err.Error()))
		d.emit(ChangeEvent{Kind: ChangeKernel, Path: d.Path(), Index: -1})
		return err
	}

	dispose := sess.OnDidChangeStatus(func(kernel.Status) {
		d.emit(ChangeEvent{Kind: ChangeKernel, Path: d.Path(), Index: -1})
	})

	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		dispose()
		sess.Destroy()
		return fmt.Errorf("notebook: document destroyed")
	}
	d.session = sess
	d.sessionDispose = dispose
	spec := sess.Spec()
	d.metadata["kernelspec"] = map[string]any{
		"name":         spec.Name,
		"display_name": spec.DisplayName,
		"language":     spec.Language,
	}
	path := d.path
	d.mu.Unlock()

	d.emit(
		ChangeEvent{Kind: ChangeKernel, Path: path, Index: -1},
		ChangeEvent{Kind: ChangeMetadata, Path: path, Index: -1},
	)
	return nil
}

// DisconnectKernel detaches and destroys the attached session, if any. The
// status subscription is disposed before the session so no callback runs
// against a detached document.
func (d *Document) DisconnectKernel() {
	d.mu.Lock()
	sess := d.session
	dispose := d.sessionDispose
	d.session = nil
	d.sessionDispose = nil
	path := d.path
	d.mu.Unlock()

	if sess == nil {
		return
	}
	if dispose != nil {
		dispose()
	}
	sess.Destroy()
	d.emit(ChangeEvent{Kind: ChangeKernel, Path: path, Index: -1})
}

// RestartKernel restarts the attached session, resetting its counter.
func (d *Document) RestartKernel(ctx context.Context) error {
	sess := d.Session()
	if sess == nil {
		return fmt.Errorf("notebook: no kernel attached: %w", apperr.ErrKernelUnavailable)
	}
	return sess.Restart(ctx)
}

// InterruptKernel asks the attached session to interrupt the running
// execution. The in-flight execute call is not resolved by this.
func (d *Document) InterruptKernel() error {
	sess := d.Session()
	if sess == nil {
		return fmt.Errorf("notebook: no kernel attached: %w", apperr.ErrKernelUnavailable)
	}
	return sess.Interrupt()
}

// Session returns the attached kernel session, or nil.
func (d *Document) Session() *kernel.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session
}

// KernelAlive reports whether a session is attached and not dead.
func (d *Document) KernelAlive() bool {
	s := d.Session()
	return s != nil && s.Alive()
}

// Language returns the document's kernel language hint.
func (d *Document) Language() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ks, ok := d.metadata["kernelspec"].(map[string]any); ok {
		if lang, ok := ks["language"].(string); ok && lang != "" {
			return lang
		}
	}
	if li, ok := d.metadata["language_info"].(map[string]any); ok {
		if name, ok := li["name"].(string); ok && name != "" {
			return name
		}
	}
	return ""
}

// OnDidChange registers a change listener and returns a disposer.
func (d *Document) OnDidChange(fn func(ChangeEvent)) func() {
	return d.changeEv.Subscribe(fn)
}

// OnDidFinishRun registers a run-completion listener and returns a disposer.
func (d *Document) OnDidFinishRun(fn func(RunRecord)) func() {
	return d.runEv.Subscribe(fn)
}

func (d *Document) emit(evs ...ChangeEvent) {
	for _, ev := range evs {
		d.changeEv.Emit(ev)
	}
}

func (d *Document) validIndexLocked(index int) bool {
	return index >= 0 && index < len(d.cells)
}

func maxExecutionCount(cells []*cell.Cell) int {
	max := 0
	for _, c := range cells {
		if c.ExecutionCount > max {
			max = c.ExecutionCount
		}
	}
	return max
}
