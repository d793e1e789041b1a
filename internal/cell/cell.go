// Package cell defines the notebook cell model: the cell itself, its typed
// outputs, the reducer that folds streamed execution results into the output
// list, and the source line codec used by the on-disk format.
package cell

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type is the kind of a cell.
type Type string

const (
	TypeCode     Type = "code"
	TypeMarkdown Type = "markdown"
	TypeRaw      Type = "raw"
)

// Valid reports whether t is a known cell type.
func (t Type) Valid() bool {
	switch t {
	case TypeCode, TypeMarkdown, TypeRaw:
		return true
	}
	return false
}

// Status is the derived display state of a cell.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusError   Status = "error"
)

// Cell is a single notebook cell. The ID is stable for the cell's lifetime;
// ExecutionCount is zero until the cell has completed a run.
type Cell struct {
	ID             string
	Type           Type
	Source         string
	Outputs        []Output
	ExecutionCount int
	Metadata       map[string]any
	Status         Status
	InputVisible   bool
	OutputVisible  bool

	startedAt time.Time
	elapsed   time.Duration
}

// New creates an idle cell of the given type with a fresh ID.
func New(t Type) *Cell {
	return &Cell{
		ID:            uuid.NewString(),
		Type:          t,
		Metadata:      map[string]any{},
		Status:        StatusIdle,
		InputVisible:  true,
		OutputVisible: true,
	}
}

// Clear resets the cell in place to an empty idle code cell, keeping its ID.
// Used when the last remaining cell of a document is "deleted".
func (c *Cell) Clear() {
	c.Type = TypeCode
	c.Source = ""
	c.Outputs = nil
	c.ExecutionCount = 0
	c.Metadata = map[string]any{}
	c.Status = StatusIdle
	c.InputVisible = true
	c.OutputVisible = true
	c.startedAt = time.Time{}
	c.elapsed = 0
}

// AppendOutput folds out into the cell's output list via the reducer.
// Non-code cells never hold outputs.
func (c *Cell) AppendOutput(out Output) {
	if c.Type != TypeCode {
		return
	}
	c.Outputs = Merge(c.Outputs, out)
}

// ClearOutputs drops all outputs and the stored execution count.
func (c *Cell) ClearOutputs() {
	c.Outputs = nil
	c.ExecutionCount = 0
	if c.Status == StatusError {
		c.Status = StatusIdle
	}
}

// Clone returns a deep copy with the same ID. Used for undo snapshots.
func (c *Cell) Clone() *Cell {
	cp := *c
	cp.Outputs = make([]Output, len(c.Outputs))
	for i, o := range c.Outputs {
		cp.Outputs[i] = o.clone()
	}
	cp.Metadata = cloneMap(c.Metadata)
	return &cp
}

// CloneFresh returns a deep copy under a new ID, for paste and duplicate.
func (c *Cell) CloneFresh() *Cell {
	cp := c.Clone()
	cp.ID = uuid.NewString()
	return cp
}

// Restore copies snap's content into c in place. c keeps its identity, so
// views holding a reference observe the restored state.
func (c *Cell) Restore(snap *Cell) {
	cp := snap.Clone()
	c.Type = cp.Type
	c.Source = cp.Source
	c.Outputs = cp.Outputs
	c.ExecutionCount = cp.ExecutionCount
	c.Metadata = cp.Metadata
	c.Status = cp.Status
	c.InputVisible = cp.InputVisible
	c.OutputVisible = cp.OutputVisible
	c.startedAt = time.Time{}
	c.elapsed = cp.elapsed
}

// StartTimer marks the beginning of a run.
func (c *Cell) StartTimer(now time.Time) {
	c.startedAt = now
	c.elapsed = 0
}

// StopTimer records the elapsed duration of the finished run.
func (c *Cell) StopTimer(now time.Time) {
	if !c.startedAt.IsZero() {
		c.elapsed = now.Sub(c.startedAt)
		c.startedAt = time.Time{}
	}
}

// Elapsed returns the run duration: live while the cell is running, the
// stored value afterwards.
func (c *Cell) Elapsed(now time.Time) time.Duration {
	if !c.startedAt.IsZero() {
		return now.Sub(c.startedAt)
	}
	return c.elapsed
}

// ElapsedString formats Elapsed for display, e.g. "1.24s" or "2m03s".
func (c *Cell) ElapsedString(now time.Time) string {
	d := c.Elapsed(now)
	if d < time.Minute {
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
	m := int(d.Minutes())
	s := d.Seconds() - float64(m)*60
	return fmt.Sprintf("%dm%02.0fs", m, s)
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
