package service

import (
	"fmt"
	"time"

	"github.com/starford/laguz/internal/apperr"
	"github.com/starford/laguz/internal/cell"
	"github.com/starford/laguz/internal/kernel"
	"github.com/starford/laguz/internal/notebook"
)

// NotebookView is the full wire representation of an open document.
type NotebookView struct {
	Path           string         `json:"path"`
	Untitled       bool           `json:"untitled"`
	Modified       bool           `json:"modified"`
	Language       string         `json:"language,omitempty"`
	ExecutionCount int            `json:"execution_count"`
	ActiveIndex    int            `json:"active_index"`
	CanUndo        bool           `json:"can_undo"`
	CanRedo        bool           `json:"can_redo"`
	Kernel         string         `json:"kernel,omitempty"`
	KernelStatus   string         `json:"kernel_status,omitempty"`
	Metadata       map[string]any `json:"metadata"`
	Cells          []CellView     `json:"cells"`
}

// CellView is the wire representation of one cell.
type CellView struct {
	ID             string         `json:"id"`
	Type           string         `json:"cell_type"`
	Source         string         `json:"source"`
	Outputs        []OutputView   `json:"outputs"`
	ExecutionCount int            `json:"execution_count"`
	Status         string         `json:"status"`
	Elapsed        string         `json:"elapsed,omitempty"`
	InputVisible   bool           `json:"input_visible"`
	OutputVisible  bool           `json:"output_visible"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// OutputView is the wire representation of one output fragment.
type OutputView struct {
	Type      string         `json:"output_type"`
	Name      string         `json:"name,omitempty"`
	Text      string         `json:"text,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Ename     string         `json:"ename,omitempty"`
	Evalue    string         `json:"evalue,omitempty"`
	Traceback []string       `json:"traceback,omitempty"`
}

// ExecView is the wire representation of one settled execute call.
type ExecView struct {
	Status         string       `json:"status"`
	ExecutionCount int          `json:"execution_count"`
	Outputs        []OutputView `json:"outputs"`
}

// View snapshots the document open under path.
func (s *Service) View(path string) (*NotebookView, error) {
	d, ok := s.Lookup(path)
	if !ok {
		return nil, fmt.Errorf("service: view %s: %w", path, apperr.ErrNotFound)
	}
	return buildView(d), nil
}

func buildView(d *notebook.Document) *NotebookView {
	now := time.Now()
	cells := d.SnapshotCells()
	v := &NotebookView{
		Path:           d.Path(),
		Untitled:       d.Untitled(),
		Modified:       d.Modified(),
		Language:       d.Language(),
		ExecutionCount: d.ExecutionCount(),
		ActiveIndex:    d.ActiveIndex(),
		CanUndo:        d.CanUndo(),
		CanRedo:        d.CanRedo(),
		Metadata:       d.Metadata(),
		Cells:          make([]CellView, len(cells)),
	}
	if sess := d.Session(); sess != nil {
		v.Kernel = sess.Spec().Name
		v.KernelStatus = string(sess.Status())
	}
	for i, c := range cells {
		v.Cells[i] = buildCellView(c, now)
	}
	return v
}

func buildCellView(c *cell.Cell, now time.Time) CellView {
	cv := CellView{
		ID:             c.ID,
		Type:           string(c.Type),
		Source:         c.Source,
		Outputs:        buildOutputViews(c.Outputs),
		ExecutionCount: c.ExecutionCount,
		Status:         string(c.Status),
		InputVisible:   c.InputVisible,
		OutputVisible:  c.OutputVisible,
	}
	if len(c.Metadata) > 0 {
		cv.Metadata = c.Metadata
	}
	if c.Status == cell.StatusRunning || c.Elapsed(now) > 0 {
		cv.Elapsed = c.ElapsedString(now)
	}
	return cv
}

func buildOutputViews(outs []cell.Output) []OutputView {
	views := make([]OutputView, len(outs))
	for i, o := range outs {
		views[i] = OutputView{
			Type:      string(o.Type),
			Name:      o.Name,
			Text:      o.Text,
			Data:      o.Data,
			Ename:     o.Ename,
			Evalue:    o.Evalue,
			Traceback: o.Traceback,
		}
	}
	return views
}

// ExecViewOf converts a settled execution result to its wire form.
func ExecViewOf(res *kernel.ExecResult) *ExecView {
	if res == nil {
		return nil
	}
	return &ExecView{
		Status:         res.Status,
		ExecutionCount: res.ExecutionCount,
		Outputs:        buildOutputViews(res.Outputs),
	}
}
