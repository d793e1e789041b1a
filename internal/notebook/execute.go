package notebook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/starford/laguz/internal/apperr"
	"github.com/starford/laguz/internal/cell"
	"github.com/starford/laguz/internal/kernel"
)

// RunOptions control multi-cell runs.
type RunOptions struct {
	// StopOnError aborts the remaining sequence when a cell fails.
	StopOnError bool
}

// ExecuteCell runs the code cell at index against the attached kernel
// session, acquiring one through the kernel-selection collaborator if
// needed. It blocks until the run settles. Markdown and raw cells are a
// no-op. Output fragments stream into the cell as they arrive, including
// orphans landing after the call returns.
func (d *Document) ExecuteCell(ctx context.Context, index int) (*kernel.ExecResult, error) {
	d.mu.Lock()
	if !d.validIndexLocked(index) {
		n := len(d.cells)
		d.mu.Unlock()
		return nil, fmt.Errorf("notebook: execute %d of %d: %w", index, n, apperr.ErrInvalidIndex)
	}
	c := d.cells[index]
	if c.Type != cell.TypeCode {
		d.mu.Unlock()
		return nil, nil
	}
	sess := d.session
	d.mu.Unlock()

	if sess == nil || !sess.Alive() {
		var err error
		sess, err = d.acquireSession(ctx)
		if err != nil {
			return nil, err
		}
	}

	// Transition to running. The sequence may have shifted while a kernel
	// was being attached, so the cell is re-located by identity.
	var evs []ChangeEvent
	d.mu.Lock()
	idx := d.indexOfLocked(c)
	if idx < 0 {
		d.mu.Unlock()
		return nil, fmt.Errorf("notebook: cell removed before run: %w", apperr.ErrInvalidIndex)
	}
	if d.clearOnRun {
		c.ClearOutputs()
	}
	started := time.Now()
	c.Status = cell.StatusRunning
	c.StartTimer(started)
	d.execCount++
	myCount := d.execCount
	code := c.Source
	path := d.path
	evs = append(evs, ChangeEvent{Kind: ChangeCell, Path: path, Index: idx, CellID: c.ID})
	d.mu.Unlock()
	d.emit(evs...)

	res, err := sess.Execute(ctx, code, kernel.ExecCallbacks{
		OnOutput: func(out cell.Output) { d.appendOutput(c, out) },
	}, d.timeout)
	if err != nil {
		d.settleFailed(c, path, code, myCount, started, err)
		return nil, err
	}

	d.settleFinished(c, path, code, myCount, started, res)
	return res, nil
}

// appendOutput folds one streamed fragment into the cell and notifies.
// Called for in-flight and orphan outputs alike.
func (d *Document) appendOutput(c *cell.Cell, out cell.Output) {
	var evs []ChangeEvent
	d.mu.Lock()
	idx := d.indexOfLocked(c)
	c.AppendOutput(out)
	evs = append(evs, ChangeEvent{Kind: ChangeOutputs, Path: d.path, Index: idx, CellID: c.ID})
	d.updateModifiedStateLocked(&evs)
	d.mu.Unlock()
	d.emit(evs...)
}

// settleFinished applies a terminal kernel status: ok assigns the
// document-scoped count to the cell, error marks it. Either way the cell
// leaves the running state.
func (d *Document) settleFinished(c *cell.Cell, path, code string, myCount int, started time.Time, res *kernel.ExecResult) {
	var evs []ChangeEvent
	d.mu.Lock()
	idx := d.indexOfLocked(c)
	now := time.Now()
	c.StopTimer(now)
	if res.Status == kernel.StatusMsgOK {
		c.Status = cell.StatusIdle
		c.ExecutionCount = myCount
	} else {
		c.Status = cell.StatusError
	}
	// A shared kernel may report counts ahead of ours; never fall behind it.
	if res.ExecutionCount > d.execCount {
		d.execCount = res.ExecutionCount
	}
	elapsed := c.Elapsed(now)
	evs = append(evs, ChangeEvent{Kind: ChangeCell, Path: path, Index: idx, CellID: c.ID})
	d.updateModifiedStateLocked(&evs)
	d.mu.Unlock()

	d.emit(evs...)
	d.runEv.Emit(RunRecord{
		Path:      path,
		CellID:    c.ID,
		Code:      code,
		Status:    res.Status,
		Count:     myCount,
		StartedAt: started,
		Elapsed:   elapsed,
	})
}

// settleFailed handles a hard failure (timeout, cancellation, transport):
// a synthetic error output records what happened and the cell is left in a
// consistent non-running state before the error is re-raised.
func (d *Document) settleFailed(c *cell.Cell, path, code string, myCount int, started time.Time, cause error) {
	ename := "ExecutionFailed"
	if errors.Is(cause, apperr.ErrExecutionTimeout) {
		ename = "Timeout"
	}
	var evs []ChangeEvent
	d.mu.Lock()
	idx := d.indexOfLocked(c)
	now := time.Now()
	c.StopTimer(now)
	c.Status = cell.StatusError
	c.AppendOutput(cell.Output{
		Type:      cell.OutputError,
		Ename:     ename,
		Evalue:    cause.Error(),
		Traceback: []string{},
	})
	elapsed := c.Elapsed(now)
	evs = append(evs, ChangeEvent{Kind: ChangeCell, Path: path, Index: idx, CellID: c.ID})
	d.updateModifiedStateLocked(&evs)
	d.mu.Unlock()

	d.emit(evs...)
	d.runEv.Emit(RunRecord{
		Path:      path,
		CellID:    c.ID,
		Code:      code,
		Status:    kernel.StatusMsgError,
		Count:     myCount,
		StartedAt: started,
		Elapsed:   elapsed,
	})
}

// acquireSession consults the kernel-selection collaborator and attaches
// the chosen kernel. A nil spec means the user declined.
func (d *Document) acquireSession(ctx context.Context) (*kernel.Session, error) {
	if d.selectKernel == nil {
		return nil, fmt.Errorf("notebook: no kernel selector: %w", apperr.ErrKernelUnavailable)
	}
	spec, err := d.selectKernel(ctx, d.Language())
	if err != nil {
		return nil, fmt.Errorf("notebook: select kernel: %w", err)
	}
	if spec == nil {
		return nil, apperr.ErrUserDeclined
	}
	if err := d.ConnectToKernel(ctx, spec.Name); err != nil {
		return nil, err
	}
	sess := d.Session()
	if sess == nil {
		return nil, fmt.Errorf("notebook: session detached during connect: %w", apperr.ErrKernelUnavailable)
	}
	return sess, nil
}

func (d *Document) indexOfLocked(c *cell.Cell) int {
	for i, x := range d.cells {
		if x == c {
			return i
		}
	}
	return -1
}

// RunAll executes every code cell from top to bottom, one at a time.
// It returns how many cells ran.
func (d *Document) RunAll(ctx context.Context, opts RunOptions) (int, error) {
	return d.runRange(ctx, 0, -1, opts)
}

// RunAbove executes the code cells before index.
func (d *Document) RunAbove(ctx context.Context, index int, opts RunOptions) (int, error) {
	if err := d.checkIndex(index); err != nil {
		return 0, err
	}
	return d.runRange(ctx, 0, index, opts)
}

// RunBelow executes the code cells from index to the end.
func (d *Document) RunBelow(ctx context.Context, index int, opts RunOptions) (int, error) {
	if err := d.checkIndex(index); err != nil {
		return 0, err
	}
	return d.runRange(ctx, index, -1, opts)
}

func (d *Document) checkIndex(index int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.validIndexLocked(index) {
		return fmt.Errorf("notebook: run %d of %d: %w", index, len(d.cells), apperr.ErrInvalidIndex)
	}
	return nil
}

// runRange executes code cells in [from, to) sequentially, awaiting each
// before the next. to < 0 means the current end, re-read every step since
// a run can reshape the sequence. Never concurrent within one document.
func (d *Document) runRange(ctx context.Context, from, to int, opts RunOptions) (int, error) {
	ran := 0
	for i := from; ; i++ {
		limit := to
		if n := d.Len(); limit < 0 || limit > n {
			limit = n
		}
		if i >= limit {
			return ran, nil
		}

		res, err := d.ExecuteCell(ctx, i)
		if err != nil {
			// Without a kernel nothing below can run either.
			if errors.Is(err, apperr.ErrUserDeclined) || errors.Is(err, apperr.ErrKernelUnavailable) {
				return ran, err
			}
			if opts.StopOnError {
				return ran, err
			}
			continue
		}
		if res == nil {
			continue // non-code cell
		}
		ran++
		if res.Status == kernel.StatusMsgError && opts.StopOnError {
			return ran, nil
		}
	}
}

// ClearCellOutputs drops the outputs and count of the cell at index.
func (d *Document) ClearCellOutputs(index int) error {
	var evs []ChangeEvent
	d.mu.Lock()
	if !d.validIndexLocked(index) {
		n := len(d.cells)
		d.mu.Unlock()
		return fmt.Errorf("notebook: clear outputs %d of %d: %w", index, n, apperr.ErrInvalidIndex)
	}
	c := d.cells[index]
	c.ClearOutputs()
	evs = append(evs, ChangeEvent{Kind: ChangeCell, Path: d.path, Index: index, CellID: c.ID})
	d.updateModifiedStateLocked(&evs)
	d.mu.Unlock()
	d.emit(evs...)
	return nil
}

// ClearAllOutputs drops outputs and counts across the document.
func (d *Document) ClearAllOutputs() {
	var evs []ChangeEvent
	d.mu.Lock()
	for _, c := range d.cells {
		c.ClearOutputs()
	}
	evs = append(evs, ChangeEvent{Kind: ChangeCells, Path: d.path, Index: -1})
	d.updateModifiedStateLocked(&evs)
	d.mu.Unlock()
	d.emit(evs...)
}
