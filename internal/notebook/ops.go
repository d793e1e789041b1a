package notebook

import (
	"fmt"
	"slices"

	"github.com/starford/laguz/internal/apperr"
	"github.com/starford/laguz/internal/cell"
)

// OpKind tags one structural operation.
type OpKind string

const (
	OpInsert         OpKind = "insert"
	OpDelete         OpKind = "delete"
	OpDeleteMultiple OpKind = "deleteMultiple"
	OpMove           OpKind = "move"
	OpMoveMultiple   OpKind = "moveMultiple"
	OpChangeType     OpKind = "changeType"
	OpCut            OpKind = "cut"
	OpPaste          OpKind = "paste"
	OpDuplicate      OpKind = "duplicate"
	OpMerge          OpKind = "merge"
)

// Operation is one undo journal entry. Each kind carries exactly the data
// needed to invert and to replay it. Multi-index operations store Indices
// ascending: deletion applies them highest first, restoration lowest first,
// so earlier steps never invalidate later ones.
type Operation struct {
	Kind       OpKind
	Index      int
	From, To   int
	Indices    []int
	RunStart   int
	Count      int
	Cells      []*cell.Cell
	PrevType   cell.Type
	NewType    cell.Type
	Cleared    bool
	PrevActive int
}

// InsertCell inserts a fresh cell of the given type at index (0..Len).
func (d *Document) InsertCell(index int, t cell.Type) (*cell.Cell, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("notebook: insert: unknown cell type %q", t)
	}
	var evs []ChangeEvent
	d.mu.Lock()
	if index < 0 || index > len(d.cells) {
		n := len(d.cells)
		d.mu.Unlock()
		return nil, fmt.Errorf("notebook: insert at %d of %d: %w", index, n, apperr.ErrInvalidIndex)
	}
	c := cell.New(t)
	d.insertAtLocked(index, c)
	d.journal.Push(Operation{
		Kind:       OpInsert,
		Index:      index,
		Cells:      []*cell.Cell{c.Clone()},
		PrevActive: d.activeIdx,
	})
	d.activeIdx = index
	evs = append(evs, ChangeEvent{Kind: ChangeCells, Path: d.path, Index: -1})
	d.updateModifiedStateLocked(&evs)
	d.mu.Unlock()
	d.emit(evs...)
	return c, nil
}

// DeleteCell removes the cell at index. Deleting the last remaining cell
// clears it in place instead, keeping its identity.
func (d *Document) DeleteCell(index int) error {
	var evs []ChangeEvent
	d.mu.Lock()
	if !d.validIndexLocked(index) {
		n := len(d.cells)
		d.mu.Unlock()
		return fmt.Errorf("notebook: delete %d of %d: %w", index, n, apperr.ErrInvalidIndex)
	}
	snap := d.cells[index].Clone()
	op := Operation{Kind: OpDelete, Index: index, Cells: []*cell.Cell{snap}, PrevActive: d.activeIdx}
	if len(d.cells) == 1 {
		d.cells[0].Clear()
		op.Index = 0
		op.Cleared = true
	} else {
		d.removeAtLocked(index)
	}
	d.journal.Push(op)
	d.clampActiveLocked()
	evs = append(evs, ChangeEvent{Kind: ChangeCells, Path: d.path, Index: -1})
	d.updateModifiedStateLocked(&evs)
	d.mu.Unlock()
	d.emit(evs...)
	return nil
}

// DeleteCells removes the cells at the given indices, which may be unsorted
// and contain duplicates. All indices are validated before anything mutates.
// Deleting every cell leaves exactly one cleared cell.
func (d *Document) DeleteCells(indices []int) error {
	return d.deleteMany(indices, OpDeleteMultiple, nil)
}

// Cut removes the cells at the given indices like DeleteCells and returns
// deep copies for a clipboard.
func (d *Document) Cut(indices []int) ([]*cell.Cell, error) {
	var clipped []*cell.Cell
	err := d.deleteMany(indices, OpCut, &clipped)
	return clipped, err
}

func (d *Document) deleteMany(indices []int, kind OpKind, clipped *[]*cell.Cell) error {
	var evs []ChangeEvent
	d.mu.Lock()
	norm, err := d.normalizeIndicesLocked(indices)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	if len(norm) == 0 {
		d.mu.Unlock()
		return nil
	}
	snaps := make([]*cell.Cell, len(norm))
	for i, idx := range norm {
		snaps[i] = d.cells[idx].Clone()
	}
	if clipped != nil {
		*clipped = make([]*cell.Cell, len(snaps))
		for i, s := range snaps {
			(*clipped)[i] = s.Clone()
		}
	}
	op := Operation{Kind: kind, Indices: norm, Cells: snaps, PrevActive: d.activeIdx}
	if len(norm) == len(d.cells) {
		survivor := d.cells[0]
		d.cells = []*cell.Cell{survivor}
		survivor.Clear()
		op.Cleared = true
	} else {
		for i := len(norm) - 1; i >= 0; i-- {
			d.removeAtLocked(norm[i])
		}
	}
	d.journal.Push(op)
	d.clampActiveLocked()
	evs = append(evs, ChangeEvent{Kind: ChangeCells, Path: d.path, Index: -1})
	d.updateModifiedStateLocked(&evs)
	d.mu.Unlock()
	d.emit(evs...)
	return nil
}

// CopyCells returns deep copies of the cells at the given indices, in
// ascending index order. The document is not mutated.
func (d *Document) CopyCells(indices []int) ([]*cell.Cell, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	norm, err := d.normalizeIndicesLocked(indices)
	if err != nil {
		return nil, err
	}
	out := make([]*cell.Cell, len(norm))
	for i, idx := range norm {
		out[i] = d.cells[idx].Clone()
	}
	return out, nil
}

// MoveCell moves the cell at from so it ends up at index to.
func (d *Document) MoveCell(from, to int) error {
	var evs []ChangeEvent
	d.mu.Lock()
	if !d.validIndexLocked(from) || !d.validIndexLocked(to) {
		n := len(d.cells)
		d.mu.Unlock()
		return fmt.Errorf("notebook: move %d to %d of %d: %w", from, to, n, apperr.ErrInvalidIndex)
	}
	if from == to {
		d.mu.Unlock()
		return nil
	}
	c := d.removeAtLocked(from)
	d.insertAtLocked(to, c)
	d.journal.Push(Operation{Kind: OpMove, From: from, To: to, PrevActive: d.activeIdx})
	d.activeIdx = to
	evs = append(evs, ChangeEvent{Kind: ChangeCells, Path: d.path, Index: -1})
	d.updateModifiedStateLocked(&evs)
	d.mu.Unlock()
	d.emit(evs...)
	return nil
}

// MoveCells moves the cells at the given indices, as one run preserving
// their relative order, to sit at the insertion position target (expressed
// in pre-move coordinates, 0..Len). The inverse re-inserts each moved cell
// at its original index in ascending order, which reconstructs arbitrary
// index sets exactly.
func (d *Document) MoveCells(indices []int, target int) error {
	var evs []ChangeEvent
	d.mu.Lock()
	norm, err := d.normalizeIndicesLocked(indices)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	if len(norm) == 0 {
		d.mu.Unlock()
		return nil
	}
	if target < 0 || target > len(d.cells) {
		n := len(d.cells)
		d.mu.Unlock()
		return fmt.Errorf("notebook: move to %d of %d: %w", target, n, apperr.ErrInvalidIndex)
	}
	prevActive := d.activeIdx
	runStart := d.moveRunLocked(norm, target)
	d.journal.Push(Operation{
		Kind:       OpMoveMultiple,
		Indices:    norm,
		To:         target,
		RunStart:   runStart,
		Count:      len(norm),
		PrevActive: prevActive,
	})
	d.activeIdx = runStart
	evs = append(evs, ChangeEvent{Kind: ChangeCells, Path: d.path, Index: -1})
	d.updateModifiedStateLocked(&evs)
	d.mu.Unlock()
	d.emit(evs...)
	return nil
}

// moveRunLocked extracts the cells at norm (ascending), reinserts them as a
// contiguous run at target adjusted for the extraction, and returns where
// the run landed.
func (d *Document) moveRunLocked(norm []int, target int) int {
	moved := make([]*cell.Cell, len(norm))
	for i := len(norm) - 1; i >= 0; i-- {
		moved[i] = d.removeAtLocked(norm[i])
	}
	before := 0
	for _, idx := range norm {
		if idx < target {
			before++
		}
	}
	runStart := target - before
	if runStart > len(d.cells) {
		runStart = len(d.cells)
	}
	for j, c := range moved {
		d.insertAtLocked(runStart+j, c)
	}
	return runStart
}

// ChangeCellType switches the cell at index to t. Leaving the code type
// drops outputs and the execution count.
func (d *Document) ChangeCellType(index int, t cell.Type) error {
	if !t.Valid() {
		return fmt.Errorf("notebook: change type: unknown cell type %q", t)
	}
	var evs []ChangeEvent
	d.mu.Lock()
	if !d.validIndexLocked(index) {
		n := len(d.cells)
		d.mu.Unlock()
		return fmt.Errorf("notebook: change type %d of %d: %w", index, n, apperr.ErrInvalidIndex)
	}
	c := d.cells[index]
	if c.Type == t {
		d.mu.Unlock()
		return nil
	}
	snap := c.Clone()
	d.journal.Push(Operation{
		Kind:       OpChangeType,
		Index:      index,
		PrevType:   c.Type,
		NewType:    t,
		Cells:      []*cell.Cell{snap},
		PrevActive: d.activeIdx,
	})
	d.applyTypeLocked(c, t)
	d.activeIdx = index
	evs = append(evs, ChangeEvent{Kind: ChangeCells, Path: d.path, Index: -1})
	d.updateModifiedStateLocked(&evs)
	d.mu.Unlock()
	d.emit(evs...)
	return nil
}

func (d *Document) applyTypeLocked(c *cell.Cell, t cell.Type) {
	c.Type = t
	if t != cell.TypeCode {
		c.Outputs = nil
		c.ExecutionCount = 0
		if c.Status == cell.StatusError {
			c.Status = cell.StatusIdle
		}
	}
}

// UpdateCellSource replaces the source text of the cell at index. Text
// edits are not structural: they are not journaled here.
func (d *Document) UpdateCellSource(index int, text string) error {
	var evs []ChangeEvent
	d.mu.Lock()
	if !d.validIndexLocked(index) {
		n := len(d.cells)
		d.mu.Unlock()
		return fmt.Errorf("notebook: update source %d of %d: %w", index, n, apperr.ErrInvalidIndex)
	}
	c := d.cells[index]
	c.Source = text
	evs = append(evs, ChangeEvent{Kind: ChangeCell, Path: d.path, Index: index, CellID: c.ID})
	d.updateModifiedStateLocked(&evs)
	d.mu.Unlock()
	d.emit(evs...)
	return nil
}

// SetCellInputVisible toggles the input visibility of the cell at index.
func (d *Document) SetCellInputVisible(index int, visible bool) error {
	return d.setVisibility(index, func(c *cell.Cell) { c.InputVisible = visible })
}

// SetCellOutputVisible toggles the output visibility of the cell at index.
func (d *Document) SetCellOutputVisible(index int, visible bool) error {
	return d.setVisibility(index, func(c *cell.Cell) { c.OutputVisible = visible })
}

func (d *Document) setVisibility(index int, apply func(*cell.Cell)) error {
	d.mu.Lock()
	if !d.validIndexLocked(index) {
		n := len(d.cells)
		d.mu.Unlock()
		return fmt.Errorf("notebook: visibility %d of %d: %w", index, n, apperr.ErrInvalidIndex)
	}
	c := d.cells[index]
	apply(c)
	ev := ChangeEvent{Kind: ChangeCell, Path: d.path, Index: index, CellID: c.ID}
	d.mu.Unlock()
	d.emit(ev)
	return nil
}

// Paste inserts deep copies of clip at index (0..Len). Pasted cells get
// fresh ids so the same clipboard can be pasted repeatedly.
func (d *Document) Paste(index int, clip []*cell.Cell) error {
	if len(clip) == 0 {
		return nil
	}
	var evs []ChangeEvent
	d.mu.Lock()
	if index < 0 || index > len(d.cells) {
		n := len(d.cells)
		d.mu.Unlock()
		return fmt.Errorf("notebook: paste at %d of %d: %w", index, n, apperr.ErrInvalidIndex)
	}
	snaps := make([]*cell.Cell, len(clip))
	for i, c := range clip {
		fresh := c.CloneFresh()
		d.insertAtLocked(index+i, fresh)
		snaps[i] = fresh.Clone()
	}
	d.journal.Push(Operation{
		Kind:       OpPaste,
		Index:      index,
		Count:      len(clip),
		Cells:      snaps,
		PrevActive: d.activeIdx,
	})
	d.activeIdx = index
	evs = append(evs, ChangeEvent{Kind: ChangeCells, Path: d.path, Index: -1})
	d.updateModifiedStateLocked(&evs)
	d.mu.Unlock()
	d.emit(evs...)
	return nil
}

// Duplicate inserts a fresh-id copy of the cell at index right below it.
func (d *Document) Duplicate(index int) error {
	var evs []ChangeEvent
	d.mu.Lock()
	if !d.validIndexLocked(index) {
		n := len(d.cells)
		d.mu.Unlock()
		return fmt.Errorf("notebook: duplicate %d of %d: %w", index, n, apperr.ErrInvalidIndex)
	}
	fresh := d.cells[index].CloneFresh()
	d.insertAtLocked(index+1, fresh)
	d.journal.Push(Operation{
		Kind:       OpDuplicate,
		Index:      index + 1,
		Count:      1,
		Cells:      []*cell.Cell{fresh.Clone()},
		PrevActive: d.activeIdx,
	})
	d.activeIdx = index + 1
	evs = append(evs, ChangeEvent{Kind: ChangeCells, Path: d.path, Index: -1})
	d.updateModifiedStateLocked(&evs)
	d.mu.Unlock()
	d.emit(evs...)
	return nil
}

// MergeCellBelow folds the cell below index into the cell at index: sources
// join with a newline, the upper cell's type and outputs win, the lower
// cell is removed.
func (d *Document) MergeCellBelow(index int) error {
	var evs []ChangeEvent
	d.mu.Lock()
	if !d.validIndexLocked(index) || !d.validIndexLocked(index+1) {
		n := len(d.cells)
		d.mu.Unlock()
		return fmt.Errorf("notebook: merge %d of %d: %w", index, n, apperr.ErrInvalidIndex)
	}
	a := d.cells[index]
	b := d.cells[index+1]
	d.journal.Push(Operation{
		Kind:       OpMerge,
		Index:      index,
		Cells:      []*cell.Cell{a.Clone(), b.Clone()},
		PrevActive: d.activeIdx,
	})
	a.Source = joinSources(a.Source, b.Source)
	d.removeAtLocked(index + 1)
	d.activeIdx = index
	evs = append(evs, ChangeEvent{Kind: ChangeCells, Path: d.path, Index: -1})
	d.updateModifiedStateLocked(&evs)
	d.mu.Unlock()
	d.emit(evs...)
	return nil
}

// CanUndo reports whether an operation is available to undo.
func (d *Document) CanUndo() bool { return d.journal.CanUndo() }

// CanRedo reports whether an operation is available to redo.
func (d *Document) CanRedo() bool { return d.journal.CanRedo() }

// Undo reverts the most recent structural operation.
func (d *Document) Undo() error {
	evs := []ChangeEvent{}
	d.mu.Lock()
	op, ok := d.journal.PopUndo()
	if !ok {
		d.mu.Unlock()
		return apperr.ErrNothingToUndo
	}
	d.invertLocked(op)
	d.journal.Finish()
	d.activeIdx = clampIndex(op.PrevActive, len(d.cells))
	evs = append(evs, ChangeEvent{Kind: ChangeCells, Path: d.path, Index: -1})
	d.updateModifiedStateLocked(&evs)
	d.mu.Unlock()
	d.emit(evs...)
	return nil
}

// Redo reapplies the most recently undone structural operation.
func (d *Document) Redo() error {
	evs := []ChangeEvent{}
	d.mu.Lock()
	op, ok := d.journal.PopRedo()
	if !ok {
		d.mu.Unlock()
		return apperr.ErrNothingToRedo
	}
	d.replayLocked(op)
	d.journal.Finish()
	evs = append(evs, ChangeEvent{Kind: ChangeCells, Path: d.path, Index: -1})
	d.updateModifiedStateLocked(&evs)
	d.mu.Unlock()
	d.emit(evs...)
	return nil
}

// invertLocked applies the exact inverse of op. Multi-cell restores insert
// at the recorded indices in ascending order.
func (d *Document) invertLocked(op Operation) {
	switch op.Kind {
	case OpInsert:
		if len(d.cells) == 1 {
			d.cells[0].Clear()
		} else {
			d.removeAtLocked(op.Index)
		}
	case OpDelete:
		if op.Cleared {
			d.cells[op.Index].Restore(op.Cells[0])
		} else {
			d.insertAtLocked(op.Index, op.Cells[0].Clone())
		}
	case OpDeleteMultiple, OpCut:
		if op.Cleared {
			d.cells = d.cells[:0]
		}
		for i, idx := range op.Indices {
			d.insertAtLocked(idx, op.Cells[i].Clone())
		}
	case OpMove:
		c := d.removeAtLocked(op.To)
		d.insertAtLocked(op.From, c)
	case OpMoveMultiple:
		run := make([]*cell.Cell, op.Count)
		for i := op.Count - 1; i >= 0; i-- {
			run[i] = d.removeAtLocked(op.RunStart + i)
		}
		for i, idx := range op.Indices {
			d.insertAtLocked(idx, run[i])
		}
	case OpChangeType:
		d.cells[op.Index].Restore(op.Cells[0])
	case OpPaste, OpDuplicate:
		for i := 0; i < op.Count; i++ {
			d.removeAtLocked(op.Index)
		}
	case OpMerge:
		d.cells[op.Index].Restore(op.Cells[0])
		d.insertAtLocked(op.Index+1, op.Cells[1].Clone())
	}
	d.clampActiveLocked()
}

// replayLocked reapplies op after an undo.
func (d *Document) replayLocked(op Operation) {
	switch op.Kind {
	case OpInsert:
		d.insertAtLocked(op.Index, op.Cells[0].Clone())
		d.activeIdx = op.Index
	case OpDelete:
		if op.Cleared {
			d.cells[op.Index].Clear()
		} else {
			d.removeAtLocked(op.Index)
		}
	case OpDeleteMultiple, OpCut:
		if op.Cleared {
			survivor := d.cells[0]
			d.cells = []*cell.Cell{survivor}
			survivor.Clear()
		} else {
			for i := len(op.Indices) - 1; i >= 0; i-- {
				d.removeAtLocked(op.Indices[i])
			}
		}
	case OpMove:
		c := d.removeAtLocked(op.From)
		d.insertAtLocked(op.To, c)
		d.activeIdx = op.To
	case OpMoveMultiple:
		d.moveRunLocked(op.Indices, op.To)
		d.activeIdx = op.RunStart
	case OpChangeType:
		d.applyTypeLocked(d.cells[op.Index], op.NewType)
		d.activeIdx = op.Index
	case OpPaste:
		for i, snap := range op.Cells {
			d.insertAtLocked(op.Index+i, snap.Clone())
		}
		d.activeIdx = op.Index
	case OpDuplicate:
		d.insertAtLocked(op.Index, op.Cells[0].Clone())
		d.activeIdx = op.Index
	case OpMerge:
		a := d.cells[op.Index]
		a.Source = joinSources(a.Source, d.cells[op.Index+1].Source)
		d.removeAtLocked(op.Index + 1)
		d.activeIdx = op.Index
	}
	d.clampActiveLocked()
}

func (d *Document) insertAtLocked(index int, c *cell.Cell) {
	d.cells = slices.Insert(d.cells, index, c)
}

func (d *Document) removeAtLocked(index int) *cell.Cell {
	c := d.cells[index]
	d.cells = slices.Delete(d.cells, index, index+1)
	return c
}

func (d *Document) clampActiveLocked() {
	d.activeIdx = clampIndex(d.activeIdx, len(d.cells))
}

// normalizeIndicesLocked validates every index before anything mutates
// (all-or-nothing), drops duplicates, and returns them ascending.
func (d *Document) normalizeIndicesLocked(indices []int) ([]int, error) {
	if len(indices) == 0 {
		return nil, nil
	}
	seen := make(map[int]struct{}, len(indices))
	norm := make([]int, 0, len(indices))
	for _, i := range indices {
		if !d.validIndexLocked(i) {
			return nil, fmt.Errorf("notebook: index %d of %d: %w", i, len(d.cells), apperr.ErrInvalidIndex)
		}
		if _, dup := seen[i]; dup {
			continue
		}
		seen[i] = struct{}{}
		norm = append(norm, i)
	}
	slices.Sort(norm)
	return norm, nil
}

func clampIndex(i, n int) int {
	if n == 0 {
		return 0
	}
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

func joinSources(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "\n" + b
	}
}
