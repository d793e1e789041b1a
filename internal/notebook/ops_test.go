package notebook

import (
	"errors"
	"log/slog"
	"os"
	"slices"
	"testing"

	"github.com/starford/laguz/internal/apperr"
	"github.com/starford/laguz/internal/cell"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newDoc builds an untitled document whose cells are code cells with the
// given sources, with a clean journal and an unmodified baseline.
func newDoc(t *testing.T, srcs ...string) *Document {
	t.Helper()
	d := New(Deps{Logger: testLogger()}, "")
	if len(srcs) > 0 {
		cells := make([]*cell.Cell, len(srcs))
		for i, src := range srcs {
			c := cell.New(cell.TypeCode)
			c.Source = src
			cells[i] = c
		}
		d.cells = cells
	}
	d.savedSum = d.fingerprintLocked()
	d.modified = false
	return d
}

func docSources(d *Document) []string {
	out := make([]string, 0, len(d.cells))
	for _, c := range d.cells {
		out = append(out, c.Source)
	}
	return out
}

func docIDs(d *Document) []string {
	out := make([]string, 0, len(d.cells))
	for _, c := range d.cells {
		out = append(out, c.ID)
	}
	return out
}

func wantSources(t *testing.T, d *Document, want []string) {
	t.Helper()
	if got := docSources(d); !slices.Equal(got, want) {
		t.Fatalf("sources = %q, want %q", got, want)
	}
}

func TestDocument_InsertCell(t *testing.T) {
	d := newDoc(t, "a", "b")

	c, err := d.InsertCell(1, cell.TypeMarkdown)
	if err != nil {
		t.Fatalf("InsertCell: %v", err)
	}
	if c.Type != cell.TypeMarkdown {
		t.Errorf("type = %q, want %q", c.Type, cell.TypeMarkdown)
	}
	if got := d.Len(); got != 3 {
		t.Errorf("Len = %d, want 3", got)
	}
	if got := d.ActiveIndex(); got != 1 {
		t.Errorf("ActiveIndex = %d, want 1", got)
	}
	if !d.Modified() {
		t.Error("Modified = false after insert")
	}
	if !d.CanUndo() {
		t.Error("CanUndo = false after insert")
	}

	if _, err := d.InsertCell(7, cell.TypeCode); !errors.Is(err, apperr.ErrInvalidIndex) {
		t.Errorf("out-of-range err = %v, want ErrInvalidIndex", err)
	}
	if _, err := d.InsertCell(0, cell.Type("heading")); err == nil {
		t.Error("unknown type: err = nil, want error")
	}
}

func TestDocument_InsertTwiceDeleteOne(t *testing.T) {
	d := New(Deps{Logger: testLogger()}, "")

	for i := 0; i < 2; i++ {
		if _, err := d.InsertCell(0, cell.TypeCode); err != nil {
			t.Fatalf("InsertCell: %v", err)
		}
	}
	if err := d.DeleteCell(1); err != nil {
		t.Fatalf("DeleteCell: %v", err)
	}
	if got := d.Len(); got != 2 {
		t.Errorf("Len = %d, want 2", got)
	}
	if got := d.ExecutionCount(); got != 0 {
		t.Errorf("ExecutionCount = %d, want 0 before any run", got)
	}
}

func TestDocument_UndoRedoInsert(t *testing.T) {
	d := newDoc(t, "a", "b", "c")

	c, err := d.InsertCell(2, cell.TypeMarkdown)
	if err != nil {
		t.Fatalf("InsertCell: %v", err)
	}
	insertedID := c.ID

	if err := d.Undo(); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	wantSources(t, d, []string{"a", "b", "c"})
	if d.Modified() {
		t.Error("Modified = true after undo back to baseline")
	}

	if err := d.Redo(); err != nil {
		t.Fatalf("Redo: %v", err)
	}
	if got := d.Len(); got != 4 {
		t.Fatalf("Len after redo = %d, want 4", got)
	}
	if got := d.cells[2].ID; got != insertedID {
		t.Errorf("redone cell id = %s, want %s", got, insertedID)
	}
	if got := d.cells[2].Type; got != cell.TypeMarkdown {
		t.Errorf("redone cell type = %q, want %q", got, cell.TypeMarkdown)
	}
}

func TestDocument_DeleteCellUndoKeepsID(t *testing.T) {
	d := newDoc(t, "a", "b", "c")
	deletedID := d.cells[1].ID

	if err := d.DeleteCell(1); err != nil {
		t.Fatalf("DeleteCell: %v", err)
	}
	wantSources(t, d, []string{"a", "c"})

	if err := d.Undo(); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	wantSources(t, d, []string{"a", "b", "c"})
	if got := d.cells[1].ID; got != deletedID {
		t.Errorf("restored id = %s, want %s", got, deletedID)
	}
}

func TestDocument_DeleteLastCellClearsInPlace(t *testing.T) {
	d := newDoc(t, "only")
	survivor := d.cells[0]
	survivor.AppendOutput(cell.Output{Type: cell.OutputStream, Name: "stdout", Text: "hi"})
	survivor.ExecutionCount = 4

	if err := d.DeleteCell(0); err != nil {
		t.Fatalf("DeleteCell: %v", err)
	}
	if got := d.Len(); got != 1 {
		t.Fatalf("Len = %d, want 1", got)
	}
	if d.cells[0] != survivor {
		t.Fatal("cleared cell is a different instance")
	}
	if survivor.Source != "" || len(survivor.Outputs) != 0 || survivor.ExecutionCount != 0 {
		t.Errorf("cell not cleared: source=%q outputs=%d count=%d",
			survivor.Source, len(survivor.Outputs), survivor.ExecutionCount)
	}

	if err := d.Undo(); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if d.cells[0] != survivor {
		t.Fatal("undo replaced the cell instance")
	}
	if survivor.Source != "only" || len(survivor.Outputs) != 1 || survivor.ExecutionCount != 4 {
		t.Errorf("cell not restored: source=%q outputs=%d count=%d",
			survivor.Source, len(survivor.Outputs), survivor.ExecutionCount)
	}
}

func TestDocument_DeleteCells(t *testing.T) {
	tests := []struct {
		name    string
		indices []int
		want    []string
	}{
		{"two middle", []int{1, 3}, []string{"a", "c", "e"}},
		{"unsorted with duplicates", []int{3, 1, 1}, []string{"a", "c", "e"}},
		{"ends", []int{0, 4}, []string{"b", "c", "d"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDoc(t, "a", "b", "c", "d", "e")
			if err := d.DeleteCells(tt.indices); err != nil {
				t.Fatalf("DeleteCells(%v): %v", tt.indices, err)
			}
			wantSources(t, d, tt.want)

			if err := d.Undo(); err != nil {
				t.Fatalf("Undo: %v", err)
			}
			wantSources(t, d, []string{"a", "b", "c", "d", "e"})
		})
	}
}

func TestDocument_DeleteCellsInvalidIndexMutatesNothing(t *testing.T) {
	d := newDoc(t, "a", "b", "c")

	err := d.DeleteCells([]int{1, 9})
	if !errors.Is(err, apperr.ErrInvalidIndex) {
		t.Fatalf("err = %v, want ErrInvalidIndex", err)
	}
	wantSources(t, d, []string{"a", "b", "c"})
	if d.CanUndo() {
		t.Error("CanUndo = true, want false after rejected delete")
	}
}

func TestDocument_DeleteAllLeavesOneClearedCell(t *testing.T) {
	d := newDoc(t, "a", "b", "c")
	ids := docIDs(d)
	first := d.cells[0]

	if err := d.DeleteCells([]int{0, 1, 2}); err != nil {
		t.Fatalf("DeleteCells: %v", err)
	}
	if got := d.Len(); got != 1 {
		t.Fatalf("Len = %d, want 1", got)
	}
	if d.cells[0] != first {
		t.Error("survivor is not the former first cell")
	}
	if d.cells[0].Source != "" {
		t.Errorf("survivor source = %q, want empty", d.cells[0].Source)
	}

	if err := d.Undo(); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	wantSources(t, d, []string{"a", "b", "c"})
	if got := docIDs(d); !slices.Equal(got, ids) {
		t.Errorf("ids after undo = %v, want %v", got, ids)
	}
}

func TestDocument_ThreeUndosRestoreOriginal(t *testing.T) {
	d := newDoc(t, "a")

	if _, err := d.InsertCell(0, cell.TypeCode); err != nil {
		t.Fatalf("InsertCell: %v", err)
	}
	if _, err := d.InsertCell(2, cell.TypeMarkdown); err != nil {
		t.Fatalf("InsertCell: %v", err)
	}
	if err := d.DeleteCell(1); err != nil {
		t.Fatalf("DeleteCell: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := d.Undo(); err != nil {
			t.Fatalf("Undo #%d: %v", i+1, err)
		}
	}
	wantSources(t, d, []string{"a"})
	if d.Modified() {
		t.Error("Modified = true after full unwind")
	}

	for i := 0; i < 3; i++ {
		if err := d.Redo(); err != nil {
			t.Fatalf("Redo #%d: %v", i+1, err)
		}
	}
	if got := d.Len(); got != 2 {
		t.Errorf("Len after replay = %d, want 2", got)
	}
}

func TestDocument_MoveCell(t *testing.T) {
	d := newDoc(t, "a", "b", "c")

	if err := d.MoveCell(0, 2); err != nil {
		t.Fatalf("MoveCell: %v", err)
	}
	wantSources(t, d, []string{"b", "c", "a"})

	if err := d.Undo(); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	wantSources(t, d, []string{"a", "b", "c"})

	if err := d.Redo(); err != nil {
		t.Fatalf("Redo: %v", err)
	}
	wantSources(t, d, []string{"b", "c", "a"})
}

func TestDocument_MoveCellSamePositionIsNoop(t *testing.T) {
	d := newDoc(t, "a", "b")
	if err := d.MoveCell(1, 1); err != nil {
		t.Fatalf("MoveCell: %v", err)
	}
	wantSources(t, d, []string{"a", "b"})
	if d.CanUndo() {
		t.Error("CanUndo = true after no-op move")
	}
}

func TestDocument_MoveCellsUndoIsExactInverse(t *testing.T) {
	tests := []struct {
		name    string
		indices []int
		target  int
	}{
		{"scattered to end", []int{0, 2, 4}, 5},
		{"adjacent to front", []int{1, 2}, 0},
		{"tail pair inward", []int{3, 5}, 2},
		{"single far jump", []int{5}, 0},
		{"everything", []int{0, 1, 2, 3, 4, 5}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDoc(t, "a", "b", "c", "d", "e", "f")
			original := docSources(d)

			if err := d.MoveCells(tt.indices, tt.target); err != nil {
				t.Fatalf("MoveCells(%v, %d): %v", tt.indices, tt.target, err)
			}
			moved := docSources(d)

			if err := d.Undo(); err != nil {
				t.Fatalf("Undo: %v", err)
			}
			if got := docSources(d); !slices.Equal(got, original) {
				t.Fatalf("after undo = %q, want %q", got, original)
			}

			if err := d.Redo(); err != nil {
				t.Fatalf("Redo: %v", err)
			}
			if got := docSources(d); !slices.Equal(got, moved) {
				t.Fatalf("after redo = %q, want %q", got, moved)
			}
		})
	}
}

func TestDocument_MoveCellsPreservesRelativeOrder(t *testing.T) {
	d := newDoc(t, "a", "b", "c", "d", "e", "f")

	if err := d.MoveCells([]int{0, 2, 4}, 5); err != nil {
		t.Fatalf("MoveCells: %v", err)
	}
	wantSources(t, d, []string{"b", "d", "a", "c", "e", "f"})
}

func TestDocument_ChangeCellType(t *testing.T) {
	d := newDoc(t, "print(1)")
	c := d.cells[0]
	c.AppendOutput(cell.Output{Type: cell.OutputStream, Name: "stdout", Text: "1"})
	c.ExecutionCount = 2

	if err := d.ChangeCellType(0, cell.TypeMarkdown); err != nil {
		t.Fatalf("ChangeCellType: %v", err)
	}
	if c.Type != cell.TypeMarkdown {
		t.Errorf("type = %q, want markdown", c.Type)
	}
	if len(c.Outputs) != 0 || c.ExecutionCount != 0 {
		t.Errorf("outputs=%d count=%d, want both cleared", len(c.Outputs), c.ExecutionCount)
	}

	if err := d.Undo(); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if d.cells[0] != c {
		t.Fatal("undo replaced the cell instance")
	}
	if c.Type != cell.TypeCode || len(c.Outputs) != 1 || c.ExecutionCount != 2 {
		t.Errorf("restore gave type=%q outputs=%d count=%d", c.Type, len(c.Outputs), c.ExecutionCount)
	}

	if err := d.Redo(); err != nil {
		t.Fatalf("Redo: %v", err)
	}
	if c.Type != cell.TypeMarkdown || len(c.Outputs) != 0 {
		t.Errorf("redo gave type=%q outputs=%d", c.Type, len(c.Outputs))
	}
}

func TestDocument_ChangeCellTypeSameTypeIsNoop(t *testing.T) {
	d := newDoc(t, "a")
	if err := d.ChangeCellType(0, cell.TypeCode); err != nil {
		t.Fatalf("ChangeCellType: %v", err)
	}
	if d.CanUndo() {
		t.Error("CanUndo = true after same-type change")
	}
}

func TestDocument_CutPaste(t *testing.T) {
	d := newDoc(t, "a", "b", "c")
	cutIDs := []string{d.cells[0].ID, d.cells[2].ID}

	clip, err := d.Cut([]int{0, 2})
	if err != nil {
		t.Fatalf("Cut: %v", err)
	}
	wantSources(t, d, []string{"b"})
	if len(clip) != 2 || clip[0].Source != "a" || clip[1].Source != "c" {
		t.Fatalf("clipboard = %+v, want sources a,c", clip)
	}

	if err := d.Paste(1, clip); err != nil {
		t.Fatalf("Paste: %v", err)
	}
	wantSources(t, d, []string{"b", "a", "c"})
	for i, idx := range []int{1, 2} {
		if d.cells[idx].ID == cutIDs[i] {
			t.Errorf("pasted cell %d reused the cut id", idx)
		}
	}

	// The same clipboard pastes again, under fresh ids each time.
	if err := d.Paste(0, clip); err != nil {
		t.Fatalf("second Paste: %v", err)
	}
	wantSources(t, d, []string{"a", "c", "b", "a", "c"})
	if d.cells[0].ID == d.cells[3].ID {
		t.Error("repeat paste reused an id")
	}

	for _, want := range [][]string{
		{"b", "a", "c"},
		{"b"},
		{"a", "b", "c"},
	} {
		if err := d.Undo(); err != nil {
			t.Fatalf("Undo: %v", err)
		}
		wantSources(t, d, want)
	}
	if got := docIDs(d); got[0] != cutIDs[0] || got[2] != cutIDs[1] {
		t.Errorf("cut undo ids = %v, want originals back", got)
	}
}

func TestDocument_CopyCellsDoesNotMutate(t *testing.T) {
	d := newDoc(t, "a", "b", "c")

	got, err := d.CopyCells([]int{2, 0})
	if err != nil {
		t.Fatalf("CopyCells: %v", err)
	}
	if len(got) != 2 || got[0].Source != "a" || got[1].Source != "c" {
		t.Fatalf("copies = %+v, want ascending a,c", got)
	}
	if d.CanUndo() {
		t.Error("CanUndo = true after copy")
	}

	got[0].Source = "mutated"
	wantSources(t, d, []string{"a", "b", "c"})
}

func TestDocument_Duplicate(t *testing.T) {
	d := newDoc(t, "a", "b")

	if err := d.Duplicate(0); err != nil {
		t.Fatalf("Duplicate: %v", err)
	}
	wantSources(t, d, []string{"a", "a", "b"})
	if d.cells[0].ID == d.cells[1].ID {
		t.Error("duplicate shares the original id")
	}
	dupID := d.cells[1].ID

	if err := d.Undo(); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	wantSources(t, d, []string{"a", "b"})

	if err := d.Redo(); err != nil {
		t.Fatalf("Redo: %v", err)
	}
	if got := d.cells[1].ID; got != dupID {
		t.Errorf("redone duplicate id = %s, want %s", got, dupID)
	}
}

func TestDocument_MergeCellBelow(t *testing.T) {
	d := newDoc(t, "x = 1", "print(x)")
	upper := d.cells[0]

	if err := d.MergeCellBelow(0); err != nil {
		t.Fatalf("MergeCellBelow: %v", err)
	}
	wantSources(t, d, []string{"x = 1\nprint(x)"})

	if err := d.Undo(); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	wantSources(t, d, []string{"x = 1", "print(x)"})
	if d.cells[0] != upper {
		t.Error("undo replaced the upper cell instance")
	}

	if err := d.Redo(); err != nil {
		t.Fatalf("Redo: %v", err)
	}
	wantSources(t, d, []string{"x = 1\nprint(x)"})

	if err := d.MergeCellBelow(0); !errors.Is(err, apperr.ErrInvalidIndex) {
		t.Errorf("merge without a lower cell: err = %v, want ErrInvalidIndex", err)
	}
}

func TestDocument_MergeSkipsEmptyJoin(t *testing.T) {
	d := newDoc(t, "", "body")
	if err := d.MergeCellBelow(0); err != nil {
		t.Fatalf("MergeCellBelow: %v", err)
	}
	wantSources(t, d, []string{"body"})
}

func TestDocument_UndoRedoOnEmptyJournal(t *testing.T) {
	d := newDoc(t)
	if err := d.Undo(); !errors.Is(err, apperr.ErrNothingToUndo) {
		t.Errorf("Undo err = %v, want ErrNothingToUndo", err)
	}
	if err := d.Redo(); !errors.Is(err, apperr.ErrNothingToRedo) {
		t.Errorf("Redo err = %v, want ErrNothingToRedo", err)
	}
}

func TestDocument_NewOperationClearsRedo(t *testing.T) {
	d := newDoc(t, "a")

	if _, err := d.InsertCell(1, cell.TypeCode); err != nil {
		t.Fatalf("InsertCell: %v", err)
	}
	if err := d.Undo(); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if !d.CanRedo() {
		t.Fatal("CanRedo = false after undo")
	}

	if _, err := d.InsertCell(0, cell.TypeMarkdown); err != nil {
		t.Fatalf("InsertCell: %v", err)
	}
	if d.CanRedo() {
		t.Error("CanRedo = true after a new operation")
	}
}

func TestDocument_TextAndVisibilityEditsNotJournaled(t *testing.T) {
	d := newDoc(t, "a")

	if err := d.UpdateCellSource(0, "a2"); err != nil {
		t.Fatalf("UpdateCellSource: %v", err)
	}
	if err := d.SetCellInputVisible(0, false); err != nil {
		t.Fatalf("SetCellInputVisible: %v", err)
	}
	if err := d.SetCellOutputVisible(0, false); err != nil {
		t.Fatalf("SetCellOutputVisible: %v", err)
	}

	if d.CanUndo() {
		t.Error("CanUndo = true, want false: text and visibility edits are not structural")
	}
	if d.cells[0].InputVisible || d.cells[0].OutputVisible {
		t.Error("visibility flags not applied")
	}
	if !d.Modified() {
		t.Error("Modified = false after source edit")
	}
}

func TestDocument_ActiveIndexTracksOperations(t *testing.T) {
	d := newDoc(t, "a", "b", "c")
	if got := d.ActiveIndex(); got != 0 {
		t.Fatalf("initial ActiveIndex = %d, want 0", got)
	}

	if _, err := d.InsertCell(2, cell.TypeCode); err != nil {
		t.Fatalf("InsertCell: %v", err)
	}
	if got := d.ActiveIndex(); got != 2 {
		t.Errorf("ActiveIndex after insert = %d, want 2", got)
	}

	if err := d.Undo(); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if got := d.ActiveIndex(); got != 0 {
		t.Errorf("ActiveIndex after undo = %d, want 0", got)
	}
}

func TestDocument_ChangeEventsEmitted(t *testing.T) {
	d := newDoc(t, "a")
	var kinds []ChangeKind
	off := d.OnDidChange(func(ev ChangeEvent) { kinds = append(kinds, ev.Kind) })
	defer off()

	if _, err := d.InsertCell(1, cell.TypeCode); err != nil {
		t.Fatalf("InsertCell: %v", err)
	}

	if !slices.Contains(kinds, ChangeCells) {
		t.Errorf("kinds = %v, want a %q event", kinds, ChangeCells)
	}
	if !slices.Contains(kinds, ChangeModified) {
		t.Errorf("kinds = %v, want a %q event", kinds, ChangeModified)
	}

	kinds = nil
	off()
	if _, err := d.InsertCell(0, cell.TypeCode); err != nil {
		t.Fatalf("InsertCell: %v", err)
	}
	if len(kinds) != 0 {
		t.Errorf("disposed listener still received %d events", len(kinds))
	}
}
