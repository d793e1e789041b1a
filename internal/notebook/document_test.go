package notebook

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/starford/laguz/internal/apperr"
	"github.com/starford/laguz/internal/cell"
	"github.com/starford/laguz/internal/storage"
)

// newStore builds a filesystem provider rooted in a fresh temp workspace.
func newStore(t *testing.T) *storage.FS {
	t.Helper()
	store, err := storage.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("storage.NewFS: %v", err)
	}
	return store
}

func TestDocument_NewStartsWithOneEmptyCodeCell(t *testing.T) {
	d := New(Deps{Logger: testLogger()}, "")

	if got := d.Len(); got != 1 {
		t.Fatalf("Len = %d, want 1", got)
	}
	c, err := d.CellAt(0)
	if err != nil {
		t.Fatalf("CellAt: %v", err)
	}
	if c.Type != cell.TypeCode || c.Source != "" {
		t.Errorf("cell = %q %q, want empty code cell", c.Type, c.Source)
	}
	if d.Modified() {
		t.Error("Modified = true on a fresh document")
	}
	if !d.Untitled() {
		t.Error("Untitled = false for empty path")
	}
}

func TestDocument_LoadMissingFileKeepsFreshState(t *testing.T) {
	d := New(Deps{Store: newStore(t), Logger: testLogger()}, "void.ipynb")

	if err := d.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := d.Len(); got != 1 {
		t.Errorf("Len = %d, want 1", got)
	}
	if d.Modified() {
		t.Error("Modified = true after loading a missing file")
	}
}

func TestDocument_LoadMalformedFileFallsBackEmpty(t *testing.T) {
	store := newStore(t)
	if err := store.Write("broken.ipynb", []byte("{not json")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	d := New(Deps{Store: store, Logger: testLogger()}, "broken.ipynb")

	if err := d.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := d.Len(); got != 1 {
		t.Errorf("Len = %d, want 1", got)
	}
	c, _ := d.CellAt(0)
	if c.Source != "" {
		t.Errorf("source = %q, want empty fallback cell", c.Source)
	}
	if d.Modified() {
		t.Error("Modified = true after fallback")
	}
}

func TestDocument_LoadResumesExecutionCounter(t *testing.T) {
	store := newStore(t)

	a := cell.New(cell.TypeCode)
	a.Source = "x = 1"
	a.ExecutionCount = 2
	b := cell.New(cell.TypeCode)
	b.Source = "x + 1"
	b.ExecutionCount = 7
	data, err := Encode([]*cell.Cell{a, b}, map[string]any{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := store.Write("nb.ipynb", data); err != nil {
		t.Fatalf("seed: %v", err)
	}

	d := New(Deps{Store: store, Logger: testLogger()}, "nb.ipynb")
	if err := d.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := docSources(d); !slices.Equal(got, []string{"x = 1", "x + 1"}) {
		t.Errorf("sources = %q", got)
	}
	if got := d.ExecutionCount(); got != 7 {
		t.Errorf("ExecutionCount = %d, want 7", got)
	}
	if d.Modified() {
		t.Error("Modified = true right after load")
	}
	if d.CanUndo() {
		t.Error("CanUndo = true right after load")
	}
}

func TestDocument_SaveRequiresPath(t *testing.T) {
	d := New(Deps{Store: newStore(t), Logger: testLogger()}, "")
	if err := d.Save(context.Background()); err == nil {
		t.Fatal("Save on untitled document: err = nil, want error")
	}
}

func TestDocument_SaveAsRoundTrip(t *testing.T) {
	store := newStore(t)
	d := New(Deps{Store: store, Logger: testLogger()}, "")
	if err := d.UpdateCellSource(0, "print('hi')"); err != nil {
		t.Fatalf("UpdateCellSource: %v", err)
	}
	if !d.Modified() {
		t.Fatal("Modified = false after edit")
	}

	var kinds []ChangeKind
	off := d.OnDidChange(func(ev ChangeEvent) { kinds = append(kinds, ev.Kind) })
	defer off()

	if err := d.SaveAs(context.Background(), "hello.ipynb"); err != nil {
		t.Fatalf("SaveAs: %v", err)
	}
	if got := d.Path(); got != "hello.ipynb" {
		t.Errorf("Path = %q, want hello.ipynb", got)
	}
	if d.Modified() {
		t.Error("Modified = true after save")
	}
	if !slices.Contains(kinds, ChangeSaved) || !slices.Contains(kinds, ChangePath) {
		t.Errorf("kinds = %v, want saved and path events", kinds)
	}

	data, err := store.Read("hello.ipynb")
	if err != nil {
		t.Fatalf("Read back: %v", err)
	}
	cells, _, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(cells) != 1 || cells[0].Source != "print('hi')" {
		t.Errorf("decoded = %+v, want one cell print('hi')", cells)
	}
}

func TestDocument_SaveAsFailureKeepsOldPath(t *testing.T) {
	store := newStore(t)
	d := New(Deps{Store: store, Logger: testLogger()}, "keep.ipynb")

	if err := d.SaveAs(context.Background(), "../escape.ipynb"); err == nil {
		t.Fatal("SaveAs outside workspace: err = nil, want error")
	}
	if got := d.Path(); got != "keep.ipynb" {
		t.Errorf("Path = %q, want keep.ipynb", got)
	}

	if err := d.SaveAs(context.Background(), ""); err == nil {
		t.Fatal("SaveAs empty path: err = nil, want error")
	}
}

func TestDocument_ModifiedFollowsContentNotHistory(t *testing.T) {
	store := newStore(t)
	d := New(Deps{Store: store, Logger: testLogger()}, "")
	if err := d.UpdateCellSource(0, "base"); err != nil {
		t.Fatalf("UpdateCellSource: %v", err)
	}
	if err := d.SaveAs(context.Background(), "m.ipynb"); err != nil {
		t.Fatalf("SaveAs: %v", err)
	}

	if err := d.UpdateCellSource(0, "changed"); err != nil {
		t.Fatalf("UpdateCellSource: %v", err)
	}
	if !d.Modified() {
		t.Fatal("Modified = false after edit")
	}

	// Reverting the text by editing again, not by undo, still matches the
	// saved fingerprint.
	if err := d.UpdateCellSource(0, "base"); err != nil {
		t.Fatalf("UpdateCellSource: %v", err)
	}
	if d.Modified() {
		t.Error("Modified = true after reverting to saved content")
	}
	if !d.MatchesSavedContent() {
		t.Error("MatchesSavedContent = false at saved content")
	}
}

func TestDocument_UpdateModifiedStateIdempotent(t *testing.T) {
	store := newStore(t)
	d := New(Deps{Store: store, Logger: testLogger()}, "")
	if err := d.SaveAs(context.Background(), "idem.ipynb"); err != nil {
		t.Fatalf("SaveAs: %v", err)
	}

	d.UpdateModifiedState()
	d.UpdateModifiedState()
	if d.Modified() {
		t.Error("Modified = true after repeated recompute without edits")
	}

	if err := d.UpdateCellSource(0, "changed"); err != nil {
		t.Fatalf("UpdateCellSource: %v", err)
	}
	d.UpdateModifiedState()
	d.UpdateModifiedState()
	if !d.Modified() {
		t.Error("Modified = false after repeated recompute of an edited document")
	}
}

func TestDocument_FingerprintIgnoresExecutionCount(t *testing.T) {
	store := newStore(t)
	d := New(Deps{Store: store, Logger: testLogger()}, "")
	if err := d.SaveAs(context.Background(), "f.ipynb"); err != nil {
		t.Fatalf("SaveAs: %v", err)
	}

	d.cells[0].ExecutionCount = 9
	d.UpdateModifiedState()
	if d.Modified() {
		t.Error("Modified = true from an execution count change alone")
	}

	d.cells[0].AppendOutput(cell.Output{Type: cell.OutputStream, Name: "stdout", Text: "out"})
	d.UpdateModifiedState()
	if !d.Modified() {
		t.Error("Modified = false after an output change")
	}
}

func TestDocument_MetadataCopyAndEvents(t *testing.T) {
	d := New(Deps{Logger: testLogger()}, "")
	var got []ChangeEvent
	off := d.OnDidChange(func(ev ChangeEvent) { got = append(got, ev) })
	defer off()

	d.SetMetadataValue("authors", []string{"ada"})
	if len(got) != 1 || got[0].Kind != ChangeMetadata {
		t.Fatalf("events = %+v, want one metadata event", got)
	}

	m := d.Metadata()
	m["authors"] = nil
	if d.Metadata()["authors"] == nil {
		t.Error("mutating the returned map leaked into the document")
	}
}

func TestDocument_CellLookup(t *testing.T) {
	d := newDoc(t, "a", "b")

	if _, err := d.CellAt(5); !errors.Is(err, apperr.ErrInvalidIndex) {
		t.Errorf("CellAt(5) err = %v, want ErrInvalidIndex", err)
	}
	c, err := d.CellAt(1)
	if err != nil {
		t.Fatalf("CellAt: %v", err)
	}
	if got := d.IndexOfCell(c.ID); got != 1 {
		t.Errorf("IndexOfCell = %d, want 1", got)
	}
	if got := d.IndexOfCell("no-such-id"); got != -1 {
		t.Errorf("IndexOfCell(unknown) = %d, want -1", got)
	}
}

func TestDocument_RetainRelease(t *testing.T) {
	d := New(Deps{Logger: testLogger()}, "")

	if got := d.Retain(); got != 1 {
		t.Errorf("Retain = %d, want 1", got)
	}
	if got := d.Retain(); got != 2 {
		t.Errorf("Retain = %d, want 2", got)
	}
	if got := d.Release(); got != 1 {
		t.Errorf("Release = %d, want 1", got)
	}
	if got := d.Release(); got != 0 {
		t.Errorf("Release = %d, want 0", got)
	}
	if got := d.Release(); got != 0 {
		t.Errorf("Release below zero = %d, want 0", got)
	}
}

func TestDocument_DestroyIsIdempotent(t *testing.T) {
	d := newDoc(t, "a")
	if _, err := d.InsertCell(1, cell.TypeCode); err != nil {
		t.Fatalf("InsertCell: %v", err)
	}
	if !d.CanUndo() {
		t.Fatal("CanUndo = false before destroy")
	}

	d.Destroy()
	d.Destroy()
	if d.CanUndo() {
		t.Error("CanUndo = true after destroy, journal should be cleared")
	}
}

func TestDocument_LanguageFromMetadata(t *testing.T) {
	tests := []struct {
		name string
		meta map[string]any
		want string
	}{
		{"kernelspec", map[string]any{
			"kernelspec": map[string]any{"language": "python"},
		}, "python"},
		{"language_info fallback", map[string]any{
			"language_info": map[string]any{"name": "julia"},
		}, "julia"},
		{"kernelspec wins", map[string]any{
			"kernelspec":    map[string]any{"language": "python"},
			"language_info": map[string]any{"name": "julia"},
		}, "python"},
		{"none", map[string]any{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New(Deps{Logger: testLogger()}, "")
			d.metadata = tt.meta
			if got := d.Language(); got != tt.want {
				t.Errorf("Language = %q, want %q", got, tt.want)
			}
		})
	}
}
