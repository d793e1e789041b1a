package notebook

import (
	"strings"

	"github.com/starford/laguz/internal/cell"
	"github.com/starford/laguz/internal/checksum"
)

// fingerprintLocked hashes the user-observable content: cell type, source,
// and output summary, in sequence order. Metadata and execution counts are
// deliberately outside it.
func (d *Document) fingerprintLocked() string {
	var b strings.Builder
	for _, c := range d.cells {
		b.WriteString(string(c.Type))
		b.WriteByte(0x1f)
		b.WriteString(c.Source)
		b.WriteByte(0x1f)
		b.WriteString(cell.Summary(c.Outputs))
		b.WriteByte(0x1e)
	}
	return checksum.Sum([]byte(b.String()))
}

// MatchesSavedContent reports whether current content equals the last saved
// state, e.g. after a chain of edits was undone back to it.
func (d *Document) MatchesSavedContent() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fingerprintLocked() == d.savedSum
}

// UpdateModifiedState recomputes the modified flag from the fingerprint.
// Idempotent: repeated calls without intervening edits do not toggle it.
func (d *Document) UpdateModifiedState() {
	var evs []ChangeEvent
	d.mu.Lock()
	d.updateModifiedStateLocked(&evs)
	d.mu.Unlock()
	d.emit(evs...)
}

func (d *Document) updateModifiedStateLocked(evs *[]ChangeEvent) {
	m := d.fingerprintLocked() != d.savedSum
	if m != d.modified {
		d.modified = m
		*evs = append(*evs, ChangeEvent{Kind: ChangeModified, Path: d.path, Index: -1})
	}
}
