package notebook

import "time"

// ChangeKind discriminates document change notifications.
type ChangeKind string

const (
	// ChangeCells: the cell sequence changed shape (insert, delete, move,
	// type change, paste, merge, undo/redo of any of those).
	ChangeCells ChangeKind = "cells"
	// ChangeCell: one cell's content, outputs, or run state changed.
	ChangeCell ChangeKind = "cell"
	// ChangeOutputs: one output landed on a running cell. Split from
	// ChangeCell so consumers can throttle output bursts without losing
	// the settle notification.
	ChangeOutputs ChangeKind = "outputs"
	// ChangeMetadata: document metadata changed.
	ChangeMetadata ChangeKind = "metadata"
	// ChangeModified: the modified flag flipped.
	ChangeModified ChangeKind = "modified"
	// ChangeKernel: a kernel session was attached, detached, or changed
	// status.
	ChangeKernel ChangeKind = "kernel"
	// ChangeSaved: the document was written to storage.
	ChangeSaved ChangeKind = "saved"
	// ChangePath: the document's storage path changed.
	ChangePath ChangeKind = "path"
)

// ChangeEvent is one document change notification. Index and CellID are set
// for ChangeCell and ChangeOutputs only; Index is -1 otherwise.
type ChangeEvent struct {
	Kind   ChangeKind
	Path   string
	Index  int
	CellID string
}

// RunRecord describes one finished cell execution, emitted for history
// recording and observers.
type RunRecord struct {
	Path      string
	CellID    string
	Code      string
	Status    string
	Count     int
	StartedAt time.Time
	Elapsed   time.Duration
}
