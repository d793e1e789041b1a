package history

import (
	"log/slog"

	"github.com/starford/laguz/internal/notebook"
)

// Recorder copies finished-run records out of documents into a run log.
// Attach it to every document the registry hands out.
type Recorder struct {
	log    RunLog
	logger *slog.Logger
}

// NewRecorder returns a recorder writing to log.
func NewRecorder(log RunLog, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{log: log, logger: logger}
}

// Attach subscribes to a document's run notifications and returns the
// disposer. Recording failures are logged, never surfaced to the run.
func (rec *Recorder) Attach(d *notebook.Document) func() {
	return d.OnDidFinishRun(func(r notebook.RunRecord) {
		run := Run{
			Path:      r.Path,
			CellID:    r.CellID,
			Code:      r.Code,
			Status:    r.Status,
			Count:     r.Count,
			StartedAt: r.StartedAt,
			ElapsedMS: r.Elapsed.Milliseconds(),
		}
		if err := rec.log.Record(run); err != nil {
			rec.logger.Warn("history: record run failed",
				slog.String("path", r.Path),
				slog.String("cell", r.CellID),
				slog.String("error", err.Error()))
		}
	})
}
