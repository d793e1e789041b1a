package history

// RunLog defines the interface for execution-history operations. Consumers
// should depend on this interface rather than the concrete *DB type to
// facilitate testing with mocks.
type RunLog interface {
	Record(r Run) error
	List(path string, limit, offset int) ([]Run, int, error)
	Search(query string, limit int) ([]Run, error)
	CellRuns(path, cellID string, limit int) ([]Run, error)
	DeleteForPath(path string) error
	Close() error
}

// Verify *DB satisfies RunLog at compile time.
var _ RunLog = (*DB)(nil)
