// Package testutil provides shared test helpers for setting up workspaces,
// history databases, and scripted kernels.
package testutil

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/starford/laguz/internal/cell"
	"github.com/starford/laguz/internal/history"
	"github.com/starford/laguz/internal/kernel"
	"github.com/starford/laguz/internal/notebook"
	"github.com/starford/laguz/internal/storage"
)

// TestHistory creates a temporary run log that is automatically cleaned up.
func TestHistory(t *testing.T) *history.DB {
	t.Helper()
	dbFile, err := os.CreateTemp("", "laguz-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	db, err := history.Open(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestWorkspace creates a temporary workspace directory with a
// storage.Provider over it.
func TestWorkspace(t *testing.T) (string, storage.Provider) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewFS(dir)
	if err != nil {
		t.Fatal(err)
	}
	return dir, store
}

// TestLogger returns a JSON logger that only surfaces errors.
func TestLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// WriteNotebook encodes one code cell per source and writes the file.
func WriteNotebook(t *testing.T, store storage.Provider, path string, sources ...string) {
	t.Helper()
	cells := make([]*cell.Cell, len(sources))
	for i, src := range sources {
		c := cell.New(cell.TypeCode)
		c.Source = src
		cells[i] = c
	}
	data, err := notebook.Encode(cells, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Write(path, data); err != nil {
		t.Fatal(err)
	}
}

// EchoProvider is a kernel transport fake: every execute succeeds with one
// stdout output repeating the code, counts incrementing per session. Code
// starting with "raise" fails with a scripted error instead. Messages are
// delivered on a goroutine like a real transport.
type EchoProvider struct {
	mu       sync.Mutex
	count    int
	executed []string
}

func (p *EchoProvider) Execute(code string, onMessage func(kernel.Message)) error {
	p.mu.Lock()
	p.count++
	n := p.count
	p.executed = append(p.executed, code)
	p.mu.Unlock()

	fail := strings.HasPrefix(code, "raise")
	go func() {
		onMessage(kernel.Message{Type: kernel.MsgStatus, Status: kernel.StatusMsgBusy})
		onMessage(kernel.Message{Type: kernel.MsgExecutionCount, Count: n})
		if fail {
			onMessage(kernel.Message{Type: kernel.MsgError, Ename: "Exception", Evalue: code})
			onMessage(kernel.Message{Type: kernel.MsgStatus, Status: kernel.StatusMsgError})
		} else {
			onMessage(kernel.Message{Type: kernel.MsgStream, Name: "stdout", Text: code})
			onMessage(kernel.Message{Type: kernel.MsgStatus, Status: kernel.StatusMsgOK})
		}
		onMessage(kernel.Message{Type: kernel.MsgStatus, Status: kernel.StatusMsgIdle})
	}()
	return nil
}

func (p *EchoProvider) Interrupt() error { return nil }

func (p *EchoProvider) Restart(onDone func(error)) {
	p.mu.Lock()
	p.count = 0
	p.mu.Unlock()
	go onDone(nil)
}

func (p *EchoProvider) Shutdown() error { return nil }

func (p *EchoProvider) Destroy() {}

// Executed returns the codes run so far.
func (p *EchoProvider) Executed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.executed...)
}

// TestKernels returns a manager with one python3 spec whose sessions all
// talk to the returned EchoProvider.
func TestKernels(t *testing.T) (*kernel.Manager, *EchoProvider) {
	t.Helper()
	prov := &EchoProvider{}
	spec := kernel.Spec{Name: "python3", DisplayName: "Python 3", Language: "python"}
	mgr := kernel.NewManager([]kernel.Spec{spec}, func(ctx context.Context, s kernel.Spec) (kernel.Provider, error) {
		return prov, nil
	}, TestLogger())
	t.Cleanup(mgr.CloseAll)
	return mgr, prov
}
