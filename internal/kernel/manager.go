package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/starford/laguz/internal/apperr"
	"github.com/starford/laguz/internal/events"
)

// Spec identifies a launchable kernel.
type Spec struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Language    string `json:"language"`
	Gateway     string `json:"gateway,omitempty"`
}

// ProviderFactory connects a transport for spec. StartSession fails fast
// with ErrKernelUnavailable when none is configured.
type ProviderFactory func(ctx context.Context, spec Spec) (Provider, error)

// StatusChange is a lifecycle transition of one live session, tagged with
// the kernel it belongs to.
type StatusChange struct {
	Kernel string
	Status Status
}

// Manager knows the available kernel specs and tracks every session it has
// started so they can be shut down together.
type Manager struct {
	factory ProviderFactory
	logger  *slog.Logger

	mu       sync.Mutex
	specs    []Spec
	sessions map[*Session]func()

	statusEv events.Emitter[StatusChange]
}

// NewManager returns a manager over the given specs.
func NewManager(specs []Spec, factory ProviderFactory, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		factory:  factory,
		logger:   logger,
		specs:    append([]Spec(nil), specs...),
		sessions: make(map[*Session]func()),
	}
}

// Specs returns all known kernel specs.
func (m *Manager) Specs() []Spec {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Spec(nil), m.specs...)
}

// SpecsForLanguage returns the specs whose language matches, ignoring case.
func (m *Manager) SpecsForLanguage(language string) []Spec {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Spec
	for _, s := range m.specs {
		if strings.EqualFold(s.Language, language) {
			out = append(out, s)
		}
	}
	return out
}

// FindSpec looks a spec up by name.
func (m *Manager) FindSpec(name string) (Spec, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.specs {
		if s.Name == name {
			return s, true
		}
	}
	return Spec{}, false
}

// StartSession connects a new session for the named kernel. Unknown names
// and missing transports fail fast rather than degrade.
func (m *Manager) StartSession(ctx context.Context, name string) (*Session, error) {
	spec, ok := m.FindSpec(name)
	if !ok {
		return nil, fmt.Errorf("kernel: no spec named %s: %w", name, apperr.ErrKernelUnavailable)
	}
	if m.factory == nil {
		return nil, fmt.Errorf("kernel: no transport configured for %s: %w", name, apperr.ErrKernelUnavailable)
	}

	provider, err := m.factory(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("kernel: connect %s (%s): %w", spec.Name, err, apperr.ErrKernelConnect)
	}

	sess := NewSession(spec, provider, m.logger)
	m.track(sess)
	m.logger.Info("kernel: session started", slog.String("kernel", spec.Name))
	return sess, nil
}

// OnDidChangeStatus registers a listener for transitions of any session the
// manager started. It returns a disposer.
func (m *Manager) OnDidChangeStatus(fn func(StatusChange)) func() {
	return m.statusEv.Subscribe(fn)
}

// SessionCount returns the number of live tracked sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CloseAll destroys every tracked session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	live := make([]*Session, 0, len(m.sessions))
	for s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	for _, s := range live {
		s.Destroy()
	}
}

// track registers sess and relays its status changes until it dies.
func (m *Manager) track(sess *Session) {
	dispose := sess.OnDidChangeStatus(func(st Status) {
		m.statusEv.Emit(StatusChange{Kernel: sess.Spec().Name, Status: st})
		if st == StatusDead {
			m.untrack(sess)
		}
	})
	m.mu.Lock()
	m.sessions[sess] = dispose
	m.mu.Unlock()
}

func (m *Manager) untrack(sess *Session) {
	m.mu.Lock()
	dispose := m.sessions[sess]
	delete(m.sessions, sess)
	m.mu.Unlock()
	if dispose != nil {
		dispose()
	}
}
