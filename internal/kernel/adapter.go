package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/starford/laguz/internal/apperr"
	"github.com/starford/laguz/internal/cell"
	"github.com/starford/laguz/internal/events"
)

// Status is the lifecycle state of a Session.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusBusy       Status = "busy"
	StatusRestarting Status = "restarting"
	StatusDead       Status = "dead"
)

// DefaultExecuteTimeout bounds an execute call when the caller does not
// choose a timeout explicitly. Zero passed to Execute means unbounded.
const DefaultExecuteTimeout = 5 * time.Minute

// ExecCallbacks receive streamed results during (and after) an execute call.
// Either field may be nil.
type ExecCallbacks struct {
	OnOutput func(cell.Output)
	OnStatus func(status string)
}

// ExecResult is the settled outcome of one execute call: the terminal status
// and the outputs collected up to it. Orphan outputs arriving later reach
// OnOutput but are not added here.
type ExecResult struct {
	Status         string
	Outputs        []cell.Output
	ExecutionCount int
}

const (
	callPending = iota
	callSettled
	callFailed
)

// inflight is one execute call's sink. Sinks stay registered on the session
// after the call settles so that late messages from background kernel
// threads are still delivered instead of being dropped with the call.
type inflight struct {
	session *Session
	cb      ExecCallbacks

	mu     sync.Mutex
	state  int
	result *ExecResult
	done   chan struct{}
}

// Session adapts a Provider into the execution contract used by notebook
// documents: blocking Execute with streamed callbacks, a status lifecycle,
// and an execution counter that restarts reset.
type Session struct {
	spec   Spec
	logger *slog.Logger

	mu        sync.Mutex
	provider  Provider
	status    Status
	execCount int
	nextID    uint64
	calls     map[uint64]*inflight

	statusEv events.Emitter[Status]
}

// NewSession wraps provider. The session starts idle.
func NewSession(spec Spec, provider Provider, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		spec:     spec,
		provider: provider,
		status:   StatusIdle,
		calls:    make(map[uint64]*inflight),
		logger:   logger,
	}
}

// Spec returns the kernel spec this session was started from.
func (s *Session) Spec() Spec { return s.spec }

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Alive reports whether the session can still execute code.
func (s *Session) Alive() bool { return s.Status() != StatusDead }

// ExecutionCount returns the kernel-reported execution counter.
func (s *Session) ExecutionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.execCount
}

// OnDidChangeStatus registers a lifecycle listener and returns a disposer.
func (s *Session) OnDidChangeStatus(fn func(Status)) func() {
	return s.statusEv.Subscribe(fn)
}

// Execute submits code and blocks until a terminal status, the timeout, or
// ctx cancellation. A zero timeout means unbounded. The returned result is
// finalized exactly once; output events that arrive after it settles are
// still forwarded to cb.OnOutput. After a timeout or cancellation, later
// messages for this call are inert.
func (s *Session) Execute(ctx context.Context, code string, cb ExecCallbacks, timeout time.Duration) (*ExecResult, error) {
	s.mu.Lock()
	if s.status == StatusDead {
		s.mu.Unlock()
		return nil, apperr.ErrSessionDead
	}
	s.nextID++
	id := s.nextID
	call := &inflight{
		session: s,
		cb:      cb,
		result:  &ExecResult{},
		done:    make(chan struct{}),
	}
	s.calls[id] = call
	provider := s.provider
	s.mu.Unlock()

	if err := provider.Execute(code, call.handle); err != nil {
		s.mu.Lock()
		delete(s.calls, id)
		s.mu.Unlock()
		return nil, fmt.Errorf("kernel: submit execute: %w", err)
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-call.done:
		return call.settled(), nil
	case <-timeoutCh:
		if !call.fail() {
			return call.settled(), nil
		}
		return nil, fmt.Errorf("kernel: no terminal status within %v: %w", timeout, apperr.ErrExecutionTimeout)
	case <-ctx.Done():
		if !call.fail() {
			return call.settled(), nil
		}
		return nil, ctx.Err()
	}
}

// handle multiplexes one stream message into status transitions, counter
// updates, and output events. Unknown message shapes are ignored.
func (c *inflight) handle(msg Message) {
	switch msg.Type {
	case MsgStatus:
		switch msg.Status {
		case StatusMsgBusy:
			c.session.setStatus(StatusBusy)
		case StatusMsgIdle:
			c.session.setStatus(StatusIdle)
		case StatusMsgOK, StatusMsgError:
			c.settle(msg.Status)
			c.session.setStatus(StatusIdle)
		}
		if c.cb.OnStatus != nil {
			c.cb.OnStatus(msg.Status)
		}
	case MsgExecutionCount:
		c.session.setExecutionCount(msg.Count)
		c.mu.Lock()
		if c.state == callPending {
			c.result.ExecutionCount = msg.Count
		}
		c.mu.Unlock()
	case MsgStream, MsgExecuteResult, MsgDisplayData, MsgError:
		out, _ := msg.Output()
		c.mu.Lock()
		state := c.state
		if state == callPending {
			c.result.Outputs = cell.Merge(c.result.Outputs, out)
		}
		c.mu.Unlock()
		// Forward while pending and after a clean settle (orphan output),
		// but not after the call already failed.
		if state != callFailed && c.cb.OnOutput != nil {
			c.cb.OnOutput(out)
		}
	}
}

// settle finalizes the result exactly once.
func (c *inflight) settle(status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != callPending {
		return
	}
	c.state = callSettled
	c.result.Status = status
	close(c.done)
}

// settled returns the finalized result.
func (c *inflight) settled() *ExecResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// fail marks the call abandoned (timeout or cancellation) so later messages
// for it are dropped. It reports false when the call settled first.
func (c *inflight) fail() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != callPending {
		return false
	}
	c.state = callFailed
	return true
}

// Interrupt requests the running execution be interrupted. It does not
// change the session lifecycle; termination still depends on a terminal
// status, an error, or the caller's timeout.
func (s *Session) Interrupt() error {
	s.mu.Lock()
	if s.status == StatusDead {
		s.mu.Unlock()
		return apperr.ErrSessionDead
	}
	provider := s.provider
	s.mu.Unlock()
	return provider.Interrupt()
}

// Restart restarts the backend, transitions restarting → idle, and resets
// the execution counter.
func (s *Session) Restart(ctx context.Context) error {
	s.mu.Lock()
	if s.status == StatusDead {
		s.mu.Unlock()
		return apperr.ErrSessionDead
	}
	provider := s.provider
	s.mu.Unlock()

	s.forceStatus(StatusRestarting)

	errCh := make(chan error, 1)
	provider.Restart(func(err error) { errCh <- err })

	select {
	case err := <-errCh:
		if err != nil {
			s.forceStatus(StatusIdle)
			return fmt.Errorf("kernel: restart: %w", err)
		}
	case <-ctx.Done():
		s.forceStatus(StatusIdle)
		return ctx.Err()
	}

	s.mu.Lock()
	s.execCount = 0
	s.mu.Unlock()
	s.forceStatus(StatusIdle)
	return nil
}

// Shutdown terminates the session. The state becomes dead and is terminal:
// any further Execute fails fast. Registered sinks are released.
func (s *Session) Shutdown() error {
	s.mu.Lock()
	if s.status == StatusDead {
		s.mu.Unlock()
		return nil
	}
	provider := s.provider
	s.calls = make(map[uint64]*inflight)
	s.mu.Unlock()

	err := provider.Shutdown()
	s.forceStatus(StatusDead)
	if err != nil {
		return fmt.Errorf("kernel: shutdown: %w", err)
	}
	return nil
}

// Destroy shuts the session down (best effort) and releases the transport.
func (s *Session) Destroy() {
	s.mu.Lock()
	provider := s.provider
	alreadyDead := s.status == StatusDead
	s.calls = make(map[uint64]*inflight)
	s.mu.Unlock()

	if !alreadyDead {
		if err := provider.Shutdown(); err != nil {
			s.logger.Warn("kernel: shutdown on destroy failed",
				slog.String("kernel", s.spec.Name),
				slog.String("error", err.Error()))
		}
		s.forceStatus(StatusDead)
	}
	provider.Destroy()
}

// setStatus applies a stream-reported transition. Dead is terminal, and
// busy/idle chatter never overrides an in-progress restart.
func (s *Session) setStatus(st Status) { s.applyStatus(st, false) }

// forceStatus applies an explicit lifecycle transition (restart, shutdown).
func (s *Session) forceStatus(st Status) { s.applyStatus(st, true) }

func (s *Session) applyStatus(st Status, force bool) {
	s.mu.Lock()
	if s.status == st || s.status == StatusDead {
		s.mu.Unlock()
		return
	}
	if !force && s.status == StatusRestarting {
		s.mu.Unlock()
		return
	}
	s.status = st
	s.mu.Unlock()
	s.statusEv.Emit(st)
}

func (s *Session) setExecutionCount(n int) {
	s.mu.Lock()
	if n > s.execCount {
		s.execCount = n
	}
	s.mu.Unlock()
}
