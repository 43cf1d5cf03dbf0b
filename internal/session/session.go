// Package session tracks connected clients and the requests each one has in
// flight. A session owns no database state.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rickchristie/opengauss-mcp/internal/toolerr"
)

// ErrSessionClosed is the cancellation cause given to requests whose session
// went away.
var ErrSessionClosed = errors.New("session closed")

// State is a request's position in its lifecycle.
type State string

const (
	StateReceived  State = "received"
	StateValidated State = "validated"
	StateExecuting State = "executing"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// next lists the forward transitions. Any non-terminal state may also move to
// StateFailed.
var next = map[State]State{
	StateReceived:  StateValidated,
	StateValidated: StateExecuting,
	StateExecuting: StateCompleted,
}

func terminal(s State) bool {
	return s == StateCompleted || s == StateFailed
}

type pending struct {
	state   State
	started time.Time
	cancel  context.CancelCauseFunc
}

// Session is one connected client.
type Session struct {
	ID        string
	Transport string
	CreatedAt time.Time

	mu              sync.Mutex
	protocolVersion string
	clientName      string
	open            map[string]*pending
	closed          bool
	changed         chan struct{}
}

// New creates an open session.
func New(id, transport string) *Session {
	return &Session{
		ID:        id,
		Transport: transport,
		CreatedAt: time.Now(),
		open:      make(map[string]*pending),
		changed:   make(chan struct{}),
	}
}

// SetProtocol records the negotiated protocol version and client name.
func (s *Session) SetProtocol(version, clientName string) {
	s.mu.Lock()
	s.protocolVersion = version
	s.clientName = clientName
	s.mu.Unlock()
}

func (s *Session) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}

func (s *Session) ClientName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientName
}

// Begin registers request id in state received. The returned context is
// cancelled with ErrSessionClosed if the session closes; done must be called
// once the request reaches a terminal state.
func (s *Session) Begin(ctx context.Context, id string) (context.Context, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, toolerr.Wrap(toolerr.KindCancelled, ErrSessionClosed, "request cancelled: session closed")
	}
	if _, dup := s.open[id]; dup {
		return nil, nil, toolerr.New(toolerr.KindProtocol, "request id %q is already in flight on this session", id)
	}
	rctx, cancel := context.WithCancelCause(ctx)
	s.open[id] = &pending{state: StateReceived, started: time.Now(), cancel: cancel}

	var once sync.Once
	done := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.open, id)
			close(s.changed)
			s.changed = make(chan struct{})
			s.mu.Unlock()
			cancel(nil)
		})
	}
	return rctx, done, nil
}

// Advance moves request id to state to. Skipping a state is an error; failing
// is allowed from any non-terminal state.
func (s *Session) Advance(id string, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.open[id]
	if !ok {
		return fmt.Errorf("session: request %q is not open", id)
	}
	if terminal(p.state) {
		return fmt.Errorf("session: request %q already %s", id, p.state)
	}
	if to != StateFailed && next[p.state] != to {
		return fmt.Errorf("session: request %q cannot move from %s to %s", id, p.state, to)
	}
	p.state = to
	return nil
}

// State returns the current state of request id.
func (s *Session) State(id string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.open[id]
	if !ok {
		return "", false
	}
	return p.state, true
}

// Open returns the number of requests not yet done.
func (s *Session) Open() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open)
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close rejects new requests and cancels open ones with ErrSessionClosed.
func (s *Session) Close() {
	s.CloseCause(ErrSessionClosed)
}

// CloseCause is Close with cause given to the cancelled requests.
func (s *Session) CloseCause(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancels := make([]context.CancelCauseFunc, 0, len(s.open))
	for _, p := range s.open {
		cancels = append(cancels, p.cancel)
	}
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel(cause)
	}
}

// Wait blocks until no request is open or ctx ends.
func (s *Session) Wait(ctx context.Context) error {
	for {
		s.mu.Lock()
		if len(s.open) == 0 {
			s.mu.Unlock()
			return nil
		}
		changed := s.changed
		s.mu.Unlock()
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
