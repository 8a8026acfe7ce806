package server

import "sync"

// SessionState tracks the lifecycle of one client connection.
type SessionState int

const (
	StateUninitialized SessionState = iota
	StateInitialized
	StateShuttingDown
)

// Session holds per-connection state: lifecycle plus run accounting.
type Session struct {
	mu            sync.Mutex
	state         SessionState
	runsEvaluated int
}

// NewSession creates a session in the uninitialized state.
func NewSession() *Session {
	return &Session{state: StateUninitialized}
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState transitions the session to the given state.
func (s *Session) SetState(state SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// IncrementRuns adds n to the evaluated-run counter.
func (s *Session) IncrementRuns(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runsEvaluated += n
}

// RunsEvaluated returns how many runs this session has evaluated.
func (s *Session) RunsEvaluated() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runsEvaluated
}
