package breaker

import (
	"log/slog"
	"sort"
	"sync"
)

// Set holds one Stack per remote operation, created on first use.
type Set struct {
	mu     sync.RWMutex
	cfg    Config
	stacks map[string]*Stack
	logger *slog.Logger
}

// NewSet creates an empty Set whose stacks are built from cfg.
func NewSet(cfg Config, logger *slog.Logger) *Set {
	return &Set{cfg: cfg, stacks: make(map[string]*Stack), logger: logger}
}

// Get returns the stack for operation, creating it if needed.
func (s *Set) Get(operation string) *Stack {
	s.mu.RLock()
	st, ok := s.stacks[operation]
	s.mu.RUnlock()
	if ok {
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.stacks[operation]; ok {
		return st
	}
	st = NewStack(operation, s.cfg, s.logger)
	s.stacks[operation] = st
	return st
}

// States reports every known operation's state.
func (s *Set) States() map[string]State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]State, len(s.stacks))
	for op, st := range s.stacks {
		out[op] = st.State()
	}
	return out
}

// Open lists operations whose breaker is currently open, sorted.
func (s *Set) Open() []string {
	var open []string
	for op, state := range s.States() {
		if state == StateOpen {
			open = append(open, op)
		}
	}
	sort.Strings(open)
	return open
}

// UpdateConfig applies cfg to existing stacks and to stacks created later.
func (s *Set) UpdateConfig(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	for _, st := range s.stacks {
		st.UpdateConfig(cfg)
	}
}

// Reset closes the breaker for operation. It reports false for unknown
// operations.
func (s *Set) Reset(operation string) bool {
	s.mu.RLock()
	st, ok := s.stacks[operation]
	s.mu.RUnlock()
	if ok {
		st.Reset()
	}
	return ok
}
