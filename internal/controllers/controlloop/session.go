package controlloop

import (
	"context"
	"sync"
)

// Session holds the single active loop for a device.
type Session struct {
	mu     sync.Mutex
	active *Loop
}

// Activate stops the current loop, waiting for it to exit, and starts l.
func (s *Session) Activate(ctx context.Context, l *Loop) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil && s.active != l {
		s.active.Stop()
	}
	s.active = l
	l.Start(ctx)
}

func (s *Session) Active() *Loop {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Stop ends the active loop, if any.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		s.active.Stop()
	}
}
