package recovery

import (
	"context"
	"fmt"
	"sync"

	"github.com/wudi/pdfops/observability"
)

// StrictStrategy implements a fail-fast recovery strategy.
type StrictStrategy struct{}

func NewStrictStrategy() *StrictStrategy {
	return &StrictStrategy{}
}

func (s *StrictStrategy) OnError(ctx context.Context, err error, location Location) Action {
	return ActionFail
}

// LenientStrategy keeps going past malformed input. Every problem is kept in
// Errors and reported to the logger as a warning.
type LenientStrategy struct {
	Logger observability.Logger

	mu     sync.Mutex
	Errors []error
}

func NewLenientStrategy() *LenientStrategy {
	return &LenientStrategy{Logger: observability.NopLogger{}}
}

func (s *LenientStrategy) OnError(ctx context.Context, err error, location Location) Action {
	s.mu.Lock()
	s.Errors = append(s.Errors, fmt.Errorf("[%s] offset %d: %w", location.Component, location.ByteOffset, err))
	s.mu.Unlock()
	if s.Logger != nil {
		s.Logger.Warn("recovered from malformed input",
			observability.String("component", location.Component),
			observability.Int64("offset", location.ByteOffset),
			observability.Int("object", location.ObjectNum),
			observability.Error("error", err),
		)
	}
	return ActionWarn
}

// Count returns the number of problems seen so far.
func (s *LenientStrategy) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Errors)
}
