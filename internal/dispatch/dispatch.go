// Package dispatch delivers directive text to the backend that acts on it.
package dispatch

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/basket/pulse/internal/shared"
)

// Dispatcher sends a directive into a session on behalf of a principal and
// returns the backend's result text. It may block for a long time; callers
// bound it with ctx.
type Dispatcher interface {
	Dispatch(ctx context.Context, sessionID, directive, principalID string) (string, error)
}

// Func adapts a plain function to Dispatcher.
type Func func(ctx context.Context, sessionID, directive, principalID string) (string, error)

func (f Func) Dispatch(ctx context.Context, sessionID, directive, principalID string) (string, error) {
	return f(ctx, sessionID, directive, principalID)
}

// Log is a dry-run dispatcher. It logs the directive and reports "ok".
type Log struct {
	Logger *slog.Logger
}

func (l *Log) Dispatch(ctx context.Context, sessionID, directive, principalID string) (string, error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "dispatch (dry run)",
		"session_id", sessionID,
		"principal_id", principalID,
		"directive", shared.Truncate(shared.Redact(directive), 200),
	)
	return "ok", nil
}

// Mux routes a dispatch by the scheme prefix of its session id
// ("telegram:123" goes to the "telegram" route). Sessions with no matching
// route go to Fallback.
type Mux struct {
	mu       sync.RWMutex
	routes   map[string]Dispatcher
	Fallback Dispatcher
}

func NewMux(fallback Dispatcher) *Mux {
	return &Mux{routes: make(map[string]Dispatcher), Fallback: fallback}
}

// Handle registers d for sessions whose id starts with scheme + ":".
func (m *Mux) Handle(scheme string, d Dispatcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[scheme] = d
}

func (m *Mux) route(sessionID string) Dispatcher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if scheme, _, ok := strings.Cut(sessionID, ":"); ok {
		if d, found := m.routes[scheme]; found {
			return d
		}
	}
	return m.Fallback
}

func (m *Mux) Dispatch(ctx context.Context, sessionID, directive, principalID string) (string, error) {
	d := m.route(sessionID)
	if d == nil {
		return "", &NoRouteError{SessionID: sessionID}
	}
	return d.Dispatch(ctx, sessionID, directive, principalID)
}

// NoRouteError is returned by Mux when no route or fallback accepts a session.
type NoRouteError struct {
	SessionID string
}

func (e *NoRouteError) Error() string {
	return "dispatch: no route for session " + e.SessionID
}
