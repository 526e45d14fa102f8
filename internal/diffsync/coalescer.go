// Package diffsync rate-limits git status/diff recomputation. The coalescer
// guarantees at most one in-flight computation per scope with a trailing
// rerun, and the watcher turns filesystem activity in a checkout into
// coalesced diff requests.
package diffsync

import (
	"context"
	"sync"
	"time"

	"github.com/vibe80/vibe80/internal/common/ids"
	"github.com/vibe80/vibe80/internal/metrics"
)

// Runner computes and publishes the diff for one scope. Errors are the
// runner's to report; the coalescer only schedules.
type Runner func(ctx context.Context, scope string)

type scopeState struct {
	inFlight bool
	trailing bool
}

// Coalescer debounces diff computations per scope id. A request during an
// in-flight computation marks a trailing rerun, which fires once after the
// debounce window.
type Coalescer struct {
	debounce time.Duration
	run      Runner
	metrics  *metrics.Metrics

	mu     sync.Mutex
	scopes map[string]*scopeState
}

// NewCoalescer builds a coalescer. metrics may be nil.
func NewCoalescer(debounce time.Duration, run Runner, m *metrics.Metrics) *Coalescer {
	return &Coalescer{
		debounce: debounce,
		run:      run,
		metrics:  m,
		scopes:   make(map[string]*scopeState),
	}
}

// Request asks for a diff of the scope. If none is in flight the
// computation starts immediately; otherwise a trailing rerun is recorded.
func (c *Coalescer) Request(ctx context.Context, scope string) {
	c.mu.Lock()
	state, ok := c.scopes[scope]
	if !ok {
		state = &scopeState{}
		c.scopes[scope] = state
	}
	if state.inFlight {
		state.trailing = true
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.DiffCoalesced.Inc()
		}
		return
	}
	state.inFlight = true
	c.mu.Unlock()

	go c.execute(ctx, scope)
}

func (c *Coalescer) execute(ctx context.Context, scope string) {
	if c.metrics != nil {
		c.metrics.DiffRuns.WithLabelValues(scopeKind(scope)).Inc()
	}
	c.run(ctx, scope)

	c.mu.Lock()
	state, ok := c.scopes[scope]
	if !ok {
		// Forget raced the run; the scope is gone, nothing to reschedule.
		c.mu.Unlock()
		return
	}
	state.inFlight = false
	trailing := state.trailing
	state.trailing = false
	c.mu.Unlock()

	if !trailing || ctx.Err() != nil {
		return
	}
	time.AfterFunc(c.debounce, func() {
		if ctx.Err() != nil {
			return
		}
		c.Request(ctx, scope)
	})
}

// Forget drops a scope's bookkeeping, for closed worktrees and sessions.
func (c *Coalescer) Forget(scope string) {
	c.mu.Lock()
	delete(c.scopes, scope)
	c.mu.Unlock()
}

func scopeKind(scope string) string {
	if ids.ValidSessionID(scope) {
		return "session"
	}
	return "worktree"
}
