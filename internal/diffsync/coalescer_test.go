package diffsync

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoalescerSingleRequestRunsOnce(t *testing.T) {
	var runs atomic.Int64
	c := NewCoalescer(10*time.Millisecond, func(context.Context, string) {
		runs.Add(1)
	}, nil)

	c.Request(context.Background(), "scope")

	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), runs.Load(), "no trailing run without a second request")
}

func TestCoalescerBurstCollapsesToBoundedRuns(t *testing.T) {
	var runs atomic.Int64
	release := make(chan struct{})

	c := NewCoalescer(10*time.Millisecond, func(context.Context, string) {
		runs.Add(1)
		<-release
	}, nil)

	// Burst of requests while the first computation is in flight.
	c.Request(context.Background(), "scope")
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)
	for i := 0; i < 50; i++ {
		c.Request(context.Background(), "scope")
	}
	close(release)

	// Exactly one trailing run fires after the burst.
	require.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(2), runs.Load())
}

func TestCoalescerScopesAreIndependent(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]int{}

	c := NewCoalescer(5*time.Millisecond, func(_ context.Context, scope string) {
		mu.Lock()
		seen[scope]++
		mu.Unlock()
	}, nil)

	c.Request(context.Background(), "a")
	c.Request(context.Background(), "b")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen["a"] == 1 && seen["b"] == 1
	}, time.Second, 5*time.Millisecond)
}

func TestCoalescerTrailingRunSeesLastRequest(t *testing.T) {
	var runs atomic.Int64
	slow := make(chan struct{})

	c := NewCoalescer(time.Millisecond, func(context.Context, string) {
		if runs.Add(1) == 1 {
			<-slow
		}
	}, nil)

	c.Request(context.Background(), "scope")
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)

	// Request arriving during the computation is not lost.
	c.Request(context.Background(), "scope")
	close(slow)

	require.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, time.Millisecond)
}

func TestCoalescerForgetDuringRunDoesNotPanic(t *testing.T) {
	var runs atomic.Int64
	slow := make(chan struct{})

	c := NewCoalescer(time.Millisecond, func(context.Context, string) {
		if runs.Add(1) == 1 {
			<-slow
		}
	}, nil)

	// A worktree close can drop the scope while its diff is still running.
	c.Request(context.Background(), "scope")
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)
	c.Request(context.Background(), "scope")
	c.Forget("scope")
	close(slow)

	// The in-flight run finishes quietly and the trailing rerun is dropped
	// with the scope.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), runs.Load())

	// The scope is usable again if recreated.
	c.Request(context.Background(), "scope")
	require.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, time.Millisecond)
}

func TestCoalescerCancelledContextStopsTrailing(t *testing.T) {
	var runs atomic.Int64
	slow := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())

	c := NewCoalescer(time.Millisecond, func(context.Context, string) {
		if runs.Add(1) == 1 {
			<-slow
		}
	}, nil)

	c.Request(ctx, "scope")
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)
	c.Request(ctx, "scope")

	cancel()
	close(slow)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), runs.Load(), "trailing run must not fire after cancel")
}
