package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLimits(capacity int, window time.Duration) map[Resource]Limit {
	return map[Resource]Limit{
		ResourceCore:   {Capacity: capacity, Window: window},
		ResourceSearch: {Capacity: 30, Window: time.Minute},
	}
}

func TestAcquireBasics(t *testing.T) {
	l := New(testLimits(100, time.Hour))

	// Effective capacity is 90 after the buffer.
	assert.True(t, l.Acquire(ResourceCore, 90))
	assert.False(t, l.Acquire(ResourceCore, 1))

	// Zero-token acquisition always succeeds.
	assert.True(t, l.Acquire(ResourceCore, 0))

	// Negative counts and unknown resources are rejected.
	assert.False(t, l.Acquire(ResourceCore, -1))
	assert.False(t, l.Acquire(Resource("unknown"), 1))
}

func TestContinuousRefill(t *testing.T) {
	// 3600 tokens/hour declared -> 0.9 effective tokens per second.
	l := New(testLimits(3600, time.Hour))
	require.True(t, l.Acquire(ResourceCore, 3240))
	assert.False(t, l.Acquire(ResourceCore, 1))

	time.Sleep(1200 * time.Millisecond)
	assert.True(t, l.Acquire(ResourceCore, 1), "refill should restore ~1 token after a second")
}

func TestAcquireWithPriorityImmediate(t *testing.T) {
	l := New(testLimits(100, time.Hour))
	l.Start()
	defer l.Stop()

	ok := l.AcquireWithPriority(context.Background(), ResourceCore, PriorityNormal, 10, time.Second)
	assert.True(t, ok)

	status := l.Status()[ResourceCore]
	for prio, depth := range status.QueueDepths {
		assert.Zero(t, depth, "immediate success must not enqueue (%s)", prio)
	}
}

func TestAcquireWithPriorityTimeout(t *testing.T) {
	l := New(testLimits(100, time.Hour))
	l.Start()
	defer l.Stop()

	require.True(t, l.Acquire(ResourceCore, 90))

	start := time.Now()
	ok := l.AcquireWithPriority(context.Background(), ResourceCore, PriorityNormal, 10, 150*time.Millisecond)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second)

	// The timed-out waiter must not linger in the queue.
	status := l.Status()[ResourceCore]
	assert.Zero(t, status.QueueDepths["normal"])
}

func TestAcquireWithPriorityFulfilledByRefill(t *testing.T) {
	// 100 tokens/second effective refill makes the queued waiter succeed fast.
	l := New(testLimits(400, 4*time.Second))
	l.Start()
	defer l.Stop()

	require.True(t, l.Acquire(ResourceCore, 360))

	ok := l.AcquireWithPriority(context.Background(), ResourceCore, PriorityCritical, 10, 2*time.Second)
	assert.True(t, ok)
}

func TestPriorityOrdering(t *testing.T) {
	l := New(testLimits(40, time.Second)) // 36 effective, 36/s refill
	l.Start()
	defer l.Stop()

	require.True(t, l.Acquire(ResourceCore, 36))

	results := make(chan Priority, 2)
	go func() {
		if l.AcquireWithPriority(context.Background(), ResourceCore, PriorityLow, 30, 5*time.Second) {
			results <- PriorityLow
		}
	}()
	time.Sleep(50 * time.Millisecond) // low enqueues first
	go func() {
		if l.AcquireWithPriority(context.Background(), ResourceCore, PriorityCritical, 30, 5*time.Second) {
			results <- PriorityCritical
		}
	}()

	first := <-results
	assert.Equal(t, PriorityCritical, first, "critical must be serviced before low despite arriving later")
	<-results
}

func TestWaitRefillable(t *testing.T) {
	l := New(testLimits(100, time.Second)) // 90/s refill
	require.True(t, l.Acquire(ResourceCore, 90))

	ok := l.Wait(context.Background(), ResourceCore, 5, time.Second)
	assert.True(t, ok)
}

func TestWaitTimeout(t *testing.T) {
	l := New(testLimits(3600, time.Hour)) // 0.9/s refill
	require.True(t, l.Acquire(ResourceCore, 3240))

	ok := l.Wait(context.Background(), ResourceCore, 500, 100*time.Millisecond)
	assert.False(t, ok)
}

func TestUpdateLimits(t *testing.T) {
	l := New(testLimits(100, time.Hour))

	// Small drift: no change.
	l.UpdateLimits(ResourceCore, 100, 50, time.Now().Add(time.Hour))
	status := l.Status()[ResourceCore]
	assert.InDelta(t, 90, status.Capacity, 0.01)

	// Halved remote limit: capacity and refill rewritten, tokens clamped.
	l.UpdateLimits(ResourceCore, 50, 10, time.Now().Add(30*time.Minute))
	status = l.Status()[ResourceCore]
	assert.InDelta(t, 45, status.Capacity, 0.01)
	assert.LessOrEqual(t, status.Tokens, status.Capacity)
	assert.Equal(t, 50, status.RemoteLimit)
	assert.Equal(t, 10, status.RemoteRemaining)
}

func TestEstimateWait(t *testing.T) {
	l := New(testLimits(100, time.Hour))
	assert.Equal(t, time.Duration(0), l.EstimateWait(ResourceCore, 10))

	require.True(t, l.Acquire(ResourceCore, 90))
	wait := l.EstimateWait(ResourceCore, 9)
	// 90/hour effective refill -> 0.025 tokens/s -> 9 tokens in ~6 minutes.
	assert.Greater(t, wait, 5*time.Minute)
	assert.Less(t, wait, 7*time.Minute)
}

func TestOptimalBatchSize(t *testing.T) {
	l := New(testLimits(1000, time.Hour))
	assert.Equal(t, 50, l.OptimalBatchSize(ResourceCore), "core is capped at 50")
	assert.Equal(t, 10, l.OptimalBatchSize(ResourceSearch), "search is capped at 10")

	require.True(t, l.Acquire(ResourceCore, 880)) // 20 left
	assert.Equal(t, 16, l.OptimalBatchSize(ResourceCore))

	assert.Equal(t, 0, l.OptimalBatchSize(Resource("unknown")))
}

func TestParsePriority(t *testing.T) {
	assert.Equal(t, PriorityCritical, ParsePriority("critical"))
	assert.Equal(t, PriorityHigh, ParsePriority("high"))
	assert.Equal(t, PriorityLow, ParsePriority("low"))
	assert.Equal(t, PriorityNormal, ParsePriority("normal"))
	assert.Equal(t, PriorityNormal, ParsePriority("garbage"))
}
