// Package ratelimit implements per-resource token buckets for the GitHub API
// budget, with a priority-queued dispatcher for callers that can wait.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// Resource identifies a remote rate-limit class.
type Resource string

const (
	ResourceCore    Resource = "core"
	ResourceSearch  Resource = "search"
	ResourceGraphQL Resource = "graphql"
)

// Priority orders queued waiters. Lower value wins.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	numPriorities
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority maps a config override string to a Priority. Unknown strings
// fall back to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// BufferFraction is held back from every declared capacity so the engine never
// races other consumers of the same token into a hard 403.
const BufferFraction = 0.1

// Limit declares a bucket: total capacity over a refill window.
type Limit struct {
	Capacity int
	Window   time.Duration
}

// DefaultLimits mirrors the documented GitHub REST quotas.
func DefaultLimits() map[Resource]Limit {
	return map[Resource]Limit{
		ResourceCore:    {Capacity: 5000, Window: time.Hour},
		ResourceSearch:  {Capacity: 30, Window: time.Minute},
		ResourceGraphQL: {Capacity: 5000, Window: time.Hour},
	}
}

type waiter struct {
	n        float64
	done     chan struct{}
	enqueued time.Time
	// cancelled is set under the bucket mutex when the waiter times out; the
	// dispatcher discards cancelled entries instead of fulfilling them.
	cancelled bool
}

type bucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time

	// Last authoritative values seen in response headers.
	remoteLimit     int
	remoteRemaining int
	remoteReset     time.Time

	queues [numPriorities][]*waiter
}

// refillLocked applies continuous refill. Callers hold b.mu.
func (b *bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.refillRate)
	b.lastRefill = now
}

func (b *bucket) tryAcquireLocked(n float64) bool {
	if n == 0 {
		return true
	}
	if b.tokens >= n {
		b.tokens -= n
		return true
	}
	return false
}

func (b *bucket) queueDepthsLocked() map[string]int {
	depths := make(map[string]int, numPriorities)
	for p := Priority(0); p < numPriorities; p++ {
		live := 0
		for _, w := range b.queues[p] {
			if !w.cancelled {
				live++
			}
		}
		depths[p.String()] = live
	}
	return depths
}

// Limiter maintains one token bucket per resource and a dispatcher goroutine
// per bucket that services priority queues.
type Limiter struct {
	buckets map[Resource]*bucket

	dispatchInterval time.Duration

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

// New builds a limiter from declared limits. Effective capacity is the
// declared capacity minus the buffer fraction.
func New(limits map[Resource]Limit) *Limiter {
	if limits == nil {
		limits = DefaultLimits()
	}
	l := &Limiter{
		buckets:          make(map[Resource]*bucket, len(limits)),
		dispatchInterval: 25 * time.Millisecond,
		stop:             make(chan struct{}),
	}
	now := time.Now()
	for res, lim := range limits {
		capacity := float64(lim.Capacity) * (1 - BufferFraction)
		window := lim.Window
		if window <= 0 {
			window = time.Hour
		}
		l.buckets[res] = &bucket{
			capacity:   capacity,
			tokens:     capacity,
			refillRate: capacity / window.Seconds(),
			lastRefill: now,
		}
	}
	return l
}

// Start launches the per-bucket dispatcher loops. Idempotent.
func (l *Limiter) Start() {
	l.startOnce.Do(func() {
		for res, b := range l.buckets {
			l.wg.Add(1)
			go l.dispatchLoop(res, b)
		}
	})
}

// Stop terminates the dispatcher loops and fails all queued waiters.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stop)
	})
	l.wg.Wait()
}

// Acquire consumes n tokens immediately if available. Non-blocking.
func (l *Limiter) Acquire(resource Resource, n int) bool {
	if n < 0 {
		return false
	}
	b, ok := l.buckets[resource]
	if !ok {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	return b.tryAcquireLocked(float64(n))
}

// AcquireWithPriority attempts immediate acquisition and otherwise queues a
// waiter serviced in strict priority order, FIFO within a priority. It returns
// false when ctx or the timeout expires first; a timed-out waiter's queue slot
// is released.
func (l *Limiter) AcquireWithPriority(ctx context.Context, resource Resource, priority Priority, n int, timeout time.Duration) bool {
	if n < 0 {
		return false
	}
	b, ok := l.buckets[resource]
	if !ok {
		return false
	}
	if priority < PriorityCritical || priority >= numPriorities {
		priority = PriorityNormal
	}

	now := time.Now()
	b.mu.Lock()
	b.refillLocked(now)
	if b.tryAcquireLocked(float64(n)) {
		b.mu.Unlock()
		return true
	}
	w := &waiter{n: float64(n), done: make(chan struct{}), enqueued: now}
	b.queues[priority] = append(b.queues[priority], w)
	b.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.done:
		return true
	case <-ctx.Done():
	case <-timer.C:
	case <-l.stop:
	}

	// Cancellation path: mark the waiter so the dispatcher skips it. The
	// dispatcher may have fulfilled it concurrently, in which case the tokens
	// are already spent and we report success.
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-w.done:
		return true
	default:
	}
	w.cancelled = true
	return false
}

// Wait sleep-polls until n tokens become available or the timeout elapses. It
// never enqueues into the priority queues.
func (l *Limiter) Wait(ctx context.Context, resource Resource, n int, timeout time.Duration) bool {
	if n < 0 {
		return false
	}
	if _, ok := l.buckets[resource]; !ok {
		return false
	}

	deadline := time.Now().Add(timeout)
	for {
		if l.Acquire(resource, n) {
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		poll := l.dispatchInterval
		if poll > remaining {
			poll = remaining
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(poll):
		}
	}
}

// UpdateLimits reconciles a bucket with authoritative remote header values.
// Small drift is ignored; beyond 10% of the declared limit the capacity and
// refill rate are rewritten and current tokens clamped.
func (l *Limiter) UpdateLimits(resource Resource, limit, remaining int, reset time.Time) {
	b, ok := l.buckets[resource]
	if !ok || limit <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.remoteLimit = limit
	b.remoteRemaining = remaining
	b.remoteReset = reset

	effective := float64(limit) * (1 - BufferFraction)
	if math.Abs(b.capacity-effective) <= 0.1*float64(limit) {
		return
	}

	window := time.Until(reset)
	if window <= 0 {
		window = time.Hour
	}
	b.capacity = effective
	b.refillRate = effective / window.Seconds()
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

// ResourceStatus is a point-in-time snapshot of one bucket.
type ResourceStatus struct {
	Capacity    float64        `json:"capacity"`
	Tokens      float64        `json:"tokens"`
	RefillRate  float64        `json:"refill_rate"`
	Utilization float64        `json:"utilization"`
	QueueDepths map[string]int `json:"queue_depths"`

	RemoteLimit     int       `json:"remote_limit"`
	RemoteRemaining int       `json:"remote_remaining"`
	RemoteReset     time.Time `json:"remote_reset"`
}

// Status reports a snapshot for every resource.
func (l *Limiter) Status() map[Resource]ResourceStatus {
	out := make(map[Resource]ResourceStatus, len(l.buckets))
	now := time.Now()
	for res, b := range l.buckets {
		b.mu.Lock()
		b.refillLocked(now)
		utilization := 0.0
		if b.capacity > 0 {
			utilization = 1 - b.tokens/b.capacity
		}
		out[res] = ResourceStatus{
			Capacity:        b.capacity,
			Tokens:          b.tokens,
			RefillRate:      b.refillRate,
			Utilization:     utilization,
			QueueDepths:     b.queueDepthsLocked(),
			RemoteLimit:     b.remoteLimit,
			RemoteRemaining: b.remoteRemaining,
			RemoteReset:     b.remoteReset,
		}
		b.mu.Unlock()
	}
	return out
}

// EstimateWait returns how long until n tokens could be available, assuming no
// other consumers.
func (l *Limiter) EstimateWait(resource Resource, n int) time.Duration {
	b, ok := l.buckets[resource]
	if !ok {
		return time.Duration(math.MaxInt64)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	deficit := float64(n) - b.tokens
	if deficit <= 0 || b.refillRate <= 0 {
		if deficit <= 0 {
			return 0
		}
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(deficit / b.refillRate * float64(time.Second))
}

// OptimalBatchSize suggests how many calls to spend in one burst: 80% of what
// is currently available, capped per resource class.
func (l *Limiter) OptimalBatchSize(resource Resource) int {
	cap := 50
	if resource == ResourceSearch {
		cap = 10
	}
	b, ok := l.buckets[resource]
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	available := int(b.tokens * 0.8)
	if available < cap {
		return available
	}
	return cap
}
