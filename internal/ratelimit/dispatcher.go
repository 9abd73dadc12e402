package ratelimit

import (
	"log/slog"
	"time"

	"git.home.luguber.info/inful/prmonitor/internal/logfields"
)

// dispatchLoop refills one bucket and fulfils queued waiters in strict
// priority order, FIFO within a priority level. Cancelled waiters are dropped
// without holding a slot.
func (l *Limiter) dispatchLoop(resource Resource, b *bucket) {
	defer l.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			// A waiter fulfilment must never take the dispatcher down.
			slog.Error("rate limit dispatcher panic, restarting",
				logfields.Resource(string(resource)),
				slog.Any("panic", r))
			l.wg.Add(1)
			go l.dispatchLoop(resource, b)
		}
	}()

	ticker := time.NewTicker(l.dispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			l.drainQueues(b)
			return
		case now := <-ticker.C:
			l.dispatchOnce(b, now)
		}
	}
}

// dispatchOnce services as many queued waiters as the current token balance
// allows. A waiter that needs more than is available blocks everyone behind it
// within the same priority; lower priorities never starve higher ones.
func (l *Limiter) dispatchOnce(b *bucket, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(now)

	for p := PriorityCritical; p < numPriorities; p++ {
		q := b.queues[p]
		i := 0
		for ; i < len(q); i++ {
			w := q[i]
			if w.cancelled {
				continue
			}
			if b.tokens < w.n {
				break
			}
			b.tokens -= w.n
			close(w.done)
		}
		if i > 0 {
			b.queues[p] = append(b.queues[p][:0], q[i:]...)
		}
		if i < len(q) {
			// FIFO head still unfulfilled: stop here so refills go to the
			// highest-priority waiter first on the next tick.
			return
		}
	}
}

// drainQueues drops all remaining waiters on shutdown. Their acquisitions
// observe l.stop and fail.
func (l *Limiter) drainQueues(b *bucket) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for p := range b.queues {
		b.queues[p] = nil
	}
}
