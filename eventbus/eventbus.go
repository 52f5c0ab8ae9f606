// Package eventbus implements the post-commit, per-player-ordered event
// bus (spec §4.E): a fixed worker pool draining per-player FIFO queues,
// with at most one active worker per player queue at a time and no global
// ordering guarantee across players.
//
// Grounded on the teacher's graph/scheduler.go frontier model (a
// bounded, concurrently-drained work queue) and graph/checkpoint.go's
// ErrBackpressureTimeout idiom, generalized from a single deterministic
// work-heap into N independent per-key FIFOs so cross-player delivery can
// run in parallel while each player's BalanceChanged stream stays
// strictly ordered by seq.
package eventbus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mincore-dev/mincore"
	"github.com/mincore-dev/mincore/logging"
	"github.com/mincore-dev/mincore/metrics"
)

// Subscriber receives BalanceChanged events in per-player seq order.
// Subscribers must be idempotent (spec §4.E): delivery is at-least-once.
// A subscriber error is logged and swallowed — it never affects other
// subscribers, subsequent deliveries, or the producing transaction.
type Subscriber func(ev mincore.BalanceChanged)

// ErrDrainTimeout is returned by Close when per-player queues do not
// finish draining within the deadline (spec §12 supplement, grounded on
// the teacher's ErrBackpressureTimeout shape).
var ErrDrainTimeout = errors.New("eventbus: drain deadline exceeded")

// playerQueue is one player's FIFO plus the "claimed by a worker" flag
// that enforces "at most one active worker per player queue" (spec §4.E).
type playerQueue struct {
	mu      sync.Mutex
	pending []mincore.BalanceChanged
	active  bool
}

// Bus dispatches events to subscribers on a fixed worker pool, one
// goroutine per dispatch slot, draining per-player queues to completion
// before releasing them.
type Bus struct {
	workers     int
	log         *logging.Logger
	metrics     *metrics.Metrics
	subscribers []Subscriber

	mu      sync.Mutex
	queues  map[[16]byte]*playerQueue
	sem     chan struct{}
	wg      sync.WaitGroup
	draining bool
	closed   bool
}

// New constructs a Bus with the given fixed worker-pool size.
func New(workers int, log *logging.Logger, m *metrics.Metrics) *Bus {
	if workers <= 0 {
		workers = 4
	}
	if log == nil {
		log = logging.Nop()
	}
	if m == nil {
		m = metrics.Disabled()
	}
	return &Bus{
		workers: workers,
		log:     log,
		metrics: m,
		queues:  make(map[[16]byte]*playerQueue),
		sem:     make(chan struct{}, workers),
	}
}

// Subscribe registers a handler invoked for every published event, across
// all players, in that player's seq order.
func (b *Bus) Subscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, sub)
}

// Publish enqueues ev for playerUUID's FIFO and, if no worker currently
// owns that queue, claims one and dispatches asynchronously. Called only
// after the producing transaction commits (spec §4.D step 4, §4.E).
func (b *Bus) Publish(playerUUID [16]byte, ev mincore.BalanceChanged) {
	b.mu.Lock()
	if b.draining || b.closed {
		b.mu.Unlock()
		b.log.Warn("eventbus.publish", "event dropped: bus is draining or closed")
		return
	}
	q, ok := b.queues[playerUUID]
	if !ok {
		q = &playerQueue{}
		b.queues[playerUUID] = q
	}
	b.mu.Unlock()

	q.mu.Lock()
	q.pending = append(q.pending, ev)
	shouldClaim := !q.active
	if shouldClaim {
		q.active = true
	}
	depth := len(q.pending)
	q.mu.Unlock()

	b.reportDepth()
	_ = depth

	if shouldClaim {
		b.wg.Add(1)
		go b.drain(playerUUID, q)
	}
}

// drain owns playerUUID's queue until it empties, then releases the claim
// so a future Publish can re-claim it. This is the "at most one active
// worker per queue" rule (spec §4.E).
func (b *Bus) drain(playerUUID [16]byte, q *playerQueue) {
	defer b.wg.Done()
	b.sem <- struct{}{}
	b.metrics.SetBusInflight(len(b.sem))
	defer func() {
		<-b.sem
		b.metrics.SetBusInflight(len(b.sem))
	}()

	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.active = false
			q.mu.Unlock()
			return
		}
		ev := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		b.dispatch(ev)
		b.reportDepth()
	}
}

// dispatch calls every subscriber in registration order, isolating panics
// and errors per subscriber (spec §4.E failure semantics).
func (b *Bus) dispatch(ev mincore.BalanceChanged) {
	b.mu.Lock()
	subs := make([]Subscriber, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.Unlock()

	for _, sub := range subs {
		b.invokeSafely(sub, ev)
	}
}

func (b *Bus) invokeSafely(sub Subscriber, ev mincore.BalanceChanged) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Warn("eventbus.dispatch", "subscriber panicked")
		}
	}()
	sub(ev)
}

func (b *Bus) reportDepth() {
	b.mu.Lock()
	total := 0
	for _, q := range b.queues {
		q.mu.Lock()
		total += len(q.pending)
		q.mu.Unlock()
	}
	b.mu.Unlock()
	b.metrics.SetBusQueueDepth(total)
}

// Close marks the bus draining (no new events accepted), waits for
// per-player queues to finish in arrival order up to drainTimeoutMs, and
// returns ErrDrainTimeout if they do not finish in time (spec §4.E
// cancellation, §12 supplement).
func (b *Bus) Close(drainTimeoutMs int) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.draining = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	if drainTimeoutMs <= 0 {
		<-done
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), toDuration(drainTimeoutMs))
		defer cancel()
		select {
		case <-done:
		case <-ctx.Done():
			b.mu.Lock()
			b.closed = true
			b.mu.Unlock()
			return ErrDrainTimeout
		}
	}

	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func toDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
