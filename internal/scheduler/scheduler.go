// Package scheduler implements the single logical clock that orders and
// dispatches events to subscribers deterministically.
package scheduler

import (
	"container/heap"
	"context"
	"sync"

	"trading_bot/internal/core"
	"trading_bot/pkg/telemetry"
)

// maxDedupEntries bounds the duplicate-detection window for market events
const maxDedupEntries = 65536

type queueItem struct {
	event   core.Event
	arrival uint64
}

// eventHeap orders items by (timestamp, sequence, arrival). The arrival
// counter breaks remaining ties so dispatch order is total and reproducible.
type eventHeap []queueItem

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	ti, tj := h[i].event.EventTime(), h[j].event.EventTime()
	if !ti.Equal(tj) {
		return ti.Before(tj)
	}
	if h[i].event.EventSeq() != h[j].event.EventSeq() {
		return h[i].event.EventSeq() < h[j].event.EventSeq()
	}
	return h[i].arrival < h[j].arrival
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x interface{}) { *h = append(*h, x.(queueItem)) }

func (h *eventHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Handler processes one event. Handlers run to completion on the scheduler
// goroutine before the next event is dispatched; they must never block on
// venue I/O.
type Handler func(core.Event)

// Scheduler is the single source of event ordering. All strategy, risk and
// ledger mutation logic runs on its dispatch goroutine, which eliminates data
// races on portfolio and order state by construction.
type Scheduler struct {
	mu         sync.Mutex
	queue      eventHeap
	subs       map[core.EventKind][]Handler
	nextArrive uint64

	// Market event dedup for at-least-once feeds
	seen      map[string]struct{}
	seenOrder []string

	notify chan struct{}
	logger core.ILogger
}

// New creates a scheduler
func New(logger core.ILogger) *Scheduler {
	return &Scheduler{
		subs:   make(map[core.EventKind][]Handler),
		seen:   make(map[string]struct{}),
		notify: make(chan struct{}, 1),
		logger: logger.WithField("component", "scheduler"),
	}
}

// Subscribe registers a handler for an event kind. Not safe to call
// concurrently with Run; wire subscriptions during bootstrap.
func (s *Scheduler) Subscribe(kind core.EventKind, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[kind] = append(s.subs[kind], handler)
}

// Publish enqueues an event for ordered dispatch. Safe for concurrent use;
// this is the only boundary between gateway workers and the event path.
// Duplicate market events (same symbol, timestamp, sequence) are dropped.
func (s *Scheduler) Publish(event core.Event) {
	s.mu.Lock()

	if me, ok := event.(*core.MarketEvent); ok {
		key := me.DedupKey()
		if _, dup := s.seen[key]; dup {
			s.mu.Unlock()
			s.logger.Debug("Dropping duplicate market event", "key", key)
			return
		}
		s.remember(key)
	}

	s.nextArrive++
	heap.Push(&s.queue, queueItem{event: event, arrival: s.nextArrive})
	telemetry.GetGlobalMetrics().SetQueueDepth(int64(len(s.queue)))
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// remember records a dedup key, pruning the oldest entries when full
func (s *Scheduler) remember(key string) {
	if len(s.seenOrder) >= maxDedupEntries {
		evict := s.seenOrder[0]
		s.seenOrder = s.seenOrder[1:]
		delete(s.seen, evict)
	}
	s.seen[key] = struct{}{}
	s.seenOrder = append(s.seenOrder, key)
}

// pop removes and returns the next event in (timestamp, sequence) order
func (s *Scheduler) pop() (core.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	item := heap.Pop(&s.queue).(queueItem)
	telemetry.GetGlobalMetrics().SetQueueDepth(int64(len(s.queue)))
	return item.event, true
}

// dispatch delivers one event to all matching handlers, in subscription order
func (s *Scheduler) dispatch(event core.Event) {
	s.mu.Lock()
	handlers := s.subs[event.EventKind()]
	s.mu.Unlock()

	for _, h := range handlers {
		h(event)
	}
}

// Run drains the queue, delivering events strictly in (timestamp, sequence)
// order until the context is cancelled. Must be run in a single goroutine.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Scheduler started")
	for {
		event, ok := s.pop()
		if !ok {
			select {
			case <-ctx.Done():
				s.logger.Info("Scheduler stopping")
				return ctx.Err()
			case <-s.notify:
				continue
			}
		}

		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopping")
			return ctx.Err()
		default:
		}

		s.dispatch(event)
	}
}

// Drain dispatches queued events until the queue is empty, then returns.
// Used by backtests: given an identical input sequence and identical starting
// state, the dispatch order is byte-identical across runs.
func (s *Scheduler) Drain() {
	for {
		event, ok := s.pop()
		if !ok {
			return
		}
		s.dispatch(event)
	}
}

// Pending returns the number of queued events
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
