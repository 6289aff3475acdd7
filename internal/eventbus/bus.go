// Package eventbus implements the per-call typed publish/subscribe bus
// described by the state machine and component contracts: bounded
// history, deterministic fan-out in registration order, and wait_for/
// wait_for_any helpers for components that need to block on a future
// event.
package eventbus

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/voicedesk/secretary/internal/calldata"
)

// historyLimit bounds the retained event history per bus, per spec.
const historyLimit = 100

// maxReentryDepth bounds how deep a handler may re-enter Publish from
// within another handler before the bus refuses further nesting.
const maxReentryDepth = 4

// Handler receives a published event. A handler that panics is
// recovered, logged, and skipped; it never suppresses delivery to other
// handlers.
type Handler func(calldata.VoiceEvent)

type subscription struct {
	id      uint64
	handler Handler
	once    bool
}

// Bus is a single call's event bus. Not safe for use across calls; one
// instance belongs to exactly one Session.
type Bus struct {
	mu       sync.Mutex
	subs     map[calldata.EventKind][]*subscription
	history  []calldata.VoiceEvent
	waiters  map[uint64]*waiter
	nextSub  uint64
	nextWait uint64
	depth    int
}

type waiter struct {
	kinds     map[calldata.EventKind]struct{}
	predicate func(calldata.VoiceEvent) bool
	ch        chan calldata.VoiceEvent
}

// New creates an empty, ready-to-use Bus.
func New() *Bus {
	return &Bus{
		subs:    make(map[calldata.EventKind][]*subscription),
		waiters: make(map[uint64]*waiter),
	}
}

// Publish appends event to the bounded history, delivers it to every
// handler currently registered for its kind, in registration order,
// then wakes any matching waiters. Publish is serialized per bus: a
// handler invoked from within Publish that calls Publish again is
// tolerated up to maxReentryDepth, after which the nested publish is
// dropped and logged to avoid unbounded recursion.
func (b *Bus) Publish(evt calldata.VoiceEvent) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.Lock()
	if b.depth >= maxReentryDepth {
		b.mu.Unlock()
		log.Printf("eventbus: dropping re-entrant publish of %s beyond depth %d", evt.Kind, maxReentryDepth)
		return
	}
	b.depth++
	subsCopy := append([]*subscription(nil), b.subs[evt.Kind]...)
	b.appendHistory(evt)
	matchedWaiters := b.matchWaiters(evt)
	b.mu.Unlock()

	for _, sub := range subsCopy {
		b.invoke(sub, evt)
	}

	for _, w := range matchedWaiters {
		select {
		case w.ch <- evt:
		default:
		}
	}

	b.mu.Lock()
	b.depth--
	b.mu.Unlock()
}

func (b *Bus) invoke(sub *subscription, evt calldata.VoiceEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("eventbus: handler for %s panicked: %v", evt.Kind, r)
		}
	}()
	sub.handler(evt)
	if sub.once {
		b.unsubscribeByID(evt.Kind, sub.id)
	}
}

func (b *Bus) appendHistory(evt calldata.VoiceEvent) {
	b.history = append(b.history, evt)
	if len(b.history) > historyLimit {
		b.history = b.history[len(b.history)-historyLimit:]
	}
}

func (b *Bus) matchWaiters(evt calldata.VoiceEvent) []*waiter {
	var matched []*waiter
	for id, w := range b.waiters {
		if _, ok := w.kinds[evt.Kind]; !ok {
			continue
		}
		if w.predicate != nil && !w.predicate(evt) {
			continue
		}
		matched = append(matched, w)
		delete(b.waiters, id)
	}
	return matched
}

// Subscribe registers handler for kind. Handlers for the same kind run
// in registration order. Returns an unsubscribe function.
func (b *Bus) Subscribe(kind calldata.EventKind, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSub++
	id := b.nextSub
	sub := &subscription{id: id, handler: handler}
	b.subs[kind] = append(b.subs[kind], sub)
	return func() { b.unsubscribeByID(kind, id) }
}

// SubscribeOnce registers a handler that fires for at most one event of
// kind, then auto-unsubscribes.
func (b *Bus) SubscribeOnce(kind calldata.EventKind, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSub++
	id := b.nextSub
	sub := &subscription{id: id, handler: handler, once: true}
	b.subs[kind] = append(b.subs[kind], sub)
	return func() { b.unsubscribeByID(kind, id) }
}

// unsubscribeByID removes the subscription with id from kind. It backs
// the unsubscribe closures returned by Subscribe/SubscribeOnce and the
// auto-removal of once-handlers.
func (b *Bus) unsubscribeByID(kind calldata.EventKind, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[kind]
	for i, s := range subs {
		if s.id == id {
			b.subs[kind] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// TimeoutSignal names the timeout outcome of WaitFor/WaitForAny. It is
// not returned by either: they report a timeout as a zero VoiceEvent
// with ok=false.
type TimeoutSignal struct{}

// WaitFor suspends until an event of kind matching predicate (if given)
// arrives, or timeout elapses. Returns the event and true, or a zero
// value and false on timeout or context cancellation.
func (b *Bus) WaitFor(ctx context.Context, kind calldata.EventKind, timeout time.Duration, predicate func(calldata.VoiceEvent) bool) (calldata.VoiceEvent, bool) {
	return b.WaitForAny(ctx, []calldata.EventKind{kind}, timeout, predicate)
}

// WaitForAny suspends until the first event whose kind is in kinds (and
// which satisfies predicate, if given) arrives, or timeout elapses.
func (b *Bus) WaitForAny(ctx context.Context, kinds []calldata.EventKind, timeout time.Duration, predicate func(calldata.VoiceEvent) bool) (calldata.VoiceEvent, bool) {
	kindSet := make(map[calldata.EventKind]struct{}, len(kinds))
	for _, k := range kinds {
		kindSet[k] = struct{}{}
	}

	b.mu.Lock()
	b.nextWait++
	id := b.nextWait
	w := &waiter{kinds: kindSet, predicate: predicate, ch: make(chan calldata.VoiceEvent, 1)}
	b.waiters[id] = w
	b.mu.Unlock()

	var timer *time.Timer
	var timerC <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		timerC = timer.C
		defer timer.Stop()
	}

	select {
	case evt := <-w.ch:
		return evt, true
	case <-timerC:
		b.mu.Lock()
		delete(b.waiters, id)
		b.mu.Unlock()
		return calldata.VoiceEvent{}, false
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.waiters, id)
		b.mu.Unlock()
		return calldata.VoiceEvent{}, false
	}
}

// History returns up to limit most-recent events, optionally filtered by
// kind. Purely for diagnostics; never mutates the bus.
func (b *Bus) History(kind calldata.EventKind, limit int) []calldata.VoiceEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	var filtered []calldata.VoiceEvent
	if kind == "" {
		filtered = b.history
	} else {
		for _, evt := range b.history {
			if evt.Kind == kind {
				filtered = append(filtered, evt)
			}
		}
	}

	if limit <= 0 || limit >= len(filtered) {
		out := make([]calldata.VoiceEvent, len(filtered))
		copy(out, filtered)
		return out
	}
	start := len(filtered) - limit
	out := make([]calldata.VoiceEvent, limit)
	copy(out, filtered[start:])
	return out
}
