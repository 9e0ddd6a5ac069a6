// Package streamwriter implements the per-subscription fan-out used by
// every server-streaming RPC (node-info, subject, and cert-change
// notifications): spec.md §4.6. Grounded on original_source's
// StreamWriter<T> members (mNodeChangedController, mSubjectsChangedController
// in publicmessagehandler.hpp; one writer object per subscribed client) and
// the teacher's internal/mesh/local_bus.go fan-out-under-lock idiom,
// genericized with type parameters.
package streamwriter

import "sync"

// Sink is anything that can accept a message and fail, matching the
// iampb *ChangedStream.Send signature so a StreamWriter[T] can wrap
// whichever *ChangedStream the gRPC layer hands it.
type Sink[T any] interface {
	Send(T) error
}

type subscription[T any] struct {
	id     uint64
	sink   Sink[T]
	active bool
}

// Writer maintains the set of currently-connected server-streaming clients
// for one event kind and delivers a T to each with best-effort, single-
// attempt semantics: a failing subscription is removed immediately and
// never blocks delivery to the others (spec.md §4.6, §8 "subscription
// isolation").
type Writer[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]*subscription[T]
	nextID uint64
	closed bool
}

// New constructs an empty Writer.
func New[T any]() *Writer[T] {
	return &Writer[T]{subs: make(map[uint64]*subscription[T])}
}

// Subscribe registers sink and returns an unsubscribe function. Subscribe
// fails (returns ok=false) once the writer has been closed: "a close
// signal ... rejects new subscriptions" (spec.md §4.6).
func (w *Writer[T]) Subscribe(sink Sink[T]) (unsubscribe func(), ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return func() {}, false
	}

	w.nextID++
	id := w.nextID
	w.subs[id] = &subscription[T]{id: id, sink: sink, active: true}

	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.subs, id)
	}, true
}

// Broadcast delivers msg to every active subscription. Sends happen
// outside the lock: the set of current sinks is snapshotted first, so a
// slow consumer's Send call never blocks Subscribe/Close or delivery to
// other subscribers.
func (w *Writer[T]) Broadcast(msg T) {
	w.mu.Lock()
	snapshot := make([]*subscription[T], 0, len(w.subs))
	for _, s := range w.subs {
		snapshot = append(snapshot, s)
	}
	w.mu.Unlock()

	var failed []uint64
	for _, s := range snapshot {
		if err := s.sink.Send(msg); err != nil {
			failed = append(failed, s.id)
		}
	}

	if len(failed) == 0 {
		return
	}

	w.mu.Lock()
	for _, id := range failed {
		delete(w.subs, id)
	}
	w.mu.Unlock()
}

// Close unblocks all active writers and rejects any further Subscribe
// calls. Idempotent.
func (w *Writer[T]) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	w.subs = make(map[uint64]*subscription[T])
}

// Len reports the number of active subscriptions.
func (w *Writer[T]) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.subs)
}
