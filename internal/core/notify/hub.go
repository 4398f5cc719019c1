// Package notify fans ordered batches out to independent subscribers.
//
// Every subscriber owns a FIFO queue drained by its own goroutine, so Publish
// never waits on a consumer. Within one subscription batches arrive in publish
// order and none is dropped; a subscription that falls too far behind is
// terminated instead.
package notify

import (
	"errors"
	"sync"
)

// ErrSlowSubscriber is reported by Subscription.Err when the subscriber's
// queue exceeded the hub's limit and the subscription was terminated.
var ErrSlowSubscriber = errors.New("subscriber queue limit exceeded")

// Hub delivers batches of type T to every live subscription.
type Hub[T any] struct {
	mu         sync.Mutex
	subs       map[uint64]*Subscription[T]
	nextID     uint64
	queueLimit int
	closed     bool
}

// NewHub creates a hub. queueLimit bounds each subscriber's backlog; zero means unbounded.
func NewHub[T any](queueLimit int) *Hub[T] {
	return &Hub[T]{
		subs:       make(map[uint64]*Subscription[T]),
		queueLimit: queueLimit,
	}
}

// Subscribe registers a subscriber whose first delivered batch is initial.
// Callers that need initial to be consistent with later publishes must
// serialize Subscribe with Publish themselves.
func (h *Hub[T]) Subscribe(initial T) *Subscription[T] {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscription[T]{
		id:    h.nextID,
		hub:   h,
		queue: []T{initial},
		wake:  make(chan struct{}, 1),
		out:   make(chan T),
		done:  make(chan struct{}),
	}
	if h.closed {
		sub.queue = nil
		sub.stop(nil)
		go sub.run()
		return sub
	}
	h.subs[sub.id] = sub
	go sub.run()
	return sub
}

// Publish enqueues batch for every subscriber. It never blocks on delivery.
func (h *Hub[T]) Publish(batch T) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, sub := range h.subs {
		if !sub.enqueue(batch, h.queueLimit) {
			delete(h.subs, id)
		}
	}
}

// Len returns the number of live subscriptions.
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close terminates every subscription. Later subscriptions start closed.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[uint64]*Subscription[T])
	h.closed = true
	h.mu.Unlock()

	for _, sub := range subs {
		sub.stop(nil)
	}
}

func (h *Hub[T]) remove(id uint64) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

// Subscription is one subscriber's ordered stream of batches.
type Subscription[T any] struct {
	id  uint64
	hub *Hub[T]

	mu    sync.Mutex
	queue []T
	err   error

	wake chan struct{}
	out  chan T
	done chan struct{}
	once sync.Once
}

// C returns the delivery channel. It is closed after Unsubscribe or termination.
func (s *Subscription[T]) C() <-chan T {
	return s.out
}

// Unsubscribe stops delivery and discards any queued batches.
func (s *Subscription[T]) Unsubscribe() {
	s.hub.remove(s.id)
	s.stop(nil)
}

// Err reports why the subscription ended, nil for a normal Unsubscribe.
func (s *Subscription[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Pending returns the number of batches queued but not yet delivered.
func (s *Subscription[T]) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Subscription[T]) enqueue(batch T, limit int) bool {
	s.mu.Lock()
	if limit > 0 && len(s.queue) >= limit {
		s.mu.Unlock()
		s.stop(ErrSlowSubscriber)
		return false
	}
	s.queue = append(s.queue, batch)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *Subscription[T]) stop(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.queue = nil
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *Subscription[T]) run() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		next := s.queue[0]
		var zero T
		s.queue[0] = zero
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- next:
		case <-s.done:
			return
		}
	}
}
