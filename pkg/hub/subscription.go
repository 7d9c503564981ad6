package hub

import (
	"context"
	"sync"

	"github.com/canopy-network/chaingate/pkg/errs"
	"github.com/canopy-network/chaingate/pkg/models"
)

// Predicate selects the events a subscription receives. A nil Predicate matches everything.
type Predicate func(models.Event) bool

// Subscription is one consumer's view of the hub's event feed. Envelopes are handed out in
// feed order. Next must be called from a single goroutine; Unsubscribe may be called from any.
type Subscription struct {
	id        string
	predicate Predicate
	queue     chan models.EventEnvelope
	hub       *Hub

	mu       sync.Mutex
	state    State
	err      error
	draining chan struct{}
	done     chan struct{}
}

func newSubscription(id string, predicate Predicate, capacity int, h *Hub) *Subscription {
	return &Subscription{
		id:        id,
		predicate: predicate,
		queue:     make(chan models.EventEnvelope, capacity),
		hub:       h,
		state:     StatePending,
		draining:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// ID identifies the subscription within its hub.
func (s *Subscription) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the subscription is Closed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err is the reason the subscription closed, or nil while it is open.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) matches(e models.Event) bool {
	return s.predicate == nil || s.predicate(e)
}

// transition moves to next if legal. Entering Draining or Closed releases waiters.
func (s *Subscription) transition(next State, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.canTransition(next) {
		return false
	}
	s.state = next
	switch next {
	case StateDraining:
		close(s.draining)
	case StateClosed:
		if err == nil {
			err = errs.ErrSubscriptionClosed
		}
		s.err = err
		close(s.done)
	}
	return true
}

// offer enqueues env without blocking. It is only called by the hub owner.
func (s *Subscription) offer(env models.EventEnvelope) bool {
	select {
	case s.queue <- env:
		return true
	default:
		return false
	}
}

// Next returns the next envelope. After Unsubscribe it keeps returning queued envelopes and
// then ErrSubscriptionClosed. A subscription closed by the hub returns its terminal error.
func (s *Subscription) Next(ctx context.Context) (models.EventEnvelope, error) {
	for {
		switch s.State() {
		case StateClosed:
			return models.EventEnvelope{}, s.Err()
		case StateDraining:
			select {
			case env := <-s.queue:
				return env, nil
			default:
				s.transition(StateClosed, errs.ErrSubscriptionClosed)
				return models.EventEnvelope{}, s.Err()
			}
		}

		select {
		case <-ctx.Done():
			return models.EventEnvelope{}, ctx.Err()
		case <-s.done:
			return models.EventEnvelope{}, s.Err()
		case <-s.draining:
			// re-evaluate in the draining branch
		case env := <-s.queue:
			if s.State() == StateClosed {
				return models.EventEnvelope{}, s.Err()
			}
			return env, nil
		}
	}
}

// Unsubscribe stops delivery. Envelopes already queued are still returned by Next.
// It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	switch s.State() {
	case StateActive:
		s.hub.unsubscribe(s)
	case StatePending:
		s.transition(StateClosed, errs.ErrSubscriptionClosed)
	}
}
