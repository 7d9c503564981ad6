package indexer

import (
	"context"
	"sync"

	"github.com/canopy-network/chaingate/pkg/errs"
	"github.com/canopy-network/chaingate/pkg/models"
)

// feed adapts a channel of raw events into an EventStream, numbering envelopes from 1.
// The producer closes events when the source ends and records the cause with fail.
type feed struct {
	name   string
	events chan models.Event
	stop   func() error

	seq uint64

	mu     sync.Mutex
	cause  error
	closed chan struct{}
	once   sync.Once
}

func newFeed(name string, buffer int, stop func() error) *feed {
	return &feed{
		name:   name,
		events: make(chan models.Event, buffer),
		stop:   stop,
		closed: make(chan struct{}),
	}
}

// push hands an event to the reader. It returns false once the feed is closed.
func (f *feed) push(e models.Event) bool {
	select {
	case <-f.closed:
		return false
	default:
	}
	select {
	case f.events <- e:
		return true
	case <-f.closed:
		return false
	}
}

// fail records why the producer stopped. Only the first cause is kept.
func (f *feed) fail(err error) {
	f.mu.Lock()
	if f.cause == nil {
		f.cause = err
	}
	f.mu.Unlock()
}

func (f *feed) err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cause
}

func (f *feed) Recv(ctx context.Context) (models.EventEnvelope, error) {
	select {
	case <-ctx.Done():
		return models.EventEnvelope{}, ctx.Err()
	case <-f.closed:
		return models.EventEnvelope{}, errs.Unavailable(f.name, errs.ErrSubscriptionClosed)
	case e, ok := <-f.events:
		if !ok {
			return models.EventEnvelope{}, errs.Unavailable(f.name, f.err())
		}
		f.seq++
		return models.EventEnvelope{Seq: f.seq, Event: e}, nil
	}
}

func (f *feed) Close() error {
	var err error
	f.once.Do(func() {
		close(f.closed)
		if f.stop != nil {
			err = f.stop()
		}
	})
	return err
}
