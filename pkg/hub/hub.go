// Package hub fans a single upstream event stream out to many subscriptions.
//
// One goroutine, started with Run, owns the subscription registry and the upstream stream.
// Subscribe and Unsubscribe are commands sent to that goroutine, and every delivery happens
// on it, so the registry needs no locking. Delivery never blocks: a subscription whose queue
// is full is closed with ErrOverflow instead of losing or reordering envelopes.
package hub

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/canopy-network/chaingate/pkg/errs"
	"github.com/canopy-network/chaingate/pkg/indexer"
	"github.com/canopy-network/chaingate/pkg/metrics"
	"github.com/canopy-network/chaingate/pkg/models"
	"github.com/canopy-network/chaingate/pkg/retry"
)

var errReconnecting = errors.New("hub is reconnecting to the upstream event stream")

// Config tunes a Hub.
type Config struct {
	// QueueCapacity bounds each subscription's queue.
	QueueCapacity int
	// IdleTimeout closes the upstream stream after this long without subscribers.
	IdleTimeout time.Duration
	// OpenTimeout bounds a single attempt to open the upstream stream.
	OpenTimeout time.Duration
	// Retry drives reconnection after the upstream stream breaks.
	Retry  retry.Config
	Logger *zap.Logger
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	State         ConnState
	Subscriptions int
	Delivered     uint64
	Overflowed    uint64
	Discarded     uint64
	Reconnects    uint64
}

type subscribeReq struct {
	sub   *Subscription
	reply chan error
}

type unsubscribeReq struct {
	sub  *Subscription
	done chan struct{}
}

type feedMsg struct {
	gen uint64
	env models.EventEnvelope
	err error
}

type reconnectResult struct {
	stream indexer.EventStream
	err    error
}

// Hub owns the upstream event stream and the subscriptions fed from it.
type Hub struct {
	source indexer.EventSource
	cfg    Config
	logger *zap.Logger

	subscribeCh   chan subscribeReq
	unsubscribeCh chan unsubscribeReq
	feedCh        chan feedMsg
	reconnectCh   chan reconnectResult
	started       atomic.Bool
	done          chan struct{}

	// owned by the Run goroutine
	subs     map[string]*Subscription
	stream   indexer.EventStream
	stopPump context.CancelFunc
	gen      uint64
	lastSeq  uint64
	idle     *time.Timer
	idleC    <-chan time.Time

	state      atomic.Int32
	active     atomic.Int64
	delivered  atomic.Uint64
	overflowed atomic.Uint64
	discarded  atomic.Uint64
	reconnectN atomic.Uint64
}

// New returns a hub reading from source. Call Run before subscribing.
func New(source indexer.EventSource, cfg Config) *Hub {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 256
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 10 * time.Second
	}
	if cfg.Retry.MaxRetries <= 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	h := &Hub{
		source:        source,
		cfg:           cfg,
		logger:        cfg.Logger,
		subscribeCh:   make(chan subscribeReq),
		unsubscribeCh: make(chan unsubscribeReq),
		feedCh:        make(chan feedMsg),
		reconnectCh:   make(chan reconnectResult, 1),
		done:          make(chan struct{}),
		subs:          map[string]*Subscription{},
	}
	h.setState(Disconnected)
	return h
}

// State returns the upstream connection state.
func (h *Hub) State() ConnState {
	return ConnState(h.state.Load())
}

func (h *Hub) setState(s ConnState) {
	h.state.Store(int32(s))
	metrics.HubUpstreamState.Set(float64(s))
}

// Stats returns the hub counters.
func (h *Hub) Stats() Stats {
	return Stats{
		State:         h.State(),
		Subscriptions: int(h.active.Load()),
		Delivered:     h.delivered.Load(),
		Overflowed:    h.overflowed.Load(),
		Discarded:     h.discarded.Load(),
		Reconnects:    h.reconnectN.Load(),
	}
}

// Done is closed when Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Subscribe registers a subscription for events matching predicate, opening the upstream
// stream if this is the first subscriber. It fails with ErrUpstreamUnavailable while the hub
// is reconnecting or when the stream cannot be opened, and with ErrHubClosed after shutdown.
func (h *Hub) Subscribe(ctx context.Context, predicate Predicate) (*Subscription, error) {
	sub := newSubscription(uuid.NewString(), predicate, h.cfg.QueueCapacity, h)
	req := subscribeReq{sub: sub, reply: make(chan error, 1)}

	select {
	case <-ctx.Done():
		return nil, errs.Classify("subscribe", ctx.Err())
	case <-h.done:
		return nil, errs.ErrHubClosed
	case h.subscribeCh <- req:
	}

	select {
	case err := <-req.reply:
		if err != nil {
			return nil, err
		}
		return sub, nil
	case <-h.done:
		return nil, errs.ErrHubClosed
	}
}

func (h *Hub) unsubscribe(s *Subscription) {
	req := unsubscribeReq{sub: s, done: make(chan struct{})}
	select {
	case h.unsubscribeCh <- req:
		select {
		case <-req.done:
		case <-h.done:
		}
	case <-h.done:
		s.transition(StateDraining, nil)
	}
}

// Run owns the hub until ctx ends. Every subscription still open at that point is closed with
// ErrHubClosed.
func (h *Hub) Run(ctx context.Context) error {
	if !h.started.CompareAndSwap(false, true) {
		return errs.ErrHubClosed
	}
	defer close(h.done)

	h.logger.Info("Event hub started",
		zap.Int("queue_capacity", h.cfg.QueueCapacity),
		zap.Duration("idle_timeout", h.cfg.IdleTimeout))

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return nil

		case req := <-h.subscribeCh:
			req.reply <- h.handleSubscribe(ctx, req.sub)

		case req := <-h.unsubscribeCh:
			h.handleUnsubscribe(req.sub)
			close(req.done)

		case msg := <-h.feedCh:
			if msg.gen != h.gen {
				continue
			}
			if msg.err != nil {
				h.handleFeedError(ctx, msg.err)
				continue
			}
			h.deliver(msg.env)

		case res := <-h.reconnectCh:
			h.handleReconnect(res)

		case <-h.idleC:
			h.idleC = nil
			if len(h.subs) == 0 && h.stream != nil {
				h.logger.Info("Closing idle upstream event stream", zap.Duration("idle_timeout", h.cfg.IdleTimeout))
				h.closeStream()
				h.setState(Disconnected)
			}
		}
	}
}

func (h *Hub) handleSubscribe(ctx context.Context, sub *Subscription) error {
	switch h.State() {
	case Reconnecting:
		return errs.Unavailable("subscribe", errReconnecting)
	case Closed:
		return errs.ErrHubClosed
	}

	if h.stream == nil {
		openCtx, cancel := context.WithTimeout(ctx, h.cfg.OpenTimeout)
		stream, err := h.source.OpenEventStream(openCtx)
		cancel()
		if err != nil {
			h.logger.Warn("Failed to open upstream event stream", zap.Error(err))
			return errs.Classify("open event stream", err)
		}
		h.attach(ctx, stream)
	}

	h.disarmIdle()
	sub.transition(StateActive, nil)
	h.subs[sub.id] = sub
	h.active.Store(int64(len(h.subs)))
	metrics.HubSubscriptions.Set(float64(len(h.subs)))
	h.logger.Debug("Subscription registered", zap.String("subscription_id", sub.id), zap.Int("subscriptions", len(h.subs)))
	return nil
}

func (h *Hub) handleUnsubscribe(sub *Subscription) {
	if _, ok := h.subs[sub.id]; !ok {
		return
	}
	sub.transition(StateDraining, nil)
	h.remove(sub)
	h.logger.Debug("Subscription draining", zap.String("subscription_id", sub.id))
}

func (h *Hub) remove(sub *Subscription) {
	delete(h.subs, sub.id)
	h.active.Store(int64(len(h.subs)))
	metrics.HubSubscriptions.Set(float64(len(h.subs)))
	if len(h.subs) == 0 && h.stream != nil {
		h.armIdle()
	}
}

// deliver hands env to every matching subscription, closing the ones that cannot keep up.
func (h *Hub) deliver(env models.EventEnvelope) {
	if env.Seq <= h.lastSeq {
		h.discarded.Add(1)
		h.logger.Debug("Discarding replayed envelope", zap.Uint64("seq", env.Seq), zap.Uint64("last_seq", h.lastSeq))
		return
	}
	h.lastSeq = env.Seq

	for id, sub := range h.subs {
		if !sub.matches(env.Event) {
			continue
		}
		if sub.offer(env) {
			h.delivered.Add(1)
			metrics.HubDelivered.Inc()
			continue
		}
		sub.transition(StateClosed, errs.ErrOverflow)
		h.overflowed.Add(1)
		metrics.HubOverflows.Inc()
		h.logger.Warn("Subscription overflowed",
			zap.String("subscription_id", id),
			zap.Int("queue_capacity", h.cfg.QueueCapacity),
			zap.Uint64("seq", env.Seq))
		h.remove(sub)
	}
}

// handleFeedError terminates every subscription and starts reconnecting.
func (h *Hub) handleFeedError(ctx context.Context, cause error) {
	h.logger.Warn("Upstream event stream terminated",
		zap.Error(cause),
		zap.Int("subscriptions", len(h.subs)))

	terminal := errs.Unavailable("event stream", cause)
	for _, sub := range h.subs {
		sub.transition(StateClosed, terminal)
	}
	h.subs = map[string]*Subscription{}
	h.active.Store(0)
	metrics.HubSubscriptions.Set(0)

	h.closeStream()
	h.disarmIdle()
	h.setState(Reconnecting)
	h.reconnectN.Add(1)

	go func() {
		var stream indexer.EventStream
		err := retry.WithBackoff(ctx, h.cfg.Retry, h.logger, "reopen event stream", func() error {
			openCtx, cancel := context.WithTimeout(ctx, h.cfg.OpenTimeout)
			defer cancel()
			s, err := h.source.OpenEventStream(openCtx)
			if err != nil {
				return err
			}
			stream = s
			return nil
		})
		select {
		case h.reconnectCh <- reconnectResult{stream: stream, err: err}:
		case <-ctx.Done():
			if stream != nil {
				_ = stream.Close()
			}
		}
	}()
}

func (h *Hub) handleReconnect(res reconnectResult) {
	if h.State() != Reconnecting {
		if res.stream != nil {
			_ = res.stream.Close()
		}
		return
	}
	if res.err != nil {
		h.logger.Error("Giving up on upstream event stream", zap.Error(res.err))
		h.setState(Disconnected)
		return
	}
	h.logger.Info("Upstream event stream reconnected")
	// the pump needs a context that outlives this call; it is cancelled by closeStream
	h.attach(context.Background(), res.stream)
	h.armIdle()
}

// attach makes stream the current feed and starts pumping it.
func (h *Hub) attach(ctx context.Context, stream indexer.EventStream) {
	h.gen++
	h.lastSeq = 0
	h.stream = stream

	pumpCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h.stopPump = cancel
	h.setState(Connected)

	go h.pump(pumpCtx, h.gen, stream)
}

func (h *Hub) pump(ctx context.Context, gen uint64, stream indexer.EventStream) {
	for {
		env, err := stream.Recv(ctx)
		if ctx.Err() != nil {
			return
		}
		select {
		case h.feedCh <- feedMsg{gen: gen, env: env, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (h *Hub) closeStream() {
	if h.stopPump != nil {
		h.stopPump()
		h.stopPump = nil
	}
	if h.stream != nil {
		if err := h.stream.Close(); err != nil {
			h.logger.Debug("Error closing upstream event stream", zap.Error(err))
		}
		h.stream = nil
	}
}

func (h *Hub) armIdle() {
	h.disarmIdle()
	h.idle = time.NewTimer(h.cfg.IdleTimeout)
	h.idleC = h.idle.C
}

func (h *Hub) disarmIdle() {
	if h.idle != nil {
		h.idle.Stop()
		h.idle = nil
	}
	h.idleC = nil
}

func (h *Hub) shutdown() {
	for _, sub := range h.subs {
		sub.transition(StateClosed, errs.ErrHubClosed)
	}
	h.subs = map[string]*Subscription{}
	h.active.Store(0)
	metrics.HubSubscriptions.Set(0)
	h.disarmIdle()
	h.closeStream()
	h.setState(Closed)
	h.logger.Info("Event hub stopped")
}
