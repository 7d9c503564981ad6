// Package resolver turns client queries and subscriptions into batched indexer lookups and
// hub subscriptions.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/canopy-network/chaingate/pkg/cache"
	"github.com/canopy-network/chaingate/pkg/errs"
	"github.com/canopy-network/chaingate/pkg/hub"
	"github.com/canopy-network/chaingate/pkg/indexer"
	"github.com/canopy-network/chaingate/pkg/loader"
	"github.com/canopy-network/chaingate/pkg/models"
)

var identifier = regexp.MustCompile(`^[A-Za-z0-9_]{1,64}$`)

// Options tunes the per-request loaders.
type Options struct {
	MaxBatch int
	Wait     time.Duration
	Timeout  time.Duration
	Pool     pond.Pool
	Logger   *zap.Logger
}

// Resolver serves queries and subscriptions.
type Resolver struct {
	lookup indexer.Lookup
	cache  *cache.Metadata
	hub    *hub.Hub
	opts   Options
	logger *zap.Logger
}

// New returns a resolver. cache may be nil, in which case metadata is always fetched.
func New(lookup indexer.Lookup, metadata *cache.Metadata, h *hub.Hub, opts Options) *Resolver {
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 100
	}
	if opts.Wait <= 0 {
		opts.Wait = 2 * time.Millisecond
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Resolver{lookup: lookup, cache: metadata, hub: h, opts: opts, logger: opts.Logger}
}

type requestLoader = loader.Loader[models.BatchKey, models.BatchValue]

func (r *Resolver) newLoader() *requestLoader {
	opts := []loader.Option[models.BatchKey]{
		loader.WithPartition(models.BatchKey.Partition),
		loader.WithMaxBatch[models.BatchKey](r.opts.MaxBatch),
		loader.WithWait[models.BatchKey](r.opts.Wait),
		loader.WithTimeout[models.BatchKey](r.opts.Timeout),
		loader.WithLogger[models.BatchKey](r.logger),
	}
	if r.opts.Pool != nil {
		opts = append(opts, loader.WithPool[models.BatchKey](r.opts.Pool))
	}
	return loader.New(r.fetch, opts...)
}

// fetch serves one partition of a window with a single upstream call.
func (r *Resolver) fetch(ctx context.Context, keys []models.BatchKey) (map[models.BatchKey]models.BatchValue, error) {
	out := make(map[models.BatchKey]models.BatchValue, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	switch keys[0].Kind {
	case models.KindMetadata:
		hashes := make([]string, len(keys))
		for i, k := range keys {
			hashes[i] = k.BlockHash
		}
		if r.cache == nil {
			found, err := r.lookup.FetchMetadataBatch(ctx, hashes)
			if err != nil {
				return nil, err
			}
			for _, k := range keys {
				if md, ok := found[k.BlockHash]; ok {
					out[k] = models.BatchValue{Metadata: md}
				}
			}
			return out, nil
		}

		// a failed hash fails only its own key
		found, failed := r.cache.GetMany(ctx, hashes)
		keyErrs := loader.KeyErrors[models.BatchKey]{}
		for _, k := range keys {
			if err := failed[k.BlockHash]; err != nil {
				keyErrs[k] = err
				continue
			}
			if md, ok := found[k.BlockHash]; ok {
				out[k] = models.BatchValue{Metadata: md}
			}
		}
		if len(keyErrs) > 0 {
			return out, keyErrs
		}

	case models.KindEvents:
		filters := make([]models.EventFilter, len(keys))
		for i, k := range keys {
			filters[i] = k.Filter
		}
		found, err := r.lookup.FetchEventsBatch(ctx, filters)
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			if events, ok := found[k.Filter]; ok {
				out[k] = models.BatchValue{Events: events}
			}
		}

	case models.KindEvent:
		ids := make([]string, len(keys))
		for i, k := range keys {
			ids[i] = k.EventID
		}
		found, err := r.lookup.FetchEventsByID(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			if e, ok := found[k.EventID]; ok {
				out[k] = models.BatchValue{Event: e}
			}
		}

	default:
		return nil, fmt.Errorf("unsupported batch key kind %s", keys[0].Kind)
	}
	return out, nil
}

type pendingField struct {
	key     string
	name    string
	thunk   *loader.Thunk[models.BatchValue]
	withMD  bool
	views   []EventView
	chainOf map[string]*loader.Thunk[models.BatchValue]
}

// ExecuteQuery resolves every field of req. A failing field yields null and an entry in Errors
// without affecting the others. All lookups of one pass share one window, so each distinct
// key is fetched once.
func (r *Resolver) ExecuteQuery(ctx context.Context, req QueryRequest) QueryResponse {
	resp := QueryResponse{Data: make(map[string]any, len(req.Fields))}
	fail := func(path []string, err error) {
		resp.Errors = append(resp.Errors, FieldError{Path: path, Message: err.Error(), Code: errs.Code(err)})
	}

	l := r.newLoader()
	var pending []*pendingField

	// pass 1: validate and enqueue
	for _, f := range req.Fields {
		key := f.key()
		if _, dup := resp.Data[key]; dup {
			fail([]string{key}, errs.Validation("duplicate field %q", key))
			continue
		}
		resp.Data[key] = nil

		switch f.Name {
		case FieldHealthCheck:
			resp.Data[key] = "OK"

		case FieldEcho:
			var args echoArgs
			if err := decodeArgs(f.Args, &args); err != nil {
				fail([]string{key}, err)
				continue
			}
			resp.Data[key] = args.Message

		case FieldChainMetadata:
			var args metadataArgs
			if err := decodeArgs(f.Args, &args); err != nil {
				fail([]string{key}, err)
				continue
			}
			if err := models.ValidateBlockHash(args.BlockHash); err != nil {
				fail([]string{key}, err)
				continue
			}
			pending = append(pending, &pendingField{key: key, name: f.Name, thunk: l.Enqueue(models.MetadataKey(args.BlockHash))})

		case FieldEvent:
			var args eventArgs
			if err := decodeArgs(f.Args, &args); err != nil {
				fail([]string{key}, err)
				continue
			}
			id := strings.TrimSpace(args.ID)
			if id == "" {
				fail([]string{key}, errs.Validation("event id is required"))
				continue
			}
			pending = append(pending, &pendingField{key: key, name: f.Name, thunk: l.Enqueue(models.EventKey(id))})

		case FieldEvents:
			var args eventsArgs
			if err := decodeArgs(f.Args, &args); err != nil {
				fail([]string{key}, err)
				continue
			}
			filter := args.filter()
			if err := filter.Validate(); err != nil {
				fail([]string{key}, err)
				continue
			}
			pending = append(pending, &pendingField{
				key:    key,
				name:   f.Name,
				thunk:  l.Enqueue(models.EventsKey(filter)),
				withMD: args.WithMetadata,
			})

		default:
			fail([]string{key}, errs.Validation("unknown field %q", f.Name))
		}
	}

	l.Dispatch(ctx)

	// pass 2: collect, and enqueue the metadata of returned events where asked
	nested := false
	for _, p := range pending {
		v, err := p.thunk.Await(ctx)
		switch p.name {
		case FieldChainMetadata:
			switch {
			case errors.Is(err, errs.ErrNotFound):
			case err != nil:
				fail([]string{p.key}, err)
			default:
				resp.Data[p.key] = v.Metadata
			}

		case FieldEvent:
			switch {
			case errors.Is(err, errs.ErrNotFound):
			case err != nil:
				fail([]string{p.key}, err)
			default:
				resp.Data[p.key] = v.Event
			}

		case FieldEvents:
			switch {
			case errors.Is(err, errs.ErrNotFound):
				resp.Data[p.key] = []EventView{}
			case err != nil:
				fail([]string{p.key}, err)
			default:
				p.views = make([]EventView, len(v.Events))
				for i, e := range v.Events {
					p.views[i] = EventView{Event: e}
				}
				resp.Data[p.key] = p.views
				if p.withMD {
					p.chainOf = map[string]*loader.Thunk[models.BatchValue]{}
					for _, e := range v.Events {
						if e.BlockHash == "" {
							continue
						}
						if _, ok := p.chainOf[e.BlockHash]; !ok {
							p.chainOf[e.BlockHash] = l.Enqueue(models.MetadataKey(e.BlockHash))
							nested = true
						}
					}
				}
			}
		}
	}

	if nested {
		l.Dispatch(ctx)
		for _, p := range pending {
			for i := range p.views {
				thunk, ok := p.chainOf[p.views[i].BlockHash]
				if !ok {
					continue
				}
				v, err := thunk.Await(ctx)
				switch {
				case errors.Is(err, errs.ErrNotFound):
				case err != nil:
					fail([]string{p.key, fmt.Sprint(i), "chain"}, err)
				default:
					p.views[i].Chain = v.Metadata
				}
			}
		}
	}

	stats := l.Stats()
	r.logger.Debug("Query resolved",
		zap.Int("fields", len(req.Fields)),
		zap.Int("windows", stats.Windows),
		zap.Int("batches", stats.Batches),
		zap.Int("keys_requested", stats.Requested),
		zap.Int("keys_deduped", stats.Deduped),
		zap.Int("errors", len(resp.Errors)))

	return resp
}

func decodeArgs(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errs.Validation("invalid arguments: %v", err)
	}
	return nil
}

// Stream relays one hub subscription to a consumer.
type Stream struct {
	sub    *hub.Subscription
	out    chan SubscriptionMessage
	cancel context.CancelFunc
	done   chan struct{}
}

// Messages yields events in feed order. If the subscription ends abnormally the last message
// carries the error. The channel is closed when the stream ends.
func (s *Stream) Messages() <-chan SubscriptionMessage { return s.out }

// ID identifies the underlying subscription.
func (s *Stream) ID() string { return s.sub.ID() }

// Unsubscribe stops delivery of new events. Events already queued for the stream are still
// sent on Messages before it closes, so the consumer must keep reading. It does not block.
func (s *Stream) Unsubscribe() {
	s.sub.Unsubscribe()
}

// Done is closed once the relay has stopped.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Close abandons the stream, dropping anything still queued, and waits for the relay to stop.
// It is meant for a consumer that is going away.
func (s *Stream) Close() {
	s.cancel()
	<-s.done
}

// OpenSubscription validates req and subscribes to matching live events. The stream ends when
// ctx ends, after Unsubscribe has drained it, on Close, or when the hub terminates the
// subscription.
func (r *Resolver) OpenSubscription(ctx context.Context, req SubscriptionRequest) (*Stream, error) {
	module, name := strings.TrimSpace(req.Module), strings.TrimSpace(req.Name)
	for _, v := range []string{module, name} {
		if v != "" && !identifier.MatchString(v) {
			return nil, errs.Validation("invalid event selector %q", v)
		}
	}
	if r.hub == nil {
		return nil, errs.Unavailable("subscribe", errors.New("event hub not configured"))
	}

	sub, err := r.hub.Subscribe(ctx, func(e models.Event) bool {
		return models.MatchName(module, name, e)
	})
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s := &Stream{
		sub:    sub,
		out:    make(chan SubscriptionMessage),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.relay(streamCtx, r.logger)
	return s, nil
}

func (s *Stream) relay(ctx context.Context, logger *zap.Logger) {
	defer close(s.done)
	defer close(s.out)
	defer s.sub.Unsubscribe()

	for {
		env, err := s.sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, errs.ErrSubscriptionClosed) {
				return
			}
			logger.Debug("Subscription terminated", zap.String("subscription_id", s.sub.ID()), zap.Error(err))
			msg := SubscriptionMessage{Error: &FieldError{Path: []string{"events"}, Message: err.Error(), Code: errs.Code(err)}}
			select {
			case s.out <- msg:
			case <-ctx.Done():
			}
			return
		}

		event := env.Event
		select {
		case s.out <- SubscriptionMessage{Seq: env.Seq, Event: &event}:
		case <-ctx.Done():
			return
		}
	}
}
