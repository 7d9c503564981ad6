// Package loader coalesces the data needs of one request into bulk upstream calls.
//
// Keys are collected into a window. When the window closes, every distinct key is fetched
// exactly once, with one bulk call per partition, and each caller receives the outcome for
// its own key. A Loader belongs to a single request and is discarded with it.
package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/canopy-network/chaingate/pkg/errs"
	"github.com/canopy-network/chaingate/pkg/metrics"
)

// BatchFunc fetches one partition's keys. Keys missing from a successful result resolve to
// ErrNotFound; an error fails every key in the call unless it is a KeyErrors.
type BatchFunc[K comparable, V any] func(ctx context.Context, keys []K) (map[K]V, error)

// KeyErrors is returned by a BatchFunc that failed for some keys only. The listed keys resolve
// to their own error and every other key resolves from the result map.
type KeyErrors[K comparable] map[K]error

func (e KeyErrors[K]) Error() string {
	return fmt.Sprintf("%d keys failed", len(e))
}

// Stats describes the work a loader has done.
type Stats struct {
	Windows   int
	Batches   int
	Requested int
	Deduped   int
}

type options[K comparable] struct {
	partition func(K) string
	maxBatch  int
	wait      time.Duration
	timeout   time.Duration
	pool      pond.Pool
	logger    *zap.Logger
}

// Option configures a Loader.
type Option[K comparable] func(*options[K])

// WithPartition groups keys into separate bulk calls.
func WithPartition[K comparable](fn func(K) string) Option[K] {
	return func(o *options[K]) { o.partition = fn }
}

// WithMaxBatch closes the window as soon as n distinct keys are pending.
func WithMaxBatch[K comparable](n int) Option[K] {
	return func(o *options[K]) { o.maxBatch = n }
}

// WithWait sets how long Load waits for more keys before closing the window itself.
func WithWait[K comparable](d time.Duration) Option[K] {
	return func(o *options[K]) { o.wait = d }
}

// WithTimeout bounds each dispatched window.
func WithTimeout[K comparable](d time.Duration) Option[K] {
	return func(o *options[K]) { o.timeout = d }
}

// WithPool runs bulk calls on a shared worker pool.
func WithPool[K comparable](p pond.Pool) Option[K] {
	return func(o *options[K]) { o.pool = p }
}

// WithLogger sets the logger.
func WithLogger[K comparable](l *zap.Logger) Option[K] {
	return func(o *options[K]) { o.logger = l }
}

// Thunk is the pending result of one key.
type Thunk[V any] struct {
	done chan struct{}
	once sync.Once
	val  V
	err  error
}

func newThunk[V any]() *Thunk[V] {
	return &Thunk[V]{done: make(chan struct{})}
}

func (t *Thunk[V]) resolve(v V, err error) {
	t.once.Do(func() {
		t.val, t.err = v, err
		close(t.done)
	})
}

// Await blocks until the key resolves or ctx ends. Giving up does not cancel the fetch.
func (t *Thunk[V]) Await(ctx context.Context) (V, error) {
	select {
	case <-t.done:
		return t.val, t.err
	case <-ctx.Done():
		var zero V
		return zero, errs.Classify("await", ctx.Err())
	}
}

// Done is closed once the thunk has resolved.
func (t *Thunk[V]) Done() <-chan struct{} {
	return t.done
}

// Loader batches lookups of K to V.
type Loader[K comparable, V any] struct {
	fetch BatchFunc[K, V]
	opts  options[K]

	mu      sync.Mutex
	pending map[K]*Thunk[V]
	order   []K
	timer   *time.Timer
	stats   Stats
}

// New returns a loader that fetches with fn.
func New[K comparable, V any](fn BatchFunc[K, V], opts ...Option[K]) *Loader[K, V] {
	o := options[K]{
		partition: func(K) string { return "default" },
		maxBatch:  100,
		wait:      2 * time.Millisecond,
		timeout:   10 * time.Second,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Loader[K, V]{
		fetch:   fn,
		opts:    o,
		pending: map[K]*Thunk[V]{},
	}
}

// Enqueue registers key in the current window and returns its thunk. Identical keys in one
// window share a thunk.
func (l *Loader[K, V]) Enqueue(key K) *Thunk[V] {
	l.mu.Lock()
	l.stats.Requested++
	if t, ok := l.pending[key]; ok {
		l.stats.Deduped++
		l.mu.Unlock()
		return t
	}
	t := newThunk[V]()
	l.pending[key] = t
	l.order = append(l.order, key)
	full := l.opts.maxBatch > 0 && len(l.order) >= l.opts.maxBatch
	l.mu.Unlock()

	if full {
		l.Dispatch(context.Background())
	}
	return t
}

// Load enqueues key and waits for it. The window closes on its own after the configured wait
// unless someone dispatches it first.
func (l *Loader[K, V]) Load(ctx context.Context, key K) (V, error) {
	t := l.Enqueue(key)
	l.armTimer(ctx)
	return t.Await(ctx)
}

func (l *Loader[K, V]) armTimer(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.timer != nil || len(l.order) == 0 {
		return
	}
	detached := context.WithoutCancel(ctx)
	l.timer = time.AfterFunc(l.opts.wait, func() { l.Dispatch(detached) })
}

// Dispatch closes the current window and starts one bulk call per partition. It returns
// without waiting; results arrive through the thunks.
func (l *Loader[K, V]) Dispatch(ctx context.Context) {
	l.mu.Lock()
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	if len(l.order) == 0 {
		l.mu.Unlock()
		return
	}
	pending, order := l.pending, l.order
	l.pending, l.order = map[K]*Thunk[V]{}, nil

	var parts []string
	byPart := map[string][]K{}
	for _, k := range order {
		p := l.opts.partition(k)
		if _, ok := byPart[p]; !ok {
			parts = append(parts, p)
		}
		byPart[p] = append(byPart[p], k)
	}
	l.stats.Windows++
	l.stats.Batches += len(parts)
	l.mu.Unlock()

	dispatchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.opts.timeout)

	if l.opts.pool == nil {
		go func() {
			defer cancel()
			var wg sync.WaitGroup
			for _, p := range parts {
				wg.Add(1)
				go func(p string) {
					defer wg.Done()
					l.run(dispatchCtx, p, byPart[p], pending)
				}(p)
			}
			wg.Wait()
		}()
		return
	}

	group := l.opts.pool.NewGroupContext(dispatchCtx)
	for _, p := range parts {
		p := p
		group.Submit(func() {
			l.run(dispatchCtx, p, byPart[p], pending)
		})
	}
	go func() {
		defer cancel()
		if err := group.Wait(); err != nil {
			l.opts.logger.Debug("Loader dispatch group ended with error", zap.Error(err))
		}
		// tasks skipped by a stopped group still owe their callers an answer
		skipped := errs.Classify("loader dispatch", dispatchCtx.Err())
		if skipped == nil {
			skipped = errs.Unavailable("loader dispatch", pond.ErrGroupStopped)
		}
		var zero V
		for _, k := range order {
			pending[k].resolve(zero, skipped)
		}
	}()
}

func (l *Loader[K, V]) run(ctx context.Context, partition string, keys []K, pending map[K]*Thunk[V]) {
	defer func() {
		if rec := recover(); rec != nil {
			l.opts.logger.Error("Panic in batch fetch", zap.String("partition", partition), zap.Any("panic", rec))
			var zero V
			for _, k := range keys {
				pending[k].resolve(zero, fmt.Errorf("batch fetch %s panicked: %v", partition, rec))
			}
		}
	}()

	metrics.LoaderBatches.WithLabelValues(partition).Inc()
	metrics.LoaderBatchSize.Observe(float64(len(keys)))

	res, err := l.fetch(ctx, keys)
	if err != nil {
		l.opts.logger.Debug("Batch fetch failed",
			zap.String("partition", partition),
			zap.Int("keys", len(keys)),
			zap.Error(err))
	}
	var keyErrs KeyErrors[K]
	if errors.As(err, &keyErrs) {
		err = nil
	}

	var zero V
	for _, k := range keys {
		switch v, ok := res[k]; {
		case err != nil:
			pending[k].resolve(zero, err)
		case keyErrs[k] != nil:
			pending[k].resolve(zero, keyErrs[k])
		case !ok:
			pending[k].resolve(zero, fmt.Errorf("%v: %w", k, errs.ErrNotFound))
		default:
			pending[k].resolve(v, nil)
		}
	}
}

// Stats returns a snapshot of the loader counters.
func (l *Loader[K, V]) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}
