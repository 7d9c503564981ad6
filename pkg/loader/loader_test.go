package loader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/canopy-network/chaingate/pkg/errs"
)

// recorder is a BatchFunc that remembers every call it served.
type recorder struct {
	mu    sync.Mutex
	calls [][]string
	fail  map[string]error // partition prefix -> error
	delay time.Duration
}

func (r *recorder) fetch(ctx context.Context, keys []string) (map[string]string, error) {
	r.mu.Lock()
	r.calls = append(r.calls, append([]string(nil), keys...))
	r.mu.Unlock()

	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	for prefix, err := range r.fail {
		if strings.HasPrefix(keys[0], prefix) {
			return nil, err
		}
	}
	out := map[string]string{}
	for _, k := range keys {
		if strings.HasSuffix(k, "missing") {
			continue
		}
		out[k] = "v:" + k
	}
	return out, nil
}

func (r *recorder) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *recorder) keyCounts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := map[string]int{}
	for _, call := range r.calls {
		for _, k := range call {
			counts[k]++
		}
	}
	return counts
}

func byPrefix(k string) string {
	prefix, _, _ := strings.Cut(k, ":")
	return prefix
}

func TestLoader_DispatchDeduplicates(t *testing.T) {
	rec := &recorder{}
	l := New(rec.fetch, WithLogger[string](zaptest.NewLogger(t)))
	ctx := context.Background()

	a1 := l.Enqueue("a")
	b := l.Enqueue("b")
	a2 := l.Enqueue("a")
	assert.Same(t, a1, a2)

	l.Dispatch(ctx)

	v, err := a1.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v:a", v)
	v, err = b.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v:b", v)

	require.Equal(t, 1, rec.callCount())
	assert.ElementsMatch(t, []string{"a", "b"}, rec.calls[0])

	stats := l.Stats()
	assert.Equal(t, 1, stats.Windows)
	assert.Equal(t, 3, stats.Requested)
	assert.Equal(t, 1, stats.Deduped)
}

func TestLoader_ConcurrentLoadsFetchEachKeyOnce(t *testing.T) {
	rec := &recorder{}
	l := New(rec.fetch, WithWait[string](50*time.Millisecond))
	ctx := context.Background()

	keys := []string{"a", "b", "c", "a", "b", "a", "c", "d"}
	results := make([]string, len(keys))
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i, k := range keys {
		wg.Add(1)
		go func(i int, k string) {
			defer wg.Done()
			<-start
			v, err := l.Load(ctx, k)
			assert.NoError(t, err)
			results[i] = v
		}(i, k)
	}
	close(start)
	wg.Wait()

	for i, k := range keys {
		assert.Equal(t, "v:"+k, results[i])
	}
	for k, n := range rec.keyCounts() {
		assert.LessOrEqual(t, n, 1, "key %s fetched more than once", k)
	}
}

func TestLoader_Partitions(t *testing.T) {
	rec := &recorder{}
	pool := pond.NewPool(4)
	defer pool.StopAndWait()

	l := New(rec.fetch, WithPartition(byPrefix), WithPool[string](pool))
	ctx := context.Background()

	thunks := []*Thunk[string]{
		l.Enqueue("meta:1"),
		l.Enqueue("events:1"),
		l.Enqueue("meta:2"),
	}
	l.Dispatch(ctx)

	for _, th := range thunks {
		_, err := th.Await(ctx)
		require.NoError(t, err)
	}

	require.Equal(t, 2, rec.callCount())
	var sizes []int
	for _, c := range rec.calls {
		sizes = append(sizes, len(c))
	}
	sort.Ints(sizes)
	assert.Equal(t, []int{1, 2}, sizes)
	assert.Equal(t, 2, l.Stats().Batches)
}

func TestLoader_FailurePolicy(t *testing.T) {
	down := errs.Unavailable("events", errors.New("refused"))
	rec := &recorder{fail: map[string]error{"events": down}}
	l := New(rec.fetch, WithPartition(byPrefix))
	ctx := context.Background()

	e1 := l.Enqueue("events:1")
	e2 := l.Enqueue("events:2")
	m1 := l.Enqueue("meta:1")
	missing := l.Enqueue("meta:missing")
	l.Dispatch(ctx)

	t.Run("bulk failure fails the whole partition", func(t *testing.T) {
		_, err := e1.Await(ctx)
		assert.ErrorIs(t, err, errs.ErrUpstreamUnavailable)
		_, err = e2.Await(ctx)
		assert.ErrorIs(t, err, errs.ErrUpstreamUnavailable)
	})

	t.Run("other partitions are unaffected", func(t *testing.T) {
		v, err := m1.Await(ctx)
		require.NoError(t, err)
		assert.Equal(t, "v:meta:1", v)
	})

	t.Run("absent key is not found alone", func(t *testing.T) {
		_, err := missing.Await(ctx)
		assert.ErrorIs(t, err, errs.ErrNotFound)
	})
}

func TestLoader_KeyErrors(t *testing.T) {
	down := errs.Unavailable("metadata", errors.New("refused"))
	l := New(func(ctx context.Context, keys []string) (map[string]string, error) {
		return map[string]string{"b": "v:b"}, KeyErrors[string]{"a": down}
	})
	ctx := context.Background()

	a := l.Enqueue("a")
	b := l.Enqueue("b")
	c := l.Enqueue("c")
	l.Dispatch(ctx)

	_, err := a.Await(ctx)
	assert.ErrorIs(t, err, errs.ErrUpstreamUnavailable)

	v, err := b.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v:b", v)

	_, err = c.Await(ctx)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestLoader_AbandonedAwait(t *testing.T) {
	rec := &recorder{delay: 50 * time.Millisecond}
	l := New(rec.fetch)

	shared := l.Enqueue("a")
	reqCtx, cancel := context.WithCancel(context.Background())
	l.Dispatch(reqCtx)
	cancel()

	_, err := shared.Await(reqCtx)
	assert.ErrorIs(t, err, context.Canceled)

	// the dispatch keeps running and still resolves the slot
	v, err := shared.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v:a", v)
	assert.Equal(t, 1, rec.callCount())
}

func TestLoader_DispatchTimeout(t *testing.T) {
	l := New(func(ctx context.Context, keys []string) (map[string]string, error) {
		<-ctx.Done()
		return nil, errs.Classify("slow", ctx.Err())
	}, WithTimeout[string](20*time.Millisecond))

	th := l.Enqueue("a")
	l.Dispatch(context.Background())

	_, err := th.Await(context.Background())
	assert.ErrorIs(t, err, errs.ErrTimeout)
}

func TestLoader_MaxBatch(t *testing.T) {
	rec := &recorder{}
	l := New(rec.fetch, WithMaxBatch[string](2))
	ctx := context.Background()

	first := l.Enqueue("a")
	l.Enqueue("b") // closes the window
	third := l.Enqueue("c")

	_, err := first.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.callCount())

	l.Dispatch(ctx)
	_, err = third.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.callCount())
}

func TestLoader_EmptyDispatch(t *testing.T) {
	rec := &recorder{}
	l := New(rec.fetch)
	l.Dispatch(context.Background())
	assert.Equal(t, 0, l.Stats().Windows)
	assert.Equal(t, 0, rec.callCount())
}

func TestLoader_PanicResolvesKeys(t *testing.T) {
	l := New(func(ctx context.Context, keys []string) (map[string]string, error) {
		panic(fmt.Sprintf("bad keys %v", keys))
	})
	th := l.Enqueue("a")
	l.Dispatch(context.Background())

	_, err := th.Await(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}
