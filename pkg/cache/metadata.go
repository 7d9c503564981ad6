// Package cache shares immutable chain metadata across requests.
//
// Metadata for a block hash never changes, so entries are kept for the life of the process.
// Concurrent requests for the same uncached hash are coalesced: the first caller claims the
// hash and fetches it, everyone else waits on that fetch. Failures are handed to every
// waiter and then forgotten, so the next request fetches again.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"github.com/canopy-network/chaingate/pkg/errs"
	"github.com/canopy-network/chaingate/pkg/indexer"
	"github.com/canopy-network/chaingate/pkg/metrics"
	"github.com/canopy-network/chaingate/pkg/models"
)

// Store is a second cache tier shared between gateway processes.
type Store interface {
	GetMany(ctx context.Context, hashes []string) (map[string]models.ChainMetadata, error)
	SetMany(ctx context.Context, entries []models.ChainMetadata) error
}

type call struct {
	done chan struct{}
	md   *models.ChainMetadata
	err  error
}

// Metadata is a read-through cache over an indexer lookup.
type Metadata struct {
	lookup   indexer.Lookup
	remote   Store
	timeout  time.Duration
	local    *xsync.Map[string, models.ChainMetadata]
	inflight *xsync.Map[string, *call]
	logger   *zap.Logger
}

// Options configures a Metadata cache.
type Options struct {
	// Remote is an optional shared tier consulted before the indexer.
	Remote Store
	// FetchTimeout bounds a coalesced fetch, which outlives the request that started it.
	FetchTimeout time.Duration
	Logger       *zap.Logger
}

// NewMetadata returns a cache in front of lookup.
func NewMetadata(lookup indexer.Lookup, opts Options) *Metadata {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Metadata{
		lookup:   lookup,
		remote:   opts.Remote,
		timeout:  opts.FetchTimeout,
		local:    xsync.NewMap[string, models.ChainMetadata](),
		inflight: xsync.NewMap[string, *call](),
		logger:   opts.Logger,
	}
}

// Len is the number of cached entries.
func (m *Metadata) Len() int {
	return m.local.Size()
}

// Get returns metadata for one hash, or ErrNotFound.
func (m *Metadata) Get(ctx context.Context, hash string) (*models.ChainMetadata, error) {
	res, failed := m.GetMany(ctx, []string{hash})
	if err := failed[hash]; err != nil {
		return nil, err
	}
	md, ok := res[hash]
	if !ok {
		return nil, fmt.Errorf("metadata %s: %w", hash, errs.ErrNotFound)
	}
	return md, nil
}

// GetMany returns metadata for every known hash; unknown hashes are absent from both maps.
// All misses this call owns are fetched with one upstream call. A hash whose fetch failed,
// whether this call's or one it waited on, is reported in failed under its own key and
// does not affect the others.
func (m *Metadata) GetMany(ctx context.Context, hashes []string) (found map[string]*models.ChainMetadata, failed map[string]error) {
	out := make(map[string]*models.ChainMetadata, len(hashes))
	var (
		owned   []string
		claims  = map[string]*call{}
		waiting = map[string]*call{}
	)

	for _, h := range hashes {
		if _, seen := out[h]; seen {
			continue
		}
		if _, seen := claims[h]; seen {
			continue
		}
		if _, seen := waiting[h]; seen {
			continue
		}
		if md, ok := m.local.Load(h); ok {
			metrics.CacheHits.Inc()
			out[h] = &md
			continue
		}

		c := &call{done: make(chan struct{})}
		actual, loaded := m.inflight.LoadOrStore(h, c)
		if loaded {
			waiting[h] = actual
			continue
		}
		// the previous owner may have stored the entry between Load and LoadOrStore
		if md, ok := m.local.Load(h); ok {
			m.inflight.Delete(h)
			c.md = &md
			close(c.done)
			metrics.CacheHits.Inc()
			out[h] = &md
			continue
		}
		metrics.CacheMisses.Inc()
		claims[h] = c
		owned = append(owned, h)
	}

	if len(owned) > 0 {
		m.fill(ctx, owned, claims)
		for h, c := range claims {
			waiting[h] = c
		}
	}

	failed = map[string]error{}
	for h, c := range waiting {
		select {
		case <-ctx.Done():
			failed[h] = errs.Classify("metadata cache", ctx.Err())
			continue
		case <-c.done:
		}
		switch {
		case c.err != nil:
			failed[h] = c.err
		case c.md != nil:
			out[h] = c.md
		}
	}
	return out, failed
}

// fill resolves the owned claims. The fetch is detached from ctx because other requests may
// be waiting on it.
func (m *Metadata) fill(ctx context.Context, owned []string, claims map[string]*call) {
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	defer cancel()

	defer func() {
		for _, h := range owned {
			c := claims[h]
			m.inflight.Delete(h)
			close(c.done)
		}
	}()

	missing := owned
	if m.remote != nil {
		found, err := m.remote.GetMany(fetchCtx, owned)
		if err != nil {
			m.logger.Warn("Shared metadata cache read failed", zap.Error(err), zap.Int("hashes", len(owned)))
		}
		missing = missing[:0:0]
		for _, h := range owned {
			if md, ok := found[h]; ok {
				m.local.Store(h, md)
				claims[h].md = &md
				continue
			}
			missing = append(missing, h)
		}
		if len(missing) == 0 {
			return
		}
	}

	res, err := m.lookup.FetchMetadataBatch(fetchCtx, missing)
	if err != nil {
		m.logger.Debug("Metadata fetch failed", zap.Int("hashes", len(missing)), zap.Error(err))
		for _, h := range missing {
			claims[h].err = err
		}
		return
	}

	var fetched []models.ChainMetadata
	for _, h := range missing {
		md, ok := res[h]
		if !ok || md == nil {
			continue
		}
		m.local.Store(h, *md)
		claims[h].md = md
		fetched = append(fetched, *md)
	}

	if m.remote != nil && len(fetched) > 0 {
		if err := m.remote.SetMany(fetchCtx, fetched); err != nil {
			m.logger.Warn("Shared metadata cache write failed", zap.Error(err), zap.Int("entries", len(fetched)))
		}
	}
}
