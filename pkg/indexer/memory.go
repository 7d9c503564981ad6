package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/canopy-network/chaingate/pkg/errs"
	"github.com/canopy-network/chaingate/pkg/models"
)

// Memory is an in-process indexer. It backs the gateway's mock mode and the tests of the
// layers above the indexer client.
type Memory struct {
	mu       sync.RWMutex
	metadata map[string]models.ChainMetadata
	events   []models.Event
	streams  map[*feed]struct{}
	failWith error
	delay    time.Duration

	metadataCalls atomic.Int64
	eventsCalls   atomic.Int64
	eventByID     atomic.Int64
	streamsOpened atomic.Int64

	logger *zap.Logger
}

// NewMemory returns an empty in-memory indexer.
func NewMemory(logger *zap.Logger) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{
		metadata: map[string]models.ChainMetadata{},
		streams:  map[*feed]struct{}{},
		logger:   logger,
	}
}

// PutMetadata stores metadata under its block hash.
func (m *Memory) PutMetadata(md models.ChainMetadata) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metadata[md.BlockHash] = md
}

// PutEvents stores events for lookups without publishing them on open streams.
func (m *Memory) PutEvents(events ...models.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
}

// SetFailure makes every lookup fail with err until cleared with nil.
func (m *Memory) SetFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

// SetDelay makes every lookup take at least d.
func (m *Memory) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// MetadataCalls is the number of metadata lookups served, single or batch.
func (m *Memory) MetadataCalls() int64 { return m.metadataCalls.Load() }

// EventsCalls is the number of event lookups served, single or batch.
func (m *Memory) EventsCalls() int64 { return m.eventsCalls.Load() }

// EventByIDCalls is the number of batched event-by-ID lookups served.
func (m *Memory) EventByIDCalls() int64 { return m.eventByID.Load() }

// StreamsOpened is the number of event streams opened so far.
func (m *Memory) StreamsOpened() int64 { return m.streamsOpened.Load() }

func (m *Memory) prepare(ctx context.Context) error {
	m.mu.RLock()
	failWith, delay := m.failWith, m.delay
	m.mu.RUnlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errs.Classify("memory indexer", ctx.Err())
		case <-timer.C:
		}
	}
	return failWith
}

func (m *Memory) FetchMetadataBatch(ctx context.Context, hashes []string) (map[string]*models.ChainMetadata, error) {
	m.metadataCalls.Add(1)
	if err := m.prepare(ctx); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*models.ChainMetadata, len(hashes))
	for _, h := range hashes {
		if md, ok := m.metadata[h]; ok {
			md := md
			out[h] = &md
		}
	}
	return out, nil
}

func (m *Memory) FetchMetadata(ctx context.Context, hash string) (*models.ChainMetadata, error) {
	res, err := m.FetchMetadataBatch(ctx, []string{hash})
	if err != nil {
		return nil, err
	}
	md, ok := res[hash]
	if !ok {
		return nil, fmt.Errorf("metadata %s: %w", hash, errs.ErrNotFound)
	}
	return md, nil
}

func (m *Memory) FetchEventsBatch(ctx context.Context, filters []models.EventFilter) (map[models.EventFilter][]models.Event, error) {
	m.eventsCalls.Add(1)
	if err := m.prepare(ctx); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[models.EventFilter][]models.Event, len(filters))
	for _, f := range filters {
		f = f.Normalize()
		matched := []models.Event{}
		for _, e := range m.events {
			if f.Matches(e) {
				matched = append(matched, e)
			}
		}
		sort.SliceStable(matched, func(i, j int) bool { return matched[i].BlockNumber < matched[j].BlockNumber })
		out[f] = matched
	}
	return out, nil
}

func (m *Memory) FetchEvents(ctx context.Context, filter models.EventFilter) ([]models.Event, error) {
	filter = filter.Normalize()
	res, err := m.FetchEventsBatch(ctx, []models.EventFilter{filter})
	if err != nil {
		return nil, err
	}
	return res[filter], nil
}

func (m *Memory) FetchEventsByID(ctx context.Context, ids []string) (map[string]*models.Event, error) {
	m.eventByID.Add(1)
	if err := m.prepare(ctx); err != nil {
		return nil, err
	}

	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*models.Event, len(ids))
	for _, e := range m.events {
		if _, ok := wanted[e.ID]; ok {
			e := e
			out[e.ID] = &e
		}
	}
	return out, nil
}

// OpenEventStream registers a new feed that receives every event published from now on.
func (m *Memory) OpenEventStream(ctx context.Context) (EventStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	m.streamsOpened.Add(1)

	var f *feed
	f = newFeed("memory event stream", 1024, func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.streams[f]; ok {
			delete(m.streams, f)
			close(f.events)
		}
		return nil
	})
	m.streams[f] = struct{}{}
	return f, nil
}

// Publish stores event and pushes it to every open stream. A stream that cannot keep up is broken.
func (m *Memory) Publish(event models.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	for f := range m.streams {
		select {
		case f.events <- event:
		default:
			f.fail(fmt.Errorf("memory stream buffer full"))
			delete(m.streams, f)
			close(f.events)
		}
	}
}

// Break terminates every open stream with cause, as a dropped upstream connection would.
func (m *Memory) Break(cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for f := range m.streams {
		f.fail(cause)
		delete(m.streams, f)
		close(f.events)
	}
}

// OpenStreams is the number of streams currently attached.
func (m *Memory) OpenStreams() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.streams)
}

// Seed loads a chain descriptor and a handful of transfer events.
func (m *Memory) Seed() models.ChainMetadata {
	md := models.ChainMetadata{
		BlockHash:   "0x" + fmt.Sprintf("%064x", 10004),
		BlockNumber: 10004,
		SpecVersion: 9990,
		Modules:     []string{"System", "Timestamp", "Balances", "Staking"},
		ChainID:     "polkadot-mainnet-mock",
		Name:        "Polkadot (Mock)",
		TokenSymbol: "MDOT",
		Decimals:    10,
		SS58Prefix:  0,
	}
	m.PutMetadata(md)

	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		ext := uint32(i)
		payload, _ := json.Marshal(map[string]any{"from": "Alice", "to": "Bob", "amount": (100 + i) * 1_000_000_000})
		m.PutEvents(models.Event{
			ID:             uuid.NewString(),
			BlockNumber:    uint64(10000 + i),
			BlockHash:      md.BlockHash,
			ExtrinsicIndex: &ext,
			Module:         "Balances",
			Name:           "Transfer",
			Payload:        payload,
			Timestamp:      now.Add(-time.Duration(5-i) * 10 * time.Second),
		})
	}
	return md
}

// Simulate publishes a random System or Timestamp event every minDelay..maxDelay until ctx ends.
func (m *Memory) Simulate(ctx context.Context, minDelay, maxDelay time.Duration) {
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	m.logger.Info("Starting mock event simulation",
		zap.Duration("min_delay", minDelay),
		zap.Duration("max_delay", maxDelay))

	for {
		delay := minDelay
		if span := maxDelay - minDelay; span > 0 {
			delay += time.Duration(rng.Int63n(int64(span) + 1))
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		block := m.headBlock() + uint64(rng.Intn(4)+1)
		md := models.ChainMetadata{
			BlockHash:   "0x" + fmt.Sprintf("%064x", block),
			BlockNumber: block,
			SpecVersion: 9990,
			Modules:     []string{"System", "Timestamp", "Balances", "Staking"},
			ChainID:     "polkadot-mainnet-mock",
			Name:        "Polkadot (Mock)",
			TokenSymbol: "MDOT",
			Decimals:    10,
		}
		m.PutMetadata(md)

		event := models.Event{
			ID:          uuid.NewString(),
			BlockNumber: block,
			BlockHash:   md.BlockHash,
			Timestamp:   time.Now().UTC(),
		}
		if rng.Intn(2) == 0 {
			event.Module, event.Name = "System", "NewAccount"
			event.Payload, _ = json.Marshal(map[string]any{"account": uuid.NewString(), "balance": rng.Intn(1000)})
		} else {
			event.Module, event.Name = "Timestamp", "TimestampSet"
			event.Payload, _ = json.Marshal(map[string]any{"now": time.Now().UnixMilli()})
		}
		m.Publish(event)

		m.logger.Debug("Simulated new event",
			zap.String("event_id", event.ID),
			zap.String("module", event.Module),
			zap.String("name", event.Name),
			zap.Uint64("block", block))
	}
}

func (m *Memory) headBlock() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var head uint64 = 10000
	for _, e := range m.events {
		if e.BlockNumber > head {
			head = e.BlockNumber
		}
	}
	return head
}
