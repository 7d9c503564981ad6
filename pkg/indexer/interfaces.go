// Package indexer is the gateway's only view of the upstream indexer: point lookups
// for chain metadata and events, and one continuous event feed.
package indexer

import (
	"context"

	"github.com/canopy-network/chaingate/pkg/models"
)

// Lookup captures the point lookups served by the indexer.
// Missing data is reported as errs.ErrNotFound for single lookups and as an absent map entry for batches.
type Lookup interface {
	FetchMetadata(ctx context.Context, blockHash string) (*models.ChainMetadata, error)
	FetchMetadataBatch(ctx context.Context, blockHashes []string) (map[string]*models.ChainMetadata, error)
	FetchEvents(ctx context.Context, filter models.EventFilter) ([]models.Event, error)
	FetchEventsBatch(ctx context.Context, filters []models.EventFilter) (map[models.EventFilter][]models.Event, error)
	FetchEventsByID(ctx context.Context, ids []string) (map[string]*models.Event, error)
}

// EventSource opens the indexer's live event feed.
type EventSource interface {
	OpenEventStream(ctx context.Context) (EventStream, error)
}

// EventStream is one open feed. Recv is not safe for concurrent use; the stream's owner reads it
// from a single goroutine. A broken feed returns errs.ErrUpstreamUnavailable and is never
// re-established by the stream itself.
type EventStream interface {
	Recv(ctx context.Context) (models.EventEnvelope, error)
	Close() error
}

// Client is the full indexer surface.
type Client interface {
	Lookup
	EventSource
}

type composite struct {
	Lookup
	EventSource
}

// Compose joins a lookup implementation and a feed implementation into one Client.
func Compose(lookup Lookup, source EventSource) Client {
	return &composite{Lookup: lookup, EventSource: source}
}
