package models

// KeyKind tells which upstream lookup a BatchKey stands for.
type KeyKind uint8

const (
	KindMetadata KeyKind = iota + 1
	KindEvents
	KindEvent
)

func (k KeyKind) String() string {
	switch k {
	case KindMetadata:
		return "metadata"
	case KindEvents:
		return "events"
	case KindEvent:
		return "event"
	default:
		return "unknown"
	}
}

// BatchKey identifies one upstream lookup. Only the fields relevant to Kind are set,
// so two keys for the same lookup are always ==.
type BatchKey struct {
	Kind      KeyKind
	BlockHash string
	EventID   string
	Filter    EventFilter
}

// MetadataKey is the key for chain metadata at a block hash.
func MetadataKey(hash string) BatchKey {
	return BatchKey{Kind: KindMetadata, BlockHash: hash}
}

// EventsKey is the key for the events selected by f.
func EventsKey(f EventFilter) BatchKey {
	return BatchKey{Kind: KindEvents, Filter: f.Normalize()}
}

// EventKey is the key for a single event by its ID.
func EventKey(id string) BatchKey {
	return BatchKey{Kind: KindEvent, EventID: id}
}

// Partition groups keys that share one bulk call.
func (k BatchKey) Partition() string {
	return k.Kind.String()
}

// BatchValue carries the result of one BatchKey; which field is set follows the key's Kind.
type BatchValue struct {
	Metadata *ChainMetadata
	Events   []Event
	Event    *Event
}
