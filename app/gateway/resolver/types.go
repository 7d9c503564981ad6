package resolver

import (
	"encoding/json"

	"github.com/canopy-network/chaingate/pkg/models"
)

// Field names accepted in a query.
const (
	FieldChainMetadata = "chainMetadata"
	FieldEvents        = "events"
	FieldEvent         = "event"
	FieldHealthCheck   = "healthCheck"
	FieldEcho          = "echo"
)

// Field selects one top-level value. Alias names the value in the response and defaults to Name.
type Field struct {
	Name  string          `json:"name"`
	Alias string          `json:"alias,omitempty"`
	Args  json.RawMessage `json:"args,omitempty"`
}

func (f Field) key() string {
	if f.Alias != "" {
		return f.Alias
	}
	return f.Name
}

// QueryRequest is a set of fields resolved together.
type QueryRequest struct {
	Fields []Field `json:"fields"`
}

// FieldError reports why one field has no value.
type FieldError struct {
	Path    []string `json:"path"`
	Message string   `json:"message"`
	Code    string   `json:"code"`
}

// QueryResponse holds one entry in Data per requested field, null when the field failed.
type QueryResponse struct {
	Data   map[string]any `json:"data"`
	Errors []FieldError   `json:"errors,omitempty"`
}

type metadataArgs struct {
	BlockHash string `json:"blockHash"`
}

type eventsArgs struct {
	FromBlock    uint64 `json:"fromBlock"`
	ToBlock      uint64 `json:"toBlock"`
	Module       string `json:"module"`
	Name         string `json:"name"`
	WithMetadata bool   `json:"withMetadata"`
}

func (a eventsArgs) filter() models.EventFilter {
	return models.EventFilter{FromBlock: a.FromBlock, ToBlock: a.ToBlock, Module: a.Module, Name: a.Name}.Normalize()
}

type eventArgs struct {
	ID string `json:"id"`
}

type echoArgs struct {
	Message string `json:"message"`
}

// EventView is an event as returned to clients, optionally with the chain metadata of its block.
type EventView struct {
	models.Event
	Chain *models.ChainMetadata `json:"chain,omitempty"`
}

// SubscriptionRequest selects the live events a stream carries. Empty values match everything.
type SubscriptionRequest struct {
	Module string `json:"module,omitempty"`
	Name   string `json:"name,omitempty"`
}

// SubscriptionMessage is one item of a stream: an event, or the error that ended the stream.
type SubscriptionMessage struct {
	Seq   uint64        `json:"seq,omitempty"`
	Event *models.Event `json:"event,omitempty"`
	Error *FieldError   `json:"error,omitempty"`
}
