// Package models holds the immutable chain data served by the gateway.
package models

import (
	"encoding/json"
	"time"
)

// ChainMetadata describes the chain as of one block. It never changes for a given hash.
type ChainMetadata struct {
	BlockHash   string   `json:"blockHash"`
	BlockNumber uint64   `json:"blockNumber"`
	SpecVersion uint32   `json:"specVersion"`
	Modules     []string `json:"modules"`

	ChainID     string `json:"chainId,omitempty"`
	Name        string `json:"name,omitempty"`
	TokenSymbol string `json:"tokenSymbol,omitempty"`
	Decimals    uint8  `json:"decimals,omitempty"`
	SS58Prefix  uint16 `json:"ss58Prefix,omitempty"`
}

// Event is a single on-chain event as reported by the indexer.
type Event struct {
	ID             string          `json:"id"`
	BlockNumber    uint64          `json:"blockNumber"`
	BlockHash      string          `json:"blockHash,omitempty"`
	ExtrinsicIndex *uint32         `json:"extrinsicIndex,omitempty"`
	Module         string          `json:"module"`
	Name           string          `json:"name"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// EventEnvelope wraps an Event with its position in the feed it arrived on.
type EventEnvelope struct {
	Seq   uint64 `json:"seq"`
	Event Event  `json:"event"`
}
