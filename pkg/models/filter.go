package models

import (
	"fmt"
	"strings"

	"github.com/canopy-network/chaingate/pkg/errs"
)

// MaxBlockSpan bounds the block range of a single events lookup.
const MaxBlockSpan = 10_000

// EventFilter selects events by block range and, optionally, module and name.
// ToBlock zero means the range is open-ended. Empty Module/Name match everything.
// The struct is comparable so it can be used directly as a batch key.
type EventFilter struct {
	FromBlock uint64 `json:"fromBlock"`
	ToBlock   uint64 `json:"toBlock,omitempty"`
	Module    string `json:"module,omitempty"`
	Name      string `json:"name,omitempty"`
}

// Validate rejects inverted or oversized ranges.
func (f EventFilter) Validate() error {
	if f.ToBlock != 0 && f.ToBlock < f.FromBlock {
		return errs.Validation("toBlock %d is before fromBlock %d", f.ToBlock, f.FromBlock)
	}
	if f.ToBlock != 0 && f.ToBlock-f.FromBlock > MaxBlockSpan {
		return errs.Validation("block range %d..%d exceeds %d blocks", f.FromBlock, f.ToBlock, MaxBlockSpan)
	}
	return nil
}

// Normalize trims whitespace so equal filters compare equal.
func (f EventFilter) Normalize() EventFilter {
	f.Module = strings.TrimSpace(f.Module)
	f.Name = strings.TrimSpace(f.Name)
	return f
}

// Matches reports whether e falls inside the filter.
func (f EventFilter) Matches(e Event) bool {
	if e.BlockNumber < f.FromBlock {
		return false
	}
	if f.ToBlock != 0 && e.BlockNumber > f.ToBlock {
		return false
	}
	return MatchName(f.Module, f.Name, e)
}

func (f EventFilter) String() string {
	return fmt.Sprintf("events[%d..%d %s.%s]", f.FromBlock, f.ToBlock, f.Module, f.Name)
}

// MatchName compares module and name case-insensitively; empty values are wildcards.
func MatchName(module, name string, e Event) bool {
	if module != "" && !strings.EqualFold(module, e.Module) {
		return false
	}
	if name != "" && !strings.EqualFold(name, e.Name) {
		return false
	}
	return true
}

// ValidateBlockHash accepts 0x-prefixed hex strings.
func ValidateBlockHash(hash string) error {
	if len(hash) < 3 || !strings.HasPrefix(hash, "0x") {
		return errs.Validation("block hash %q must be 0x-prefixed hex", hash)
	}
	for _, c := range hash[2:] {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return errs.Validation("block hash %q must be 0x-prefixed hex", hash)
		}
	}
	return nil
}
