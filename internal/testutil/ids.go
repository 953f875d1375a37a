package testutil

import (
	"fmt"
	"sync/atomic"
)

// SequentialIDs generates predictable connection ids: prefix-1, prefix-2, ...
//
// Production code uses UUIDv7 ids; tests that compare logs or golden output
// inject this instead so the ids are stable across runs.
//
// Thread-safety: SequentialIDs is safe for concurrent use.
type SequentialIDs struct {
	prefix string
	n      atomic.Uint64
}

// NewSequentialIDs creates a generator. If prefix is empty, "conn" is used.
func NewSequentialIDs(prefix string) *SequentialIDs {
	if prefix == "" {
		prefix = "conn"
	}
	return &SequentialIDs{prefix: prefix}
}

// Generate returns the next id.
func (g *SequentialIDs) Generate() string {
	return fmt.Sprintf("%s-%d", g.prefix, g.n.Add(1))
}
