package testutil

import (
	"fmt"
	"sync"

	"github.com/roach88/wsdb/internal/core"
)

// SequentialIDs generates prefix-0001, prefix-0002, ...
//
// Replaying the same scenario with a fresh SequentialIDs produces the same
// object and transaction ids, which keeps golden traces byte-identical.
//
// Thread-safety: all methods are safe for concurrent use.
type SequentialIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialIDs creates a generator. An empty prefix defaults to "id".
func NewSequentialIDs(prefix string) *SequentialIDs {
	if prefix == "" {
		prefix = "id"
	}
	return &SequentialIDs{prefix: prefix}
}

// Generate implements core.IDGenerator.
func (g *SequentialIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}

// Reset restarts the sequence.
func (g *SequentialIDs) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n = 0
}

// NewTxFactory returns a factory for account with sequential ids and a
// deterministic clock, both starting from scratch.
func NewTxFactory(account core.Ref) *core.TxFactory {
	clock := NewDeterministicClock()
	return &core.TxFactory{
		Account: account,
		IDs:     NewSequentialIDs("id"),
		Now:     clock.Next,
	}
}
