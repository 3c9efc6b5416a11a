package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/refinerylabs/refinery/types"
)

// MemoryLedger is an in-memory implementation of the Ledger interface,
// suitable for tests and single-process runs.
type MemoryLedger struct {
	entries map[uint64][]types.LedgerEntry
	mu      sync.RWMutex
	clock   func() time.Time
}

// NewMemoryLedger creates an empty MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		entries: make(map[uint64][]types.LedgerEntry),
		clock:   time.Now,
	}
}

// Append seals and stores an entry at the tail of its molecule's log.
func (l *MemoryLedger) Append(ctx context.Context, e types.LedgerEntry) (types.LedgerEntry, error) {
	select {
	case <-ctx.Done():
		return types.LedgerEntry{}, ctx.Err()
	default:
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var tail types.LedgerEntry
	if existing := l.entries[e.MoleculeID]; len(existing) > 0 {
		tail = existing[len(existing)-1]
	}
	sealed := seal(tail, e, l.clock().UnixMilli())
	l.entries[e.MoleculeID] = append(l.entries[e.MoleculeID], sealed)
	return sealed, nil
}

// Entries returns a copy of the molecule's log in append order.
func (l *MemoryLedger) Entries(ctx context.Context, moleculeID uint64) ([]types.LedgerEntry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	existing := l.entries[moleculeID]
	out := make([]types.LedgerEntry, len(existing))
	copy(out, existing)
	return out, nil
}

// Replay verifies the chain and streams entries to fn.
func (l *MemoryLedger) Replay(ctx context.Context, moleculeID uint64, fn func(types.LedgerEntry) error) error {
	entries, err := l.Entries(ctx, moleculeID)
	if err != nil {
		return err
	}
	return replayEntries(entries, fn)
}

// Corrupt overwrites the digest of the entry at index i for a molecule.
// Exposed for recovery tests only.
func (l *MemoryLedger) Corrupt(moleculeID uint64, i int, digest string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entries := l.entries[moleculeID]; i >= 0 && i < len(entries) {
		entries[i].Digest = digest
	}
}
