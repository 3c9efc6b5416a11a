package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/refinerylabs/refinery/types"
)

// FileLedger persists one JSON-lines segment file per molecule under a
// directory. The format is append-friendly and compatible with external
// version-controlled storage for audit diffing.
type FileLedger struct {
	dir   string
	mu    sync.Mutex
	tails map[uint64]types.LedgerEntry
	clock func() time.Time
}

// NewFileLedger creates the ledger directory if needed.
func NewFileLedger(dir string) (*FileLedger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ledger: ensure dir %s: %w", dir, err)
	}
	return &FileLedger{
		dir:   dir,
		tails: make(map[uint64]types.LedgerEntry),
		clock: time.Now,
	}, nil
}

func (l *FileLedger) segmentPath(moleculeID uint64) string {
	return filepath.Join(l.dir, fmt.Sprintf("molecule-%d.ledger.jsonl", moleculeID))
}

// Append seals the entry against the segment tail and writes one JSON line.
func (l *FileLedger) Append(ctx context.Context, e types.LedgerEntry) (types.LedgerEntry, error) {
	select {
	case <-ctx.Done():
		return types.LedgerEntry{}, ctx.Err()
	default:
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tail, ok := l.tails[e.MoleculeID]
	if !ok {
		entries, err := l.readSegment(e.MoleculeID)
		if err != nil {
			return types.LedgerEntry{}, err
		}
		if len(entries) > 0 {
			tail = entries[len(entries)-1]
		}
		l.tails[e.MoleculeID] = tail
	}

	sealed := seal(tail, e, l.clock().UnixMilli())
	data, err := json.Marshal(sealed)
	if err != nil {
		return types.LedgerEntry{}, fmt.Errorf("ledger: marshal entry: %w", err)
	}

	file, err := os.OpenFile(l.segmentPath(e.MoleculeID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return types.LedgerEntry{}, fmt.Errorf("ledger: open segment: %w", err)
	}
	defer file.Close()
	if _, err := file.Write(append(data, '\n')); err != nil {
		return types.LedgerEntry{}, fmt.Errorf("ledger: append entry: %w", err)
	}

	l.tails[e.MoleculeID] = sealed
	return sealed, nil
}

// Entries reads the molecule's segment file in append order.
func (l *FileLedger) Entries(ctx context.Context, moleculeID uint64) ([]types.LedgerEntry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readSegment(moleculeID)
}

// Replay verifies the chain and streams entries to fn.
func (l *FileLedger) Replay(ctx context.Context, moleculeID uint64, fn func(types.LedgerEntry) error) error {
	entries, err := l.Entries(ctx, moleculeID)
	if err != nil {
		return err
	}
	return replayEntries(entries, fn)
}

func (l *FileLedger) readSegment(moleculeID uint64) ([]types.LedgerEntry, error) {
	file, err := os.Open(l.segmentPath(moleculeID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: open segment: %w", err)
	}
	defer file.Close()

	var entries []types.LedgerEntry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e types.LedgerEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("%w: molecule %d line %d: %v", ErrCorrupt, moleculeID, line, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ledger: read segment: %w", err)
	}
	return entries, nil
}
