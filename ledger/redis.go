package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/refinerylabs/refinery/types"
)

const ledgerKeyPrefix = "ledger:"

// RedisLedger stores each molecule's log as a redis list, appended with
// RPUSH. A single process owns appends per deployment; the local mutex
// serializes appenders within it.
type RedisLedger struct {
	client *redis.Client
	mu     sync.Mutex
	clock  func() time.Time
}

// NewRedisLedger wraps an existing redis client.
func NewRedisLedger(client *redis.Client) (*RedisLedger, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("ledger: connect to redis: %v", err)
	}
	return &RedisLedger{client: client, clock: time.Now}, nil
}

func ledgerKey(moleculeID uint64) string {
	return fmt.Sprintf("%s%d", ledgerKeyPrefix, moleculeID)
}

// Append seals the entry against the list tail and pushes it.
func (l *RedisLedger) Append(ctx context.Context, e types.LedgerEntry) (types.LedgerEntry, error) {
	select {
	case <-ctx.Done():
		return types.LedgerEntry{}, ctx.Err()
	default:
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := ledgerKey(e.MoleculeID)
	var tail types.LedgerEntry
	raw, err := l.client.LIndex(ctx, key, -1).Bytes()
	if err == nil {
		if err := json.Unmarshal(raw, &tail); err != nil {
			return types.LedgerEntry{}, fmt.Errorf("%w: tail of %s: %v", ErrCorrupt, key, err)
		}
	} else if err != redis.Nil {
		return types.LedgerEntry{}, fmt.Errorf("ledger: read tail of %s: %v", key, err)
	}

	sealed := seal(tail, e, l.clock().UnixMilli())
	data, err := json.Marshal(sealed)
	if err != nil {
		return types.LedgerEntry{}, fmt.Errorf("ledger: marshal entry: %v", err)
	}
	if err := l.client.RPush(ctx, key, data).Err(); err != nil {
		return types.LedgerEntry{}, fmt.Errorf("ledger: push to %s: %v", key, err)
	}
	return sealed, nil
}

// Entries reads the molecule's full list in append order.
func (l *RedisLedger) Entries(ctx context.Context, moleculeID uint64) ([]types.LedgerEntry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	key := ledgerKey(moleculeID)
	raw, err := l.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("ledger: read %s: %v", key, err)
	}
	entries := make([]types.LedgerEntry, 0, len(raw))
	for i, item := range raw {
		var e types.LedgerEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("%w: %s index %d: %v", ErrCorrupt, key, i, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Replay verifies the chain and streams entries to fn.
func (l *RedisLedger) Replay(ctx context.Context, moleculeID uint64, fn func(types.LedgerEntry) error) error {
	entries, err := l.Entries(ctx, moleculeID)
	if err != nil {
		return err
	}
	return replayEntries(entries, fn)
}
