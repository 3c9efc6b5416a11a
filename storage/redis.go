package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/refinerylabs/refinery/types"
)

const (
	moleculePrefix   = "molecule:"
	archivedPrefix   = "archived:molecule:"
	gatePrefix       = "gate:"
	actorPrefix      = "actor:"
	checkpointPrefix = "checkpoints:"
)

// RedisStorage is a Redis-backed implementation of the Storage interface.
type RedisStorage struct {
	client *redis.Client
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return &RedisStorage{client: client}, nil
}

// Client exposes the underlying redis client so a RedisLedger can share it.
func (s *RedisStorage) Client() *redis.Client {
	return s.client
}

// saveToRedis saves a JSON value under prefix+key.
func (s *RedisStorage) saveToRedis(ctx context.Context, prefix, key string, value interface{}) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal %s%s: %v", prefix, key, err)
		}
		if err := s.client.Set(ctx, prefix+key, data, 0).Err(); err != nil {
			return fmt.Errorf("failed to set %s%s in Redis: %v", prefix, key, err)
		}
		return nil
	})
}

// getFromRedis retrieves and unmarshals a value stored under prefix+key.
func getFromRedis[T any](ctx context.Context, client *redis.Client, prefix, key string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := client.Get(ctx, prefix+key).Bytes()
		if err == redis.Nil {
			return zero, fmt.Errorf("%w: key=%s%s", errNotFound, prefix, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s%s from Redis: %v", prefix, key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s%s: %v", prefix, key, err)
		}
		return result, nil
	})
}

// listFromRedis scans keys under a prefix and unmarshals every value.
func listFromRedis[T any](ctx context.Context, client *redis.Client, prefix string) ([]T, error) {
	return withContext(ctx, func() ([]T, error) {
		keys, err := client.Keys(ctx, prefix+"*").Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s keys: %v", prefix, err)
		}
		out := make([]T, 0, len(keys))
		for _, key := range keys {
			data, err := client.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			} else if err != nil {
				return nil, fmt.Errorf("failed to get %s: %v", key, err)
			}
			var item T
			if err := json.Unmarshal(data, &item); err != nil {
				return nil, fmt.Errorf("failed to unmarshal %s: %v", key, err)
			}
			out = append(out, item)
		}
		return out, nil
	})
}

// SaveMolecule saves a molecule snapshot to Redis.
func (s *RedisStorage) SaveMolecule(ctx context.Context, m types.Molecule) error {
	return s.saveToRedis(ctx, moleculePrefix, fmt.Sprintf("%d", m.ID), m)
}

// GetMolecule retrieves an active molecule from Redis.
func (s *RedisStorage) GetMolecule(ctx context.Context, id uint64) (types.Molecule, error) {
	return getFromRedis[types.Molecule](ctx, s.client, moleculePrefix, fmt.Sprintf("%d", id), ErrMoleculeNotFound)
}

// ListMolecules returns active molecules ordered by ID.
func (s *RedisStorage) ListMolecules(ctx context.Context) ([]types.Molecule, error) {
	out, err := listFromRedis[types.Molecule](ctx, s.client, moleculePrefix)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ArchiveMolecule renames the molecule key out of the active prefix.
func (s *RedisStorage) ArchiveMolecule(ctx context.Context, id uint64) error {
	return withContextError(ctx, func() error {
		m, err := s.GetMolecule(ctx, id)
		if err != nil {
			return err
		}
		if !m.Terminal() {
			return fmt.Errorf("%w: id=%d status=%s", ErrNotTerminal, id, m.Status)
		}
		key := fmt.Sprintf("%s%d", moleculePrefix, id)
		archivedKey := fmt.Sprintf("%s%d", archivedPrefix, id)
		if err := s.client.Rename(ctx, key, archivedKey).Err(); err != nil {
			return fmt.Errorf("failed to archive %s: %v", key, err)
		}
		return nil
	})
}

// SaveGate saves a gate snapshot to Redis.
func (s *RedisStorage) SaveGate(ctx context.Context, g types.Gate) error {
	return s.saveToRedis(ctx, gatePrefix, g.ID, g)
}

// GetGate retrieves a gate from Redis.
func (s *RedisStorage) GetGate(ctx context.Context, id string) (types.Gate, error) {
	return getFromRedis[types.Gate](ctx, s.client, gatePrefix, id, ErrGateNotFound)
}

// ListGates returns all gates ordered by ID.
func (s *RedisStorage) ListGates(ctx context.Context) ([]types.Gate, error) {
	out, err := listFromRedis[types.Gate](ctx, s.client, gatePrefix)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveActor saves an actor snapshot to Redis.
func (s *RedisStorage) SaveActor(ctx context.Context, a types.Actor) error {
	return s.saveToRedis(ctx, actorPrefix, a.ID, a)
}

// GetActor retrieves an actor from Redis.
func (s *RedisStorage) GetActor(ctx context.Context, id string) (types.Actor, error) {
	return getFromRedis[types.Actor](ctx, s.client, actorPrefix, id, ErrActorNotFound)
}

// ListActors returns all actors ordered by ID.
func (s *RedisStorage) ListActors(ctx context.Context) ([]types.Actor, error) {
	out, err := listFromRedis[types.Actor](ctx, s.client, actorPrefix)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveCheckpoint appends a checkpoint to the molecule's history list.
func (s *RedisStorage) SaveCheckpoint(ctx context.Context, cp types.Checkpoint) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(cp)
		if err != nil {
			return fmt.Errorf("failed to marshal checkpoint %s: %v", cp.Name, err)
		}
		key := fmt.Sprintf("%s%d", checkpointPrefix, cp.MoleculeID)
		if err := s.client.RPush(ctx, key, data).Err(); err != nil {
			return fmt.Errorf("failed to push checkpoint to %s: %v", key, err)
		}
		return nil
	})
}

// LatestCheckpoint returns the most recent checkpoint for a molecule.
func (s *RedisStorage) LatestCheckpoint(ctx context.Context, moleculeID uint64) (types.Checkpoint, error) {
	return withContext(ctx, func() (types.Checkpoint, error) {
		key := fmt.Sprintf("%s%d", checkpointPrefix, moleculeID)
		data, err := s.client.LIndex(ctx, key, -1).Bytes()
		if err == redis.Nil {
			return types.Checkpoint{}, fmt.Errorf("%w: molecule=%d", ErrCheckpointNotFound, moleculeID)
		} else if err != nil {
			return types.Checkpoint{}, fmt.Errorf("failed to get checkpoint from %s: %v", key, err)
		}
		var cp types.Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			return types.Checkpoint{}, fmt.Errorf("failed to unmarshal checkpoint: %v", err)
		}
		return cp, nil
	})
}

// Checkpoints returns a molecule's checkpoint history in order.
func (s *RedisStorage) Checkpoints(ctx context.Context, moleculeID uint64) ([]types.Checkpoint, error) {
	return withContext(ctx, func() ([]types.Checkpoint, error) {
		key := fmt.Sprintf("%s%d", checkpointPrefix, moleculeID)
		raw, err := s.client.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %v", key, err)
		}
		out := make([]types.Checkpoint, 0, len(raw))
		for _, item := range raw {
			var cp types.Checkpoint
			if err := json.Unmarshal([]byte(item), &cp); err != nil {
				return nil, fmt.Errorf("failed to unmarshal checkpoint: %v", err)
			}
			out = append(out, cp)
		}
		return out, nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
