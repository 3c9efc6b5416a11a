package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/refinerylabs/refinery/types"
)

// MemoryStorage is an in-memory implementation of the Storage interface.
type MemoryStorage struct {
	molecules   map[uint64]types.Molecule
	archived    map[uint64]types.Molecule
	gates       map[string]types.Gate
	actors      map[string]types.Actor
	checkpoints map[uint64][]types.Checkpoint
	mu          sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		molecules:   make(map[uint64]types.Molecule),
		archived:    make(map[uint64]types.Molecule),
		gates:       make(map[string]types.Gate),
		actors:      make(map[string]types.Actor),
		checkpoints: make(map[uint64][]types.Checkpoint),
	}
}

// getItem is a standalone generic helper function.
func getItem[K comparable, T any](ctx context.Context, mu *sync.RWMutex, m map[K]T, id K, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%v", errNotFound, id)
		}
		return item, nil
	})
}

// putItem is the matching generic setter.
func putItem[K comparable, T any](ctx context.Context, mu *sync.RWMutex, m map[K]T, id K, item T) error {
	return withContextError(ctx, func() error {
		mu.Lock()
		defer mu.Unlock()
		m[id] = item
		return nil
	})
}

// SaveMolecule saves a molecule snapshot to memory.
func (s *MemoryStorage) SaveMolecule(ctx context.Context, m types.Molecule) error {
	return putItem(ctx, &s.mu, s.molecules, m.ID, m)
}

// GetMolecule retrieves an active molecule from memory.
func (s *MemoryStorage) GetMolecule(ctx context.Context, id uint64) (types.Molecule, error) {
	return getItem(ctx, &s.mu, s.molecules, id, ErrMoleculeNotFound)
}

// ListMolecules returns active molecules ordered by ID.
func (s *MemoryStorage) ListMolecules(ctx context.Context) ([]types.Molecule, error) {
	return withContext(ctx, func() ([]types.Molecule, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.Molecule, 0, len(s.molecules))
		for _, m := range s.molecules {
			out = append(out, m)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// ArchiveMolecule moves a terminal molecule out of the active set.
func (s *MemoryStorage) ArchiveMolecule(ctx context.Context, id uint64) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		m, ok := s.molecules[id]
		if !ok {
			return fmt.Errorf("%w: id=%d", ErrMoleculeNotFound, id)
		}
		if !m.Terminal() {
			return fmt.Errorf("%w: id=%d status=%s", ErrNotTerminal, id, m.Status)
		}
		s.archived[id] = m
		delete(s.molecules, id)
		return nil
	})
}

// SaveGate saves a gate snapshot to memory.
func (s *MemoryStorage) SaveGate(ctx context.Context, g types.Gate) error {
	return putItem(ctx, &s.mu, s.gates, g.ID, g)
}

// GetGate retrieves a gate from memory.
func (s *MemoryStorage) GetGate(ctx context.Context, id string) (types.Gate, error) {
	return getItem(ctx, &s.mu, s.gates, id, ErrGateNotFound)
}

// ListGates returns all gates ordered by ID.
func (s *MemoryStorage) ListGates(ctx context.Context) ([]types.Gate, error) {
	return withContext(ctx, func() ([]types.Gate, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.Gate, 0, len(s.gates))
		for _, g := range s.gates {
			out = append(out, g)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// SaveActor saves an actor snapshot to memory.
func (s *MemoryStorage) SaveActor(ctx context.Context, a types.Actor) error {
	return putItem(ctx, &s.mu, s.actors, a.ID, a)
}

// GetActor retrieves an actor from memory.
func (s *MemoryStorage) GetActor(ctx context.Context, id string) (types.Actor, error) {
	return getItem(ctx, &s.mu, s.actors, id, ErrActorNotFound)
}

// ListActors returns all actors ordered by ID.
func (s *MemoryStorage) ListActors(ctx context.Context) ([]types.Actor, error) {
	return withContext(ctx, func() ([]types.Actor, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.Actor, 0, len(s.actors))
		for _, a := range s.actors {
			out = append(out, a)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// SaveCheckpoint appends a checkpoint to a molecule's history.
func (s *MemoryStorage) SaveCheckpoint(ctx context.Context, cp types.Checkpoint) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.checkpoints[cp.MoleculeID] = append(s.checkpoints[cp.MoleculeID], cp)
		return nil
	})
}

// LatestCheckpoint returns the most recent checkpoint for a molecule.
func (s *MemoryStorage) LatestCheckpoint(ctx context.Context, moleculeID uint64) (types.Checkpoint, error) {
	return withContext(ctx, func() (types.Checkpoint, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		history := s.checkpoints[moleculeID]
		if len(history) == 0 {
			return types.Checkpoint{}, fmt.Errorf("%w: molecule=%d", ErrCheckpointNotFound, moleculeID)
		}
		return history[len(history)-1], nil
	})
}

// Checkpoints returns a molecule's checkpoint history in order.
func (s *MemoryStorage) Checkpoints(ctx context.Context, moleculeID uint64) ([]types.Checkpoint, error) {
	return withContext(ctx, func() ([]types.Checkpoint, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		history := s.checkpoints[moleculeID]
		out := make([]types.Checkpoint, len(history))
		copy(out, history)
		return out, nil
	})
}
