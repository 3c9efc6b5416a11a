package storage

import (
	"context"
	"errors"

	"github.com/refinerylabs/refinery/types"
)

// Errors
var (
	ErrMoleculeNotFound   = errors.New("molecule not found")
	ErrGateNotFound       = errors.New("gate not found")
	ErrActorNotFound      = errors.New("actor not found")
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrNotTerminal        = errors.New("molecule is not terminal")
)

// Storage persists snapshots of molecules, gates, actors and checkpoints.
// The ledger is stored separately; snapshots exist for fast reads and
// checkpoint recovery.
type Storage interface {
	// SaveMolecule saves a molecule snapshot.
	SaveMolecule(ctx context.Context, m types.Molecule) error

	// GetMolecule retrieves a molecule from the active set by ID.
	GetMolecule(ctx context.Context, id uint64) (types.Molecule, error)

	// ListMolecules returns the active (non-archived) molecules.
	ListMolecules(ctx context.Context) ([]types.Molecule, error)

	// ArchiveMolecule moves a terminal molecule out of the active set. The
	// molecule remains in the ledger.
	ArchiveMolecule(ctx context.Context, id uint64) error

	// SaveGate saves a gate snapshot.
	SaveGate(ctx context.Context, g types.Gate) error

	// GetGate retrieves a gate by ID.
	GetGate(ctx context.Context, id string) (types.Gate, error)

	// ListGates returns all known gates.
	ListGates(ctx context.Context) ([]types.Gate, error)

	// SaveActor saves an actor snapshot.
	SaveActor(ctx context.Context, a types.Actor) error

	// GetActor retrieves an actor by ID.
	GetActor(ctx context.Context, id string) (types.Actor, error)

	// ListActors returns all known actors.
	ListActors(ctx context.Context) ([]types.Actor, error)

	// SaveCheckpoint appends a checkpoint to a molecule's history.
	SaveCheckpoint(ctx context.Context, cp types.Checkpoint) error

	// LatestCheckpoint returns the most recent checkpoint for a molecule.
	LatestCheckpoint(ctx context.Context, moleculeID uint64) (types.Checkpoint, error)

	// Checkpoints returns a molecule's checkpoint history in order.
	Checkpoints(ctx context.Context, moleculeID uint64) ([]types.Checkpoint, error)
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only
// return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}
