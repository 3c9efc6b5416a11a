package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/refinerylabs/refinery/types"
)

// Requires a local Redis; skipped when none is reachable.
func TestRedisStorage(t *testing.T) {
	opts := RedisOptions{
		Addr:         "localhost:6379",
		DB:           1,
		PoolSize:     10,
		MinIdleConns: 2,
		IdleTimeout:  5 * time.Minute,
	}
	store, err := NewRedisStorage(opts)
	if err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	store.Client().FlushDB(ctx)

	t.Run("SaveAndGetMolecule", func(t *testing.T) {
		m := newMolecule(1, types.MoleculeActive)
		assert.NoError(t, store.SaveMolecule(ctx, m))

		got, err := store.GetMolecule(ctx, 1)
		assert.NoError(t, err)
		assert.Equal(t, m.Name, got.Name)
		assert.Equal(t, m.Status, got.Status)

		_, err = store.GetMolecule(ctx, 404)
		assert.ErrorIs(t, err, ErrMoleculeNotFound)
	})

	t.Run("ArchiveMolecule", func(t *testing.T) {
		assert.NoError(t, store.SaveMolecule(ctx, newMolecule(2, types.MoleculeCompleted)))
		assert.NoError(t, store.ArchiveMolecule(ctx, 2))
		_, err := store.GetMolecule(ctx, 2)
		assert.ErrorIs(t, err, ErrMoleculeNotFound)
	})

	t.Run("GateAndActor", func(t *testing.T) {
		g := types.Gate{ID: "review", MoleculeID: 1, StepID: "draft", Mode: types.GateAsyncManual}
		assert.NoError(t, store.SaveGate(ctx, g))
		got, err := store.GetGate(ctx, "review")
		assert.NoError(t, err)
		assert.Equal(t, g.Mode, got.Mode)

		a := types.Actor{ID: "writer-1", Capabilities: []string{"writing"}}
		assert.NoError(t, store.SaveActor(ctx, a))
		actors, err := store.ListActors(ctx)
		assert.NoError(t, err)
		assert.NotEmpty(t, actors)
	})

	t.Run("Checkpoints", func(t *testing.T) {
		assert.NoError(t, store.SaveCheckpoint(ctx, newCheckpoint(3, "activated", 100)))
		assert.NoError(t, store.SaveCheckpoint(ctx, newCheckpoint(3, "completed", 200)))

		latest, err := store.LatestCheckpoint(ctx, 3)
		assert.NoError(t, err)
		assert.Equal(t, "completed", latest.Name)

		history, err := store.Checkpoints(ctx, 3)
		assert.NoError(t, err)
		assert.Len(t, history, 2)
	})

	t.Run("ConnectionFailure", func(t *testing.T) {
		bad := opts
		bad.Addr = "invalid:6379"
		_, err := NewRedisStorage(bad)
		assert.Error(t, err)
	})
}
