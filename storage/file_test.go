package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/refinerylabs/refinery/types"
)

func TestFileStorage(t *testing.T) {
	ctx := context.Background()

	newStore := func(t *testing.T) (*FileStorage, string) {
		t.Helper()
		dir := t.TempDir()
		store, err := NewFileStorage(dir)
		assert.NoError(t, err)
		return store, dir
	}

	t.Run("MoleculeRoundTripAcrossReopen", func(t *testing.T) {
		store, dir := newStore(t)
		m := newMolecule(1, types.MoleculeActive)
		assert.NoError(t, store.SaveMolecule(ctx, m))

		reopened, err := NewFileStorage(dir)
		assert.NoError(t, err)
		got, err := reopened.GetMolecule(ctx, 1)
		assert.NoError(t, err)
		assert.Equal(t, m, got)
	})

	t.Run("DocumentsAreYAML", func(t *testing.T) {
		store, dir := newStore(t)
		assert.NoError(t, store.SaveMolecule(ctx, newMolecule(5, types.MoleculeDraft)))

		data, err := os.ReadFile(filepath.Join(dir, "molecules", "5.yaml"))
		assert.NoError(t, err)
		assert.Contains(t, string(data), "name: article-pipeline")
	})

	t.Run("ArchiveMovesDocument", func(t *testing.T) {
		store, dir := newStore(t)
		assert.NoError(t, store.SaveMolecule(ctx, newMolecule(1, types.MoleculeCompleted)))
		assert.NoError(t, store.ArchiveMolecule(ctx, 1))

		_, err := store.GetMolecule(ctx, 1)
		assert.ErrorIs(t, err, ErrMoleculeNotFound)
		_, err = os.Stat(filepath.Join(dir, "archive", "1.yaml"))
		assert.NoError(t, err)
	})

	t.Run("ArchiveRejectsNonTerminal", func(t *testing.T) {
		store, _ := newStore(t)
		assert.NoError(t, store.SaveMolecule(ctx, newMolecule(1, types.MoleculeActive)))
		assert.ErrorIs(t, store.ArchiveMolecule(ctx, 1), ErrNotTerminal)
	})

	t.Run("GateAndActorDocuments", func(t *testing.T) {
		store, _ := newStore(t)
		g := types.Gate{ID: "review", MoleculeID: 1, StepID: "draft", Mode: types.GatePolicyAuto, Predicate: "score > 0.5"}
		a := types.Actor{ID: "writer-1", Capabilities: []string{"writing"}}
		assert.NoError(t, store.SaveGate(ctx, g))
		assert.NoError(t, store.SaveActor(ctx, a))

		gotGate, err := store.GetGate(ctx, "review")
		assert.NoError(t, err)
		assert.Equal(t, g, gotGate)
		gotActor, err := store.GetActor(ctx, "writer-1")
		assert.NoError(t, err)
		assert.Equal(t, a, gotActor)

		gates, err := store.ListGates(ctx)
		assert.NoError(t, err)
		assert.Len(t, gates, 1)
	})

	t.Run("CheckpointHistoryOrdered", func(t *testing.T) {
		store, dir := newStore(t)
		for i, name := range []string{"activated", "step-draft-done", "completed"} {
			assert.NoError(t, store.SaveCheckpoint(ctx, newCheckpoint(9, name, int64(100*(i+1)))))
		}

		latest, err := store.LatestCheckpoint(ctx, 9)
		assert.NoError(t, err)
		assert.Equal(t, "completed", latest.Name)

		history, err := store.Checkpoints(ctx, 9)
		assert.NoError(t, err)
		assert.Len(t, history, 3)
		assert.Equal(t, "activated", history[0].Name)

		reopened, err := NewFileStorage(dir)
		assert.NoError(t, err)
		latest, err = reopened.LatestCheckpoint(ctx, 9)
		assert.NoError(t, err)
		assert.Equal(t, "completed", latest.Name)
	})

	t.Run("LatestCheckpointMissing", func(t *testing.T) {
		store, _ := newStore(t)
		_, err := store.LatestCheckpoint(ctx, 404)
		assert.ErrorIs(t, err, ErrCheckpointNotFound)
	})
}
