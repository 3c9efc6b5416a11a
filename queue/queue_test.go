package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refinerylabs/refinery/ledger"
	"github.com/refinerylabs/refinery/match"
	"github.com/refinerylabs/refinery/types"
)

// MockGenerator is a simple ID generator for testing.
type MockGenerator struct {
	mu sync.Mutex
	id uint64
}

func (g *MockGenerator) NextID() (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.id++
	return g.id, nil
}

type fixture struct {
	q   *QueueSet
	led *ledger.MemoryLedger
	now *time.Time
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	led := ledger.NewMemoryLedger()
	now := time.UnixMilli(1_700_000_000_000)
	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	q, err := NewQueueSet(&MockGenerator{}, led, opts...)
	require.NoError(t, err)
	return &fixture{q: q, led: led, now: &now}
}

func (f *fixture) registerActors(t *testing.T, actors ...types.Actor) {
	t.Helper()
	for _, a := range actors {
		require.NoError(t, f.q.RegisterActor(context.Background(), a))
	}
}

func writingItem(moleculeID uint64, stepID string, priority int) types.WorkItem {
	return types.WorkItem{
		MoleculeID: moleculeID,
		StepID:     stepID,
		Requires:   []string{"writing"},
		Priority:   priority,
	}
}

func TestEnqueue(t *testing.T) {
	ctx := context.Background()

	t.Run("fans out to every eligible queue", func(t *testing.T) {
		f := newFixture(t)
		f.registerActors(t,
			types.Actor{ID: "writer-1", Capabilities: []string{"writing"}},
			types.Actor{ID: "editor-1", Capabilities: []string{"writing", "editing"}},
			types.Actor{ID: "artist-1", Capabilities: []string{"art"}},
		)

		stored, err := f.q.Enqueue(ctx, writingItem(1, "draft", 0))
		require.NoError(t, err)
		assert.NotZero(t, stored.ID)
		assert.Equal(t, types.ItemQueued, stored.Status)
		assert.Equal(t, []string{"editor-1", "writer-1"}, stored.Eligible)

		assert.Equal(t, 1, f.q.Depth("writer-1"))
		assert.Equal(t, 1, f.q.Depth("editor-1"))
		assert.Equal(t, 0, f.q.Depth("artist-1"))
	})

	t.Run("unstaffed requirement is rejected", func(t *testing.T) {
		f := newFixture(t)
		f.registerActors(t, types.Actor{ID: "writer-1", Capabilities: []string{"writing"}})

		_, err := f.q.Enqueue(ctx, types.WorkItem{MoleculeID: 1, StepID: "x", Requires: []string{"translation"}})
		var unstaffed *match.Unstaffed
		assert.ErrorAs(t, err, &unstaffed)
		assert.Equal(t, []string{"translation"}, unstaffed.Requires)
	})

	t.Run("enqueue is ledgered", func(t *testing.T) {
		f := newFixture(t)
		f.registerActors(t, types.Actor{ID: "writer-1", Capabilities: []string{"writing"}})
		_, err := f.q.Enqueue(ctx, writingItem(9, "draft", 0))
		require.NoError(t, err)

		entries, err := f.led.Entries(ctx, 9)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, ledger.ActionItemEnqueued, entries[0].Action)
	})
}

func TestClaim(t *testing.T) {
	ctx := context.Background()

	t.Run("highest priority wins, FIFO within priority", func(t *testing.T) {
		f := newFixture(t)
		f.registerActors(t, types.Actor{ID: "writer-1", Capabilities: []string{"writing"}})

		low1, err := f.q.Enqueue(ctx, writingItem(1, "low-a", 0))
		require.NoError(t, err)
		high, err := f.q.Enqueue(ctx, writingItem(1, "high", 5))
		require.NoError(t, err)
		_, err = f.q.Enqueue(ctx, writingItem(1, "low-b", 0))
		require.NoError(t, err)

		first, err := f.q.Claim(ctx, "writer-1")
		require.NoError(t, err)
		assert.Equal(t, high.ID, first.ID)

		second, err := f.q.Claim(ctx, "writer-1")
		require.NoError(t, err)
		assert.Equal(t, low1.ID, second.ID)
	})

	t.Run("claim removes the item from every queue", func(t *testing.T) {
		f := newFixture(t)
		f.registerActors(t,
			types.Actor{ID: "writer-1", Capabilities: []string{"writing"}},
			types.Actor{ID: "editor-1", Capabilities: []string{"writing"}},
		)
		_, err := f.q.Enqueue(ctx, writingItem(1, "draft", 0))
		require.NoError(t, err)

		item, err := f.q.Claim(ctx, "writer-1")
		require.NoError(t, err)
		assert.Equal(t, types.ItemClaimed, item.Status)
		assert.Equal(t, "writer-1", item.ClaimedBy)
		assert.Equal(t, 1, item.Attempts)

		other, err := f.q.Claim(ctx, "editor-1")
		require.NoError(t, err)
		assert.Nil(t, other)
	})

	t.Run("empty queue returns nil without error", func(t *testing.T) {
		f := newFixture(t)
		f.registerActors(t, types.Actor{ID: "writer-1", Capabilities: []string{"writing"}})
		item, err := f.q.Claim(ctx, "writer-1")
		require.NoError(t, err)
		assert.Nil(t, item)
	})

	t.Run("unknown actor", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.q.Claim(ctx, "ghost")
		assert.ErrorIs(t, err, ErrActorNotFound)
	})

	t.Run("exactly one concurrent claimant wins", func(t *testing.T) {
		f := newFixture(t)
		const actors = 8
		ids := make([]string, actors)
		for i := range ids {
			ids[i] = string(rune('a' + i))
			f.registerActors(t, types.Actor{ID: ids[i], Capabilities: []string{"writing"}})
		}
		stored, err := f.q.Enqueue(ctx, writingItem(1, "draft", 0))
		require.NoError(t, err)

		var wg sync.WaitGroup
		winners := make(chan string, actors)
		for _, id := range ids {
			wg.Add(1)
			go func(actorID string) {
				defer wg.Done()
				item, err := f.q.Claim(ctx, actorID)
				assert.NoError(t, err)
				if item != nil {
					assert.Equal(t, stored.ID, item.ID)
					winners <- actorID
				}
			}(id)
		}
		wg.Wait()
		close(winners)

		var count int
		for range winners {
			count++
		}
		assert.Equal(t, 1, count)
	})
}

func TestBeginAndFinish(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*fixture, types.WorkItem) {
		f := newFixture(t)
		f.registerActors(t, types.Actor{ID: "writer-1", Capabilities: []string{"writing"}})
		_, err := f.q.Enqueue(ctx, writingItem(1, "draft", 0))
		require.NoError(t, err)
		item, err := f.q.Claim(ctx, "writer-1")
		require.NoError(t, err)
		return f, *item
	}

	t.Run("only the claimant may begin", func(t *testing.T) {
		f, item := setup(t)
		f.registerActors(t, types.Actor{ID: "editor-1", Capabilities: []string{"writing"}})

		assert.ErrorIs(t, f.q.Begin(ctx, item.ID, "editor-1"), ErrNotEligible)
		assert.NoError(t, f.q.Begin(ctx, item.ID, "writer-1"))

		got, err := f.q.Get(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, types.ItemInProgress, got.Status)
	})

	t.Run("complete is terminal", func(t *testing.T) {
		f, item := setup(t)
		require.NoError(t, f.q.Begin(ctx, item.ID, "writer-1"))
		require.NoError(t, f.q.Complete(ctx, item.ID, map[string]interface{}{"ok": true}))

		got, err := f.q.Get(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, types.ItemDone, got.Status)
		assert.ErrorIs(t, f.q.Complete(ctx, item.ID, nil), ErrItemTerminal)
		assert.ErrorIs(t, f.q.Fail(ctx, item.ID, "late"), ErrItemTerminal)
	})

	t.Run("fail retains the reason", func(t *testing.T) {
		f, item := setup(t)
		require.NoError(t, f.q.Fail(ctx, item.ID, "model refused"))

		got, err := f.q.Get(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, types.ItemFailed, got.Status)
		assert.Equal(t, "model refused", got.LastError)
	})

	t.Run("release re-fans-out to eligible queues", func(t *testing.T) {
		f, item := setup(t)
		require.NoError(t, f.q.Release(ctx, item.ID))

		got, err := f.q.Get(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, types.ItemQueued, got.Status)
		assert.Empty(t, got.ClaimedBy)
		assert.Equal(t, 1, f.q.Depth("writer-1"))

		again, err := f.q.Claim(ctx, "writer-1")
		require.NoError(t, err)
		assert.Equal(t, item.ID, again.ID)
		assert.Equal(t, 2, again.Attempts)
	})
}

func TestReassign(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.registerActors(t,
		types.Actor{ID: "writer-1", Capabilities: []string{"writing"}},
		types.Actor{ID: "editor-1", Capabilities: []string{"writing", "editing"}},
		types.Actor{ID: "artist-1", Capabilities: []string{"art"}},
	)
	stored, err := f.q.Enqueue(ctx, writingItem(1, "draft", 0))
	require.NoError(t, err)

	t.Run("capability mismatch is rejected", func(t *testing.T) {
		assert.ErrorIs(t, f.q.Reassign(ctx, stored.ID, "artist-1"), ErrNotEligible)
	})

	t.Run("reassigned item is exclusive to the target", func(t *testing.T) {
		require.NoError(t, f.q.Reassign(ctx, stored.ID, "editor-1"))
		assert.Equal(t, 0, f.q.Depth("writer-1"))
		assert.Equal(t, 1, f.q.Depth("editor-1"))

		item, err := f.q.Claim(ctx, "writer-1")
		require.NoError(t, err)
		assert.Nil(t, item)
	})

	t.Run("claimed items cannot be reassigned", func(t *testing.T) {
		item, err := f.q.Claim(ctx, "editor-1")
		require.NoError(t, err)
		assert.ErrorIs(t, f.q.Reassign(ctx, item.ID, "writer-1"), ErrNotQueued)
	})
}

func TestDropQueued(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.registerActors(t, types.Actor{ID: "writer-1", Capabilities: []string{"writing"}})

	queued, err := f.q.Enqueue(ctx, writingItem(1, "a", 0))
	require.NoError(t, err)
	_, err = f.q.Enqueue(ctx, writingItem(1, "b", 0))
	require.NoError(t, err)
	other, err := f.q.Enqueue(ctx, writingItem(2, "c", 0))
	require.NoError(t, err)

	claimed, err := f.q.Claim(ctx, "writer-1")
	require.NoError(t, err)
	require.Equal(t, queued.ID, claimed.ID)

	dropped, err := f.q.DropQueued(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, dropped, 1)

	// In-flight item is untouched, other molecules keep their queues.
	got, err := f.q.Get(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ItemClaimed, got.Status)
	got, err = f.q.Get(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ItemQueued, got.Status)
}

func TestReaper(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithClaimTTL(30*time.Second))
	f.registerActors(t,
		types.Actor{ID: "writer-1", Capabilities: []string{"writing"}},
		types.Actor{ID: "editor-1", Capabilities: []string{"writing"}},
	)
	stored, err := f.q.Enqueue(ctx, writingItem(1, "draft", 0))
	require.NoError(t, err)
	_, err = f.q.Claim(ctx, "writer-1")
	require.NoError(t, err)

	t.Run("live claims survive", func(t *testing.T) {
		released, err := f.q.Reap(ctx)
		require.NoError(t, err)
		assert.Empty(t, released)
	})

	t.Run("expired claim is released and reclaimable", func(t *testing.T) {
		*f.now = f.now.Add(31 * time.Second)
		require.NoError(t, f.q.Heartbeat(ctx, "editor-1"))

		released, err := f.q.Reap(ctx)
		require.NoError(t, err)
		assert.Equal(t, []uint64{stored.ID}, released)

		item, err := f.q.Claim(ctx, "editor-1")
		require.NoError(t, err)
		require.NotNil(t, item)
		assert.Equal(t, stored.ID, item.ID)
		assert.Equal(t, 2, item.Attempts)
	})

	t.Run("release and reclaim are both ledgered", func(t *testing.T) {
		entries, err := f.led.Entries(ctx, 1)
		require.NoError(t, err)

		var actions []string
		for _, e := range entries {
			actions = append(actions, e.Action)
		}
		assert.Contains(t, actions, ledger.ActionItemReleased)
		assert.Equal(t, ledger.ActionItemClaimed, actions[len(actions)-1])

		for _, e := range entries {
			if e.Action == ledger.ActionItemReleased {
				assert.Equal(t, ReaperActor, e.Actor)
			}
		}
		assert.NoError(t, ledger.Verify(entries))
	})
}

// refusingLedger fails every append, simulating an unwritable audit backend.
type refusingLedger struct {
	*ledger.MemoryLedger
}

func (l *refusingLedger) Append(ctx context.Context, entry types.LedgerEntry) (types.LedgerEntry, error) {
	return types.LedgerEntry{}, errors.New("append refused")
}

func TestAppendFailurePropagates(t *testing.T) {
	ctx := context.Background()
	led := &refusingLedger{MemoryLedger: ledger.NewMemoryLedger()}
	q, err := NewQueueSet(&MockGenerator{}, led)
	require.NoError(t, err)
	require.NoError(t, q.RegisterActor(ctx, types.Actor{ID: "writer-1", Capabilities: []string{"writing"}}))

	_, err = q.Enqueue(ctx, writingItem(1, "draft", 0))
	assert.ErrorContains(t, err, "append refused")
	assert.Equal(t, 0, q.Depth("writer-1"))
}
