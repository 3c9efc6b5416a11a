package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEventBus(t *testing.T) {
	ctx := context.Background()

	newEvent := func(typ string) Event {
		return Event{
			Type:       typ,
			Entity:     "step",
			EntityID:   "draft",
			MoleculeID: 7,
			Data:       map[string]interface{}{"status": "done"},
		}
	}

	t.Run("Publish delivers to subscriber", func(t *testing.T) {
		bus := NewEventBus()
		defer bus.Stop()

		received := make(chan Event, 1)
		bus.SubscribeFunc("step_changed", func(ctx context.Context, event Event) error {
			received <- event
			return nil
		})

		err := bus.Publish(ctx, newEvent("step_changed"))
		assert.NoError(t, err)

		select {
		case got := <-received:
			assert.Equal(t, "draft", got.EntityID)
			assert.Equal(t, uint64(7), got.MoleculeID)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	})

	t.Run("Publish without subscribers", func(t *testing.T) {
		bus := NewEventBus()
		defer bus.Stop()

		err := bus.Publish(ctx, newEvent("nobody_listens"))
		assert.ErrorIs(t, err, ErrNoHandler)
	})

	t.Run("Publish on full channel", func(t *testing.T) {
		bus := NewEventBus(WithBufferSize(1))
		defer bus.Stop()

		block := make(chan struct{})
		bus.SubscribeFunc("slow", func(ctx context.Context, event Event) error {
			<-block
			return nil
		})

		// First event occupies the handler, following ones fill the buffer.
		assert.NoError(t, bus.Publish(ctx, newEvent("slow")))
		var full bool
		for i := 0; i < 10; i++ {
			if err := bus.Publish(ctx, newEvent("slow")); errors.Is(err, ErrChannelFull) {
				full = true
				break
			}
		}
		close(block)
		assert.True(t, full)
	})

	t.Run("PublishSync collects handler errors", func(t *testing.T) {
		bus := NewEventBus()
		defer bus.Stop()

		boom := errors.New("handler failed")
		bus.SubscribeFunc("sync", func(ctx context.Context, event Event) error { return nil })
		bus.SubscribeFunc("sync", func(ctx context.Context, event Event) error { return boom })

		errs := bus.PublishSync(ctx, newEvent("sync"))
		assert.Len(t, errs, 1)
		assert.ErrorIs(t, errs[0], boom)
	})

	t.Run("error handler sees async failures", func(t *testing.T) {
		var mu sync.Mutex
		var seen []error
		bus := NewEventBus(WithErrorHandler(func(event Event, err error) {
			mu.Lock()
			seen = append(seen, err)
			mu.Unlock()
		}))
		defer bus.Stop()

		bus.SubscribeFunc("failing", func(ctx context.Context, event Event) error {
			return errors.New("nope")
		})
		assert.NoError(t, bus.Publish(ctx, newEvent("failing")))

		assert.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(seen) == 1
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("Stop rejects further publishes", func(t *testing.T) {
		bus := NewEventBus()
		bus.SubscribeFunc("x", func(ctx context.Context, event Event) error { return nil })
		bus.Stop()

		err := bus.Publish(ctx, newEvent("x"))
		assert.ErrorIs(t, err, ErrBusClosed)
		assert.ErrorContains(t, bus.PublishSync(ctx, newEvent("x"))[0], "closed")
	})

	t.Run("HasSubscribers", func(t *testing.T) {
		bus := NewEventBus()
		defer bus.Stop()

		assert.False(t, bus.HasSubscribers("gate_changed"))
		bus.SubscribeFunc("gate_changed", func(ctx context.Context, event Event) error { return nil })
		assert.True(t, bus.HasSubscribers("gate_changed"))
	})
}
