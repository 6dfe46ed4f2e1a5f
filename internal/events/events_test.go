package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/dsr/internal/store"
	"github.com/cuemby/dsr/internal/types"
)

func TestPublish_PersistsAndBroadcastsToSubscribers(t *testing.T) {
	st := store.NewMemStore()
	b := NewBroker(st)
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	require.NoError(t, b.Publish(types.EventInfo, "scaled to 3", "web", "v1"))

	select {
	case ev := <-sub:
		assert.Equal(t, "scaled to 3", ev.Message)
		assert.Equal(t, "web", ev.Service)
	case <-time.After(time.Second):
		t.Fatal("expected broadcast event, got none")
	}

	latest, err := b.Latest(10)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, "scaled to 3", latest[0].Message)
}

func TestPublish_SlowSubscriberDropsRatherThanBlocks(t *testing.T) {
	st := store.NewMemStore()
	b := NewBroker(st)
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	for i := 0; i < 100; i++ {
		require.NoError(t, b.Publish(types.EventInfo, "event", "web", "v1"))
	}

	// Publish must never block even though the subscriber never drains;
	// reaching this line is the assertion.
	assert.Equal(t, 1, b.SubscriberCount())
}

func TestUnsubscribe_ClosesChannelAndRemovesListener(t *testing.T) {
	st := store.NewMemStore()
	b := NewBroker(st)
	sub := b.Subscribe()
	assert.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)
}
