// Package events fans out durably-persisted audit events to in-process
// subscribers (dashboard/SSE use case). Every event is written through
// store.LogEvent first; the Broker only rebroadcasts the same record to
// whoever is currently listening, it is not the system of record.
package events

import (
	"sync"

	"github.com/cuemby/dsr/internal/store"
	"github.com/cuemby/dsr/internal/types"
)

// Subscriber is a channel that receives broadcast events.
type Subscriber chan *types.Event

// Broker persists events through a Store and rebroadcasts them to
// subscribers. Subscribers that fall behind drop events rather than
// block publishers.
type Broker struct {
	store store.Store

	mu          sync.RWMutex
	subscribers map[Subscriber]bool
}

// NewBroker builds a Broker backed by st.
func NewBroker(st store.Store) *Broker {
	return &Broker{
		store:       st,
		subscribers: make(map[Subscriber]bool),
	}
}

// Subscribe registers a new listener with a small buffer; slow
// listeners lose events rather than stalling Publish.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish durably logs the event via the store, then best-effort
// broadcasts it to current subscribers.
func (b *Broker) Publish(level types.EventLevel, message, service, version string) error {
	if err := b.store.LogEvent(level, message, service, version); err != nil {
		return err
	}

	ev := &types.Event{Level: level, Message: message, Service: service, Version: version}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		select {
		case sub <- ev:
		default:
		}
	}
	return nil
}

// Latest returns the most recent events from the store, newest first.
func (b *Broker) Latest(limit int) ([]*types.Event, error) {
	return b.store.LatestEvents(limit)
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
