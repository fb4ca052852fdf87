package service

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/rl1809/stockflow/internal/core/domain"
)

// Observer receives events for the topics it subscribed to. Deliver must not
// block for long; slow observers should drop.
type Observer interface {
	Deliver(event domain.StockEvent) error
}

// Broadcaster is the in-process topic registry. Delivery is at-most-once and
// unpersisted: an observer that is not subscribed at publish time misses the event.
type Broadcaster struct {
	mu     sync.RWMutex
	topics map[domain.StockKey]map[Observer]struct{}
	logger zerolog.Logger
}

func NewBroadcaster(logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		topics: make(map[domain.StockKey]map[Observer]struct{}),
		logger: logger.With().Str("component", "broadcaster").Logger(),
	}
}

func (b *Broadcaster) Subscribe(obs Observer, key domain.StockKey) {
	b.mu.Lock()
	defer b.mu.Unlock()

	observers, ok := b.topics[key]
	if !ok {
		observers = make(map[Observer]struct{})
		b.topics[key] = observers
	}
	observers[obs] = struct{}{}
}

func (b *Broadcaster) Unsubscribe(obs Observer, key domain.StockKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(obs, key)
}

// UnsubscribeAll drops obs from every topic, typically on disconnect.
func (b *Broadcaster) UnsubscribeAll(obs Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key := range b.topics {
		b.removeLocked(obs, key)
	}
}

func (b *Broadcaster) removeLocked(obs Observer, key domain.StockKey) {
	observers, ok := b.topics[key]
	if !ok {
		return
	}
	delete(observers, obs)
	if len(observers) == 0 {
		delete(b.topics, key)
	}
}

// Subscribers reports how many observers a topic has.
func (b *Broadcaster) Subscribers(key domain.StockKey) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[key])
}

// Publish delivers event to every observer of its topic. Delivery failures are
// logged and never returned.
func (b *Broadcaster) Publish(_ context.Context, event domain.StockEvent) error {
	key := event.Key()

	b.mu.RLock()
	observers := make([]Observer, 0, len(b.topics[key]))
	for obs := range b.topics[key] {
		observers = append(observers, obs)
	}
	b.mu.RUnlock()

	for _, obs := range observers {
		if err := obs.Deliver(event); err != nil {
			b.logger.Debug().Err(err).Str("topic", key.String()).Msg("observer delivery failed")
		}
	}
	return nil
}
