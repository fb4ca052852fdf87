package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/rl1809/stockflow/internal/core/domain"
	"github.com/rl1809/stockflow/internal/port"
)

const DefaultChannel = "stockflow:events"

// RedisPubSub carries stock events from worker processes to the API
// processes that hold observer connections. Like the observers themselves it
// is fire-and-forget: an API process that is not subscribed misses events.
type RedisPubSub struct {
	client  *redis.Client
	channel string
	logger  zerolog.Logger
}

func NewRedisPubSub(client *redis.Client, channel string, logger zerolog.Logger) *RedisPubSub {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPubSub{
		client:  client,
		channel: channel,
		logger:  logger.With().Str("component", "redis_pubsub").Logger(),
	}
}

func (p *RedisPubSub) Publish(ctx context.Context, event domain.StockEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Forward relays every event received on the channel to sink until ctx is done.
// ready is closed once the subscription is confirmed; it may be nil.
func (p *RedisPubSub) Forward(ctx context.Context, sink port.EventPublisher, ready chan<- struct{}) error {
	sub := p.client.Subscribe(ctx, p.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", p.channel, err)
	}
	if ready != nil {
		close(ready)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event domain.StockEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				p.logger.Warn().Err(err).Msg("dropping undecodable event")
				continue
			}
			if err := sink.Publish(ctx, event); err != nil {
				p.logger.Debug().Err(err).Msg("local fan-out failed")
			}
		}
	}
}
