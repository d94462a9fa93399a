package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"docsync/internal/utils"
)

// RedisPublisher publishes events as JSON on a pub/sub channel.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
}

func NewRedisPublisher(rdb *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev RoomEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s for %s: %w", ev.Type, ev.DocumentID, err)
	}
	return nil
}

// Subscribe consumes events from channel until ctx is cancelled, calling fn
// for each one. Undecodable messages are logged and skipped.
func Subscribe(ctx context.Context, rdb *redis.Client, channel string, log *utils.Logger, fn func(RoomEvent)) error {
	sub := rdb.Subscribe(ctx, channel)
	defer sub.Close()

	// Wait for the subscription to be confirmed so no event is missed.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	log.Info("subscribed to room events", "channel", channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev RoomEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Warn("failed to parse room event", "error", err)
				continue
			}
			fn(ev)
		}
	}
}
