package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Channel is the Redis pub/sub channel for match events.
const Channel = "match_events"

type Redis struct {
	rdb *redis.Client
	log *zap.SugaredLogger
}

func NewRedis(rdb *redis.Client, log *zap.SugaredLogger) *Redis {
	return &Redis{rdb: rdb, log: log.Named("events.redis")}
}

func (r *Redis) Publish(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := r.rdb.Publish(ctx, Channel, b).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, fn func(Event)) error {
	pubsub := r.rdb.Subscribe(ctx, Channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", Channel, err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		r.log.Infow("subscriber started", "channel", Channel)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					r.log.Warnw("invalid event payload", "error", err)
					continue
				}
				fn(ev)
			}
		}
	}()
	return nil
}

func (r *Redis) Close() error { return nil }
