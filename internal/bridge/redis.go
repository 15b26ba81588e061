package bridge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBus bridges broadcasts over a redis stream with a consumer group per
// fleet. Each server process consumes under its own consumer name.
type RedisBus struct {
	cli    *redis.Client
	stream string
	group  string
}

func NewRedisBus(addr string, db int, stream, group string) *RedisBus {
	cli := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	return &RedisBus{cli: cli, stream: stream, group: group}
}

// EnsureGroup creates the stream and consumer group if they do not exist.
func (b *RedisBus) EnsureGroup(ctx context.Context) error {
	_ = b.cli.XGroupCreateMkStream(ctx, b.stream, b.group, "$").Err()
	return nil
}

func (b *RedisBus) Publish(ctx context.Context, ev *Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.cli.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		Values: map[string]any{"data": payload},
	}).Err()
}

func (b *RedisBus) Consume(ctx context.Context, consumer string, handler Handler) error {
	for {
		res, err := b.cli.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.group,
			Consumer: consumer,
			Streams:  []string{b.stream, ">"},
			Count:    100,
			Block:    5 * time.Second,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// transient errors: continue
			continue
		}
		for _, str := range res {
			for _, xmsg := range str.Messages {
				raw, _ := xmsg.Values["data"].(string)
				var ev Event
				if err := json.Unmarshal([]byte(raw), &ev); err == nil {
					_ = handler(ctx, &ev)
				}
				_ = b.cli.XAck(ctx, b.stream, b.group, xmsg.ID).Err()
			}
		}
	}
}

func (b *RedisBus) Close() error {
	return b.cli.Close()
}
