package redischannel

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/SableFox/SafeBeacon/internal/broker"
	"github.com/SableFox/SafeBeacon/internal/broker/messages"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Channel — fleet-канал поверх redis pub/sub.
type Channel struct {
	c *redis.Client

	mu   sync.Mutex
	subs []*redis.PubSub
}

func New(addr string) *Channel {
	return &Channel{
		c: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

// Subscribe подтверждает подписку в пределах ctx (вызывающий даёт ~2.5s)
// и дальше качает события в выходной канал. Нечитаемые payload'ы
// пропускаются, подписка не рвётся.
func (ch *Channel) Subscribe(ctx context.Context, groupID string) (<-chan messages.Event, error) {
	sub := ch.c.Subscribe(ctx, broker.Topic(groupID))

	// Receive ждёт подтверждение подписки от redis
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, errors.Wrap(err, "confirm subscribe")
	}

	ch.mu.Lock()
	ch.subs = append(ch.subs, sub)
	ch.mu.Unlock()

	out := make(chan messages.Event, 16)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var ev messages.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				slog.Warn("fleet channel: bad payload", "group_id", groupID, "error", err.Error())
				continue
			}
			out <- ev
		}
	}()
	return out, nil
}

func (ch *Channel) Publish(ctx context.Context, groupID string, ev messages.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	if err := ch.c.Publish(ctx, broker.Topic(groupID), b).Err(); err != nil {
		return errors.Wrap(err, "redis publish")
	}
	return nil
}

func (ch *Channel) Close() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for _, sub := range ch.subs {
		_ = sub.Close()
	}
	ch.subs = nil
	return ch.c.Close()
}
