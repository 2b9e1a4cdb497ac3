package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/SableFox/SafeBeacon/internal/broker/messages"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	r messageReader
}

func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	cfg := kafka.ReaderConfig{
		Brokers:           brokers,
		GroupID:           groupID,
		HeartbeatInterval: 3 * time.Second,
		SessionTimeout:    30 * time.Second,
	}
	if groupID != "" {
		cfg.GroupTopics = []string{topic}
	} else {
		cfg.Topic = topic
	}
	return &Consumer{
		r: kafka.NewReader(cfg),
	}
}

func newConsumerWithReader(r messageReader) *Consumer {
	return &Consumer{r: r}
}

func (c *Consumer) Close() error {
	return c.r.Close()
}

// ConsumeTrackingChanged читает фид изменений трекинга и зовёт handler на
// каждое событие. Коммит только после успешной обработки — событие из
// резервного фида терять нельзя.
func (c *Consumer) ConsumeTrackingChanged(ctx context.Context, handler func(messages.TrackingChanged) error) error {
	for {
		msg, err := c.r.FetchMessage(ctx)
		if err != nil {
			return errors.Wrap(err, "fetch message")
		}
		var m messages.TrackingChanged
		if err := json.Unmarshal(msg.Value, &m); err != nil {
			return errors.Wrap(err, "decode tracking changed")
		}
		if err := handler(m); err != nil {
			return err
		}
		if err := c.r.CommitMessages(ctx, msg); err != nil {
			return errors.Wrap(err, "commit message")
		}
	}
}
