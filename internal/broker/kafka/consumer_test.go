package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/SableFox/SafeBeacon/internal/broker/messages"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	msgs      []kafka.Message
	err       error
	i         int
	committed int
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if r.i < len(r.msgs) {
		m := r.msgs[r.i]
		r.i++
		return m, nil
	}
	if r.err != nil {
		return kafka.Message{}, r.err
	}
	return kafka.Message{}, errors.New("eof")
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.committed += len(msgs)
	return nil
}

func (r *fakeReader) Close() error { return nil }

func encodeChanged(t *testing.T, m messages.TrackingChanged) []byte {
	t.Helper()
	b, err := json.Marshal(m)
	require.NoError(t, err)
	return b
}

func TestConsumer_CallsHandlerAndCommits(t *testing.T) {
	fr := &fakeReader{
		msgs: []kafka.Message{{
			Key:   []byte("AB23CD45"),
			Value: encodeChanged(t, messages.TrackingChanged{DeviceID: "AB23CD45", GroupID: "fleet-7", Status: "SOS"}),
		}},
		err: errors.New("stop"),
	}
	c := newConsumerWithReader(fr)

	var got messages.TrackingChanged
	err := c.ConsumeTrackingChanged(context.Background(), func(m messages.TrackingChanged) error {
		got = m
		return nil
	})
	require.Error(t, err) // остановился на "stop"
	require.Equal(t, "AB23CD45", got.DeviceID)
	require.Equal(t, "SOS", got.Status)
	require.Equal(t, 1, fr.committed)
}

func TestConsumer_HandlerErrorStopsWithoutCommit(t *testing.T) {
	fr := &fakeReader{msgs: []kafka.Message{{
		Value: encodeChanged(t, messages.TrackingChanged{DeviceID: "X"}),
	}}}
	c := newConsumerWithReader(fr)

	want := errors.New("handler failed")
	err := c.ConsumeTrackingChanged(context.Background(), func(messages.TrackingChanged) error { return want })
	require.ErrorIs(t, err, want)
	require.Equal(t, 0, fr.committed)
}

func TestNewConsumer_Close(t *testing.T) {
	c := NewConsumer([]string{"localhost:0"}, "t", "g")
	require.NotNil(t, c)
	require.NoError(t, c.Close())
}
