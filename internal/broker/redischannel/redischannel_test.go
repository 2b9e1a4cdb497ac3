package redischannel

import (
	"context"
	"testing"
	"time"

	"github.com/SableFox/SafeBeacon/internal/broker/messages"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestChannel_PublishSubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	pub := New(mr.Addr())
	sub := New(mr.Addr())
	t.Cleanup(func() { _ = pub.Close(); _ = sub.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2500*time.Millisecond)
	defer cancel()

	events, err := sub.Subscribe(ctx, "fleet-7")
	require.NoError(t, err)

	want := messages.Event{
		Type:        messages.EventSOS,
		SOSID:       "sos-1",
		DeviceID:    "AB23CD45",
		DisplayName: "rook",
		GroupID:     "fleet-7",
		Timestamp:   time.Now().UTC(),
	}
	require.NoError(t, pub.Publish(context.Background(), "fleet-7", want))

	select {
	case got := <-events:
		require.Equal(t, messages.EventSOS, got.Type)
		require.Equal(t, "sos-1", got.SOSID)
		require.Equal(t, "AB23CD45", got.DeviceID)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestChannel_GroupsIsolated(t *testing.T) {
	mr := miniredis.RunT(t)
	pub := New(mr.Addr())
	sub := New(mr.Addr())
	t.Cleanup(func() { _ = pub.Close(); _ = sub.Close() })

	events, err := sub.Subscribe(context.Background(), "fleet-a")
	require.NoError(t, err)

	require.NoError(t, pub.Publish(context.Background(), "fleet-b", messages.Event{
		Type: messages.EventCheckIn, DeviceID: "X", GroupID: "fleet-b",
	}))

	select {
	case ev := <-events:
		t.Fatalf("unexpected cross-group event: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestChannel_BadPayloadSkipped(t *testing.T) {
	mr := miniredis.RunT(t)
	sub := New(mr.Addr())
	pub := New(mr.Addr())
	t.Cleanup(func() { _ = pub.Close(); _ = sub.Close() })

	events, err := sub.Subscribe(context.Background(), "fleet-7")
	require.NoError(t, err)

	// мусор не должен ронять подписку
	require.NoError(t, pub.c.Publish(context.Background(), "fleet.fleet-7", "not-json").Err())
	require.NoError(t, pub.Publish(context.Background(), "fleet-7", messages.Event{
		Type: messages.EventSOSCancel, DeviceID: "AB23CD45", GroupID: "fleet-7",
	}))

	select {
	case got := <-events:
		require.Equal(t, messages.EventSOSCancel, got.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered after bad payload")
	}
}
