package wschannel

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"context"

	"github.com/SableFox/SafeBeacon/internal/broker/messages"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// крошечный шлюз для теста: пересылает сообщение всем подключениям группы
type testGateway struct {
	mu    sync.Mutex
	conns map[string][]*websocket.Conn
}

func newTestGateway() *testGateway {
	return &testGateway{conns: map[string][]*websocket.Conn{}}
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func (g *testGateway) handler(w http.ResponseWriter, r *http.Request) {
	group := r.URL.Query().Get("group")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	g.mu.Lock()
	g.conns[group] = append(g.conns[group], conn)
	g.mu.Unlock()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		g.mu.Lock()
		for _, c := range g.conns[group] {
			_ = c.WriteMessage(websocket.TextMessage, msg)
		}
		g.mu.Unlock()
	}
}

func TestChannel_PublishSubscribe(t *testing.T) {
	gw := newTestGateway()
	srv := httptest.NewServer(http.HandlerFunc(gw.handler))
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	sub := New(wsURL)
	pub := New(wsURL)
	t.Cleanup(func() { _ = sub.Close(); _ = pub.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2500*time.Millisecond)
	defer cancel()
	events, err := sub.Subscribe(ctx, "fleet-7")
	require.NoError(t, err)

	require.NoError(t, pub.Publish(context.Background(), "fleet-7", messages.Event{
		Type: messages.EventSOS, SOSID: "sos-9", DeviceID: "AB23CD45", GroupID: "fleet-7",
	}))

	select {
	case got := <-events:
		require.Equal(t, messages.EventSOS, got.Type)
		require.Equal(t, "sos-9", got.SOSID)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestChannel_SubscribeFailsFastWhenGatewayDown(t *testing.T) {
	ch := New("ws://127.0.0.1:1") // никто не слушает
	t.Cleanup(func() { _ = ch.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2500*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := ch.Subscribe(ctx, "fleet-7")
	require.Error(t, err)
	require.Less(t, time.Since(start), 3*time.Second)
}
