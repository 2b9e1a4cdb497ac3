package wschannel

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/SableFox/SafeBeacon/internal/broker/messages"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Channel — fleet-канал поверх websocket-шлюза. Альтернативный транспорт
// для окружений, где redis недоступен устройству напрямую; выбирается
// конфигом (channel_mode: websocket).
type Channel struct {
	gatewayURL string

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func New(gatewayURL string) *Channel {
	return &Channel{gatewayURL: gatewayURL}
}

func (ch *Channel) dial(ctx context.Context, groupID string) (*websocket.Conn, error) {
	u, err := url.Parse(ch.gatewayURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse gateway url")
	}
	q := u.Query()
	q.Set("group", groupID)
	u.RawQuery = q.Encode()

	d := websocket.Dialer{HandshakeTimeout: 2500 * time.Millisecond}
	conn, _, err := d.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "dial gateway")
	}
	return conn, nil
}

func (ch *Channel) ensureConn(ctx context.Context, groupID string) (*websocket.Conn, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return nil, errors.New("channel closed")
	}
	if ch.conn != nil {
		return ch.conn, nil
	}
	conn, err := ch.dial(ctx, groupID)
	if err != nil {
		return nil, err
	}
	ch.conn = conn
	return conn, nil
}

// Subscribe подключается к шлюзу и качает события группы. При обрыве
// соединения переподключается с паузой; закрытие канала останавливает pump.
func (ch *Channel) Subscribe(ctx context.Context, groupID string) (<-chan messages.Event, error) {
	conn, err := ch.ensureConn(ctx, groupID)
	if err != nil {
		return nil, err
	}

	out := make(chan messages.Event, 16)
	go func() {
		defer close(out)
		for {
			var ev messages.Event
			if err := conn.ReadJSON(&ev); err != nil {
				ch.mu.Lock()
				closed := ch.closed
				ch.conn = nil
				ch.mu.Unlock()
				if closed {
					return
				}
				slog.Warn("fleet ws: read failed, reconnecting", "group_id", groupID, "error", err.Error())
				time.Sleep(time.Second)
				reconnCtx, cancel := context.WithTimeout(context.Background(), 2500*time.Millisecond)
				next, err := ch.ensureConn(reconnCtx, groupID)
				cancel()
				if err != nil {
					continue
				}
				conn = next
				continue
			}
			out <- ev
		}
	}()
	return out, nil
}

func (ch *Channel) Publish(ctx context.Context, groupID string, ev messages.Event) error {
	conn, err := ch.ensureConn(ctx, groupID)
	if err != nil {
		return err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
	}
	if err := conn.WriteJSON(ev); err != nil {
		ch.conn = nil
		return errors.Wrap(err, "ws publish")
	}
	return nil
}

func (ch *Channel) Close() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.closed = true
	if ch.conn != nil {
		err := ch.conn.Close()
		ch.conn = nil
		return err
	}
	return nil
}
