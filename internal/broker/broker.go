package broker

import (
	"context"

	"github.com/SableFox/SafeBeacon/internal/broker/messages"
)

// FleetChannel — realtime-канал группы. Subscribe обязан подтвердить
// подписку в пределах контекстного бюджета вызывающего (~2.5s), иначе
// вернуть ошибку: пользовательский переход никогда не ждёт канал.
type FleetChannel interface {
	Subscribe(ctx context.Context, groupID string) (<-chan messages.Event, error)
	Publish(ctx context.Context, groupID string, ev messages.Event) error
	Close() error
}

// Topic — имя канала группы, общее для всех транспортов.
func Topic(groupID string) string {
	return "fleet." + groupID
}
