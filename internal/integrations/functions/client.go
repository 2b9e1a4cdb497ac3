package functions

import (
	"context"

	"github.com/SableFox/SafeBeacon/internal/broker/messages"
)

// RecordingSession — идентификаторы запущенной облачной записи стрима.
type RecordingSession struct {
	ResourceID string `json:"resource_id"`
	SID        string `json:"sid"`
}

// Client — внешние HTTPS-функции (запись стрима, push-рассылка, SMS-шлюз).
// Реализация снаружи, здесь только контракт.
type Client interface {
	StartRecording(ctx context.Context, deviceID, groupID string) (RecordingSession, error)
	StopRecording(ctx context.Context, deviceID string, s RecordingSession) error
	TriggerPush(ctx context.Context, ev messages.Event) error
	SendSMS(ctx context.Context, to, body string) error
}

// TokenSource выдаёт bearer-токен и умеет обновить протухший.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// StaticToken — фиксированный токен из конфига; Refresh возвращает его же.
type StaticToken string

func (t StaticToken) Token(ctx context.Context) (string, error)   { return string(t), nil }
func (t StaticToken) Refresh(ctx context.Context) (string, error) { return string(t), nil }
