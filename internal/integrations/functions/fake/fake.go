package fake

import (
	"context"
	"sync"

	"github.com/SableFox/SafeBeacon/internal/broker/messages"
	"github.com/SableFox/SafeBeacon/internal/integrations/functions"
)

// Client — фейковая реализация клиента функций для тестов и локального запуска.
type Client struct {
	mu sync.Mutex

	StartErr error
	StopErr  error
	PushErr  error
	SMSErr   error

	Session functions.RecordingSession

	StartCalls []string
	StopCalls  []functions.RecordingSession
	Pushed     []messages.Event
	SMSSent    []string
}

func New() *Client {
	return &Client{
		Session: functions.RecordingSession{ResourceID: "fake-resource", SID: "fake-sid"},
	}
}

func (c *Client) StartRecording(_ context.Context, deviceID, _ string) (functions.RecordingSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.StartErr != nil {
		return functions.RecordingSession{}, c.StartErr
	}
	c.StartCalls = append(c.StartCalls, deviceID)
	return c.Session, nil
}

func (c *Client) StopRecording(_ context.Context, _ string, s functions.RecordingSession) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.StopErr != nil {
		return c.StopErr
	}
	c.StopCalls = append(c.StopCalls, s)
	return nil
}

func (c *Client) TriggerPush(_ context.Context, ev messages.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.PushErr != nil {
		return c.PushErr
	}
	c.Pushed = append(c.Pushed, ev)
	return nil
}

func (c *Client) SendSMS(_ context.Context, to, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SMSErr != nil {
		return c.SMSErr
	}
	c.SMSSent = append(c.SMSSent, to)
	return nil
}

func (c *Client) StartCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.StartCalls)
}
