package httpfunc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/SableFox/SafeBeacon/internal/broker/messages"
	"github.com/SableFox/SafeBeacon/internal/integrations/functions"
	"github.com/pkg/errors"
)

// Client зовёт внешние функции по HTTPS с bearer-токеном. Каждый вызов
// ограничен таймаутом; на 401 делаем ровно один refresh-and-retry.
type Client struct {
	baseURL string
	tokens  functions.TokenSource
	httpc   *http.Client
}

func New(baseURL string, tokens functions.TokenSource, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 12 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		tokens:  tokens,
		httpc: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *Client) call(ctx context.Context, path string, body any, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "marshal request")
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return errors.Wrap(err, "get token")
	}

	status, respBody, err := c.do(ctx, path, token, b)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		// единственный retry с обновлённым токеном
		token, err = c.tokens.Refresh(ctx)
		if err != nil {
			return errors.Wrap(err, "refresh token")
		}
		status, respBody, err = c.do(ctx, path, token, b)
		if err != nil {
			return err
		}
	}
	if status/100 != 2 {
		return fmt.Errorf("function %s http %d", path, status)
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return errors.Wrap(err, "decode response")
		}
	}
	return nil
}

func (c *Client) do(ctx context.Context, path, token string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, errors.Wrap(err, "new request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, nil, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return 0, nil, errors.Wrap(err, "read response")
	}
	return resp.StatusCode, buf.Bytes(), nil
}

type startRecordingReq struct {
	DeviceID string `json:"device_id"`
	GroupID  string `json:"group_id"`
}

func (c *Client) StartRecording(ctx context.Context, deviceID, groupID string) (functions.RecordingSession, error) {
	var out functions.RecordingSession
	err := c.call(ctx, "/recording/start", startRecordingReq{DeviceID: deviceID, GroupID: groupID}, &out)
	if err != nil {
		return functions.RecordingSession{}, err
	}
	return out, nil
}

type stopRecordingReq struct {
	DeviceID   string `json:"device_id"`
	ResourceID string `json:"resource_id"`
	SID        string `json:"sid"`
}

func (c *Client) StopRecording(ctx context.Context, deviceID string, s functions.RecordingSession) error {
	return c.call(ctx, "/recording/stop", stopRecordingReq{DeviceID: deviceID, ResourceID: s.ResourceID, SID: s.SID}, nil)
}

func (c *Client) TriggerPush(ctx context.Context, ev messages.Event) error {
	return c.call(ctx, "/push/fanout", ev, nil)
}

type smsReq struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

func (c *Client) SendSMS(ctx context.Context, to, body string) error {
	return c.call(ctx, "/sms/relay", smsReq{To: to, Body: body}, nil)
}
