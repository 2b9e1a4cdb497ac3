package httpfunc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SableFox/SafeBeacon/internal/broker/messages"
	"github.com/SableFox/SafeBeacon/internal/integrations/functions"
	"github.com/stretchr/testify/require"
)

type refreshingToken struct {
	current  atomic.Value
	refreshN atomic.Int32
}

func (t *refreshingToken) Token(context.Context) (string, error) {
	return t.current.Load().(string), nil
}

func (t *refreshingToken) Refresh(context.Context) (string, error) {
	t.refreshN.Add(1)
	t.current.Store("fresh-token")
	return "fresh-token", nil
}

func TestStartRecording(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/recording/start", r.URL.Path)
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		var req startRecordingReq
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "DEV12345", req.DeviceID)

		json.NewEncoder(w).Encode(functions.RecordingSession{ResourceID: "res-1", SID: "sid-1"})
	}))
	defer srv.Close()

	c := New(srv.URL, functions.StaticToken("test-token"), time.Second)
	s, err := c.StartRecording(context.Background(), "DEV12345", "group-1")
	require.NoError(t, err)
	require.Equal(t, "res-1", s.ResourceID)
	require.Equal(t, "sid-1", s.SID)
}

func TestUnauthorizedRetriesOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") != "Bearer fresh-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	tokens := &refreshingToken{}
	tokens.current.Store("stale-token")

	c := New(srv.URL, tokens, time.Second)
	err := c.TriggerPush(context.Background(), messages.Event{Type: messages.EventSOS})
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())
	require.Equal(t, int32(1), tokens.refreshN.Load())
}

func TestUnauthorizedAfterRefreshFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tokens := &refreshingToken{}
	tokens.current.Store("stale-token")

	c := New(srv.URL, tokens, time.Second)
	err := c.SendSMS(context.Background(), "+15550100", "sos")
	require.Error(t, err)
	// ровно один повтор, не цикл
	require.Equal(t, int32(1), tokens.refreshN.Load())
}

func TestServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, functions.StaticToken("t"), time.Second)
	err := c.StopRecording(context.Background(), "DEV12345", functions.RecordingSession{ResourceID: "r", SID: "s"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "http 500")
}
