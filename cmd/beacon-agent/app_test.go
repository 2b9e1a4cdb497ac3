package main

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/SableFox/SafeBeacon/config"
	"github.com/SableFox/SafeBeacon/internal/broker/redischannel"
	"github.com/SableFox/SafeBeacon/internal/broker/wschannel"
	fnfake "github.com/SableFox/SafeBeacon/internal/integrations/functions/fake"
	"github.com/SableFox/SafeBeacon/internal/integrations/functions/httpfunc"
	locfake "github.com/SableFox/SafeBeacon/internal/integrations/location/fake"
	"github.com/SableFox/SafeBeacon/internal/integrations/location/gpshttp"
	"github.com/SableFox/SafeBeacon/internal/localstore"
	"github.com/SableFox/SafeBeacon/internal/models"
	"github.com/SableFox/SafeBeacon/internal/services/alerts"
	"github.com/SableFox/SafeBeacon/internal/services/emergency"
	"github.com/SableFox/SafeBeacon/internal/services/trackpipe"
	"github.com/SableFox/SafeBeacon/internal/storage/pgfleet"
	"github.com/stretchr/testify/require"
)

func TestDefaultFactories_SelectChannel(t *testing.T) {
	f := defaultFactories()

	cfgWS := &config.Config{
		Beacon: config.BeaconConfig{ChannelMode: "websocket", RealtimeGatewayURL: "ws://localhost:9001/fleet"},
	}
	c1 := f.newChannel(cfgWS)
	_, ok := c1.(*wschannel.Channel)
	require.True(t, ok)

	cfgRedis := &config.Config{
		Beacon: config.BeaconConfig{ChannelMode: "redis"},
		Redis:  config.RedisConfig{Host: "localhost", Port: 6379},
	}
	c2 := f.newChannel(cfgRedis)
	_, ok = c2.(*redischannel.Channel)
	require.True(t, ok)

	// websocket без адреса шлюза — откат на redis
	cfgBroken := &config.Config{
		Beacon: config.BeaconConfig{ChannelMode: "websocket"},
		Redis:  config.RedisConfig{Host: "localhost", Port: 6379},
	}
	c3 := f.newChannel(cfgBroken)
	_, ok = c3.(*redischannel.Channel)
	require.True(t, ok)
}

func TestDefaultFactories_SelectLocationAndFunctions(t *testing.T) {
	f := defaultFactories()

	src := f.newLocation(&config.Config{Beacon: config.BeaconConfig{LocationSourceURL: "http://127.0.0.1:7000"}})
	_, ok := src.(*gpshttp.Source)
	require.True(t, ok)

	src = f.newLocation(&config.Config{})
	_, ok = src.(*locfake.Source)
	require.True(t, ok)

	fns := f.newFunctions(&config.Config{Functions: config.FunctionsConfig{BaseURL: "https://fn.example.com", BearerToken: "t"}})
	_, ok = fns.(*httpfunc.Client)
	require.True(t, ok)

	fns = f.newFunctions(&config.Config{})
	_, ok = fns.(*fnfake.Client)
	require.True(t, ok)
}

func TestDefaultFactories_TieredStore(t *testing.T) {
	f := defaultFactories()
	st, err := f.newStore(&config.Config{Beacon: config.BeaconConfig{DataDir: t.TempDir()}})
	require.NoError(t, err)
	require.NoError(t, st.Set(localstore.KeyDisplayName, "Alice"))
	v, ok, err := st.Get(localstore.KeyDisplayName)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Alice", v)
}

type memSessions struct{}

func (memSessions) UpsertTrackingSession(context.Context, pgfleet.SessionUpsert) error { return nil }

func (memSessions) SetSessionStatus(context.Context, string, string) error { return nil }

func newHTTPTestDeps(t *testing.T) agentHTTPOpts {
	t.Helper()
	store, err := localstore.NewPlain(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	src := locfake.New()
	src.SetFix(&models.Fix{Latitude: 55.75, Longitude: 37.61, AccuracyM: 10, TakenAt: time.Now().UTC()})

	emerg := emergency.New(nil, fnfake.New(), nil, nil, store, "DEV23456", "group-alpha", "Alice", nil)
	pipe := trackpipe.New(src, memSessions{}, nil, emerg, "DEV23456", "group-alpha")
	alertSvc := alerts.New(nil, nil, nil, store, "DEV23456", "group-alpha", nil)

	return agentHTTPOpts{
		httpAddr:  "127.0.0.1:0",
		pipeline:  pipe,
		emergency: emerg,
		alerts:    alertSvc,
	}
}

func startServer(t *testing.T, opts agentHTTPOpts) string {
	t.Helper()
	addrCh := make(chan string, 1)
	opts.onListen = func(a string) { addrCh <- a }

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = runAgentHTTPServer(ctx, opts) }()

	select {
	case addr := <-addrCh:
		return "http://" + addr
	case <-time.After(2 * time.Second):
		t.Fatal("server did not start")
		return ""
	}
}

func TestAgentHTTP_SOSLifecycle(t *testing.T) {
	base := startServer(t, newHTTPTestDeps(t))

	resp, err := http.Post(base+"/sos", "application/json", nil)
	require.NoError(t, err)
	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	resp.Body.Close()
	require.NotEmpty(t, out["sos_id"])

	// повторный SOS при активной тревоге
	resp, err = http.Post(base+"/sos", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, err = http.Post(base+"/sos/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(base+"/sos/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAgentHTTP_StatsAndAlerts(t *testing.T) {
	opts := newHTTPTestDeps(t)
	base := startServer(t, opts)

	resp, err := http.Get(base + "/stats")
	require.NoError(t, err)
	var stats map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	resp.Body.Close()
	require.Equal(t, models.StateNormal.String(), stats["state"])
	require.Contains(t, stats, "pipeline")
	require.Contains(t, stats, "alerts")

	resp, err = http.Get(base + "/alerts")
	require.NoError(t, err)
	var list []models.EmergencyAlert
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	require.Empty(t, list)

	resp, err = http.Post(base+"/checkin", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(base+"/sync", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
