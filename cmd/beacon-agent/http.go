package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/SableFox/SafeBeacon/internal/services/alerts"
	"github.com/SableFox/SafeBeacon/internal/services/emergency"
	"github.com/SableFox/SafeBeacon/internal/services/trackpipe"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
)

type agentHTTPOpts struct {
	httpAddr string
	onListen func(httpAddr string)

	pipeline  *trackpipe.Pipeline
	emergency *emergency.Service
	alerts    *alerts.Service
}

// Локальный управляющий интерфейс агента: кнопка SOS, отбой, check-in и
// диагностика. Слушает только loopback-порт устройства.
func runAgentHTTPServer(ctx context.Context, opts agentHTTPOpts) error {
	if opts.httpAddr == "" {
		opts.httpAddr = "127.0.0.1:8090"
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		out := map[string]any{}
		if opts.pipeline != nil {
			out["pipeline"] = opts.pipeline.Stats()
		}
		if opts.alerts != nil {
			out["alerts"] = opts.alerts.Stats()
		}
		if opts.emergency != nil {
			out["state"] = opts.emergency.State().String()
		}
		_ = json.NewEncoder(w).Encode(out)
	})

	r.Get("/alerts", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.alerts == nil {
			_, _ = w.Write([]byte(`{"error":"alerts not wired"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(opts.alerts.Active())
	})

	r.Post("/sos", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		act, err := opts.emergency.Trigger(r.Context())
		if errors.Is(err, emergency.ErrAlreadyActive) {
			writeError(w, http.StatusConflict, err)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"sos_id": act.SOSID,
			"link":   act.Link,
		})
	})

	r.Post("/sos/cancel", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !opts.emergency.VerifyCancelPIN(r.URL.Query().Get("pin")) {
			writeError(w, http.StatusForbidden, errors.New("wrong pin"))
			return
		}
		err := opts.emergency.Cancel(r.Context())
		if errors.Is(err, emergency.ErrNotActive) {
			writeError(w, http.StatusConflict, err)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		_, _ = w.Write([]byte(`{"cancelled":true}`))
	})

	r.Post("/checkin", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		err := opts.emergency.CheckIn(r.Context())
		if errors.Is(err, emergency.ErrRateLimited) {
			writeError(w, http.StatusTooManyRequests, err)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		_, _ = w.Write([]byte(`{"sent":true}`))
	})

	r.Post("/alerts/{deviceID}/ack", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		by := r.URL.Query().Get("by")
		if err := opts.alerts.Acknowledge(r.Context(), chi.URLParam(r, "deviceID"), by); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		_, _ = w.Write([]byte(`{"acknowledged":true}`))
	})

	r.Post("/alerts/{deviceID}/dismiss", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		opts.alerts.Dismiss(chi.URLParam(r, "deviceID"))
		_, _ = w.Write([]byte(`{"dismissed":true}`))
	})

	r.Post("/sync", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.pipeline == nil {
			_, _ = w.Write([]byte(`{"triggered":false}`))
			return
		}
		// во время SOS цикл уже идёт, достаточно разбудить его; в покое
		// снимаем и заливаем одну точку прямо здесь
		if opts.pipeline.Running() {
			opts.pipeline.Trigger()
			_, _ = w.Write([]byte(`{"triggered":true}`))
			return
		}
		if _, err := opts.pipeline.ForceOneShotSync(r.Context(), false); err != nil {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		_, _ = w.Write([]byte(`{"triggered":true}`))
	})

	srv := &http.Server{Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	return srv.Serve(lis)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
