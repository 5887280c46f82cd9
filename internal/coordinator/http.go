package coordinator

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"git.home.luguber.info/inful/fieldtrack/internal/logfields"
)

// debugServer exposes health, status and Prometheus metrics on the local
// metrics listener.
type debugServer struct {
	coord  *Coordinator
	server *http.Server
}

func newDebugServer(c *Coordinator) *debugServer {
	ds := &debugServer{coord: c}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", ds.handleHealth)
	mux.HandleFunc("/status", ds.handleStatus)
	if c.registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	}

	ds.server = &http.Server{
		Addr:              c.cfg.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ds
}

func (ds *debugServer) Start(ctx context.Context) {
	go func() {
		slog.Info("Debug server listening", "addr", ds.server.Addr)
		if err := ds.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Debug server failed", logfields.Error(err))
		}
	}()
}

func (ds *debugServer) Stop(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := ds.server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Debug server shutdown failed", logfields.Error(err))
	}
}

func (ds *debugServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	c := ds.coord
	status := c.Status()
	resp := map[string]any{
		"status":      string(status),
		"instance_id": c.instanceID,
		"online":      c.online.Load(),
		"session":     string(c.verifier.State()),
		"uptime":      time.Since(c.startTime).Round(time.Second).String(),
	}

	w.Header().Set("Content-Type", "application/json")
	if status != StatusRunning {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (ds *debugServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	c := ds.coord
	state := c.engine.State()

	events, err := c.jrnl.Recent(r.Context(), "", 20)
	if err != nil {
		slog.Warn("Status journal query failed", logfields.Error(err))
	}
	recent := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		recent = append(recent, map[string]any{
			"type":      string(ev.Type),
			"timestamp": ev.Timestamp,
			"payload":   json.RawMessage(ev.Payload),
		})
	}

	resp := map[string]any{
		"status":        string(c.Status()),
		"instance_id":   c.instanceID,
		"online":        c.online.Load(),
		"session":       string(c.verifier.State()),
		"soft_failures": c.verifier.SoftFailures(),
		"sync": map[string]any{
			"movement":     string(state.Movement),
			"interval":     state.Interval.String(),
			"last_sent_at": state.LastSentAt,
			"has_sent":     state.HasSent,
		},
		"recent_events": recent,
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
