package app

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/MrWong99/intervox/internal/health"
	"github.com/MrWong99/intervox/internal/observe"
	"github.com/MrWong99/intervox/internal/statsstore"
	"github.com/MrWong99/intervox/internal/stream"
)

// historyLimit bounds the snapshots returned by /v1/stats/history.
const historyLimit = 50

// StatsResponse is the body of GET /v1/stats.
type StatsResponse struct {
	SessionID  uuid.UUID         `json:"session_id"`
	State      string            `json:"state"`
	Stalled    bool              `json:"stalled"`
	Recovering bool              `json:"recovering"`
	Statistics stream.Statistics `json:"statistics"`

	SuccessRate float64 `json:"success_rate"`

	// ThroughputBPS is bytes per second of send latency.
	ThroughputBPS float64 `json:"throughput_bytes_per_second"`
}

// routes builds the HTTP surface: health probes, Prometheus metrics and the
// statistics endpoints, all behind the observe middleware.
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()

	h := health.New(
		health.StreamChecker(a.service),
		health.TransportChecker(transportFunc{a}),
	)
	h.Register(mux)

	mux.Handle("GET /metrics", observe.MetricsHandler(a.gatherer))
	mux.HandleFunc("GET /v1/stats", a.handleStats)
	mux.HandleFunc("GET /v1/stats/history", a.handleHistory)

	return observe.Middleware(a.metrics)(mux)
}

func (a *App) stats() StatsResponse {
	st := a.service.Statistics()
	return StatsResponse{
		SessionID:     a.supervisor.SessionID(),
		State:         a.service.State().String(),
		Stalled:       a.service.Stalled(),
		Recovering:    a.supervisor.Recovering(),
		Statistics:    st,
		SuccessRate:   st.SuccessRate(),
		ThroughputBPS: st.Throughput(),
	}
}

func (a *App) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.stats())
}

func (a *App) handleHistory(w http.ResponseWriter, r *http.Request) {
	snaps, err := a.store.List(r.Context(), a.supervisor.SessionID(), historyLimit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if snaps == nil {
		snaps = []statsstore.Snapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
