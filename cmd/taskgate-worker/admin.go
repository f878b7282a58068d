package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mihaimyh/taskgate/pkg/api"
	"github.com/mihaimyh/taskgate/pkg/dispatch"
	"github.com/mihaimyh/taskgate/pkg/maintenance"
	"github.com/mihaimyh/taskgate/pkg/taskgate"
	prommetrics "github.com/mihaimyh/taskgate/pkg/taskgate/metrics/prometheus"
)

type pinger interface {
	Ping(ctx context.Context) error
}

type triggerer interface {
	Trigger(ctx context.Context, name string) error
}

type admin struct {
	reg       *prometheus.Registry
	broker    pinger
	stats     prommetrics.StatsSource
	queues    []string
	scheduler triggerer
	usage     *api.Handler
	logger    taskgate.Logger
}

// routes serves metrics, health, queue depths, per-user usage and manual
// maintenance triggers.
func (a *admin) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{Registry: a.reg}))
	r.Get("/healthz", a.healthz)
	r.Get("/queues", a.queueStats)
	r.Post("/maintenance/{job}", a.trigger)
	if a.usage != nil {
		r.Get("/usage/{userID}", a.usage.GetUsage)
	}
	return r
}

func (a *admin) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.broker.Ping(ctx); err != nil {
		http.Error(w, "broker unreachable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type queueStatsResponse struct {
	Ready    int64 `json:"ready"`
	Delayed  int64 `json:"delayed"`
	InFlight int64 `json:"in_flight"`
}

func (a *admin) queueStats(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]queueStatsResponse, len(a.queues))
	for _, q := range a.queues {
		s, err := a.stats.Stats(r.Context(), q)
		if err != nil {
			a.logger.Error("failed to read queue stats", taskgate.F("queue", q), taskgate.Err(err))
			http.Error(w, "queue stats unavailable", http.StatusServiceUnavailable)
			return
		}
		out[q] = queueStatsResponse{Ready: s.Ready, Delayed: s.Delayed, InFlight: s.InFlight}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (a *admin) trigger(w http.ResponseWriter, r *http.Request) {
	job := chi.URLParam(r, "job")
	err := a.scheduler.Trigger(r.Context(), job)
	switch {
	case errors.Is(err, maintenance.ErrUnknownHook):
		http.Error(w, "unknown maintenance job", http.StatusNotFound)
	case err != nil:
		http.Error(w, "maintenance job failed", http.StatusInternalServerError)
	default:
		a.logger.Info("maintenance job triggered", taskgate.F("job", job))
		w.WriteHeader(http.StatusAccepted)
	}
}

// userFromPath reads the user ID from the /usage/{userID} route.
func userFromPath(r *http.Request) string {
	return chi.URLParam(r, "userID")
}

func queueNames(queues []dispatch.QueueInfo) []string {
	names := make([]string, len(queues))
	for i, q := range queues {
		names[i] = q.Name
	}
	return names
}
