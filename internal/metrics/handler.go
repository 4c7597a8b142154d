package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"daynews/internal/engine"
)

// Snapshotter is the read side of the scheduler engine.
type Snapshotter interface {
	Snapshot(ctx context.Context) ([]engine.Entry, error)
	Running() int
}

type scheduleView struct {
	SubscriberID  string     `json:"subscriber_id"`
	FireTime      string     `json:"fire_time"`
	Active        bool       `json:"active"`
	LastDelivered string     `json:"last_delivered,omitempty"`
	Running       bool       `json:"running"`
	NextFire      *time.Time `json:"next_fire,omitempty"`
	LastAttempt   *time.Time `json:"last_attempt,omitempty"`
	LastOK        bool       `json:"last_ok"`
	LastErr       string     `json:"last_error,omitempty"`
}

// NewRouter serves /metrics, /healthz and /schedules.
func NewRouter(gatherer prometheus.Gatherer, snap Snapshotter) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/schedules", func(w http.ResponseWriter, req *http.Request) {
		entries, err := snap.Snapshot(req.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		out := make([]scheduleView, 0, len(entries))
		for _, e := range entries {
			v := scheduleView{
				SubscriberID: e.SubscriberID,
				FireTime:     e.FireTime.String(),
				Active:       e.Active,
				Running:      e.Status.Running,
				LastOK:       e.Status.LastOK,
				LastErr:      e.Status.LastErr,
			}
			if !e.LastDelivered.IsZero() {
				v.LastDelivered = e.LastDelivered.String()
			}
			if t := e.Status.NextFire; !t.IsZero() {
				v.NextFire = &t
			}
			if t := e.Status.LastAttempt; !t.IsZero() {
				v.LastAttempt = &t
			}
			out = append(out, v)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			Running   int            `json:"running"`
			Schedules []scheduleView `json:"schedules"`
		}{snap.Running(), out})
	})
	return r
}
