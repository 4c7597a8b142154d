// Package metrics exposes scheduler activity to Prometheus and serves the
// operational HTTP endpoints.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"daynews/internal/eventbus"
)

// Collector turns bus events into Prometheus series.
type Collector struct {
	events       *prometheus.CounterVec
	deliveries   *prometheus.CounterVec
	commands     *prometheus.CounterVec
	lastDelivery prometheus.Gauge
}

// NewCollector registers the daynews series on reg. running reports the
// number of live timers and may be nil.
func NewCollector(reg prometheus.Registerer, running func() int) *Collector {
	c := &Collector{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "daynews_events_total",
			Help: "Scheduler events by type.",
		}, []string{"type"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "daynews_deliveries_total",
			Help: "Delivery attempts by trigger and result.",
		}, []string{"trigger", "result"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "daynews_commands_total",
			Help: "Control operations by operation and result code.",
		}, []string{"op", "code"}),
		lastDelivery: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "daynews_last_delivery_timestamp_seconds",
			Help: "Unix time of the last successful scheduled delivery.",
		}),
	}
	reg.MustRegister(c.events, c.deliveries, c.commands, c.lastDelivery)
	if running != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "daynews_timers_running",
			Help: "Subscribers with a live daily timer.",
		}, func() float64 { return float64(running()) }))
	}
	return c
}

func (c *Collector) Observe(e eventbus.Event) {
	c.events.WithLabelValues(e.Type).Inc()
	switch e.Type {
	case eventbus.DeliveryOK:
		c.deliveries.WithLabelValues("scheduled", "ok").Inc()
		if !e.Time.IsZero() {
			c.lastDelivery.Set(float64(e.Time.Unix()))
		}
	case eventbus.DeliveryFailed:
		c.deliveries.WithLabelValues("scheduled", "failed").Inc()
	case eventbus.DeliveryManual:
		result := "ok"
		if e.Err != "" {
			result = "failed"
		}
		c.deliveries.WithLabelValues("manual", result).Inc()
	case eventbus.ControlExecuted:
		c.commands.WithLabelValues(e.Data["op"], e.Data["code"]).Inc()
	}
}

// Run feeds events from bus into the collector until ctx is done.
func (c *Collector) Run(ctx context.Context, bus eventbus.Bus) {
	events, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			c.Observe(e)
		}
	}
}
