// Package metrics mirrors pipeline events into Prometheus counters on a
// private registry and writes them in the node_exporter textfile format.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dhcgn/mail-sanitizer/stats"
)

const namespace = "mail_sanitizer"

type Exporter struct {
	registry *prometheus.Registry

	events  *prometheus.CounterVec
	lastRun prometheus.Gauge
}

func New() *Exporter {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Exporter{
		registry: reg,
		events: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Pipeline events by stage and type.",
			},
			[]string{"stage", "type"},
		),
		lastRun: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the metrics file was last written.",
		}),
	}
}

func (e *Exporter) Observe(evt stats.Event) {
	e.events.WithLabelValues(string(evt.Stage), string(evt.Type)).Inc()
}

// Consume observes events until the channel closes or ctx ends.
func (e *Exporter) Consume(ctx context.Context, events <-chan stats.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			e.Observe(evt)
		}
	}
}

// WriteTextfile atomically replaces path with the current counters.
func (e *Exporter) WriteTextfile(path string) error {
	e.lastRun.Set(float64(time.Now().Unix()))
	if err := prometheus.WriteToTextfile(path, e.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}
