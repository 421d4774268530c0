package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"crmsync/internal/engine/queue"
	"crmsync/internal/workers"
)

// StreamInspector reports stream and consumer group state.
type StreamInspector interface {
	StreamInfo(ctx context.Context, stream string) (*queue.StreamInfo, error)
}

// MetricsHandler exports queue state, and worker counters when running
// inside the worker process.
type MetricsHandler struct {
	registry *prometheus.Registry
	handler  http.Handler
}

func NewMetricsHandler(q StreamInspector, streams []string, stats *workers.Stats) *MetricsHandler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		&syncCollector{queue: q, streams: streams, stats: stats},
	)
	return &MetricsHandler{
		registry: registry,
		handler:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}
}

func (h *MetricsHandler) Export(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r)
}

var (
	upDesc = prometheus.NewDesc("crmsync_up", "Is the process up", nil, nil)

	streamLengthDesc = prometheus.NewDesc("crmsync_stream_length",
		"Entries in the stream", []string{"stream"}, nil)
	streamPendingDesc = prometheus.NewDesc("crmsync_stream_pending",
		"Delivered but unacknowledged entries", []string{"stream", "group"}, nil)

	processedDesc = prometheus.NewDesc("crmsync_worker_processed_total",
		"Entries handed to a handler", nil, nil)
	succeededDesc = prometheus.NewDesc("crmsync_worker_succeeded_total",
		"Entries handled successfully", nil, nil)
	retriedDesc = prometheus.NewDesc("crmsync_worker_retried_total",
		"Failed entries left pending for retry", nil, nil)
	deadLetteredDesc = prometheus.NewDesc("crmsync_worker_dead_lettered_total",
		"Entries acknowledged after exhausting their budget", nil, nil)
	malformedDesc = prometheus.NewDesc("crmsync_worker_malformed_total",
		"Entries dropped as malformed", nil, nil)
	failuresDesc = prometheus.NewDesc("crmsync_worker_failures_total",
		"Handler failures by class", []string{"class"}, nil)
)

// syncCollector reads queue and worker state at scrape time.
type syncCollector struct {
	queue   StreamInspector
	streams []string
	stats   *workers.Stats
}

func (c *syncCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		upDesc, streamLengthDesc, streamPendingDesc,
		processedDesc, succeededDesc, retriedDesc, deadLetteredDesc, malformedDesc, failuresDesc,
	} {
		ch <- d
	}
}

func (c *syncCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(upDesc, prometheus.GaugeValue, 1)

	if c.queue != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		for _, stream := range c.streams {
			info, err := c.queue.StreamInfo(ctx, stream)
			if err != nil {
				log.Warn().Err(err).Str("stream", stream).Msg("failed to read stream info for metrics")
				continue
			}
			ch <- prometheus.MustNewConstMetric(streamLengthDesc, prometheus.GaugeValue, float64(info.Length), stream)
			for _, g := range info.Group {
				ch <- prometheus.MustNewConstMetric(streamPendingDesc, prometheus.GaugeValue, float64(g.Pending), stream, g.Name)
			}
		}
	}

	if c.stats == nil {
		return
	}
	snap := c.stats.Snapshot()
	ch <- prometheus.MustNewConstMetric(processedDesc, prometheus.CounterValue, float64(snap.Processed))
	ch <- prometheus.MustNewConstMetric(succeededDesc, prometheus.CounterValue, float64(snap.Succeeded))
	ch <- prometheus.MustNewConstMetric(retriedDesc, prometheus.CounterValue, float64(snap.Retried))
	ch <- prometheus.MustNewConstMetric(deadLetteredDesc, prometheus.CounterValue, float64(snap.DeadLettered))
	ch <- prometheus.MustNewConstMetric(malformedDesc, prometheus.CounterValue, float64(snap.Malformed))
	for class, n := range snap.Failures {
		ch <- prometheus.MustNewConstMetric(failuresDesc, prometheus.CounterValue, float64(n), class)
	}
}
