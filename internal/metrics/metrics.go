// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WebhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_webhook_deliveries_total",
			Help: "Webhook deliveries by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_events_processed_total",
			Help: "Inbound events by channel and processing result",
		},
		[]string{"channel", "result"},
	)

	ProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inbox_event_processing_duration_seconds",
			Help:    "Duration of inbound event processing",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2},
		},
		[]string{"channel"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "inbox_queue_depth",
			Help: "Inbound events waiting in the in-process queue",
		},
	)

	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_attachment_cache_lookups_total",
			Help: "Attachment cache lookups by serving tier (memory, store, origin, error)",
		},
		[]string{"tier"},
	)

	OriginFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_attachment_origin_fetches_total",
			Help: "Attachment origin fetches by status",
		},
		[]string{"status"},
	)

	OutboundSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_outbound_sends_total",
			Help: "Outbound sends by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)
)

// Handler serves the default registry.
type Handler struct{}

func NewHandler() *Handler {
	return &Handler{}
}

func (h *Handler) Register(e *echo.Echo) {
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}
