// Package metrics defines the Prometheus metrics exported by the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for DeliveriesTotal.
const (
	OutcomeDelivered     = "delivered"
	OutcomeConfiguration = "configuration_error"
	OutcomeRateLimited   = "rate_limited"
	OutcomeFailed        = "failed"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	Registry *prometheus.Registry

	EmailsReceived   prometheus.Counter
	DeliveriesTotal  *prometheus.CounterVec
	MessagesSent     *prometheus.CounterVec
	AlertFailures    prometheus.Counter
	DeliveryDuration prometheus.Histogram
	EmailSize        prometheus.Histogram
	ActiveSessions   prometheus.Gauge
}

// New creates the metrics on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry creates the metrics on the given registry.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		EmailsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "mail2telegram_emails_received_total",
			Help: "Total number of inbound emails handed to the pipeline",
		}),
		DeliveriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mail2telegram_deliveries_total",
			Help: "Total number of pipeline runs by outcome",
		}, []string{"outcome"}),
		MessagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mail2telegram_messages_sent_total",
			Help: "Total number of messages sent to the destination chat by kind",
		}, []string{"kind"}),
		AlertFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "mail2telegram_alert_failures_total",
			Help: "Total number of failure alerts that could not be sent",
		}),
		DeliveryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mail2telegram_delivery_duration_seconds",
			Help:    "Time spent delivering one email",
			Buckets: prometheus.DefBuckets,
		}),
		EmailSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mail2telegram_email_size_bytes",
			Help:    "Size of inbound raw emails",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mail2telegram_smtp_active_sessions",
			Help: "Number of SMTP sessions currently open",
		}),
	}
}
