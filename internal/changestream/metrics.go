package changestream

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus instruments for the change stream.
type Metrics struct {
	EventsPublished    *prometheus.CounterVec
	Subscribers        prometheus.Gauge
	SlowConsumers      prometheus.Counter
	CapacityRejections prometheus.Counter
}

// NewMetrics creates and registers the change stream metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atdata_changestream_events_published_total",
			Help: "Change events published to the stream.",
		}, []string{"collection", "operation"}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "atdata_changestream_subscribers",
			Help: "Currently connected change stream subscribers.",
		}),
		SlowConsumers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atdata_changestream_slow_consumer_disconnects_total",
			Help: "Subscribers disconnected for falling behind.",
		}),
		CapacityRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atdata_changestream_capacity_rejections_total",
			Help: "Subscription attempts rejected at the subscriber cap.",
		}),
	}
	reg.MustRegister(m.EventsPublished, m.Subscribers, m.SlowConsumers, m.CapacityRejections)
	return m
}
